package publisher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ErrNotModified is returned when an edit carries the text already shown.
// Callers treat it as success.
var ErrNotModified = errors.New("publisher: message is not modified")

// Publisher 定义频道消息的发送与编辑接口。
type Publisher interface {
	Publish(ctx context.Context, channel, text string) (int64, error)
	Edit(ctx context.Context, channel string, messageID int64, text string) error
}

// Telegram 通过 Telegram Bot API 发布和编辑消息。
type Telegram struct {
	botToken string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegram 构造 Telegram 发布器。
func NewTelegram(botToken, baseURL string, timeout time.Duration, logger zerolog.Logger) *Telegram {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &Telegram{
		botToken: botToken,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "publisher_telegram").Logger(),
	}
}

type sendRequest struct {
	ChatID                string `json:"chat_id"`
	MessageID             int64  `json:"message_id,omitempty"`
	Text                  string `json:"text"`
	ParseMode             string `json:"parse_mode"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview"`
}

type apiResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
	Result      struct {
		MessageID int64 `json:"message_id"`
	} `json:"result"`
}

// Publish 调用 sendMessage 并返回新消息的 id。
func (t *Telegram) Publish(ctx context.Context, channel, text string) (int64, error) {
	res, err := t.call(ctx, "sendMessage", sendRequest{
		ChatID:                channel,
		Text:                  text,
		ParseMode:             "HTML",
		DisableWebPagePreview: true,
	})
	if err != nil {
		return 0, err
	}
	if res.Result.MessageID == 0 {
		return 0, fmt.Errorf("telegram 未返回 message_id")
	}

	t.logger.Info().Str("channel", channel).Int64("message_id", res.Result.MessageID).Msg("消息已发布")
	return res.Result.MessageID, nil
}

// Edit 调用 editMessageText 覆盖已发布的消息。
func (t *Telegram) Edit(ctx context.Context, channel string, messageID int64, text string) error {
	_, err := t.call(ctx, "editMessageText", sendRequest{
		ChatID:                channel,
		MessageID:             messageID,
		Text:                  text,
		ParseMode:             "HTML",
		DisableWebPagePreview: true,
	})
	if err != nil {
		return err
	}

	t.logger.Debug().Str("channel", channel).Int64("message_id", messageID).Msg("消息已更新")
	return nil
}

func (t *Telegram) call(ctx context.Context, method string, payload sendRequest) (apiResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return apiResponse{}, fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/%s", t.baseURL, t.botToken, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return apiResponse{}, fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return apiResponse{}, fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	var result apiResponse
	decodeErr := json.NewDecoder(resp.Body).Decode(&result)

	if strings.Contains(result.Description, "message is not modified") {
		return result, ErrNotModified
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if result.Description != "" {
			return result, fmt.Errorf("telegram %s 响应码异常: %d: %s", method, resp.StatusCode, result.Description)
		}
		return result, fmt.Errorf("telegram %s 响应码异常: %d", method, resp.StatusCode)
	}
	if decodeErr != nil {
		return result, fmt.Errorf("decode telegram response: %w", decodeErr)
	}
	if !result.OK {
		return result, fmt.Errorf("telegram %s 返回 ok=false: %s", method, result.Description)
	}
	return result, nil
}

var _ Publisher = (*Telegram)(nil)

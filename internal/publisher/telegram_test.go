package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

func TestTelegramPublishSuccess(t *testing.T) {
	var received sendRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/bottoken/sendMessage" {
			t.Errorf("路径应为 sendMessage, 实际 %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("解析请求体失败: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "result": map[string]any{"message_id": 42}})
	}))
	defer srv.Close()

	pub := NewTelegram("token", srv.URL, time.Second, testLogger())
	id, err := pub.Publish(context.Background(), "@currency_patrol", "<b>hi</b>")
	if err != nil {
		t.Fatalf("Publish 应成功: %v", err)
	}
	if id != 42 {
		t.Fatalf("message_id 不正确: %d", id)
	}
	if received.ChatID != "@currency_patrol" || received.ParseMode != "HTML" || !received.DisableWebPagePreview {
		t.Fatalf("请求参数不正确: %#v", received)
	}
}

func TestTelegramEditSendsMessageID(t *testing.T) {
	var received sendRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/editMessageText") {
			t.Errorf("路径应为 editMessageText, 实际 %s", r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&received)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "result": map[string]any{"message_id": 42}})
	}))
	defer srv.Close()

	pub := NewTelegram("token", srv.URL, time.Second, testLogger())
	if err := pub.Edit(context.Background(), "chat", 42, "text"); err != nil {
		t.Fatalf("Edit 应成功: %v", err)
	}
	if received.MessageID != 42 || received.Text != "text" {
		t.Fatalf("请求参数不正确: %#v", received)
	}
}

func TestTelegramEditNotModified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"ok":          false,
			"description": "Bad Request: message is not modified: specified new message content and reply markup are exactly the same",
		})
	}))
	defer srv.Close()

	pub := NewTelegram("token", srv.URL, time.Second, testLogger())
	if err := pub.Edit(context.Background(), "chat", 1, "same"); !errors.Is(err, ErrNotModified) {
		t.Fatalf("期望 ErrNotModified, 实际 %v", err)
	}
}

func TestTelegramPublishError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false})
	}))
	defer srv.Close()

	pub := NewTelegram("token", srv.URL, time.Second, testLogger())
	if _, err := pub.Publish(context.Background(), "chat", "x"); err == nil {
		t.Fatal("ok=false 应报错")
	}
}

func TestTelegramPublishHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false, "description": "Forbidden: bot is not a member"})
	}))
	defer srv.Close()

	pub := NewTelegram("token", srv.URL, time.Second, testLogger())
	_, err := pub.Publish(context.Background(), "chat", "x")
	if err == nil || !strings.Contains(err.Error(), "bot is not a member") {
		t.Fatalf("应返回 Telegram 描述, 实际 %v", err)
	}
}

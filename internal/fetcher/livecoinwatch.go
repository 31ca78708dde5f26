package fetcher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"finpatrol/internal/snapshot"
)

const spikeTopN = 5

// LiveCoinWatchOptions parameterise the crypto adaptor.
type LiveCoinWatchOptions struct {
	BaseURL    string
	APIKey     string
	Currency   string
	Limit      int
	AlwaysShow []string
	// Spike thresholds in percent; zero disables selection for the window.
	SpikeHourPct float64
	SpikeDayPct  float64
	Client       ClientOptions
}

// LiveCoinWatch fetches coin rates and selects the coins worth showing.
type LiveCoinWatch struct {
	opts    LiveCoinWatchOptions
	http    *httpClient
	logger  zerolog.Logger
	baseURL string
	always  map[string]struct{}
}

// NewLiveCoinWatch constructs the crypto adaptor.
func NewLiveCoinWatch(opts LiveCoinWatchOptions, logger zerolog.Logger) *LiveCoinWatch {
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.livecoinwatch.com"
	}
	if opts.Currency == "" {
		opts.Currency = "USD"
	}
	if opts.Limit <= 0 {
		opts.Limit = 100
	}
	always := make(map[string]struct{}, len(opts.AlwaysShow))
	for _, code := range opts.AlwaysShow {
		always[strings.ToUpper(strings.TrimSpace(code))] = struct{}{}
	}
	return &LiveCoinWatch{
		opts:    opts,
		http:    newHTTPClient("livecoinwatch", opts.Client),
		logger:  logger.With().Str("component", "crypto_fetcher").Logger(),
		baseURL: baseURL,
		always:  always,
	}
}

// Name implements Source.
func (l *LiveCoinWatch) Name() string { return "livecoinwatch" }

// Category implements Source.
func (l *LiveCoinWatch) Category() snapshot.Category { return snapshot.CategoryCrypto }

// Fetch returns the always-show coins plus the top movers over the hourly and
// daily windows.
func (l *LiveCoinWatch) Fetch(ctx context.Context) (Quotes, error) {
	if strings.TrimSpace(l.opts.APIKey) == "" {
		return nil, errors.New("livecoinwatch api key required")
	}

	body, err := json.Marshal(coinsListRequest{
		Currency: l.opts.Currency,
		Sort:     "rank",
		Order:    "ascending",
		Offset:   0,
		Limit:    l.opts.Limit,
		Meta:     false,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.baseURL+"/coins/list", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", l.opts.APIKey)

	payload, err := l.http.do(ctx, req)
	if err != nil {
		return nil, err
	}

	var coins []coin
	if err := json.Unmarshal(payload, &coins); err != nil {
		return nil, fmt.Errorf("decode coins list: %w", err)
	}
	if len(coins) == 0 {
		return nil, errors.New("livecoinwatch returned no coins")
	}

	quotes := make(Quotes)
	var hourly, daily []mover
	for _, c := range coins {
		code := strings.ToUpper(strings.TrimSpace(c.Code))
		if code == "" {
			continue
		}
		if _, ok := l.always[code]; ok {
			quotes[code] = c.rate()
		}
		if pct, ok := deltaPct(c.Delta.Hour); ok && l.opts.SpikeHourPct > 0 && math.Abs(pct) >= l.opts.SpikeHourPct {
			hourly = append(hourly, mover{code: code, abs: math.Abs(pct), rate: c.rate()})
		}
		if pct, ok := deltaPct(c.Delta.Day); ok && l.opts.SpikeDayPct > 0 && math.Abs(pct) >= l.opts.SpikeDayPct {
			daily = append(daily, mover{code: code, abs: math.Abs(pct), rate: c.rate()})
		}
	}

	for _, m := range append(topMovers(daily), topMovers(hourly)...) {
		if _, seen := quotes[m.code]; !seen {
			quotes[m.code] = m.rate
		}
	}

	l.logger.Debug().
		Int("always", len(l.always)).
		Int("daily_spikes", min(len(daily), spikeTopN)).
		Int("hourly_spikes", min(len(hourly), spikeTopN)).
		Msg("coins selected")
	return quotes, nil
}

type mover struct {
	code string
	abs  float64
	rate *float64
}

func topMovers(ms []mover) []mover {
	sort.SliceStable(ms, func(i, j int) bool { return ms[i].abs > ms[j].abs })
	if len(ms) > spikeTopN {
		ms = ms[:spikeTopN]
	}
	return ms
}

// deltaPct converts an upstream ratio (1.05 = +5%) into a percentage.
func deltaPct(ratio *float64) (float64, bool) {
	if ratio == nil || *ratio <= 0 {
		return 0, false
	}
	return (*ratio - 1) * 100, true
}

type coinsListRequest struct {
	Currency string `json:"currency"`
	Sort     string `json:"sort"`
	Order    string `json:"order"`
	Offset   int    `json:"offset"`
	Limit    int    `json:"limit"`
	Meta     bool   `json:"meta"`
}

type coin struct {
	Code  string   `json:"code"`
	Rate  *float64 `json:"rate"`
	Delta struct {
		Hour *float64 `json:"hour"`
		Day  *float64 `json:"day"`
		Week *float64 `json:"week"`
	} `json:"delta"`
}

func (c coin) rate() *float64 {
	if c.Rate == nil {
		return nil
	}
	v := *c.Rate
	return &v
}

var _ Source = (*LiveCoinWatch)(nil)

package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog"

	"finpatrol/internal/change"
	"finpatrol/internal/snapshot"
)

// Ticker maps an upstream symbol to the instrument key shown in the digest.
type Ticker struct {
	Symbol string
	Key    string
}

// ParseTicker parses "SYMBOL|Key". A bare symbol is its own key.
func ParseTicker(s string) (Ticker, error) {
	symbol, key, found := strings.Cut(strings.TrimSpace(s), "|")
	symbol = strings.TrimSpace(symbol)
	key = strings.TrimSpace(key)
	if symbol == "" {
		return Ticker{}, fmt.Errorf("empty ticker symbol in %q", s)
	}
	if !found || key == "" {
		key = symbol
	}
	return Ticker{Symbol: symbol, Key: key}, nil
}

// DefaultTickers is the finance instrument set.
var DefaultTickers = []Ticker{
	{Symbol: "BZ=F", Key: "Brent"},
	{Symbol: "^GSPC", Key: "S&P 500"},
	{Symbol: "^IXIC", Key: "NASDAQ"},
	{Symbol: "EURUSD=X", Key: "EUR-USD"},
	{Symbol: "USDBYN=X", Key: "USD-BYN"},
	{Symbol: "USDKZT=X", Key: "USD-KZT"},
	{Symbol: "USDUAH=X", Key: "USD-UAH"},
}

// YahooOptions parameterise the Yahoo chart adaptor.
type YahooOptions struct {
	BaseURL  string
	Interval string
	Range    string
	Tickers  []Ticker
	Client   ClientOptions
}

// Yahoo fetches last closes from the Yahoo Finance chart API, one request per
// ticker.
type Yahoo struct {
	opts    YahooOptions
	http    *httpClient
	logger  zerolog.Logger
	baseURL string
}

// NewYahoo constructs the Yahoo adaptor.
func NewYahoo(opts YahooOptions, logger zerolog.Logger) *Yahoo {
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://query1.finance.yahoo.com"
	}
	if opts.Interval == "" {
		opts.Interval = "5m"
	}
	if opts.Range == "" {
		opts.Range = "1d"
	}
	if len(opts.Tickers) == 0 {
		opts.Tickers = DefaultTickers
	}
	if opts.Client.UserAgent == "" {
		opts.Client.UserAgent = "Mozilla/5.0 (compatible; finpatrol/1.0)"
	}
	return &Yahoo{
		opts:    opts,
		http:    newHTTPClient("yahoo", opts.Client),
		logger:  logger.With().Str("component", "yahoo_fetcher").Logger(),
		baseURL: baseURL,
	}
}

// Name implements Source.
func (y *Yahoo) Name() string { return "yahoo" }

// Category implements Source.
func (y *Yahoo) Category() snapshot.Category { return snapshot.CategoryFinance }

// Fetch returns the last close of every ticker rounded to 2 places. A failed
// ticker yields nil; the call fails only when every ticker failed.
func (y *Yahoo) Fetch(ctx context.Context) (Quotes, error) {
	quotes := make(Quotes, len(y.opts.Tickers))
	var lastErr error
	ok := 0
	for _, t := range y.opts.Tickers {
		price, err := y.fetchTicker(ctx, t.Symbol)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			y.logger.Error().Err(err).Str("ticker", t.Symbol).Str("instrument", t.Key).Msg("fetch ticker failed")
			quotes[t.Key] = nil
			lastErr = err
			continue
		}
		quotes[t.Key] = &price
		ok++
	}
	if ok == 0 && lastErr != nil {
		return nil, fmt.Errorf("all yahoo tickers failed: %w", lastErr)
	}
	return quotes, nil
}

func (y *Yahoo) fetchTicker(ctx context.Context, symbol string) (float64, error) {
	q := url.Values{}
	q.Set("interval", y.opts.Interval)
	q.Set("range", y.opts.Range)
	endpoint := y.baseURL + "/v8/finance/chart/" + url.PathEscape(symbol) + "?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, err
	}
	body, err := y.http.do(ctx, req)
	if err != nil {
		return 0, err
	}

	var chart chartResponse
	if err := json.Unmarshal(body, &chart); err != nil {
		return 0, fmt.Errorf("decode chart: %w", err)
	}
	if chart.Chart.Error != nil && chart.Chart.Error.Description != "" {
		return 0, errors.New(chart.Chart.Error.Description)
	}
	if len(chart.Chart.Result) == 0 || len(chart.Chart.Result[0].Indicators.Quote) == 0 {
		return 0, errors.New("chart has no quotes")
	}

	closes := chart.Chart.Result[0].Indicators.Quote[0].Close
	for i := len(closes) - 1; i >= 0; i-- {
		if closes[i] != nil {
			return change.RoundValue(*closes[i], 2), nil
		}
	}
	return 0, errors.New("chart has no close values")
}

type chartResponse struct {
	Chart struct {
		Result []struct {
			Meta struct {
				Symbol string `json:"symbol"`
			} `json:"meta"`
			Indicators struct {
				Quote []struct {
					Close []*float64 `json:"close"`
				} `json:"quote"`
			} `json:"indicators"`
		} `json:"result"`
		Error *struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"error"`
	} `json:"chart"`
}

var _ Source = (*Yahoo)(nil)

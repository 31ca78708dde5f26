package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"finpatrol/internal/change"
	"finpatrol/internal/snapshot"
)

// CBROptions parameterise the central bank rate adaptor.
type CBROptions struct {
	URL        string
	Currencies []string
	Client     ClientOptions
}

// CBR fetches official RUB rates from the cbr-xml-daily mirror.
type CBR struct {
	opts   CBROptions
	http   *httpClient
	logger zerolog.Logger
}

// NewCBR constructs the CBR adaptor.
func NewCBR(opts CBROptions, logger zerolog.Logger) *CBR {
	if strings.TrimSpace(opts.URL) == "" {
		opts.URL = "https://www.cbr-xml-daily.ru/daily_json.js"
	}
	if len(opts.Currencies) == 0 {
		opts.Currencies = []string{"USD", "EUR", "CNY", "AED", "THB"}
	}
	return &CBR{
		opts:   opts,
		http:   newHTTPClient("cbr", opts.Client),
		logger: logger.With().Str("component", "cbr_fetcher").Logger(),
	}
}

// Name implements Source.
func (c *CBR) Name() string { return "cbr" }

// Category implements Source.
func (c *CBR) Category() snapshot.Category { return snapshot.CategoryCBR }

// Fetch returns "<CODE>-RUB" rates per single currency unit rounded to 2 places.
func (c *CBR) Fetch(ctx context.Context) (Quotes, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.opts.URL, nil)
	if err != nil {
		return nil, err
	}
	body, err := c.http.do(ctx, req)
	if err != nil {
		return nil, err
	}

	var daily cbrDaily
	if err := json.Unmarshal(body, &daily); err != nil {
		return nil, fmt.Errorf("decode cbr payload: %w", err)
	}
	if len(daily.Valute) == 0 {
		return nil, errors.New("cbr payload has no Valute section")
	}

	quotes := make(Quotes, len(c.opts.Currencies))
	for _, code := range c.opts.Currencies {
		code = strings.ToUpper(strings.TrimSpace(code))
		key := code + "-RUB"
		v, ok := daily.Valute[code]
		if !ok || v.Value <= 0 {
			c.logger.Warn().Str("currency", code).Msg("currency missing from cbr payload")
			quotes[key] = nil
			continue
		}
		nominal := v.Nominal
		if nominal <= 0 {
			nominal = 1
		}
		value := change.RoundValue(v.Value/nominal, 2)
		quotes[key] = &value
	}
	return quotes, nil
}

type cbrDaily struct {
	Date   string                 `json:"Date"`
	Valute map[string]cbrCurrency `json:"Valute"`
}

type cbrCurrency struct {
	CharCode string  `json:"CharCode"`
	Nominal  float64 `json:"Nominal"`
	Name     string  `json:"Name"`
	Value    float64 `json:"Value"`
	Previous float64 `json:"Previous"`
}

var _ Source = (*CBR)(nil)

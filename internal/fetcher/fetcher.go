package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"finpatrol/internal/snapshot"
)

const defaultUserAgent = "finpatrol/1.0"

// Quotes maps an instrument key to its fetched value; nil marks a per-instrument
// failure.
type Quotes map[string]*float64

// Source is one upstream price adaptor.
type Source interface {
	Name() string
	Category() snapshot.Category
	Fetch(ctx context.Context) (Quotes, error)
}

// ClientOptions parameterise the HTTP client shared by adaptors.
type ClientOptions struct {
	Timeout   time.Duration
	UserAgent string
	// RequestsPerSecond caps outbound requests; zero disables the limit.
	RequestsPerSecond float64
}

type httpClient struct {
	client    *http.Client
	limiter   *rate.Limiter
	userAgent string
	name      string
}

func newHTTPClient(name string, opts ClientOptions) *httpClient {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if opts.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), 1)
	}
	ua := strings.TrimSpace(opts.UserAgent)
	if ua == "" {
		ua = defaultUserAgent
	}
	return &httpClient{
		client:    &http.Client{Timeout: timeout},
		limiter:   limiter,
		userAgent: ua,
		name:      name,
	}
}

// do waits for the limiter, executes req and returns the body of a 200 reply.
func (c *httpClient) do(ctx context.Context, req *http.Request) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, c.parseHTTPError(resp.StatusCode, payload)
	}
	return payload, nil
}

type errorResponse struct {
	Error struct {
		Code        string `json:"code"`
		Description string `json:"description"`
	} `json:"error"`
	Message string `json:"message"`
}

func (c *httpClient) parseHTTPError(status int, payload []byte) error {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		if apiErr.Error.Description != "" {
			return fmt.Errorf("%s api error (%d): %s", c.name, status, apiErr.Error.Description)
		}
		if apiErr.Message != "" {
			return fmt.Errorf("%s api error (%d): %s", c.name, status, apiErr.Message)
		}
	}
	if body := strings.TrimSpace(string(payload)); body != "" {
		if len(body) > 200 {
			body = body[:200]
		}
		return fmt.Errorf("%s api error (%d): %s", c.name, status, body)
	}
	return fmt.Errorf("%s api error (%d)", c.name, status)
}

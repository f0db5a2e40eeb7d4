package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"strings"
)

// providerClient fetches one raw provider payload for a (district, month) key.
// Implementations perform exactly one request attempt; retry policy lives in
// the task execution path.
type providerClient interface {
	Fetch(ctx context.Context, districtCode, yearMonth string) ([]byte, error)
}

// fetchErrorKind classifies single-attempt provider failures.
type fetchErrorKind string

const (
	fetchRateLimited fetchErrorKind = "rate_limited"
	fetchTimeout     fetchErrorKind = "timeout"
	fetchNetwork     fetchErrorKind = "network_error"
	fetchHTTPStatus  fetchErrorKind = "http_error"
)

// fetchFailure carries the failure classification alongside the underlying error.
type fetchFailure struct {
	kind   fetchErrorKind
	status int
	err    error
}

// Error renders the classified failure for logs and status records.
func (f *fetchFailure) Error() string {
	if f.status > 0 {
		return fmt.Sprintf("provider fetch failed kind=%s status=%d: %v", f.kind, f.status, f.err)
	}
	return fmt.Sprintf("provider fetch failed kind=%s: %v", f.kind, f.err)
}

// Unwrap exposes the underlying cause for errors.Is/As.
func (f *fetchFailure) Unwrap() error {
	return f.err
}

// classifyFetchError returns the failure kind for any fetch error.
func classifyFetchError(err error) fetchErrorKind {
	var failure *fetchFailure
	if errors.As(err, &failure) {
		return failure.kind
	}
	return fetchNetwork
}

// maxProviderBody bounds how much of a provider response is read into memory.
const maxProviderBody = 8 << 20

// dataGovClient calls the data.gov.in resource endpoint for one district-month.
type dataGovClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	logger     *log.Logger
}

// Fetch performs a single bounded GET and classifies every failure mode.
func (c *dataGovClient) Fetch(ctx context.Context, districtCode, yearMonth string) ([]byte, error) {
	endpoint := buildProviderURL(c.baseURL, districtCode, yearMonth, c.apiKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, &fetchFailure{kind: fetchNetwork, err: err}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		var netErr net.Error
		if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
			return nil, &fetchFailure{kind: fetchTimeout, err: err}
		}
		return nil, &fetchFailure{kind: fetchNetwork, err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))
		return nil, &fetchFailure{kind: fetchRateLimited, status: resp.StatusCode, err: errors.New("provider rate limit hit")}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, &fetchFailure{
			kind:   fetchHTTPStatus,
			status: resp.StatusCode,
			err:    fmt.Errorf("provider returned status=%d body=%q", resp.StatusCode, strings.TrimSpace(string(snippet))),
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxProviderBody))
	if err != nil {
		return nil, &fetchFailure{kind: fetchNetwork, err: fmt.Errorf("provider body read failed: %w", err)}
	}
	return body, nil
}

// buildProviderURL expands {code}/{ym}/{api_key} template placeholders, or
// appends standard query parameters when the base URL carries no placeholders.
func buildProviderURL(baseURL, districtCode, yearMonth, apiKey string) string {
	if strings.Contains(baseURL, "{code}") || strings.Contains(baseURL, "{ym}") || strings.Contains(baseURL, "{api_key}") {
		expanded := strings.ReplaceAll(baseURL, "{code}", url.QueryEscape(districtCode))
		expanded = strings.ReplaceAll(expanded, "{ym}", url.QueryEscape(yearMonth))
		expanded = strings.ReplaceAll(expanded, "{api_key}", url.QueryEscape(apiKey))
		return expanded
	}

	q := url.Values{}
	q.Set("format", "json")
	q.Set("filters[district_code]", districtCode)
	q.Set("filters[year_month]", yearMonth)
	if apiKey != "" {
		q.Set("api-key", apiKey)
	}
	separator := "?"
	if strings.Contains(baseURL, "?") {
		separator = "&"
	}
	return baseURL + separator + q.Encode()
}

// mockProviderClient returns deterministic payloads for offline local development.
type mockProviderClient struct{}

// Fetch builds a wrapped-record payload in the provider's response shape.
func (c *mockProviderClient) Fetch(_ context.Context, districtCode, yearMonth string) ([]byte, error) {
	payload := map[string]any{
		"records": []any{
			map[string]any{
				"district_code":     districtCode,
				"year_month":        yearMonth,
				"total_work_days":   48210,
				"households_worked": 1630,
				"people_benefitted": 2115,
				"total_payments":    "5231890.50",
			},
		},
		"total": 1,
	}
	return json.Marshal(payload)
}

// fallbackProviderClient falls back to mock payloads when the primary provider fails.
type fallbackProviderClient struct {
	primary  providerClient
	fallback providerClient
	logger   *log.Logger
}

// Fetch tries the primary provider first and logs before any fallback.
func (c *fallbackProviderClient) Fetch(ctx context.Context, districtCode, yearMonth string) ([]byte, error) {
	payload, err := c.primary.Fetch(ctx, districtCode, yearMonth)
	if err == nil {
		return payload, nil
	}
	c.logger.Printf("primary provider failed district=%s month=%s err=%v; using mock fallback", districtCode, yearMonth, err)
	return c.fallback.Fetch(ctx, districtCode, yearMonth)
}

// newProviderClient builds the configured provider client.
func newProviderClient(cfg config, logger *log.Logger) (providerClient, error) {
	mock := &mockProviderClient{}
	if cfg.provider == "mock" {
		logger.Println("provider configured to mock")
		return mock, nil
	}
	if cfg.provider == "datagov" {
		primary := &dataGovClient{
			httpClient: &http.Client{Timeout: cfg.fetchTimeout},
			baseURL:    cfg.providerBaseURL,
			apiKey:     cfg.providerAPIKey,
			logger:     logger,
		}
		if cfg.providerUseMockFallback {
			logger.Println("provider configured to datagov with mock fallback")
			return &fallbackProviderClient{primary: primary, fallback: mock, logger: logger}, nil
		}
		logger.Println("provider configured to datagov")
		return primary, nil
	}
	return nil, fmt.Errorf("unsupported PROVIDER value: %s", cfg.provider)
}

// Package api talks to the quarantine backend: it fetches the manifest of
// quarantined tests and uploads run results.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ethereum-optimism/infra/op-quarantine/types"
	"github.com/ethereum/go-ethereum/log"
)

const (
	DefaultTimeout = 30 * time.Second

	// maxErrorBody caps how much of an error response ends up in logs
	maxErrorBody = 4096
)

// UploadError is returned when run results could not be uploaded
type UploadError struct {
	Endpoint string
	Err      error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("failed to upload results to %s: %v", e.Endpoint, e.Err)
}

func (e *UploadError) Unwrap() error {
	return e.Err
}

// StatusError is returned for non-2xx responses
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}

// Config configures the backend client
type Config struct {
	BaseURL    string
	SuiteID    string
	APIKey     string
	UserAgent  string
	Timeout    time.Duration
	HTTPClient *http.Client
	Log        log.Logger
}

// Client is a backend API client
type Client struct {
	baseURL   *url.URL
	suiteID   string
	apiKey    string
	userAgent string
	http      *http.Client
	log       log.Logger
}

// NewClient creates a new backend client
func NewClient(cfg Config) (*Client, error) {
	if cfg.SuiteID == "" {
		return nil, errors.New("suite id is required")
	}
	if cfg.BaseURL == "" {
		return nil, errors.New("base url is required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid base url %q: %w", cfg.BaseURL, err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("invalid base url %q: scheme must be http or https", cfg.BaseURL)
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.Log == nil {
		cfg.Log = log.New()
	}
	return &Client{
		baseURL:   base,
		suiteID:   cfg.SuiteID,
		apiKey:    cfg.APIKey,
		userAgent: cfg.UserAgent,
		http:      httpClient,
		log:       cfg.Log.New("component", "api"),
	}, nil
}

func (c *Client) endpoint(parts ...string) string {
	escaped := make([]string, len(parts))
	for i, p := range parts {
		escaped[i] = url.PathEscape(p)
	}
	return c.baseURL.String() + "/api/v1/test-suites/" + url.PathEscape(c.suiteID) + "/" + strings.Join(escaped, "/")
}

// ManifestEndpoint returns the URL the manifest is fetched from
func (c *Client) ManifestEndpoint() string {
	return c.endpoint("manifest")
}

// RunsEndpoint returns the URL results are uploaded to
func (c *Client) RunsEndpoint() string {
	return c.endpoint("runs")
}

// GetQuarantinedTests fetches the quarantine manifest of the suite
func (c *Client) GetQuarantinedTests(ctx context.Context) (*types.ManifestResponse, error) {
	endpoint := c.ManifestEndpoint()
	c.log.Debug("Fetching quarantine manifest", "endpoint", endpoint)

	var manifest types.ManifestResponse
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &manifest); err != nil {
		return nil, fmt.Errorf("GET %s: %w", endpoint, err)
	}
	return &manifest, nil
}

// CreateRun uploads the results of a run
func (c *Client) CreateRun(ctx context.Context, req *types.CreateRunRequest) (*types.CreateRunResponse, error) {
	endpoint := c.RunsEndpoint()
	body, err := json.Marshal(req)
	if err != nil {
		return nil, &UploadError{Endpoint: endpoint, Err: fmt.Errorf("marshal request: %w", err)}
	}
	c.log.Debug("Uploading test results", "endpoint", endpoint, "test_runs", len(req.TestRuns), "bytes", len(body))

	var resp types.CreateRunResponse
	if err := c.do(ctx, http.MethodPost, endpoint, body, &resp); err != nil {
		return nil, &UploadError{Endpoint: endpoint, Err: err}
	}
	return &resp, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

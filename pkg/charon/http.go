package charon

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	// TokenHeader carries the API token on every request.
	TokenHeader = "X-Charon-API-token"

	// DefaultTimeout bounds a single request.
	DefaultTimeout = 30 * time.Second

	apiPrefix = "api/v1/"

	maxErrorBody = 512
)

// Config configures an HTTPClient.
type Config struct {
	// BaseURL is the service root (e.g., https://charon.example.org).
	BaseURL string

	// APIToken is sent in the X-Charon-API-token header.
	APIToken string

	// Timeout bounds each request. Zero uses DefaultTimeout.
	Timeout time.Duration

	// RateLimit caps requests per second. Zero means unlimited.
	RateLimit float64

	// Burst is the limiter burst size. Values below 1 are treated as 1.
	Burst int
}

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.BaseURL) == "" {
		return &ConfigError{Field: "BaseURL", Message: "base url is required"}
	}
	u, err := url.Parse(c.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return &ConfigError{Field: "BaseURL", Message: fmt.Sprintf("invalid url %q", c.BaseURL)}
	}
	if c.RateLimit < 0 {
		return &ConfigError{Field: "RateLimit", Message: "must not be negative"}
	}
	return nil
}

// ConfigError represents a configuration validation error.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return "charon config: " + e.Field + ": " + e.Message
}

// HTTPClient talks to the Charon REST API.
type HTTPClient struct {
	base    string
	token   string
	http    *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger
}

var _ Client = (*HTTPClient)(nil)

// ClientOption customizes an HTTPClient.
type ClientOption func(*HTTPClient)

// WithHTTPClient replaces the underlying *http.Client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *HTTPClient) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithLogger sets the logger used for request tracing.
func WithLogger(logger *zap.Logger) ClientOption {
	return func(c *HTTPClient) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewHTTPClient validates cfg and builds a client.
func NewHTTPClient(cfg Config, opts ...ClientOption) (*HTTPClient, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	base := strings.TrimRight(cfg.BaseURL, "/") + "/"

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	c := &HTTPClient{
		base:   base,
		token:  cfg.APIToken,
		http:   &http.Client{Timeout: timeout},
		logger: zap.NewNop(),
	}
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// GetRunStatus fetches a seqrun document.
func (c *HTTPClient) GetRunStatus(ctx context.Context, key RunKey) (RunStatus, error) {
	doc, err := c.get(ctx, "GetRunStatus", key.String(), key.path())
	if err != nil {
		return RunStatus{}, err
	}
	return RunStatus{Key: key, AlignmentStatus: statusField(doc, FieldAlignmentStatus), Document: doc}, nil
}

// UpdateRunStatus writes fields onto a seqrun document.
func (c *HTTPClient) UpdateRunStatus(ctx context.Context, key RunKey, fields map[string]any) error {
	return c.put(ctx, "UpdateRunStatus", key.String(), key.path(), fields)
}

// GetSampleStatus fetches a sample document.
func (c *HTTPClient) GetSampleStatus(ctx context.Context, key SampleKey) (SampleStatus, error) {
	doc, err := c.get(ctx, "GetSampleStatus", key.String(), key.path())
	if err != nil {
		return SampleStatus{}, err
	}
	return SampleStatus{Key: key, Status: statusField(doc, FieldStatus), Document: doc}, nil
}

// UpdateSampleStatus sets a sample's status field.
func (c *HTTPClient) UpdateSampleStatus(ctx context.Context, key SampleKey, status Status) error {
	return c.put(ctx, "UpdateSampleStatus", key.String(), key.path(), map[string]any{FieldStatus: string(status)})
}

func (c *HTTPClient) get(ctx context.Context, op, entity, path string) (map[string]any, error) {
	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, &ServiceError{Op: op, Entity: entity, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, &ServiceError{Op: op, Entity: entity, StatusCode: resp.StatusCode, Err: statusError(resp.StatusCode, readErrorBody(resp.Body))}
	}

	var doc map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, &ServiceError{Op: op, Entity: entity, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	return doc, nil
}

func (c *HTTPClient) put(ctx context.Context, op, entity, path string, fields map[string]any) error {
	body, err := json.Marshal(fields)
	if err != nil {
		return &ServiceError{Op: op, Entity: entity, Err: fmt.Errorf("encode request: %w", err)}
	}

	resp, err := c.do(ctx, http.MethodPut, path, body)
	if err != nil {
		return &ServiceError{Op: op, Entity: entity, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &ServiceError{Op: op, Entity: entity, StatusCode: resp.StatusCode, Err: statusError(resp.StatusCode, readErrorBody(resp.Body))}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+apiPrefix+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set(TokenHeader, c.token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Debug("Charon request failed", zap.String("method", method), zap.String("path", path), zap.Error(err))
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	c.logger.Debug("Charon request",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)))
	return resp, nil
}

func escape(s string) string {
	return url.PathEscape(s)
}

func readErrorBody(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, maxErrorBody))
	return strings.TrimSpace(string(b))
}

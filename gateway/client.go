// Package gateway is the client for the AI gateway: the admin API that holds
// per-user budgets and customer bindings, and the OpenAI-compatible data
// plane used for model listing and chat.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/failsafe-go/failsafe-go"

	"github.com/xraph/credits"
)

// DefaultTimeout bounds every gateway call.
const DefaultTimeout = 30 * time.Second

// maxBodyBytes caps how much of an error body is kept.
const maxBodyBytes = 4 << 10

// Config holds the gateway connection settings.
type Config struct {
	// BaseURL is the admin/proxy root, e.g. "https://gateway.internal".
	BaseURL string `json:"base_url" yaml:"base_url"`

	// APIKey is the admin (master) key sent as a bearer credential.
	APIKey string `json:"-" yaml:"api_key"`

	// Timeout overrides DefaultTimeout.
	Timeout time.Duration `json:"timeout" yaml:"timeout"`

	// DefaultModel is used by Chat when the request names none.
	DefaultModel string `json:"default_model" yaml:"default_model"`

	Executor ExecutorConfig `json:"executor" yaml:"executor"`
}

// Validate reports a *credits.ConfigurationError when the endpoint or
// credential is missing.
func (c Config) Validate() error {
	if strings.TrimSpace(c.BaseURL) == "" {
		return &credits.ConfigurationError{Setting: "gateway base URL"}
	}
	if _, err := url.Parse(c.BaseURL); err != nil {
		return &credits.ConfigurationError{Setting: "gateway base URL", Message: err.Error()}
	}
	if strings.TrimSpace(c.APIKey) == "" {
		return &credits.ConfigurationError{Setting: "gateway API key"}
	}
	return nil
}

// Client talks to the gateway. It is safe for concurrent use.
type Client struct {
	cfg          Config
	baseURL      string
	client       *http.Client
	httpExecutor failsafe.Executor[*http.Response]
	logger       *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.client = httpClient
		}
	}
}

// WithExecutor replaces the retry/circuit-breaker executor.
func WithExecutor(executor failsafe.Executor[*http.Response]) Option {
	return func(c *Client) {
		c.httpExecutor = executor
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// New creates a Client. Missing configuration is reported by each call,
// not here, so a misconfigured deployment still serves ledger reads.
func New(cfg Config, opts ...Option) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	c := &Client{
		cfg:          cfg,
		baseURL:      strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		client:       &http.Client{Timeout: timeout},
		httpExecutor: NewExecutor(cfg.Executor),
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Configured reports whether the client has an endpoint and credential.
func (c *Client) Configured() bool {
	return c.cfg.Validate() == nil
}

type response struct {
	status int
	body   []byte
}

func (r *response) ok() bool {
	return r.status >= 200 && r.status < 300
}

func (r *response) snippet() string {
	b := r.body
	if len(b) > maxBodyBytes {
		b = b[:maxBodyBytes]
	}
	return strings.TrimSpace(string(b))
}

// do sends one request through the executor and reads the full body.
// Transport failures come back as *credits.ExternalSyncError with Status 0.
func (c *Client) do(ctx context.Context, op, method, path string, payload any, header http.Header) (*response, error) {
	if err := c.cfg.Validate(); err != nil {
		return nil, err
	}

	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("gateway: marshal %s: %w", op, err)
		}
	}

	build := func() (*http.Request, error) {
		var rdr io.Reader
		if body != nil {
			rdr = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		for k, vs := range header {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}
		return req, nil
	}

	start := time.Now()
	var (
		resp *http.Response
		err  error
	)
	if c.httpExecutor == nil {
		req, buildErr := build()
		if buildErr != nil {
			return nil, &credits.ExternalSyncError{Op: op, Err: buildErr}
		}
		resp, err = c.client.Do(req)
	} else {
		resp, err = execute(ctx, c.httpExecutor, func() (*http.Response, error) {
			req, buildErr := build()
			if buildErr != nil {
				return nil, buildErr
			}
			return c.client.Do(req)
		})
	}
	if err != nil {
		c.logger.Debug("gateway call failed",
			"op", op,
			"path", path,
			"elapsed_ms", time.Since(start).Milliseconds(),
			"error", err,
		)
		return nil, &credits.ExternalSyncError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &credits.ExternalSyncError{Op: op, Status: resp.StatusCode, Err: err}
	}

	c.logger.Debug("gateway call",
		"op", op,
		"path", path,
		"status", resp.StatusCode,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)

	return &response{status: resp.StatusCode, body: data}, nil
}

func statusError(op string, r *response) error {
	return &credits.ExternalSyncError{Op: op, Status: r.status, Body: r.snippet()}
}

package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/companion/internal/observability"
	"github.com/ent0n29/companion/internal/reliability"
)

const (
	maxErrorBody    = 4 << 10
	maxResponseBody = 32 << 20
)

type Options struct {
	BaseURL         string
	AuthToken       string
	ChatTimeout     time.Duration
	RequestTimeout  time.Duration
	ChatMaxAttempts int
	ChatBackoffStep time.Duration
	HTTPClient      *http.Client
	// Sleep overrides the wait between chat attempts (tests).
	Sleep func(ctx context.Context, d time.Duration) error
}

// Client talks to the companion backend JSON API.
type Client struct {
	baseURL        *url.URL
	token          string
	http           *http.Client
	chatTimeout    time.Duration
	requestTimeout time.Duration
	chatRetry      reliability.RetryPolicy
	logger         *zap.Logger
	metrics        *observability.Metrics
}

func New(opts Options, logger *zap.Logger, metrics *observability.Metrics) (*Client, error) {
	raw := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid backend base url %q", opts.BaseURL)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.ChatTimeout <= 0 {
		opts.ChatTimeout = 30 * time.Second
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 15 * time.Second
	}
	if opts.ChatMaxAttempts <= 0 {
		opts.ChatMaxAttempts = 3
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		// Per-request deadlines come from contexts.
		httpClient = &http.Client{}
	}
	return &Client{
		baseURL:        u,
		token:          strings.TrimSpace(opts.AuthToken),
		http:           httpClient,
		chatTimeout:    opts.ChatTimeout,
		requestTimeout: opts.RequestTimeout,
		chatRetry: reliability.RetryPolicy{
			MaxAttempts: opts.ChatMaxAttempts,
			Backoff:     reliability.LinearBackoff(opts.ChatBackoffStep),
			Retryable:   isRetryableChatError,
			Sleep:       opts.Sleep,
		},
		logger:  logger.Named("backend"),
		metrics: metrics,
	}, nil
}

// BaseURL returns the backend root the client was built with.
func (c *Client) BaseURL() string { return c.baseURL.String() }

type envelope struct {
	Success *bool  `json:"success"`
	Message string `json:"message"`
	Error   string `json:"error"`
}

type request struct {
	method      string
	path        string
	body        []byte
	contentType string
	// strict rejects 2xx replies that omit the success flag.
	strict      bool
}

func jsonRequest(method, path string, payload any) (request, error) {
	if payload == nil {
		return request{method: method, path: path}, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return request{}, fmt.Errorf("marshal request: %w", err)
	}
	return request{method: method, path: path, body: b, contentType: "application/json"}, nil
}

// do performs one request and decodes a successful envelope into out.
func (c *Client) do(ctx context.Context, r request, out any) error {
	endpoint := c.baseURL.JoinPath(r.path)
	var reqBody io.Reader
	if r.body != nil {
		reqBody = bytes.NewReader(r.body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, r.method, endpoint.String(), reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if r.contentType != "" {
		httpReq.Header.Set("Content-Type", r.contentType)
	}
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}

	res, err := c.http.Do(httpReq)
	if err != nil {
		return transportError(ctx, fmt.Errorf("%s %s: %w", r.method, r.path, err))
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBody))
		return &StatusError{Code: res.StatusCode, Body: string(body)}
	}

	body, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBody))
	if err != nil {
		return transportError(ctx, fmt.Errorf("read response: %w", err))
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("%w: %s %s: %v", ErrInvalidResponse, r.method, r.path, err)
	}
	if env.Success == nil && r.strict {
		return fmt.Errorf("%w: %s %s: missing success flag", ErrInvalidResponse, r.method, r.path)
	}
	if env.Success != nil && !*env.Success {
		msg := env.Message
		if msg == "" {
			msg = env.Error
		}
		return &APIError{Message: msg}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: %s %s: %v", ErrInvalidResponse, r.method, r.path, err)
	}
	return nil
}

// single runs one non-retried call under the request timeout.
func (c *Client) single(ctx context.Context, r request, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()
	if err := c.do(ctx, r, out); err != nil {
		c.logger.Warn("backend request failed",
			zap.String("method", r.method),
			zap.String("path", r.path),
			zap.Error(err),
		)
		return err
	}
	return nil
}

func transportError(ctx context.Context, err error) error {
	var netErr net.Error
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %w", ErrRequestFailed, err)
}

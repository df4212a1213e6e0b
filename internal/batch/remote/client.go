// Package remote calls the batch-diff operation over HTTP.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/pdf-watcher/internal/metrics"
	"github.com/JakeFAU/pdf-watcher/internal/watcher"
)

const batchPath = "/v1/batches"

// Config configures a Client.
type Config struct {
	BaseURL string `mapstructure:"url"`
	APIKey  string `mapstructure:"api_key"`
	// RPS throttles outgoing calls; zero disables throttling.
	RPS float64 `mapstructure:"rps"`
	// Attempts bounds retries of transport errors and 5xx responses.
	Attempts int `mapstructure:"attempts"`
	// Backoff is multiplied by the attempt number between retries.
	Backoff time.Duration `mapstructure:"backoff"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("batch endpoint returned %d: %s", e.Code, e.Message)
}

// Client is a watcher.BatchRunner backed by a remote API.
type Client struct {
	http     *http.Client
	endpoint string
	host     string
	apiKey   string
	limiter  *rate.Limiter
	attempts int
	backoff  time.Duration
	logger   *zap.Logger
}

// New constructs a Client. A nil httpClient uses a client with cfg.Timeout.
func New(cfg Config, httpClient *http.Client, logger *zap.Logger) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("batch base url is required")
	}
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 2 * time.Minute
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	limit := rate.Limit(cfg.RPS)
	if cfg.RPS <= 0 {
		limit = rate.Inf
	}
	attempts := cfg.Attempts
	if attempts <= 0 {
		attempts = 3
	}
	backoff := cfg.Backoff
	if backoff < 0 {
		backoff = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		http:     httpClient,
		endpoint: base + batchPath,
		host:     metrics.SanitizeHost(base),
		apiKey:   cfg.APIKey,
		limiter:  rate.NewLimiter(limit, 1),
		attempts: attempts,
		backoff:  backoff,
		logger:   logger,
	}, nil
}

// RunBatch implements watcher.BatchRunner.
func (c *Client) RunBatch(ctx context.Context, req watcher.BatchRequest) (watcher.BatchResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return watcher.BatchResult{}, fmt.Errorf("marshal batch request: %w", err)
	}
	var lastErr error
	for attempt := 1; attempt <= c.attempts; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return watcher.BatchResult{}, fmt.Errorf("rate limit wait: %w", err)
		}
		start := time.Now()
		res, err := c.post(ctx, body)
		metrics.ObserveRemoteBatch(c.host, resultLabel(err), time.Since(start))
		if err == nil {
			return res, nil
		}
		lastErr = err
		if !retryable(err) || attempt == c.attempts {
			break
		}
		metrics.ObserveRemoteRetry(c.host)
		c.logger.Warn("batch call failed, retrying",
			zap.Int("attempt", attempt),
			zap.String("run_id", req.RunID),
			zap.Error(err),
		)
		if err := sleep(ctx, time.Duration(attempt)*c.backoff); err != nil {
			return watcher.BatchResult{}, err
		}
		// The failed attempt may have been applied server side.
		if !req.IsRetry {
			req.IsRetry = true
			if body, err = json.Marshal(req); err != nil {
				return watcher.BatchResult{}, fmt.Errorf("marshal batch request: %w", err)
			}
		}
	}
	return watcher.BatchResult{}, lastErr
}

func (c *Client) post(ctx context.Context, body []byte) (watcher.BatchResult, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return watcher.BatchResult{}, fmt.Errorf("build batch request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("X-API-Key", c.apiKey)
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return watcher.BatchResult{}, fmt.Errorf("post batch: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var payload struct {
			Error string `json:"error"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(raw, &payload) != nil || payload.Error == "" {
			payload.Error = strings.TrimSpace(string(raw))
		}
		return watcher.BatchResult{}, &StatusError{Code: resp.StatusCode, Message: payload.Error}
	}
	var result watcher.BatchResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return watcher.BatchResult{}, fmt.Errorf("decode batch response: %w", err)
	}
	return result, nil
}

func resultLabel(err error) string {
	var status *StatusError
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &status):
		return strconv.Itoa(status.Code)
	default:
		return "transport"
	}
}

func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var status *StatusError
	if errors.As(err, &status) {
		return status.Code >= http.StatusInternalServerError || status.Code == http.StatusTooManyRequests
	}
	return true
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

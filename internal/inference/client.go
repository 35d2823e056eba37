package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentica/agentica-server/internal/common/config"
	"github.com/agentica/agentica-server/internal/common/logger"
	"github.com/agentica/agentica-server/internal/history"
)

// retryJitter is the multiplier range added to each backoff sleep.
const retryJitter = 0.25

// Reporter receives terminal inference errors exactly once before they are
// surfaced to the caller. Rate-limit retries are not reported.
type Reporter interface {
	InferenceError(ctx context.Context, err error)
}

// DeltaSink receives streaming partial deltas in SSE arrival order.
type DeltaSink func(partial history.Delta)

// Client calls the remote inference endpoint. One Client is shared per
// process; the underlying HTTP client is created lazily and reused.
type Client struct {
	cfg    config.InferenceConfig
	logger *logger.Logger

	httpOnce sync.Once
	http     *http.Client

	// sleep is swapped in tests to observe backoff without waiting.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewClient creates an inference client.
func NewClient(cfg config.InferenceConfig, log *logger.Logger) *Client {
	return &Client{
		cfg:    cfg,
		logger: log.WithFields(zap.String("component", "inference")),
		sleep:  sleepCtx,
	}
}

// httpClient builds the shared HTTP client on first use: keep-alive on, an
// optional cap on total connections, and the configured per-call timeout.
func (c *Client) httpClient() *http.Client {
	c.httpOnce.Do(func() {
		transport := &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 32,
			IdleConnTimeout:     90 * time.Second,
		}
		if c.cfg.MaxConnections > 0 {
			transport.MaxConnsPerHost = c.cfg.MaxConnections
		}
		c.http = &http.Client{
			Transport: transport,
			Timeout:   c.cfg.ReadTimeoutDuration(),
		}
	})
	return c.http
}

// Close releases idle connections.
func (c *Client) Close() {
	if c.http != nil {
		c.http.CloseIdleConnections()
	}
}

// endpointURL maps an endpoint id from a ModelSpec to the configured URL.
func (c *Client) endpointURL(endpointID string) string {
	if endpointID == EndpointRouter {
		return c.cfg.RouterURL
	}
	return c.cfg.BaseURL
}

// CallOptions tune one inference call.
type CallOptions struct {
	MaxTokens  *int
	Stop       []string
	MaxRetries *int // nil uses the configured default

	// Reporter, when set, observes the terminal error before it returns.
	Reporter Reporter

	// OnDelta, when set with Stream, observes each partial delta.
	OnDelta DeltaSink
}

// Complete performs a unary chat completion and returns the single fused
// delta of the response.
func (c *Client) Complete(ctx context.Context, spec ModelSpec, messages []Message, opts CallOptions) (history.Delta, error) {
	var result history.Delta
	err := c.withRetries(ctx, opts, func() error {
		resp, err := c.post(ctx, spec, messages, opts, false)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return classifyTransport(err)
		}

		var parsed response
		if err := json.Unmarshal(body, &parsed); err != nil {
			return fmt.Errorf("decoding completion response: %w", err)
		}
		result = parsed.toDelta()
		return nil
	})
	return result, err
}

// Stream performs a streaming chat completion. Each SSE chunk is forwarded
// to opts.OnDelta in arrival order; the fused delta is the return value.
func (c *Client) Stream(ctx context.Context, spec ModelSpec, messages []Message, opts CallOptions) (history.Delta, error) {
	var fused history.Delta
	err := c.withRetries(ctx, opts, func() error {
		resp, err := c.post(ctx, spec, messages, opts, true)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		var fuser history.Fuser
		scanner := NewSSEScanner(resp.Body)
		for scanner.Scan() {
			if err := ctx.Err(); err != nil {
				return err
			}

			var chunk response
			if err := json.Unmarshal([]byte(scanner.Data()), &chunk); err != nil {
				c.logger.Warn("skipping malformed SSE chunk", zap.Error(err))
				continue
			}
			partial := chunk.toDelta()
			if opts.OnDelta != nil {
				opts.OnDelta(partial)
			}
			fuser.Add(partial)
		}
		if err := scanner.Err(); err != nil {
			return classifyTransport(err)
		}

		fused = fuser.Result()
		return nil
	})
	return fused, err
}

// Ping issues a minimal completion to verify credentials and model
// availability at agent-creation time.
func (c *Client) Ping(ctx context.Context, spec ModelSpec) error {
	one := 1
	_, err := c.Complete(ctx, spec, []Message{{Role: "user", Content: "ping"}}, CallOptions{
		MaxTokens: &one,
	})
	return err
}

// post builds and sends the chat-completions request, classifying HTTP
// errors into the typed taxonomy. The caller owns the response body.
func (c *Client) post(ctx context.Context, spec ModelSpec, messages []Message, opts CallOptions, stream bool) (*http.Response, error) {
	body := Request{
		Model:     spec.Model,
		Messages:  messages,
		MaxTokens: opts.MaxTokens,
		Stop:      opts.Stop,
		Stream:    stream,
	}
	if stream {
		body.StreamOptions = &StreamOptions{IncludeUsage: true}
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encoding completion request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpointURL(spec.EndpointID), bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("building completion request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return nil, classifyTransport(err)
	}

	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		return nil, classifyStatus(resp.StatusCode, errBody)
	}
	return resp, nil
}

// withRetries runs attempt, retrying rate-limit errors with exponential
// backoff and jitter up to the retry budget. All other errors are reported
// once and returned.
func (c *Client) withRetries(ctx context.Context, opts CallOptions, attempt func() error) error {
	maxRetries := c.cfg.MaxRetries
	if opts.MaxRetries != nil {
		maxRetries = *opts.MaxRetries
	}

	var err error
	for try := 0; ; try++ {
		err = attempt()
		if err == nil {
			return nil
		}
		if !IsRateLimit(err) || try >= maxRetries {
			break
		}

		delay := c.backoff(try)
		c.logger.Warn("rate limited, backing off",
			zap.Int("attempt", try+1),
			zap.Duration("delay", delay))
		if sleepErr := c.sleep(ctx, delay); sleepErr != nil {
			return sleepErr
		}
	}

	if opts.Reporter != nil {
		opts.Reporter.InferenceError(ctx, err)
	}
	return err
}

// backoff computes delay x 2^attempt x (1 + jitter x rand).
func (c *Client) backoff(attempt int) time.Duration {
	base := c.cfg.RetryBaseDelay()
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	d := float64(base) * math.Pow(2, float64(attempt))
	d *= 1 + retryJitter*rand.Float64()
	return time.Duration(d)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

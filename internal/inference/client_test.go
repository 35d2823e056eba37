package inference

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentica/agentica-server/internal/common/config"
	"github.com/agentica/agentica-server/internal/common/logger"
	"github.com/agentica/agentica-server/internal/history"
	"github.com/agentica/agentica-server/pkg/protocol"
)

func newTestClient(t *testing.T, baseURL string, maxRetries int) (*Client, *[]time.Duration) {
	t.Helper()
	c := NewClient(config.InferenceConfig{
		BaseURL:          baseURL,
		RouterURL:        baseURL,
		MaxRetries:       maxRetries,
		RetryBaseDelayMs: 1,
	}, logger.NewNop())

	var mu sync.Mutex
	delays := &[]time.Duration{}
	c.sleep = func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		*delays = append(*delays, d)
		mu.Unlock()
		return nil
	}
	return c, delays
}

func completionBody(content string) string {
	raw, _ := json.Marshal(map[string]interface{}{
		"id": "resp-1",
		"choices": []map[string]interface{}{
			{"index": 0, "message": map[string]string{"role": "assistant", "content": content}, "finish_reason": "stop"},
		},
		"usage": map[string]int{"prompt_tokens": 4, "completion_tokens": 2, "total_tokens": 6},
	})
	return string(raw)
}

func TestCompleteRetriesRateLimit(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls <= 2 {
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":{"message":"rate limited"}}`))
			return
		}
		w.Write([]byte(completionBody("ok")))
	}))
	defer srv.Close()

	c, delays := newTestClient(t, srv.URL, 3)
	spec := ModelSpec{Provider: "openai", Model: "gpt-4o", EndpointID: EndpointDefault}

	delta, err := c.Complete(context.Background(), spec, []Message{{Role: "user", Content: "hi"}}, CallOptions{})
	require.NoError(t, err)
	assert.Equal(t, "ok", delta.Content)
	assert.Equal(t, 3, calls)

	// Exponential backoff: each delay strictly exceeds the previous even with
	// the jitter band applied.
	require.Len(t, *delays, 2)
	assert.Greater(t, (*delays)[1], (*delays)[0])
}

func TestCompleteExhaustsRetryBudget(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"message":"still rate limited"}`))
	}))
	defer srv.Close()

	c, delays := newTestClient(t, srv.URL, 2)
	_, err := c.Complete(context.Background(), ModelSpec{EndpointID: EndpointDefault}, nil, CallOptions{})
	require.Error(t, err)
	assert.Equal(t, protocol.ErrRateLimit, protocol.NameOf(err))
	assert.Len(t, *delays, 2)
}

type recordingReporter struct {
	mu   sync.Mutex
	errs []error
}

func (r *recordingReporter) InferenceError(ctx context.Context, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func TestCompleteReportsTerminalErrorOnce(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"message":"bad prompt"}}`))
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL, 5)
	reporter := &recordingReporter{}
	_, err := c.Complete(context.Background(), ModelSpec{EndpointID: EndpointDefault}, nil, CallOptions{Reporter: reporter})
	require.Error(t, err)

	// Non-rate-limit errors are terminal: no retries, one report.
	assert.Equal(t, 1, calls)
	require.Len(t, reporter.errs, 1)
	assert.Equal(t, protocol.ErrBadRequest, protocol.NameOf(reporter.errs[0]))

	var infErr *Error
	require.ErrorAs(t, err, &infErr)
	assert.Equal(t, "bad prompt", infErr.Message)
	assert.Equal(t, http.StatusBadRequest, infErr.Status)
}

func sseChunk(content, finishReason string, usage *history.Usage) string {
	body := map[string]interface{}{
		"id": "resp-1",
		"choices": []map[string]interface{}{
			{"index": 0, "delta": map[string]string{"content": content}, "finish_reason": finishReason},
		},
	}
	if usage != nil {
		body["usage"] = usage
	}
	raw, _ := json.Marshal(body)
	return "data: " + string(raw) + "\n\n"
}

func TestStreamFusesDeltas(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req Request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.True(t, req.Stream)
		require.NotNil(t, req.StreamOptions)
		assert.True(t, req.StreamOptions.IncludeUsage)

		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte(sseChunk("He", "", nil)))
		w.Write([]byte(sseChunk("ll", "", nil)))
		w.Write([]byte(sseChunk("o", "", nil)))
		w.Write([]byte(sseChunk("", "stop", &history.Usage{CompletionTokens: 3})))
		w.Write([]byte("data: [DONE]\n\n"))
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL, 0)

	var partials []history.Delta
	fused, err := c.Stream(context.Background(), ModelSpec{EndpointID: EndpointDefault}, nil, CallOptions{
		OnDelta: func(partial history.Delta) {
			partials = append(partials, partial)
		},
	})
	require.NoError(t, err)

	require.Len(t, partials, 4)
	assert.Equal(t, "He", partials[0].Content)

	assert.Equal(t, "Hello", fused.Content)
	assert.Equal(t, history.EndStop, fused.EndReason)
	require.NotNil(t, fused.Usage)
	assert.Equal(t, 3, fused.Usage.CompletionTokens)
}

func TestPingSendsMinimalCompletion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req Request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.NotNil(t, req.MaxTokens)
		assert.Equal(t, 1, *req.MaxTokens)
		w.Write([]byte(completionBody("pong")))
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL, 0)
	require.NoError(t, c.Ping(context.Background(), ModelSpec{EndpointID: EndpointDefault}))
}

func TestClassifyStatus(t *testing.T) {
	cases := []struct {
		status int
		body   string
		want   protocol.ErrorName
	}{
		{http.StatusBadRequest, "", protocol.ErrBadRequest},
		{http.StatusUnauthorized, "", protocol.ErrUnauthorized},
		{http.StatusPaymentRequired, "", protocol.ErrInsufficientCredits},
		{http.StatusForbidden, "", protocol.ErrPermissionDenied},
		{http.StatusNotFound, "", protocol.ErrNotFound},
		{http.StatusConflict, "", protocol.ErrConflict},
		{http.StatusRequestEntityTooLarge, "", protocol.ErrRequestTooLarge},
		{http.StatusUnprocessableEntity, "", protocol.ErrUnprocessableEntity},
		{http.StatusTooManyRequests, "", protocol.ErrRateLimit},
		{http.StatusServiceUnavailable, `{"message":"the model is warming up"}`, protocol.ErrModelDown},
		{http.StatusServiceUnavailable, `{"message":"maintenance window"}`, protocol.ErrServiceUnavailable},
		{http.StatusGatewayTimeout, "", protocol.ErrDeadlineExceeded},
		{529, "", protocol.ErrOverloaded},
		{http.StatusTeapot, "", protocol.ErrInternalServer},
	}
	for _, tc := range cases {
		err := classifyStatus(tc.status, []byte(tc.body))
		assert.Equal(t, tc.want, err.Name, "status %d", tc.status)
		assert.Equal(t, tc.status, err.Status)
	}
}

func TestErrorMessageExtraction(t *testing.T) {
	assert.Equal(t, "nested", errorMessage([]byte(`{"error":{"message":"nested"}}`)))
	assert.Equal(t, "flat", errorMessage([]byte(`{"message":"flat"}`)))
	assert.Equal(t, "plain text", errorMessage([]byte("  plain text \n")))
}

func TestMessagesFromHistory(t *testing.T) {
	msgs := MessagesFromHistory([]history.Delta{
		{Role: history.RoleSystem, Content: "sys"},
		{Role: history.RoleUser, Content: "task"},
		{Role: history.RoleAgent, Content: "answer"},
	})
	require.Len(t, msgs, 3)
	assert.Equal(t, Message{Role: "system", Content: "sys"}, msgs[0])
	assert.Equal(t, Message{Role: "user", Content: "task"}, msgs[1])
	assert.Equal(t, Message{Role: "assistant", Content: "answer"}, msgs[2])
}

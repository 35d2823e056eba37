package agent

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/agentica/agentica-server/internal/agent/seq"
	"github.com/agentica/agentica-server/internal/history"
	"github.com/agentica/agentica-server/internal/inference"
	"github.com/agentica/agentica-server/internal/sandbox"
	"github.com/agentica/agentica-server/internal/telemetry"
	"github.com/agentica/agentica-server/pkg/protocol"
)

// runContext implements seq.Context for one invocation of one agent.
type runContext struct {
	agent     *Agent
	iid       string
	streaming bool

	// implicit marks deltas appended while the init sequence runs.
	implicit bool

	mu      sync.Mutex
	scratch map[string]interface{}
}

func newRunContext(a *Agent, iid string, streaming bool) *runContext {
	return &runContext{
		agent:     a,
		iid:       iid,
		streaming: streaming,
		scratch:   make(map[string]interface{}),
	}
}

func (rc *runContext) Insert(ctx context.Context, content string, role history.Role) error {
	rc.agent.history.Append(history.Delta{
		Role:     role,
		Content:  content,
		Implicit: rc.implicit,
	})
	return nil
}

func (rc *runContext) InsertDelta(ctx context.Context, d history.Delta) error {
	if rc.implicit {
		d.Implicit = true
	}
	rc.agent.history.Append(d)
	return nil
}

func (rc *runContext) Capture(name string, v interface{}) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.scratch[name] = v
}

func (rc *runContext) Retrieve(name string) interface{} {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.scratch[name]
}

func (rc *runContext) ReplInit(ctx context.Context, globals, locals map[string]interface{}) (*sandbox.SessionInfo, error) {
	return rc.agent.sandbox.ReplInit(ctx, globals, locals)
}

func (rc *runContext) ReplRunCode(ctx context.Context, code string, opts sandbox.RunOptions) (*sandbox.EvaluationInfo, error) {
	return rc.agent.sandbox.ReplRunCode(ctx, code, opts)
}

func (rc *runContext) ReplCallMethod(ctx context.Context, name string, args []interface{}, kwargs map[string]interface{}) (interface{}, error) {
	return rc.agent.sandbox.ReplCallMethod(ctx, name, args, kwargs)
}

func (rc *runContext) ReplSessionInfo(ctx context.Context) (*sandbox.SessionInfo, error) {
	return rc.agent.sandbox.ReplSessionInfo(ctx)
}

// ModelInference runs one round against the history, charging the token
// budget and emitting the inference observability events.
func (rc *runContext) ModelInference(ctx context.Context, req seq.ModelInference) (history.Delta, error) {
	a := rc.agent
	if err := a.tracker.StartRound(); err != nil {
		return history.Delta{}, err
	}
	roundCap, capped, err := a.tracker.NextCap()
	if err != nil {
		return history.Delta{}, err
	}

	maxTokens := req.MaxTokens
	if capped && (maxTokens == nil || *maxTokens > roundCap) {
		c := roundCap
		maxTokens = &c
	}

	inferenceID := uuid.NewString()
	a.notifier.InferenceRequest(ctx, a.UID, rc.iid, inferenceID, a.Spec.Model, rc.streaming)

	opts := inference.CallOptions{
		MaxTokens:  maxTokens,
		Stop:       req.Stop,
		MaxRetries: req.MaxRetries,
		Reporter:   rc,
	}

	messages := inference.MessagesFromHistory(a.history.All())
	span := trace.SpanFromContext(ctx)
	if len(messages) > 0 {
		telemetry.RecordContent(span, "gen_ai.prompt", messages[len(messages)-1].Content)
	}
	start := time.Now()
	var delta history.Delta
	var callErr error
	if rc.streaming {
		opts.OnDelta = func(partial history.Delta) {
			a.notifier.InferenceDelta(ctx, a.UID, rc.iid, inferenceID, partial.Content)
		}
		delta, callErr = a.client.Stream(ctx, a.Spec, messages, opts)
	} else {
		delta, callErr = a.client.Complete(ctx, a.Spec, messages, opts)
	}

	outcome := "success"
	if callErr != nil {
		outcome = "error"
	}
	if a.metrics != nil {
		a.metrics.InferenceRequests.WithLabelValues(a.Spec.EndpointID, outcome).Inc()
		a.metrics.InferenceDuration.Observe(time.Since(start).Seconds())
	}
	if callErr != nil {
		return history.Delta{}, callErr
	}

	telemetry.RecordContent(span, "gen_ai.completion", delta.Content)

	if delta.ID == "" {
		delta.ID = inferenceID
	}
	if delta.Role == "" {
		delta.Role = history.RoleAgent
	}
	a.tracker.Charge(delta.Usage)

	completionTokens := 0
	if delta.Usage != nil {
		completionTokens = delta.Usage.CompletionTokens
		if a.metrics != nil {
			a.metrics.CompletionTokens.Add(float64(completionTokens))
		}
	}
	a.notifier.InferenceResponse(ctx, a.UID, rc.iid, inferenceID, completionTokens, string(delta.EndReason))

	if delta.EndReason == history.EndContentFilter {
		a.history.Append(delta)
		return delta, protocol.NewError(protocol.ErrContentFiltering, "provider filtered the response")
	}
	return delta, nil
}

// InferenceError satisfies inference.Reporter: terminal errors reach the
// notifier exactly once before the client returns them.
func (rc *runContext) InferenceError(ctx context.Context, err error) {
	rc.agent.notifier.InferenceError(ctx, rc.agent.UID, rc.iid, err)
}

func (rc *runContext) SendLog(ctx context.Context, event map[string]interface{}) {
	rc.agent.notifier.Log(ctx, rc.agent.UID, rc.iid, event)
}

func (rc *runContext) LogCodeBlock(ctx context.Context, code string) string {
	execID := uuid.NewString()
	rc.agent.notifier.SandboxExec(ctx, rc.agent.UID, rc.iid, execID, code)
	telemetry.RecordContent(trace.SpanFromContext(ctx), "agentica.sandbox.code", code)
	if rc.agent.metrics != nil {
		rc.agent.metrics.SandboxExecs.Inc()
	}
	return execID
}

func (rc *runContext) LogExecuteResult(ctx context.Context, result *sandbox.EvaluationInfo, execID string) {
	if result == nil {
		return
	}
	rc.agent.notifier.SandboxResult(ctx, rc.agent.UID, rc.iid, execID, result.OutStr, result.HasRaisedError)
	if result.HasRaisedError {
		rc.agent.logger.Debug("code block raised",
			zap.String("exec_id", execID),
			zap.String("exception", result.ExceptionName))
	}
}

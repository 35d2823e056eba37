package agent

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/agentica/agentica-server/internal/agent/seq"
	"github.com/agentica/agentica-server/internal/common/config"
	"github.com/agentica/agentica-server/internal/common/logger"
	"github.com/agentica/agentica-server/internal/history"
	"github.com/agentica/agentica-server/internal/inference"
	"github.com/agentica/agentica-server/internal/metrics"
	"github.com/agentica/agentica-server/internal/notifier"
	"github.com/agentica/agentica-server/internal/sandbox"
	"github.com/agentica/agentica-server/pkg/protocol"
)

// DataSink receives sandbox-originated bytes addressed to the client.
type DataSink func(uid, iid string, payload []byte)

// Params describe one agent at construction time.
type Params struct {
	UID              string
	CID              string
	Spec             inference.ModelSpec
	SystemPrompt     string
	Premise          string
	WarpGlobals      []byte
	Budget           history.Budget
	StreamingDefault bool
	ProtocolVersion  string
}

// Deps are the shared collaborators an agent borrows from the process.
type Deps struct {
	Sandbox  config.SandboxConfig
	Client   *inference.Client
	Notifier *notifier.Notifier
	Metrics  *metrics.Metrics
	Logger   *logger.Logger
}

// Agent binds one sandbox, one inference target, and an interaction
// strategy. Invocations are serialized by the run mutex; Close is
// idempotent.
type Agent struct {
	UID              string
	CID              string
	Spec             inference.ModelSpec
	SystemPrompt     string
	Premise          string
	WarpGlobals      []byte
	StreamingDefault bool
	ProtocolVersion  string

	history  *history.History
	tracker  *history.Tracker
	sandbox  *sandbox.Sandbox
	client   *inference.Client
	notifier *notifier.Notifier
	metrics  *metrics.Metrics
	logger   *logger.Logger
	strategy Strategy

	runMu sync.Mutex // serializes Run

	mu         sync.Mutex // guards the fields below
	runningIID string
	cancelRun  context.CancelFunc
	sink       DataSink
	systemDone bool
	closed     bool
}

// New constructs an agent and starts its sandbox.
func New(ctx context.Context, p Params, deps Deps) (*Agent, error) {
	a := &Agent{
		UID:              p.UID,
		CID:              p.CID,
		Spec:             p.Spec,
		SystemPrompt:     p.SystemPrompt,
		Premise:          p.Premise,
		WarpGlobals:      p.WarpGlobals,
		StreamingDefault: p.StreamingDefault,
		ProtocolVersion:  p.ProtocolVersion,

		history:  history.New(),
		tracker:  history.NewTracker(p.Budget),
		client:   deps.Client,
		notifier: deps.Notifier,
		metrics:  deps.Metrics,
		logger:   deps.Logger.WithUID(p.UID),
		strategy: StrategyFor(p.Spec.Provider),
	}

	sb, err := sandbox.New(ctx, deps.Sandbox, p.UID, a.logger, a.forwardData)
	if err != nil {
		return nil, err
	}
	a.sandbox = sb
	return a, nil
}

// SetSink binds the connection-side data sink. Part of the lazy agent
// context: bound on the first Invoke for this uid, cleared on mux stop.
func (a *Agent) SetSink(sink DataSink) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sink = sink
}

// ClearSink unbinds the data sink.
func (a *Agent) ClearSink() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sink = nil
}

// forwardData routes non-intercepted guest output to the client, addressed
// to the invocation currently holding the run mutex.
func (a *Agent) forwardData(payload []byte) {
	a.mu.Lock()
	sink := a.sink
	iid := a.runningIID
	a.mu.Unlock()
	if sink == nil || iid == "" {
		a.logger.Debug("dropping guest data with no destination",
			zap.Int("bytes", len(payload)))
		return
	}
	sink(a.UID, iid, payload)
}

// PushData forwards client-originated bytes into the sandbox inbox.
func (a *Agent) PushData(payload []byte) {
	a.sandbox.Push(payload)
}

// History returns a snapshot of the conversation history.
func (a *Agent) History() []history.Delta {
	return a.history.All()
}

// Run executes one invocation. Invocations on the same agent are fully
// serialized; the per-invocation context is cancellable via Cancel.
func (a *Agent) Run(ctx context.Context, iid string, warpLocals []byte, prompt *string, streaming *bool) error {
	a.runMu.Lock()
	defer a.runMu.Unlock()

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return protocol.NewError(protocol.ErrNotRunning, "agent %s is closed", a.UID)
	}
	runCtx, cancel := context.WithCancel(ctx)
	a.runningIID = iid
	a.cancelRun = cancel
	a.mu.Unlock()

	defer func() {
		cancel()
		a.mu.Lock()
		a.runningIID = ""
		a.cancelRun = nil
		a.mu.Unlock()
		// Per-invocation bookkeeping: round count and remaining budget.
		a.tracker.Reset()
	}()

	stream := a.StreamingDefault
	if streaming != nil {
		stream = *streaming
	}
	rc := newRunContext(a, iid, stream)

	if err := a.runSystemOnce(runCtx, rc); err != nil {
		return err
	}
	if err := a.sandbox.ReplayWarp(runCtx, warpLocals); err != nil {
		return err
	}

	_, err := seq.Run(runCtx, rc, a.strategy.UserSequence(prompt, iid))
	return err
}

// runSystemOnce executes the init sequence on the agent's first invocation,
// recording its deltas as implicit, then replays the warp globals blob.
func (a *Agent) runSystemOnce(ctx context.Context, rc *runContext) error {
	a.mu.Lock()
	done := a.systemDone
	a.mu.Unlock()
	if done {
		return nil
	}

	rc.implicit = true
	_, err := seq.Run(ctx, rc, a.strategy.InitSequence(a.Premise, a.SystemPrompt))
	rc.implicit = false
	if err != nil {
		return err
	}
	if err := a.sandbox.ReplayWarp(ctx, a.WarpGlobals); err != nil {
		return err
	}

	a.mu.Lock()
	a.systemDone = true
	a.mu.Unlock()
	return nil
}

// Cancel aborts the invocation iid if it is the one currently running.
// Reports whether a cancellation was delivered.
func (a *Agent) Cancel(iid string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.runningIID != iid || a.cancelRun == nil {
		return false
	}
	a.cancelRun()
	return true
}

// Running reports the iid currently holding the run mutex, if any.
func (a *Agent) Running() (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.runningIID, a.runningIID != ""
}

// Close tears the agent down: cancels any running invocation, closes the
// sandbox, and unbinds the data sink. Idempotent.
func (a *Agent) Close(ctx context.Context) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	cancel := a.cancelRun
	a.sink = nil
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	a.sandbox.Close(ctx)
	a.logger.Debug("agent closed")
}

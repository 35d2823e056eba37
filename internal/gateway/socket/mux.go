package socket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/agentica/agentica-server/internal/agent"
	"github.com/agentica/agentica-server/internal/common/logger"
	"github.com/agentica/agentica-server/internal/metrics"
	"github.com/agentica/agentica-server/internal/notifier"
	"github.com/agentica/agentica-server/internal/registry"
	"github.com/agentica/agentica-server/internal/telemetry"
	"github.com/agentica/agentica-server/pkg/protocol"
)

const inboxDepth = 64

// invocation is the per-IID state owned by the multiplexer. The context is
// created at dispatch time so a Cancel delivered while the invocation is
// still queued behind the agent's run mutex aborts it before it runs.
type invocation struct {
	uid    string
	iid    string
	inbox  chan []byte
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
}

// agentContext is the lazily-created per-uid observability binding. Created
// on the first Invoke for a uid, torn down when the multiplexer stops.
type agentContext struct {
	agent *agent.Agent
	ctx   context.Context
	span  trace.Span
}

// Multiplexer routes framed client messages to per-invocation tasks and
// emits server messages through the transport writer.
type Multiplexer struct {
	cid      string
	registry *registry.Registry
	writer   *Writer
	notifier *notifier.Notifier
	metrics  *metrics.Metrics
	logger   *logger.Logger

	drainTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	invocations map[string]*invocation
	agentCtxs   map[string]*agentContext
	stopped     bool

	wg sync.WaitGroup
}

// NewMultiplexer creates the multiplexer for one connection.
func NewMultiplexer(ctx context.Context, cid string, reg *registry.Registry, w *Writer, n *notifier.Notifier, m *metrics.Metrics, drainTimeout time.Duration, log *logger.Logger) *Multiplexer {
	muxCtx, cancel := context.WithCancel(ctx)
	return &Multiplexer{
		cid:          cid,
		registry:     reg,
		writer:       w,
		notifier:     n,
		metrics:      m,
		logger:       log.WithFields(zap.String("component", "socket.mux"), zap.String("cid", cid)),
		drainTimeout: drainTimeout,
		ctx:          muxCtx,
		cancel:       cancel,
		invocations:  make(map[string]*invocation),
		agentCtxs:    make(map[string]*agentContext),
	}
}

// HandleMessage dispatches one framed client message. Messages are handled
// in receive order; only invocation tasks run concurrently.
func (m *Multiplexer) HandleMessage(raw []byte) {
	var msg protocol.Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		m.logger.Warn("dropping unparseable frame", zap.Error(err))
		m.sendError("", "", protocol.ErrMalformedInvokeMessage, "unparseable message frame")
		return
	}

	switch msg.Kind {
	case protocol.KindInvoke:
		m.handleInvoke(&msg)
	case protocol.KindCancel:
		m.handleCancel(&msg)
	case protocol.KindData:
		m.handleData(&msg)
	default:
		m.logger.Warn("dropping message of unknown kind", zap.String("kind", string(msg.Kind)))
	}
}

func (m *Multiplexer) handleInvoke(msg *protocol.Message) {
	var inv protocol.Invoke
	if err := msg.ParsePayload(&inv); err != nil {
		m.sendError("", "", protocol.ErrMalformedInvokeMessage, "malformed invoke payload")
		return
	}

	a, ok := m.registry.Agent(inv.UID)
	if !ok {
		m.sendError("", inv.MatchID, protocol.ErrMalformedInvokeMessage,
			"unknown agent uid "+inv.UID)
		return
	}

	if !m.registry.Admission().Admit() {
		m.sendError(inv.UID, inv.MatchID, protocol.ErrTooManyInvocations,
			"concurrent invocation limit reached")
		return
	}

	iid := newIID()
	task := &invocation{
		uid:   inv.UID,
		iid:   iid,
		inbox: make(chan []byte, inboxDepth),
		done:  make(chan struct{}),
	}

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		m.registry.Admission().Release()
		return
	}
	actx := m.ensureAgentContextLocked(a)
	task.ctx, task.cancel = context.WithCancel(actx.ctx)
	m.invocations[iid] = task
	m.wg.Add(1)
	m.mu.Unlock()

	// NewIID precedes ENTER and any Data for this iid.
	m.writer.Send(protocol.MustMessage(protocol.KindNewIID, protocol.NewIID{
		MatchID: inv.MatchID,
		UID:     inv.UID,
		IID:     iid,
	}))

	go m.runInvocation(task, a, &inv)
}

func (m *Multiplexer) handleCancel(msg *protocol.Message) {
	var c protocol.Cancel
	if err := msg.ParsePayload(&c); err != nil {
		m.logger.Warn("dropping malformed cancel", zap.Error(err))
		return
	}

	m.mu.Lock()
	task, ok := m.invocations[c.IID]
	m.mu.Unlock()
	if !ok {
		m.sendError(c.UID, c.IID, protocol.ErrNotRunning, "no running invocation "+c.IID)
		return
	}

	// Cancelling the task's own context reaches the invocation wherever it
	// is: running, or still queued behind the agent's run mutex.
	task.cancel()
	m.logger.Debug("invocation cancel requested", zap.String("iid", c.IID))
}

func (m *Multiplexer) handleData(msg *protocol.Message) {
	var d protocol.Data
	if err := msg.ParsePayload(&d); err != nil {
		m.logger.Warn("dropping malformed data frame", zap.Error(err))
		return
	}

	m.mu.Lock()
	task, ok := m.invocations[d.IID]
	m.mu.Unlock()
	if !ok {
		m.sendError(d.UID, d.IID, protocol.ErrNotRunning, "no running invocation "+d.IID)
		return
	}

	select {
	case task.inbox <- d.Payload:
	case <-task.done:
	case <-m.ctx.Done():
	}
}

// ensureAgentContextLocked lazily binds the per-uid observability session
// and the agent's data sink on the first Invoke for that uid. Invocation
// contexts derive from the session span context so invocation spans nest
// under the session span.
func (m *Multiplexer) ensureAgentContextLocked(a *agent.Agent) *agentContext {
	if actx, ok := m.agentCtxs[a.UID]; ok {
		return actx
	}
	sessionCtx, span := telemetry.StartAgentSession(m.ctx, a.UID, m.cid)
	a.SetSink(m.sendData)
	actx := &agentContext{agent: a, ctx: sessionCtx, span: span}
	m.agentCtxs[a.UID] = actx
	m.logger.Debug("agent context created", zap.String("uid", a.UID))
	return actx
}

// sendData forwards sandbox-originated bytes to the client.
func (m *Multiplexer) sendData(uid, iid string, payload []byte) {
	m.writer.Send(protocol.MustMessage(protocol.KindData, protocol.Data{
		UID:     uid,
		IID:     iid,
		Payload: payload,
	}))
}

func (m *Multiplexer) sendError(uid, iid string, name protocol.ErrorName, message string) {
	m.writer.Send(protocol.MustMessage(protocol.KindError, protocol.ErrorMessage{
		UID:     uid,
		IID:     iid,
		Name:    name,
		Message: message,
	}))
}

func (m *Multiplexer) sendEvent(uid, iid string, event protocol.EventKind) {
	m.writer.Send(protocol.MustMessage(protocol.KindInvocationEvent, protocol.InvocationEvent{
		UID:   uid,
		IID:   iid,
		Event: event,
	}))
}

func (m *Multiplexer) removeInvocation(iid string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if task, ok := m.invocations[iid]; ok {
		close(task.done)
		delete(m.invocations, iid)
	}
}

// Stop terminates the multiplexer: cancels running invocations, awaits the
// tasks with a bounded drain, ends agent observability sessions, and clears
// all per-iid state. Idempotent.
func (m *Multiplexer) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	running := make([]*invocation, 0, len(m.invocations))
	for _, task := range m.invocations {
		running = append(running, task)
	}
	m.mu.Unlock()

	for _, task := range running {
		task.cancel()
	}
	m.cancel()

	// Bounded drain, then the tasks are abandoned to their cancelled ctx.
	drained := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(m.drainTimeout):
		m.logger.Warn("invocation drain timed out",
			zap.Duration("timeout", m.drainTimeout))
	}

	m.mu.Lock()
	for uid, actx := range m.agentCtxs {
		actx.agent.ClearSink()
		actx.span.End()
		delete(m.agentCtxs, uid)
	}
	m.invocations = make(map[string]*invocation)
	m.mu.Unlock()

	m.logger.Debug("multiplexer stopped")
}

package socket

import (
	"context"
	"errors"
	"os"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentica/agentica-server/internal/agent"
	"github.com/agentica/agentica-server/internal/notifier"
	"github.com/agentica/agentica-server/internal/telemetry"
	"github.com/agentica/agentica-server/pkg/protocol"
)

func newIID() string {
	return uuid.NewString()
}

// runInvocation is the per-invocation task: lifecycle events around the
// agent run, error surfacing, and admission release. Admission was acquired
// by the dispatcher; it is released here exactly once.
func (m *Multiplexer) runInvocation(task *invocation, a *agent.Agent, inv *protocol.Invoke) {
	defer m.wg.Done()
	defer m.registry.Admission().Release()
	defer task.cancel()

	ctx, span := telemetry.StartInvocation(task.ctx, task.uid, task.iid)
	defer span.End()

	var parent *notifier.Parent
	if inv.ParentUID != "" || inv.ParentIID != "" {
		parent = &notifier.Parent{UID: inv.ParentUID, IID: inv.ParentIID}
	}
	m.notifier.InvocationEnter(ctx, task.uid, task.iid, parent)
	m.sendEvent(task.uid, task.iid, protocol.EventEnter)

	if m.metrics != nil {
		m.metrics.InvocationsActive.Inc()
		defer m.metrics.InvocationsActive.Dec()
	}

	// Pump the per-invocation inbox into the sandbox for the task's lifetime.
	go func() {
		for {
			select {
			case payload := <-task.inbox:
				a.PushData(payload)
			case <-task.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	err := a.Run(ctx, task.iid, inv.WarpLocalsPayload, inv.Prompt, inv.Streaming)

	outcome := "success"
	if err != nil {
		outcome = m.finishWithError(ctx, task, err)
	}
	if m.metrics != nil {
		m.metrics.InvocationsTotal.WithLabelValues(outcome).Inc()
	}

	m.notifier.InvocationExit(ctx, task.uid, task.iid)
	m.sendEvent(task.uid, task.iid, protocol.EventExit)
	m.removeInvocation(task.iid)

	if err != nil && os.Getenv("SM_CRASH_ON_EXCEPTION") == "1" && !isCancellation(err) {
		panic(err)
	}
}

// finishWithError emits the ERROR event and the Error message. Returns the
// metrics outcome label. A cancelled invocation produces no Error message;
// the client sees a plain EXIT.
func (m *Multiplexer) finishWithError(ctx context.Context, task *invocation, err error) string {
	if isCancellation(err) {
		m.logger.Debug("invocation cancelled", zap.String("iid", task.iid))
		return "cancelled"
	}

	name := protocol.NameOf(err)
	m.notifier.InvocationError(ctx, task.uid, task.iid, err)
	m.sendEvent(task.uid, task.iid, protocol.EventError)
	m.sendError(task.uid, task.iid, name, err.Error())

	// Oversized prompts are expected; skip the noisy exception log.
	if name != protocol.ErrRequestTooLarge {
		m.logger.Error("invocation failed",
			zap.String("uid", task.uid),
			zap.String("iid", task.iid),
			zap.String("error_name", string(name)),
			zap.Error(err))
	}
	return "error"
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled)
}

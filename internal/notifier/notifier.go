// Package notifier defines the structured event taxonomy and fans events
// out to the bus, the log store, metrics, and live /echo streamers.
package notifier

import (
	"context"

	"go.uber.org/zap"

	"github.com/agentica/agentica-server/internal/events/bus"
	"github.com/agentica/agentica-server/internal/common/logger"
)

// Subject prefix for all notifier events on the bus.
const SubjectPrefix = "agentica.events"

// Event types. The taxonomy is closed; consumers switch on these values.
const (
	EventInvocationEnter = "invocation.enter"
	EventInvocationExit  = "invocation.exit"
	EventInvocationError = "invocation.error"

	EventInferenceRequest  = "inference.request"
	EventInferenceDelta    = "inference.delta"
	EventInferenceResponse = "inference.response"
	EventInferenceError    = "inference.error"

	EventSandboxExec   = "sandbox.exec"
	EventSandboxResult = "sandbox.result"

	EventAgentCreated   = "agent.created"
	EventAgentDestroyed = "agent.destroyed"

	EventSessionRegistered   = "session.registered"
	EventSessionDeregistered = "session.deregistered"

	EventLog = "log"
)

const source = "agentica-server"

// Notifier publishes taxonomy events to the fan-out bus.
type Notifier struct {
	bus    bus.EventBus
	logger *logger.Logger
}

// New creates a notifier over the given bus.
func New(b bus.EventBus, log *logger.Logger) *Notifier {
	return &Notifier{
		bus:    b,
		logger: log.WithFields(zap.String("component", "notifier")),
	}
}

// Subscribe attaches a handler for all notifier events.
func (n *Notifier) Subscribe(handler bus.EventHandler) (bus.Subscription, error) {
	return n.bus.Subscribe(SubjectPrefix+".>", handler)
}

func (n *Notifier) publish(ctx context.Context, eventType string, data map[string]interface{}) {
	event := bus.NewEvent(eventType, source, data)
	if err := n.bus.Publish(ctx, SubjectPrefix+"."+eventType, event); err != nil {
		n.logger.Warn("event publish failed",
			zap.String("event_type", eventType),
			zap.Error(err))
	}
}

// Parent identifies the spawning invocation of a nested invocation.
type Parent struct {
	UID string `json:"uid"`
	IID string `json:"iid"`
}

// InvocationEnter fires when an invocation task starts.
func (n *Notifier) InvocationEnter(ctx context.Context, uid, iid string, parent *Parent) {
	data := map[string]interface{}{"uid": uid, "iid": iid}
	if parent != nil {
		data["parent_uid"] = parent.UID
		data["parent_iid"] = parent.IID
	}
	n.publish(ctx, EventInvocationEnter, data)
}

// InvocationExit fires when an invocation task finishes, regardless of outcome.
func (n *Notifier) InvocationExit(ctx context.Context, uid, iid string) {
	n.publish(ctx, EventInvocationExit, map[string]interface{}{"uid": uid, "iid": iid})
}

// InvocationError fires once per failed invocation before the exit event.
func (n *Notifier) InvocationError(ctx context.Context, uid, iid string, err error) {
	n.publish(ctx, EventInvocationError, map[string]interface{}{
		"uid": uid, "iid": iid, "error": err.Error(),
	})
}

// InferenceRequest fires when an inference call is dispatched.
func (n *Notifier) InferenceRequest(ctx context.Context, uid, iid, inferenceID, model string, streaming bool) {
	n.publish(ctx, EventInferenceRequest, map[string]interface{}{
		"uid": uid, "iid": iid, "inference_id": inferenceID,
		"model": model, "streaming": streaming,
	})
}

// InferenceDelta fires for each streaming partial in arrival order.
func (n *Notifier) InferenceDelta(ctx context.Context, uid, iid, inferenceID, content string) {
	n.publish(ctx, EventInferenceDelta, map[string]interface{}{
		"uid": uid, "iid": iid, "inference_id": inferenceID, "content": content,
	})
}

// InferenceResponse fires when an inference call completes.
func (n *Notifier) InferenceResponse(ctx context.Context, uid, iid, inferenceID string, completionTokens int, endReason string) {
	n.publish(ctx, EventInferenceResponse, map[string]interface{}{
		"uid": uid, "iid": iid, "inference_id": inferenceID,
		"completion_tokens": completionTokens, "end_reason": endReason,
	})
}

// InferenceError fires once per terminal inference error.
func (n *Notifier) InferenceError(ctx context.Context, uid, iid string, err error) {
	n.publish(ctx, EventInferenceError, map[string]interface{}{
		"uid": uid, "iid": iid, "error": err.Error(),
	})
}

// SandboxExec fires when a code block is dispatched to the guest. The
// returned exec id correlates the result event.
func (n *Notifier) SandboxExec(ctx context.Context, uid, iid, execID, code string) {
	n.publish(ctx, EventSandboxExec, map[string]interface{}{
		"uid": uid, "iid": iid, "exec_id": execID, "code": code,
	})
}

// SandboxResult fires when the guest reports an evaluation result.
func (n *Notifier) SandboxResult(ctx context.Context, uid, iid, execID, output string, raised bool) {
	n.publish(ctx, EventSandboxResult, map[string]interface{}{
		"uid": uid, "iid": iid, "exec_id": execID, "output": output, "raised": raised,
	})
}

// AgentCreated fires on successful agent construction.
func (n *Notifier) AgentCreated(ctx context.Context, uid, cid, model string) {
	n.publish(ctx, EventAgentCreated, map[string]interface{}{
		"uid": uid, "cid": cid, "model": model,
	})
}

// AgentDestroyed fires when an agent is torn down.
func (n *Notifier) AgentDestroyed(ctx context.Context, uid, cid string) {
	n.publish(ctx, EventAgentDestroyed, map[string]interface{}{"uid": uid, "cid": cid})
}

// SessionRegistered fires on session registration.
func (n *Notifier) SessionRegistered(ctx context.Context, cid string) {
	n.publish(ctx, EventSessionRegistered, map[string]interface{}{"cid": cid})
}

// SessionDeregistered fires on session teardown.
func (n *Notifier) SessionDeregistered(ctx context.Context, cid string) {
	n.publish(ctx, EventSessionDeregistered, map[string]interface{}{"cid": cid})
}

// Log publishes a free-form log event from the sequencer's SendLog effect.
func (n *Notifier) Log(ctx context.Context, uid, iid string, data map[string]interface{}) {
	if data == nil {
		data = map[string]interface{}{}
	}
	data["uid"] = uid
	data["iid"] = iid
	n.publish(ctx, EventLog, data)
}

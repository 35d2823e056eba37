package logstore

import (
	"context"

	"go.uber.org/zap"

	"github.com/agentica/agentica-server/internal/common/logger"
	"github.com/agentica/agentica-server/internal/events/bus"
	"github.com/agentica/agentica-server/internal/notifier"
)

// AttachRecorder subscribes the store to the notifier and persists the
// invocation and inference events that back the /logs endpoints.
func AttachRecorder(n *notifier.Notifier, store *Store, log *logger.Logger) (bus.Subscription, error) {
	rlog := log.WithFields(zap.String("component", "logstore.recorder"))
	return n.Subscribe(func(ctx context.Context, event *bus.Event) error {
		var err error
		switch event.Type {
		case notifier.EventInvocationEnter, notifier.EventInvocationExit, notifier.EventInvocationError:
			err = store.RecordInvocationEvent(ctx, InvocationEvent{
				UID:       dataString(event, "uid"),
				IID:       dataString(event, "iid"),
				EventType: event.Type,
				Error:     dataString(event, "error"),
				CreatedAt: event.Timestamp,
			})
		case notifier.EventInferenceResponse, notifier.EventInferenceError:
			err = store.RecordInferenceEvent(ctx, InferenceEvent{
				UID:              dataString(event, "uid"),
				IID:              dataString(event, "iid"),
				InferenceID:      dataString(event, "inference_id"),
				Model:            dataString(event, "model"),
				CompletionTokens: dataInt(event, "completion_tokens"),
				EndReason:        dataString(event, "end_reason"),
				Error:            dataString(event, "error"),
				CreatedAt:        event.Timestamp,
			})
		}
		if err != nil {
			rlog.Warn("failed to persist event",
				zap.String("event_type", event.Type), zap.Error(err))
		}
		return nil
	})
}

func dataString(event *bus.Event, key string) string {
	s, _ := event.Data[key].(string)
	return s
}

func dataInt(event *bus.Event, key string) int {
	switch v := event.Data[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

package logstore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentica/agentica-server/internal/common/config"
	"github.com/agentica/agentica-server/internal/common/logger"
	"github.com/agentica/agentica-server/internal/events/bus"
	"github.com/agentica/agentica-server/internal/notifier"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(config.LogStoreConfig{
		Driver: "sqlite3",
		DSN:    filepath.Join(t.TempDir(), "logs.db"),
	}, logger.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(config.LogStoreConfig{Driver: "mysql", DSN: "x"}, logger.NewNop())
	require.Error(t, err)
}

func TestInvocationEventsNewestFirst(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	events := []InvocationEvent{
		{UID: "uid-a", IID: "iid-1", EventType: notifier.EventInvocationEnter},
		{UID: "uid-a", IID: "iid-1", EventType: notifier.EventInvocationExit},
		{UID: "uid-b", IID: "iid-2", EventType: notifier.EventInvocationError, Error: "boom"},
	}
	for _, ev := range events {
		require.NoError(t, store.RecordInvocationEvent(ctx, ev))
	}

	rows, err := store.ListInvocationEvents(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, notifier.EventInvocationError, rows[0].EventType)
	assert.Equal(t, "boom", rows[0].Error)
	assert.Equal(t, notifier.EventInvocationEnter, rows[2].EventType)
	assert.False(t, rows[0].CreatedAt.IsZero())
}

func TestInvocationEventFilters(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.RecordInvocationEvent(ctx, InvocationEvent{UID: "uid-a", IID: "iid-1", EventType: notifier.EventInvocationEnter}))
	require.NoError(t, store.RecordInvocationEvent(ctx, InvocationEvent{UID: "uid-a", IID: "iid-2", EventType: notifier.EventInvocationEnter}))
	require.NoError(t, store.RecordInvocationEvent(ctx, InvocationEvent{UID: "uid-b", IID: "iid-3", EventType: notifier.EventInvocationEnter}))

	rows, err := store.ListInvocationEvents(ctx, Filter{UID: "uid-a"})
	require.NoError(t, err)
	assert.Len(t, rows, 2)

	rows, err = store.ListInvocationEvents(ctx, Filter{IID: "iid-3"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "uid-b", rows[0].UID)

	rows, err = store.ListInvocationEvents(ctx, Filter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "iid-3", rows[0].IID)
}

func TestInferenceEventsRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.RecordInferenceEvent(ctx, InferenceEvent{
		UID:              "uid-a",
		IID:              "iid-1",
		InferenceID:      "inf-1",
		Model:            "openai:gpt-4o",
		CompletionTokens: 42,
		EndReason:        "stop",
	}))
	require.NoError(t, store.RecordInferenceEvent(ctx, InferenceEvent{
		UID: "uid-a", IID: "iid-1", InferenceID: "inf-2", Error: "rate limited",
	}))

	rows, err := store.ListInferenceEvents(ctx, Filter{UID: "uid-a"})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "inf-2", rows[0].InferenceID)
	assert.Equal(t, "rate limited", rows[0].Error)
	assert.Equal(t, 42, rows[1].CompletionTokens)
	assert.Equal(t, "stop", rows[1].EndReason)
}

func TestPruneAgent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.RecordInvocationEvent(ctx, InvocationEvent{UID: "uid-a", IID: "iid-1", EventType: notifier.EventInvocationEnter}))
	require.NoError(t, store.RecordInvocationEvent(ctx, InvocationEvent{UID: "uid-b", IID: "iid-2", EventType: notifier.EventInvocationEnter}))
	require.NoError(t, store.RecordInferenceEvent(ctx, InferenceEvent{UID: "uid-a", IID: "iid-1", InferenceID: "inf-1"}))

	require.NoError(t, store.PruneAgent(ctx, "uid-a"))

	rows, err := store.ListInvocationEvents(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "uid-b", rows[0].UID)

	infRows, err := store.ListInferenceEvents(ctx, Filter{})
	require.NoError(t, err)
	assert.Empty(t, infRows)
}

func TestAttachRecorderPersistsNotifierEvents(t *testing.T) {
	store := newTestStore(t)
	log := logger.NewNop()
	n := notifier.New(bus.NewMemoryEventBus(log), log)

	sub, err := AttachRecorder(n, store, log)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	ctx := context.Background()
	n.InvocationEnter(ctx, "uid-a", "iid-1", nil)
	n.InvocationError(ctx, "uid-a", "iid-1", errors.New("boom"))
	n.InvocationExit(ctx, "uid-a", "iid-1")
	n.InferenceResponse(ctx, "uid-a", "iid-1", "inf-1", 7, "stop")
	// Deltas are not persisted.
	n.InferenceDelta(ctx, "uid-a", "iid-1", "inf-1", "partial")

	require.Eventually(t, func() bool {
		rows, err := store.ListInvocationEvents(ctx, Filter{UID: "uid-a"})
		if err != nil || len(rows) != 3 {
			return false
		}
		infRows, err := store.ListInferenceEvents(ctx, Filter{UID: "uid-a"})
		return err == nil && len(infRows) == 1
	}, 3*time.Second, 10*time.Millisecond)

	infRows, err := store.ListInferenceEvents(ctx, Filter{UID: "uid-a"})
	require.NoError(t, err)
	require.Len(t, infRows, 1)
	assert.Equal(t, "inf-1", infRows[0].InferenceID)
	assert.Equal(t, 7, infRows[0].CompletionTokens)
	assert.Equal(t, "stop", infRows[0].EndReason)
}

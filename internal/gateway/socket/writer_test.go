package socket

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentica/agentica-server/internal/common/logger"
	"github.com/agentica/agentica-server/pkg/protocol"
)

// newWriterPair upgrades a loopback connection and returns the server-side
// writer plus the client conn for reading what it emits.
func newWriterPair(t *testing.T) (*Writer, *websocket.Conn) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	serverConn := make(chan *websocket.Conn, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		serverConn <- conn
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	conn := <-serverConn
	t.Cleanup(func() { conn.Close() })

	w := NewWriter(conn, logger.NewNop())
	go w.Run()
	return w, client
}

func TestWriterPreservesEnqueueOrder(t *testing.T) {
	w, client := newWriterPair(t)

	const n = 20
	for i := 0; i < n; i++ {
		ok := w.Send(protocol.MustMessage(protocol.KindInvocationEvent, protocol.InvocationEvent{
			UID:   "uid",
			IID:   fmt.Sprintf("iid-%d", i),
			Event: protocol.EventEnter,
		}))
		require.True(t, ok)
	}

	for i := 0; i < n; i++ {
		client.SetReadDeadline(time.Now().Add(5 * time.Second))
		var msg protocol.Message
		require.NoError(t, client.ReadJSON(&msg))
		require.Equal(t, protocol.KindInvocationEvent, msg.Kind)

		var ev protocol.InvocationEvent
		require.NoError(t, msg.ParsePayload(&ev))
		assert.Equal(t, fmt.Sprintf("iid-%d", i), ev.IID)
	}

	w.Stop()
}

func TestWriterSendBlocksRatherThanDrops(t *testing.T) {
	w, client := newWriterPair(t)

	// Well past the queue depth: senders block on a full queue instead of
	// dropping, so every message arrives in order.
	const n = sendQueueDepth + 50
	go func() {
		for i := 0; i < n; i++ {
			w.Send(protocol.MustMessage(protocol.KindNewIID, protocol.NewIID{
				IID: fmt.Sprintf("iid-%d", i),
			}))
		}
	}()

	for i := 0; i < n; i++ {
		client.SetReadDeadline(time.Now().Add(5 * time.Second))
		var msg protocol.Message
		require.NoError(t, client.ReadJSON(&msg))
		var ack protocol.NewIID
		require.NoError(t, msg.ParsePayload(&ack))
		assert.Equal(t, fmt.Sprintf("iid-%d", i), ack.IID)
	}
	w.Stop()
}

func TestWriterSendAfterStop(t *testing.T) {
	w, _ := newWriterPair(t)
	w.Stop()
	w.Stop()

	ok := w.Send(protocol.MustMessage(protocol.KindInvocationEvent, protocol.InvocationEvent{}))
	assert.False(t, ok)

	select {
	case <-w.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("writer did not report done after Stop")
	}
}

func TestWriterStopFlushesQueue(t *testing.T) {
	w, client := newWriterPair(t)

	for i := 0; i < 5; i++ {
		require.True(t, w.Send(protocol.MustMessage(protocol.KindNewIID, protocol.NewIID{
			IID: fmt.Sprintf("iid-%d", i),
		})))
	}
	w.Stop()

	for i := 0; i < 5; i++ {
		client.SetReadDeadline(time.Now().Add(5 * time.Second))
		var msg protocol.Message
		require.NoError(t, client.ReadJSON(&msg))
		var ack protocol.NewIID
		require.NoError(t, msg.ParsePayload(&ack))
		assert.Equal(t, fmt.Sprintf("iid-%d", i), ack.IID)
	}
}

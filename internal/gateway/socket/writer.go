// Package socket implements the multiplexed client connection: the single
// transport writer, the invocation multiplexer, and the per-connection
// lifecycle orchestration.
package socket

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agentica/agentica-server/internal/common/logger"
	"github.com/agentica/agentica-server/pkg/protocol"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait).
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 8 * 1024 * 1024

	sendQueueDepth = 256
)

// Writer is the single goroutine allowed to write to the socket. Messages
// are serialized in enqueue order; there is no interleaving.
type Writer struct {
	conn   *websocket.Conn
	logger *logger.Logger

	send chan *protocol.Message

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewWriter creates the writer; Run must be started on its own goroutine.
func NewWriter(conn *websocket.Conn, log *logger.Logger) *Writer {
	return &Writer{
		conn:   conn,
		logger: log.WithFields(zap.String("component", "socket.writer")),
		send:   make(chan *protocol.Message, sendQueueDepth),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Run drains the queue onto the socket until stopped or the write fails.
// On exit the remaining queue is drained best-effort, then discarded.
func (w *Writer) Run() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		close(w.done)
	}()

	for {
		select {
		case <-w.stop:
			w.flush()
			return
		case msg := <-w.send:
			if !w.write(msg) {
				return
			}
		case <-ticker.C:
			w.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := w.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				w.logger.Debug("ping failed, stopping writer", zap.Error(err))
				return
			}
		}
	}
}

func (w *Writer) write(msg *protocol.Message) bool {
	raw, err := json.Marshal(msg)
	if err != nil {
		w.logger.Error("failed to marshal outbound message",
			zap.String("kind", string(msg.Kind)), zap.Error(err))
		return true
	}
	w.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := w.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		w.logger.Debug("socket write failed, stopping writer", zap.Error(err))
		return false
	}
	return true
}

// flush writes whatever is already queued, best-effort.
func (w *Writer) flush() {
	for {
		select {
		case msg := <-w.send:
			if !w.write(msg) {
				return
			}
		default:
			return
		}
	}
}

// Send enqueues a message, blocking while the queue is full so enqueue
// order is preserved. Reports false when the writer has stopped; the
// message is dropped in that case.
func (w *Writer) Send(msg *protocol.Message) bool {
	select {
	case <-w.stop:
		return false
	case <-w.done:
		return false
	default:
	}
	select {
	case w.send <- msg:
		return true
	case <-w.done:
		return false
	}
}

// Stop ends the writer after a best-effort drain. Idempotent.
func (w *Writer) Stop() {
	w.stopOnce.Do(func() {
		close(w.stop)
	})
	<-w.done
}

// Done is closed when the writer goroutine exits, observable by the
// connection orchestrator.
func (w *Writer) Done() <-chan struct{} {
	return w.done
}

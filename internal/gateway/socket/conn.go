package socket

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	apperrors "github.com/agentica/agentica-server/internal/common/errors"
	"github.com/agentica/agentica-server/internal/common/logger"
	"github.com/agentica/agentica-server/internal/metrics"
	"github.com/agentica/agentica-server/internal/notifier"
	"github.com/agentica/agentica-server/internal/registry"
	"github.com/agentica/agentica-server/internal/telemetry"
)

// Gateway accepts multiplexed client sockets and runs one connection
// lifecycle per accepted socket.
type Gateway struct {
	registry     *registry.Registry
	notifier     *notifier.Notifier
	metrics      *metrics.Metrics
	logger       *logger.Logger
	drainTimeout time.Duration
	upgrader     websocket.Upgrader
}

// NewGateway creates the gateway.
func NewGateway(reg *registry.Registry, n *notifier.Notifier, m *metrics.Metrics, drainTimeout time.Duration, log *logger.Logger) *Gateway {
	return &Gateway{
		registry:     reg,
		notifier:     n,
		metrics:      m,
		logger:       log.WithFields(zap.String("component", "socket.gateway")),
		drainTimeout: drainTimeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Serve runs one connection lifecycle: require a registered session,
// upgrade, start the writer, run the multiplexer to completion, then
// unconditionally stop the writer, close the socket, and deregister the
// session.
func (g *Gateway) Serve(ctx context.Context, w http.ResponseWriter, r *http.Request, cid string) error {
	if !g.registry.HasSession(cid) {
		return apperrors.NotFound("session", cid)
	}

	ctx = telemetry.ExtractTraceContext(ctx, r.Header)

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return apperrors.BadRequest("websocket upgrade failed: " + err.Error())
	}

	log := g.logger.WithCID(cid)
	log.Info("socket accepted")
	if g.metrics != nil {
		g.metrics.ConnectedSockets.Inc()
		defer g.metrics.ConnectedSockets.Dec()
	}

	writer := NewWriter(conn, log)
	go writer.Run()

	mux := NewMultiplexer(ctx, cid, g.registry, writer, g.notifier, g.metrics, g.drainTimeout, log)

	readErr := g.readLoop(conn, mux)

	mux.Stop()
	writer.Stop()

	if readErr != nil && websocket.IsUnexpectedCloseError(readErr,
		websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
		deadline := time.Now().Add(writeWait)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "transport error"),
			deadline)
	}
	_ = conn.Close()

	// The session's agents are torn down with the connection.
	g.registry.DeregisterSession(context.Background(), cid)
	log.Info("socket closed")
	return nil
}

// readLoop consumes client frames in receive order until end-of-stream.
func (g *Gateway) readLoop(conn *websocket.Conn, mux *Multiplexer) error {
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				g.logger.Warn("socket read error", zap.Error(err))
				return err
			}
			return nil
		}
		mux.HandleMessage(raw)
	}
}

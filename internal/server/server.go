// Package server wires the HTTP surface: session and agent lifecycle
// endpoints, the socket upgrade, log queries, the live event stream, and
// Prometheus exposition.
package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/agentica/agentica-server/internal/common/config"
	"github.com/agentica/agentica-server/internal/common/httpmw"
	"github.com/agentica/agentica-server/internal/common/logger"
	"github.com/agentica/agentica-server/internal/gateway/socket"
	"github.com/agentica/agentica-server/internal/logstore"
	"github.com/agentica/agentica-server/internal/metrics"
	"github.com/agentica/agentica-server/internal/notifier"
	"github.com/agentica/agentica-server/internal/registry"
)

// sessionHeader carries the client-chosen session id.
const sessionHeader = "X-Client-Session-ID"

// Server holds the HTTP handler dependencies.
type Server struct {
	cfg      config.Config
	registry *registry.Registry
	gateway  *socket.Gateway
	notifier *notifier.Notifier
	store    *logstore.Store
	metrics  *metrics.Metrics
	logger   *logger.Logger
}

// New creates the server.
func New(cfg config.Config, reg *registry.Registry, gw *socket.Gateway, n *notifier.Notifier, store *logstore.Store, m *metrics.Metrics, log *logger.Logger) *Server {
	return &Server{
		cfg:      cfg,
		registry: reg,
		gateway:  gw,
		notifier: n,
		store:    store,
		metrics:  m,
		logger:   log,
	}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	if s.cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.RequestLogger(s.logger, "agentica"))
	router.Use(httpmw.OtelTracing("agentica"))

	router.GET("/health", s.handleHealth)
	router.POST("/session/register", s.handleRegisterSession)
	router.POST("/agent/create", s.handleCreateAgent)
	router.DELETE("/agent/destroy/:uid", s.handleDestroyAgent)
	router.GET("/socket", s.handleSocket)

	router.GET("/logs/invocations", s.handleInvocationLogs)
	router.GET("/logs/inferences", s.handleInferenceLogs)
	router.GET("/echo/events", s.handleEchoEvents)

	if s.metrics != nil {
		router.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}

	return router
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/agentica/agentica-server/internal/common/errors"
	"github.com/agentica/agentica-server/internal/inference"
	"github.com/agentica/agentica-server/internal/logstore"
	"github.com/agentica/agentica-server/internal/registry"
	"github.com/agentica/agentica-server/internal/version"
)

func (s *Server) handleRegisterSession(c *gin.Context) {
	cid := c.GetHeader(sessionHeader)
	if cid == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": sessionHeader + " header is required"})
		return
	}
	s.registry.RegisterSession(c.Request.Context(), cid)
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleCreateAgent(c *gin.Context) {
	cid := c.GetHeader(sessionHeader)
	if cid == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": sessionHeader + " header is required"})
		return
	}

	var req registry.CreateAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	check := version.Check(req.Protocol)
	if !check.Supported {
		c.JSON(http.StatusUpgradeRequired, gin.H{"error": check.Message})
		return
	}
	if check.Deprecated {
		c.Header("X-SDK-Warning", "deprecated")
		c.Header("X-SDK-Upgrade-Message", check.Message)
	}

	uid, err := s.registry.CreateAgent(c.Request.Context(), req, cid)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"uid": uid})
}

func (s *Server) handleDestroyAgent(c *gin.Context) {
	uid := c.Param("uid")
	if !s.registry.DestroyAgent(c.Request.Context(), uid) {
		c.JSON(http.StatusNotFound, gin.H{"error": "agent with id '" + uid + "' not found"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleSocket(c *gin.Context) {
	cid := c.GetHeader(sessionHeader)
	if cid == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": sessionHeader + " header is required"})
		return
	}
	if err := s.gateway.Serve(c.Request.Context(), c.Writer, c.Request, cid); err != nil {
		// The upgrade may already have written the response.
		if !c.Writer.Written() {
			s.writeError(c, err)
		} else {
			s.logger.Warn("socket session ended with error", zap.Error(err))
		}
	}
}

func (s *Server) handleInvocationLogs(c *gin.Context) {
	rows, err := s.store.ListInvocationEvents(c.Request.Context(), listFilter(c))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rows)
}

func (s *Server) handleInferenceLogs(c *gin.Context) {
	rows, err := s.store.ListInferenceEvents(c.Request.Context(), listFilter(c))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rows)
}

func listFilter(c *gin.Context) logstore.Filter {
	limit, _ := strconv.Atoi(c.Query("limit"))
	return logstore.Filter{
		UID:   c.Query("uid"),
		IID:   c.Query("iid"),
		Limit: limit,
	}
}

// writeError maps domain errors onto HTTP statuses: AppErrors carry their
// own status; inference errors reuse the upstream status where sensible.
func (s *Server) writeError(c *gin.Context, err error) {
	var infErr *inference.Error
	if errors.As(err, &infErr) {
		status := infErr.Status
		if status < 400 || status > 599 {
			status = http.StatusBadGateway
		}
		c.JSON(status, gin.H{"error": infErr.Message, "code": string(infErr.Name)})
		return
	}

	appErr := apperrors.AsAppError(err)
	if appErr.HTTPStatus >= 500 {
		s.logger.Error("request failed", zap.Error(err))
	}
	c.JSON(appErr.HTTPStatus, gin.H{"error": appErr.Message, "code": appErr.Code})
}

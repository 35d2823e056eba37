package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentica/agentica-server/internal/events/bus"
)

// handleEchoEvents streams live notifier events as NDJSON until the client
// disconnects. Filters: uid, iid, type (prefix match on the event type).
func (s *Server) handleEchoEvents(c *gin.Context) {
	uid := c.Query("uid")
	iid := c.Query("iid")
	typePrefix := c.Query("type")

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming unsupported"})
		return
	}

	c.Header("Content-Type", "application/x-ndjson")
	c.Header("Cache-Control", "no-cache")
	c.Status(http.StatusOK)

	// Buffered so a slow client drops events instead of stalling the bus.
	events := make(chan *bus.Event, 64)
	sub, err := s.notifier.Subscribe(func(ctx context.Context, event *bus.Event) error {
		select {
		case events <- event:
		default:
		}
		return nil
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "subscription failed"})
		return
	}
	defer sub.Unsubscribe()

	encoder := json.NewEncoder(c.Writer)
	done := c.Request.Context().Done()
	for {
		select {
		case <-done:
			return
		case event := <-events:
			if !matchEvent(event, uid, iid, typePrefix) {
				continue
			}
			if err := encoder.Encode(event); err != nil {
				s.logger.Debug("echo stream ended", zap.Error(err))
				return
			}
			flusher.Flush()
		}
	}
}

func matchEvent(event *bus.Event, uid, iid, typePrefix string) bool {
	if typePrefix != "" && !strings.HasPrefix(event.Type, typePrefix) {
		return false
	}
	if uid != "" {
		if v, _ := event.Data["uid"].(string); v != uid {
			return false
		}
	}
	if iid != "" {
		if v, _ := event.Data["iid"].(string); v != iid {
			return false
		}
	}
	return true
}

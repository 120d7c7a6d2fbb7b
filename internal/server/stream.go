package server

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const streamHeartbeatInterval = 15 * time.Second

// handleScreenStream serves the big-screen push channel as server-sent
// events. Clients subscribe per activity and receive the debounced
// statistics envelopes plus periodic heartbeats.
func (h *httpHandler) handleScreenStream(c *gin.Context) {
	activityID := strings.TrimSpace(c.Query("activity_id"))
	if activityID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if h.dispatcher == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "stream_unavailable"})
		return
	}
	if _, err := h.activities.ByID(c.Request.Context(), activityID); err != nil {
		h.respondError(c, err)
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	stream, cleanup := h.dispatcher.Subscribe(c.Request.Context(), activityID)
	defer cleanup()

	heartbeat := time.NewTicker(streamHeartbeatInterval)
	defer heartbeat.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case envelope, ok := <-stream:
			if !ok {
				return false
			}
			payload, err := json.Marshal(envelope)
			if err != nil {
				h.logger.Warn("dropping unencodable broadcast",
					zap.String("activity_id", activityID), zap.Error(err))
				return true
			}
			c.SSEvent(envelope.Type, string(payload))
			return true
		case <-heartbeat.C:
			c.SSEvent("heartbeat", time.Now().UTC().Format(time.RFC3339))
			return true
		}
	})
}

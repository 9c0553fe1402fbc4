package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/NicoHurtado/p2c/internal/logger"
	"github.com/NicoHurtado/p2c/internal/services"
	"github.com/NicoHurtado/p2c/internal/types"
)

type StreamHandler struct {
	log      *logger.Logger
	progress services.ProgressService
}

func NewStreamHandler(log *logger.Logger, progress services.ProgressService) *StreamHandler {
	return &StreamHandler{
		log:      log.With("handler", "StreamHandler"),
		progress: progress,
	}
}

// GET /api/courses/stream/:course_id
func (h *StreamHandler) Stream(c *gin.Context) {
	courseID, err := uuid.Parse(c.Param("course_id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_course_id", err)
		return
	}

	events, err := h.progress.StreamProgress(c.Request.Context(), courseID)
	if err != nil && !errors.Is(err, services.ErrCourseNotFound) {
		RespondError(c, http.StatusInternalServerError, "stream_failed", err)
		return
	}

	w := c.Writer
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		RespondError(c, http.StatusInternalServerError, "streaming_unsupported", fmt.Errorf("response writer cannot flush"))
		return
	}

	// an unknown course still gets a stream: one error event, then done
	if errors.Is(err, services.ErrCourseNotFound) {
		ev := types.StreamEvent{
			EventType: types.EventError,
			Data:      map[string]any{"course_id": courseID.String(), "message": "course not found"},
			Timestamp: time.Now(),
		}
		raw, _ := json.Marshal(ev)
		fmt.Fprintf(w, "event: %s\n", ev.EventType)
		fmt.Fprintf(w, "data: %s\n\n", raw)
		flusher.Flush()
		return
	}

	ctx := c.Request.Context()
	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			h.log.Debug("Stream client disconnected", "course_id", courseID)
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case ev, open := <-events:
			if !open {
				return
			}
			raw, err := json.Marshal(ev)
			if err != nil {
				h.log.Warn("Stream event marshal failed", "error", err)
				continue
			}
			fmt.Fprintf(w, "event: %s\n", ev.EventType)
			fmt.Fprintf(w, "data: %s\n\n", raw)
			flusher.Flush()
		}
	}
}

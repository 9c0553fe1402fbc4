package services

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/NicoHurtado/p2c/internal/clients/redis"
	"github.com/NicoHurtado/p2c/internal/logger"
	"github.com/NicoHurtado/p2c/internal/repos"
	"github.com/NicoHurtado/p2c/internal/types"
	"github.com/NicoHurtado/p2c/internal/utils"
)

// ProgressService follows one course's generation by polling its slots and
// progress markers, emitting an event stream that ends when the course
// settles or the subscriber walks away.
type ProgressService interface {
	StreamProgress(ctx context.Context, courseID uuid.UUID) (<-chan types.StreamEvent, error)
}

type progressService struct {
	log     *logger.Logger
	courses repos.CourseRepo
	cache   redis.CacheService

	pollInterval time.Duration
}

func NewProgressService(log *logger.Logger, courses repos.CourseRepo, cache redis.CacheService) ProgressService {
	pollMs := utils.GetEnvAsInt("PROGRESS_POLL_MS", 2000, nil)
	if pollMs < 100 {
		pollMs = 100
	}
	return &progressService{
		log:          log.With("service", "ProgressService"),
		courses:      courses,
		cache:        cache,
		pollInterval: time.Duration(pollMs) * time.Millisecond,
	}
}

func (s *progressService) StreamProgress(ctx context.Context, courseID uuid.UUID) (<-chan types.StreamEvent, error) {
	course, err := s.courses.GetByID(ctx, nil, courseID)
	if err != nil {
		return nil, err
	}
	if course == nil {
		return nil, ErrCourseNotFound
	}

	events := make(chan types.StreamEvent, 8)

	go s.follow(ctx, courseID, course, events)
	return events, nil
}

func (s *progressService) follow(ctx context.Context, courseID uuid.UUID, initial *types.Course, events chan<- types.StreamEvent) {
	defer close(events)

	send := func(eventType string, data map[string]any) bool {
		ev := types.StreamEvent{EventType: eventType, Data: data, Timestamp: time.Now()}
		select {
		case events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	slots, err := initial.DecodeSlots()
	if err != nil {
		s.log.Error("Slot decode failed", "course_id", courseID, "error", err)
		send(types.EventError, map[string]any{"course_id": courseID.String(), "message": "course state unreadable"})
		return
	}

	if !send(types.EventCourseStarted, map[string]any{
		"course_id":     courseID.String(),
		"status":        initial.Status,
		"total_modules": len(slots),
	}) {
		return
	}

	meta, err := initial.DecodeMetadata()
	if err != nil {
		s.log.Warn("Metadata decode failed", "course_id", courseID, "error", err)
	}

	announced := make([]bool, len(slots))
	completed := 0
	course := initial

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		// announce every module that finished since the last poll; the cache
		// marker is the fast signal, the slot state the durable one
		for i, slot := range slots {
			if announced[i] {
				continue
			}
			done := slot.State == types.SlotReady
			progress := 100
			if marker, ok := s.cache.GetModuleProgress(ctx, courseID.String(), types.ModuleIDForIndex(i)); ok {
				if marker.Status == types.MarkerCompleted {
					done = true
				}
				if done && marker.Progress > 0 {
					progress = marker.Progress
				}
			}
			if !done {
				continue
			}
			announced[i] = true
			completed++
			data := map[string]any{
				"course_id":         courseID.String(),
				"module_id":         types.ModuleIDForIndex(i),
				"progress":          progress,
				"completed_modules": completed,
				"total_modules":     len(slots),
			}
			switch {
			case slot.Module != nil:
				data["title"] = slot.Module.Title
			case i < len(meta.ModuleList):
				data["title"] = meta.ModuleList[i]
			}
			if !send(types.EventModuleReady, data) {
				return
			}
		}

		switch types.CourseStatus(course.Status) {
		case types.StatusReady:
			send(types.EventCourseComplete, map[string]any{
				"course_id": courseID.String(),
				"status":    course.Status,
			})
			return
		case types.StatusError:
			send(types.EventError, map[string]any{
				"course_id": courseID.String(),
				"message":   course.ErrorMessage,
			})
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		course, err = s.courses.GetByID(ctx, nil, courseID)
		if err != nil || course == nil {
			s.log.Warn("Progress poll failed", "course_id", courseID, "error", err)
			send(types.EventError, map[string]any{"course_id": courseID.String(), "message": "course no longer available"})
			return
		}
		slots, err = course.DecodeSlots()
		if err != nil {
			send(types.EventError, map[string]any{"course_id": courseID.String(), "message": "course state unreadable"})
			return
		}
		if len(announced) < len(slots) {
			grown := make([]bool, len(slots))
			copy(grown, announced)
			announced = grown
		}
	}
}

package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/NicoHurtado/p2c/internal/services"
	"github.com/NicoHurtado/p2c/internal/types"
)

type CourseHandler struct {
	svc services.CourseGenerationService
}

func NewCourseHandler(svc services.CourseGenerationService) *CourseHandler {
	return &CourseHandler{svc: svc}
}

// POST /api/courses/generate
func (h *CourseHandler) Generate(c *gin.Context) {
	var req types.GenerateCourseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}

	resp, err := h.svc.FastPathGenerate(c.Request.Context(), req)
	if err != nil {
		RespondError(c, http.StatusInternalServerError, "generation_failed", err)
		return
	}
	c.JSON(http.StatusCreated, resp)
}

// GET /api/courses/:course_id
func (h *CourseHandler) GetCourse(c *gin.Context) {
	courseID, err := uuid.Parse(c.Param("course_id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_course_id", err)
		return
	}

	view, err := h.svc.GetCourse(c.Request.Context(), courseID)
	if errors.Is(err, services.ErrCourseNotFound) {
		RespondError(c, http.StatusNotFound, "course_not_found", err)
		return
	}
	if err != nil {
		RespondError(c, http.StatusInternalServerError, "course_lookup_failed", err)
		return
	}
	RespondOK(c, view)
}

// GET /api/courses/:course_id/module/:module_id
func (h *CourseHandler) GetModule(c *gin.Context) {
	courseID, err := uuid.Parse(c.Param("course_id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_course_id", err)
		return
	}
	moduleID := c.Param("module_id")

	module, state, err := h.svc.GetModule(c.Request.Context(), courseID, moduleID)
	if errors.Is(err, services.ErrCourseNotFound) || errors.Is(err, services.ErrModuleNotFound) {
		RespondError(c, http.StatusNotFound, "module_not_found", err)
		return
	}
	if err != nil {
		RespondError(c, http.StatusInternalServerError, "module_lookup_failed", err)
		return
	}

	switch state {
	case types.SlotReady:
		RespondOK(c, module)
	case types.SlotPending:
		c.JSON(http.StatusAccepted, gin.H{
			"module_id": moduleID,
			"status":    "generating",
		})
	default:
		c.JSON(http.StatusOK, gin.H{
			"module_id": moduleID,
			"status":    "failed",
			"retryable": true,
		})
	}
}

// POST /api/courses/:course_id/generate-module/:module_index
func (h *CourseHandler) GenerateModule(c *gin.Context) {
	courseID, err := uuid.Parse(c.Param("course_id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_course_id", err)
		return
	}
	index, err := strconv.Atoi(c.Param("module_index"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_module_index", err)
		return
	}

	module, err := h.svc.GenerateModuleOnDemand(c.Request.Context(), courseID, index)
	if errors.Is(err, services.ErrCourseNotFound) || errors.Is(err, services.ErrModuleNotFound) {
		RespondError(c, http.StatusNotFound, "module_not_found", err)
		return
	}
	if err != nil {
		RespondError(c, http.StatusInternalServerError, "module_generation_failed", err)
		return
	}
	RespondOK(c, module)
}

// POST /api/courses/:course_id/audio
func (h *CourseHandler) GenerateAudio(c *gin.Context) {
	courseID, err := uuid.Parse(c.Param("course_id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_course_id", err)
		return
	}

	var req types.GenerateAudioRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}

	moduleID := c.Query("module_id")
	if moduleID == "" {
		moduleID = types.ModuleIDForIndex(0)
	}
	userID := c.GetHeader("X-User-ID")

	audio, err := h.svc.GenerateAudio(c.Request.Context(), courseID, moduleID, userID, req)
	switch {
	case errors.Is(err, services.ErrRateLimited):
		RespondError(c, http.StatusTooManyRequests, "rate_limited", err)
	case errors.Is(err, services.ErrCourseNotFound), errors.Is(err, services.ErrModuleNotFound):
		RespondError(c, http.StatusNotFound, "module_not_found", err)
	case err != nil:
		RespondError(c, http.StatusInternalServerError, "audio_generation_failed", err)
	default:
		c.JSON(http.StatusCreated, audio)
	}
}

// GET /api/courses/:course_id/generation
func (h *CourseHandler) GetGeneration(c *gin.Context) {
	courseID, err := uuid.Parse(c.Param("course_id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_course_id", err)
		return
	}

	run, err := h.svc.GetGenerationRun(c.Request.Context(), courseID)
	if errors.Is(err, services.ErrCourseNotFound) {
		RespondError(c, http.StatusNotFound, "run_not_found", err)
		return
	}
	if err != nil {
		RespondError(c, http.StatusInternalServerError, "run_lookup_failed", err)
		return
	}
	RespondOK(c, gin.H{"run": run})
}

// GET /api/courses/stats/overview
func (h *CourseHandler) GetStatistics(c *gin.Context) {
	stats, err := h.svc.GetStatistics(c.Request.Context())
	if err != nil {
		RespondError(c, http.StatusInternalServerError, "stats_failed", err)
		return
	}
	RespondOK(c, stats)
}

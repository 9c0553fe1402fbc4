package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
	"gorm.io/datatypes"

	"github.com/NicoHurtado/p2c/internal/clients/redis"
	"github.com/NicoHurtado/p2c/internal/logger"
	"github.com/NicoHurtado/p2c/internal/repos"
	"github.com/NicoHurtado/p2c/internal/types"
	"github.com/NicoHurtado/p2c/internal/utils"
)

const (
	defaultModuleConcurrency = 3
	backgroundTimeout        = 30 * time.Minute
	courseViewCacheTTL       = 15 * time.Minute
	audioRateLimit           = 10
	audioRateWindow          = time.Hour

	// provisional concept count shown on fast-path stubs before the real
	// module structure exists
	stubConceptCount = 4
)

// CourseGenerationService owns the course lifecycle: the fast path that
// answers within one model call, the detached background fan-out that fills
// the module slots, and the read and on-demand paths on top of them.
type CourseGenerationService interface {
	FastPathGenerate(ctx context.Context, req types.GenerateCourseRequest) (*types.GenerateCourseResponse, error)
	GenerateModuleOnDemand(ctx context.Context, courseID uuid.UUID, moduleIndex int) (*types.Module, error)
	GetCourse(ctx context.Context, courseID uuid.UUID) (*types.CourseView, error)
	GetModule(ctx context.Context, courseID uuid.UUID, moduleID string) (*types.Module, types.SlotState, error)
	GenerateAudio(ctx context.Context, courseID uuid.UUID, moduleID, userID string, req types.GenerateAudioRequest) (*types.AudioResource, error)
	GetGenerationRun(ctx context.Context, courseID uuid.UUID) (*types.GenerationRun, error)
	GetStatistics(ctx context.Context) (map[string]any, error)

	// WaitForBackground blocks until every detached generation has finished.
	WaitForBackground()
}

type courseGenerationService struct {
	log     *logger.Logger
	courses repos.CourseRepo
	runs    repos.GenerationRunRepo
	cache   redis.CacheService
	content ContentService
	video   VideoProviderService
	speech  SpeechProviderService
	bucket  BucketService

	moduleConcurrency int64
	background        sync.WaitGroup
}

func NewCourseGenerationService(
	log *logger.Logger,
	courses repos.CourseRepo,
	runs repos.GenerationRunRepo,
	cache redis.CacheService,
	content ContentService,
	video VideoProviderService,
	speech SpeechProviderService,
	bucket BucketService,
) CourseGenerationService {
	concurrency := utils.GetEnvAsInt("MODULE_CONCURRENCY", defaultModuleConcurrency, nil)
	if concurrency < 1 {
		concurrency = 1
	}
	return &courseGenerationService{
		log:               log.With("service", "CourseGenerationService"),
		courses:           courses,
		runs:              runs,
		cache:             cache,
		content:           content,
		video:             video,
		speech:            speech,
		bucket:            bucket,
		moduleConcurrency: int64(concurrency),
	}
}

// --- fast path ---

func (s *courseGenerationService) FastPathGenerate(ctx context.Context, req types.GenerateCourseRequest) (*types.GenerateCourseResponse, error) {
	meta := s.content.GenerateMetadata(ctx, req.Prompt, req.Level, req.Interests)

	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	slotsJSON, err := json.Marshal(types.PendingSlots(meta.TotalModules))
	if err != nil {
		return nil, fmt.Errorf("marshal module slots: %w", err)
	}
	interests := req.Interests
	if interests == nil {
		interests = []string{}
	}
	interestsJSON, err := json.Marshal(interests)
	if err != nil {
		return nil, fmt.Errorf("marshal interests: %w", err)
	}

	course := &types.Course{
		ID:            uuid.New(),
		Metadata:      datatypes.JSON(metaJSON),
		Modules:       datatypes.JSON(slotsJSON),
		Status:        string(types.StatusGenerating),
		UserPrompt:    req.Prompt,
		UserLevel:     string(req.Level),
		UserInterests: datatypes.JSON(interestsJSON),
	}
	if _, err := s.courses.Create(ctx, nil, []*types.Course{course}); err != nil {
		return nil, fmt.Errorf("create course: %w", err)
	}

	run := &types.GenerationRun{
		ID:        uuid.New(),
		CourseID:  course.ID,
		Status:    string(types.RunRunning),
		Stage:     "queued",
		StartedAt: time.Now(),
	}
	if _, err := s.runs.Create(ctx, nil, []*types.GenerationRun{run}); err != nil {
		// the course still generates, the run record is supervision only
		s.log.Error("Create generation run failed", "course_id", course.ID, "error", err)
		run = nil
	}

	s.background.Add(1)
	go s.backgroundGenerate(course.ID, run, meta, req.Prompt)

	stubs := make([]types.ModuleStub, len(meta.ModuleList))
	perModule := 0
	if meta.TotalModules > 0 {
		perModule = meta.EstimatedDuration / meta.TotalModules
	}
	for i, name := range meta.ModuleList {
		stubs[i] = types.ModuleStub{
			ModuleID:          types.ModuleIDForIndex(i),
			Title:             name,
			Description:       fmt.Sprintf("Part %d of %s. Content is being generated.", i+1, meta.Title),
			Objective:         fmt.Sprintf("Work through %s.", name),
			EstimatedDuration: perModule,
			TotalConcepts:     stubConceptCount,
		}
	}

	return &types.GenerateCourseResponse{
		CourseID:                course.ID.String(),
		Metadata:                meta,
		ModulesMetadata:         stubs,
		Status:                  types.StatusGenerating,
		GenerationStarted:       true,
		EstimatedCompletionTime: 90 * meta.TotalModules,
	}, nil
}

// --- background generation ---

// backgroundGenerate runs detached from the request. Every module worker
// writes only its own slot; the gatherer never cancels siblings because a
// partially generated course is still worth returning.
func (s *courseGenerationService) backgroundGenerate(courseID uuid.UUID, run *types.GenerationRun, meta types.CourseMetadata, prompt string) {
	defer s.background.Done()
	ctx, cancel := context.WithTimeout(context.Background(), backgroundTimeout)
	defer cancel()

	log := s.log.With("course_id", courseID)
	log.Info("Background generation started", "modules", meta.TotalModules)

	s.updateRun(ctx, run, map[string]interface{}{"stage": "introduction", "progress": 5})
	if intro, err := s.content.GenerateIntroduction(ctx, meta, prompt); err != nil {
		log.Warn("Introduction generation failed", "error", err)
	} else {
		if err := s.courses.UpdateFields(ctx, nil, courseID, map[string]interface{}{"introduction": intro}); err != nil {
			log.Warn("Introduction write failed", "error", err)
		}
	}

	s.updateRun(ctx, run, map[string]interface{}{"stage": "modules", "progress": 10})

	sem := semaphore.NewWeighted(s.moduleConcurrency)
	var wg sync.WaitGroup
	results := make([]error, meta.TotalModules)

	for i := 0; i < meta.TotalModules; i++ {
		if err := sem.Acquire(ctx, 1); err != nil {
			results[i] = err
			continue
		}
		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			defer sem.Release(1)
			results[index] = s.generateModuleSlot(ctx, courseID, meta, index)
		}(i)
	}
	wg.Wait()

	succeeded := 0
	var firstErr error
	for _, err := range results {
		if err == nil {
			succeeded++
		} else if firstErr == nil {
			firstErr = err
		}
	}
	log.Info("Module fan-out finished", "succeeded", succeeded, "failed", meta.TotalModules-succeeded)

	if succeeded == 0 {
		msg := "course generation failed"
		if firstErr != nil {
			msg = firstErr.Error()
		}
		if err := s.courses.UpdateFields(ctx, nil, courseID, map[string]interface{}{
			"status":        string(types.StatusError),
			"error_message": msg,
		}); err != nil {
			log.Error("Status write failed", "error", err)
		}
		s.finishRun(ctx, run, types.RunFailed, msg)
		s.cache.Delete(ctx, redis.CourseKey(courseID.String()))
		return
	}

	s.updateRun(ctx, run, map[string]interface{}{"stage": "finalizing", "progress": 90})

	updates := map[string]interface{}{
		"status":        string(types.StatusReady),
		"error_message": "",
	}
	if project, err := s.content.GenerateFinalProject(ctx, meta); err != nil {
		log.Warn("Final project generation failed", "error", err)
	} else if raw, mErr := json.Marshal(project); mErr == nil {
		updates["final_project"] = datatypes.JSON(raw)
	}
	if summary, err := s.content.GenerateCourseSummary(ctx, meta, meta.ModuleList); err != nil {
		log.Warn("Course summary generation failed", "error", err)
	} else {
		updates["summary"] = summary
	}

	if err := s.courses.UpdateFields(ctx, nil, courseID, updates); err != nil {
		log.Error("Status write failed", "error", err)
		s.finishRun(ctx, run, types.RunFailed, err.Error())
		return
	}

	s.finishRun(ctx, run, types.RunSucceeded, "")
	s.cache.Delete(ctx, redis.CourseKey(courseID.String()))
	log.Info("Background generation finished", "status", types.StatusReady)
}

// generateModuleSlot produces one module and writes its slot exactly once,
// as ready or as failed.
func (s *courseGenerationService) generateModuleSlot(ctx context.Context, courseID uuid.UUID, meta types.CourseMetadata, index int) error {
	moduleID := types.ModuleIDForIndex(index)
	cid := courseID.String()

	s.cache.SetModuleProgress(ctx, cid, moduleID, types.ProgressMarker{Status: types.MarkerGenerating, Progress: 0})

	module, err := s.content.GenerateModule(ctx, meta, index, func(progress int) {
		s.cache.SetModuleProgress(ctx, cid, moduleID, types.ProgressMarker{Status: types.MarkerGenerating, Progress: progress})
	})
	if err != nil {
		s.log.Error("Module generation failed", "course_id", courseID, "module_id", moduleID, "error", err)
		s.cache.SetModuleProgress(ctx, cid, moduleID, types.ProgressMarker{Status: types.MarkerFailed, Error: err.Error()})
		if wErr := s.courses.SetModuleSlot(ctx, nil, courseID, index, types.ModuleSlot{
			State: types.SlotFailed,
			Error: err.Error(),
		}); wErr != nil {
			s.log.Error("Failed slot write failed", "course_id", courseID, "module_id", moduleID, "error", wErr)
		}
		return err
	}

	s.cache.SetModuleProgress(ctx, cid, moduleID, types.ProgressMarker{Status: types.MarkerGenerating, Progress: 70})

	topic := firstTopic(meta)
	module.Resources.Videos = s.video.SearchForModule(ctx, topic, module.Title, module.Concepts)
	for i := range module.Concepts {
		if i >= len(module.Chunks) {
			break
		}
		module.Chunks[i].Video = s.video.SearchForConcept(ctx, topic, module.Concepts[i])
	}

	if err := s.courses.SetModuleSlot(ctx, nil, courseID, index, types.ModuleSlot{
		State:  types.SlotReady,
		Module: module,
	}); err != nil {
		s.cache.SetModuleProgress(ctx, cid, moduleID, types.ProgressMarker{Status: types.MarkerFailed, Error: err.Error()})
		return fmt.Errorf("write module slot: %w", err)
	}

	s.cache.SetModuleProgress(ctx, cid, moduleID, types.ProgressMarker{Status: types.MarkerCompleted, Progress: 100})
	return nil
}

func firstTopic(meta types.CourseMetadata) string {
	if len(meta.Topics) > 0 {
		return meta.Topics[0]
	}
	return meta.Title
}

func (s *courseGenerationService) updateRun(ctx context.Context, run *types.GenerationRun, updates map[string]interface{}) {
	if run == nil {
		return
	}
	if err := s.runs.UpdateFields(ctx, nil, run.ID, updates); err != nil {
		s.log.Warn("Generation run update failed", "run_id", run.ID, "error", err)
	}
}

func (s *courseGenerationService) finishRun(ctx context.Context, run *types.GenerationRun, status types.RunStatus, errMsg string) {
	now := time.Now()
	s.updateRun(ctx, run, map[string]interface{}{
		"status":      string(status),
		"stage":       "done",
		"progress":    100,
		"error":       errMsg,
		"finished_at": now,
	})
}

func (s *courseGenerationService) WaitForBackground() {
	s.background.Wait()
}

// --- on-demand generation ---

// GenerateModuleOnDemand regenerates one slot, or returns it untouched when
// it is already ready. Failed slots are retryable through here.
func (s *courseGenerationService) GenerateModuleOnDemand(ctx context.Context, courseID uuid.UUID, moduleIndex int) (*types.Module, error) {
	course, err := s.courses.GetByID(ctx, nil, courseID)
	if err != nil {
		return nil, err
	}
	if course == nil {
		return nil, ErrCourseNotFound
	}
	slots, err := course.DecodeSlots()
	if err != nil {
		return nil, err
	}
	if moduleIndex < 0 || moduleIndex >= len(slots) {
		return nil, fmt.Errorf("%w: index %d of %d modules", ErrModuleNotFound, moduleIndex, len(slots))
	}
	if slots[moduleIndex].State == types.SlotReady && slots[moduleIndex].Module != nil {
		return slots[moduleIndex].Module, nil
	}

	meta, err := course.DecodeMetadata()
	if err != nil {
		return nil, err
	}

	if err := s.generateModuleSlot(ctx, courseID, meta, moduleIndex); err != nil {
		return nil, err
	}

	// a retried module can flip an errored course back to usable
	if course.Status == string(types.StatusError) {
		if uErr := s.courses.UpdateFields(ctx, nil, courseID, map[string]interface{}{
			"status":        string(types.StatusReady),
			"error_message": "",
		}); uErr != nil {
			s.log.Warn("Status flip after retry failed", "course_id", courseID, "error", uErr)
		}
	}
	s.cache.Delete(ctx, redis.CourseKey(courseID.String()))

	refreshed, err := s.courses.GetByID(ctx, nil, courseID)
	if err != nil || refreshed == nil {
		return nil, fmt.Errorf("reload course after module generation: %w", err)
	}
	slots, err = refreshed.DecodeSlots()
	if err != nil {
		return nil, err
	}
	if slots[moduleIndex].Module == nil {
		return nil, fmt.Errorf("module slot %d empty after generation", moduleIndex)
	}
	return slots[moduleIndex].Module, nil
}

// --- reads ---

var (
	ErrCourseNotFound = fmt.Errorf("course not found")
	ErrModuleNotFound = fmt.Errorf("module not found")
	ErrRateLimited    = fmt.Errorf("rate limit exceeded")
)

func (s *courseGenerationService) GetCourse(ctx context.Context, courseID uuid.UUID) (*types.CourseView, error) {
	cacheKey := redis.CourseKey(courseID.String())
	if raw, ok := s.cache.Get(ctx, cacheKey); ok {
		var view types.CourseView
		if err := json.Unmarshal(raw, &view); err == nil {
			return &view, nil
		}
	}

	course, err := s.courses.GetByID(ctx, nil, courseID)
	if err != nil {
		return nil, err
	}
	if course == nil {
		return nil, ErrCourseNotFound
	}

	view, err := buildCourseView(course)
	if err != nil {
		return nil, err
	}

	// only settled courses are cacheable, generating ones change under us
	if view.Status == types.StatusReady {
		s.cache.Set(ctx, cacheKey, view, courseViewCacheTTL)
	}
	return view, nil
}

func buildCourseView(course *types.Course) (*types.CourseView, error) {
	meta, err := course.DecodeMetadata()
	if err != nil {
		return nil, err
	}
	slots, err := course.DecodeSlots()
	if err != nil {
		return nil, err
	}

	modules := make([]types.Module, 0, len(slots))
	for _, slot := range slots {
		if slot.State == types.SlotReady && slot.Module != nil {
			modules = append(modules, *slot.Module)
		}
	}

	var project *types.FinalProject
	if len(course.FinalProject) > 0 {
		var fp types.FinalProject
		if err := json.Unmarshal(course.FinalProject, &fp); err == nil && fp.Title != "" {
			project = &fp
		}
	}

	return &types.CourseView{
		CourseID:      course.ID.String(),
		Metadata:      meta,
		Modules:       modules,
		Introduction:  course.Introduction,
		Status:        types.CourseStatus(course.Status),
		ErrorMessage:  course.ErrorMessage,
		UserPrompt:    course.UserPrompt,
		UserLevel:     types.CourseLevel(course.UserLevel),
		UserInterests: course.DecodeInterests(),
		FinalProject:  project,
		Summary:       course.Summary,
		CreatedAt:     course.CreatedAt,
	}, nil
}

func (s *courseGenerationService) GetModule(ctx context.Context, courseID uuid.UUID, moduleID string) (*types.Module, types.SlotState, error) {
	course, err := s.courses.GetByID(ctx, nil, courseID)
	if err != nil {
		return nil, "", err
	}
	if course == nil {
		return nil, "", ErrCourseNotFound
	}
	slots, err := course.DecodeSlots()
	if err != nil {
		return nil, "", err
	}
	index := moduleIndexFromID(moduleID, len(slots))
	if index < 0 {
		return nil, "", ErrModuleNotFound
	}
	slot := slots[index]
	return slot.Module, slot.State, nil
}

// moduleIndexFromID inverts ModuleIDForIndex; -1 when the id does not name a
// slot of this course.
func moduleIndexFromID(moduleID string, total int) int {
	for i := 0; i < total; i++ {
		if types.ModuleIDForIndex(i) == moduleID {
			return i
		}
	}
	return -1
}

// --- audio ---

func (s *courseGenerationService) GenerateAudio(ctx context.Context, courseID uuid.UUID, moduleID, userID string, req types.GenerateAudioRequest) (*types.AudioResource, error) {
	if !s.speech.Enabled() || !s.bucket.Enabled() {
		return nil, fmt.Errorf("audio generation is not configured")
	}
	if userID == "" {
		userID = "anonymous"
	}
	if !s.cache.CheckRateLimit(ctx, userID, "generate_audio", audioRateLimit, audioRateWindow) {
		return nil, ErrRateLimited
	}

	course, err := s.courses.GetByID(ctx, nil, courseID)
	if err != nil {
		return nil, err
	}
	if course == nil {
		return nil, ErrCourseNotFound
	}
	slots, err := course.DecodeSlots()
	if err != nil {
		return nil, err
	}
	index := moduleIndexFromID(moduleID, len(slots))
	if index < 0 {
		return nil, ErrModuleNotFound
	}
	if slots[index].State != types.SlotReady {
		return nil, fmt.Errorf("module %s is not ready", moduleID)
	}

	language := req.Language
	if language == "" {
		language = "en"
	}

	audio, err := s.speech.Synthesize(ctx, req.Text, language)
	if err != nil {
		return nil, fmt.Errorf("synthesize audio: %w", err)
	}

	key := fmt.Sprintf("courses/%s/%s/audio_%d.mp3", courseID, moduleID, time.Now().UnixNano())
	if err := s.bucket.UploadFile(ctx, key, "audio/mpeg", bytes.NewReader(audio)); err != nil {
		return nil, fmt.Errorf("store audio: %w", err)
	}

	resource := types.AudioResource{
		OriginalText: req.Text,
		URL:          s.bucket.GetPublicURL(key),
		Language:     language,
		CreatedBy:    userID,
		CreatedAt:    time.Now(),
	}
	if err := s.courses.AppendModuleAudio(ctx, nil, courseID, index, resource); err != nil {
		return nil, fmt.Errorf("record audio resource: %w", err)
	}
	s.cache.Delete(ctx, redis.CourseKey(courseID.String()))
	return &resource, nil
}

// --- supervision and stats ---

func (s *courseGenerationService) GetGenerationRun(ctx context.Context, courseID uuid.UUID) (*types.GenerationRun, error) {
	run, err := s.runs.GetLatestByCourseID(ctx, nil, courseID)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, ErrCourseNotFound
	}
	return run, nil
}

func (s *courseGenerationService) GetStatistics(ctx context.Context) (map[string]any, error) {
	total, err := s.courses.Count(ctx, nil)
	if err != nil {
		return nil, err
	}
	stats := map[string]any{"total_courses": total}
	for _, status := range []types.CourseStatus{types.StatusReady, types.StatusGenerating, types.StatusError} {
		n, err := s.courses.CountByStatus(ctx, nil, status)
		if err != nil {
			return nil, err
		}
		stats[string(status)] = n
	}
	return stats, nil
}

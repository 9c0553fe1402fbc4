package services

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/NicoHurtado/p2c/internal/clients/redis"
	"github.com/NicoHurtado/p2c/internal/types"
)

// --- in-memory fakes ---

// memCourseRepo mimics the per-slot update discipline of the real repo: a
// slot write decodes, replaces one index and re-encodes under a lock, so
// concurrent writers to different indexes never lose each other's writes.
type memCourseRepo struct {
	mu       sync.Mutex
	courses  map[uuid.UUID]*types.Course
	creates  []datatypes.JSON // modules column snapshot at insert time
	appended []types.AudioResource
}

func newMemCourseRepo() *memCourseRepo {
	return &memCourseRepo{courses: map[uuid.UUID]*types.Course{}}
}

func (r *memCourseRepo) Create(_ context.Context, _ *gorm.DB, courses []*types.Course) ([]*types.Course, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range courses {
		cp := *c
		r.courses[c.ID] = &cp
		r.creates = append(r.creates, append(datatypes.JSON(nil), c.Modules...))
	}
	return courses, nil
}

func (r *memCourseRepo) GetByID(_ context.Context, _ *gorm.DB, id uuid.UUID) (*types.Course, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.courses[id]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (r *memCourseRepo) UpdateFields(_ context.Context, _ *gorm.DB, id uuid.UUID, updates map[string]interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.courses[id]
	if !ok {
		return fmt.Errorf("course %s not found", id)
	}
	for k, v := range updates {
		switch k {
		case "status":
			c.Status = v.(string)
		case "error_message":
			c.ErrorMessage = v.(string)
		case "introduction":
			c.Introduction = v.(string)
		case "summary":
			c.Summary = v.(string)
		case "final_project":
			c.FinalProject = v.(datatypes.JSON)
		}
	}
	return nil
}

func (r *memCourseRepo) SetModuleSlot(_ context.Context, _ *gorm.DB, id uuid.UUID, index int, slot types.ModuleSlot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.courses[id]
	if !ok {
		return fmt.Errorf("course %s not found", id)
	}
	var slots []types.ModuleSlot
	if err := json.Unmarshal(c.Modules, &slots); err != nil {
		return err
	}
	if index < 0 || index >= len(slots) {
		return fmt.Errorf("slot %d out of range", index)
	}
	slots[index] = slot
	raw, err := json.Marshal(slots)
	if err != nil {
		return err
	}
	c.Modules = raw
	return nil
}

func (r *memCourseRepo) AppendModuleAudio(_ context.Context, _ *gorm.DB, id uuid.UUID, index int, audio types.AudioResource) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.courses[id]
	if !ok {
		return fmt.Errorf("course %s not found", id)
	}
	var slots []types.ModuleSlot
	if err := json.Unmarshal(c.Modules, &slots); err != nil {
		return err
	}
	if slots[index].Module == nil {
		return fmt.Errorf("slot %d has no module", index)
	}
	slots[index].Module.Resources.Audios = append(slots[index].Module.Resources.Audios, audio)
	raw, err := json.Marshal(slots)
	if err != nil {
		return err
	}
	c.Modules = raw
	r.appended = append(r.appended, audio)
	return nil
}

func (r *memCourseRepo) Count(_ context.Context, _ *gorm.DB) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return int64(len(r.courses)), nil
}

func (r *memCourseRepo) CountByStatus(_ context.Context, _ *gorm.DB, status types.CourseStatus) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, c := range r.courses {
		if c.Status == string(status) {
			n++
		}
	}
	return n, nil
}

func (r *memCourseRepo) slots(t *testing.T, id uuid.UUID) []types.ModuleSlot {
	t.Helper()
	c, _ := r.GetByID(context.Background(), nil, id)
	if c == nil {
		t.Fatalf("course %s not found", id)
	}
	slots, err := c.DecodeSlots()
	if err != nil {
		t.Fatalf("decode slots: %v", err)
	}
	return slots
}

type memRunRepo struct {
	mu   sync.Mutex
	runs map[uuid.UUID]*types.GenerationRun
}

func newMemRunRepo() *memRunRepo {
	return &memRunRepo{runs: map[uuid.UUID]*types.GenerationRun{}}
}

func (r *memRunRepo) Create(_ context.Context, _ *gorm.DB, runs []*types.GenerationRun) ([]*types.GenerationRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, run := range runs {
		cp := *run
		r.runs[run.ID] = &cp
	}
	return runs, nil
}

func (r *memRunRepo) GetLatestByCourseID(_ context.Context, _ *gorm.DB, courseID uuid.UUID) (*types.GenerationRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var latest *types.GenerationRun
	for _, run := range r.runs {
		if run.CourseID != courseID {
			continue
		}
		if latest == nil || run.CreatedAt.After(latest.CreatedAt) {
			latest = run
		}
	}
	if latest == nil {
		return nil, nil
	}
	cp := *latest
	return &cp, nil
}

func (r *memRunRepo) UpdateFields(_ context.Context, _ *gorm.DB, id uuid.UUID, updates map[string]interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[id]
	if !ok {
		return fmt.Errorf("run %s not found", id)
	}
	for k, v := range updates {
		switch k {
		case "status":
			run.Status = v.(string)
		case "stage":
			run.Stage = v.(string)
		case "progress":
			run.Progress = v.(int)
		case "error":
			run.Error = v.(string)
		case "finished_at":
			t := v.(time.Time)
			run.FinishedAt = &t
		}
	}
	return nil
}

// fakeContent scripts module generation: per-index delays and failures.
type fakeContent struct {
	mu          sync.Mutex
	delays      map[int]time.Duration
	failIndexes map[int]bool
	moduleCalls int
}

func (f *fakeContent) GenerateMetadata(_ context.Context, prompt string, level types.CourseLevel, _ []string) types.CourseMetadata {
	return fallbackMetadata(prompt, level)
}

func (f *fakeContent) GenerateIntroduction(_ context.Context, _ types.CourseMetadata, _ string) (string, error) {
	return "welcome to the course", nil
}

func (f *fakeContent) GenerateModule(_ context.Context, meta types.CourseMetadata, index int, report func(int)) (*types.Module, error) {
	f.mu.Lock()
	f.moduleCalls++
	delay := f.delays[index]
	fail := f.failIndexes[index]
	f.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if fail {
		return nil, fmt.Errorf("scripted failure for module %d", index)
	}
	moduleID := types.ModuleIDForIndex(index)
	return &types.Module{
		ModuleID: moduleID,
		Title:    fmt.Sprintf("Generated %s", meta.ModuleList[index]),
		Concepts: []string{"a", "b"},
		Chunks: []types.ModuleChunk{
			types.NewModuleChunk("content", 1, 1, moduleID),
		},
		Resources: types.ModuleResources{Videos: []types.VideoResource{}, Audios: []types.AudioResource{}},
	}, nil
}

func (f *fakeContent) GenerateFinalProject(_ context.Context, _ types.CourseMetadata) (*types.FinalProject, error) {
	return &types.FinalProject{Title: "capstone", EstimatedHours: 4}, nil
}

func (f *fakeContent) GenerateCourseSummary(_ context.Context, _ types.CourseMetadata, _ []string) (string, error) {
	return "you made it", nil
}

func (f *fakeContent) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.moduleCalls
}

type fakeVideo struct{}

func (fakeVideo) SearchForModule(_ context.Context, _, _ string, _ []string) []types.VideoResource {
	return []types.VideoResource{{VideoID: "vid1", Title: "a video", URL: "https://www.youtube.com/watch?v=vid1"}}
}

func (fakeVideo) SearchForConcept(_ context.Context, _, concept string) *types.VideoResource {
	return &types.VideoResource{VideoID: "c-" + concept, Title: concept}
}

func (fakeVideo) Enabled() bool { return true }

type fakeSpeech struct{ enabled bool }

func (f fakeSpeech) Synthesize(_ context.Context, text, _ string) ([]byte, error) {
	return []byte("mp3:" + text), nil
}
func (f fakeSpeech) Enabled() bool { return f.enabled }

type fakeBucket struct {
	mu   sync.Mutex
	keys []string
}

func (f *fakeBucket) UploadFile(_ context.Context, key, _ string, _ io.Reader) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, key)
	return nil
}

func (f *fakeBucket) DeleteFile(_ context.Context, _ string) error { return nil }

func (f *fakeBucket) GetPublicURL(key string) string {
	return "https://cdn.test/" + key
}

func (f *fakeBucket) Enabled() bool { return true }

// --- fixtures ---

type fixture struct {
	repo    *memCourseRepo
	runs    *memRunRepo
	content *fakeContent
	svc     CourseGenerationService
}

func newFixture(content *fakeContent) *fixture {
	log := testLogger()
	repo := newMemCourseRepo()
	runs := newMemRunRepo()
	svc := NewCourseGenerationService(
		log, repo, runs, redis.NewCacheService(log),
		content, fakeVideo{}, fakeSpeech{enabled: true}, &fakeBucket{},
	)
	return &fixture{repo: repo, runs: runs, content: content, svc: svc}
}

func generateAndWait(t *testing.T, f *fixture) uuid.UUID {
	t.Helper()
	resp, err := f.svc.FastPathGenerate(context.Background(), types.GenerateCourseRequest{
		Prompt: "chess", Level: types.LevelBeginner,
	})
	if err != nil {
		t.Fatalf("FastPathGenerate: %v", err)
	}
	f.svc.WaitForBackground()
	id, err := uuid.Parse(resp.CourseID)
	if err != nil {
		t.Fatalf("course id %q: %v", resp.CourseID, err)
	}
	return id
}

// --- tests ---

func TestFastPathInsertsAllPendingSlots(t *testing.T) {
	f := newFixture(&fakeContent{})

	resp, err := f.svc.FastPathGenerate(context.Background(), types.GenerateCourseRequest{
		Prompt: "chess", Level: types.LevelBeginner,
	})
	if err != nil {
		t.Fatalf("FastPathGenerate: %v", err)
	}
	defer f.svc.WaitForBackground()

	if resp.Status != types.StatusGenerating || !resp.GenerationStarted {
		t.Fatalf("response = %+v", resp)
	}
	if len(resp.ModulesMetadata) != resp.Metadata.TotalModules {
		t.Fatalf("stubs = %d, total = %d", len(resp.ModulesMetadata), resp.Metadata.TotalModules)
	}
	if resp.ModulesMetadata[0].ModuleID != "module_1" {
		t.Fatalf("first stub id = %q", resp.ModulesMetadata[0].ModuleID)
	}
	for i, stub := range resp.ModulesMetadata {
		if stub.Description == "" || stub.Objective == "" || stub.TotalConcepts != stubConceptCount {
			t.Fatalf("stub %d incomplete: %+v", i, stub)
		}
	}

	// the inserted row must already carry one pending slot per module
	if len(f.repo.creates) != 1 {
		t.Fatalf("creates = %d", len(f.repo.creates))
	}
	var slots []types.ModuleSlot
	if err := json.Unmarshal(f.repo.creates[0], &slots); err != nil {
		t.Fatalf("decode insert snapshot: %v", err)
	}
	if len(slots) != resp.Metadata.TotalModules {
		t.Fatalf("inserted slots = %d", len(slots))
	}
	for i, slot := range slots {
		if slot.State != types.SlotPending || slot.Module != nil {
			t.Fatalf("slot %d not pending at insert: %+v", i, slot)
		}
	}
}

func TestBackgroundGenerationSlotIsolation(t *testing.T) {
	// staggered delays force slot writes to interleave
	content := &fakeContent{delays: map[int]time.Duration{
		0: 80 * time.Millisecond,
		1: 10 * time.Millisecond,
		2: 50 * time.Millisecond,
		3: 5 * time.Millisecond,
		4: 30 * time.Millisecond,
	}}
	f := newFixture(content)

	id := generateAndWait(t, f)

	slots := f.repo.slots(t, id)
	if len(slots) != 5 {
		t.Fatalf("slots = %d", len(slots))
	}
	for i, slot := range slots {
		if slot.State != types.SlotReady || slot.Module == nil {
			t.Fatalf("slot %d not ready: %+v", i, slot)
		}
		wantID := types.ModuleIDForIndex(i)
		if slot.Module.ModuleID != wantID {
			t.Fatalf("slot %d holds %q, want %q", i, slot.Module.ModuleID, wantID)
		}
		if len(slot.Module.Resources.Videos) != 1 {
			t.Fatalf("slot %d missing videos", i)
		}
	}

	course, _ := f.repo.GetByID(context.Background(), nil, id)
	if course.Status != string(types.StatusReady) {
		t.Fatalf("status = %q", course.Status)
	}
	if course.Introduction == "" || course.Summary == "" || len(course.FinalProject) == 0 {
		t.Fatalf("finalization missing: intro=%q summary=%q", course.Introduction, course.Summary)
	}

	run, err := f.runs.GetLatestByCourseID(context.Background(), nil, id)
	if err != nil || run == nil {
		t.Fatalf("run lookup: %v %v", run, err)
	}
	if run.Status != string(types.RunSucceeded) || run.FinishedAt == nil {
		t.Fatalf("run = %+v", run)
	}
}

func TestBackgroundPartialFailureStillReady(t *testing.T) {
	content := &fakeContent{failIndexes: map[int]bool{1: true, 3: true}}
	f := newFixture(content)

	id := generateAndWait(t, f)

	slots := f.repo.slots(t, id)
	ready, failed := 0, 0
	for _, slot := range slots {
		switch slot.State {
		case types.SlotReady:
			ready++
		case types.SlotFailed:
			failed++
			if slot.Error == "" {
				t.Fatalf("failed slot without reason: %+v", slot)
			}
		}
	}
	if ready != 3 || failed != 2 {
		t.Fatalf("ready=%d failed=%d", ready, failed)
	}

	course, _ := f.repo.GetByID(context.Background(), nil, id)
	if course.Status != string(types.StatusReady) {
		t.Fatalf("status = %q, want ready with partial modules", course.Status)
	}
}

func TestBackgroundAllFailed(t *testing.T) {
	content := &fakeContent{failIndexes: map[int]bool{0: true, 1: true, 2: true, 3: true, 4: true}}
	f := newFixture(content)

	id := generateAndWait(t, f)

	course, _ := f.repo.GetByID(context.Background(), nil, id)
	if course.Status != string(types.StatusError) {
		t.Fatalf("status = %q, want error", course.Status)
	}
	if course.ErrorMessage == "" {
		t.Fatal("error_message empty")
	}

	run, _ := f.runs.GetLatestByCourseID(context.Background(), nil, id)
	if run == nil || run.Status != string(types.RunFailed) {
		t.Fatalf("run = %+v", run)
	}
}

func TestGenerateModuleOnDemandIdempotent(t *testing.T) {
	f := newFixture(&fakeContent{})
	id := generateAndWait(t, f)

	before := f.content.calls()
	mod, err := f.svc.GenerateModuleOnDemand(context.Background(), id, 2)
	if err != nil {
		t.Fatalf("GenerateModuleOnDemand: %v", err)
	}
	if mod.ModuleID != "module_3" {
		t.Fatalf("module_id = %q", mod.ModuleID)
	}
	if f.content.calls() != before {
		t.Fatalf("ready slot regenerated: calls %d -> %d", before, f.content.calls())
	}
}

func TestGenerateModuleOnDemandRetriesFailedSlot(t *testing.T) {
	content := &fakeContent{failIndexes: map[int]bool{0: true, 1: true, 2: true, 3: true, 4: true}}
	f := newFixture(content)
	id := generateAndWait(t, f)

	// repair the provider, retry one slot
	content.mu.Lock()
	content.failIndexes = map[int]bool{}
	content.mu.Unlock()

	mod, err := f.svc.GenerateModuleOnDemand(context.Background(), id, 0)
	if err != nil {
		t.Fatalf("GenerateModuleOnDemand: %v", err)
	}
	if mod.ModuleID != "module_1" {
		t.Fatalf("module_id = %q", mod.ModuleID)
	}

	slots := f.repo.slots(t, id)
	if slots[0].State != types.SlotReady {
		t.Fatalf("slot 0 = %+v", slots[0])
	}
	course, _ := f.repo.GetByID(context.Background(), nil, id)
	if course.Status != string(types.StatusReady) {
		t.Fatalf("status = %q, want ready after retry", course.Status)
	}
}

func TestGetModuleStates(t *testing.T) {
	content := &fakeContent{failIndexes: map[int]bool{4: true}}
	f := newFixture(content)
	id := generateAndWait(t, f)

	mod, state, err := f.svc.GetModule(context.Background(), id, "module_1")
	if err != nil || state != types.SlotReady || mod == nil {
		t.Fatalf("ready module: %v %v %v", mod, state, err)
	}

	mod, state, err = f.svc.GetModule(context.Background(), id, "module_5")
	if err != nil || state != types.SlotFailed || mod != nil {
		t.Fatalf("failed module: %v %v %v", mod, state, err)
	}

	if _, _, err := f.svc.GetModule(context.Background(), id, "module_99"); err != ErrModuleNotFound {
		t.Fatalf("unknown module err = %v", err)
	}
	if _, _, err := f.svc.GetModule(context.Background(), uuid.New(), "module_1"); err != ErrCourseNotFound {
		t.Fatalf("unknown course err = %v", err)
	}
}

func TestGetCourseViewSkipsUnreadySlots(t *testing.T) {
	content := &fakeContent{failIndexes: map[int]bool{1: true}}
	f := newFixture(content)
	id := generateAndWait(t, f)

	view, err := f.svc.GetCourse(context.Background(), id)
	if err != nil {
		t.Fatalf("GetCourse: %v", err)
	}
	if len(view.Modules) != 4 {
		t.Fatalf("view modules = %d, want 4", len(view.Modules))
	}
	for _, m := range view.Modules {
		if m.ModuleID == "module_2" {
			t.Fatal("failed slot leaked into view")
		}
	}
	if view.Status != types.StatusReady || view.FinalProject == nil {
		t.Fatalf("view = status %q, final project %v", view.Status, view.FinalProject)
	}

	if _, err := f.svc.GetCourse(context.Background(), uuid.New()); err != ErrCourseNotFound {
		t.Fatalf("unknown course err = %v", err)
	}
}

func TestGenerateAudioAppendsResource(t *testing.T) {
	f := newFixture(&fakeContent{})
	id := generateAndWait(t, f)

	audio, err := f.svc.GenerateAudio(context.Background(), id, "module_1", "user-1", types.GenerateAudioRequest{
		Text: "read this aloud",
	})
	if err != nil {
		t.Fatalf("GenerateAudio: %v", err)
	}
	if audio.URL == "" || !strings.Contains(audio.URL, "module_1") {
		t.Fatalf("audio url = %q", audio.URL)
	}
	if audio.Language != "en" || audio.CreatedBy != "user-1" {
		t.Fatalf("audio = %+v", audio)
	}

	slots := f.repo.slots(t, id)
	if len(slots[0].Module.Resources.Audios) != 1 {
		t.Fatalf("audios = %d", len(slots[0].Module.Resources.Audios))
	}
}

func TestGetStatistics(t *testing.T) {
	f := newFixture(&fakeContent{})
	generateAndWait(t, f)

	stats, err := f.svc.GetStatistics(context.Background())
	if err != nil {
		t.Fatalf("GetStatistics: %v", err)
	}
	if stats["total_courses"].(int64) != 1 || stats["ready"].(int64) != 1 {
		t.Fatalf("stats = %v", stats)
	}
}

func TestStreamProgressTerminatesOnCompletion(t *testing.T) {
	t.Setenv("PROGRESS_POLL_MS", "25")

	content := &fakeContent{delays: map[int]time.Duration{
		0: 40 * time.Millisecond,
		1: 60 * time.Millisecond,
		2: 80 * time.Millisecond,
		3: 90 * time.Millisecond,
		4: 100 * time.Millisecond,
	}}
	f := newFixture(content)

	resp, err := f.svc.FastPathGenerate(context.Background(), types.GenerateCourseRequest{
		Prompt: "chess", Level: types.LevelBeginner,
	})
	if err != nil {
		t.Fatalf("FastPathGenerate: %v", err)
	}
	id := uuid.MustParse(resp.CourseID)

	progress := NewProgressService(testLogger(), f.repo, redis.NewCacheService(testLogger()))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	events, err := progress.StreamProgress(ctx, id)
	if err != nil {
		t.Fatalf("StreamProgress: %v", err)
	}

	var got []types.StreamEvent
	for ev := range events {
		got = append(got, ev)
	}
	f.svc.WaitForBackground()

	if len(got) < 2 {
		t.Fatalf("events = %+v", got)
	}
	if got[0].EventType != types.EventCourseStarted {
		t.Fatalf("first event = %q", got[0].EventType)
	}
	last := got[len(got)-1]
	if last.EventType != types.EventCourseComplete {
		t.Fatalf("last event = %q", last.EventType)
	}
	readyEvents := 0
	for _, ev := range got {
		if ev.EventType == types.EventModuleReady {
			readyEvents++
		}
	}
	if readyEvents != 5 {
		t.Fatalf("module_ready events = %d, want 5", readyEvents)
	}
}

func TestStreamProgressOnAlreadyReadyCourse(t *testing.T) {
	t.Setenv("PROGRESS_POLL_MS", "25")

	f := newFixture(&fakeContent{})
	id := generateAndWait(t, f)

	progress := NewProgressService(testLogger(), f.repo, redis.NewCacheService(testLogger()))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	events, err := progress.StreamProgress(ctx, id)
	if err != nil {
		t.Fatalf("StreamProgress: %v", err)
	}

	var got []types.StreamEvent
	for ev := range events {
		got = append(got, ev)
	}

	// settled course terminates on the first cycle: started, 5 ready, complete
	if len(got) != 7 {
		t.Fatalf("events = %d: %+v", len(got), got)
	}
	if got[0].EventType != types.EventCourseStarted || got[6].EventType != types.EventCourseComplete {
		t.Fatalf("events = %+v", got)
	}
	for i, ev := range got[1:6] {
		if ev.EventType != types.EventModuleReady {
			t.Fatalf("event %d = %q, want module_ready", i+1, ev.EventType)
		}
		if ev.Data["progress"] != 100 {
			t.Fatalf("event %d progress = %v, want 100", i+1, ev.Data["progress"])
		}
		if ev.Data["completed_modules"] != i+1 {
			t.Fatalf("event %d completed_modules = %v, want %d", i+1, ev.Data["completed_modules"], i+1)
		}
		if ev.Data["total_modules"] != 5 {
			t.Fatalf("event %d total_modules = %v, want 5", i+1, ev.Data["total_modules"])
		}
		title, _ := ev.Data["title"].(string)
		if title == "" {
			t.Fatalf("event %d has no title: %+v", i+1, ev.Data)
		}
	}
}

func TestStreamProgressTitleFallsBackToModuleList(t *testing.T) {
	t.Setenv("PROGRESS_POLL_MS", "25")

	f := newFixture(&fakeContent{})
	meta := fallbackMetadata("chess", types.LevelBeginner)
	metaJSON, _ := json.Marshal(meta)
	slots := types.PendingSlots(meta.TotalModules)
	slots[0].State = types.SlotReady
	slotsJSON, _ := json.Marshal(slots)
	course := &types.Course{
		ID:       uuid.New(),
		Metadata: datatypes.JSON(metaJSON),
		Modules:  datatypes.JSON(slotsJSON),
		Status:   string(types.StatusReady),
	}
	if _, err := f.repo.Create(context.Background(), nil, []*types.Course{course}); err != nil {
		t.Fatalf("create: %v", err)
	}

	progress := NewProgressService(testLogger(), f.repo, redis.NewCacheService(testLogger()))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	events, err := progress.StreamProgress(ctx, course.ID)
	if err != nil {
		t.Fatalf("StreamProgress: %v", err)
	}

	var ready *types.StreamEvent
	for ev := range events {
		if ev.EventType == types.EventModuleReady {
			e := ev
			ready = &e
			break
		}
	}
	if ready == nil {
		t.Fatal("no module_ready event")
	}
	if ready.Data["title"] != meta.ModuleList[0] {
		t.Fatalf("title = %v, want %q", ready.Data["title"], meta.ModuleList[0])
	}
}

func TestStreamProgressStopsOnCancel(t *testing.T) {
	t.Setenv("PROGRESS_POLL_MS", "25")

	// course that never settles
	f := newFixture(&fakeContent{})
	meta := fallbackMetadata("chess", types.LevelBeginner)
	metaJSON, _ := json.Marshal(meta)
	slotsJSON, _ := json.Marshal(types.PendingSlots(meta.TotalModules))
	course := &types.Course{
		ID:       uuid.New(),
		Metadata: datatypes.JSON(metaJSON),
		Modules:  datatypes.JSON(slotsJSON),
		Status:   string(types.StatusGenerating),
	}
	if _, err := f.repo.Create(context.Background(), nil, []*types.Course{course}); err != nil {
		t.Fatalf("create: %v", err)
	}

	progress := NewProgressService(testLogger(), f.repo, redis.NewCacheService(testLogger()))
	ctx, cancel := context.WithCancel(context.Background())

	events, err := progress.StreamProgress(ctx, course.ID)
	if err != nil {
		t.Fatalf("StreamProgress: %v", err)
	}

	<-events // course_started
	cancel()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, open := <-events:
			if !open {
				return
			}
		case <-deadline:
			t.Fatal("stream did not close after cancel")
		}
	}
}

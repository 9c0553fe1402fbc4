package services

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/NicoHurtado/p2c/internal/clients/redis"
	"github.com/NicoHurtado/p2c/internal/logger"
	"github.com/NicoHurtado/p2c/internal/types"
)

func testLogger() *logger.Logger {
	return &logger.Logger{SugaredLogger: zap.NewNop().Sugar()}
}

// scriptedAI returns queued responses in order and records every prompt.
type scriptedAI struct {
	mu        sync.Mutex
	responses []string
	errs      []error
	prompts   []string
}

func (s *scriptedAI) Complete(_ context.Context, prompt string, _ int) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prompts = append(s.prompts, prompt)
	i := len(s.prompts) - 1
	if i < len(s.errs) && s.errs[i] != nil {
		return "", s.errs[i]
	}
	if i < len(s.responses) {
		return s.responses[i], nil
	}
	return "", fmt.Errorf("no scripted response for call %d", i)
}

func (s *scriptedAI) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.prompts)
}

func newContentService(ai AIClient) ContentService {
	log := testLogger()
	return NewContentService(log, ai, redis.NewCacheService(log))
}

func TestGenerateMetadataFallbackOnGarbage(t *testing.T) {
	ai := &scriptedAI{responses: []string{"I'm sorry, I can't answer in the requested format today."}}
	svc := newContentService(ai)

	meta := svc.GenerateMetadata(context.Background(), "quantum computing", types.LevelBeginner, nil)

	if meta.TotalModules != 5 || len(meta.ModuleList) != 5 {
		t.Fatalf("fallback modules = %d/%d, want 5/5", meta.TotalModules, len(meta.ModuleList))
	}
	if meta.Level != types.LevelBeginner {
		t.Fatalf("level = %q", meta.Level)
	}
	if !strings.Contains(meta.Title, "quantum computing") {
		t.Fatalf("title %q missing topic", meta.Title)
	}

	// the fallback is deterministic for a given prompt and level
	again := fallbackMetadata("quantum computing", types.LevelBeginner)
	if meta.Title != again.Title || meta.ModuleList[0] != again.ModuleList[0] {
		t.Fatalf("fallback not deterministic: %+v vs %+v", meta, again)
	}
}

func TestGenerateMetadataFallbackOnError(t *testing.T) {
	ai := &scriptedAI{errs: []error{fmt.Errorf("boom")}}
	svc := newContentService(ai)

	meta := svc.GenerateMetadata(context.Background(), "kubernetes", types.LevelAdvanced, []string{"devops"})
	if meta.TotalModules == 0 {
		t.Fatal("expected fallback metadata, got empty")
	}
}

func TestGenerateMetadataModuleListWins(t *testing.T) {
	ai := &scriptedAI{responses: []string{`{
		"title": "Intro to Chess",
		"description": "A chess course.",
		"level": "beginner",
		"estimated_duration": 8,
		"prerequisites": [],
		"total_modules": 7,
		"module_list": ["Module 1: Rules", "Module 2: Tactics", "Module 3: Openings", "Module 4: Endgames"],
		"topics": ["chess"],
		"total_size": "8 hours"
	}`}}
	svc := newContentService(ai)

	meta := svc.GenerateMetadata(context.Background(), "chess", types.LevelBeginner, nil)
	if meta.TotalModules != 4 {
		t.Fatalf("total_modules = %d, want 4 (length of module_list)", meta.TotalModules)
	}
}

func TestGenerateModuleAssemblesChunks(t *testing.T) {
	structure := `{
		"title": "Tactics",
		"description": "Forks, pins and skewers.",
		"objective": "Spot basic tactical patterns.",
		"concepts": ["Forks", "Pins", "Skewers"],
		"quiz": [
			{"question": "What is a fork?", "options": ["A double attack", "A pawn move", "A draw", "An opening"], "correct_answer": 0, "explanation": "One piece attacks two targets."}
		],
		"summary": "You learned the three basic tactical motifs.",
		"practical_exercise": {"title": "Tactics drill", "description": "Solve puzzles.", "objectives": ["Pattern recognition"], "steps": ["Solve 10 puzzles"]}
	}`
	batch := "Forks content here." + "\n" + conceptSeparator + "\n" + "Pins content here." + "\n" + conceptSeparator + "\n" + "Skewers content here."

	ai := &scriptedAI{responses: []string{structure, batch}}
	svc := newContentService(ai)

	meta := fallbackMetadata("chess", types.LevelBeginner)
	mod, err := svc.GenerateModule(context.Background(), meta, 1, nil)
	if err != nil {
		t.Fatalf("GenerateModule: %v", err)
	}

	if mod.ModuleID != "module_2" {
		t.Fatalf("module_id = %q, want module_2", mod.ModuleID)
	}
	// 3 concept chunks + quiz chunk + summary chunk
	if len(mod.Chunks) != 5 {
		t.Fatalf("chunks = %d, want 5", len(mod.Chunks))
	}
	for i, ch := range mod.Chunks {
		wantID := fmt.Sprintf("module_2_chunk_%d", i+1)
		if ch.ChunkID != wantID {
			t.Fatalf("chunk %d id = %q, want %q", i, ch.ChunkID, wantID)
		}
		if ch.TotalChunks != 5 || ch.Checksum == "" {
			t.Fatalf("chunk %d malformed: %+v", i, ch)
		}
	}
	if mod.Chunks[0].Content != "Forks content here." {
		t.Fatalf("first chunk content = %q", mod.Chunks[0].Content)
	}
	if !strings.Contains(mod.Chunks[3].Content, "What is a fork?") {
		t.Fatalf("quiz chunk missing question: %q", mod.Chunks[3].Content)
	}
	if mod.Chunks[4].Content != mod.Summary {
		t.Fatalf("summary chunk = %q", mod.Chunks[4].Content)
	}
	if ai.calls() != 2 {
		t.Fatalf("ai calls = %d, want 2 (structure + one batch)", ai.calls())
	}
}

func TestGenerateModuleReportsProgressBetweenPhases(t *testing.T) {
	structure := `{
		"title": "Tactics",
		"description": "Forks, pins and skewers.",
		"objective": "Spot basic tactical patterns.",
		"concepts": ["Forks"],
		"quiz": [{"question": "What is a fork?", "options": ["A double attack", "A pawn move"], "correct_answer": 0, "explanation": "One piece attacks two targets."}],
		"summary": "Tactics.",
		"practical_exercise": {"title": "Drill", "description": "Solve puzzles.", "objectives": ["Patterns"], "steps": ["Solve"]}
	}`
	ai := &scriptedAI{responses: []string{structure, "Forks content here."}}
	svc := newContentService(ai)

	// record how many model calls had happened at each report
	type checkpoint struct{ progress, calls int }
	var reports []checkpoint
	meta := fallbackMetadata("chess", types.LevelBeginner)
	_, err := svc.GenerateModule(context.Background(), meta, 0, func(p int) {
		reports = append(reports, checkpoint{p, ai.calls()})
	})
	if err != nil {
		t.Fatalf("GenerateModule: %v", err)
	}

	if len(reports) == 0 {
		t.Fatal("no progress reported")
	}
	if reports[0].progress != 30 {
		t.Fatalf("first report = %d, want 30", reports[0].progress)
	}
	if reports[0].calls != 1 {
		t.Fatalf("30 reported after %d model calls, want 1 (structure done, content not started)", reports[0].calls)
	}
}

func TestGenerateModuleBackfillsMissingConcepts(t *testing.T) {
	structure := `{
		"title": "Openings",
		"description": "First moves.",
		"objective": "Play a sound opening.",
		"concepts": ["Development", "Center control", "King safety"],
		"quiz": [{"question": "Why develop pieces?", "options": ["Activity", "Style"], "correct_answer": 0, "explanation": "Active pieces."}],
		"summary": "Opening principles.",
		"practical_exercise": {"title": "Play", "description": "Play a game.", "objectives": ["Practice"], "steps": ["Play"]}
	}`
	// batch came back with only one section
	ai := &scriptedAI{responses: []string{structure, "Development content only."}}
	svc := newContentService(ai)

	meta := fallbackMetadata("chess", types.LevelBeginner)
	mod, err := svc.GenerateModule(context.Background(), meta, 0, nil)
	if err != nil {
		t.Fatalf("GenerateModule: %v", err)
	}
	if mod.Chunks[0].Content != "Development content only." {
		t.Fatalf("first chunk = %q", mod.Chunks[0].Content)
	}
	for i := 1; i <= 2; i++ {
		if !strings.Contains(mod.Chunks[i].Content, mod.Concepts[i]) {
			t.Fatalf("backfilled chunk %d does not mention its concept: %q", i, mod.Chunks[i].Content)
		}
	}
}

func TestGenerateModuleStructureFallback(t *testing.T) {
	// structure unparseable, batch succeeds for the fallback's three concepts
	batch := "A." + conceptSeparator + "B." + conceptSeparator + "C."
	ai := &scriptedAI{responses: []string{"no json at all", batch}}
	svc := newContentService(ai)

	meta := fallbackMetadata("chess", types.LevelBeginner)
	mod, err := svc.GenerateModule(context.Background(), meta, 2, nil)
	if err != nil {
		t.Fatalf("GenerateModule: %v", err)
	}
	if len(mod.Concepts) != 3 || len(mod.Quiz) != 1 {
		t.Fatalf("fallback structure: %d concepts, %d quiz", len(mod.Concepts), len(mod.Quiz))
	}
	if mod.ModuleID != "module_3" {
		t.Fatalf("module_id = %q", mod.ModuleID)
	}
}

func TestGenerateModuleFailsOnTransportError(t *testing.T) {
	ai := &scriptedAI{errs: []error{fmt.Errorf("connection refused")}}
	svc := newContentService(ai)

	meta := fallbackMetadata("chess", types.LevelBeginner)
	if _, err := svc.GenerateModule(context.Background(), meta, 0, nil); err == nil {
		t.Fatal("expected error on transport failure")
	}
}

package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/NicoHurtado/p2c/internal/clients/redis"
	"github.com/NicoHurtado/p2c/internal/logger"
	"github.com/NicoHurtado/p2c/internal/types"
)

// conceptSeparator splits the single batched completion back into per-concept
// sections. The token is unusual enough that course text never contains it.
const conceptSeparator = "---CONCEPT_BREAK---"

const metadataCacheTTL = 24 * time.Hour

// ContentService produces all model-generated course text. Metadata never
// fails (deterministic fallback); module generation fails only on transport
// errors, never on malformed output.
type ContentService interface {
	GenerateMetadata(ctx context.Context, prompt string, level types.CourseLevel, interests []string) types.CourseMetadata
	GenerateIntroduction(ctx context.Context, meta types.CourseMetadata, prompt string) (string, error)
	// GenerateModule builds one module's full content. report, when non-nil,
	// receives a 0-100 progress value as each generation phase completes.
	GenerateModule(ctx context.Context, meta types.CourseMetadata, index int, report func(progress int)) (*types.Module, error)
	GenerateFinalProject(ctx context.Context, meta types.CourseMetadata) (*types.FinalProject, error)
	GenerateCourseSummary(ctx context.Context, meta types.CourseMetadata, moduleTitles []string) (string, error)
}

type contentService struct {
	log   *logger.Logger
	ai    AIClient
	cache redis.CacheService
}

func NewContentService(log *logger.Logger, ai AIClient, cache redis.CacheService) ContentService {
	return &contentService{
		log:   log.With("service", "ContentService"),
		ai:    ai,
		cache: cache,
	}
}

// --- metadata ---

func (s *contentService) GenerateMetadata(ctx context.Context, prompt string, level types.CourseLevel, interests []string) types.CourseMetadata {
	cacheKey := redis.MetadataFingerprint(prompt, level, interests)
	if raw, ok := s.cache.Get(ctx, cacheKey); ok {
		var meta types.CourseMetadata
		if err := json.Unmarshal(raw, &meta); err == nil && meta.TotalModules > 0 {
			s.log.Info("Metadata cache hit", "key", cacheKey)
			return meta
		}
	}

	text, err := s.ai.Complete(ctx, metadataPrompt(prompt, level, interests), 2000)
	if err != nil {
		s.log.Warn("Metadata generation failed, using fallback", "error", err)
		return fallbackMetadata(prompt, level)
	}

	var meta types.CourseMetadata
	if err := DecodeModelJSON(text, &meta); err != nil {
		s.log.Warn("Metadata output unparseable, using fallback", "error", err)
		return fallbackMetadata(prompt, level)
	}
	normalizeMetadata(&meta, prompt, level)

	s.cache.Set(ctx, cacheKey, meta, metadataCacheTTL)
	return meta
}

func metadataPrompt(prompt string, level types.CourseLevel, interests []string) string {
	var b strings.Builder
	b.WriteString("You are an expert course designer. Create the metadata for a complete course.\n\n")
	fmt.Fprintf(&b, "Topic requested by the student: %s\n", prompt)
	fmt.Fprintf(&b, "Student level: %s\n", level)
	if len(interests) > 0 {
		fmt.Fprintf(&b, "Student interests (use them to pick examples): %s\n", strings.Join(interests, ", "))
	}
	b.WriteString(`
Respond with ONLY a JSON object, no prose, with exactly these fields:
{
  "title": "course title",
  "description": "2-3 sentence course description",
  "level": "` + string(level) + `",
  "estimated_duration": <total hours as integer>,
  "prerequisites": ["..."],
  "total_modules": <integer between 4 and 8>,
  "module_list": ["Module 1: ...", "Module 2: ..."],
  "topics": ["..."],
  "total_size": "e.g. 12 hours"
}
module_list must contain exactly total_modules entries, ordered from fundamentals to advanced practice.`)
	return b.String()
}

// fallbackMetadata keeps the fast path responsive when the model is down.
// Deterministic for a given prompt and level.
func fallbackMetadata(prompt string, level types.CourseLevel) types.CourseMetadata {
	topic := strings.TrimSpace(prompt)
	if topic == "" {
		topic = "the requested topic"
	}
	moduleList := []string{
		fmt.Sprintf("Module 1: Introduction to %s", topic),
		fmt.Sprintf("Module 2: Core Concepts of %s", topic),
		fmt.Sprintf("Module 3: Working with %s in Practice", topic),
		fmt.Sprintf("Module 4: Advanced Topics in %s", topic),
		fmt.Sprintf("Module 5: Real World Applications of %s", topic),
	}
	return types.CourseMetadata{
		Title:             fmt.Sprintf("Course: %s", topic),
		Description:       fmt.Sprintf("A structured %s-level course about %s, from fundamentals to applied practice.", level, topic),
		Level:             level,
		EstimatedDuration: 10,
		Prerequisites:     []string{},
		TotalModules:      len(moduleList),
		ModuleList:        moduleList,
		Topics:            []string{topic},
		TotalSize:         "10 hours",
	}
}

// normalizeMetadata enforces the invariants downstream code relies on:
// module_list is authoritative for the module count, level is always valid.
func normalizeMetadata(meta *types.CourseMetadata, prompt string, level types.CourseLevel) {
	if !meta.Level.Valid() {
		meta.Level = level
	}
	if len(meta.ModuleList) == 0 {
		fb := fallbackMetadata(prompt, level)
		meta.ModuleList = fb.ModuleList
	}
	meta.TotalModules = len(meta.ModuleList)
	if meta.Title == "" {
		meta.Title = fmt.Sprintf("Course: %s", strings.TrimSpace(prompt))
	}
	if meta.EstimatedDuration <= 0 {
		meta.EstimatedDuration = 2 * meta.TotalModules
	}
	if meta.TotalSize == "" {
		meta.TotalSize = fmt.Sprintf("%d hours", meta.EstimatedDuration)
	}
	if meta.Prerequisites == nil {
		meta.Prerequisites = []string{}
	}
	if meta.Topics == nil {
		meta.Topics = []string{}
	}
}

// --- introduction ---

func (s *contentService) GenerateIntroduction(ctx context.Context, meta types.CourseMetadata, prompt string) (string, error) {
	p := fmt.Sprintf(`Write a warm, motivating introduction for the course %q (%s level).
Course description: %s
The student asked for: %s

Write 2-3 paragraphs in plain text. Explain what the student will learn and why it matters. No JSON, no headings.`,
		meta.Title, meta.Level, meta.Description, prompt)

	text, err := s.ai.Complete(ctx, p, 1500)
	if err != nil {
		return "", fmt.Errorf("generate introduction: %w", err)
	}
	return strings.TrimSpace(text), nil
}

// --- modules ---

// moduleStructure is phase one of module generation: the skeleton a single
// completion fills in before any long-form content is requested.
type moduleStructure struct {
	Title             string                  `json:"title"`
	Description       string                  `json:"description"`
	Objective         string                  `json:"objective"`
	Concepts          []string                `json:"concepts"`
	Quiz              []types.QuizQuestion    `json:"quiz"`
	Summary           string                  `json:"summary"`
	PracticalExercise types.PracticalExercise `json:"practical_exercise"`
}

func (s *contentService) GenerateModule(ctx context.Context, meta types.CourseMetadata, index int, report func(progress int)) (*types.Module, error) {
	if index < 0 || index >= len(meta.ModuleList) {
		return nil, fmt.Errorf("module index %d out of range for %d modules", index, len(meta.ModuleList))
	}
	if report == nil {
		report = func(int) {}
	}
	moduleID := types.ModuleIDForIndex(index)
	moduleName := meta.ModuleList[index]

	structure, err := s.generateStructure(ctx, meta, index, moduleName)
	if err != nil {
		return nil, err
	}
	report(30)

	contents, err := s.generateConceptContents(ctx, meta, structure)
	if err != nil {
		return nil, err
	}

	// one chunk per concept, then quiz, then summary
	total := len(structure.Concepts) + 2
	chunks := make([]types.ModuleChunk, 0, total)
	for i, content := range contents {
		chunks = append(chunks, types.NewModuleChunk(content, i+1, total, moduleID))
	}
	chunks = append(chunks, types.NewModuleChunk(renderQuiz(structure.Quiz), len(structure.Concepts)+1, total, moduleID))
	chunks = append(chunks, types.NewModuleChunk(structure.Summary, total, total, moduleID))

	return &types.Module{
		ModuleID:          moduleID,
		Title:             structure.Title,
		Description:       structure.Description,
		Objective:         structure.Objective,
		Concepts:          structure.Concepts,
		Chunks:            chunks,
		Quiz:              structure.Quiz,
		Summary:           structure.Summary,
		PracticalExercise: structure.PracticalExercise,
		Resources: types.ModuleResources{
			Videos: []types.VideoResource{},
			Audios: []types.AudioResource{},
		},
	}, nil
}

func (s *contentService) generateStructure(ctx context.Context, meta types.CourseMetadata, index int, moduleName string) (*moduleStructure, error) {
	p := fmt.Sprintf(`You are designing module %d of the course %q (%s level).
Module name: %s
Course topics: %s

Respond with ONLY a JSON object:
{
  "title": "module title",
  "description": "2 sentence module description",
  "objective": "what the student can do after this module",
  "concepts": ["3 to 6 concept names, ordered"],
  "quiz": [
    {"question": "...", "options": ["a", "b", "c", "d"], "correct_answer": <0-3>, "explanation": "..."}
  ],
  "summary": "one paragraph module summary",
  "practical_exercise": {
    "title": "...",
    "description": "...",
    "objectives": ["..."],
    "steps": ["..."]
  }
}
quiz must contain 3 to 5 questions covering the concepts.`,
		index+1, meta.Title, meta.Level, moduleName, strings.Join(meta.Topics, ", "))

	text, err := s.ai.Complete(ctx, p, 3000)
	if err != nil {
		return nil, fmt.Errorf("generate module structure: %w", err)
	}

	var structure moduleStructure
	if err := DecodeModelJSON(text, &structure); err != nil {
		s.log.Warn("Module structure unparseable, using fallback", "module", moduleName, "error", err)
		fb := fallbackStructure(moduleName, meta.Level)
		return &fb, nil
	}
	normalizeStructure(&structure, moduleName, meta.Level)
	return &structure, nil
}

func fallbackStructure(moduleName string, level types.CourseLevel) moduleStructure {
	name := strings.TrimSpace(moduleName)
	if name == "" {
		name = "This Module"
	}
	return moduleStructure{
		Title:       name,
		Description: fmt.Sprintf("This module covers %s at a %s level.", name, level),
		Objective:   fmt.Sprintf("Understand and apply the main ideas of %s.", name),
		Concepts: []string{
			fmt.Sprintf("Fundamentals of %s", name),
			fmt.Sprintf("Key techniques in %s", name),
			fmt.Sprintf("Applying %s", name),
		},
		Quiz: []types.QuizQuestion{
			{
				Question:      fmt.Sprintf("What is the main goal of %s?", name),
				Options:       []string{"Understanding the fundamentals", "Memorizing definitions", "Skipping ahead", "None of the above"},
				CorrectAnswer: 0,
				Explanation:   "Every module starts from its fundamentals before moving to applications.",
			},
		},
		Summary: fmt.Sprintf("In this module you worked through the fundamentals, key techniques and applications of %s.", name),
		PracticalExercise: types.PracticalExercise{
			Title:       fmt.Sprintf("Hands-on practice: %s", name),
			Description: fmt.Sprintf("Apply what you learned in %s to a small self-contained exercise.", name),
			Objectives:  []string{"Consolidate the module concepts through practice"},
			Steps:       []string{"Review the module concepts", "Work through a small example on your own", "Compare your result with the module content"},
		},
	}
}

func normalizeStructure(st *moduleStructure, moduleName string, level types.CourseLevel) {
	fb := fallbackStructure(moduleName, level)
	if st.Title == "" {
		st.Title = fb.Title
	}
	if st.Description == "" {
		st.Description = fb.Description
	}
	if st.Objective == "" {
		st.Objective = fb.Objective
	}
	if len(st.Concepts) == 0 {
		st.Concepts = fb.Concepts
	}
	if len(st.Quiz) == 0 {
		st.Quiz = fb.Quiz
	}
	for i := range st.Quiz {
		q := &st.Quiz[i]
		if q.CorrectAnswer < 0 || q.CorrectAnswer >= len(q.Options) {
			q.CorrectAnswer = 0
		}
	}
	if st.Summary == "" {
		st.Summary = fb.Summary
	}
	if st.PracticalExercise.Title == "" {
		st.PracticalExercise = fb.PracticalExercise
	}
}

// generateConceptContents requests every concept's long-form content in a
// single batched completion and splits it on the separator token. Missing or
// empty sections are backfilled per concept so a ragged response never sinks
// the whole module.
func (s *contentService) generateConceptContents(ctx context.Context, meta types.CourseMetadata, st *moduleStructure) ([]string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Write the teaching content for the module %q of the course %q (%s level).\n", st.Title, meta.Title, meta.Level)
	b.WriteString("Cover each concept below in order. For every concept write 300-500 words of clear teaching text with at least one concrete example.\n\n")
	for i, c := range st.Concepts {
		fmt.Fprintf(&b, "%d. %s\n", i+1, c)
	}
	fmt.Fprintf(&b, "\nSeparate the sections with the exact line %s on its own line. Output only the sections and separators, nothing else.", conceptSeparator)

	text, err := s.ai.Complete(ctx, b.String(), 8000)
	if err != nil {
		return nil, fmt.Errorf("generate concept contents: %w", err)
	}

	parts := strings.Split(text, conceptSeparator)
	contents := make([]string, len(st.Concepts))
	for i := range contents {
		if i < len(parts) {
			contents[i] = strings.TrimSpace(parts[i])
		}
		if contents[i] == "" {
			s.log.Warn("Concept content missing in batch, backfilling", "module", st.Title, "concept", st.Concepts[i])
			contents[i] = fallbackConceptContent(st.Concepts[i], st.Title)
		}
	}
	return contents, nil
}

func fallbackConceptContent(concept, moduleTitle string) string {
	return fmt.Sprintf(
		"## %s\n\nThis section of %q covers %s. Start by reviewing the concept definition, then study a worked example, and finish by trying a variation of the example yourself. Revisit this section once automatic content generation recovers for a fuller treatment.",
		concept, moduleTitle, concept)
}

func renderQuiz(quiz []types.QuizQuestion) string {
	var b strings.Builder
	b.WriteString("## Module Quiz\n")
	for i, q := range quiz {
		fmt.Fprintf(&b, "\n%d. %s\n", i+1, q.Question)
		for j, opt := range q.Options {
			fmt.Fprintf(&b, "   %c) %s\n", 'a'+j, opt)
		}
	}
	return b.String()
}

// --- final project and summary ---

func (s *contentService) GenerateFinalProject(ctx context.Context, meta types.CourseMetadata) (*types.FinalProject, error) {
	p := fmt.Sprintf(`Design the capstone project for the course %q (%s level).
Course topics: %s

Respond with ONLY a JSON object:
{
  "title": "...",
  "description": "...",
  "objectives": ["..."],
  "requirements": ["..."],
  "deliverables": ["..."],
  "evaluation_criteria": ["..."],
  "estimated_hours": <integer>
}`,
		meta.Title, meta.Level, strings.Join(meta.Topics, ", "))

	text, err := s.ai.Complete(ctx, p, 2000)
	if err != nil {
		return nil, fmt.Errorf("generate final project: %w", err)
	}
	var project types.FinalProject
	if err := DecodeModelJSON(text, &project); err != nil {
		return nil, fmt.Errorf("generate final project: %w", err)
	}
	if project.Title == "" {
		return nil, fmt.Errorf("generate final project: empty title")
	}
	if project.EstimatedHours <= 0 {
		project.EstimatedHours = 8
	}
	return &project, nil
}

func (s *contentService) GenerateCourseSummary(ctx context.Context, meta types.CourseMetadata, moduleTitles []string) (string, error) {
	p := fmt.Sprintf(`Write a closing summary for the course %q (%s level).
Modules covered: %s

Write one or two paragraphs of plain text recapping what the student learned and suggesting next steps. No JSON.`,
		meta.Title, meta.Level, strings.Join(moduleTitles, "; "))

	text, err := s.ai.Complete(ctx, p, 1000)
	if err != nil {
		return "", fmt.Errorf("generate course summary: %w", err)
	}
	return strings.TrimSpace(text), nil
}

package types

import "time"

type GenerateCourseRequest struct {
	Prompt    string      `json:"prompt" binding:"required,min=1,max=500"`
	Level     CourseLevel `json:"level" binding:"required,oneof=beginner intermediate advanced"`
	Interests []string    `json:"interests" binding:"max=10"`
}

// ModuleStub is the fast-path placeholder for a module that has not been
// generated yet: enough metadata for navigation, zero content.
type ModuleStub struct {
	ModuleID          string `json:"module_id"`
	Title             string `json:"title"`
	Description       string `json:"description"`
	Objective         string `json:"objective"`
	EstimatedDuration int    `json:"estimated_duration"`
	TotalConcepts     int    `json:"total_concepts"`
}

type GenerateCourseResponse struct {
	CourseID                string         `json:"course_id"`
	Metadata                CourseMetadata `json:"metadata"`
	ModulesMetadata         []ModuleStub   `json:"modules_metadata"`
	Status                  CourseStatus   `json:"status"`
	GenerationStarted       bool           `json:"generation_started"`
	EstimatedCompletionTime int            `json:"estimated_completion_time"`
}

// CourseView is the read model returned to clients. Pending and failed slots
// are simply absent from Modules.
type CourseView struct {
	CourseID      string         `json:"course_id"`
	Metadata      CourseMetadata `json:"metadata"`
	Modules       []Module       `json:"modules"`
	Introduction  string         `json:"introduction,omitempty"`
	Status        CourseStatus   `json:"status"`
	ErrorMessage  string         `json:"error_message,omitempty"`
	UserPrompt    string         `json:"user_prompt"`
	UserLevel     CourseLevel    `json:"user_level"`
	UserInterests []string       `json:"user_interests"`
	FinalProject  *FinalProject  `json:"final_project,omitempty"`
	Summary       string         `json:"summary,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

type GenerateAudioRequest struct {
	Text     string `json:"text" binding:"required,min=1,max=2000"`
	Language string `json:"language"`
}

// StreamEvent is one record of the progress event stream.
type StreamEvent struct {
	EventType string         `json:"event_type"`
	Data      map[string]any `json:"data"`
	Timestamp time.Time      `json:"timestamp"`
}

const (
	EventCourseStarted  = "course_started"
	EventModuleReady    = "module_ready"
	EventCourseComplete = "course_complete"
	EventError          = "error"
)

// ProgressMarker is the ephemeral per-module generation checkpoint kept in
// the cache, never in the course document.
type ProgressMarker struct {
	Status    string    `json:"status"`
	Progress  int       `json:"progress"`
	Error     string    `json:"error,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

const (
	MarkerGenerating = "generating"
	MarkerCompleted  = "completed"
	MarkerFailed     = "failed"
)

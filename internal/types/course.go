package types

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type CourseLevel string

const (
	LevelBeginner     CourseLevel = "beginner"
	LevelIntermediate CourseLevel = "intermediate"
	LevelAdvanced     CourseLevel = "advanced"
)

func (l CourseLevel) Valid() bool {
	switch l {
	case LevelBeginner, LevelIntermediate, LevelAdvanced:
		return true
	default:
		return false
	}
}

type CourseStatus string

const (
	StatusGenerating CourseStatus = "generating"
	StatusReady      CourseStatus = "ready"
	StatusError      CourseStatus = "error"
)

type QuizQuestion struct {
	Question      string   `json:"question"`
	Options       []string `json:"options"`
	CorrectAnswer int      `json:"correct_answer"`
	Explanation   string   `json:"explanation"`
}

type VideoResource struct {
	VideoID        string  `json:"video_id"`
	Title          string  `json:"title"`
	Description    string  `json:"description"`
	ThumbnailURL   string  `json:"thumbnail_url"`
	ChannelName    string  `json:"channel_name"`
	Duration       string  `json:"duration"`
	URL            string  `json:"url"`
	RelevanceScore float64 `json:"relevance_score"`
}

type AudioResource struct {
	OriginalText string    `json:"original_text"`
	URL          string    `json:"url,omitempty"`
	Language     string    `json:"language"`
	CreatedBy    string    `json:"created_by"`
	CreatedAt    time.Time `json:"created_at"`
}

type ModuleResources struct {
	Videos []VideoResource `json:"videos"`
	Audios []AudioResource `json:"audios"`
}

// PracticalExercise is the module-wide integrating exercise.
type PracticalExercise struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Objectives  []string `json:"objectives"`
	Steps       []string `json:"steps"`
}

type ModuleChunk struct {
	ChunkID     string         `json:"chunk_id"`
	Content     string         `json:"content"`
	TotalChunks int            `json:"total_chunks"`
	ChunkOrder  int            `json:"chunk_order"`
	Checksum    string         `json:"checksum"`
	Video       *VideoResource `json:"video,omitempty"`
}

// NewModuleChunk derives the chunk id and content checksum from its position
// and payload. Order is 1-based.
func NewModuleChunk(content string, order, total int, moduleID string) ModuleChunk {
	sum := md5.Sum([]byte(content))
	return ModuleChunk{
		ChunkID:     fmt.Sprintf("%s_chunk_%d", moduleID, order),
		Content:     content,
		TotalChunks: total,
		ChunkOrder:  order,
		Checksum:    hex.EncodeToString(sum[:]),
	}
}

type Module struct {
	ModuleID          string            `json:"module_id"`
	Title             string            `json:"title"`
	Description       string            `json:"description"`
	Objective         string            `json:"objective"`
	Concepts          []string          `json:"concepts"`
	Chunks            []ModuleChunk     `json:"chunks"`
	Quiz              []QuizQuestion    `json:"quiz"`
	Summary           string            `json:"summary"`
	PracticalExercise PracticalExercise `json:"practical_exercise"`
	Resources         ModuleResources   `json:"resources"`
}

// ModuleID is deterministic from the slot index.
func ModuleIDForIndex(index int) string {
	return fmt.Sprintf("module_%d", index+1)
}

type CourseMetadata struct {
	Title             string      `json:"title"`
	Description       string      `json:"description"`
	Level             CourseLevel `json:"level"`
	EstimatedDuration int         `json:"estimated_duration"`
	Prerequisites     []string    `json:"prerequisites"`
	TotalModules      int         `json:"total_modules"`
	ModuleList        []string    `json:"module_list"`
	Topics            []string    `json:"topics"`
	TotalSize         string      `json:"total_size"`
}

type FinalProject struct {
	Title              string   `json:"title"`
	Description        string   `json:"description"`
	Objectives         []string `json:"objectives"`
	Requirements       []string `json:"requirements"`
	Deliverables       []string `json:"deliverables"`
	EvaluationCriteria []string `json:"evaluation_criteria"`
	EstimatedHours     int      `json:"estimated_hours"`
}

type SlotState string

const (
	SlotPending SlotState = "pending"
	SlotReady   SlotState = "ready"
	SlotFailed  SlotState = "failed"
)

// ModuleSlot is one position of the course's fixed-length modules array. A
// slot is pending until exactly one background worker writes it; readers only
// ever observe pending, ready-with-module, or failed-with-reason.
type ModuleSlot struct {
	State  SlotState `json:"state"`
	Module *Module   `json:"module,omitempty"`
	Error  string    `json:"error,omitempty"`
}

func PendingSlots(n int) []ModuleSlot {
	slots := make([]ModuleSlot, n)
	for i := range slots {
		slots[i] = ModuleSlot{State: SlotPending}
	}
	return slots
}

// Course is the persisted root aggregate. The metadata and slot array live in
// jsonb columns so background workers can update one slot path at a time.
type Course struct {
	ID            uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	Metadata      datatypes.JSON `gorm:"column:metadata;type:jsonb;not null" json:"metadata"`
	Modules       datatypes.JSON `gorm:"column:modules;type:jsonb;not null" json:"modules"`
	Introduction  string         `gorm:"column:introduction" json:"introduction,omitempty"`
	Status        string         `gorm:"column:status;not null;index" json:"status"`
	ErrorMessage  string         `gorm:"column:error_message" json:"error_message,omitempty"`
	UserPrompt    string         `gorm:"column:user_prompt;not null;index" json:"user_prompt"`
	UserLevel     string         `gorm:"column:user_level;not null;index" json:"user_level"`
	UserInterests datatypes.JSON `gorm:"column:user_interests;type:jsonb" json:"user_interests"`
	FinalProject  datatypes.JSON `gorm:"column:final_project;type:jsonb" json:"final_project,omitempty"`
	Summary       string         `gorm:"column:summary" json:"summary,omitempty"`
	CreatedAt     time.Time      `gorm:"not null;default:now();index" json:"created_at"`
	UpdatedAt     time.Time      `gorm:"not null;default:now()" json:"updated_at"`
}

func (Course) TableName() string { return "course" }

func (c *Course) DecodeMetadata() (CourseMetadata, error) {
	var meta CourseMetadata
	if err := json.Unmarshal(c.Metadata, &meta); err != nil {
		return CourseMetadata{}, fmt.Errorf("decode course metadata: %w", err)
	}
	return meta, nil
}

func (c *Course) DecodeSlots() ([]ModuleSlot, error) {
	var slots []ModuleSlot
	if err := json.Unmarshal(c.Modules, &slots); err != nil {
		return nil, fmt.Errorf("decode module slots: %w", err)
	}
	return slots, nil
}

func (c *Course) DecodeInterests() []string {
	var interests []string
	if len(c.UserInterests) == 0 {
		return []string{}
	}
	if err := json.Unmarshal(c.UserInterests, &interests); err != nil {
		return []string{}
	}
	return interests
}

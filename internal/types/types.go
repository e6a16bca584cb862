package types

import "time"

// Status is the lifecycle state of a Task
type Status string

// Task status constants, in pipeline order
const (
	StatusPending      Status = "pending"
	StatusAcquiring    Status = "acquiring"
	StatusAcquired     Status = "acquired"
	StatusTranscribing Status = "transcribing"
	StatusTranscribed  Status = "transcribed"
	StatusSummarizing  Status = "summarizing"
	StatusSummarized   Status = "summarized"
	StatusFinalizing   Status = "finalizing"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
)

// Terminal reports whether no further stage may run for the status
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Stage names a unit of pipeline work
type Stage string

// Pipeline stages
const (
	StageAcquisition   Stage = "acquisition"
	StageTranscription Stage = "transcription"
	StageSummarization Stage = "summarization"
	StageFinalization  Stage = "finalization"
)

// Stages lists every stage in execution order
var Stages = []Stage{StageAcquisition, StageTranscription, StageSummarization, StageFinalization}

// Source type constants
const (
	SourceYouTube = "youtube"
)

// Task is one submitted source moving through the pipeline
type Task struct {
	ID              string        `json:"id"`
	UserID          int64         `json:"user_id"`
	SourceRef       string        `json:"source_reference"`
	Status          Status        `json:"status"`
	Error           *TaskError    `json:"error,omitempty"`
	Language        string        `json:"detected_language,omitempty"`
	DurationSeconds *int          `json:"duration_seconds,omitempty"`
	Attempts        map[Stage]int `json:"attempts"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`

	// Intermediate stage outputs
	AudioPath  string    `json:"-"`
	Transcript string    `json:"-"`
	Segments   []Segment `json:"-"`
}

// AttemptCount returns how many attempts the stage has started
func (t *Task) AttemptCount(stage Stage) int {
	if t.Attempts == nil {
		return 0
	}
	return t.Attempts[stage]
}

// Segment represents a timestamped segment of transcription
type Segment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// Transcript is the output of speech recognition
type Transcript struct {
	Text     string
	Language string
	Segments []Segment
}

// Audio is the output of acquisition
type Audio struct {
	Path            string
	DurationSeconds int
	LanguageHint    string
}

// SourceMetadata is what a cheap probe learns about a source without downloading it
type SourceMetadata struct {
	DurationSeconds int
	Title           string
	Language        string
}

// Result is the durable deliverable of a task
type Result struct {
	TaskID         string    `json:"task_id"`
	TranscriptText string    `json:"transcript_text"`
	Segments       []Segment `json:"subtitle_track,omitempty"`
	SummaryText    string    `json:"summary_text"`
	OutlineText    string    `json:"outline_text"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// StageOutput carries what a stage persists alongside its status advance.
// Nil or empty fields leave the stored value untouched.
type StageOutput struct {
	Language        string
	DurationSeconds *int
	AudioPath       string
	Transcript      *Transcript
	Result          *Result
}

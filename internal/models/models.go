package models

import (
	"time"
)

// TaskKind selects which generation capability an item or step exercises.
type TaskKind string

const (
	KindChat         TaskKind = "chat"
	KindTextToImage  TaskKind = "text_to_image"
	KindImageToVideo TaskKind = "image_to_video"
)

// Valid reports whether k is one of the known task kinds.
func (k TaskKind) Valid() bool {
	switch k {
	case KindChat, KindTextToImage, KindImageToVideo:
		return true
	}
	return false
}

// ItemStatus enumerates per-item lifecycle states inside a batch job.
const (
	ItemPending    = "pending"
	ItemProcessing = "processing"
	ItemCompleted  = "completed"
	ItemFailed     = "failed"
	ItemCancelled  = "cancelled"
)

// JobStatus enumerates job-level lifecycle states, distinct from item states.
const (
	JobPending   = "pending"
	JobRunning   = "running"
	JobPaused    = "paused"
	JobCompleted = "completed"
	JobFailed    = "failed"
	JobCancelled = "cancelled"
)

// TerminalJobStatus reports whether a job or execution status is final.
func TerminalJobStatus(status string) bool {
	switch status {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	}
	return false
}

// WorkItem is one unit of generation work inside a batch job.
type WorkItem struct {
	ID         string         `json:"id"`
	Kind       TaskKind       `json:"kind"`
	Payload    map[string]any `json:"payload"`
	Status     string         `json:"status"`
	Result     any            `json:"result,omitempty"`
	Error      *string        `json:"error,omitempty"`
	RetryCount int            `json:"retry_count"`
}

// BatchJob is a named group of work items submitted and tracked together.
// Counters are maintained incrementally by the drain loop, never rescanned.
type BatchJob struct {
	ID              string     `json:"id"`
	Kind            TaskKind   `json:"kind"`
	Name            string     `json:"name"`
	Status          string     `json:"status"`
	TotalItems      int        `json:"total_items"`
	CompletedItems  int        `json:"completed_items"`
	FailedItems     int        `json:"failed_items"`
	ProgressPercent int        `json:"progress_percent"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

// WorkflowStep is one stage of a dependent pipeline. Templates reference
// prior step outputs and initial parameters by {placeholder} name.
type WorkflowStep struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	StepKind  TaskKind `json:"step_kind"`
	Template  string   `json:"template"`
	DependsOn []string `json:"depends_on,omitempty"`
	OutputKey string   `json:"output_key"`
}

// WorkflowExecution tracks one run of an ordered step list.
type WorkflowExecution struct {
	ID               string         `json:"id"`
	Status           string         `json:"status"`
	CurrentStepIndex int            `json:"current_step_index"`
	TotalSteps       int            `json:"total_steps"`
	ProgressPercent  int            `json:"progress_percent"`
	Results          map[string]any `json:"results"`
	Error            *string        `json:"error,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	StartedAt        *time.Time     `json:"started_at,omitempty"`
	CompletedAt      *time.Time     `json:"completed_at,omitempty"`
}

// Snapshot kinds carried on progress notifications.
const (
	SnapshotBatch    = "batch"
	SnapshotWorkflow = "workflow"
)

// ProgressSnapshot is emitted on every item or step transition. Consumers
// must tolerate duplicates; (JobID, ProgressPercent) identifies a frame.
type ProgressSnapshot struct {
	JobID           string    `json:"job_id"`
	Kind            string    `json:"kind"`
	Status          string    `json:"status"`
	ProgressPercent int       `json:"progress_percent"`
	TotalItems      int       `json:"total_items"`
	CompletedItems  int       `json:"completed_items"`
	FailedItems     int       `json:"failed_items"`
	ItemID          string    `json:"item_id,omitempty"`
	StepIndex       int       `json:"step_index,omitempty"`
	EmittedAt       time.Time `json:"emitted_at"`
}

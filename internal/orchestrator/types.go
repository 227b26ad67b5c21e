package orchestrator

import (
	"time"

	"github.com/mkrell/salesrunner/internal/agent"
)

// TaskType identifies a workflow.
type TaskType string

const (
	TypeProspecting TaskType = "prospecting"
	TypeGeneration  TaskType = "generation"
	TypePipeline    TaskType = "pipeline"
	TypeCustom      TaskType = "custom"
)

// Status tracks a ledger entry's state. Transitions are monotonic:
// pending → running → completed|failed.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Task is one ledger entry for a workflow invocation.
type Task struct {
	ID            string         `json:"id"`
	Type          TaskType       `json:"type"`
	Priority      int            `json:"priority"`
	Payload       map[string]any `json:"payload,omitempty"`
	Status        Status         `json:"status"`
	Result        any            `json:"result,omitempty"`
	Error         string         `json:"error,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	StartedAt     *time.Time     `json:"started_at,omitempty"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
	ExecutionTime time.Duration  `json:"execution_time"`
	Workers       []string       `json:"workers,omitempty"`
}

// Result is the asynchronous outcome of one workflow invocation.
type Result struct {
	Success       bool          `json:"success"`
	TaskID        string        `json:"task_id"`
	Result        any           `json:"result,omitempty"`
	Error         string        `json:"error,omitempty"`
	ExecutionTime time.Duration `json:"execution_time"`
	WorkersUsed   []string      `json:"workers_used"`
}

// PipelineSummary is the result payload of the composite workflow.
type PipelineSummary struct {
	Prospects        int      `json:"prospects"`
	Qualified        int      `json:"qualified"`
	PitchesGenerated int      `json:"pitches_generated"`
	Pitches          []any    `json:"pitches,omitempty"`
	Errors           []string `json:"errors,omitempty"`
}

// OperationMetrics aggregates per-workflow-type execution statistics.
type OperationMetrics struct {
	Count     int64         `json:"count"`
	TotalTime time.Duration `json:"total_time"`
	LastRun   time.Time     `json:"last_run"`
}

// AggregateStatus is the orchestrator-wide status snapshot.
type AggregateStatus struct {
	Active    int                           `json:"active"`
	Completed int                           `json:"completed"`
	Failed    int                           `json:"failed"`
	Workers   []agent.State                 `json:"workers"`
	Metrics   map[TaskType]OperationMetrics `json:"metrics"`
}

package agent

import (
	"context"
	"time"
)

// ExecutionMode selects how a worker runs a task.
type ExecutionMode string

const (
	ModeForeground ExecutionMode = "foreground"
	ModeBackground ExecutionMode = "background"
	ModeHybrid     ExecutionMode = "hybrid"
)

// ExecutionSummary describes the most recent completed execution.
type ExecutionSummary struct {
	TaskType  string        `json:"task_type"`
	Mode      ExecutionMode `json:"mode"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Success   bool          `json:"success"`
	Error     string        `json:"error,omitempty"`
}

// State is a worker's mutable runtime state. It is owned exclusively by the
// worker and mutated only from its own completion path; everything handed
// out is a copy.
type State struct {
	Name                 string                  `json:"name"`
	Mode                 ExecutionMode           `json:"mode"`
	Priority             int                     `json:"priority"`
	Capabilities         []string                `json:"capabilities"`
	LastExecution        *ExecutionSummary       `json:"last_execution,omitempty"`
	TotalExecutions      int64                   `json:"total_executions"`
	SuccessfulExecutions int64                   `json:"successful_executions"`
	AvgExecutionTime     time.Duration           `json:"avg_execution_time"`
	ErrorRate            float64                 `json:"error_rate"`
	ModeUsage            map[ExecutionMode]int64 `json:"mode_usage"`
	UpdatedAt            time.Time               `json:"updated_at"`
}

// Clone returns a deep copy safe to hand to callers.
func (s *State) Clone() State {
	out := *s
	out.Capabilities = append([]string(nil), s.Capabilities...)
	out.ModeUsage = make(map[ExecutionMode]int64, len(s.ModeUsage))
	for k, v := range s.ModeUsage {
		out.ModeUsage[k] = v
	}
	if s.LastExecution != nil {
		le := *s.LastExecution
		out.LastExecution = &le
	}
	return out
}

// record folds one completed execution into the running counters. The
// average is updated incrementally; mode usage counters always sum to
// TotalExecutions.
func (s *State) record(taskType string, mode ExecutionMode, startedAt time.Time, dur time.Duration, execErr error) {
	s.TotalExecutions++
	if execErr == nil {
		s.SuccessfulExecutions++
	}
	s.AvgExecutionTime += (dur - s.AvgExecutionTime) / time.Duration(s.TotalExecutions)
	s.ErrorRate = float64(s.TotalExecutions-s.SuccessfulExecutions) / float64(s.TotalExecutions)
	s.ModeUsage[mode]++

	summary := &ExecutionSummary{
		TaskType:  taskType,
		Mode:      mode,
		StartedAt: startedAt,
		Duration:  dur,
		Success:   execErr == nil,
	}
	if execErr != nil {
		summary.Error = execErr.Error()
	}
	s.LastExecution = summary
	s.UpdatedAt = time.Now()
}

// SnapshotStore persists worker state between runs. Implementations live in
// internal/store; a missing or corrupt snapshot is never a startup failure.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, s *State) error
	LoadSnapshot(ctx context.Context, name string) (*State, error)
}

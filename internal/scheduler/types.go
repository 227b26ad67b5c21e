package scheduler

import "time"

// Task is a named unit of recurring work, loaded from static configuration
// and immutable afterwards. Type is the key pattern learning groups by.
type Task struct {
	ID        string   `json:"id"`
	Type      string   `json:"type"`
	Executor  string   `json:"executor"`
	Enabled   bool     `json:"enabled"`
	DependsOn []string `json:"depends_on,omitempty"`
}

// ExecutionStatus tracks one run's state.
type ExecutionStatus string

const (
	StatusRunning   ExecutionStatus = "running"
	StatusCompleted ExecutionStatus = "completed"
	StatusFailed    ExecutionStatus = "failed"
)

// TaskExecution is one concrete run, retained in the learning history.
type TaskExecution struct {
	TaskID      string          `json:"task_id"`
	TaskType    string          `json:"task_type"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Status      ExecutionStatus `json:"status"`
}

// Duration returns the run's length, zero while still running.
func (e TaskExecution) Duration() time.Duration {
	if e.CompletedAt == nil {
		return 0
	}
	return e.CompletedAt.Sub(e.StartedAt)
}

// Pattern is the learned timing/success profile for one task type. Derived
// from history, never authoritative.
type Pattern struct {
	TaskType      string        `json:"task_type"`
	OptimalHour   int           `json:"optimal_hour"`
	OptimalDay    time.Weekday  `json:"optimal_day_of_week"`
	SuccessRate   float64       `json:"success_rate"`
	AvgDuration   time.Duration `json:"avg_duration"`
	ResourceUsage float64       `json:"resource_usage"`
	Confidence    float64       `json:"confidence"`
	SampleCount   int           `json:"sample_count"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// Load is a point-in-time system sample, immutable once recorded.
type Load struct {
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryPercent float64   `json:"memory_percent"`
	ActiveTasks   int       `json:"active_tasks"`
	QueueDepth    int       `json:"queue_depth"`
	Timestamp     time.Time `json:"timestamp"`
}

// PriorityAdjustment is the scheduler's advice on a task's priority.
type PriorityAdjustment string

const (
	AdjustBoost    PriorityAdjustment = "boost"
	AdjustMaintain PriorityAdjustment = "maintain"
	AdjustDefer    PriorityAdjustment = "defer"
)

// Urgency is the caller's own assessment of how soon a task must run.
type Urgency string

const (
	UrgencyHigh   Urgency = "high"
	UrgencyMedium Urgency = "medium"
	UrgencyLow    Urgency = "low"
)

// Decision is scheduling advice for one task. Computed on demand, never
// persisted, and never binding on the caller.
type Decision struct {
	TaskID            string             `json:"task_id"`
	RecommendedTime   time.Time          `json:"recommended_time"`
	Priority          PriorityAdjustment `json:"priority_adjustment"`
	Reason            string             `json:"reason"`
	Confidence        float64            `json:"confidence"`
	EstimatedDuration time.Duration      `json:"estimated_duration"`
	EstimatedResource float64            `json:"estimated_resource"`
}

// Config carries the scheduler's tuning constants. All of them are
// operational knobs with defaults applied in New.
type Config struct {
	HistoryCap          int
	LoadHistoryCap      int
	RelearnEvery        int
	LearnInterval       time.Duration
	SampleInterval      time.Duration
	MinSamples          int
	BusyActiveTasks     int
	LightCPUPercent     float64
	VeryLightCPUPercent float64
	HighCPUPercent      float64
	BusyDelay           time.Duration
	SoonDelay           time.Duration
	BackoffDelay        time.Duration
	OptimalWindow       time.Duration
	DefaultConfidence   float64
	MaxConfidence       float64
}

func (c *Config) applyDefaults() {
	if c.HistoryCap <= 0 {
		c.HistoryCap = 1000
	}
	if c.LoadHistoryCap <= 0 {
		c.LoadHistoryCap = 120
	}
	if c.RelearnEvery <= 0 {
		c.RelearnEvery = 50
	}
	if c.LearnInterval <= 0 {
		c.LearnInterval = 5 * time.Minute
	}
	if c.SampleInterval <= 0 {
		c.SampleInterval = 30 * time.Second
	}
	if c.MinSamples <= 0 {
		c.MinSamples = 5
	}
	if c.BusyActiveTasks <= 0 {
		c.BusyActiveTasks = 10
	}
	if c.LightCPUPercent <= 0 {
		c.LightCPUPercent = 30
	}
	if c.VeryLightCPUPercent <= 0 {
		c.VeryLightCPUPercent = 15
	}
	if c.HighCPUPercent <= 0 {
		c.HighCPUPercent = 75
	}
	if c.BusyDelay <= 0 {
		c.BusyDelay = 5 * time.Minute
	}
	if c.SoonDelay <= 0 {
		c.SoonDelay = 10 * time.Minute
	}
	if c.BackoffDelay <= 0 {
		c.BackoffDelay = time.Hour
	}
	if c.OptimalWindow <= 0 {
		c.OptimalWindow = 2 * time.Hour
	}
	if c.DefaultConfidence <= 0 {
		c.DefaultConfidence = 0.1
	}
	if c.MaxConfidence <= 0 {
		c.MaxConfidence = 0.95
	}
}

package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"time"
)

// Config is the top-level configuration structure.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Workers   []WorkerConfig  `json:"workers"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Ledger    LedgerConfig    `json:"ledger"`
	Messaging MessagingConfig `json:"messaging"`
	Database  DatabaseConfig  `json:"database"`
	Snapshots SnapshotConfig  `json:"snapshots"`
}

type ServerConfig struct {
	Port     int    `json:"port"`
	LogLevel string `json:"log_level"`
}

// WorkerConfig declares one worker and its execution-mode tunables.
type WorkerConfig struct {
	Name             string   `json:"name"`
	Executor         string   `json:"executor"`
	Mode             string   `json:"mode"` // foreground|background|hybrid
	Priority         int      `json:"priority"`
	Capabilities     []string `json:"capabilities,omitempty"`
	MaxQueueSize     int      `json:"max_queue_size"`
	MaxConcurrency   int      `json:"max_concurrency"`
	BacklogThreshold int      `json:"backlog_threshold"`
	AutoSave         bool     `json:"auto_save"`
	AutoSaveSeconds  int      `json:"auto_save_seconds"`
}

// SchedulerConfig carries the adaptive scheduler's tuning constants.
// These are operational tuning values, not derived quantities.
type SchedulerConfig struct {
	HistoryCap      int     `json:"history_cap"`
	RelearnEvery    int     `json:"relearn_every"`
	LearnSeconds    int     `json:"learn_seconds"`
	SampleSeconds   int     `json:"sample_seconds"`
	MinSamples      int     `json:"min_samples"`
	BusyActiveTasks int     `json:"busy_active_tasks"`
	LightCPUPercent float64 `json:"light_cpu_percent"`
	HighCPUPercent  float64 `json:"high_cpu_percent"`
}

type LedgerConfig struct {
	RetentionHours float64 `json:"retention_hours"`
	GCSeconds      int     `json:"gc_seconds"`
}

type MessagingConfig struct {
	MaxQueueSize int  `json:"max_queue_size"`
	RelayEnabled bool `json:"relay_enabled"`
}

type DatabaseConfig struct {
	Postgres PostgresConfig `json:"postgres"`
	Redis    RedisConfig    `json:"redis"`
}

type PostgresConfig struct {
	DSN string `json:"dsn"`
}

type RedisConfig struct {
	URL string `json:"url"`
}

// SnapshotConfig selects where worker state snapshots are persisted.
// Backend "postgres" requires database.postgres.dsn; "file" writes JSON
// files under Dir; "none" disables persistence.
type SnapshotConfig struct {
	Backend string `json:"backend"`
	Dir     string `json:"dir"`
}

// AutoSaveInterval returns the worker's auto-save period.
func (w WorkerConfig) AutoSaveInterval() time.Duration {
	if w.AutoSaveSeconds <= 0 {
		return time.Minute
	}
	return time.Duration(w.AutoSaveSeconds) * time.Second
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON config file and substitutes environment variable references.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	// Substitute ${VAR} and ${VAR:default} with environment values.
	resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		name := parts[1]
		defaultVal := parts[2]
		if v := os.Getenv(name); v != "" {
			return v
		}
		return defaultVal
	})

	var cfg Config
	if err := json.Unmarshal([]byte(resolved), &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return &cfg, nil
}

package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Probes let the scheduler observe the rest of the runtime without owning
// it. Nil probes read as zero.
type Probes struct {
	ActiveTasks func() int
	QueueDepth  func() int
}

// Scheduler learns per-task-type timing patterns from execution history and
// system load, and answers "when and how urgently should this task run". It
// never executes work itself; its advice is never binding.
type Scheduler struct {
	cfg    Config
	probes Probes

	mu         sync.RWMutex
	history    []TaskExecution
	patterns   map[string]*Pattern
	loads      []Load
	sinceLearn int

	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *zap.Logger
	now    func() time.Time
}

// New creates a scheduler. Call Start to launch the learning pass and the
// load sampler.
func New(cfg Config, probes Probes, logger *zap.Logger) *Scheduler {
	cfg.applyDefaults()
	return &Scheduler{
		cfg:      cfg,
		probes:   probes,
		patterns: make(map[string]*Pattern),
		logger:   logger,
		now:      time.Now,
	}
}

// Start launches the periodic learning pass and the load sampler, each on
// its own timer.
func (s *Scheduler) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(2)
	go s.learnLoop(ctx)
	go s.sampleLoop(ctx)

	s.logger.Info("adaptive scheduler started",
		zap.Duration("learn_interval", s.cfg.LearnInterval),
		zap.Duration("sample_interval", s.cfg.SampleInterval))
}

// Stop halts both loops. Safe to call when never started.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// RecordOutcome appends one finished execution to the capped history. Every
// RelearnEvery records the learning pass re-runs immediately, ahead of its
// wall-clock timer.
func (s *Scheduler) RecordOutcome(taskID, taskType string, startedAt, completedAt time.Time, success bool) {
	status := StatusCompleted
	if !success {
		status = StatusFailed
	}
	done := completedAt
	exec := TaskExecution{
		TaskID:      taskID,
		TaskType:    taskType,
		StartedAt:   startedAt,
		CompletedAt: &done,
		Status:      status,
	}

	s.mu.Lock()
	s.history = append(s.history, exec)
	if len(s.history) > s.cfg.HistoryCap {
		s.history = s.history[len(s.history)-s.cfg.HistoryCap:]
	}
	s.sinceLearn++
	relearn := s.sinceLearn >= s.cfg.RelearnEvery
	if relearn {
		s.sinceLearn = 0
	}
	s.mu.Unlock()

	if relearn {
		s.Relearn()
	}
}

// Relearn recomputes every pattern from the current history.
func (s *Scheduler) Relearn() {
	s.mu.RLock()
	history := append([]TaskExecution(nil), s.history...)
	s.mu.RUnlock()

	patterns := extractPatterns(history, s.cfg)

	s.mu.Lock()
	s.patterns = patterns
	s.mu.Unlock()

	s.logger.Debug("patterns recomputed",
		zap.Int("records", len(history)),
		zap.Int("patterns", len(patterns)))
}

// Pattern returns the learned pattern for a task type, if any.
func (s *Scheduler) Pattern(taskType string) (Pattern, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.patterns[taskType]
	if !ok {
		return Pattern{}, false
	}
	return *p, true
}

// Patterns returns a copy of every learned pattern.
func (s *Scheduler) Patterns() []Pattern {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Pattern, 0, len(s.patterns))
	for _, p := range s.patterns {
		out = append(out, *p)
	}
	return out
}

// HistoryLen returns the current history size.
func (s *Scheduler) HistoryLen() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.history)
}

// ObserveLoad appends a load sample to the bounded ring.
func (s *Scheduler) ObserveLoad(l Load) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loads = append(s.loads, l)
	if len(s.loads) > s.cfg.LoadHistoryCap {
		s.loads = s.loads[len(s.loads)-s.cfg.LoadHistoryCap:]
	}
}

// CurrentLoad returns the latest sample, falling back to a fresh probe
// read when none has been taken yet.
func (s *Scheduler) CurrentLoad() Load {
	s.mu.RLock()
	if n := len(s.loads); n > 0 {
		l := s.loads[n-1]
		s.mu.RUnlock()
		return l
	}
	s.mu.RUnlock()

	return Load{
		ActiveTasks: s.probeActive(),
		QueueDepth:  s.probeDepth(),
		Timestamp:   s.now(),
	}
}

// LoadHistory returns a snapshot of the load ring, oldest first.
func (s *Scheduler) LoadHistory() []Load {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Load(nil), s.loads...)
}

func (s *Scheduler) learnLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.LearnInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.safeTick("learn", s.Relearn)
		}
	}
}

func (s *Scheduler) sampleLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.SampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.safeTick("sample", s.sample)
		}
	}
}

// safeTick isolates one periodic tick so a bad one cannot stop the loop.
func (s *Scheduler) safeTick(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scheduler tick panicked",
				zap.String("tick", name),
				zap.Any("panic", r))
		}
	}()
	fn()
}

func (s *Scheduler) probeActive() int {
	if s.probes.ActiveTasks == nil {
		return 0
	}
	return s.probes.ActiveTasks()
}

func (s *Scheduler) probeDepth() int {
	if s.probes.QueueDepth == nil {
		return 0
	}
	return s.probes.QueueDepth()
}

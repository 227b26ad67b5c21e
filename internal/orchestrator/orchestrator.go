package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mkrell/salesrunner/internal/agent"
	"go.uber.org/zap"
)

var (
	// ErrUnknownWorkflow is returned for a workflow type nobody registered.
	ErrUnknownWorkflow = errors.New("unknown workflow type")
	// ErrWorkerNotFound is returned when a workflow's worker is missing.
	ErrWorkerNotFound = errors.New("worker not found")
)

// Config carries the orchestrator's tunables.
type Config struct {
	Retention         time.Duration
	GCInterval        time.Duration
	ProspectingWorker string
	GenerationWorker  string
}

func (c *Config) applyDefaults() {
	if c.Retention <= 0 {
		c.Retention = 24 * time.Hour
	}
	if c.GCInterval <= 0 {
		c.GCInterval = 5 * time.Minute
	}
	if c.ProspectingWorker == "" {
		c.ProspectingWorker = "prospector"
	}
	if c.GenerationWorker == "" {
		c.GenerationWorker = "generator"
	}
}

// Orchestrator composes workers into workflows, keeps the task ledger, and
// aggregates execution metrics.
type Orchestrator struct {
	cfg Config

	mu      sync.RWMutex
	workers map[string]*agent.Worker
	tasks   map[string]*Task
	metrics map[TaskType]*OperationMetrics

	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *zap.Logger
	now    func() time.Time
}

// New creates an orchestrator. Call Start to launch the ledger GC sweep.
func New(cfg Config, logger *zap.Logger) *Orchestrator {
	cfg.applyDefaults()
	return &Orchestrator{
		cfg:     cfg,
		workers: make(map[string]*agent.Worker),
		tasks:   make(map[string]*Task),
		metrics: make(map[TaskType]*OperationMetrics),
		logger:  logger,
		now:     time.Now,
	}
}

// RegisterWorker adds a worker to the registry.
func (o *Orchestrator) RegisterWorker(w *agent.Worker) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.workers[w.Name()] = w
	o.logger.Info("worker registered", zap.String("worker", w.Name()))
}

// Worker returns a registered worker by name.
func (o *Orchestrator) Worker(name string) (*agent.Worker, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	w, ok := o.workers[name]
	return w, ok
}

// Workers returns all registered workers.
func (o *Orchestrator) Workers() []*agent.Worker {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]*agent.Worker, 0, len(o.workers))
	for _, w := range o.workers {
		out = append(out, w)
	}
	return out
}

// RemoveWorker drops a worker from the registry. The worker itself is not
// shut down.
func (o *Orchestrator) RemoveWorker(name string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.workers, name)
}

// Submit starts a workflow. The task id is returned synchronously; the
// result arrives on the channel once the workflow finishes. Unknown
// workflow types and missing workers are configuration errors rejected
// immediately.
func (o *Orchestrator) Submit(ctx context.Context, typ TaskType, payload map[string]any) (string, <-chan Result, error) {
	if err := o.validate(typ, payload); err != nil {
		return "", nil, err
	}

	task := &Task{
		ID:        uuid.New().String(),
		Type:      typ,
		Payload:   payload,
		Status:    StatusPending,
		CreatedAt: o.now(),
	}
	o.mu.Lock()
	o.tasks[task.ID] = task
	o.mu.Unlock()

	// The workflow must outlive the submitting call; a short-lived HTTP
	// request context would otherwise cancel it as soon as the caller got
	// the id back.
	runCtx := context.WithoutCancel(ctx)

	results := make(chan Result, 1)
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		results <- o.run(runCtx, task.ID)
	}()
	return task.ID, results, nil
}

// validate rejects configuration errors before a ledger entry is created.
func (o *Orchestrator) validate(typ TaskType, payload map[string]any) error {
	switch typ {
	case TypeProspecting:
		return o.requireWorker(o.cfg.ProspectingWorker)
	case TypeGeneration:
		return o.requireWorker(o.cfg.GenerationWorker)
	case TypePipeline:
		if err := o.requireWorker(o.cfg.ProspectingWorker); err != nil {
			return err
		}
		return o.requireWorker(o.cfg.GenerationWorker)
	case TypeCustom:
		name, _ := payload["worker"].(string)
		if name == "" {
			return fmt.Errorf("custom workflow needs a worker name: %w", ErrWorkerNotFound)
		}
		return o.requireWorker(name)
	default:
		return fmt.Errorf("%q: %w", typ, ErrUnknownWorkflow)
	}
}

func (o *Orchestrator) requireWorker(name string) error {
	if _, ok := o.Worker(name); !ok {
		return fmt.Errorf("%q: %w", name, ErrWorkerNotFound)
	}
	return nil
}

// run drives one ledger entry from running to a terminal state.
func (o *Orchestrator) run(ctx context.Context, taskID string) Result {
	o.transition(taskID, StatusRunning)

	o.mu.RLock()
	task := o.tasks[taskID]
	typ := task.Type
	payload := task.Payload
	o.mu.RUnlock()

	start := o.now()
	var (
		result  any
		workers []string
		err     error
	)
	switch typ {
	case TypeProspecting:
		workers = []string{o.cfg.ProspectingWorker}
		result, err = o.executeOn(ctx, o.cfg.ProspectingWorker, string(TypeProspecting), payload, 0)
	case TypeGeneration:
		workers = []string{o.cfg.GenerationWorker}
		result, err = o.executeOn(ctx, o.cfg.GenerationWorker, string(TypeGeneration), payload, 0)
	case TypePipeline:
		workers = []string{o.cfg.ProspectingWorker, o.cfg.GenerationWorker}
		result, err = o.runPipeline(ctx, payload)
	case TypeCustom:
		name, _ := payload["worker"].(string)
		workers = []string{name}
		taskType, _ := payload["task_type"].(string)
		if taskType == "" {
			taskType = string(TypeCustom)
		}
		result, err = o.executeOn(ctx, name, taskType, payload, 0)
	}
	elapsed := o.now().Sub(start)

	return o.finalize(taskID, typ, result, workers, elapsed, err)
}

// executeOn runs one task on one worker and waits for the outcome, whether
// the worker ran it in the foreground or through its queue.
func (o *Orchestrator) executeOn(ctx context.Context, workerName, taskType string, payload map[string]any, priority int) (any, error) {
	w, ok := o.Worker(workerName)
	if !ok {
		return nil, fmt.Errorf("%q: %w", workerName, ErrWorkerNotFound)
	}
	handle, err := w.Execute(ctx, agent.Request{
		TaskType: taskType,
		Payload:  payload,
		Priority: priority,
	})
	if err != nil {
		return nil, err
	}
	return handle.Wait(ctx)
}

// finalize closes the ledger entry and folds the run into the metrics.
func (o *Orchestrator) finalize(taskID string, typ TaskType, result any, workers []string, elapsed time.Duration, err error) Result {
	o.mu.Lock()
	task := o.tasks[taskID]
	done := o.now()
	task.CompletedAt = &done
	task.ExecutionTime = elapsed
	task.Workers = workers
	if err != nil {
		task.Status = StatusFailed
		task.Error = err.Error()
	} else {
		task.Status = StatusCompleted
		task.Result = result
	}

	m, ok := o.metrics[typ]
	if !ok {
		m = &OperationMetrics{}
		o.metrics[typ] = m
	}
	m.Count++
	m.TotalTime += elapsed
	m.LastRun = done
	o.mu.Unlock()

	res := Result{
		Success:       err == nil,
		TaskID:        taskID,
		Result:        result,
		ExecutionTime: elapsed,
		WorkersUsed:   workers,
	}
	if err != nil {
		res.Error = err.Error()
		o.logger.Warn("workflow failed",
			zap.String("task", taskID),
			zap.String("type", string(typ)),
			zap.Error(err))
	} else {
		o.logger.Info("workflow completed",
			zap.String("task", taskID),
			zap.String("type", string(typ)),
			zap.Duration("elapsed", elapsed))
	}
	return res
}

func (o *Orchestrator) transition(taskID string, status Status) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if task, ok := o.tasks[taskID]; ok {
		task.Status = status
		if status == StatusRunning {
			started := o.now()
			task.StartedAt = &started
		}
	}
}

// Get returns a copy of one ledger entry.
func (o *Orchestrator) Get(id string) (Task, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	task, ok := o.tasks[id]
	if !ok {
		return Task{}, false
	}
	return *task, true
}

// History returns up to limit ledger entries, most recent first.
func (o *Orchestrator) History(limit int) []Task {
	o.mu.RLock()
	out := make([]Task, 0, len(o.tasks))
	for _, t := range o.tasks {
		out = append(out, *t)
	}
	o.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Status returns aggregate counts, per-worker summaries, and metrics.
func (o *Orchestrator) Status() AggregateStatus {
	o.mu.RLock()
	st := AggregateStatus{Metrics: make(map[TaskType]OperationMetrics, len(o.metrics))}
	for _, t := range o.tasks {
		switch t.Status {
		case StatusCompleted:
			st.Completed++
		case StatusFailed:
			st.Failed++
		default:
			st.Active++
		}
	}
	for typ, m := range o.metrics {
		st.Metrics[typ] = *m
	}
	workers := make([]*agent.Worker, 0, len(o.workers))
	for _, w := range o.workers {
		workers = append(workers, w)
	}
	o.mu.RUnlock()

	for _, w := range workers {
		st.Workers = append(st.Workers, w.State())
	}
	sort.Slice(st.Workers, func(i, j int) bool { return st.Workers[i].Name < st.Workers[j].Name })
	return st
}

// ActiveCount reports pending and running ledger entries. Wired to the
// adaptive scheduler as its active-task probe.
func (o *Orchestrator) ActiveCount() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	n := 0
	for _, t := range o.tasks {
		if t.Status == StatusPending || t.Status == StatusRunning {
			n++
		}
	}
	return n
}

// TotalQueueDepth sums every worker's background queue depth. Wired to the
// adaptive scheduler as its queue-depth probe.
func (o *Orchestrator) TotalQueueDepth() int {
	total := 0
	for _, w := range o.Workers() {
		total += w.QueueDepth()
	}
	return total
}

// Start launches the periodic ledger GC sweep.
func (o *Orchestrator) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	o.cancel = cancel
	o.wg.Add(1)
	go o.gcLoop(ctx)
	o.logger.Info("orchestrator started",
		zap.Duration("retention", o.cfg.Retention),
		zap.Duration("gc_interval", o.cfg.GCInterval))
}

// Stop halts the GC loop and waits for in-flight workflows.
func (o *Orchestrator) Stop() {
	if o.cancel != nil {
		o.cancel()
	}
	o.wg.Wait()
}

func (o *Orchestrator) gcLoop(ctx context.Context) {
	defer o.wg.Done()
	ticker := time.NewTicker(o.cfg.GCInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed := o.gcSweep(o.now())
			if removed > 0 {
				o.logger.Debug("ledger swept", zap.Int("removed", removed))
			}
		}
	}
}

// gcSweep drops terminal entries older than the retention window. Entries
// still running are never collected.
func (o *Orchestrator) gcSweep(now time.Time) int {
	cutoff := now.Add(-o.cfg.Retention)
	o.mu.Lock()
	defer o.mu.Unlock()
	removed := 0
	for id, t := range o.tasks {
		if t.Status == StatusRunning || t.Status == StatusPending {
			continue
		}
		if t.CreatedAt.Before(cutoff) {
			delete(o.tasks, id)
			removed++
		}
	}
	return removed
}

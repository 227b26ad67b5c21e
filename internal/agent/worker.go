package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrBusy is returned when a top-level execution is already in progress.
	ErrBusy = errors.New("worker busy: execution in progress")
	// ErrModeMismatch is returned for a mode switch or override a non-hybrid
	// worker's configuration does not allow.
	ErrModeMismatch = errors.New("execution mode not allowed by worker configuration")
	// ErrQueueCleared rejects every pending handle when the background queue
	// is cleared.
	ErrQueueCleared = errors.New("queue cleared")
	// ErrEvicted rejects the oldest pending handle when the bounded queue
	// overflows. The enqueue that caused the eviction still succeeds.
	ErrEvicted = errors.New("background queue overflow: item evicted")
	// ErrExecutionTimeout rejects a background handle whose deadline passed.
	// The underlying execution is abandoned, not killed.
	ErrExecutionTimeout = errors.New("execution timed out")
	// ErrStopped is returned for calls after Shutdown.
	ErrStopped = errors.New("worker stopped")
)

// Request is one unit of work submitted to a worker.
type Request struct {
	TaskType string
	Payload  map[string]any
	Priority int
	Timeout  time.Duration
	ModeHint ExecutionMode
}

// Executor runs a task's logic. Implementations must honor ctx cancellation
// on a best-effort basis.
type Executor func(ctx context.Context, req Request) (any, error)

// Observer receives every completed top-level execution outcome. Wired to
// the adaptive scheduler so it can refine its learned patterns.
type Observer func(taskType string, startedAt, completedAt time.Time, success bool)

// Config declares a worker's static configuration. Zero values get the
// defaults applied in NewWorker.
type Config struct {
	Name              string
	Mode              ExecutionMode
	Priority          int
	Capabilities      []string
	MaxQueueSize      int
	MaxConcurrency    int
	BacklogThreshold  int
	LargePayloadBytes int
	LowPriority       int
	AutoSave          bool
	AutoSaveInterval  time.Duration
}

type queueItem struct {
	req    Request
	handle *Handle
}

// Worker executes task logic under a configured execution mode, owns a
// bounded background queue, and tracks its own state counters. At most one
// top-level execution is in flight at a time.
type Worker struct {
	cfg      Config
	executor Executor
	observer Observer
	store    SnapshotStore

	mu         sync.Mutex
	state      State
	activeMode ExecutionMode
	executing  bool
	stopped    bool

	queueMu sync.Mutex
	queue   []*queueItem

	wake     chan struct{}
	sem      chan struct{}
	cancel   context.CancelFunc
	stopOnce sync.Once
	wg       sync.WaitGroup
	logger   *zap.Logger
}

// NewWorker creates a worker. Call Start before submitting work.
func NewWorker(cfg Config, executor Executor, logger *zap.Logger) *Worker {
	if cfg.Mode == "" {
		cfg.Mode = ModeForeground
	}
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = 50
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 3
	}
	if cfg.BacklogThreshold <= 0 {
		cfg.BacklogThreshold = 5
	}
	if cfg.LargePayloadBytes <= 0 {
		cfg.LargePayloadBytes = 8 * 1024
	}
	if cfg.LowPriority <= 0 {
		cfg.LowPriority = 3
	}
	if cfg.AutoSaveInterval <= 0 {
		cfg.AutoSaveInterval = time.Minute
	}

	return &Worker{
		cfg:      cfg,
		executor: executor,
		state: State{
			Name:         cfg.Name,
			Mode:         cfg.Mode,
			Priority:     cfg.Priority,
			Capabilities: append([]string(nil), cfg.Capabilities...),
			ModeUsage:    make(map[ExecutionMode]int64),
			UpdatedAt:    time.Now(),
		},
		activeMode: cfg.Mode,
		wake:       make(chan struct{}, 1),
		sem:        make(chan struct{}, cfg.MaxConcurrency),
		logger:     logger,
	}
}

// Name returns the worker's name.
func (w *Worker) Name() string { return w.cfg.Name }

// SetObserver wires the completion observer. Must be called before Start.
func (w *Worker) SetObserver(o Observer) { w.observer = o }

// SetSnapshotStore wires state persistence. Must be called before Start.
func (w *Worker) SetSnapshotStore(s SnapshotStore) { w.store = s }

// Start loads any persisted state and launches the queue drainer and the
// auto-save loop.
func (w *Worker) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel

	w.loadState(ctx)

	w.wg.Add(1)
	go w.drain(ctx)

	if w.cfg.AutoSave && w.store != nil {
		w.wg.Add(1)
		go w.autoSave(ctx)
	}

	w.logger.Info("worker started",
		zap.String("worker", w.cfg.Name),
		zap.String("mode", string(w.cfg.Mode)),
		zap.Int("max_concurrency", w.cfg.MaxConcurrency))
}

// Execute submits one top-level execution under the worker's active mode.
// Foreground calls block and return a settled handle whose error is also
// returned directly; background calls return a pending handle immediately.
func (w *Worker) Execute(ctx context.Context, req Request) (*Handle, error) {
	return w.submit(ctx, req, "", false)
}

// ExecuteWithMode runs one call under a temporary mode override. On a
// non-hybrid worker the override must equal the active mode; the active
// mode is untouched afterwards regardless of outcome.
func (w *Worker) ExecuteWithMode(ctx context.Context, req Request, mode ExecutionMode) (*Handle, error) {
	return w.submit(ctx, req, mode, true)
}

func (w *Worker) submit(ctx context.Context, req Request, override ExecutionMode, hasOverride bool) (*Handle, error) {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return nil, ErrStopped
	}
	if w.executing {
		w.mu.Unlock()
		return nil, ErrBusy
	}
	mode := w.activeMode
	if hasOverride {
		if w.cfg.Mode != ModeHybrid && override != w.activeMode {
			w.mu.Unlock()
			return nil, fmt.Errorf("worker %s: override %s: %w", w.cfg.Name, override, ErrModeMismatch)
		}
		mode = override
	}
	if mode == ModeHybrid {
		mode = w.routeHybrid(req)
	}
	w.executing = true
	w.mu.Unlock()

	switch mode {
	case ModeBackground:
		handle := w.enqueue(req)
		w.setExecuting(false)
		w.signalWake()
		return handle, nil
	default:
		handle := newHandle(ModeForeground)
		result, err := w.runTask(ctx, req, ModeForeground)
		w.setExecuting(false)
		if err != nil {
			handle.reject(err)
			return handle, err
		}
		handle.resolve(result)
		return handle, nil
	}
}

// routeHybrid applies the pure routing heuristic to one call.
func (w *Worker) routeHybrid(req Request) ExecutionMode {
	prio := req.Priority
	if prio == 0 {
		prio = w.Priority()
	}
	in := RouteInput{
		PayloadBytes: payloadSize(req.Payload),
		FileBound:    payloadImpliesFileWork(req.Payload),
		Priority:     prio,
		QueueDepth:   w.QueueDepth(),
		Hint:         req.ModeHint,
	}
	return DecideMode(in, RouteConfig{
		LargePayloadBytes: w.cfg.LargePayloadBytes,
		LowPriority:       w.cfg.LowPriority,
		BacklogThreshold:  w.cfg.BacklogThreshold,
	})
}

// enqueue appends a pending item, evicting the oldest when the queue is at
// capacity. Eviction is backpressure, not an error for the new caller.
func (w *Worker) enqueue(req Request) *Handle {
	handle := newHandle(ModeBackground)
	item := &queueItem{req: req, handle: handle}

	w.queueMu.Lock()
	if len(w.queue) >= w.cfg.MaxQueueSize {
		evicted := w.queue[0]
		w.queue = w.queue[1:]
		evicted.handle.reject(ErrEvicted)
		w.logger.Warn("background queue full, evicted oldest item",
			zap.String("worker", w.cfg.Name),
			zap.String("handle", evicted.handle.ID()))
	}
	w.queue = append(w.queue, item)
	w.queueMu.Unlock()
	return handle
}

func (w *Worker) popQueue() *queueItem {
	w.queueMu.Lock()
	defer w.queueMu.Unlock()
	if len(w.queue) == 0 {
		return nil
	}
	item := w.queue[0]
	w.queue = w.queue[1:]
	return item
}

// drain pulls queued items and runs up to MaxConcurrency of them at once.
func (w *Worker) drain(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.wake:
		}

		for {
			item := w.popQueue()
			if item == nil {
				break
			}
			select {
			case w.sem <- struct{}{}:
			case <-ctx.Done():
				item.handle.reject(ErrQueueCleared)
				return
			}
			w.wg.Add(1)
			go func(it *queueItem) {
				defer w.wg.Done()
				defer func() { <-w.sem }()
				w.runQueued(ctx, it)
			}(item)
		}
	}
}

// runQueued executes one background item, honoring its optional deadline.
// On timeout the handle is rejected and the execution abandoned; its
// outcome still lands in the worker counters when it eventually finishes.
func (w *Worker) runQueued(ctx context.Context, item *queueItem) {
	if item.req.Timeout <= 0 {
		result, err := w.runTask(ctx, item.req, ModeBackground)
		if err != nil {
			item.handle.reject(err)
			return
		}
		item.handle.resolve(result)
		return
	}

	type outcome struct {
		result any
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := w.runTask(ctx, item.req, ModeBackground)
		done <- outcome{res, err}
	}()

	timer := time.NewTimer(item.req.Timeout)
	defer timer.Stop()
	select {
	case out := <-done:
		if out.err != nil {
			item.handle.reject(out.err)
			return
		}
		item.handle.resolve(out.result)
	case <-timer.C:
		item.handle.reject(fmt.Errorf("after %s: %w", item.req.Timeout, ErrExecutionTimeout))
		w.logger.Warn("background item timed out",
			zap.String("worker", w.cfg.Name),
			zap.String("task_type", item.req.TaskType),
			zap.Duration("timeout", item.req.Timeout))
	case <-ctx.Done():
		item.handle.reject(ErrQueueCleared)
	}
}

// runTask invokes the executor and folds the outcome into the worker state.
// A panicking executor is converted to an error so the worker's control
// plane survives.
func (w *Worker) runTask(ctx context.Context, req Request, mode ExecutionMode) (any, error) {
	start := time.Now()
	result, err := w.invoke(ctx, req)
	dur := time.Since(start)

	w.mu.Lock()
	w.state.record(req.TaskType, mode, start, dur, err)
	w.mu.Unlock()

	if w.observer != nil {
		w.observer(req.TaskType, start, start.Add(dur), err == nil)
	}
	if err != nil {
		w.logger.Warn("execution failed",
			zap.String("worker", w.cfg.Name),
			zap.String("task_type", req.TaskType),
			zap.String("mode", string(mode)),
			zap.Error(err))
	}
	return result, err
}

func (w *Worker) invoke(ctx context.Context, req Request) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("executor panic: %v", r)
		}
	}()
	if w.executor == nil {
		return nil, fmt.Errorf("worker %s has no executor", w.cfg.Name)
	}
	return w.executor(ctx, req)
}

// SwitchMode changes the active mode. Fails while an execution is in
// progress, and on non-hybrid workers for any mode other than the
// configured one.
func (w *Worker) SwitchMode(mode ExecutionMode) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.executing {
		return fmt.Errorf("worker %s: %w", w.cfg.Name, ErrBusy)
	}
	if w.cfg.Mode != ModeHybrid && mode != w.cfg.Mode {
		return fmt.Errorf("worker %s is configured %s: %w", w.cfg.Name, w.cfg.Mode, ErrModeMismatch)
	}
	w.activeMode = mode
	w.state.Mode = mode
	w.state.UpdatedAt = time.Now()
	return nil
}

// ActiveMode returns the currently active execution mode.
func (w *Worker) ActiveMode() ExecutionMode {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.activeMode
}

// IsExecuting reports whether a top-level execution is in progress.
func (w *Worker) IsExecuting() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.executing
}

// QueueDepth returns the number of pending background items.
func (w *Worker) QueueDepth() int {
	w.queueMu.Lock()
	defer w.queueMu.Unlock()
	return len(w.queue)
}

// Clear rejects every pending background item with ErrQueueCleared and
// empties the queue. Used at shutdown.
func (w *Worker) Clear() int {
	w.queueMu.Lock()
	pending := w.queue
	w.queue = nil
	w.queueMu.Unlock()

	for _, item := range pending {
		item.handle.reject(ErrQueueCleared)
	}
	if len(pending) > 0 {
		w.logger.Info("background queue cleared",
			zap.String("worker", w.cfg.Name),
			zap.Int("rejected", len(pending)))
	}
	return len(pending)
}

// State returns a copy of the worker's state.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state.Clone()
}

// ResetState zeroes the running counters while keeping identity, mode,
// priority and capabilities.
func (w *Worker) ResetState() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state.TotalExecutions = 0
	w.state.SuccessfulExecutions = 0
	w.state.AvgExecutionTime = 0
	w.state.ErrorRate = 0
	w.state.ModeUsage = make(map[ExecutionMode]int64)
	w.state.LastExecution = nil
	w.state.UpdatedAt = time.Now()
}

// SetPriority updates the worker's priority.
func (w *Worker) SetPriority(p int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state.Priority = p
	w.state.UpdatedAt = time.Now()
}

// Priority returns the worker's current priority.
func (w *Worker) Priority() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state.Priority
}

// AddCapability registers a capability, ignoring duplicates.
func (w *Worker) AddCapability(cap string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, c := range w.state.Capabilities {
		if c == cap {
			return
		}
	}
	w.state.Capabilities = append(w.state.Capabilities, cap)
	w.state.UpdatedAt = time.Now()
}

// RemoveCapability unregisters a capability.
func (w *Worker) RemoveCapability(cap string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for i, c := range w.state.Capabilities {
		if c == cap {
			w.state.Capabilities = append(w.state.Capabilities[:i], w.state.Capabilities[i+1:]...)
			w.state.UpdatedAt = time.Now()
			return
		}
	}
}

// HasCapability reports whether the worker has a capability.
func (w *Worker) HasCapability(cap string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, c := range w.state.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

func (w *Worker) setExecuting(v bool) {
	w.mu.Lock()
	w.executing = v
	w.mu.Unlock()
}

func (w *Worker) signalWake() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// loadState adopts a persisted snapshot if one exists. Corrupt or missing
// snapshots fall back to defaults without failing startup.
func (w *Worker) loadState(ctx context.Context) {
	if w.store == nil {
		return
	}
	snap, err := w.store.LoadSnapshot(ctx, w.cfg.Name)
	if err != nil {
		w.logger.Warn("snapshot load failed, using defaults",
			zap.String("worker", w.cfg.Name),
			zap.Error(err))
		return
	}
	if snap == nil {
		return
	}

	w.mu.Lock()
	w.state.TotalExecutions = snap.TotalExecutions
	w.state.SuccessfulExecutions = snap.SuccessfulExecutions
	w.state.AvgExecutionTime = snap.AvgExecutionTime
	w.state.ErrorRate = snap.ErrorRate
	w.state.LastExecution = snap.LastExecution
	if len(snap.ModeUsage) > 0 {
		w.state.ModeUsage = make(map[ExecutionMode]int64, len(snap.ModeUsage))
		for k, v := range snap.ModeUsage {
			w.state.ModeUsage[k] = v
		}
	}
	w.state.UpdatedAt = time.Now()
	w.mu.Unlock()

	w.logger.Info("snapshot restored",
		zap.String("worker", w.cfg.Name),
		zap.Int64("total_executions", snap.TotalExecutions))
}

// saveState writes the current state snapshot. Persistence errors are
// logged and absorbed.
func (w *Worker) saveState(ctx context.Context) {
	if w.store == nil {
		return
	}
	snap := w.State()
	if err := w.store.SaveSnapshot(ctx, &snap); err != nil {
		w.logger.Warn("snapshot save failed",
			zap.String("worker", w.cfg.Name),
			zap.Error(err))
	}
}

func (w *Worker) autoSave(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.cfg.AutoSaveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			saveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			w.saveState(saveCtx)
			cancel()
		}
	}
}

// Shutdown stops the drainer and auto-save loops, clears the queue, and
// flushes a final snapshot. Safe to call multiple times.
func (w *Worker) Shutdown() {
	w.stopOnce.Do(func() {
		w.mu.Lock()
		w.stopped = true
		w.mu.Unlock()

		if w.cancel != nil {
			w.cancel()
		}
		w.Clear()
		w.wg.Wait()

		saveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		w.saveState(saveCtx)
		cancel()

		w.logger.Info("worker stopped", zap.String("worker", w.cfg.Name))
	})
}

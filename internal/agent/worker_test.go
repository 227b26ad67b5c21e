package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

func echoExecutor(ctx context.Context, req Request) (any, error) {
	return req.Payload, nil
}

func newTestWorker(t *testing.T, cfg Config, exec Executor) *Worker {
	t.Helper()
	if cfg.Name == "" {
		cfg.Name = "test-worker"
	}
	w := NewWorker(cfg, exec, zap.NewNop())
	w.Start()
	t.Cleanup(w.Shutdown)
	return w
}

func TestForegroundExecution(t *testing.T) {
	w := newTestWorker(t, Config{Mode: ModeForeground}, echoExecutor)

	h, err := w.Execute(context.Background(), Request{
		TaskType: "prospecting",
		Payload:  map[string]any{"region": "emea"},
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	result, err := h.Wait(context.Background())
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	payload, ok := result.(map[string]any)
	if !ok || payload["region"] != "emea" {
		t.Errorf("unexpected result: %#v", result)
	}
	if h.Mode() != ModeForeground {
		t.Errorf("mode = %s, want foreground", h.Mode())
	}
}

func TestForegroundFailurePropagates(t *testing.T) {
	boom := errors.New("crm unreachable")
	w := newTestWorker(t, Config{Mode: ModeForeground}, func(ctx context.Context, req Request) (any, error) {
		return nil, boom
	})

	_, err := w.Execute(context.Background(), Request{TaskType: "prospecting"})
	if !errors.Is(err, boom) {
		t.Fatalf("expected executor error, got %v", err)
	}

	st := w.State()
	if st.TotalExecutions != 1 || st.SuccessfulExecutions != 0 {
		t.Errorf("counters = %d/%d, want 1/0", st.SuccessfulExecutions, st.TotalExecutions)
	}
	if st.ErrorRate != 1.0 {
		t.Errorf("error rate = %v, want 1.0", st.ErrorRate)
	}
}

func TestSingleFlight(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	w := newTestWorker(t, Config{Mode: ModeForeground}, func(ctx context.Context, req Request) (any, error) {
		close(started)
		<-release
		return "done", nil
	})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if _, err := w.Execute(context.Background(), Request{TaskType: "slow"}); err != nil {
			t.Errorf("first execute: %v", err)
		}
	}()

	<-started
	if !w.IsExecuting() {
		t.Error("expected executing flag while foreground call in flight")
	}
	if _, err := w.Execute(context.Background(), Request{TaskType: "slow"}); !errors.Is(err, ErrBusy) {
		t.Errorf("second execute = %v, want ErrBusy", err)
	}
	if err := w.SwitchMode(ModeForeground); !errors.Is(err, ErrBusy) {
		t.Errorf("switch during execution = %v, want ErrBusy", err)
	}

	close(release)
	wg.Wait()
	if w.IsExecuting() {
		t.Error("executing flag stuck after completion")
	}
}

func TestBackgroundExecution(t *testing.T) {
	w := newTestWorker(t, Config{Mode: ModeBackground, MaxConcurrency: 2}, echoExecutor)

	h, err := w.Execute(context.Background(), Request{
		TaskType: "generation",
		Payload:  map[string]any{"prospect": "acme"},
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if h.Mode() != ModeBackground {
		t.Fatalf("mode = %s, want background", h.Mode())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	result, err := h.Wait(ctx)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if payload, ok := result.(map[string]any); !ok || payload["prospect"] != "acme" {
		t.Errorf("unexpected result: %#v", result)
	}
}

func TestBackgroundTimeout(t *testing.T) {
	w := newTestWorker(t, Config{Mode: ModeBackground}, func(ctx context.Context, req Request) (any, error) {
		time.Sleep(500 * time.Millisecond)
		return "late", nil
	})

	h, err := w.Execute(context.Background(), Request{
		TaskType: "slow",
		Timeout:  20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := h.Wait(ctx); !errors.Is(err, ErrExecutionTimeout) {
		t.Fatalf("wait = %v, want ErrExecutionTimeout", err)
	}
}

func TestClearRejectsAllPending(t *testing.T) {
	// No Start: items stay queued so the clear is deterministic.
	w := NewWorker(Config{Name: "clearable", Mode: ModeBackground, MaxQueueSize: 10}, echoExecutor, zap.NewNop())

	var handles []*Handle
	for i := 0; i < 4; i++ {
		handles = append(handles, w.enqueue(Request{TaskType: "x"}))
	}

	if cleared := w.Clear(); cleared != 4 {
		t.Fatalf("cleared %d items, want 4", cleared)
	}
	if w.QueueDepth() != 0 {
		t.Errorf("queue depth = %d after clear, want 0", w.QueueDepth())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for i, h := range handles {
		if _, err := h.Wait(ctx); !errors.Is(err, ErrQueueCleared) {
			t.Errorf("handle %d = %v, want ErrQueueCleared", i, err)
		}
	}
}

func TestQueueOverflowEvictsOldest(t *testing.T) {
	// No Start: nothing drains, so capacity arithmetic is exact.
	w := NewWorker(Config{Name: "bounded", Mode: ModeBackground, MaxQueueSize: 2}, echoExecutor, zap.NewNop())

	oldest := w.enqueue(Request{TaskType: "x"})
	_ = w.enqueue(Request{TaskType: "x"})
	_ = w.enqueue(Request{TaskType: "x"}) // overflows, evicting oldest

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := oldest.Wait(ctx); !errors.Is(err, ErrEvicted) {
		t.Fatalf("oldest handle = %v, want ErrEvicted", err)
	}
	if w.QueueDepth() != 2 {
		t.Errorf("queue depth = %d, want capacity 2", w.QueueDepth())
	}
}

func TestSwitchModeContract(t *testing.T) {
	w := newTestWorker(t, Config{Mode: ModeForeground}, echoExecutor)

	if err := w.SwitchMode(ModeBackground); !errors.Is(err, ErrModeMismatch) {
		t.Errorf("switch to background on foreground worker = %v, want ErrModeMismatch", err)
	}
	if err := w.SwitchMode(ModeForeground); err != nil {
		t.Errorf("switch to configured mode: %v", err)
	}

	hybrid := newTestWorker(t, Config{Name: "hybrid-worker", Mode: ModeHybrid}, echoExecutor)
	if err := hybrid.SwitchMode(ModeBackground); err != nil {
		t.Errorf("hybrid switch to background: %v", err)
	}
	if hybrid.ActiveMode() != ModeBackground {
		t.Errorf("active mode = %s, want background", hybrid.ActiveMode())
	}
}

func TestExecuteWithModeOverride(t *testing.T) {
	w := newTestWorker(t, Config{Mode: ModeForeground}, echoExecutor)

	// Override differing from active mode is refused on non-hybrid workers.
	if _, err := w.ExecuteWithMode(context.Background(), Request{TaskType: "x"}, ModeBackground); !errors.Is(err, ErrModeMismatch) {
		t.Errorf("override = %v, want ErrModeMismatch", err)
	}

	// Override equal to the active mode is allowed.
	if _, err := w.ExecuteWithMode(context.Background(), Request{TaskType: "x"}, ModeForeground); err != nil {
		t.Errorf("matching override: %v", err)
	}

	hybrid := newTestWorker(t, Config{Name: "hybrid-worker", Mode: ModeHybrid}, echoExecutor)
	h, err := hybrid.ExecuteWithMode(context.Background(), Request{TaskType: "x"}, ModeBackground)
	if err != nil {
		t.Fatalf("hybrid override: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := h.Wait(ctx); err != nil {
		t.Fatalf("wait: %v", err)
	}
	// Active mode untouched by the per-call override.
	if hybrid.ActiveMode() != ModeHybrid {
		t.Errorf("active mode = %s, want hybrid", hybrid.ActiveMode())
	}
}

func TestCountersInvariant(t *testing.T) {
	var calls int
	w := newTestWorker(t, Config{Mode: ModeForeground}, func(ctx context.Context, req Request) (any, error) {
		calls++
		if calls%3 == 0 {
			return nil, fmt.Errorf("call %d failed", calls)
		}
		return calls, nil
	})

	for i := 0; i < 9; i++ {
		_, _ = w.Execute(context.Background(), Request{TaskType: "mixed"})
	}

	st := w.State()
	if st.TotalExecutions != 9 {
		t.Fatalf("total = %d, want 9", st.TotalExecutions)
	}
	if st.SuccessfulExecutions != 6 {
		t.Errorf("successful = %d, want 6", st.SuccessfulExecutions)
	}
	var modeSum int64
	for _, n := range st.ModeUsage {
		modeSum += n
	}
	if modeSum != st.TotalExecutions {
		t.Errorf("mode usage sum = %d, total = %d", modeSum, st.TotalExecutions)
	}
	want := float64(3) / float64(9)
	if diff := st.ErrorRate - want; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("error rate = %v, want %v", st.ErrorRate, want)
	}
}

func TestPanicConvertedToError(t *testing.T) {
	w := newTestWorker(t, Config{Mode: ModeForeground}, func(ctx context.Context, req Request) (any, error) {
		panic("executor blew up")
	})

	_, err := w.Execute(context.Background(), Request{TaskType: "x"})
	if err == nil {
		t.Fatal("expected error from panicking executor")
	}

	// Worker still functional afterwards.
	if _, err := w.ExecuteWithMode(context.Background(), Request{TaskType: "x"}, ModeForeground); err == nil {
		t.Fatal("expected panic error again")
	}
	if w.State().TotalExecutions != 2 {
		t.Errorf("total = %d, want 2", w.State().TotalExecutions)
	}
}

func TestShutdownIdempotent(t *testing.T) {
	w := NewWorker(Config{Name: "stoppable", Mode: ModeBackground}, echoExecutor, zap.NewNop())
	w.Start()

	w.Shutdown()
	w.Shutdown()

	if _, err := w.Execute(context.Background(), Request{TaskType: "x"}); !errors.Is(err, ErrStopped) {
		t.Errorf("execute after shutdown = %v, want ErrStopped", err)
	}
}

func TestCapabilitiesAndPriority(t *testing.T) {
	w := newTestWorker(t, Config{Mode: ModeForeground, Capabilities: []string{"prospecting"}}, echoExecutor)

	w.AddCapability("generation")
	w.AddCapability("generation") // duplicate ignored
	if !w.HasCapability("generation") {
		t.Error("expected generation capability")
	}
	if got := len(w.State().Capabilities); got != 2 {
		t.Errorf("capabilities = %d, want 2", got)
	}
	w.RemoveCapability("prospecting")
	if w.HasCapability("prospecting") {
		t.Error("capability not removed")
	}

	w.SetPriority(7)
	if w.Priority() != 7 {
		t.Errorf("priority = %d, want 7", w.Priority())
	}
}

func TestResetState(t *testing.T) {
	w := newTestWorker(t, Config{Mode: ModeForeground}, echoExecutor)
	_, _ = w.Execute(context.Background(), Request{TaskType: "x"})

	w.ResetState()
	st := w.State()
	if st.TotalExecutions != 0 || st.LastExecution != nil || st.ErrorRate != 0 {
		t.Errorf("state not reset: %+v", st)
	}
	if st.Name != "test-worker" {
		t.Errorf("identity lost on reset: %q", st.Name)
	}
}

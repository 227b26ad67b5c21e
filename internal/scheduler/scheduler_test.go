package scheduler

import (
	"fmt"
	"math"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
)

// fixedNow is a Wednesday at noon.
var fixedNow = time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)

func newTestScheduler(cfg Config) *Scheduler {
	s := New(cfg, Probes{}, zap.NewNop())
	s.now = func() time.Time { return fixedNow }
	return s
}

// feed records n completed executions of taskType starting at the given
// hour on consecutive Wednesdays, each lasting dur.
func feed(s *Scheduler, taskType string, n, hour int, dur time.Duration, success bool) {
	for i := 0; i < n; i++ {
		start := time.Date(2026, 3, 4, hour, 0, 0, 0, time.UTC).AddDate(0, 0, -7*i)
		s.RecordOutcome(fmt.Sprintf("%s-%d", taskType, i), taskType, start, start.Add(dur), success)
	}
}

func TestOptimalHourModalBucket(t *testing.T) {
	s := newTestScheduler(Config{})

	feed(s, "prospecting", 5, 9, 200*time.Millisecond, true)
	feed(s, "prospecting", 1, 14, 200*time.Millisecond, true)
	s.Relearn()

	p, ok := s.Pattern("prospecting")
	if !ok {
		t.Fatal("expected learned pattern")
	}
	if p.OptimalHour != 9 {
		t.Errorf("optimal hour = %d, want 9", p.OptimalHour)
	}
	if p.SuccessRate != 1.0 {
		t.Errorf("success rate = %v, want 1.0", p.SuccessRate)
	}
	if p.SampleCount != 6 {
		t.Errorf("sample count = %d, want 6", p.SampleCount)
	}
}

func TestOptimalHourTieBreaksLow(t *testing.T) {
	s := newTestScheduler(Config{})

	feed(s, "sync", 3, 15, time.Second, true)
	feed(s, "sync", 3, 8, time.Second, true)
	s.Relearn()

	p, _ := s.Pattern("sync")
	if p.OptimalHour != 8 {
		t.Errorf("tied histogram resolved to hour %d, want lowest index 8", p.OptimalHour)
	}
}

func TestMinSamplesRequired(t *testing.T) {
	s := newTestScheduler(Config{})

	feed(s, "rare", 4, 9, time.Second, true)
	s.Relearn()

	if _, ok := s.Pattern("rare"); ok {
		t.Error("pattern learned from fewer than MinSamples records")
	}
}

func TestSingleCompletedRunIsFullyConsistent(t *testing.T) {
	s := newTestScheduler(Config{})

	// Five samples, but only one completed: the lone duration has zero
	// spread, so the consistency term is 1, not 0.
	feed(s, "followup", 1, 9, 30*time.Second, true)
	feed(s, "followup", 4, 9, 30*time.Second, false)
	s.Relearn()

	p, ok := s.Pattern("followup")
	if !ok {
		t.Fatal("expected learned pattern")
	}
	want := 0.7*(5.0/100.0) + 0.3*1.0
	if math.Abs(p.Confidence-want) > 1e-9 {
		t.Errorf("confidence = %v, want %v", p.Confidence, want)
	}
}

func TestConfidenceGrowsAndCaps(t *testing.T) {
	prev := 0.0
	for _, n := range []int{5, 10, 25, 50, 100, 200} {
		s := newTestScheduler(Config{})
		feed(s, "steady", n, 9, 100*time.Millisecond, true)
		s.Relearn()

		p, ok := s.Pattern("steady")
		if !ok {
			t.Fatalf("no pattern at n=%d", n)
		}
		if p.Confidence < prev {
			t.Errorf("confidence decreased at n=%d: %v < %v", n, p.Confidence, prev)
		}
		if p.Confidence < 0 || p.Confidence > 0.95 {
			t.Errorf("confidence out of bounds at n=%d: %v", n, p.Confidence)
		}
		prev = p.Confidence
	}
	if prev != 0.95 {
		t.Errorf("confidence at large n = %v, want cap 0.95", prev)
	}
}

func TestInconsistentDurationsLowerConfidence(t *testing.T) {
	consistent := newTestScheduler(Config{})
	feed(consistent, "t", 20, 9, 100*time.Millisecond, true)
	consistent.Relearn()

	jittery := newTestScheduler(Config{})
	for i := 0; i < 20; i++ {
		start := time.Date(2026, 3, 4, 9, 0, 0, 0, time.UTC).AddDate(0, 0, -i)
		dur := time.Duration(i%5) * 300 * time.Millisecond
		jittery.RecordOutcome("t", "t", start, start.Add(dur), true)
	}
	jittery.Relearn()

	pc, _ := consistent.Pattern("t")
	pj, _ := jittery.Pattern("t")
	if pj.Confidence >= pc.Confidence {
		t.Errorf("jittery confidence %v >= consistent %v", pj.Confidence, pc.Confidence)
	}
}

func TestHistoryCapped(t *testing.T) {
	s := newTestScheduler(Config{HistoryCap: 10})
	feed(s, "many", 25, 9, time.Second, true)
	if s.HistoryLen() != 10 {
		t.Errorf("history length = %d, want cap 10", s.HistoryLen())
	}
}

func TestRelearnTriggeredByRecordCount(t *testing.T) {
	s := newTestScheduler(Config{RelearnEvery: 5})
	// No explicit Relearn call: the fifth record triggers it.
	feed(s, "auto", 5, 9, time.Second, true)

	if _, ok := s.Pattern("auto"); !ok {
		t.Error("expected pattern after RelearnEvery records without explicit relearn")
	}
}

func TestLoadRingBounded(t *testing.T) {
	s := newTestScheduler(Config{LoadHistoryCap: 3})
	for i := 0; i < 5; i++ {
		s.ObserveLoad(Load{ActiveTasks: i, Timestamp: fixedNow})
	}
	hist := s.LoadHistory()
	if len(hist) != 3 {
		t.Fatalf("load history = %d entries, want 3", len(hist))
	}
	if hist[0].ActiveTasks != 2 || hist[2].ActiveTasks != 4 {
		t.Errorf("ring kept wrong samples: %+v", hist)
	}
	if got := s.CurrentLoad(); got.ActiveTasks != 4 {
		t.Errorf("current load = %+v, want latest sample", got)
	}
}

func TestRecommendHighUrgencyBusy(t *testing.T) {
	s := newTestScheduler(Config{})
	s.ObserveLoad(Load{ActiveTasks: 12, Timestamp: fixedNow})

	d := s.Recommend(Task{ID: "t1", Type: "prospecting"}, UrgencyHigh)
	if d.Priority != AdjustBoost {
		t.Errorf("priority = %s, want boost", d.Priority)
	}
	want := fixedNow.Add(5 * time.Minute)
	if !d.RecommendedTime.Equal(want) {
		t.Errorf("recommended = %v, want %v", d.RecommendedTime, want)
	}
	if !strings.Contains(d.Reason, "busy") {
		t.Errorf("reason %q should mention busy system", d.Reason)
	}
}

func TestRecommendHighUrgencyIdle(t *testing.T) {
	s := newTestScheduler(Config{})
	s.ObserveLoad(Load{ActiveTasks: 1, Timestamp: fixedNow})

	d := s.Recommend(Task{ID: "t1", Type: "prospecting"}, UrgencyHigh)
	if !d.RecommendedTime.Equal(fixedNow) {
		t.Errorf("recommended = %v, want now", d.RecommendedTime)
	}
	if d.Priority != AdjustBoost {
		t.Errorf("priority = %s, want boost", d.Priority)
	}
}

func TestRecommendLowUrgencyTargetsOptimalWindow(t *testing.T) {
	s := newTestScheduler(Config{})
	// All successes on Wednesdays at 09:00.
	feed(s, "digest", 6, 9, time.Second, true)
	s.Relearn()
	s.ObserveLoad(Load{ActiveTasks: 1, Timestamp: fixedNow})

	d := s.Recommend(Task{ID: "t1", Type: "digest"}, UrgencyLow)
	// Next 09:00 after Wednesday noon is Thursday, nudged forward to the
	// following Wednesday.
	want := time.Date(2026, 3, 11, 9, 0, 0, 0, time.UTC)
	if !d.RecommendedTime.Equal(want) {
		t.Errorf("recommended = %v, want %v", d.RecommendedTime, want)
	}
	if d.Priority != AdjustMaintain {
		t.Errorf("priority = %s, want maintain", d.Priority)
	}
}

func TestRecommendLowUrgencyDefersWhenBusy(t *testing.T) {
	s := newTestScheduler(Config{})
	feed(s, "digest", 6, 9, time.Second, true)
	s.Relearn()
	s.ObserveLoad(Load{ActiveTasks: 15, Timestamp: fixedNow})

	d := s.Recommend(Task{ID: "t1", Type: "digest"}, UrgencyLow)
	if d.Priority != AdjustDefer {
		t.Errorf("priority = %s, want defer", d.Priority)
	}
}

func TestRecommendMediumWaitsForNearOptimalHour(t *testing.T) {
	s := newTestScheduler(Config{})
	// Optimal hour 13, one hour after fixedNow (12:00).
	feed(s, "outreach", 10, 13, time.Second, true)
	s.Relearn()
	s.ObserveLoad(Load{CPUPercent: 50, ActiveTasks: 4, Timestamp: fixedNow})

	d := s.Recommend(Task{ID: "t1", Type: "outreach"}, UrgencyMedium)
	want := time.Date(2026, 3, 4, 13, 0, 0, 0, time.UTC)
	if !d.RecommendedTime.Equal(want) {
		t.Errorf("recommended = %v, want %v", d.RecommendedTime, want)
	}
	if d.Priority != AdjustMaintain {
		t.Errorf("priority = %s, want maintain", d.Priority)
	}
}

func TestRecommendMediumLightLoadBoost(t *testing.T) {
	s := newTestScheduler(Config{})
	// Optimal hour far away so the light-load branch fires.
	feed(s, "outreach", 10, 3, time.Second, true)
	s.Relearn()
	s.ObserveLoad(Load{CPUPercent: 5, ActiveTasks: 1, Timestamp: fixedNow})

	d := s.Recommend(Task{ID: "t1", Type: "outreach"}, UrgencyMedium)
	want := fixedNow.Add(10 * time.Minute)
	if !d.RecommendedTime.Equal(want) {
		t.Errorf("recommended = %v, want %v", d.RecommendedTime, want)
	}
	if d.Priority != AdjustBoost {
		t.Errorf("priority = %s, want boost for very light load and high success", d.Priority)
	}
}

func TestRecommendMediumWeakPatternDefersUnderLoad(t *testing.T) {
	s := newTestScheduler(Config{})
	feed(s, "flaky", 3, 3, time.Second, true)
	feed(s, "flaky", 3, 3, time.Second, false)
	s.Relearn()
	s.ObserveLoad(Load{CPUPercent: 90, ActiveTasks: 14, Timestamp: fixedNow})

	d := s.Recommend(Task{ID: "t1", Type: "flaky"}, UrgencyMedium)
	want := fixedNow.Add(time.Hour)
	if !d.RecommendedTime.Equal(want) {
		t.Errorf("recommended = %v, want backoff %v", d.RecommendedTime, want)
	}
	if d.Priority != AdjustDefer {
		t.Errorf("priority = %s, want defer", d.Priority)
	}
}

func TestRecommendUnseenTypeUsesDefaultPattern(t *testing.T) {
	s := newTestScheduler(Config{})
	s.ObserveLoad(Load{ActiveTasks: 1, Timestamp: fixedNow})

	d := s.Recommend(Task{ID: "t1", Type: "never-seen"}, UrgencyMedium)
	if d.Confidence != 0.1 {
		t.Errorf("confidence = %v, want default 0.1", d.Confidence)
	}
	if !strings.Contains(d.Reason, "low confidence") {
		t.Errorf("reason %q should flag low confidence", d.Reason)
	}
}

package scheduler

import (
	"math"
	"time"
)

// confidence blend weights: sample volume dominates, duration consistency
// refines. Tuning constants carried over from operations.
const (
	confidenceVolumeWeight      = 0.7
	confidenceConsistencyWeight = 0.3
	confidenceVolumeCeiling     = 100
	resourceDurationCeiling     = time.Minute
)

// extractPatterns recomputes patterns from the execution history. Types
// with fewer than minSamples records yield no pattern.
func extractPatterns(history []TaskExecution, cfg Config) map[string]*Pattern {
	byType := make(map[string][]TaskExecution)
	for _, e := range history {
		byType[e.TaskType] = append(byType[e.TaskType], e)
	}

	patterns := make(map[string]*Pattern, len(byType))
	for taskType, execs := range byType {
		if len(execs) < cfg.MinSamples {
			continue
		}
		patterns[taskType] = extractOne(taskType, execs, cfg)
	}
	return patterns
}

func extractOne(taskType string, execs []TaskExecution, cfg Config) *Pattern {
	var hourCounts [24]int
	var dayCounts [7]int
	var durations []time.Duration
	completed := 0

	for _, e := range execs {
		if e.Status == StatusCompleted {
			completed++
			hourCounts[e.StartedAt.Hour()]++
			dayCounts[int(e.StartedAt.Weekday())]++
			if e.CompletedAt != nil {
				durations = append(durations, e.Duration())
			}
		}
	}

	avg := meanDuration(durations)
	consistency := durationConsistency(durations, avg)

	volume := math.Min(float64(len(execs))/confidenceVolumeCeiling, 1)
	confidence := confidenceVolumeWeight*volume + confidenceConsistencyWeight*consistency
	if confidence > cfg.MaxConfidence {
		confidence = cfg.MaxConfidence
	}

	return &Pattern{
		TaskType:      taskType,
		OptimalHour:   argmax(hourCounts[:]),
		OptimalDay:    time.Weekday(argmax(dayCounts[:])),
		SuccessRate:   float64(completed) / float64(len(execs)),
		AvgDuration:   avg,
		ResourceUsage: math.Min(float64(avg)/float64(resourceDurationCeiling), 1),
		Confidence:    confidence,
		SampleCount:   len(execs),
		UpdatedAt:     time.Now(),
	}
}

// argmax returns the index of the highest count; ties break to the lowest
// index.
func argmax(counts []int) int {
	best := 0
	for i := 1; i < len(counts); i++ {
		if counts[i] > counts[best] {
			best = i
		}
	}
	return best
}

func meanDuration(ds []time.Duration) time.Duration {
	if len(ds) == 0 {
		return 0
	}
	var sum time.Duration
	for _, d := range ds {
		sum += d
	}
	return sum / time.Duration(len(ds))
}

// durationConsistency is 1 for perfectly uniform durations and decays
// toward 0 as the relative spread grows.
func durationConsistency(ds []time.Duration, mean time.Duration) float64 {
	if len(ds) == 0 || mean <= 0 {
		return 0
	}
	if len(ds) == 1 {
		// zero spread
		return 1
	}
	var sumSq float64
	for _, d := range ds {
		diff := float64(d - mean)
		sumSq += diff * diff
	}
	stddev := math.Sqrt(sumSq / float64(len(ds)))
	return math.Max(0, 1-stddev/float64(mean))
}

// defaultPattern is the low-confidence stand-in for an unseen task type.
// The timing fields are placeholders; the confidence value tells callers
// not to lean on them.
func defaultPattern(taskType string, cfg Config) *Pattern {
	return &Pattern{
		TaskType:      taskType,
		OptimalHour:   9,
		OptimalDay:    time.Monday,
		SuccessRate:   0.5,
		AvgDuration:   30 * time.Second,
		ResourceUsage: 0.5,
		Confidence:    cfg.DefaultConfidence,
		UpdatedAt:     time.Now(),
	}
}

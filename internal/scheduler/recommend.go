package scheduler

import (
	"fmt"
	"strings"
	"time"
)

// lowConfidence marks patterns whose advice should be read as a guess.
const lowConfidence = 0.3

// Recommend answers "when should this task run". Advice only: a caller
// that executes immediately instead is never blocked.
func (s *Scheduler) Recommend(task Task, urgency Urgency) Decision {
	pattern, learned := s.Pattern(task.Type)
	if !learned {
		pattern = *defaultPattern(task.Type, s.cfg)
	}
	load := s.CurrentLoad()
	now := s.now()

	var (
		when     time.Time
		priority PriorityAdjustment
		reasons  []string
	)

	busy := load.ActiveTasks > s.cfg.BusyActiveTasks || load.CPUPercent > s.cfg.HighCPUPercent
	light := load.CPUPercent < s.cfg.LightCPUPercent && load.ActiveTasks*2 <= s.cfg.BusyActiveTasks
	veryLight := load.CPUPercent < s.cfg.VeryLightCPUPercent && load.ActiveTasks*2 <= s.cfg.BusyActiveTasks

	switch urgency {
	case UrgencyHigh:
		when = now
		priority = AdjustBoost
		reasons = append(reasons, "high urgency: run immediately")
		if load.ActiveTasks > s.cfg.BusyActiveTasks {
			when = now.Add(s.cfg.BusyDelay)
			reasons = append(reasons, fmt.Sprintf("system busy (%d active tasks), short delay applied", load.ActiveTasks))
		}

	case UrgencyLow:
		when = nextHour(now, pattern.OptimalHour)
		for when.Weekday() != pattern.OptimalDay {
			when = when.Add(24 * time.Hour)
		}
		priority = AdjustMaintain
		reasons = append(reasons, fmt.Sprintf("low urgency: waiting for optimal window (hour %d, %s)", pattern.OptimalHour, pattern.OptimalDay))
		if busy {
			priority = AdjustDefer
			reasons = append(reasons, "system busy, deferring")
		}

	default: // medium
		optimal := nextHour(now, pattern.OptimalHour)
		switch {
		case optimal.Sub(now) <= s.cfg.OptimalWindow:
			when = optimal
			reasons = append(reasons, fmt.Sprintf("optimal hour %d within window, waiting for it", pattern.OptimalHour))
		case light:
			when = now.Add(s.cfg.SoonDelay)
			reasons = append(reasons, "system lightly loaded, scheduling soon")
		default:
			when = now.Add(s.cfg.BackoffDelay)
			reasons = append(reasons, "system loaded, backing off an hour")
		}

		switch {
		case veryLight && pattern.SuccessRate > 0.9:
			priority = AdjustBoost
			reasons = append(reasons, fmt.Sprintf("very light load and strong success rate (%.0f%%)", pattern.SuccessRate*100))
		case pattern.SuccessRate < 0.7 && busy:
			priority = AdjustDefer
			reasons = append(reasons, fmt.Sprintf("weak success rate (%.0f%%) under load", pattern.SuccessRate*100))
		default:
			priority = AdjustMaintain
		}
	}

	if pattern.Confidence < lowConfidence {
		reasons = append(reasons, fmt.Sprintf("low confidence (%.2f), advice is a guess", pattern.Confidence))
	}

	return Decision{
		TaskID:            task.ID,
		RecommendedTime:   when,
		Priority:          priority,
		Reason:            strings.Join(reasons, "; "),
		Confidence:        pattern.Confidence,
		EstimatedDuration: pattern.AvgDuration,
		EstimatedResource: pattern.ResourceUsage,
	}
}

// nextHour returns the next future timestamp at the given hour of day.
func nextHour(now time.Time, hour int) time.Time {
	t := time.Date(now.Year(), now.Month(), now.Day(), hour, 0, 0, 0, now.Location())
	if !t.After(now) {
		t = t.Add(24 * time.Hour)
	}
	return t
}

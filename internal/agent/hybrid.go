package agent

import (
	"encoding/json"
	"strings"
)

// hybridSignalThreshold is how many positive routing signals push a hybrid
// call to the background path. Tuning constant, not a derived value.
const hybridSignalThreshold = 2

// RouteInput carries the per-call signals the hybrid heuristic looks at.
type RouteInput struct {
	PayloadBytes int
	FileBound    bool
	Priority     int
	QueueDepth   int
	Hint         ExecutionMode
}

// RouteConfig holds the thresholds the heuristic compares against.
type RouteConfig struct {
	LargePayloadBytes int
	LowPriority       int
	BacklogThreshold  int
}

// DecideMode picks foreground or background for one hybrid call. It is a
// pure function over the call's signals: large payload, file-bound work,
// low-urgency priority, queue headroom, and an explicit caller hint each
// count as one vote for background.
func DecideMode(in RouteInput, cfg RouteConfig) ExecutionMode {
	signals := 0
	if in.PayloadBytes >= cfg.LargePayloadBytes {
		signals++
	}
	if in.FileBound {
		signals++
	}
	if in.Priority <= cfg.LowPriority {
		signals++
	}
	if in.QueueDepth < cfg.BacklogThreshold {
		signals++
	}
	if in.Hint == ModeBackground {
		signals++
	}
	if signals >= hybridSignalThreshold {
		return ModeBackground
	}
	return ModeForeground
}

// fileWorkKeys are payload keys that imply disk or export work.
var fileWorkKeys = []string{"file", "path", "export", "csv", "attachment", "report"}

// payloadImpliesFileWork reports whether any payload key suggests the task
// will touch the filesystem.
func payloadImpliesFileWork(payload map[string]any) bool {
	for k := range payload {
		lower := strings.ToLower(k)
		for _, fk := range fileWorkKeys {
			if strings.Contains(lower, fk) {
				return true
			}
		}
	}
	return false
}

// payloadSize estimates the wire size of a payload. Unmarshalable values
// count as zero.
func payloadSize(payload map[string]any) int {
	if len(payload) == 0 {
		return 0
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return 0
	}
	return len(data)
}

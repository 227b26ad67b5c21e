package orchestrator

import (
	"context"
	"fmt"
)

// runPipeline is the composite workflow: prospect, then generate a pitch
// for every qualified result. A prospecting failure fails the whole
// composite; a per-prospect generation failure lands in the summary's
// error list without aborting the remaining prospects.
func (o *Orchestrator) runPipeline(ctx context.Context, payload map[string]any) (any, error) {
	raw, err := o.executeOn(ctx, o.cfg.ProspectingWorker, string(TypeProspecting), payload, 0)
	if err != nil {
		return nil, fmt.Errorf("prospecting step: %w", err)
	}

	prospects := extractProspects(raw)
	summary := &PipelineSummary{Prospects: len(prospects)}

	for i, p := range prospects {
		if qualified, ok := p["qualified"].(bool); ok && !qualified {
			continue
		}
		summary.Qualified++

		pitch, genErr := o.executeOn(ctx, o.cfg.GenerationWorker, string(TypeGeneration), map[string]any{"prospect": p}, 0)
		if genErr != nil {
			summary.Errors = append(summary.Errors, fmt.Sprintf("prospect %d: %v", i, genErr))
			continue
		}
		summary.PitchesGenerated++
		summary.Pitches = append(summary.Pitches, pitch)
	}
	return summary, nil
}

// extractProspects normalizes a prospecting result into a prospect list.
// Executors may return the list directly or wrap it under "prospects".
func extractProspects(result any) []map[string]any {
	switch v := result.(type) {
	case []map[string]any:
		return v
	case []any:
		out := make([]map[string]any, 0, len(v))
		for _, item := range v {
			if m, ok := item.(map[string]any); ok {
				out = append(out, m)
			}
		}
		return out
	case map[string]any:
		if inner, ok := v["prospects"]; ok {
			return extractProspects(inner)
		}
	}
	return nil
}

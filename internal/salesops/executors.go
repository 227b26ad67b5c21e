// Package salesops provides the built-in executors for the sales workflows.
// They simulate prospect discovery and pitch generation so the composite
// pipeline runs end to end; deployments plug in their own executors for
// real data sources.
package salesops

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mkrell/salesrunner/internal/agent"
)

var companyPool = []string{
	"Northwind Traders", "Apex Logistics", "Bluegrain Foods",
	"Helix Biolabs", "Crestline Media", "Orbital Freight",
	"Juniper Analytics", "Redwood Hardware", "Saltmarsh Energy",
	"Quill & Parchment",
}

var industries = []string{
	"logistics", "food", "biotech", "media", "energy", "software",
}

// qualifiedThreshold is the minimum fit score for a prospect to advance
// to pitch generation.
const qualifiedThreshold = 0.5

// NewProspector returns an executor that discovers prospects matching the
// criteria in the payload. Recognized keys: "count" (default 5), "industry",
// "min_score".
func NewProspector() agent.Executor {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	return func(ctx context.Context, req agent.Request) (any, error) {
		count := 5
		if n, ok := asInt(req.Payload["count"]); ok && n > 0 {
			count = n
		}
		if count > len(companyPool) {
			count = len(companyPool)
		}
		industry, _ := req.Payload["industry"].(string)
		minScore := qualifiedThreshold
		if v, ok := req.Payload["min_score"].(float64); ok {
			minScore = v
		}

		prospects := make([]map[string]any, 0, count)
		for _, i := range rng.Perm(len(companyPool))[:count] {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			ind := industries[i%len(industries)]
			if industry != "" && ind != industry {
				continue
			}
			score := 0.3 + rng.Float64()*0.7
			prospects = append(prospects, map[string]any{
				"id":        uuid.New().String(),
				"company":   companyPool[i],
				"industry":  ind,
				"score":     score,
				"qualified": score >= minScore,
			})
		}
		return map[string]any{"prospects": prospects}, nil
	}
}

// NewPitchGenerator returns an executor that writes a short outreach pitch
// for one prospect. The payload carries the prospect under "prospect".
func NewPitchGenerator() agent.Executor {
	return func(ctx context.Context, req agent.Request) (any, error) {
		prospect, ok := req.Payload["prospect"].(map[string]any)
		if !ok {
			return nil, fmt.Errorf("payload missing prospect")
		}
		company, _ := prospect["company"].(string)
		if company == "" {
			return nil, fmt.Errorf("prospect missing company name")
		}
		industry, _ := prospect["industry"].(string)

		var b strings.Builder
		fmt.Fprintf(&b, "Hi %s team,\n\n", company)
		if industry != "" {
			fmt.Fprintf(&b, "We help %s companies cut manual outreach work. ", industry)
		} else {
			b.WriteString("We help growing teams cut manual outreach work. ")
		}
		b.WriteString("Would a 15-minute walkthrough next week be useful?\n")

		return map[string]any{
			"company":      company,
			"pitch":        b.String(),
			"generated_at": time.Now().UTC(),
		}, nil
	}
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case float64:
		return int(n), true
	}
	return 0, false
}

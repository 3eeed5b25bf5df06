// Package nlu turns free-form user text into structured slot candidates.
// Extraction is deliberately dumb about dialogue state: it reports what
// the text says and leaves merging, validation, and prompting to the
// resolver.
package nlu

import (
	"context"
	"log/slog"
)

// Extraction is the structured reading of one user utterance. Empty
// fields mean "the text did not mention it", never "clear the slot".
type Extraction struct {
	KPI       string `json:"kpi"`
	TimeRange string `json:"time_range"`
	// Scope entries are "category:value" pairs, e.g. "product:CT".
	Scope []string `json:"scope"`
	// FinishedSelection is set when the user declines to narrow further
	// ("no more filters", "就这样").
	FinishedSelection bool `json:"finished_selection"`
}

// ContextSnapshot carries the already-filled slots into extraction so a
// model can resolve anaphora ("same range as before").
type ContextSnapshot struct {
	KPI       string   `json:"kpi"`
	TimeRange string   `json:"time_range"`
	Scope     []string `json:"scope"`
}

type Extractor interface {
	Extract(ctx context.Context, text string, prior ContextSnapshot) (Extraction, error)
}

// Composite runs the deterministic rules first and then lets a model
// refine the result. Model failures are logged and swallowed: the rule
// extraction always stands on its own.
type Composite struct {
	rules  Extractor
	model  Extractor
	logger *slog.Logger
}

func NewComposite(rules, model Extractor, logger *slog.Logger) *Composite {
	return &Composite{rules: rules, model: model, logger: logger}
}

func (c *Composite) Extract(ctx context.Context, text string, prior ContextSnapshot) (Extraction, error) {
	base, err := c.rules.Extract(ctx, text, prior)
	if err != nil {
		return Extraction{}, err
	}
	if c.model == nil {
		return base, nil
	}

	refined, err := c.model.Extract(ctx, text, prior)
	if err != nil {
		c.logger.Warn("model extraction failed, using rule extraction only", "error", err)
		return base, nil
	}
	return merge(base, refined), nil
}

// merge prefers the rule extraction for fields it filled and lets the
// model supply the rest. Scope entries are unioned by category:value.
func merge(base, refined Extraction) Extraction {
	out := base
	if out.KPI == "" {
		out.KPI = refined.KPI
	}
	if out.TimeRange == "" {
		out.TimeRange = refined.TimeRange
	}
	seen := make(map[string]struct{}, len(out.Scope))
	for _, entry := range out.Scope {
		seen[entry] = struct{}{}
	}
	for _, entry := range refined.Scope {
		if _, dup := seen[entry]; !dup {
			out.Scope = append(out.Scope, entry)
			seen[entry] = struct{}{}
		}
	}
	out.FinishedSelection = out.FinishedSelection || refined.FinishedSelection
	return out
}

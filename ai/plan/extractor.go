package plan

import (
	"context"
	"log/slog"

	"github.com/dripcast/dripcast/ai/core/llm"
	"github.com/dripcast/dripcast/ai/metrics"
)

// Strategy is one way of pulling plan fields out of a message. TryExtract
// returns the partial merged with whatever it found, or an error to signal
// the caller should try the next strategy.
type Strategy interface {
	Name() string
	TryExtract(ctx context.Context, message string, history []Turn, partial PlanData) (PlanData, error)
}

var (
	_ Strategy = RuleStrategy{}
	_ Strategy = (*LLMStrategy)(nil)
)

// Extractor chains strategies in order and grades the first successful
// merge. Callers never learn which strategy ran.
type Extractor struct {
	strategies []Strategy
	exporter   *metrics.Exporter
}

// NewExtractor builds an extractor over the given strategies. With none it
// runs rules only.
func NewExtractor(exporter *metrics.Exporter, strategies ...Strategy) *Extractor {
	if len(strategies) == 0 {
		strategies = []Strategy{RuleStrategy{}}
	}
	return &Extractor{strategies: strategies, exporter: exporter}
}

// Extract runs one message through the strategy chain and evaluates the
// merged plan. Strategy failures fall through; they are never surfaced.
func (e *Extractor) Extract(ctx context.Context, message string, history []Turn, partial PlanData) Result {
	for _, s := range e.strategies {
		merged, err := s.TryExtract(ctx, message, history, partial)
		if err != nil {
			outcome := "error"
			if llm.IsRateLimited(err) {
				outcome = "rate_limited"
			}
			e.exporter.RecordExtractorRun(s.Name(), outcome)
			slog.Warn("plan.extract.fallthrough", "strategy", s.Name(), "outcome", outcome, "error", err)
			continue
		}
		e.exporter.RecordExtractorRun(s.Name(), "ok")
		return Evaluate(merged)
	}
	// Unreachable while the rule strategy is in the chain, but stay total.
	return Evaluate(partial)
}

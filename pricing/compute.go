package pricing

import (
	"sort"
)

// Outcome is the terminal state of one pricing computation. The no-op
// outcomes are normal results, not errors.
type Outcome string

const (
	// OutcomeUpdated: a new price was computed and should be committed.
	OutcomeUpdated Outcome = "updated"
	// OutcomeNoChange: the computed price equals the current one.
	OutcomeNoChange Outcome = "no_change"
	// OutcomeWaiting: competitors are below our floor; we hold position
	// at the floor and wait.
	OutcomeWaiting Outcome = "waiting"
	// OutcomeNoCompetitors: no eligible competitor offers exist.
	OutcomeNoCompetitors Outcome = "no_competitors"
)

// ComputePrice derives the target price from eligible competitor offers
// (own and excluded merchants already removed). floor is the marketplace
// absolute minimum; defaultStep applies when the product has no override.
//
// The candidate is clamped to [effectiveMin, max] where effectiveMin is
// the larger of the configured minimum and the marketplace floor. If the
// unclamped candidate sits below effectiveMin while the current price is
// already at or below it, the outcome is waiting: the price is never
// pushed under the floor, not even transiently.
func ComputePrice(offers []int64, cfg *ProductConfig, floor, defaultStep int64) (int64, Outcome) {
	if len(offers) == 0 {
		return cfg.CurrentPrice, OutcomeNoCompetitors
	}

	sorted := make([]int64, len(offers))
	copy(sorted, offers)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	step := defaultStep
	if cfg.PriceStep != nil {
		step = *cfg.PriceStep
	}

	var candidate int64
	switch cfg.Strategy {
	case StrategyStayTopN:
		rank := cfg.TopPosition
		if rank < 1 {
			rank = 1
		}
		// fall back to the cheapest if fewer competitors than the rank
		if rank > len(sorted) {
			rank = len(sorted)
		}
		candidate = sorted[rank-1] - step
	default: // standard, always_first
		candidate = sorted[0] - step
	}

	effectiveMin := floor
	if cfg.MinPrice != nil && *cfg.MinPrice > effectiveMin {
		effectiveMin = *cfg.MinPrice
	}
	if candidate < effectiveMin {
		if cfg.CurrentPrice <= effectiveMin {
			return cfg.CurrentPrice, OutcomeWaiting
		}
		candidate = effectiveMin
	}
	if cfg.MaxPrice != nil && candidate > *cfg.MaxPrice {
		candidate = *cfg.MaxPrice
	}

	if candidate == cfg.CurrentPrice {
		return cfg.CurrentPrice, OutcomeNoChange
	}
	return candidate, OutcomeUpdated
}

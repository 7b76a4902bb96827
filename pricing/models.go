// Package pricing recomputes and pushes competitive prices for listed
// products, under per-product business constraints and a selected
// strategy.
package pricing

import (
	"strings"
	"time"
)

// Strategy selects how the candidate price is derived from competitor
// offers.
type Strategy string

const (
	// StrategyStandard undercuts the cheapest eligible competitor.
	StrategyStandard Strategy = "standard"
	// StrategyAlwaysFirst is the same computation as standard; kept as a
	// separate tag because stores configure them with different intent.
	StrategyAlwaysFirst Strategy = "always_first"
	// StrategyStayTopN undercuts the offer at the configured rank.
	StrategyStayTopN Strategy = "stay_top_n"
)

// ProductConfig is the per-product pricing configuration and current
// state. Prices are integer minor currency units.
type ProductConfig struct {
	ID        uint `gorm:"primarykey"`
	CreatedAt time.Time
	UpdatedAt time.Time

	AccountID string `gorm:"index"`
	// ProductID is the merchant's product on the marketplace.
	ProductID string `gorm:"uniqueIndex"`
	// ListingID is the shared marketplace listing competitors sell on.
	ListingID string

	CurrentPrice int64
	MinPrice     *int64
	MaxPrice     *int64
	// PriceStep overrides the engine-wide undercut step.
	PriceStep *int64

	Strategy Strategy
	// TopPosition is the target rank for stay_top_n (1-based).
	TopPosition int

	Enabled       bool `gorm:"index"`
	LastCheckedAt *time.Time
}

// PriceHistory is the append-only audit trail: one row per committed
// price change, never mutated.
type PriceHistory struct {
	ID        uint `gorm:"primarykey"`
	CreatedAt time.Time

	ProductID       string `gorm:"index"`
	OldPrice        int64
	NewPrice        int64
	CompetitorPrice int64
	Reason          string
}

// StoreSettings carries per-account pricing context: the merchant
// identity to exclude from competitor lists, plus any store-configured
// excluded merchants.
type StoreSettings struct {
	ID        uint `gorm:"primarykey"`
	CreatedAt time.Time
	UpdatedAt time.Time

	AccountID  string `gorm:"uniqueIndex"`
	MerchantID string
	// ExcludedMerchants is a comma-separated merchant id list.
	ExcludedMerchants string
}

// Excluded returns the excluded merchant ids as a set.
func (s *StoreSettings) Excluded() map[string]bool {
	out := make(map[string]bool)
	if s.MerchantID != "" {
		out[s.MerchantID] = true
	}
	for _, id := range strings.Split(s.ExcludedMerchants, ",") {
		if id = strings.TrimSpace(id); id != "" {
			out[id] = true
		}
	}
	return out
}

package pricing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/streetmarket/repricer/auth"
	"github.com/streetmarket/repricer/marketplace"
	"github.com/streetmarket/repricer/proxypool"

	"gorm.io/gorm"
)

var (
	// ErrProductNotFound means no enabled ProductConfig exists for the id.
	ErrProductNotFound = errors.New("product not found")
	// ErrNoStoreSettings means the account has no StoreSettings row, so
	// own offers cannot be told apart from competitors.
	ErrNoStoreSettings = errors.New("store settings missing")
)

// Result is the outcome of one reprice run for one product.
type Result struct {
	Outcome  Outcome `json:"outcome"`
	OldPrice int64   `json:"old_price"`
	NewPrice int64   `json:"new_price"`
	// CompetitorPrice is the offer the candidate was derived from. Zero
	// when no eligible competitors exist.
	CompetitorPrice int64 `json:"competitor_price,omitempty"`
}

// Engine drives the reprice cycle: fetch competitor offers, compute the
// target price, push it to the marketplace and only then commit locally.
type Engine struct {
	db       *gorm.DB
	client   *marketplace.Client
	auth     *auth.Manager
	rotators *proxypool.RotatorCache
	logger   *slog.Logger

	// Floor is the marketplace-wide absolute minimum price.
	Floor int64
	// DefaultStep is the undercut amount for products without an override.
	DefaultStep int64
}

func NewEngine(db *gorm.DB, client *marketplace.Client, am *auth.Manager, rotators *proxypool.RotatorCache, floor, defaultStep int64) *Engine {
	return &Engine{
		db:          db,
		client:      client,
		auth:        am,
		rotators:    rotators,
		logger:      slog.Default().With("system", "pricing"),
		Floor:       floor,
		DefaultStep: defaultStep,
	}
}

// RepriceProduct runs one full cycle for a single product. The remote
// update happens before any local write; a rejected or failed push leaves
// CurrentPrice and the history untouched. LastCheckedAt advances on every
// completed computation, including the no-op outcomes.
func (e *Engine) RepriceProduct(ctx context.Context, productID string) (res *Result, err error) {
	var cfg ProductConfig
	if err := e.db.WithContext(ctx).Where("product_id = ? AND enabled = ?", productID, true).First(&cfg).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrProductNotFound, productID)
		}
		return nil, err
	}

	var settings StoreSettings
	if err := e.db.WithContext(ctx).Where("account_id = ?", cfg.AccountID).First(&settings).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: account %s", ErrNoStoreSettings, cfg.AccountID)
		}
		return nil, err
	}

	// stored sessions are trusted here; a dead one surfaces as a request
	// failure and the next cycle refreshes it
	sess, err := e.auth.ActiveSession(ctx, cfg.AccountID, true)
	if err != nil {
		return nil, fmt.Errorf("acquiring session: %w", err)
	}

	var proxy *proxypool.Proxy
	if e.rotators != nil {
		var rot *proxypool.Rotator
		rot, err = e.rotators.Get(ctx, cfg.AccountID, proxypool.ModulePricing)
		if err != nil {
			return nil, fmt.Errorf("acquiring rotator: %w", err)
		}
		proxy, err = rot.Current(ctx)
		if err != nil {
			return nil, fmt.Errorf("acquiring proxy: %w", err)
		}
		// err here is the function's result, so the proxy is charged for
		// whatever the remote calls below end up doing
		defer func() {
			if rerr := rot.RecordRequest(ctx, err == nil); rerr != nil {
				e.logger.Warn("recording proxy outcome failed", "account", cfg.AccountID, "err", rerr)
			}
		}()
	}

	offers, err := e.client.Offers(ctx, cfg.ListingID, sess.HTTPCookies(), proxy)
	if err != nil {
		return nil, fmt.Errorf("fetching offers: %w", err)
	}

	excluded := settings.Excluded()
	eligible := make([]int64, 0, len(offers))
	for _, o := range offers {
		if excluded[o.MerchantID] {
			continue
		}
		eligible = append(eligible, o.Price)
	}

	newPrice, outcome := ComputePrice(eligible, &cfg, e.Floor, e.DefaultStep)
	repriceOutcomes.WithLabelValues(string(outcome)).Inc()

	res = &Result{
		Outcome:  outcome,
		OldPrice: cfg.CurrentPrice,
		NewPrice: newPrice,
	}
	if len(eligible) > 0 {
		res.CompetitorPrice = competitorFor(eligible, &cfg)
	}

	if outcome != OutcomeUpdated {
		e.touch(ctx, &cfg)
		return res, nil
	}

	if err = e.client.UpdatePrice(ctx, settings.MerchantID, cfg.ProductID, newPrice, sess.HTTPCookies(), proxy); err != nil {
		return nil, fmt.Errorf("pushing price update: %w", err)
	}

	now := time.Now()
	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&ProductConfig{}).Where("id = ?", cfg.ID).Updates(map[string]any{
			"current_price":   newPrice,
			"last_checked_at": now,
		}).Error; err != nil {
			return err
		}
		return tx.Create(&PriceHistory{
			ProductID:       cfg.ProductID,
			OldPrice:        cfg.CurrentPrice,
			NewPrice:        newPrice,
			CompetitorPrice: res.CompetitorPrice,
			Reason:          string(cfg.Strategy),
		}).Error
	})
	if err != nil {
		// the remote already has the new price; the next cycle reconciles
		return nil, fmt.Errorf("committing price change: %w", err)
	}

	e.logger.Info("price updated",
		"product", cfg.ProductID,
		"old", cfg.CurrentPrice,
		"new", newPrice,
		"competitor", res.CompetitorPrice,
		"strategy", cfg.Strategy)
	return res, nil
}

// competitorFor recomputes which eligible offer the strategy anchors on,
// for the audit trail.
func competitorFor(eligible []int64, cfg *ProductConfig) int64 {
	sorted := make([]int64, len(eligible))
	copy(sorted, eligible)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	rank := 1
	if cfg.Strategy == StrategyStayTopN && cfg.TopPosition > 1 {
		rank = cfg.TopPosition
	}
	if rank > len(sorted) {
		rank = len(sorted)
	}
	return sorted[rank-1]
}

func (e *Engine) touch(ctx context.Context, cfg *ProductConfig) {
	if err := e.db.WithContext(ctx).Model(&ProductConfig{}).Where("id = ?", cfg.ID).
		Update("last_checked_at", time.Now()).Error; err != nil {
		e.logger.Warn("updating last_checked_at failed", "product", cfg.ProductID, "err", err)
	}
}

package pricing_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/streetmarket/repricer/auth"
	"github.com/streetmarket/repricer/breaker"
	"github.com/streetmarket/repricer/marketplace"
	"github.com/streetmarket/repricer/pricing"
	"github.com/streetmarket/repricer/ratelimit"
	"github.com/streetmarket/repricer/sessionpool"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// fakeListing serves one listing's offers and accepts price updates.
type fakeListing struct {
	offers []marketplace.Offer

	acceptUpdates bool
	updateCalls   atomic.Int32
	lastPrice     atomic.Int64
}

func (f *fakeListing) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v2/listings/", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"offers": f.offers})
	})
	mux.HandleFunc("/api/v2/merchants/", func(w http.ResponseWriter, r *http.Request) {
		f.updateCalls.Add(1)
		var in struct {
			ProductID string `json:"product_id"`
			Price     int64  `json:"price"`
		}
		json.NewDecoder(r.Body).Decode(&in)
		f.lastPrice.Store(in.Price)
		json.NewEncoder(w).Encode(map[string]any{"ok": f.acceptUpdates})
	})
	return mux
}

func newTestEngine(t *testing.T, listing *fakeListing) (*pricing.Engine, *gorm.DB) {
	t.Helper()
	srv := httptest.NewServer(listing.handler())
	t.Cleanup(srv.Close)

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&pricing.ProductConfig{}, &pricing.PriceHistory{}, &pricing.StoreSettings{}))

	cfg := sessionpool.DefaultConfig()
	cfg.JitterMin = 0
	cfg.JitterMax = 0
	cfg.BackoffBase = time.Millisecond

	tcfg := ratelimit.DefaultThrottleConfig()
	tcfg.MinDelay = time.Millisecond
	tcfg.MaxDelay = 5 * time.Millisecond
	tcfg.JitterFraction = 0

	pool := sessionpool.NewPool(cfg,
		ratelimit.NewLimiter(10_000, 100),
		ratelimit.NewAdaptiveThrottle(tcfg),
		breaker.NewRegistry(),
	)
	client := marketplace.NewClient(srv.URL, pool)

	store := auth.NewMemSessionStore()
	require.NoError(t, store.Save(context.Background(), "acct-1", &auth.Session{
		Cookies:    []auth.Cookie{{Name: "auth", Value: "fresh"}},
		MerchantID: "me",
	}))
	am := auth.NewManager(store, client)

	return pricing.NewEngine(db, client, am, nil, 10, 25), db
}

func seedProduct(t *testing.T, db *gorm.DB, cfg *pricing.ProductConfig) {
	t.Helper()
	require.NoError(t, db.Create(cfg).Error)
	require.NoError(t, db.Create(&pricing.StoreSettings{
		AccountID:  "acct-1",
		MerchantID: "me",
	}).Error)
}

func i64(v int64) *int64 { return &v }

func TestRepriceStandardUndercut(t *testing.T) {
	ctx := context.Background()
	listing := &fakeListing{
		acceptUpdates: true,
		offers: []marketplace.Offer{
			{MerchantID: "me", Price: 1050},
			{MerchantID: "c-1", Price: 1000},
			{MerchantID: "c-2", Price: 1100},
			{MerchantID: "c-3", Price: 1200},
		},
	}
	e, db := newTestEngine(t, listing)
	seedProduct(t, db, &pricing.ProductConfig{
		AccountID:    "acct-1",
		ProductID:    "p-1",
		ListingID:    "l-1",
		CurrentPrice: 1050,
		PriceStep:    i64(10),
		Strategy:     pricing.StrategyStandard,
		Enabled:      true,
	})

	res, err := e.RepriceProduct(ctx, "p-1")
	require.NoError(t, err)
	assert.Equal(t, pricing.OutcomeUpdated, res.Outcome)
	assert.EqualValues(t, 1050, res.OldPrice)
	assert.EqualValues(t, 990, res.NewPrice)
	assert.EqualValues(t, 990, listing.lastPrice.Load())

	var cfg pricing.ProductConfig
	require.NoError(t, db.Where("product_id = ?", "p-1").First(&cfg).Error)
	assert.EqualValues(t, 990, cfg.CurrentPrice)
	require.NotNil(t, cfg.LastCheckedAt)

	var hist []pricing.PriceHistory
	require.NoError(t, db.Where("product_id = ?", "p-1").Find(&hist).Error)
	require.Len(t, hist, 1)
	assert.EqualValues(t, 1050, hist[0].OldPrice)
	assert.EqualValues(t, 990, hist[0].NewPrice)
	assert.EqualValues(t, 1000, hist[0].CompetitorPrice)
}

func TestRepriceStayTopN(t *testing.T) {
	ctx := context.Background()
	listing := &fakeListing{
		acceptUpdates: true,
		offers: []marketplace.Offer{
			{MerchantID: "c-1", Price: 1000},
			{MerchantID: "c-2", Price: 1100},
			{MerchantID: "c-3", Price: 1200},
		},
	}
	e, db := newTestEngine(t, listing)
	seedProduct(t, db, &pricing.ProductConfig{
		AccountID:    "acct-1",
		ProductID:    "p-1",
		ListingID:    "l-1",
		CurrentPrice: 1050,
		PriceStep:    i64(10),
		Strategy:     pricing.StrategyStayTopN,
		TopPosition:  2,
		Enabled:      true,
	})

	res, err := e.RepriceProduct(ctx, "p-1")
	require.NoError(t, err)
	assert.Equal(t, pricing.OutcomeUpdated, res.Outcome)
	assert.EqualValues(t, 1090, res.NewPrice)
	assert.EqualValues(t, 1100, res.CompetitorPrice)
}

func TestRepriceWaitingHoldsAtMin(t *testing.T) {
	ctx := context.Background()
	listing := &fakeListing{
		acceptUpdates: true,
		offers:        []marketplace.Offer{{MerchantID: "c-1", Price: 5}},
	}
	e, db := newTestEngine(t, listing)
	seedProduct(t, db, &pricing.ProductConfig{
		AccountID:    "acct-1",
		ProductID:    "p-1",
		ListingID:    "l-1",
		CurrentPrice: 50,
		MinPrice:     i64(50),
		PriceStep:    i64(1),
		Strategy:     pricing.StrategyStandard,
		Enabled:      true,
	})

	res, err := e.RepriceProduct(ctx, "p-1")
	require.NoError(t, err)
	assert.Equal(t, pricing.OutcomeWaiting, res.Outcome)
	assert.EqualValues(t, 50, res.NewPrice)
	assert.Zero(t, listing.updateCalls.Load(), "waiting must not push a price")

	var cfg pricing.ProductConfig
	require.NoError(t, db.Where("product_id = ?", "p-1").First(&cfg).Error)
	assert.EqualValues(t, 50, cfg.CurrentPrice)
	assert.NotNil(t, cfg.LastCheckedAt, "no-op outcomes still advance the check timestamp")

	var count int64
	db.Model(&pricing.PriceHistory{}).Count(&count)
	assert.Zero(t, count)
}

func TestRepriceClampsToMin(t *testing.T) {
	ctx := context.Background()
	listing := &fakeListing{
		acceptUpdates: true,
		offers:        []marketplace.Offer{{MerchantID: "c-1", Price: 5}},
	}
	e, db := newTestEngine(t, listing)
	seedProduct(t, db, &pricing.ProductConfig{
		AccountID:    "acct-1",
		ProductID:    "p-1",
		ListingID:    "l-1",
		CurrentPrice: 200,
		MinPrice:     i64(50),
		PriceStep:    i64(1),
		Strategy:     pricing.StrategyStandard,
		Enabled:      true,
	})

	res, err := e.RepriceProduct(ctx, "p-1")
	require.NoError(t, err)
	assert.Equal(t, pricing.OutcomeUpdated, res.Outcome)
	assert.EqualValues(t, 50, res.NewPrice)
	assert.EqualValues(t, 50, listing.lastPrice.Load())
}

func TestRepriceIdempotent(t *testing.T) {
	ctx := context.Background()
	listing := &fakeListing{
		acceptUpdates: true,
		offers:        []marketplace.Offer{{MerchantID: "c-1", Price: 1000}},
	}
	e, db := newTestEngine(t, listing)
	seedProduct(t, db, &pricing.ProductConfig{
		AccountID:    "acct-1",
		ProductID:    "p-1",
		ListingID:    "l-1",
		CurrentPrice: 1050,
		PriceStep:    i64(10),
		Strategy:     pricing.StrategyStandard,
		Enabled:      true,
	})

	res, err := e.RepriceProduct(ctx, "p-1")
	require.NoError(t, err)
	assert.Equal(t, pricing.OutcomeUpdated, res.Outcome)

	res, err = e.RepriceProduct(ctx, "p-1")
	require.NoError(t, err)
	assert.Equal(t, pricing.OutcomeNoChange, res.Outcome)
	assert.EqualValues(t, 1, listing.updateCalls.Load())

	var count int64
	db.Model(&pricing.PriceHistory{}).Count(&count)
	assert.EqualValues(t, 1, count)
}

func TestRepriceRejectedUpdateLeavesStateUntouched(t *testing.T) {
	ctx := context.Background()
	listing := &fakeListing{
		acceptUpdates: false,
		offers:        []marketplace.Offer{{MerchantID: "c-1", Price: 1000}},
	}
	e, db := newTestEngine(t, listing)
	seedProduct(t, db, &pricing.ProductConfig{
		AccountID:    "acct-1",
		ProductID:    "p-1",
		ListingID:    "l-1",
		CurrentPrice: 1050,
		PriceStep:    i64(10),
		Strategy:     pricing.StrategyStandard,
		Enabled:      true,
	})

	_, err := e.RepriceProduct(ctx, "p-1")
	require.ErrorIs(t, err, marketplace.ErrUpdateRejected)

	var cfg pricing.ProductConfig
	require.NoError(t, db.Where("product_id = ?", "p-1").First(&cfg).Error)
	assert.EqualValues(t, 1050, cfg.CurrentPrice)

	var count int64
	db.Model(&pricing.PriceHistory{}).Count(&count)
	assert.Zero(t, count)
}

func TestRepriceExcludesOwnAndConfiguredMerchants(t *testing.T) {
	ctx := context.Background()
	listing := &fakeListing{
		acceptUpdates: true,
		offers: []marketplace.Offer{
			{MerchantID: "me", Price: 100},
			{MerchantID: "dumper", Price: 1},
		},
	}
	e, db := newTestEngine(t, listing)
	require.NoError(t, db.Create(&pricing.ProductConfig{
		AccountID:    "acct-1",
		ProductID:    "p-1",
		ListingID:    "l-1",
		CurrentPrice: 100,
		Strategy:     pricing.StrategyStandard,
		Enabled:      true,
	}).Error)
	require.NoError(t, db.Create(&pricing.StoreSettings{
		AccountID:         "acct-1",
		MerchantID:        "me",
		ExcludedMerchants: "dumper, other",
	}).Error)

	res, err := e.RepriceProduct(ctx, "p-1")
	require.NoError(t, err)
	assert.Equal(t, pricing.OutcomeNoCompetitors, res.Outcome)
	assert.Zero(t, listing.updateCalls.Load())
}

func TestRepriceDisabledProduct(t *testing.T) {
	ctx := context.Background()
	listing := &fakeListing{acceptUpdates: true}
	e, db := newTestEngine(t, listing)
	seedProduct(t, db, &pricing.ProductConfig{
		AccountID: "acct-1",
		ProductID: "p-1",
		ListingID: "l-1",
		Strategy:  pricing.StrategyStandard,
		Enabled:   false,
	})

	_, err := e.RepriceProduct(ctx, "p-1")
	assert.ErrorIs(t, err, pricing.ErrProductNotFound)
}

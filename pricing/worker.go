package pricing

import (
	"context"
	"errors"
	"hash/fnv"
	"time"

	"github.com/streetmarket/repricer/internal/ticker"

	"golang.org/x/sync/semaphore"
)

// WorkerConfig controls the periodic sweep. ShardIndex and ShardCount
// partition the product set across daemon instances; a single instance
// runs with 0/1.
type WorkerConfig struct {
	Interval    time.Duration
	ShardIndex  int
	ShardCount  int
	Concurrency int64
	// StaleAfter skips products checked more recently than this. Zero
	// disables the check and every enabled product is swept each cycle.
	StaleAfter time.Duration
}

func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		Interval:    5 * time.Minute,
		ShardIndex:  0,
		ShardCount:  1,
		Concurrency: 4,
		StaleAfter:  4 * time.Minute,
	}
}

// Worker sweeps enabled products on a timer and reprices the ones owned
// by its shard.
type Worker struct {
	engine *Engine
	cfg    WorkerConfig
}

func NewWorker(engine *Engine, cfg WorkerConfig) *Worker {
	if cfg.ShardCount < 1 {
		cfg.ShardCount = 1
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	return &Worker{engine: engine, cfg: cfg}
}

// Run blocks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	ticker.Periodically(ctx, w.cfg.Interval, "reprice-sweep", w.sweep)
}

func (w *Worker) sweep(ctx context.Context) error {
	var ids []string
	q := w.engine.db.WithContext(ctx).Model(&ProductConfig{}).Where("enabled = ?", true)
	if w.cfg.StaleAfter > 0 {
		cutoff := time.Now().Add(-w.cfg.StaleAfter)
		q = q.Where("last_checked_at IS NULL OR last_checked_at < ?", cutoff)
	}
	if err := q.Pluck("product_id", &ids).Error; err != nil {
		return err
	}

	sem := semaphore.NewWeighted(w.cfg.Concurrency)
	for _, id := range ids {
		if !w.ownsProduct(id) {
			continue
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			return err
		}
		go func(productID string) {
			defer sem.Release(1)
			start := time.Now()
			if _, err := w.engine.RepriceProduct(ctx, productID); err != nil {
				if !errors.Is(err, context.Canceled) {
					repriceErrors.Inc()
					w.engine.logger.Warn("reprice failed", "product", productID, "err", err)
				}
				return
			}
			repriceDuration.Observe(time.Since(start).Seconds())
		}(id)
	}
	// drain so one sweep finishes before the next starts
	return sem.Acquire(ctx, w.cfg.Concurrency)
}

func (w *Worker) ownsProduct(productID string) bool {
	h := fnv.New32a()
	h.Write([]byte(productID))
	return int(h.Sum32())%w.cfg.ShardCount == w.cfg.ShardIndex
}

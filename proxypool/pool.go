package proxypool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrInsufficientProxies means the pool could not satisfy an
	// allocation request; nothing was allocated.
	ErrInsufficientProxies = errors.New("insufficient proxies in pool")
)

// Provisioner purchases additional proxies from an external paid API.
type Provisioner interface {
	Purchase(ctx context.Context, count int) ([]Proxy, error)
}

// Pool is the allocation service over the persistent proxy table. All
// cross-process coordination happens through the store: allocation uses
// locked row selection so two concurrent requests never claim the same
// proxy.
type Pool struct {
	db          *gorm.DB
	provisioner Provisioner
	logger      *slog.Logger
}

func NewPool(db *gorm.DB, provisioner Provisioner) *Pool {
	return &Pool{
		db:          db,
		provisioner: provisioner,
		logger:      slog.Default().With("system", "proxypool"),
	}
}

func (p *Pool) MigrateDatabase() error {
	return p.db.AutoMigrate(&Proxy{})
}

// claimClause adds FOR UPDATE SKIP LOCKED on stores that support it, so
// concurrent allocators skip rows another transaction already claimed.
func claimClause(tx *gorm.DB) *gorm.DB {
	if tx.Dialector.Name() == "postgres" {
		return tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
	}
	return tx
}

// AllocateToUser claims distribution[module] available proxies per module
// for the user. Allocation is all-or-nothing: if any module's demand cannot
// be met the whole transaction rolls back and ErrInsufficientProxies is
// returned.
func (p *Pool) AllocateToUser(ctx context.Context, userID string, distribution map[string]int) error {
	now := time.Now()
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for module, want := range distribution {
			if want <= 0 {
				continue
			}
			var claimed []Proxy
			if err := claimClause(tx).
				Where("status = ? AND owner_id IS NULL", StatusAvailable).
				Limit(want).
				Find(&claimed).Error; err != nil {
				return fmt.Errorf("selecting proxies for module %s: %w", module, err)
			}
			if len(claimed) < want {
				return fmt.Errorf("%w: module %s wanted %d, got %d",
					ErrInsufficientProxies, module, want, len(claimed))
			}
			ids := make([]uint, len(claimed))
			for i, pr := range claimed {
				ids[i] = pr.ID
			}
			if err := tx.Model(&Proxy{}).Where("id IN ?", ids).Updates(map[string]any{
				"status":     StatusAllocated,
				"owner_id":   userID,
				"module":     module,
				"updated_at": now,
			}).Error; err != nil {
				return fmt.Errorf("claiming proxies for module %s: %w", module, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	p.logger.Info("allocated proxies", "user", userID, "distribution", fmt.Sprint(distribution))
	return nil
}

// DeallocateFromUser releases every proxy the user owns back to the
// available pool, clearing ownership and counters. Used on subscription
// lapse.
func (p *Pool) DeallocateFromUser(ctx context.Context, userID string) (int64, error) {
	res := p.db.WithContext(ctx).Model(&Proxy{}).
		Where("owner_id = ?", userID).
		Updates(map[string]any{
			"status":         StatusAvailable,
			"owner_id":       nil,
			"module":         "",
			"requests_count": 0,
			"success_count":  0,
			"failure_count":  0,
			"last_used_at":   nil,
			"available_at":   nil,
		})
	if res.Error != nil {
		return 0, res.Error
	}
	p.logger.Info("deallocated proxies", "user", userID, "count", res.RowsAffected)
	return res.RowsAffected, nil
}

// Availability reports pool occupancy and whether provisioning should kick in.
type Availability struct {
	Available       int64 `json:"available"`
	Allocated       int64 `json:"allocated"`
	Resting         int64 `json:"resting"`
	Dead            int64 `json:"dead"`
	ShouldProvision bool  `json:"should_provision"`
}

// CheckAvailability counts proxies by status and flags when the free pool
// has fallen below the required headroom.
func (p *Pool) CheckAvailability(ctx context.Context, required int) (*Availability, error) {
	type row struct {
		Status string
		N      int64
	}
	var rows []row
	if err := p.db.WithContext(ctx).Model(&Proxy{}).
		Select("status, count(*) as n").
		Group("status").
		Scan(&rows).Error; err != nil {
		return nil, err
	}
	out := &Availability{}
	for _, r := range rows {
		switch r.Status {
		case StatusAvailable:
			out.Available = r.N
		case StatusAllocated:
			out.Allocated = r.N
		case StatusResting:
			out.Resting = r.N
		case StatusDead:
			out.Dead = r.N
		}
	}
	out.ShouldProvision = out.Available < int64(required)
	return out, nil
}

// ProvisionProxies purchases count proxies and inserts them as available.
// Inserts are idempotent: duplicates by host:port are ignored, so a retried
// provisioning run cannot double-insert.
func (p *Pool) ProvisionProxies(ctx context.Context, count int) (int64, error) {
	if p.provisioner == nil {
		return 0, errors.New("no provisioner configured")
	}
	purchased, err := p.provisioner.Purchase(ctx, count)
	if err != nil {
		return 0, fmt.Errorf("purchasing proxies: %w", err)
	}
	for i := range purchased {
		purchased[i].Status = StatusAvailable
		purchased[i].OwnerID = nil
	}
	res := p.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&purchased)
	if res.Error != nil {
		return 0, res.Error
	}
	proxiesProvisioned.Add(float64(res.RowsAffected))
	p.logger.Info("provisioned proxies", "purchased", len(purchased), "inserted", res.RowsAffected)
	return res.RowsAffected, nil
}

// ModuleAllocation is a per-module slice of the aggregate view.
type ModuleAllocation struct {
	Module string `json:"module"`
	Count  int64  `json:"count"`
}

// StatusByModule reports allocated proxies per module, for the status
// surface.
func (p *Pool) StatusByModule(ctx context.Context) ([]ModuleAllocation, error) {
	var rows []ModuleAllocation
	if err := p.db.WithContext(ctx).Model(&Proxy{}).
		Select("module, count(*) as count").
		Where("status IN ?", []string{StatusAllocated, StatusResting}).
		Group("module").
		Order("module").
		Scan(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// UserProxies loads the user's proxy subset for one module, for rotator
// construction.
func (p *Pool) UserProxies(ctx context.Context, userID, module string) ([]*Proxy, error) {
	var proxies []*Proxy
	if err := p.db.WithContext(ctx).
		Where("owner_id = ? AND module = ? AND status != ?", userID, module, StatusDead).
		Order("id").
		Find(&proxies).Error; err != nil {
		return nil, err
	}
	return proxies, nil
}

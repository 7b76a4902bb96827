// Package proxypool manages the persistent pool of network egress
// identities and their per-user, per-module rotation lifecycle.
package proxypool

import (
	"fmt"
	"time"
)

// Proxy status values. A proxy that is allocated or resting always has a
// non-null owner and module; an available proxy never has an owner.
const (
	StatusAvailable = "available"
	StatusAllocated = "allocated"
	StatusResting   = "resting"
	StatusDead      = "dead"
)

// Module purpose tags partition a user's proxy subset by traffic class.
const (
	ModulePricing = "pricing"
	ModuleOrders  = "orders"
	ModuleCatalog = "catalog"
	ModuleReserve = "reserve"
)

// Proxy is one egress identity.
type Proxy struct {
	ID        uint `gorm:"primarykey"`
	CreatedAt time.Time
	UpdatedAt time.Time

	Host     string `gorm:"uniqueIndex:idx_proxies_endpoint"`
	Port     int    `gorm:"uniqueIndex:idx_proxies_endpoint"`
	Protocol string
	Username string
	Password string

	Country     string
	Residential bool
	MonthlyCost float64

	Status  string  `gorm:"index:idx_proxies_claim"`
	OwnerID *string `gorm:"index:idx_proxies_owner"`
	Module  string  `gorm:"index:idx_proxies_owner"`

	RequestsCount int64
	SuccessCount  int64
	FailureCount  int64

	LastUsedAt  *time.Time
	AvailableAt *time.Time
}

// Addr returns the host:port key used for session-pool sharding.
func (p *Proxy) Addr() string {
	return fmt.Sprintf("%s:%d", p.Host, p.Port)
}

// URL renders the proxy as a transport-ready URL.
func (p *Proxy) URL() string {
	proto := p.Protocol
	if proto == "" {
		proto = "http"
	}
	if p.Username != "" {
		return fmt.Sprintf("%s://%s:%s@%s:%d", proto, p.Username, p.Password, p.Host, p.Port)
	}
	return fmt.Sprintf("%s://%s:%d", proto, p.Host, p.Port)
}

// FailureRate is the lifetime share of failed requests.
func (p *Proxy) FailureRate() float64 {
	total := p.SuccessCount + p.FailureCount
	if total == 0 {
		return 0
	}
	return float64(p.FailureCount) / float64(total)
}

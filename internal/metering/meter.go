// Package metering enforces tenant tier quotas and per-minute rate limits
// on claim submission. A quota breach is a billing condition (payment
// required with an explicit price), a rate breach is backpressure.
package metering

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/aevion/shield/internal/metrics"
)

// Tier names a billing plan.
type Tier string

const (
	TierFree       Tier = "free"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
)

// Plan is one tier's limits. MonthlyQuota 0 means unlimited.
type Plan struct {
	Tier           Tier    `yaml:"tier" json:"tier"`
	MonthlyQuota   int     `yaml:"monthly_quota" json:"monthly_quota"`
	ClaimsPerMin   int     `yaml:"claims_per_minute" json:"claims_per_minute"`
	OveragePrice   string  `yaml:"overage_price" json:"overage_price"` // decimal USD per claim
	ModelWeightCap float64 `yaml:"model_weight_cap" json:"model_weight_cap"`
}

// DefaultPlans are the shipped tiers.
func DefaultPlans() map[Tier]Plan {
	return map[Tier]Plan{
		TierFree:       {Tier: TierFree, MonthlyQuota: 100, ClaimsPerMin: 5, OveragePrice: "0.25"},
		TierPro:        {Tier: TierPro, MonthlyQuota: 10000, ClaimsPerMin: 60, OveragePrice: "0.05"},
		TierEnterprise: {Tier: TierEnterprise, MonthlyQuota: 0, ClaimsPerMin: 600, OveragePrice: "0.01"},
	}
}

// Rejection reasons surfaced to the API layer.
var (
	ErrRateLimited = errors.New("rate limit exceeded")
)

// QuotaError carries the price the tenant would pay per additional claim.
// The API maps it to 402 with X-Price and X-Currency headers.
type QuotaError struct {
	Tenant   string
	Tier     Tier
	Price    string
	Currency string
}

func (e *QuotaError) Error() string {
	return "monthly quota exhausted for tenant " + e.Tenant
}

type tenantUsage struct {
	monthStart   time.Time
	monthClaims  int
	windowStart  time.Time
	windowClaims int
	lastSeen     time.Time
}

// Meter tracks per-tenant usage. Stale tenants are evicted by a background
// reaper so the map stays bounded.
type Meter struct {
	mu     sync.Mutex
	plans  map[Tier]Plan
	usage  map[string]*tenantUsage
	now    func() time.Time
	stopCh chan struct{}
}

// NewMeter creates a meter over the given plans (nil means defaults) and
// starts the stale-tenant reaper.
func NewMeter(plans map[Tier]Plan) *Meter {
	if plans == nil {
		plans = DefaultPlans()
	}
	m := &Meter{
		plans:  plans,
		usage:  make(map[string]*tenantUsage),
		now:    time.Now,
		stopCh: make(chan struct{}),
	}
	go m.evictStale()
	return m
}

// Allow admits or rejects one claim submission for the tenant. Admission
// consumes quota; rejected calls consume nothing.
func (m *Meter) Allow(tenantID string, tier Tier) error {
	plan, ok := m.plans[tier]
	if !ok {
		plan = m.plans[TierFree]
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	u := m.usage[tenantID]
	if u == nil {
		u = &tenantUsage{monthStart: monthOf(now), windowStart: now}
		m.usage[tenantID] = u
	}
	u.lastSeen = now

	if month := monthOf(now); month.After(u.monthStart) {
		u.monthStart = month
		u.monthClaims = 0
	}
	if now.Sub(u.windowStart) >= time.Minute {
		u.windowStart = now
		u.windowClaims = 0
	}

	if plan.ClaimsPerMin > 0 && u.windowClaims >= plan.ClaimsPerMin {
		metrics.QuotaRejections.WithLabelValues(string(tier), "rate").Inc()
		return ErrRateLimited
	}
	if plan.MonthlyQuota > 0 && u.monthClaims >= plan.MonthlyQuota {
		metrics.QuotaRejections.WithLabelValues(string(tier), "quota").Inc()
		return &QuotaError{
			Tenant:   tenantID,
			Tier:     tier,
			Price:    plan.OveragePrice,
			Currency: "USD",
		}
	}

	u.windowClaims++
	u.monthClaims++
	metrics.ClaimsMetered.WithLabelValues(string(tier)).Inc()
	return nil
}

// Usage reports the tenant's current month consumption.
func (m *Meter) Usage(tenantID string) (monthClaims int, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, exists := m.usage[tenantID]
	if !exists {
		return 0, false
	}
	return u.monthClaims, true
}

// Stop shuts down the reaper goroutine.
func (m *Meter) Stop() {
	close(m.stopCh)
}

func (m *Meter) evictStale() {
	const evictAfter = 90 * 24 * time.Hour
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.mu.Lock()
			now := m.now()
			evicted := 0
			for id, u := range m.usage {
				if now.Sub(u.lastSeen) > evictAfter {
					delete(m.usage, id)
					evicted++
				}
			}
			m.mu.Unlock()
			if evicted > 0 {
				slog.Info("evicted stale tenant meters", "evicted", evicted)
			}
		}
	}
}

func monthOf(t time.Time) time.Time {
	y, mo, _ := t.UTC().Date()
	return time.Date(y, mo, 1, 0, 0, 0, 0, time.UTC)
}

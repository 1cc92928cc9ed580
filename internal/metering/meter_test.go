package metering

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMeter(t *testing.T) *Meter {
	t.Helper()
	m := NewMeter(nil)
	t.Cleanup(m.Stop)
	return m
}

func TestRateLimitWithinWindow(t *testing.T) {
	m := newTestMeter(t)
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return base }

	for i := 0; i < 5; i++ {
		require.NoError(t, m.Allow("t1", TierFree))
	}
	err := m.Allow("t1", TierFree)
	assert.ErrorIs(t, err, ErrRateLimited)

	// Window rolls over after a minute.
	m.now = func() time.Time { return base.Add(61 * time.Second) }
	assert.NoError(t, m.Allow("t1", TierFree))
}

func TestMonthlyQuotaYieldsPricedRejection(t *testing.T) {
	m := newTestMeter(t)
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	clock := base
	m.now = func() time.Time { return clock }

	// Free tier: 100 claims per month at 5 per minute.
	for i := 0; i < 100; i++ {
		clock = base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, m.Allow("t1", TierFree))
	}
	clock = clock.Add(time.Minute)
	err := m.Allow("t1", TierFree)

	var qe *QuotaError
	require.True(t, errors.As(err, &qe))
	assert.Equal(t, "t1", qe.Tenant)
	assert.Equal(t, "0.25", qe.Price)
	assert.Equal(t, "USD", qe.Currency)

	// Rejected calls never consume quota; a new month resets it.
	clock = time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	assert.NoError(t, m.Allow("t1", TierFree))
	used, ok := m.Usage("t1")
	require.True(t, ok)
	assert.Equal(t, 1, used)
}

func TestEnterpriseUnlimitedMonthly(t *testing.T) {
	m := newTestMeter(t)
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	clock := base
	m.now = func() time.Time { return clock }

	for i := 0; i < 1000; i++ {
		clock = base.Add(time.Duration(i) * time.Second)
		require.NoError(t, m.Allow("big", TierEnterprise))
	}
}

func TestTenantsAreIsolated(t *testing.T) {
	m := newTestMeter(t)
	fixed := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return fixed }

	for i := 0; i < 5; i++ {
		require.NoError(t, m.Allow("t1", TierFree))
	}
	assert.ErrorIs(t, m.Allow("t1", TierFree), ErrRateLimited)
	assert.NoError(t, m.Allow("t2", TierFree))
}

func TestUnknownTierFallsBackToFree(t *testing.T) {
	m := newTestMeter(t)
	fixed := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return fixed }

	for i := 0; i < 5; i++ {
		require.NoError(t, m.Allow("t1", Tier("mystery")))
	}
	assert.ErrorIs(t, m.Allow("t1", Tier("mystery")), ErrRateLimited)
}

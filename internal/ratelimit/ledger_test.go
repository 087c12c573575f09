package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func newTestLedger() (*Ledger, *fakeClock) {
	clock := newFakeClock()
	l := NewLedger()
	l.now = clock.Now
	return l, clock
}

func TestLedgerAdd(t *testing.T) {
	l, _ := newTestLedger()

	l.Add("t1", 100, 20)
	l.Add("t1", 50, 10)
	l.AddTokens("t1", 5, 3)

	rec := l.Today("t1")
	assert.Equal(t, int64(155), rec.InputTokens)
	assert.Equal(t, int64(33), rec.OutputTokens)
	assert.Equal(t, int64(2), rec.RequestCount, "AddTokens must not count a request")
}

func TestLedgerUnknownTenant(t *testing.T) {
	l, _ := newTestLedger()
	rec := l.Today("never-seen")
	assert.Equal(t, int64(0), rec.InputTokens)
	assert.Equal(t, int64(500000), l.QuotaRemaining("never-seen", 500000))
}

func TestQuotaRemaining(t *testing.T) {
	l, _ := newTestLedger()

	l.Add("t1", 499000, 0)
	assert.Equal(t, int64(1000), l.QuotaRemaining("t1", 500000))

	l.Add("t1", 2000, 0)
	assert.Equal(t, int64(0), l.QuotaRemaining("t1", 500000), "floored at zero")
}

func TestTryCharge(t *testing.T) {
	l, _ := newTestLedger()

	used, ok := l.TryCharge("t1", 400, 1000)
	assert.True(t, ok)
	assert.Equal(t, int64(0), used)

	used, ok = l.TryCharge("t1", 600, 1000)
	assert.True(t, ok, "exact fit is charged")
	assert.Equal(t, int64(400), used)

	used, ok = l.TryCharge("t1", 1, 1000)
	assert.False(t, ok)
	assert.Equal(t, int64(1000), used)
	assert.Equal(t, int64(1000), l.Today("t1").InputTokens, "failed charge leaves counters untouched")
	assert.Equal(t, int64(2), l.Today("t1").RequestCount)
}

func TestDayRollover(t *testing.T) {
	l, clock := newTestLedger()

	// 2025-06-01T23:59:59Z
	clock.Advance(11*time.Hour + 59*time.Minute + 59*time.Second)
	l.Add("t1", 499999, 0)
	assert.Equal(t, int64(1), l.QuotaRemaining("t1", 500000))

	// cross UTC midnight: counters reset on next access
	clock.Advance(2 * time.Second)
	rec := l.Today("t1")
	assert.Equal(t, int64(0), rec.InputTokens)
	assert.Equal(t, "2025-06-02", rec.DateUTC)
	assert.Equal(t, int64(500000), l.QuotaRemaining("t1", 500000))
}

func TestMonotonicWithinDay(t *testing.T) {
	l, clock := newTestLedger()

	var prev int64
	for i := 0; i < 10; i++ {
		l.Add("t1", 10, 0)
		clock.Advance(time.Minute)
		cur := l.Today("t1").InputTokens
		assert.GreaterOrEqual(t, cur, prev)
		prev = cur
	}
}

func TestTenantsSnapshot(t *testing.T) {
	l, _ := newTestLedger()

	l.Add("t1", 10, 1)
	l.Add("t2", 20, 2)

	snap := l.Tenants()
	assert.Len(t, snap, 2)
	assert.Equal(t, int64(10), snap["t1"].InputTokens)
	assert.Equal(t, int64(20), snap["t2"].InputTokens)
}

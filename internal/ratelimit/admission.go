package ratelimit

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/user/anthropic-proxy/internal/config"
)

// Outcome is the admission decision for one request.
type Outcome int

const (
	Admitted Outcome = iota
	RejectedQuotaExceeded
	RejectedTimeout
)

func (o Outcome) String() string {
	switch o {
	case Admitted:
		return "admitted"
	case RejectedQuotaExceeded:
		return "quota_exceeded"
	case RejectedTimeout:
		return "timeout"
	}
	return "unknown"
}

// Result carries the decision plus the numbers behind a quota rejection.
type Result struct {
	Outcome    Outcome
	UsedToday  int64
	DailyLimit int64
	ReservedAt time.Time
}

// Limit is a per-family ceiling after the safety factor is applied.
type Limit struct {
	SafeInputTokensPerMinute int
	SafeRequestsPerMinute    int
}

// DeriveLimits applies the safety factor to the configured raw ceilings.
func DeriveLimits(raw map[string]config.ModelLimit, safetyFactor float64) map[string]Limit {
	out := make(map[string]Limit, len(raw))
	for family, ml := range raw {
		out[family] = Limit{
			SafeInputTokensPerMinute: int(float64(ml.InputTokensPerMinute) * safetyFactor),
			SafeRequestsPerMinute:    int(float64(ml.RequestsPerMinute) * safetyFactor),
		}
	}
	return out
}

const (
	// minWait floors the sleep between admission attempts so an almost-empty
	// window does not cause a tight spin.
	minWait = time.Second
	// expiryMargin is added past the oldest event's expiry before rechecking.
	expiryMargin = time.Second
)

// Admission decides whether a request may spend its estimated tokens now.
// It reserves capacity in the rolling window before the upstream call so
// concurrently admitted requests cannot collectively exceed the budget.
// Reservations are never rolled back on upstream failure; the window
// self-corrects as events age out.
type Admission struct {
	accountant  *Accountant
	ledger      *Ledger
	limits      map[string]Limit
	dailyBudget int64

	waiting atomic.Int64

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func NewAdmission(accountant *Accountant, ledger *Ledger, limits map[string]Limit, dailyBudget int64) *Admission {
	return &Admission{
		accountant:  accountant,
		ledger:      ledger,
		limits:      limits,
		dailyBudget: dailyBudget,
		now:         time.Now,
		sleep:       sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// limitFor falls back to the default family so an unknown label is still
// bounded rather than unlimited.
func (ad *Admission) limitFor(family string) Limit {
	if l, ok := ad.limits[family]; ok {
		return l
	}
	return ad.limits[config.DefaultFamily]
}

// Waiting reports how many requests are currently blocked in Admit.
func (ad *Admission) Waiting() int64 {
	return ad.waiting.Load()
}

// Admit blocks until the family window has room for the estimated tokens,
// the deadline passes, or ctx is canceled. Cancellation is reported as a
// timeout rejection so the caller can release resources uniformly.
func (ad *Admission) Admit(ctx context.Context, family, tenantID string, estimatedTokens int, deadline time.Time) Result {
	used := ad.ledger.Today(tenantID).InputTokens
	if used+int64(estimatedTokens) > ad.dailyBudget {
		return Result{Outcome: RejectedQuotaExceeded, UsedToday: used, DailyLimit: ad.dailyBudget}
	}

	limit := ad.limitFor(family)

	ad.waiting.Add(1)
	defer ad.waiting.Add(-1)

	for {
		if at, ok := ad.accountant.TryReserve(family, estimatedTokens, limit, tenantID); ok {
			usedNow, charged := ad.ledger.TryCharge(tenantID, estimatedTokens, ad.dailyBudget)
			if !charged {
				// Lost a race to the daily cap since the entry check. The
				// window reservation is left to age out; reservations are
				// never rolled back.
				return Result{Outcome: RejectedQuotaExceeded, UsedToday: usedNow, DailyLimit: ad.dailyBudget}
			}
			return Result{Outcome: Admitted, UsedToday: usedNow, DailyLimit: ad.dailyBudget, ReservedAt: at}
		}

		now := ad.now()
		wait := minWait
		if expiry := ad.accountant.EarliestExpiry(family); !expiry.IsZero() {
			if d := expiry.Add(expiryMargin).Sub(now); d > wait {
				wait = d
			}
		}

		if now.Add(wait).After(deadline) {
			slog.Debug("admission deadline exceeded",
				"family", family, "tenant_id", tenantID, "estimated_tokens", estimatedTokens)
			return Result{Outcome: RejectedTimeout, UsedToday: used, DailyLimit: ad.dailyBudget}
		}

		if err := ad.sleep(ctx, wait); err != nil {
			return Result{Outcome: RejectedTimeout, UsedToday: used, DailyLimit: ad.dailyBudget}
		}
	}
}

// Reconcile corrects the reservation after the upstream call reports actual
// usage. The original reservation event is never mutated: if the actual
// input count exceeds the estimate, a delta event covers the difference;
// output tokens are always recorded so monitoring sees them.
func (ad *Admission) Reconcile(family, tenantID string, estimatedTokens, actualInput, actualOutput int) {
	deltaIn := 0
	if actualInput > estimatedTokens {
		deltaIn = actualInput - estimatedTokens
	}
	ad.accountant.RecordDelta(family, deltaIn, actualOutput, tenantID)
	ad.ledger.AddTokens(tenantID, deltaIn, actualOutput)
}

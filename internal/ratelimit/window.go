// Package ratelimit contains the upstream-budget machinery: a per-family
// rolling window of usage events, a per-tenant daily ledger, the admission
// controller combining the two, and the concurrency gate bounding in-flight
// upstream calls.
package ratelimit

import (
	"sync"
	"time"
)

const (
	// minuteWindow is the span summed for current-minute usage.
	minuteWindow = time.Minute
	// retention is how long events are kept before pruning.
	retention = 2 * time.Minute
)

// UsageEvent is one upstream call's accounted cost. The input token value
// recorded at admission is the pre-flight estimate; a later delta event
// corrects it if the provider reports a higher actual count.
type UsageEvent struct {
	Timestamp    time.Time
	Family       string
	InputTokens  int
	OutputTokens int
	TenantID     string
	// Delta marks a reconciliation correction; deltas add tokens to the
	// window but do not count as requests.
	Delta bool
}

// MinuteUsage is the aggregate over events younger than one minute.
type MinuteUsage struct {
	InputTokens  int
	OutputTokens int
	RequestCount int
}

// familyWindow is the FIFO deque of recent events for one model family.
// Events are appended in non-decreasing timestamp order under the family
// lock; everything older than the retention span is dropped on access.
type familyWindow struct {
	mu     sync.Mutex
	events []UsageEvent
}

// Accountant tracks recent usage per model family. Families are sharded so
// a burst on one family never blocks admission decisions on another.
type Accountant struct {
	mu      sync.RWMutex
	windows map[string]*familyWindow

	now func() time.Time
}

func NewAccountant() *Accountant {
	return &Accountant{
		windows: make(map[string]*familyWindow),
		now:     time.Now,
	}
}

func (a *Accountant) window(family string) *familyWindow {
	a.mu.RLock()
	w, ok := a.windows[family]
	a.mu.RUnlock()
	if ok {
		return w
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if w, ok = a.windows[family]; ok {
		return w
	}
	w = &familyWindow{}
	a.windows[family] = w
	return w
}

// Record appends a usage event for the family at wall-clock now and returns
// the event timestamp.
func (a *Accountant) Record(family string, inputTokens, outputTokens int, tenantID string) time.Time {
	return a.append(family, inputTokens, outputTokens, tenantID, false)
}

// RecordDelta appends a reconciliation correction. The tokens count toward
// the window budget but the event is not an additional request.
func (a *Accountant) RecordDelta(family string, inputTokens, outputTokens int, tenantID string) time.Time {
	return a.append(family, inputTokens, outputTokens, tenantID, true)
}

func (a *Accountant) append(family string, inputTokens, outputTokens int, tenantID string, delta bool) time.Time {
	now := a.now()
	w := a.window(family)

	w.mu.Lock()
	defer w.mu.Unlock()
	w.pruneLocked(now)
	w.events = append(w.events, UsageEvent{
		Timestamp:    now,
		Family:       family,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		TenantID:     tenantID,
		Delta:        delta,
	})
	return now
}

// TryReserve checks the current-minute usage against the limit and, if the
// reservation fits, appends it — all under the single family lock, so
// concurrent admissions for one family can never collectively exceed the
// budget. Returns the event timestamp and whether the reservation was placed.
func (a *Accountant) TryReserve(family string, inputTokens int, limit Limit, tenantID string) (time.Time, bool) {
	now := a.now()
	w := a.window(family)

	w.mu.Lock()
	defer w.mu.Unlock()
	w.pruneLocked(now)

	cutoff := now.Add(-minuteWindow)
	usedTokens, usedRequests := 0, 0
	for _, ev := range w.events {
		if ev.Timestamp.After(cutoff) {
			usedTokens += ev.InputTokens
			if !ev.Delta {
				usedRequests++
			}
		}
	}
	if usedTokens+inputTokens > limit.SafeInputTokensPerMinute ||
		usedRequests+1 > limit.SafeRequestsPerMinute {
		return time.Time{}, false
	}

	w.events = append(w.events, UsageEvent{
		Timestamp:   now,
		Family:      family,
		InputTokens: inputTokens,
		TenantID:    tenantID,
	})
	return now, true
}

// CurrentMinute sums usage over events younger than one minute.
func (a *Accountant) CurrentMinute(family string) MinuteUsage {
	now := a.now()
	w := a.window(family)

	w.mu.Lock()
	defer w.mu.Unlock()
	w.pruneLocked(now)

	cutoff := now.Add(-minuteWindow)
	var usage MinuteUsage
	for _, ev := range w.events {
		if ev.Timestamp.After(cutoff) {
			usage.InputTokens += ev.InputTokens
			usage.OutputTokens += ev.OutputTokens
			if !ev.Delta {
				usage.RequestCount++
			}
		}
	}
	return usage
}

// EarliestExpiry returns when the oldest event still inside the minute
// window ages out, or the zero time if the window is empty.
func (a *Accountant) EarliestExpiry(family string) time.Time {
	now := a.now()
	w := a.window(family)

	w.mu.Lock()
	defer w.mu.Unlock()
	w.pruneLocked(now)

	cutoff := now.Add(-minuteWindow)
	for _, ev := range w.events {
		if ev.Timestamp.After(cutoff) {
			return ev.Timestamp.Add(minuteWindow)
		}
	}
	return time.Time{}
}

// Prune drops events older than the retention span. Idempotent; all other
// accessors prune internally so callers rarely need this directly.
func (a *Accountant) Prune(family string) {
	now := a.now()
	w := a.window(family)
	w.mu.Lock()
	w.pruneLocked(now)
	w.mu.Unlock()
}

// Families returns the family labels with a window, for stats reporting.
func (a *Accountant) Families() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]string, 0, len(a.windows))
	for f := range a.windows {
		out = append(out, f)
	}
	return out
}

func (w *familyWindow) pruneLocked(now time.Time) {
	cutoff := now.Add(-retention)
	i := 0
	for i < len(w.events) && !w.events[i].Timestamp.After(cutoff) {
		i++
	}
	if i > 0 {
		w.events = append(w.events[:0], w.events[i:]...)
	}
}

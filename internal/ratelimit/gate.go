package ratelimit

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Gate bounds in-flight upstream calls. semaphore.Weighted queues blocked
// acquirers in FIFO order, so waiters are served strictly in arrival order.
type Gate struct {
	sem *semaphore.Weighted
	max int64

	active  atomic.Int64
	waiting atomic.Int64
}

func NewGate(maxConcurrent int) *Gate {
	return &Gate{
		sem: semaphore.NewWeighted(int64(maxConcurrent)),
		max: int64(maxConcurrent),
	}
}

// Acquire blocks until a permit is free or ctx is done. On success the
// caller must Release on every exit path.
func (g *Gate) Acquire(ctx context.Context) error {
	g.waiting.Add(1)
	err := g.sem.Acquire(ctx, 1)
	g.waiting.Add(-1)
	if err != nil {
		return err
	}
	g.active.Add(1)
	return nil
}

// Release returns a permit, waking the longest-waiting acquirer.
func (g *Gate) Release() {
	g.active.Add(-1)
	g.sem.Release(1)
}

// Active reports calls currently holding a permit.
func (g *Gate) Active() int64 { return g.active.Load() }

// Waiting reports callers blocked in Acquire.
func (g *Gate) Waiting() int64 { return g.waiting.Load() }

// Max reports the permit count.
func (g *Gate) Max() int64 { return g.max }

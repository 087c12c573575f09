package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryRateLimitStore(t *testing.T) {
	s := NewMemoryRateLimitStore()
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		n, err := s.IncrementRPM(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, int64(i), n)
	}

	// tenants count independently
	n, err := s.IncrementRPM(ctx, "t2")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestMemoryRateLimitStoreBucketTurnover(t *testing.T) {
	s := NewMemoryRateLimitStore()
	ctx := context.Background()

	_, err := s.IncrementRPM(ctx, "t1")
	require.NoError(t, err)

	// force the minute bucket to look stale
	s.mu.Lock()
	s.bucket -= 1
	s.mu.Unlock()

	n, err := s.IncrementRPM(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "counters reset when the minute turns over")
}

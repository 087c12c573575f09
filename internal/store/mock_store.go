package store

import (
	"context"
	"sync"
)

// MockRateLimitStore
type MockRateLimitStore struct {
	mu  sync.Mutex
	RPM map[string]int64
	// Allow forcing errors for testing
	Err error
}

func NewMockRateLimitStore() *MockRateLimitStore {
	return &MockRateLimitStore{RPM: make(map[string]int64)}
}

func (m *MockRateLimitStore) IncrementRPM(ctx context.Context, tenantID string) (int64, error) {
	if m.Err != nil {
		return 0, m.Err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RPM[tenantID]++
	return m.RPM[tenantID], nil
}

// MockUsageStore
type MockUsageStore struct {
	mu      sync.Mutex
	Records []*UsageRecord
}

func (m *MockUsageStore) LogUsage(ctx context.Context, record *UsageRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Records = append(m.Records, record)
	return nil
}

func (m *MockUsageStore) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Records)
}

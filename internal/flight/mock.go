package flight

import (
	"context"
	"sync"
)

// MockSink keeps batches in memory.
type MockSink struct {
	mu      sync.RWMutex
	closed  bool
	batches []*Batch
}

func NewMockSink() *MockSink {
	return &MockSink{}
}

func (m *MockSink) Put(ctx context.Context, b *Batch) error {
	if err := b.validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrNotConnected
	}
	m.batches = append(m.batches, b)
	return nil
}

func (m *MockSink) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Batches returns everything received so far.
func (m *MockSink) Batches() []*Batch {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*Batch(nil), m.batches...)
}

func (m *MockSink) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches = nil
}

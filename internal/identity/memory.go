package identity

import (
	"context"
	"sync"
)

// MemoryStore is an in-process LocalStore.
type MemoryStore struct {
	mu      sync.Mutex
	blob    []byte
	readErr error
	reads   int
}

// NewMemoryStore returns a store pre-populated with blob (may be nil).
func NewMemoryStore(blob []byte) *MemoryStore {
	return &MemoryStore{blob: append([]byte(nil), blob...)}
}

// FailReads makes every subsequent Get return err. Pass nil to recover.
func (m *MemoryStore) FailReads(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readErr = err
}

// Reads returns how many times Get has been called.
func (m *MemoryStore) Reads() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reads
}

func (m *MemoryStore) Get(ctx context.Context) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reads++
	if m.readErr != nil {
		return nil, m.readErr
	}
	if len(m.blob) == 0 {
		return nil, nil
	}
	return append([]byte(nil), m.blob...), nil
}

func (m *MemoryStore) Set(ctx context.Context, blob []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blob = append([]byte(nil), blob...)
	return nil
}

func (m *MemoryStore) Clear(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blob = nil
	return nil
}

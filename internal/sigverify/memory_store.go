package sigverify

import (
	"context"
	"strings"
	"sync"
)

// MemoryNonceStore is an in-memory nonce store for demo/development mode.
type MemoryNonceStore struct {
	consumed map[string]struct{}
	mu       sync.RWMutex
}

// NewMemoryNonceStore creates a new in-memory nonce store.
func NewMemoryNonceStore() *MemoryNonceStore {
	return &MemoryNonceStore{consumed: make(map[string]struct{})}
}

func nonceKey(payer, paymentID string) string {
	return strings.ToLower(payer) + "|" + paymentID
}

func (m *MemoryNonceStore) Seen(ctx context.Context, payer, paymentID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.consumed[nonceKey(payer, paymentID)]
	return ok, nil
}

func (m *MemoryNonceStore) Consume(ctx context.Context, payer, paymentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := nonceKey(payer, paymentID)
	if _, ok := m.consumed[key]; ok {
		return ErrNonceConsumed
	}
	m.consumed[key] = struct{}{}
	return nil
}

func (m *MemoryNonceStore) Release(ctx context.Context, payer, paymentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.consumed, nonceKey(payer, paymentID))
	return nil
}

// Compile-time assertion that MemoryNonceStore implements NonceStore.
var _ NonceStore = (*MemoryNonceStore)(nil)

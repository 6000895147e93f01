package reputation

import (
	"context"
	"sort"
	"sync"
)

// MemorySnapshotStore is an in-memory SnapshotStore for development and tests.
type MemorySnapshotStore struct {
	mu    sync.RWMutex
	snaps map[string]*Snapshot // agentID → latest snapshot
}

// NewMemorySnapshotStore creates an empty in-memory snapshot store.
func NewMemorySnapshotStore() *MemorySnapshotStore {
	return &MemorySnapshotStore{snaps: make(map[string]*Snapshot)}
}

var _ SnapshotStore = (*MemorySnapshotStore)(nil)

func (m *MemorySnapshotStore) Save(ctx context.Context, snap *Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *snap
	m.snaps[snap.AgentID] = &cp
	return nil
}

func (m *MemorySnapshotStore) Latest(ctx context.Context, agentID string) (*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.snaps[agentID]
	if !ok {
		return nil, ErrSnapshotNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MemorySnapshotStore) ListAgents(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	agents := make([]string, 0, len(m.snaps))
	for id := range m.snaps {
		agents = append(agents, id)
	}
	sort.Strings(agents)
	return agents, nil
}

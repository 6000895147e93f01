package registry

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu        sync.RWMutex
	requests  map[string]*Request  // requestHash → request
	responses map[string][]*Response // taskID → responses, append order
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		requests:  make(map[string]*Request),
		responses: make(map[string][]*Response),
	}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) CreateRequest(ctx context.Context, r *Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.requests[r.RequestHash]; ok {
		return ErrRequestExists
	}
	cp := *r
	m.requests[r.RequestHash] = &cp
	return nil
}

func (m *MemoryStore) GetRequest(ctx context.Context, requestHash string) (*Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.requests[requestHash]
	if !ok {
		return nil, ErrRequestNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) AppendResponse(ctx context.Context, r *Response) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.responses[r.TaskID] = append(m.responses[r.TaskID], &cp)
	return nil
}

func (m *MemoryStore) ListResponses(ctx context.Context, taskID string) ([]*Response, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	src := m.responses[taskID]
	out := make([]*Response, len(src))
	for i, r := range src {
		cp := *r
		out[i] = &cp
	}
	return out, nil
}

func (m *MemoryStore) ListResponsesByAgent(ctx context.Context, agentID string) ([]*Response, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Response
	for _, rs := range m.responses {
		for _, r := range rs {
			if r.AgentID == agentID {
				cp := *r
				out = append(out, &cp)
			}
		}
	}
	return out, nil
}

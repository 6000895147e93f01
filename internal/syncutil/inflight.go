package syncutil

import (
	"context"
	"sync"
)

// inflightCall tracks one in-progress execution and its eventual result.
type inflightCall struct {
	done chan struct{}
	val  interface{}
	err  error
}

// InflightGroup deduplicates concurrent work by key: while one execution
// for a key is in progress, additional callers wait for and share its
// result instead of starting their own. Unlike a plain mutex, late callers
// never re-execute — they observe the first call's outcome.
type InflightGroup struct {
	mu    sync.Mutex
	calls map[string]*inflightCall
}

// NewInflightGroup creates an empty group.
func NewInflightGroup() *InflightGroup {
	return &InflightGroup{calls: make(map[string]*inflightCall)}
}

// Do executes fn for key, or joins an execution already in flight. The
// boolean result is true when the returned value came from another caller's
// execution. Waiting callers honor context cancellation; the execution
// itself is owned by the first caller and runs to completion regardless.
func (g *InflightGroup) Do(ctx context.Context, key string, fn func() (interface{}, error)) (interface{}, bool, error) {
	g.mu.Lock()
	if c, ok := g.calls[key]; ok {
		g.mu.Unlock()
		select {
		case <-c.done:
			return c.val, true, c.err
		case <-ctx.Done():
			return nil, true, ctx.Err()
		}
	}

	c := &inflightCall{done: make(chan struct{})}
	g.calls[key] = c
	g.mu.Unlock()

	c.val, c.err = fn()

	g.mu.Lock()
	delete(g.calls, key)
	g.mu.Unlock()
	close(c.done)

	return c.val, false, c.err
}

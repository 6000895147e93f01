package reputation

import (
	"context"
	"errors"
)

// ErrSnapshotNotFound is returned when no snapshot exists for an agent.
var ErrSnapshotNotFound = errors.New("reputation: snapshot not found")

// SnapshotStore persists reputation snapshots.
type SnapshotStore interface {
	// Save persists a snapshot, replacing any previous one for the agent.
	Save(ctx context.Context, snap *Snapshot) error

	// Latest returns the most recent snapshot for an agent.
	Latest(ctx context.Context, agentID string) (*Snapshot, error)

	// ListAgents returns every agent with a stored snapshot.
	ListAgents(ctx context.Context) ([]string, error)
}

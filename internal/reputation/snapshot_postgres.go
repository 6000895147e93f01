package reputation

import (
	"context"
	"database/sql"
	"encoding/json"
)

// PostgresSnapshotStore persists reputation snapshots in PostgreSQL. The
// reputation payload is stored as JSONB alongside the canonical string and
// digest, so external readers can verify without re-deriving anything.
type PostgresSnapshotStore struct {
	db *sql.DB
}

// NewPostgresSnapshotStore creates a new PostgreSQL-backed snapshot store.
func NewPostgresSnapshotStore(db *sql.DB) *PostgresSnapshotStore {
	return &PostgresSnapshotStore{db: db}
}

var _ SnapshotStore = (*PostgresSnapshotStore)(nil)

func (p *PostgresSnapshotStore) Save(ctx context.Context, snap *Snapshot) error {
	payload, err := json.Marshal(snap.Reputation)
	if err != nil {
		return err
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO reputation_snapshots (agent_id, reputation, canonical, digest, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (agent_id) DO UPDATE SET
			reputation = EXCLUDED.reputation,
			canonical = EXCLUDED.canonical,
			digest = EXCLUDED.digest,
			created_at = EXCLUDED.created_at`,
		snap.AgentID, payload, snap.Canonical, snap.Digest, snap.CreatedAt,
	)
	return err
}

func (p *PostgresSnapshotStore) Latest(ctx context.Context, agentID string) (*Snapshot, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT agent_id, reputation, canonical, digest, created_at
		FROM reputation_snapshots WHERE agent_id = $1`, agentID)

	var snap Snapshot
	var payload []byte
	err := row.Scan(&snap.AgentID, &payload, &snap.Canonical, &snap.Digest, &snap.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrSnapshotNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(payload, &snap.Reputation); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (p *PostgresSnapshotStore) ListAgents(ctx context.Context) ([]string, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT agent_id FROM reputation_snapshots ORDER BY agent_id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var agents []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		agents = append(agents, id)
	}
	return agents, rows.Err()
}

package registry

import (
	"context"
	"database/sql"

	"github.com/lib/pq"
)

// PostgresStore persists validation requests and responses in PostgreSQL.
// Responses land in a monthly-partitioned append-only table; see the
// PartitionMaintainer.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed registry store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

func (p *PostgresStore) CreateRequest(ctx context.Context, r *Request) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO validation_requests (request_hash, task_id, agent_id, response_uri, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		r.RequestHash, r.TaskID, r.AgentID, r.ResponseURI, r.CreatedAt,
	)
	if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
		return ErrRequestExists
	}
	return err
}

func (p *PostgresStore) GetRequest(ctx context.Context, requestHash string) (*Request, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT request_hash, task_id, agent_id, response_uri, created_at
		FROM validation_requests WHERE request_hash = $1`, requestHash)

	var r Request
	err := row.Scan(&r.RequestHash, &r.TaskID, &r.AgentID, &r.ResponseURI, &r.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrRequestNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (p *PostgresStore) AppendResponse(ctx context.Context, r *Response) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO validation_responses (
			request_hash, task_id, agent_id, response_uri, response_hash,
			tag, score, validator_address, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		r.RequestHash, r.TaskID, r.AgentID, r.ResponseURI, r.ResponseHash,
		r.Tag, r.Score, r.ValidatorAddress, r.Timestamp,
	)
	return err
}

func (p *PostgresStore) ListResponses(ctx context.Context, taskID string) ([]*Response, error) {
	return p.listResponses(ctx, `task_id = $1`, taskID)
}

func (p *PostgresStore) ListResponsesByAgent(ctx context.Context, agentID string) ([]*Response, error) {
	return p.listResponses(ctx, `agent_id = $1`, agentID)
}

func (p *PostgresStore) listResponses(ctx context.Context, where string, arg interface{}) ([]*Response, error) {
	// where is one of two fixed predicates above, never caller input.
	rows, err := p.db.QueryContext(ctx, `
		SELECT request_hash, task_id, agent_id, response_uri, response_hash,
		       tag, score, validator_address, created_at
		FROM validation_responses WHERE `+where+` ORDER BY created_at, tag`, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Response
	for rows.Next() {
		var r Response
		if err := rows.Scan(&r.RequestHash, &r.TaskID, &r.AgentID, &r.ResponseURI,
			&r.ResponseHash, &r.Tag, &r.Score, &r.ValidatorAddress, &r.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

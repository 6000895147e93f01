package sigverify

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/lib/pq"
)

// PostgresNonceStore persists consumed payment nonces in PostgreSQL.
type PostgresNonceStore struct {
	db *sql.DB
}

// NewPostgresNonceStore creates a new PostgreSQL-backed nonce store.
func NewPostgresNonceStore(db *sql.DB) *PostgresNonceStore {
	return &PostgresNonceStore{db: db}
}

func (p *PostgresNonceStore) Seen(ctx context.Context, payer, paymentID string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM payment_nonces WHERE payer = $1 AND payment_id = $2
		)`, strings.ToLower(payer), paymentID).Scan(&exists)
	return exists, err
}

func (p *PostgresNonceStore) Consume(ctx context.Context, payer, paymentID string) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO payment_nonces (payer, payment_id, consumed_at)
		VALUES ($1, $2, $3)`,
		strings.ToLower(payer), paymentID, time.Now())
	if err != nil {
		// Unique violation means a concurrent or earlier settlement won.
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return ErrNonceConsumed
		}
		return err
	}
	return nil
}

func (p *PostgresNonceStore) Release(ctx context.Context, payer, paymentID string) error {
	_, err := p.db.ExecContext(ctx, `
		DELETE FROM payment_nonces WHERE payer = $1 AND payment_id = $2`,
		strings.ToLower(payer), paymentID)
	return err
}

// Compile-time assertion that PostgresNonceStore implements NonceStore.
var _ NonceStore = (*PostgresNonceStore)(nil)

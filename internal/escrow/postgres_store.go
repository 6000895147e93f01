package escrow

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists payment records in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed payment store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const paymentColumns = `payment_id, payer, recipient, amount, state, tx_hash, outcome_tx,
		       confirmed, archived, created_at, expires_at, resolved_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, pay *Payment) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO escrow_payments (
			payment_id, payer, recipient, amount, state, tx_hash, outcome_tx,
			confirmed, archived, created_at, expires_at, resolved_at, updated_at
		) VALUES ($1, $2, $3, $4::NUMERIC(78,0), $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		pay.PaymentID, pay.Payer, pay.Recipient, pay.Amount, string(pay.State),
		pay.TxHash, nullString(pay.OutcomeTx), pay.Confirmed, pay.Archived,
		pay.CreatedAt, pay.ExpiresAt, nullTime(pay.ResolvedAt), pay.UpdatedAt,
	)
	if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
		return ErrPaymentExists
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, paymentID string) (*Payment, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM escrow_payments WHERE payment_id = $1`, paymentID)

	pay, err := scanPayment(row)
	if err == sql.ErrNoRows {
		return nil, ErrPaymentNotFound
	}
	return pay, err
}

func (p *PostgresStore) Update(ctx context.Context, pay *Payment) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrow_payments SET
			state = $1, outcome_tx = $2, confirmed = $3, archived = $4,
			resolved_at = $5, updated_at = $6
		WHERE payment_id = $7`,
		string(pay.State), nullString(pay.OutcomeTx), pay.Confirmed, pay.Archived,
		nullTime(pay.ResolvedAt), pay.UpdatedAt, pay.PaymentID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrPaymentNotFound
	}
	return nil
}

func (p *PostgresStore) ListUnconfirmed(ctx context.Context, limit int) ([]*Payment, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+paymentColumns+`
		FROM escrow_payments
		WHERE confirmed = FALSE AND state NOT IN ('claimed', 'refunded')
		ORDER BY created_at
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanPayments(rows)
}

func (p *PostgresStore) ListByAgent(ctx context.Context, addr string, limit int) ([]*Payment, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+paymentColumns+`
		FROM escrow_payments
		WHERE payer = $1 OR recipient = $1
		ORDER BY created_at DESC
		LIMIT $2`, addr, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanPayments(rows)
}

func (p *PostgresStore) ListAgents(ctx context.Context) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT payer AS addr FROM escrow_payments
		UNION
		SELECT recipient FROM escrow_payments
		ORDER BY addr`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []string
	for rows.Next() {
		var addr string
		if err := rows.Scan(&addr); err != nil {
			return nil, err
		}
		result = append(result, addr)
	}
	return result, rows.Err()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanPayment(s scanner) (*Payment, error) {
	p := &Payment{}
	var (
		state      string
		outcomeTx  sql.NullString
		resolvedAt sql.NullTime
	)

	err := s.Scan(
		&p.PaymentID, &p.Payer, &p.Recipient, &p.Amount, &state, &p.TxHash,
		&outcomeTx, &p.Confirmed, &p.Archived, &p.CreatedAt, &p.ExpiresAt,
		&resolvedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	p.State = State(state)
	p.OutcomeTx = outcomeTx.String
	if resolvedAt.Valid {
		p.ResolvedAt = &resolvedAt.Time
	}
	return p, nil
}

func scanPayments(rows *sql.Rows) ([]*Payment, error) {
	var result []*Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

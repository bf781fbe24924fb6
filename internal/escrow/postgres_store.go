package escrow

import (
	"context"
	"database/sql"
	"time"
)

// PostgresStore persists escrow contracts in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed contract store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, c *Contract) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO escrow_contracts (
			id, trade_id, payer_id, payee_id, amount, currency,
			rail_ref, settle_ref, status, dispute_id, version,
			locked_at, resolved_at, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5::NUMERIC(30,6), $6,
			$7, $8, $9, $10, $11,
			$12, $13, $14, $15
		)`,
		c.ID, c.TradeID, c.PayerID, c.PayeeID, c.Amount, c.Currency,
		c.RailRef, nullString(c.SettleRef), string(c.Status), nullString(c.DisputeID), c.Version,
		nullTime(c.LockedAt), nullTime(c.ResolvedAt), c.CreatedAt, c.UpdatedAt,
	)
	return err
}

const contractColumns = `id, trade_id, payer_id, payee_id, amount, currency,
		       rail_ref, settle_ref, status, dispute_id, version,
		       locked_at, resolved_at, created_at, updated_at`

func (p *PostgresStore) Get(ctx context.Context, id string) (*Contract, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+contractColumns+` FROM escrow_contracts WHERE id = $1`, id)

	c, err := scanContract(row)
	if err == sql.ErrNoRows {
		return nil, ErrEscrowNotFound
	}
	return c, err
}

func (p *PostgresStore) GetByTrade(ctx context.Context, tradeID string) (*Contract, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+contractColumns+` FROM escrow_contracts WHERE trade_id = $1`, tradeID)

	c, err := scanContract(row)
	if err == sql.ErrNoRows {
		return nil, ErrEscrowNotFound
	}
	return c, err
}

func (p *PostgresStore) Update(ctx context.Context, c *Contract) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrow_contracts SET
			settle_ref = $1, status = $2, dispute_id = $3,
			resolved_at = $4, updated_at = $5, version = version + 1
		WHERE id = $6 AND version = $7`,
		nullString(c.SettleRef), string(c.Status), nullString(c.DisputeID),
		nullTime(c.ResolvedAt), c.UpdatedAt, c.ID, c.Version,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		var exists bool
		if err := p.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM escrow_contracts WHERE id = $1)`, c.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrEscrowNotFound
		}
		return ErrVersionConflict
	}
	c.Version++
	return nil
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status Status, afterCreated time.Time, afterID string, limit int) ([]*Contract, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+contractColumns+`
		FROM escrow_contracts
		WHERE status = $1 AND (created_at, id) > ($2, $3)
		ORDER BY created_at, id
		LIMIT $4`, string(status), afterCreated, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Contract
	for rows.Next() {
		c, err := scanContract(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	return result, rows.Err()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanContract(s scanner) (*Contract, error) {
	c := &Contract{}
	var (
		settleRef  sql.NullString
		status     string
		disputeID  sql.NullString
		lockedAt   sql.NullTime
		resolvedAt sql.NullTime
	)

	err := s.Scan(
		&c.ID, &c.TradeID, &c.PayerID, &c.PayeeID, &c.Amount, &c.Currency,
		&c.RailRef, &settleRef, &status, &disputeID, &c.Version,
		&lockedAt, &resolvedAt, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	c.Status = Status(status)
	c.SettleRef = settleRef.String
	c.DisputeID = disputeID.String
	if lockedAt.Valid {
		c.LockedAt = &lockedAt.Time
	}
	if resolvedAt.Valid {
		c.ResolvedAt = &resolvedAt.Time
	}
	return c, nil
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

package trades

import (
	"context"
	"database/sql"
	"time"
)

// PostgresStore persists trades in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed trade store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, t *Trade) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO trades (
			id, offer_id, reservation_id, buyer_id, seller_id, amount,
			price, currency, total_value, status, escrow_id, dispute_id,
			version, deadline, completed_at, cancelled_at, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7::NUMERIC(20,6), $8, $9::NUMERIC(30,6), $10, $11, $12,
			$13, $14, $15, $16, $17, $18
		)`,
		t.ID, t.OfferID, t.ReservationID, t.BuyerID, t.SellerID, t.Amount,
		t.Price, t.Currency, t.TotalValue, string(t.Status),
		nullString(t.EscrowID), nullString(t.DisputeID),
		t.Version, t.Deadline, nullTime(t.CompletedAt), nullTime(t.CancelledAt),
		t.CreatedAt, t.UpdatedAt,
	)
	return err
}

const tradeColumns = `id, offer_id, reservation_id, buyer_id, seller_id, amount,
		       price, currency, total_value, status, escrow_id, dispute_id,
		       version, deadline, completed_at, cancelled_at, created_at, updated_at`

func (p *PostgresStore) Get(ctx context.Context, id string) (*Trade, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+tradeColumns+` FROM trades WHERE id = $1`, id)

	t, err := scanTrade(row)
	if err == sql.ErrNoRows {
		return nil, ErrTradeNotFound
	}
	return t, err
}

func (p *PostgresStore) Update(ctx context.Context, t *Trade) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE trades SET
			status = $1, escrow_id = $2, dispute_id = $3,
			completed_at = $4, cancelled_at = $5, updated_at = $6,
			version = version + 1
		WHERE id = $7 AND version = $8`,
		string(t.Status), nullString(t.EscrowID), nullString(t.DisputeID),
		nullTime(t.CompletedAt), nullTime(t.CancelledAt), t.UpdatedAt,
		t.ID, t.Version,
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
			`SELECT EXISTS (SELECT 1 FROM trades WHERE id = $1)`, t.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrTradeNotFound
		}
		return ErrVersionConflict
	}
	t.Version++
	return nil
}

func (p *PostgresStore) ListByUser(ctx context.Context, principalID string, limit int) ([]*Trade, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+tradeColumns+`
		FROM trades
		WHERE buyer_id = $1 OR seller_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, principalID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanTrades(rows)
}

func (p *PostgresStore) ListExpired(ctx context.Context, before time.Time, limit int) ([]*Trade, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+tradeColumns+`
		FROM trades
		WHERE status = 'pending' AND deadline < $1
		LIMIT $2`, before, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanTrades(rows)
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTrade(s scanner) (*Trade, error) {
	t := &Trade{}
	var (
		status      string
		escrowID    sql.NullString
		disputeID   sql.NullString
		completedAt sql.NullTime
		cancelledAt sql.NullTime
	)

	err := s.Scan(
		&t.ID, &t.OfferID, &t.ReservationID, &t.BuyerID, &t.SellerID, &t.Amount,
		&t.Price, &t.Currency, &t.TotalValue, &status, &escrowID, &disputeID,
		&t.Version, &t.Deadline, &completedAt, &cancelledAt, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	t.Status = Status(status)
	t.EscrowID = escrowID.String
	t.DisputeID = disputeID.String
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}
	if cancelledAt.Valid {
		t.CancelledAt = &cancelledAt.Time
	}
	return t, nil
}

func scanTrades(rows *sql.Rows) ([]*Trade, error) {
	var result []*Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, t)
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

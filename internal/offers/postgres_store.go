package offers

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresStore persists offer data in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed offer store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, o *Offer) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO offers (
			id, maker_id, side, asset_type, amount, remaining,
			price, currency, total_value, status, open_trades,
			version, expires_at, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7::NUMERIC(20,6), $8, $9::NUMERIC(30,6), $10, $11,
			$12, $13, $14, $15
		)`,
		o.ID, o.MakerID, string(o.Side), o.AssetType, o.Amount, o.Remaining,
		o.Price, o.Currency, o.TotalValue, string(o.Status), o.OpenTrades,
		o.Version, nullTime(o.ExpiresAt), o.CreatedAt, o.UpdatedAt,
	)
	return err
}

const offerColumns = `id, maker_id, side, asset_type, amount, remaining,
		       price, currency, total_value, status, open_trades,
		       version, expires_at, created_at, updated_at`

func (p *PostgresStore) Get(ctx context.Context, id string) (*Offer, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+offerColumns+` FROM offers WHERE id = $1`, id)

	o, err := scanOffer(row)
	if err == sql.ErrNoRows {
		return nil, ErrOfferNotFound
	}
	return o, err
}

func (p *PostgresStore) Update(ctx context.Context, o *Offer) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE offers SET
			remaining = $1, status = $2, open_trades = $3,
			updated_at = $4, version = version + 1
		WHERE id = $5 AND version = $6`,
		o.Remaining, string(o.Status), o.OpenTrades,
		o.UpdatedAt, o.ID, o.Version,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		// Distinguish a missing row from a lost version race.
		var exists bool
		if err := p.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM offers WHERE id = $1)`, o.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrOfferNotFound
		}
		return ErrVersionConflict
	}
	o.Version++
	return nil
}

func (p *PostgresStore) List(ctx context.Context, filter Filter, limit int) ([]*Offer, error) {
	query := `SELECT ` + offerColumns + ` FROM offers WHERE 1=1`
	args := []interface{}{}
	i := 1
	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", i)
		args = append(args, string(filter.Status))
		i++
	}
	if filter.MakerID != "" {
		query += fmt.Sprintf(" AND maker_id = $%d", i)
		args = append(args, filter.MakerID)
		i++
	}
	if filter.Side != "" {
		query += fmt.Sprintf(" AND side = $%d", i)
		args = append(args, string(filter.Side))
		i++
	}
	if filter.AssetType != "" {
		query += fmt.Sprintf(" AND asset_type = $%d", i)
		args = append(args, filter.AssetType)
		i++
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", i)
	args = append(args, limit)

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanOffers(rows)
}

func (p *PostgresStore) ListExpired(ctx context.Context, before time.Time, limit int) ([]*Offer, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+offerColumns+`
		FROM offers
		WHERE status IN ('active', 'paused')
		  AND expires_at IS NOT NULL
		  AND expires_at < $1
		LIMIT $2`, before, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanOffers(rows)
}

// Reserve decrements remaining and inserts the reservation in one
// transaction. The guarded UPDATE is what makes concurrent reserves safe:
// only the rows whose remaining still covers the amount are touched.
func (p *PostgresStore) Reserve(ctx context.Context, res *Reservation) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		UPDATE offers SET remaining = remaining - $1, version = version + 1, updated_at = NOW()
		WHERE id = $2 AND status = 'active' AND remaining >= $1`,
		res.Amount, res.OfferID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		var status string
		err := tx.QueryRowContext(ctx, `SELECT status FROM offers WHERE id = $1`, res.OfferID).Scan(&status)
		if err == sql.ErrNoRows {
			return ErrOfferNotFound
		}
		if err != nil {
			return err
		}
		if status != string(StatusActive) {
			return ErrOfferNotActive
		}
		return ErrInsufficientRemaining
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO offer_reservations (
			id, offer_id, taker_id, trade_id, amount, status, expires_at, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		res.ID, res.OfferID, res.TakerID, nullString(res.TradeID),
		res.Amount, string(res.Status), res.ExpiresAt, res.CreatedAt,
	)
	if err != nil {
		return err
	}

	return tx.Commit()
}

func (p *PostgresStore) GetReservation(ctx context.Context, id string) (*Reservation, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+reservationColumns+` FROM offer_reservations WHERE id = $1`, id)

	r, err := scanReservation(row)
	if err == sql.ErrNoRows {
		return nil, ErrReservationNotFound
	}
	return r, err
}

const reservationColumns = `id, offer_id, taker_id, trade_id, amount, status, expires_at, created_at`

func (p *PostgresStore) ReleaseHold(ctx context.Context, reservationID string, to ReservationStatus) (*Reservation, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
		UPDATE offer_reservations SET status = $1
		WHERE id = $2 AND status = 'held'
		RETURNING `+reservationColumns, string(to), reservationID)

	res, err := scanReservation(row)
	if err == sql.ErrNoRows {
		// Not held anymore; report the current state without changes.
		return p.GetReservation(ctx, reservationID)
	}
	if err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE offers
		SET remaining = LEAST(remaining + $1, amount), version = version + 1, updated_at = NOW()
		WHERE id = $2`,
		res.Amount, res.OfferID,
	)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return res, nil
}

func (p *PostgresStore) ConsumeHold(ctx context.Context, reservationID, tradeID string) (*Reservation, error) {
	row := p.db.QueryRowContext(ctx, `
		UPDATE offer_reservations SET status = 'consumed', trade_id = $1
		WHERE id = $2 AND status = 'held'
		RETURNING `+reservationColumns, tradeID, reservationID)

	res, err := scanReservation(row)
	if err == sql.ErrNoRows {
		if _, getErr := p.GetReservation(ctx, reservationID); getErr != nil {
			return nil, getErr
		}
		return nil, ErrInvalidTransition
	}
	return res, err
}

func (p *PostgresStore) Restore(ctx context.Context, offerID string, amount int64) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE offers
		SET remaining = LEAST(remaining + $1, amount), version = version + 1, updated_at = NOW()
		WHERE id = $2`,
		amount, offerID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrOfferNotFound
	}
	return nil
}

func (p *PostgresStore) ListExpiredReservations(ctx context.Context, before time.Time, limit int) ([]*Reservation, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+reservationColumns+`
		FROM offer_reservations
		WHERE status = 'held' AND expires_at < $1
		LIMIT $2`, before, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Reservation
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanOffer(s scanner) (*Offer, error) {
	o := &Offer{}
	var (
		side      string
		status    string
		expiresAt sql.NullTime
	)

	err := s.Scan(
		&o.ID, &o.MakerID, &side, &o.AssetType, &o.Amount, &o.Remaining,
		&o.Price, &o.Currency, &o.TotalValue, &status, &o.OpenTrades,
		&o.Version, &expiresAt, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	o.Side = Side(side)
	o.Status = Status(status)
	if expiresAt.Valid {
		o.ExpiresAt = &expiresAt.Time
	}
	return o, nil
}

func scanOffers(rows *sql.Rows) ([]*Offer, error) {
	var result []*Offer
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, o)
	}
	return result, rows.Err()
}

func scanReservation(s scanner) (*Reservation, error) {
	r := &Reservation{}
	var (
		status  string
		tradeID sql.NullString
	)

	err := s.Scan(
		&r.ID, &r.OfferID, &r.TakerID, &tradeID,
		&r.Amount, &status, &r.ExpiresAt, &r.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	r.Status = ReservationStatus(status)
	r.TradeID = tradeID.String
	return r, nil
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

package disputes

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// PostgresStore persists disputes in PostgreSQL. Evidence entries are
// stored as a JSONB array on the dispute row.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed dispute store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const disputeColumns = `id, trade_id, escrow_id, raised_by, reason, evidence,
			       status, resolution, admin_notes, claimed_by, lease_expires_at,
			       version, resolved_at, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, d *Dispute) error {
	evidence, err := json.Marshal(d.Evidence)
	if err != nil {
		return fmt.Errorf("failed to encode evidence: %w", err)
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO disputes (
			id, trade_id, escrow_id, raised_by, reason, evidence,
			status, resolution, admin_notes, claimed_by, lease_expires_at,
			version, resolved_at, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11,
			$12, $13, $14, $15
		)`,
		d.ID, d.TradeID, d.EscrowID, d.RaisedBy, d.Reason, evidence,
		string(d.Status), nullString(string(d.Resolution)), nullString(d.AdminNotes),
		nullString(d.ClaimedBy), nullTime(d.LeaseExpiresAt),
		d.Version, nullTime(d.ResolvedAt), d.CreatedAt, d.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Dispute, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, id)

	d, err := scanDispute(row)
	if err == sql.ErrNoRows {
		return nil, ErrDisputeNotFound
	}
	return d, err
}

func (p *PostgresStore) Update(ctx context.Context, d *Dispute) error {
	evidence, err := json.Marshal(d.Evidence)
	if err != nil {
		return fmt.Errorf("failed to encode evidence: %w", err)
	}

	result, err := p.db.ExecContext(ctx, `
		UPDATE disputes SET
			evidence = $1, status = $2, resolution = $3, admin_notes = $4,
			claimed_by = $5, lease_expires_at = $6, resolved_at = $7, updated_at = $8,
			version = version + 1
		WHERE id = $9 AND version = $10`,
		evidence, string(d.Status), nullString(string(d.Resolution)), nullString(d.AdminNotes),
		nullString(d.ClaimedBy), nullTime(d.LeaseExpiresAt), nullTime(d.ResolvedAt), d.UpdatedAt,
		d.ID, d.Version,
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
			`SELECT EXISTS (SELECT 1 FROM disputes WHERE id = $1)`, d.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrDisputeNotFound
		}
		return ErrVersionConflict
	}
	d.Version++
	return nil
}

func (p *PostgresStore) GetOpenByTrade(ctx context.Context, tradeID string) (*Dispute, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+disputeColumns+`
		FROM disputes
		WHERE trade_id = $1 AND status != 'resolved'
		LIMIT 1`, tradeID)

	d, err := scanDispute(row)
	if err == sql.ErrNoRows {
		return nil, ErrDisputeNotFound
	}
	return d, err
}

func (p *PostgresStore) List(ctx context.Context, status Status, limit int) ([]*Dispute, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if status == "" {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+disputeColumns+`
			FROM disputes
			ORDER BY created_at DESC
			LIMIT $1`, limit)
	} else {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+disputeColumns+`
			FROM disputes
			WHERE status = $1
			ORDER BY created_at ASC
			LIMIT $2`, string(status), limit)
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanDisputes(rows)
}

func (p *PostgresStore) ListExpiredLeases(ctx context.Context, before time.Time, limit int) ([]*Dispute, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+disputeColumns+`
		FROM disputes
		WHERE status = 'under_review' AND lease_expires_at < $1
		LIMIT $2`, before, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanDisputes(rows)
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanDispute(s scanner) (*Dispute, error) {
	d := &Dispute{}
	var (
		evidence       []byte
		status         string
		resolution     sql.NullString
		adminNotes     sql.NullString
		claimedBy      sql.NullString
		leaseExpiresAt sql.NullTime
		resolvedAt     sql.NullTime
	)

	err := s.Scan(
		&d.ID, &d.TradeID, &d.EscrowID, &d.RaisedBy, &d.Reason, &evidence,
		&status, &resolution, &adminNotes, &claimedBy, &leaseExpiresAt,
		&d.Version, &resolvedAt, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	d.Status = Status(status)
	d.Resolution = Resolution(resolution.String)
	d.AdminNotes = adminNotes.String
	d.ClaimedBy = claimedBy.String
	if leaseExpiresAt.Valid {
		d.LeaseExpiresAt = &leaseExpiresAt.Time
	}
	if resolvedAt.Valid {
		d.ResolvedAt = &resolvedAt.Time
	}
	if err := json.Unmarshal(evidence, &d.Evidence); err != nil {
		return nil, fmt.Errorf("failed to decode evidence: %w", err)
	}
	return d, nil
}

func scanDisputes(rows *sql.Rows) ([]*Dispute, error) {
	var result []*Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, d)
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

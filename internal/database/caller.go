package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/flowpbx/voicebridge/internal/database/models"
)

// callerRepo implements CallerRepository.
type callerRepo struct {
	db *DB
}

// NewCallerRepository creates a new CallerRepository.
func NewCallerRepository(db *DB) CallerRepository {
	return &callerRepo{db: db}
}

// GetOrCreate returns the caller row for phoneNumber, inserting a new
// row (and stamping last_call to now) if one does not already exist.
func (r *callerRepo) GetOrCreate(ctx context.Context, phoneNumber string) (*models.Caller, error) {
	caller, err := r.getByPhoneNumber(ctx, phoneNumber)
	if err == nil {
		return caller, nil
	}
	if err != sql.ErrNoRows {
		return nil, fmt.Errorf("looking up caller %q: %w", phoneNumber, err)
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO callers (phone_number, created_at, last_call) VALUES (?, datetime('now'), datetime('now'))`,
		phoneNumber,
	)
	if err != nil {
		return nil, fmt.Errorf("inserting caller %q: %w", phoneNumber, err)
	}
	return r.getByPhoneNumber(ctx, phoneNumber)
}

func (r *callerRepo) getByPhoneNumber(ctx context.Context, phoneNumber string) (*models.Caller, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, phone_number, created_at, last_call FROM callers WHERE phone_number = ?`,
		phoneNumber,
	)
	var c models.Caller
	var lastCall sql.NullTime
	if err := row.Scan(&c.ID, &c.PhoneNumber, &c.CreatedAt, &lastCall); err != nil {
		return nil, err
	}
	if lastCall.Valid {
		c.LastCall = &lastCall.Time
	}
	return &c, nil
}

// TouchLastCall updates last_call to now for the given caller id.
func (r *callerRepo) TouchLastCall(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE callers SET last_call = datetime('now') WHERE id = ?`, id,
	)
	if err != nil {
		return fmt.Errorf("touching last_call for caller %d: %w", id, err)
	}
	return nil
}

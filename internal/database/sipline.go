package database

import (
	"context"
	"fmt"

	"github.com/flowpbx/voicebridge/internal/database/models"
)

// sipLineRepo implements SIPLineRepository.
type sipLineRepo struct {
	db *DB
}

// NewSIPLineRepository creates a new SIPLineRepository.
func NewSIPLineRepository(db *DB) SIPLineRepository {
	return &sipLineRepo{db: db}
}

// GetByLineID returns the configured line with the given line_id.
func (r *sipLineRepo) GetByLineID(ctx context.Context, lineID int64) (*models.SIPLine, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT line_id, username, password, server_ip, server_port, enabled, status
		 FROM sip_lines WHERE line_id = ?`, lineID,
	)
	return scanSIPLine(row)
}

// ListEnabled returns every enabled SIP line, ordered by line_id.
func (r *sipLineRepo) ListEnabled(ctx context.Context) ([]models.SIPLine, error) {
	return r.query(ctx, `SELECT line_id, username, password, server_ip, server_port, enabled, status
		 FROM sip_lines WHERE enabled = 1 ORDER BY line_id`)
}

// ListAll returns every configured SIP line, ordered by line_id.
func (r *sipLineRepo) ListAll(ctx context.Context) ([]models.SIPLine, error) {
	return r.query(ctx, `SELECT line_id, username, password, server_ip, server_port, enabled, status
		 FROM sip_lines ORDER BY line_id`)
}

func (r *sipLineRepo) query(ctx context.Context, query string) ([]models.SIPLine, error) {
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying sip_lines: %w", err)
	}
	defer rows.Close()

	var lines []models.SIPLine
	for rows.Next() {
		var l models.SIPLine
		var enabled int
		if err := rows.Scan(&l.LineID, &l.Username, &l.Password, &l.ServerIP, &l.ServerPort, &enabled, &l.Status); err != nil {
			return nil, fmt.Errorf("scanning sip_lines row: %w", err)
		}
		l.Enabled = enabled != 0
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

// SetStatus updates the registration status of a line.
func (r *sipLineRepo) SetStatus(ctx context.Context, lineID int64, status string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE sip_lines SET status = ? WHERE line_id = ?`, status, lineID,
	)
	if err != nil {
		return fmt.Errorf("setting status for line %d: %w", lineID, err)
	}
	return nil
}

// SetEnabled toggles whether a line is active.
func (r *sipLineRepo) SetEnabled(ctx context.Context, lineID int64, enabled bool) error {
	v := 0
	if enabled {
		v = 1
	}
	_, err := r.db.ExecContext(ctx,
		`UPDATE sip_lines SET enabled = ? WHERE line_id = ?`, v, lineID,
	)
	if err != nil {
		return fmt.Errorf("setting enabled for line %d: %w", lineID, err)
	}
	return nil
}

type scannableRow interface {
	Scan(dest ...any) error
}

func scanSIPLine(row scannableRow) (*models.SIPLine, error) {
	var l models.SIPLine
	var enabled int
	if err := row.Scan(&l.LineID, &l.Username, &l.Password, &l.ServerIP, &l.ServerPort, &enabled, &l.Status); err != nil {
		return nil, err
	}
	l.Enabled = enabled != 0
	return &l, nil
}

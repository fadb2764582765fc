package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/flowpbx/voicebridge/internal/database/models"
)

// callRepo implements CallRepository.
type callRepo struct {
	db *DB
}

// NewCallRepository creates a new CallRepository.
func NewCallRepository(db *DB) CallRepository {
	return &callRepo{db: db}
}

// Create inserts a new call record in the active status.
func (r *callRepo) Create(ctx context.Context, call *models.Call) error {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO calls (sip_call_id, caller_id, line_id, phone_number, start_time, transcription, llm_response, status)
		 VALUES (?, ?, ?, ?, datetime('now'), '', '', ?)`,
		call.SIPCallID, call.CallerID, call.LineID, call.PhoneNumber, models.CallStatusActive,
	)
	if err != nil {
		return fmt.Errorf("inserting call %q: %w", call.SIPCallID, err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	call.ID = id
	call.Status = models.CallStatusActive
	return nil
}

// GetBySIPCallID looks up a call by its SIP Call-ID header value.
func (r *callRepo) GetBySIPCallID(ctx context.Context, sipCallID string) (*models.Call, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, sip_call_id, caller_id, line_id, phone_number, start_time, end_time, transcription, llm_response, status
		 FROM calls WHERE sip_call_id = ?`, sipCallID,
	)
	return scanCall(row)
}

// GetByID looks up a call by its primary key.
func (r *callRepo) GetByID(ctx context.Context, id int64) (*models.Call, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, sip_call_id, caller_id, line_id, phone_number, start_time, end_time, transcription, llm_response, status
		 FROM calls WHERE id = ?`, id,
	)
	return scanCall(row)
}

// AppendTranscription appends a space-separated transcript segment to
// the call's transcription column, per the append-only persistence
// rule in effect while the call is active.
func (r *callRepo) AppendTranscription(ctx context.Context, id int64, segment string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE calls SET transcription = trim(transcription || ' ' || ?) WHERE id = ?`,
		segment, id,
	)
	if err != nil {
		return fmt.Errorf("appending transcription for call %d: %w", id, err)
	}
	return nil
}

// AppendLLMResponse appends a space-separated reply segment to the
// call's llm_response column.
func (r *callRepo) AppendLLMResponse(ctx context.Context, id int64, segment string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE calls SET llm_response = trim(llm_response || ' ' || ?) WHERE id = ?`,
		segment, id,
	)
	if err != nil {
		return fmt.Errorf("appending llm response for call %d: %w", id, err)
	}
	return nil
}

// End transitions a call out of active, stamping end_time.
func (r *callRepo) End(ctx context.Context, id int64, status models.CallStatus) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE calls SET status = ?, end_time = datetime('now') WHERE id = ?`,
		status, id,
	)
	if err != nil {
		return fmt.Errorf("ending call %d: %w", id, err)
	}
	return nil
}

// ListActive returns every call currently in the active status.
func (r *callRepo) ListActive(ctx context.Context) ([]models.Call, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, sip_call_id, caller_id, line_id, phone_number, start_time, end_time, transcription, llm_response, status
		 FROM calls WHERE status = ? ORDER BY start_time DESC`, models.CallStatusActive,
	)
	if err != nil {
		return nil, fmt.Errorf("querying active calls: %w", err)
	}
	defer rows.Close()
	return scanCalls(rows)
}

// List returns calls ordered most-recent-first, paginated.
func (r *callRepo) List(ctx context.Context, limit, offset int) ([]models.Call, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, sip_call_id, caller_id, line_id, phone_number, start_time, end_time, transcription, llm_response, status
		 FROM calls ORDER BY start_time DESC LIMIT ? OFFSET ?`, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("listing calls: %w", err)
	}
	defer rows.Close()
	return scanCalls(rows)
}

func scanCall(row scannableRow) (*models.Call, error) {
	var c models.Call
	var endTime sql.NullTime
	if err := row.Scan(&c.ID, &c.SIPCallID, &c.CallerID, &c.LineID, &c.PhoneNumber,
		&c.StartTime, &endTime, &c.Transcription, &c.LLMResponse, &c.Status); err != nil {
		return nil, err
	}
	if endTime.Valid {
		c.EndTime = &endTime.Time
	}
	return &c, nil
}

func scanCalls(rows *sql.Rows) ([]models.Call, error) {
	var calls []models.Call
	for rows.Next() {
		c, err := scanCall(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning calls row: %w", err)
		}
		calls = append(calls, *c)
	}
	return calls, rows.Err()
}

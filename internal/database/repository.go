package database

import (
	"context"

	"github.com/flowpbx/voicebridge/internal/database/models"
)

// SystemConfigRepository manages key-value system configuration.
type SystemConfigRepository interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	GetAll(ctx context.Context) ([]models.SystemConfig, error)
}

// CallerRepository manages the deduplicated caller table, keyed by
// E.164-normalized phone number.
type CallerRepository interface {
	// GetOrCreate returns the existing caller row for phoneNumber,
	// creating one (and stamping LastCall) if none exists yet.
	GetOrCreate(ctx context.Context, phoneNumber string) (*models.Caller, error)
	TouchLastCall(ctx context.Context, id int64) error
}

// SIPLineRepository manages configured SIP lines/trunks.
type SIPLineRepository interface {
	GetByLineID(ctx context.Context, lineID int64) (*models.SIPLine, error)
	ListAll(ctx context.Context) ([]models.SIPLine, error)
	ListEnabled(ctx context.Context) ([]models.SIPLine, error)
	SetStatus(ctx context.Context, lineID int64, status string) error
	SetEnabled(ctx context.Context, lineID int64, enabled bool) error
}

// CallRepository manages call records.
type CallRepository interface {
	Create(ctx context.Context, call *models.Call) error
	GetBySIPCallID(ctx context.Context, sipCallID string) (*models.Call, error)
	GetByID(ctx context.Context, id int64) (*models.Call, error)
	AppendTranscription(ctx context.Context, id int64, segment string) error
	AppendLLMResponse(ctx context.Context, id int64, segment string) error
	End(ctx context.Context, id int64, status models.CallStatus) error
	ListActive(ctx context.Context) ([]models.Call, error)
	List(ctx context.Context, limit, offset int) ([]models.Call, error)
}

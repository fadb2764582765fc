// Package models holds the plain row structs persisted by internal/database.
package models

import "time"

// SystemConfig represents a key-value configuration entry.
type SystemConfig struct {
	ID        int64
	Key       string
	Value     string
	UpdatedAt time.Time
}

// Caller represents a phone number that has placed at least one call,
// deduplicated by E.164-normalized phone_number.
type Caller struct {
	ID          int64
	PhoneNumber string
	CreatedAt   time.Time
	LastCall    *time.Time
}

// SIPLine represents one configured SIP trunk/line the gateway
// registers as, per the spec's line_id-derived RTP port convention.
type SIPLine struct {
	LineID     int64
	Username   string
	Password   string
	ServerIP   string
	ServerPort int
	Enabled    bool
	Status     string // "unknown" (initial) | "connected" | "error"
}

// CallStatus is the monotone lifecycle of a Call: active -> ended, or
// active -> missed if no media was ever established.
type CallStatus string

const (
	CallStatusActive CallStatus = "active"
	CallStatusEnded  CallStatus = "ended"
	CallStatusMissed CallStatus = "missed"
)

// Call represents one call record. Transcription and LLMResponse are
// append-only while Status == CallStatusActive.
type Call struct {
	ID            int64
	SIPCallID     string
	CallerID      int64
	LineID        int64
	PhoneNumber   string
	StartTime     time.Time
	EndTime       *time.Time
	Transcription string
	LLMResponse   string
	Status        CallStatus
}

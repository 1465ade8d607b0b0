package storage

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("storage: action not found")
	ErrClosed   = errors.New("storage: closed")
)

// Config selects and configures a driver. Empty Driver means "memory".
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only
}

// ScheduledAction is a persisted "do Kind at DueAt" record.
type ScheduledAction struct {
	ID        int64           `json:"id"`
	Kind      string          `json:"kind"`
	DueAt     time.Time       `json:"due_at"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	OwnerID   int64           `json:"owner_id,omitempty"`
	ChatID    int64           `json:"chat_id,omitempty"`
	Ref       string          `json:"ref"`
	CreatedAt time.Time       `json:"created_at"`
}

// NewAction is the input to CreateAction; the store fills ID, Ref and CreatedAt.
type NewAction struct {
	Kind    string
	DueAt   time.Time
	Payload json.RawMessage
	OwnerID int64
	ChatID  int64
}

// Audit events.
const (
	AuditScheduled   = "scheduled"
	AuditRescheduled = "rescheduled"
	AuditCancelled   = "cancelled"
	AuditFired       = "fired"
	AuditFailed      = "failed"
)

// AuditEntry records one lifecycle step of an action.
type AuditEntry struct {
	At       time.Time `json:"at"`
	ActionID int64     `json:"action_id"`
	Ref      string    `json:"ref,omitempty"`
	Kind     string    `json:"kind"`
	Event    string    `json:"event"`
	ChatID   int64     `json:"chat_id,omitempty"`
	Error    string    `json:"error,omitempty"`
	TookMS   int64     `json:"took_ms,omitempty"`
}

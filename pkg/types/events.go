package types

import "time"

// Event types emitted by the guard.
const (
	EventCrashRecorded   = "crash_recorded"
	EventSuspensionArmed = "suspension_armed"
	EventExecDenied      = "exec_denied"
	EventRecordExpired   = "record_expired"
	EventConfigChanged   = "config_changed"
	EventConfigCoerced   = "config_coerced"
	EventScopeCreated    = "scope_created"
	EventIdentityFailure = "identity_failure"
)

type Event struct {
	ID        string    `json:"id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Type      string    `json:"type"`
	ScopeID   string    `json:"scope_id"`
	PID       int       `json:"pid,omitempty"`
	UID       uint32    `json:"uid,omitempty"`

	// Identity fields of the record the event refers to, when applicable.
	Serial uint64 `json:"serial,omitempty"`
	Mount  string `json:"mount,omitempty"`

	// Program display name, crash count at event time.
	Name  string `json:"name,omitempty"`
	Count uint64 `json:"count,omitempty"`

	Decision Decision       `json:"decision,omitempty"`
	Fields   map[string]any `json:"fields,omitempty"`
}

type EventQuery struct {
	ScopeID string
	Types   []string
	Since   *time.Time
	Until   *time.Time

	Decision *Decision
	UID      *uint32

	Limit  int
	Offset int
	Asc    bool
}

package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("storage: not found")
	ErrClosed   = errors.New("storage: closed")
)

// Config configures storage.
//
// Driver values:
//   - "file": JSON snapshot + append-only journal next to Path
//   - "sqlite": SQLite database at Path (modernc.org/sqlite, no cgo)
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// AlarmRecord is the stored shape of one alarm. Times are timezone-naive
// local wall times in TimeLayout; decoding belongs to the alarm package so a
// malformed record can be skipped on its own.
type AlarmRecord struct {
	Name          string `json:"name"`
	TriggerAt     string `json:"trigger_at"`
	Intensity     int    `json:"intensity"`
	DurationMS    int    `json:"duration_ms"`
	VibrateBefore bool   `json:"vibrate_before"`
	Repeat        bool   `json:"repeat,omitempty"`
	Days          string `json:"days,omitempty"` // "Monday,Friday"
	VibratedAt    string `json:"vibrated_at,omitempty"`
}

// TimeLayout is the on-disk timestamp format.
const TimeLayout = "2006-01-02 15:04:05"

// Credential authorizes device commands for one user.
type Credential struct {
	APIKey   string `json:"api_key"`
	DeviceID string `json:"device_id"`
}

// Complete reports whether both halves are present.
func (c Credential) Complete() bool { return c.APIKey != "" && c.DeviceID != "" }

// AuditEntry records a trigger or a user action. Keep it compact.
type AuditEntry struct {
	At      time.Time `json:"at"`
	User    string    `json:"user"`
	Action  string    `json:"action"` // "trigger", "alarm.set", "alarm.delete", "credential.save", ...
	Target  string    `json:"target,omitempty"`
	OK      bool      `json:"ok"`
	Error   string    `json:"error,omitempty"`
	TraceID string    `json:"trace_id,omitempty"`
	TookMS  int64     `json:"took_ms,omitempty"`
}

// Store is the persistence API used by the scheduler and the control layer.
//
// Alarm records are keyed by (user, name). Writes are last-write-wins.
type Store interface {
	ListAlarms(ctx context.Context, user string) ([]AlarmRecord, error)
	PutAlarm(ctx context.Context, user string, rec AlarmRecord) error
	DeleteAlarm(ctx context.Context, user, name string) error

	// GetCredential returns ErrNotFound when the user has none.
	GetCredential(ctx context.Context, user string) (Credential, error)
	PutCredential(ctx context.Context, user string, cred Credential) error

	ListUsers(ctx context.Context) ([]string, error)
	AddUser(ctx context.Context, user string) error
	// SetPaused marks a registered user as logged out (or back in). Unknown
	// users are ignored.
	SetPaused(ctx context.Context, user string, paused bool) error
	// ListActiveUsers returns registered users that are not paused.
	ListActiveUsers(ctx context.Context) ([]string, error)

	AppendAudit(ctx context.Context, e AuditEntry) error

	// Compact folds incremental state into its compact form (file journal
	// into snapshot, sqlite incremental vacuum + audit pruning).
	Compact(ctx context.Context) error
	Close() error
}

package storage

import (
	"context"
	"errors"
	"time"

	"tickbot/internal/schedule"
)

var (
	ErrNotFound = errors.New("storage: not found")
	ErrDisabled = errors.New("storage disabled")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (production default)
//   - "memory": process-local maps, for tests and dry runs
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// ScheduleStore persists schedule records keyed by id. Writes are
// whole-record replacements; callers read-modify-write.
type ScheduleStore interface {
	Put(ctx context.Context, rec *schedule.Record) error
	Get(ctx context.Context, id string) (*schedule.Record, error)

	// ListGroup enumerates a group's records of one kind. Corrupt rows are
	// logged and skipped, never aborting the enumeration.
	ListGroup(ctx context.Context, groupID int64, kind schedule.Kind, activeOnly bool) ([]*schedule.Record, error)

	// ListActive enumerates every active record across all groups (bootstrap).
	ListActive(ctx context.Context) ([]*schedule.Record, error)

	// ClaimLock atomically sets the execution lease on an eligible record
	// (active, due at now, lease absent or expired). Returns false when the
	// record is ineligible or another claimant won; this is the
	// compare-and-swap that serializes occurrences of one record.
	ClaimLock(ctx context.Context, id string, now, until time.Time) (bool, error)
}

// WizardStore persists in-progress wizard sessions keyed by (group, user).
type WizardStore interface {
	Put(ctx context.Context, s *schedule.Session) error
	Get(ctx context.Context, groupID, userID int64) (*schedule.Session, error)
	Delete(ctx context.Context, groupID, userID int64) error
}

// Store bundles the two logical tables.
type Store interface {
	Schedules() ScheduleStore
	Wizards() WizardStore
	Close() error
}

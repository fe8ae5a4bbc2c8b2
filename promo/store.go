/*
store.go - Persistence interfaces for the promo ledger

PURPOSE:
  Defines the boundary between the lifecycle logic and the database.
  Every mutation is a conditional update guarded by the current value of
  the latch it sets, so concurrent callers (interactive requests and the
  background sweep) are race-safe without external locking.

KEY INTERFACES:
  Store:         Promo code records and their latches
  UserStore:     Recipients and their delivery gates
  SettingsStore: Key/value tunables
  RunStore:      Sweep-run history

CONDITIONAL WRITES:
  MarkUsed, MarkNotificationSent and MarkFeedbackRequested return true only
  when this call performed the transition. Two concurrent MarkUsed calls on
  the same code yield exactly one true.

NOT FOUND:
  Getters return (nil, nil) for a missing row. Conditional writes on a
  missing code return (false, nil).

IMPLEMENTATIONS:
  - store/sqlstore: SQLite and PostgreSQL
  - promo/store: In-memory for tests and development

SEE ALSO:
  - ledger.go: Higher-level interface using Store
*/
package promo

import (
	"context"
	"time"
)

// =============================================================================
// STORE - Promo code persistence
// =============================================================================

// Store persists promo code records.
type Store interface {
	// Insert persists a new record. Returns ErrDuplicateCode if the code exists.
	Insert(ctx context.Context, code PromoCode) error

	// Exists reports whether a code is already taken.
	Exists(ctx context.Context, code string) (bool, error)

	// Get returns a record, or nil if it does not exist.
	Get(ctx context.Context, code string) (*PromoCode, error)

	// MarkUsed transitions is_used false -> true.
	MarkUsed(ctx context.Context, code, orderRef string, at time.Time) (bool, error)

	// RecordSyncResult stores the outcome of a remote create. A nil syncErr
	// marks the record synced with remoteID and clears the last error; a
	// non-nil syncErr records its message and leaves synced untouched.
	RecordSyncResult(ctx context.Context, code, remoteID string, syncErr error) error

	// MarkNotificationSent sets the stage latch if unset.
	MarkNotificationSent(ctx context.Context, code string, stage Stage, at time.Time) (bool, error)

	// MarkFeedbackRequested sets the feedback latch if unset.
	MarkFeedbackRequested(ctx context.Context, code string, at time.Time) (bool, error)

	// ListByUser returns every record of a user, newest first.
	ListByUser(ctx context.Context, userID int64) ([]PromoCode, error)

	// ListActiveForUser returns the user's unused records, newest first.
	ListActiveForUser(ctx context.Context, userID int64) ([]PromoCode, error)

	// ListUnsynced returns records without a successful remote create, oldest first.
	ListUnsynced(ctx context.Context) ([]PromoCode, error)

	// ListActiveForSweep returns unused records whose feedback latch is
	// unset, joined with the owner's delivery gates, oldest first.
	ListActiveForSweep(ctx context.Context) ([]SweepCandidate, error)

	// Counts returns ledger totals.
	Counts(ctx context.Context) (Counts, error)
}

// =============================================================================
// USER STORE
// =============================================================================

// UserStore persists recipients.
type UserStore interface {
	// SaveUser inserts or updates profile fields. Gates are only set on insert.
	SaveUser(ctx context.Context, user User) error

	// GetUser returns a user, or nil if it does not exist.
	GetUser(ctx context.Context, id int64) (*User, error)

	// SetNotifications updates the opt-in flag. Returns ErrUserNotFound.
	SetNotifications(ctx context.Context, id int64, enabled bool) error

	// SetBlocked updates the blocked flag, creating the user row if needed.
	SetBlocked(ctx context.Context, id int64, blocked bool) error
}

// =============================================================================
// SETTINGS STORE
// =============================================================================

// Setting is one stored tunable.
type Setting struct {
	Key       string
	Value     string
	UpdatedAt time.Time
}

// SettingsStore persists key/value tunables.
type SettingsStore interface {
	// GetSetting returns a setting, or nil if absent.
	GetSetting(ctx context.Context, key string) (*Setting, error)

	// PutSetting inserts or overwrites a setting.
	PutSetting(ctx context.Context, s Setting) error

	// PutSettingIfAbsent inserts a setting only if the key is absent.
	PutSettingIfAbsent(ctx context.Context, s Setting) (bool, error)

	// ListSettings returns every stored setting ordered by key.
	ListSettings(ctx context.Context) ([]Setting, error)
}

// =============================================================================
// RUN STORE
// =============================================================================

// RunStore persists sweep-run history.
type RunStore interface {
	// SaveSweepRun inserts or updates a run by ID.
	SaveSweepRun(ctx context.Context, run SweepRun) error

	// ListSweepRuns returns the most recent runs first. Zero limit means all.
	ListSweepRuns(ctx context.Context, limit int) ([]SweepRun, error)
}

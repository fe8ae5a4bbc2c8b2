/*
types.go - Core types for the promo-code lifecycle

PURPOSE:
  Defines the records the ledger persists and the small value types the
  rest of the system passes around: promo codes, users, notification
  stages and sweep-run history.

LIFECYCLE:
  created -> sync-pending -> synced | sync-error
          -> reminder stages (5d, 3d, 1d; independent one-way latches)
          -> used (terminal) | expired (derived from time, never stored)
          -> feedback-requested (one-way side latch, after expiry)

LATCHES:
  IsUsed, FeedbackRequested and the three Reminded*At timestamps only ever
  move from unset to set. Stores enforce this with conditional updates;
  nothing in this package clears them.

SEE ALSO:
  - store.go: Persistence interfaces
  - ledger.go: Conditional transitions
  - expiry.go: Expiry derivation
*/
package promo

import (
	"strings"
	"time"
)

// =============================================================================
// NOTIFICATION STAGES
// =============================================================================

// Stage identifies one expiry reminder threshold.
type Stage int

const (
	Stage5Days Stage = iota + 1
	Stage3Days
	Stage1Day
)

// Stages lists every reminder stage, largest offset first.
var Stages = []Stage{Stage5Days, Stage3Days, Stage1Day}

// DaysBefore returns how many days before expiry the stage is due.
func (s Stage) DaysBefore() int {
	switch s {
	case Stage5Days:
		return 5
	case Stage3Days:
		return 3
	case Stage1Day:
		return 1
	}
	return 0
}

func (s Stage) String() string {
	switch s {
	case Stage5Days:
		return "5_days"
	case Stage3Days:
		return "3_days"
	case Stage1Day:
		return "1_day"
	}
	return "unknown"
}

// StageForDays maps a day offset back to its stage.
func StageForDays(days int) (Stage, bool) {
	for _, s := range Stages {
		if s.DaysBefore() == days {
			return s, true
		}
	}
	return 0, false
}

// =============================================================================
// PROMO CODE
// =============================================================================

// PromoCode is the ledger record for one issued code.
type PromoCode struct {
	Code            string
	UserID          int64
	DiscountPercent int // stamped at creation, never changes
	CreatedAt       time.Time

	IsUsed   bool
	UsedAt   *time.Time
	OrderRef string

	// Sync state. RemoteID is empty until a remote create succeeds.
	RemoteID  string
	Synced    bool
	SyncError string

	Reminded5DaysAt *time.Time
	Reminded3DaysAt *time.Time
	Reminded1DayAt  *time.Time

	FeedbackRequested   bool
	FeedbackRequestedAt *time.Time
}

// StageSentAt returns the latch timestamp for a reminder stage, nil if unsent.
func (p *PromoCode) StageSentAt(s Stage) *time.Time {
	switch s {
	case Stage5Days:
		return p.Reminded5DaysAt
	case Stage3Days:
		return p.Reminded3DaysAt
	case Stage1Day:
		return p.Reminded1DayAt
	}
	return nil
}

// SetStageSentAt records a reminder latch on the in-memory copy.
func (p *PromoCode) SetStageSentAt(s Stage, at time.Time) {
	t := at
	switch s {
	case Stage5Days:
		p.Reminded5DaysAt = &t
	case Stage3Days:
		p.Reminded3DaysAt = &t
	case Stage1Day:
		p.Reminded1DayAt = &t
	}
}

// NormalizeCode canonicalizes operator or user input before lookups.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// =============================================================================
// USERS
// =============================================================================

// User is the recipient of codes and notifications.
type User struct {
	ID                   int64
	Username             string
	FirstName            string
	NotificationsEnabled bool
	Blocked              bool
	RegisteredAt         time.Time
}

// Deliverable reports whether notifications may be sent to the user.
func (u User) Deliverable() bool {
	return u.NotificationsEnabled && !u.Blocked
}

// SweepCandidate is an unused code joined with its owner's delivery gates.
// A code whose owner has no user row is opted in and unblocked.
type SweepCandidate struct {
	PromoCode
	NotificationsEnabled bool
	Blocked              bool
}

// Deliverable reports whether the owner may receive notifications.
func (c SweepCandidate) Deliverable() bool {
	return c.NotificationsEnabled && !c.Blocked
}

// =============================================================================
// AGGREGATES
// =============================================================================

// Counts are raw ledger totals used for statistics.
type Counts struct {
	Total      int
	Used       int
	Synced     int
	SyncErrors int

	// Among unused codes.
	Active            int
	Reminded5Days     int
	Reminded3Days     int
	Reminded1Day      int
	FeedbackRequested int
}

// SweepRun records one notification sweep for audit and display.
type SweepRun struct {
	ID          string
	Status      string // running, completed, failed
	Trigger     string // scheduled, manual
	StartedAt   time.Time
	CompletedAt *time.Time
	Error       string

	Candidates int
	Reminders  int
	Feedback   int
	Closed     int
	Skipped    int
	Failures   int
}

// Sweep run statuses.
const (
	RunRunning   = "running"
	RunCompleted = "completed"
	RunFailed    = "failed"

	// RunInterrupted means shutdown stopped the sweep between codes.
	RunInterrupted = "interrupted"
)

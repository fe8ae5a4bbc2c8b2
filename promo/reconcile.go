/*
reconcile.go - Reconciliation of local codes against the remote store

PURPOSE:
  Resolves divergence between the ledger and the remote coupon store for a
  single code. Used on demand when a user inspects a code and inside every
  notification sweep before eligibility is evaluated.

ALGORITHM:
  0. Code already used locally: nothing to ask, no remote call.
  1. Look the coupon up by remote id when known, else by code.
  2. Explicit not found: the coupon was removed remotely. Mark the local
     record used so it stops being shown and stops being reminded. Logged
     as RemoteInconsistency.
  3. Found with usage > 0: consumed remotely. Mark the local record used.
  4. Found with usage = 0: still active. A remote expiry, when present,
     wins for this evaluation only and is never persisted. An unsynced
     record learns its remote id here.
  5. Any other failure: no state change. Expiry is derived locally.

ERRORS:
  Only persistence failures are returned. Remote failures always degrade.

SEE ALSO:
  - gateway.go: Error contract of the remote store
  - notify/sweeper.go: Calls Reconcile for every sweep candidate
*/
package promo

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// Order references recorded when reconciliation closes a code.
const (
	OrderRefRemoteConsumed = "remote:consumed"
	OrderRefRemoteRemoved  = "remote:removed"
)

// Outcome is the result class of one reconciliation.
type Outcome int

const (
	// OutcomeAlreadyUsed means the code was used before reconciliation ran.
	OutcomeAlreadyUsed Outcome = iota + 1
	// OutcomeConsumed means the remote store reported usage.
	OutcomeConsumed
	// OutcomeRemoved means the remote store no longer has the coupon.
	OutcomeRemoved
	// OutcomeActive means the remote store confirmed an unused coupon.
	OutcomeActive
	// OutcomeUnreachable means the remote store could not be asked.
	OutcomeUnreachable
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAlreadyUsed:
		return "already_used"
	case OutcomeConsumed:
		return "consumed"
	case OutcomeRemoved:
		return "removed"
	case OutcomeActive:
		return "active"
	case OutcomeUnreachable:
		return "unreachable"
	}
	return "unknown"
}

// ExpirySource says where an evaluated expiry came from.
type ExpirySource string

const (
	ExpiryLocal  ExpirySource = "local"
	ExpiryRemote ExpirySource = "remote"
)

// Reconciliation is the evaluated state of one code.
type Reconciliation struct {
	Code         PromoCode
	Outcome      Outcome
	ExpiresAt    time.Time
	ExpirySource ExpirySource

	// MarkedUsed is true when this reconciliation performed the transition.
	MarkedUsed bool
}

// Used reports whether the code is terminal.
func (r Reconciliation) Used() bool {
	switch r.Outcome {
	case OutcomeAlreadyUsed, OutcomeConsumed, OutcomeRemoved:
		return true
	}
	return false
}

// Expired reports whether an unused code is past its expiry.
func (r Reconciliation) Expired(now time.Time) bool {
	return !r.Used() && IsExpired(r.ExpiresAt, now)
}

// Valid reports whether the code can still be redeemed.
func (r Reconciliation) Valid(now time.Time) bool {
	return !r.Used() && !r.Expired(now)
}

// Remaining returns the time left before expiry, zero once expired or used.
func (r Reconciliation) Remaining(now time.Time) time.Duration {
	if !r.Valid(now) {
		return 0
	}
	return r.ExpiresAt.Sub(now)
}

// =============================================================================
// RECONCILER
// =============================================================================

// Reconciler evaluates codes against the remote store.
type Reconciler struct {
	log      *zap.Logger
	ledger   *Ledger
	gateway  Gateway
	settings SettingsProvider
}

// NewReconciler creates a reconciler.
func NewReconciler(log *zap.Logger, ledger *Ledger, gateway Gateway, settings SettingsProvider) *Reconciler {
	return &Reconciler{log: log, ledger: ledger, gateway: gateway, settings: settings}
}

// Reconcile evaluates code at now and applies any transition the remote
// store implies.
func (r *Reconciler) Reconcile(ctx context.Context, code PromoCode, now time.Time) (Reconciliation, error) {
	result := Reconciliation{
		Code:         code,
		ExpiresAt:    ExpiryOf(code.CreatedAt, r.settings.DurationDays(ctx)),
		ExpirySource: ExpiryLocal,
	}

	if code.IsUsed {
		result.Outcome = OutcomeAlreadyUsed
		return result, nil
	}

	coupon, err := r.fetch(ctx, code)
	switch {
	case errors.Is(err, ErrCouponNotFound):
		r.log.Warn("coupon missing remotely, closing local code",
			zap.String("code", code.Code),
			zap.String("remote_id", code.RemoteID),
			zap.Error(RemoteInconsistency.Wrap(err)))
		return r.close(ctx, result, OutcomeRemoved, OrderRefRemoteRemoved, now)

	case err != nil:
		r.log.Debug("remote lookup failed, using local expiry",
			zap.String("code", code.Code), zap.Error(err))
		result.Outcome = OutcomeUnreachable
		return result, nil

	case coupon.UsageCount > 0:
		r.log.Info("coupon consumed remotely",
			zap.String("code", code.Code), zap.Int("usage_count", coupon.UsageCount))
		return r.close(ctx, result, OutcomeConsumed, OrderRefRemoteConsumed, now)
	}

	result.Outcome = OutcomeActive
	if coupon.ExpiresAt != nil {
		result.ExpiresAt = coupon.ExpiresAt.UTC()
		result.ExpirySource = ExpiryRemote
	}

	if !code.Synced && coupon.RemoteID != "" {
		if err := r.ledger.RecordSyncResult(ctx, code.Code, coupon.RemoteID, nil); err != nil {
			r.log.Warn("recording discovered remote id failed", zap.String("code", code.Code), zap.Error(err))
		} else {
			result.Code.RemoteID = coupon.RemoteID
			result.Code.Synced = true
			result.Code.SyncError = ""
		}
	}
	return result, nil
}

func (r *Reconciler) fetch(ctx context.Context, code PromoCode) (*Coupon, error) {
	var (
		coupon *Coupon
		err    error
	)
	if code.RemoteID != "" {
		coupon, err = r.gateway.FetchByID(ctx, code.RemoteID)
	} else {
		coupon, err = r.gateway.FetchByCode(ctx, code.Code)
	}
	if err == nil && coupon == nil {
		return nil, RemoteUnavailable.New("gateway returned no coupon and no error")
	}
	return coupon, err
}

func (r *Reconciler) close(ctx context.Context, result Reconciliation, outcome Outcome, orderRef string, now time.Time) (Reconciliation, error) {
	marked, err := r.ledger.MarkUsed(ctx, result.Code.Code, orderRef)
	if err != nil {
		return result, err
	}
	result.Outcome = outcome
	result.MarkedUsed = marked
	if marked {
		at := now.UTC()
		result.Code.IsUsed = true
		result.Code.UsedAt = &at
		result.Code.OrderRef = orderRef
	} else {
		result.Code.IsUsed = true
	}
	return result, nil
}

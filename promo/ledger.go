/*
ledger.go - Local ledger of promo codes

PURPOSE:
  The ledger is the sole local source of truth for code state. It wraps a
  Store with code generation and maps store failures into PersistenceError
  so callers see one error class for "the write did not happen".

CODE CREATION:
  Create generates a candidate, checks it is free, and inserts it. A taken
  candidate or an insert that loses a race with a concurrent creator
  counts as one attempt. After MaxAttempts the call fails with
  PersistenceError wrapping ErrCodeSpaceExhausted.

TRANSITIONS:
  All transitions are delegated to the store's conditional updates and
  report whether this call performed them.

SEE ALSO:
  - store.go: Store interface
  - reconcile.go: Drives MarkUsed and RecordSyncResult from remote state
*/
package promo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// DefaultMaxCodeAttempts bounds code generation retries.
const DefaultMaxCodeAttempts = 10

// Ledger manages promo code records.
type Ledger struct {
	log       *zap.Logger
	store     Store
	generator CodeGenerator

	MaxAttempts int
	Now         func() time.Time
}

// NewLedger creates a ledger over store.
func NewLedger(log *zap.Logger, store Store, generator CodeGenerator) *Ledger {
	return &Ledger{
		log:         log,
		store:       store,
		generator:   generator,
		MaxAttempts: DefaultMaxCodeAttempts,
		Now:         time.Now,
	}
}

// Store exposes the underlying store for read-only queries.
func (l *Ledger) Store() Store { return l.store }

// =============================================================================
// CREATION
// =============================================================================

// Create issues a new unique code for userID with the discount stamped.
func (l *Ledger) Create(ctx context.Context, userID int64, discountPercent int) (PromoCode, error) {
	if err := ValidateDiscountPercent(discountPercent); err != nil {
		return PromoCode{}, err
	}

	attempts := l.MaxAttempts
	if attempts <= 0 {
		attempts = DefaultMaxCodeAttempts
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		candidate := l.generator.Generate()

		taken, err := l.store.Exists(ctx, candidate)
		if err != nil {
			return PromoCode{}, PersistenceError.Wrap(err)
		}
		if taken {
			l.log.Debug("code collision", zap.String("code", candidate), zap.Int("attempt", attempt))
			continue
		}

		record := PromoCode{
			Code:            candidate,
			UserID:          userID,
			DiscountPercent: discountPercent,
			CreatedAt:       l.Now().UTC().Truncate(time.Second),
		}
		err = l.store.Insert(ctx, record)
		if errors.Is(err, ErrDuplicateCode) {
			l.log.Debug("code taken by concurrent insert", zap.String("code", candidate), zap.Int("attempt", attempt))
			continue
		}
		if err != nil {
			return PromoCode{}, PersistenceError.Wrap(err)
		}

		l.log.Info("promo code created",
			zap.String("code", record.Code),
			zap.Int64("user_id", userID),
			zap.Int("discount_percent", discountPercent))
		return record, nil
	}

	return PromoCode{}, PersistenceError.Wrap(fmt.Errorf("%w after %d attempts", ErrCodeSpaceExhausted, attempts))
}

// =============================================================================
// READS
// =============================================================================

// Get returns a record or ErrCodeNotFound.
func (l *Ledger) Get(ctx context.Context, code string) (PromoCode, error) {
	rec, err := l.store.Get(ctx, code)
	if err != nil {
		return PromoCode{}, PersistenceError.Wrap(err)
	}
	if rec == nil {
		return PromoCode{}, ErrCodeNotFound
	}
	return *rec, nil
}

// ListByUser returns every code of a user, newest first.
func (l *Ledger) ListByUser(ctx context.Context, userID int64) ([]PromoCode, error) {
	codes, err := l.store.ListByUser(ctx, userID)
	return codes, PersistenceError.Wrap(err)
}

// ListActiveForUser returns the user's unused codes, newest first.
func (l *Ledger) ListActiveForUser(ctx context.Context, userID int64) ([]PromoCode, error) {
	codes, err := l.store.ListActiveForUser(ctx, userID)
	return codes, PersistenceError.Wrap(err)
}

// ListUnsynced returns codes without a successful remote create.
func (l *Ledger) ListUnsynced(ctx context.Context) ([]PromoCode, error) {
	codes, err := l.store.ListUnsynced(ctx)
	return codes, PersistenceError.Wrap(err)
}

// ListActiveForSweep returns sweep candidates, oldest first.
func (l *Ledger) ListActiveForSweep(ctx context.Context) ([]SweepCandidate, error) {
	codes, err := l.store.ListActiveForSweep(ctx)
	return codes, PersistenceError.Wrap(err)
}

// Counts returns ledger totals.
func (l *Ledger) Counts(ctx context.Context) (Counts, error) {
	counts, err := l.store.Counts(ctx)
	return counts, PersistenceError.Wrap(err)
}

// =============================================================================
// TRANSITIONS
// =============================================================================

// MarkUsed transitions a code to used. Returns whether this call did it.
func (l *Ledger) MarkUsed(ctx context.Context, code, orderRef string) (bool, error) {
	ok, err := l.store.MarkUsed(ctx, code, orderRef, l.Now().UTC())
	if err != nil {
		return false, PersistenceError.Wrap(err)
	}
	if ok {
		l.log.Info("promo code marked used", zap.String("code", code), zap.String("order_ref", orderRef))
	}
	return ok, nil
}

// RecordSyncResult stores the outcome of a remote create.
func (l *Ledger) RecordSyncResult(ctx context.Context, code, remoteID string, syncErr error) error {
	return PersistenceError.Wrap(l.store.RecordSyncResult(ctx, code, remoteID, syncErr))
}

// MarkNotificationSent sets a reminder latch. Returns whether this call did it.
func (l *Ledger) MarkNotificationSent(ctx context.Context, code string, stage Stage) (bool, error) {
	ok, err := l.store.MarkNotificationSent(ctx, code, stage, l.Now().UTC())
	return ok, PersistenceError.Wrap(err)
}

// MarkFeedbackRequested sets the feedback latch. Returns whether this call did it.
func (l *Ledger) MarkFeedbackRequested(ctx context.Context, code string) (bool, error) {
	ok, err := l.store.MarkFeedbackRequested(ctx, code, l.Now().UTC())
	return ok, PersistenceError.Wrap(err)
}

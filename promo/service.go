/*
service.go - Promo code operations exposed to callers

PURPOSE:
  Service orchestrates the ledger, the remote coupon store and the
  reconciler for interactive operations: issuing, inspecting, redeeming
  and repairing codes. It is constructed once at startup and passed to
  the HTTP layer and the command line.

FAILURE POLICY:
  Local persistence failures are returned. Remote failures are logged and
  recorded on the code (sync error) but never fail the operation: a user
  gets a valid local code even when the remote store is down.

SEE ALSO:
  - ledger.go: Local writes
  - reconcile.go: Remote truth for inspection
  - api/handlers.go: HTTP callers
*/
package promo

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// Service provides promo code operations.
type Service struct {
	log        *zap.Logger
	ledger     *Ledger
	gateway    Gateway
	settings   SettingsProvider
	reconciler *Reconciler

	Now func() time.Time
}

// NewService wires a service.
func NewService(log *zap.Logger, ledger *Ledger, gateway Gateway, settings SettingsProvider) *Service {
	return &Service{
		log:        log,
		ledger:     ledger,
		gateway:    gateway,
		settings:   settings,
		reconciler: NewReconciler(log.Named("reconciler"), ledger, gateway, settings),
		Now:        time.Now,
	}
}

// Ledger returns the underlying ledger.
func (s *Service) Ledger() *Ledger { return s.ledger }

// Reconciler returns the reconciler shared with the sweep.
func (s *Service) Reconciler() *Reconciler { return s.reconciler }

// =============================================================================
// ISSUANCE
// =============================================================================

// Issued is the result of issuing or showing a code.
type Issued struct {
	Reconciliation
	Created bool
	SyncErr error // remote create failure, nil when synced or not attempted
}

// Issue creates a new code for userID and syncs it remotely on a best-effort basis.
func (s *Service) Issue(ctx context.Context, userID int64) (Issued, error) {
	code, err := s.ledger.Create(ctx, userID, s.settings.DiscountPercent(ctx))
	if err != nil {
		return Issued{}, err
	}

	expiresAt := ExpiryOf(code.CreatedAt, s.settings.DurationDays(ctx))
	issued := Issued{
		Reconciliation: Reconciliation{
			Code:         code,
			Outcome:      OutcomeActive,
			ExpiresAt:    expiresAt,
			ExpirySource: ExpiryLocal,
		},
		Created: true,
	}

	issued.Code, issued.SyncErr = s.sync(ctx, code, expiresAt)
	return issued, nil
}

// sync creates the remote coupon and records the outcome. The returned
// record reflects what was recorded.
func (s *Service) sync(ctx context.Context, code PromoCode, expiresAt time.Time) (PromoCode, error) {
	remoteID, syncErr := s.gateway.Create(ctx, CreateRequest{
		Code:            code.Code,
		UserID:          code.UserID,
		DiscountPercent: code.DiscountPercent,
		UsageLimit:      DefaultUsageLimit,
		CreatedAt:       code.CreatedAt,
		ExpiresAt:       expiresAt,
	})
	if syncErr != nil {
		s.log.Warn("remote coupon create failed", zap.String("code", code.Code), zap.Error(syncErr))
	}

	if err := s.ledger.RecordSyncResult(ctx, code.Code, remoteID, syncErr); err != nil {
		s.log.Error("recording sync result failed", zap.String("code", code.Code), zap.Error(err))
		return code, syncErr
	}

	if syncErr != nil {
		code.SyncError = syncErr.Error()
		return code, syncErr
	}
	code.RemoteID = remoteID
	code.Synced = true
	code.SyncError = ""
	return code, nil
}

// IssueOrShow returns the user's current valid code. A code is issued only
// when the user has never held one: a user who used a code gets
// ErrAlreadyUsed and one whose codes all expired gets ErrCodeExpired.
func (s *Service) IssueOrShow(ctx context.Context, userID int64) (Issued, error) {
	current, err := s.Inspect(ctx, userID)
	if err == nil {
		return Issued{Reconciliation: current}, nil
	}
	if !errors.Is(err, ErrCodeNotFound) {
		return Issued{}, err
	}
	return s.Issue(ctx, userID)
}

// =============================================================================
// INSPECTION
// =============================================================================

// Inspect reconciles every code of the user, newest first, and returns the
// first one still valid.
//
// Returns ErrAlreadyUsed if any code is used, including codes closed by this
// reconciliation. Returns ErrCodeExpired if codes exist but all expired, and
// ErrCodeNotFound if the user never held a code.
func (s *Service) Inspect(ctx context.Context, userID int64) (Reconciliation, error) {
	codes, err := s.ledger.ListByUser(ctx, userID)
	if err != nil {
		return Reconciliation{}, err
	}
	if len(codes) == 0 {
		return Reconciliation{}, ErrCodeNotFound
	}

	now := s.Now()
	var (
		used    bool
		current *Reconciliation
	)
	for _, code := range codes {
		rec, err := s.reconciler.Reconcile(ctx, code, now)
		if err != nil {
			return Reconciliation{}, err
		}
		switch {
		case rec.Used():
			used = true
		case current == nil && rec.Valid(now):
			current = &rec
		}
	}

	switch {
	case used:
		return Reconciliation{}, ErrAlreadyUsed
	case current != nil:
		return *current, nil
	default:
		return Reconciliation{}, ErrCodeExpired
	}
}

// InspectCode reconciles a single code, used or not.
func (s *Service) InspectCode(ctx context.Context, code string) (Reconciliation, error) {
	rec, err := s.ledger.Get(ctx, NormalizeCode(code))
	if err != nil {
		return Reconciliation{}, err
	}
	return s.reconciler.Reconcile(ctx, rec, s.Now())
}

// =============================================================================
// REDEMPTION
// =============================================================================

// Redeem marks a code used locally and, if this call performed the
// transition, closes the coupon remotely on a best-effort basis.
func (s *Service) Redeem(ctx context.Context, code, orderRef string) (bool, error) {
	code = NormalizeCode(code)

	marked, err := s.ledger.MarkUsed(ctx, code, orderRef)
	if err != nil {
		return false, err
	}
	if !marked {
		if _, err := s.ledger.Get(ctx, code); err != nil {
			return false, err
		}
		return false, nil
	}

	if err := s.gateway.MarkUsed(ctx, code); err != nil {
		s.log.Warn("remote mark used failed", zap.String("code", code), zap.Error(err))
	} else {
		s.log.Info("remote coupon closed", zap.String("code", code))
	}
	return true, nil
}

// =============================================================================
// REPAIR
// =============================================================================

// SyncReport summarizes a batch of sync retries.
type SyncReport struct {
	Attempted int
	Synced    int
	Failed    int
}

// RetrySync retries the remote create for one unsynced code.
func (s *Service) RetrySync(ctx context.Context, code string) (PromoCode, error) {
	rec, err := s.ledger.Get(ctx, NormalizeCode(code))
	if err != nil {
		return PromoCode{}, err
	}
	if rec.Synced {
		return rec, nil
	}
	rec, syncErr := s.sync(ctx, rec, ExpiryOf(rec.CreatedAt, s.settings.DurationDays(ctx)))
	return rec, syncErr
}

// RetryUnsynced retries the remote create for every unsynced code.
func (s *Service) RetryUnsynced(ctx context.Context) (SyncReport, error) {
	codes, err := s.ledger.ListUnsynced(ctx)
	if err != nil {
		return SyncReport{}, err
	}

	var report SyncReport
	duration := s.settings.DurationDays(ctx)
	for _, code := range codes {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Attempted++
		if _, err := s.sync(ctx, code, ExpiryOf(code.CreatedAt, duration)); err != nil {
			report.Failed++
			continue
		}
		report.Synced++
	}

	s.log.Info("sync retry finished",
		zap.Int("attempted", report.Attempted),
		zap.Int("synced", report.Synced),
		zap.Int("failed", report.Failed))
	return report, nil
}

// DeleteRemote removes the remote coupon for a code. The next
// reconciliation then closes the local code.
func (s *Service) DeleteRemote(ctx context.Context, code string) (bool, error) {
	code = NormalizeCode(code)
	if _, err := s.ledger.Get(ctx, code); err != nil {
		return false, err
	}
	deleted, err := s.gateway.Delete(ctx, code)
	if err != nil {
		return false, err
	}
	s.log.Info("remote coupon deleted", zap.String("code", code), zap.Bool("existed", deleted))
	return deleted, nil
}

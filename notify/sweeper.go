/*
sweeper.go - One notification sweep over the active ledger

PURPOSE:
  Walks every unused code whose feedback latch is unset, oldest first,
  reconciles it against the remote store and sends whatever reminder or
  feedback request is due.

PER CODE:
  1. Skip owners who opted out or blocked the bot, before any remote call.
  2. Reconcile. A code closed by the remote store gets no message.
  3. Expired: send the feedback request, then set its latch.
  4. Otherwise: for each threshold (5, 3, 1 days), if due and unset, send
     it, then set its latch. Every elapsed threshold fires in the same
     pass.

DELIVERY SEMANTICS:
  A latch is set only after a successful send, so a failed delivery is
  retried on the next sweep (at-least-once). A latch write that fails
  after a successful send is logged and counted; the message is not
  resent in the same sweep.

FAILURE ISOLATION:
  Each code is processed in its own recover scope. Nothing that happens to
  one code stops the sweep; only failing to list candidates does.

PACING:
  Outbound calls (remote lookups and deliveries) share one rate.Limiter so
  the remote store and the messaging API see a small fixed gap.

SEE ALSO:
  - scheduler.go: Runs sweeps periodically
  - promo/reconcile.go: Reconciliation rules
*/
package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/warp/promo-engine/promo"
)

// Transport delivers a text message to a user.
type Transport interface {
	Deliver(ctx context.Context, userID int64, text string) error
}

// Report summarizes one sweep.
type Report struct {
	Candidates          int
	Reminders           int
	Feedback            int
	DeliveryFailures    int
	PersistenceFailures int
	Errors              int // unexpected per-code failures (recovered panics)
	Closed              int // codes the remote store closed during the sweep
	Skipped             int // undeliverable owners
}

// Failures is the total of every failure kind.
func (r Report) Failures() int {
	return r.DeliveryFailures + r.PersistenceFailures + r.Errors
}

// Sweeper performs notification sweeps.
type Sweeper struct {
	log        *zap.Logger
	ledger     *promo.Ledger
	reconciler *promo.Reconciler
	users      promo.UserStore
	transport  Transport
	metrics    *Metrics
	limiter    *rate.Limiter

	Thresholds      []Threshold
	FeedbackMessage string
	Now             func() time.Time
}

// NewSweeper creates a sweeper. callDelay is the minimum gap between
// outbound calls; zero disables pacing.
func NewSweeper(
	log *zap.Logger,
	ledger *promo.Ledger,
	reconciler *promo.Reconciler,
	users promo.UserStore,
	transport Transport,
	metrics *Metrics,
	callDelay time.Duration,
) *Sweeper {
	limit := rate.Inf
	if callDelay > 0 {
		limit = rate.Every(callDelay)
	}
	return &Sweeper{
		log:             log.Named("sweeper"),
		ledger:          ledger,
		reconciler:      reconciler,
		users:           users,
		transport:       transport,
		metrics:         metrics,
		limiter:         rate.NewLimiter(limit, 1),
		Thresholds:      DefaultThresholds(),
		FeedbackMessage: FeedbackMessage,
		Now:             time.Now,
	}
}

// sweepState is shared across the codes of one sweep.
type sweepState struct {
	report  Report
	blocked map[int64]bool
}

// Sweep processes every candidate once. Cancelling ctx stops the sweep
// between codes; the code in flight is finished first.
func (s *Sweeper) Sweep(ctx context.Context) (Report, error) {
	candidates, err := s.ledger.ListActiveForSweep(ctx)
	if err != nil {
		return Report{}, err
	}

	state := &sweepState{
		report:  Report{Candidates: len(candidates)},
		blocked: make(map[int64]bool),
	}
	s.log.Info("sweep started", zap.Int("candidates", len(candidates)))

	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			s.log.Info("sweep interrupted", zap.String("next_code", c.Code))
			return state.report, err
		}
		s.processSafely(context.WithoutCancel(ctx), state, c)
	}

	r := state.report
	s.log.Info("sweep finished",
		zap.Int("candidates", r.Candidates),
		zap.Int("reminders", r.Reminders),
		zap.Int("feedback", r.Feedback),
		zap.Int("closed", r.Closed),
		zap.Int("skipped", r.Skipped),
		zap.Int("failures", r.Failures()))
	return r, nil
}

func (s *Sweeper) processSafely(ctx context.Context, state *sweepState, c promo.SweepCandidate) {
	defer func() {
		if p := recover(); p != nil {
			state.report.Errors++
			s.log.Error("panic while processing code",
				zap.String("code", c.Code), zap.Any("panic", p), zap.Stack("stack"))
		}
	}()
	s.process(ctx, state, c)
}

func (s *Sweeper) process(ctx context.Context, state *sweepState, c promo.SweepCandidate) {
	now := s.Now()

	// Undeliverable codes are left to on-demand inspection.
	if !c.Deliverable() || state.blocked[c.UserID] {
		state.report.Skipped++
		return
	}

	s.pace(ctx)
	rec, err := s.reconciler.Reconcile(ctx, c.PromoCode, now)
	if err != nil {
		state.report.PersistenceFailures++
		s.log.Error("reconciliation failed", zap.String("code", c.Code), zap.Error(err))
		return
	}
	s.metrics.reconciled(rec.Outcome)

	if rec.Used() {
		if rec.MarkedUsed {
			state.report.Closed++
		}
		return
	}

	if rec.Expired(now) {
		s.requestFeedback(ctx, state, rec.Code)
		return
	}

	for _, t := range s.Thresholds {
		if rec.Code.StageSentAt(t.Stage) != nil || !t.Due(rec.ExpiresAt, now) {
			continue
		}
		if err := s.deliver(ctx, state, rec.Code.UserID, t.Message); err != nil {
			s.log.Warn("reminder delivery failed",
				zap.String("code", c.Code), zap.Stringer("stage", t.Stage), zap.Error(err))
			if state.blocked[c.UserID] {
				return
			}
			continue
		}
		state.report.Reminders++
		s.metrics.reminderSent(t.Stage)

		marked, err := s.ledger.MarkNotificationSent(ctx, c.Code, t.Stage)
		switch {
		case err != nil:
			state.report.PersistenceFailures++
			s.log.Error("reminder sent but latch not recorded",
				zap.String("code", c.Code), zap.Stringer("stage", t.Stage), zap.Error(err))
		case !marked:
			s.log.Warn("reminder latch already set by another writer",
				zap.String("code", c.Code), zap.Stringer("stage", t.Stage))
		default:
			s.log.Info("reminder sent",
				zap.String("code", c.Code), zap.Int64("user_id", c.UserID), zap.Stringer("stage", t.Stage))
		}
	}
}

func (s *Sweeper) requestFeedback(ctx context.Context, state *sweepState, code promo.PromoCode) {
	if code.FeedbackRequested {
		return
	}
	if err := s.deliver(ctx, state, code.UserID, s.FeedbackMessage); err != nil {
		s.log.Warn("feedback request delivery failed", zap.String("code", code.Code), zap.Error(err))
		return
	}
	state.report.Feedback++
	s.metrics.feedbackSent()

	if _, err := s.ledger.MarkFeedbackRequested(ctx, code.Code); err != nil {
		state.report.PersistenceFailures++
		s.log.Error("feedback request sent but latch not recorded", zap.String("code", code.Code), zap.Error(err))
		return
	}
	s.log.Info("feedback requested", zap.String("code", code.Code), zap.Int64("user_id", code.UserID))
}

// deliver sends one message, recording failures and blocked recipients.
func (s *Sweeper) deliver(ctx context.Context, state *sweepState, userID int64, text string) error {
	s.pace(ctx)
	err := s.transport.Deliver(ctx, userID, text)
	if err == nil {
		return nil
	}

	state.report.DeliveryFailures++
	s.metrics.deliveryFailed()

	if errors.Is(err, promo.ErrRecipientBlocked) {
		state.blocked[userID] = true
		if berr := s.users.SetBlocked(ctx, userID, true); berr != nil {
			s.log.Error("recording blocked recipient failed", zap.Int64("user_id", userID), zap.Error(berr))
		}
	}
	return err
}

func (s *Sweeper) pace(ctx context.Context) {
	// Only fails when ctx is done; the call that follows reports that.
	_ = s.limiter.Wait(ctx)
}

// SendTest delivers a threshold message to userID, prefixed with a test
// banner. Latches are not touched.
func (s *Sweeper) SendTest(ctx context.Context, userID int64, days int) error {
	t, ok := findThreshold(s.Thresholds, days)
	if !ok {
		return promo.ValidationError.New("no reminder is configured %d days before expiry", days)
	}
	if err := s.transport.Deliver(ctx, userID, fmt.Sprintf(testBanner, days)+t.Message); err != nil {
		return err
	}
	s.log.Info("test notification sent", zap.Int64("user_id", userID), zap.Int("days", days))
	return nil
}

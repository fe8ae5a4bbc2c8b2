/*
scheduler.go - Periodic notification sweeps

PURPOSE:
  Runs Sweeper.Sweep on a fixed interval (default hourly) as one
  long-lived loop, independent of interactive requests. Manual sweeps go
  through the same path and are serialized with the periodic ones.

DESIGN:
  - One goroutine per Start; Stop cancels it and waits for it to exit
  - Sweeps never overlap (manual and periodic share one mutex)
  - After a failed sweep the next wait comes from a backoff.BackOff
    (constant by default, capped-exponential optional) that is shorter
    than the interval; a successful sweep resets it
  - Every sweep is recorded as a promo.SweepRun for audit and display

CONFIGURATION:
  - Interval:      Time between sweeps (default: 1 hour)
  - RetryDelay:    Wait after a failed sweep (default: 60s)
  - Backoff:       "constant" or "exponential"
  - MaxRetryDelay: Cap for the exponential policy
  - RunOnStart:    Sweep immediately on Start

USAGE:
  scheduler := notify.NewScheduler(log, sweeper, store, metrics, notify.DefaultConfig())
  scheduler.Start(ctx)
  // ... later
  scheduler.Stop()

SEE ALSO:
  - sweeper.go: What one sweep does
*/
package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/warp/promo-engine/promo"
)

// Sweep triggers.
const (
	TriggerScheduled = "scheduled"
	TriggerManual    = "manual"
)

// Backoff policies.
const (
	BackoffConstant    = "constant"
	BackoffExponential = "exponential"
)

// ErrAlreadyRunning is returned by Start when the loop is already running.
var ErrAlreadyRunning = errors.New("scheduler already running")

// SweepRunner performs one sweep.
type SweepRunner interface {
	Sweep(ctx context.Context) (Report, error)
}

// RunRecorder persists sweep-run history.
type RunRecorder interface {
	SaveSweepRun(ctx context.Context, run promo.SweepRun) error
}

// Config configures the scheduler.
type Config struct {
	Interval      time.Duration
	RetryDelay    time.Duration
	Backoff       string
	MaxRetryDelay time.Duration
	RunOnStart    bool
}

// DefaultConfig returns an hourly schedule with a 60s constant retry delay.
func DefaultConfig() Config {
	return Config{
		Interval:      time.Hour,
		RetryDelay:    time.Minute,
		Backoff:       BackoffConstant,
		MaxRetryDelay: 15 * time.Minute,
		RunOnStart:    true,
	}
}

// Validate checks the retry policy stays below the interval.
func (c Config) Validate() error {
	if c.Interval <= 0 {
		return fmt.Errorf("sweep interval must be positive, got %s", c.Interval)
	}
	if c.RetryDelay <= 0 || c.RetryDelay >= c.Interval {
		return fmt.Errorf("retry delay must be positive and shorter than the interval (%s), got %s", c.Interval, c.RetryDelay)
	}
	switch c.Backoff {
	case BackoffConstant, "":
	case BackoffExponential:
		if c.MaxRetryDelay < c.RetryDelay || c.MaxRetryDelay >= c.Interval {
			return fmt.Errorf("max retry delay must be in [%s, %s), got %s", c.RetryDelay, c.Interval, c.MaxRetryDelay)
		}
	default:
		return fmt.Errorf("unknown backoff policy %q", c.Backoff)
	}
	return nil
}

// NewBackOff builds the retry policy described by the config.
func (c Config) NewBackOff() backoff.BackOff {
	if c.Backoff != BackoffExponential {
		return backoff.NewConstantBackOff(c.RetryDelay)
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.RetryDelay
	b.MaxInterval = c.MaxRetryDelay
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Scheduler runs sweeps periodically.
type Scheduler struct {
	log     *zap.Logger
	sweeper SweepRunner
	runs    RunRecorder
	metrics *Metrics
	config  Config

	Now func() time.Time

	// sweepMu serializes sweeps.
	sweepMu sync.Mutex

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	nextRun time.Time
	lastRun *promo.SweepRun
}

// NewScheduler creates a scheduler. runs and metrics may be nil.
func NewScheduler(log *zap.Logger, sweeper SweepRunner, runs RunRecorder, metrics *Metrics, config Config) *Scheduler {
	return &Scheduler{
		log:     log.Named("scheduler"),
		sweeper: sweeper,
		runs:    runs,
		metrics: metrics,
		config:  config,
		Now:     time.Now,
	}
}

// Config returns the scheduler's configuration.
func (s *Scheduler) Config() Config { return s.config }

// Start begins the loop in the background.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return ErrAlreadyRunning
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true

	go func(done chan struct{}) {
		defer close(done)
		defer s.stopped(done)
		_ = s.Run(ctx)
	}(s.done)

	s.log.Info("started", zap.Duration("interval", s.config.Interval))
	return nil
}

// Stop cancels the loop and waits for the sweep in flight to reach a
// code boundary.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	<-done
}

// stopped clears the loop state once Run returns, whether through Stop or
// through cancellation of the parent context.
func (s *Scheduler) stopped(done chan struct{}) {
	s.mu.Lock()
	if s.done == done {
		s.running = false
		s.nextRun = time.Time{}
		s.cancel()
	}
	s.mu.Unlock()
	s.log.Info("stopped")
}

// Run blocks, sweeping on schedule until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	retry := s.config.NewBackOff()

	wait := s.config.Interval
	if s.config.RunOnStart {
		wait = 0
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		s.setNextRun(s.Now().Add(wait))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}

		_, err := s.sweep(ctx, TriggerScheduled)
		switch {
		case ctx.Err() != nil:
			return ctx.Err()
		case err != nil:
			wait = retry.NextBackOff()
			if wait == backoff.Stop {
				wait = s.config.Interval
			}
			s.log.Error("sweep failed, retrying", zap.Duration("retry_in", wait), zap.Error(err))
		default:
			retry.Reset()
			wait = s.config.Interval
		}
		timer.Reset(wait)
	}
}

// RunNow performs a manual sweep, waiting for any sweep in flight.
func (s *Scheduler) RunNow(ctx context.Context) (promo.SweepRun, error) {
	return s.sweep(ctx, TriggerManual)
}

// Running reports whether the periodic loop is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// NextRun returns when the next periodic sweep is due, zero if not running.
func (s *Scheduler) NextRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextRun
}

// LastRun returns the most recent sweep, nil before the first one.
func (s *Scheduler) LastRun() *promo.SweepRun {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastRun == nil {
		return nil
	}
	run := *s.lastRun
	return &run
}

func (s *Scheduler) setNextRun(at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextRun = at
}

func (s *Scheduler) sweep(ctx context.Context, trigger string) (promo.SweepRun, error) {
	s.sweepMu.Lock()
	defer s.sweepMu.Unlock()

	started := time.Now()
	run := promo.SweepRun{
		ID:        uuid.NewString(),
		Status:    promo.RunRunning,
		Trigger:   trigger,
		StartedAt: s.Now().UTC(),
	}
	s.record(ctx, run)

	report, err := s.sweeper.Sweep(ctx)

	completed := s.Now().UTC()
	run.CompletedAt = &completed
	run.Candidates = report.Candidates
	run.Reminders = report.Reminders
	run.Feedback = report.Feedback
	run.Closed = report.Closed
	run.Skipped = report.Skipped
	run.Failures = report.Failures()
	switch {
	case err == nil:
		run.Status = promo.RunCompleted
	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
		run.Status = promo.RunInterrupted
	default:
		run.Status = promo.RunFailed
		run.Error = err.Error()
	}

	s.metrics.sweepFinished(run.Status, time.Since(started))
	s.record(context.WithoutCancel(ctx), run)

	s.mu.Lock()
	s.lastRun = &run
	s.mu.Unlock()

	return run, err
}

func (s *Scheduler) record(ctx context.Context, run promo.SweepRun) {
	if s.runs == nil {
		return
	}
	if err := s.runs.SaveSweepRun(ctx, run); err != nil {
		s.log.Error("recording sweep run failed", zap.String("run_id", run.ID), zap.Error(err))
	}
}

package sqlstore

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/warp/promo-engine/promo"
)

// =============================================================================
// SWEEP RUNS (promo.RunStore interface)
// =============================================================================

// SaveSweepRun inserts or updates a sweep run record.
func (s *Store) SaveSweepRun(ctx context.Context, run promo.SweepRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.exec(ctx, `
		INSERT INTO sweep_runs
		(id, status, trigger_kind, started_at, completed_at, error,
		 candidates, reminders, feedback, closed, skipped, failures)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			completed_at = excluded.completed_at,
			error = excluded.error,
			candidates = excluded.candidates,
			reminders = excluded.reminders,
			feedback = excluded.feedback,
			closed = excluded.closed,
			skipped = excluded.skipped,
			failures = excluded.failures
	`,
		run.ID, run.Status, run.Trigger,
		formatTime(run.StartedAt), nullTime(run.CompletedAt), nullString(run.Error),
		run.Candidates, run.Reminders, run.Feedback, run.Closed, run.Skipped, run.Failures,
	)
	if err != nil {
		return fmt.Errorf("failed to save sweep run: %w", err)
	}
	return nil
}

// ListSweepRuns returns sweep runs, most recent first.
func (s *Store) ListSweepRuns(ctx context.Context, limit int) ([]promo.SweepRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, status, trigger_kind, started_at, completed_at, error,
		       candidates, reminders, feedback, closed, skipped, failures
		FROM sweep_runs
		ORDER BY started_at DESC, id DESC
	`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []promo.SweepRun
	for rows.Next() {
		var (
			run         promo.SweepRun
			startedAt   string
			completedAt sql.NullString
			runErr      sql.NullString
		)
		if err := rows.Scan(&run.ID, &run.Status, &run.Trigger, &startedAt, &completedAt, &runErr,
			&run.Candidates, &run.Reminders, &run.Feedback, &run.Closed, &run.Skipped, &run.Failures); err != nil {
			return nil, err
		}
		run.StartedAt = parseTime(startedAt)
		run.CompletedAt = parseNullTime(completedAt)
		run.Error = runErr.String
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/warp/promo-engine/promo"
)

// =============================================================================
// PROMO CODE STORE (promo.Store interface)
// =============================================================================

const promoColumns = `code, user_id, discount_percent, created_at, is_used, used_at, order_ref,
	remote_id, synced, sync_error, reminded_5d_at, reminded_3d_at, reminded_1d_at,
	feedback_requested, feedback_requested_at`

// stageColumn maps a reminder stage to its latch column.
func stageColumn(stage promo.Stage) (string, error) {
	switch stage {
	case promo.Stage5Days:
		return "reminded_5d_at", nil
	case promo.Stage3Days:
		return "reminded_3d_at", nil
	case promo.Stage1Day:
		return "reminded_1d_at", nil
	}
	return "", fmt.Errorf("unknown notification stage %d", stage)
}

// Insert adds a new promo code.
func (s *Store) Insert(ctx context.Context, p promo.PromoCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO promocodes (` + promoColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.exec(ctx, query,
		p.Code,
		p.UserID,
		p.DiscountPercent,
		formatTime(p.CreatedAt),
		p.IsUsed,
		nullTime(p.UsedAt),
		nullString(p.OrderRef),
		nullString(p.RemoteID),
		p.Synced,
		nullString(p.SyncError),
		nullTime(p.Reminded5DaysAt),
		nullTime(p.Reminded3DaysAt),
		nullTime(p.Reminded1DayAt),
		p.FeedbackRequested,
		nullTime(p.FeedbackRequestedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return promo.ErrDuplicateCode
		}
		return fmt.Errorf("failed to insert promo code: %w", err)
	}
	return nil
}

// Exists checks whether a code is taken.
func (s *Store) Exists(ctx context.Context, code string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.queryRow(ctx, "SELECT COUNT(*) FROM promocodes WHERE code = ?", code).Scan(&count)
	return count > 0, err
}

// Get retrieves a promo code.
func (s *Store) Get(ctx context.Context, code string) (*promo.PromoCode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.queryRow(ctx, "SELECT "+promoColumns+" FROM promocodes WHERE code = ?", code)
	p, err := scanPromo(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// MarkUsed transitions is_used false -> true.
func (s *Store) MarkUsed(ctx context.Context, code, orderRef string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return affected(s.exec(ctx, `
		UPDATE promocodes
		SET is_used = TRUE, used_at = ?, order_ref = ?
		WHERE code = ? AND is_used = FALSE
	`, formatTime(at), nullString(orderRef), code))
}

// RecordSyncResult stores the outcome of a remote create.
func (s *Store) RecordSyncResult(ctx context.Context, code, remoteID string, syncErr error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		ok  bool
		err error
	)
	if syncErr != nil {
		ok, err = affected(s.exec(ctx,
			"UPDATE promocodes SET sync_error = ? WHERE code = ?",
			syncErr.Error(), code))
	} else {
		ok, err = affected(s.exec(ctx,
			"UPDATE promocodes SET synced = TRUE, remote_id = ?, sync_error = NULL WHERE code = ?",
			nullString(remoteID), code))
	}
	if err != nil {
		return fmt.Errorf("failed to record sync result: %w", err)
	}
	if !ok {
		return promo.ErrCodeNotFound
	}
	return nil
}

// MarkNotificationSent sets a reminder latch if unset.
func (s *Store) MarkNotificationSent(ctx context.Context, code string, stage promo.Stage, at time.Time) (bool, error) {
	column, err := stageColumn(stage)
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return affected(s.exec(ctx,
		"UPDATE promocodes SET "+column+" = ? WHERE code = ? AND "+column+" IS NULL",
		formatTime(at), code))
}

// MarkFeedbackRequested sets the feedback latch if unset.
func (s *Store) MarkFeedbackRequested(ctx context.Context, code string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return affected(s.exec(ctx, `
		UPDATE promocodes
		SET feedback_requested = TRUE, feedback_requested_at = ?
		WHERE code = ? AND feedback_requested = FALSE
	`, formatTime(at), code))
}

// ListByUser returns every code of a user, newest first.
func (s *Store) ListByUser(ctx context.Context, userID int64) ([]promo.PromoCode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryPromos(ctx, `
		SELECT `+promoColumns+` FROM promocodes
		WHERE user_id = ?
		ORDER BY created_at DESC, code DESC
	`, userID)
}

// ListActiveForUser returns a user's unused codes, newest first.
func (s *Store) ListActiveForUser(ctx context.Context, userID int64) ([]promo.PromoCode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryPromos(ctx, `
		SELECT `+promoColumns+` FROM promocodes
		WHERE user_id = ? AND is_used = FALSE
		ORDER BY created_at DESC, code DESC
	`, userID)
}

// ListUnsynced returns codes without a successful remote create, oldest first.
func (s *Store) ListUnsynced(ctx context.Context) ([]promo.PromoCode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryPromos(ctx, `
		SELECT `+promoColumns+` FROM promocodes
		WHERE synced = FALSE
		ORDER BY created_at ASC, code ASC
	`)
}

// ListActiveForSweep returns sweep candidates joined with owner gates.
func (s *Store) ListActiveForSweep(ctx context.Context) ([]promo.SweepCandidate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.query(ctx, `
		SELECT p.code, p.user_id, p.discount_percent, p.created_at, p.is_used, p.used_at, p.order_ref,
		       p.remote_id, p.synced, p.sync_error, p.reminded_5d_at, p.reminded_3d_at, p.reminded_1d_at,
		       p.feedback_requested, p.feedback_requested_at,
		       COALESCE(u.notifications_enabled, TRUE), COALESCE(u.is_blocked, FALSE)
		FROM promocodes p
		LEFT JOIN users u ON u.id = p.user_id
		WHERE p.is_used = FALSE AND p.feedback_requested = FALSE
		ORDER BY p.created_at ASC, p.code ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query sweep candidates: %w", err)
	}
	defer rows.Close()

	var out []promo.SweepCandidate
	for rows.Next() {
		var c promo.SweepCandidate
		p, err := scanPromo(rows, &c.NotificationsEnabled, &c.Blocked)
		if err != nil {
			return nil, err
		}
		c.PromoCode = p
		out = append(out, c)
	}
	return out, rows.Err()
}

// Counts returns ledger totals.
func (s *Store) Counts(ctx context.Context) (promo.Counts, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var c promo.Counts
	err := s.queryRow(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN is_used THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN synced THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN sync_error IS NOT NULL THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN NOT is_used THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN NOT is_used AND reminded_5d_at IS NOT NULL THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN NOT is_used AND reminded_3d_at IS NOT NULL THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN NOT is_used AND reminded_1d_at IS NOT NULL THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN NOT is_used AND feedback_requested THEN 1 ELSE 0 END), 0)
		FROM promocodes
	`).Scan(&c.Total, &c.Used, &c.Synced, &c.SyncErrors, &c.Active,
		&c.Reminded5Days, &c.Reminded3Days, &c.Reminded1Day, &c.FeedbackRequested)
	if err != nil {
		return promo.Counts{}, fmt.Errorf("failed to count promo codes: %w", err)
	}
	return c, nil
}

func (s *Store) queryPromos(ctx context.Context, query string, args ...any) ([]promo.PromoCode, error) {
	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query promo codes: %w", err)
	}
	defer rows.Close()

	var out []promo.PromoCode
	for rows.Next() {
		p, err := scanPromo(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

// scanPromo reads promoColumns followed by any extra destinations.
func scanPromo(row scanner, extra ...any) (promo.PromoCode, error) {
	var (
		p          promo.PromoCode
		createdAt  string
		usedAt     sql.NullString
		orderRef   sql.NullString
		remoteID   sql.NullString
		syncError  sql.NullString
		reminded5  sql.NullString
		reminded3  sql.NullString
		reminded1  sql.NullString
		feedbackAt sql.NullString
	)

	dest := []any{
		&p.Code, &p.UserID, &p.DiscountPercent, &createdAt, &p.IsUsed, &usedAt, &orderRef,
		&remoteID, &p.Synced, &syncError, &reminded5, &reminded3, &reminded1,
		&p.FeedbackRequested, &feedbackAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		if err == sql.ErrNoRows {
			return p, err
		}
		return p, fmt.Errorf("failed to scan promo code: %w", err)
	}

	p.CreatedAt = parseTime(createdAt)
	p.UsedAt = parseNullTime(usedAt)
	p.OrderRef = orderRef.String
	p.RemoteID = remoteID.String
	p.SyncError = syncError.String
	p.Reminded5DaysAt = parseNullTime(reminded5)
	p.Reminded3DaysAt = parseNullTime(reminded3)
	p.Reminded1DayAt = parseNullTime(reminded1)
	p.FeedbackRequestedAt = parseNullTime(feedbackAt)
	return p, nil
}

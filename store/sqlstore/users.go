package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/warp/promo-engine/promo"
)

// =============================================================================
// USER STORE (promo.UserStore interface)
// =============================================================================

// SaveUser inserts a user or refreshes their profile fields.
func (s *Store) SaveUser(ctx context.Context, u promo.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	registered := u.RegisteredAt
	if registered.IsZero() {
		registered = time.Now()
	}

	_, err := s.exec(ctx, `
		INSERT INTO users (id, username, first_name, notifications_enabled, is_blocked, registered_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			username = excluded.username,
			first_name = excluded.first_name
	`, u.ID, nullString(u.Username), nullString(u.FirstName), u.NotificationsEnabled, u.Blocked, formatTime(registered))
	if err != nil {
		return fmt.Errorf("failed to save user: %w", err)
	}
	return nil
}

// GetUser retrieves a user by ID.
func (s *Store) GetUser(ctx context.Context, id int64) (*promo.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		u                   promo.User
		username, firstName sql.NullString
		registeredAt        string
	)
	err := s.queryRow(ctx, `
		SELECT id, username, first_name, notifications_enabled, is_blocked, registered_at
		FROM users WHERE id = ?
	`, id).Scan(&u.ID, &username, &firstName, &u.NotificationsEnabled, &u.Blocked, &registeredAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	u.Username = username.String
	u.FirstName = firstName.String
	u.RegisteredAt = parseTime(registeredAt)
	return &u, nil
}

// SetNotifications updates a user's opt-in flag.
func (s *Store) SetNotifications(ctx context.Context, id int64, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ok, err := affected(s.exec(ctx, "UPDATE users SET notifications_enabled = ? WHERE id = ?", enabled, id))
	if err != nil {
		return fmt.Errorf("failed to update notifications: %w", err)
	}
	if !ok {
		return promo.ErrUserNotFound
	}
	return nil
}

// SetBlocked updates a user's blocked flag, creating the row if needed.
func (s *Store) SetBlocked(ctx context.Context, id int64, blocked bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.exec(ctx, `
		INSERT INTO users (id, notifications_enabled, is_blocked, registered_at)
		VALUES (?, TRUE, ?, ?)
		ON CONFLICT(id) DO UPDATE SET is_blocked = excluded.is_blocked
	`, id, blocked, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to update blocked flag: %w", err)
	}
	return nil
}

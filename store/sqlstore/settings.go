package sqlstore

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/warp/promo-engine/promo"
)

// =============================================================================
// SETTINGS STORE (promo.SettingsStore interface)
// =============================================================================

// GetSetting retrieves a setting by key.
func (s *Store) GetSetting(ctx context.Context, key string) (*promo.Setting, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		st        promo.Setting
		updatedAt string
	)
	err := s.queryRow(ctx, "SELECT key, value, updated_at FROM settings WHERE key = ?", key).
		Scan(&st.Key, &st.Value, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	st.UpdatedAt = parseTime(updatedAt)
	return &st, nil
}

// PutSetting inserts or overwrites a setting.
func (s *Store) PutSetting(ctx context.Context, st promo.Setting) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.exec(ctx, `
		INSERT INTO settings (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at
	`, st.Key, st.Value, formatTime(st.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to save setting: %w", err)
	}
	return nil
}

// PutSettingIfAbsent inserts a setting only if its key is absent.
func (s *Store) PutSettingIfAbsent(ctx context.Context, st promo.Setting) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return affected(s.exec(ctx, `
		INSERT INTO settings (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO NOTHING
	`, st.Key, st.Value, formatTime(st.UpdatedAt)))
}

// ListSettings returns every stored setting ordered by key.
func (s *Store) ListSettings(ctx context.Context) ([]promo.Setting, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.query(ctx, "SELECT key, value, updated_at FROM settings ORDER BY key")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []promo.Setting
	for rows.Next() {
		var (
			st        promo.Setting
			updatedAt string
		)
		if err := rows.Scan(&st.Key, &st.Value, &updatedAt); err != nil {
			return nil, err
		}
		st.UpdatedAt = parseTime(updatedAt)
		out = append(out, st)
	}
	return out, rows.Err()
}

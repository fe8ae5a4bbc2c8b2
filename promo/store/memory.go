// Package store provides in-memory implementations of the promo stores.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/promo-engine/promo"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory implements promo.Store, promo.UserStore, promo.SettingsStore and
// promo.RunStore. A single mutex makes every conditional update atomic.
type Memory struct {
	mu       sync.RWMutex
	codes    map[string]promo.PromoCode
	users    map[int64]promo.User
	settings map[string]promo.Setting
	runs     map[string]promo.SweepRun
}

var (
	_ promo.Store         = (*Memory)(nil)
	_ promo.UserStore     = (*Memory)(nil)
	_ promo.SettingsStore = (*Memory)(nil)
	_ promo.RunStore      = (*Memory)(nil)
)

func NewMemory() *Memory {
	return &Memory{
		codes:    make(map[string]promo.PromoCode),
		users:    make(map[int64]promo.User),
		settings: make(map[string]promo.Setting),
		runs:     make(map[string]promo.SweepRun),
	}
}

// =============================================================================
// PROMO CODES
// =============================================================================

func (m *Memory) Insert(_ context.Context, code promo.PromoCode) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.codes[code.Code]; ok {
		return promo.ErrDuplicateCode
	}
	m.codes[code.Code] = code
	return nil
}

func (m *Memory) Exists(_ context.Context, code string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.codes[code]
	return ok, nil
}

func (m *Memory) Get(_ context.Context, code string) (*promo.PromoCode, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.codes[code]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (m *Memory) MarkUsed(_ context.Context, code, orderRef string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.codes[code]
	if !ok || rec.IsUsed {
		return false, nil
	}
	rec.IsUsed = true
	rec.UsedAt = &at
	rec.OrderRef = orderRef
	m.codes[code] = rec
	return true, nil
}

func (m *Memory) RecordSyncResult(_ context.Context, code, remoteID string, syncErr error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.codes[code]
	if !ok {
		return promo.ErrCodeNotFound
	}
	if syncErr != nil {
		rec.SyncError = syncErr.Error()
	} else {
		rec.RemoteID = remoteID
		rec.Synced = true
		rec.SyncError = ""
	}
	m.codes[code] = rec
	return nil
}

func (m *Memory) MarkNotificationSent(_ context.Context, code string, stage promo.Stage, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.codes[code]
	if !ok || rec.StageSentAt(stage) != nil {
		return false, nil
	}
	rec.SetStageSentAt(stage, at)
	m.codes[code] = rec
	return true, nil
}

func (m *Memory) MarkFeedbackRequested(_ context.Context, code string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.codes[code]
	if !ok || rec.FeedbackRequested {
		return false, nil
	}
	rec.FeedbackRequested = true
	rec.FeedbackRequestedAt = &at
	m.codes[code] = rec
	return true, nil
}

func (m *Memory) ListByUser(_ context.Context, userID int64) ([]promo.PromoCode, error) {
	return m.filter(func(c promo.PromoCode) bool { return c.UserID == userID }, newestFirst), nil
}

func (m *Memory) ListActiveForUser(_ context.Context, userID int64) ([]promo.PromoCode, error) {
	return m.filter(func(c promo.PromoCode) bool { return c.UserID == userID && !c.IsUsed }, newestFirst), nil
}

func (m *Memory) ListUnsynced(_ context.Context) ([]promo.PromoCode, error) {
	return m.filter(func(c promo.PromoCode) bool { return !c.Synced }, oldestFirst), nil
}

func (m *Memory) ListActiveForSweep(_ context.Context) ([]promo.SweepCandidate, error) {
	codes := m.filter(func(c promo.PromoCode) bool { return !c.IsUsed && !c.FeedbackRequested }, oldestFirst)

	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]promo.SweepCandidate, 0, len(codes))
	for _, c := range codes {
		cand := promo.SweepCandidate{PromoCode: c, NotificationsEnabled: true}
		if u, ok := m.users[c.UserID]; ok {
			cand.NotificationsEnabled = u.NotificationsEnabled
			cand.Blocked = u.Blocked
		}
		out = append(out, cand)
	}
	return out, nil
}

func (m *Memory) Counts(_ context.Context) (promo.Counts, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var c promo.Counts
	for _, rec := range m.codes {
		c.Total++
		if rec.Synced {
			c.Synced++
		}
		if rec.SyncError != "" {
			c.SyncErrors++
		}
		if rec.IsUsed {
			c.Used++
			continue
		}
		c.Active++
		if rec.Reminded5DaysAt != nil {
			c.Reminded5Days++
		}
		if rec.Reminded3DaysAt != nil {
			c.Reminded3Days++
		}
		if rec.Reminded1DayAt != nil {
			c.Reminded1Day++
		}
		if rec.FeedbackRequested {
			c.FeedbackRequested++
		}
	}
	return c, nil
}

type order func(a, b promo.PromoCode) bool

func oldestFirst(a, b promo.PromoCode) bool {
	if a.CreatedAt.Equal(b.CreatedAt) {
		return a.Code < b.Code
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

func newestFirst(a, b promo.PromoCode) bool {
	if a.CreatedAt.Equal(b.CreatedAt) {
		return a.Code > b.Code
	}
	return a.CreatedAt.After(b.CreatedAt)
}

func (m *Memory) filter(keep func(promo.PromoCode) bool, less order) []promo.PromoCode {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]promo.PromoCode, 0)
	for _, rec := range m.codes {
		if keep(rec) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}

// =============================================================================
// USERS
// =============================================================================

func (m *Memory) SaveUser(_ context.Context, user promo.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.users[user.ID]; ok {
		existing.Username = user.Username
		existing.FirstName = user.FirstName
		m.users[user.ID] = existing
		return nil
	}
	if user.RegisteredAt.IsZero() {
		user.RegisteredAt = time.Now().UTC()
	}
	m.users[user.ID] = user
	return nil
}

func (m *Memory) GetUser(_ context.Context, id int64) (*promo.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[id]
	if !ok {
		return nil, nil
	}
	return &u, nil
}

func (m *Memory) SetNotifications(_ context.Context, id int64, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[id]
	if !ok {
		return promo.ErrUserNotFound
	}
	u.NotificationsEnabled = enabled
	m.users[id] = u
	return nil
}

func (m *Memory) SetBlocked(_ context.Context, id int64, blocked bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[id]
	if !ok {
		u = promo.User{ID: id, NotificationsEnabled: true, RegisteredAt: time.Now().UTC()}
	}
	u.Blocked = blocked
	m.users[id] = u
	return nil
}

// =============================================================================
// SETTINGS
// =============================================================================

func (m *Memory) GetSetting(_ context.Context, key string) (*promo.Setting, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.settings[key]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (m *Memory) PutSetting(_ context.Context, s promo.Setting) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.settings[s.Key] = s
	return nil
}

func (m *Memory) PutSettingIfAbsent(_ context.Context, s promo.Setting) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.settings[s.Key]; ok {
		return false, nil
	}
	m.settings[s.Key] = s
	return true, nil
}

func (m *Memory) ListSettings(_ context.Context) ([]promo.Setting, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]promo.Setting, 0, len(m.settings))
	for _, s := range m.settings {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// =============================================================================
// SWEEP RUNS
// =============================================================================

func (m *Memory) SaveSweepRun(_ context.Context, run promo.SweepRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.runs[run.ID] = run
	return nil
}

func (m *Memory) ListSweepRuns(_ context.Context, limit int) ([]promo.SweepRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]promo.SweepRun, 0, len(m.runs))
	for _, r := range m.runs {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// =============================================================================
// FAULT INJECTION
// =============================================================================

// Put overwrites a record as-is. Tests use it to seed arbitrary state.
func (m *Memory) Put(code promo.PromoCode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.codes[code.Code] = code
}

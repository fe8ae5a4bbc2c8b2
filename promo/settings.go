/*
settings.go - Runtime tunables for code issuance

PURPOSE:
  Settings exposes the two tunables the lifecycle depends on: the discount
  stamped onto new codes and the validity duration used to derive expiry.
  Values live in a SettingsStore so operators can change them without a
  restart.

READ PATH:
  Reads never fail. An absent, malformed, out-of-range or unreadable value
  falls back to the process default and the fallback is logged.

WRITE PATH:
  Writes are validated first. A value outside its range is rejected with
  ValidationError and nothing is persisted.

SEE ALSO:
  - ledger.go: Stamps DiscountPercent onto new codes
  - reconcile.go: Uses DurationDays for local expiry
*/
package promo

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Setting keys.
const (
	KeyDiscountPercent = "discount_percent"
	KeyDurationDays    = "duration_days"
)

// Allowed ranges.
const (
	MinDiscountPercent = 1
	MaxDiscountPercent = 99
	MinDurationDays    = 1
	MaxDurationDays    = 365
)

// SettingsProvider supplies the tunables at evaluation time.
type SettingsProvider interface {
	DiscountPercent(ctx context.Context) int
	DurationDays(ctx context.Context) int
}

// Defaults are the process-level fallbacks.
type Defaults struct {
	DiscountPercent int
	DurationDays    int
}

// DefaultSettings are used when nothing else is configured.
var DefaultSettings = Defaults{DiscountPercent: 13, DurationDays: 7}

// Validate checks both defaults are in range.
func (d Defaults) Validate() error {
	if err := ValidateDiscountPercent(d.DiscountPercent); err != nil {
		return err
	}
	return ValidateDurationDays(d.DurationDays)
}

// ValidateDiscountPercent rejects discounts outside [1, 99].
func ValidateDiscountPercent(v int) error {
	return validateRange(KeyDiscountPercent, v, MinDiscountPercent, MaxDiscountPercent)
}

// ValidateDurationDays rejects durations outside [1, 365].
func ValidateDurationDays(v int) error {
	return validateRange(KeyDurationDays, v, MinDurationDays, MaxDurationDays)
}

func validateRange(key string, v, min, max int) error {
	if v < min || v > max {
		return ValidationError.Wrap(&SettingError{Key: key, Value: strconv.Itoa(v), Min: min, Max: max})
	}
	return nil
}

// =============================================================================
// SETTINGS
// =============================================================================

// Settings is a SettingsProvider backed by a SettingsStore.
type Settings struct {
	log      *zap.Logger
	store    SettingsStore
	defaults Defaults

	Now func() time.Time
}

// NewSettings creates settings over store with the given fallbacks.
func NewSettings(log *zap.Logger, store SettingsStore, defaults Defaults) *Settings {
	return &Settings{log: log, store: store, defaults: defaults, Now: time.Now}
}

// Defaults returns the configured fallbacks.
func (s *Settings) Defaults() Defaults { return s.defaults }

// DiscountPercent returns the discount stamped onto new codes.
func (s *Settings) DiscountPercent(ctx context.Context) int {
	return s.intSetting(ctx, KeyDiscountPercent, MinDiscountPercent, MaxDiscountPercent, s.defaults.DiscountPercent)
}

// DurationDays returns the validity duration used to derive expiry.
func (s *Settings) DurationDays(ctx context.Context) int {
	return s.intSetting(ctx, KeyDurationDays, MinDurationDays, MaxDurationDays, s.defaults.DurationDays)
}

func (s *Settings) intSetting(ctx context.Context, key string, min, max, fallback int) int {
	setting, err := s.store.GetSetting(ctx, key)
	if err != nil {
		s.log.Warn("reading setting failed, using default", zap.String("key", key), zap.Int("default", fallback), zap.Error(err))
		return fallback
	}
	if setting == nil {
		return fallback
	}
	v, err := strconv.Atoi(strings.TrimSpace(setting.Value))
	if err != nil || v < min || v > max {
		s.log.Warn("malformed setting, using default",
			zap.String("key", key), zap.String("value", setting.Value), zap.Int("default", fallback))
		return fallback
	}
	return v
}

// SetDiscountPercent validates and stores the discount.
func (s *Settings) SetDiscountPercent(ctx context.Context, v int) error {
	if err := ValidateDiscountPercent(v); err != nil {
		return err
	}
	return s.put(ctx, KeyDiscountPercent, v)
}

// SetDurationDays validates and stores the duration.
func (s *Settings) SetDurationDays(ctx context.Context, v int) error {
	if err := ValidateDurationDays(v); err != nil {
		return err
	}
	return s.put(ctx, KeyDurationDays, v)
}

// Set parses and stores a setting by key. Unknown keys and values that do
// not parse are rejected with ValidationError.
func (s *Settings) Set(ctx context.Context, key, value string) error {
	v, err := strconv.Atoi(strings.TrimSpace(value))
	switch key {
	case KeyDiscountPercent:
		if err != nil {
			return ValidationError.Wrap(&SettingError{Key: key, Value: value, Min: MinDiscountPercent, Max: MaxDiscountPercent})
		}
		return s.SetDiscountPercent(ctx, v)
	case KeyDurationDays:
		if err != nil {
			return ValidationError.Wrap(&SettingError{Key: key, Value: value, Min: MinDurationDays, Max: MaxDurationDays})
		}
		return s.SetDurationDays(ctx, v)
	}
	return ValidationError.Wrap(&SettingError{Key: key, Value: value})
}

func (s *Settings) put(ctx context.Context, key string, v int) error {
	err := s.store.PutSetting(ctx, Setting{Key: key, Value: strconv.Itoa(v), UpdatedAt: s.Now().UTC()})
	if err != nil {
		return PersistenceError.Wrap(err)
	}
	s.log.Info("setting updated", zap.String("key", key), zap.Int("value", v))
	return nil
}

// SeedDefaults stores the defaults for absent keys without overwriting.
func (s *Settings) SeedDefaults(ctx context.Context) error {
	now := s.Now().UTC()
	seeds := []Setting{
		{Key: KeyDiscountPercent, Value: strconv.Itoa(s.defaults.DiscountPercent), UpdatedAt: now},
		{Key: KeyDurationDays, Value: strconv.Itoa(s.defaults.DurationDays), UpdatedAt: now},
	}
	for _, seed := range seeds {
		inserted, err := s.store.PutSettingIfAbsent(ctx, seed)
		if err != nil {
			return PersistenceError.Wrap(err)
		}
		if inserted {
			s.log.Info("setting seeded", zap.String("key", seed.Key), zap.String("value", seed.Value))
		}
	}
	return nil
}

// EffectiveSetting is a tunable as currently resolved.
type EffectiveSetting struct {
	Key       string
	Value     int
	Stored    string // raw stored value, empty if absent
	Default   bool   // true when the fallback is in effect
	UpdatedAt *time.Time
}

// Effective returns both tunables with where their value came from.
func (s *Settings) Effective(ctx context.Context) ([]EffectiveSetting, error) {
	stored, err := s.store.ListSettings(ctx)
	if err != nil {
		return nil, PersistenceError.Wrap(err)
	}
	byKey := make(map[string]Setting, len(stored))
	for _, st := range stored {
		byKey[st.Key] = st
	}

	out := []EffectiveSetting{
		{Key: KeyDiscountPercent, Value: s.DiscountPercent(ctx)},
		{Key: KeyDurationDays, Value: s.DurationDays(ctx)},
	}
	for i := range out {
		st, ok := byKey[out[i].Key]
		if !ok {
			out[i].Default = true
			continue
		}
		out[i].Stored = st.Value
		updated := st.UpdatedAt
		out[i].UpdatedAt = &updated
		if strconv.Itoa(out[i].Value) != strings.TrimSpace(st.Value) {
			out[i].Default = true
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the ledger model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

TYPES:
  Users:
    UserDTO, SaveUserRequest, NotificationsRequest

  Promo codes:
    PromoCodeDTO, PromoStatusDTO, RedeemRequest, SyncReportDTO

  Settings:
    SettingDTO, UpdateSettingsRequest

  Notifications:
    SweepRunDTO, SchedulerStatusDTO, TestNotificationRequest

TIMESTAMPS:
  RFC 3339 in UTC. Optional timestamps are omitted when unset.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/promo-engine/promo"
)

// =============================================================================
// USERS
// =============================================================================

// UserDTO represents a user in API responses.
type UserDTO struct {
	ID                   int64  `json:"id"`
	Username             string `json:"username,omitempty"`
	FirstName            string `json:"first_name,omitempty"`
	NotificationsEnabled bool   `json:"notifications_enabled"`
	Blocked              bool   `json:"blocked"`
	RegisteredAt         string `json:"registered_at"`
}

// SaveUserRequest registers a user or refreshes their profile.
type SaveUserRequest struct {
	ID        int64  `json:"id"`
	Username  string `json:"username"`
	FirstName string `json:"first_name"`
}

// NotificationsRequest opts a user in or out of reminders.
type NotificationsRequest struct {
	Enabled *bool `json:"enabled"`
}

func toUserDTO(u promo.User) UserDTO {
	return UserDTO{
		ID:                   u.ID,
		Username:             u.Username,
		FirstName:            u.FirstName,
		NotificationsEnabled: u.NotificationsEnabled,
		Blocked:              u.Blocked,
		RegisteredAt:         formatTime(u.RegisteredAt),
	}
}

// =============================================================================
// PROMO CODES
// =============================================================================

// PromoCodeDTO represents a ledger record.
type PromoCodeDTO struct {
	Code            string  `json:"code"`
	UserID          int64   `json:"user_id"`
	DiscountPercent int     `json:"discount_percent"`
	CreatedAt       string  `json:"created_at"`
	IsUsed          bool    `json:"is_used"`
	UsedAt          *string `json:"used_at,omitempty"`
	OrderRef        string  `json:"order_ref,omitempty"`

	RemoteID  string `json:"remote_id,omitempty"`
	Synced    bool   `json:"synced"`
	SyncError string `json:"sync_error,omitempty"`

	Reminded5DaysAt     *string `json:"reminded_5_days_at,omitempty"`
	Reminded3DaysAt     *string `json:"reminded_3_days_at,omitempty"`
	Reminded1DayAt      *string `json:"reminded_1_day_at,omitempty"`
	FeedbackRequested   bool    `json:"feedback_requested"`
	FeedbackRequestedAt *string `json:"feedback_requested_at,omitempty"`
}

func toPromoCodeDTO(p promo.PromoCode) PromoCodeDTO {
	return PromoCodeDTO{
		Code:                p.Code,
		UserID:              p.UserID,
		DiscountPercent:     p.DiscountPercent,
		CreatedAt:           formatTime(p.CreatedAt),
		IsUsed:              p.IsUsed,
		UsedAt:              formatOptional(p.UsedAt),
		OrderRef:            p.OrderRef,
		RemoteID:            p.RemoteID,
		Synced:              p.Synced,
		SyncError:           p.SyncError,
		Reminded5DaysAt:     formatOptional(p.Reminded5DaysAt),
		Reminded3DaysAt:     formatOptional(p.Reminded3DaysAt),
		Reminded1DayAt:      formatOptional(p.Reminded1DayAt),
		FeedbackRequested:   p.FeedbackRequested,
		FeedbackRequestedAt: formatOptional(p.FeedbackRequestedAt),
	}
}

func toPromoCodeDTOs(codes []promo.PromoCode) []PromoCodeDTO {
	dtos := make([]PromoCodeDTO, len(codes))
	for i, c := range codes {
		dtos[i] = toPromoCodeDTO(c)
	}
	return dtos
}

// PromoStatusDTO is a reconciled view of one code.
type PromoStatusDTO struct {
	PromoCode        PromoCodeDTO `json:"promo_code"`
	Outcome          string       `json:"outcome"`
	Valid            bool         `json:"valid"`
	Expired          bool         `json:"expired"`
	ExpiresAt        string       `json:"expires_at"`
	ExpirySource     string       `json:"expiry_source"`
	RemainingSeconds int64        `json:"remaining_seconds"`
	Created          bool         `json:"created,omitempty"`
	SyncError        string       `json:"sync_error,omitempty"`
}

func toPromoStatusDTO(r promo.Reconciliation, now time.Time) PromoStatusDTO {
	return PromoStatusDTO{
		PromoCode:        toPromoCodeDTO(r.Code),
		Outcome:          r.Outcome.String(),
		Valid:            r.Valid(now),
		Expired:          r.Expired(now),
		ExpiresAt:        formatTime(r.ExpiresAt),
		ExpirySource:     string(r.ExpirySource),
		RemainingSeconds: int64(r.Remaining(now).Seconds()),
	}
}

// RedeemRequest is the optional body of a redemption.
type RedeemRequest struct {
	OrderRef string `json:"order_ref"`
}

// RedeemResponse reports a successful redemption.
type RedeemResponse struct {
	Code     string `json:"code"`
	OrderRef string `json:"order_ref,omitempty"`
	Used     bool   `json:"used"`
}

// DeleteRemoteResponse reports a remote coupon removal.
type DeleteRemoteResponse struct {
	Code    string `json:"code"`
	Deleted bool   `json:"deleted"`
}

// SyncReportDTO summarizes a batch of sync retries.
type SyncReportDTO struct {
	Attempted int `json:"attempted"`
	Synced    int `json:"synced"`
	Failed    int `json:"failed"`
}

// =============================================================================
// SETTINGS & STATS
// =============================================================================

// SettingDTO is a tunable as currently resolved.
type SettingDTO struct {
	Key       string  `json:"key"`
	Value     int     `json:"value"`
	Stored    string  `json:"stored,omitempty"`
	Default   bool    `json:"default"`
	UpdatedAt *string `json:"updated_at,omitempty"`
}

// UpdateSettingsRequest changes one or both tunables. Both are validated
// before either is stored.
type UpdateSettingsRequest struct {
	DiscountPercent *int `json:"discount_percent"`
	DurationDays    *int `json:"duration_days"`
}

// StatsDTO reports ledger totals and reminder progress.
type StatsDTO struct {
	Total      int             `json:"total"`
	Used       int             `json:"used"`
	Synced     int             `json:"synced"`
	SyncErrors int             `json:"sync_errors"`
	UsageRate  decimal.Decimal `json:"usage_rate"`
	SyncRate   decimal.Decimal `json:"sync_rate"`

	Active            int `json:"active"`
	Reminded5Days     int `json:"reminded_5_days"`
	Reminded3Days     int `json:"reminded_3_days"`
	Reminded1Day      int `json:"reminded_1_day"`
	FeedbackRequested int `json:"feedback_requested"`
}

// =============================================================================
// NOTIFICATIONS
// =============================================================================

// SweepRunDTO represents one recorded sweep.
type SweepRunDTO struct {
	ID          string  `json:"id"`
	Status      string  `json:"status"`
	Trigger     string  `json:"trigger"`
	StartedAt   string  `json:"started_at"`
	CompletedAt *string `json:"completed_at,omitempty"`
	Error       string  `json:"error,omitempty"`
	Candidates  int     `json:"candidates"`
	Reminders   int     `json:"reminders"`
	Feedback    int     `json:"feedback"`
	Closed      int     `json:"closed"`
	Skipped     int     `json:"skipped"`
	Failures    int     `json:"failures"`
}

func toSweepRunDTO(run promo.SweepRun) SweepRunDTO {
	return SweepRunDTO{
		ID:          run.ID,
		Status:      run.Status,
		Trigger:     run.Trigger,
		StartedAt:   formatTime(run.StartedAt),
		CompletedAt: formatOptional(run.CompletedAt),
		Error:       run.Error,
		Candidates:  run.Candidates,
		Reminders:   run.Reminders,
		Feedback:    run.Feedback,
		Closed:      run.Closed,
		Skipped:     run.Skipped,
		Failures:    run.Failures,
	}
}

// SchedulerStatusDTO describes the notification loop.
type SchedulerStatusDTO struct {
	Running  bool         `json:"running"`
	Interval string       `json:"interval,omitempty"`
	NextRun  *string      `json:"next_run,omitempty"`
	LastRun  *SweepRunDTO `json:"last_run,omitempty"`
}

// TestNotificationRequest asks for a test send of one reminder.
type TestNotificationRequest struct {
	UserID int64 `json:"user_id"`
	Days   int   `json:"days"`
}

// ErrorResponse is the body of every error.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// HELPERS
// =============================================================================

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func formatOptional(t *time.Time) *string {
	if t == nil || t.IsZero() {
		return nil
	}
	s := formatTime(*t)
	return &s
}

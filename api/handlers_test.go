/*
handlers_test.go - HTTP API tests

Tests for:
- Issue-or-show and inspection
- Redemption (once only, remote propagation)
- Settings validation before persistence
- Sync repair
- Manual sweeps, run history and loop status
- Test notifications and remote health
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/warp/promo-engine/notify"
	"github.com/warp/promo-engine/promo"
	"github.com/warp/promo-engine/promo/promotest"
	"github.com/warp/promo-engine/promo/store"
)

var t0 = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

const day = 24 * time.Hour

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

type fixture struct {
	mem       *store.Memory
	gateway   *promotest.Gateway
	transport *promotest.Transport
	clock     *promotest.Clock
	service   *promo.Service
	scheduler *notify.Scheduler
	handler   *Handler
	router    http.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := zaptest.NewLogger(t)

	f := &fixture{
		mem:       store.NewMemory(),
		gateway:   promotest.NewGateway(),
		transport: promotest.NewTransport(),
		clock:     promotest.NewClock(t0),
	}

	settings := promo.NewSettings(log, f.mem, promo.DefaultSettings)
	settings.Now = f.clock.Now
	ledger := promo.NewLedger(log, f.mem, promo.NewUUIDGenerator())
	ledger.Now = f.clock.Now
	f.service = promo.NewService(log, ledger, f.gateway, settings)
	f.service.Now = f.clock.Now

	registry := prometheus.NewRegistry()
	metrics := notify.NewMetrics(registry)
	sweeper := notify.NewSweeper(log, ledger, f.service.Reconciler(), f.mem, f.transport, metrics, 0)
	sweeper.Now = f.clock.Now
	f.scheduler = notify.NewScheduler(log, sweeper, f.mem, metrics, notify.DefaultConfig())
	f.scheduler.Now = f.clock.Now

	f.handler = NewHandler(log, Dependencies{
		Service:   f.service,
		Settings:  settings,
		Users:     f.mem,
		Runs:      f.mem,
		Scheduler: f.scheduler,
		Sender:    sweeper,
		Interval:  time.Hour,
	})
	f.handler.Now = f.clock.Now
	f.router = NewRouter(f.handler, registry)
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (f *fixture) issue(t *testing.T, userID string) PromoStatusDTO {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/api/users/"+userID+"/promo", nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[PromoStatusDTO](t, rec)
}

// =============================================================================
// ISSUANCE & INSPECTION
// =============================================================================

func TestHealth(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/api/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestIssuePromo_CreatesThenShows(t *testing.T) {
	// GIVEN: A user without codes
	f := newFixture(t)

	// WHEN: The user asks for a code twice
	first := f.issue(t, "42")
	rec := f.do(t, http.MethodPost, "/api/users/42/promo", nil)

	// THEN: The first call creates and syncs a code, the second shows it
	assert.True(t, first.Created)
	assert.True(t, strings.HasPrefix(first.PromoCode.Code, "PLUMMY"))
	assert.Equal(t, 13, first.PromoCode.DiscountPercent)
	assert.True(t, first.PromoCode.Synced)
	assert.Equal(t, int64((7 * day).Seconds()), first.RemainingSeconds)

	require.Equal(t, http.StatusOK, rec.Code)
	second := decode[PromoStatusDTO](t, rec)
	assert.False(t, second.Created)
	assert.Equal(t, first.PromoCode.Code, second.PromoCode.Code)
	assert.Equal(t, "remote", second.ExpirySource)
}

func TestIssuePromo_RemoteDownStillIssues(t *testing.T) {
	f := newFixture(t)
	f.gateway.Err = promo.RemoteUnavailable.New("connection refused")

	got := f.issue(t, "42")
	assert.False(t, got.PromoCode.Synced)
	assert.Contains(t, got.SyncError, "connection refused")
}

func TestGetPromo(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/users/42/promo", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	issued := f.issue(t, "42")
	f.clock.Advance(day)

	rec = f.do(t, http.MethodGet, "/api/users/42/promo", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[PromoStatusDTO](t, rec)
	assert.Equal(t, issued.PromoCode.Code, got.PromoCode.Code)
	assert.True(t, got.Valid)
	assert.Equal(t, int64((6 * day).Seconds()), got.RemainingSeconds)

	// Expired codes are reported, not replaced.
	f.clock.Advance(6 * day)
	rec = f.do(t, http.MethodGet, "/api/users/42/promo", nil)
	assert.Equal(t, http.StatusGone, rec.Code)
	rec = f.do(t, http.MethodPost, "/api/users/42/promo", nil)
	assert.Equal(t, http.StatusGone, rec.Code)
}

func TestIssuePromo_AfterRedeemReportsUsed(t *testing.T) {
	// GIVEN: A user who redeemed their code
	f := newFixture(t)
	code := f.issue(t, "42").PromoCode.Code
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/api/promocodes/"+code+"/use", nil).Code)

	// WHEN: The user asks for a code again
	rec := f.do(t, http.MethodPost, "/api/users/42/promo", nil)

	// THEN: The request is refused and no second code exists
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, decode[ErrorResponse](t, rec).Details, "already used")

	codes, err := f.service.Ledger().ListByUser(context.Background(), 42)
	require.NoError(t, err)
	assert.Len(t, codes, 1)
}

func TestGetPromo_RemoteConsumedReportsUsed(t *testing.T) {
	// GIVEN: A code the shop reports as consumed
	f := newFixture(t)
	code := f.issue(t, "42").PromoCode.Code
	coupon, ok := f.gateway.Coupon(code)
	require.True(t, ok)
	coupon.UsageCount = 1
	f.gateway.Put(coupon)

	// WHEN: The user's code is inspected
	rec := f.do(t, http.MethodGet, "/api/users/42/promo", nil)

	// THEN: The user is told the code was used
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, decode[ErrorResponse](t, rec).Details, "already used")
}

func TestUserParamValidation(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/users/abc/promo", nil).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/api/users/-3/promo", nil).Code)
}

func TestListUserPromoCodes(t *testing.T) {
	f := newFixture(t)
	first := f.issue(t, "42")
	f.clock.Advance(8 * day)
	second, err := f.service.Issue(context.Background(), 42)
	require.NoError(t, err)

	rec := f.do(t, http.MethodGet, "/api/users/42/promocodes", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	codes := decode[[]PromoCodeDTO](t, rec)
	require.Len(t, codes, 2)
	assert.Equal(t, second.Code.Code, codes[0].Code, "newest first")
	assert.Equal(t, first.PromoCode.Code, codes[1].Code)
}

// =============================================================================
// USERS
// =============================================================================

func TestSaveUserAndNotifications(t *testing.T) {
	f := newFixture(t)

	// GIVEN: A registered user
	rec := f.do(t, http.MethodPost, "/api/users", SaveUserRequest{ID: 42, Username: "anna", FirstName: "Anna"})
	require.Equal(t, http.StatusCreated, rec.Code)
	user := decode[UserDTO](t, rec)
	assert.True(t, user.NotificationsEnabled)

	// WHEN: The user opts out, then re-registers
	rec = f.do(t, http.MethodPut, "/api/users/42/notifications", map[string]bool{"enabled": false})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decode[UserDTO](t, rec).NotificationsEnabled)

	rec = f.do(t, http.MethodPost, "/api/users", SaveUserRequest{ID: 42, Username: "anna_k"})
	require.Equal(t, http.StatusCreated, rec.Code)

	// THEN: The opt-out survives the profile refresh
	user = decode[UserDTO](t, rec)
	assert.Equal(t, "anna_k", user.Username)
	assert.False(t, user.NotificationsEnabled)
}

func TestSetNotifications_Errors(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, http.StatusNotFound,
		f.do(t, http.MethodPut, "/api/users/7/notifications", map[string]bool{"enabled": true}).Code)
	assert.Equal(t, http.StatusBadRequest,
		f.do(t, http.MethodPut, "/api/users/7/notifications", map[string]string{}).Code)
	assert.Equal(t, http.StatusBadRequest,
		f.do(t, http.MethodPost, "/api/users", SaveUserRequest{}).Code)
}

// =============================================================================
// PROMO CODES
// =============================================================================

func TestRedeem_OnceOnly(t *testing.T) {
	// GIVEN: An issued code
	f := newFixture(t)
	code := f.issue(t, "42").PromoCode.Code

	// WHEN: It is redeemed twice
	first := f.do(t, http.MethodPost, "/api/promocodes/"+strings.ToLower(code)+"/use", RedeemRequest{OrderRef: "order-1"})
	second := f.do(t, http.MethodPost, "/api/promocodes/"+code+"/use", nil)

	// THEN: Only the first succeeds and is propagated remotely
	require.Equal(t, http.StatusOK, first.Code, first.Body.String())
	assert.Equal(t, RedeemResponse{Code: code, OrderRef: "order-1", Used: true}, decode[RedeemResponse](t, first))
	assert.Equal(t, http.StatusConflict, second.Code)
	assert.Equal(t, 1, f.gateway.CallCount("mark_used"))

	coupon, ok := f.gateway.Coupon(code)
	require.True(t, ok)
	assert.Equal(t, "private", coupon.Status)

	rec := f.do(t, http.MethodGet, "/api/promocodes/"+code, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	status := decode[PromoStatusDTO](t, rec)
	assert.Equal(t, "already_used", status.Outcome)
	assert.Equal(t, "order-1", status.PromoCode.OrderRef)
	assert.False(t, status.Valid)
}

func TestRedeem_UnknownAndMalformedCodes(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/api/promocodes/PLUMMY000000/use", nil).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/api/promocodes/ab/use", nil).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/promocodes/bad$code", nil).Code)
}

func TestSyncRepair(t *testing.T) {
	// GIVEN: Two codes issued while the remote store was down
	f := newFixture(t)
	f.gateway.Err = promo.RemoteUnavailable.New("connection refused")
	f.issue(t, "1")
	f.issue(t, "2")

	rec := f.do(t, http.MethodGet, "/api/promocodes/unsynced", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]PromoCodeDTO](t, rec), 2)

	// WHEN: The store recovers and sync is retried
	f.gateway.Err = nil
	rec = f.do(t, http.MethodPost, "/api/promocodes/sync", nil)

	// THEN: Both codes are synced
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, SyncReportDTO{Attempted: 2, Synced: 2}, decode[SyncReportDTO](t, rec))

	rec = f.do(t, http.MethodGet, "/api/promocodes/unsynced", nil)
	assert.Empty(t, decode[[]PromoCodeDTO](t, rec))
}

func TestSyncPromoCode_Single(t *testing.T) {
	f := newFixture(t)
	f.gateway.Err = promo.RemoteUnavailable.New("timeout")
	code := f.issue(t, "1").PromoCode.Code

	rec := f.do(t, http.MethodPost, "/api/promocodes/"+code+"/sync", nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	f.gateway.Err = nil
	rec = f.do(t, http.MethodPost, "/api/promocodes/"+code+"/sync", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[PromoCodeDTO](t, rec)
	assert.True(t, got.Synced)
	assert.Empty(t, got.SyncError)
	assert.NotEmpty(t, got.RemoteID)
}

func TestDeleteRemoteCoupon_ClosesOnNextInspection(t *testing.T) {
	f := newFixture(t)
	code := f.issue(t, "42").PromoCode.Code

	rec := f.do(t, http.MethodDelete, "/api/promocodes/"+code+"/remote", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[DeleteRemoteResponse](t, rec).Deleted)

	rec = f.do(t, http.MethodGet, "/api/promocodes/"+code, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	status := decode[PromoStatusDTO](t, rec)
	assert.Equal(t, "removed", status.Outcome)
	assert.True(t, status.PromoCode.IsUsed)
}

// =============================================================================
// SETTINGS & STATS
// =============================================================================

func TestSettings_UpdateAndRead(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/settings", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	settings := decode[[]SettingDTO](t, rec)
	require.Len(t, settings, 2)
	assert.True(t, settings[0].Default)

	discount := 20
	rec = f.do(t, http.MethodPut, "/api/settings", UpdateSettingsRequest{DiscountPercent: &discount})
	require.Equal(t, http.StatusOK, rec.Code)
	settings = decode[[]SettingDTO](t, rec)
	assert.Equal(t, 20, settings[0].Value)
	assert.False(t, settings[0].Default)

	// New codes carry the new discount.
	assert.Equal(t, 20, f.issue(t, "5").PromoCode.DiscountPercent)
}

func TestSettings_InvalidValueStoresNothing(t *testing.T) {
	// GIVEN: A valid discount paired with an invalid duration
	f := newFixture(t)
	discount, duration := 30, 0

	// WHEN: Both are submitted together
	rec := f.do(t, http.MethodPut, "/api/settings", UpdateSettingsRequest{DiscountPercent: &discount, DurationDays: &duration})

	// THEN: The request is rejected and neither value is stored
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decode[ErrorResponse](t, rec).Details, "duration_days")

	stored, err := f.mem.ListSettings(context.Background())
	require.NoError(t, err)
	assert.Empty(t, stored)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPut, "/api/settings", map[string]int{}).Code)
}

func TestGetStats(t *testing.T) {
	f := newFixture(t)
	code := f.issue(t, "1").PromoCode.Code
	f.issue(t, "2")
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/api/promocodes/"+code+"/use", nil).Code)

	rec := f.do(t, http.MethodGet, "/api/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decode[StatsDTO](t, rec)
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.Used)
	assert.Equal(t, 2, stats.Synced)
	assert.Equal(t, "50", stats.UsageRate.String())
	assert.Equal(t, "100", stats.SyncRate.String())
}

// =============================================================================
// NOTIFICATIONS
// =============================================================================

func TestTriggerSweep_SendsDueReminderAndRecordsRun(t *testing.T) {
	// GIVEN: A code five days from expiry
	f := newFixture(t)
	f.issue(t, "42")
	f.clock.Advance(2*day + time.Hour)

	// WHEN: An operator runs a sweep
	rec := f.do(t, http.MethodPost, "/api/notifications/sweep", nil)

	// THEN: One reminder goes out and the run is recorded
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	run := decode[SweepRunDTO](t, rec)
	assert.Equal(t, promo.RunCompleted, run.Status)
	assert.Equal(t, notify.TriggerManual, run.Trigger)
	assert.Equal(t, 1, run.Reminders)
	assert.Len(t, f.transport.SentTo(42), 1)

	rec = f.do(t, http.MethodGet, "/api/notifications/runs?limit=5", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	runs := decode[[]SweepRunDTO](t, rec)
	require.Len(t, runs, 1)
	assert.Equal(t, run.ID, runs[0].ID)

	rec = f.do(t, http.MethodGet, "/api/notifications/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	status := decode[SchedulerStatusDTO](t, rec)
	assert.False(t, status.Running)
	assert.Equal(t, "1h0m0s", status.Interval)
	require.NotNil(t, status.LastRun)
	assert.Equal(t, run.ID, status.LastRun.ID)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/notifications/runs?limit=x", nil).Code)
}

func TestSendTestNotification(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/notifications/test", TestNotificationRequest{UserID: 42, Days: 3})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	sent := f.transport.SentTo(42)
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0], "ТЕСТОВОЕ УВЕДОМЛЕНИЕ")

	rec = f.do(t, http.MethodPost, "/api/notifications/test", TestNotificationRequest{UserID: 42, Days: 4})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	f.transport.SetFailure(42, promo.DeliveryError.Wrap(promo.ErrRecipientBlocked))
	rec = f.do(t, http.MethodPost, "/api/notifications/test", TestNotificationRequest{UserID: 42, Days: 1})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestNotificationsDisabled(t *testing.T) {
	f := newFixture(t)
	f.handler.deps.Scheduler = nil
	f.handler.deps.Sender = nil

	assert.Equal(t, http.StatusServiceUnavailable, f.do(t, http.MethodPost, "/api/notifications/sweep", nil).Code)
	assert.Equal(t, http.StatusServiceUnavailable,
		f.do(t, http.MethodPost, "/api/notifications/test", TestNotificationRequest{UserID: 1, Days: 1}).Code)

	rec := f.do(t, http.MethodGet, "/api/notifications/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decode[SchedulerStatusDTO](t, rec).Running)
}

func TestRemoteHealth(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, http.StatusServiceUnavailable, f.do(t, http.MethodGet, "/api/health/remote", nil).Code)

	f.handler.deps.Remote = pingFunc(func(context.Context) error { return nil })
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/health/remote", nil).Code)

	f.handler.deps.Remote = pingFunc(func(context.Context) error {
		return promo.RemoteUnavailable.Wrap(errors.New("dial tcp: connection refused"))
	})
	assert.Equal(t, http.StatusBadGateway, f.do(t, http.MethodGet, "/api/health/remote", nil).Code)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	f.issue(t, "42")
	f.clock.Advance(2*day + time.Hour)
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/api/notifications/sweep", nil).Code)

	rec := f.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `promo_reminders_sent_total{stage="5_days"} 1`)
}

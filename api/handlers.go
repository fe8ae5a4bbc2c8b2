/*
handlers.go - HTTP API handlers for the promo engine

PURPOSE:
  Exposes issuance, inspection, redemption, settings, statistics and the
  notification loop via REST. Handles HTTP request/response and JSON, and
  delegates to the promo and notify packages.

ENDPOINTS:
  Health:
    GET    /api/health                       Liveness
    GET    /api/health/remote                Remote coupon store reachability

  Users:
    POST   /api/users                        Register or refresh a user
    PUT    /api/users/{id}/notifications     Opt in/out of reminders
    GET    /api/users/{id}/promo             Current valid code (reconciles)
    POST   /api/users/{id}/promo             Current code, issuing one if none
    GET    /api/users/{id}/promocodes        Code history, newest first

  Promo codes:
    GET    /api/promocodes/unsynced          Codes missing a remote coupon
    POST   /api/promocodes/sync              Retry remote sync for all of them
    GET    /api/promocodes/{code}            Reconciled view of one code
    POST   /api/promocodes/{code}/use        Redeem (409 if already used)
    POST   /api/promocodes/{code}/sync       Retry remote sync for one code
    DELETE /api/promocodes/{code}/remote     Remove the remote coupon

  Settings & stats:
    GET    /api/settings                     Effective tunables
    PUT    /api/settings                     Update tunables
    GET    /api/stats                        Ledger totals and rates

  Notifications:
    POST   /api/notifications/sweep          Run one sweep now
    GET    /api/notifications/runs           Sweep history
    GET    /api/notifications/status         Loop state
    POST   /api/notifications/test           Test send of a reminder

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 404: Code or user not found
  - 409: Code already used, recipient blocked
  - 502: Remote coupon store unavailable
  - 503: Component not configured
  - 500: Internal errors

SECURITY NOTE:
  No authentication. Deploy behind the operator network only.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/warp/promo-engine/promo"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// SweepScheduler is the part of notify.Scheduler the API drives.
type SweepScheduler interface {
	RunNow(ctx context.Context) (promo.SweepRun, error)
	Running() bool
	NextRun() time.Time
	LastRun() *promo.SweepRun
}

// TestSender sends operator test notifications.
type TestSender interface {
	SendTest(ctx context.Context, userID int64, days int) error
}

// RemotePinger checks the remote coupon store.
type RemotePinger interface {
	Ping(ctx context.Context) error
}

// Dependencies are the components behind the API. Scheduler, Sender and
// Remote may be nil when the component is not configured.
type Dependencies struct {
	Service   *promo.Service
	Settings  *promo.Settings
	Users     promo.UserStore
	Runs      promo.RunStore
	Scheduler SweepScheduler
	Sender    TestSender
	Remote    RemotePinger

	// Interval is reported by the status endpoint.
	Interval time.Duration
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	log  *zap.Logger
	deps Dependencies

	Now func() time.Time
}

// NewHandler creates a new handler.
func NewHandler(log *zap.Logger, deps Dependencies) *Handler {
	return &Handler{
		log:  log.Named("api"),
		deps: deps,
		Now:  time.Now,
	}
}

// =============================================================================
// HEALTH
// =============================================================================

// Health reports liveness.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// RemoteHealth pings the remote coupon store.
func (h *Handler) RemoteHealth(w http.ResponseWriter, r *http.Request) {
	if h.deps.Remote == nil {
		writeError(w, http.StatusServiceUnavailable, "Remote coupon store is disabled", nil)
		return
	}
	if err := h.deps.Remote.Ping(r.Context()); err != nil {
		writeError(w, http.StatusBadGateway, "Remote coupon store unreachable", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// USER HANDLERS
// =============================================================================

// SaveUser registers a user or refreshes their profile. Delivery gates of
// an existing user are kept.
// POST /api/users
func (h *Handler) SaveUser(w http.ResponseWriter, r *http.Request) {
	var req SaveUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.ID <= 0 {
		writeError(w, http.StatusBadRequest, "id must be a positive integer", nil)
		return
	}

	ctx := r.Context()
	err := h.deps.Users.SaveUser(ctx, promo.User{
		ID:                   req.ID,
		Username:             req.Username,
		FirstName:            req.FirstName,
		NotificationsEnabled: true,
		RegisteredAt:         h.Now().UTC(),
	})
	if err != nil {
		h.writeDomainError(w, "Failed to save user", err)
		return
	}

	user, err := h.deps.Users.GetUser(ctx, req.ID)
	if err != nil || user == nil {
		h.writeDomainError(w, "Failed to load user", err)
		return
	}
	writeJSON(w, http.StatusCreated, toUserDTO(*user))
}

// SetNotifications opts a user in or out of reminders.
// PUT /api/users/{id}/notifications
func (h *Handler) SetNotifications(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDParam(w, r)
	if !ok {
		return
	}

	var req NotificationsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.Enabled == nil {
		writeError(w, http.StatusBadRequest, "enabled is required", nil)
		return
	}

	ctx := r.Context()
	if err := h.deps.Users.SetNotifications(ctx, userID, *req.Enabled); err != nil {
		h.writeDomainError(w, "Failed to update notifications", err)
		return
	}

	user, err := h.deps.Users.GetUser(ctx, userID)
	if err != nil || user == nil {
		h.writeDomainError(w, "Failed to load user", err)
		return
	}
	writeJSON(w, http.StatusOK, toUserDTO(*user))
}

// GetPromo returns the user's current valid code. 409 once the user used a
// code, 410 when every code expired.
// GET /api/users/{id}/promo
func (h *Handler) GetPromo(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDParam(w, r)
	if !ok {
		return
	}

	rec, err := h.deps.Service.Inspect(r.Context(), userID)
	if err != nil {
		h.writeDomainError(w, "No valid promo code", err)
		return
	}
	writeJSON(w, http.StatusOK, toPromoStatusDTO(rec, h.Now()))
}

// IssuePromo returns the user's current valid code, issuing one only if the
// user never held a code. 201 when a code was created.
// POST /api/users/{id}/promo
func (h *Handler) IssuePromo(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDParam(w, r)
	if !ok {
		return
	}

	issued, err := h.deps.Service.IssueOrShow(r.Context(), userID)
	if err != nil {
		h.writeDomainError(w, "Failed to issue promo code", err)
		return
	}

	dto := toPromoStatusDTO(issued.Reconciliation, h.Now())
	dto.Created = issued.Created
	if issued.SyncErr != nil {
		dto.SyncError = issued.SyncErr.Error()
	}

	status := http.StatusOK
	if issued.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, dto)
}

// ListUserPromoCodes returns the user's code history.
// GET /api/users/{id}/promocodes
func (h *Handler) ListUserPromoCodes(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDParam(w, r)
	if !ok {
		return
	}

	codes, err := h.deps.Service.Ledger().ListByUser(r.Context(), userID)
	if err != nil {
		h.writeDomainError(w, "Failed to list promo codes", err)
		return
	}
	writeJSON(w, http.StatusOK, toPromoCodeDTOs(codes))
}

// =============================================================================
// PROMO CODE HANDLERS
// =============================================================================

// GetPromoCode returns a reconciled view of one code.
// GET /api/promocodes/{code}
func (h *Handler) GetPromoCode(w http.ResponseWriter, r *http.Request) {
	code, ok := codeParam(w, r)
	if !ok {
		return
	}

	rec, err := h.deps.Service.InspectCode(r.Context(), code)
	if err != nil {
		h.writeDomainError(w, "Failed to inspect promo code", err)
		return
	}
	writeJSON(w, http.StatusOK, toPromoStatusDTO(rec, h.Now()))
}

// RedeemPromoCode marks a code used.
// POST /api/promocodes/{code}/use
func (h *Handler) RedeemPromoCode(w http.ResponseWriter, r *http.Request) {
	code, ok := codeParam(w, r)
	if !ok {
		return
	}

	var req RedeemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	marked, err := h.deps.Service.Redeem(r.Context(), code, req.OrderRef)
	if err != nil {
		h.writeDomainError(w, "Failed to redeem promo code", err)
		return
	}
	if !marked {
		writeError(w, http.StatusConflict, "Promo code already used", nil)
		return
	}

	writeJSON(w, http.StatusOK, RedeemResponse{
		Code:     promo.NormalizeCode(code),
		OrderRef: req.OrderRef,
		Used:     true,
	})
}

// SyncPromoCode retries the remote create for one code.
// POST /api/promocodes/{code}/sync
func (h *Handler) SyncPromoCode(w http.ResponseWriter, r *http.Request) {
	code, ok := codeParam(w, r)
	if !ok {
		return
	}

	rec, err := h.deps.Service.RetrySync(r.Context(), code)
	if err != nil {
		h.writeDomainError(w, "Failed to sync promo code", err)
		return
	}
	writeJSON(w, http.StatusOK, toPromoCodeDTO(rec))
}

// DeleteRemoteCoupon removes the remote coupon for a code.
// DELETE /api/promocodes/{code}/remote
func (h *Handler) DeleteRemoteCoupon(w http.ResponseWriter, r *http.Request) {
	code, ok := codeParam(w, r)
	if !ok {
		return
	}

	deleted, err := h.deps.Service.DeleteRemote(r.Context(), code)
	if err != nil {
		h.writeDomainError(w, "Failed to delete remote coupon", err)
		return
	}
	writeJSON(w, http.StatusOK, DeleteRemoteResponse{Code: promo.NormalizeCode(code), Deleted: deleted})
}

// ListUnsynced returns codes without a remote coupon.
// GET /api/promocodes/unsynced
func (h *Handler) ListUnsynced(w http.ResponseWriter, r *http.Request) {
	codes, err := h.deps.Service.Ledger().ListUnsynced(r.Context())
	if err != nil {
		h.writeDomainError(w, "Failed to list unsynced codes", err)
		return
	}
	writeJSON(w, http.StatusOK, toPromoCodeDTOs(codes))
}

// SyncUnsynced retries the remote create for every unsynced code.
// POST /api/promocodes/sync
func (h *Handler) SyncUnsynced(w http.ResponseWriter, r *http.Request) {
	report, err := h.deps.Service.RetryUnsynced(r.Context())
	if err != nil {
		h.writeDomainError(w, "Failed to sync codes", err)
		return
	}
	writeJSON(w, http.StatusOK, SyncReportDTO{
		Attempted: report.Attempted,
		Synced:    report.Synced,
		Failed:    report.Failed,
	})
}

// =============================================================================
// SETTINGS & STATS
// =============================================================================

// GetSettings returns the effective tunables.
// GET /api/settings
func (h *Handler) GetSettings(w http.ResponseWriter, r *http.Request) {
	h.writeSettings(w, r)
}

// UpdateSettings validates and stores tunables. Nothing is stored unless
// every supplied value is valid.
// PUT /api/settings
func (h *Handler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	var req UpdateSettingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.DiscountPercent == nil && req.DurationDays == nil {
		writeError(w, http.StatusBadRequest, "No settings supplied", nil)
		return
	}

	if req.DiscountPercent != nil {
		if err := promo.ValidateDiscountPercent(*req.DiscountPercent); err != nil {
			h.writeDomainError(w, "Invalid discount_percent", err)
			return
		}
	}
	if req.DurationDays != nil {
		if err := promo.ValidateDurationDays(*req.DurationDays); err != nil {
			h.writeDomainError(w, "Invalid duration_days", err)
			return
		}
	}

	ctx := r.Context()
	if req.DiscountPercent != nil {
		if err := h.deps.Settings.SetDiscountPercent(ctx, *req.DiscountPercent); err != nil {
			h.writeDomainError(w, "Failed to update discount_percent", err)
			return
		}
	}
	if req.DurationDays != nil {
		if err := h.deps.Settings.SetDurationDays(ctx, *req.DurationDays); err != nil {
			h.writeDomainError(w, "Failed to update duration_days", err)
			return
		}
	}

	h.writeSettings(w, r)
}

func (h *Handler) writeSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := h.deps.Settings.Effective(r.Context())
	if err != nil {
		h.writeDomainError(w, "Failed to read settings", err)
		return
	}

	dtos := make([]SettingDTO, len(settings))
	for i, s := range settings {
		dtos[i] = SettingDTO{
			Key:       s.Key,
			Value:     s.Value,
			Stored:    s.Stored,
			Default:   s.Default,
			UpdatedAt: formatOptional(s.UpdatedAt),
		}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetStats returns ledger totals and rates.
// GET /api/stats
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.deps.Service.Stats(r.Context())
	if err != nil {
		h.writeDomainError(w, "Failed to compute stats", err)
		return
	}
	writeJSON(w, http.StatusOK, StatsDTO{
		Total:             stats.Total,
		Used:              stats.Used,
		Synced:            stats.Synced,
		SyncErrors:        stats.SyncErrors,
		UsageRate:         stats.UsageRate,
		SyncRate:          stats.SyncRate,
		Active:            stats.Active,
		Reminded5Days:     stats.Reminded5Days,
		Reminded3Days:     stats.Reminded3Days,
		Reminded1Day:      stats.Reminded1Day,
		FeedbackRequested: stats.FeedbackRequested,
	})
}

// =============================================================================
// NOTIFICATION HANDLERS
// =============================================================================

// TriggerSweep runs one sweep now, waiting for any sweep in flight.
// POST /api/notifications/sweep
func (h *Handler) TriggerSweep(w http.ResponseWriter, r *http.Request) {
	if h.deps.Scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, "Notifications are disabled", nil)
		return
	}

	run, err := h.deps.Scheduler.RunNow(r.Context())
	if err != nil {
		h.log.Error("manual sweep failed", zap.String("run_id", run.ID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, toSweepRunDTO(run))
		return
	}
	writeJSON(w, http.StatusOK, toSweepRunDTO(run))
}

// ListSweepRuns returns sweep history, newest first.
// GET /api/notifications/runs?limit=20
func (h *Handler) ListSweepRuns(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer", err)
			return
		}
		limit = n
	}

	runs, err := h.deps.Runs.ListSweepRuns(r.Context(), limit)
	if err != nil {
		h.writeDomainError(w, "Failed to list sweep runs", err)
		return
	}

	dtos := make([]SweepRunDTO, len(runs))
	for i, run := range runs {
		dtos[i] = toSweepRunDTO(run)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// NotificationStatus reports whether the loop is running and when it
// sweeps next.
// GET /api/notifications/status
func (h *Handler) NotificationStatus(w http.ResponseWriter, r *http.Request) {
	if h.deps.Scheduler == nil {
		writeJSON(w, http.StatusOK, SchedulerStatusDTO{Running: false})
		return
	}

	status := SchedulerStatusDTO{Running: h.deps.Scheduler.Running()}
	if h.deps.Interval > 0 {
		status.Interval = h.deps.Interval.String()
	}
	if next := h.deps.Scheduler.NextRun(); !next.IsZero() {
		status.NextRun = formatOptional(&next)
	}
	if last := h.deps.Scheduler.LastRun(); last != nil {
		dto := toSweepRunDTO(*last)
		status.LastRun = &dto
	}
	writeJSON(w, http.StatusOK, status)
}

// SendTestNotification sends one reminder text, marked as a test.
// POST /api/notifications/test
func (h *Handler) SendTestNotification(w http.ResponseWriter, r *http.Request) {
	if h.deps.Sender == nil {
		writeError(w, http.StatusServiceUnavailable, "Notifications are disabled", nil)
		return
	}

	var req TestNotificationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.UserID <= 0 {
		writeError(w, http.StatusBadRequest, "user_id must be a positive integer", nil)
		return
	}

	if err := h.deps.Sender.SendTest(r.Context(), req.UserID, req.Days); err != nil {
		h.writeDomainError(w, "Failed to send test notification", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sent": true, "user_id": req.UserID, "days": req.Days})
}

// =============================================================================
// HELPERS
// =============================================================================

func userIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "Invalid user id", err)
		return 0, false
	}
	return id, true
}

func codeParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	code := promo.NormalizeCode(chi.URLParam(r, "code"))
	if err := promo.ValidateCodeFormat(code); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid promo code", err)
		return "", false
	}
	return code, true
}

// writeDomainError maps promo error classes to HTTP statuses.
func (h *Handler) writeDomainError(w http.ResponseWriter, message string, err error) {
	switch {
	case err == nil:
		writeError(w, http.StatusNotFound, message, nil)
	case promo.IsClientError(err):
		writeError(w, http.StatusBadRequest, message, err)
	case promo.IsNotFound(err):
		writeError(w, http.StatusNotFound, message, err)
	case errors.Is(err, promo.ErrRecipientBlocked), errors.Is(err, promo.ErrAlreadyUsed):
		writeError(w, http.StatusConflict, message, err)
	case errors.Is(err, promo.ErrCodeExpired):
		writeError(w, http.StatusGone, message, err)
	case errors.Is(err, promo.ErrGatewayDisabled):
		writeError(w, http.StatusServiceUnavailable, message, err)
	case promo.RemoteUnavailable.Has(err), promo.DeliveryError.Has(err):
		writeError(w, http.StatusBadGateway, message, err)
	default:
		h.log.Error(message, zap.Error(err))
		writeError(w, http.StatusInternalServerError, message, err)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

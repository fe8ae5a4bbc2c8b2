/*
Package woocommerce implements promo.Gateway over the WooCommerce REST API.

PURPOSE:
  Mirrors locally issued codes into the shop as single-use percent coupons
  and reads back what the shop knows about them (usage, expiry, existence).

ENDPOINTS (relative to {URL}/wp-json/{APIVersion}):
  POST   coupons                 create
  GET    coupons?code={code}     search by code (empty list = not found)
  GET    coupons/{id}            fetch by id (404 = not found)
  PUT    coupons/{id}            close (status private, expires now)
  DELETE coupons/{id}?force=true delete
  GET    system_status           connectivity check

ERRORS:
  Only an explicit negative answer (404, empty search) is reported as
  promo.ErrCouponNotFound. Everything else, including timeouts, refused
  connections, 5xx and undecodable bodies, is promo.RemoteUnavailable.

SEE ALSO:
  - promo/gateway.go: Interface and error contract
*/
package woocommerce

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/promo-engine/promo"
)

// Defaults applied by NewClient.
const (
	DefaultAPIVersion = "wc/v3"
	DefaultTimeout    = 30 * time.Second
)

// Date layouts the shop returns for date_expires / date_expires_gmt.
var dateLayouts = []string{"2006-01-02T15:04:05", "2006-01-02"}

// Config configures the client.
type Config struct {
	URL            string
	ConsumerKey    string
	ConsumerSecret string
	APIVersion     string
	Timeout        time.Duration
}

// Client talks to one WooCommerce shop.
type Client struct {
	log    *zap.Logger
	config Config
	http   *http.Client

	// Now is used for the close timestamp; defaults to time.Now.
	Now func() time.Time
}

var _ promo.Gateway = (*Client)(nil)

// NewClient creates a client, filling in defaults.
func NewClient(log *zap.Logger, config Config) *Client {
	if config.APIVersion == "" {
		config.APIVersion = DefaultAPIVersion
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}
	config.URL = strings.TrimRight(config.URL, "/")

	return &Client{
		log:    log.Named("woocommerce"),
		config: config,
		http:   &http.Client{Timeout: config.Timeout},
		Now:    time.Now,
	}
}

// =============================================================================
// WIRE TYPES
// =============================================================================

type metaData struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type couponRequest struct {
	Code              string     `json:"code,omitempty"`
	DiscountType      string     `json:"discount_type,omitempty"`
	Amount            string     `json:"amount,omitempty"`
	Description       string     `json:"description,omitempty"`
	Status            string     `json:"status,omitempty"`
	UsageLimit        int        `json:"usage_limit,omitempty"`
	UsageLimitPerUser int        `json:"usage_limit_per_user,omitempty"`
	IndividualUse     bool       `json:"individual_use,omitempty"`
	MinimumAmount     string     `json:"minimum_amount,omitempty"`
	DateExpires       string     `json:"date_expires,omitempty"`
	MetaData          []metaData `json:"meta_data,omitempty"`
}

type couponResponse struct {
	ID             int64   `json:"id"`
	Code           string  `json:"code"`
	Amount         string  `json:"amount"`
	Status         string  `json:"status"`
	UsageCount     int     `json:"usage_count"`
	UsageLimit     *int    `json:"usage_limit"`
	DateExpires    *string `json:"date_expires"`
	DateExpiresGMT *string `json:"date_expires_gmt"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// couponMissingCodes are the error codes the shop answers with when the
// coupon itself does not exist.
var couponMissingCodes = map[string]bool{
	"woocommerce_rest_shop_coupon_invalid_id": true,
	"woocommerce_rest_invalid_id":             true,
}

// toCoupon converts the shop's representation.
func (r couponResponse) toCoupon() promo.Coupon {
	c := promo.Coupon{
		RemoteID:   strconv.FormatInt(r.ID, 10),
		Code:       strings.ToUpper(r.Code),
		UsageCount: r.UsageCount,
		Status:     r.Status,
	}
	if r.UsageLimit != nil {
		c.UsageLimit = *r.UsageLimit
	}
	if amount, err := decimal.NewFromString(r.Amount); err == nil {
		c.Amount = amount
	}
	c.ExpiresAt = parseExpiry(r.DateExpiresGMT, r.DateExpires)
	return c
}

// parseExpiry prefers the GMT field and falls back to the local one.
func parseExpiry(gmt, local *string) *time.Time {
	for _, v := range []*string{gmt, local} {
		if v == nil || *v == "" {
			continue
		}
		for _, layout := range dateLayouts {
			if t, err := time.ParseInLocation(layout, *v, time.UTC); err == nil {
				return &t
			}
		}
	}
	return nil
}

// =============================================================================
// GATEWAY OPERATIONS
// =============================================================================

// Create creates a single-use percent coupon and returns its id.
func (c *Client) Create(ctx context.Context, req promo.CreateRequest) (string, error) {
	usageLimit := req.UsageLimit
	if usageLimit <= 0 {
		usageLimit = promo.DefaultUsageLimit
	}

	body := couponRequest{
		Code:              req.Code,
		DiscountType:      "percent",
		Amount:            strconv.Itoa(req.DiscountPercent),
		Description:       fmt.Sprintf("Created via Telegram bot for user %d", req.UserID),
		UsageLimit:        usageLimit,
		UsageLimitPerUser: 1,
		IndividualUse:     true,
		MinimumAmount:     "0.00",
		DateExpires:       req.ExpiresAt.UTC().Format(dateLayouts[0]),
		MetaData: []metaData{
			{Key: "_telegram_user_id", Value: strconv.FormatInt(req.UserID, 10)},
			{Key: "_created_via_telegram_bot", Value: "true"},
			{Key: "_creation_date", Value: req.CreatedAt.UTC().Format(time.RFC3339)},
		},
	}

	var out couponResponse
	if err := c.do(ctx, http.MethodPost, "coupons", nil, body, &out); err != nil {
		return "", err
	}
	if out.ID == 0 {
		return "", promo.RemoteUnavailable.New("create %s: response carried no coupon id", req.Code)
	}

	c.log.Info("coupon created", zap.String("code", req.Code), zap.Int64("remote_id", out.ID))
	return strconv.FormatInt(out.ID, 10), nil
}

// FetchByCode searches coupons by code.
func (c *Client) FetchByCode(ctx context.Context, code string) (*promo.Coupon, error) {
	var out []couponResponse
	if err := c.do(ctx, http.MethodGet, "coupons", url.Values{"code": {code}}, nil, &out); err != nil {
		return nil, err
	}
	// The search is a substring match on some shop versions.
	for _, r := range out {
		if strings.EqualFold(r.Code, code) {
			coupon := r.toCoupon()
			return &coupon, nil
		}
	}
	return nil, promo.ErrCouponNotFound
}

// FetchByID fetches one coupon by remote id.
func (c *Client) FetchByID(ctx context.Context, remoteID string) (*promo.Coupon, error) {
	var out couponResponse
	if err := c.do(ctx, http.MethodGet, "coupons/"+url.PathEscape(remoteID), nil, nil, &out); err != nil {
		return nil, err
	}
	coupon := out.toCoupon()
	return &coupon, nil
}

// MarkUsed closes the coupon: private status, expiry now.
func (c *Client) MarkUsed(ctx context.Context, code string) error {
	coupon, err := c.FetchByCode(ctx, code)
	if err != nil {
		return err
	}

	now := c.Now().UTC()
	body := couponRequest{
		Description:       fmt.Sprintf("USED (%d/1), closed %s", coupon.UsageCount+1, now.Format("2006-01-02 15:04:05")),
		Status:            "private",
		UsageLimit:        1,
		UsageLimitPerUser: 1,
		DateExpires:       now.Format(dateLayouts[0]),
	}
	if err := c.do(ctx, http.MethodPut, "coupons/"+url.PathEscape(coupon.RemoteID), nil, body, nil); err != nil {
		return err
	}

	c.log.Info("coupon closed", zap.String("code", code), zap.String("remote_id", coupon.RemoteID))
	return nil
}

// Delete removes the coupon permanently. Returns false if it did not exist.
func (c *Client) Delete(ctx context.Context, code string) (bool, error) {
	coupon, err := c.FetchByCode(ctx, code)
	if err != nil {
		if promo.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}

	err = c.do(ctx, http.MethodDelete, "coupons/"+url.PathEscape(coupon.RemoteID), url.Values{"force": {"true"}}, nil, nil)
	if err != nil {
		if promo.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}

	c.log.Info("coupon deleted", zap.String("code", code), zap.String("remote_id", coupon.RemoteID))
	return true, nil
}

// Ping checks connectivity and credentials.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "system_status", nil, nil, nil)
}

// =============================================================================
// HTTP
// =============================================================================

func (c *Client) endpoint(path string, query url.Values) string {
	u := c.config.URL + "/wp-json/" + c.config.APIVersion + "/" + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

// do performs one request. A nil out discards the response body.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, in, out any) error {
	var reader io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return promo.RemoteUnavailable.Wrap(err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path, query), reader)
	if err != nil {
		return promo.RemoteUnavailable.Wrap(err)
	}
	req.SetBasicAuth(c.config.ConsumerKey, c.config.ConsumerSecret)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return promo.RemoteUnavailable.Wrap(err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return promo.RemoteUnavailable.Wrap(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr errorResponse
		_ = json.Unmarshal(body, &apiErr)
		// Route-level 404s (rest_no_route, bad base path) must not read as
		// a deleted coupon.
		if resp.StatusCode == http.StatusNotFound && couponMissingCodes[apiErr.Code] {
			return promo.ErrCouponNotFound
		}
		if apiErr.Message != "" {
			return promo.RemoteUnavailable.New("%s %s: status %d: %s", method, path, resp.StatusCode, apiErr.Message)
		}
		return promo.RemoteUnavailable.New("%s %s: status %d", method, path, resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return promo.RemoteUnavailable.New("%s %s: decode response: %v", method, path, err)
	}
	return nil
}

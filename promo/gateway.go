/*
gateway.go - Contract for the remote coupon store

PURPOSE:
  The remote coupon store is an external system the engine does not
  control. When reachable it is authoritative over consumption and expiry.
  This file defines what the engine needs from it.

ERROR CONTRACT:
  FetchByCode and FetchByID return an error satisfying
  errors.Is(err, ErrCouponNotFound) only for an explicit "no such coupon"
  answer. Every other failure (timeouts, refused connections, 5xx, bad
  payloads) is RemoteUnavailable. Reconciliation treats the two in
  opposite ways.

IMPLEMENTATIONS:
  - woocommerce.Client: WooCommerce REST API
  - DisabledGateway: Used when no remote store is configured
*/
package promo

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// DefaultUsageLimit is the usage limit requested for every coupon.
const DefaultUsageLimit = 1

// Coupon is the remote store's view of a code.
type Coupon struct {
	RemoteID   string
	Code       string
	UsageCount int
	UsageLimit int
	ExpiresAt  *time.Time
	Amount     decimal.Decimal
	Status     string
}

// CreateRequest describes a coupon to create remotely.
type CreateRequest struct {
	Code            string
	UserID          int64
	DiscountPercent int
	UsageLimit      int
	CreatedAt       time.Time
	ExpiresAt       time.Time
}

// Gateway is the remote coupon store.
type Gateway interface {
	// Create creates a coupon and returns its remote identifier.
	Create(ctx context.Context, req CreateRequest) (string, error)

	// FetchByCode looks a coupon up by code.
	FetchByCode(ctx context.Context, code string) (*Coupon, error)

	// FetchByID looks a coupon up by remote identifier.
	FetchByID(ctx context.Context, remoteID string) (*Coupon, error)

	// MarkUsed closes the coupon remotely.
	MarkUsed(ctx context.Context, code string) error

	// Delete removes the coupon. Returns false if it did not exist.
	Delete(ctx context.Context, code string) (bool, error)
}

// DisabledGateway is used when no remote store is configured. Every call
// fails as unavailable so the engine runs on local state alone.
type DisabledGateway struct{}

var _ Gateway = DisabledGateway{}

func (DisabledGateway) Create(context.Context, CreateRequest) (string, error) {
	return "", RemoteUnavailable.Wrap(ErrGatewayDisabled)
}

func (DisabledGateway) FetchByCode(context.Context, string) (*Coupon, error) {
	return nil, RemoteUnavailable.Wrap(ErrGatewayDisabled)
}

func (DisabledGateway) FetchByID(context.Context, string) (*Coupon, error) {
	return nil, RemoteUnavailable.Wrap(ErrGatewayDisabled)
}

func (DisabledGateway) MarkUsed(context.Context, string) error {
	return RemoteUnavailable.Wrap(ErrGatewayDisabled)
}

func (DisabledGateway) Delete(context.Context, string) (bool, error) {
	return false, RemoteUnavailable.Wrap(ErrGatewayDisabled)
}

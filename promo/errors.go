/*
errors.go - Error classes and sentinels for the promo engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Collaborator packages (woocommerce, telegram, sqlstore) wrap their
  failures in these classes so callers can decide how to react without
  knowing which collaborator produced them.

ERROR CLASSES (zeebo/errs, test with Class.Has):
  ValidationError     - malformed operator input, rejected before persisting
  RemoteUnavailable   - transport failure reaching the coupon gateway
  RemoteInconsistency - gateway says "not found" for a code we think is active
  PersistenceError    - local ledger write failed; the only caller-visible class
  DeliveryError       - a notification could not be delivered to one user

SENTINELS (test with errors.Is):
  ErrCouponNotFound is the gateway's explicit negative answer. It must never
  be confused with RemoteUnavailable: the two lead to opposite decisions in
  reconciliation.

SEE ALSO:
  - reconcile.go: Reacts to RemoteUnavailable vs ErrCouponNotFound
  - ledger.go: Produces PersistenceError
*/
package promo

import (
	"errors"
	"fmt"

	"github.com/zeebo/errs"
)

// =============================================================================
// ERROR CLASSES
// =============================================================================

var (
	ValidationError     = errs.Class("validation")
	RemoteUnavailable   = errs.Class("remote unavailable")
	RemoteInconsistency = errs.Class("remote inconsistency")
	PersistenceError    = errs.Class("persistence")
	DeliveryError       = errs.Class("delivery")
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrCodeNotFound is returned when a code does not exist in the ledger.
	ErrCodeNotFound = errors.New("promo code not found")

	// ErrAlreadyUsed is returned when a user has already used a promo code.
	ErrAlreadyUsed = errors.New("promo code already used")

	// ErrCodeExpired is returned when every code a user holds has expired.
	ErrCodeExpired = errors.New("promo code expired")

	// ErrUserNotFound is returned when a user does not exist.
	ErrUserNotFound = errors.New("user not found")

	// ErrCouponNotFound is the gateway's explicit "no such coupon" answer.
	ErrCouponNotFound = errors.New("coupon not found")

	// ErrDuplicateCode is returned by stores when an insert hits an existing code.
	ErrDuplicateCode = errors.New("duplicate promo code")

	// ErrCodeSpaceExhausted is returned when every generation attempt collided.
	ErrCodeSpaceExhausted = errors.New("code generation attempts exhausted")

	// ErrInvalidCode is returned when a code does not match the accepted format.
	ErrInvalidCode = errors.New("invalid promo code format")

	// ErrRecipientBlocked is returned by transports when the user blocked delivery.
	ErrRecipientBlocked = errors.New("recipient blocked delivery")

	// ErrGatewayDisabled is returned by the disabled gateway.
	ErrGatewayDisabled = errors.New("coupon gateway disabled")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// SettingError describes a rejected settings value.
type SettingError struct {
	Key   string
	Value string
	Min   int
	Max   int
}

func (e *SettingError) Error() string {
	if e.Min == 0 && e.Max == 0 {
		return fmt.Sprintf("unknown setting %q", e.Key)
	}
	return fmt.Sprintf("%s must be an integer in [%d, %d], got %q", e.Key, e.Min, e.Max, e.Value)
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on a later attempt.
func IsRetryable(err error) bool {
	return RemoteUnavailable.Has(err) || DeliveryError.Has(err)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return ValidationError.Has(err) || errors.Is(err, ErrInvalidCode)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrCodeNotFound) ||
		errors.Is(err, ErrUserNotFound) ||
		errors.Is(err, ErrCouponNotFound)
}

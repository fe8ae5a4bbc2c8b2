package promo

import "time"

// ExpiryOf derives a code's expiry from its creation time and the validity
// duration in effect at evaluation time. Expiry is never stored.
func ExpiryOf(createdAt time.Time, durationDays int) time.Time {
	return createdAt.UTC().AddDate(0, 0, durationDays)
}

// IsExpired reports whether expiresAt has been reached. The boundary
// instant itself counts as expired.
func IsExpired(expiresAt, now time.Time) bool {
	return !now.Before(expiresAt)
}

package promo_test

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/promo-engine/promo"
	"github.com/warp/promo-engine/promo/promotest"
)

func TestIssue_SyncsRemotely(t *testing.T) {
	f := newFixture(t, promotest.NewGateway())
	ctx := context.Background()

	issued, err := f.service.Issue(ctx, 5)
	require.NoError(t, err)

	assert.True(t, issued.Created)
	assert.NoError(t, issued.SyncErr)
	assert.True(t, issued.Code.Synced)
	assert.NotEmpty(t, issued.Code.RemoteID)

	coupon, ok := f.gateway.Coupon(issued.Code.Code)
	require.True(t, ok)
	assert.Equal(t, 1, coupon.UsageLimit)
	require.NotNil(t, coupon.ExpiresAt)
	assert.Equal(t, t0.Add(7*day), *coupon.ExpiresAt)
}

func TestIssue_RemoteFailureStillReturnsLocalCode(t *testing.T) {
	// GIVEN: A remote store that is down
	f := newFixture(t, promotest.Unreachable())
	ctx := context.Background()

	// WHEN: Issuing a code
	issued, err := f.service.Issue(ctx, 5)

	// THEN: The local code is returned and the failure is recorded on it
	require.NoError(t, err)
	assert.True(t, promo.RemoteUnavailable.Has(issued.SyncErr))
	assert.False(t, issued.Code.Synced)
	assert.NotEmpty(t, issued.Code.SyncError)

	stored, err := f.ledger.Get(ctx, issued.Code.Code)
	require.NoError(t, err)
	assert.Equal(t, issued.Code.SyncError, stored.SyncError)
}

func TestIssueOrShow_ReusesValidCode(t *testing.T) {
	f := newFixture(t, promotest.NewGateway())
	ctx := context.Background()

	first, err := f.service.IssueOrShow(ctx, 9)
	require.NoError(t, err)
	assert.True(t, first.Created)

	f.clock.Advance(day)
	second, err := f.service.IssueOrShow(ctx, 9)
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.Equal(t, first.Code.Code, second.Code.Code)
}

func TestIssueOrShow_ExpiredCodeIsNotReplaced(t *testing.T) {
	// GIVEN: A user whose only code has expired unused
	f := newFixture(t, promotest.NewGateway())
	ctx := context.Background()
	_, err := f.service.IssueOrShow(ctx, 9)
	require.NoError(t, err)
	f.clock.Advance(8 * day)

	// WHEN: The user asks again
	_, err = f.service.IssueOrShow(ctx, 9)

	// THEN: The expiry is reported and nothing new is issued
	assert.ErrorIs(t, err, promo.ErrCodeExpired)
	codes, err := f.ledger.ListByUser(ctx, 9)
	require.NoError(t, err)
	assert.Len(t, codes, 1)
}

func TestIssueOrShow_UsedCodeIsNotReplaced(t *testing.T) {
	// GIVEN: A user who redeemed their code
	f := newFixture(t, promotest.NewGateway())
	ctx := context.Background()
	first, err := f.service.IssueOrShow(ctx, 9)
	require.NoError(t, err)
	ok, err := f.service.Redeem(ctx, first.Code.Code, "order-1")
	require.NoError(t, err)
	require.True(t, ok)

	// WHEN: The user asks again, repeatedly
	for i := 0; i < 3; i++ {
		_, err = f.service.IssueOrShow(ctx, 9)
		assert.ErrorIs(t, err, promo.ErrAlreadyUsed)
	}

	// THEN: The user still holds exactly one code
	codes, err := f.ledger.ListByUser(ctx, 9)
	require.NoError(t, err)
	assert.Len(t, codes, 1)
}

func TestIssueOrShow_RemoteUsageCountsAsUsed(t *testing.T) {
	// GIVEN: A code consumed on the shop but still unused locally
	f := newFixture(t, promotest.NewGateway())
	ctx := context.Background()
	first, err := f.service.IssueOrShow(ctx, 9)
	require.NoError(t, err)
	coupon, ok := f.gateway.Coupon(first.Code.Code)
	require.True(t, ok)
	coupon.UsageCount = 1
	f.gateway.Put(coupon)

	// WHEN: The user asks for a code
	_, err = f.service.IssueOrShow(ctx, 9)

	// THEN: The code is closed locally and no new one is issued
	assert.ErrorIs(t, err, promo.ErrAlreadyUsed)
	stored, err := f.ledger.Get(ctx, first.Code.Code)
	require.NoError(t, err)
	assert.True(t, stored.IsUsed)
	codes, _ := f.ledger.ListByUser(ctx, 9)
	assert.Len(t, codes, 1)
}

func TestInspect_NoHistory(t *testing.T) {
	f := newFixture(t, promotest.NewGateway())

	_, err := f.service.Inspect(context.Background(), 9)
	assert.ErrorIs(t, err, promo.ErrCodeNotFound)
}

func TestRedeem_PropagatesOnceToRemote(t *testing.T) {
	f := newFixture(t, promotest.NewGateway())
	ctx := context.Background()
	issued, err := f.service.Issue(ctx, 3)
	require.NoError(t, err)

	ok, err := f.service.Redeem(ctx, " "+issued.Code.Code+" ", "order-100")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = f.service.Redeem(ctx, issued.Code.Code, "order-101")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Equal(t, 1, f.gateway.CallCount("mark_used"))
	coupon, _ := f.gateway.Coupon(issued.Code.Code)
	assert.Equal(t, "private", coupon.Status)

	stored, _ := f.ledger.Get(ctx, issued.Code.Code)
	assert.Equal(t, "order-100", stored.OrderRef)
}

func TestRedeem_UnknownCode(t *testing.T) {
	f := newFixture(t, promotest.NewGateway())

	_, err := f.service.Redeem(context.Background(), "PLUMMY000000", "")
	assert.ErrorIs(t, err, promo.ErrCodeNotFound)
}

func TestRedeem_RemoteDownStillRedeemsLocally(t *testing.T) {
	f := newFixture(t, promotest.Unreachable())
	ctx := context.Background()
	issued, err := f.service.Issue(ctx, 3)
	require.NoError(t, err)

	ok, err := f.service.Redeem(ctx, issued.Code.Code, "order-1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRetryUnsynced(t *testing.T) {
	// GIVEN: Two codes issued while the remote was down
	gw := promotest.NewGateway()
	gw.CreateErr = promo.RemoteUnavailable.New("timeout")
	f := newFixture(t, gw)
	ctx := context.Background()
	a, err := f.service.Issue(ctx, 1)
	require.NoError(t, err)
	_, err = f.service.Issue(ctx, 2)
	require.NoError(t, err)

	// WHEN: The remote recovers and sync is retried
	gw.CreateErr = nil
	report, err := f.service.RetryUnsynced(ctx)

	// THEN: Both are synced
	require.NoError(t, err)
	assert.Equal(t, promo.SyncReport{Attempted: 2, Synced: 2}, report)
	stored, _ := f.ledger.Get(ctx, a.Code.Code)
	assert.True(t, stored.Synced)
	assert.Empty(t, stored.SyncError)

	again, err := f.service.RetryUnsynced(ctx)
	require.NoError(t, err)
	assert.Zero(t, again.Attempted)
}

func TestRetrySync_SingleCode(t *testing.T) {
	gw := promotest.NewGateway()
	gw.CreateErr = promo.RemoteUnavailable.New("timeout")
	f := newFixture(t, gw)
	ctx := context.Background()
	issued, err := f.service.Issue(ctx, 1)
	require.NoError(t, err)

	_, err = f.service.RetrySync(ctx, issued.Code.Code)
	assert.True(t, promo.IsRetryable(err))

	gw.CreateErr = nil
	code, err := f.service.RetrySync(ctx, issued.Code.Code)
	require.NoError(t, err)
	assert.True(t, code.Synced)
}

func TestDeleteRemote_NextInspectionClosesCode(t *testing.T) {
	f := newFixture(t, promotest.NewGateway())
	ctx := context.Background()
	issued, err := f.service.Issue(ctx, 1)
	require.NoError(t, err)

	deleted, err := f.service.DeleteRemote(ctx, issued.Code.Code)
	require.NoError(t, err)
	assert.True(t, deleted)

	rec, err := f.service.InspectCode(ctx, issued.Code.Code)
	require.NoError(t, err)
	assert.Equal(t, promo.OutcomeRemoved, rec.Outcome)

	deleted, err = f.service.DeleteRemote(ctx, issued.Code.Code)
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestStats_Rates(t *testing.T) {
	gw := promotest.NewGateway()
	f := newFixture(t, gw)
	ctx := context.Background()

	// Three codes: two synced, one used
	a, err := f.service.Issue(ctx, 1)
	require.NoError(t, err)
	_, err = f.service.Issue(ctx, 2)
	require.NoError(t, err)
	gw.CreateErr = promo.RemoteUnavailable.New("timeout")
	_, err = f.service.Issue(ctx, 3)
	require.NoError(t, err)
	_, err = f.service.Redeem(ctx, a.Code.Code, "o-1")
	require.NoError(t, err)

	stats, err := f.service.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 1, stats.Used)
	assert.Equal(t, 2, stats.Synced)
	assert.Equal(t, 1, stats.SyncErrors)
	assert.Equal(t, 2, stats.Active)
	assert.True(t, decimal.RequireFromString("33.33").Equal(stats.UsageRate), stats.UsageRate.String())
	assert.True(t, decimal.RequireFromString("66.67").Equal(stats.SyncRate), stats.SyncRate.String())
}

func TestStats_EmptyLedger(t *testing.T) {
	f := newFixture(t, promotest.NewGateway())

	stats, err := f.service.Stats(context.Background())
	require.NoError(t, err)
	assert.True(t, stats.UsageRate.IsZero())
	assert.True(t, stats.SyncRate.IsZero())
}

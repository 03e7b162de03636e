package credits_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/credit-ledger/credits"
)

// =============================================================================
// ADJUST TOTAL
// =============================================================================

func TestAdjustBucketTotal_BelowUsedFails(t *testing.T) {
	// GIVEN: total=10, used=3, expired=0
	// WHEN: Adjusting the total to 2
	// THEN: Invalid total (2 < 3), nothing changes

	h := newHarness(t)
	id := h.issue(t, alice, 10, days(30))
	_, err := h.engine.SpendCredits(context.Background(), alice, 3, nil, nil)
	require.NoError(t, err)

	err = h.engine.AdjustBucketTotal(context.Background(), id, 2, credits.Note{})

	var invalid *credits.InvalidTotalError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, int64(2), invalid.Requested)
	assert.Equal(t, int64(3), invalid.Minimum)
	assert.ErrorIs(t, err, credits.ErrInvalidTotal)
	assert.True(t, credits.IsClientError(err))

	b := h.bucket(t, id)
	assert.Equal(t, int64(10), b.Total)
	assert.Equal(t, int64(7), b.Remaining)
}

func TestAdjustBucketTotal_AppliesChangeToRemaining(t *testing.T) {
	h := newHarness(t)
	id := h.issue(t, alice, 10, days(30))
	_, err := h.engine.SpendCredits(context.Background(), alice, 3, nil, nil)
	require.NoError(t, err)

	require.NoError(t, h.engine.AdjustBucketTotal(context.Background(), id, 15, credits.Note{Private: "goodwill"}))
	b := h.bucket(t, id)
	assert.Equal(t, int64(15), b.Total)
	assert.Equal(t, int64(12), b.Remaining)

	require.NoError(t, h.engine.AdjustBucketTotal(context.Background(), id, 3, credits.Note{}))
	b = h.bucket(t, id)
	assert.Equal(t, int64(3), b.Total)
	assert.Zero(t, b.Remaining)

	txs := h.bucketTxs(t, id)
	require.Len(t, txs, 4)
	assert.Equal(t, int64(5), txs[2].Amount)
	assert.Equal(t, credits.ReasonTotalChanged, txs[2].ReasonCode)
	assert.Equal(t, "Total credits changed from 10 to 15.", txs[2].ReasonDescription)
	assert.Equal(t, "goodwill", txs[2].PrivateNote)
	assert.Equal(t, int64(-12), txs[3].Amount)

	h.assertLedgerConsistent(t, alice)
}

func TestAdjustBucketTotal_NoopWhenUnchanged(t *testing.T) {
	h := newHarness(t)
	id := h.issue(t, alice, 10, days(30))

	require.NoError(t, h.engine.AdjustBucketTotal(context.Background(), id, 10, credits.Note{}))
	assert.Len(t, h.bucketTxs(t, id), 1)
}

func TestAdjustBucketTotal_LapsedBucketFails(t *testing.T) {
	h := newHarness(t)
	id := h.issue(t, alice, 10, days(1))
	h.clock.Advance(days(2))

	err := h.engine.AdjustBucketTotal(context.Background(), id, 20, credits.Note{})
	assert.ErrorIs(t, err, credits.ErrBucketExpired)
}

func TestAdjustBucketTotal_UnknownBucket(t *testing.T) {
	h := newHarness(t)
	err := h.engine.AdjustBucketTotal(context.Background(), 999, 20, credits.Note{})
	assert.ErrorIs(t, err, credits.ErrBucketNotFound)
}

// =============================================================================
// CHANGE VALIDITY
// =============================================================================

func TestChangeBucketValidity_RecordsDateChange(t *testing.T) {
	h := newHarness(t)
	id := h.issue(t, alice, 10, days(10))
	newDate := t0.Add(days(40))

	require.NoError(t, h.engine.ChangeBucketValidity(context.Background(), id, newDate, credits.PublicNote("extended")))

	b := h.bucket(t, id)
	assert.Equal(t, newDate, b.ValidUntil)
	assert.Equal(t, int64(10), b.Remaining)

	txs := h.bucketTxs(t, id)
	require.Len(t, txs, 2)
	assert.Zero(t, txs[1].Amount)
	assert.Equal(t, credits.ReasonExtended, txs[1].ReasonCode)
	assert.Equal(t, "Credit validity changed from 2026-03-20 12:00 to 2026-04-19 12:00.", txs[1].ReasonDescription)
	assert.Equal(t, "extended", txs[1].PublicNote)
}

func TestChangeBucketValidity_NoopWhenUnchanged(t *testing.T) {
	h := newHarness(t)
	id := h.issue(t, alice, 10, days(10))

	require.NoError(t, h.engine.ChangeBucketValidity(context.Background(), id, t0.Add(days(10)), credits.Note{}))
	assert.Len(t, h.bucketTxs(t, id), 1)
}

func TestChangeBucketValidity_RevivesExpiredCredits(t *testing.T) {
	// GIVEN: A bucket with expired=4, remaining=0
	// WHEN: Its validity is moved into the future
	// THEN: expired=0, remaining=4 and a +4 revived transaction

	h := newHarness(t)
	id := h.issue(t, alice, 4, days(1))
	h.clock.Advance(days(2))
	_, err := h.engine.SweepExpired(context.Background(), nil)
	require.NoError(t, err)
	require.Equal(t, int64(4), h.bucket(t, id).Expired)

	require.NoError(t, h.engine.ChangeBucketValidity(context.Background(), id, h.clock.Now().Add(days(30)), credits.Note{}))

	b := h.bucket(t, id)
	assert.Zero(t, b.Expired)
	assert.Equal(t, int64(4), b.Remaining)

	txs := h.bucketTxs(t, id)
	last := txs[len(txs)-1]
	assert.Equal(t, int64(4), last.Amount)
	assert.Equal(t, credits.ReasonRevived, last.ReasonCode)
	h.assertLedgerConsistent(t, alice)
}

func TestChangeBucketValidity_PastDateExpiresImmediately(t *testing.T) {
	h := newHarness(t)
	id := h.issue(t, alice, 10, days(10))
	_, err := h.engine.SpendCredits(context.Background(), alice, 4, nil, nil)
	require.NoError(t, err)

	past := t0.Add(-time.Hour)
	require.NoError(t, h.engine.ChangeBucketValidity(context.Background(), id, past, credits.Note{}))

	b := h.bucket(t, id)
	assert.Equal(t, past, b.ValidUntil)
	assert.Zero(t, b.Remaining)
	assert.Equal(t, int64(6), b.Expired)
	assert.Equal(t, []string{credits.NotifyCreditsExpired}, h.notifier.Kinds())
	h.assertLedgerConsistent(t, alice)
}

func TestChangeBucketValidity_ResetsNoticeStage(t *testing.T) {
	h := newHarness(t)
	id := h.issue(t, alice, 10, days(5))
	_, err := h.engine.SendExpiryNotices(context.Background())
	require.NoError(t, err)
	require.NotNil(t, h.bucket(t, id).ExpiryNoticeStage)

	require.NoError(t, h.engine.ChangeBucketValidity(context.Background(), id, t0.Add(days(6)), credits.Note{}))
	assert.Nil(t, h.bucket(t, id).ExpiryNoticeStage)
}

// =============================================================================
// EXPIRE
// =============================================================================

func TestExpireBucket_MovesRemainingToExpired(t *testing.T) {
	h := newHarness(t)
	id := h.issue(t, alice, 10, days(10))
	_, err := h.engine.SpendCredits(context.Background(), alice, 3, nil, nil)
	require.NoError(t, err)

	require.NoError(t, h.engine.ExpireBucket(context.Background(), id, nil, credits.Note{}))

	b := h.bucket(t, id)
	assert.Zero(t, b.Remaining)
	assert.Equal(t, int64(7), b.Expired)
	assert.Equal(t, t0, b.ValidUntil, "validity is capped at now")

	require.Len(t, h.notifier.sent, 1)
	assert.Equal(t, alice, h.notifier.sent[0].Recipient)
	assert.Equal(t, int64(7), h.notifier.sent[0].Args["amount"])
	h.assertLedgerConsistent(t, alice)
}

func TestExpireBucket_NothingToExpire(t *testing.T) {
	h := newHarness(t)
	id := h.issue(t, alice, 2, days(10))
	_, err := h.engine.SpendCredits(context.Background(), alice, 2, nil, nil)
	require.NoError(t, err)

	err = h.engine.ExpireBucket(context.Background(), id, nil, credits.Note{})
	assert.ErrorIs(t, err, credits.ErrNothingToExpire)
	assert.Empty(t, h.notifier.Kinds())
}

func TestExpireBucket_KeepsEarlierValidity(t *testing.T) {
	h := newHarness(t)
	id := h.issue(t, alice, 2, days(1))
	h.clock.Advance(days(3))

	require.NoError(t, h.engine.ExpireBucket(context.Background(), id, nil, credits.Note{}))
	assert.Equal(t, t0.Add(days(1)), h.bucket(t, id).ValidUntil)
}

func TestExpireBucket_NotifierFailureDoesNotRollBack(t *testing.T) {
	h := newHarness(t)
	id := h.issue(t, alice, 5, days(10))
	h.notifier.fail = assert.AnError

	require.NoError(t, h.engine.ExpireBucket(context.Background(), id, nil, credits.Note{}))
	assert.Equal(t, int64(5), h.bucket(t, id).Expired)
}

func TestExpireNow_RequiresPrivateNote(t *testing.T) {
	h := newHarness(t)
	id := h.issue(t, alice, 5, days(10))

	err := h.engine.ExpireNow(context.Background(), id, nil, credits.PublicNote("bye"))
	assert.ErrorIs(t, err, credits.ErrNoteRequired)
	assert.Equal(t, int64(5), h.bucket(t, id).Remaining)

	reason := credits.NewReason(credits.ReasonOther, nil)
	require.NoError(t, h.engine.ExpireNow(context.Background(), id, reason, credits.Note{Private: "fraud review"}))

	txs := h.bucketTxs(t, id)
	last := txs[len(txs)-1]
	assert.Equal(t, int64(-5), last.Amount)
	assert.Equal(t, credits.ReasonOther, last.ReasonCode)
	assert.Equal(t, "fraud review", last.PrivateNote)
}

// =============================================================================
// PURCHASE
// =============================================================================

func TestCreditForPurchase(t *testing.T) {
	h := newHarness(t)
	validUntil := time.Date(2026, time.June, 30, 23, 59, 59, 0, time.UTC)

	shop := credits.Subject{UserID: 3}
	ok, err := h.engine.CreditForPurchase(context.Background(), shop, alice, 5, validUntil.Unix(), "order #42")
	assert.False(t, ok)
	assert.ErrorIs(t, err, credits.ErrForbidden)

	shop.Roles = []string{credits.RoleManage}
	ok, err = h.engine.CreditForPurchase(context.Background(), shop, alice, 5, validUntil.Unix(), "order #42")
	require.NoError(t, err)
	assert.True(t, ok)

	buckets, err := h.engine.Buckets(context.Background(), alice)
	require.NoError(t, err)
	require.Len(t, buckets, 1)
	assert.True(t, validUntil.Equal(buckets[0].ValidUntil))

	txs := h.bucketTxs(t, buckets[0].ID)
	require.Len(t, txs, 1)
	assert.Equal(t, credits.ReasonPurchase, txs[0].ReasonCode)
	assert.Equal(t, "Credits purchased, valid until 2026-06-30.", txs[0].ReasonDescription)
	assert.Equal(t, "order #42", txs[0].PublicNote)
	assert.Equal(t, int64(3), txs[0].ActingUserID)
}

package credits_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/credit-ledger/credits"
)

// =============================================================================
// REFUND BY OPERATION
// =============================================================================

func TestRefundOperation_RestoresEveryLeg(t *testing.T) {
	h := newHarness(t)
	a := h.issue(t, alice, 10, days(30))
	b := h.issue(t, alice, 5, days(10))

	opID, err := h.engine.SpendCredits(context.Background(), alice, 12, nil, nil)
	require.NoError(t, err)

	result, err := h.engine.RefundOperation(context.Background(), alice, opID, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(12), result.Refunded)
	assert.Zero(t, result.RefundedExpired)
	assert.Zero(t, result.RefundedExpiringSoon)

	assert.Equal(t, int64(10), h.bucket(t, a).Remaining)
	assert.Equal(t, int64(5), h.bucket(t, b).Remaining)

	txs := h.bucketTxs(t, b)
	require.Len(t, txs, 3)
	last := txs[2]
	assert.Equal(t, int64(5), last.Amount)
	assert.Equal(t, credits.ReasonRefunded, last.ReasonCode)
	assert.Empty(t, last.OperationID, "refund legs are not part of the spend operation")

	assert.Empty(t, h.notifier.Kinds(), "no manager notice for ordinary refunds")
	h.assertLedgerConsistent(t, alice)
}

func TestRefundOperation_RepeatIsClamped(t *testing.T) {
	// GIVEN: A spend of 12 across two buckets, already refunded once
	// WHEN: Refunding the same operation again
	// THEN: Nothing moves, counters stay within [0, total]

	h := newHarness(t)
	a := h.issue(t, alice, 10, days(30))
	b := h.issue(t, alice, 5, days(10))

	opID, err := h.engine.SpendCredits(context.Background(), alice, 12, nil, nil)
	require.NoError(t, err)
	_, err = h.engine.RefundOperation(context.Background(), alice, opID, nil)
	require.NoError(t, err)

	result, err := h.engine.RefundOperation(context.Background(), alice, opID, nil)
	require.NoError(t, err)
	assert.Zero(t, result.Refunded)

	for _, id := range []int64{a, b} {
		bk := h.bucket(t, id)
		assert.GreaterOrEqual(t, bk.Used, int64(0))
		assert.LessOrEqual(t, bk.Remaining, bk.Total)
		assert.LessOrEqual(t, bk.Expired, bk.Total)
		assert.Equal(t, bk.Total, bk.Remaining)
	}
	h.assertLedgerConsistent(t, alice)
}

func TestRefundOperation_ClampedByLaterRefunds(t *testing.T) {
	h := newHarness(t)
	id := h.issue(t, alice, 10, days(30))

	opID, err := h.engine.SpendCredits(context.Background(), alice, 6, nil, nil)
	require.NoError(t, err)
	require.NoError(t, h.engine.RefundQuantity(context.Background(), alice, 4, nil, nil))

	result, err := h.engine.RefundOperation(context.Background(), alice, opID, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), result.Refunded, "only what is still used can come back")

	bk := h.bucket(t, id)
	assert.Zero(t, bk.Used)
	assert.Equal(t, int64(10), bk.Remaining)
	h.assertLedgerConsistent(t, alice)
}

func TestRefundOperation_LapsedBucketRecordsExpiry(t *testing.T) {
	// GIVEN: 4 credits spent from a bucket that has since lapsed
	// WHEN: Refunding the operation
	// THEN: Credits land in Expired with a paired expired-after-refund
	//       transaction, and managers are notified

	h := newHarness(t)
	id := h.issue(t, alice, 10, days(10))
	opID, err := h.engine.SpendCredits(context.Background(), alice, 4, nil, nil)
	require.NoError(t, err)

	h.clock.Advance(days(11))

	result, err := h.engine.RefundOperation(context.Background(), alice, opID, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(4), result.Refunded)
	assert.Equal(t, int64(4), result.RefundedExpired)

	bk := h.bucket(t, id)
	assert.Zero(t, bk.Used)
	assert.Equal(t, int64(4), bk.Expired)
	assert.Equal(t, int64(6), bk.Remaining)

	txs := h.bucketTxs(t, id)
	require.Len(t, txs, 4)
	assert.Equal(t, int64(4), txs[2].Amount)
	assert.Equal(t, int64(-4), txs[3].Amount)
	assert.Equal(t, credits.ReasonExpiredAfterRefund, txs[3].ReasonCode)

	require.Len(t, h.notifier.sent, 1)
	notice := h.notifier.sent[0]
	assert.Equal(t, int64(900), notice.Recipient)
	assert.Equal(t, credits.NotifyExpiredRefund, notice.Kind)
	assert.Equal(t, int64(4), notice.Args["expired"])
	assert.Equal(t, opID, notice.Args["operation_id"])

	h.assertLedgerConsistent(t, alice)
}

func TestRefundOperation_ExpiringSoonNotifiesManagers(t *testing.T) {
	h := newHarness(t)
	h.issue(t, alice, 10, days(3))
	opID, err := h.engine.SpendCredits(context.Background(), alice, 2, nil, nil)
	require.NoError(t, err)

	result, err := h.engine.RefundOperation(context.Background(), alice, opID, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), result.RefundedExpiringSoon)
	assert.Zero(t, result.RefundedExpired)
	assert.Equal(t, []string{credits.NotifyExpiredRefund}, h.notifier.Kinds())
}

func TestRefundOperation_NotificationFailureKeepsRefund(t *testing.T) {
	h := newHarness(t)
	id := h.issue(t, alice, 10, days(3))
	opID, err := h.engine.SpendCredits(context.Background(), alice, 2, nil, nil)
	require.NoError(t, err)

	h.notifier.fail = assert.AnError
	_, err = h.engine.RefundOperation(context.Background(), alice, opID, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(10), h.bucket(t, id).Remaining)
}

func TestRefundOperation_UnknownOperation(t *testing.T) {
	h := newHarness(t)
	h.issue(t, alice, 10, days(3))
	opID, err := h.engine.SpendCredits(context.Background(), alice, 2, nil, nil)
	require.NoError(t, err)

	_, err = h.engine.RefundOperation(context.Background(), alice, "no-such-op", nil)
	assert.ErrorIs(t, err, credits.ErrNoTransactionsForOperation)
	assert.True(t, credits.IsNotFound(err))

	_, err = h.engine.RefundOperation(context.Background(), bob, opID, nil)
	assert.ErrorIs(t, err, credits.ErrNoTransactionsForOperation, "operation belongs to another user")
}

// =============================================================================
// REFUND BY QUANTITY
// =============================================================================

func TestRefundQuantity_LatestExpiringFirst(t *testing.T) {
	h := newHarness(t)
	soon := h.issue(t, alice, 5, days(10))
	later := h.issue(t, alice, 5, days(30))
	_, err := h.engine.SpendCredits(context.Background(), alice, 8, nil, nil)
	require.NoError(t, err)
	// soon: used 5, later: used 3

	require.NoError(t, h.engine.RefundQuantity(context.Background(), alice, 4, nil, nil))

	assert.Zero(t, h.bucket(t, later).Used)
	assert.Equal(t, int64(5), h.bucket(t, later).Remaining)
	assert.Equal(t, int64(4), h.bucket(t, soon).Used)
	assert.Equal(t, int64(1), h.bucket(t, soon).Remaining)
	h.assertLedgerConsistent(t, alice)
}

func TestRefundQuantity_RemainderGoesToExpiredBucket(t *testing.T) {
	// GIVEN: Only 2 credits were ever used
	// WHEN: Refunding 5
	// THEN: 2 go back, 3 are recorded in a bucket that is already expired

	h := newHarness(t)
	id := h.issue(t, alice, 5, days(10))
	_, err := h.engine.SpendCredits(context.Background(), alice, 2, nil, nil)
	require.NoError(t, err)

	require.NoError(t, h.engine.RefundQuantity(context.Background(), alice, 5, nil, nil))

	assert.Equal(t, int64(5), h.bucket(t, id).Remaining)

	buckets, err := h.store.ListBuckets(context.Background(), alice)
	require.NoError(t, err)
	require.Len(t, buckets, 2)
	var synthetic credits.Bucket
	for _, b := range buckets {
		if b.ID != id {
			synthetic = b
		}
	}
	assert.Equal(t, int64(3), synthetic.Total)
	assert.Equal(t, int64(3), synthetic.Expired)
	assert.Zero(t, synthetic.Remaining)
	assert.Equal(t, t0, synthetic.ValidUntil)

	txs := h.bucketTxs(t, synthetic.ID)
	require.Len(t, txs, 2)
	assert.Equal(t, int64(3), txs[0].Amount)
	assert.Equal(t, credits.ReasonRefunded, txs[0].ReasonCode)
	assert.Equal(t, int64(-3), txs[1].Amount)
	assert.Equal(t, credits.ReasonRefundAfterExpiry, txs[1].ReasonCode)

	h.assertLedgerConsistent(t, alice)
}

func TestRefundQuantity_ValidAsOfFiltersBuckets(t *testing.T) {
	h := newHarness(t)
	soon := h.issue(t, alice, 5, days(5))
	later := h.issue(t, alice, 5, days(40))
	_, err := h.engine.SpendCredits(context.Background(), alice, 10, nil, nil)
	require.NoError(t, err)

	asOf := t0.Add(days(20))
	require.NoError(t, h.engine.RefundQuantity(context.Background(), alice, 7, nil, &asOf))

	assert.Equal(t, int64(5), h.bucket(t, soon).Used, "bucket lapsing before validAsOf is skipped")
	assert.Zero(t, h.bucket(t, later).Used)
	h.assertLedgerConsistent(t, alice)
}

func TestRefundQuantity_RejectsNonPositive(t *testing.T) {
	h := newHarness(t)
	assert.ErrorIs(t, h.engine.RefundQuantity(context.Background(), alice, 0, nil, nil), credits.ErrInvalidQuantity)
}

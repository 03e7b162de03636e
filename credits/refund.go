/*
refund.go - Returning spent credits

TWO ALGORITHMS:
  RefundOperation: Reverses the legs of one spend, bucket by bucket. This
                   is the canonical refund.
  RefundQuantity:  Legacy. Returns a quantity to whichever buckets have
                   been used, latest expiring first, regardless of which
                   spend consumed them.

LAPSED BUCKETS:
  Credits refunded into a bucket whose validity has passed cannot be used.
  They are recorded twice, once returned and once expired, so the audit
  trail shows the refund while the balance stays unchanged. Managers are
  told about such refunds, and about refunds into buckets that lapse
  within the expiring-soon window.

CLAMPING:
  A leg returns at most the bucket's current Used. Refunding the same
  operation twice therefore cannot push Used below zero or the other
  counters above Total.
*/
package credits

import (
	"context"
	"time"

	"github.com/warp/credit-ledger/metrics"
)

// RefundResult summarizes a RefundOperation.
type RefundResult struct {
	OperationID string

	// Refunded is the total returned across all legs.
	Refunded int64

	// RefundedExpired went into buckets that had already lapsed.
	RefundedExpired int64

	// RefundedExpiringSoon went into buckets lapsing within the window.
	RefundedExpiringSoon int64
}

// RefundOperation reverses every spend leg of operationID for userID.
func (e *Engine) RefundOperation(ctx context.Context, userID int64, operationID string, reason Reason) (RefundResult, error) {
	reason = orDefault(reason, ReasonRefunded)

	unlock, err := e.lockUser(ctx, userID)
	if err != nil {
		return RefundResult{}, err
	}
	defer unlock()

	var result RefundResult
	err = e.atomically(ctx, "refund_operation", func(s Store) error {
		result = RefundResult{OperationID: operationID}

		legs, err := s.Transactions(ctx, TransactionFilter{UserID: userID, OperationID: operationID})
		if err != nil {
			return err
		}
		if len(legs) == 0 {
			return ErrNoTransactionsForOperation
		}

		now := e.Now()
		soon := now.Add(e.expiringSoon)
		for _, leg := range legs {
			if leg.Amount >= 0 {
				continue
			}
			b, err := s.GetBucket(ctx, leg.BucketID)
			if err != nil {
				return err
			}

			give := min(-leg.Amount, b.Used)
			lapsed := b.IsLapsedAt(now)
			b.Used -= give
			if lapsed {
				b.Expired += give
			} else {
				b.Remaining += give
			}
			if err := save(ctx, s, &b); err != nil {
				return err
			}
			if err := e.record(ctx, s, b, give, reason, Note{}, ""); err != nil {
				return err
			}

			result.Refunded += give
			switch {
			case lapsed && give > 0:
				if err := e.record(ctx, s, b, -give, NewReason(ReasonExpiredAfterRefund, nil), Note{}, ""); err != nil {
					return err
				}
				result.RefundedExpired += give
			case !lapsed && !b.ValidUntil.After(soon):
				result.RefundedExpiringSoon += give
			}
		}
		return nil
	})
	if err != nil {
		return RefundResult{}, err
	}

	e.metrics.AddCredits(metrics.FlowRefunded, result.Refunded)
	e.metrics.AddCredits(metrics.FlowExpired, result.RefundedExpired)
	e.log.Info(e.log.WithFields(ctx, map[string]any{
		"user_id":       userID,
		"operation_id":  operationID,
		"refunded":      result.Refunded,
		"expired":       result.RefundedExpired,
		"expiring_soon": result.RefundedExpiringSoon,
	}), "operation refunded")

	if result.RefundedExpired > 0 || result.RefundedExpiringSoon > 0 {
		e.notifyManagers(ctx, map[string]any{
			"user_id":       userID,
			"operation_id":  operationID,
			"expired":       result.RefundedExpired,
			"expiring_soon": result.RefundedExpiringSoon,
			"window_days":   int(e.expiringSoon / (24 * time.Hour)),
		})
	}
	return result, nil
}

// RefundQuantity returns quantity credits to userID's used buckets, latest
// expiring first. Only buckets still valid after now (and at validAsOf,
// when given) take refunds. Whatever cannot be placed is recorded in a new
// bucket that is expired from the start.
//
// Deprecated: use RefundOperation, which reverses the exact buckets a
// spend drew from.
func (e *Engine) RefundQuantity(ctx context.Context, userID, quantity int64, reason Reason, validAsOf *time.Time) error {
	if quantity <= 0 {
		return ErrInvalidQuantity
	}
	reason = orDefault(reason, ReasonRefunded)

	unlock, err := e.lockUser(ctx, userID)
	if err != nil {
		return err
	}
	defer unlock()

	err = e.atomically(ctx, "refund_quantity", func(s Store) error {
		now := e.Now()
		buckets, err := s.RefundableBuckets(ctx, userID, now)
		if err != nil {
			return err
		}

		toRefund := quantity
		for _, b := range buckets {
			if toRefund == 0 {
				break
			}
			if validAsOf != nil && b.ValidUntil.Before(*validAsOf) {
				continue
			}
			give := min(toRefund, b.Used)
			b.Used -= give
			b.Remaining += give
			if err := save(ctx, s, &b); err != nil {
				return err
			}
			if err := e.record(ctx, s, b, give, reason, Note{}, ""); err != nil {
				return err
			}
			toRefund -= give
		}

		if toRefund == 0 {
			return nil
		}

		// Nothing left to absorb the rest: keep a trace of it in a bucket
		// that lapses immediately.
		b := Bucket{
			UserID:     userID,
			Total:      toRefund,
			Expired:    toRefund,
			CreatedAt:  now,
			ValidUntil: now,
		}
		id, err := s.CreateBucket(ctx, b)
		if err != nil {
			return err
		}
		b.ID = id
		if err := e.record(ctx, s, b, toRefund, reason, Note{}, ""); err != nil {
			return err
		}
		return e.record(ctx, s, b, -toRefund, NewReason(ReasonRefundAfterExpiry, nil), Note{}, "")
	})
	if err != nil {
		return err
	}

	e.metrics.AddCredits(metrics.FlowRefunded, quantity)
	e.log.Info(e.log.WithFields(ctx, map[string]any{
		"user_id":  userID,
		"quantity": quantity,
	}), "credits refunded by quantity")
	return nil
}

func (e *Engine) notifyManagers(ctx context.Context, args map[string]any) {
	ids, err := e.managers.Managers(ctx)
	if err != nil {
		e.log.Error(ctx, "list managers", err)
		return
	}
	for _, id := range ids {
		e.notify(ctx, id, NotifyExpiredRefund, args)
	}
}

package credits

import (
	"context"
	"time"

	"github.com/warp/credit-ledger/metrics"
)

// IssueCredits creates a bucket of amount credits for userID, valid until
// validUntil, and records the grant. It returns the new bucket id.
func (e *Engine) IssueCredits(ctx context.Context, userID, amount int64, validUntil time.Time, reason Reason, note Note) (int64, error) {
	if amount <= 0 {
		return 0, ErrInvalidQuantity
	}
	if !validDate(validUntil) {
		return 0, ErrInvalidValidity
	}
	reason = orDefault(reason, ReasonOther)

	var bucketID int64
	err := e.atomically(ctx, "issue", func(s Store) error {
		now := e.Now()
		b := Bucket{
			UserID:     userID,
			Total:      amount,
			Remaining:  amount,
			CreatedAt:  now,
			ValidUntil: validUntil,
		}
		id, err := s.CreateBucket(ctx, b)
		if err != nil {
			return err
		}
		b.ID = id
		bucketID = id
		return e.record(ctx, s, b, amount, reason, note, "")
	})
	if err != nil {
		return 0, err
	}

	e.metrics.AddCredits(metrics.FlowIssued, amount)
	e.log.Info(e.log.WithFields(ctx, map[string]any{
		"user_id":   userID,
		"bucket_id": bucketID,
		"amount":    amount,
		"reason":    reason.Code(),
	}), "credits issued")
	return bucketID, nil
}

// validDate reports whether t can be stored and rendered as a date.
func validDate(t time.Time) bool {
	return !t.IsZero() && t.Year() >= 1 && t.Year() <= 9999
}

// SpendCredits draws quantity credits from userID's available buckets,
// soonest expiring first. Every draw is recorded under one fresh operation
// id, which is returned for later refund. When the buckets cannot cover
// quantity, nothing is persisted and an *InsufficientCreditsError is
// returned.
//
// validAsOf, when later than now, restricts the draw to buckets still
// valid at that time.
func (e *Engine) SpendCredits(ctx context.Context, userID, quantity int64, reason Reason, validAsOf *time.Time) (string, error) {
	if quantity <= 0 {
		return "", ErrInvalidQuantity
	}
	reason = orDefault(reason, ReasonSpent)

	unlock, err := e.lockUser(ctx, userID)
	if err != nil {
		return "", err
	}
	defer unlock()

	opID := e.newOpID()
	err = e.atomically(ctx, "spend", func(s Store) error {
		asOf := e.Now()
		if validAsOf != nil && validAsOf.After(asOf) {
			asOf = *validAsOf
		}

		buckets, err := s.AvailableBuckets(ctx, userID, asOf)
		if err != nil {
			return err
		}

		toSpend := quantity
		for _, b := range buckets {
			if toSpend == 0 {
				break
			}
			draw := min(toSpend, b.Remaining)
			if draw <= 0 {
				continue
			}
			b.Used += draw
			b.Remaining -= draw
			if err := save(ctx, s, &b); err != nil {
				return err
			}
			if err := e.record(ctx, s, b, -draw, reason, Note{}, opID); err != nil {
				return err
			}
			toSpend -= draw
		}

		if toSpend > 0 {
			return &InsufficientCreditsError{
				UserID:    userID,
				Required:  quantity,
				Available: quantity - toSpend,
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	e.metrics.AddCredits(metrics.FlowSpent, quantity)
	e.log.Info(e.log.WithFields(ctx, map[string]any{
		"user_id":      userID,
		"quantity":     quantity,
		"operation_id": opID,
	}), "credits spent")
	return opID, nil
}

package credits

import (
	"context"
	"time"

	"github.com/warp/credit-ledger/metrics"
)

// AdjustBucketTotal changes the total of a live bucket. The new total may
// not drop below what was already used or expired; the difference is
// applied to Remaining.
func (e *Engine) AdjustBucketTotal(ctx context.Context, bucketID, newTotal int64, note Note) error {
	var change int64
	err := e.atomically(ctx, "adjust_total", func(s Store) error {
		change = 0

		b, err := s.GetBucket(ctx, bucketID)
		if err != nil {
			return err
		}
		if b.ValidUntil.Before(e.Now()) {
			return ErrBucketExpired
		}
		if floor := b.Used + b.Expired; newTotal < floor {
			return &InvalidTotalError{BucketID: b.ID, Requested: newTotal, Minimum: floor}
		}
		if newTotal == b.Total {
			return nil
		}

		from := b.Total
		change = newTotal - b.Total
		b.Total = newTotal
		b.Remaining = max(0, b.Remaining+change)
		if err := save(ctx, s, &b); err != nil {
			return err
		}
		reason := NewReason(ReasonTotalChanged, map[string]any{"from": from, "to": newTotal})
		return e.record(ctx, s, b, change, reason, note, "")
	})
	if err != nil {
		return err
	}
	if change != 0 {
		e.metrics.AddCredits(metrics.FlowAdjusted, abs(change))
		e.log.Info(e.log.WithFields(ctx, map[string]any{
			"bucket_id": bucketID,
			"change":    change,
		}), "bucket total adjusted")
	}
	return nil
}

// ChangeBucketValidity moves a bucket's expiry date and resets its notice
// stage. Extending a bucket with expired credits into the future revives
// them. Moving a bucket with remaining credits to now or the past expires
// it immediately.
func (e *Engine) ChangeBucketValidity(ctx context.Context, bucketID int64, validUntil time.Time, note Note) error {
	if !validDate(validUntil) {
		return ErrInvalidValidity
	}

	var (
		revived int64
		expired Bucket
		lapsed  int64
	)
	err := e.atomically(ctx, "change_validity", func(s Store) error {
		revived, lapsed = 0, 0

		b, err := s.GetBucket(ctx, bucketID)
		if err != nil {
			return err
		}
		if b.ValidUntil.Equal(validUntil) {
			return nil
		}

		from := b.ValidUntil
		b.ValidUntil = validUntil
		b.ExpiryNoticeStage = nil
		if err := save(ctx, s, &b); err != nil {
			return err
		}
		reason := NewReason(ReasonExtended, map[string]any{
			"from": e.formatDateTime(from),
			"to":   e.formatDateTime(validUntil),
		})
		if err := e.record(ctx, s, b, 0, reason, note, ""); err != nil {
			return err
		}

		now := e.Now()
		switch {
		case validUntil.After(now) && b.Expired > 0:
			revived = b.Expired
			b.Remaining += b.Expired
			b.Expired = 0
			if err := save(ctx, s, &b); err != nil {
				return err
			}
			return e.record(ctx, s, b, revived, NewReason(ReasonRevived, nil), Note{}, "")

		case !validUntil.After(now) && b.Remaining > 0:
			lapsed, err = e.expire(ctx, s, &b, NewReason(ReasonExpired, nil), Note{})
			expired = b
			return err
		}
		return nil
	})
	if err != nil {
		return err
	}

	if revived > 0 {
		e.metrics.AddCredits(metrics.FlowRevived, revived)
	}
	if lapsed > 0 {
		e.afterExpire(ctx, expired, lapsed)
	}
	e.log.Info(e.log.WithFields(ctx, map[string]any{
		"bucket_id":   bucketID,
		"valid_until": validUntil,
		"revived":     revived,
		"expired":     lapsed,
	}), "bucket validity changed")
	return nil
}

// ExpireBucket moves the remaining credits of a bucket to expired and
// caps its validity at now. The owner is notified after commit.
func (e *Engine) ExpireBucket(ctx context.Context, bucketID int64, reason Reason, note Note) error {
	reason = orDefault(reason, ReasonExpired)

	var (
		b      Bucket
		amount int64
	)
	err := e.atomically(ctx, "expire", func(s Store) error {
		var err error
		b, err = s.GetBucket(ctx, bucketID)
		if err != nil {
			return err
		}
		amount, err = e.expire(ctx, s, &b, reason, note)
		return err
	})
	if err != nil {
		return err
	}
	e.afterExpire(ctx, b, amount)
	return nil
}

// ExpireNow is the manager-facing expiry. A private note explaining the
// decision is mandatory.
func (e *Engine) ExpireNow(ctx context.Context, bucketID int64, reason Reason, note Note) error {
	if note.Private == "" {
		return ErrNoteRequired
	}
	return e.ExpireBucket(ctx, bucketID, reason, note)
}

// expire applies the expiry to b inside an open unit and returns the
// amount that lapsed.
func (e *Engine) expire(ctx context.Context, s Store, b *Bucket, reason Reason, note Note) (int64, error) {
	if b.Remaining <= 0 {
		return 0, ErrNothingToExpire
	}
	amount := b.Remaining
	b.Expired += amount
	b.Remaining = 0
	if now := e.Now(); now.Before(b.ValidUntil) {
		b.ValidUntil = now
	}
	if err := save(ctx, s, b); err != nil {
		return 0, err
	}
	if err := e.record(ctx, s, *b, -amount, reason, note, ""); err != nil {
		return 0, err
	}
	return amount, nil
}

func (e *Engine) afterExpire(ctx context.Context, b Bucket, amount int64) {
	e.metrics.AddCredits(metrics.FlowExpired, amount)
	e.log.Info(e.log.WithFields(ctx, map[string]any{
		"user_id":   b.UserID,
		"bucket_id": b.ID,
		"amount":    amount,
	}), "credits expired")
	e.notify(ctx, b.UserID, NotifyCreditsExpired, map[string]any{
		"bucket_id": b.ID,
		"amount":    amount,
		"expired":   e.formatDate(b.ValidUntil),
	})
}

func abs(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}

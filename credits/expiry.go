/*
expiry.go - Periodic sweeps

SWEEPS:
  SweepExpired:      Expires every bucket whose validity passed with credits left
  SendExpiryNotices: Warns owners ahead of expiry, in stages (7/30/90 days)

ISOLATION:
  Each bucket is processed in its own atomic unit. A failure is logged and
  counted, and the sweep moves on to the next bucket.

RE-ENTRANCY:
  Both sweeps re-read the bucket inside its unit and re-check the
  condition that selected it. Running a sweep twice in a row does nothing
  the second time: an expired bucket has no remaining credits, and a
  notice stage is never sent twice for the same validity period.
*/
package credits

import (
	"context"
	"errors"
	"time"
)

// SweepResult summarizes a SweepExpired run.
type SweepResult struct {
	Expired int
	Skipped int
	Failed  int
	Credits int64
}

// NoticeResult summarizes a SendExpiryNotices run.
type NoticeResult struct {
	Sent    int
	Skipped int
	Failed  int
}

// SweepExpired expires lapsed buckets, oldest validity first. A nil userID
// sweeps every user.
func (e *Engine) SweepExpired(ctx context.Context, userID *int64) (SweepResult, error) {
	var result SweepResult

	now := e.Now()
	buckets, err := e.store.LapsedBuckets(ctx, userID, now)
	if err != nil {
		return result, err
	}

	reason := NewReason(ReasonExpired, nil)
	for _, candidate := range buckets {
		bctx := e.log.WithFields(ctx, map[string]any{
			"bucket_id": candidate.ID,
			"user_id":   candidate.UserID,
		})

		var (
			b      Bucket
			amount int64
		)
		err := e.atomically(ctx, "sweep_expire", func(s Store) error {
			var err error
			b, err = s.GetBucket(ctx, candidate.ID)
			if err != nil {
				return err
			}
			if !b.IsLapsedAt(e.Now()) {
				return ErrNothingToExpire
			}
			amount, err = e.expire(ctx, s, &b, reason, Note{})
			return err
		})

		switch {
		case errors.Is(err, ErrNothingToExpire):
			result.Skipped++
		case err != nil:
			result.Failed++
			e.log.Error(bctx, "expire bucket", err)
		default:
			result.Expired++
			result.Credits += amount
			e.afterExpire(ctx, b, amount)
		}
	}

	e.log.Info(e.log.WithFields(ctx, map[string]any{
		"expired": result.Expired,
		"skipped": result.Skipped,
		"failed":  result.Failed,
		"credits": result.Credits,
	}), "expiry sweep finished")
	return result, nil
}

// SendExpiryNotices warns owners of buckets that will lapse soon. Stages
// are processed from the closest threshold outwards so that each bucket
// receives the finest notice it qualifies for, once.
func (e *Engine) SendExpiryNotices(ctx context.Context) (NoticeResult, error) {
	var result NoticeResult

	now := e.Now()
	for _, stage := range e.noticeStages {
		until := now.Add(time.Duration(stage) * 24 * time.Hour)
		candidates, err := e.store.NoticeCandidates(ctx, now, until, stage)
		if err != nil {
			return result, err
		}

		for _, b := range candidates {
			bctx := e.log.WithFields(ctx, map[string]any{
				"bucket_id": b.ID,
				"user_id":   b.UserID,
				"stage":     stage,
			})

			if !noticeDue(b, now, until, stage) {
				result.Skipped++
				continue
			}

			args := map[string]any{
				"bucket_id":   b.ID,
				"remaining":   b.Remaining,
				"valid_until": e.formatDate(b.ValidUntil),
				"days":        stage,
			}
			if err := e.notifier.Notify(ctx, b.UserID, NotifyExpiryNotice, args); err != nil {
				result.Failed++
				e.log.Error(bctx, "send expiry notice", err)
				continue
			}

			err := e.atomically(ctx, "expiry_notice", func(s Store) error {
				fresh, err := s.GetBucket(ctx, b.ID)
				if err != nil {
					return err
				}
				st := stage
				fresh.ExpiryNoticeStage = &st
				if err := save(ctx, s, &fresh); err != nil {
					return err
				}
				reason := NewReason(ReasonExpiryNotice, map[string]any{"days": stage})
				return e.record(ctx, s, fresh, 0, reason, Note{}, "")
			})
			if err != nil {
				result.Failed++
				e.log.Error(bctx, "record expiry notice", err)
				continue
			}
			result.Sent++
		}
	}

	e.log.Info(e.log.WithFields(ctx, map[string]any{
		"sent":    result.Sent,
		"skipped": result.Skipped,
		"failed":  result.Failed,
	}), "expiry notices finished")
	return result, nil
}

func noticeDue(b Bucket, from, until time.Time, stage int) bool {
	if b.Remaining <= 0 || b.ValidUntil.Before(from) || b.ValidUntil.After(until) {
		return false
	}
	return b.ExpiryNoticeStage == nil || *b.ExpiryNoticeStage > stage
}

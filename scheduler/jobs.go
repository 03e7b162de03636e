package scheduler

import (
	"context"
	"fmt"

	"github.com/warp/credit-ledger/credits"
)

// Job names.
const (
	JobExpireCredits     = "expire_credits"
	JobSendExpiryNotices = "send_expiry_notices"
)

// Sweeper is the part of credits.Engine the jobs drive.
type Sweeper interface {
	SweepExpired(ctx context.Context, userID *int64) (credits.SweepResult, error)
	SendExpiryNotices(ctx context.Context) (credits.NoticeResult, error)
}

// ExpireJob expires every lapsed bucket.
type ExpireJob struct {
	Engine Sweeper
}

func (ExpireJob) Name() string { return JobExpireCredits }

func (j ExpireJob) Run(ctx context.Context) (Result, error) {
	res, err := j.Engine.SweepExpired(ctx, nil)
	result := Result{
		Processed: res.Expired,
		Skipped:   res.Skipped,
		Failed:    res.Failed,
		Credits:   res.Credits,
	}
	if err != nil {
		return result, err
	}
	if res.Failed > 0 {
		return result, fmt.Errorf("%d buckets failed to expire", res.Failed)
	}
	return result, nil
}

// NoticeJob sends the staged expiry notices.
type NoticeJob struct {
	Engine Sweeper
}

func (NoticeJob) Name() string { return JobSendExpiryNotices }

func (j NoticeJob) Run(ctx context.Context) (Result, error) {
	res, err := j.Engine.SendExpiryNotices(ctx)
	result := Result{
		Processed: res.Sent,
		Skipped:   res.Skipped,
		Failed:    res.Failed,
	}
	if err != nil {
		return result, err
	}
	if res.Failed > 0 {
		return result, fmt.Errorf("%d expiry notices failed", res.Failed)
	}
	return result, nil
}

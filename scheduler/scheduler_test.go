package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/credit-ledger/credits"
	"github.com/warp/credit-ledger/credits/store"
	"github.com/warp/credit-ledger/lock"
	"github.com/warp/credit-ledger/metrics"
)

type testJob struct {
	mu     sync.Mutex
	name   string
	result Result
	err    error
	runs   int
}

func (j *testJob) Name() string { return j.name }

func (j *testJob) Run(context.Context) (Result, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.runs++
	return j.result, j.err
}

func (j *testJob) Runs() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.runs
}

type recorder struct {
	mu   sync.Mutex
	runs []Run
}

func (r *recorder) RecordRun(_ context.Context, run Run) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, run)
	return nil
}

// =============================================================================
// SCHEDULER
// =============================================================================

func TestScheduler_RunNowRecordsRun(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec := &recorder{}
	s := New(Options{Lock: lock.NewLocal(), Recorder: rec, Metrics: metrics.NewJobs(reg)})

	ok := &testJob{name: "ok", result: Result{Processed: 2, Credits: 9}}
	bad := &testJob{name: "bad", err: errors.New("boom")}
	s.Register(ok, time.Hour)
	s.Register(bad, time.Hour)
	assert.Equal(t, []string{"ok", "bad"}, s.Jobs())

	run, err := s.RunNow(context.Background(), "ok")
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, run.Status)
	assert.Equal(t, int64(9), run.Result.Credits)

	run, err = s.RunNow(context.Background(), "bad")
	require.NoError(t, err, "a failed job is still a run")
	assert.Equal(t, StatusFailed, run.Status)
	assert.Equal(t, "boom", run.Error)

	require.Len(t, rec.runs, 2)
	assert.Equal(t, "ok", rec.runs[0].Job)
	assert.Equal(t, StatusFailed, rec.runs[1].Status)

	mfs, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, mfs)

	_, err = s.RunNow(context.Background(), "missing")
	assert.Error(t, err)
}

func TestScheduler_SkipsWhenLockHeld(t *testing.T) {
	// GIVEN: another instance holds the job lock
	l := lock.NewLocal()
	release, ok, err := l.TryAcquire(context.Background(), "credits:scheduler:sweep")
	require.NoError(t, err)
	require.True(t, ok)

	rec := &recorder{}
	s := New(Options{Lock: l, Recorder: rec})
	job := &testJob{name: "sweep"}
	s.Register(job, time.Hour)

	// WHEN: running the job
	_, err = s.RunNow(context.Background(), "sweep")

	// THEN: it is skipped and nothing is recorded
	assert.ErrorIs(t, err, ErrLocked)
	assert.Zero(t, job.Runs())
	assert.Empty(t, rec.runs)

	release()
	_, err = s.RunNow(context.Background(), "sweep")
	require.NoError(t, err)
	assert.Equal(t, 1, job.Runs())
}

func TestScheduler_StartRunsImmediatelyAndStops(t *testing.T) {
	s := New(Options{Enabled: true, Lock: lock.NewLocal()})
	job := &testJob{name: "tick"}
	s.Register(job, 10*time.Millisecond)

	s.Start()
	s.Start() // no-op while running
	assert.Eventually(t, func() bool { return job.Runs() >= 2 }, time.Second, 5*time.Millisecond)
	s.Stop()

	after := job.Runs()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, after, job.Runs())
	s.Stop() // idempotent
}

func TestScheduler_DisabledDoesNotStart(t *testing.T) {
	s := New(Options{Enabled: false})
	job := &testJob{name: "never"}
	s.Register(job, time.Millisecond)

	s.Start()
	time.Sleep(10 * time.Millisecond)
	s.Stop()
	assert.Zero(t, job.Runs())
}

func TestScheduler_FailureMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	jobs := metrics.NewJobs(reg)
	s := New(Options{Metrics: jobs})
	s.Register(&testJob{name: "bad", err: errors.New("x")}, time.Hour)

	_, err := s.RunNow(context.Background(), "bad")
	require.NoError(t, err)

	failures, err := testutil.GatherAndCount(reg, "credits_job_failure_total")
	require.NoError(t, err)
	assert.Equal(t, 1, failures)
	successes, err := testutil.GatherAndCount(reg, "credits_job_success_total")
	require.NoError(t, err)
	assert.Zero(t, successes)
}

// =============================================================================
// LEDGER JOBS
// =============================================================================

func TestExpireJob_SweepsLapsedBuckets(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)
	clock := now
	mem := store.NewMemory()
	engine, err := credits.New(credits.Options{Store: mem, Clock: func() time.Time { return clock }})
	require.NoError(t, err)

	// GIVEN: two buckets that lapse tomorrow, one that does not
	_, err = engine.IssueCredits(ctx, 1, 4, now.Add(24*time.Hour), nil, credits.Note{})
	require.NoError(t, err)
	_, err = engine.IssueCredits(ctx, 2, 6, now.Add(24*time.Hour), nil, credits.Note{})
	require.NoError(t, err)
	_, err = engine.IssueCredits(ctx, 1, 1, now.Add(30*24*time.Hour), nil, credits.Note{})
	require.NoError(t, err)
	clock = now.Add(48 * time.Hour)

	// WHEN: the job runs through the scheduler
	rec := &recorder{}
	s := New(Options{Recorder: rec})
	s.Register(ExpireJob{Engine: engine}, time.Hour)
	run, err := s.RunNow(ctx, JobExpireCredits)
	require.NoError(t, err)

	// THEN: both lapsed buckets were expired
	assert.Equal(t, StatusSucceeded, run.Status)
	assert.Equal(t, 2, run.Result.Processed)
	assert.Equal(t, int64(10), run.Result.Credits)

	// AND: running again does nothing
	run, err = s.RunNow(ctx, JobExpireCredits)
	require.NoError(t, err)
	assert.Zero(t, run.Result.Processed)
}

type fakeSweeper struct {
	notices credits.NoticeResult
	err     error
}

func (f fakeSweeper) SweepExpired(context.Context, *int64) (credits.SweepResult, error) {
	return credits.SweepResult{Expired: 1, Failed: 2}, nil
}

func (f fakeSweeper) SendExpiryNotices(context.Context) (credits.NoticeResult, error) {
	return f.notices, f.err
}

func TestJobs_ReportPartialFailures(t *testing.T) {
	res, err := ExpireJob{Engine: fakeSweeper{}}.Run(context.Background())
	assert.ErrorContains(t, err, "2 buckets failed")
	assert.Equal(t, 1, res.Processed)

	res, err = NoticeJob{Engine: fakeSweeper{notices: credits.NoticeResult{Sent: 3}}}.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, res.Processed)

	_, err = NoticeJob{Engine: fakeSweeper{err: errors.New("db gone")}}.Run(context.Background())
	assert.ErrorContains(t, err, "db gone")
}

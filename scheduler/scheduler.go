/*
Package scheduler runs the periodic ledger sweeps.

PURPOSE:
  Expires lapsed buckets and sends staged expiry notices without anyone
  having to call the engine. Each job runs on its own interval.

DESIGN:
  - One background goroutine and ticker per registered job
  - Each run first takes a cluster lock keyed by the job name, so with
    several instances only one of them sweeps; the others skip the cycle
  - Every run is recorded (status, counts, error) for audit and display
  - Job duration and outcome feed the metrics.Jobs collectors

CONFIGURATION:
  - Interval per job (defaults to 1 hour)
  - Enabled: Whether the scheduler starts at all

USAGE:
  s := scheduler.New(scheduler.Options{Lock: lock.NewLocal(), Logger: log})
  s.Register(scheduler.ExpireJob{Engine: engine}, time.Hour)
  s.Start()
  // ... later
  s.Stop()

SEE ALSO:
  - jobs.go: ExpireJob, NoticeJob
  - credits/expiry.go: The sweeps themselves
*/
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/warp/credit-ledger/logging"
	"github.com/warp/credit-ledger/metrics"
)

const defaultInterval = time.Hour

var (
	// ErrLocked is returned by RunNow when another instance holds the job lock.
	ErrLocked = errors.New("job running on another instance")

	// ErrUnknownJob is returned by RunNow for a name that was never registered.
	ErrUnknownJob = errors.New("unknown job")
)

// Run statuses.
const (
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// Result counts what a job run did.
type Result struct {
	Processed int
	Skipped   int
	Failed    int
	Credits   int64
}

// Job is one periodic task.
type Job interface {
	Name() string
	Run(ctx context.Context) (Result, error)
}

// ClusterLock makes one non-blocking attempt to take key. Implemented by
// lock.Local and lock.Redis.
type ClusterLock interface {
	TryAcquire(ctx context.Context, key string) (release func(), ok bool, err error)
}

// Run is the record of one job execution.
type Run struct {
	Job        string
	Status     string
	Result     Result
	Error      string
	StartedAt  time.Time
	FinishedAt time.Time
}

// RunRecorder persists job runs.
type RunRecorder interface {
	RecordRun(ctx context.Context, run Run) error
}

// RunRecorderFunc adapts a function to RunRecorder.
type RunRecorderFunc func(ctx context.Context, run Run) error

func (f RunRecorderFunc) RecordRun(ctx context.Context, run Run) error { return f(ctx, run) }

// Options configures a Scheduler. Lock is required when several instances
// share a database.
type Options struct {
	Lock     ClusterLock
	Recorder RunRecorder
	Logger   *logging.Logger
	Metrics  *metrics.Jobs
	Clock    func() time.Time
	Enabled  bool

	// LockPrefix namespaces the per-job lock keys.
	LockPrefix string
}

type entry struct {
	job      Job
	interval time.Duration
}

// Scheduler triggers registered jobs on their intervals.
type Scheduler struct {
	lock       ClusterLock
	recorder   RunRecorder
	log        *logging.Logger
	metrics    *metrics.Jobs
	clock      func() time.Time
	enabled    bool
	lockPrefix string

	entries []entry
	stop    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// New creates a scheduler. Jobs are added with Register.
func New(opts Options) *Scheduler {
	s := &Scheduler{
		lock:       opts.Lock,
		recorder:   opts.Recorder,
		log:        opts.Logger,
		metrics:    opts.Metrics,
		clock:      opts.Clock,
		enabled:    opts.Enabled,
		lockPrefix: opts.LockPrefix,
	}
	if s.log == nil {
		s.log = logging.Nop()
	}
	if s.clock == nil {
		s.clock = time.Now
	}
	if s.lockPrefix == "" {
		s.lockPrefix = "credits:scheduler:"
	}
	return s
}

// Register adds job, run every interval once started.
func (s *Scheduler) Register(job Job, interval time.Duration) {
	if job == nil {
		return
	}
	if interval <= 0 {
		interval = defaultInterval
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry{job: job, interval: interval})
}

// Jobs returns the registered job names in registration order.
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.entries))
	for _, e := range s.entries {
		names = append(names, e.job.Name())
	}
	return names
}

// Start launches one loop per job. Each job runs once immediately.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx := context.Background()
	if !s.enabled {
		s.log.Info(ctx, "scheduler disabled, not starting")
		return
	}
	if s.running {
		return
	}

	s.stop = make(chan struct{})
	s.running = true
	for _, e := range s.entries {
		s.wg.Add(1)
		go s.loop(e, s.stop)
		jctx := s.log.WithFields(ctx, map[string]any{"job": e.job.Name(), "interval": e.interval.String()})
		s.log.Info(jctx, "scheduler job started")
	}
}

// Stop stops every loop and waits for in-flight runs.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	close(s.stop)
	s.wg.Wait()
	s.running = false
	s.log.Info(context.Background(), "scheduler stopped")
}

func (s *Scheduler) loop(e entry, stop <-chan struct{}) {
	defer s.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	s.runJob(ctx, e.job)
	for {
		select {
		case <-ticker.C:
			s.runJob(ctx, e.job)
		case <-ctx.Done():
			return
		}
	}
}

// RunNow runs the named job immediately, in the caller's goroutine.
func (s *Scheduler) RunNow(ctx context.Context, name string) (Run, error) {
	s.mu.Lock()
	var job Job
	for _, e := range s.entries {
		if e.job.Name() == name {
			job = e.job
		}
	}
	s.mu.Unlock()

	if job == nil {
		return Run{}, fmt.Errorf("%w: %q", ErrUnknownJob, name)
	}
	run, ran := s.runJob(ctx, job)
	if !ran {
		if run.Error != "" {
			return run, fmt.Errorf("job %q: %s", name, run.Error)
		}
		return run, fmt.Errorf("%w: %s", ErrLocked, name)
	}
	return run, nil
}

// runJob runs job under its cluster lock. ran is false when another
// instance holds the lock.
func (s *Scheduler) runJob(ctx context.Context, job Job) (run Run, ran bool) {
	jctx := s.log.WithFields(ctx, map[string]any{"job": job.Name(), "event": "scheduler.job"})

	if s.lock != nil {
		release, ok, err := s.lock.TryAcquire(jctx, s.lockPrefix+job.Name())
		if err != nil {
			s.log.Error(jctx, "failed to acquire job lock", err)
			s.metrics.IncFailure(job.Name())
			return Run{Job: job.Name(), Status: StatusFailed, Error: err.Error()}, false
		}
		if !ok {
			s.log.Info(jctx, "job running on another instance, skipping")
			return Run{Job: job.Name()}, false
		}
		defer release()
	}

	run = Run{Job: job.Name(), StartedAt: s.clock()}
	start := time.Now()
	result, err := job.Run(jctx)
	duration := time.Since(start)
	run.FinishedAt = s.clock()
	run.Result = result
	s.metrics.ObserveDuration(job.Name(), duration)

	jctx = s.log.WithFields(jctx, map[string]any{
		"duration_ms": duration.Milliseconds(),
		"processed":   result.Processed,
		"skipped":     result.Skipped,
		"failed":      result.Failed,
	})
	if err != nil {
		run.Status = StatusFailed
		run.Error = err.Error()
		s.metrics.IncFailure(job.Name())
		s.log.Error(jctx, "job failed", err)
	} else {
		run.Status = StatusSucceeded
		s.metrics.IncSuccess(job.Name())
		if result.Processed > 0 || result.Failed > 0 {
			s.log.Info(jctx, "job completed")
		} else {
			s.log.Debug(jctx, "job completed, nothing to do")
		}
	}

	if s.recorder != nil {
		// The run happened; record it even if the loop is shutting down.
		if err := s.recorder.RecordRun(context.WithoutCancel(jctx), run); err != nil {
			s.log.Error(jctx, "failed to record job run", err)
		}
	}
	return run, true
}

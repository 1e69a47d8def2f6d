// Package scheduler runs the ledger's background jobs: switching the active
// term when the calendar crosses into a new window and the nightly balance
// rebuild. When several workers run side by side, a Guard makes sure each
// firing executes on one of them only.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

var (
	ErrNilJob                  = errors.New("job cannot be nil")
	ErrNilSchedule             = errors.New("schedule cannot be nil")
	ErrJobAlreadyExists        = errors.New("job already exists")
	ErrJobNotFound             = errors.New("job not found")
	ErrJobRunning              = errors.New("job is already running")
	ErrJobPanicked             = errors.New("job panicked")
	ErrSchedulerAlreadyRunning = errors.New("scheduler is already running")
	ErrSchedulerNotRunning     = errors.New("scheduler is not running")
)

// Job is a unit of background work. Run's context is cancelled on Stop.
type Job interface {
	Name() string
	Description() string
	Run(ctx context.Context) error
}

// Schedule yields the next firing strictly after t.
type Schedule interface {
	Next(t time.Time) time.Time
	String() string
}

// Guard grants a job run to a single instance.
// TryAcquire reports ok=false when another instance holds the run.
type Guard interface {
	TryAcquire(ctx context.Context, jobName string, ttl time.Duration) (release func(), ok bool, err error)
}

// JobResult describes one firing. Skipped runs were held by another instance
// and count as successful.
type JobResult struct {
	JobName     string
	Manual      bool
	StartedAt   time.Time
	CompletedAt time.Time
	Duration    time.Duration
	Success     bool
	Skipped     bool
	Error       error
}

// JobInfo is a read-only view of a registered job.
type JobInfo struct {
	Name        string
	Description string
	Schedule    string
	LastRun     time.Time
	NextRun     time.Time
	RunCount    int64
	FailCount   int64
	LastResult  *JobResult
}

// SchedulerConfig configures a Scheduler. Zero values get defaults.
type SchedulerConfig struct {
	Logger   *slog.Logger
	Timezone *time.Location // default UTC

	// Guard, when set, restricts each run to one instance for GuardTTL (default 15m).
	Guard    Guard
	GuardTTL time.Duration

	// TickInterval is how often due jobs are checked (default 1s).
	TickInterval time.Duration
}

type entry struct {
	job       Job
	schedule  Schedule
	nextRun   time.Time
	lastRun   time.Time
	running   bool
	runCount  int64
	failCount int64
	last      *JobResult
}

// Scheduler fires registered jobs on their schedules. A job never overlaps
// itself within one process; the Guard extends that across processes.
type Scheduler struct {
	log      *slog.Logger
	tz       *time.Location
	guard    Guard
	guardTTL time.Duration
	tick     time.Duration
	now      func() time.Time

	mu        sync.Mutex
	jobs      map[string]*entry
	running   bool
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startedAt time.Time

	onComplete func(JobResult)
	onError    func(jobName string, err error)
}

func NewScheduler(cfg SchedulerConfig) *Scheduler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Timezone == nil {
		cfg.Timezone = time.UTC
	}
	if cfg.GuardTTL <= 0 {
		cfg.GuardTTL = 15 * time.Minute
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	return &Scheduler{
		log:      cfg.Logger,
		tz:       cfg.Timezone,
		guard:    cfg.Guard,
		guardTTL: cfg.GuardTTL,
		tick:     cfg.TickInterval,
		now:      time.Now,
		jobs:     make(map[string]*entry),
	}
}

// Register adds job; its first firing is computed from the current time.
func (s *Scheduler) Register(job Job, schedule Schedule) error {
	if job == nil {
		return ErrNilJob
	}
	if schedule == nil {
		return ErrNilSchedule
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	name := job.Name()
	if _, ok := s.jobs[name]; ok {
		return fmt.Errorf("%w: %s", ErrJobAlreadyExists, name)
	}
	e := &entry{job: job, schedule: schedule, nextRun: schedule.Next(s.now().In(s.tz))}
	s.jobs[name] = e

	s.log.Info("job registered", "job", name, "schedule", schedule.String(), "next_run", e.nextRun.Format(time.RFC3339))
	return nil
}

// OnJobComplete is called after every firing, skipped ones included.
func (s *Scheduler) OnJobComplete(fn func(JobResult)) {
	s.mu.Lock()
	s.onComplete = fn
	s.mu.Unlock()
}

// OnJobError is called after a failed firing.
func (s *Scheduler) OnJobError(fn func(jobName string, err error)) {
	s.mu.Lock()
	s.onError = fn
	s.mu.Unlock()
}

// Start launches the tick loop. Jobs inherit ctx.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrSchedulerAlreadyRunning
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.running = true
	s.startedAt = s.now()
	n := len(s.jobs)
	s.mu.Unlock()

	s.log.Info("scheduler started", "jobs", n, "timezone", s.tz.String())

	s.wg.Add(1)
	go s.loop()
	return nil
}

// Stop cancels running jobs and waits for them to return.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrSchedulerNotRunning
	}
	s.running = false
	s.cancel()
	s.mu.Unlock()

	s.wg.Wait()
	s.log.Info("scheduler stopped", "uptime", s.now().Sub(s.startedAt).String())
	return nil
}

func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) loop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.checkAndRunJobs()
		}
	}
}

// checkAndRunJobs starts every due job that is not already running.
// A job that was due several times while busy fires once.
func (s *Scheduler) checkAndRunJobs() {
	now := s.now().In(s.tz)

	s.mu.Lock()
	var due []*entry
	for _, e := range s.jobs {
		if e.running || e.nextRun.IsZero() || now.Before(e.nextRun) {
			continue
		}
		e.running = true
		e.lastRun = now
		e.nextRun = e.schedule.Next(now)
		e.runCount++
		due = append(due, e)
	}
	ctx := s.ctx
	s.mu.Unlock()

	for _, e := range due {
		s.wg.Add(1)
		go func(e *entry) {
			defer s.wg.Done()
			s.execute(ctx, e, false)
		}(e)
	}
}

// RunNow fires a job immediately, outside its schedule. The Guard still
// applies, so a run held elsewhere comes back Skipped.
func (s *Scheduler) RunNow(ctx context.Context, name string) (JobResult, error) {
	s.mu.Lock()
	e, ok := s.jobs[name]
	switch {
	case !ok:
		s.mu.Unlock()
		return JobResult{}, fmt.Errorf("%w: %s", ErrJobNotFound, name)
	case e.running:
		s.mu.Unlock()
		return JobResult{}, fmt.Errorf("%w: %s", ErrJobRunning, name)
	}
	e.running = true
	e.lastRun = s.now()
	e.runCount++
	s.mu.Unlock()

	res := s.execute(ctx, e, true)
	return res, res.Error
}

func (s *Scheduler) execute(ctx context.Context, e *entry, manual bool) JobResult {
	name := e.job.Name()
	res := JobResult{JobName: name, Manual: manual, StartedAt: s.now()}

	defer func() {
		s.mu.Lock()
		e.running = false
		s.mu.Unlock()
	}()

	if s.guard != nil {
		release, ok, err := s.guard.TryAcquire(ctx, name, s.guardTTL)
		if err != nil {
			res.Error = fmt.Errorf("acquire guard: %w", err)
			return s.record(e, res)
		}
		if !ok {
			s.log.Debug("job held by another instance", "job", name)
			res.Skipped = true
			return s.record(e, res)
		}
		defer release()
	}

	s.log.Info("job started", "job", name, "manual", manual)
	res.Error = s.safeRun(ctx, e.job)
	return s.record(e, res)
}

func (s *Scheduler) safeRun(ctx context.Context, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrJobPanicked, r)
		}
	}()
	return job.Run(ctx)
}

func (s *Scheduler) record(e *entry, res JobResult) JobResult {
	res.CompletedAt = s.now()
	res.Duration = res.CompletedAt.Sub(res.StartedAt)
	res.Success = res.Error == nil

	s.mu.Lock()
	if !res.Success {
		e.failCount++
	}
	last := res
	e.last = &last
	onComplete, onError := s.onComplete, s.onError
	s.mu.Unlock()

	switch {
	case res.Error != nil:
		s.log.Error("job failed", "job", res.JobName, "duration", res.Duration.String(), "error", res.Error)
		if onError != nil {
			onError(res.JobName, res.Error)
		}
	case !res.Skipped:
		s.log.Info("job completed", "job", res.JobName, "duration", res.Duration.String())
	}

	if onComplete != nil {
		onComplete(res)
	}
	return res
}

// ListJobs returns registered jobs sorted by name.
func (s *Scheduler) ListJobs() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]JobInfo, 0, len(s.jobs))
	for name, e := range s.jobs {
		out = append(out, JobInfo{
			Name:        name,
			Description: e.job.Description(),
			Schedule:    e.schedule.String(),
			LastRun:     e.lastRun,
			NextRun:     e.nextRun,
			RunCount:    e.runCount,
			FailCount:   e.failCount,
			LastResult:  e.last,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

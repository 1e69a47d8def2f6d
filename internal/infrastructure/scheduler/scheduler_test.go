package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/school-fee-ledger/pkg/logger"
)

type countingJob struct {
	name  string
	runs  atomic.Int32
	err   error
	block chan struct{}
	panic bool
}

func (j *countingJob) Name() string        { return j.name }
func (j *countingJob) Description() string { return "test job" }
func (j *countingJob) Run(ctx context.Context) error {
	j.runs.Add(1)
	if j.block != nil {
		<-j.block
	}
	if j.panic {
		panic("boom")
	}
	return j.err
}

type denyGuard struct{}

func (denyGuard) TryAcquire(context.Context, string, time.Duration) (func(), bool, error) {
	return nil, false, nil
}

type recordingGuard struct {
	mu       sync.Mutex
	acquired []string
	released int
}

func (g *recordingGuard) TryAcquire(_ context.Context, name string, _ time.Duration) (func(), bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.acquired = append(g.acquired, name)
	return func() {
		g.mu.Lock()
		g.released++
		g.mu.Unlock()
	}, true, nil
}

// every fires at fixed intervals; tests use it instead of cron.
type every time.Duration

func (e every) Next(t time.Time) time.Time { return t.Add(time.Duration(e)) }
func (e every) String() string             { return "@every " + time.Duration(e).String() }

func newTestScheduler(cfg SchedulerConfig) *Scheduler {
	cfg.Logger = logger.NopSlog()
	return NewScheduler(cfg)
}

func jobInfo(t *testing.T, s *Scheduler, name string) JobInfo {
	t.Helper()
	for _, j := range s.ListJobs() {
		if j.Name == name {
			return j
		}
	}
	t.Fatalf("job %q not registered", name)
	return JobInfo{}
}

func TestParseCronExpression(t *testing.T) {
	ce, err := ParseCronExpression("30 2 * * *")
	require.NoError(t, err)

	from := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2024, 3, 2, 2, 30, 0, 0, time.UTC), ce.Next(from))

	weekdays := MustParseCronExpression("0 6 * * 1-5")
	// 2024-03-02 is a Saturday
	assert.Equal(t, time.Date(2024, 3, 4, 6, 0, 0, 0, time.UTC), weekdays.Next(from))

	every := MustParseCronExpression("*/15 * * * *")
	assert.Equal(t, time.Date(2024, 3, 1, 10, 15, 0, 0, time.UTC), every.Next(from))
}

func TestParseCronExpression_Invalid(t *testing.T) {
	for _, expr := range []string{
		"* * * *",
		"61 * * * *",
		"*/0 * * * *",
		"5-1 * * * *",
		"a-b/2 * * * *",
		"x * * * *",
	} {
		_, err := ParseCronExpression(expr)
		assert.Error(t, err, expr)
	}
}

func TestCronExpression_DayFields(t *testing.T) {
	// 1st of the month or any Monday
	ce := MustParseCronExpression("0 9 1 * 1")
	from := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC), ce.Next(from))

	// never matches
	assert.True(t, MustParseCronExpression("0 0 30 2 *").Next(from).IsZero())

	lists := MustParseCronExpression("0,30 8-9 * 1,4,7,10 *")
	assert.Equal(t, time.Date(2024, 4, 1, 8, 0, 0, 0, time.UTC), lists.Next(from))
}

func TestCronExpression_SchoolTimezone(t *testing.T) {
	nairobi := time.FixedZone("EAT", 3*60*60)
	ce := MustParseCronExpression("5 0 * * *")

	// 22:00 UTC is already 01:00 the next day in Nairobi
	from := time.Date(2024, 1, 7, 22, 0, 0, 0, time.UTC).In(nairobi)
	next := ce.Next(from)
	assert.True(t, next.Equal(time.Date(2024, 1, 9, 0, 5, 0, 0, nairobi)), next.String())
	assert.Equal(t, "5 0 * * *", ce.String())
}

func TestRegister_Duplicate(t *testing.T) {
	s := newTestScheduler(SchedulerConfig{})
	job := &countingJob{name: "a"}
	require.NoError(t, s.Register(job, every(time.Hour)))
	assert.ErrorIs(t, s.Register(job, every(time.Hour)), ErrJobAlreadyExists)
	assert.ErrorIs(t, s.Register(nil, every(time.Hour)), ErrNilJob)
	assert.ErrorIs(t, s.Register(&countingJob{name: "b"}, nil), ErrNilSchedule)
}

func TestRunNow_RecordsResult(t *testing.T) {
	guard := &recordingGuard{}
	s := newTestScheduler(SchedulerConfig{Guard: guard})
	fail := &countingJob{name: "fail", err: errors.New("nope")}
	require.NoError(t, s.Register(fail, every(time.Hour)))

	res, err := s.RunNow(context.Background(), "fail")
	require.Error(t, err)
	assert.False(t, res.Success)
	assert.True(t, res.Manual)

	info := jobInfo(t, s, "fail")
	assert.EqualValues(t, 1, info.RunCount)
	assert.EqualValues(t, 1, info.FailCount)
	require.NotNil(t, info.LastResult)
	assert.False(t, info.LastResult.Success)
	assert.Equal(t, []string{"fail"}, guard.acquired)
	assert.Equal(t, 1, guard.released)

	_, err = s.RunNow(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestRunNow_GuardHeldElsewhere(t *testing.T) {
	s := newTestScheduler(SchedulerConfig{Guard: denyGuard{}})
	job := &countingJob{name: "guarded"}
	require.NoError(t, s.Register(job, every(time.Hour)))

	res, err := s.RunNow(context.Background(), "guarded")
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.EqualValues(t, 0, job.runs.Load())
}

func TestRunNow_RecoversPanic(t *testing.T) {
	s := newTestScheduler(SchedulerConfig{})
	require.NoError(t, s.Register(&countingJob{name: "p", panic: true}, every(time.Hour)))

	_, err := s.RunNow(context.Background(), "p")
	assert.ErrorIs(t, err, ErrJobPanicked)
}

func TestCheckAndRunJobs_SkipsRunningJob(t *testing.T) {
	s := newTestScheduler(SchedulerConfig{})
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	s.ctx = context.Background()

	job := &countingJob{name: "slow", block: make(chan struct{})}
	require.NoError(t, s.Register(job, every(time.Minute)))

	now = now.Add(2 * time.Minute)
	s.checkAndRunJobs()
	require.Eventually(t, func() bool { return job.runs.Load() == 1 }, time.Second, 5*time.Millisecond)

	// still running: a second due tick must not start another copy
	now = now.Add(2 * time.Minute)
	s.checkAndRunJobs()

	_, err := s.RunNow(context.Background(), "slow")
	assert.ErrorIs(t, err, ErrJobRunning)

	close(job.block)
	s.wg.Wait()
	assert.EqualValues(t, 1, job.runs.Load())
}

func TestHooks(t *testing.T) {
	s := newTestScheduler(SchedulerConfig{})
	require.NoError(t, s.Register(&countingJob{name: "ok"}, every(time.Hour)))
	require.NoError(t, s.Register(&countingJob{name: "bad", err: errors.New("down")}, every(time.Hour)))

	var completed []string
	var failed []string
	s.OnJobComplete(func(r JobResult) { completed = append(completed, r.JobName) })
	s.OnJobError(func(name string, _ error) { failed = append(failed, name) })

	_, err := s.RunNow(context.Background(), "ok")
	require.NoError(t, err)
	_, err = s.RunNow(context.Background(), "bad")
	require.Error(t, err)

	assert.Equal(t, []string{"ok", "bad"}, completed)
	assert.Equal(t, []string{"bad"}, failed)

	names := []string{}
	for _, j := range s.ListJobs() {
		names = append(names, j.Name)
	}
	assert.Equal(t, []string{"bad", "ok"}, names)
}

func TestStartStop(t *testing.T) {
	s := newTestScheduler(SchedulerConfig{TickInterval: 10 * time.Millisecond})
	require.NoError(t, s.Start(context.Background()))
	assert.True(t, s.IsRunning())
	assert.ErrorIs(t, s.Start(context.Background()), ErrSchedulerAlreadyRunning)
	require.NoError(t, s.Stop())
	assert.ErrorIs(t, s.Stop(), ErrSchedulerNotRunning)
}

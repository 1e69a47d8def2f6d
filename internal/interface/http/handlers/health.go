package handlers

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// HealthChecker reports the state of the service and its dependencies.
type HealthChecker interface {
	Check(ctx context.Context) HealthStatus
}

// HealthCheckFunc probes one dependency; a non-nil error marks it unhealthy.
type HealthCheckFunc func(ctx context.Context) error

// HealthStatus is served by /health. A service is unhealthy when a required
// check fails and degraded when only optional ones do; a degraded ledger
// still takes payments.
type HealthStatus struct {
	Healthy   bool                   `json:"healthy"`
	Ready     bool                   `json:"ready"`
	Degraded  bool                   `json:"degraded,omitempty"`
	Message   string                 `json:"message,omitempty"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
	Uptime    string                 `json:"uptime,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Version   string                 `json:"version,omitempty"`
}

type CheckResult struct {
	Healthy  bool   `json:"healthy"`
	Optional bool   `json:"optional,omitempty"`
	Message  string `json:"message,omitempty"`
	Duration string `json:"duration,omitempty"`
}

type registeredCheck struct {
	name     string
	fn       HealthCheckFunc
	optional bool
}

// CompositeHealthChecker runs its checks concurrently, each bounded by a
// five second timeout.
type CompositeHealthChecker struct {
	mu      sync.RWMutex
	checks  []registeredCheck
	started time.Time
	version string
	timeout time.Duration
}

func NewCompositeHealthChecker(version string) *CompositeHealthChecker {
	return &CompositeHealthChecker{
		started: time.Now(),
		version: version,
		timeout: 5 * time.Second,
	}
}

// AddCheck registers a check that gates readiness (the database).
func (c *CompositeHealthChecker) AddCheck(name string, fn HealthCheckFunc) {
	c.add(registeredCheck{name: name, fn: fn})
}

// AddOptionalCheck registers a check that only degrades the service (Redis).
func (c *CompositeHealthChecker) AddOptionalCheck(name string, fn HealthCheckFunc) {
	c.add(registeredCheck{name: name, fn: fn, optional: true})
}

func (c *CompositeHealthChecker) add(rc registeredCheck) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks = append(c.checks, rc)
}

func (c *CompositeHealthChecker) Check(ctx context.Context) HealthStatus {
	c.mu.RLock()
	checks := append([]registeredCheck(nil), c.checks...)
	c.mu.RUnlock()

	results := make([]CheckResult, len(checks))
	var wg sync.WaitGroup
	for i, rc := range checks {
		wg.Add(1)
		go func(i int, rc registeredCheck) {
			defer wg.Done()
			results[i] = c.run(ctx, rc)
		}(i, rc)
	}
	wg.Wait()

	status := HealthStatus{
		Healthy:   true,
		Ready:     true,
		Checks:    make(map[string]CheckResult, len(checks)),
		Uptime:    time.Since(c.started).Round(time.Second).String(),
		Timestamp: time.Now().UTC(),
		Version:   c.version,
		Message:   "All checks passed",
	}

	var failed, degraded []string
	for i, rc := range checks {
		res := results[i]
		status.Checks[rc.name] = res
		switch {
		case res.Healthy:
		case rc.optional:
			degraded = append(degraded, rc.name)
		default:
			failed = append(failed, rc.name)
		}
	}
	sort.Strings(failed)
	sort.Strings(degraded)

	switch {
	case len(failed) > 0:
		status.Healthy, status.Ready = false, false
		status.Message = "Some checks failed: " + strings.Join(failed, ", ")
	case len(degraded) > 0:
		status.Degraded = true
		status.Message = "Degraded: " + strings.Join(degraded, ", ")
	}
	return status
}

func (c *CompositeHealthChecker) run(ctx context.Context, rc registeredCheck) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	err := rc.fn(ctx)
	res := CheckResult{
		Healthy:  err == nil,
		Optional: rc.optional,
		Duration: time.Since(start).Round(time.Millisecond).String(),
		Message:  "OK",
	}
	if err != nil {
		res.Message = err.Error()
	}
	return res
}

// Pinger is the database pool or the Redis cache.
type Pinger interface {
	Ping(ctx context.Context) error
}

func NewPingCheck(p Pinger) HealthCheckFunc {
	return p.Ping
}

// Breaker is the part of a circuit breaker the health check needs.
type Breaker interface {
	Name() string
	IsOpen() bool
}

// NewBreakerCheck fails while the breaker is open, i.e. while balance reads
// bypass the cache.
func NewBreakerCheck(b Breaker) HealthCheckFunc {
	return func(context.Context) error {
		if b.IsOpen() {
			return fmt.Errorf("circuit %s is open", b.Name())
		}
		return nil
	}
}

// NoopHealthChecker is used when the server is built without checks.
type NoopHealthChecker struct {
	started time.Time
}

func NewNoopHealthChecker() *NoopHealthChecker {
	return &NoopHealthChecker{started: time.Now()}
}

func (n *NoopHealthChecker) Check(context.Context) HealthStatus {
	return HealthStatus{
		Healthy:   true,
		Ready:     true,
		Message:   "OK",
		Uptime:    time.Since(n.started).Round(time.Second).String(),
		Timestamp: time.Now().UTC(),
	}
}

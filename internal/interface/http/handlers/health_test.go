package handlers

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeBreaker struct{ open bool }

func (f fakeBreaker) Name() string { return "balance-cache" }
func (f fakeBreaker) IsOpen() bool { return f.open }

func TestCompositeHealthChecker(t *testing.T) {
	c := NewCompositeHealthChecker("v1")
	c.AddCheck("database", func(context.Context) error { return nil })
	c.AddOptionalCheck("redis", func(context.Context) error { return errors.New("connection refused") })
	c.AddOptionalCheck("balance_cache_breaker", NewBreakerCheck(fakeBreaker{open: true}))

	s := c.Check(context.Background())
	assert.True(t, s.Healthy)
	assert.True(t, s.Ready)
	assert.True(t, s.Degraded)
	assert.Equal(t, "Degraded: balance_cache_breaker, redis", s.Message)
	assert.Equal(t, "connection refused", s.Checks["redis"].Message)
	assert.Equal(t, "circuit balance-cache is open", s.Checks["balance_cache_breaker"].Message)
	assert.Equal(t, "v1", s.Version)

	c.AddCheck("database_replica", func(context.Context) error { return errors.New("down") })
	s = c.Check(context.Background())
	assert.False(t, s.Healthy)
	assert.False(t, s.Ready)
	assert.Equal(t, "Some checks failed: database_replica", s.Message)
}

func TestCompositeHealthChecker_TimesOut(t *testing.T) {
	c := NewCompositeHealthChecker("v1")
	c.timeout = 20 * time.Millisecond
	c.AddCheck("database", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	s := c.Check(context.Background())
	assert.False(t, s.Ready)
	assert.Equal(t, context.DeadlineExceeded.Error(), s.Checks["database"].Message)
}

func TestCompositeHealthChecker_Empty(t *testing.T) {
	s := NewCompositeHealthChecker("v1").Check(context.Background())
	assert.True(t, s.Healthy)
	assert.Equal(t, "All checks passed", s.Message)
	assert.True(t, NewNoopHealthChecker().Check(context.Background()).Ready)
}

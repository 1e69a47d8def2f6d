// Package app builds the fee ledger's dependency graph from configuration.
// The API server and the worker share it so both binaries coordinate
// through the same locks, cache and event channel.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/alem-hub/school-fee-ledger/config"
	"github.com/alem-hub/school-fee-ledger/internal/application/command"
	"github.com/alem-hub/school-fee-ledger/internal/application/eventhandler"
	"github.com/alem-hub/school-fee-ledger/internal/application/query"
	"github.com/alem-hub/school-fee-ledger/internal/domain/fee"
	"github.com/alem-hub/school-fee-ledger/internal/domain/ledger"
	"github.com/alem-hub/school-fee-ledger/internal/domain/shared"
	"github.com/alem-hub/school-fee-ledger/internal/domain/student"
	"github.com/alem-hub/school-fee-ledger/internal/domain/term"
	"github.com/alem-hub/school-fee-ledger/internal/infrastructure/locking"
	"github.com/alem-hub/school-fee-ledger/internal/infrastructure/messaging"
	"github.com/alem-hub/school-fee-ledger/internal/infrastructure/persistence/memory"
	"github.com/alem-hub/school-fee-ledger/internal/infrastructure/persistence/postgres"
	"github.com/alem-hub/school-fee-ledger/internal/infrastructure/persistence/redis"
	"github.com/alem-hub/school-fee-ledger/internal/infrastructure/scheduler"
	"github.com/alem-hub/school-fee-ledger/internal/infrastructure/scheduler/jobs"
	"github.com/alem-hub/school-fee-ledger/pkg/circuitbreaker"
	"github.com/alem-hub/school-fee-ledger/pkg/logger"
	"github.com/alem-hub/school-fee-ledger/pkg/retry"
	"github.com/alem-hub/school-fee-ledger/pkg/timeutil"
)

// Commands groups the write side.
type Commands struct {
	CreateTerm       *command.CreateTermHandler
	ActivateTerm     *command.ActivateTermHandler
	SetFeeSchedule   *command.SetFeeScheduleHandler
	Catalog          *command.CatalogHandler
	EnrollStudent    *command.EnrollStudentHandler
	UpdateEnrollment *command.UpdateEnrollmentHandler
	SetStudentStatus *command.SetStudentStatusHandler
	PromoteStudents  *command.PromoteStudentsHandler
	RecordPayment    *command.RecordPaymentHandler
	ReversePayment   *command.ReversePaymentHandler
	RebuildBalances  *command.RebuildBalancesHandler
}

// Queries groups the read side.
type Queries struct {
	Catalog       *query.CatalogHandler
	GetBalances   *query.GetBalancesHandler
	GetStudent    *query.GetStudentHandler
	ListStudents  *query.ListStudentsHandler
	Payments      *query.PaymentsHandler
	RenderReceipt *query.RenderReceiptHandler
}

// Container holds every wired component of one process.
type Container struct {
	Config *config.Config
	Log    *logger.Logger
	Slog   *slog.Logger

	// Storage
	DB       *postgres.Connection // nil with the memory driver
	Students student.Repository
	Terms    term.Repository
	Fees     fee.Repository
	Catalog  fee.CatalogRepository
	Payments ledger.Repository

	// Coordination. Redis-backed when Redis is enabled, in-process otherwise.
	Cache        *redis.Cache // nil when Redis is disabled
	BalanceCache student.BalanceCache
	Locker       command.StudentLocker
	Barrier      *locking.TermBarrier
	RateLimiter  *redis.RateLimiter
	JobGuard     scheduler.Guard

	// Events
	Bus        shared.EventBus
	Dispatcher *messaging.Dispatcher

	Commands Commands
	Queries  Queries

	closers []func() error
}

// NewLoggers builds the application logger and the slog logger used by
// infrastructure, both honoring the configured level and format.
func NewLoggers(cfg *config.Config) (*logger.Logger, *slog.Logger) {
	level := logger.ParseLevel(cfg.Observability.LogLevel)
	format := logger.ParseFormat(cfg.Observability.LogFormat)

	log := logger.New(logger.Options{
		Output:    os.Stdout,
		Level:     level,
		Format:    format,
		AddCaller: cfg.App.Debug,
	}).With(logger.String("app", cfg.App.Name), logger.String("env", string(cfg.App.Environment)))

	sl := logger.NewSlog(os.Stdout, level, format).With("app", cfg.App.Name)
	return log, sl
}

// Build connects storage and coordination backends and wires every handler.
// On error everything opened so far is closed.
func Build(ctx context.Context, cfg *config.Config, log *logger.Logger, sl *slog.Logger) (c *Container, err error) {
	if log == nil {
		log = logger.Nop()
	}
	if sl == nil {
		sl = logger.NopSlog()
	}
	if err := timeutil.LoadLocation(cfg.App.Timezone); err != nil {
		return nil, fmt.Errorf("school timezone: %w", err)
	}

	c = &Container{Config: cfg, Log: log, Slog: sl}
	defer func() {
		if err != nil {
			_ = c.Close()
			c = nil
		}
	}()

	if err := c.openStorage(ctx); err != nil {
		return nil, err
	}
	if err := c.openCoordination(ctx); err != nil {
		return nil, err
	}
	c.wireHandlers()
	if err := c.startDispatcher(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Container) openStorage(ctx context.Context) error {
	cfg := c.Config.Database

	switch cfg.Driver {
	case config.DriverMemory:
		store := memory.NewStore()
		c.Students = store.Students()
		c.Terms = store.Terms()
		c.Fees = store.Fees()
		c.Catalog = store.Catalog()
		c.Payments = store.Ledger()
		c.Log.Warn("using in-memory storage; data is lost on restart")
		return nil

	case config.DriverPostgres:
		open := func(ctx context.Context) (*postgres.Connection, error) {
			if cfg.URL != "" {
				return postgres.NewConnectionFromURL(ctx, cfg.URL)
			}
			return postgres.NewConnection(ctx, postgres.Config{
				Host:              cfg.Host,
				Port:              cfg.Port,
				Database:          cfg.Name,
				User:              cfg.User,
				Password:          cfg.Password,
				SSLMode:           cfg.SSLMode,
				MaxConns:          int32(cfg.MaxConns),
				MinConns:          int32(cfg.MinConns),
				MaxConnLifetime:   cfg.ConnMaxLifetime,
				MaxConnIdleTime:   cfg.ConnMaxIdleTime,
				HealthCheckPeriod: time.Minute,
				ConnectTimeout:    cfg.ConnectTimeout,
			})
		}
		// the database may still be starting next to us
		conn, err := retry.DoWithData(ctx, retry.StartupRetrier(func(attempt int, err error, delay time.Duration) {
			c.Log.Warn("database not reachable yet",
				logger.Int("attempt", attempt),
				logger.Duration("retry_in", delay),
				logger.Err(err),
			)
		}), open)
		if err != nil {
			return fmt.Errorf("connect to database: %w", err)
		}
		c.DB = conn
		c.closers = append(c.closers, func() error { conn.Close(); return nil })

		if cfg.AutoMigrate {
			if err := postgres.NewMigrator(conn).Migrate(ctx); err != nil {
				return fmt.Errorf("migrate database: %w", err)
			}
			c.Log.Info("database migrations applied")
		}

		c.Students = postgres.NewStudentRepository(conn)
		c.Terms = postgres.NewTermRepository(conn)
		c.Fees = postgres.NewFeeRepository(conn)
		c.Catalog = postgres.NewCatalogRepository(conn)
		c.Payments = postgres.NewLedgerRepository(conn)
		c.Log.Info("connected to PostgreSQL")
		return nil

	default:
		return fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

func (c *Container) openCoordination(ctx context.Context) error {
	lcfg := c.Config.Ledger
	c.Barrier = locking.NewTermBarrier(lcfg.LockTimeout)

	if c.Config.Redis.Disabled {
		c.Locker = locking.NewKeyedLocker(lcfg.LockTimeout)
		c.Bus = c.localBus()
		c.Log.Warn("redis disabled; locks, cache and rate limits are local to this process")
		return nil
	}

	cache, err := connectRedis(ctx, c.Config.Redis)
	if err != nil {
		return err
	}
	c.Cache = cache
	c.closers = append(c.closers, cache.Close)

	c.BalanceCache = redis.NewGuardedBalanceCache(
		redis.NewBalanceCache(cache, lcfg.BalanceCacheTTL),
		circuitbreaker.CacheBreaker(func(name string, from, to circuitbreaker.State) {
			c.Log.Warn("circuit breaker state changed",
				logger.String("breaker", name),
				logger.String("from", from.String()),
				logger.String("to", to.String()),
			)
		}),
	)
	c.Locker = redis.NewStudentLocker(cache, redis.StudentLockerConfig{
		TTL:     lcfg.LockTTL,
		Timeout: lcfg.LockTimeout,
		Backoff: 25 * time.Millisecond,
		Logger:  c.Slog,
	})
	if n := c.Config.HTTP.RateLimitPerMinute; n > 0 {
		c.RateLimiter = redis.NewRateLimiter(cache, int64(n), time.Minute)
	}
	c.JobGuard = redis.NewJobGuard(cache)

	bus, err := messaging.NewRedisEventBus(messaging.RedisEventBusConfig{
		Client:         messaging.NewGoRedisClient(cache.Client()),
		ChannelName:    redis.PubSubChannel("events"),
		LocalBusConfig: messaging.DefaultInMemoryEventBusConfig(),
		Logger:         c.Slog,
	})
	if err != nil {
		return fmt.Errorf("start event relay: %w", err)
	}
	c.Bus = bus
	c.closers = append(c.closers, bus.Close)
	c.Log.Info("connected to Redis")
	return nil
}

func (c *Container) localBus() shared.EventBus {
	busCfg := messaging.DefaultInMemoryEventBusConfig()
	busCfg.Logger = c.Slog
	bus := messaging.NewInMemoryEventBus(busCfg)
	c.closers = append(c.closers, bus.Close)
	return bus
}

func connectRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Cache, error) {
	var (
		cache *redis.Cache
		err   error
	)
	if cfg.URL != "" {
		cache, err = redis.NewCacheFromURL(ctx, cfg.URL, cfg.DialTimeout)
	} else {
		cache, err = redis.NewCache(ctx, redis.Config{
			Host:         cfg.Host,
			Port:         cfg.Port,
			Password:     cfg.Password,
			DB:           cfg.DB,
			PoolSize:     cfg.PoolSize,
			MinIdleConns: cfg.MinIdleConns,
			MaxRetries:   3,
			DialTimeout:  cfg.DialTimeout,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			PoolTimeout:  cfg.ReadTimeout + time.Second,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return cache, nil
}

func (c *Container) wireHandlers() {
	deps := command.LedgerDeps{
		Students:  c.Students,
		Terms:     c.Terms,
		Fees:      c.Fees,
		Catalog:   c.Catalog,
		Payments:  c.Payments,
		Locker:    c.Locker,
		Barrier:   c.Barrier,
		Publisher: c.Bus,
		Clock:     command.SystemClock,
		Logger:    c.Log,
	}

	c.Commands = Commands{
		CreateTerm:       command.NewCreateTermHandler(c.Terms, c.Bus, c.Log),
		ActivateTerm:     command.NewActivateTermHandler(c.Terms, c.Barrier, c.Bus, command.SystemClock, c.Log),
		SetFeeSchedule:   command.NewSetFeeScheduleHandler(c.Fees, c.Catalog, c.Terms, c.Barrier, c.Bus, c.Log),
		Catalog:          command.NewCatalogHandler(c.Catalog, c.Log),
		EnrollStudent:    command.NewEnrollStudentHandler(deps),
		UpdateEnrollment: command.NewUpdateEnrollmentHandler(deps),
		SetStudentStatus: command.NewSetStudentStatusHandler(deps),
		PromoteStudents:  command.NewPromoteStudentsHandler(deps),
		RecordPayment:    command.NewRecordPaymentHandler(deps),
		ReversePayment:   command.NewReversePaymentHandler(deps),
		RebuildBalances:  command.NewRebuildBalancesHandler(deps),
	}

	c.Queries = Queries{
		Catalog:       query.NewCatalogHandler(c.Terms, c.Fees, c.Catalog),
		GetBalances:   query.NewGetBalancesHandler(c.Students, c.Terms, c.Fees, c.Payments, c.BalanceCache, c.Log),
		GetStudent:    query.NewGetStudentHandler(c.Students, c.Catalog),
		ListStudents:  query.NewListStudentsHandler(c.Students, c.Catalog),
		Payments:      query.NewPaymentsHandler(c.Payments),
		RenderReceipt: query.NewRenderReceiptHandler(c.Students, c.Terms, c.Fees, c.Payments, c.Config.App.SchoolName),
	}
}

// startDispatcher subscribes the event handlers. Cache invalidation runs
// on every instance; audit and the post-activation rebuild run only where
// the event was produced.
func (c *Container) startDispatcher() error {
	d := messaging.NewDispatcher(messaging.DispatcherConfig{
		EventBus:            c.Bus,
		RetryConfig:         messaging.DefaultRetryConfig(),
		DeadLetterQueueSize: 1000,
		Logger:              c.Slog,
	})
	d.Use(messaging.RecoveryMiddleware(c.Slog))
	d.Use(messaging.LoggingMiddleware(c.Slog))

	if c.BalanceCache != nil {
		h := eventhandler.NewOnBalancesChangedHandler(c.BalanceCache, c.Slog)
		if err := d.Register("balance_cache", h.Handle, h.EventTypes()...); err != nil {
			return err
		}
	}

	audit := eventhandler.NewOnLedgerAuditHandler(c.Slog.With("stream", "audit"))
	if err := d.Register("audit", messaging.LocalOnly(audit.Handle), auditedEvents...); err != nil {
		return err
	}

	activated := eventhandler.NewOnTermActivatedHandler(c.Commands.RebuildBalances, c.Slog, eventhandler.DefaultTermActivatedConfig())
	if err := d.RegisterHandler(shared.EventTermActivated, messaging.HandlerRegistration{
		Name:       "rebuild_on_activation",
		Handler:    messaging.LocalOnly(activated.Handle),
		MaxRetries: 1,
		Timeout:    eventhandler.DefaultTermActivatedConfig().Timeout,
	}); err != nil {
		return err
	}

	if err := d.Start(); err != nil {
		return fmt.Errorf("start event dispatcher: %w", err)
	}
	c.Dispatcher = d
	c.closers = append(c.closers, d.Stop)
	return nil
}

var auditedEvents = []shared.EventType{
	shared.EventStudentEnrolled,
	shared.EventEnrollmentUpdated,
	shared.EventStudentStatusChanged,
	shared.EventTermCreated,
	shared.EventTermActivated,
	shared.EventFeeScheduleSet,
	shared.EventPaymentRecorded,
	shared.EventPaymentReversed,
	shared.EventBalancesRebuilt,
}

// NewScheduler registers the calendar jobs on a scheduler running in the
// school timezone. With Redis enabled each run is leased to one instance.
func (c *Container) NewScheduler() (*scheduler.Scheduler, error) {
	scfg := c.Config.Scheduler

	activateAt, err := scheduler.ParseCronExpression(scfg.ActivateTermCron)
	if err != nil {
		return nil, fmt.Errorf("activate term schedule: %w", err)
	}
	rebuildAt, err := scheduler.ParseCronExpression(scfg.RebuildBalancesCron)
	if err != nil {
		return nil, fmt.Errorf("rebuild balances schedule: %w", err)
	}

	s := scheduler.NewScheduler(scheduler.SchedulerConfig{
		Logger:   c.Slog,
		Timezone: timeutil.Location(),
		Guard:    c.JobGuard,
		GuardTTL: scfg.GuardTTL,
	})

	activate := jobs.NewActivateCurrentTermJob(c.Terms, c.Commands.ActivateTerm, c.Slog)
	rebuild := jobs.NewRebuildBalancesJob(c.Commands.RebuildBalances, c.Slog, scfg.JobTimeout)

	if err := s.Register(activate, activateAt); err != nil {
		return nil, err
	}
	if err := s.Register(rebuild, rebuildAt); err != nil {
		return nil, err
	}
	return s, nil
}

// Close releases resources in reverse order of acquisition.
func (c *Container) Close() error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}

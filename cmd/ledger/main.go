// Package main - точка входа HTTP API школьного журнала оплат.
//
// API принимает платежи кассира, ведёт учеников, четверти и тарифы и
// отдаёт балансы, квитанции и отчёты по дням и месяцам.
//
// Несколько экземпляров API могут работать параллельно: блокировки учеников,
// кэш балансов, лимиты запросов и инвалидация кэша идут через Redis,
// порядок активации четверти держит строка active_term в PostgreSQL.
//
// Флаг -hash-key читает API-ключ из stdin и печатает bcrypt-хеш для
// API_KEY_HASHES, после чего завершается.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alem-hub/school-fee-ledger/config"
	"github.com/alem-hub/school-fee-ledger/internal/app"
	"github.com/alem-hub/school-fee-ledger/internal/infrastructure/persistence/redis"
	"github.com/alem-hub/school-fee-ledger/internal/infrastructure/scheduler"
	httpserver "github.com/alem-hub/school-fee-ledger/internal/interface/http"
	"github.com/alem-hub/school-fee-ledger/internal/interface/http/handlers"
	"github.com/alem-hub/school-fee-ledger/pkg/logger"
)

func main() {
	hashKey := flag.Bool("hash-key", false, "read an API key from stdin and print its bcrypt hash")
	flag.Parse()
	if *hashKey {
		if err := printKeyHash(os.Stdin, os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "hash-key: %v\n", err)
			os.Exit(1)
		}
		return
	}

	// Создаём корневой контекст с возможностью отмены
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "fatal error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	// ─────────────────────────────────────────────────────────────────────────
	// 1. ЗАГРУЗКА КОНФИГУРАЦИИ
	// ─────────────────────────────────────────────────────────────────────────
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 2. НАСТРОЙКА ЛОГИРОВАНИЯ
	// ─────────────────────────────────────────────────────────────────────────
	log, slogLogger := app.NewLoggers(cfg)
	log.Info("starting fee ledger API",
		logger.String("version", cfg.App.Version),
		logger.String("storage", cfg.Database.Driver),
		logger.Bool("redis", !cfg.Redis.Disabled),
		logger.String("timezone", cfg.App.Timezone),
	)

	// ─────────────────────────────────────────────────────────────────────────
	// 3. ХРАНИЛИЩЕ, REDIS, EVENT BUS, COMMANDS И QUERIES
	// ─────────────────────────────────────────────────────────────────────────
	container, err := app.Build(ctx, cfg, log, slogLogger)
	if err != nil {
		return fmt.Errorf("failed to build application: %w", err)
	}
	defer func() {
		if err := container.Close(); err != nil {
			log.Error("failed to release resources", logger.Err(err))
		}
	}()

	// ─────────────────────────────────────────────────────────────────────────
	// 4. HEALTH CHECKS
	// ─────────────────────────────────────────────────────────────────────────
	health := handlers.NewCompositeHealthChecker(cfg.App.Version)
	if container.DB != nil {
		health.AddCheck("database", handlers.NewPingCheck(container.DB))
	}
	if container.Cache != nil {
		// без кэша API работает медленнее, но работает
		health.AddOptionalCheck("redis", handlers.NewPingCheck(container.Cache))
	}
	if guarded, ok := container.BalanceCache.(*redis.GuardedBalanceCache); ok {
		health.AddOptionalCheck("balance_cache_breaker", handlers.NewBreakerCheck(guarded.Breaker()))
	}
	if dlq := container.Dispatcher.DeadLetterQueue(); dlq != nil {
		// сбой аудита или инвалидации кэша не мешает приёму платежей
		health.AddOptionalCheck("event_handlers", dlq.Check(15*time.Minute))
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 5. АУТЕНТИФИКАЦИЯ
	// ─────────────────────────────────────────────────────────────────────────
	auth, err := handlers.NewAPIKeyAuth(cfg.Auth.Header, cfg.Auth.APIKeyHashes)
	if err != nil {
		return fmt.Errorf("invalid API key configuration: %w", err)
	}
	if !auth.Enabled() {
		log.Warn("no API keys configured; the API is open")
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 6. СОЗДАНИЕ HTTP SERVER
	// ─────────────────────────────────────────────────────────────────────────
	deps := httpserver.Dependencies{
		CreateTerm:       container.Commands.CreateTerm,
		ActivateTerm:     container.Commands.ActivateTerm,
		SetFeeSchedule:   container.Commands.SetFeeSchedule,
		Catalog:          container.Commands.Catalog,
		EnrollStudent:    container.Commands.EnrollStudent,
		UpdateEnrollment: container.Commands.UpdateEnrollment,
		SetStudentStatus: container.Commands.SetStudentStatus,
		PromoteStudents:  container.Commands.PromoteStudents,
		RecordPayment:    container.Commands.RecordPayment,
		ReversePayment:   container.Commands.ReversePayment,
		RebuildBalances:  container.Commands.RebuildBalances,

		CatalogQueries: container.Queries.Catalog,
		GetBalances:    container.Queries.GetBalances,
		GetStudent:     container.Queries.GetStudent,
		ListStudents:   container.Queries.ListStudents,
		Payments:       container.Queries.Payments,
		RenderReceipt:  container.Queries.RenderReceipt,

		Logger:        log,
		HealthChecker: health,
		Auth:          auth,
	}
	if container.RateLimiter != nil {
		deps.RateLimiter = container.RateLimiter
	}

	httpServer := httpserver.NewServer(httpserver.Config{
		Host:               cfg.HTTP.Host,
		Port:               cfg.HTTP.Port,
		ReadTimeout:        cfg.HTTP.ReadTimeout,
		WriteTimeout:       cfg.HTTP.WriteTimeout,
		IdleTimeout:        cfg.HTTP.IdleTimeout,
		MaxHeaderBytes:     1 << 20,
		MaxBodyBytes:       cfg.HTTP.MaxBodyBytes,
		EnableCORS:         cfg.HTTP.EnableCORS,
		AllowedOrigins:     cfg.HTTP.AllowedOrigins,
		RateLimitPerMinute: cfg.HTTP.RateLimitPerMinute,
		BusyRetries:        cfg.Ledger.BusyRetries,
		RetryAfter:         cfg.HTTP.RetryAfter,
		Version:            cfg.App.Version,
	}, deps)

	// ─────────────────────────────────────────────────────────────────────────
	// 7. ПЛАНИРОВЩИК (только для хранилища в памяти)
	// ─────────────────────────────────────────────────────────────────────────
	// С PostgreSQL задачи календаря выполняет отдельный worker. Хранилище
	// в памяти видно только этому процессу, поэтому задачи идут здесь.
	var sched *scheduler.Scheduler
	if cfg.Scheduler.Enabled && cfg.Database.Driver == config.DriverMemory {
		sched, err = container.NewScheduler()
		if err != nil {
			return fmt.Errorf("failed to create scheduler: %w", err)
		}
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 8. ЗАПУСК СЕРВИСОВ
	// ─────────────────────────────────────────────────────────────────────────
	errCh := httpServer.StartAsync()
	log.Info("HTTP server started", logger.String("addr", httpServer.Address()))

	if sched != nil {
		if err := sched.Start(ctx); err != nil {
			return fmt.Errorf("failed to start scheduler: %w", err)
		}
		log.Info("in-process scheduler started")
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 9. GRACEFUL SHUTDOWN
	// ─────────────────────────────────────────────────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("received shutdown signal", logger.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			log.Error("HTTP server failed", logger.Err(err))
		}
	case <-ctx.Done():
		log.Info("context cancelled")
	}

	log.Info("starting graceful shutdown...", logger.Duration("timeout", cfg.App.ShutdownTimeout))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
	defer shutdownCancel()

	var shutdownErr error

	// 1. Перестаём принимать запросы и дожидаемся текущих платежей
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("failed to shutdown HTTP server", logger.Err(err))
		shutdownErr = err
	}

	// 2. Останавливаем планировщик
	if sched != nil {
		if err := sched.Stop(); err != nil {
			log.Error("failed to stop scheduler", logger.Err(err))
			shutdownErr = errors.Join(shutdownErr, err)
		}
	}

	// 3. Dispatcher, event bus, Redis и база закроются через defer

	if shutdownErr != nil {
		log.Warn("shutdown completed with errors")
		return shutdownErr
	}
	log.Info("shutdown completed successfully")
	return nil
}

// printKeyHash хеширует первую строку r.
func printKeyHash(r io.Reader, w io.Writer) error {
	sc := bufio.NewScanner(r)
	if !sc.Scan() {
		if err := sc.Err(); err != nil {
			return err
		}
		return errors.New("no key on stdin")
	}
	key := strings.TrimSpace(sc.Text())
	if key == "" {
		return errors.New("empty key")
	}
	hash, err := handlers.HashAPIKey(key)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, hash)
	return err
}

// Package main - точка входа для фоновых процессов (Worker) журнала оплат.
//
// Worker отвечает за задачи календаря:
// - Активация четверти, в окно которой вошёл школьный календарь
// - Ночная сверка сохранённых балансов с журналом платежей
//
// Расписания задаются cron-выражениями в часовом поясе школы. При
// нескольких экземплярах каждый запуск получает только один из них
// (аренда в Redis).
//
// Флаг -run <job> выполняет одну задачу сразу и завершает процесс,
// например: worker -run rebuild_balances.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alem-hub/school-fee-ledger/config"
	"github.com/alem-hub/school-fee-ledger/internal/app"
	"github.com/alem-hub/school-fee-ledger/internal/infrastructure/scheduler"
	"github.com/alem-hub/school-fee-ledger/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// MAIN
// ══════════════════════════════════════════════════════════════════════════════

func main() {
	// Создаём корневой контекст с возможностью отмены
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Запускаем приложение
	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "fatal error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	runOnce := flag.String("run", "", "run the named job once and exit")
	flag.Parse()

	// ─────────────────────────────────────────────────────────────────────────
	// 1. ЗАГРУЗКА КОНФИГУРАЦИИ
	// ─────────────────────────────────────────────────────────────────────────
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := checkWorkerConfig(cfg); err != nil {
		return err
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 2. НАСТРОЙКА ЛОГИРОВАНИЯ
	// ─────────────────────────────────────────────────────────────────────────
	log, slogLogger := app.NewLoggers(cfg)
	log = log.With(logger.Component("worker"))
	log.Info("starting fee ledger worker",
		logger.String("env", string(cfg.App.Environment)),
		logger.String("timezone", cfg.App.Timezone),
		logger.String("activate_term_cron", cfg.Scheduler.ActivateTermCron),
		logger.String("rebuild_balances_cron", cfg.Scheduler.RebuildBalancesCron),
	)

	// ─────────────────────────────────────────────────────────────────────────
	// 3. ПОДКЛЮЧЕНИЕ К БАЗЕ, REDIS И СБОРКА КОМАНД
	// ─────────────────────────────────────────────────────────────────────────
	container, err := app.Build(ctx, cfg, log, slogLogger.With("component", "worker"))
	if err != nil {
		return fmt.Errorf("failed to build application: %w", err)
	}
	defer func() {
		if err := container.Close(); err != nil {
			log.Error("failed to release resources", logger.Err(err))
		}
	}()

	if container.JobGuard == nil {
		log.Warn("redis disabled; run a single worker instance")
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 4. ИНИЦИАЛИЗАЦИЯ SCHEDULER
	// ─────────────────────────────────────────────────────────────────────────
	sched, err := container.NewScheduler()
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}

	sched.OnJobComplete(func(result scheduler.JobResult) {
		log.Info("job finished",
			logger.String("job", result.JobName),
			logger.Bool("success", result.Success),
			logger.Bool("skipped", result.Skipped),
			logger.Duration("duration", result.Duration),
		)
	})
	sched.OnJobError(func(jobName string, err error) {
		log.Error("job failed", logger.String("job", jobName), logger.Err(err))
	})

	// Разовый запуск по требованию оператора
	if *runOnce != "" {
		res, err := sched.RunNow(ctx, *runOnce)
		if err != nil {
			return fmt.Errorf("job %s: %w", *runOnce, err)
		}
		if res.Skipped {
			log.Warn("job is running on another instance", logger.String("job", *runOnce))
		}
		return nil
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 5. ЗАПУСК SCHEDULER
	// ─────────────────────────────────────────────────────────────────────────
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	for _, job := range sched.ListJobs() {
		log.Info("job scheduled",
			logger.String("job", job.Name),
			logger.String("schedule", job.Schedule),
			logger.Time("next_run", job.NextRun),
		)
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 6. GRACEFUL SHUTDOWN
	// ─────────────────────────────────────────────────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("received shutdown signal", logger.String("signal", sig.String()))
	case <-ctx.Done():
		log.Info("context cancelled")
	}

	log.Info("stopping scheduler...")
	if err := sched.Stop(); err != nil {
		log.Error("failed to stop scheduler", logger.Err(err))
		return err
	}

	log.Info("worker stopped")
	return nil
}

// checkWorkerConfig rejects settings under which a separate worker cannot
// serve the API's data.
func checkWorkerConfig(cfg *config.Config) error {
	var errs []error
	if !cfg.Scheduler.Enabled {
		errs = append(errs, errors.New("SCHEDULER_ENABLED is false; nothing to run"))
	}
	if cfg.Database.Driver != config.DriverPostgres {
		errs = append(errs, fmt.Errorf("worker needs STORAGE_DRIVER=%s; the memory store is private to the API process", config.DriverPostgres))
	}
	return errors.Join(errs...)
}

package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alem-hub/school-fee-ledger/internal/application/command"
)

// BalanceRebuilder recomputes materialized balances.
type BalanceRebuilder interface {
	Handle(ctx context.Context, cmd command.RebuildBalancesCommand) (*command.RebuildBalancesResult, error)
}

// RebuildBalancesJob recomputes every student's stored balances from the
// payment history and repairs the ones that drifted.
type RebuildBalancesJob struct {
	rebuilder BalanceRebuilder
	logger    *slog.Logger
	timeout   time.Duration
}

// NewRebuildBalancesJob creates the job. A non-positive timeout means 30 minutes.
func NewRebuildBalancesJob(rebuilder BalanceRebuilder, logger *slog.Logger, timeout time.Duration) *RebuildBalancesJob {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	return &RebuildBalancesJob{
		rebuilder: rebuilder,
		logger:    logger.With("job", "rebuild_balances"),
		timeout:   timeout,
	}
}

// Name returns the job name.
func (j *RebuildBalancesJob) Name() string {
	return "rebuild_balances"
}

// Description returns a human-readable description.
func (j *RebuildBalancesJob) Description() string {
	return "Recomputes stored balances from payment history and repairs drift"
}

// Run executes the job. Per-student failures are logged and reported as one error.
func (j *RebuildBalancesJob) Run(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, j.timeout)
	defer cancel()

	res, err := j.rebuilder.Handle(ctx, command.RebuildBalancesCommand{})
	if err != nil {
		return fmt.Errorf("rebuild balances: %w", err)
	}

	if len(res.Repaired) > 0 {
		j.logger.Warn("repaired drifted balances",
			"checked", res.Checked,
			"repaired", len(res.Repaired),
			"student_ids", res.Repaired,
		)
	} else {
		j.logger.Info("balances verified", "checked", res.Checked)
	}

	if len(res.Failed) > 0 {
		for id, ferr := range res.Failed {
			j.logger.Error("rebuild failed for student", "student_id", id, "error", ferr)
		}
		return fmt.Errorf("rebuild balances: %d of %d students failed", len(res.Failed), res.Checked)
	}
	return nil
}

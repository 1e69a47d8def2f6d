// Package jobs contains the scheduled jobs of the fee ledger.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alem-hub/school-fee-ledger/internal/application/command"
	"github.com/alem-hub/school-fee-ledger/internal/domain/shared"
	"github.com/alem-hub/school-fee-ledger/internal/domain/term"
	"github.com/alem-hub/school-fee-ledger/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// ACTIVATE CURRENT TERM JOB
// ══════════════════════════════════════════════════════════════════════════════

// TermActivator activates a term.
type TermActivator interface {
	Handle(ctx context.Context, cmd command.ActivateTermCommand) (*command.ActivateTermResult, error)
}

// TermLister reads the term calendar.
type TermLister interface {
	List(ctx context.Context) ([]*term.Term, error)
	ActiveVersion(ctx context.Context) (term.ActiveTerm, error)
}

// ActivateCurrentTermJob switches the active term once the school calendar
// enters a new term window. Days outside every window leave the current
// term active.
type ActivateCurrentTermJob struct {
	terms     TermLister
	activator TermActivator
	logger    *slog.Logger
	now       func() time.Time
	timeout   time.Duration
}

// NewActivateCurrentTermJob creates the job.
func NewActivateCurrentTermJob(terms TermLister, activator TermActivator, logger *slog.Logger) *ActivateCurrentTermJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &ActivateCurrentTermJob{
		terms:     terms,
		activator: activator,
		logger:    logger.With("job", "activate_current_term"),
		now:       timeutil.Now,
		timeout:   time.Minute,
	}
}

// Name returns the job name.
func (j *ActivateCurrentTermJob) Name() string {
	return "activate_current_term"
}

// Description returns a human-readable description.
func (j *ActivateCurrentTermJob) Description() string {
	return "Activates the term whose window covers today's school date"
}

// Run executes the job.
func (j *ActivateCurrentTermJob) Run(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, j.timeout)
	defer cancel()

	terms, err := j.terms.List(ctx)
	if err != nil {
		return fmt.Errorf("list terms: %w", err)
	}

	today := timeutil.ToSchool(j.now())
	target := term.CoveringDate(terms, today)
	if target == nil {
		j.logger.Debug("no term covers today", "date", timeutil.FormatDateStr(today))
		return nil
	}

	active, err := j.terms.ActiveVersion(ctx)
	if err != nil {
		return fmt.Errorf("read active term: %w", err)
	}
	if active.TermID == target.ID {
		return nil
	}

	res, err := j.activator.Handle(ctx, command.ActivateTermCommand{TermID: target.ID, Source: "calendar"})
	if err != nil {
		// Another instance or an operator switched the term first.
		if errors.Is(err, shared.ErrActivationConflict) {
			j.logger.Info("activation raced, will re-check next run", "term_id", target.ID)
			return nil
		}
		return fmt.Errorf("activate term %s: %w", target.ID, err)
	}

	j.logger.Info("term switched by calendar",
		"term_id", res.Term.ID,
		"term_name", res.Term.Name,
		"previous_term_id", res.PreviousTermID,
	)
	return nil
}

package command

import (
	"context"
	"errors"
	"fmt"

	"github.com/alem-hub/school-fee-ledger/internal/domain/shared"
	"github.com/alem-hub/school-fee-ledger/internal/domain/term"
	"github.com/alem-hub/school-fee-ledger/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// ACTIVATE TERM COMMAND
// Switches the current term. Runs under the exclusive side of the term barrier,
// so it waits for in-flight payments and holds new ones until it is done.
// ══════════════════════════════════════════════════════════════════════════════

// ActivateTermCommand makes TermID the current term.
type ActivateTermCommand struct {
	TermID string `validate:"required"`

	// Source is recorded in logs ("api", "calendar").
	Source string
}

// Validate validates the command.
func (c ActivateTermCommand) Validate() error {
	return validateStruct("term", "Activate", c)
}

// ActivateTermResult reports the outcome.
type ActivateTermResult struct {
	Term   *term.Term
	Active term.ActiveTerm

	// PreviousTermID is empty when no term was active.
	PreviousTermID string

	// AlreadyActive is true when the term was active before the call.
	AlreadyActive bool
}

// ActivateTermHandler handles the ActivateTermCommand.
type ActivateTermHandler struct {
	terms     term.Repository
	barrier   TermBarrier
	publisher shared.EventPublisher
	clock     Clock
	log       *logger.Logger
}

// NewActivateTermHandler creates a new ActivateTermHandler.
func NewActivateTermHandler(terms term.Repository, barrier TermBarrier, publisher shared.EventPublisher, clock Clock, log *logger.Logger) *ActivateTermHandler {
	if clock == nil {
		clock = SystemClock
	}
	if log == nil {
		log = logger.Nop()
	}
	return &ActivateTermHandler{terms: terms, barrier: barrier, publisher: publisher, clock: clock, log: log}
}

// Handle executes the command.
func (h *ActivateTermHandler) Handle(ctx context.Context, cmd ActivateTermCommand) (*ActivateTermResult, error) {
	if err := cmd.Validate(); err != nil {
		return nil, fmt.Errorf("activate_term: %w", err)
	}

	release, err := h.barrier.Exclusive(ctx)
	if err != nil {
		return nil, fmt.Errorf("activate_term: %w", err)
	}
	defer release()

	target, err := h.terms.GetByID(ctx, cmd.TermID)
	if err != nil {
		return nil, fmt.Errorf("activate_term: %w", err)
	}

	rec, err := h.terms.ActiveVersion(ctx)
	if err != nil {
		return nil, fmt.Errorf("activate_term: %w", err)
	}
	if rec.TermID == target.ID {
		return &ActivateTermResult{Term: target, Active: rec, PreviousTermID: rec.TermID, AlreadyActive: true}, nil
	}

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("activate_term: %w", err)
	}
	next, err := h.terms.Activate(ctx, target.ID, rec.Version, h.clock())
	if err != nil {
		if errors.Is(err, shared.ErrConflict) {
			logger.FromContext(ctx, h.log).Warn("term activation lost a race", logger.TermID(target.ID))
		}
		return nil, fmt.Errorf("activate_term: %w", err)
	}

	activated, err := h.terms.GetByID(ctx, target.ID)
	if err != nil {
		return nil, fmt.Errorf("activate_term: %w", err)
	}

	publish(h.publisher, shared.NewTermActivatedEvent(target.ID, rec.TermID, next.Version))
	logger.FromContext(ctx, h.log).Info("term activated",
		logger.TermID(target.ID),
		logger.String("previous_term_id", rec.TermID),
		logger.Int64("version", next.Version),
		logger.String("source", cmd.Source),
	)

	return &ActivateTermResult{Term: activated, Active: next, PreviousTermID: rec.TermID}, nil
}

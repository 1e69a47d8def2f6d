package command

import (
	"context"
	"fmt"
	"time"

	"github.com/alem-hub/school-fee-ledger/internal/domain/shared"
	"github.com/alem-hub/school-fee-ledger/internal/domain/term"
	"github.com/alem-hub/school-fee-ledger/pkg/logger"
)

// CreateTermCommand registers a new, inactive term.
type CreateTermCommand struct {
	Name      string    `validate:"required,max=100"`
	StartDate time.Time `validate:"required"`
	EndDate   time.Time `validate:"required"`
}

// Validate validates the command.
func (c CreateTermCommand) Validate() error {
	if err := validateStruct("term", "Create", c); err != nil {
		return err
	}
	if c.EndDate.Before(c.StartDate) {
		return shared.Validationf("term", "Create", "end date is before start date")
	}
	return nil
}

// CreateTermResult contains the created term.
type CreateTermResult struct {
	Term *term.Term
}

// CreateTermHandler handles the CreateTermCommand.
type CreateTermHandler struct {
	terms     term.Repository
	publisher shared.EventPublisher
	log       *logger.Logger
}

// NewCreateTermHandler creates a new CreateTermHandler.
func NewCreateTermHandler(terms term.Repository, publisher shared.EventPublisher, log *logger.Logger) *CreateTermHandler {
	if log == nil {
		log = logger.Nop()
	}
	return &CreateTermHandler{terms: terms, publisher: publisher, log: log}
}

// Handle executes the command.
func (h *CreateTermHandler) Handle(ctx context.Context, cmd CreateTermCommand) (*CreateTermResult, error) {
	if err := cmd.Validate(); err != nil {
		return nil, fmt.Errorf("create_term: %w", err)
	}
	t, err := term.NewTerm(cmd.Name, cmd.StartDate, cmd.EndDate)
	if err != nil {
		return nil, fmt.Errorf("create_term: %w", err)
	}
	if err := h.terms.Create(ctx, t); err != nil {
		return nil, fmt.Errorf("create_term: %w", err)
	}

	publish(h.publisher, shared.NewTermCreatedEvent(t.ID, t.Name))
	logger.FromContext(ctx, h.log).Info("term created", logger.TermID(t.ID), logger.String("name", t.Name))
	return &CreateTermResult{Term: t}, nil
}

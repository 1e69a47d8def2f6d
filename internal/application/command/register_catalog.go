package command

import (
	"context"
	"fmt"

	"github.com/alem-hub/school-fee-ledger/internal/domain/fee"
	"github.com/alem-hub/school-fee-ledger/pkg/logger"
)

// CreateGradeCommand registers a grade. Level orders promotion.
type CreateGradeCommand struct {
	Name  string `validate:"required,max=50"`
	Level int    `validate:"gte=0"`
}

// Validate validates the command.
func (c CreateGradeCommand) Validate() error {
	return validateStruct("fee", "CreateGrade", c)
}

// CreateDestinationCommand registers a bus destination.
type CreateDestinationCommand struct {
	Name string `validate:"required,max=100"`
}

// Validate validates the command.
func (c CreateDestinationCommand) Validate() error {
	return validateStruct("fee", "CreateDestination", c)
}

// CatalogHandler handles grade and destination registration.
type CatalogHandler struct {
	catalog fee.CatalogRepository
	log     *logger.Logger
}

// NewCatalogHandler creates a new CatalogHandler.
func NewCatalogHandler(catalog fee.CatalogRepository, log *logger.Logger) *CatalogHandler {
	if log == nil {
		log = logger.Nop()
	}
	return &CatalogHandler{catalog: catalog, log: log}
}

// CreateGrade executes the CreateGradeCommand.
func (h *CatalogHandler) CreateGrade(ctx context.Context, cmd CreateGradeCommand) (*fee.Grade, error) {
	if err := cmd.Validate(); err != nil {
		return nil, fmt.Errorf("create_grade: %w", err)
	}
	g, err := fee.NewGrade(cmd.Name, cmd.Level)
	if err != nil {
		return nil, fmt.Errorf("create_grade: %w", err)
	}
	if err := h.catalog.CreateGrade(ctx, g); err != nil {
		return nil, fmt.Errorf("create_grade: %w", err)
	}
	logger.FromContext(ctx, h.log).Info("grade created", logger.String("grade_id", g.ID), logger.String("name", g.Name))
	return g, nil
}

// CreateDestination executes the CreateDestinationCommand.
func (h *CatalogHandler) CreateDestination(ctx context.Context, cmd CreateDestinationCommand) (*fee.Destination, error) {
	if err := cmd.Validate(); err != nil {
		return nil, fmt.Errorf("create_destination: %w", err)
	}
	d, err := fee.NewDestination(cmd.Name)
	if err != nil {
		return nil, fmt.Errorf("create_destination: %w", err)
	}
	if err := h.catalog.CreateDestination(ctx, d); err != nil {
		return nil, fmt.Errorf("create_destination: %w", err)
	}
	logger.FromContext(ctx, h.log).Info("destination created", logger.String("destination_id", d.ID), logger.String("name", d.Name))
	return d, nil
}

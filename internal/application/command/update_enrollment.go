package command

import (
	"context"
	"fmt"

	"github.com/alem-hub/school-fee-ledger/internal/domain/shared"
	"github.com/alem-hub/school-fee-ledger/internal/domain/student"
	"github.com/alem-hub/school-fee-ledger/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// UPDATE ENROLLMENT COMMAND
// Changes enrollment fields. Historical payments are never touched; the new
// basis applies from the next term that has not been billed yet.
// ══════════════════════════════════════════════════════════════════════════════

// UpdateEnrollmentCommand is a partial update. Nil fields are left unchanged.
type UpdateEnrollmentCommand struct {
	StudentID     string  `validate:"required"`
	Name          *string `validate:"omitempty,min=1,max=200"`
	Phone         *string `validate:"omitempty,max=32"`
	GradeID       *string `validate:"omitempty,min=1"`
	UsesBus       *bool
	DestinationID *string
	IsBoarding    *bool

	// Balances is rejected when present: balances belong to the ledger.
	Balances *student.Balances

	CorrelationID string
}

// Validate validates the command.
func (c UpdateEnrollmentCommand) Validate() error {
	if c.Balances != nil {
		return shared.ErrBalanceWrite
	}
	return validateStruct("student", "Update", c)
}

func (c UpdateEnrollmentCommand) change() student.EnrollmentChange {
	return student.EnrollmentChange{
		Name:          c.Name,
		Phone:         c.Phone,
		GradeID:       c.GradeID,
		UsesBus:       c.UsesBus,
		DestinationID: c.DestinationID,
		IsBoarding:    c.IsBoarding,
	}
}

// UpdateEnrollmentResult contains the updated student.
type UpdateEnrollmentResult struct {
	Student *student.Student
	Changed []string
}

// UpdateEnrollmentHandler handles the UpdateEnrollmentCommand.
type UpdateEnrollmentHandler struct {
	deps LedgerDeps
}

// NewUpdateEnrollmentHandler creates a new UpdateEnrollmentHandler.
func NewUpdateEnrollmentHandler(deps LedgerDeps) *UpdateEnrollmentHandler {
	return &UpdateEnrollmentHandler{deps: deps}
}

// Handle executes the update enrollment command.
func (h *UpdateEnrollmentHandler) Handle(ctx context.Context, cmd UpdateEnrollmentCommand) (*UpdateEnrollmentResult, error) {
	if err := cmd.Validate(); err != nil {
		return nil, fmt.Errorf("update_enrollment: %w", err)
	}

	var result *UpdateEnrollmentResult
	err := h.deps.withStudentLock(ctx, cmd.StudentID, func() error {
		s, err := h.deps.Students.GetByID(ctx, cmd.StudentID)
		if err != nil {
			return err
		}

		next := s.Clone()
		changed, err := next.Apply(cmd.change(), h.deps.now())
		if err != nil {
			return err
		}
		if len(changed) == 0 {
			result = &UpdateEnrollmentResult{Student: s}
			return nil
		}
		if err := h.deps.checkBasis(ctx, next.GradeID, next.DestinationID); err != nil {
			return err
		}

		// past terms keep the basis they were billed under
		if next.Basis() != s.Basis() {
			if err := h.deps.pinBillings(ctx, s); err != nil {
				return err
			}
			next.Version = s.Version
		}

		if err := ctx.Err(); err != nil {
			return err
		}
		if err := h.deps.Students.Update(ctx, next); err != nil {
			return err
		}
		if _, err := h.deps.refreshBalances(ctx, next); err != nil {
			return fmt.Errorf("refresh balances: %w", err)
		}

		result = &UpdateEnrollmentResult{Student: next, Changed: changed}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("update_enrollment: %w", err)
	}

	if len(result.Changed) > 0 {
		event := shared.NewEnrollmentUpdatedEvent(result.Student.ID, result.Student.GradeID,
			result.Student.DestinationID, result.Changed)
		if cmd.CorrelationID != "" {
			event.BaseEvent = event.BaseEvent.WithCorrelationID(cmd.CorrelationID)
		}
		publish(h.deps.Publisher, event)

		h.deps.log(ctx).Info("enrollment updated",
			logger.StudentID(result.Student.ID),
			logger.Any("changed", result.Changed),
		)
	}
	return result, nil
}

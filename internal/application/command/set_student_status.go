package command

import (
	"context"
	"fmt"

	"github.com/alem-hub/school-fee-ledger/internal/domain/shared"
	"github.com/alem-hub/school-fee-ledger/internal/domain/student"
	"github.com/alem-hub/school-fee-ledger/pkg/logger"
)

// SetStudentStatusCommand activates or deactivates a student.
// Inactive students keep their history and balances but accept no payments.
type SetStudentStatusCommand struct {
	StudentID string `validate:"required"`
	Status    string `validate:"required,oneof=active inactive"`
}

// Validate validates the command.
func (c SetStudentStatusCommand) Validate() error {
	return validateStruct("student", "SetStatus", c)
}

// SetStudentStatusResult contains the student after the change.
type SetStudentStatusResult struct {
	Student *student.Student
	Changed bool
}

// SetStudentStatusHandler handles the SetStudentStatusCommand.
type SetStudentStatusHandler struct {
	deps LedgerDeps
}

// NewSetStudentStatusHandler creates a new SetStudentStatusHandler.
func NewSetStudentStatusHandler(deps LedgerDeps) *SetStudentStatusHandler {
	return &SetStudentStatusHandler{deps: deps}
}

// Handle executes the command.
func (h *SetStudentStatusHandler) Handle(ctx context.Context, cmd SetStudentStatusCommand) (*SetStudentStatusResult, error) {
	if err := cmd.Validate(); err != nil {
		return nil, fmt.Errorf("set_student_status: %w", err)
	}

	unlock, err := h.deps.Locker.Lock(ctx, cmd.StudentID)
	if err != nil {
		return nil, fmt.Errorf("set_student_status: %w", err)
	}
	defer unlock()

	s, err := h.deps.Students.GetByID(ctx, cmd.StudentID)
	if err != nil {
		return nil, fmt.Errorf("set_student_status: %w", err)
	}
	changed, err := s.SetStatus(student.Status(cmd.Status), h.deps.now())
	if err != nil {
		return nil, fmt.Errorf("set_student_status: %w", err)
	}
	if !changed {
		return &SetStudentStatusResult{Student: s}, nil
	}
	if err := h.deps.Students.Update(ctx, s); err != nil {
		return nil, fmt.Errorf("set_student_status: %w", err)
	}

	publish(h.deps.Publisher, shared.NewStudentStatusChangedEvent(s.ID, string(s.Status)))
	h.deps.log(ctx).Info("student status changed", logger.StudentID(s.ID), logger.String("status", string(s.Status)))

	return &SetStudentStatusResult{Student: s, Changed: true}, nil
}

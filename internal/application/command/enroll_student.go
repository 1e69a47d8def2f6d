package command

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/alem-hub/school-fee-ledger/internal/domain/shared"
	"github.com/alem-hub/school-fee-ledger/internal/domain/student"
	"github.com/alem-hub/school-fee-ledger/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// ENROLL STUDENT COMMAND
// ══════════════════════════════════════════════════════════════════════════════

// EnrollStudentCommand contains the data of a new enrollment.
type EnrollStudentCommand struct {
	Name            string `validate:"required,max=200"`
	AdmissionNumber string `validate:"required,max=64"`
	GradeID         string `validate:"required"`
	Phone           string `validate:"max=32"`
	UsesBus         bool
	DestinationID   string `validate:"required_if=UsesBus true"`
	IsBoarding      bool

	// OpeningArrears is debt carried over from before the ledger existed.
	OpeningArrears decimal.Decimal

	CorrelationID string
}

// Validate validates the command.
func (c EnrollStudentCommand) Validate() error {
	if c.UsesBus && c.DestinationID == "" {
		return shared.ErrDestinationRequired
	}
	if err := validateStruct("student", "Enroll", c); err != nil {
		return err
	}
	if c.OpeningArrears.IsNegative() {
		return shared.Validationf("student", "Enroll", "opening arrears cannot be negative")
	}
	return nil
}

// EnrollStudentResult contains the enrolled student.
type EnrollStudentResult struct {
	Student *student.Student
}

// EnrollStudentHandler handles the EnrollStudentCommand.
type EnrollStudentHandler struct {
	deps LedgerDeps
}

// NewEnrollStudentHandler creates a new EnrollStudentHandler.
func NewEnrollStudentHandler(deps LedgerDeps) *EnrollStudentHandler {
	return &EnrollStudentHandler{deps: deps}
}

// Handle executes the enroll command. The student is billed from the term
// active at enrollment; with no active term, from the next term opened.
func (h *EnrollStudentHandler) Handle(ctx context.Context, cmd EnrollStudentCommand) (*EnrollStudentResult, error) {
	if err := cmd.Validate(); err != nil {
		return nil, fmt.Errorf("enroll_student: %w", err)
	}

	destinationID := cmd.DestinationID
	if !cmd.UsesBus {
		destinationID = ""
	}
	if err := h.deps.checkBasis(ctx, cmd.GradeID, destinationID); err != nil {
		return nil, fmt.Errorf("enroll_student: %w", err)
	}

	firstTermID := ""
	active, _, err := h.deps.Terms.Active(ctx)
	switch {
	case err == nil:
		firstTermID = active.ID
	case !errors.Is(err, shared.ErrNoActiveTerm):
		return nil, fmt.Errorf("enroll_student: %w", err)
	}

	opening := cmd.OpeningArrears
	if opening.IsZero() {
		opening = decimal.Zero
	}
	s, err := student.Enroll(student.EnrollParams{
		Name:            cmd.Name,
		AdmissionNumber: cmd.AdmissionNumber,
		GradeID:         cmd.GradeID,
		Phone:           cmd.Phone,
		UsesBus:         cmd.UsesBus,
		DestinationID:   destinationID,
		IsBoarding:      cmd.IsBoarding,
		OpeningArrears:  opening,
		FirstTermID:     firstTermID,
		Now:             h.deps.now(),
	})
	if err != nil {
		return nil, fmt.Errorf("enroll_student: %w", err)
	}

	if err := h.deps.Students.Create(ctx, s); err != nil {
		return nil, fmt.Errorf("enroll_student: %w", err)
	}

	// Balance queries project on the fly until the view is materialized,
	// so a failed refresh does not undo the enrollment.
	if active != nil {
		if err := h.deps.withStudentLock(ctx, s.ID, func() error {
			_, err := h.deps.refreshBalances(ctx, s)
			return err
		}); err != nil {
			h.deps.log(ctx).Warn("initial balance refresh failed", logger.StudentID(s.ID), logger.Err(err))
		}
	}

	event := shared.NewStudentEnrolledEvent(s.ID, s.AdmissionNumber, s.GradeID, s.UsesBus, s.IsBoarding)
	if cmd.CorrelationID != "" {
		event.BaseEvent = event.BaseEvent.WithCorrelationID(cmd.CorrelationID)
	}
	publish(h.deps.Publisher, event)

	h.deps.log(ctx).Info("student enrolled",
		logger.StudentID(s.ID),
		logger.AdmissionNumber(s.AdmissionNumber),
	)
	return &EnrollStudentResult{Student: s}, nil
}

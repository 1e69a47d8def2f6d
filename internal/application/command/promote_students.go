package command

import (
	"context"
	"fmt"

	"github.com/alem-hub/school-fee-ledger/internal/domain/fee"
	"github.com/alem-hub/school-fee-ledger/internal/domain/shared"
	"github.com/alem-hub/school-fee-ledger/internal/domain/student"
	"github.com/alem-hub/school-fee-ledger/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// PROMOTE STUDENTS COMMAND
// Year-end rollover: every active student moves to the grade with the next level.
// ══════════════════════════════════════════════════════════════════════════════

// PromoteStudentsCommand runs the yearly promotion.
type PromoteStudentsCommand struct {
	// DryRun reports what would change without writing.
	DryRun bool
}

// Validate validates the command.
func (c PromoteStudentsCommand) Validate() error { return nil }

// Promotion describes one student's move.
type Promotion struct {
	StudentID   string
	FromGradeID string
	ToGradeID   string
}

// PromoteStudentsResult summarizes the rollover.
type PromoteStudentsResult struct {
	Promoted []Promotion

	// Unchanged lists active students already in the highest grade.
	Unchanged []string

	// Failed maps student IDs to the error that stopped their promotion.
	Failed map[string]error
}

// PromoteStudentsHandler handles the PromoteStudentsCommand.
type PromoteStudentsHandler struct {
	deps LedgerDeps
}

// NewPromoteStudentsHandler creates a new PromoteStudentsHandler.
func NewPromoteStudentsHandler(deps LedgerDeps) *PromoteStudentsHandler {
	return &PromoteStudentsHandler{deps: deps}
}

// Handle executes the promotion. A failure for one student does not stop the others.
func (h *PromoteStudentsHandler) Handle(ctx context.Context, cmd PromoteStudentsCommand) (*PromoteStudentsResult, error) {
	grades, err := h.deps.Catalog.ListGrades(ctx)
	if err != nil {
		return nil, fmt.Errorf("promote_students: list grades: %w", err)
	}
	byID := make(map[string]*fee.Grade, len(grades))
	for _, g := range grades {
		byID[g.ID] = g
	}

	ids, err := h.deps.Students.ListIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("promote_students: list students: %w", err)
	}

	result := &PromoteStudentsResult{Failed: make(map[string]error)}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return result, fmt.Errorf("promote_students: %w", err)
		}
		err := h.deps.withStudentLock(ctx, id, func() error {
			return h.promoteOne(ctx, id, byID, grades, cmd.DryRun, result)
		})
		if err != nil {
			result.Failed[id] = err
			h.deps.log(ctx).Warn("promotion failed", logger.StudentID(id), logger.Err(err))
		}
	}

	h.deps.log(ctx).Info("promotion finished",
		logger.Int("promoted", len(result.Promoted)),
		logger.Int("unchanged", len(result.Unchanged)),
		logger.Int("failed", len(result.Failed)),
		logger.Bool("dry_run", cmd.DryRun),
	)
	return result, nil
}

func (h *PromoteStudentsHandler) promoteOne(
	ctx context.Context,
	id string,
	byID map[string]*fee.Grade,
	grades []*fee.Grade,
	dryRun bool,
	result *PromoteStudentsResult,
) error {
	s, err := h.deps.Students.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if s.Status != student.StatusActive {
		return nil
	}
	current, ok := byID[s.GradeID]
	if !ok {
		return fmt.Errorf("grade %s: %w", s.GradeID, shared.ErrGradeNotFound)
	}
	next := fee.NextGrade(grades, current)
	if next == nil {
		result.Unchanged = append(result.Unchanged, s.ID)
		return nil
	}

	promotion := Promotion{StudentID: s.ID, FromGradeID: current.ID, ToGradeID: next.ID}
	if dryRun {
		result.Promoted = append(result.Promoted, promotion)
		return nil
	}

	if err := h.deps.pinBillings(ctx, s); err != nil {
		return err
	}
	gradeID := next.ID
	if _, err := s.Apply(student.EnrollmentChange{GradeID: &gradeID}, h.deps.now()); err != nil {
		return err
	}
	if err := h.deps.Students.Update(ctx, s); err != nil {
		return err
	}
	if _, err := h.deps.refreshBalances(ctx, s); err != nil {
		return fmt.Errorf("refresh balances: %w", err)
	}
	result.Promoted = append(result.Promoted, promotion)
	return nil
}

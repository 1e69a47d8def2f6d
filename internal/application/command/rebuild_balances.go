package command

import (
	"context"
	"fmt"

	"github.com/alem-hub/school-fee-ledger/internal/domain/shared"
	"github.com/alem-hub/school-fee-ledger/pkg/logger"
)

// RebuildBalancesCommand replays every student's account and repairs the
// materialized balances that differ from the projection.
type RebuildBalancesCommand struct {
	// StudentIDs limits the rebuild; empty means every student.
	StudentIDs []string
}

// Validate validates the command.
func (c RebuildBalancesCommand) Validate() error { return nil }

// RebuildBalancesResult summarizes the run.
type RebuildBalancesResult struct {
	Checked  int
	Repaired []string
	Failed   map[string]error
}

// RebuildBalancesHandler handles the RebuildBalancesCommand.
type RebuildBalancesHandler struct {
	deps LedgerDeps
}

// NewRebuildBalancesHandler creates a new RebuildBalancesHandler.
func NewRebuildBalancesHandler(deps LedgerDeps) *RebuildBalancesHandler {
	return &RebuildBalancesHandler{deps: deps}
}

// Handle executes the rebuild.
func (h *RebuildBalancesHandler) Handle(ctx context.Context, cmd RebuildBalancesCommand) (*RebuildBalancesResult, error) {
	ids := cmd.StudentIDs
	if len(ids) == 0 {
		var err error
		if ids, err = h.deps.Students.ListIDs(ctx); err != nil {
			return nil, fmt.Errorf("rebuild_balances: %w", err)
		}
	}

	result := &RebuildBalancesResult{Failed: make(map[string]error)}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return result, fmt.Errorf("rebuild_balances: %w", err)
		}
		result.Checked++

		var repaired bool
		var termID string
		err := h.deps.withStudentLock(ctx, id, func() error {
			s, err := h.deps.Students.GetByID(ctx, id)
			if err != nil {
				return err
			}
			before := s.Balances
			after, err := h.deps.refreshBalances(ctx, s)
			if err != nil {
				return err
			}
			repaired = !before.Equal(after)
			termID = after.TermID
			return nil
		})
		if err != nil {
			result.Failed[id] = err
			h.deps.log(ctx).Warn("balance rebuild failed", logger.StudentID(id), logger.Err(err))
			continue
		}
		if repaired {
			result.Repaired = append(result.Repaired, id)
			publish(h.deps.Publisher, shared.NewBalancesRebuiltEvent(id, termID))
		}
	}

	h.deps.log(ctx).Info("balance rebuild finished",
		logger.Int("checked", result.Checked),
		logger.Int("repaired", len(result.Repaired)),
		logger.Int("failed", len(result.Failed)),
	)
	return result, nil
}

package command

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/alem-hub/school-fee-ledger/internal/domain/fee"
	"github.com/alem-hub/school-fee-ledger/internal/domain/ledger"
	"github.com/alem-hub/school-fee-ledger/internal/domain/shared"
	"github.com/alem-hub/school-fee-ledger/internal/domain/student"
	"github.com/alem-hub/school-fee-ledger/internal/domain/term"
	"github.com/alem-hub/school-fee-ledger/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// LEDGER WRITER
// Shared plumbing of every handler that changes a student's balances.
// ══════════════════════════════════════════════════════════════════════════════

// LedgerDeps bundles the repositories and coordination primitives used by
// balance-affecting handlers.
type LedgerDeps struct {
	Students  student.Repository
	Terms     term.Repository
	Fees      fee.Repository
	Catalog   fee.CatalogRepository
	Payments  ledger.Repository
	Locker    StudentLocker
	Barrier   TermBarrier
	Publisher shared.EventPublisher
	Clock     Clock
	Logger    *logger.Logger
}

func (d LedgerDeps) now() time.Time {
	if d.Clock == nil {
		return SystemClock()
	}
	return d.Clock()
}

func (d LedgerDeps) log(ctx context.Context) *logger.Logger {
	fallback := d.Logger
	if fallback == nil {
		fallback = logger.Nop()
	}
	return logger.FromContext(ctx, fallback)
}

func (d LedgerDeps) projector() *ledger.Projector {
	return ledger.NewProjector(d.Terms, d.Fees, d.Payments)
}

// withStudentLock runs fn holding the shared side of the barrier and the student lock.
func (d LedgerDeps) withStudentLock(ctx context.Context, studentID string, fn func() error) error {
	releaseBarrier, err := d.Barrier.Shared(ctx)
	if err != nil {
		return err
	}
	defer releaseBarrier()

	unlock, err := d.Locker.Lock(ctx, studentID)
	if err != nil {
		if shared.IsBusy(err) {
			d.log(ctx).Warn("student lock contention", logger.StudentID(studentID), logger.Err(err))
		}
		return err
	}
	defer unlock()

	return fn()
}

// refreshBalances recomputes the materialized balances of s against the active
// term and commits them without a ledger record. Bases of terms other than the
// active one are pinned on the way. The caller holds the student lock and s
// carries the stored version. Without an active term nothing is written.
func (d LedgerDeps) refreshBalances(ctx context.Context, s *student.Student) (student.Balances, error) {
	active, rec, err := d.Terms.Active(ctx)
	if err != nil {
		if errors.Is(err, shared.ErrNoActiveTerm) {
			return s.Balances, nil
		}
		return student.Balances{}, fmt.Errorf("load active term: %w", err)
	}

	now := d.now()
	snap, err := d.projector().Load(ctx, s, now)
	if err != nil {
		return student.Balances{}, err
	}
	balances, err := snap.BalancesAt(active.ID, now)
	if err != nil {
		return student.Balances{}, err
	}
	d.warnUnset(ctx, s.ID, snap.Unset)

	if err := ctx.Err(); err != nil {
		return student.Balances{}, err
	}
	version, err := d.Payments.Append(ctx, ledger.Commit{
		StudentID:              s.ID,
		ExpectedStudentVersion: s.Version,
		CheckTermVersion:       true,
		ExpectedTermVersion:    rec.Version,
		NewBillings:            snap.PinnedBillings(active.ID),
		Balances:               balances,
	})
	if err != nil {
		return student.Balances{}, err
	}
	s.Version = version
	s.Balances = balances
	return balances, nil
}

// pinBillings fixes the current basis of every billed term except the active
// one. Call it before changing grade, boarding or bus so that past terms keep
// their charges. The caller holds the student lock; s.Version is advanced.
func (d LedgerDeps) pinBillings(ctx context.Context, s *student.Student) error {
	activeID := ""
	active, rec, err := d.Terms.Active(ctx)
	switch {
	case errors.Is(err, shared.ErrNoActiveTerm):
		if rec, err = d.Terms.ActiveVersion(ctx); err != nil {
			return fmt.Errorf("load active term: %w", err)
		}
	case err != nil:
		return fmt.Errorf("load active term: %w", err)
	default:
		activeID = active.ID
	}

	snap, err := d.projector().Load(ctx, s, d.now())
	if err != nil {
		return err
	}
	pins := snap.PinnedBillings(activeID)
	if len(pins) == 0 {
		return nil
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	version, err := d.Payments.Append(ctx, ledger.Commit{
		StudentID:              s.ID,
		ExpectedStudentVersion: s.Version,
		CheckTermVersion:       true,
		ExpectedTermVersion:    rec.Version,
		NewBillings:            pins,
		Balances:               s.Balances,
	})
	if err != nil {
		return fmt.Errorf("pin billings: %w", err)
	}
	s.Version = version
	d.log(ctx).Debug("billing bases pinned", logger.StudentID(s.ID), logger.Int("terms", len(pins)))
	return nil
}

func (d LedgerDeps) warnUnset(ctx context.Context, studentID string, keys []fee.Key) {
	for _, k := range keys {
		d.log(ctx).Warn("fee schedule entry unset, counted as zero",
			logger.StudentID(studentID),
			logger.FeeKey(string(k.Kind), k.RefID, k.TermID),
		)
	}
}

// checkBasis verifies that the grade and destination of a billing basis exist.
func (d LedgerDeps) checkBasis(ctx context.Context, gradeID, destinationID string) error {
	if gradeID != "" {
		if _, err := d.Catalog.GetGrade(ctx, gradeID); err != nil {
			return err
		}
	}
	if destinationID != "" {
		if _, err := d.Catalog.GetDestination(ctx, destinationID); err != nil {
			return err
		}
	}
	return nil
}

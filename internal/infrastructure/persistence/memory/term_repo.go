package memory

import (
	"context"
	"time"

	"github.com/alem-hub/school-fee-ledger/internal/domain/shared"
	"github.com/alem-hub/school-fee-ledger/internal/domain/term"
)

// TermRepository implements term.Repository.
type TermRepository struct {
	s *Store
}

var _ term.Repository = (*TermRepository)(nil)

// Create stores a new inactive term.
func (r *TermRepository) Create(ctx context.Context, t *term.Term) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	c := t.Clone()
	c.IsActive = false
	r.s.terms[t.ID] = c
	return nil
}

// GetByID returns a copy of the term.
func (r *TermRepository) GetByID(ctx context.Context, id string) (*term.Term, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	t, ok := r.s.terms[id]
	if !ok {
		return nil, shared.ErrTermNotFound
	}
	return t.Clone(), nil
}

// List returns all terms in chronological order.
func (r *TermRepository) List(ctx context.Context) ([]*term.Term, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.s.mu.RLock()
	out := make([]*term.Term, 0, len(r.s.terms))
	for _, t := range r.s.terms {
		out = append(out, t.Clone())
	}
	r.s.mu.RUnlock()

	term.SortChronologically(out)
	return out, nil
}

// Active returns the active term with the singleton record.
func (r *TermRepository) Active(ctx context.Context) (*term.Term, term.ActiveTerm, error) {
	if err := ctx.Err(); err != nil {
		return nil, term.ActiveTerm{}, err
	}
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	if !r.s.active.HasTerm() {
		return nil, r.s.active, shared.ErrNoTermActive
	}
	return r.s.terms[r.s.active.TermID].Clone(), r.s.active, nil
}

// ActiveVersion returns the singleton record.
func (r *TermRepository) ActiveVersion(ctx context.Context) (term.ActiveTerm, error) {
	if err := ctx.Err(); err != nil {
		return term.ActiveTerm{}, err
	}
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	return r.s.active, nil
}

// Activate switches the active term if the singleton is still at expectedVersion.
func (r *TermRepository) Activate(ctx context.Context, termID string, expectedVersion int64, at time.Time) (term.ActiveTerm, error) {
	if err := ctx.Err(); err != nil {
		return term.ActiveTerm{}, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if r.s.active.Version != expectedVersion {
		return term.ActiveTerm{}, shared.ErrActivationConflict
	}
	target, ok := r.s.terms[termID]
	if !ok {
		return term.ActiveTerm{}, shared.ErrTermNotFound
	}

	for _, t := range r.s.terms {
		t.IsActive = false
	}
	target.IsActive = true
	if target.OpenedAt == nil {
		opened := at
		target.OpenedAt = &opened
	}

	r.s.active = term.ActiveTerm{
		TermID:      termID,
		Version:     r.s.active.Version + 1,
		ActivatedAt: at,
	}
	return r.s.active, nil
}

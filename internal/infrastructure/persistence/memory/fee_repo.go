package memory

import (
	"context"
	"sort"
	"strings"

	"github.com/alem-hub/school-fee-ledger/internal/domain/fee"
	"github.com/alem-hub/school-fee-ledger/internal/domain/shared"
)

// FeeRepository implements fee.Repository.
type FeeRepository struct {
	s *Store
}

var _ fee.Repository = (*FeeRepository)(nil)

// Get returns the entry for key or shared.ErrFeeUnset.
func (r *FeeRepository) Get(ctx context.Context, key fee.Key) (*fee.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	e, ok := r.s.fees[key]
	if !ok {
		return nil, shared.ErrFeeUnset
	}
	c := *e
	c.Frozen = r.s.frozenLocked(key)
	return &c, nil
}

// Upsert writes the entry unless a billing references it.
func (r *FeeRepository) Upsert(ctx context.Context, entry *fee.Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if r.s.frozenLocked(entry.Key) {
		return shared.ErrFeeFrozen
	}
	c := *entry
	c.Frozen = false
	r.s.fees[entry.Key] = &c
	return nil
}

// ListForTerm returns the term's entries ordered by kind and reference.
func (r *FeeRepository) ListForTerm(ctx context.Context, termID string) ([]*fee.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.s.mu.RLock()
	out := make([]*fee.Entry, 0)
	for k, e := range r.s.fees {
		if k.TermID == termID {
			c := *e
			c.Frozen = r.s.frozenLocked(k)
			out = append(out, &c)
		}
	}
	r.s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].RefID < out[j].RefID
	})
	return out, nil
}

// CatalogRepository implements fee.CatalogRepository.
type CatalogRepository struct {
	s *Store
}

var _ fee.CatalogRepository = (*CatalogRepository)(nil)

// CreateGrade stores a grade with a unique name and level.
func (r *CatalogRepository) CreateGrade(ctx context.Context, g *fee.Grade) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	for _, existing := range r.s.grades {
		if strings.EqualFold(existing.Name, g.Name) || existing.Level == g.Level {
			return shared.ErrGradeExists
		}
	}
	c := *g
	r.s.grades[g.ID] = &c
	return nil
}

// GetGrade returns a grade or shared.ErrGradeNotFound.
func (r *CatalogRepository) GetGrade(ctx context.Context, id string) (*fee.Grade, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	g, ok := r.s.grades[id]
	if !ok {
		return nil, shared.ErrGradeNotFound
	}
	c := *g
	return &c, nil
}

// ListGrades returns grades ordered by level.
func (r *CatalogRepository) ListGrades(ctx context.Context) ([]*fee.Grade, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.s.mu.RLock()
	out := make([]*fee.Grade, 0, len(r.s.grades))
	for _, g := range r.s.grades {
		c := *g
		out = append(out, &c)
	}
	r.s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Level < out[j].Level })
	return out, nil
}

// CreateDestination stores a destination with a unique name.
func (r *CatalogRepository) CreateDestination(ctx context.Context, d *fee.Destination) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	for _, existing := range r.s.destinations {
		if strings.EqualFold(existing.Name, d.Name) {
			return shared.ErrDestinationExists
		}
	}
	c := *d
	r.s.destinations[d.ID] = &c
	return nil
}

// GetDestination returns a destination or shared.ErrDestinationNotFound.
func (r *CatalogRepository) GetDestination(ctx context.Context, id string) (*fee.Destination, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	d, ok := r.s.destinations[id]
	if !ok {
		return nil, shared.ErrDestinationNotFound
	}
	c := *d
	return &c, nil
}

// ListDestinations returns destinations ordered by name.
func (r *CatalogRepository) ListDestinations(ctx context.Context) ([]*fee.Destination, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.s.mu.RLock()
	out := make([]*fee.Destination, 0, len(r.s.destinations))
	for _, d := range r.s.destinations {
		c := *d
		out = append(out, &c)
	}
	r.s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

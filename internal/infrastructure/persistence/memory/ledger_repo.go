package memory

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alem-hub/school-fee-ledger/internal/domain/ledger"
	"github.com/alem-hub/school-fee-ledger/internal/domain/shared"
)

// LedgerRepository implements ledger.Repository.
type LedgerRepository struct {
	s *Store
}

var _ ledger.Repository = (*LedgerRepository)(nil)

// Append applies a commit atomically under the store lock.
func (r *LedgerRepository) Append(ctx context.Context, c ledger.Commit) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	st, ok := r.s.students[c.StudentID]
	if !ok {
		return 0, shared.ErrStudentNotFound
	}
	if st.Version != c.ExpectedStudentVersion {
		return 0, shared.ErrStudentVersion
	}
	if c.CheckTermVersion && r.s.active.Version != c.ExpectedTermVersion {
		return 0, shared.ErrTermChanged
	}
	for _, read := range c.Fees {
		amount, set := decimal.Zero, false
		if e, ok := r.s.fees[read.Key]; ok {
			amount, set = e.Amount, true
		}
		if !read.Matches(amount, set) {
			return 0, shared.ErrFeeChanged
		}
	}

	if p := c.Payment; p != nil {
		if p.IdempotencyKey != "" {
			if _, used := r.s.byIdempotency[p.IdempotencyKey]; used {
				return 0, shared.ErrDuplicatePayment
			}
		}
		if p.IsReversal() {
			if _, done := r.s.reversalOf[p.ReversesID]; done {
				return 0, shared.ErrAlreadyReversed
			}
		}

		stored := copyPayment(p)
		r.s.payments = append(r.s.payments, stored)
		r.s.paymentByID[p.ID] = stored
		if p.IdempotencyKey != "" {
			r.s.byIdempotency[p.IdempotencyKey] = p.ID
		}
		if p.IsReversal() {
			r.s.reversalOf[p.ReversesID] = p.ID
		}
	}

	byTerm := r.s.billings[c.StudentID]
	if byTerm == nil {
		byTerm = make(map[string]*ledger.Billing)
		r.s.billings[c.StudentID] = byTerm
	}
	for _, b := range c.NewBillings {
		if _, exists := byTerm[b.TermID]; exists {
			continue
		}
		bc := *b
		bc.Frozen = false
		byTerm[b.TermID] = &bc
	}
	if c.Payment != nil {
		for _, b := range byTerm {
			b.Frozen = true
		}
	}

	next := st.Clone()
	next.Balances = c.Balances
	next.Version = st.Version + 1
	r.s.students[c.StudentID] = next
	return next.Version, nil
}

// GetPayment returns a ledger record by ID.
func (r *LedgerRepository) GetPayment(ctx context.Context, id string) (*ledger.Payment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	p, ok := r.s.paymentByID[id]
	if !ok {
		return nil, shared.ErrPaymentNotFound
	}
	return copyPayment(p), nil
}

// GetByIdempotencyKey returns the payment recorded with key.
func (r *LedgerRepository) GetByIdempotencyKey(ctx context.Context, key string) (*ledger.Payment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	id, ok := r.s.byIdempotency[key]
	if !ok {
		return nil, shared.ErrPaymentNotFound
	}
	return copyPayment(r.s.paymentByID[id]), nil
}

// FindReversal returns the reversal of paymentID.
func (r *LedgerRepository) FindReversal(ctx context.Context, paymentID string) (*ledger.Payment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	id, ok := r.s.reversalOf[paymentID]
	if !ok {
		return nil, shared.ErrPaymentNotFound
	}
	return copyPayment(r.s.paymentByID[id]), nil
}

// ListByStudent returns the student's records chronologically.
func (r *LedgerRepository) ListByStudent(ctx context.Context, studentID string) ([]*ledger.Payment, error) {
	return r.filter(ctx, func(p *ledger.Payment) bool { return p.StudentID == studentID })
}

// ListByStudentTerm returns the student's records for one term chronologically.
func (r *LedgerRepository) ListByStudentTerm(ctx context.Context, studentID, termID string) ([]*ledger.Payment, error) {
	return r.filter(ctx, func(p *ledger.Payment) bool {
		return p.StudentID == studentID && p.TermID == termID
	})
}

// ListBetween returns records with PaidAt in [from, to).
func (r *LedgerRepository) ListBetween(ctx context.Context, from, to time.Time) ([]*ledger.Payment, error) {
	return r.filter(ctx, func(p *ledger.Payment) bool {
		return !p.PaidAt.Before(from) && p.PaidAt.Before(to)
	})
}

// Billings returns the student's pinned billing bases.
func (r *LedgerRepository) Billings(ctx context.Context, studentID string) ([]*ledger.Billing, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	out := make([]*ledger.Billing, 0, len(r.s.billings[studentID]))
	for _, b := range r.s.billings[studentID] {
		c := *b
		out = append(out, &c)
	}
	return out, nil
}

func (r *LedgerRepository) filter(ctx context.Context, keep func(*ledger.Payment) bool) ([]*ledger.Payment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.s.mu.RLock()
	matched := make([]*ledger.Payment, 0)
	for _, p := range r.s.payments {
		if keep(p) {
			matched = append(matched, p)
		}
	}
	out := copyPayments(matched)
	r.s.mu.RUnlock()
	return out, nil
}

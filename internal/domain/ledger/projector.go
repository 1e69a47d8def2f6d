package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/alem-hub/school-fee-ledger/internal/domain/fee"
	"github.com/alem-hub/school-fee-ledger/internal/domain/student"
	"github.com/alem-hub/school-fee-ledger/internal/domain/term"
)

// Projector загружает счёт ученика из хранилищ и собирает Snapshot.
// Сам ничего не пишет.
type Projector struct {
	terms    term.Repository
	fees     fee.Repository
	payments Repository
}

// NewProjector создаёт Projector.
func NewProjector(terms term.Repository, fees fee.Repository, payments Repository) *Projector {
	return &Projector{terms: terms, fees: fees, payments: payments}
}

// Load собирает счёт ученика s. Основания для четвертей без начислений
// берутся из текущего зачисления и возвращаются в Snapshot.NewBillings.
func (p *Projector) Load(ctx context.Context, s *student.Student, now time.Time) (*Snapshot, error) {
	terms, err := p.terms.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list terms: %w", err)
	}
	term.SortChronologically(terms)

	existing, err := p.payments.Billings(ctx, s.ID)
	if err != nil {
		return nil, fmt.Errorf("load billings: %w", err)
	}
	byTerm := make(map[string]*Billing, len(existing))
	billed := make(map[string]bool, len(existing))
	for _, b := range existing {
		byTerm[b.TermID] = b
		billed[b.TermID] = true
	}

	billable := BillableTerms(s, terms, billed)

	snap := &Snapshot{
		Student: s,
		Terms:   billable,
		Account: &Account{Opening: s.OpeningArrears},
	}

	for _, t := range billable {
		b, ok := byTerm[t.ID]
		if !ok {
			b = &Billing{StudentID: s.ID, TermID: t.ID, Basis: s.Basis(), CreatedAt: now}
			snap.NewBillings = append(snap.NewBillings, b)
		}
		charge, err := fee.Resolve(ctx, p.fees, t.ID, b.Basis)
		if err != nil {
			return nil, fmt.Errorf("resolve fees for term %s: %w", t.ID, err)
		}
		snap.Unset = append(snap.Unset, charge.Unset...)
		snap.Account.Charges = append(snap.Account.Charges, charge)
	}

	payments, err := p.payments.ListByStudent(ctx, s.ID)
	if err != nil {
		return nil, fmt.Errorf("load payments: %w", err)
	}
	SortPayments(payments)
	snap.Account.Payments = payments

	return snap, nil
}

package ledger

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alem-hub/school-fee-ledger/internal/domain/fee"
	"github.com/alem-hub/school-fee-ledger/internal/domain/shared"
	"github.com/alem-hub/school-fee-ledger/internal/domain/student"
	"github.com/alem-hub/school-fee-ledger/internal/domain/term"
)

// ══════════════════════════════════════════════════════════════════════════════
// ACCOUNT
// ══════════════════════════════════════════════════════════════════════════════

// Account - всё, из чего проецируются балансы одного ученика:
// начальный долг, начисления по четвертям в хронологическом порядке и журнал.
type Account struct {
	Opening  decimal.Decimal
	Charges  []fee.Charge
	Payments []*Payment
}

// With возвращает копию счёта с добавленным платежом.
func (a *Account) With(p *Payment) *Account {
	payments := make([]*Payment, 0, len(a.Payments)+1)
	payments = append(payments, a.Payments...)
	payments = append(payments, p)
	return &Account{Opening: a.Opening, Charges: a.Charges, Payments: payments}
}

func (a *Account) indexOf(termID string) int {
	for i, c := range a.Charges {
		if c.TermID == termID {
			return i
		}
	}
	return -1
}

// ObligationsAt проецирует обязательства относительно четверти termID.
//
// Обучение прошлых четвертей и начальный долг образуют общий пул:
// всё, что уплачено в прошлых четвертях (кроме автобуса), и погашение
// долга в этой четверти уменьшают его. Положительный остаток - arrears,
// отрицательный - переплата, которая уменьшает обучение этой четверти.
//
// Погашение долга в более поздних четвертях закрывает сначала пул,
// затем обучение этой четверти. Платежи идут в порядке записи, поэтому
// задним числом внесённая сумма видит уже погашенный долг.
func (a *Account) ObligationsAt(termID string) (Obligations, error) {
	idx := a.indexOf(termID)
	if idx < 0 {
		return Obligations{}, fmt.Errorf("%w: %s", shared.ErrLedgerUnknownTerm, termID)
	}

	pool := shared.NonNegative(a.Opening)
	for _, c := range a.Charges[:idx] {
		pool = pool.Add(c.Tuition)
	}
	due := a.Charges[idx].Tuition
	busPaid := decimal.Zero

	payments := recordingOrder(a.Payments)
	reversed := make(map[string]bool)
	for _, p := range payments {
		if p.IsReversal() {
			reversed[p.ReversesID] = true
		}
	}

	for _, p := range payments {
		pi := a.indexOf(p.TermID)
		al := p.Allocation
		switch {
		case pi < 0:
			return Obligations{}, fmt.Errorf("%w: payment %s references term %s",
				shared.ErrLedgerUnknownTerm, p.ID, p.TermID)
		case pi < idx:
			pool = pool.Sub(al.Arrears).Sub(al.Tuition).Sub(al.Credit)
		case pi == idx:
			pool = pool.Sub(al.Arrears)
			due = due.Sub(al.Tuition).Sub(al.Credit)
			busPaid = busPaid.Add(al.Bus)
		case p.IsReversal() || reversed[p.ID]:
			// сторнированная пара в поздней четверти не гасит ничего
		default:
			pool, due = settleLater(pool, due, al.Arrears)
		}
	}

	carried := shared.NonNegative(pool.Neg())
	current := due.Sub(carried)

	return Obligations{
		TermID:     termID,
		Arrears:    shared.NonNegative(pool),
		TuitionDue: shared.NonNegative(current),
		BusDue:     shared.NonNegative(a.Charges[idx].Bus.Sub(busPaid)),
		Credit:     shared.NonNegative(current.Neg()),
	}, nil
}

// settleLater применяет погашение долга из более поздней четверти:
// сначала к пулу, остаток - к ещё открытому обучению четверти.
func settleLater(pool, due, amount decimal.Decimal) (decimal.Decimal, decimal.Decimal) {
	if !amount.IsPositive() {
		return pool, due
	}
	if pool.IsPositive() {
		part := decimal.Min(pool, amount)
		pool = pool.Sub(part)
		amount = amount.Sub(part)
	}
	open := due.Add(decimal.Min(pool, decimal.Zero))
	if open.IsPositive() && amount.IsPositive() {
		due = due.Sub(decimal.Min(open, amount))
	}
	return pool, due
}

// recordingOrder возвращает копию журнала в порядке записи.
func recordingOrder(ps []*Payment) []*Payment {
	out := make([]*Payment, len(ps))
	copy(out, ps)
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].RecordedAt.Equal(out[j].RecordedAt) {
			return out[i].RecordedAt.Before(out[j].RecordedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// TermStatement - итоги по одной четверти для выписки.
type TermStatement struct {
	TermID         string
	TuitionCharged decimal.Decimal
	BusCharged     decimal.Decimal
	TuitionPaid    decimal.Decimal // обучение + переплата, внесённые в этой четверти
	ArrearsPaid    decimal.Decimal // погашение прошлых долгов в этой четверти
	BusPaid        decimal.Decimal
	BusOutstanding decimal.Decimal
	Payments       int
}

// Statement возвращает итоги по всем четвертям счёта.
// Недоплата за автобус прошлых четвертей видна здесь, в arrears она не входит.
func (a *Account) Statement() []TermStatement {
	out := make([]TermStatement, len(a.Charges))
	for i, c := range a.Charges {
		out[i] = TermStatement{
			TermID:         c.TermID,
			TuitionCharged: c.Tuition,
			BusCharged:     c.Bus,
			TuitionPaid:    decimal.Zero,
			ArrearsPaid:    decimal.Zero,
			BusPaid:        decimal.Zero,
		}
	}
	for _, p := range a.Payments {
		i := a.indexOf(p.TermID)
		if i < 0 {
			continue
		}
		out[i].TuitionPaid = out[i].TuitionPaid.Add(p.Allocation.Tuition).Add(p.Allocation.Credit)
		out[i].ArrearsPaid = out[i].ArrearsPaid.Add(p.Allocation.Arrears)
		out[i].BusPaid = out[i].BusPaid.Add(p.Allocation.Bus)
		out[i].Payments++
	}
	for i := range out {
		out[i].BusOutstanding = shared.NonNegative(out[i].BusCharged.Sub(out[i].BusPaid))
	}
	return out
}

// ══════════════════════════════════════════════════════════════════════════════
// BILLABLE TERMS
// ══════════════════════════════════════════════════════════════════════════════

// BillableTerms отбирает из хронологически упорядоченных terms четверти,
// за которые ученику выставляются начисления: открытые четверти начиная с
// FirstTermID, а если ученик зачислен без активной четверти - открытые
// после зачисления и текущая активная. Четверти с уже зафиксированным начислением (billed)
// включаются всегда.
func BillableTerms(s *student.Student, terms []*term.Term, billed map[string]bool) []*term.Term {
	firstIdx := -1
	if s.FirstTermID != "" {
		for i, t := range terms {
			if t.ID == s.FirstTermID {
				firstIdx = i
				break
			}
		}
	}

	out := make([]*term.Term, 0, len(terms))
	for i, t := range terms {
		switch {
		case billed[t.ID]:
			out = append(out, t)
		case !t.IsOpen():
		case firstIdx >= 0 && i >= firstIdx:
			out = append(out, t)
		case firstIdx < 0 && (t.IsActive || !t.OpenedAt.Before(s.EnrolledAt)):
			out = append(out, t)
		}
	}
	return out
}

// ══════════════════════════════════════════════════════════════════════════════
// SNAPSHOT
// ══════════════════════════════════════════════════════════════════════════════

// Snapshot - загруженный счёт ученика вместе с тем, что нужно записать при коммите.
type Snapshot struct {
	Student *student.Student
	Terms   []*term.Term
	Account *Account

	// NewBillings - основания начислений, ещё не зафиксированные в хранилище.
	NewBillings []*Billing

	// Unset - тарифы, отсутствующие в сетке и посчитанные как ноль.
	Unset []fee.Key
}

// PinnedBillings возвращает новые основания всех четвертей, кроме activeID.
// Активная четверть остаётся открытой для смены зачисления до первого платежа.
func (s *Snapshot) PinnedBillings(activeID string) []*Billing {
	var out []*Billing
	for _, b := range s.NewBillings {
		if b.TermID != activeID {
			out = append(out, b)
		}
	}
	return out
}

// FeeReads возвращает все записи сетки, прочитанные при загрузке счёта.
func (s *Snapshot) FeeReads() []fee.Reading {
	var out []fee.Reading
	for _, c := range s.Account.Charges {
		out = append(out, c.Reads...)
	}
	return out
}

// Billable проверяет, выставляются ли ученику начисления за termID.
func (s *Snapshot) Billable(termID string) bool {
	for _, t := range s.Terms {
		if t.ID == termID {
			return true
		}
	}
	return false
}

// BalancesAt возвращает балансы относительно termID.
// Если четверть ученику не начисляется, балансы нулевые (с учётом начального долга).
func (s *Snapshot) BalancesAt(termID string, now time.Time) (student.Balances, error) {
	if !s.Billable(termID) {
		b := student.ZeroBalances()
		b.TermID = termID
		b.Arrears = shared.NonNegative(s.Account.Opening)
		b.TuitionBalance = b.Arrears
		b.ComputedAt = now
		return b, nil
	}
	o, err := s.Account.ObligationsAt(termID)
	if err != nil {
		return student.Balances{}, err
	}
	b := o.Balances()
	b.ComputedAt = now
	return b, nil
}

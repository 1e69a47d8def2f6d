// Package ledger содержит журнал платежей и движок распределения.
//
// Платёж - неизменяемое событие. Балансы ученика - проекция журнала:
// они пересчитываются из начислений и всех платежей при каждом коммите,
// поэтому журнал можно переиграть для аудита.
package ledger

import (
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alem-hub/school-fee-ledger/internal/domain/fee"
	"github.com/alem-hub/school-fee-ledger/internal/domain/shared"
	"github.com/alem-hub/school-fee-ledger/internal/domain/student"
)

// ══════════════════════════════════════════════════════════════════════════════
// ALLOCATION
// ══════════════════════════════════════════════════════════════════════════════

// Allocation - разбивка суммы платежа. Сумма компонент всегда равна сумме платежа.
type Allocation struct {
	Arrears decimal.Decimal
	Tuition decimal.Decimal
	Bus     decimal.Decimal
	Credit  decimal.Decimal
}

// Total возвращает сумму компонент.
func (a Allocation) Total() decimal.Decimal {
	return a.Arrears.Add(a.Tuition).Add(a.Bus).Add(a.Credit)
}

// Negate возвращает зеркальную разбивку для сторнирующего платежа.
func (a Allocation) Negate() Allocation {
	return Allocation{
		Arrears: a.Arrears.Neg(),
		Tuition: a.Tuition.Neg(),
		Bus:     a.Bus.Neg(),
		Credit:  a.Credit.Neg(),
	}
}

// Strings возвращает компоненты в порядке arrears, tuition, bus, credit.
func (a Allocation) Strings() [4]string {
	return [4]string{a.Arrears.String(), a.Tuition.String(), a.Bus.String(), a.Credit.String()}
}

// ══════════════════════════════════════════════════════════════════════════════
// PAYMENT
// ══════════════════════════════════════════════════════════════════════════════

// Kind - вид записи журнала.
type Kind string

const (
	// KindPayment - поступление денег.
	KindPayment Kind = "payment"
	// KindReversal - сторно ранее записанного платежа.
	KindReversal Kind = "reversal"
)

// Payment - запись журнала. После коммита не меняется.
type Payment struct {
	ID        string
	StudentID string
	TermID    string

	// Amount > 0 для платежа, < 0 для сторно.
	Amount decimal.Decimal
	Method shared.PaymentMethod

	// PaidAt - дата платежа, RecordedAt - момент записи в журнал.
	PaidAt     time.Time
	RecordedAt time.Time

	Description string
	Kind        Kind

	// ReversesID - платёж, который сторнирует эта запись.
	ReversesID string

	// IdempotencyKey - ключ клиента для безопасного повтора запроса.
	IdempotencyKey string

	Allocation Allocation

	// BalanceAfter - балансы по четверти TermID сразу после платежа (для квитанции).
	BalanceAfter student.Balances
}

// NewPaymentParams - параметры нового платежа.
type NewPaymentParams struct {
	StudentID      string
	TermID         string
	Amount         decimal.Decimal
	Method         shared.PaymentMethod
	PaidAt         time.Time
	Description    string
	IdempotencyKey string
	Now            time.Time
}

// NewPayment проверяет параметры и создаёт платёж без разбивки.
func NewPayment(p NewPaymentParams) (*Payment, error) {
	if !p.Amount.IsPositive() {
		return nil, shared.WrapError("ledger", "Record", shared.ErrValidation,
			"amount must be greater than zero", shared.ErrInvalidPayment)
	}
	if !p.Method.IsValid() {
		return nil, shared.ErrInvalidMethod
	}
	if strings.TrimSpace(p.StudentID) == "" || strings.TrimSpace(p.TermID) == "" {
		return nil, shared.WrapError("ledger", "Record", shared.ErrValidation,
			"student and term are required", shared.ErrInvalidPayment)
	}
	now := p.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	paidAt := p.PaidAt
	if paidAt.IsZero() {
		paidAt = now
	}
	return &Payment{
		ID:             shared.NewID(),
		StudentID:      p.StudentID,
		TermID:         p.TermID,
		Amount:         p.Amount,
		Method:         p.Method,
		PaidAt:         paidAt,
		RecordedAt:     now,
		Description:    strings.TrimSpace(p.Description),
		Kind:           KindPayment,
		IdempotencyKey: strings.TrimSpace(p.IdempotencyKey),
	}, nil
}

// NewReversal строит сторно для original.
func NewReversal(original *Payment, reason string, now time.Time) (*Payment, error) {
	if original.Kind == KindReversal {
		return nil, shared.ErrReverseReversal
	}
	desc := "reversal of " + original.ID
	if r := strings.TrimSpace(reason); r != "" {
		desc += ": " + r
	}
	return &Payment{
		ID:          shared.NewID(),
		StudentID:   original.StudentID,
		TermID:      original.TermID,
		Amount:      original.Amount.Neg(),
		Method:      original.Method,
		PaidAt:      now,
		RecordedAt:  now,
		Description: desc,
		Kind:        KindReversal,
		ReversesID:  original.ID,
		Allocation:  original.Allocation.Negate(),
	}, nil
}

// IsReversal возвращает true для сторнирующих записей.
func (p *Payment) IsReversal() bool {
	return p.Kind == KindReversal
}

// SortPayments упорядочивает платежи хронологически: PaidAt, RecordedAt, ID.
func SortPayments(ps []*Payment) {
	sort.SliceStable(ps, func(i, j int) bool {
		a, b := ps[i], ps[j]
		if !a.PaidAt.Equal(b.PaidAt) {
			return a.PaidAt.Before(b.PaidAt)
		}
		if !a.RecordedAt.Equal(b.RecordedAt) {
			return a.RecordedAt.Before(b.RecordedAt)
		}
		return a.ID < b.ID
	})
}

// ══════════════════════════════════════════════════════════════════════════════
// BILLING
// ══════════════════════════════════════════════════════════════════════════════

// Billing - зафиксированное основание начисления ученику за четверть.
// Создаётся первым платежом ученика либо для прошлых четвертей перед
// сменой зачисления, и больше не меняется.
type Billing struct {
	StudentID string
	TermID    string
	Basis     fee.Basis
	CreatedAt time.Time

	// Frozen - после основания записан платёж; тарифы по нему больше не правятся.
	Frozen bool
}

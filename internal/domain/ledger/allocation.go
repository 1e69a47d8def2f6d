package ledger

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/alem-hub/school-fee-ledger/internal/domain/shared"
	"github.com/alem-hub/school-fee-ledger/internal/domain/student"
)

// Obligations - что ученик должен относительно четверти TermID.
type Obligations struct {
	TermID string

	// Arrears - неоплаченное обучение прошлых четвертей (и начальный долг).
	Arrears decimal.Decimal

	// TuitionDue - обучение этой четверти за вычетом оплаченного и переплаты.
	TuitionDue decimal.Decimal

	// BusDue - автобус этой четверти за вычетом оплаченного.
	BusDue decimal.Decimal

	// Credit - переплата, ещё не покрывшая начисления.
	Credit decimal.Decimal
}

// Total возвращает всё, что можно погасить платежом.
func (o Obligations) Total() decimal.Decimal {
	return o.Arrears.Add(o.TuitionDue).Add(o.BusDue)
}

// Balances переводит обязательства в материализованные балансы ученика.
func (o Obligations) Balances() student.Balances {
	return student.Balances{
		TermID:         o.TermID,
		TuitionBalance: o.Arrears.Add(o.TuitionDue),
		BusBalance:     o.BusDue,
		Arrears:        o.Arrears,
		Credit:         o.Credit,
	}
}

// Allocate распределяет amount в фиксированном порядке:
// долг прошлых четвертей → обучение → автобус → переплата.
// Каждая часть ограничена остатком суммы и своим долгом.
//
// Несовпадение суммы разбивки с amount - ошибка в программе, поэтому panic.
func Allocate(amount decimal.Decimal, due Obligations) (Allocation, error) {
	if !amount.IsPositive() {
		return Allocation{}, shared.WrapError("ledger", "Allocate", shared.ErrValidation,
			"amount must be greater than zero", shared.ErrInvalidPayment)
	}

	remaining := amount
	take := func(owed decimal.Decimal) decimal.Decimal {
		part := shared.MinAmount(remaining, shared.NonNegative(owed))
		remaining = remaining.Sub(part)
		return part
	}

	alloc := Allocation{}
	alloc.Arrears = take(due.Arrears)
	alloc.Tuition = take(due.TuitionDue)
	alloc.Bus = take(due.BusDue)
	alloc.Credit = remaining

	if !alloc.Total().Equal(amount) {
		panic(fmt.Sprintf("ledger: allocation %s does not sum to payment amount %s", alloc.Total(), amount))
	}
	return alloc, nil
}

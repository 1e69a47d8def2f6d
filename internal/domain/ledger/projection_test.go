package ledger

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/school-fee-ledger/internal/domain/fee"
	"github.com/alem-hub/school-fee-ledger/internal/domain/shared"
	"github.com/alem-hub/school-fee-ledger/internal/domain/student"
	"github.com/alem-hub/school-fee-ledger/internal/domain/term"
)

// pay allocates amount against the account at termID and appends the payment.
func pay(t *testing.T, acc *Account, termID, amount string) (*Account, *Payment) {
	t.Helper()
	due, err := acc.ObligationsAt(termID)
	require.NoError(t, err)
	alloc, err := Allocate(d(amount), due)
	require.NoError(t, err)
	p := &Payment{
		ID:         shared.NewID(),
		TermID:     termID,
		Amount:     d(amount),
		Method:     shared.MethodCash,
		Kind:       KindPayment,
		Allocation: alloc,
		PaidAt:     time.Now(),
		RecordedAt: recordedBase.Add(time.Duration(len(acc.Payments)) * time.Second),
	}
	return acc.With(p), p
}

var recordedBase = time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)

func charge(termID, tuition, bus string) fee.Charge {
	return fee.Charge{TermID: termID, Tuition: d(tuition), Bus: d(bus)}
}

func TestObligations_EndToEndScenario(t *testing.T) {
	// GIVEN T1 tuition 5000, no bus
	acc := &Account{Opening: decimal.Zero, Charges: []fee.Charge{charge("T1", "5000", "0")}}

	// WHEN 2000 is paid
	acc, _ = pay(t, acc, "T1", "2000")
	o, err := acc.ObligationsAt("T1")
	require.NoError(t, err)
	assert.Equal(t, "3000", o.Balances().TuitionBalance.String())

	// WHEN 3500 more is paid
	acc, p := pay(t, acc, "T1", "3500")
	assert.Equal(t, "3000", p.Allocation.Tuition.String())
	assert.Equal(t, "500", p.Allocation.Credit.String())
	o, err = acc.ObligationsAt("T1")
	require.NoError(t, err)
	assert.True(t, o.Balances().TuitionBalance.IsZero())
	assert.Equal(t, "500", o.Credit.String())

	// WHEN T2 opens with tuition 6000
	acc.Charges = append(acc.Charges, charge("T2", "6000", "0"))
	o, err = acc.ObligationsAt("T2")
	require.NoError(t, err)

	// THEN arrears are zero and the credit reduces the new tuition
	assert.True(t, o.Arrears.IsZero())
	assert.Equal(t, "5500", o.Balances().TuitionBalance.String())
	assert.True(t, o.Credit.IsZero())
}

func TestObligations_BusScenario(t *testing.T) {
	acc := &Account{Opening: decimal.Zero, Charges: []fee.Charge{charge("T", "4000", "1000")}}

	acc, p := pay(t, acc, "T", "4500")

	assert.Equal(t, "4000", p.Allocation.Tuition.String())
	assert.Equal(t, "500", p.Allocation.Bus.String())
	o, err := acc.ObligationsAt("T")
	require.NoError(t, err)
	b := o.Balances()
	assert.True(t, b.TuitionBalance.IsZero())
	assert.Equal(t, "500", b.BusBalance.String())
}

func TestObligations_UnpaidTuitionBecomesArrears(t *testing.T) {
	acc := &Account{Opening: decimal.Zero, Charges: []fee.Charge{charge("T1", "5000", "1000")}}
	acc, _ = pay(t, acc, "T1", "2000")
	acc.Charges = append(acc.Charges, charge("T2", "5000", "1000"))

	o, err := acc.ObligationsAt("T2")
	require.NoError(t, err)
	assert.Equal(t, "3000", o.Arrears.String())
	assert.Equal(t, "5000", o.TuitionDue.String())
	assert.Equal(t, "8000", o.Balances().TuitionBalance.String())
	assert.Equal(t, "1000", o.BusDue.String())

	// arrears-first in the new term
	acc, p := pay(t, acc, "T2", "2500")
	assert.Equal(t, "2500", p.Allocation.Arrears.String())
	o, err = acc.ObligationsAt("T2")
	require.NoError(t, err)
	assert.Equal(t, "500", o.Arrears.String())

	// arrears paid in T2 settle the T1 tuition first
	o1, err := acc.ObligationsAt("T1")
	require.NoError(t, err)
	assert.Equal(t, "500", o1.TuitionDue.String())
	assert.True(t, o1.Credit.IsZero())
}

func TestObligations_BackdatedPaymentAfterArrearsSettled(t *testing.T) {
	// GIVEN T1 tuition 5000 left unpaid and T2 tuition 6000
	acc := &Account{Opening: decimal.Zero, Charges: []fee.Charge{
		charge("T1", "5000", "0"),
		charge("T2", "6000", "0"),
	}}

	// WHEN the T1 debt is cleared during T2
	acc, p := pay(t, acc, "T2", "5000")
	require.Equal(t, "5000", p.Allocation.Arrears.String())

	o1, err := acc.ObligationsAt("T1")
	require.NoError(t, err)
	assert.True(t, o1.TuitionDue.IsZero())

	// AND a late T1 receipt of 1000 is entered afterwards
	acc, late := pay(t, acc, "T1", "1000")

	// THEN it is an overpayment, not T1 tuition
	assert.True(t, late.Allocation.Tuition.IsZero())
	assert.Equal(t, "1000", late.Allocation.Credit.String())

	after, err := acc.ObligationsAt("T1")
	require.NoError(t, err)
	b := after.Balances()
	assert.True(t, b.TuitionBalance.IsZero())
	assert.Equal(t, "1000", b.Credit.String())

	// the overpayment carries into T2
	o2, err := acc.ObligationsAt("T2")
	require.NoError(t, err)
	assert.True(t, o2.Arrears.IsZero())
	assert.Equal(t, "5000", o2.TuitionDue.String())
}

func TestObligations_LaterArrearsPaysOlderDebtFirst(t *testing.T) {
	acc := &Account{Opening: d("1000"), Charges: []fee.Charge{
		charge("T1", "4000", "0"),
		charge("T2", "4000", "0"),
		charge("T3", "4000", "0"),
	}}

	// 3000 of arrears paid in T3 settle the opening debt, then T1
	acc, p := pay(t, acc, "T3", "3000")
	require.Equal(t, "3000", p.Allocation.Arrears.String())

	o1, err := acc.ObligationsAt("T1")
	require.NoError(t, err)
	assert.True(t, o1.Arrears.IsZero())
	assert.Equal(t, "2000", o1.TuitionDue.String())

	// a reversed later payment settles nothing
	rev, err := NewReversal(p, "entered twice", time.Now())
	require.NoError(t, err)
	rev.RecordedAt = recordedBase.Add(time.Hour)
	acc = acc.With(rev)
	o1, err = acc.ObligationsAt("T1")
	require.NoError(t, err)
	assert.Equal(t, "1000", o1.Arrears.String())
	assert.Equal(t, "4000", o1.TuitionDue.String())
}

func TestObligations_OpeningArrears(t *testing.T) {
	acc := &Account{Opening: d("1200"), Charges: []fee.Charge{charge("T1", "5000", "0")}}

	o, err := acc.ObligationsAt("T1")
	require.NoError(t, err)
	assert.Equal(t, "1200", o.Arrears.String())

	_, p := pay(t, acc, "T1", "1000")
	assert.Equal(t, "1000", p.Allocation.Arrears.String())
}

func TestObligations_ReversalRestoresBalances(t *testing.T) {
	acc := &Account{Opening: decimal.Zero, Charges: []fee.Charge{charge("T", "4000", "1000")}}
	before, err := acc.ObligationsAt("T")
	require.NoError(t, err)

	acc, p := pay(t, acc, "T", "4700")
	rev, err := NewReversal(p, "bounced cheque", time.Now())
	require.NoError(t, err)
	acc = acc.With(rev)

	after, err := acc.ObligationsAt("T")
	require.NoError(t, err)
	assert.True(t, before.Balances().Equal(after.Balances()))
	assert.True(t, rev.Allocation.Total().Equal(rev.Amount))
	assert.Equal(t, "-4700", rev.Amount.String())
}

func TestNewReversal_RejectsReversal(t *testing.T) {
	rev := &Payment{ID: "r", Kind: KindReversal}
	_, err := NewReversal(rev, "", time.Now())
	assert.ErrorIs(t, err, shared.ErrReverseReversal)
}

func TestObligations_UnknownTerm(t *testing.T) {
	acc := &Account{Charges: []fee.Charge{charge("T1", "1", "0")}}
	_, err := acc.ObligationsAt("T9")
	assert.ErrorIs(t, err, shared.ErrNotFound)
}

func TestStatement(t *testing.T) {
	acc := &Account{Opening: decimal.Zero, Charges: []fee.Charge{charge("T1", "4000", "1000")}}
	acc, _ = pay(t, acc, "T1", "4300")
	acc.Charges = append(acc.Charges, charge("T2", "4000", "1000"))

	st := acc.Statement()
	require.Len(t, st, 2)
	assert.Equal(t, "4000", st[0].TuitionPaid.String())
	assert.Equal(t, "300", st[0].BusPaid.String())
	assert.Equal(t, "700", st[0].BusOutstanding.String())
	assert.Equal(t, 1, st[0].Payments)
	assert.Equal(t, 0, st[1].Payments)
	assert.Equal(t, "1000", st[1].BusOutstanding.String())
}

func TestNewPayment_Validation(t *testing.T) {
	base := NewPaymentParams{StudentID: "s", TermID: "t", Amount: d("10"), Method: shared.MethodCash}

	p, err := NewPayment(base)
	require.NoError(t, err)
	assert.Equal(t, KindPayment, p.Kind)
	assert.False(t, p.PaidAt.IsZero())

	bad := base
	bad.Amount = decimal.Zero
	_, err = NewPayment(bad)
	assert.ErrorIs(t, err, shared.ErrInvalidPayment)

	bad = base
	bad.Method = "cheque"
	_, err = NewPayment(bad)
	assert.ErrorIs(t, err, shared.ErrValidation)
}

func TestBillableTerms(t *testing.T) {
	opened := func(name string, start time.Time, openedAt *time.Time) *term.Term {
		tm, err := term.NewTerm(name, start, start.AddDate(0, 3, 0))
		require.NoError(t, err)
		tm.OpenedAt = openedAt
		return tm
	}
	enrolled := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	early := enrolled.AddDate(0, -4, 0)
	late := enrolled.AddDate(0, 1, 0)

	t1 := opened("T1", time.Date(2024, 1, 8, 0, 0, 0, 0, time.UTC), &early)
	t2 := opened("T2", time.Date(2024, 5, 6, 0, 0, 0, 0, time.UTC), &late)
	t3 := opened("T3", time.Date(2024, 9, 2, 0, 0, 0, 0, time.UTC), nil)
	terms := []*term.Term{t1, t2, t3}

	s := &student.Student{ID: "s", EnrolledAt: enrolled}
	assert.Equal(t, []*term.Term{t2}, BillableTerms(s, terms, nil))

	s.FirstTermID = t1.ID
	assert.Equal(t, []*term.Term{t1, t2}, BillableTerms(s, terms, nil))

	s.FirstTermID = t2.ID
	assert.Equal(t, []*term.Term{t1, t2}, BillableTerms(s, terms, map[string]bool{t1.ID: true}))
}

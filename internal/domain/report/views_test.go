package report

import (
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/school-fee-ledger/internal/domain/ledger"
	"github.com/alem-hub/school-fee-ledger/internal/domain/shared"
	"github.com/alem-hub/school-fee-ledger/internal/domain/student"
	"github.com/alem-hub/school-fee-ledger/pkg/timeutil"
)

func payment(id, studentID, termID, amount string, method shared.PaymentMethod, paidAt time.Time) *ledger.Payment {
	return &ledger.Payment{
		ID:         id,
		StudentID:  studentID,
		TermID:     termID,
		Amount:     decimal.RequireFromString(amount),
		Method:     method,
		Kind:       ledger.KindPayment,
		PaidAt:     paidAt,
		RecordedAt: paidAt,
	}
}

func at(y int, m time.Month, d, h int) time.Time {
	return timeutil.Date(y, m, d).Add(time.Duration(h) * time.Hour)
}

func sample() []*ledger.Payment {
	return []*ledger.Payment{
		payment("p3", "s1", "t1", "1500", shared.MethodBankTransfer, at(2024, 3, 2, 9)),
		payment("p1", "s1", "t1", "2000", shared.MethodCash, at(2024, 2, 28, 10)),
		payment("p2", "s2", "t1", "500.50", shared.MethodMobileMoney, at(2024, 2, 28, 15)),
		payment("p4", "s1", "t2", "700", shared.MethodCash, at(2024, 3, 2, 11)),
	}
}

func TestByDay(t *testing.T) {
	days := ByDay(sample())

	require.Len(t, days, 2)
	assert.Equal(t, "2024-02-28", days[0].Date)
	assert.Equal(t, "2500.5", days[0].Total.String())
	assert.Equal(t, 2, days[0].Payments)
	assert.Equal(t, "2024-03-02", days[1].Date)
	assert.Equal(t, "2200", days[1].Total.String())
}

func TestByMonth(t *testing.T) {
	months := ByMonth(sample())

	require.Len(t, months, 2)
	assert.Equal(t, "2024-02", months[0].Month)
	assert.Equal(t, "2500.5", months[0].Total.String())
	assert.Equal(t, "2024-03", months[1].Month)
	assert.Equal(t, 2, months[1].Payments)
}

func TestByMethod(t *testing.T) {
	methods := ByMethod(sample())

	require.Len(t, methods, 3)
	assert.Equal(t, "bank-transfer", methods[0].Method)
	assert.Equal(t, "cash", methods[1].Method)
	assert.Equal(t, "2700", methods[1].Total.String())
}

func TestViews_EmptyInput(t *testing.T) {
	assert.Empty(t, ByDay(nil))
	assert.Empty(t, ByMonth(nil))
	assert.True(t, Sum(nil).IsZero())
	assert.NotNil(t, ForStudentTerm(nil, "s", "t"))
}

func TestForStudentTerm_ChronologicalAndIdempotent(t *testing.T) {
	all := sample()

	first := ForStudentTerm(all, "s1", "t1")
	second := ForStudentTerm(all, "s1", "t1")

	require.Len(t, first, 2)
	assert.Equal(t, "p1", first[0].ID)
	assert.Equal(t, "p3", first[1].ID)
	assert.Equal(t, first, second)
	assert.Equal(t, "p3", all[0].ID, "input order must be preserved")
}

func TestRenderReceipt(t *testing.T) {
	credit := student.Balances{
		TuitionBalance: decimal.Zero,
		BusBalance:     decimal.RequireFromString("500"),
		Arrears:        decimal.Zero,
		Credit:         decimal.RequireFromString("250"),
	}
	in := ReceiptInput{
		StudentName:     "Amina Wanjiru",
		AdmissionNumber: "ADM-0042",
		TermName:        "Term 1 2024",
		Payments:        ForStudentTerm(sample(), "s1", "t1"),
		Balances:        &credit,
	}

	got := RenderReceipt(in)

	want := strings.Join([]string{
		"FEE RECEIPT",
		"Student: Amina Wanjiru (ADM-0042)",
		"Term:    Term 1 2024",
		receiptRule,
		"2024-02-28       2000.00  cash",
		"2024-03-02       1500.00  bank-transfer",
		receiptRule,
		"Total paid: 3500.00",
		"Tuition balance: 0.00",
		"  of which arrears: 0.00",
		"Bus balance: 500.00",
		"Credit: 250.00",
		"",
	}, "\n")
	assert.Equal(t, want, got)
	assert.Equal(t, got, RenderReceipt(in), "rendering must be deterministic")
}

func TestRenderReceipt_Empty(t *testing.T) {
	got := RenderReceipt(ReceiptInput{StudentName: "Brian", AdmissionNumber: "ADM-7", TermName: "Term 2"})

	assert.Contains(t, got, NoPaymentsLine)
	assert.NotContains(t, got, "Total paid")
}

func TestRenderReceipt_MarksReversals(t *testing.T) {
	p := payment("p1", "s1", "t1", "-2000", shared.MethodCash, at(2024, 2, 28, 10))
	p.Kind = ledger.KindReversal

	got := RenderReceipt(ReceiptInput{StudentName: "A", AdmissionNumber: "1", TermName: "T", Payments: []*ledger.Payment{p}})

	assert.Contains(t, got, "-2000.00  cash  (reversal)")
}

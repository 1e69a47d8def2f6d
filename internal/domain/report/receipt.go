package report

import (
	"fmt"
	"strings"

	"github.com/alem-hub/school-fee-ledger/internal/domain/ledger"
	"github.com/alem-hub/school-fee-ledger/internal/domain/shared"
	"github.com/alem-hub/school-fee-ledger/internal/domain/student"
	"github.com/alem-hub/school-fee-ledger/pkg/timeutil"
)

// NoPaymentsLine - текст квитанции без платежей.
const NoPaymentsLine = "no payments found"

const receiptRule = "----------------------------------------"

// ReceiptInput - всё, что нужно для квитанции.
type ReceiptInput struct {
	SchoolName      string
	StudentName     string
	AdmissionNumber string
	TermName        string
	Payments        []*ledger.Payment

	// Balances - текущие балансы; печатаются, если заданы.
	Balances *student.Balances
}

// RenderReceipt строит детерминированный текст квитанции: заголовок,
// строка на каждый платёж (дата, сумма, способ), итог.
// Платежи печатаются в хронологическом порядке; исходный срез не меняется.
func RenderReceipt(in ReceiptInput) string {
	var b strings.Builder

	if in.SchoolName != "" {
		b.WriteString(strings.ToUpper(in.SchoolName))
		b.WriteString("\n")
	}
	b.WriteString("FEE RECEIPT\n")
	fmt.Fprintf(&b, "Student: %s (%s)\n", in.StudentName, in.AdmissionNumber)
	fmt.Fprintf(&b, "Term:    %s\n", in.TermName)
	b.WriteString(receiptRule + "\n")

	if len(in.Payments) == 0 {
		b.WriteString(NoPaymentsLine + "\n")
		return b.String()
	}

	payments := make([]*ledger.Payment, len(in.Payments))
	copy(payments, in.Payments)
	ledger.SortPayments(payments)

	for _, p := range payments {
		fmt.Fprintf(&b, "%s  %12s  %s", timeutil.FormatDateStr(p.PaidAt), shared.FormatAmount(p.Amount), p.Method)
		if p.IsReversal() {
			b.WriteString("  (reversal)")
		}
		b.WriteString("\n")
	}

	b.WriteString(receiptRule + "\n")
	fmt.Fprintf(&b, "Total paid: %s\n", shared.FormatAmount(Sum(payments)))

	if in.Balances != nil {
		fmt.Fprintf(&b, "Tuition balance: %s\n", shared.FormatAmount(in.Balances.TuitionBalance))
		fmt.Fprintf(&b, "  of which arrears: %s\n", shared.FormatAmount(in.Balances.Arrears))
		fmt.Fprintf(&b, "Bus balance: %s\n", shared.FormatAmount(in.Balances.BusBalance))
		if in.Balances.Credit.IsPositive() {
			fmt.Fprintf(&b, "Credit: %s\n", shared.FormatAmount(in.Balances.Credit))
		}
	}
	return b.String()
}

package query

import (
	"context"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/alem-hub/school-fee-ledger/internal/domain/ledger"
	"github.com/alem-hub/school-fee-ledger/internal/domain/report"
	"github.com/alem-hub/school-fee-ledger/internal/domain/shared"
	"github.com/alem-hub/school-fee-ledger/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// PAYMENT VIEWS
// Выборки журнала по дню, месяцу и по ученику с четвертью.
// Даты считаются в часовом поясе школы.
// ══════════════════════════════════════════════════════════════════════════════

// ListPaymentsByDayQuery - платежи за календарный день.
type ListPaymentsByDayQuery struct {
	// Date - YYYY-MM-DD.
	Date string
}

// ListPaymentsByMonthQuery - платежи за месяц.
type ListPaymentsByMonthQuery struct {
	// Month - YYYY-MM.
	Month string
}

// ListPaymentsForStudentTermQuery - платежи ученика за четверть.
type ListPaymentsForStudentTermQuery struct {
	StudentID string
	TermID    string
}

// Validate проверяет параметры.
func (q *ListPaymentsForStudentTermQuery) Validate() error {
	q.StudentID = strings.TrimSpace(q.StudentID)
	q.TermID = strings.TrimSpace(q.TermID)
	if q.StudentID == "" || q.TermID == "" {
		return shared.Validationf("query", "ListPaymentsForStudentTerm", "student_id and term_id are required")
	}
	return nil
}

// DaySubtotalDTO - итог дня внутри месяца.
type DaySubtotalDTO struct {
	Date     string          `json:"date"`
	Total    decimal.Decimal `json:"total"`
	Payments int             `json:"payments"`
}

// MethodSubtotalDTO - итог по способу оплаты.
type MethodSubtotalDTO struct {
	Method   string          `json:"method"`
	Total    decimal.Decimal `json:"total"`
	Payments int             `json:"payments"`
}

// PaymentsViewResult - выборка платежей с итогами.
type PaymentsViewResult struct {
	// Period - "2024-03-05", "2024-03" или ID четверти.
	Period   string              `json:"period"`
	Payments []PaymentDTO        `json:"payments"`
	Total    decimal.Decimal     `json:"total"`
	Days     []DaySubtotalDTO    `json:"days,omitempty"`
	Methods  []MethodSubtotalDTO `json:"methods,omitempty"`

	// Records - исходные записи для экспорта; в JSON не попадают.
	Records []*ledger.Payment `json:"-"`
}

// PaymentsHandler обрабатывает запросы по журналу.
type PaymentsHandler struct {
	payments ledger.Repository
}

// NewPaymentsHandler создаёт обработчик.
func NewPaymentsHandler(payments ledger.Repository) *PaymentsHandler {
	return &PaymentsHandler{payments: payments}
}

// ByDay возвращает платежи за день и их сумму.
func (h *PaymentsHandler) ByDay(ctx context.Context, query ListPaymentsByDayQuery) (*PaymentsViewResult, error) {
	day, err := timeutil.ParseDate(strings.TrimSpace(query.Date))
	if err != nil {
		return nil, shared.WrapError("query", "ListPaymentsByDay", shared.ErrValidation, "date must be YYYY-MM-DD", err)
	}
	from, to := timeutil.DayRange(day)
	records, err := h.payments.ListBetween(ctx, from, to)
	if err != nil {
		return nil, err
	}
	result := newPaymentsView(timeutil.FormatDateStr(day), records)
	result.Methods = methodSubtotals(records)
	return result, nil
}

// ByMonth возвращает платежи за месяц с итогами по дням.
func (h *PaymentsHandler) ByMonth(ctx context.Context, query ListPaymentsByMonthQuery) (*PaymentsViewResult, error) {
	month, err := shared.ParseMonth(query.Month)
	if err != nil {
		return nil, err
	}
	from, to := timeutil.MonthRange(month.Year, month.Month)
	records, err := h.payments.ListBetween(ctx, from, to)
	if err != nil {
		return nil, err
	}

	result := newPaymentsView(month.String(), records)
	for _, d := range report.ByDay(records) {
		result.Days = append(result.Days, DaySubtotalDTO{Date: d.Date, Total: d.Total, Payments: d.Payments})
	}
	result.Methods = methodSubtotals(records)
	return result, nil
}

// ForStudentTerm возвращает платежи ученика за четверть в хронологическом порядке.
func (h *PaymentsHandler) ForStudentTerm(ctx context.Context, query ListPaymentsForStudentTermQuery) (*PaymentsViewResult, error) {
	if err := query.Validate(); err != nil {
		return nil, err
	}
	records, err := h.payments.ListByStudentTerm(ctx, query.StudentID, query.TermID)
	if err != nil {
		return nil, err
	}
	return newPaymentsView(query.TermID, report.ForStudentTerm(records, query.StudentID, query.TermID)), nil
}

func newPaymentsView(period string, records []*ledger.Payment) *PaymentsViewResult {
	if records == nil {
		records = []*ledger.Payment{}
	}
	return &PaymentsViewResult{
		Period:   period,
		Payments: NewPaymentDTOs(records),
		Total:    report.Sum(records),
		Records:  records,
	}
}

func methodSubtotals(records []*ledger.Payment) []MethodSubtotalDTO {
	var out []MethodSubtotalDTO
	for _, m := range report.ByMethod(records) {
		out = append(out, MethodSubtotalDTO{Method: m.Method, Total: m.Total, Payments: m.Payments})
	}
	return out
}


// Package report содержит чистые представления журнала платежей:
// итоги по дням и месяцам, выборку по ученику и четверти и текст квитанции.
// Функции не меняют журнал и корректно работают с пустыми наборами.
package report

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/alem-hub/school-fee-ledger/internal/domain/ledger"
	"github.com/alem-hub/school-fee-ledger/pkg/timeutil"
)

// DayTotal - сумма платежей за календарный день.
type DayTotal struct {
	Date     string // YYYY-MM-DD в часовом поясе школы
	Total    decimal.Decimal
	Payments int
}

// MonthTotal - сумма платежей за месяц.
type MonthTotal struct {
	Month    string // YYYY-MM
	Total    decimal.Decimal
	Payments int
}

// MethodTotal - сумма по способу оплаты.
type MethodTotal struct {
	Method   string
	Total    decimal.Decimal
	Payments int
}

// Sum возвращает сумму платежей (сторно входят со знаком минус).
func Sum(payments []*ledger.Payment) decimal.Decimal {
	total := decimal.Zero
	for _, p := range payments {
		total = total.Add(p.Amount)
	}
	return total
}

// ByDay группирует платежи по календарной дате, даты по возрастанию.
func ByDay(payments []*ledger.Payment) []DayTotal {
	idx := map[string]int{}
	var out []DayTotal
	for _, p := range payments {
		key := timeutil.FormatDateStr(p.PaidAt)
		i, ok := idx[key]
		if !ok {
			i = len(out)
			idx[key] = i
			out = append(out, DayTotal{Date: key, Total: decimal.Zero})
		}
		out[i].Total = out[i].Total.Add(p.Amount)
		out[i].Payments++
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out
}

// ByMonth группирует платежи по (год, месяц), месяцы по возрастанию.
func ByMonth(payments []*ledger.Payment) []MonthTotal {
	idx := map[string]int{}
	var out []MonthTotal
	for _, p := range payments {
		key := timeutil.FormatMonthStr(p.PaidAt)
		i, ok := idx[key]
		if !ok {
			i = len(out)
			idx[key] = i
			out = append(out, MonthTotal{Month: key, Total: decimal.Zero})
		}
		out[i].Total = out[i].Total.Add(p.Amount)
		out[i].Payments++
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Month < out[j].Month })
	return out
}

// ByMethod группирует платежи по способу оплаты.
func ByMethod(payments []*ledger.Payment) []MethodTotal {
	idx := map[string]int{}
	var out []MethodTotal
	for _, p := range payments {
		key := p.Method.String()
		i, ok := idx[key]
		if !ok {
			i = len(out)
			idx[key] = i
			out = append(out, MethodTotal{Method: key, Total: decimal.Zero})
		}
		out[i].Total = out[i].Total.Add(p.Amount)
		out[i].Payments++
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Method < out[j].Method })
	return out
}

// ForStudentTerm отбирает платежи ученика за четверть в хронологическом порядке.
// Исходный срез не меняется.
func ForStudentTerm(payments []*ledger.Payment, studentID, termID string) []*ledger.Payment {
	out := make([]*ledger.Payment, 0)
	for _, p := range payments {
		if p.StudentID == studentID && p.TermID == termID {
			out = append(out, p)
		}
	}
	ledger.SortPayments(out)
	return out
}

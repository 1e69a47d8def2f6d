// Package export renders ledger views as downloadable workbooks.
package export

import (
	"fmt"
	"io"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"

	"github.com/alem-hub/school-fee-ledger/internal/application/query"
	"github.com/alem-hub/school-fee-ledger/pkg/timeutil"
)

// ContentTypeXLSX is the MIME type of the produced workbooks.
const ContentTypeXLSX = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// Sheet names.
const (
	SheetPayments = "Payments"
	SheetDays     = "Daily totals"
	SheetMethods  = "Methods"
)

// numFmtAmount is the built-in "#,##0.00" format.
const numFmtAmount = 4

var paymentHeadings = []interface{}{
	"Paid on", "Payment ID", "Student ID", "Term ID", "Kind", "Method",
	"Amount", "Arrears", "Tuition", "Bus", "Credit", "Description",
}

// amountColumns are the 1-based columns holding money.
var amountColumns = []int{7, 8, 9, 10, 11}

// WritePaymentsWorkbook writes view as an XLSX workbook to w.
// The month view fills all three sheets; other views leave the daily
// sheet with headings only.
func WritePaymentsWorkbook(w io.Writer, view *query.PaymentsViewResult) error {
	f, err := buildWorkbook(view)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := f.Write(w); err != nil {
		return fmt.Errorf("export: write workbook: %w", err)
	}
	return nil
}

// FileName returns the attachment name for a view's period.
func FileName(period string) string {
	return fmt.Sprintf("payments-%s.xlsx", period)
}

func buildWorkbook(view *query.PaymentsViewResult) (*excelize.File, error) {
	f := excelize.NewFile()
	if err := f.SetSheetName("Sheet1", SheetPayments); err != nil {
		f.Close()
		return nil, fmt.Errorf("export: %w", err)
	}
	for _, name := range []string{SheetDays, SheetMethods} {
		if _, err := f.NewSheet(name); err != nil {
			f.Close()
			return nil, fmt.Errorf("export: %w", err)
		}
	}

	amountStyle, err := f.NewStyle(&excelize.Style{NumFmt: numFmtAmount})
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("export: %w", err)
	}
	headStyle, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("export: %w", err)
	}

	w := sheetWriter{f: f, amount: amountStyle, head: headStyle}
	w.payments(view)
	w.days(view)
	w.methods(view)
	if w.err != nil {
		f.Close()
		return nil, fmt.Errorf("export: %w", w.err)
	}
	return f, nil
}

// sheetWriter keeps the first error so the row loops stay flat.
type sheetWriter struct {
	f      *excelize.File
	amount int
	head   int
	err    error
}

func (w *sheetWriter) row(sheet string, n int, values []interface{}) {
	if w.err != nil {
		return
	}
	cell, err := excelize.CoordinatesToCellName(1, n)
	if err != nil {
		w.err = err
		return
	}
	w.err = w.f.SetSheetRow(sheet, cell, &values)
}

func (w *sheetWriter) style(sheet string, col, fromRow, toRow, style int) {
	if w.err != nil || toRow < fromRow {
		return
	}
	from, err := excelize.CoordinatesToCellName(col, fromRow)
	if err != nil {
		w.err = err
		return
	}
	to, err := excelize.CoordinatesToCellName(col, toRow)
	if err != nil {
		w.err = err
		return
	}
	w.err = w.f.SetCellStyle(sheet, from, to, style)
}

func (w *sheetWriter) heading(sheet string, headings []interface{}) {
	w.row(sheet, 1, headings)
	if w.err != nil {
		return
	}
	last, err := excelize.CoordinatesToCellName(len(headings), 1)
	if err != nil {
		w.err = err
		return
	}
	w.err = w.f.SetCellStyle(sheet, "A1", last, w.head)
}

func (w *sheetWriter) payments(view *query.PaymentsViewResult) {
	w.heading(SheetPayments, paymentHeadings)

	n := 2
	for _, p := range view.Payments {
		w.row(SheetPayments, n, []interface{}{
			timeutil.FormatDateStr(p.PaidAt),
			p.ID,
			p.StudentID,
			p.TermID,
			p.Kind,
			p.Method,
			money(p.Amount),
			money(p.Allocation.Arrears),
			money(p.Allocation.Tuition),
			money(p.Allocation.Bus),
			money(p.Allocation.Credit),
			p.Description,
		})
		n++
	}
	w.row(SheetPayments, n, []interface{}{"Total", nil, nil, nil, nil, nil, money(view.Total)})

	for _, col := range amountColumns {
		w.style(SheetPayments, col, 2, n, w.amount)
	}
	if w.err == nil {
		w.err = w.f.SetColWidth(SheetPayments, "B", "D", 38)
	}
}

func (w *sheetWriter) days(view *query.PaymentsViewResult) {
	w.heading(SheetDays, []interface{}{"Date", "Payments", "Total"})
	n := 2
	for _, d := range view.Days {
		w.row(SheetDays, n, []interface{}{d.Date, d.Payments, money(d.Total)})
		n++
	}
	w.style(SheetDays, 3, 2, n-1, w.amount)
}

func (w *sheetWriter) methods(view *query.PaymentsViewResult) {
	w.heading(SheetMethods, []interface{}{"Method", "Payments", "Total"})
	n := 2
	for _, m := range view.Methods {
		w.row(SheetMethods, n, []interface{}{m.Method, m.Payments, money(m.Total)})
		n++
	}
	w.style(SheetMethods, 3, 2, n-1, w.amount)
}

// money converts for display; the cell format fixes two decimals.
func money(d decimal.Decimal) float64 {
	return d.Round(2).InexactFloat64()
}

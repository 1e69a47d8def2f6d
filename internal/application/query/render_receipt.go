package query

import (
	"context"
	"fmt"

	"github.com/alem-hub/school-fee-ledger/internal/domain/fee"
	"github.com/alem-hub/school-fee-ledger/internal/domain/ledger"
	"github.com/alem-hub/school-fee-ledger/internal/domain/report"
	"github.com/alem-hub/school-fee-ledger/internal/domain/student"
	"github.com/alem-hub/school-fee-ledger/internal/domain/term"
	"github.com/alem-hub/school-fee-ledger/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// RENDER RECEIPT QUERY
// ══════════════════════════════════════════════════════════════════════════════

// RenderReceiptQuery - квитанция ученика за четверть.
type RenderReceiptQuery struct {
	StudentID string
	TermID    string
}

// RenderReceiptResult содержит текст квитанции.
type RenderReceiptResult struct {
	StudentID string `json:"student_id"`
	TermID    string `json:"term_id"`
	Text      string `json:"text"`
	Payments  int    `json:"payments"`
}

// RenderReceiptHandler обрабатывает RenderReceiptQuery.
type RenderReceiptHandler struct {
	students   student.Repository
	terms      term.Repository
	payments   ledger.Repository
	projector  *ledger.Projector
	schoolName string
}

// NewRenderReceiptHandler создаёт обработчик. schoolName печатается в шапке.
func NewRenderReceiptHandler(
	students student.Repository,
	terms term.Repository,
	fees fee.Repository,
	payments ledger.Repository,
	schoolName string,
) *RenderReceiptHandler {
	return &RenderReceiptHandler{
		students:   students,
		terms:      terms,
		payments:   payments,
		projector:  ledger.NewProjector(terms, fees, payments),
		schoolName: schoolName,
	}
}

// Handle выполняет запрос. Балансы печатаются, если четверть начисляется ученику.
func (h *RenderReceiptHandler) Handle(ctx context.Context, query RenderReceiptQuery) (*RenderReceiptResult, error) {
	q := ListPaymentsForStudentTermQuery{StudentID: query.StudentID, TermID: query.TermID}
	if err := q.Validate(); err != nil {
		return nil, err
	}

	s, err := h.students.GetByID(ctx, q.StudentID)
	if err != nil {
		return nil, err
	}
	t, err := h.terms.GetByID(ctx, q.TermID)
	if err != nil {
		return nil, err
	}
	records, err := h.payments.ListByStudentTerm(ctx, s.ID, t.ID)
	if err != nil {
		return nil, err
	}

	in := report.ReceiptInput{
		SchoolName:      h.schoolName,
		StudentName:     s.Name,
		AdmissionNumber: s.AdmissionNumber,
		TermName:        t.Name,
		Payments:        records,
	}

	snap, err := h.projector.Load(ctx, s, timeutil.Now())
	if err != nil {
		return nil, fmt.Errorf("render_receipt: load account: %w", err)
	}
	if snap.Billable(t.ID) {
		b, err := snap.BalancesAt(t.ID, timeutil.Now())
		if err != nil {
			return nil, fmt.Errorf("render_receipt: %w", err)
		}
		in.Balances = &b
	}

	return &RenderReceiptResult{
		StudentID: s.ID,
		TermID:    t.ID,
		Text:      report.RenderReceipt(in),
		Payments:  len(records),
	}, nil
}

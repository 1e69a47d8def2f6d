package query

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/alem-hub/school-fee-ledger/internal/domain/fee"
	"github.com/alem-hub/school-fee-ledger/internal/domain/ledger"
	"github.com/alem-hub/school-fee-ledger/internal/domain/shared"
	"github.com/alem-hub/school-fee-ledger/internal/domain/student"
	"github.com/alem-hub/school-fee-ledger/internal/domain/term"
	"github.com/alem-hub/school-fee-ledger/pkg/logger"
	"github.com/alem-hub/school-fee-ledger/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// GET BALANCES QUERY
// Балансы ученика относительно активной четверти. Считаются из журнала,
// поэтому сразу отражают смену четверти; перед проекцией стоит кэш.
// ══════════════════════════════════════════════════════════════════════════════

// GetBalancesQuery содержит параметры запроса.
type GetBalancesQuery struct {
	StudentID string

	// IncludeStatement - добавить итоги по всем начисленным четвертям.
	IncludeStatement bool
}

// Validate проверяет параметры.
func (q *GetBalancesQuery) Validate() error {
	q.StudentID = strings.TrimSpace(q.StudentID)
	if q.StudentID == "" {
		return errors.New("student_id is required")
	}
	return nil
}

// TermStatementDTO - итоги по одной четверти.
type TermStatementDTO struct {
	TermID         string          `json:"term_id"`
	TermName       string          `json:"term_name,omitempty"`
	TuitionCharged decimal.Decimal `json:"tuition_charged"`
	BusCharged     decimal.Decimal `json:"bus_charged"`
	TuitionPaid    decimal.Decimal `json:"tuition_paid"`
	ArrearsPaid    decimal.Decimal `json:"arrears_paid"`
	BusPaid        decimal.Decimal `json:"bus_paid"`
	BusOutstanding decimal.Decimal `json:"bus_outstanding"`
	Payments       int             `json:"payments"`
}

// GetBalancesResult содержит балансы.
type GetBalancesResult struct {
	StudentID string      `json:"student_id"`
	Balances  BalancesDTO `json:"balances"`

	// ActiveTermID пуст, если активной четверти нет; тогда отдаются сохранённые балансы.
	ActiveTermID string `json:"active_term_id,omitempty"`

	// Cached - ответ взят из кэша.
	Cached bool `json:"cached"`

	// Unset - тарифы, которых нет в сетке (посчитаны как ноль).
	Unset []string `json:"unset,omitempty"`

	Statement []TermStatementDTO `json:"statement,omitempty"`
}

// GetBalancesHandler обрабатывает GetBalancesQuery.
type GetBalancesHandler struct {
	students  student.Repository
	terms     term.Repository
	projector *ledger.Projector
	cache     student.BalanceCache
	log       *logger.Logger
}

// NewGetBalancesHandler создаёт обработчик. cache может быть nil.
func NewGetBalancesHandler(
	students student.Repository,
	terms term.Repository,
	fees fee.Repository,
	payments ledger.Repository,
	cache student.BalanceCache,
	log *logger.Logger,
) *GetBalancesHandler {
	if log == nil {
		log = logger.Nop()
	}
	return &GetBalancesHandler{
		students:  students,
		terms:     terms,
		projector: ledger.NewProjector(terms, fees, payments),
		cache:     cache,
		log:       log,
	}
}

// Handle выполняет запрос.
func (h *GetBalancesHandler) Handle(ctx context.Context, query GetBalancesQuery) (*GetBalancesResult, error) {
	if err := query.Validate(); err != nil {
		return nil, shared.WrapError("query", "GetBalances", shared.ErrValidation, err.Error(), err)
	}

	s, err := h.students.GetByID(ctx, query.StudentID)
	if err != nil {
		return nil, err
	}
	result := &GetBalancesResult{StudentID: s.ID}

	active, _, err := h.terms.Active(ctx)
	if errors.Is(err, shared.ErrNoActiveTerm) {
		result.Balances = NewBalancesDTO(s.Balances)
		return result, nil
	}
	if err != nil {
		return nil, err
	}
	result.ActiveTermID = active.ID

	if !query.IncludeStatement {
		if b, ok := h.cached(ctx, s, active.ID); ok {
			result.Balances = NewBalancesDTO(b)
			result.Cached = true
			return result, nil
		}
	}

	snap, err := h.projector.Load(ctx, s, timeutil.Now())
	if err != nil {
		return nil, fmt.Errorf("get_balances: load account: %w", err)
	}
	b, err := snap.BalancesAt(active.ID, timeutil.Now())
	if err != nil {
		return nil, fmt.Errorf("get_balances: %w", err)
	}
	result.Balances = NewBalancesDTO(b)
	for _, k := range snap.Unset {
		result.Unset = append(result.Unset, k.String())
	}
	if query.IncludeStatement {
		result.Statement = statementDTOs(snap)
	}

	if h.cache != nil {
		b.StudentVersion = s.Version
		if err := h.cache.Set(ctx, s.ID, b); err != nil {
			logger.FromContext(ctx, h.log).Warn("balance cache write failed", logger.StudentID(s.ID), logger.Err(err))
		}
	}
	return result, nil
}

// cached возвращает балансы из кэша, если они посчитаны для termID
// по той же версии ученика. Инвалидация идёт через шину асинхронно,
// а запись в кэш может опоздать за платежом; версия закрывает оба окна.
func (h *GetBalancesHandler) cached(ctx context.Context, s *student.Student, termID string) (student.Balances, bool) {
	if h.cache == nil {
		return student.Balances{}, false
	}
	b, ok, err := h.cache.Get(ctx, s.ID)
	if err != nil {
		logger.FromContext(ctx, h.log).Warn("balance cache read failed", logger.StudentID(s.ID), logger.Err(err))
		return student.Balances{}, false
	}
	if !ok || b.TermID != termID || b.StudentVersion != s.Version {
		return student.Balances{}, false
	}
	return b, true
}

func statementDTOs(snap *ledger.Snapshot) []TermStatementDTO {
	names := make(map[string]string, len(snap.Terms))
	for _, t := range snap.Terms {
		names[t.ID] = t.Name
	}
	rows := snap.Account.Statement()
	out := make([]TermStatementDTO, 0, len(rows))
	for _, r := range rows {
		out = append(out, TermStatementDTO{
			TermID:         r.TermID,
			TermName:       names[r.TermID],
			TuitionCharged: r.TuitionCharged,
			BusCharged:     r.BusCharged,
			TuitionPaid:    r.TuitionPaid,
			ArrearsPaid:    r.ArrearsPaid,
			BusPaid:        r.BusPaid,
			BusOutstanding: r.BusOutstanding,
			Payments:       r.Payments,
		})
	}
	return out
}

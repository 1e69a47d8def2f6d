package query

import (
	"context"
	"errors"
	"strings"

	"github.com/alem-hub/school-fee-ledger/internal/domain/fee"
	"github.com/alem-hub/school-fee-ledger/internal/domain/shared"
	"github.com/alem-hub/school-fee-ledger/internal/domain/term"
)

// ══════════════════════════════════════════════════════════════════════════════
// CATALOG QUERIES
// Четверти, классы, направления и тарифная сетка.
// ══════════════════════════════════════════════════════════════════════════════

// ActiveTermDTO - активная четверть и версия записи-синглтона.
type ActiveTermDTO struct {
	Term    TermDTO `json:"term"`
	Version int64   `json:"version"`
}

// CatalogHandler обрабатывает справочные запросы.
type CatalogHandler struct {
	terms   term.Repository
	fees    fee.Repository
	catalog fee.CatalogRepository
}

// NewCatalogHandler создаёт обработчик.
func NewCatalogHandler(terms term.Repository, fees fee.Repository, catalog fee.CatalogRepository) *CatalogHandler {
	return &CatalogHandler{terms: terms, fees: fees, catalog: catalog}
}

// ListTerms возвращает четверти по дате начала.
func (h *CatalogHandler) ListTerms(ctx context.Context) ([]TermDTO, error) {
	terms, err := h.terms.List(ctx)
	if err != nil {
		return nil, err
	}
	term.SortChronologically(terms)
	out := make([]TermDTO, 0, len(terms))
	for _, t := range terms {
		out = append(out, NewTermDTO(t))
	}
	return out, nil
}

// GetActiveTerm возвращает активную четверть или shared.ErrNoTermActive.
func (h *CatalogHandler) GetActiveTerm(ctx context.Context) (*ActiveTermDTO, error) {
	t, rec, err := h.terms.Active(ctx)
	if err != nil {
		return nil, err
	}
	return &ActiveTermDTO{Term: NewTermDTO(t), Version: rec.Version}, nil
}

// ListGrades возвращает классы по уровню.
func (h *CatalogHandler) ListGrades(ctx context.Context) ([]GradeDTO, error) {
	grades, err := h.catalog.ListGrades(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]GradeDTO, 0, len(grades))
	for _, g := range grades {
		out = append(out, NewGradeDTO(g))
	}
	return out, nil
}

// ListDestinations возвращает направления автобуса.
func (h *CatalogHandler) ListDestinations(ctx context.Context) ([]DestinationDTO, error) {
	dests, err := h.catalog.ListDestinations(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]DestinationDTO, 0, len(dests))
	for _, d := range dests {
		out = append(out, NewDestinationDTO(d))
	}
	return out, nil
}

// ListFees возвращает тарифную сетку четверти.
func (h *CatalogHandler) ListFees(ctx context.Context, termID string) ([]FeeDTO, error) {
	termID = strings.TrimSpace(termID)
	if termID == "" {
		err := errors.New("term_id is required")
		return nil, shared.WrapError("query", "ListFees", shared.ErrValidation, err.Error(), err)
	}
	if _, err := h.terms.GetByID(ctx, termID); err != nil {
		return nil, err
	}
	entries, err := h.fees.ListForTerm(ctx, termID)
	if err != nil {
		return nil, err
	}
	out := make([]FeeDTO, 0, len(entries))
	for _, e := range entries {
		out = append(out, NewFeeDTO(e))
	}
	return out, nil
}

package query

import (
	"context"

	"github.com/alem-hub/school-fee-ledger/internal/domain/fee"
	"github.com/alem-hub/school-fee-ledger/internal/domain/shared"
	"github.com/alem-hub/school-fee-ledger/internal/domain/student"
)

// ══════════════════════════════════════════════════════════════════════════════
// LIST STUDENTS QUERY
// Фильтр WithDebt работает по материализованным балансам.
// ══════════════════════════════════════════════════════════════════════════════

// ListStudentsQuery содержит параметры выборки.
type ListStudentsQuery struct {
	GradeID       string
	DestinationID string
	UsesBus       *bool
	Status        string
	Search        string
	WithDebt      bool

	Offset int
	Limit  int
}

// Validate проверяет параметры и проставляет значения по умолчанию.
func (q *ListStudentsQuery) Validate() error {
	if q.Status != "" && !student.Status(q.Status).IsValid() {
		return shared.Validationf("query", "ListStudents", "unknown status %q", q.Status)
	}
	if q.Offset < 0 {
		return shared.Validationf("query", "ListStudents", "offset cannot be negative")
	}
	if q.Limit <= 0 {
		q.Limit = 50
	}
	if q.Limit > 500 {
		q.Limit = 500
	}
	return nil
}

func (q ListStudentsQuery) filter() student.Filter {
	return student.Filter{
		GradeID:       q.GradeID,
		DestinationID: q.DestinationID,
		UsesBus:       q.UsesBus,
		Status:        student.Status(q.Status),
		Search:        q.Search,
		WithDebt:      q.WithDebt,
		Offset:        q.Offset,
		Limit:         q.Limit,
	}
}

// ListStudentsResult - страница учеников.
type ListStudentsResult struct {
	Students []StudentDTO `json:"students"`
	Offset   int          `json:"offset"`
	Limit    int          `json:"limit"`
}

// ListStudentsHandler обрабатывает ListStudentsQuery.
type ListStudentsHandler struct {
	students student.Repository
	catalog  fee.CatalogRepository
}

// NewListStudentsHandler создаёт обработчик.
func NewListStudentsHandler(students student.Repository, catalog fee.CatalogRepository) *ListStudentsHandler {
	return &ListStudentsHandler{students: students, catalog: catalog}
}

// Handle выполняет запрос.
func (h *ListStudentsHandler) Handle(ctx context.Context, query ListStudentsQuery) (*ListStudentsResult, error) {
	if err := query.Validate(); err != nil {
		return nil, err
	}

	list, err := h.students.List(ctx, query.filter())
	if err != nil {
		return nil, err
	}

	names := newCatalogNames(ctx, h.catalog)
	out := make([]StudentDTO, 0, len(list))
	for _, s := range list {
		dto := NewStudentDTO(s)
		names.fill(&dto)
		out = append(out, dto)
	}
	return &ListStudentsResult{Students: out, Offset: query.Offset, Limit: query.Limit}, nil
}

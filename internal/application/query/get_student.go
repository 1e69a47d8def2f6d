package query

import (
	"context"
	"errors"
	"strings"

	"github.com/alem-hub/school-fee-ledger/internal/domain/fee"
	"github.com/alem-hub/school-fee-ledger/internal/domain/shared"
	"github.com/alem-hub/school-fee-ledger/internal/domain/student"
)

// ══════════════════════════════════════════════════════════════════════════════
// GET STUDENT QUERY
// ══════════════════════════════════════════════════════════════════════════════

// GetStudentQuery ищет ученика по ID или номеру зачисления.
type GetStudentQuery struct {
	StudentID       string
	AdmissionNumber string
}

// Validate проверяет параметры.
func (q *GetStudentQuery) Validate() error {
	q.StudentID = strings.TrimSpace(q.StudentID)
	q.AdmissionNumber = strings.TrimSpace(q.AdmissionNumber)
	if q.StudentID == "" && q.AdmissionNumber == "" {
		return errors.New("either student_id or admission_number must be provided")
	}
	return nil
}

// GetStudentHandler обрабатывает GetStudentQuery.
type GetStudentHandler struct {
	students student.Repository
	catalog  fee.CatalogRepository
}

// NewGetStudentHandler создаёт обработчик.
func NewGetStudentHandler(students student.Repository, catalog fee.CatalogRepository) *GetStudentHandler {
	return &GetStudentHandler{students: students, catalog: catalog}
}

// Handle выполняет запрос.
func (h *GetStudentHandler) Handle(ctx context.Context, query GetStudentQuery) (*StudentDTO, error) {
	if err := query.Validate(); err != nil {
		return nil, shared.WrapError("query", "GetStudent", shared.ErrValidation, err.Error(), err)
	}

	var (
		s   *student.Student
		err error
	)
	if query.StudentID != "" {
		s, err = h.students.GetByID(ctx, query.StudentID)
	} else {
		s, err = h.students.GetByAdmissionNumber(ctx, query.AdmissionNumber)
	}
	if err != nil {
		return nil, err
	}

	dto := NewStudentDTO(s)
	names := newCatalogNames(ctx, h.catalog)
	names.fill(&dto)
	return &dto, nil
}

// catalogNames - имена классов и направлений для DTO.
// Ошибки справочника не мешают ответу: имена просто остаются пустыми.
type catalogNames struct {
	grades       map[string]string
	destinations map[string]string
}

func newCatalogNames(ctx context.Context, catalog fee.CatalogRepository) catalogNames {
	n := catalogNames{grades: map[string]string{}, destinations: map[string]string{}}
	if catalog == nil {
		return n
	}
	if grades, err := catalog.ListGrades(ctx); err == nil {
		for _, g := range grades {
			n.grades[g.ID] = g.Name
		}
	}
	if dests, err := catalog.ListDestinations(ctx); err == nil {
		for _, d := range dests {
			n.destinations[d.ID] = d.Name
		}
	}
	return n
}

func (n catalogNames) fill(dto *StudentDTO) {
	dto.GradeName = n.grades[dto.GradeID]
	if dto.DestinationID != "" {
		dto.DestinationName = n.destinations[dto.DestinationID]
	}
}

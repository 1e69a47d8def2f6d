// Package term содержит реестр учебных четвертей (терминов) школы.
// Ровно одна четверть может быть активной; активация меняет её атомарно.
package term

import (
	"sort"
	"strings"
	"time"

	"github.com/alem-hub/school-fee-ledger/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// ENTITY
// ══════════════════════════════════════════════════════════════════════════════

// Term - учебный расчётный период.
type Term struct {
	// ID - уникальный идентификатор (UUID).
	ID string

	// Name - отображаемое название, например "Term 1 2024".
	Name string

	// StartDate и EndDate - границы периода (включительно, по датам).
	StartDate time.Time
	EndDate   time.Time

	// IsActive - текущая четверть. Меняется только через Repository.Activate.
	IsActive bool

	// OpenedAt - момент первой активации. До неё по четверти не выставляются начисления.
	OpenedAt *time.Time

	// CreatedAt - время создания записи.
	CreatedAt time.Time
}

// NewTerm создаёт новую неактивную четверть с валидацией.
func NewTerm(name string, start, end time.Time) (*Term, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, shared.Validationf("term", "Create", "term name is required")
	}
	if start.IsZero() || end.IsZero() {
		return nil, shared.Validationf("term", "Create", "start and end dates are required")
	}
	if end.Before(start) {
		return nil, shared.Validationf("term", "Create", "end date %s is before start date %s",
			end.Format("2006-01-02"), start.Format("2006-01-02"))
	}
	return &Term{
		ID:        shared.NewID(),
		Name:      name,
		StartDate: start,
		EndDate:   end,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// IsOpen возвращает true, если четверть хоть раз активировалась.
func (t *Term) IsOpen() bool {
	return t.OpenedAt != nil
}

// Contains проверяет, попадает ли календарная дата day в окно четверти.
func (t *Term) Contains(day time.Time) bool {
	d := day.Format("2006-01-02")
	return d >= t.StartDate.Format("2006-01-02") && d <= t.EndDate.Format("2006-01-02")
}

// Clone возвращает независимую копию.
func (t *Term) Clone() *Term {
	c := *t
	if t.OpenedAt != nil {
		opened := *t.OpenedAt
		c.OpenedAt = &opened
	}
	return &c
}

// ══════════════════════════════════════════════════════════════════════════════
// ACTIVE TERM SINGLETON
// ══════════════════════════════════════════════════════════════════════════════

// ActiveTerm - версионированная запись "текущая четверть".
// Каждая активация увеличивает Version; платёж фиксирует версию,
// которую видел, и не коммитится, если она изменилась.
type ActiveTerm struct {
	TermID      string
	Version     int64
	ActivatedAt time.Time
}

// HasTerm возвращает true, если какая-то четверть активна.
func (a ActiveTerm) HasTerm() bool {
	return a.TermID != ""
}

// ══════════════════════════════════════════════════════════════════════════════
// ORDERING
// ══════════════════════════════════════════════════════════════════════════════

// SortChronologically сортирует четверти по дате начала, затем по дате создания и ID.
func SortChronologically(terms []*Term) {
	sort.SliceStable(terms, func(i, j int) bool {
		a, b := terms[i], terms[j]
		if !a.StartDate.Equal(b.StartDate) {
			return a.StartDate.Before(b.StartDate)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

// CoveringDate выбирает четверть, чьё окно содержит day.
// При пересечении окон побеждает более поздняя дата начала.
func CoveringDate(terms []*Term, day time.Time) *Term {
	var best *Term
	for _, t := range terms {
		if !t.Contains(day) {
			continue
		}
		if best == nil || t.StartDate.After(best.StartDate) {
			best = t
		}
	}
	return best
}

package student

import (
	"context"
	"strings"
)

// ══════════════════════════════════════════════════════════════════════════════
// REPOSITORY INTERFACES
// Реализации находятся в infrastructure/persistence.
// ══════════════════════════════════════════════════════════════════════════════

// Repository - хранилище учеников.
// Балансы через него не пишутся: это делает только ledger.Repository.Append.
type Repository interface {
	// Create сохраняет нового ученика.
	// Возвращает shared.ErrDuplicateAdmissionNumber, если номер занят.
	Create(ctx context.Context, s *Student) error

	// GetByID возвращает ученика или shared.ErrStudentNotFound.
	GetByID(ctx context.Context, id string) (*Student, error)

	// GetByAdmissionNumber возвращает ученика по номеру зачисления.
	GetByAdmissionNumber(ctx context.Context, admissionNumber string) (*Student, error)

	// Update сохраняет поля зачисления и статус, если Version в хранилище
	// равна s.Version, и увеличивает её. Иначе - shared.ErrStudentVersion.
	Update(ctx context.Context, s *Student) error

	// List возвращает учеников по фильтру.
	List(ctx context.Context, f Filter) ([]*Student, error)

	// ListIDs возвращает ID всех учеников (для фоновых задач).
	ListIDs(ctx context.Context) ([]string, error)
}

// Filter - параметры выборки учеников.
type Filter struct {
	// GradeID - только ученики класса.
	GradeID string

	// DestinationID - только ученики с этим направлением автобуса.
	DestinationID string

	// UsesBus - только пользующиеся (или не пользующиеся) автобусом.
	UsesBus *bool

	// Status - только с этим статусом. Пусто - все.
	Status Status

	// Search - подстрока имени или номера зачисления (без учёта регистра).
	Search string

	// WithDebt - только ученики с ненулевым долгом.
	WithDebt bool

	Offset int
	Limit  int
}

// DefaultFilter возвращает фильтр по умолчанию.
func DefaultFilter() Filter {
	return Filter{Limit: 100}
}

// Normalize проставляет лимиты.
func (f *Filter) Normalize() {
	if f.Limit <= 0 || f.Limit > 1000 {
		f.Limit = 100
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
}

// Matches проверяет ученика по фильтру (для in-memory реализаций).
func (f Filter) Matches(s *Student) bool {
	if f.GradeID != "" && s.GradeID != f.GradeID {
		return false
	}
	if f.DestinationID != "" && s.DestinationID != f.DestinationID {
		return false
	}
	if f.UsesBus != nil && s.UsesBus != *f.UsesBus {
		return false
	}
	if f.Status != "" && s.Status != f.Status {
		return false
	}
	if f.WithDebt && s.Balances.TuitionBalance.IsZero() && s.Balances.BusBalance.IsZero() {
		return false
	}
	if f.Search != "" {
		q := strings.ToLower(strings.TrimSpace(f.Search))
		if !strings.Contains(strings.ToLower(s.Name), q) &&
			!strings.Contains(strings.ToLower(s.AdmissionNumber), q) {
			return false
		}
	}
	return true
}

// BalanceCache - кэш вычисленных балансов для запросов.
// Ошибки кэша не должны ломать чтение: при любой ошибке балансы считаются заново.
type BalanceCache interface {
	// Get возвращает балансы или ok=false, если записи нет.
	Get(ctx context.Context, studentID string) (b Balances, ok bool, err error)

	// Set сохраняет балансы ученика.
	Set(ctx context.Context, studentID string, b Balances) error

	// Invalidate удаляет запись ученика.
	Invalidate(ctx context.Context, studentID string) error

	// InvalidateAll очищает кэш (смена четверти, правка тарифов).
	InvalidateAll(ctx context.Context) error
}

package term

import (
	"context"
	"time"
)

// Repository - хранилище четвертей и записи об активной четверти.
// Реализации находятся в infrastructure/persistence.
type Repository interface {
	// Create сохраняет новую четверть.
	Create(ctx context.Context, t *Term) error

	// GetByID возвращает четверть по ID.
	// Возвращает shared.ErrTermNotFound, если её нет.
	GetByID(ctx context.Context, id string) (*Term, error)

	// List возвращает все четверти в хронологическом порядке.
	List(ctx context.Context) ([]*Term, error)

	// Active возвращает активную четверть и версию записи-синглтона.
	// Возвращает shared.ErrNoTermActive, если активной нет.
	Active(ctx context.Context) (*Term, ActiveTerm, error)

	// ActiveVersion возвращает запись-синглтон, даже если четверть не активна.
	ActiveVersion(ctx context.Context) (ActiveTerm, error)

	// Activate атомарно снимает флаг со всех четвертей, ставит его termID,
	// проставляет OpenedAt при первой активации и увеличивает версию.
	// Если версия синглтона не равна expectedVersion, возвращает
	// shared.ErrActivationConflict. Неизвестный termID - shared.ErrTermNotFound.
	Activate(ctx context.Context, termID string, expectedVersion int64, at time.Time) (ActiveTerm, error)
}

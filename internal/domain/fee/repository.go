package fee

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/alem-hub/school-fee-ledger/internal/domain/shared"
)

// Repository - хранилище тарифной сетки.
type Repository interface {
	// Get возвращает запись или shared.ErrFeeUnset.
	Get(ctx context.Context, key Key) (*Entry, error)

	// Upsert сохраняет запись, если на неё не ссылается ни одно начисление
	// с платежами. Иначе возвращает shared.ErrFeeFrozen.
	Upsert(ctx context.Context, entry *Entry) error

	// ListForTerm возвращает все записи четверти.
	ListForTerm(ctx context.Context, termID string) ([]*Entry, error)
}

// CatalogRepository - справочник классов и направлений автобуса.
type CatalogRepository interface {
	CreateGrade(ctx context.Context, g *Grade) error
	GetGrade(ctx context.Context, id string) (*Grade, error)
	ListGrades(ctx context.Context) ([]*Grade, error)

	CreateDestination(ctx context.Context, d *Destination) error
	GetDestination(ctx context.Context, id string) (*Destination, error)
	ListDestinations(ctx context.Context) ([]*Destination, error)
}

// Lookup возвращает сумму тарифа или ноль с ошибкой shared.ErrFeeUnset.
// Ошибки хранилища возвращаются как есть.
func Lookup(ctx context.Context, repo Repository, key Key) (decimal.Decimal, error) {
	e, err := repo.Get(ctx, key)
	if err != nil {
		return decimal.Zero, err
	}
	return e.Amount, nil
}

// Resolve вычисляет начисление за четверть по основанию b.
// Отсутствующие записи считаются нулём и перечисляются в Charge.Unset;
// все прочитанные значения попадают в Charge.Reads.
func Resolve(ctx context.Context, repo Repository, termID string, b Basis) (Charge, error) {
	charge := Charge{TermID: termID, Tuition: decimal.Zero, Bus: decimal.Zero}
	for _, key := range b.Keys(termID) {
		amount, err := Lookup(ctx, repo, key)
		if err != nil {
			if !errors.Is(err, shared.ErrUnset) {
				return Charge{}, err
			}
			charge.Unset = append(charge.Unset, key)
			charge.Reads = append(charge.Reads, Reading{Key: key, Amount: decimal.Zero})
			continue
		}
		charge.Reads = append(charge.Reads, Reading{Key: key, Amount: amount, Set: true})
		switch key.Kind {
		case KindTuition, KindBoarding:
			charge.Tuition = charge.Tuition.Add(amount)
		case KindBus:
			charge.Bus = charge.Bus.Add(amount)
		}
	}
	return charge, nil
}

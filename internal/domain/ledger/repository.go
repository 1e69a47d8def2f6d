package ledger

import (
	"context"
	"time"

	"github.com/alem-hub/school-fee-ledger/internal/domain/fee"
	"github.com/alem-hub/school-fee-ledger/internal/domain/student"
)

// Commit - одна атомарная запись в журнал.
type Commit struct {
	StudentID string

	// ExpectedStudentVersion - версия ученика, с которой считались балансы.
	ExpectedStudentVersion int64

	// CheckTermVersion включает проверку версии активной четверти.
	CheckTermVersion    bool
	ExpectedTermVersion int64

	// Payment - новая запись журнала. nil - только пересчёт балансов.
	Payment *Payment

	// NewBillings - основания, которые нужно зафиксировать. С платежом
	// все основания ученика становятся Frozen.
	NewBillings []*Billing

	// Fees - записи сетки, по которым посчитан платёж. Если хоть одна
	// изменилась к моменту коммита, Append возвращает shared.ErrFeeChanged.
	Fees []fee.Reading

	// Balances - новые материализованные балансы ученика.
	Balances student.Balances
}

// Repository - журнал платежей (event store) и материализованное представление балансов.
type Repository interface {
	// Append атомарно проверяет версии, записывает платёж, основания начислений
	// и балансы ученика, увеличивая его версию. Возвращает новую версию.
	//
	// Ошибки: shared.ErrStudentVersion, shared.ErrTermChanged и shared.ErrFeeChanged (вид Busy),
	// shared.ErrDuplicatePayment и shared.ErrAlreadyReversed (вид Conflict),
	// shared.ErrStudentNotFound.
	Append(ctx context.Context, c Commit) (int64, error)

	// GetPayment возвращает платёж или shared.ErrPaymentNotFound.
	GetPayment(ctx context.Context, id string) (*Payment, error)

	// GetByIdempotencyKey возвращает платёж с ключом или shared.ErrPaymentNotFound.
	GetByIdempotencyKey(ctx context.Context, key string) (*Payment, error)

	// FindReversal возвращает сторно платежа или shared.ErrPaymentNotFound.
	FindReversal(ctx context.Context, paymentID string) (*Payment, error)

	// ListByStudent возвращает все записи ученика в хронологическом порядке.
	ListByStudent(ctx context.Context, studentID string) ([]*Payment, error)

	// ListByStudentTerm возвращает записи ученика по четверти в хронологическом порядке.
	ListByStudentTerm(ctx context.Context, studentID, termID string) ([]*Payment, error)

	// ListBetween возвращает записи с PaidAt в [from, to) в хронологическом порядке.
	ListBetween(ctx context.Context, from, to time.Time) ([]*Payment, error)

	// Billings возвращает зафиксированные основания начислений ученика.
	Billings(ctx context.Context, studentID string) ([]*Billing, error)
}

// Package fee содержит тарифную сетку школы: плата за обучение по классу,
// плата за автобус по направлению и надбавка за пансион, всё - в разрезе четверти.
package fee

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alem-hub/school-fee-ledger/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// ENUMS
// ══════════════════════════════════════════════════════════════════════════════

// Kind - вид тарифной записи.
type Kind string

const (
	// KindTuition - плата за обучение, ключ (grade_id, term_id).
	KindTuition Kind = "tuition"
	// KindBus - плата за автобус, ключ (destination_id, term_id).
	KindBus Kind = "bus"
	// KindBoarding - надбавка для учеников пансиона, ключ ("", term_id).
	KindBoarding Kind = "boarding"
)

// IsValid проверяет, что вид известен.
func (k Kind) IsValid() bool {
	switch k {
	case KindTuition, KindBus, KindBoarding:
		return true
	}
	return false
}

// ══════════════════════════════════════════════════════════════════════════════
// KEY & ENTRY
// ══════════════════════════════════════════════════════════════════════════════

// Key однозначно определяет тарифную запись.
type Key struct {
	Kind   Kind
	RefID  string
	TermID string
}

// TuitionKey строит ключ платы за обучение.
func TuitionKey(gradeID, termID string) Key {
	return Key{Kind: KindTuition, RefID: gradeID, TermID: termID}
}

// BusKey строит ключ платы за автобус.
func BusKey(destinationID, termID string) Key {
	return Key{Kind: KindBus, RefID: destinationID, TermID: termID}
}

// BoardingKey строит ключ надбавки за пансион.
func BoardingKey(termID string) Key {
	return Key{Kind: KindBoarding, TermID: termID}
}

// String возвращает "kind/ref/term".
func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%s", k.Kind, k.RefID, k.TermID)
}

// Validate проверяет форму ключа.
func (k Key) Validate() error {
	if !k.Kind.IsValid() {
		return shared.Validationf("fee", "Validate", "unknown fee kind %q", k.Kind)
	}
	if strings.TrimSpace(k.TermID) == "" {
		return shared.Validationf("fee", "Validate", "term_id is required")
	}
	switch k.Kind {
	case KindTuition, KindBus:
		if strings.TrimSpace(k.RefID) == "" {
			return shared.Validationf("fee", "Validate", "%s fee needs a reference id", k.Kind)
		}
	case KindBoarding:
		if k.RefID != "" {
			return shared.Validationf("fee", "Validate", "boarding fee takes no reference id")
		}
	}
	return nil
}

// Entry - тарифная запись.
type Entry struct {
	Key
	Amount    decimal.Decimal
	UpdatedAt time.Time

	// Frozen заполняется хранилищем при чтении: на запись ссылается
	// начисление, по которому уже есть платёж.
	Frozen bool
}

// NewEntry создаёт запись; сумма не может быть отрицательной.
func NewEntry(key Key, amount decimal.Decimal) (*Entry, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	if amount.IsNegative() {
		return nil, shared.Validationf("fee", "Validate", "fee amount cannot be negative")
	}
	return &Entry{Key: key, Amount: amount, UpdatedAt: time.Now().UTC()}, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// BILLING BASIS
// ══════════════════════════════════════════════════════════════════════════════

// Basis - то, по чему ученику выставляется начисление за четверть:
// класс, направление автобуса (пусто, если автобусом не пользуется) и пансион.
type Basis struct {
	GradeID       string
	DestinationID string
	IsBoarding    bool
}

// Keys возвращает ключи тарифов, на которые ссылается начисление за четверть.
func (b Basis) Keys(termID string) []Key {
	keys := []Key{TuitionKey(b.GradeID, termID)}
	if b.IsBoarding {
		keys = append(keys, BoardingKey(termID))
	}
	if b.DestinationID != "" {
		keys = append(keys, BusKey(b.DestinationID, termID))
	}
	return keys
}

// Charge - разрешённые суммы начисления за одну четверть.
type Charge struct {
	TermID  string
	Tuition decimal.Decimal // обучение + пансион
	Bus     decimal.Decimal
	// Unset - ключи, которых нет в тарифной сетке; они посчитаны как ноль.
	Unset []Key
	// Reads - прочитанные записи сетки, по которым посчитано начисление.
	Reads []Reading
}

// Reading - значение записи сетки на момент расчёта.
// Set=false означает, что записи не было.
type Reading struct {
	Key    Key
	Amount decimal.Decimal
	Set    bool
}

// Matches сообщает, совпадает ли чтение с текущим состоянием записи.
func (r Reading) Matches(amount decimal.Decimal, set bool) bool {
	if r.Set != set {
		return false
	}
	return !set || r.Amount.Equal(amount)
}

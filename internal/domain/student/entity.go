// Package student содержит доменную модель ученика школы.
package student

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alem-hub/school-fee-ledger/internal/domain/fee"
	"github.com/alem-hub/school-fee-ledger/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// ENUMS
// ══════════════════════════════════════════════════════════════════════════════

// Status - состояние ученика. Учеников не удаляют, их деактивируют.
type Status string

const (
	// StatusActive - ученик учится, по нему принимаются платежи.
	StatusActive Status = "active"
	// StatusInactive - ученик выбыл; история платежей сохраняется.
	StatusInactive Status = "inactive"
)

// IsValid проверяет, что статус корректен.
func (s Status) IsValid() bool {
	return s == StatusActive || s == StatusInactive
}

// ══════════════════════════════════════════════════════════════════════════════
// BALANCES
// ══════════════════════════════════════════════════════════════════════════════

// Balances - материализованное представление долгов ученика на четверть TermID.
// Пишется только коммитом леджера; клиенты видят его только на чтение.
type Balances struct {
	// TermID - четверть, относительно которой посчитаны балансы.
	TermID string

	// TuitionBalance - долг за обучение, включая Arrears.
	TuitionBalance decimal.Decimal

	// BusBalance - долг за автобус в четверти TermID.
	BusBalance decimal.Decimal

	// Arrears - часть TuitionBalance, перенесённая из прошлых четвертей.
	Arrears decimal.Decimal

	// Credit - переплата, которая уйдёт в счёт будущей платы за обучение.
	Credit decimal.Decimal

	// ComputedAt - момент пересчёта.
	ComputedAt time.Time

	// StudentVersion - версия ученика, по которой посчитаны балансы.
	// Заполняется только для кэша; в хранилище не пишется.
	StudentVersion int64
}

// ZeroBalances возвращает нулевые балансы без четверти.
func ZeroBalances() Balances {
	return Balances{
		TuitionBalance: decimal.Zero,
		BusBalance:     decimal.Zero,
		Arrears:        decimal.Zero,
		Credit:         decimal.Zero,
	}
}

// Equal сравнивает суммы и четверть, игнорируя время пересчёта.
func (b Balances) Equal(o Balances) bool {
	return b.TermID == o.TermID &&
		b.TuitionBalance.Equal(o.TuitionBalance) &&
		b.BusBalance.Equal(o.BusBalance) &&
		b.Arrears.Equal(o.Arrears) &&
		b.Credit.Equal(o.Credit)
}

// ══════════════════════════════════════════════════════════════════════════════
// ENTITY
// ══════════════════════════════════════════════════════════════════════════════

// Student - ученик и его зачисление.
type Student struct {
	ID              string
	Name            string
	AdmissionNumber string
	GradeID         string
	Phone           string

	// UsesBus и DestinationID: направление обязательно, если ученик ездит автобусом.
	UsesBus       bool
	DestinationID string

	IsBoarding bool

	// OpeningArrears - долг, перенесённый в систему при зачислении. Задаётся один раз.
	OpeningArrears decimal.Decimal

	// FirstTermID - четверть, активная на момент зачисления (пусто, если не было).
	FirstTermID string

	Status     Status
	EnrolledAt time.Time
	UpdatedAt  time.Time

	// Version - версия для оптимистичной блокировки; растёт при каждом изменении.
	Version int64

	// Balances - материализованные балансы. Меняются только леджером.
	Balances Balances
}

// EnrollParams - параметры зачисления.
type EnrollParams struct {
	Name            string
	AdmissionNumber string
	GradeID         string
	Phone           string
	UsesBus         bool
	DestinationID   string
	IsBoarding      bool
	OpeningArrears  decimal.Decimal
	FirstTermID     string
	Now             time.Time
}

// Enroll создаёт нового ученика с валидацией.
func Enroll(p EnrollParams) (*Student, error) {
	s := &Student{
		ID:              shared.NewID(),
		Name:            strings.TrimSpace(p.Name),
		AdmissionNumber: NormalizeAdmissionNumber(p.AdmissionNumber),
		GradeID:         strings.TrimSpace(p.GradeID),
		Phone:           strings.TrimSpace(p.Phone),
		UsesBus:         p.UsesBus,
		DestinationID:   strings.TrimSpace(p.DestinationID),
		IsBoarding:      p.IsBoarding,
		OpeningArrears:  p.OpeningArrears,
		FirstTermID:     p.FirstTermID,
		Status:          StatusActive,
		EnrolledAt:      p.Now,
		UpdatedAt:       p.Now,
		Version:         1,
		Balances:        ZeroBalances(),
	}
	if s.EnrolledAt.IsZero() {
		s.EnrolledAt = time.Now().UTC()
		s.UpdatedAt = s.EnrolledAt
	}
	if !s.UsesBus {
		s.DestinationID = ""
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// NormalizeAdmissionNumber приводит номер к каноническому виду для проверки уникальности.
func NormalizeAdmissionNumber(no string) string {
	return strings.ToUpper(strings.TrimSpace(no))
}

// Validate проверяет инварианты зачисления.
func (s *Student) Validate() error {
	if s.Name == "" {
		return shared.Validationf("student", "Validate", "name is required")
	}
	if s.AdmissionNumber == "" {
		return shared.Validationf("student", "Validate", "admission number is required")
	}
	if s.GradeID == "" {
		return shared.Validationf("student", "Validate", "grade is required")
	}
	if s.UsesBus && s.DestinationID == "" {
		return shared.ErrDestinationRequired
	}
	if !s.UsesBus && s.DestinationID != "" {
		return shared.Validationf("student", "Validate", "destination given for a student who does not use the bus")
	}
	if s.OpeningArrears.IsNegative() {
		return shared.Validationf("student", "Validate", "opening arrears cannot be negative")
	}
	if !s.Status.IsValid() {
		return shared.Validationf("student", "Validate", "unknown status %q", s.Status)
	}
	return nil
}

// IsActive возвращает true для учащихся учеников.
func (s *Student) IsActive() bool {
	return s.Status == StatusActive
}

// Basis возвращает текущее основание для начисления.
func (s *Student) Basis() fee.Basis {
	b := fee.Basis{GradeID: s.GradeID, IsBoarding: s.IsBoarding}
	if s.UsesBus {
		b.DestinationID = s.DestinationID
	}
	return b
}

// Clone возвращает независимую копию.
func (s *Student) Clone() *Student {
	c := *s
	return &c
}

// ══════════════════════════════════════════════════════════════════════════════
// ENROLLMENT CHANGES
// ══════════════════════════════════════════════════════════════════════════════

// EnrollmentChange - частичное изменение зачисления. nil означает "не менять".
type EnrollmentChange struct {
	Name          *string
	Phone         *string
	GradeID       *string
	UsesBus       *bool
	DestinationID *string
	IsBoarding    *bool
}

// Apply применяет изменение и возвращает список изменённых полей.
// История платежей не затрагивается; балансы пересчитывает леджер.
func (s *Student) Apply(c EnrollmentChange, now time.Time) ([]string, error) {
	next := s.Clone()
	var changed []string

	setStr := func(field string, dst *string, v *string) {
		if v == nil {
			return
		}
		val := strings.TrimSpace(*v)
		if *dst != val {
			*dst = val
			changed = append(changed, field)
		}
	}
	setStr("name", &next.Name, c.Name)
	setStr("phone", &next.Phone, c.Phone)
	setStr("grade_id", &next.GradeID, c.GradeID)
	setStr("destination_id", &next.DestinationID, c.DestinationID)

	if c.UsesBus != nil && next.UsesBus != *c.UsesBus {
		next.UsesBus = *c.UsesBus
		changed = append(changed, "uses_bus")
	}
	if c.IsBoarding != nil && next.IsBoarding != *c.IsBoarding {
		next.IsBoarding = *c.IsBoarding
		changed = append(changed, "is_boarding")
	}
	if !next.UsesBus && next.DestinationID != "" {
		next.DestinationID = ""
		if !contains(changed, "destination_id") {
			changed = append(changed, "destination_id")
		}
	}

	if err := next.Validate(); err != nil {
		return nil, err
	}
	if len(changed) == 0 {
		return nil, nil
	}
	next.UpdatedAt = now
	*s = *next
	return changed, nil
}

// SetStatus меняет статус. Возвращает false, если статус уже такой.
func (s *Student) SetStatus(status Status, now time.Time) (bool, error) {
	if !status.IsValid() {
		return false, shared.Validationf("student", "SetStatus", "unknown status %q", status)
	}
	if s.Status == status {
		return false, nil
	}
	s.Status = status
	s.UpdatedAt = now
	return true, nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

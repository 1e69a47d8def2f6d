// Package query contains read operations (CQRS - Queries).
// Запросы читают журнал и материализованные балансы и никогда не берут блокировки записи.
package query

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/alem-hub/school-fee-ledger/internal/domain/fee"
	"github.com/alem-hub/school-fee-ledger/internal/domain/ledger"
	"github.com/alem-hub/school-fee-ledger/internal/domain/student"
	"github.com/alem-hub/school-fee-ledger/internal/domain/term"
)

// ══════════════════════════════════════════════════════════════════════════════
// DTO
// ══════════════════════════════════════════════════════════════════════════════

// StudentDTO - ученик для внешнего слоя.
type StudentDTO struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	AdmissionNumber string `json:"admission_number"`

	// GradeID и GradeName - текущий класс.
	GradeID   string `json:"grade_id"`
	GradeName string `json:"grade_name,omitempty"`

	Phone string `json:"phone,omitempty"`

	UsesBus         bool   `json:"uses_bus"`
	DestinationID   string `json:"destination_id,omitempty"`
	DestinationName string `json:"destination_name,omitempty"`

	IsBoarding bool `json:"is_boarding"`

	OpeningArrears decimal.Decimal `json:"opening_arrears"`

	Status     string    `json:"status"`
	EnrolledAt time.Time `json:"enrolled_at"`
	Version    int64     `json:"version"`

	// Balances - материализованные балансы на момент последнего коммита.
	Balances BalancesDTO `json:"balances"`
}

// BalancesDTO - балансы ученика относительно четверти.
type BalancesDTO struct {
	TermID         string          `json:"term_id,omitempty"`
	TuitionBalance decimal.Decimal `json:"tuition_balance"`
	BusBalance     decimal.Decimal `json:"bus_balance"`
	Arrears        decimal.Decimal `json:"arrears"`
	Credit         decimal.Decimal `json:"credit"`
	ComputedAt     *time.Time      `json:"computed_at,omitempty"`
}

// PaymentDTO - запись журнала.
type PaymentDTO struct {
	ID          string          `json:"id"`
	StudentID   string          `json:"student_id"`
	TermID      string          `json:"term_id"`
	Amount      decimal.Decimal `json:"amount"`
	Method      string          `json:"method"`
	Kind        string          `json:"kind"`
	PaidAt      time.Time       `json:"paid_at"`
	RecordedAt  time.Time       `json:"recorded_at"`
	Description string          `json:"description,omitempty"`
	ReversesID  string          `json:"reverses_id,omitempty"`

	Allocation AllocationDTO `json:"allocation"`

	// BalanceAfter - балансы по четверти платежа сразу после него.
	BalanceAfter BalancesDTO `json:"balance_after"`
}

// AllocationDTO - разбивка платежа.
type AllocationDTO struct {
	Arrears decimal.Decimal `json:"arrears"`
	Tuition decimal.Decimal `json:"tuition"`
	Bus     decimal.Decimal `json:"bus"`
	Credit  decimal.Decimal `json:"credit"`
}

// TermDTO - четверть.
type TermDTO struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	StartDate string     `json:"start_date"`
	EndDate   string     `json:"end_date"`
	IsActive  bool       `json:"is_active"`
	OpenedAt  *time.Time `json:"opened_at,omitempty"`
}

// GradeDTO - класс.
type GradeDTO struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Level int    `json:"level"`
}

// DestinationDTO - направление автобуса.
type DestinationDTO struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// FeeDTO - тарифная запись.
type FeeDTO struct {
	Kind   string          `json:"kind"`
	RefID  string          `json:"ref_id,omitempty"`
	TermID string          `json:"term_id"`
	Amount decimal.Decimal `json:"amount"`

	// Frozen - по записи уже распределены платежи, менять её нельзя.
	Frozen bool `json:"frozen"`
}

// ══════════════════════════════════════════════════════════════════════════════
// MAPPERS
// ══════════════════════════════════════════════════════════════════════════════

// NewBalancesDTO переводит балансы в DTO.
func NewBalancesDTO(b student.Balances) BalancesDTO {
	dto := BalancesDTO{
		TermID:         b.TermID,
		TuitionBalance: b.TuitionBalance,
		BusBalance:     b.BusBalance,
		Arrears:        b.Arrears,
		Credit:         b.Credit,
	}
	if !b.ComputedAt.IsZero() {
		at := b.ComputedAt
		dto.ComputedAt = &at
	}
	return dto
}

// NewStudentDTO переводит ученика в DTO. Имена класса и направления заполняет вызывающий.
func NewStudentDTO(s *student.Student) StudentDTO {
	return StudentDTO{
		ID:              s.ID,
		Name:            s.Name,
		AdmissionNumber: s.AdmissionNumber,
		GradeID:         s.GradeID,
		Phone:           s.Phone,
		UsesBus:         s.UsesBus,
		DestinationID:   s.DestinationID,
		IsBoarding:      s.IsBoarding,
		OpeningArrears:  s.OpeningArrears,
		Status:          string(s.Status),
		EnrolledAt:      s.EnrolledAt,
		Version:         s.Version,
		Balances:        NewBalancesDTO(s.Balances),
	}
}

// NewPaymentDTO переводит запись журнала в DTO.
func NewPaymentDTO(p *ledger.Payment) PaymentDTO {
	return PaymentDTO{
		ID:          p.ID,
		StudentID:   p.StudentID,
		TermID:      p.TermID,
		Amount:      p.Amount,
		Method:      p.Method.String(),
		Kind:        string(p.Kind),
		PaidAt:      p.PaidAt,
		RecordedAt:  p.RecordedAt,
		Description: p.Description,
		ReversesID:  p.ReversesID,
		Allocation: AllocationDTO{
			Arrears: p.Allocation.Arrears,
			Tuition: p.Allocation.Tuition,
			Bus:     p.Allocation.Bus,
			Credit:  p.Allocation.Credit,
		},
		BalanceAfter: NewBalancesDTO(p.BalanceAfter),
	}
}

// NewPaymentDTOs переводит список; пустой вход даёт пустой (не nil) срез.
func NewPaymentDTOs(ps []*ledger.Payment) []PaymentDTO {
	out := make([]PaymentDTO, 0, len(ps))
	for _, p := range ps {
		out = append(out, NewPaymentDTO(p))
	}
	return out
}

// NewTermDTO переводит четверть в DTO.
func NewTermDTO(t *term.Term) TermDTO {
	return TermDTO{
		ID:        t.ID,
		Name:      t.Name,
		StartDate: t.StartDate.Format("2006-01-02"),
		EndDate:   t.EndDate.Format("2006-01-02"),
		IsActive:  t.IsActive,
		OpenedAt:  t.OpenedAt,
	}
}

// NewGradeDTO переводит класс в DTO.
func NewGradeDTO(g *fee.Grade) GradeDTO {
	return GradeDTO{ID: g.ID, Name: g.Name, Level: g.Level}
}

// NewDestinationDTO переводит направление в DTO.
func NewDestinationDTO(d *fee.Destination) DestinationDTO {
	return DestinationDTO{ID: d.ID, Name: d.Name}
}

// NewFeeDTO переводит тарифную запись в DTO.
func NewFeeDTO(e *fee.Entry) FeeDTO {
	return FeeDTO{Kind: string(e.Kind), RefID: e.RefID, TermID: e.TermID, Amount: e.Amount, Frozen: e.Frozen}
}

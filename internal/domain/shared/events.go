package shared

import (
	"encoding/json"
	"time"
)

type EventType string

// Domain event types published after a ledger mutation commits.
const (
	// Student events
	EventStudentEnrolled      EventType = "student.enrolled"
	EventEnrollmentUpdated    EventType = "student.enrollment_updated"
	EventStudentStatusChanged EventType = "student.status_changed"

	// Term events
	EventTermCreated   EventType = "term.created"
	EventTermActivated EventType = "term.activated"

	// Fee schedule events
	EventFeeScheduleSet EventType = "fee.schedule_set"

	// Ledger events
	EventPaymentRecorded EventType = "ledger.payment_recorded"
	EventPaymentReversed EventType = "ledger.payment_reversed"
	EventBalancesRebuilt EventType = "ledger.balances_rebuilt"
)

// Event is published after the change it describes has committed.
// AggregateID is the student for student and ledger events and the term
// for term and fee events.
type Event interface {
	EventType() EventType
	OccurredAt() time.Time
	AggregateID() string

	// Payload holds the JSON-safe fields relayed to other instances.
	Payload() map[string]interface{}
}

// BaseEvent is embedded by every concrete event.
type BaseEvent struct {
	Type          EventType `json:"type"`
	Timestamp     time.Time `json:"timestamp"`
	AggregateId   string    `json:"aggregate_id"`
	Version       int       `json:"version"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

func (e BaseEvent) EventType() EventType  { return e.Type }
func (e BaseEvent) OccurredAt() time.Time { return e.Timestamp }
func (e BaseEvent) AggregateID() string   { return e.AggregateId }

func NewBaseEvent(eventType EventType, aggregateID string) BaseEvent {
	return BaseEvent{
		Type:        eventType,
		Timestamp:   time.Now(),
		AggregateId: aggregateID,
		Version:     1,
	}
}

// WithCorrelationID ties the event to the HTTP request that caused it.
func (e BaseEvent) WithCorrelationID(id string) BaseEvent {
	e.CorrelationID = id
	return e
}

// StudentEnrolledEvent is emitted when a new student is enrolled.
type StudentEnrolledEvent struct {
	BaseEvent
	AdmissionNumber string `json:"admission_number"`
	GradeID         string `json:"grade_id"`
	UsesBus         bool   `json:"uses_bus"`
	IsBoarding      bool   `json:"is_boarding"`
}

func (e StudentEnrolledEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"admission_number": e.AdmissionNumber,
		"grade_id":         e.GradeID,
		"uses_bus":         e.UsesBus,
		"is_boarding":      e.IsBoarding,
	}
}

func NewStudentEnrolledEvent(studentID, admissionNumber, gradeID string, usesBus, boarding bool) StudentEnrolledEvent {
	return StudentEnrolledEvent{
		BaseEvent:       NewBaseEvent(EventStudentEnrolled, studentID),
		AdmissionNumber: admissionNumber,
		GradeID:         gradeID,
		UsesBus:         usesBus,
		IsBoarding:      boarding,
	}
}

// EnrollmentUpdatedEvent is emitted when grade, bus or boarding enrollment changes.
type EnrollmentUpdatedEvent struct {
	BaseEvent
	GradeID       string   `json:"grade_id"`
	DestinationID string   `json:"destination_id,omitempty"`
	Changed       []string `json:"changed"`
}

func (e EnrollmentUpdatedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"grade_id":       e.GradeID,
		"destination_id": e.DestinationID,
		"changed":        e.Changed,
	}
}

func NewEnrollmentUpdatedEvent(studentID, gradeID, destinationID string, changed []string) EnrollmentUpdatedEvent {
	return EnrollmentUpdatedEvent{
		BaseEvent:     NewBaseEvent(EventEnrollmentUpdated, studentID),
		GradeID:       gradeID,
		DestinationID: destinationID,
		Changed:       changed,
	}
}

// StudentStatusChangedEvent is emitted when a student is deactivated or reactivated.
type StudentStatusChangedEvent struct {
	BaseEvent
	Status string `json:"status"`
}

func (e StudentStatusChangedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{"status": e.Status}
}

func NewStudentStatusChangedEvent(studentID, status string) StudentStatusChangedEvent {
	return StudentStatusChangedEvent{
		BaseEvent: NewBaseEvent(EventStudentStatusChanged, studentID),
		Status:    status,
	}
}

// TermCreatedEvent is emitted when an administrator creates a term.
type TermCreatedEvent struct {
	BaseEvent
	Name string `json:"name"`
}

func (e TermCreatedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{"name": e.Name}
}

func NewTermCreatedEvent(termID, name string) TermCreatedEvent {
	return TermCreatedEvent{BaseEvent: NewBaseEvent(EventTermCreated, termID), Name: name}
}

// TermActivatedEvent is emitted when the active term changes.
type TermActivatedEvent struct {
	BaseEvent
	PreviousTermID string `json:"previous_term_id,omitempty"`
	ActiveVersion  int64  `json:"active_version"`
}

func (e TermActivatedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"previous_term_id": e.PreviousTermID,
		"active_version":   e.ActiveVersion,
	}
}

func NewTermActivatedEvent(termID, previousTermID string, version int64) TermActivatedEvent {
	return TermActivatedEvent{
		BaseEvent:      NewBaseEvent(EventTermActivated, termID),
		PreviousTermID: previousTermID,
		ActiveVersion:  version,
	}
}

// FeeScheduleSetEvent is emitted when a fee schedule entry is created or changed.
type FeeScheduleSetEvent struct {
	BaseEvent
	Kind   string `json:"kind"`
	RefID  string `json:"ref_id,omitempty"`
	Amount string `json:"amount"`
}

func (e FeeScheduleSetEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"kind":   e.Kind,
		"ref_id": e.RefID,
		"amount": e.Amount,
	}
}

// NewFeeScheduleSetEvent creates a new FeeScheduleSetEvent keyed by term.
func NewFeeScheduleSetEvent(termID, kind, refID, amount string) FeeScheduleSetEvent {
	return FeeScheduleSetEvent{
		BaseEvent: NewBaseEvent(EventFeeScheduleSet, termID),
		Kind:      kind,
		RefID:     refID,
		Amount:    amount,
	}
}

// PaymentRecordedEvent is emitted after a payment has been committed.
// Amounts are decimal strings.
type PaymentRecordedEvent struct {
	BaseEvent
	PaymentID string `json:"payment_id"`
	TermID    string `json:"term_id"`
	Amount    string `json:"amount"`
	Method    string `json:"method"`
	Arrears   string `json:"arrears_applied"`
	Tuition   string `json:"tuition_applied"`
	Bus       string `json:"bus_applied"`
	Credit    string `json:"credit_applied"`
}

func (e PaymentRecordedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"payment_id":      e.PaymentID,
		"term_id":         e.TermID,
		"amount":          e.Amount,
		"method":          e.Method,
		"arrears_applied": e.Arrears,
		"tuition_applied": e.Tuition,
		"bus_applied":     e.Bus,
		"credit_applied":  e.Credit,
	}
}

// NewPaymentRecordedEvent creates a new PaymentRecordedEvent keyed by student.
// The allocation slice is ordered arrears, tuition, bus, credit.
func NewPaymentRecordedEvent(studentID, paymentID, termID, amount, method string, allocation [4]string) PaymentRecordedEvent {
	return PaymentRecordedEvent{
		BaseEvent: NewBaseEvent(EventPaymentRecorded, studentID),
		PaymentID: paymentID,
		TermID:    termID,
		Amount:    amount,
		Method:    method,
		Arrears:   allocation[0],
		Tuition:   allocation[1],
		Bus:       allocation[2],
		Credit:    allocation[3],
	}
}

// PaymentReversedEvent is emitted after a compensating reversal has been committed.
type PaymentReversedEvent struct {
	BaseEvent
	PaymentID  string `json:"payment_id"`
	ReversalID string `json:"reversal_id"`
	Amount     string `json:"amount"`
	Reason     string `json:"reason"`
}

func (e PaymentReversedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"payment_id":  e.PaymentID,
		"reversal_id": e.ReversalID,
		"amount":      e.Amount,
		"reason":      e.Reason,
	}
}

func NewPaymentReversedEvent(studentID, paymentID, reversalID, amount, reason string) PaymentReversedEvent {
	return PaymentReversedEvent{
		BaseEvent:  NewBaseEvent(EventPaymentReversed, studentID),
		PaymentID:  paymentID,
		ReversalID: reversalID,
		Amount:     amount,
		Reason:     reason,
	}
}

// BalancesRebuiltEvent is emitted by the rebuild job when a materialized view was repaired.
type BalancesRebuiltEvent struct {
	BaseEvent
	TermID string `json:"term_id"`
}

func (e BalancesRebuiltEvent) Payload() map[string]interface{} {
	return map[string]interface{}{"term_id": e.TermID}
}

func NewBalancesRebuiltEvent(studentID, termID string) BalancesRebuiltEvent {
	return BalancesRebuiltEvent{BaseEvent: NewBaseEvent(EventBalancesRebuilt, studentID), TermID: termID}
}

// EventEnvelope is the wire form of an event relayed between instances.
type EventEnvelope struct {
	ID            string          `json:"id"`
	Type          EventType       `json:"type"`
	AggregateID   string          `json:"aggregate_id"`
	Timestamp     time.Time       `json:"timestamp"`
	Version       int             `json:"version"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

type EventHandler func(event Event) error

type EventPublisher interface {
	Publish(event Event) error
}

type EventSubscriber interface {
	Subscribe(eventType EventType, handler EventHandler) error
	SubscribeAll(handler EventHandler) error
}

type EventBus interface {
	EventPublisher
	EventSubscriber
}

// NopPublisher discards events.
type NopPublisher struct{}

// Publish implements EventPublisher.
func (NopPublisher) Publish(Event) error { return nil }

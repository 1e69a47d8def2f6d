package command

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alem-hub/school-fee-ledger/internal/domain/fee"
	"github.com/alem-hub/school-fee-ledger/internal/domain/ledger"
	"github.com/alem-hub/school-fee-ledger/internal/domain/shared"
	"github.com/alem-hub/school-fee-ledger/internal/domain/student"
	"github.com/alem-hub/school-fee-ledger/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// RECORD PAYMENT COMMAND
// Appends a payment to the ledger, splitting it arrears → tuition → bus → credit.
// ══════════════════════════════════════════════════════════════════════════════

// RecordPaymentCommand contains the data of a received payment.
type RecordPaymentCommand struct {
	StudentID string `validate:"required"`

	// TermID defaults to the active term when empty.
	TermID string

	Amount decimal.Decimal
	Method string `validate:"required"`

	// PaidAt defaults to now.
	PaidAt time.Time

	Description string `validate:"max=500"`

	// IdempotencyKey makes resubmission safe: a repeated key returns the
	// original payment without appending.
	IdempotencyKey string `validate:"max=128"`

	CorrelationID string
}

// Validate validates the command.
func (c RecordPaymentCommand) Validate() error {
	if err := validateStruct("ledger", "Record", c); err != nil {
		return err
	}
	if !c.Amount.IsPositive() {
		return shared.WrapError("ledger", "Record", shared.ErrValidation,
			"amount must be greater than zero", shared.ErrInvalidPayment)
	}
	if _, err := shared.ParsePaymentMethod(c.Method); err != nil {
		return err
	}
	return nil
}

// RecordPaymentResult contains the stored payment and the student's balances.
type RecordPaymentResult struct {
	Payment *ledger.Payment

	// Balances are the materialized balances relative to the active term.
	Balances student.Balances

	// Duplicate is true when the idempotency key matched an earlier payment.
	Duplicate bool

	// Unset lists fee entries that were missing and counted as zero.
	Unset []fee.Key
}

// ══════════════════════════════════════════════════════════════════════════════
// HANDLER
// ══════════════════════════════════════════════════════════════════════════════

// RecordPaymentHandler handles the RecordPaymentCommand.
type RecordPaymentHandler struct {
	deps LedgerDeps
}

// NewRecordPaymentHandler creates a new RecordPaymentHandler.
func NewRecordPaymentHandler(deps LedgerDeps) *RecordPaymentHandler {
	return &RecordPaymentHandler{deps: deps}
}

// Handle executes the record payment command.
func (h *RecordPaymentHandler) Handle(ctx context.Context, cmd RecordPaymentCommand) (*RecordPaymentResult, error) {
	started := time.Now()

	if err := cmd.Validate(); err != nil {
		return nil, fmt.Errorf("record_payment: %w", err)
	}
	method, _ := shared.ParsePaymentMethod(cmd.Method)

	releaseBarrier, err := h.deps.Barrier.Shared(ctx)
	if err != nil {
		return nil, fmt.Errorf("record_payment: %w", err)
	}
	defer releaseBarrier()

	active, rec, err := h.deps.Terms.Active(ctx)
	if err != nil {
		return nil, fmt.Errorf("record_payment: %w", err)
	}
	termID := strings.TrimSpace(cmd.TermID)
	if termID == "" {
		termID = active.ID
	}

	unlock, err := h.deps.Locker.Lock(ctx, cmd.StudentID)
	if err != nil {
		if shared.IsBusy(err) {
			h.deps.log(ctx).Warn("student lock contention", logger.StudentID(cmd.StudentID), logger.Err(err))
		}
		return nil, fmt.Errorf("record_payment: %w", err)
	}
	defer unlock()

	if key := strings.TrimSpace(cmd.IdempotencyKey); key != "" {
		prior, err := h.deps.Payments.GetByIdempotencyKey(ctx, key)
		switch {
		case err == nil:
			if prior.StudentID != cmd.StudentID {
				return nil, fmt.Errorf("record_payment: %w", shared.ErrDuplicatePayment)
			}
			s, err := h.deps.Students.GetByID(ctx, cmd.StudentID)
			if err != nil {
				return nil, fmt.Errorf("record_payment: %w", err)
			}
			return &RecordPaymentResult{Payment: prior, Balances: s.Balances, Duplicate: true}, nil
		case !errors.Is(err, shared.ErrNotFound):
			return nil, fmt.Errorf("record_payment: lookup idempotency key: %w", err)
		}
	}

	s, err := h.deps.Students.GetByID(ctx, cmd.StudentID)
	if err != nil {
		return nil, fmt.Errorf("record_payment: %w", err)
	}
	if !s.IsActive() {
		return nil, fmt.Errorf("record_payment: %w", shared.ErrStudentInactive)
	}

	now := h.deps.now()
	snap, err := h.deps.projector().Load(ctx, s, now)
	if err != nil {
		return nil, fmt.Errorf("record_payment: load account: %w", err)
	}
	if !snap.Billable(termID) {
		if _, err := h.deps.Terms.GetByID(ctx, termID); err != nil {
			return nil, fmt.Errorf("record_payment: %w", err)
		}
		return nil, fmt.Errorf("record_payment: %w", shared.ErrTermNotOpen)
	}

	payment, err := ledger.NewPayment(ledger.NewPaymentParams{
		StudentID:      s.ID,
		TermID:         termID,
		Amount:         cmd.Amount,
		Method:         method,
		PaidAt:         cmd.PaidAt,
		Description:    cmd.Description,
		IdempotencyKey: cmd.IdempotencyKey,
		Now:            now,
	})
	if err != nil {
		return nil, fmt.Errorf("record_payment: %w", err)
	}

	due, err := snap.Account.ObligationsAt(termID)
	if err != nil {
		return nil, fmt.Errorf("record_payment: %w", err)
	}
	payment.Allocation, err = ledger.Allocate(payment.Amount, due)
	if err != nil {
		return nil, fmt.Errorf("record_payment: %w", err)
	}

	after := *snap
	after.Account = snap.Account.With(payment)
	payment.BalanceAfter, err = after.BalancesAt(termID, now)
	if err != nil {
		return nil, fmt.Errorf("record_payment: %w", err)
	}
	balances, err := after.BalancesAt(active.ID, now)
	if err != nil {
		return nil, fmt.Errorf("record_payment: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("record_payment: %w", err)
	}
	if _, err := h.deps.Payments.Append(ctx, ledger.Commit{
		StudentID:              s.ID,
		ExpectedStudentVersion: s.Version,
		CheckTermVersion:       true,
		ExpectedTermVersion:    rec.Version,
		Payment:                payment,
		NewBillings:            snap.NewBillings,
		Fees:                   snap.FeeReads(),
		Balances:               balances,
	}); err != nil {
		if !shared.IsBusy(err) {
			h.deps.log(ctx).Error("payment commit failed", logger.StudentID(s.ID), logger.PaymentID(payment.ID), logger.Err(err))
		}
		return nil, fmt.Errorf("record_payment: commit: %w", err)
	}

	h.deps.warnUnset(ctx, s.ID, snap.Unset)

	event := shared.NewPaymentRecordedEvent(s.ID, payment.ID, termID,
		payment.Amount.String(), payment.Method.String(), payment.Allocation.Strings())
	if cmd.CorrelationID != "" {
		event.BaseEvent = event.BaseEvent.WithCorrelationID(cmd.CorrelationID)
	}
	publish(h.deps.Publisher, event)

	h.deps.log(ctx).Info("payment recorded",
		logger.StudentID(s.ID),
		logger.TermID(termID),
		logger.PaymentID(payment.ID),
		logger.Amount(payment.Amount),
		logger.Method(payment.Method.String()),
		logger.Latency(time.Since(started)),
	)

	return &RecordPaymentResult{
		Payment:  payment,
		Balances: balances,
		Unset:    snap.Unset,
	}, nil
}

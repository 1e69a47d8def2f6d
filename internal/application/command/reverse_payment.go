package command

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/alem-hub/school-fee-ledger/internal/domain/ledger"
	"github.com/alem-hub/school-fee-ledger/internal/domain/shared"
	"github.com/alem-hub/school-fee-ledger/internal/domain/student"
	"github.com/alem-hub/school-fee-ledger/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// REVERSE PAYMENT COMMAND
// Corrections are compensating ledger records, never edits.
// ══════════════════════════════════════════════════════════════════════════════

// ReversePaymentCommand identifies the payment to reverse.
type ReversePaymentCommand struct {
	PaymentID     string `validate:"required"`
	Reason        string `validate:"max=500"`
	CorrelationID string
}

// Validate validates the command.
func (c ReversePaymentCommand) Validate() error {
	return validateStruct("ledger", "Reverse", c)
}

// ReversePaymentResult contains the reversal record and the refreshed balances.
type ReversePaymentResult struct {
	Reversal *ledger.Payment
	Original *ledger.Payment
	Balances student.Balances
}

// ReversePaymentHandler handles the ReversePaymentCommand.
type ReversePaymentHandler struct {
	deps LedgerDeps
}

// NewReversePaymentHandler creates a new ReversePaymentHandler.
func NewReversePaymentHandler(deps LedgerDeps) *ReversePaymentHandler {
	return &ReversePaymentHandler{deps: deps}
}

// Handle executes the reverse payment command.
func (h *ReversePaymentHandler) Handle(ctx context.Context, cmd ReversePaymentCommand) (*ReversePaymentResult, error) {
	if err := cmd.Validate(); err != nil {
		return nil, fmt.Errorf("reverse_payment: %w", err)
	}

	original, err := h.deps.Payments.GetPayment(ctx, cmd.PaymentID)
	if err != nil {
		return nil, fmt.Errorf("reverse_payment: %w", err)
	}
	if original.IsReversal() {
		return nil, fmt.Errorf("reverse_payment: %w", shared.ErrReverseReversal)
	}

	var result *ReversePaymentResult
	err = h.deps.withStudentLock(ctx, original.StudentID, func() error {
		if _, err := h.deps.Payments.FindReversal(ctx, original.ID); err == nil {
			return shared.ErrAlreadyReversed
		} else if !errors.Is(err, shared.ErrNotFound) {
			return err
		}

		active, rec, err := h.deps.Terms.Active(ctx)
		if err != nil {
			return err
		}
		s, err := h.deps.Students.GetByID(ctx, original.StudentID)
		if err != nil {
			return err
		}

		now := h.deps.now()
		snap, err := h.deps.projector().Load(ctx, s, now)
		if err != nil {
			return fmt.Errorf("load account: %w", err)
		}

		reversal, err := ledger.NewReversal(original, cmd.Reason, now)
		if err != nil {
			return err
		}
		after := *snap
		after.Account = snap.Account.With(reversal)
		if reversal.BalanceAfter, err = after.BalancesAt(original.TermID, now); err != nil {
			return err
		}
		balances, err := after.BalancesAt(active.ID, now)
		if err != nil {
			return err
		}

		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := h.deps.Payments.Append(ctx, ledger.Commit{
			StudentID:              s.ID,
			ExpectedStudentVersion: s.Version,
			CheckTermVersion:       true,
			ExpectedTermVersion:    rec.Version,
			Payment:                reversal,
			NewBillings:            snap.NewBillings,
			Balances:               balances,
		}); err != nil {
			return fmt.Errorf("commit: %w", err)
		}

		result = &ReversePaymentResult{Reversal: reversal, Original: original, Balances: balances}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reverse_payment: %w", err)
	}

	event := shared.NewPaymentReversedEvent(original.StudentID, original.ID, result.Reversal.ID,
		result.Reversal.Amount.String(), strings.TrimSpace(cmd.Reason))
	if cmd.CorrelationID != "" {
		event.BaseEvent = event.BaseEvent.WithCorrelationID(cmd.CorrelationID)
	}
	publish(h.deps.Publisher, event)

	h.deps.log(ctx).Info("payment reversed",
		logger.StudentID(original.StudentID),
		logger.PaymentID(original.ID),
		logger.String("reversal_id", result.Reversal.ID),
		logger.Amount(result.Reversal.Amount),
	)
	return result, nil
}

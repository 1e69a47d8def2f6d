package command

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/alem-hub/school-fee-ledger/internal/domain/fee"
	"github.com/alem-hub/school-fee-ledger/internal/domain/shared"
	"github.com/alem-hub/school-fee-ledger/internal/domain/term"
	"github.com/alem-hub/school-fee-ledger/pkg/logger"
)

// SetFeeScheduleCommand sets one fee schedule entry.
// RefID is the grade for tuition, the destination for bus and empty for boarding.
type SetFeeScheduleCommand struct {
	Kind   string `validate:"required,oneof=tuition bus boarding"`
	RefID  string `validate:"required_unless=Kind boarding"`
	TermID string `validate:"required"`
	Amount decimal.Decimal
}

// Validate validates the command.
func (c SetFeeScheduleCommand) Validate() error {
	if err := validateStruct("fee", "Set", c); err != nil {
		return err
	}
	if c.Amount.IsNegative() {
		return shared.Validationf("fee", "Set", "fee amount cannot be negative")
	}
	return nil
}

func (c SetFeeScheduleCommand) key() fee.Key {
	return fee.Key{Kind: fee.Kind(c.Kind), RefID: c.RefID, TermID: c.TermID}
}

// SetFeeScheduleResult contains the stored entry.
type SetFeeScheduleResult struct {
	Entry *fee.Entry
}

// SetFeeScheduleHandler handles the SetFeeScheduleCommand.
type SetFeeScheduleHandler struct {
	fees      fee.Repository
	catalog   fee.CatalogRepository
	terms     term.Repository
	barrier   TermBarrier
	publisher shared.EventPublisher
	log       *logger.Logger
}

// NewSetFeeScheduleHandler creates a new SetFeeScheduleHandler.
func NewSetFeeScheduleHandler(
	fees fee.Repository,
	catalog fee.CatalogRepository,
	terms term.Repository,
	barrier TermBarrier,
	publisher shared.EventPublisher,
	log *logger.Logger,
) *SetFeeScheduleHandler {
	if log == nil {
		log = logger.Nop()
	}
	return &SetFeeScheduleHandler{fees: fees, catalog: catalog, terms: terms, barrier: barrier, publisher: publisher, log: log}
}

// Handle executes the command. Entries referenced by a billed term are frozen.
func (h *SetFeeScheduleHandler) Handle(ctx context.Context, cmd SetFeeScheduleCommand) (*SetFeeScheduleResult, error) {
	if err := cmd.Validate(); err != nil {
		return nil, fmt.Errorf("set_fee_schedule: %w", err)
	}
	entry, err := fee.NewEntry(cmd.key(), cmd.Amount)
	if err != nil {
		return nil, fmt.Errorf("set_fee_schedule: %w", err)
	}

	if _, err := h.terms.GetByID(ctx, cmd.TermID); err != nil {
		return nil, fmt.Errorf("set_fee_schedule: %w", err)
	}
	switch entry.Kind {
	case fee.KindTuition:
		_, err = h.catalog.GetGrade(ctx, entry.RefID)
	case fee.KindBus:
		_, err = h.catalog.GetDestination(ctx, entry.RefID)
	}
	if err != nil {
		return nil, fmt.Errorf("set_fee_schedule: %w", err)
	}

	release, err := h.barrier.Exclusive(ctx)
	if err != nil {
		return nil, fmt.Errorf("set_fee_schedule: %w", err)
	}
	defer release()

	if err := h.fees.Upsert(ctx, entry); err != nil {
		if errors.Is(err, shared.ErrScheduleFrozen) {
			logger.FromContext(ctx, h.log).Warn("fee schedule edit rejected",
				logger.FeeKey(string(entry.Kind), entry.RefID, entry.TermID), logger.Err(err))
		}
		return nil, fmt.Errorf("set_fee_schedule: %w", err)
	}

	publish(h.publisher, shared.NewFeeScheduleSetEvent(entry.TermID, string(entry.Kind), entry.RefID, entry.Amount.String()))
	logger.FromContext(ctx, h.log).Info("fee schedule set",
		logger.FeeKey(string(entry.Kind), entry.RefID, entry.TermID),
		logger.Amount(entry.Amount),
	)
	return &SetFeeScheduleResult{Entry: entry}, nil
}

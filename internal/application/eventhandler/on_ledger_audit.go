package eventhandler

import (
	"context"
	"log/slog"

	"github.com/alem-hub/school-fee-ledger/internal/domain/shared"
)

// OnLedgerAuditHandler пишет каждое событие в журнал аудита.
// Журнал - отдельный логгер, обычно с собственным выводом.
type OnLedgerAuditHandler struct {
	logger *slog.Logger
}

// NewOnLedgerAuditHandler создаёт обработчик аудита.
func NewOnLedgerAuditHandler(logger *slog.Logger) *OnLedgerAuditHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &OnLedgerAuditHandler{logger: logger.With("handler", "audit")}
}

// Handle записывает событие.
func (h *OnLedgerAuditHandler) Handle(event shared.Event) error {
	attrs := make([]any, 0, 6+2*len(event.Payload()))
	attrs = append(attrs,
		"event_type", event.EventType(),
		"aggregate_id", event.AggregateID(),
		"occurred_at", event.OccurredAt(),
	)
	for k, v := range event.Payload() {
		attrs = append(attrs, k, v)
	}

	level := slog.LevelInfo
	if event.EventType() == shared.EventPaymentReversed {
		level = slog.LevelWarn
	}
	h.logger.Log(context.Background(), level, "ledger event", attrs...)
	return nil
}

// Package eventhandler содержит обработчики доменных событий.
// Обработчики работают после фиксации команды: их ошибки не откатывают
// платежи, а только логируются диспетчером и попадают в DLQ.
package eventhandler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alem-hub/school-fee-ledger/internal/domain/shared"
	"github.com/alem-hub/school-fee-ledger/internal/domain/student"
)

// ═══════════════════════════════════════════════════════════════════════════
// ON BALANCES CHANGED HANDLER
// Сбрасывает кэш балансов, когда меняется что-то, от чего они зависят.
//
// События ученика (платёж, сторно, зачисление, смена статуса, пересборка)
// сбрасывают одну запись. Смена активной четверти и правка тарифа
// затрагивают всех, поэтому кэш очищается целиком.
// ═══════════════════════════════════════════════════════════════════════════

// OnBalancesChangedHandler инвалидирует кэш балансов.
type OnBalancesChangedHandler struct {
	cache   student.BalanceCache
	logger  *slog.Logger
	timeout time.Duration
}

// NewOnBalancesChangedHandler создаёт обработчик.
func NewOnBalancesChangedHandler(cache student.BalanceCache, logger *slog.Logger) *OnBalancesChangedHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &OnBalancesChangedHandler{
		cache:   cache,
		logger:  logger.With("handler", "on_balances_changed"),
		timeout: 5 * time.Second,
	}
}

// studentScoped - события, у которых AggregateID = ID ученика.
var studentScoped = map[shared.EventType]bool{
	shared.EventStudentEnrolled:      true,
	shared.EventEnrollmentUpdated:    true,
	shared.EventStudentStatusChanged: true,
	shared.EventPaymentRecorded:      true,
	shared.EventPaymentReversed:      true,
	shared.EventBalancesRebuilt:      true,
}

// globalScoped - события, после которых устаревают балансы всех учеников.
var globalScoped = map[shared.EventType]bool{
	shared.EventTermActivated:  true,
	shared.EventFeeScheduleSet: true,
}

// EventTypes возвращает типы событий, на которые нужно подписать обработчик.
func (h *OnBalancesChangedHandler) EventTypes() []shared.EventType {
	return []shared.EventType{
		shared.EventStudentEnrolled,
		shared.EventEnrollmentUpdated,
		shared.EventStudentStatusChanged,
		shared.EventPaymentRecorded,
		shared.EventPaymentReversed,
		shared.EventBalancesRebuilt,
		shared.EventTermActivated,
		shared.EventFeeScheduleSet,
	}
}

// Handle обрабатывает событие.
// Реализует интерфейс shared.EventHandler.
func (h *OnBalancesChangedHandler) Handle(event shared.Event) error {
	if h.cache == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	switch {
	case studentScoped[event.EventType()]:
		if event.AggregateID() == "" {
			return nil
		}
		if err := h.cache.Invalidate(ctx, event.AggregateID()); err != nil {
			return fmt.Errorf("invalidate balances of %s: %w", event.AggregateID(), err)
		}
		h.logger.Debug("balance cache entry dropped",
			"student_id", event.AggregateID(),
			"event_type", event.EventType(),
		)

	case globalScoped[event.EventType()]:
		if err := h.cache.InvalidateAll(ctx); err != nil {
			return fmt.Errorf("invalidate balance cache: %w", err)
		}
		h.logger.Info("balance cache cleared",
			"term_id", event.AggregateID(),
			"event_type", event.EventType(),
		)
	}
	return nil
}

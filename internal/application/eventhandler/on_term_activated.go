package eventhandler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alem-hub/school-fee-ledger/internal/application/command"
	"github.com/alem-hub/school-fee-ledger/internal/domain/shared"
)

// ═══════════════════════════════════════════════════════════════════════════
// ON TERM ACTIVATED HANDLER
// После смены активной четверти сохранённые балансы учеников отстают:
// новая четверть ещё не выставлена в их материализованных представлениях.
// Обработчик запускает пересборку, чтобы списки и фильтр "с долгом"
// отражали новую четверть без ожидания ночной задачи.
// ═══════════════════════════════════════════════════════════════════════════

// BalanceRebuilder пересобирает материализованные балансы.
type BalanceRebuilder interface {
	Handle(ctx context.Context, cmd command.RebuildBalancesCommand) (*command.RebuildBalancesResult, error)
}

// OnTermActivatedHandler обрабатывает активацию четверти.
type OnTermActivatedHandler struct {
	rebuilder BalanceRebuilder
	logger    *slog.Logger
	config    TermActivatedConfig
}

// TermActivatedConfig содержит конфигурацию обработчика.
type TermActivatedConfig struct {
	// RebuildOnActivation - пересобирать ли балансы сразу после активации.
	RebuildOnActivation bool

	// Timeout - ограничение на полную пересборку.
	Timeout time.Duration
}

// DefaultTermActivatedConfig возвращает конфигурацию по умолчанию.
func DefaultTermActivatedConfig() TermActivatedConfig {
	return TermActivatedConfig{
		RebuildOnActivation: true,
		Timeout:             10 * time.Minute,
	}
}

// NewOnTermActivatedHandler создаёт обработчик.
func NewOnTermActivatedHandler(rebuilder BalanceRebuilder, logger *slog.Logger, config TermActivatedConfig) *OnTermActivatedHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultTermActivatedConfig().Timeout
	}
	return &OnTermActivatedHandler{
		rebuilder: rebuilder,
		logger:    logger.With("handler", "on_term_activated"),
		config:    config,
	}
}

// Handle обрабатывает событие активации.
func (h *OnTermActivatedHandler) Handle(event shared.Event) error {
	if event.EventType() != shared.EventTermActivated {
		return nil
	}
	h.logger.Info("term activated",
		"term_id", event.AggregateID(),
		"previous_term_id", event.Payload()["previous_term_id"],
	)

	if !h.config.RebuildOnActivation || h.rebuilder == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.config.Timeout)
	defer cancel()

	res, err := h.rebuilder.Handle(ctx, command.RebuildBalancesCommand{})
	if err != nil {
		return fmt.Errorf("rebuild after activation of %s: %w", event.AggregateID(), err)
	}

	h.logger.Info("balances rebuilt for new term",
		"term_id", event.AggregateID(),
		"checked", res.Checked,
		"repaired", len(res.Repaired),
		"failed", len(res.Failed),
	)
	return nil
}

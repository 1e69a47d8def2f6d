package http

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/alem-hub/school-fee-ledger/internal/domain/shared"
	"github.com/alem-hub/school-fee-ledger/internal/interface/http/handlers"
	"github.com/alem-hub/school-fee-ledger/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// ERROR MAPPING
// ══════════════════════════════════════════════════════════════════════════════

// errorMapping is the HTTP rendering of a ledger error kind.
type errorMapping struct {
	status int
	code   string
}

// classify maps an error to its status and code. Order matters: a
// DomainError carries exactly one kind, but wrapped chains are checked
// from the most specific kind down.
func classify(err error) errorMapping {
	switch {
	case errors.Is(err, shared.ErrValidation):
		return errorMapping{http.StatusBadRequest, "validation_error"}
	case errors.Is(err, shared.ErrUnauthorized):
		return errorMapping{http.StatusUnauthorized, "unauthorized"}
	case errors.Is(err, shared.ErrForbidden):
		return errorMapping{http.StatusForbidden, "forbidden"}
	case errors.Is(err, shared.ErrNotFound):
		return errorMapping{http.StatusNotFound, "not_found"}
	case errors.Is(err, shared.ErrScheduleFrozen):
		return errorMapping{http.StatusConflict, "schedule_frozen"}
	case errors.Is(err, shared.ErrNoActiveTerm):
		return errorMapping{http.StatusConflict, "no_active_term"}
	case errors.Is(err, shared.ErrConflict):
		return errorMapping{http.StatusConflict, "conflict"}
	case errors.Is(err, shared.ErrBusy):
		return errorMapping{http.StatusServiceUnavailable, "busy"}
	case errors.Is(err, shared.ErrUnset):
		return errorMapping{http.StatusUnprocessableEntity, "fee_unset"}
	case errors.Is(err, context.DeadlineExceeded):
		return errorMapping{http.StatusGatewayTimeout, "timeout"}
	default:
		return errorMapping{http.StatusInternalServerError, "internal_server_error"}
	}
}

// errorMessage returns the client-facing message. Internal failures never
// leak their text.
func errorMessage(err error, m errorMapping) string {
	if m.status >= http.StatusInternalServerError && m.code == "internal_server_error" {
		return "An unexpected error occurred"
	}
	var de *shared.DomainError
	if errors.As(err, &de) && de.Message != "" {
		return de.Message
	}
	return err.Error()
}

// writeError renders err as a JSON error envelope. Busy errors carry
// Retry-After so clients back off instead of hammering a locked student.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	m := classify(err)

	log := logger.FromContext(r.Context(), s.logger)
	if id := handlers.ClientID(r.Context()); id != "" {
		log = log.With(logger.String("client_id", id))
	}
	switch {
	case m.status >= http.StatusInternalServerError && m.status != http.StatusServiceUnavailable:
		log.Error("request failed",
			logger.String("path", r.URL.Path),
			logger.String("code", m.code),
			logger.Err(err),
		)
	case m.status == http.StatusServiceUnavailable:
		log.Warn("request rejected as busy", logger.String("path", r.URL.Path), logger.Err(err))
	default:
		log.Debug("request rejected", logger.String("code", m.code), logger.Err(err))
	}

	if m.status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", strconv.Itoa(s.retryAfterSeconds()))
	}
	writeJSONError(w, r, m.status, m.code, errorMessage(err, m))
}

func (s *Server) retryAfterSeconds() int {
	secs := int(s.config.RetryAfter.Seconds())
	if secs < 1 {
		return 1
	}
	return secs
}

// badRequest wraps a decoding or parsing failure as a validation error.
func badRequest(op, format string, args ...any) error {
	return shared.Validationf("http", op, format, args...)
}

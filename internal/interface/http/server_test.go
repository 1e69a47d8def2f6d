package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/school-fee-ledger/internal/application/command"
	"github.com/alem-hub/school-fee-ledger/internal/application/query"
	"github.com/alem-hub/school-fee-ledger/internal/domain/shared"
	"github.com/alem-hub/school-fee-ledger/internal/infrastructure/export"
	"github.com/alem-hub/school-fee-ledger/internal/infrastructure/locking"
	"github.com/alem-hub/school-fee-ledger/internal/infrastructure/persistence/memory"
	"github.com/alem-hub/school-fee-ledger/internal/interface/http/handlers"
	"github.com/alem-hub/school-fee-ledger/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// TEST HELPERS
// ══════════════════════════════════════════════════════════════════════════════

func newTestDependencies() Dependencies {
	store := memory.NewStore()
	barrier := locking.NewTermBarrier(time.Second)
	log := logger.Nop()

	deps := command.LedgerDeps{
		Students:  store.Students(),
		Terms:     store.Terms(),
		Fees:      store.Fees(),
		Catalog:   store.Catalog(),
		Payments:  store.Ledger(),
		Locker:    locking.NewKeyedLocker(time.Second),
		Barrier:   barrier,
		Publisher: shared.NopPublisher{},
		Logger:    log,
	}

	return Dependencies{
		CreateTerm:       command.NewCreateTermHandler(store.Terms(), deps.Publisher, log),
		ActivateTerm:     command.NewActivateTermHandler(store.Terms(), barrier, deps.Publisher, nil, log),
		SetFeeSchedule:   command.NewSetFeeScheduleHandler(store.Fees(), store.Catalog(), store.Terms(), barrier, deps.Publisher, log),
		Catalog:          command.NewCatalogHandler(store.Catalog(), log),
		EnrollStudent:    command.NewEnrollStudentHandler(deps),
		UpdateEnrollment: command.NewUpdateEnrollmentHandler(deps),
		SetStudentStatus: command.NewSetStudentStatusHandler(deps),
		PromoteStudents:  command.NewPromoteStudentsHandler(deps),
		RecordPayment:    command.NewRecordPaymentHandler(deps),
		ReversePayment:   command.NewReversePaymentHandler(deps),
		RebuildBalances:  command.NewRebuildBalancesHandler(deps),

		CatalogQueries: query.NewCatalogHandler(store.Terms(), store.Fees(), store.Catalog()),
		GetBalances:    query.NewGetBalancesHandler(store.Students(), store.Terms(), store.Fees(), store.Ledger(), nil, log),
		GetStudent:     query.NewGetStudentHandler(store.Students(), store.Catalog()),
		ListStudents:   query.NewListStudentsHandler(store.Students(), store.Catalog()),
		Payments:       query.NewPaymentsHandler(store.Ledger()),
		RenderReceipt:  query.NewRenderReceiptHandler(store.Students(), store.Terms(), store.Fees(), store.Ledger(), "Test School"),

		Logger: log,
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := DefaultConfig()
	cfg.RateLimitPerMinute = 0
	return NewServer(cfg, newTestDependencies())
}

type envelope struct {
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data"`
	Error     *APIError       `json:"error"`
	RequestID string          `json:"request_id"`
}

func do(t *testing.T, h http.Handler, method, path string, body interface{}, headers ...string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var env envelope
	if ct := rec.Header().Get("Content-Type"); ct == "application/json; charset=utf-8" {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	}
	return rec, env
}

func decodeData(t *testing.T, env envelope, dst interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(env.Data, dst))
}

type idOnly struct {
	ID string `json:"id"`
}

// seed creates a grade, an active term with tuition 5000 and one student.
func seed(t *testing.T, h http.Handler) (termID, studentID string) {
	t.Helper()

	rec, env := do(t, h, http.MethodPost, "/api/v1/grades", map[string]interface{}{"name": "Grade 1", "level": 1})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var grade idOnly
	decodeData(t, env, &grade)

	rec, env = do(t, h, http.MethodPost, "/api/v1/terms", map[string]string{
		"name": "Term 1", "start_date": "2024-01-08", "end_date": "2024-04-05",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var term idOnly
	decodeData(t, env, &term)

	rec, _ = do(t, h, http.MethodPut, "/api/v1/fees", map[string]string{
		"kind": "tuition", "ref_id": grade.ID, "term_id": term.ID, "amount": "5000",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec, _ = do(t, h, http.MethodPost, "/api/v1/terms/"+term.ID+"/activate", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec, env = do(t, h, http.MethodPost, "/api/v1/students", map[string]interface{}{
		"name": "Amina Wanjiru", "admission_number": "ADM-001", "grade_id": grade.ID,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var st idOnly
	decodeData(t, env, &st)

	return term.ID, st.ID
}

// ══════════════════════════════════════════════════════════════════════════════
// HEALTH
// ══════════════════════════════════════════════════════════════════════════════

func TestHealthEndpoints(t *testing.T) {
	h := newTestServer(t).Handler()

	rec, env := do(t, h, http.MethodGet, "/live", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, env.Success)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec, _ = do(t, h, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestReady_RequiredCheckFails(t *testing.T) {
	deps := newTestDependencies()
	checker := handlers.NewCompositeHealthChecker("test")
	checker.AddCheck("database", func(ctx context.Context) error { return errors.New("down") })
	checker.AddOptionalCheck("redis", func(ctx context.Context) error { return nil })
	deps.HealthChecker = checker
	h := NewServer(DefaultConfig(), deps).Handler()

	rec, _ := do(t, h, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec, _ = do(t, h, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestReady_DegradedStaysReady(t *testing.T) {
	deps := newTestDependencies()
	checker := handlers.NewCompositeHealthChecker("test")
	checker.AddCheck("database", func(ctx context.Context) error { return nil })
	checker.AddOptionalCheck("redis", func(ctx context.Context) error { return errors.New("down") })
	deps.HealthChecker = checker
	h := NewServer(DefaultConfig(), deps).Handler()

	rec, _ := do(t, h, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

// ══════════════════════════════════════════════════════════════════════════════
// LEDGER FLOW
// ══════════════════════════════════════════════════════════════════════════════

func TestPaymentFlow(t *testing.T) {
	h := newTestServer(t).Handler()
	termID, studentID := seed(t, h)

	// record
	rec, env := do(t, h, http.MethodPost, "/api/v1/payments", map[string]string{
		"student_id": studentID, "amount": "2000", "method": "cash",
	}, "Idempotency-Key", "rcpt-1")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var paid struct {
		Payment struct {
			ID     string `json:"id"`
			TermID string `json:"term_id"`
		} `json:"payment"`
		Balances struct {
			TuitionBalance string `json:"tuition_balance"`
		} `json:"balances"`
		Duplicate bool `json:"duplicate"`
	}
	decodeData(t, env, &paid)
	assert.Equal(t, termID, paid.Payment.TermID)
	assert.Equal(t, "3000", paid.Balances.TuitionBalance)
	assert.False(t, paid.Duplicate)

	// same key again is not appended
	rec, env = do(t, h, http.MethodPost, "/api/v1/payments", map[string]string{
		"student_id": studentID, "amount": "2000", "method": "cash",
	}, "Idempotency-Key", "rcpt-1")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var dup struct {
		Payment struct {
			ID string `json:"id"`
		} `json:"payment"`
		Duplicate bool `json:"duplicate"`
	}
	decodeData(t, env, &dup)
	assert.True(t, dup.Duplicate)
	assert.Equal(t, paid.Payment.ID, dup.Payment.ID)

	// balances
	rec, env = do(t, h, http.MethodGet, "/api/v1/students/"+studentID+"/balances", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var bal query.GetBalancesResult
	decodeData(t, env, &bal)
	assert.Equal(t, "3000", bal.Balances.TuitionBalance.String())
	assert.Equal(t, termID, bal.ActiveTermID)

	// student payments
	rec, env = do(t, h, http.MethodGet, "/api/v1/students/"+studentID+"/payments?term_id="+termID, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var view query.PaymentsViewResult
	decodeData(t, env, &view)
	assert.Len(t, view.Payments, 1)

	// reverse once
	rec, env = do(t, h, http.MethodPost, "/api/v1/payments/"+paid.Payment.ID+"/reverse", map[string]string{"reason": "bounced"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var rev struct {
		Balances struct {
			TuitionBalance string `json:"tuition_balance"`
		} `json:"balances"`
	}
	decodeData(t, env, &rev)
	assert.Equal(t, "5000", rev.Balances.TuitionBalance)

	// and only once
	rec, env = do(t, h, http.MethodPost, "/api/v1/payments/"+paid.Payment.ID+"/reverse", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, "conflict", env.Error.Code)
}

func TestReceipt_Text(t *testing.T) {
	h := newTestServer(t).Handler()
	termID, studentID := seed(t, h)

	rec, _ := do(t, h, http.MethodPost, "/api/v1/payments", map[string]string{
		"student_id": studentID, "amount": "1500", "method": "mpesa",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec, _ = do(t, h, http.MethodGet, "/api/v1/students/"+studentID+"/receipt?term_id="+termID+"&format=text", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/plain; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "Amina Wanjiru")
	assert.Contains(t, rec.Body.String(), "TEST SCHOOL")
}

func TestPaymentsByMonth_XLSX(t *testing.T) {
	h := newTestServer(t).Handler()
	_, studentID := seed(t, h)

	rec, _ := do(t, h, http.MethodPost, "/api/v1/payments", map[string]string{
		"student_id": studentID, "amount": "800", "method": "bank-transfer", "paid_at": "2024-02-14",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec, env := do(t, h, http.MethodGet, "/api/v1/payments/monthly?month=2024-02", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var view query.PaymentsViewResult
	decodeData(t, env, &view)
	assert.Len(t, view.Payments, 1)
	assert.Equal(t, "800", view.Total.String())

	rec, _ = do(t, h, http.MethodGet, "/api/v1/payments/monthly?month=2024-02&format=xlsx", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, export.ContentTypeXLSX, rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "payments-2024-02.xlsx")
	assert.NotZero(t, rec.Body.Len())
}

// ══════════════════════════════════════════════════════════════════════════════
// ERROR MAPPING
// ══════════════════════════════════════════════════════════════════════════════

func TestErrors_HTTPStatus(t *testing.T) {
	h := newTestServer(t).Handler()

	// no active term yet
	rec, env := do(t, h, http.MethodGet, "/api/v1/terms/active", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, "no_active_term", env.Error.Code)

	_, studentID := seed(t, h)

	// malformed JSON
	req := httptest.NewRequest(http.MethodPost, "/api/v1/payments", bytes.NewBufferString("{"))
	bad := httptest.NewRecorder()
	h.ServeHTTP(bad, req)
	assert.Equal(t, http.StatusBadRequest, bad.Code)

	// unknown student
	rec, env = do(t, h, http.MethodGet, "/api/v1/students/"+shared.NewID(), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", env.Error.Code)

	// balances are ledger-owned
	rec, env = do(t, h, http.MethodPatch, "/api/v1/students/"+studentID, map[string]interface{}{
		"balances": map[string]string{"tuition_balance": "0"},
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "forbidden", env.Error.Code)

	// non-positive amount
	rec, env = do(t, h, http.MethodPost, "/api/v1/payments", map[string]string{
		"student_id": studentID, "amount": "0", "method": "cash",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation_error", env.Error.Code)

	// lookup by admission number
	rec, _ = do(t, h, http.MethodGet, "/api/v1/admissions/ADM-001", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"validation", shared.Validationf("x", "y", "bad"), http.StatusBadRequest, "validation_error"},
		{"not found", shared.ErrStudentNotFound, http.StatusNotFound, "not_found"},
		{"frozen", shared.ErrFeeFrozen, http.StatusConflict, "schedule_frozen"},
		{"no term", shared.ErrNoTermActive, http.StatusConflict, "no_active_term"},
		{"conflict", shared.ErrAlreadyReversed, http.StatusConflict, "conflict"},
		{"busy", shared.ErrLockTimeout, http.StatusServiceUnavailable, "busy"},
		{"forbidden", shared.ErrBalanceWrite, http.StatusForbidden, "forbidden"},
		{"internal", errors.New("boom"), http.StatusInternalServerError, "internal_server_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := classify(tt.err)
			assert.Equal(t, tt.status, m.status)
			assert.Equal(t, tt.code, m.code)
		})
	}
}

func TestWriteError_BusySetsRetryAfter(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RetryAfter = 3 * time.Second
	s := NewServer(cfg, newTestDependencies())

	rec := httptest.NewRecorder()
	s.writeError(rec, httptest.NewRequest(http.MethodGet, "/", nil), shared.ErrLockTimeout)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "3", rec.Header().Get("Retry-After"))
}

func TestWriteError_HidesInternalMessage(t *testing.T) {
	s := newTestServer(t)

	rec := httptest.NewRecorder()
	s.writeError(rec, httptest.NewRequest(http.MethodGet, "/", nil), errors.New("pq: password authentication failed"))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "password")
}

// ══════════════════════════════════════════════════════════════════════════════
// MIDDLEWARE
// ══════════════════════════════════════════════════════════════════════════════

func TestAuth(t *testing.T) {
	hash, err := handlers.HashAPIKey("bursar-key")
	require.NoError(t, err)
	auth, err := handlers.NewAPIKeyAuth("X-API-Key", []string{hash})
	require.NoError(t, err)

	deps := newTestDependencies()
	deps.Auth = auth
	h := NewServer(DefaultConfig(), deps).Handler()

	rec, env := do(t, h, http.MethodGet, "/api/v1/grades", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, "unauthorized", env.Error.Code)

	rec, _ = do(t, h, http.MethodGet, "/api/v1/grades", nil, "X-API-Key", "wrong")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _ = do(t, h, http.MethodGet, "/api/v1/grades", nil, "X-API-Key", "bursar-key")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = do(t, h, http.MethodGet, "/api/v1/grades", nil, "Authorization", "Bearer bursar-key")
	assert.Equal(t, http.StatusOK, rec.Code)

	// probes stay open
	rec, _ = do(t, h, http.MethodGet, "/live", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimitPerMinute = 2
	h := NewServer(cfg, newTestDependencies()).Handler()

	for i := 0; i < 2; i++ {
		rec, _ := do(t, h, http.MethodGet, "/api/v1/grades", nil)
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec, env := do(t, h, http.MethodGet, "/api/v1/grades", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Equal(t, "rate_limit_exceeded", env.Error.Code)

	// probes are not limited
	rec, _ = do(t, h, http.MethodGet, "/live", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRequestID_Propagated(t *testing.T) {
	h := newTestServer(t).Handler()

	rec, env := do(t, h, http.MethodGet, "/api/v1/grades", nil, "X-Request-ID", "req-42")
	assert.Equal(t, "req-42", rec.Header().Get("X-Request-ID"))
	assert.Equal(t, "req-42", env.RequestID)
}

func TestMemoryRateLimiter_Window(t *testing.T) {
	rl := newMemoryRateLimiter(1, time.Minute)
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	ok, _, _ := rl.Allow(context.Background(), "a")
	assert.True(t, ok)

	ok, reset, _ := rl.Allow(context.Background(), "a")
	assert.False(t, ok)
	assert.Equal(t, time.Minute, reset)

	ok, _, _ = rl.Allow(context.Background(), "b")
	assert.True(t, ok)

	now = now.Add(61 * time.Second)
	ok, _, _ = rl.Allow(context.Background(), "a")
	assert.True(t, ok)
}

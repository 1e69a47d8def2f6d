package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alem-hub/school-fee-ledger/internal/application/command"
	"github.com/alem-hub/school-fee-ledger/internal/application/query"
	"github.com/alem-hub/school-fee-ledger/internal/domain/student"
	"github.com/alem-hub/school-fee-ledger/internal/infrastructure/export"
	"github.com/alem-hub/school-fee-ledger/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// HEALTH & STATUS HANDLERS
// ══════════════════════════════════════════════════════════════════════════════

// handleRoot serves the root endpoint with basic API information.
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	info := map[string]interface{}{
		"name":    "School Fee Ledger API",
		"version": s.config.Version,
		"endpoints": map[string]string{
			"health":   "/health",
			"terms":    "/api/v1/terms",
			"fees":     "/api/v1/fees",
			"students": "/api/v1/students",
			"payments": "/api/v1/payments",
		},
	}

	writeJSON(w, r, http.StatusOK, info)
}

// handleHealth handles the health check endpoint.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := s.deps.HealthChecker.Check(r.Context())
	if !status.Healthy {
		writeJSON(w, r, http.StatusServiceUnavailable, status)
		return
	}
	writeJSON(w, r, http.StatusOK, status)
}

// handleReady handles the readiness probe endpoint (for Kubernetes).
// A degraded service (cache down) stays ready.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	status := s.deps.HealthChecker.Check(r.Context())
	if !status.Ready {
		writeJSON(w, r, http.StatusServiceUnavailable, map[string]string{
			"status": "not_ready",
			"reason": status.Message,
		})
		return
	}

	writeJSON(w, r, http.StatusOK, map[string]string{"status": "ready"})
}

// handleLive handles the liveness probe endpoint (for Kubernetes).
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "alive"})
}

// ══════════════════════════════════════════════════════════════════════════════
// REQUEST HELPERS
// ══════════════════════════════════════════════════════════════════════════════

// decodeJSON decodes the request body into dst, rejecting unknown fields
// and trailing data.
func decodeJSON(r *http.Request, dst interface{}) error {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return badRequest("Decode", "request body exceeds %d bytes", maxErr.Limit)
		}
		return badRequest("Decode", "cannot read request body")
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return badRequest("Decode", "request body is required")
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return badRequest("Decode", "invalid JSON: %v", err)
	}
	if dec.More() {
		return badRequest("Decode", "request body must contain a single JSON object")
	}
	return nil
}

// parseTimestamp accepts RFC 3339 timestamps and plain dates in the school's zone.
func parseTimestamp(field, value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t.UTC(), nil
	}
	t, err := timeutil.ParseDate(value)
	if err != nil {
		return time.Time{}, badRequest("Parse", "%s must be a date (YYYY-MM-DD) or an RFC 3339 timestamp", field)
	}
	return t.UTC(), nil
}

// parseDate accepts only YYYY-MM-DD.
func parseDate(field, value string) (time.Time, error) {
	t, err := timeutil.ParseDate(strings.TrimSpace(value))
	if err != nil {
		return time.Time{}, badRequest("Parse", "%s must be a date (YYYY-MM-DD)", field)
	}
	return t, nil
}

// withRetry runs a write, retrying in-process while it reports busy.
func (s *Server) withRetry(ctx context.Context, op func(ctx context.Context) error) error {
	return s.retrier.Do(ctx, op)
}

// ══════════════════════════════════════════════════════════════════════════════
// TERMS
// ══════════════════════════════════════════════════════════════════════════════

type createTermRequest struct {
	Name      string `json:"name"`
	StartDate string `json:"start_date"`
	EndDate   string `json:"end_date"`
}

// handleCreateTerm handles POST /api/v1/terms.
func (s *Server) handleCreateTerm(w http.ResponseWriter, r *http.Request) {
	var req createTermRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	start, err := parseDate("start_date", req.StartDate)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	end, err := parseDate("end_date", req.EndDate)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	res, err := s.deps.CreateTerm.Handle(r.Context(), command.CreateTermCommand{
		Name:      req.Name,
		StartDate: start,
		EndDate:   end,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, query.NewTermDTO(res.Term))
}

// handleListTerms handles GET /api/v1/terms.
func (s *Server) handleListTerms(w http.ResponseWriter, r *http.Request) {
	terms, err := s.deps.CatalogQueries.ListTerms(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSONWithMeta(w, r, http.StatusOK, terms, &ResponseMeta{Count: len(terms)})
}

// handleGetActiveTerm handles GET /api/v1/terms/active.
func (s *Server) handleGetActiveTerm(w http.ResponseWriter, r *http.Request) {
	active, err := s.deps.CatalogQueries.GetActiveTerm(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, active)
}

type activateTermResponse struct {
	Term           query.TermDTO `json:"term"`
	Version        int64         `json:"version"`
	PreviousTermID string        `json:"previous_term_id,omitempty"`
	AlreadyActive  bool          `json:"already_active"`
}

// handleActivateTerm handles POST /api/v1/terms/{id}/activate.
func (s *Server) handleActivateTerm(w http.ResponseWriter, r *http.Request) {
	var res *command.ActivateTermResult
	err := s.withRetry(r.Context(), func(ctx context.Context) error {
		var err error
		res, err = s.deps.ActivateTerm.Handle(ctx, command.ActivateTermCommand{
			TermID: r.PathValue("id"),
			Source: "api",
		})
		return err
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, activateTermResponse{
		Term:           query.NewTermDTO(res.Term),
		Version:        res.Active.Version,
		PreviousTermID: res.PreviousTermID,
		AlreadyActive:  res.AlreadyActive,
	})
}

// ══════════════════════════════════════════════════════════════════════════════
// FEES AND CATALOG
// ══════════════════════════════════════════════════════════════════════════════

type setFeeRequest struct {
	Kind   string          `json:"kind"`
	RefID  string          `json:"ref_id"`
	TermID string          `json:"term_id"`
	Amount decimal.Decimal `json:"amount"`
}

// handleSetFee handles PUT /api/v1/fees.
func (s *Server) handleSetFee(w http.ResponseWriter, r *http.Request) {
	var req setFeeRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	var res *command.SetFeeScheduleResult
	err := s.withRetry(r.Context(), func(ctx context.Context) error {
		var err error
		res, err = s.deps.SetFeeSchedule.Handle(ctx, command.SetFeeScheduleCommand{
			Kind:   req.Kind,
			RefID:  req.RefID,
			TermID: req.TermID,
			Amount: req.Amount,
		})
		return err
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, query.NewFeeDTO(res.Entry))
}

// handleListFees handles GET /api/v1/fees?term_id=.
func (s *Server) handleListFees(w http.ResponseWriter, r *http.Request) {
	fees, err := s.deps.CatalogQueries.ListFees(r.Context(), getQueryParam(r, "term_id", ""))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSONWithMeta(w, r, http.StatusOK, fees, &ResponseMeta{Count: len(fees)})
}

type createGradeRequest struct {
	Name  string `json:"name"`
	Level int    `json:"level"`
}

// handleCreateGrade handles POST /api/v1/grades.
func (s *Server) handleCreateGrade(w http.ResponseWriter, r *http.Request) {
	var req createGradeRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	g, err := s.deps.Catalog.CreateGrade(r.Context(), command.CreateGradeCommand{Name: req.Name, Level: req.Level})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, query.NewGradeDTO(g))
}

// handleListGrades handles GET /api/v1/grades.
func (s *Server) handleListGrades(w http.ResponseWriter, r *http.Request) {
	grades, err := s.deps.CatalogQueries.ListGrades(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSONWithMeta(w, r, http.StatusOK, grades, &ResponseMeta{Count: len(grades)})
}

type createDestinationRequest struct {
	Name string `json:"name"`
}

// handleCreateDestination handles POST /api/v1/destinations.
func (s *Server) handleCreateDestination(w http.ResponseWriter, r *http.Request) {
	var req createDestinationRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	d, err := s.deps.Catalog.CreateDestination(r.Context(), command.CreateDestinationCommand{Name: req.Name})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, query.NewDestinationDTO(d))
}

// handleListDestinations handles GET /api/v1/destinations.
func (s *Server) handleListDestinations(w http.ResponseWriter, r *http.Request) {
	destinations, err := s.deps.CatalogQueries.ListDestinations(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSONWithMeta(w, r, http.StatusOK, destinations, &ResponseMeta{Count: len(destinations)})
}

// ══════════════════════════════════════════════════════════════════════════════
// STUDENTS
// ══════════════════════════════════════════════════════════════════════════════

type enrollStudentRequest struct {
	Name            string          `json:"name"`
	AdmissionNumber string          `json:"admission_number"`
	GradeID         string          `json:"grade_id"`
	Phone           string          `json:"phone"`
	UsesBus         bool            `json:"uses_bus"`
	DestinationID   string          `json:"destination_id"`
	IsBoarding      bool            `json:"is_boarding"`
	OpeningArrears  decimal.Decimal `json:"opening_arrears"`
}

// handleEnrollStudent handles POST /api/v1/students.
func (s *Server) handleEnrollStudent(w http.ResponseWriter, r *http.Request) {
	var req enrollStudentRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	var res *command.EnrollStudentResult
	err := s.withRetry(r.Context(), func(ctx context.Context) error {
		var err error
		res, err = s.deps.EnrollStudent.Handle(ctx, command.EnrollStudentCommand{
			Name:            req.Name,
			AdmissionNumber: req.AdmissionNumber,
			GradeID:         req.GradeID,
			Phone:           req.Phone,
			UsesBus:         req.UsesBus,
			DestinationID:   req.DestinationID,
			IsBoarding:      req.IsBoarding,
			OpeningArrears:  req.OpeningArrears,
			CorrelationID:   getRequestID(r.Context()),
		})
		return err
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, query.NewStudentDTO(res.Student))
}

// handleListStudents handles GET /api/v1/students.
func (s *Server) handleListStudents(w http.ResponseWriter, r *http.Request) {
	offset, err := getQueryParamInt(r, "offset", 0)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	limit, err := getQueryParamInt(r, "limit", 50)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	usesBus, err := getQueryParamOptionalBool(r, "uses_bus")
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	res, err := s.deps.ListStudents.Handle(r.Context(), query.ListStudentsQuery{
		GradeID:       getQueryParam(r, "grade_id", ""),
		DestinationID: getQueryParam(r, "destination_id", ""),
		UsesBus:       usesBus,
		Status:        getQueryParam(r, "status", ""),
		Search:        getQueryParam(r, "q", ""),
		WithDebt:      getQueryParamBool(r, "with_debt"),
		Offset:        offset,
		Limit:         limit,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSONWithMeta(w, r, http.StatusOK, res.Students, &ResponseMeta{
		Offset: res.Offset,
		Limit:  res.Limit,
		Count:  len(res.Students),
	})
}

// handleGetStudent handles GET /api/v1/students/{id}.
func (s *Server) handleGetStudent(w http.ResponseWriter, r *http.Request) {
	dto, err := s.deps.GetStudent.Handle(r.Context(), query.GetStudentQuery{StudentID: r.PathValue("id")})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, dto)
}

// handleGetStudentByAdmission handles GET /api/v1/admissions/{number}.
func (s *Server) handleGetStudentByAdmission(w http.ResponseWriter, r *http.Request) {
	dto, err := s.deps.GetStudent.Handle(r.Context(), query.GetStudentQuery{AdmissionNumber: r.PathValue("number")})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, dto)
}

// updateEnrollmentRequest uses pointers so absent fields stay unchanged.
// Balances is accepted only to be refused.
type updateEnrollmentRequest struct {
	Name          *string         `json:"name"`
	Phone         *string         `json:"phone"`
	GradeID       *string         `json:"grade_id"`
	UsesBus       *bool           `json:"uses_bus"`
	DestinationID *string         `json:"destination_id"`
	IsBoarding    *bool           `json:"is_boarding"`
	Balances      json.RawMessage `json:"balances"`
}

type updateEnrollmentResponse struct {
	Student query.StudentDTO `json:"student"`
	Changed []string         `json:"changed"`
}

// handleUpdateEnrollment handles PATCH /api/v1/students/{id}.
func (s *Server) handleUpdateEnrollment(w http.ResponseWriter, r *http.Request) {
	var req updateEnrollmentRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	cmd := command.UpdateEnrollmentCommand{
		StudentID:     r.PathValue("id"),
		Name:          req.Name,
		Phone:         req.Phone,
		GradeID:       req.GradeID,
		UsesBus:       req.UsesBus,
		DestinationID: req.DestinationID,
		IsBoarding:    req.IsBoarding,
		CorrelationID: getRequestID(r.Context()),
	}
	if len(req.Balances) > 0 {
		cmd.Balances = &student.Balances{}
	}

	var res *command.UpdateEnrollmentResult
	err := s.withRetry(r.Context(), func(ctx context.Context) error {
		var err error
		res, err = s.deps.UpdateEnrollment.Handle(ctx, cmd)
		return err
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	changed := res.Changed
	if changed == nil {
		changed = []string{}
	}
	writeJSON(w, r, http.StatusOK, updateEnrollmentResponse{
		Student: query.NewStudentDTO(res.Student),
		Changed: changed,
	})
}

type setStatusRequest struct {
	Status string `json:"status"`
}

type setStatusResponse struct {
	Student query.StudentDTO `json:"student"`
	Changed bool             `json:"changed"`
}

// handleSetStudentStatus handles PUT /api/v1/students/{id}/status.
func (s *Server) handleSetStudentStatus(w http.ResponseWriter, r *http.Request) {
	var req setStatusRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	var res *command.SetStudentStatusResult
	err := s.withRetry(r.Context(), func(ctx context.Context) error {
		var err error
		res, err = s.deps.SetStudentStatus.Handle(ctx, command.SetStudentStatusCommand{
			StudentID: r.PathValue("id"),
			Status:    req.Status,
		})
		return err
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, setStatusResponse{Student: query.NewStudentDTO(res.Student), Changed: res.Changed})
}

type promoteRequest struct {
	DryRun bool `json:"dry_run"`
}

type promotionDTO struct {
	StudentID   string `json:"student_id"`
	FromGradeID string `json:"from_grade_id"`
	ToGradeID   string `json:"to_grade_id"`
}

type promoteResponse struct {
	DryRun    bool              `json:"dry_run"`
	Promoted  []promotionDTO    `json:"promoted"`
	Unchanged []string          `json:"unchanged"`
	Failed    map[string]string `json:"failed,omitempty"`
}

// handlePromoteStudents handles POST /api/v1/students/promote.
// An empty body promotes for real.
func (s *Server) handlePromoteStudents(w http.ResponseWriter, r *http.Request) {
	var req promoteRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}
	}

	res, err := s.deps.PromoteStudents.Handle(r.Context(), command.PromoteStudentsCommand{DryRun: req.DryRun})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	out := promoteResponse{
		DryRun:    req.DryRun,
		Promoted:  make([]promotionDTO, 0, len(res.Promoted)),
		Unchanged: res.Unchanged,
		Failed:    errorStrings(res.Failed),
	}
	if out.Unchanged == nil {
		out.Unchanged = []string{}
	}
	for _, p := range res.Promoted {
		out.Promoted = append(out.Promoted, promotionDTO{StudentID: p.StudentID, FromGradeID: p.FromGradeID, ToGradeID: p.ToGradeID})
	}
	writeJSON(w, r, http.StatusOK, out)
}

type rebuildRequest struct {
	StudentIDs []string `json:"student_ids"`
}

type rebuildResponse struct {
	Checked  int               `json:"checked"`
	Repaired []string          `json:"repaired"`
	Failed   map[string]string `json:"failed,omitempty"`
}

// handleRebuildBalances handles POST /api/v1/students/rebuild.
func (s *Server) handleRebuildBalances(w http.ResponseWriter, r *http.Request) {
	var req rebuildRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}
	}

	res, err := s.deps.RebuildBalances.Handle(r.Context(), command.RebuildBalancesCommand{StudentIDs: req.StudentIDs})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	repaired := res.Repaired
	if repaired == nil {
		repaired = []string{}
	}
	writeJSON(w, r, http.StatusOK, rebuildResponse{
		Checked:  res.Checked,
		Repaired: repaired,
		Failed:   errorStrings(res.Failed),
	})
}

// handleGetBalances handles GET /api/v1/students/{id}/balances?statement=true.
func (s *Server) handleGetBalances(w http.ResponseWriter, r *http.Request) {
	res, err := s.deps.GetBalances.Handle(r.Context(), query.GetBalancesQuery{
		StudentID:        r.PathValue("id"),
		IncludeStatement: getQueryParamBool(r, "statement"),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, res)
}

// handleRenderReceipt handles GET /api/v1/students/{id}/receipt?term_id=&format=text.
func (s *Server) handleRenderReceipt(w http.ResponseWriter, r *http.Request) {
	res, err := s.deps.RenderReceipt.Handle(r.Context(), query.RenderReceiptQuery{
		StudentID: r.PathValue("id"),
		TermID:    getQueryParam(r, "term_id", ""),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if getQueryParam(r, "format", "json") == "text" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, res.Text)
		return
	}
	writeJSON(w, r, http.StatusOK, res)
}

// handleStudentPayments handles GET /api/v1/students/{id}/payments?term_id=.
func (s *Server) handleStudentPayments(w http.ResponseWriter, r *http.Request) {
	res, err := s.deps.Payments.ForStudentTerm(r.Context(), query.ListPaymentsForStudentTermQuery{
		StudentID: r.PathValue("id"),
		TermID:    getQueryParam(r, "term_id", ""),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, res)
}

// ══════════════════════════════════════════════════════════════════════════════
// PAYMENTS
// ══════════════════════════════════════════════════════════════════════════════

type recordPaymentRequest struct {
	StudentID      string          `json:"student_id"`
	TermID         string          `json:"term_id"`
	Amount         decimal.Decimal `json:"amount"`
	Method         string          `json:"method"`
	PaidAt         string          `json:"paid_at"`
	Description    string          `json:"description"`
	IdempotencyKey string          `json:"idempotency_key"`
}

type recordPaymentResponse struct {
	Payment   query.PaymentDTO  `json:"payment"`
	Balances  query.BalancesDTO `json:"balances"`
	Duplicate bool              `json:"duplicate"`
	Unset     []string          `json:"unset,omitempty"`
}

// handleRecordPayment handles POST /api/v1/payments.
// The Idempotency-Key header is used when the body carries no key.
func (s *Server) handleRecordPayment(w http.ResponseWriter, r *http.Request) {
	var req recordPaymentRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	paidAt, err := parseTimestamp("paid_at", req.PaidAt)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	key := req.IdempotencyKey
	if key == "" {
		key = strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	}

	cmd := command.RecordPaymentCommand{
		StudentID:      req.StudentID,
		TermID:         req.TermID,
		Amount:         req.Amount,
		Method:         req.Method,
		PaidAt:         paidAt,
		Description:    req.Description,
		IdempotencyKey: key,
		CorrelationID:  getRequestID(r.Context()),
	}

	var res *command.RecordPaymentResult
	err = s.withRetry(r.Context(), func(ctx context.Context) error {
		var err error
		res, err = s.deps.RecordPayment.Handle(ctx, cmd)
		return err
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	out := recordPaymentResponse{
		Payment:   query.NewPaymentDTO(res.Payment),
		Balances:  query.NewBalancesDTO(res.Balances),
		Duplicate: res.Duplicate,
	}
	for _, k := range res.Unset {
		out.Unset = append(out.Unset, k.String())
	}

	status := http.StatusCreated
	if res.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, r, status, out)
}

type reversePaymentRequest struct {
	Reason string `json:"reason"`
}

type reversePaymentResponse struct {
	Reversal query.PaymentDTO  `json:"reversal"`
	Original query.PaymentDTO  `json:"original"`
	Balances query.BalancesDTO `json:"balances"`
}

// handleReversePayment handles POST /api/v1/payments/{id}/reverse.
func (s *Server) handleReversePayment(w http.ResponseWriter, r *http.Request) {
	var req reversePaymentRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}
	}

	var res *command.ReversePaymentResult
	err := s.withRetry(r.Context(), func(ctx context.Context) error {
		var err error
		res, err = s.deps.ReversePayment.Handle(ctx, command.ReversePaymentCommand{
			PaymentID:     r.PathValue("id"),
			Reason:        req.Reason,
			CorrelationID: getRequestID(r.Context()),
		})
		return err
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, reversePaymentResponse{
		Reversal: query.NewPaymentDTO(res.Reversal),
		Original: query.NewPaymentDTO(res.Original),
		Balances: query.NewBalancesDTO(res.Balances),
	})
}

// handlePaymentsByDay handles GET /api/v1/payments/daily?date=YYYY-MM-DD.
// The date defaults to today in the school's zone.
func (s *Server) handlePaymentsByDay(w http.ResponseWriter, r *http.Request) {
	date := getQueryParam(r, "date", timeutil.FormatDateStr(timeutil.Now()))
	res, err := s.deps.Payments.ByDay(r.Context(), query.ListPaymentsByDayQuery{Date: date})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writePaymentsView(w, r, res)
}

// handlePaymentsByMonth handles GET /api/v1/payments/monthly?month=YYYY-MM&format=xlsx.
func (s *Server) handlePaymentsByMonth(w http.ResponseWriter, r *http.Request) {
	month := getQueryParam(r, "month", timeutil.FormatMonthStr(timeutil.Now()))
	res, err := s.deps.Payments.ByMonth(r.Context(), query.ListPaymentsByMonthQuery{Month: month})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writePaymentsView(w, r, res)
}

// writePaymentsView renders a view as JSON or, with format=xlsx, as a workbook.
func (s *Server) writePaymentsView(w http.ResponseWriter, r *http.Request, view *query.PaymentsViewResult) {
	if getQueryParam(r, "format", "json") != "xlsx" {
		writeJSONWithMeta(w, r, http.StatusOK, view, &ResponseMeta{Count: len(view.Payments)})
		return
	}

	var buf bytes.Buffer
	if err := export.WritePaymentsWorkbook(&buf, view); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", export.ContentTypeXLSX)
	w.Header().Set("Content-Disposition", `attachment; filename="`+export.FileName(view.Period)+`"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

// ══════════════════════════════════════════════════════════════════════════════
// HELPERS
// ══════════════════════════════════════════════════════════════════════════════

func errorStrings(m map[string]error) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for id, err := range m {
		out[id] = err.Error()
	}
	return out
}

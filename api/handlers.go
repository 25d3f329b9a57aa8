/*
handlers.go - HTTP API handlers for the coverage engine

PURPOSE:
  Exposes the billing engine via a thin REST API. Handles HTTP
  request/response, JSON serialization, and delegates to the engine.
  No engine logic lives here.

ENDPOINTS:
  Families:
    POST   /api/families/{familyID}/payments   Record a payment (Idempotency-Key header)
    GET    /api/families/{familyID}/summary    Overdue / total owing per enrolment
    GET    /api/families/{familyID}/net-owing  Net owing after invoices and credit

  Enrolments:
    GET    /api/enrolments/{enrolmentID}/schedule?count=N  Next N occurrences

  Scenarios:
    GET    /api/scenarios              List demo scenarios
    GET    /api/scenarios/current      Currently loaded scenario
    POST   /api/scenarios/load         Load a demo scenario

REQUEST FLOW:
  1. Parse HTTP request
  2. Validate input (validator tags on request DTOs)
  3. Call the engine (PaymentService, Reconciler)
  4. Serialize response
  5. Map errors to status codes

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 403: Enrolment does not belong to the family
  - 404: Resource not found
  - 409: Concurrent modification (safe to retry with the same key)
  - 422: Schedule cannot be resolved
  - 500: Internal errors

SECURITY NOTE:
  No authentication or authorization. Put the service behind a gateway
  that authenticates staff before exposing it.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/warp/coverage-engine/billing"
)

// IdempotencyKeyHeader carries the payment idempotency key.
const IdempotencyKeyHeader = "Idempotency-Key"

const defaultPreviewCount = 10

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	Payments   *billing.PaymentService
	Reconciler *billing.Reconciler
	Logger     *slog.Logger

	// Scenarios is nil when the store cannot be seeded.
	Scenarios ScenarioStore

	validate *validator.Validate

	mu              sync.Mutex
	currentScenario string
}

// NewHandler wires the handler. Scenario loading is enabled when the
// payment store also implements ScenarioStore.
func NewHandler(payments *billing.PaymentService, reconciler *billing.Reconciler, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{
		Payments:   payments,
		Reconciler: reconciler,
		Logger:     logger,
		validate:   newValidator(),
	}
	if ss, ok := payments.Store.(ScenarioStore); ok {
		h.Scenarios = ss
	}
	return h
}

// newValidator reports field errors by their JSON names.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// =============================================================================
// PAYMENT ENDPOINTS
// =============================================================================

// RecordPayment records a payment for a family.
// POST /api/families/{familyID}/payments
//
// 201 for a new payment, 200 when the idempotency key replays an earlier one.
func (h *Handler) RecordPayment(w http.ResponseWriter, r *http.Request) {
	familyID := chi.URLParam(r, "familyID")

	var req RecordPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if !h.validRequest(w, &req) {
		return
	}

	key, err := idempotencyKey(r, req.IdempotencyKey)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid idempotency key", err)
		return
	}

	in := billing.RecordPaymentInput{
		FamilyID:          billing.FamilyID(familyID),
		AmountCents:       req.AmountCents,
		Method:            billing.PaymentMethod(req.Method),
		Note:              req.Note,
		EnrolmentID:       billing.EnrolmentID(req.EnrolmentID),
		IdempotencyKey:    key,
		CustomBlockLength: req.CustomBlockLength,
		PlanID:            billing.PlanID(req.PlanID),
	}
	if req.PaidAt != nil {
		in.PaidAt = *req.PaidAt
	}

	res, err := h.Payments.RecordPayment(r.Context(), in)
	if err != nil {
		h.writeEngineError(w, r, "Failed to record payment", err)
		return
	}

	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, toPaymentDTO(res))
}

// idempotencyKey prefers the header; a body key must agree with it.
func idempotencyKey(r *http.Request, bodyKey string) (string, error) {
	header := strings.TrimSpace(r.Header.Get(IdempotencyKeyHeader))
	bodyKey = strings.TrimSpace(bodyKey)
	switch {
	case header == "":
		return bodyKey, nil
	case bodyKey == "" || bodyKey == header:
		return header, nil
	default:
		return "", fmt.Errorf("%s header %q does not match body key %q", IdempotencyKeyHeader, header, bodyKey)
	}
}

// =============================================================================
// SUMMARY ENDPOINTS
// =============================================================================

// GetSummary returns the overdue and total owing for a family.
// GET /api/families/{familyID}/summary
func (h *Handler) GetSummary(w http.ResponseWriter, r *http.Request) {
	familyID := chi.URLParam(r, "familyID")

	summary, err := h.Reconciler.ComputeFamilySummary(r.Context(), billing.FamilyID(familyID))
	if err != nil {
		h.writeEngineError(w, r, "Failed to compute summary", err)
		return
	}
	writeJSON(w, http.StatusOK, toFamilySummaryDTO(familyID, summary))
}

// GetNetOwing returns the family's net owing after open invoices and
// unallocated credit.
// GET /api/families/{familyID}/net-owing
func (h *Handler) GetNetOwing(w http.ResponseWriter, r *http.Request) {
	familyID := chi.URLParam(r, "familyID")

	breakdown, err := h.Reconciler.ComputeFamilyNetOwing(r.Context(), billing.FamilyID(familyID))
	if err != nil {
		h.writeEngineError(w, r, "Failed to compute net owing", err)
		return
	}
	writeJSON(w, http.StatusOK, toNetOwingDTO(familyID, breakdown))
}

// =============================================================================
// SCHEDULE ENDPOINTS
// =============================================================================

// GetSchedule previews the next occurrences of an enrolment.
// GET /api/enrolments/{enrolmentID}/schedule?count=N
func (h *Handler) GetSchedule(w http.ResponseWriter, r *http.Request) {
	enrolmentID := chi.URLParam(r, "enrolmentID")

	count := defaultPreviewCount
	if raw := r.URL.Query().Get("count"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid count", err)
			return
		}
		count = n
	}

	preview, err := h.Reconciler.PreviewSchedule(r.Context(), billing.EnrolmentID(enrolmentID), count)
	if err != nil {
		h.writeEngineError(w, r, "Failed to preview schedule", err)
		return
	}
	writeJSON(w, http.StatusOK, toSchedulePreviewDTO(preview))
}

// =============================================================================
// HELPERS
// =============================================================================

// validRequest runs validator tags and writes a 400 listing the failing
// fields. Returns false when a response was written.
func (h *Handler) validRequest(w http.ResponseWriter, req any) bool {
	err := h.validate.Struct(req)
	if err == nil {
		return true
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		writeError(w, http.StatusBadRequest, "Invalid request", err)
		return false
	}
	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		rule := fe.Tag()
		if fe.Param() != "" {
			rule += "=" + fe.Param()
		}
		fields[fe.Field()] = rule
	}
	writeJSON(w, http.StatusBadRequest, ErrorResponse{
		Error:   "Validation failed",
		Details: err.Error(),
		Fields:  fields,
	})
	return false
}

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, billing.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, billing.ErrOwnership):
		return http.StatusForbidden
	case errors.Is(err, billing.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, billing.ErrScheduleResolution):
		return http.StatusUnprocessableEntity
	case errors.Is(err, billing.ErrConcurrencyConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeEngineError(w http.ResponseWriter, r *http.Request, message string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.Logger.Error(message, "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, ErrorResponse{Error: message, Details: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

package appointments

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/wolfman30/clinic-booking-platform/internal/identity"
	"github.com/wolfman30/clinic-booking-platform/internal/keylock"
	"github.com/wolfman30/clinic-booking-platform/pkg/logging"
)

// Handler exposes the lifecycle engine over HTTP.
type Handler struct {
	engine      *Engine
	logger      *logging.Logger
	createLimit []func(http.Handler) http.Handler
}

func NewHandler(engine *Engine, logger *logging.Logger) *Handler {
	if engine == nil {
		panic("appointments: engine required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{engine: engine, logger: logger}
}

// WithCreateMiddleware wraps only the create endpoint, typically with a rate limiter.
func (h *Handler) WithCreateMiddleware(mw ...func(http.Handler) http.Handler) *Handler {
	h.createLimit = append(h.createLimit, mw...)
	return h
}

// Routes mounts the booking endpoints; the caller applies authentication.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/", h.List)
	r.With(h.createLimit...).Post("/{variant}", h.Create)
	r.Get("/{variant}/{id}", h.Get)
	r.Post("/{variant}/{id}/transition", h.Transition)
	r.Post("/{variant}/{id}/reschedule", h.Reschedule)
	r.Post("/{variant}/{id}/cancel", h.Cancel)
	r.Post("/{variant}/{id}/payment-session", h.AttachPaymentSession)
	r.Post("/{variant}/{id}/cash-payment", h.RecordCashPayment)
}

type transitionRequest struct {
	Status string `json:"status"`
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

type sessionRequest struct {
	SessionID string        `json:"session_id"`
	Method    PaymentMethod `json:"method"`
}

// ListResponse wraps a listing.
type ListResponse struct {
	Appointments []*Record `json:"appointments"`
	Count        int       `json:"count"`
}

// Create handles POST /api/appointments/{variant}.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	actor, variant, ok := h.scope(w, r)
	if !ok {
		return
	}
	var req CreateRequest
	if !decode(w, r, &req) {
		return
	}
	rec, err := h.engine.Create(r.Context(), actor, variant, req)
	if err != nil {
		h.fail(w, "create appointment", err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

// List handles GET /api/appointments.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	actor, ok := identity.ActorFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing identity")
		return
	}
	q := r.URL.Query()
	filter := ListFilter{
		SubjectID: q.Get("subject_id"),
		Date:      q.Get("date"),
		Limit:     100,
	}
	if raw := q.Get("variant"); raw != "" {
		v, ok := ParseVariant(raw)
		if !ok {
			writeError(w, http.StatusBadRequest, "unknown variant")
			return
		}
		filter.Variant = v
	}
	if raw := q.Get("status"); raw != "" {
		s, ok := ParseStatus(raw)
		if !ok {
			writeError(w, http.StatusBadRequest, "unknown status")
			return
		}
		filter.Status = s
	}
	if raw := q.Get("limit"); raw != "" {
		if limit, err := strconv.Atoi(raw); err == nil && limit > 0 && limit <= 500 {
			filter.Limit = limit
		}
	}
	recs, err := h.engine.List(r.Context(), actor, filter)
	if err != nil {
		h.fail(w, "list appointments", err)
		return
	}
	writeJSON(w, http.StatusOK, ListResponse{Appointments: recs, Count: len(recs)})
}

// Get handles GET /api/appointments/{variant}/{id}.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	actor, variant, ok := h.scope(w, r)
	if !ok {
		return
	}
	rec, err := h.engine.Get(r.Context(), actor, variant, chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, "get appointment", err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// Transition handles POST /api/appointments/{variant}/{id}/transition.
func (h *Handler) Transition(w http.ResponseWriter, r *http.Request) {
	actor, variant, ok := h.scope(w, r)
	if !ok {
		return
	}
	var req transitionRequest
	if !decode(w, r, &req) {
		return
	}
	target, known := ParseStatus(req.Status)
	if !known {
		writeError(w, http.StatusBadRequest, "unknown status")
		return
	}
	rec, err := h.engine.Transition(r.Context(), actor, variant, chi.URLParam(r, "id"), target)
	if err != nil {
		h.fail(w, "transition appointment", err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// Reschedule handles POST /api/appointments/{variant}/{id}/reschedule.
func (h *Handler) Reschedule(w http.ResponseWriter, r *http.Request) {
	actor, variant, ok := h.scope(w, r)
	if !ok {
		return
	}
	var req ScheduleRequest
	if !decode(w, r, &req) {
		return
	}
	rec, err := h.engine.Reschedule(r.Context(), actor, variant, chi.URLParam(r, "id"), req)
	if err != nil {
		h.fail(w, "reschedule appointment", err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// Cancel handles POST /api/appointments/{variant}/{id}/cancel. The body is optional.
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	actor, variant, ok := h.scope(w, r)
	if !ok {
		return
	}
	var req cancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	rec, err := h.engine.Cancel(r.Context(), actor, variant, chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		h.fail(w, "cancel appointment", err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// AttachPaymentSession handles POST /api/appointments/{variant}/{id}/payment-session.
func (h *Handler) AttachPaymentSession(w http.ResponseWriter, r *http.Request) {
	actor, variant, ok := h.scope(w, r)
	if !ok {
		return
	}
	var req sessionRequest
	if !decode(w, r, &req) {
		return
	}
	rec, err := h.engine.AttachPaymentSession(r.Context(), actor, variant, chi.URLParam(r, "id"), req.SessionID, req.Method)
	if err != nil {
		h.fail(w, "attach payment session", err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// RecordCashPayment handles POST /api/appointments/{variant}/{id}/cash-payment.
func (h *Handler) RecordCashPayment(w http.ResponseWriter, r *http.Request) {
	actor, variant, ok := h.scope(w, r)
	if !ok {
		return
	}
	rec, err := h.engine.RecordCashPayment(r.Context(), actor, variant, chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, "record cash payment", err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) scope(w http.ResponseWriter, r *http.Request) (identity.Actor, Variant, bool) {
	actor, ok := identity.ActorFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing identity")
		return identity.Actor{}, "", false
	}
	variant, ok := ParseVariant(chi.URLParam(r, "variant"))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown variant")
		return identity.Actor{}, "", false
	}
	return actor, variant, true
}

func (h *Handler) fail(w http.ResponseWriter, action string, err error) {
	status := StatusCode(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("failed to "+action, "error", err)
	} else {
		h.logger.Debug("rejected "+action, "error", err, "status", status)
	}
	writeError(w, status, err.Error())
}

// StatusCode maps engine errors onto HTTP statuses.
func StatusCode(err error) int {
	switch {
	case errors.Is(err, ErrValidation), errors.Is(err, ErrInvalidSchedule), errors.Is(err, ErrInvalidMeta):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrSlotConflict),
		errors.Is(err, ErrSessionImmutable), errors.Is(err, ErrSessionTaken), errors.Is(err, ErrStaleRecord):
		return http.StatusConflict
	case errors.Is(err, keylock.ErrNotAcquired):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

package payments

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/wolfman30/clinic-booking-platform/internal/appointments"
	"github.com/wolfman30/clinic-booking-platform/internal/events"
	"github.com/wolfman30/clinic-booking-platform/internal/identity"
	"github.com/wolfman30/clinic-booking-platform/internal/keylock"
	"github.com/wolfman30/clinic-booking-platform/pkg/logging"
)

// EventReconciler is satisfied by *Reconciler.
type EventReconciler interface {
	Reconcile(ctx context.Context, evt Event) (*Result, error)
}

// ReconcileHandler exposes manual reconciliation to admins.
type ReconcileHandler struct {
	reconciler EventReconciler
	logger     *logging.Logger
}

func NewReconcileHandler(reconciler EventReconciler, logger *logging.Logger) *ReconcileHandler {
	if reconciler == nil {
		panic("payments: reconciler required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &ReconcileHandler{reconciler: reconciler, logger: logger}
}

// Reconcile handles POST /api/payments/reconcile with a raw Event body. The router gates it
// with RequireRole(admin).
func (h *ReconcileHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	actor, _ := identity.ActorFromContext(r.Context())

	var evt Event
	if err := json.NewDecoder(r.Body).Decode(&evt); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	res, err := h.reconciler.Reconcile(r.Context(), evt)
	if err != nil {
		status := StatusCode(err)
		if status >= http.StatusInternalServerError {
			h.logger.Error("manual reconcile failed", "session_id", evt.SessionID, "error", err)
		}
		writeError(w, status, err.Error())
		return
	}
	h.logger.Info("manual reconcile", "session_id", evt.SessionID, "actor_id", actor.ID, "disposition", res.Disposition)
	writeJSON(w, http.StatusOK, res)
}

// handleReconcile runs one provider event through the ledger fast path and the reconciler.
func handleReconcile(w http.ResponseWriter, r *http.Request, reconciler EventReconciler, ledger events.Ledger, logger *logging.Logger, provider, eventID string, evt Event) {
	ctx := r.Context()
	if evt.Gateway == "" {
		evt.Gateway = provider
	}
	if eventID == "" {
		ledger = nil
	}
	if ledger != nil {
		seen, err := ledger.AlreadyProcessed(ctx, provider, eventID)
		if err != nil {
			logger.Error("processed lookup failed", "provider", provider, "error", err)
			http.Error(w, "server error", http.StatusInternalServerError)
			return
		}
		if seen {
			writeJSON(w, http.StatusOK, map[string]string{"disposition": string(Duplicate)})
			return
		}
	}

	res, err := reconciler.Reconcile(ctx, evt)
	if err != nil {
		status := StatusCode(err)
		if status >= http.StatusInternalServerError {
			logger.Error("webhook reconcile failed", "provider", provider, "event_id", eventID, "error", err)
		} else {
			logger.Warn("webhook event rejected", "provider", provider, "event_id", eventID, "session_id", evt.SessionID, "status", status, "error", err)
		}
		http.Error(w, http.StatusText(status), status)
		return
	}

	if ledger != nil {
		processed := events.ProcessedEvent{
			Provider:    provider,
			EventID:     eventID,
			SessionID:   evt.SessionID,
			Disposition: string(res.Disposition),
		}
		if res.Record != nil {
			processed.Variant = string(res.Record.Variant)
			processed.AppointmentID = res.Record.ID
		}
		if _, err := ledger.MarkProcessed(ctx, processed); err != nil {
			logger.Error("failed to record processed event", "provider", provider, "event_id", eventID, "error", err)
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"disposition": string(res.Disposition)})
}

// StatusCode maps reconciliation errors onto HTTP statuses.
func StatusCode(err error) int {
	switch {
	case errors.Is(err, ErrUnknownSession):
		return http.StatusNotFound
	case errors.Is(err, ErrAmountMismatch):
		return http.StatusUnprocessableEntity
	case errors.Is(err, appointments.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, keylock.ErrNotAcquired):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

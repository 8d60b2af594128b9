package payments

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/wolfman30/clinic-booking-platform/internal/appointments"
	"github.com/wolfman30/clinic-booking-platform/internal/events"
	"github.com/wolfman30/clinic-booking-platform/internal/observability/metrics"
	"github.com/wolfman30/clinic-booking-platform/pkg/logging"
)

const providerSquare = appointments.GatewaySquare

// SquareWebhookHandler turns Square payment and refund notifications into reconcile events.
type SquareWebhookHandler struct {
	signatureKey string
	reconciler   EventReconciler
	processed    events.Ledger
	metrics      *metrics.BookingMetrics
	logger       *logging.Logger
}

func NewSquareWebhookHandler(sigKey string, reconciler EventReconciler, processed events.Ledger, logger *logging.Logger) *SquareWebhookHandler {
	if reconciler == nil {
		panic("payments: reconciler required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &SquareWebhookHandler{
		signatureKey: sigKey,
		reconciler:   reconciler,
		processed:    processed,
		logger:       logger,
	}
}

func (h *SquareWebhookHandler) WithMetrics(m *metrics.BookingMetrics) *SquareWebhookHandler {
	h.metrics = m
	return h
}

func (h *SquareWebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	defer func() { h.metrics.ObserveWebhookLatency(providerSquare, time.Since(start).Seconds()) }()

	payload, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	if !verifySquareSignature(h.signatureKey, buildAbsoluteURL(r), payload, r.Header.Get("X-Square-Signature")) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var evt squareWebhookEvent
	if err := json.Unmarshal(payload, &evt); err != nil {
		h.logger.Error("failed to decode square event", "error", err)
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	eventID := evt.EventID
	if eventID == "" {
		eventID = evt.ID
	}
	if eventID == "" {
		http.Error(w, "missing event id", http.StatusBadRequest)
		return
	}

	reconcileEvt, ok, err := evt.toEvent()
	if err != nil {
		h.logger.Warn("square event not reconcilable", "event_id", eventID, "type", evt.Type, "error", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !ok {
		w.WriteHeader(http.StatusOK)
		return
	}

	handleReconcile(w, r, h.reconciler, h.processed, h.logger, providerSquare, eventID, reconcileEvt)
}

// toEvent maps a notification onto a reconcile event. ok is false for notifications that carry
// no final outcome.
func (e squareWebhookEvent) toEvent() (Event, bool, error) {
	occurred := e.CreatedAt
	switch e.Type {
	case "payment.updated", "payment.created":
		p := e.Data.Object.Payment
		var outcome appointments.PaymentStatus
		switch strings.ToUpper(p.Status) {
		case "COMPLETED":
			outcome = appointments.PaymentPaid
		case "FAILED", "CANCELED":
			outcome = appointments.PaymentFailed
		default:
			return Event{}, false, nil
		}
		session := firstNonEmpty(p.Metadata["session_id"], p.OrderID)
		if session == "" {
			return Event{}, false, fmt.Errorf("payment %s carries no session id", p.ID)
		}
		return Event{
			Variant:    appointments.Variant(p.Metadata["variant"]),
			SessionID:  session,
			ProviderID: p.ID,
			Outcome:    outcome,
			Amount:     p.AmountMoney.Amount,
			Timestamp:  occurred,
		}, true, nil
	case "refund.updated", "refund.created":
		rf := e.Data.Object.Refund
		if strings.ToUpper(rf.Status) != "COMPLETED" {
			return Event{}, false, nil
		}
		session := firstNonEmpty(rf.Metadata["session_id"], rf.OrderID)
		if session == "" {
			return Event{}, false, fmt.Errorf("refund %s carries no session id", rf.ID)
		}
		return Event{
			Variant:    appointments.Variant(rf.Metadata["variant"]),
			SessionID:  session,
			ProviderID: rf.PaymentID,
			Outcome:    appointments.PaymentRefunded,
			Amount:     rf.AmountMoney.Amount,
			Timestamp:  occurred,
		}, true, nil
	}
	return Event{}, false, nil
}

func verifySquareSignature(key, url string, body []byte, header string) bool {
	if key == "" || header == "" {
		return false
	}
	message := url + string(body)
	mac := hmac.New(sha1.New, []byte(key))
	mac.Write([]byte(message))
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(header), []byte(expected))
}

type squareWebhookEvent struct {
	ID        string    `json:"id"`
	EventID   string    `json:"event_id"`
	CreatedAt time.Time `json:"created_at"`
	Type      string    `json:"type"`
	Data      struct {
		Object struct {
			Payment struct {
				ID          string            `json:"id"`
				Status      string            `json:"status"`
				OrderID     string            `json:"order_id"`
				AmountMoney squareMoney       `json:"amount_money"`
				Metadata    map[string]string `json:"metadata"`
			} `json:"payment"`
			Refund struct {
				ID          string            `json:"id"`
				Status      string            `json:"status"`
				PaymentID   string            `json:"payment_id"`
				OrderID     string            `json:"order_id"`
				AmountMoney squareMoney       `json:"amount_money"`
				Metadata    map[string]string `json:"metadata"`
			} `json:"refund"`
		} `json:"object"`
	} `json:"data"`
}

type squareMoney struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

func buildAbsoluteURL(r *http.Request) string {
	if r.URL == nil {
		return ""
	}
	scheme := "https"
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	} else if r.TLS == nil {
		scheme = "http"
	}
	host := r.Host
	if fwd := r.Header.Get("X-Forwarded-Host"); fwd != "" {
		host = fwd
	}
	return fmt.Sprintf("%s://%s%s", scheme, host, r.URL.RequestURI())
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

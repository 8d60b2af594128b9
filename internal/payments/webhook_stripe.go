package payments

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/wolfman30/clinic-booking-platform/internal/appointments"
	"github.com/wolfman30/clinic-booking-platform/internal/events"
	"github.com/wolfman30/clinic-booking-platform/internal/observability/metrics"
	"github.com/wolfman30/clinic-booking-platform/pkg/logging"
)

const (
	providerStripe = appointments.GatewayStripe
	// stripeTolerance bounds the age of a signed Stripe timestamp.
	stripeTolerance = 5 * time.Minute
)

// StripeWebhookHandler turns Stripe checkout and charge notifications into reconcile events.
type StripeWebhookHandler struct {
	webhookSecret string
	reconciler    EventReconciler
	processed     events.Ledger
	metrics       *metrics.BookingMetrics
	logger        *logging.Logger
	now           func() time.Time
}

// NewStripeWebhookHandler creates a new handler for Stripe webhooks.
func NewStripeWebhookHandler(webhookSecret string, reconciler EventReconciler, processed events.Ledger, logger *logging.Logger) *StripeWebhookHandler {
	if reconciler == nil {
		panic("payments: reconciler required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &StripeWebhookHandler{
		webhookSecret: webhookSecret,
		reconciler:    reconciler,
		processed:     processed,
		logger:        logger,
		now:           time.Now,
	}
}

func (h *StripeWebhookHandler) WithMetrics(m *metrics.BookingMetrics) *StripeWebhookHandler {
	h.metrics = m
	return h
}

// Handle processes incoming Stripe webhook events.
func (h *StripeWebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	defer func() { h.metrics.ObserveWebhookLatency(providerStripe, time.Since(start).Seconds()) }()

	payload, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	if !verifyStripeSignature(h.webhookSecret, payload, r.Header.Get("Stripe-Signature"), h.now()) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	var evt stripeWebhookEvent
	if err := json.Unmarshal(payload, &evt); err != nil {
		h.logger.Error("failed to decode stripe event", "error", err)
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if evt.ID == "" {
		http.Error(w, "missing event id", http.StatusBadRequest)
		return
	}

	reconcileEvt, ok, err := evt.toEvent()
	if err != nil {
		h.logger.Warn("stripe event not reconcilable", "event_id", evt.ID, "type", evt.Type, "error", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !ok {
		w.WriteHeader(http.StatusOK)
		return
	}

	handleReconcile(w, r, h.reconciler, h.processed, h.logger, providerStripe, evt.ID, reconcileEvt)
}

func (e stripeWebhookEvent) toEvent() (Event, bool, error) {
	obj := e.Data.Object
	var outcome appointments.PaymentStatus
	amount := obj.AmountTotal
	session := obj.Metadata["session_id"]
	switch e.Type {
	case "checkout.session.completed", "checkout.session.async_payment_succeeded":
		if obj.PaymentStatus != "" && obj.PaymentStatus != "paid" {
			return Event{}, false, nil
		}
		outcome = appointments.PaymentPaid
		session = firstNonEmpty(session, obj.ID)
	case "checkout.session.async_payment_failed", "checkout.session.expired":
		outcome = appointments.PaymentFailed
		session = firstNonEmpty(session, obj.ID)
	case "charge.refunded":
		if !obj.Refunded {
			return Event{}, false, nil
		}
		outcome = appointments.PaymentRefunded
		amount = obj.AmountRefunded
	default:
		return Event{}, false, nil
	}
	if strings.TrimSpace(session) == "" {
		return Event{}, false, fmt.Errorf("%s %s carries no session id", e.Type, obj.ID)
	}

	return Event{
		Variant:    appointments.Variant(obj.Metadata["variant"]),
		SessionID:  session,
		ProviderID: firstNonEmpty(obj.PaymentIntent, obj.ID),
		Outcome:    outcome,
		Amount:     amount,
		Timestamp:  time.Unix(e.Created, 0).UTC(),
	}, true, nil
}

// stripeWebhookEvent represents a Stripe webhook event envelope.
type stripeWebhookEvent struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object stripeObject `json:"object"`
	} `json:"data"`
}

// stripeObject covers the checkout.session and charge fields used for reconciliation.
type stripeObject struct {
	ID             string            `json:"id"`
	PaymentIntent  string            `json:"payment_intent"`
	PaymentStatus  string            `json:"payment_status"`
	AmountTotal    int64             `json:"amount_total"`
	AmountRefunded int64             `json:"amount_refunded"`
	Refunded       bool              `json:"refunded"`
	Currency       string            `json:"currency"`
	Metadata       map[string]string `json:"metadata"`
	Status         string            `json:"status"`
}

// verifyStripeSignature verifies a Stripe webhook signature.
// Stripe signs with HMAC-SHA256 and sends the signature in the Stripe-Signature header
// as: t=<timestamp>,v1=<signature>[,v0=<test_signature>]
func verifyStripeSignature(secret string, payload []byte, header string, now time.Time) bool {
	if secret == "" || header == "" {
		return false
	}

	var timestamp string
	var signatures []string
	for _, part := range strings.Split(header, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "t":
			timestamp = kv[1]
		case "v1":
			signatures = append(signatures, kv[1])
		}
	}
	if timestamp == "" || len(signatures) == 0 {
		return false
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return false
	}
	if age := now.Sub(time.Unix(ts, 0)); age > stripeTolerance || age < -stripeTolerance {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp + "." + string(payload)))
	expected := hex.EncodeToString(mac.Sum(nil))

	for _, sig := range signatures {
		if hmac.Equal([]byte(sig), []byte(expected)) {
			return true
		}
	}
	return false
}

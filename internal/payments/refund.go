package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/wolfman30/clinic-booking-platform/internal/appointments"
	"github.com/wolfman30/clinic-booking-platform/internal/events"
	"github.com/wolfman30/clinic-booking-platform/pkg/logging"
)

const squareVersion = "2025-01-16"

// ErrRefundRejected marks a refund the provider refused; retrying will not help.
var ErrRefundRejected = errors.New("payments: refund rejected")

// RefundService asks Square to refund payments of canceled bookings.
type RefundService struct {
	baseURL     string
	accessToken string
	currency    string
	httpClient  *http.Client
	velocity    *VelocityChecker
	logger      *logging.Logger
}

// RefundRequest contains the details for a refund.
type RefundRequest struct {
	PaymentID      string // Square payment ID
	AmountCents    int64  // Amount to refund (must be <= original amount)
	Reason         string
	IdempotencyKey string
}

// RefundResponse contains the result of a refund.
type RefundResponse struct {
	RefundID  string
	Status    string // PENDING, COMPLETED, FAILED, REJECTED
	CreatedAt time.Time
}

// NewRefundService creates a new refund service.
func NewRefundService(baseURL, accessToken string, logger *logging.Logger) *RefundService {
	if logger == nil {
		logger = logging.Default()
	}
	if baseURL == "" {
		baseURL = "https://connect.squareup.com"
	}
	return &RefundService{
		baseURL:     baseURL,
		accessToken: accessToken,
		currency:    "USD",
		httpClient:  &http.Client{Timeout: 15 * time.Second},
		logger:      logger,
	}
}

// WithHTTPClient swaps the transport, mainly for tests.
func (s *RefundService) WithHTTPClient(c *http.Client) *RefundService {
	if c != nil {
		s.httpClient = c
	}
	return s
}

// WithVelocity holds refunds for review once an owner exceeds the configured refund rate.
func (s *RefundService) WithVelocity(v *VelocityChecker) *RefundService {
	s.velocity = v
	return s
}

// Handle consumes refund_requested.v1 outbox entries for payments captured through Square.
// Provider rejections and other gateways are logged and acknowledged so the deliverer stops
// retrying; the booking keeps its refund_pending flag.
func (s *RefundService) Handle(ctx context.Context, entry events.OutboxEntry) error {
	if entry.Type != events.TypeRefundRequested {
		return nil
	}
	var intent events.RefundRequestedV1
	if err := json.Unmarshal(entry.Payload, &intent); err != nil {
		s.logger.Error("undecodable refund intent", "event_id", entry.ID, "error", err)
		return nil
	}

	if intent.Method == string(appointments.MethodCash) || intent.ProviderID == appointments.CashProviderID || intent.Gateway == appointments.GatewayCash {
		s.logger.Info("cash refund left to the front desk", "appointment_id", intent.AppointmentID, "amount_cents", intent.AmountCents)
		return nil
	}
	if intent.Gateway != appointments.GatewaySquare {
		// Only Square refunds are issued from here; the rest stay flagged for manual handling.
		s.logger.Warn("refund held: gateway not handled by this service",
			"appointment_id", intent.AppointmentID,
			"gateway", intent.Gateway,
			"provider_id", intent.ProviderID,
			"amount_cents", intent.AmountCents,
		)
		return nil
	}
	if intent.ProviderID == "" {
		s.logger.Warn("refund intent without provider payment id", "appointment_id", intent.AppointmentID)
		return nil
	}

	if s.velocity != nil {
		check, err := s.velocity.CheckRefund(ctx, intent.OwnerID)
		if err == nil && !check.Allowed {
			s.logger.Warn("refund held for review", "appointment_id", intent.AppointmentID, "owner_id", intent.OwnerID, "reason", check.Message)
			return nil
		}
	}

	_, err := s.RefundPayment(ctx, RefundRequest{
		PaymentID:      intent.ProviderID,
		AmountCents:    intent.AmountCents,
		Reason:         intent.Reason,
		IdempotencyKey: "refund-" + intent.AppointmentID,
	})
	if errors.Is(err, ErrRefundRejected) {
		s.logger.Error("refund rejected by provider", "appointment_id", intent.AppointmentID, "error", err)
		return nil
	}
	return err
}

// RefundPayment processes a refund via Square Refunds API.
func (s *RefundService) RefundPayment(ctx context.Context, req RefundRequest) (*RefundResponse, error) {
	ctx, span := tracer.Start(ctx, "square.refund_payment")
	defer span.End()
	span.SetAttributes(
		attribute.String("square.payment_id", req.PaymentID),
		attribute.Int64("clinic.amount_cents", req.AmountCents),
	)

	if s.accessToken == "" {
		return nil, fmt.Errorf("payments: refund: no square access token configured")
	}
	if req.AmountCents <= 0 {
		return nil, fmt.Errorf("payments: refund amount %d: %w", req.AmountCents, ErrRefundRejected)
	}

	idempotencyKey := req.IdempotencyKey
	if idempotencyKey == "" {
		idempotencyKey = "refund-" + req.PaymentID
	}
	body := map[string]any{
		"idempotency_key": idempotencyKey,
		"payment_id":      req.PaymentID,
		"amount_money": map[string]any{
			"amount":   req.AmountCents,
			"currency": s.currency,
		},
	}
	if req.Reason != "" {
		body["reason"] = req.Reason
	}

	reqBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("payments: refund marshal: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/v2/refunds", bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("payments: refund request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+s.accessToken)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Square-Version", squareVersion)

	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("payments: refund http: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)

	if resp.StatusCode >= http.StatusMultipleChoices {
		s.logger.Error("square refund failed",
			"status", resp.StatusCode,
			"body", string(respBody),
			"payment_id", req.PaymentID,
		)
		err := fmt.Errorf("payments: square refund api status %d: %s", resp.StatusCode, string(respBody))
		if resp.StatusCode < http.StatusInternalServerError && resp.StatusCode != http.StatusTooManyRequests {
			err = fmt.Errorf("%w: %w", ErrRefundRejected, err)
		}
		span.RecordError(err)
		return nil, err
	}

	var parsed struct {
		Refund struct {
			ID        string `json:"id"`
			Status    string `json:"status"`
			CreatedAt string `json:"created_at"`
		} `json:"refund"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("payments: refund decode: %w", err)
	}

	createdAt, _ := time.Parse(time.RFC3339, parsed.Refund.CreatedAt)

	s.logger.Info("refund requested",
		"refund_id", parsed.Refund.ID,
		"payment_id", req.PaymentID,
		"status", parsed.Refund.Status,
		"amount_cents", req.AmountCents,
	)

	return &RefundResponse{
		RefundID:  parsed.Refund.ID,
		Status:    parsed.Refund.Status,
		CreatedAt: createdAt,
	}, nil
}

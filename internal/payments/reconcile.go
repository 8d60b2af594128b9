package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/wolfman30/clinic-booking-platform/internal/appointments"
	"github.com/wolfman30/clinic-booking-platform/internal/events"
	"github.com/wolfman30/clinic-booking-platform/internal/observability/metrics"
	"github.com/wolfman30/clinic-booking-platform/pkg/logging"
)

var tracer = otel.Tracer("clinic.internal.payments")

var (
	// ErrUnknownSession means no booking carries the event's session id.
	ErrUnknownSession = errors.New("payments: unknown payment session")
	// ErrAmountMismatch means the provider amount differs from the booking's payment amount.
	ErrAmountMismatch = errors.New("payments: amount mismatch")
)

// ReconcilerActor is recorded as the actor of reconciliation-driven changes.
const ReconcilerActor = "payment-reconciler"

// Event is one payment outcome reported by the gateway.
type Event struct {
	Variant    appointments.Variant       `json:"variant,omitempty"`
	SessionID  string                     `json:"session_id"`
	ProviderID string                     `json:"provider_id"`
	Gateway    string                     `json:"gateway,omitempty"`
	Outcome    appointments.PaymentStatus `json:"outcome"`
	Amount     int64                      `json:"amount"`
	Timestamp  time.Time                  `json:"timestamp"`
}

// Disposition describes what reconciling an event did.
type Disposition string

const (
	Applied   Disposition = "applied"
	Duplicate Disposition = "duplicate"
	Stale     Disposition = "stale"
)

// Result is the outcome of a successful Reconcile call.
type Result struct {
	Disposition Disposition          `json:"disposition"`
	Record      *appointments.Record `json:"appointment"`
}

// BookingEngine is the part of the lifecycle engine the reconciler drives.
type BookingEngine interface {
	FindBySession(ctx context.Context, variant appointments.Variant, sessionID string) (*appointments.Record, error)
	Apply(ctx context.Context, actorID string, variant appointments.Variant, id string, extra func(*appointments.Record) []string, fn appointments.MutateFunc) (*appointments.Record, error)
	AutoConfirm(ctx context.Context, rec *appointments.Record) (bool, error)
	FlagRefund(rec *appointments.Record)
	Now() time.Time
}

// ReconcileNotifier is told about every applied reconciliation.
type ReconcileNotifier interface {
	PaymentReconciled(ctx context.Context, evt events.PaymentReconciledV1) error
}

// Reconciler applies gateway outcomes to booking payment state idempotently.
type Reconciler struct {
	engine   BookingEngine
	notifier ReconcileNotifier
	metrics  *metrics.BookingMetrics
	logger   *logging.Logger
}

func NewReconciler(engine BookingEngine, logger *logging.Logger) *Reconciler {
	if engine == nil {
		panic("payments: booking engine required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Reconciler{engine: engine, logger: logger}
}

func (r *Reconciler) WithNotifier(n ReconcileNotifier) *Reconciler {
	r.notifier = n
	return r
}

func (r *Reconciler) WithMetrics(m *metrics.BookingMetrics) *Reconciler {
	r.metrics = m
	return r
}

// Reconcile applies evt to the booking that owns evt.SessionID.
func (r *Reconciler) Reconcile(ctx context.Context, evt Event) (*Result, error) {
	ctx, span := tracer.Start(ctx, "payments.reconcile")
	defer span.End()
	span.SetAttributes(
		attribute.String("clinic.session_id", evt.SessionID),
		attribute.String("clinic.outcome", string(evt.Outcome)),
		attribute.Int64("clinic.amount", evt.Amount),
	)

	res, err := r.reconcile(ctx, evt)
	label := resultLabel(res, err)
	r.metrics.ObserveReconcile(string(evt.Outcome), label)
	span.SetAttributes(attribute.String("clinic.result", label))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, label)
		return nil, err
	}
	return res, nil
}

func (r *Reconciler) reconcile(ctx context.Context, evt Event) (*Result, error) {
	evt.SessionID = strings.TrimSpace(evt.SessionID)
	if evt.SessionID == "" {
		return nil, fmt.Errorf("payments: reconcile: %w", ErrUnknownSession)
	}
	switch evt.Outcome {
	case appointments.PaymentPaid, appointments.PaymentFailed, appointments.PaymentRefunded:
	default:
		return nil, &appointments.ValidationError{Field: "outcome", Reason: "must be paid, failed or refunded"}
	}

	current, err := r.lookup(ctx, evt.Variant, evt.SessionID)
	if err != nil {
		return nil, err
	}

	disposition := Applied
	rec, err := r.engine.Apply(ctx, ReconcilerActor, current.Variant, current.ID, nil, func(ctx context.Context, rec *appointments.Record) (bool, error) {
		if rec.Payment.SessionID != evt.SessionID {
			return false, fmt.Errorf("payments: reconcile %s: %w", rec.ID, ErrUnknownSession)
		}
		d, err := r.mutate(ctx, rec, evt)
		disposition = d
		if err != nil || d != Applied {
			return false, err
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	switch disposition {
	case Applied:
		r.logger.Info("payment reconciled",
			"appointment_id", rec.ID,
			"variant", rec.Variant,
			"session_id", evt.SessionID,
			"outcome", evt.Outcome,
			"status", rec.Status,
		)
		r.notify(ctx, rec, evt)
	default:
		r.logger.Debug("payment event acknowledged without change",
			"appointment_id", rec.ID,
			"session_id", evt.SessionID,
			"outcome", evt.Outcome,
			"disposition", disposition,
		)
	}
	return &Result{Disposition: disposition, Record: rec}, nil
}

// lookup finds the session's booking. An empty variant searches every variant and treats a
// session present in more than one as unknown.
func (r *Reconciler) lookup(ctx context.Context, variant appointments.Variant, sessionID string) (*appointments.Record, error) {
	variants := appointments.Variants
	if variant != "" {
		if !variant.Valid() {
			return nil, &appointments.ValidationError{Field: "variant", Reason: "must be doctor or service"}
		}
		variants = []appointments.Variant{variant}
	}

	var found *appointments.Record
	for _, v := range variants {
		rec, err := r.engine.FindBySession(ctx, v, sessionID)
		if errors.Is(err, appointments.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("payments: lookup session: %w", err)
		}
		if found != nil {
			r.logger.Warn("payment session matches bookings in several variants", "session_id", sessionID)
			return nil, fmt.Errorf("payments: session %s is ambiguous: %w", sessionID, ErrUnknownSession)
		}
		found = rec
	}
	if found == nil {
		return nil, fmt.Errorf("payments: session %s: %w", sessionID, ErrUnknownSession)
	}
	return found, nil
}

// mutate applies evt to rec in place and reports whether it changed anything.
func (r *Reconciler) mutate(ctx context.Context, rec *appointments.Record, evt Event) (Disposition, error) {
	pay := &rec.Payment
	if pay.Status == evt.Outcome && (evt.ProviderID == "" || pay.ProviderID == evt.ProviderID) {
		return Duplicate, nil
	}
	if stale(pay.Status, evt.Outcome) {
		return Stale, nil
	}
	if evt.Amount != pay.Amount || (evt.Outcome == appointments.PaymentPaid && pay.Amount <= 0) {
		return "", fmt.Errorf("payments: reconcile %s: got %d want %d: %w", rec.ID, evt.Amount, pay.Amount, ErrAmountMismatch)
	}

	at := evt.Timestamp
	if at.IsZero() {
		at = r.engine.Now()
	}
	pay.Status = evt.Outcome
	if evt.ProviderID != "" {
		pay.ProviderID = evt.ProviderID
	}

	switch evt.Outcome {
	case appointments.PaymentPaid:
		paidAt := at.UTC()
		pay.PaidAt = &paidAt
		if gw := strings.ToLower(strings.TrimSpace(evt.Gateway)); gw != "" {
			pay.Meta = pay.Meta.With(appointments.MetaGateway, appointments.StringValue(gw))
		}
		if rec.Status == appointments.StatusCanceled {
			r.engine.FlagRefund(rec)
			r.logger.Warn("payment arrived for a canceled booking, refund flagged", "appointment_id", rec.ID)
			return Applied, nil
		}
		if _, err := r.engine.AutoConfirm(ctx, rec); err != nil {
			return "", err
		}
	case appointments.PaymentRefunded:
		pay.Meta = pay.Meta.
			Without(appointments.MetaRefundPending).
			With(appointments.MetaRefundedAt, appointments.StringValue(at.UTC().Format(time.RFC3339)))
	}
	return Applied, nil
}

// stale reports whether outcome arrives after a state that supersedes it.
func stale(current, outcome appointments.PaymentStatus) bool {
	switch current {
	case appointments.PaymentRefunded:
		return true
	case appointments.PaymentPaid:
		return outcome != appointments.PaymentRefunded
	default:
		return outcome == appointments.PaymentRefunded
	}
}

func (r *Reconciler) notify(ctx context.Context, rec *appointments.Record, evt Event) {
	if r.notifier == nil {
		return
	}
	occurred := evt.Timestamp
	if occurred.IsZero() {
		occurred = rec.UpdatedAt
	}
	err := r.notifier.PaymentReconciled(ctx, events.PaymentReconciledV1{
		Variant:       string(rec.Variant),
		AppointmentID: rec.ID,
		SessionID:     evt.SessionID,
		ProviderID:    rec.Payment.ProviderID,
		Outcome:       string(evt.Outcome),
		AmountCents:   evt.Amount,
		Status:        string(rec.Status),
		OccurredAt:    occurred,
	})
	if err != nil {
		r.logger.Error("failed to enqueue reconcile event", "appointment_id", rec.ID, "error", err)
	}
}

func resultLabel(res *Result, err error) string {
	switch {
	case err == nil && res != nil:
		return string(res.Disposition)
	case errors.Is(err, ErrUnknownSession):
		return "unknown_session"
	case errors.Is(err, ErrAmountMismatch):
		return "amount_mismatch"
	case errors.Is(err, appointments.ErrValidation):
		return "invalid"
	default:
		return "error"
	}
}

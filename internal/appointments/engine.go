package appointments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wolfman30/clinic-booking-platform/internal/identity"
	"github.com/wolfman30/clinic-booking-platform/internal/keylock"
	"github.com/wolfman30/clinic-booking-platform/internal/observability/metrics"
	"github.com/wolfman30/clinic-booking-platform/pkg/logging"
)

var tracer = otel.Tracer("clinic.internal.appointments")

// CashProviderID marks payments recorded at the front desk.
const CashProviderID = "cash"

const defaultMaxAttempts = 3

// RefundIntent asks the payment provider to return a captured payment.
type RefundIntent struct {
	Variant       Variant       `json:"variant"`
	AppointmentID string        `json:"appointment_id"`
	OwnerID       string        `json:"owner_id"`
	SessionID     string        `json:"session_id,omitempty"`
	ProviderID    string        `json:"provider_id,omitempty"`
	Gateway       string        `json:"gateway,omitempty"`
	Method        PaymentMethod `json:"method,omitempty"`
	Amount        int64         `json:"amount"`
	Reason        string        `json:"reason,omitempty"`
	RequestedAt   time.Time     `json:"requested_at"`
}

// StatusChange describes one applied lifecycle transition.
type StatusChange struct {
	Variant       Variant   `json:"variant"`
	AppointmentID string    `json:"appointment_id"`
	From          Status    `json:"from,omitempty"`
	To            Status    `json:"to"`
	ActorID       string    `json:"actor_id,omitempty"`
	At            time.Time `json:"at"`
}

// Outbox receives side effects once the record they describe has been written.
type Outbox interface {
	EnqueueRefund(ctx context.Context, intent RefundIntent) error
	StatusChanged(ctx context.Context, change StatusChange) error
}

// MutateFunc changes rec in place while every lock covering it is held. Returning false skips
// the write and leaves the stored record untouched.
type MutateFunc func(ctx context.Context, rec *Record) (bool, error)

// Engine validates and applies lifecycle operations.
type Engine struct {
	repo        Repository
	locker      keylock.Locker
	outbox      Outbox
	metrics     *metrics.BookingMetrics
	logger      *logging.Logger
	now         func() time.Time
	maxAttempts int
}

// NewEngine wires the engine. Repository and locker are required.
func NewEngine(repo Repository, locker keylock.Locker, logger *logging.Logger) *Engine {
	if repo == nil {
		panic("appointments: repository required")
	}
	if locker == nil {
		panic("appointments: locker required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Engine{
		repo:        repo,
		locker:      locker,
		logger:      logger.Component("appointments"),
		now:         func() time.Time { return time.Now().UTC() },
		maxAttempts: defaultMaxAttempts,
	}
}

func (e *Engine) WithOutbox(o Outbox) *Engine {
	e.outbox = o
	return e
}

func (e *Engine) WithMetrics(m *metrics.BookingMetrics) *Engine {
	e.metrics = m
	return e
}

// WithClock overrides the time source.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	if now != nil {
		e.now = now
	}
	return e
}

// Now returns the engine's current time.
func (e *Engine) Now() time.Time {
	return e.now()
}

// Create books a new Pending record after checking the slot is free.
func (e *Engine) Create(ctx context.Context, actor identity.Actor, variant Variant, req CreateRequest) (*Record, error) {
	ctx, span := tracer.Start(ctx, "appointments.create")
	defer span.End()
	span.SetAttributes(attribute.String("clinic.variant", string(variant)))

	switch {
	case !actor.Valid():
		return nil, ErrUnauthorized
	case actor.IsAdmin():
	case actor.IsPatient():
		req.OwnerID = actor.ID
	default:
		return nil, ErrUnauthorized
	}
	if err := validateCreate(variant, req); err != nil {
		return nil, err
	}

	now := e.now()
	rec := &Record{
		ID:          uuid.NewString(),
		Variant:     variant,
		OwnerID:     strings.TrimSpace(req.OwnerID),
		Subject:     req.Subject,
		PatientName: strings.TrimSpace(req.PatientName),
		Mobile:      strings.TrimSpace(req.Mobile),
		Date:        strings.TrimSpace(req.Date),
		Slot:        mergeText(req.Slot, req.Time),
		Fees:        req.Fees,
		Status:      StatusPending,
		Payment: Payment{
			Method: req.Method,
			Status: PaymentPending,
			Amount: req.Fees,
			Meta:   req.Meta.Clone(),
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	rec.Subject.ID = strings.TrimSpace(rec.Subject.ID)
	key := rec.SlotKey()

	unlock, err := e.locker.Lock(ctx, slotLockKey(key))
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("appointments: create: %w", err)
	}
	defer unlock()

	taken, err := e.repo.ActiveInSlot(ctx, key, "")
	if err != nil {
		span.RecordError(err)
		return nil, wrap("create", err)
	}
	if taken {
		e.metrics.ObserveSlotConflict(string(variant))
		return nil, ErrSlotConflict
	}
	if err := e.repo.Insert(ctx, rec); err != nil {
		if errors.Is(err, ErrSlotConflict) {
			e.metrics.ObserveSlotConflict(string(variant))
		}
		span.RecordError(err)
		return nil, wrap("create", err)
	}
	span.SetAttributes(attribute.String("clinic.appointment_id", rec.ID))
	e.afterWrite(ctx, actor.ID, "", false, rec)
	return rec, nil
}

// Get returns a record the actor may view.
func (e *Engine) Get(ctx context.Context, actor identity.Actor, variant Variant, id string) (*Record, error) {
	rec, err := e.repo.Get(ctx, variant, id)
	if err != nil {
		return nil, wrap("get", err)
	}
	if err := authorize(actor, rec, actionView); err != nil {
		return nil, err
	}
	return rec, nil
}

// List returns records filtered by the actor's ownership scope.
func (e *Engine) List(ctx context.Context, actor identity.Actor, filter ListFilter) ([]*Record, error) {
	if !actor.Valid() {
		return nil, ErrUnauthorized
	}
	scoped, ok := scopeFilter(actor, filter)
	if !ok {
		return []*Record{}, nil
	}
	recs, err := e.repo.List(ctx, scoped)
	if err != nil {
		return nil, wrap("list", err)
	}
	return recs, nil
}

// FindBySession looks a record up by payment session without authorization; it serves the
// reconciler, whose trust comes from webhook signatures.
func (e *Engine) FindBySession(ctx context.Context, variant Variant, sessionID string) (*Record, error) {
	rec, err := e.repo.FindBySession(ctx, variant, sessionID)
	if err != nil {
		return nil, wrap("find by session", err)
	}
	return rec, nil
}

// Transition moves a record to target. Rescheduling has its own operation and cancellation
// delegates to Cancel.
func (e *Engine) Transition(ctx context.Context, actor identity.Actor, variant Variant, id string, target Status) (*Record, error) {
	ctx, span := tracer.Start(ctx, "appointments.transition")
	defer span.End()
	span.SetAttributes(
		attribute.String("clinic.variant", string(variant)),
		attribute.String("clinic.appointment_id", id),
		attribute.String("clinic.target_status", string(target)),
	)

	switch target {
	case StatusCanceled:
		return e.Cancel(ctx, actor, variant, id, "")
	case StatusRescheduled:
		return nil, invalid("status", "use the reschedule operation")
	case StatusPending:
		return nil, ErrInvalidTransition
	case StatusConfirmed, StatusCompleted:
	default:
		return nil, invalid("status", "unknown status")
	}

	rec, err := e.Apply(ctx, actor.ID, variant, id, nil, func(ctx context.Context, rec *Record) (bool, error) {
		if err := authorize(actor, rec, actionConfirm); err != nil {
			return false, err
		}
		if !CanTransition(rec.Status, target) {
			return false, ErrInvalidTransition
		}
		if target == StatusConfirmed {
			if err := e.confirm(ctx, rec, actor.ID); err != nil {
				return false, err
			}
			return true, nil
		}
		rec.Status = target
		return true, nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return rec, nil
}

// confirm moves rec to Confirmed, promoting a pending reschedule into the booked schedule.
func (e *Engine) confirm(ctx context.Context, rec *Record, actorID string) error {
	if rec.Payment.Amount != rec.Fees {
		return invalid("payment.amount", "must equal fees")
	}
	taken, err := e.repo.ActiveInSlot(ctx, rec.SlotKey(), rec.ID)
	if err != nil {
		return wrap("confirm", err)
	}
	if taken {
		e.metrics.ObserveSlotConflict(string(rec.Variant))
		return ErrSlotConflict
	}
	if rec.Status == StatusRescheduled && rec.RescheduledTo != nil {
		rec.History = append(rec.History, ScheduleChange{
			From:      rec.Schedule(),
			To:        rec.RescheduledTo.clone(),
			ChangedAt: e.now(),
			ChangedBy: actorID,
		})
		rec.Date = rec.RescheduledTo.Date
		rec.Slot = rec.RescheduledTo.Slot.clone()
		rec.RescheduledTo = nil
	}
	rec.Status = StatusConfirmed
	return nil
}

// Reschedule parks the record on a new schedule. Date and Slot keep the original booking.
func (e *Engine) Reschedule(ctx context.Context, actor identity.Actor, variant Variant, id string, req ScheduleRequest) (*Record, error) {
	ctx, span := tracer.Start(ctx, "appointments.reschedule")
	defer span.End()
	span.SetAttributes(
		attribute.String("clinic.variant", string(variant)),
		attribute.String("clinic.appointment_id", id),
	)

	next := req.schedule()
	target := func(rec *Record) SlotKey { return NewSlotKey(rec.Variant, rec.Subject.ID, next) }

	rec, err := e.Apply(ctx, actor.ID, variant, id,
		func(rec *Record) []string { return []string{slotLockKey(target(rec))} },
		func(ctx context.Context, rec *Record) (bool, error) {
			if err := authorize(actor, rec, actionReschedule); err != nil {
				return false, err
			}
			if rec.Status != StatusPending && rec.Status != StatusConfirmed {
				return false, ErrInvalidTransition
			}
			if verr := validateSchedule(rec.Variant, next); verr != nil {
				return false, fmt.Errorf("%w: %w", ErrInvalidSchedule, verr)
			}
			taken, err := e.repo.ActiveInSlot(ctx, target(rec), rec.ID)
			if err != nil {
				return false, wrap("reschedule", err)
			}
			if taken {
				e.metrics.ObserveSlotConflict(string(rec.Variant))
				return false, ErrSlotConflict
			}
			rec.Status = StatusRescheduled
			rec.RescheduledTo = &next
			return true, nil
		})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return rec, nil
}

// Cancel ends a non-terminal booking. A captured payment stays Paid and is flagged for refund;
// the refund itself is dispatched through the outbox.
func (e *Engine) Cancel(ctx context.Context, actor identity.Actor, variant Variant, id, reason string) (*Record, error) {
	ctx, span := tracer.Start(ctx, "appointments.cancel")
	defer span.End()
	span.SetAttributes(
		attribute.String("clinic.variant", string(variant)),
		attribute.String("clinic.appointment_id", id),
	)

	rec, err := e.Apply(ctx, actor.ID, variant, id, nil, func(ctx context.Context, rec *Record) (bool, error) {
		if err := authorize(actor, rec, actionCancel); err != nil {
			return false, err
		}
		if rec.Status.Terminal() {
			return false, ErrInvalidTransition
		}
		rec.Status = StatusCanceled
		rec.RescheduledTo = nil
		rec.CancelReason = strings.TrimSpace(reason)
		rec.CanceledBy = actor.ID
		if rec.Payment.Status == PaymentPaid {
			e.FlagRefund(rec)
		}
		return true, nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return rec, nil
}

// FlagRefund marks a captured payment as awaiting refund.
func (e *Engine) FlagRefund(rec *Record) {
	rec.Payment.Meta = rec.Payment.Meta.
		With(MetaRefundPending, BoolValue(true)).
		With(MetaRefundRequestedAt, StringValue(e.now().Format(time.RFC3339)))
}

// AttachPaymentSession sets the reconciliation idempotency key once.
func (e *Engine) AttachPaymentSession(ctx context.Context, actor identity.Actor, variant Variant, id, sessionID string, method PaymentMethod) (*Record, error) {
	ctx, span := tracer.Start(ctx, "appointments.attach_session")
	defer span.End()
	span.SetAttributes(
		attribute.String("clinic.variant", string(variant)),
		attribute.String("clinic.appointment_id", id),
	)

	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, invalid("session_id", "required")
	}
	if method == MethodCash {
		return nil, invalid("method", "cash payments are recorded by an admin")
	}

	rec, err := e.Apply(ctx, actor.ID, variant, id,
		func(*Record) []string { return []string{sessionLockKey(variant, sessionID)} },
		func(ctx context.Context, rec *Record) (bool, error) {
			if err := authorize(actor, rec, actionAttachSession); err != nil {
				return false, err
			}
			if rec.Status.Terminal() {
				return false, ErrInvalidTransition
			}
			if rec.Payment.SessionID == sessionID {
				return false, nil
			}
			if rec.Payment.SessionID != "" {
				return false, ErrSessionImmutable
			}
			if rec.Payment.Status == PaymentPaid || rec.Payment.Status == PaymentRefunded {
				return false, ErrInvalidTransition
			}
			other, err := e.repo.FindBySession(ctx, variant, sessionID)
			switch {
			case err == nil && other.ID != rec.ID:
				return false, ErrSessionTaken
			case err != nil && !errors.Is(err, ErrNotFound):
				return false, wrap("attach session", err)
			}
			rec.Payment.SessionID = sessionID
			if method != "" {
				rec.Payment.Method = method
			}
			return true, nil
		})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return rec, nil
}

// RecordCashPayment settles a booking paid in person and confirms it like a Paid event would.
func (e *Engine) RecordCashPayment(ctx context.Context, actor identity.Actor, variant Variant, id string) (*Record, error) {
	ctx, span := tracer.Start(ctx, "appointments.cash_payment")
	defer span.End()
	span.SetAttributes(
		attribute.String("clinic.variant", string(variant)),
		attribute.String("clinic.appointment_id", id),
	)

	if !actor.IsAdmin() {
		return nil, ErrUnauthorized
	}
	rec, err := e.Apply(ctx, actor.ID, variant, id, nil, func(ctx context.Context, rec *Record) (bool, error) {
		if rec.Status.Terminal() {
			return false, ErrInvalidTransition
		}
		switch rec.Payment.Status {
		case PaymentPaid:
			return false, nil
		case PaymentRefunded:
			return false, ErrInvalidTransition
		}
		if rec.Payment.Amount <= 0 {
			return false, invalid("payment.amount", "must be positive to record a payment")
		}
		paidAt := e.now()
		rec.Payment.Method = MethodCash
		rec.Payment.Status = PaymentPaid
		rec.Payment.ProviderID = CashProviderID
		rec.Payment.PaidAt = &paidAt
		rec.Payment.Meta = rec.Payment.Meta.With(MetaGateway, StringValue(GatewayCash))
		if _, err := e.AutoConfirm(ctx, rec); err != nil {
			return false, err
		}
		return true, nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return rec, nil
}

// AutoConfirm advances a Pending record whose payment just settled. When the slot is held by
// another active record the payment is kept and the booking stays Pending.
func (e *Engine) AutoConfirm(ctx context.Context, rec *Record) (bool, error) {
	if rec.Status != StatusPending {
		return false, nil
	}
	taken, err := e.repo.ActiveInSlot(ctx, rec.SlotKey(), rec.ID)
	if err != nil {
		return false, wrap("auto confirm", err)
	}
	if taken {
		e.metrics.ObserveSlotConflict(string(rec.Variant))
		e.logger.Warn("paid booking left pending: slot held by another booking",
			"appointment_id", rec.ID,
			"variant", rec.Variant,
			"slot_key", rec.SlotKey().String(),
		)
		return false, nil
	}
	rec.Status = StatusConfirmed
	return true, nil
}

// Apply runs fn against a fresh copy of the record while holding its record, slot and session
// keys plus any extra keys. If the record's effective slot or session moved between the
// unlocked read and acquisition, the locks are dropped and the sequence retried.
func (e *Engine) Apply(ctx context.Context, actorID string, variant Variant, id string, extra func(*Record) []string, fn MutateFunc) (*Record, error) {
	if !variant.Valid() {
		return nil, invalid("variant", "must be doctor or service")
	}
	for attempt := 0; attempt < e.maxAttempts; attempt++ {
		current, err := e.repo.Get(ctx, variant, id)
		if err != nil {
			return nil, wrap("load", err)
		}
		keys := LockKeys(current)
		if extra != nil {
			keys = append(keys, extra(current)...)
		}

		rec, retry, err := e.applyLocked(ctx, actorID, keys, variant, id, fn)
		if retry {
			e.logger.Debug("lock set moved, retrying", "appointment_id", id, "attempt", attempt+1)
			continue
		}
		return rec, err
	}
	return nil, fmt.Errorf("appointments: apply %s: %w", id, ErrStaleRecord)
}

func (e *Engine) applyLocked(ctx context.Context, actorID string, keys []string, variant Variant, id string, fn MutateFunc) (*Record, bool, error) {
	unlock, err := e.locker.Lock(ctx, keys...)
	if err != nil {
		return nil, false, fmt.Errorf("appointments: lock %s: %w", id, err)
	}
	defer unlock()

	rec, err := e.repo.Get(ctx, variant, id)
	if err != nil {
		return nil, false, wrap("load", err)
	}
	if !covered(keys, LockKeys(rec)) {
		return nil, true, nil
	}

	fromStatus := rec.Status
	fromRefund := rec.RefundPending()
	write, err := fn(ctx, rec)
	if err != nil {
		return nil, false, err
	}
	if !write {
		return rec, false, nil
	}
	if err := e.repo.Update(ctx, rec); err != nil {
		if errors.Is(err, ErrStaleRecord) {
			return nil, true, nil
		}
		if errors.Is(err, ErrSlotConflict) {
			e.metrics.ObserveSlotConflict(string(rec.Variant))
		}
		return nil, false, wrap("update", err)
	}
	e.afterWrite(ctx, actorID, fromStatus, fromRefund, rec)
	return rec, false, nil
}

// afterWrite emits transition metrics, status events and refund intents for a persisted change.
// Outbox failures are logged; a lost refund intent is recovered by requeueing flagged records.
func (e *Engine) afterWrite(ctx context.Context, actorID string, from Status, fromRefund bool, rec *Record) {
	if from != rec.Status {
		fromLabel := string(from)
		if fromLabel == "" {
			fromLabel = "none"
		}
		e.metrics.ObserveTransition(string(rec.Variant), fromLabel, string(rec.Status))
		e.logger.Info("appointment status changed",
			"appointment_id", rec.ID,
			"variant", rec.Variant,
			"from", fromLabel,
			"to", rec.Status,
			"actor_id", actorID,
		)
		if e.outbox != nil {
			change := StatusChange{
				Variant:       rec.Variant,
				AppointmentID: rec.ID,
				From:          from,
				To:            rec.Status,
				ActorID:       actorID,
				At:            rec.UpdatedAt,
			}
			if err := e.outbox.StatusChanged(ctx, change); err != nil {
				e.logger.Error("failed to enqueue status change", "appointment_id", rec.ID, "error", err)
			}
		}
	}
	if !fromRefund && rec.RefundPending() && rec.Payment.Status == PaymentPaid {
		e.EnqueueRefund(ctx, rec, rec.CancelReason)
	}
}

// EnqueueRefund writes a refund intent for rec to the outbox.
func (e *Engine) EnqueueRefund(ctx context.Context, rec *Record, reason string) error {
	if e.outbox == nil {
		e.logger.Warn("refund flagged without an outbox", "appointment_id", rec.ID)
		return nil
	}
	intent := RefundIntent{
		Variant:       rec.Variant,
		AppointmentID: rec.ID,
		OwnerID:       rec.OwnerID,
		SessionID:     rec.Payment.SessionID,
		ProviderID:    rec.Payment.ProviderID,
		Gateway:       rec.Gateway(),
		Method:        rec.Payment.Method,
		Amount:        rec.Payment.Amount,
		Reason:        reason,
		RequestedAt:   e.now(),
	}
	if err := e.outbox.EnqueueRefund(ctx, intent); err != nil {
		e.metrics.ObserveRefundEnqueueFailure()
		e.logger.Error("failed to enqueue refund", "appointment_id", rec.ID, "variant", rec.Variant, "error", err)
		return fmt.Errorf("appointments: enqueue refund: %w", err)
	}
	e.logger.Info("refund enqueued", "appointment_id", rec.ID, "variant", rec.Variant, "amount", rec.Payment.Amount)
	return nil
}

func covered(held, need []string) bool {
	set := make(map[string]struct{}, len(held))
	for _, k := range held {
		set[k] = struct{}{}
	}
	for _, k := range need {
		if _, ok := set[k]; !ok {
			return false
		}
	}
	return true
}

var domainErrors = []error{
	ErrValidation, ErrInvalidTransition, ErrSlotConflict, ErrUnauthorized, ErrInvalidSchedule,
	ErrNotFound, ErrStaleRecord, ErrSessionImmutable, ErrSessionTaken,
}

// wrap prefixes infrastructure errors; domain sentinels pass through unchanged.
func wrap(action string, err error) error {
	for _, target := range domainErrors {
		if errors.Is(err, target) {
			return err
		}
	}
	return fmt.Errorf("appointments: %s: %w", action, err)
}

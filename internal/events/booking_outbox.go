package events

import (
	"context"

	"github.com/wolfman30/clinic-booking-platform/internal/appointments"
)

// BookingOutbox writes lifecycle and payment side effects to the outbox.
type BookingOutbox struct {
	store Store
}

func NewBookingOutbox(store Store) *BookingOutbox {
	if store == nil {
		panic("events: outbox store required")
	}
	return &BookingOutbox{store: store}
}

func (o *BookingOutbox) EnqueueRefund(ctx context.Context, intent appointments.RefundIntent) error {
	_, err := o.store.Insert(ctx, AppointmentAggregate(string(intent.Variant), intent.AppointmentID), RefundRequestedV1{
		Variant:       string(intent.Variant),
		AppointmentID: intent.AppointmentID,
		OwnerID:       intent.OwnerID,
		SessionID:     intent.SessionID,
		ProviderID:    intent.ProviderID,
		Gateway:       intent.Gateway,
		Method:        string(intent.Method),
		AmountCents:   intent.Amount,
		Reason:        intent.Reason,
		RequestedAt:   intent.RequestedAt,
	})
	return err
}

func (o *BookingOutbox) StatusChanged(ctx context.Context, change appointments.StatusChange) error {
	_, err := o.store.Insert(ctx, AppointmentAggregate(string(change.Variant), change.AppointmentID), AppointmentStatusChangedV1{
		Variant:       string(change.Variant),
		AppointmentID: change.AppointmentID,
		From:          string(change.From),
		To:            string(change.To),
		ActorID:       change.ActorID,
		ChangedAt:     change.At,
	})
	return err
}

func (o *BookingOutbox) PaymentReconciled(ctx context.Context, evt PaymentReconciledV1) error {
	_, err := o.store.Insert(ctx, AppointmentAggregate(evt.Variant, evt.AppointmentID), evt)
	return err
}

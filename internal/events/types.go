package events

import "time"

// Event type names written to the outbox.
const (
	TypeRefundRequested          = "refund_requested.v1"
	TypeAppointmentStatusChanged = "appointment_status_changed.v1"
	TypePaymentReconciled        = "payment_reconciled.v1"
)

type RefundRequestedV1 struct {
	Variant       string    `json:"variant"`
	AppointmentID string    `json:"appointment_id"`
	OwnerID       string    `json:"owner_id,omitempty"`
	SessionID     string    `json:"session_id,omitempty"`
	ProviderID    string    `json:"provider_id,omitempty"`
	Gateway       string    `json:"gateway,omitempty"`
	Method        string    `json:"method,omitempty"`
	AmountCents   int64     `json:"amount_cents"`
	Reason        string    `json:"reason,omitempty"`
	RequestedAt   time.Time `json:"requested_at"`
}

func (RefundRequestedV1) EventType() string { return TypeRefundRequested }

type AppointmentStatusChangedV1 struct {
	Variant       string    `json:"variant"`
	AppointmentID string    `json:"appointment_id"`
	From          string    `json:"from,omitempty"`
	To            string    `json:"to"`
	ActorID       string    `json:"actor_id,omitempty"`
	ChangedAt     time.Time `json:"changed_at"`
}

func (AppointmentStatusChangedV1) EventType() string { return TypeAppointmentStatusChanged }

type PaymentReconciledV1 struct {
	Variant       string    `json:"variant"`
	AppointmentID string    `json:"appointment_id"`
	SessionID     string    `json:"session_id"`
	ProviderID    string    `json:"provider_id,omitempty"`
	Outcome       string    `json:"outcome"`
	AmountCents   int64     `json:"amount_cents"`
	Status        string    `json:"status"`
	OccurredAt    time.Time `json:"occurred_at"`
}

func (PaymentReconciledV1) EventType() string { return TypePaymentReconciled }

package appointments

import (
	"strings"
	"time"
)

// Variant distinguishes doctor consultations from standalone hospital services.
type Variant string

const (
	VariantDoctor  Variant = "doctor"
	VariantService Variant = "service"
)

// Variants lists every booking flow.
var Variants = []Variant{VariantDoctor, VariantService}

// ParseVariant normalises a raw path or query value.
func ParseVariant(raw string) (Variant, bool) {
	v := Variant(strings.ToLower(strings.TrimSpace(raw)))
	return v, v.Valid()
}

func (v Variant) Valid() bool {
	return v == VariantDoctor || v == VariantService
}

// PaymentStatus is the payment sub-state of a booking.
type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "pending"
	PaymentPaid     PaymentStatus = "paid"
	PaymentFailed   PaymentStatus = "failed"
	PaymentRefunded PaymentStatus = "refunded"
)

// ParsePaymentStatus accepts reconciliation outcomes in any case.
func ParsePaymentStatus(raw string) (PaymentStatus, bool) {
	s := PaymentStatus(strings.ToLower(strings.TrimSpace(raw)))
	switch s {
	case PaymentPending, PaymentPaid, PaymentFailed, PaymentRefunded:
		return s, true
	}
	return "", false
}

// PaymentMethod records how the patient paid.
type PaymentMethod string

const (
	MethodCard   PaymentMethod = "card"
	MethodOnline PaymentMethod = "online"
	MethodCash   PaymentMethod = "cash"
)

// Meta keys written by the lifecycle engine and the reconciler. Clients may not set them.
const (
	MetaRefundPending     = "refund_pending"
	MetaRefundRequestedAt = "refund_requested_at"
	MetaRefundedAt        = "refunded_at"
	MetaGateway           = "gateway"
)

// ReservedMetaKeys lists the payment meta keys owned by the system.
var ReservedMetaKeys = []string{MetaRefundPending, MetaRefundRequestedAt, MetaRefundedAt, MetaGateway}

// Payment gateways recorded under MetaGateway when a payment settles.
const (
	GatewaySquare = "square"
	GatewayStripe = "stripe"
	GatewayCash   = "cash"
)

// Subject is the creation-time snapshot of the doctor or service being booked.
type Subject struct {
	ID         string `json:"id"`
	Name       string `json:"name,omitempty"`
	Speciality string `json:"speciality,omitempty"`
	Price      int64  `json:"price,omitempty"`
	ImageURL   string `json:"image_url,omitempty"`
}

// ClockTime is the structured time used by service bookings.
type ClockTime struct {
	Hour   int    `json:"hour"`
	Minute int    `json:"minute"`
	AMPM   string `json:"ampm"`
}

// TimeSlot holds either a free-text doctor time or a structured service clock.
type TimeSlot struct {
	Text  string     `json:"text,omitempty"`
	Clock *ClockTime `json:"clock,omitempty"`
}

// Schedule is a date plus a time slot.
type Schedule struct {
	Date string   `json:"date"`
	Slot TimeSlot `json:"slot"`
}

// ScheduleChange is one promoted reschedule.
type ScheduleChange struct {
	From      Schedule  `json:"from"`
	To        Schedule  `json:"to"`
	ChangedAt time.Time `json:"changed_at"`
	ChangedBy string    `json:"changed_by,omitempty"`
}

// Payment is the payment sub-record of a booking.
type Payment struct {
	Method     PaymentMethod `json:"method,omitempty"`
	Status     PaymentStatus `json:"status"`
	Amount     int64         `json:"amount"`
	ProviderID string        `json:"provider_id,omitempty"`
	SessionID  string        `json:"session_id,omitempty"`
	PaidAt     *time.Time    `json:"paid_at,omitempty"`
	Meta       Meta          `json:"meta,omitempty"`
}

// Record is one scheduled doctor or service visit.
type Record struct {
	ID            string           `json:"id"`
	Variant       Variant          `json:"variant"`
	OwnerID       string           `json:"owner_id"`
	Subject       Subject          `json:"subject"`
	PatientName   string           `json:"patient_name"`
	Mobile        string           `json:"mobile"`
	Date          string           `json:"date"`
	Slot          TimeSlot         `json:"slot"`
	Fees          int64            `json:"fees"`
	Status        Status           `json:"status"`
	RescheduledTo *Schedule        `json:"rescheduled_to,omitempty"`
	Payment       Payment          `json:"payment"`
	History       []ScheduleChange `json:"history,omitempty"`
	CancelReason  string           `json:"cancel_reason,omitempty"`
	CanceledBy    string           `json:"canceled_by,omitempty"`
	Version       int64            `json:"version"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// Schedule returns the originally booked date and slot.
func (r *Record) Schedule() Schedule {
	return Schedule{Date: r.Date, Slot: r.Slot}
}

// EffectiveSchedule is the slot the record currently holds: the reschedule target while
// Rescheduled, the original booking otherwise.
func (r *Record) EffectiveSchedule() Schedule {
	if r.Status == StatusRescheduled && r.RescheduledTo != nil {
		return *r.RescheduledTo
	}
	return r.Schedule()
}

// SlotKey is the conflict key of the effective slot.
func (r *Record) SlotKey() SlotKey {
	return NewSlotKey(r.Variant, r.Subject.ID, r.EffectiveSchedule())
}

// RefundPending reports whether a refund was requested and not yet confirmed.
func (r *Record) RefundPending() bool {
	v, ok := r.Payment.Meta.Get(MetaRefundPending)
	if !ok {
		return false
	}
	b, _ := v.AsBool()
	return b
}

// Gateway is the provider that captured the payment, or "" when unknown.
func (r *Record) Gateway() string {
	v, ok := r.Payment.Meta.Get(MetaGateway)
	if !ok {
		return ""
	}
	g, _ := v.AsString()
	return g
}

// Clone returns a deep copy so stored records are never aliased by callers.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := *r
	out.Slot = r.Slot.clone()
	if r.RescheduledTo != nil {
		s := r.RescheduledTo.clone()
		out.RescheduledTo = &s
	}
	if r.Payment.PaidAt != nil {
		t := *r.Payment.PaidAt
		out.Payment.PaidAt = &t
	}
	out.Payment.Meta = r.Payment.Meta.Clone()
	if r.History != nil {
		out.History = make([]ScheduleChange, len(r.History))
		for i, h := range r.History {
			out.History[i] = ScheduleChange{
				From:      h.From.clone(),
				To:        h.To.clone(),
				ChangedAt: h.ChangedAt,
				ChangedBy: h.ChangedBy,
			}
		}
	}
	return &out
}

func (s TimeSlot) clone() TimeSlot {
	if s.Clock != nil {
		c := *s.Clock
		s.Clock = &c
	}
	return s
}

func (s Schedule) clone() Schedule {
	s.Slot = s.Slot.clone()
	return s
}

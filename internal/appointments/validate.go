package appointments

import (
	"strings"
	"time"
)

const dateLayout = "2006-01-02"

// CreateRequest is the payload accepted for a new booking.
type CreateRequest struct {
	OwnerID     string        `json:"owner_id,omitempty"`
	Subject     Subject       `json:"subject"`
	PatientName string        `json:"patient_name"`
	Mobile      string        `json:"mobile"`
	Date        string        `json:"date"`
	Slot        TimeSlot      `json:"slot"`
	Time        string        `json:"time,omitempty"`
	Fees        int64         `json:"fees"`
	Method      PaymentMethod `json:"method,omitempty"`
	Meta        Meta          `json:"meta,omitempty"`
}

// ScheduleRequest is the payload for a reschedule. Doctor bookings may pass Time instead of
// Slot.Text.
type ScheduleRequest struct {
	Date string   `json:"date"`
	Time string   `json:"time,omitempty"`
	Slot TimeSlot `json:"slot"`
}

func (r ScheduleRequest) schedule() Schedule {
	return Schedule{Date: strings.TrimSpace(r.Date), Slot: mergeText(r.Slot, r.Time)}
}

func mergeText(slot TimeSlot, text string) TimeSlot {
	if slot.Text == "" && slot.Clock == nil {
		slot.Text = text
	}
	slot.Text = strings.TrimSpace(slot.Text)
	if slot.Clock != nil {
		c := *slot.Clock
		c.AMPM = strings.ToUpper(strings.TrimSpace(c.AMPM))
		slot.Clock = &c
	}
	return slot
}

func validateCreate(variant Variant, req CreateRequest) error {
	if !variant.Valid() {
		return invalid("variant", "must be doctor or service")
	}
	if strings.TrimSpace(req.OwnerID) == "" {
		return invalid("owner_id", "required")
	}
	if strings.TrimSpace(req.Subject.ID) == "" {
		return invalid("subject.id", "required")
	}
	if strings.Contains(req.Subject.ID, keySeparator) {
		return invalid("subject.id", "must not contain "+keySeparator)
	}
	if strings.TrimSpace(req.PatientName) == "" {
		return invalid("patient_name", "required")
	}
	if strings.TrimSpace(req.Mobile) == "" {
		return invalid("mobile", "required")
	}
	if req.Fees < 0 {
		return invalid("fees", "must not be negative")
	}
	if req.Subject.Price < 0 {
		return invalid("subject.price", "must not be negative")
	}
	if verr := validateSchedule(variant, Schedule{Date: strings.TrimSpace(req.Date), Slot: mergeText(req.Slot, req.Time)}); verr != nil {
		return verr
	}
	for _, key := range ReservedMetaKeys {
		if _, ok := req.Meta.Get(key); ok {
			return invalid("meta."+key, "reserved")
		}
	}
	return nil
}

// validateSchedule applies the shape rules shared by creation and rescheduling.
func validateSchedule(variant Variant, s Schedule) *ValidationError {
	if s.Date == "" {
		return invalid("date", "required")
	}
	if _, err := time.Parse(dateLayout, s.Date); err != nil {
		return invalid("date", "must be YYYY-MM-DD")
	}
	switch variant {
	case VariantDoctor:
		if s.Slot.Clock != nil {
			return invalid("slot", "doctor bookings use a free-text time")
		}
		if s.Slot.Text == "" {
			return invalid("slot.text", "required")
		}
		if strings.Contains(s.Slot.Text, keySeparator) {
			return invalid("slot.text", "must not contain "+keySeparator)
		}
	case VariantService:
		c := s.Slot.Clock
		if c == nil {
			return invalid("slot.clock", "required")
		}
		if c.Hour < 1 || c.Hour > 12 {
			return invalid("slot.clock.hour", "must be between 1 and 12")
		}
		if c.Minute < 0 || c.Minute > 59 {
			return invalid("slot.clock.minute", "must be between 0 and 59")
		}
		if c.AMPM != "AM" && c.AMPM != "PM" {
			return invalid("slot.clock.ampm", "must be AM or PM")
		}
	}
	return nil
}

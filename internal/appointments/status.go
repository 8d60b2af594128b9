package appointments

import "strings"

// Status is the booking lifecycle state.
type Status string

const (
	StatusPending     Status = "pending"
	StatusConfirmed   Status = "confirmed"
	StatusCompleted   Status = "completed"
	StatusCanceled    Status = "canceled"
	StatusRescheduled Status = "rescheduled"
)

var transitions = map[Status][]Status{
	StatusPending:     {StatusConfirmed, StatusRescheduled, StatusCanceled},
	StatusConfirmed:   {StatusCompleted, StatusRescheduled, StatusCanceled},
	StatusRescheduled: {StatusConfirmed, StatusCanceled},
	StatusCompleted:   nil,
	StatusCanceled:    nil,
}

// ParseStatus accepts "canceled", "cancelled" and any casing.
func ParseStatus(raw string) (Status, bool) {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "cancelled" {
		s = string(StatusCanceled)
	}
	status := Status(s)
	_, ok := transitions[status]
	return status, ok
}

// CanTransition reports whether from -> to is in the transition table.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal statuses accept no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCanceled
}

// Active statuses hold their slot.
func (s Status) Active() bool {
	return s == StatusPending || s == StatusConfirmed || s == StatusRescheduled
}

// ActiveStatuses lists the statuses that occupy a slot.
var ActiveStatuses = []Status{StatusPending, StatusConfirmed, StatusRescheduled}

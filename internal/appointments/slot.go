package appointments

import (
	"fmt"
	"strings"
	"time"
)

// SlotKey identifies the (variant, subject, date, time) tuple used for double-booking checks.
type SlotKey struct {
	Variant   Variant
	SubjectID string
	Date      string
	Time      string
}

// NewSlotKey builds the key for a schedule with the time canonicalised.
func NewSlotKey(variant Variant, subjectID string, s Schedule) SlotKey {
	return SlotKey{
		Variant:   variant,
		SubjectID: strings.TrimSpace(subjectID),
		Date:      strings.TrimSpace(s.Date),
		Time:      CanonicalTime(s.Slot),
	}
}

// keySeparator joins slot key fields; validation keeps it out of subject ids and slot text.
const keySeparator = "|"

func (k SlotKey) String() string {
	return strings.Join([]string{string(k.Variant), k.SubjectID, k.Date, k.Time}, keySeparator)
}

// freeTextLayouts are tried in order against upper-cased, whitespace-collapsed doctor times.
var freeTextLayouts = []string{"3:04 PM", "3:04PM", "15:04", "3 PM", "3PM"}

// CanonicalTime renders a slot as 24-hour HH:MM. Free text that matches none of the known
// layouts is upper-cased with whitespace collapsed so "11:30  am" and "11:30 AM" still collide.
func CanonicalTime(slot TimeSlot) string {
	if slot.Clock != nil {
		return slot.Clock.Canonical()
	}
	text := strings.ToUpper(strings.Join(strings.Fields(slot.Text), " "))
	for _, layout := range freeTextLayouts {
		if t, err := time.Parse(layout, text); err == nil {
			return t.Format("15:04")
		}
	}
	return text
}

// Canonical renders the clock as 24-hour HH:MM.
func (c ClockTime) Canonical() string {
	hour := c.Hour % 12
	if strings.EqualFold(strings.TrimSpace(c.AMPM), "PM") {
		hour += 12
	}
	return fmt.Sprintf("%02d:%02d", hour, c.Minute)
}

func (c ClockTime) String() string {
	return fmt.Sprintf("%d:%02d %s", c.Hour, c.Minute, strings.ToUpper(c.AMPM))
}

// Lock keys. Every writer of a slot, record or payment session serialises on these.
func slotLockKey(k SlotKey) string {
	return "slot:" + k.String()
}

func recordLockKey(variant Variant, id string) string {
	return "appointment:" + string(variant) + ":" + id
}

func sessionLockKey(variant Variant, sessionID string) string {
	return "session:" + string(variant) + ":" + sessionID
}

// LockKeys returns the keys a writer must hold to mutate rec, including its payment session
// when one is attached.
func LockKeys(rec *Record) []string {
	keys := []string{recordLockKey(rec.Variant, rec.ID), slotLockKey(rec.SlotKey())}
	if rec.Payment.SessionID != "" {
		keys = append(keys, sessionLockKey(rec.Variant, rec.Payment.SessionID))
	}
	return keys
}

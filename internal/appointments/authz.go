package appointments

import "github.com/wolfman30/clinic-booking-platform/internal/identity"

type action int

const (
	actionView action = iota
	actionConfirm
	actionReschedule
	actionCancel
	actionAttachSession
	actionCashPayment
)

// authorize applies the role matrix. A doctor only ever acts on doctor bookings for themselves.
func authorize(actor identity.Actor, rec *Record, act action) error {
	if !actor.Valid() {
		return ErrUnauthorized
	}
	if actor.IsAdmin() {
		return nil
	}
	owner := actor.IsPatient() && rec.OwnerID == actor.ID
	provider := actor.IsDoctor() && rec.Variant == VariantDoctor && rec.Subject.ID == actor.ID

	var ok bool
	switch act {
	case actionView, actionReschedule, actionCancel:
		ok = owner || provider
	case actionConfirm:
		ok = provider
	case actionAttachSession:
		ok = owner
	case actionCashPayment:
		ok = false
	}
	if !ok {
		return ErrUnauthorized
	}
	return nil
}

// scopeFilter restricts a listing to what the actor may see. The bool is false when the
// actor can see nothing matching the filter.
func scopeFilter(actor identity.Actor, f ListFilter) (ListFilter, bool) {
	switch {
	case actor.IsAdmin():
		return f, true
	case actor.IsPatient():
		f.OwnerID = actor.ID
		return f, true
	case actor.IsDoctor():
		if f.Variant == VariantService {
			return f, false
		}
		if f.SubjectID != "" && f.SubjectID != actor.ID {
			return f, false
		}
		f.Variant = VariantDoctor
		f.SubjectID = actor.ID
		return f, true
	}
	return f, false
}

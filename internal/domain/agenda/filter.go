package agenda

import "github.com/google/uuid"

// Filter narrows a fetched range. Nil fields place no constraint; an event
// passes when it satisfies every set field.
type Filter struct {
	Status            *Status
	Kind              *Kind
	AppointmentTypeID *uuid.UUID
	RoomID            *uuid.UUID
	ProfessionalID    *uuid.UUID
	PatientID         *uuid.UUID
}

func (f Filter) Empty() bool {
	return f.Status == nil && f.Kind == nil && f.AppointmentTypeID == nil &&
		f.RoomID == nil && f.ProfessionalID == nil && f.PatientID == nil
}

func (f Filter) Match(ev *Event) bool {
	if f.Status != nil && ev.Status != *f.Status {
		return false
	}
	if f.Kind != nil && ev.Kind != *f.Kind {
		return false
	}
	if f.AppointmentTypeID != nil && !sameID(ev.AppointmentTypeID, *f.AppointmentTypeID) {
		return false
	}
	if f.RoomID != nil && !sameID(ev.RoomID, *f.RoomID) {
		return false
	}
	if f.ProfessionalID != nil && ev.ResponsibleUserID != *f.ProfessionalID {
		return false
	}
	if f.PatientID != nil && !sameID(ev.PatientID, *f.PatientID) {
		return false
	}
	return true
}

func sameID(have *uuid.UUID, want uuid.UUID) bool {
	return have != nil && *have == want
}

// Apply returns the matching events in their original order.
func (f Filter) Apply(evs []Event) []Event {
	if f.Empty() {
		return evs
	}
	out := make([]Event, 0, len(evs))
	for i := range evs {
		if f.Match(&evs[i]) {
			out = append(out, evs[i])
		}
	}
	return out
}

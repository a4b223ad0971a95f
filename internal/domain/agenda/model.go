package agenda

import (
	"time"

	"github.com/google/uuid"

	"github.com/equidadeplus/agenda/internal/domain/notes"
)

type Kind string

const (
	KindAppointment Kind = "appointment"
	KindMeeting     Kind = "meeting"
)

func (k Kind) Valid() bool { return k == KindAppointment || k == KindMeeting }

// Label is the display name used when synthesizing calendar titles.
func (k Kind) Label() string {
	switch k {
	case KindAppointment:
		return "Appointment"
	case KindMeeting:
		return "Meeting"
	default:
		return string(k)
	}
}

type Status string

const (
	StatusOpen      Status = "open"
	StatusDone      Status = "done"
	StatusNoShow    Status = "no_show"
	StatusCancelled Status = "cancelled"
)

func (s Status) Valid() bool {
	switch s {
	case StatusOpen, StatusDone, StatusNoShow, StatusCancelled:
		return true
	}
	return false
}

func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusNoShow || s == StatusCancelled
}

// Event maps to the events table. Room, Patient, ResponsibleProfile and Note
// are read-only annotations filled in by the store on reads.
type Event struct {
	ID                uuid.UUID  `json:"id"`
	UnitID            uuid.UUID  `json:"unit_id"`
	Kind              Kind       `json:"kind"`
	AppointmentTypeID *uuid.UUID `json:"appointment_type_id,omitempty"`
	PatientID         *uuid.UUID `json:"patient_id,omitempty"`
	ResponsibleUserID uuid.UUID  `json:"responsible_user_id"`
	RoomID            *uuid.UUID `json:"room_id,omitempty"`
	StartAt           time.Time  `json:"start_at"`
	EndAt             time.Time  `json:"end_at"`
	Title             *string    `json:"title,omitempty"`
	Status            Status     `json:"status"`
	ReopenReason      *string    `json:"reopen_reason,omitempty"`
	ColorHex          *string    `json:"color_hex,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`

	Room               *Room          `json:"room"`
	Patient            *Patient       `json:"patient"`
	ResponsibleProfile *Profile       `json:"responsible_profile"`
	Note               *notes.Summary `json:"note"`
}

// NoteFinalized reports whether the annotated note summary is finalized.
func (e *Event) NoteFinalized() bool {
	return e.Note.Finalized()
}

type Room struct {
	ID   uuid.UUID `json:"id"`
	Name string    `json:"name"`
}

type Patient struct {
	ID       uuid.UUID `json:"id"`
	FullName string    `json:"full_name"`
}

// Profile is a staff member as seen by the agenda. Role is only set by the
// professionals lookup.
type Profile struct {
	ID       uuid.UUID `json:"id"`
	FullName string    `json:"full_name"`
	Role     string    `json:"role,omitempty"`
}

type AppointmentType struct {
	ID       uuid.UUID `json:"id"`
	Name     string    `json:"name"`
	ColorHex *string   `json:"color_hex,omitempty"`
}

// RangeQuery selects events with StartAt >= Start and EndAt <= End.
type RangeQuery struct {
	UnitID      uuid.UUID
	Start       time.Time
	End         time.Time
	Responsible *uuid.UUID
}

// StatusPatch carries a status write. ReopenReason is only persisted when
// Status is open. A non-nil ExpectedUpdatedAt makes the write conditional.
type StatusPatch struct {
	EventID           uuid.UUID
	UnitID            uuid.UUID
	Status            Status
	ReopenReason      *string
	ExpectedUpdatedAt *time.Time
}

type ResponsiblePatch struct {
	EventID           uuid.UUID
	UnitID            uuid.UUID
	ResponsibleUserID uuid.UUID
	ExpectedUpdatedAt *time.Time
}

package agenda

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/equidadeplus/agenda/internal/domain/notes"
	"github.com/equidadeplus/agenda/pkg/pagination"
)

// EventInput is the create/edit form.
type EventInput struct {
	Kind              Kind       `json:"kind" validate:"required,oneof=appointment meeting"`
	AppointmentTypeID *uuid.UUID `json:"appointment_type_id"`
	PatientID         *uuid.UUID `json:"patient_id" validate:"required_if=Kind appointment"`
	ResponsibleUserID uuid.UUID  `json:"responsible_user_id" validate:"required"`
	RoomID            *uuid.UUID `json:"room_id"`
	StartAt           time.Time  `json:"start_at" validate:"required"`
	EndAt             time.Time  `json:"end_at" validate:"required,gtefield=StartAt"`
	Title             *string    `json:"title" validate:"omitempty,max=200"`
	ColorHex          *string    `json:"color_hex" validate:"omitempty,hexcolor"`
	ExpectedUpdatedAt *time.Time `json:"expected_updated_at"`
}

// NewValidator reports field errors under their JSON names.
func NewValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

var fieldMessages = map[string]string{
	"required":    "is required",
	"required_if": "is required for appointments",
	"oneof":       "must be appointment or meeting",
	"gtefield":    "must not be before start_at",
	"max":         "is too long",
	"hexcolor":    "must be a hex color",
}

func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		msg, ok := fieldMessages[fe.Tag()]
		if !ok {
			msg = "failed " + fe.Tag()
		}
		fields[fe.Field()] = msg
	}
	return &ValidationError{Fields: fields}
}

// CalendarView is a filtered range ready for the calendar widget.
type CalendarView struct {
	Items    []Item `json:"items"`
	Degraded bool   `json:"-"`
}

// Service backs the calendar and the edit form.
type Service struct {
	store    *Store
	validate *validator.Validate
}

func NewService(store *Store, validate *validator.Validate) *Service {
	if validate == nil {
		validate = NewValidator()
	}
	return &Service{store: store, validate: validate}
}

func (s *Service) Calendar(ctx context.Context, q RangeQuery, f Filter) CalendarView {
	res := s.store.FetchEvents(ctx, q)
	return CalendarView{Items: ToItems(f.Apply(res.Events)), Degraded: res.Degraded()}
}

func (s *Service) Get(ctx context.Context, unitID, id uuid.UUID) (*Event, error) {
	return s.store.GetEvent(ctx, unitID, id)
}

// NoteType lets the note routes address events the way the event routes do:
// scoped to the unit, and to viewer's own schedule when viewer is set.
func (s *Service) NoteType(ctx context.Context, unitID, eventID uuid.UUID, viewer *uuid.UUID) (notes.Type, error) {
	ev, err := s.store.GetEvent(ctx, unitID, eventID)
	if errors.Is(err, ErrNotFound) {
		return "", notes.ErrEventNotFound
	}
	if err != nil {
		return "", err
	}
	if viewer != nil && ev.ResponsibleUserID != *viewer {
		return "", notes.ErrEventNotFound
	}
	return NoteTypeFor(ev.Kind), nil
}

func (s *Service) check(ctx context.Context, unitID uuid.UUID, in *EventInput) error {
	if err := s.validate.Struct(in); err != nil {
		return validationError(err)
	}
	ok, err := s.store.IsEligibleResponsible(ctx, unitID, in.ResponsibleUserID)
	if err != nil {
		return err
	}
	if !ok {
		return &ValidationError{Fields: map[string]string{
			"responsible_user_id": "is not an active professional of this unit",
		}}
	}
	return nil
}

func (in *EventInput) apply(ev *Event) {
	ev.Kind = in.Kind
	ev.AppointmentTypeID = in.AppointmentTypeID
	ev.PatientID = in.PatientID
	ev.ResponsibleUserID = in.ResponsibleUserID
	ev.RoomID = in.RoomID
	ev.StartAt = in.StartAt
	ev.EndAt = in.EndAt
	ev.Title = in.Title
	ev.ColorHex = in.ColorHex
	if ev.Kind == KindMeeting {
		ev.PatientID = nil
	}
}

// Create inserts a new open event.
func (s *Service) Create(ctx context.Context, unitID uuid.UUID, in EventInput) (*Event, error) {
	if err := s.check(ctx, unitID, &in); err != nil {
		return nil, err
	}
	ev := &Event{UnitID: unitID, Status: StatusOpen}
	in.apply(ev)
	if err := s.store.CreateEvent(ctx, ev); err != nil {
		return nil, err
	}
	return s.store.GetEvent(ctx, unitID, ev.ID)
}

// Update rewrites the editable fields. Status and reopen reason are owned by
// the controller and are left alone.
func (s *Service) Update(ctx context.Context, unitID, id uuid.UUID, in EventInput) (*Event, error) {
	if err := s.check(ctx, unitID, &in); err != nil {
		return nil, err
	}
	ev, err := s.store.GetEvent(ctx, unitID, id)
	if err != nil {
		return nil, err
	}
	expected := in.ExpectedUpdatedAt
	if expected == nil {
		at := ev.UpdatedAt
		expected = &at
	}
	in.apply(ev)
	if err := s.store.UpdateEvent(ctx, ev, expected); err != nil {
		return nil, err
	}
	return s.store.GetEvent(ctx, unitID, id)
}

func (s *Service) Rooms(ctx context.Context, unitID uuid.UUID) ([]Room, error) {
	return s.store.Rooms(ctx, unitID)
}

func (s *Service) Professionals(ctx context.Context, unitID uuid.UUID) ([]Profile, error) {
	return s.store.Professionals(ctx, unitID)
}

// Patients searches the unit's patients by name for the edit form picker.
func (s *Service) Patients(ctx context.Context, unitID uuid.UUID, search string, p pagination.Params) ([]Patient, int, error) {
	return s.store.Patients(ctx, unitID, strings.TrimSpace(search), p.Limit, p.Offset)
}

func (s *Service) AppointmentTypes(ctx context.Context, unitID uuid.UUID) ([]AppointmentType, error) {
	return s.store.AppointmentTypes(ctx, unitID)
}

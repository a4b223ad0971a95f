package agenda

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository is the persistence boundary of the agenda. Implementations
// return ErrNotFound for missing rows and ErrConflict when a conditional
// write lost against a newer updated_at.
type Repository interface {
	ListRange(ctx context.Context, q RangeQuery) ([]Event, error)
	GetByID(ctx context.Context, unitID, id uuid.UUID) (*Event, error)
	Create(ctx context.Context, ev *Event) error
	Update(ctx context.Context, ev *Event, expectedUpdatedAt *time.Time) error
	UpdateStatus(ctx context.Context, p StatusPatch) (*Event, error)
	UpdateResponsible(ctx context.Context, p ResponsiblePatch) (*Event, error)

	ProfilesByIDs(ctx context.Context, ids []uuid.UUID) ([]Profile, error)
	IsEligibleResponsible(ctx context.Context, unitID, profileID uuid.UUID) (bool, error)

	ListRooms(ctx context.Context, unitID uuid.UUID) ([]Room, error)
	ListProfessionals(ctx context.Context, unitID uuid.UUID) ([]Profile, error)
	ListPatients(ctx context.Context, unitID uuid.UUID, search string, limit, offset int) ([]Patient, int, error)
	ListAppointmentTypes(ctx context.Context, unitID uuid.UUID) ([]AppointmentType, error)
}

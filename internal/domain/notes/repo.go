package notes

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository persists notes. SetContent must refuse finalized notes and
// AppendAddendum must refuse drafts, so the invariants hold even when two
// writers race.
type Repository interface {
	GetByEvent(ctx context.Context, eventID uuid.UUID) (*Note, error)
	Create(ctx context.Context, n *Note) error
	SetContent(ctx context.Context, id uuid.UUID, content string) error
	Finalize(ctx context.Context, id uuid.UUID, at time.Time) error
	AppendAddendum(ctx context.Context, id uuid.UUID, text string) error
	Summaries(ctx context.Context, eventIDs []uuid.UUID) ([]Summary, error)
}

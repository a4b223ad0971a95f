package notes

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Type distinguishes clinical evolution notes (appointments) from meeting
// minutes.
type Type string

const (
	TypeEvolution Type = "evolution"
	TypeMinutes   Type = "minutes"
)

func (t Type) Valid() bool {
	return t == TypeEvolution || t == TypeMinutes
}

var (
	ErrNotFound      = errors.New("note not found")
	ErrAlreadyExists = errors.New("event already has a note")
	ErrNoteFinalized = errors.New("note is finalized; only addenda may be added")
	ErrNotFinalized  = errors.New("addenda can only be added to a finalized note")
	ErrEmptyAddendum = errors.New("addendum text is required")
)

// Note maps to the notes table. There is at most one note per event.
type Note struct {
	ID             uuid.UUID  `db:"id" json:"id"`
	EventID        uuid.UUID  `db:"event_id" json:"event_id"`
	Type           Type       `db:"type" json:"type"`
	Content        string     `db:"content" json:"content"`
	AuthorID       *uuid.UUID `db:"author_id" json:"author_id,omitempty"`
	FinalizedAt    *time.Time `db:"finalized_at" json:"finalized_at,omitempty"`
	RequiresCosign bool       `db:"requires_cosign" json:"requires_cosign"`
	CosignedAt     *time.Time `db:"cosigned_at" json:"cosigned_at,omitempty"`
	CosignedBy     *uuid.UUID `db:"cosigned_by" json:"cosigned_by,omitempty"`
	Addendum       *string    `db:"addendum" json:"addendum,omitempty"`
	Tag            *string    `db:"tag" json:"tag,omitempty"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at" json:"updated_at"`
}

func (n *Note) Finalized() bool { return n.FinalizedAt != nil }

// Summary is the completion state merged into calendar events.
type Summary struct {
	ID             uuid.UUID  `json:"id"`
	EventID        uuid.UUID  `json:"event_id"`
	FinalizedAt    *time.Time `json:"finalized_at,omitempty"`
	RequiresCosign bool       `json:"requires_cosign"`
	CosignedAt     *time.Time `json:"cosigned_at,omitempty"`
}

func (s *Summary) Finalized() bool { return s != nil && s.FinalizedAt != nil }

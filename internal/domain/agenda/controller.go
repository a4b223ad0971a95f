package agenda

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/equidadeplus/agenda/internal/domain/notes"
	"github.com/equidadeplus/agenda/internal/platform/db"
)

// NoteKeeper is the part of the note service the controller drives.
type NoteKeeper interface {
	Get(ctx context.Context, eventID uuid.UUID) (*notes.Note, error)
	EnsureFinalized(ctx context.Context, eventID uuid.UUID, typ notes.Type, content string, author *uuid.UUID) (*notes.Note, error)
}

type TransitionRequest struct {
	To                Status     `json:"status"`
	Reason            string     `json:"reason"`
	ExpectedUpdatedAt *time.Time `json:"expected_updated_at"`
}

type TransferRequest struct {
	ResponsibleUserID uuid.UUID  `json:"responsible_user_id"`
	ExpectedUpdatedAt *time.Time `json:"expected_updated_at"`
}

// Controller applies status transitions and responsible-party transfers.
type Controller struct {
	store  *Store
	notes  NoteKeeper
	tx     db.Transactor
	logger zerolog.Logger
}

func NewController(store *Store, notes NoteKeeper, tx db.Transactor, logger zerolog.Logger) *Controller {
	return &Controller{store: store, notes: notes, tx: tx, logger: logger}
}

// Transition moves ev to req.To. ev is the caller's snapshot: the transition
// is planned against it and rejected before any store call when a
// precondition fails. Writes use the snapshot's updated_at unless the request
// carries its own.
func (c *Controller) Transition(ctx context.Context, ev *Event, req TransitionRequest, actor *uuid.UUID) (*Event, error) {
	plan, err := PlanTransition(TransitionInput{
		From:          ev.Status,
		To:            req.To,
		Kind:          ev.Kind,
		NoteFinalized: ev.NoteFinalized(),
		Reason:        req.Reason,
	})
	if err != nil {
		return nil, err
	}

	expected := req.ExpectedUpdatedAt
	if expected == nil && !ev.UpdatedAt.IsZero() {
		at := ev.UpdatedAt
		expected = &at
	}

	var updated *Event
	err = c.tx.WithTx(ctx, func(ctx context.Context) error {
		switch {
		case plan.To == StatusDone:
			// The snapshot may be stale; confirm against the note itself.
			n, err := c.notes.Get(ctx, ev.ID)
			if err != nil && !errors.Is(err, notes.ErrNotFound) {
				return fmt.Errorf("check note: %w", err)
			}
			if err != nil || !n.Finalized() {
				return reject(RejectNoteNotFinalized, "finalize the note before marking done")
			}
		case plan.AutoNote:
			author := actor
			if author == nil {
				author = &ev.ResponsibleUserID
			}
			if _, err := c.notes.EnsureFinalized(ctx, ev.ID, plan.NoteType, plan.NoteContent, author); err != nil {
				return fmt.Errorf("auto note: %w", err)
			}
		}

		var err error
		updated, err = c.store.UpdateEventStatus(ctx, StatusPatch{
			EventID:           ev.ID,
			UnitID:            ev.UnitID,
			Status:            plan.To,
			ReopenReason:      plan.ReopenReason,
			ExpectedUpdatedAt: expected,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	c.logger.Info().
		Str("event_id", ev.ID.String()).
		Str("from", string(plan.From)).
		Str("to", string(plan.To)).
		Bool("auto_note", plan.AutoNote).
		Msg("event status changed")
	return updated, nil
}

// TransferResponsible hands ev to another eligible professional. It ignores
// status and never touches the note.
func (c *Controller) TransferResponsible(ctx context.Context, ev *Event, req TransferRequest) (*Event, error) {
	if req.ResponsibleUserID == uuid.Nil {
		return nil, &ValidationError{Fields: map[string]string{"responsible_user_id": "is required"}}
	}
	ok, err := c.store.IsEligibleResponsible(ctx, ev.UnitID, req.ResponsibleUserID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &ValidationError{Fields: map[string]string{
			"responsible_user_id": "is not an active professional of this unit",
		}}
	}

	expected := req.ExpectedUpdatedAt
	if expected == nil && !ev.UpdatedAt.IsZero() {
		at := ev.UpdatedAt
		expected = &at
	}
	updated, err := c.store.UpdateEventResponsible(ctx, ResponsiblePatch{
		EventID:           ev.ID,
		UnitID:            ev.UnitID,
		ResponsibleUserID: req.ResponsibleUserID,
		ExpectedUpdatedAt: expected,
	})
	if err != nil {
		return nil, err
	}

	c.logger.Info().
		Str("event_id", ev.ID.String()).
		Str("from", ev.ResponsibleUserID.String()).
		Str("to", req.ResponsibleUserID.String()).
		Msg("event responsible transferred")
	return updated, nil
}

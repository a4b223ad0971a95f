package agenda

import (
	"fmt"
	"strings"

	"github.com/equidadeplus/agenda/internal/domain/notes"
)

// ReasonPlaceholder stands in for an empty reason in synthesized notes.
const ReasonPlaceholder = "not provided"

type rule int

const (
	ruleNoteFinalized rule = iota + 1
	ruleAutoNote
	ruleReopen
)

// transitions is the complete status table. Anything absent is invalid.
var transitions = map[Status]map[Status]rule{
	StatusOpen: {
		StatusDone:      ruleNoteFinalized,
		StatusNoShow:    ruleAutoNote,
		StatusCancelled: ruleAutoNote,
	},
	StatusDone:      {StatusOpen: ruleReopen},
	StatusNoShow:    {StatusOpen: ruleReopen},
	StatusCancelled: {StatusOpen: ruleReopen},
}

// TransitionInput is everything the state machine looks at.
type TransitionInput struct {
	From          Status
	To            Status
	Kind          Kind
	NoteFinalized bool
	Reason        string
}

// Plan is the outcome of an accepted transition. When AutoNote is set the
// caller must leave a finalized note of NoteType holding NoteContent before
// applying the status.
type Plan struct {
	From         Status
	To           Status
	ReopenReason *string
	AutoNote     bool
	NoteType     notes.Type
	NoteContent  string
}

// PlanTransition decides a status change without side effects.
func PlanTransition(in TransitionInput) (Plan, error) {
	r, ok := transitions[in.From][in.To]
	if !ok {
		return Plan{}, reject(RejectInvalidTransition, "cannot move an event from %s to %s", in.From, in.To)
	}

	p := Plan{From: in.From, To: in.To}
	reason := strings.TrimSpace(in.Reason)

	switch r {
	case ruleNoteFinalized:
		if !in.NoteFinalized {
			return Plan{}, reject(RejectNoteNotFinalized, "finalize the note before marking done")
		}
	case ruleAutoNote:
		p.AutoNote = true
		p.NoteType = NoteTypeFor(in.Kind)
		p.NoteContent = DefaultNoteContent(in.Kind, in.To, reason)
	case ruleReopen:
		if reason == "" {
			return Plan{}, reject(RejectReopenReasonRequired, "a reason is required to reopen the event")
		}
		p.ReopenReason = &reason
	}
	return p, nil
}

// NoteTypeFor picks evolution notes for appointments and minutes for meetings.
func NoteTypeFor(k Kind) notes.Type {
	if k == KindMeeting {
		return notes.TypeMinutes
	}
	return notes.TypeEvolution
}

// DefaultNoteContent is the note written when an event did not take place.
func DefaultNoteContent(k Kind, to Status, reason string) string {
	if reason == "" {
		reason = ReasonPlaceholder
	}
	switch to {
	case StatusNoShow:
		if k == KindMeeting {
			return fmt.Sprintf("Meeting did not take place. Reason: %s", reason)
		}
		return fmt.Sprintf("Patient did not attend. Reason: %s", reason)
	case StatusCancelled:
		return fmt.Sprintf("%s cancelled. Reason: %s", k.Label(), reason)
	default:
		return reason
	}
}

// AllowedTargets lists the statuses reachable from s, for the detail drawer.
func AllowedTargets(s Status) []Status {
	var out []Status
	for _, to := range []Status{StatusOpen, StatusDone, StatusNoShow, StatusCancelled} {
		if _, ok := transitions[s][to]; ok {
			out = append(out, to)
		}
	}
	return out
}

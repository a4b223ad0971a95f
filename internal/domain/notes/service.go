package notes

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Service struct {
	repo Repository
	now  func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, now: time.Now}
}

func (s *Service) Get(ctx context.Context, eventID uuid.UUID) (*Note, error) {
	return s.repo.GetByEvent(ctx, eventID)
}

// EnsureFinalized leaves the event with a finalized note. A missing note is
// created with content; an existing draft keeps what was written and gets
// content appended below it; a finalized note is returned untouched.
func (s *Service) EnsureFinalized(ctx context.Context, eventID uuid.UUID, typ Type, content string, author *uuid.UUID) (*Note, error) {
	if !typ.Valid() {
		return nil, fmt.Errorf("invalid note type %q", typ)
	}

	n, err := s.repo.GetByEvent(ctx, eventID)
	switch {
	case errors.Is(err, ErrNotFound):
		now := s.now()
		n = &Note{EventID: eventID, Type: typ, Content: content, AuthorID: author, FinalizedAt: &now}
		err = s.repo.Create(ctx, n)
		if !errors.Is(err, ErrAlreadyExists) {
			if err != nil {
				return nil, fmt.Errorf("create note: %w", err)
			}
			return n, nil
		}
		// Lost a race with another writer; continue with their row.
		if n, err = s.repo.GetByEvent(ctx, eventID); err != nil {
			return nil, fmt.Errorf("reload note: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("load note: %w", err)
	}

	if n.Finalized() {
		return n, nil
	}

	merged := mergeDraft(n.Content, content)
	if merged != n.Content {
		if err := s.repo.SetContent(ctx, n.ID, merged); err != nil {
			return nil, fmt.Errorf("write note content: %w", err)
		}
		n.Content = merged
	}
	now := s.now()
	if err := s.repo.Finalize(ctx, n.ID, now); err != nil {
		return nil, fmt.Errorf("finalize note: %w", err)
	}
	n.FinalizedAt = &now
	return n, nil
}

func mergeDraft(draft, content string) string {
	switch {
	case strings.TrimSpace(draft) == "":
		return content
	case content == "" || strings.Contains(draft, content):
		return draft
	default:
		return strings.TrimRight(draft, "\n") + "\n\n" + content
	}
}

// UpdateContent edits a draft, creating it on first write.
func (s *Service) UpdateContent(ctx context.Context, eventID uuid.UUID, typ Type, content string, author *uuid.UUID) (*Note, error) {
	n, err := s.repo.GetByEvent(ctx, eventID)
	if errors.Is(err, ErrNotFound) {
		if !typ.Valid() {
			return nil, fmt.Errorf("invalid note type %q", typ)
		}
		n = &Note{EventID: eventID, Type: typ, Content: content, AuthorID: author}
		if err := s.repo.Create(ctx, n); err != nil {
			return nil, fmt.Errorf("create note: %w", err)
		}
		return n, nil
	}
	if err != nil {
		return nil, err
	}
	if n.Finalized() {
		return nil, ErrNoteFinalized
	}
	if err := s.repo.SetContent(ctx, n.ID, content); err != nil {
		return nil, err
	}
	n.Content = content
	return n, nil
}

func (s *Service) Finalize(ctx context.Context, eventID uuid.UUID) (*Note, error) {
	n, err := s.repo.GetByEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if n.Finalized() {
		return n, nil
	}
	now := s.now()
	if err := s.repo.Finalize(ctx, n.ID, now); err != nil {
		return nil, err
	}
	n.FinalizedAt = &now
	return n, nil
}

// AppendAddendum adds a timestamped paragraph to a finalized note.
func (s *Service) AppendAddendum(ctx context.Context, eventID uuid.UUID, text string) (*Note, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyAddendum
	}
	n, err := s.repo.GetByEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if !n.Finalized() {
		return nil, ErrNotFinalized
	}

	para := fmt.Sprintf("[%s] %s", s.now().UTC().Format(time.RFC3339), text)
	if err := s.repo.AppendAddendum(ctx, n.ID, para); err != nil {
		return nil, err
	}
	if n.Addendum != nil && *n.Addendum != "" {
		para = *n.Addendum + "\n\n" + para
	}
	n.Addendum = &para
	return n, nil
}

// Summaries returns completion state keyed by event id.
func (s *Service) Summaries(ctx context.Context, eventIDs []uuid.UUID) (map[uuid.UUID]Summary, error) {
	out := make(map[uuid.UUID]Summary, len(eventIDs))
	if len(eventIDs) == 0 {
		return out, nil
	}
	rows, err := s.repo.Summaries(ctx, eventIDs)
	if err != nil {
		return nil, err
	}
	for _, r := range rows {
		out[r.EventID] = r
	}
	return out, nil
}

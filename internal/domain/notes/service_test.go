package notes

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

// -- Mock Repository --

type mockNoteRepo struct {
	mu    sync.Mutex
	notes map[uuid.UUID]*Note // by event id
	calls int
}

func newMockNoteRepo() *mockNoteRepo {
	return &mockNoteRepo{notes: make(map[uuid.UUID]*Note)}
}

func (m *mockNoteRepo) byID(id uuid.UUID) *Note {
	for _, n := range m.notes {
		if n.ID == id {
			return n
		}
	}
	return nil
}

func (m *mockNoteRepo) GetByEvent(_ context.Context, eventID uuid.UUID) (*Note, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.notes[eventID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *n
	return &cp, nil
}

func (m *mockNoteRepo) Create(_ context.Context, n *Note) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if _, ok := m.notes[n.EventID]; ok {
		return ErrAlreadyExists
	}
	n.ID = uuid.New()
	n.CreatedAt = time.Now()
	n.UpdatedAt = n.CreatedAt
	cp := *n
	m.notes[n.EventID] = &cp
	return nil
}

func (m *mockNoteRepo) SetContent(_ context.Context, id uuid.UUID, content string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	n := m.byID(id)
	if n == nil {
		return ErrNotFound
	}
	if n.Finalized() {
		return ErrNoteFinalized
	}
	n.Content = content
	return nil
}

func (m *mockNoteRepo) Finalize(_ context.Context, id uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	n := m.byID(id)
	if n == nil {
		return ErrNotFound
	}
	if n.FinalizedAt == nil {
		n.FinalizedAt = &at
	}
	return nil
}

func (m *mockNoteRepo) AppendAddendum(_ context.Context, id uuid.UUID, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	n := m.byID(id)
	if n == nil {
		return ErrNotFound
	}
	if !n.Finalized() {
		return ErrNotFinalized
	}
	if n.Addendum == nil || *n.Addendum == "" {
		n.Addendum = &text
		return nil
	}
	joined := *n.Addendum + "\n\n" + text
	n.Addendum = &joined
	return nil
}

func (m *mockNoteRepo) Summaries(_ context.Context, eventIDs []uuid.UUID) ([]Summary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Summary
	for _, id := range eventIDs {
		if n, ok := m.notes[id]; ok {
			out = append(out, Summary{ID: n.ID, EventID: id, FinalizedAt: n.FinalizedAt,
				RequiresCosign: n.RequiresCosign, CosignedAt: n.CosignedAt})
		}
	}
	return out, nil
}

func newTestService() (*Service, *mockNoteRepo) {
	repo := newMockNoteRepo()
	return NewService(repo), repo
}

func TestEnsureFinalized_CreatesNote(t *testing.T) {
	svc, repo := newTestService()
	ev := uuid.New()

	n, err := svc.EnsureFinalized(context.Background(), ev, TypeEvolution, "No-show. Reason: sick", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !n.Finalized() {
		t.Error("expected note to be finalized")
	}
	stored := repo.notes[ev]
	if stored == nil || !strings.Contains(stored.Content, "sick") {
		t.Errorf("expected stored content to contain reason, got %+v", stored)
	}
	if stored.Type != TypeEvolution {
		t.Errorf("expected evolution, got %s", stored.Type)
	}
}

func TestEnsureFinalized_KeepsFinalizedContent(t *testing.T) {
	svc, repo := newTestService()
	ev := uuid.New()
	at := time.Now().Add(-time.Hour)
	repo.notes[ev] = &Note{ID: uuid.New(), EventID: ev, Type: TypeMinutes, Content: "signed minutes", FinalizedAt: &at}

	n, err := svc.EnsureFinalized(context.Background(), ev, TypeMinutes, "Cancelled.", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n.Content != "signed minutes" {
		t.Errorf("finalized content must not change, got %q", n.Content)
	}
	if !repo.notes[ev].FinalizedAt.Equal(at) {
		t.Error("finalized timestamp must not move")
	}
}

func TestEnsureFinalized_MergesDraft(t *testing.T) {
	svc, repo := newTestService()
	ev := uuid.New()
	repo.notes[ev] = &Note{ID: uuid.New(), EventID: ev, Type: TypeEvolution, Content: "patient called ahead"}

	if _, err := svc.EnsureFinalized(context.Background(), ev, TypeEvolution, "Cancelled. Reason: travel", nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := repo.notes[ev]
	if !got.Finalized() {
		t.Fatal("expected draft to be finalized")
	}
	if !strings.HasPrefix(got.Content, "patient called ahead") || !strings.Contains(got.Content, "travel") {
		t.Errorf("unexpected merged content %q", got.Content)
	}
}

func TestEnsureFinalized_EmptyDraftReplaced(t *testing.T) {
	svc, repo := newTestService()
	ev := uuid.New()
	repo.notes[ev] = &Note{ID: uuid.New(), EventID: ev, Type: TypeEvolution, Content: "  \n"}

	if _, err := svc.EnsureFinalized(context.Background(), ev, TypeEvolution, "No-show.", nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if repo.notes[ev].Content != "No-show." {
		t.Errorf("expected default content, got %q", repo.notes[ev].Content)
	}
}

func TestEnsureFinalized_InvalidType(t *testing.T) {
	svc, _ := newTestService()
	if _, err := svc.EnsureFinalized(context.Background(), uuid.New(), "memo", "x", nil); err == nil {
		t.Error("expected error for invalid type")
	}
}

func TestUpdateContent_RefusedWhenFinalized(t *testing.T) {
	svc, repo := newTestService()
	ev := uuid.New()
	at := time.Now()
	repo.notes[ev] = &Note{ID: uuid.New(), EventID: ev, Type: TypeEvolution, Content: "final", FinalizedAt: &at}

	_, err := svc.UpdateContent(context.Background(), ev, TypeEvolution, "rewrite", nil)
	if err != ErrNoteFinalized {
		t.Fatalf("expected ErrNoteFinalized, got %v", err)
	}
	if repo.notes[ev].Content != "final" {
		t.Error("content changed on a finalized note")
	}
}

func TestUpdateContent_CreatesDraft(t *testing.T) {
	svc, repo := newTestService()
	ev := uuid.New()
	author := uuid.New()

	n, err := svc.UpdateContent(context.Background(), ev, TypeEvolution, "session went well", &author)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n.Finalized() {
		t.Error("draft must not be finalized")
	}
	if repo.notes[ev].AuthorID == nil || *repo.notes[ev].AuthorID != author {
		t.Error("expected author to be stored")
	}

	if _, err := svc.UpdateContent(context.Background(), ev, TypeEvolution, "session went very well", nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if repo.notes[ev].Content != "session went very well" {
		t.Errorf("expected updated draft, got %q", repo.notes[ev].Content)
	}
}

func TestFinalize_Idempotent(t *testing.T) {
	svc, repo := newTestService()
	ev := uuid.New()
	repo.notes[ev] = &Note{ID: uuid.New(), EventID: ev, Type: TypeEvolution, Content: "x"}

	first, err := svc.Finalize(context.Background(), ev)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := svc.Finalize(context.Background(), ev)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !first.FinalizedAt.Equal(*second.FinalizedAt) {
		t.Error("second finalize moved the timestamp")
	}
}

func TestAppendAddendum_AppendOnly(t *testing.T) {
	svc, repo := newTestService()
	ev := uuid.New()
	at := time.Now()
	repo.notes[ev] = &Note{ID: uuid.New(), EventID: ev, Type: TypeEvolution, Content: "final", FinalizedAt: &at}

	if _, err := svc.AppendAddendum(context.Background(), ev, "first correction"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	before := *repo.notes[ev].Addendum
	n, err := svc.AppendAddendum(context.Background(), ev, "second correction")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	after := *repo.notes[ev].Addendum
	if !strings.HasPrefix(after, before) {
		t.Errorf("prior addendum text was rewritten: %q -> %q", before, after)
	}
	if !strings.Contains(after, "second correction") {
		t.Errorf("missing new paragraph: %q", after)
	}
	if *n.Addendum != after {
		t.Errorf("returned addendum %q differs from stored %q", *n.Addendum, after)
	}
	if repo.notes[ev].Content != "final" {
		t.Error("content must not change")
	}
}

func TestAppendAddendum_Rejections(t *testing.T) {
	svc, repo := newTestService()
	ev := uuid.New()
	repo.notes[ev] = &Note{ID: uuid.New(), EventID: ev, Type: TypeEvolution, Content: "draft"}

	if _, err := svc.AppendAddendum(context.Background(), ev, "late"); err != ErrNotFinalized {
		t.Errorf("expected ErrNotFinalized, got %v", err)
	}
	if _, err := svc.AppendAddendum(context.Background(), ev, "   "); err != ErrEmptyAddendum {
		t.Errorf("expected ErrEmptyAddendum, got %v", err)
	}
}

func TestSummaries_KeyedByEvent(t *testing.T) {
	svc, repo := newTestService()
	a, b, c := uuid.New(), uuid.New(), uuid.New()
	at := time.Now()
	repo.notes[a] = &Note{ID: uuid.New(), EventID: a, FinalizedAt: &at}
	repo.notes[b] = &Note{ID: uuid.New(), EventID: b}

	got, err := svc.Summaries(context.Background(), []uuid.UUID{a, b, c})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 summaries, got %d", len(got))
	}
	if s := got[a]; !s.Finalized() {
		t.Error("expected a to be finalized")
	}
	if s := got[b]; s.Finalized() {
		t.Error("expected b to be a draft")
	}
	if _, ok := got[c]; ok {
		t.Error("c has no note")
	}
}

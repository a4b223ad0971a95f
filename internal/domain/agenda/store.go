package agenda

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/equidadeplus/agenda/internal/domain/notes"
)

const DefaultFetchTimeout = 15 * time.Second

// NoteSummaries provides note completion state for a batch of events.
type NoteSummaries interface {
	Summaries(ctx context.Context, eventIDs []uuid.UUID) (map[uuid.UUID]notes.Summary, error)
}

// FetchResult is what FetchEvents hands back. Events is never nil. Err holds
// the absorbed cause when the fetch degraded to an empty result.
type FetchResult struct {
	Events []Event
	Err    error
}

func (r FetchResult) Degraded() bool { return r.Err != nil }

// Store is the single entry point for reading and writing events. Errors
// returned by its methods are always *StoreError.
type Store struct {
	repo         Repository
	notes        NoteSummaries
	fetchTimeout time.Duration
	logger       zerolog.Logger
}

func NewStore(repo Repository, notes NoteSummaries, fetchTimeout time.Duration, logger zerolog.Logger) *Store {
	if fetchTimeout <= 0 {
		fetchTimeout = DefaultFetchTimeout
	}
	return &Store{repo: repo, notes: notes, fetchTimeout: fetchTimeout, logger: logger}
}

// FetchEvents returns the annotated events of a range ordered by start time.
// It never fails: errors and timeouts degrade to an empty list.
func (s *Store) FetchEvents(ctx context.Context, q RangeQuery) FetchResult {
	ctx, cancel := context.WithTimeout(ctx, s.fetchTimeout)
	defer cancel()

	type outcome struct {
		events []Event
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		evs, err := s.fetch(ctx, q)
		done <- outcome{evs, err}
	}()

	var res outcome
	select {
	case res = <-done:
	case <-ctx.Done():
		res.err = ctx.Err()
	}

	if res.err != nil {
		err := storeErr("fetch events", res.err)
		s.logger.Warn().Err(err).
			Str("unit_id", q.UnitID.String()).
			Time("start", q.Start).
			Time("end", q.End).
			Msg("event fetch degraded to empty result")
		return FetchResult{Events: []Event{}, Err: err}
	}
	if res.events == nil {
		res.events = []Event{}
	}
	return FetchResult{Events: res.events}
}

func (s *Store) fetch(ctx context.Context, q RangeQuery) ([]Event, error) {
	evs, err := s.repo.ListRange(ctx, q)
	if err != nil {
		return nil, err
	}
	if err := s.annotate(ctx, evs); err != nil {
		return nil, err
	}
	sort.SliceStable(evs, func(i, j int) bool { return evs[i].StartAt.Before(evs[j].StartAt) })
	return evs, nil
}

// annotate merges responsible-party profiles and note summaries into evs,
// issuing one batched lookup each over the distinct ids present.
func (s *Store) annotate(ctx context.Context, evs []Event) error {
	if len(evs) == 0 {
		return nil
	}

	seen := make(map[uuid.UUID]struct{}, len(evs))
	var profileIDs []uuid.UUID
	eventIDs := make([]uuid.UUID, 0, len(evs))
	for i := range evs {
		eventIDs = append(eventIDs, evs[i].ID)
		if _, ok := seen[evs[i].ResponsibleUserID]; !ok {
			seen[evs[i].ResponsibleUserID] = struct{}{}
			profileIDs = append(profileIDs, evs[i].ResponsibleUserID)
		}
	}

	profiles, err := s.repo.ProfilesByIDs(ctx, profileIDs)
	if err != nil {
		return fmt.Errorf("load responsible profiles: %w", err)
	}
	byID := make(map[uuid.UUID]Profile, len(profiles))
	for _, p := range profiles {
		byID[p.ID] = p
	}

	summaries, err := s.notes.Summaries(ctx, eventIDs)
	if err != nil {
		return fmt.Errorf("load note summaries: %w", err)
	}

	for i := range evs {
		evs[i].ResponsibleProfile = nil
		if p, ok := byID[evs[i].ResponsibleUserID]; ok {
			evs[i].ResponsibleProfile = &p
		}
		evs[i].Note = nil
		if n, ok := summaries[evs[i].ID]; ok {
			evs[i].Note = &n
		}
	}
	return nil
}

// GetEvent loads one annotated event.
func (s *Store) GetEvent(ctx context.Context, unitID, id uuid.UUID) (*Event, error) {
	ev, err := s.repo.GetByID(ctx, unitID, id)
	if err != nil {
		return nil, storeErr("get event", err)
	}
	return s.annotated(ctx, "get event", ev)
}

func (s *Store) annotated(ctx context.Context, op string, ev *Event) (*Event, error) {
	evs := []Event{*ev}
	if err := s.annotate(ctx, evs); err != nil {
		return nil, storeErr(op, err)
	}
	return &evs[0], nil
}

// UpdateEventStatus patches the status. The reopen reason is only written
// when the target is open.
func (s *Store) UpdateEventStatus(ctx context.Context, p StatusPatch) (*Event, error) {
	if p.Status != StatusOpen {
		p.ReopenReason = nil
	}
	ev, err := s.repo.UpdateStatus(ctx, p)
	if err != nil {
		return nil, storeErr("update event status", err)
	}
	return s.annotated(ctx, "update event status", ev)
}

func (s *Store) UpdateEventResponsible(ctx context.Context, p ResponsiblePatch) (*Event, error) {
	ev, err := s.repo.UpdateResponsible(ctx, p)
	if err != nil {
		return nil, storeErr("update event responsible", err)
	}
	return s.annotated(ctx, "update event responsible", ev)
}

func (s *Store) CreateEvent(ctx context.Context, ev *Event) error {
	return storeErr("create event", s.repo.Create(ctx, ev))
}

func (s *Store) UpdateEvent(ctx context.Context, ev *Event, expectedUpdatedAt *time.Time) error {
	return storeErr("update event", s.repo.Update(ctx, ev, expectedUpdatedAt))
}

func (s *Store) IsEligibleResponsible(ctx context.Context, unitID, profileID uuid.UUID) (bool, error) {
	ok, err := s.repo.IsEligibleResponsible(ctx, unitID, profileID)
	return ok, storeErr("check responsible", err)
}

func (s *Store) Rooms(ctx context.Context, unitID uuid.UUID) ([]Room, error) {
	out, err := s.repo.ListRooms(ctx, unitID)
	return nonNil(out), storeErr("list rooms", err)
}

func (s *Store) Professionals(ctx context.Context, unitID uuid.UUID) ([]Profile, error) {
	out, err := s.repo.ListProfessionals(ctx, unitID)
	return nonNil(out), storeErr("list professionals", err)
}

func (s *Store) Patients(ctx context.Context, unitID uuid.UUID, search string, limit, offset int) ([]Patient, int, error) {
	out, total, err := s.repo.ListPatients(ctx, unitID, search, limit, offset)
	return nonNil(out), total, storeErr("list patients", err)
}

func (s *Store) AppointmentTypes(ctx context.Context, unitID uuid.UUID) ([]AppointmentType, error) {
	out, err := s.repo.ListAppointmentTypes(ctx, unitID)
	return nonNil(out), storeErr("list appointment types", err)
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

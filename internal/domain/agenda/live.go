package agenda

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/equidadeplus/agenda/internal/platform/auth"
	"github.com/equidadeplus/agenda/internal/platform/realtime"
	"github.com/equidadeplus/agenda/internal/platform/websocket"
)

const (
	EventChanged  = "agenda.changed"
	EventSnapshot = "agenda.snapshot"
	EventError    = "agenda.error"
)

// BridgeChanges rebroadcasts every feed notification to the unit topic of
// the hub so browser calendars know to refetch.
func BridgeChanges(feed realtime.Feed, hub *websocket.Hub) (realtime.Subscription, error) {
	return feed.Subscribe(uuid.Nil, func(ch realtime.Change) {
		data, _ := json.Marshal(map[string]string{"op": string(ch.Op)})
		hub.Broadcast(websocket.UnitTopic(ch.UnitID), websocket.Event{
			Type:       EventChanged,
			Topic:      websocket.UnitTopic(ch.UnitID),
			UnitID:     ch.UnitID.String(),
			ResourceID: ch.ID.String(),
			Timestamp:  time.Now().UTC(),
			Data:       data,
		})
	})
}

type watchParams struct {
	Start           string     `json:"start"`
	End             string     `json:"end"`
	Responsible     *uuid.UUID `json:"responsible"`
	Status          *Status    `json:"status"`
	Kind            *Kind      `json:"kind"`
	AppointmentType *uuid.UUID `json:"appointment_type"`
	Room            *uuid.UUID `json:"room"`
	Professional    *uuid.UUID `json:"professional"`
	Patient         *uuid.UUID `json:"patient"`
}

func (p watchParams) filter() Filter {
	return Filter{
		Status:            p.Status,
		Kind:              p.Kind,
		AppointmentTypeID: p.AppointmentType,
		RoomID:            p.Room,
		ProfessionalID:    p.Professional,
		PatientID:         p.Patient,
	}
}

type snapshotPayload struct {
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
	Items      []Item    `json:"items"`
	Degraded   bool      `json:"degraded"`
	Generation uint64    `json:"generation"`
}

type liveSession struct {
	watcher *RangeWatcher
	mu      sync.Mutex
	filter  Filter
}

// LiveSessions lets a websocket client watch a range: after a "watch"
// action the server pushes a fresh snapshot whenever the range changes.
type LiveSessions struct {
	fetcher Fetcher
	feed    realtime.Feed
	logger  zerolog.Logger

	mu       sync.Mutex
	sessions map[*websocket.Client]*liveSession
}

func NewLiveSessions(fetcher Fetcher, feed realtime.Feed, logger zerolog.Logger) *LiveSessions {
	return &LiveSessions{
		fetcher:  fetcher,
		feed:     feed,
		logger:   logger,
		sessions: make(map[*websocket.Client]*liveSession),
	}
}

func (l *LiveSessions) OnMessage(c *websocket.Client, msg websocket.ClientMessage) bool {
	switch msg.Action {
	case "watch":
		if err := l.watch(c, msg.Params); err != nil {
			pushError(c, err.Error())
		}
		return true
	case "unwatch":
		l.OnClose(c)
		return true
	}
	return false
}

func (l *LiveSessions) watch(c *websocket.Client, raw json.RawMessage) error {
	if c.UnitID == uuid.Nil {
		return errString("unit is required")
	}
	var p watchParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return errString("invalid watch params")
	}
	start, err := ParseBound(p.Start, false)
	if err != nil {
		return err
	}
	end, err := ParseBound(p.End, true)
	if err != nil {
		return err
	}
	if end.Before(start) {
		return errString("end must not be before start")
	}
	responsible := p.Responsible
	if !auth.SeesWholeUnit(c.Roles) {
		uid, err := uuid.Parse(c.UserID)
		if err != nil {
			return errString("caller has no profile")
		}
		responsible = &uid
	}

	sess := l.session(c)
	sess.mu.Lock()
	sess.filter = p.filter()
	sess.mu.Unlock()

	ctx := context.Background()
	if err := sess.watcher.SetUnit(ctx, c.UnitID); err != nil {
		return err
	}
	return sess.watcher.SetRange(ctx, start, end, responsible)
}

func (l *LiveSessions) session(c *websocket.Client) *liveSession {
	l.mu.Lock()
	defer l.mu.Unlock()
	if s, ok := l.sessions[c]; ok {
		return s
	}
	s := &liveSession{}
	s.watcher = NewRangeWatcher(l.fetcher, l.feed, func(snap Snapshot) {
		s.mu.Lock()
		f := s.filter
		s.mu.Unlock()
		data, err := json.Marshal(snapshotPayload{
			Start:      snap.Query.Start,
			End:        snap.Query.End,
			Items:      ToItems(f.Apply(snap.Events)),
			Degraded:   snap.Degraded,
			Generation: snap.Generation,
		})
		if err != nil {
			l.logger.Error().Err(err).Msg("encode agenda snapshot")
			return
		}
		if !c.Push(websocket.Event{
			Type:      EventSnapshot,
			UnitID:    snap.Query.UnitID.String(),
			Timestamp: time.Now().UTC(),
			Data:      data,
		}) {
			l.logger.Debug().Str("client_id", c.ID).Msg("agenda snapshot dropped")
		}
	}, l.logger.With().Str("client_id", c.ID).Logger())
	l.sessions[c] = s
	return s
}

func (l *LiveSessions) OnClose(c *websocket.Client) {
	l.mu.Lock()
	s, ok := l.sessions[c]
	delete(l.sessions, c)
	l.mu.Unlock()
	if ok {
		s.watcher.Close()
	}
}

// Len is the number of clients with an active watch.
func (l *LiveSessions) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.sessions)
}

type errString string

func (e errString) Error() string { return string(e) }

func pushError(c *websocket.Client, msg string) {
	data, _ := json.Marshal(map[string]string{"message": msg})
	c.Push(websocket.Event{Type: EventError, Timestamp: time.Now().UTC(), Data: data})
}

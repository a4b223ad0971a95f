package agenda

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/equidadeplus/agenda/internal/platform/auth"
	"github.com/equidadeplus/agenda/internal/platform/realtime"
	"github.com/equidadeplus/agenda/internal/platform/websocket"
)

func nextEvent(t *testing.T, c *websocket.Client) websocket.Event {
	t.Helper()
	select {
	case raw := <-c.Send:
		var ev websocket.Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for websocket event")
		return websocket.Event{}
	}
}

func watchMessage(t *testing.T, params map[string]any) websocket.ClientMessage {
	t.Helper()
	raw, err := json.Marshal(params)
	if err != nil {
		t.Fatal(err)
	}
	return websocket.ClientMessage{Action: "watch", Params: raw}
}

func TestLiveSessions_WatchPushesSnapshots(t *testing.T) {
	f := newFixture()
	pro := f.repo.addProfessional(f.unit, "Dr. Ana")
	f.repo.seed(Event{UnitID: f.unit, Kind: KindMeeting, ResponsibleUserID: pro, StartAt: tm(12, 9), EndAt: tm(12, 10)})

	broker := realtime.NewBroker()
	live := NewLiveSessions(f.store, broker, zerolog.Nop())
	hub := websocket.NewHub(zerolog.Nop())
	hub.Use(live)

	c := &websocket.Client{ID: "c1", UnitID: f.unit, Roles: []string{auth.RoleReception}, Send: make(chan []byte, 8)}
	hub.Register(c)

	hub.ProcessMessage(c, watchMessage(t, map[string]any{"start": "2026-10-12", "end": "2026-10-18"}))
	ev := nextEvent(t, c)
	if ev.Type != EventSnapshot {
		t.Fatalf("expected snapshot, got %s", ev.Type)
	}
	var snap snapshotPayload
	if err := json.Unmarshal(ev.Data, &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if len(snap.Items) != 1 || snap.Degraded {
		t.Errorf("expected one healthy item, got %+v", snap)
	}

	d := f.repo.seed(Event{UnitID: f.unit, Kind: KindMeeting, ResponsibleUserID: pro, StartAt: tm(14, 9), EndAt: tm(14, 10)})
	broker.Publish(realtime.Change{Table: "events", Op: realtime.OpInsert, UnitID: f.unit, ID: d.ID})
	ev = nextEvent(t, c)
	_ = json.Unmarshal(ev.Data, &snap)
	if len(snap.Items) != 2 {
		t.Errorf("expected refreshed snapshot with 2 items, got %d", len(snap.Items))
	}

	if live.Len() != 1 {
		t.Fatalf("expected one live session, got %d", live.Len())
	}
	hub.Unregister(c)
	if live.Len() != 0 || broker.Len() != 0 {
		t.Errorf("unregister should close the watch: sessions=%d subs=%d", live.Len(), broker.Len())
	}
}

func TestLiveSessions_FilterApplied(t *testing.T) {
	f := newFixture()
	pro := f.repo.addProfessional(f.unit, "Dr. Ana")
	f.repo.seed(Event{UnitID: f.unit, Kind: KindMeeting, ResponsibleUserID: pro, StartAt: tm(12, 9), EndAt: tm(12, 10)})
	seedAppointment(f, pro)

	live := NewLiveSessions(f.store, realtime.NewBroker(), zerolog.Nop())
	hub := websocket.NewHub(zerolog.Nop())
	hub.Use(live)
	c := &websocket.Client{ID: "c1", UnitID: f.unit, Roles: []string{auth.RoleAdmin}, Send: make(chan []byte, 8)}
	hub.Register(c)
	defer hub.Unregister(c)

	hub.ProcessMessage(c, watchMessage(t, map[string]any{"start": "2026-10-12", "end": "2026-10-18", "kind": "meeting"}))
	var snap snapshotPayload
	_ = json.Unmarshal(nextEvent(t, c).Data, &snap)
	if len(snap.Items) != 1 || snap.Items[0].Resource.Kind != KindMeeting {
		t.Errorf("expected only the meeting, got %+v", snap.Items)
	}
}

func TestLiveSessions_ProfessionalScopedToSelf(t *testing.T) {
	f := newFixture()
	ana := f.repo.addProfessional(f.unit, "Dr. Ana")
	bia := f.repo.addProfessional(f.unit, "Dr. Bia")
	f.repo.seed(Event{UnitID: f.unit, Kind: KindMeeting, ResponsibleUserID: ana, StartAt: tm(12, 9), EndAt: tm(12, 10)})
	f.repo.seed(Event{UnitID: f.unit, Kind: KindMeeting, ResponsibleUserID: bia, StartAt: tm(12, 11), EndAt: tm(12, 12)})

	live := NewLiveSessions(f.store, realtime.NewBroker(), zerolog.Nop())
	hub := websocket.NewHub(zerolog.Nop())
	hub.Use(live)
	c := &websocket.Client{ID: "c1", UnitID: f.unit, UserID: ana.String(), Roles: []string{auth.RoleProfessional}, Send: make(chan []byte, 8)}
	hub.Register(c)
	defer hub.Unregister(c)

	hub.ProcessMessage(c, watchMessage(t, map[string]any{"start": "2026-10-12", "end": "2026-10-12", "responsible": bia.String()}))
	var snap snapshotPayload
	_ = json.Unmarshal(nextEvent(t, c).Data, &snap)
	if len(snap.Items) != 1 || snap.Items[0].Resource.ResponsibleUserID != ana {
		t.Errorf("professional watch must be limited to their events, got %+v", snap.Items)
	}
}

func TestLiveSessions_BadParams(t *testing.T) {
	f := newFixture()
	live := NewLiveSessions(f.store, realtime.NewBroker(), zerolog.Nop())
	hub := websocket.NewHub(zerolog.Nop())
	hub.Use(live)
	c := &websocket.Client{ID: "c1", UnitID: f.unit, Roles: []string{auth.RoleAdmin}, Send: make(chan []byte, 8)}
	hub.Register(c)
	defer hub.Unregister(c)

	hub.ProcessMessage(c, watchMessage(t, map[string]any{"start": "2026-10-18", "end": "2026-10-12"}))
	if ev := nextEvent(t, c); ev.Type != EventError {
		t.Errorf("expected error event, got %s", ev.Type)
	}

	hub.ProcessMessage(c, websocket.ClientMessage{Action: "dance"})
	if ev := nextEvent(t, c); ev.Type != "error" {
		t.Errorf("unknown action should fall through to the hub, got %s", ev.Type)
	}
}

func TestBridgeChanges(t *testing.T) {
	broker := realtime.NewBroker()
	hub := websocket.NewHub(zerolog.Nop())
	unit := uuid.New()
	c := &websocket.Client{ID: "c1", UnitID: unit, Topics: []string{websocket.UnitTopic(unit)}, Send: make(chan []byte, 8)}
	other := &websocket.Client{ID: "c2", UnitID: uuid.New(), Send: make(chan []byte, 8)}
	other.Topics = []string{websocket.UnitTopic(other.UnitID)}
	hub.Register(c)
	hub.Register(other)

	sub, err := BridgeChanges(broker, hub)
	if err != nil {
		t.Fatalf("bridge: %v", err)
	}
	defer sub.Unsubscribe()

	id := uuid.New()
	broker.Publish(realtime.Change{Table: "events", Op: realtime.OpUpdate, UnitID: unit, ID: id})
	ev := nextEvent(t, c)
	if ev.Type != EventChanged || ev.ResourceID != id.String() {
		t.Errorf("unexpected change event %+v", ev)
	}
	select {
	case <-other.Send:
		t.Error("change leaked to another unit")
	default:
	}
}

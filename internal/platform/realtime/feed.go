// Package realtime delivers row-change notifications for the events table to
// in-process subscribers.
package realtime

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Channel is the Postgres NOTIFY channel written by the events trigger.
const Channel = "agenda_changes"

type Op string

const (
	OpInsert Op = "INSERT"
	OpUpdate Op = "UPDATE"
	OpDelete Op = "DELETE"
)

// Change is one row-level notification. Subscribers treat it as a signal to
// re-read; the fields are advisory.
type Change struct {
	Schema string    `json:"schema"`
	Table  string    `json:"table"`
	Op     Op        `json:"op"`
	UnitID uuid.UUID `json:"unit_id"`
	ID     uuid.UUID `json:"id"`
}

type Handler func(Change)

type Subscription interface {
	Unsubscribe()
}

// Feed filters changes by unit. uuid.Nil subscribes to every unit.
type Feed interface {
	Subscribe(unitID uuid.UUID, h Handler) (Subscription, error)
}

// Broker is an in-memory Feed. PGFeed publishes into one; tests publish
// directly.
type Broker struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[uint64]brokerSub
}

type brokerSub struct {
	unitID uuid.UUID
	h      Handler
}

func NewBroker() *Broker {
	return &Broker{subs: make(map[uint64]brokerSub)}
}

func (b *Broker) Subscribe(unitID uuid.UUID, h Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.subs[id] = brokerSub{unitID: unitID, h: h}
	return &subscription{broker: b, id: id}, nil
}

// Publish calls every matching handler synchronously.
func (b *Broker) Publish(ch Change) {
	b.mu.RLock()
	var targets []Handler
	for _, s := range b.subs {
		if s.unitID == uuid.Nil || s.unitID == ch.UnitID {
			targets = append(targets, s.h)
		}
	}
	b.mu.RUnlock()

	for _, h := range targets {
		h(ch)
	}
}

func (b *Broker) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

type subscription struct {
	broker *Broker
	id     uint64
	once   sync.Once
}

func (s *subscription) Unsubscribe() {
	s.once.Do(func() {
		s.broker.mu.Lock()
		delete(s.broker.subs, s.id)
		s.broker.mu.Unlock()
	})
}

// Run blocks until ctx is done. It exists so a Broker can stand in for a
// PGFeed wherever a runnable feed is expected.
func (b *Broker) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

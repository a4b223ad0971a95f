package agenda

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/equidadeplus/agenda/internal/platform/realtime"
)

var ErrWatcherClosed = errors.New("range watcher closed")

// Fetcher is satisfied by *Store.
type Fetcher interface {
	FetchEvents(ctx context.Context, q RangeQuery) FetchResult
}

// Invalidation decides what a change notification does to the visible
// range. refresh re-reads the whole range.
type Invalidation interface {
	OnChange(ch realtime.Change, refresh func())
}

// FullRefetch ignores the payload and re-reads the range on every change.
type FullRefetch struct{}

func (FullRefetch) OnChange(_ realtime.Change, refresh func()) { refresh() }

// Snapshot is one delivered view of the watched range.
type Snapshot struct {
	Query      RangeQuery
	Events     []Event
	Degraded   bool
	Generation uint64
}

type Sink func(Snapshot)

type WatcherOption func(*RangeWatcher)

func WithInvalidation(inv Invalidation) WatcherOption {
	return func(w *RangeWatcher) { w.strategy = inv }
}

// RangeWatcher keeps one range of one unit in sync with the change feed.
// Every fetch gets a generation number and only the newest requested
// generation reaches the sink, so a slow stale response cannot overwrite a
// newer one. The sink is never called after Close returns.
type RangeWatcher struct {
	fetcher  Fetcher
	feed     realtime.Feed
	strategy Invalidation
	sink     Sink
	logger   zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	query  RangeQuery
	sub    realtime.Subscription
	gen    uint64
	closed bool
}

func NewRangeWatcher(fetcher Fetcher, feed realtime.Feed, sink Sink, logger zerolog.Logger, opts ...WatcherOption) *RangeWatcher {
	ctx, cancel := context.WithCancel(context.Background())
	w := &RangeWatcher{
		fetcher:  fetcher,
		feed:     feed,
		strategy: FullRefetch{},
		sink:     sink,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// SetUnit switches the watched unit, replacing the feed subscription, and
// re-reads the range when the unit changed. A failed subscription is
// logged; the watcher keeps working without realtime updates.
func (w *RangeWatcher) SetUnit(ctx context.Context, unitID uuid.UUID) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrWatcherClosed
	}
	changed := w.query.UnitID != unitID
	if changed || w.sub == nil {
		if w.sub != nil {
			w.sub.Unsubscribe()
			w.sub = nil
		}
		w.query.UnitID = unitID
		sub, err := w.feed.Subscribe(unitID, w.onChange)
		if err != nil {
			w.logger.Warn().Err(err).Str("unit_id", unitID.String()).Msg("realtime subscription failed")
		} else {
			w.sub = sub
		}
	}
	w.mu.Unlock()

	if changed {
		w.Refresh(ctx)
	}
	return nil
}

// SetRange changes the visible window and re-reads it.
func (w *RangeWatcher) SetRange(ctx context.Context, start, end time.Time, responsible *uuid.UUID) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrWatcherClosed
	}
	w.query.Start, w.query.End, w.query.Responsible = start, end, responsible
	w.mu.Unlock()

	w.Refresh(ctx)
	return nil
}

// Query returns the currently watched range.
func (w *RangeWatcher) Query() RangeQuery {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.query
}

// Refresh fetches the current range and delivers it unless a newer fetch
// was requested in the meantime. It does nothing until both a unit and a
// range are set.
func (w *RangeWatcher) Refresh(ctx context.Context) {
	w.mu.Lock()
	if w.closed || w.query.UnitID == uuid.Nil || w.query.End.IsZero() {
		w.mu.Unlock()
		return
	}
	w.gen++
	gen, q := w.gen, w.query
	w.mu.Unlock()

	res := w.fetcher.FetchEvents(ctx, q)

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed || gen != w.gen {
		return
	}
	w.sink(Snapshot{Query: q, Events: res.Events, Degraded: res.Degraded(), Generation: gen})
}

func (w *RangeWatcher) onChange(ch realtime.Change) {
	w.mu.Lock()
	if w.closed || ch.UnitID != w.query.UnitID {
		w.mu.Unlock()
		return
	}
	w.mu.Unlock()

	w.strategy.OnChange(ch, func() {
		w.mu.Lock()
		if w.closed {
			w.mu.Unlock()
			return
		}
		w.wg.Add(1)
		w.mu.Unlock()

		go func() {
			defer w.wg.Done()
			w.Refresh(w.ctx)
		}()
	})
}

// Close drops the subscription and waits for in-flight refreshes.
func (w *RangeWatcher) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	if w.sub != nil {
		w.sub.Unsubscribe()
		w.sub = nil
	}
	w.cancel()
	w.mu.Unlock()

	w.wg.Wait()
}

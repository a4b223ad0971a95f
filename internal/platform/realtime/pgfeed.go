package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

const (
	minBackoff = 500 * time.Millisecond
	maxBackoff = 30 * time.Second
)

// PGFeed listens on Channel over one dedicated pooled connection and fans
// notifications out through a Broker.
type PGFeed struct {
	pool   *pgxpool.Pool
	broker *Broker
	logger zerolog.Logger
}

func NewPGFeed(pool *pgxpool.Pool, logger zerolog.Logger) *PGFeed {
	return &PGFeed{pool: pool, broker: NewBroker(), logger: logger}
}

func (f *PGFeed) Subscribe(unitID uuid.UUID, h Handler) (Subscription, error) {
	return f.broker.Subscribe(unitID, h)
}

// Run listens until ctx is cancelled, reconnecting with capped exponential
// backoff. Failures are logged and never returned.
func (f *PGFeed) Run(ctx context.Context) error {
	backoff := minBackoff
	for {
		err := f.listen(ctx)
		if ctx.Err() != nil {
			return nil
		}
		f.logger.Warn().Err(err).Dur("retry_in", backoff).Msg("realtime listener disconnected")

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		if backoff *= 2; backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (f *PGFeed) listen(ctx context.Context) error {
	pooled, err := f.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	// A LISTENing connection must not go back to the pool.
	conn := pooled.Hijack()
	defer conn.Close(context.Background())

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{Channel}.Sanitize()); err != nil {
		return err
	}
	f.logger.Info().Str("channel", Channel).Msg("realtime listener started")

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return err
		}
		ch, err := Decode([]byte(n.Payload))
		if err != nil {
			f.logger.Warn().Err(err).Str("payload", n.Payload).Msg("ignoring malformed change notification")
			continue
		}
		if ch.Table != "events" {
			continue
		}
		f.broker.Publish(ch)
	}
}

// Decode parses a trigger payload.
func Decode(payload []byte) (Change, error) {
	var ch Change
	if err := json.Unmarshal(payload, &ch); err != nil {
		return Change{}, err
	}
	if ch.UnitID == uuid.Nil {
		return Change{}, errors.New("change notification without unit_id")
	}
	return ch, nil
}

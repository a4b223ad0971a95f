package notes

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/equidadeplus/agenda/internal/platform/db"
)

const uniqueViolation = "23505"

type noteRepoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository { return &noteRepoPG{pool: pool} }

func (r *noteRepoPG) conn(ctx context.Context) db.Queryable {
	return db.Conn(ctx, r.pool)
}

const noteCols = `id, event_id, type, content, author_id, finalized_at, requires_cosign,
	cosigned_at, cosigned_by, addendum, tag, created_at, updated_at`

func scanNote(row pgx.Row) (*Note, error) {
	var n Note
	err := row.Scan(&n.ID, &n.EventID, &n.Type, &n.Content, &n.AuthorID, &n.FinalizedAt,
		&n.RequiresCosign, &n.CosignedAt, &n.CosignedBy, &n.Addendum, &n.Tag,
		&n.CreatedAt, &n.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func (r *noteRepoPG) GetByEvent(ctx context.Context, eventID uuid.UUID) (*Note, error) {
	return scanNote(r.conn(ctx).QueryRow(ctx,
		`SELECT `+noteCols+` FROM notes WHERE event_id = $1`, eventID))
}

// Create inserts n. An existing note for the event is reported as
// ErrAlreadyExists without raising a unique violation, so a surrounding
// transaction stays usable and the caller can read the winner's row.
func (r *noteRepoPG) Create(ctx context.Context, n *Note) error {
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO notes (id, event_id, type, content, author_id, finalized_at, requires_cosign, tag)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (event_id) DO NOTHING
		RETURNING created_at, updated_at`,
		n.ID, n.EventID, n.Type, n.Content, n.AuthorID, n.FinalizedAt, n.RequiresCosign, n.Tag,
	).Scan(&n.CreatedAt, &n.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrAlreadyExists
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return ErrAlreadyExists
	}
	return err
}

func (r *noteRepoPG) SetContent(ctx context.Context, id uuid.UUID, content string) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE notes SET content = $2, updated_at = NOW()
		WHERE id = $1 AND finalized_at IS NULL`, id, content)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return r.missOrState(ctx, id, ErrNoteFinalized)
	}
	return nil
}

func (r *noteRepoPG) Finalize(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE notes SET finalized_at = $2, updated_at = NOW()
		WHERE id = $1 AND finalized_at IS NULL`, id, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		// Already finalized is not an error; the first timestamp stands.
		return r.missOrState(ctx, id, nil)
	}
	return nil
}

func (r *noteRepoPG) AppendAddendum(ctx context.Context, id uuid.UUID, text string) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE notes SET addendum = COALESCE(addendum || E'\n\n', '') || $2, updated_at = NOW()
		WHERE id = $1 AND finalized_at IS NOT NULL`, id, text)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return r.missOrState(ctx, id, ErrNotFinalized)
	}
	return nil
}

// missOrState tells a missing row apart from a row whose state blocked a
// conditional update.
func (r *noteRepoPG) missOrState(ctx context.Context, id uuid.UUID, stateErr error) error {
	var exists bool
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM notes WHERE id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	return stateErr
}

func (r *noteRepoPG) Summaries(ctx context.Context, eventIDs []uuid.UUID) ([]Summary, error) {
	if len(eventIDs) == 0 {
		return nil, nil
	}
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, event_id, finalized_at, requires_cosign, cosigned_at
		FROM notes WHERE event_id = ANY($1)`, eventIDs)
	if err != nil {
		return nil, fmt.Errorf("query note summaries: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var s Summary
		if err := rows.Scan(&s.ID, &s.EventID, &s.FinalizedAt, &s.RequiresCosign, &s.CosignedAt); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

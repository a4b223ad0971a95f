package agenda

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/equidadeplus/agenda/internal/platform/db"
)

type eventRepoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository { return &eventRepoPG{pool: pool} }

func (r *eventRepoPG) conn(ctx context.Context) db.Queryable {
	return db.Conn(ctx, r.pool)
}

const eventCols = `e.id, e.unit_id, e.kind, e.appointment_type_id, e.patient_id,
	e.responsible_user_id, e.room_id, e.start_at, e.end_at, e.title, e.status,
	e.reopen_reason, e.color_hex, e.created_at, e.updated_at,
	r.id, r.name, p.id, p.full_name`

const eventFrom = `FROM events e
	LEFT JOIN rooms r ON r.id = e.room_id
	LEFT JOIN patients p ON p.id = e.patient_id`

// eventRow mirrors one joined row. The LEFT JOIN columns are nullable even
// when the foreign key is set, so they are resolved in toEvent.
type eventRow struct {
	Event
	roomID      *uuid.UUID
	roomName    *string
	patientID   *uuid.UUID
	patientName *string
}

func (row *eventRow) dest() []any {
	e := &row.Event
	return []any{&e.ID, &e.UnitID, &e.Kind, &e.AppointmentTypeID, &e.PatientID,
		&e.ResponsibleUserID, &e.RoomID, &e.StartAt, &e.EndAt, &e.Title, &e.Status,
		&e.ReopenReason, &e.ColorHex, &e.CreatedAt, &e.UpdatedAt,
		&row.roomID, &row.roomName, &row.patientID, &row.patientName}
}

func (row *eventRow) toEvent() Event {
	ev := row.Event
	ev.Room, ev.Patient = nil, nil
	if row.roomID != nil && row.roomName != nil {
		ev.Room = &Room{ID: *row.roomID, Name: *row.roomName}
	}
	if row.patientID != nil && row.patientName != nil {
		ev.Patient = &Patient{ID: *row.patientID, FullName: *row.patientName}
	}
	return ev
}

func scanEvent(row pgx.Row) (*Event, error) {
	var er eventRow
	if err := row.Scan(er.dest()...); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	ev := er.toEvent()
	return &ev, nil
}

func (r *eventRepoPG) ListRange(ctx context.Context, q RangeQuery) ([]Event, error) {
	query := `SELECT ` + eventCols + ` ` + eventFrom + `
		WHERE e.unit_id = $1 AND e.start_at >= $2 AND e.end_at <= $3`
	args := []any{q.UnitID, q.Start, q.End}
	if q.Responsible != nil {
		query += ` AND e.responsible_user_id = $4`
		args = append(args, *q.Responsible)
	}
	query += ` ORDER BY e.start_at, e.id`

	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var er eventRow
		if err := rows.Scan(er.dest()...); err != nil {
			return nil, err
		}
		out = append(out, er.toEvent())
	}
	return out, rows.Err()
}

func (r *eventRepoPG) GetByID(ctx context.Context, unitID, id uuid.UUID) (*Event, error) {
	return scanEvent(r.conn(ctx).QueryRow(ctx,
		`SELECT `+eventCols+` `+eventFrom+` WHERE e.id = $1 AND e.unit_id = $2`, id, unitID))
}

func (r *eventRepoPG) Create(ctx context.Context, ev *Event) error {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	if ev.Status == "" {
		ev.Status = StatusOpen
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO events (id, unit_id, kind, appointment_type_id, patient_id, responsible_user_id,
			room_id, start_at, end_at, title, status, color_hex)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		RETURNING created_at, updated_at`,
		ev.ID, ev.UnitID, ev.Kind, ev.AppointmentTypeID, ev.PatientID, ev.ResponsibleUserID,
		ev.RoomID, ev.StartAt, ev.EndAt, ev.Title, ev.Status, ev.ColorHex,
	).Scan(&ev.CreatedAt, &ev.UpdatedAt)
}

// guarded appends the optimistic-concurrency predicate when expected is set.
func guarded(where string, args []any, expected *time.Time) (string, []any) {
	if expected == nil {
		return where, args
	}
	args = append(args, *expected)
	return fmt.Sprintf("%s AND updated_at = $%d", where, len(args)), args
}

func (r *eventRepoPG) Update(ctx context.Context, ev *Event, expected *time.Time) error {
	args := []any{ev.ID, ev.UnitID, ev.Kind, ev.AppointmentTypeID, ev.PatientID,
		ev.ResponsibleUserID, ev.RoomID, ev.StartAt, ev.EndAt, ev.Title, ev.ColorHex}
	where, args := guarded(`WHERE id = $1 AND unit_id = $2`, args, expected)

	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE events SET kind=$3, appointment_type_id=$4, patient_id=$5, responsible_user_id=$6,
			room_id=$7, start_at=$8, end_at=$9, title=$10, color_hex=$11, updated_at=NOW()
		`+where+` RETURNING updated_at`, args...).Scan(&ev.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return r.missOrConflict(ctx, ev.UnitID, ev.ID)
	}
	return err
}

func (r *eventRepoPG) UpdateStatus(ctx context.Context, p StatusPatch) (*Event, error) {
	var err error
	if p.Status == StatusOpen {
		args := []any{p.EventID, p.UnitID, p.Status, p.ReopenReason}
		where, args := guarded(`WHERE id = $1 AND unit_id = $2`, args, p.ExpectedUpdatedAt)
		err = r.returning(ctx, `UPDATE events SET status=$3, reopen_reason=$4, updated_at=NOW() `+where, args)
	} else {
		args := []any{p.EventID, p.UnitID, p.Status}
		where, args := guarded(`WHERE id = $1 AND unit_id = $2`, args, p.ExpectedUpdatedAt)
		err = r.returning(ctx, `UPDATE events SET status=$3, updated_at=NOW() `+where, args)
	}
	if err != nil {
		return nil, r.resolve(ctx, p.UnitID, p.EventID, err)
	}
	return r.GetByID(ctx, p.UnitID, p.EventID)
}

func (r *eventRepoPG) UpdateResponsible(ctx context.Context, p ResponsiblePatch) (*Event, error) {
	args := []any{p.EventID, p.UnitID, p.ResponsibleUserID}
	where, args := guarded(`WHERE id = $1 AND unit_id = $2`, args, p.ExpectedUpdatedAt)
	if err := r.returning(ctx, `UPDATE events SET responsible_user_id=$3, updated_at=NOW() `+where, args); err != nil {
		return nil, r.resolve(ctx, p.UnitID, p.EventID, err)
	}
	return r.GetByID(ctx, p.UnitID, p.EventID)
}

func (r *eventRepoPG) returning(ctx context.Context, sql string, args []any) error {
	var updated time.Time
	return r.conn(ctx).QueryRow(ctx, sql+` RETURNING updated_at`, args...).Scan(&updated)
}

func (r *eventRepoPG) resolve(ctx context.Context, unitID, id uuid.UUID, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return r.missOrConflict(ctx, unitID, id)
	}
	return err
}

// missOrConflict runs after a conditional write touched no row.
func (r *eventRepoPG) missOrConflict(ctx context.Context, unitID, id uuid.UUID) error {
	var exists bool
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM events WHERE id = $1 AND unit_id = $2)`, id, unitID).Scan(&exists); err != nil {
		return err
	}
	if exists {
		return ErrConflict
	}
	return ErrNotFound
}

func (r *eventRepoPG) ProfilesByIDs(ctx context.Context, ids []uuid.UUID) ([]Profile, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT id, full_name FROM profiles WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("query profiles: %w", err)
	}
	defer rows.Close()
	var out []Profile
	for rows.Next() {
		var p Profile
		if err := rows.Scan(&p.ID, &p.FullName); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *eventRepoPG) IsEligibleResponsible(ctx context.Context, unitID, profileID uuid.UUID) (bool, error) {
	var ok bool
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM unit_members
			WHERE unit_id = $1 AND profile_id = $2 AND active
				AND role IN ('professional', 'admin'))`, unitID, profileID).Scan(&ok)
	return ok, err
}

func (r *eventRepoPG) ListRooms(ctx context.Context, unitID uuid.UUID) ([]Room, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT id, name FROM rooms WHERE unit_id = $1 AND active ORDER BY name`, unitID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Room
	for rows.Next() {
		var rm Room
		if err := rows.Scan(&rm.ID, &rm.Name); err != nil {
			return nil, err
		}
		out = append(out, rm)
	}
	return out, rows.Err()
}

func (r *eventRepoPG) ListProfessionals(ctx context.Context, unitID uuid.UUID) ([]Profile, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT p.id, p.full_name, m.role
		FROM unit_members m JOIN profiles p ON p.id = m.profile_id
		WHERE m.unit_id = $1 AND m.active AND m.role IN ('professional', 'admin')
		ORDER BY p.full_name`, unitID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Profile
	for rows.Next() {
		var p Profile
		if err := rows.Scan(&p.ID, &p.FullName, &p.Role); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ListPatients pages through the unit's active patients. The total is the
// number of matches before paging.
func (r *eventRepoPG) ListPatients(ctx context.Context, unitID uuid.UUID, search string, limit, offset int) ([]Patient, int, error) {
	query := `SELECT id, full_name, COUNT(*) OVER() FROM patients WHERE unit_id = $1 AND active`
	args := []any{unitID}
	if search != "" {
		query += ` AND full_name ILIKE $2`
		args = append(args, "%"+search+"%")
	}
	args = append(args, limit, offset)
	query += fmt.Sprintf(` ORDER BY full_name, id LIMIT $%d OFFSET $%d`, len(args)-1, len(args))

	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var out []Patient
	var total int
	for rows.Next() {
		var p Patient
		if err := rows.Scan(&p.ID, &p.FullName, &total); err != nil {
			return nil, 0, err
		}
		out = append(out, p)
	}
	return out, total, rows.Err()
}

func (r *eventRepoPG) ListAppointmentTypes(ctx context.Context, unitID uuid.UUID) ([]AppointmentType, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT id, name, color_hex FROM appointment_types WHERE unit_id = $1 AND active ORDER BY name`, unitID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []AppointmentType
	for rows.Next() {
		var at AppointmentType
		if err := rows.Scan(&at.ID, &at.Name, &at.ColorHex); err != nil {
			return nil, err
		}
		out = append(out, at)
	}
	return out, rows.Err()
}

// README: Trip store backed by PostgreSQL; every transition is one conditional write.
package trip

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"shuttle/internal/apperr"
	"shuttle/internal/types"
)

// DBTX is satisfied by *pgxpool.Pool and pgx.Tx so that inserts can join a
// caller's transaction.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

const tripColumns = `
	id, customer_id, driver_id, pickup, dropoff, scheduled_at, status,
	driver_acknowledged, price_cents, currency,
	accepted_at, started_at, completed_at, cancelled_at, cancelled_by,
	status_version, created_at, updated_at`

func (s *Store) Create(ctx context.Context, t *Trip) error {
	return Insert(ctx, s.db, t)
}

// Insert writes a new trip and its creation event using db.
func Insert(ctx context.Context, db DBTX, t *Trip) error {
	_, err := db.Exec(ctx, `
		INSERT INTO trips (
			id, customer_id, driver_id, pickup, dropoff, scheduled_at, status,
			driver_acknowledged, price_cents, currency, status_version, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, $9, $10, $11, $12, $12
		)`,
		string(t.ID),
		string(t.CustomerID),
		toStringPtr(t.DriverID),
		t.Pickup,
		t.Dropoff,
		t.ScheduledAt,
		string(t.Status),
		t.DriverAcknowledged,
		t.Price.Amount,
		t.Price.Currency,
		t.StatusVersion,
		t.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert trip: %w", err)
	}
	_, err = db.Exec(ctx, `
		INSERT INTO trip_events (trip_id, from_status, to_status, actor_role, actor_id, note, created_at)
		VALUES ($1, $2, $3, $4, $5, '', $6)`,
		string(t.ID), string(StatusNone), string(t.Status), "customer", string(t.CustomerID), t.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert trip event: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id types.ID) (*Trip, error) {
	row := s.db.QueryRow(ctx, `SELECT `+tripColumns+` FROM trips WHERE id = $1`, string(id))
	t, err := scanTrip(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (s *Store) List(ctx context.Context, f Filter) ([]Trip, error) {
	var where []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	if f.DriverID != "" {
		add("driver_id = $%d", string(f.DriverID))
	}
	if f.CustomerID != "" {
		add("customer_id = $%d", string(f.CustomerID))
	}
	if f.From != nil {
		add("scheduled_at >= $%d", *f.From)
	}
	if f.To != nil {
		add("scheduled_at < $%d", *f.To)
	}

	q := `SELECT ` + tripColumns + ` FROM trips`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY scheduled_at, id"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Trip
	for rows.Next() {
		t, err := scanTrip(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// Transition replaces cur with next if the row still has cur's status, driver
// and version, appending ev in the same statement. It reports false when a
// concurrent writer got there first.
func (s *Store) Transition(ctx context.Context, cur, next *Trip, ev *Event) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		WITH upd AS (
			UPDATE trips
			SET status = $1,
				driver_id = $2,
				driver_acknowledged = $3,
				accepted_at = $4,
				started_at = $5,
				completed_at = $6,
				cancelled_at = $7,
				cancelled_by = $8,
				status_version = status_version + 1,
				updated_at = $9
			WHERE id = $10
			  AND status = $11
			  AND driver_id IS NOT DISTINCT FROM $12
			  AND status_version = $13
			RETURNING id
		)
		INSERT INTO trip_events (trip_id, from_status, to_status, actor_role, actor_id, note, created_at)
		SELECT id, $11, $1, $14, $15, $16, $9 FROM upd`,
		string(next.Status),
		toStringPtr(next.DriverID),
		next.DriverAcknowledged,
		next.AcceptedAt,
		next.StartedAt,
		next.CompletedAt,
		next.CancelledAt,
		next.CancelledBy,
		next.UpdatedAt,
		string(cur.ID),
		string(cur.Status),
		toStringPtr(cur.DriverID),
		cur.StatusVersion,
		ev.ActorRole,
		toStringPtr(ev.ActorID),
		ev.Note,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) Events(ctx context.Context, tripID types.ID) ([]Event, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, trip_id, from_status, to_status, actor_role, actor_id, note, created_at
		FROM trip_events
		WHERE trip_id = $1
		ORDER BY id`, string(tripID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var actorID *string
		if err := rows.Scan(&e.ID, &e.TripID, &e.FromStatus, &e.ToStatus, &e.ActorRole, &actorID, &e.Note, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.ActorID = toIDPtr(actorID)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) HasActiveForDriver(ctx context.Context, driverID types.ID) (bool, error) {
	row := s.db.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM trips
			WHERE driver_id = $1
			  AND status IN ('accepted','in_progress')
		)`, string(driverID),
	)
	var exists bool
	if err := row.Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

func scanTrip(row pgx.Row) (*Trip, error) {
	var t Trip
	var driverID *string
	err := row.Scan(
		&t.ID, &t.CustomerID, &driverID, &t.Pickup, &t.Dropoff, &t.ScheduledAt, &t.Status,
		&t.DriverAcknowledged, &t.Price.Amount, &t.Price.Currency,
		&t.AcceptedAt, &t.StartedAt, &t.CompletedAt, &t.CancelledAt, &t.CancelledBy,
		&t.StatusVersion, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	t.DriverID = toIDPtr(driverID)
	if t.Price.Currency == "" {
		t.Price.Currency = types.DefaultCurrency
	}
	return &t, nil
}

func toStringPtr(v *types.ID) *string {
	if v == nil {
		return nil
	}
	s := string(*v)
	return &s
}

func toIDPtr(v *string) *types.ID {
	if v == nil {
		return nil
	}
	id := types.ID(*v)
	return &id
}

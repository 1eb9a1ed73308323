// README: Checkout store writes the trip and its payment in one transaction.
package checkout

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"shuttle/internal/apperr"
	"shuttle/internal/modules/trip"
	"shuttle/internal/types"
)

const paymentColumns = `id, trip_id, amount_cents, currency, method, status, paid_at, gateway_intent_id, created_at`

type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

// Book inserts t and p atomically. A second booking for the same gateway
// intent fails with apperr.ErrConflict. Other database failures are reported
// as apperr.ErrUnavailable so the caller may retry the whole unit.
func (s *Store) Book(ctx context.Context, t *trip.Trip, p *Payment) error {
	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		if err := trip.Insert(ctx, tx, t); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO payments (`+paymentColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			string(p.ID),
			string(p.TripID),
			p.Amount.Amount,
			p.Amount.Currency,
			string(p.Method),
			string(p.Status),
			p.PaidAt,
			p.GatewayIntentID,
			p.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert payment: %w", err)
		}
		return nil
	})
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Code == "23505" && pgErr.ConstraintName == "payments_gateway_intent_id_key" {
			return fmt.Errorf("%w: intent already booked", apperr.ErrConflict)
		}
		if len(pgErr.Code) >= 2 && pgErr.Code[:2] == "23" {
			return err
		}
	}
	if ctx.Err() != nil {
		return err
	}
	return fmt.Errorf("%w: book: %v", apperr.ErrUnavailable, err)
}

func (s *Store) PaymentByIntent(ctx context.Context, intentID string) (*Payment, error) {
	row := s.db.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE gateway_intent_id = $1`, intentID)
	return scanPayment(row)
}

func (s *Store) PaymentForTrip(ctx context.Context, tripID types.ID) (*Payment, error) {
	row := s.db.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE trip_id = $1`, string(tripID))
	return scanPayment(row)
}

func scanPayment(row pgx.Row) (*Payment, error) {
	var (
		p                          Payment
		id, tripID, method, status string
	)
	err := row.Scan(&id, &tripID, &p.Amount.Amount, &p.Amount.Currency, &method, &status, &p.PaidAt, &p.GatewayIntentID, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	p.ID = types.ID(id)
	p.TripID = types.ID(tripID)
	p.Method = Method(method)
	p.Status = PaymentStatus(status)
	return &p, nil
}

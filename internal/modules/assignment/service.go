// README: Assignment coordinator binds drivers to pending trips (admin, reassignment and automatic matcher).
package assignment

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"shuttle/internal/access"
	"shuttle/internal/apperr"
	"shuttle/internal/clock"
	"shuttle/internal/config"
	"shuttle/internal/modules/driver"
	"shuttle/internal/modules/trip"
	"shuttle/internal/types"
)

type Trips interface {
	Get(ctx context.Context, actor access.Actor, id types.ID) (*trip.Trip, error)
	List(ctx context.Context, actor access.Actor, f trip.Filter) ([]trip.Trip, error)
	AssignDriver(ctx context.Context, actor access.Actor, tripID, driverID types.ID) (*trip.Trip, error)
	ReleaseDriver(ctx context.Context, actor access.Actor, tripID, expected types.ID) (*trip.Trip, error)
	ReplaceDriver(ctx context.Context, actor access.Actor, tripID, expected, driverID types.ID) (*trip.Trip, error)
	DriverBusy(ctx context.Context, driverID types.ID) (bool, error)
}

type Drivers interface {
	Get(ctx context.Context, actor access.Actor, id types.ID) (*driver.Driver, error)
	List(ctx context.Context, actor access.Actor, f driver.Filter) ([]driver.Driver, error)
}

// Attempts remembers automatic attempts per trip.
type Attempts interface {
	RecordAttempt(ctx context.Context, tripID types.ID, at time.Time) error
	LastAttempt(ctx context.Context, tripID types.ID) (time.Time, bool, error)
	ClearAttempt(ctx context.Context, tripID types.ID) error
}

type Service struct {
	trips    Trips
	drivers  Drivers
	attempts Attempts
	cfg      config.AssignmentConfig
	clock    clock.Clock
	log      *zap.Logger
}

func NewService(trips Trips, drivers Drivers, attempts Attempts, cfg config.AssignmentConfig, clk clock.Clock, log *zap.Logger) *Service {
	if clk == nil {
		clk = clock.Real()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{trips: trips, drivers: drivers, attempts: attempts, cfg: cfg, clock: clk, log: log}
}

// Assign binds driverID to a pending trip. Only verification is enforced;
// an unavailable driver is assigned with a warning.
func (s *Service) Assign(ctx context.Context, actor access.Actor, tripID, driverID types.ID) (*Result, error) {
	if err := access.Require(actor, access.CapTripAssign); err != nil {
		return nil, err
	}
	t, err := s.trips.Get(ctx, actor, tripID)
	if err != nil {
		return nil, err
	}
	if t.Status != trip.StatusPending {
		return nil, apperr.ErrInvalidState
	}
	d, err := s.assignable(ctx, actor, driverID)
	if err != nil {
		return nil, err
	}
	res := &Result{TripID: tripID, DriverID: driverID}
	if !d.Available {
		res.Warning = "driver is marked unavailable"
		s.log.Warn("assigning unavailable driver",
			zap.String("trip_id", tripID.String()),
			zap.String("driver_id", driverID.String()),
			zap.String("admin_id", actor.ID.String()),
		)
	}
	if _, err := s.trips.AssignDriver(ctx, actor, tripID, driverID); err != nil {
		return nil, err
	}
	return res, nil
}

// Reassign moves a pending trip from its current driver to driverID in a
// single conditional write on the trip.
func (s *Service) Reassign(ctx context.Context, actor access.Actor, tripID, driverID types.ID) (*Result, error) {
	if err := access.Require(actor, access.CapTripAssign); err != nil {
		return nil, err
	}
	t, err := s.trips.Get(ctx, actor, tripID)
	if err != nil {
		return nil, err
	}
	if t.Status != trip.StatusPending {
		return nil, apperr.ErrInvalidState
	}
	if !t.HasDriver() {
		return s.Assign(ctx, actor, tripID, driverID)
	}
	previous := *t.DriverID
	if previous == driverID {
		return &Result{TripID: tripID, DriverID: driverID}, nil
	}
	d, err := s.assignable(ctx, actor, driverID)
	if err != nil {
		return nil, err
	}
	if _, err := s.trips.ReplaceDriver(ctx, actor, tripID, previous, driverID); err != nil {
		return nil, err
	}
	s.log.Info("reassigned trip",
		zap.String("trip_id", tripID.String()),
		zap.String("from_driver_id", previous.String()),
		zap.String("driver_id", driverID.String()),
	)
	res := &Result{TripID: tripID, DriverID: driverID}
	if !d.Available {
		res.Warning = "driver is marked unavailable"
	}
	return res, nil
}

// Unassign clears the driver of a pending trip, returning it to the pool.
func (s *Service) Unassign(ctx context.Context, actor access.Actor, tripID types.ID) (*Result, error) {
	if err := access.Require(actor, access.CapTripAssign); err != nil {
		return nil, err
	}
	t, err := s.trips.Get(ctx, actor, tripID)
	if err != nil {
		return nil, err
	}
	if t.Status != trip.StatusPending {
		return nil, apperr.ErrInvalidState
	}
	if !t.HasDriver() {
		return &Result{TripID: tripID}, nil
	}
	if _, err := s.trips.ReleaseDriver(ctx, actor, tripID, *t.DriverID); err != nil {
		return nil, err
	}
	return &Result{TripID: tripID}, nil
}

// AutoAssign binds the first verified, available driver without an active
// trip. Unlike Assign, availability is required here.
func (s *Service) AutoAssign(ctx context.Context, actor access.Actor, tripID types.ID) (*Result, error) {
	if err := access.Require(actor, access.CapTripAutoAssign); err != nil {
		return nil, err
	}
	t, err := s.trips.Get(ctx, actor, tripID)
	if err != nil {
		return nil, err
	}
	if t.Status != trip.StatusPending {
		return nil, apperr.ErrInvalidState
	}
	if t.HasDriver() {
		return nil, apperr.ErrConflict
	}

	available := true
	candidates, err := s.drivers.List(ctx, actor, driver.Filter{Status: driver.StatusVerified, Available: &available})
	if err != nil {
		return nil, err
	}
	for _, d := range candidates {
		busy, err := s.trips.DriverBusy(ctx, d.ID)
		if err != nil {
			return nil, err
		}
		if busy {
			continue
		}
		_, err = s.trips.AssignDriver(ctx, actor, tripID, d.ID)
		switch {
		case err == nil:
			s.log.Info("auto-assigned driver", zap.String("trip_id", tripID.String()), zap.String("driver_id", d.ID.String()))
			return &Result{TripID: tripID, DriverID: d.ID}, nil
		case errors.Is(err, apperr.ErrDriverNotReady):
			// Demoted since the listing; try the next one.
			continue
		default:
			return nil, err
		}
	}
	return nil, ErrNoCandidate
}

// RunScheduler periodically auto-assigns pending trips scheduled within the
// lookahead window.
func (s *Service) RunScheduler(ctx context.Context) {
	tick := time.Duration(s.cfg.TickSeconds) * time.Second
	if tick <= 0 {
		tick = 30 * time.Second
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Service) tick(ctx context.Context) {
	now := s.clock.Now()
	to := now.Add(s.cfg.Lookahead)
	pending, err := s.trips.List(ctx, access.System, trip.Filter{Status: trip.StatusPending, From: &now, To: &to, Limit: tickBatch})
	if err != nil {
		s.log.Warn("list pending trips", zap.Error(err))
		return
	}
	for _, t := range pending {
		if t.HasDriver() {
			continue
		}
		if s.attempts != nil {
			last, ok, err := s.attempts.LastAttempt(ctx, t.ID)
			if err != nil {
				s.log.Warn("read attempt marker", zap.String("trip_id", t.ID.String()), zap.Error(err))
				continue
			}
			if ok && now.Sub(last) < s.cfg.RetryAfter {
				continue
			}
			if err := s.attempts.RecordAttempt(ctx, t.ID, now); err != nil {
				s.log.Warn("record attempt marker", zap.String("trip_id", t.ID.String()), zap.Error(err))
			}
		}
		_, err := s.AutoAssign(ctx, access.System, t.ID)
		switch {
		case err == nil:
			if s.attempts != nil {
				_ = s.attempts.ClearAttempt(ctx, t.ID)
			}
		case errors.Is(err, ErrNoCandidate):
			// No driver free; stop for this tick.
			return
		case errors.Is(err, apperr.ErrConflict), errors.Is(err, apperr.ErrInvalidState):
		default:
			s.log.Warn("auto-assign failed", zap.String("trip_id", t.ID.String()), zap.Error(err))
		}
	}
}

func (s *Service) assignable(ctx context.Context, actor access.Actor, driverID types.ID) (*driver.Driver, error) {
	d, err := s.drivers.Get(ctx, actor, driverID)
	if err != nil {
		return nil, err
	}
	if d.Status != driver.StatusVerified {
		return nil, apperr.ErrDriverNotReady
	}
	return d, nil
}

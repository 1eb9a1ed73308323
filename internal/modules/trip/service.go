// README: Trip service implements the trip state machine on top of conditional writes.
package trip

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"shuttle/internal/access"
	"shuttle/internal/apperr"
	"shuttle/internal/clock"
	"shuttle/internal/events"
	"shuttle/internal/metrics"
	"shuttle/internal/realtime"
	"shuttle/internal/types"
)

type Repository interface {
	Create(ctx context.Context, t *Trip) error
	Get(ctx context.Context, id types.ID) (*Trip, error)
	List(ctx context.Context, f Filter) ([]Trip, error)
	Transition(ctx context.Context, cur, next *Trip, ev *Event) (bool, error)
	Events(ctx context.Context, tripID types.ID) ([]Event, error)
	HasActiveForDriver(ctx context.Context, driverID types.ID) (bool, error)
}

// DriverGate answers whether a driver may be bound to a trip.
type DriverGate interface {
	CheckAssignable(ctx context.Context, driverID types.ID) error
}

type Deps struct {
	Repo    Repository
	Drivers DriverGate
	Feed    realtime.Feed
	Events  events.Publisher
	Clock   clock.Clock
	Log     *zap.Logger
}

type Service struct {
	repo    Repository
	drivers DriverGate
	feed    realtime.Feed
	events  events.Publisher
	clock   clock.Clock
	log     *zap.Logger
}

func NewService(d Deps) *Service {
	s := &Service{repo: d.Repo, drivers: d.Drivers, feed: d.Feed, events: d.Events, clock: d.Clock, log: d.Log}
	if s.feed == nil {
		s.feed = realtime.Nop{}
	}
	if s.events == nil {
		s.events = events.Nop{}
	}
	if s.clock == nil {
		s.clock = clock.Real()
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	return s
}

// AssignDriver binds driverID to a pending trip that has no driver yet. The
// status stays pending until the driver accepts.
func (s *Service) AssignDriver(ctx context.Context, actor access.Actor, tripID, driverID types.ID) (*Trip, error) {
	if !access.Can(actor, access.CapTripAssign) && !access.Can(actor, access.CapTripAutoAssign) {
		return nil, apperr.ErrPermissionDenied
	}
	if driverID == "" {
		return nil, apperr.ErrBadRequest
	}
	t, err := s.repo.Get(ctx, tripID)
	if err != nil {
		return nil, err
	}
	if t.Status != StatusPending {
		return nil, apperr.ErrInvalidState
	}
	if t.HasDriver() {
		// Another assignment already won.
		return nil, apperr.ErrConflict
	}
	if err := s.drivers.CheckAssignable(ctx, driverID); err != nil {
		return nil, err
	}

	next := *t
	d := driverID
	next.DriverID = &d
	next.DriverAcknowledged = false
	return s.commit(ctx, actor, t, &next, "trip.assigned", "")
}

// ReleaseDriver unbinds expectedDriver from a pending trip.
func (s *Service) ReleaseDriver(ctx context.Context, actor access.Actor, tripID, expectedDriver types.ID) (*Trip, error) {
	if err := access.Require(actor, access.CapTripAssign); err != nil {
		return nil, err
	}
	t, err := s.repo.Get(ctx, tripID)
	if err != nil {
		return nil, err
	}
	if t.Status != StatusPending {
		return nil, apperr.ErrInvalidState
	}
	if !t.AssignedTo(expectedDriver) {
		return nil, apperr.ErrConflict
	}
	next := *t
	next.DriverID = nil
	next.DriverAcknowledged = false
	return s.commit(ctx, actor, t, &next, "trip.released", "")
}

// ReplaceDriver moves a pending trip from expectedDriver to driverID in one
// conditional write. It fails with ErrConflict once the trip is bound to
// anyone else.
func (s *Service) ReplaceDriver(ctx context.Context, actor access.Actor, tripID, expectedDriver, driverID types.ID) (*Trip, error) {
	if err := access.Require(actor, access.CapTripAssign); err != nil {
		return nil, err
	}
	if driverID == "" || expectedDriver == "" {
		return nil, apperr.ErrBadRequest
	}
	t, err := s.repo.Get(ctx, tripID)
	if err != nil {
		return nil, err
	}
	if t.Status != StatusPending {
		return nil, apperr.ErrInvalidState
	}
	if !t.AssignedTo(expectedDriver) {
		return nil, apperr.ErrConflict
	}
	if err := s.drivers.CheckAssignable(ctx, driverID); err != nil {
		return nil, err
	}

	next := *t
	d := driverID
	next.DriverID = &d
	next.DriverAcknowledged = false
	return s.commit(ctx, actor, t, &next, "trip.reassigned", "")
}

// Acknowledge records that the assigned driver has seen the trip.
func (s *Service) Acknowledge(ctx context.Context, actor access.Actor, tripID types.ID) (*Trip, error) {
	t, err := s.loadForDriver(ctx, actor, tripID)
	if err != nil {
		return nil, err
	}
	if t.Status != StatusPending {
		return nil, apperr.ErrInvalidState
	}
	if t.DriverAcknowledged {
		return t, nil
	}
	next := *t
	next.DriverAcknowledged = true
	return s.commit(ctx, actor, t, &next, "trip.acknowledged", "")
}

func (s *Service) Accept(ctx context.Context, actor access.Actor, tripID types.ID) (*Trip, error) {
	return s.driverStep(ctx, actor, tripID, StatusAccepted)
}

func (s *Service) Start(ctx context.Context, actor access.Actor, tripID types.ID) (*Trip, error) {
	return s.driverStep(ctx, actor, tripID, StatusInProgress)
}

func (s *Service) Complete(ctx context.Context, actor access.Actor, tripID types.ID) (*Trip, error) {
	return s.driverStep(ctx, actor, tripID, StatusCompleted)
}

func (s *Service) driverStep(ctx context.Context, actor access.Actor, tripID types.ID, to Status) (*Trip, error) {
	t, err := s.loadForDriver(ctx, actor, tripID)
	if err != nil {
		return nil, err
	}
	if !CanTransition(t.Status, to) {
		return nil, apperr.ErrInvalidState
	}
	next := t.moveTo(to, s.clock.Now())
	return s.commit(ctx, actor, t, &next, "trip."+string(to), "")
}

// Cancel is allowed for the owning customer, the assigned driver and admins.
// Cancelling an already cancelled trip returns it unchanged.
func (s *Service) Cancel(ctx context.Context, actor access.Actor, tripID types.ID, reason string) (*Trip, error) {
	if err := access.Require(actor, access.CapTripCancel); err != nil {
		return nil, err
	}
	t, err := s.repo.Get(ctx, tripID)
	if err != nil {
		return nil, err
	}
	if !canCancel(actor, t) {
		return nil, apperr.ErrPermissionDenied
	}
	if t.Status == StatusCancelled {
		return t, nil
	}
	if !CanTransition(t.Status, StatusCancelled) {
		return nil, apperr.ErrInvalidState
	}
	next := t.moveTo(StatusCancelled, s.clock.Now())
	by := string(actor.Role)
	next.CancelledBy = &by
	return s.commit(ctx, actor, t, &next, "trip.cancelled", reason)
}

// AdminOverrideStatus moves a non-terminal trip to any status, keeping the
// timestamp invariants. Statuses past pending still require a driver.
func (s *Service) AdminOverrideStatus(ctx context.Context, actor access.Actor, tripID types.ID, to Status, note string) (*Trip, error) {
	if err := access.Require(actor, access.CapTripOverride); err != nil {
		return nil, err
	}
	if !to.Valid() {
		return nil, apperr.ErrBadRequest
	}
	t, err := s.repo.Get(ctx, tripID)
	if err != nil {
		return nil, err
	}
	if t.Status.Terminal() {
		return nil, apperr.ErrInvalidState
	}
	if to == t.Status {
		return t, nil
	}
	if (to == StatusAccepted || to == StatusInProgress || to == StatusCompleted) && !t.HasDriver() {
		return nil, apperr.ErrInvalidState
	}
	next := t.moveTo(to, s.clock.Now())
	if to == StatusCancelled {
		by := string(actor.Role)
		next.CancelledBy = &by
	}
	if to == StatusPending {
		next.DriverAcknowledged = false
	}
	s.log.Info("admin status override",
		zap.String("trip_id", t.ID.String()),
		zap.String("from", string(t.Status)),
		zap.String("to", string(to)),
		zap.String("admin_id", actor.ID.String()),
		zap.String("note", note),
	)
	return s.commit(ctx, actor, t, &next, "trip."+string(to), note)
}

func (s *Service) Get(ctx context.Context, actor access.Actor, tripID types.ID) (*Trip, error) {
	if err := access.Require(actor, access.CapTripRead); err != nil {
		return nil, err
	}
	t, err := s.repo.Get(ctx, tripID)
	if err != nil {
		return nil, err
	}
	if !canRead(actor, t) {
		return nil, apperr.ErrPermissionDenied
	}
	return t, nil
}

func (s *Service) List(ctx context.Context, actor access.Actor, f Filter) ([]Trip, error) {
	if err := access.Require(actor, access.CapTripReadAll); err != nil {
		return nil, err
	}
	if f.Status != "" && !f.Status.Valid() {
		return nil, apperr.ErrBadRequest
	}
	return s.repo.List(ctx, f)
}

func (s *Service) ListForDriver(ctx context.Context, actor access.Actor) ([]Trip, error) {
	if err := access.Require(actor, access.CapTripDrive); err != nil {
		return nil, err
	}
	if actor.DriverID == "" {
		return nil, nil
	}
	return s.repo.List(ctx, Filter{DriverID: actor.DriverID})
}

func (s *Service) ListForCustomer(ctx context.Context, actor access.Actor) ([]Trip, error) {
	if err := access.Require(actor, access.CapTripRead); err != nil {
		return nil, err
	}
	return s.repo.List(ctx, Filter{CustomerID: actor.ID})
}

func (s *Service) Events(ctx context.Context, actor access.Actor, tripID types.ID) ([]Event, error) {
	if err := access.Require(actor, access.CapTripReadAll); err != nil {
		return nil, err
	}
	if _, err := s.repo.Get(ctx, tripID); err != nil {
		return nil, err
	}
	return s.repo.Events(ctx, tripID)
}

// DriverBusy reports whether driverID holds an accepted or in-progress trip.
func (s *Service) DriverBusy(ctx context.Context, driverID types.ID) (bool, error) {
	return s.repo.HasActiveForDriver(ctx, driverID)
}

func (s *Service) loadForDriver(ctx context.Context, actor access.Actor, tripID types.ID) (*Trip, error) {
	if err := access.Require(actor, access.CapTripDrive); err != nil {
		return nil, err
	}
	t, err := s.repo.Get(ctx, tripID)
	if err != nil {
		return nil, err
	}
	if !t.HasDriver() || !actor.IsDriver(*t.DriverID) {
		return nil, apperr.ErrPermissionDenied
	}
	return t, nil
}

func (s *Service) commit(ctx context.Context, actor access.Actor, cur, next *Trip, key, note string) (*Trip, error) {
	if err := next.CheckInvariants(); err != nil {
		return nil, fmt.Errorf("%w: %v", apperr.ErrInvalidState, err)
	}
	now := s.clock.Now()
	next.StatusVersion = cur.StatusVersion + 1
	next.UpdatedAt = now
	ev := &Event{
		TripID:     cur.ID,
		FromStatus: cur.Status,
		ToStatus:   next.Status,
		ActorRole:  string(actor.Role),
		ActorID:    types.IDPtr(actor.ID),
		Note:       note,
		CreatedAt:  now,
	}
	ok, err := s.repo.Transition(ctx, cur, next, ev)
	if err != nil {
		return nil, err
	}
	if !ok {
		metrics.Conflicts.WithLabelValues("trip").Inc()
		return nil, apperr.ErrConflict
	}
	if next.Status != cur.Status {
		metrics.TripTransitions.WithLabelValues(string(next.Status), string(actor.Role)).Inc()
	}
	s.notify(ctx, actor, cur, next, key, note)
	return next, nil
}

func (s *Service) notify(ctx context.Context, actor access.Actor, cur, next *Trip, key, note string) {
	filters := map[string]string{"customer_id": next.CustomerID.String()}
	if next.HasDriver() {
		filters["driver_id"] = next.DriverID.String()
	}
	change := realtime.Change{Table: "trips", RowID: next.ID.String(), Op: "update", Filters: filters, At: next.UpdatedAt}
	if err := s.feed.Publish(ctx, change); err != nil {
		s.log.Warn("publish trip change", zap.String("trip_id", next.ID.String()), zap.Error(err))
	}
	if cur.HasDriver() && !next.AssignedTo(*cur.DriverID) {
		// The released driver must drop the trip from their list.
		old := realtime.Change{Table: "trips", RowID: next.ID.String(), Op: "update",
			Filters: map[string]string{"driver_id": cur.DriverID.String()}, At: next.UpdatedAt}
		if err := s.feed.Publish(ctx, old); err != nil {
			s.log.Warn("publish trip change", zap.String("trip_id", next.ID.String()), zap.Error(err))
		}
	}

	data := map[string]any{
		"from":        string(cur.Status),
		"to":          string(next.Status),
		"customer_id": next.CustomerID.String(),
	}
	if next.HasDriver() {
		data["driver_id"] = next.DriverID.String()
	}
	if note != "" {
		data["note"] = note
	}
	if err := s.events.Publish(ctx, events.Event{
		Key:        key,
		EntityID:   next.ID.String(),
		ActorRole:  string(actor.Role),
		ActorID:    actor.ID.String(),
		Data:       data,
		OccurredAt: next.UpdatedAt,
	}); err != nil {
		s.log.Warn("publish trip event", zap.String("key", key), zap.Error(err))
	}
}

func canCancel(actor access.Actor, t *Trip) bool {
	switch {
	case actor.IsAdmin():
		return true
	case actor.Role == access.RoleCustomer:
		return actor.ID == t.CustomerID
	case actor.Role == access.RoleDriver:
		return t.HasDriver() && actor.IsDriver(*t.DriverID)
	}
	return false
}

func canRead(actor access.Actor, t *Trip) bool {
	if access.Can(actor, access.CapTripReadAll) {
		return true
	}
	if actor.Role == access.RoleCustomer {
		return actor.ID == t.CustomerID
	}
	return t.HasDriver() && actor.IsDriver(*t.DriverID)
}

// NewPending builds a fresh pending trip without a driver.
func NewPending(id, customerID types.ID, pickup, dropoff string, scheduledAt time.Time, price types.Money, now time.Time) *Trip {
	return &Trip{
		ID:          id,
		CustomerID:  customerID,
		Pickup:      pickup,
		Dropoff:     dropoff,
		ScheduledAt: scheduledAt,
		Status:      StatusPending,
		Price:       price,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

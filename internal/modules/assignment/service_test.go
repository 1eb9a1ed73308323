// README: Assignment coordinator tests with in-memory trip and driver services.
package assignment

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"shuttle/internal/access"
	"shuttle/internal/apperr"
	"shuttle/internal/clock"
	"shuttle/internal/config"
	"shuttle/internal/modules/driver"
	"shuttle/internal/modules/trip"
	"shuttle/internal/types"
)

type mockTrips struct {
	mu    sync.Mutex
	trips map[types.ID]*trip.Trip
	busy  map[types.ID]bool
	// beforeReplace runs ahead of the ReplaceDriver write.
	beforeReplace func()
}

func newMockTrips() *mockTrips {
	return &mockTrips{trips: make(map[types.ID]*trip.Trip), busy: make(map[types.ID]bool)}
}

func (m *mockTrips) add(id types.ID, scheduledAt time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trips[id] = &trip.Trip{ID: id, CustomerID: "c1", Status: trip.StatusPending, ScheduledAt: scheduledAt}
}

func (m *mockTrips) Get(_ context.Context, _ access.Actor, id types.ID) (*trip.Trip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trips[id]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *mockTrips) List(_ context.Context, _ access.Actor, f trip.Filter) ([]trip.Trip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []trip.Trip
	for _, t := range m.trips {
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		if f.To != nil && !t.ScheduledAt.Before(*f.To) {
			continue
		}
		out = append(out, *t)
	}
	return out, nil
}

func (m *mockTrips) AssignDriver(_ context.Context, _ access.Actor, tripID, driverID types.ID) (*trip.Trip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trips[tripID]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	if t.Status != trip.StatusPending {
		return nil, apperr.ErrInvalidState
	}
	if t.HasDriver() {
		return nil, apperr.ErrConflict
	}
	d := driverID
	t.DriverID = &d
	cp := *t
	return &cp, nil
}

func (m *mockTrips) ReleaseDriver(_ context.Context, _ access.Actor, tripID, expected types.ID) (*trip.Trip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.trips[tripID]
	if !t.AssignedTo(expected) {
		return nil, apperr.ErrConflict
	}
	t.DriverID = nil
	cp := *t
	return &cp, nil
}

func (m *mockTrips) ReplaceDriver(_ context.Context, _ access.Actor, tripID, expected, driverID types.ID) (*trip.Trip, error) {
	if m.beforeReplace != nil {
		m.beforeReplace()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trips[tripID]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	if t.Status != trip.StatusPending {
		return nil, apperr.ErrInvalidState
	}
	if !t.AssignedTo(expected) {
		return nil, apperr.ErrConflict
	}
	d := driverID
	t.DriverID = &d
	cp := *t
	return &cp, nil
}

func (m *mockTrips) DriverBusy(_ context.Context, driverID types.ID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.busy[driverID], nil
}

func (m *mockTrips) driverOf(id types.ID) types.ID {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d := m.trips[id].DriverID; d != nil {
		return *d
	}
	return ""
}

type mockDrivers struct {
	drivers []driver.Driver
}

func (m *mockDrivers) Get(_ context.Context, _ access.Actor, id types.ID) (*driver.Driver, error) {
	for _, d := range m.drivers {
		if d.ID == id {
			cp := d
			return &cp, nil
		}
	}
	return nil, apperr.ErrNotFound
}

func (m *mockDrivers) List(_ context.Context, _ access.Actor, f driver.Filter) ([]driver.Driver, error) {
	var out []driver.Driver
	for _, d := range m.drivers {
		if f.Status != "" && d.Status != f.Status {
			continue
		}
		if f.Available != nil && d.Available != *f.Available {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

type mockAttempts struct {
	mu   sync.Mutex
	last map[types.ID]time.Time
}

func (m *mockAttempts) RecordAttempt(_ context.Context, id types.ID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.last[id] = at
	return nil
}

func (m *mockAttempts) LastAttempt(_ context.Context, id types.ID) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	at, ok := m.last[id]
	return at, ok, nil
}

func (m *mockAttempts) ClearAttempt(_ context.Context, id types.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.last, id)
	return nil
}

var (
	testNow  = time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	admin    = access.Actor{ID: "admin-1", Role: access.RoleAdmin}
	customer = access.Actor{ID: "c1", Role: access.RoleCustomer}
)

func newTestService(trips *mockTrips, drivers *mockDrivers, attempts Attempts) *Service {
	cfg := config.AssignmentConfig{TickSeconds: 1, Lookahead: 24 * time.Hour, RetryAfter: 5 * time.Minute}
	return NewService(trips, drivers, attempts, cfg, clock.NewManual(testNow), nil)
}

func standardDrivers() *mockDrivers {
	return &mockDrivers{drivers: []driver.Driver{
		{ID: "off", Status: driver.StatusVerified, Available: false},
		{ID: "new", Status: driver.StatusUnverified},
		{ID: "busy", Status: driver.StatusVerified, Available: true},
		{ID: "free", Status: driver.StatusVerified, Available: true},
	}}
}

func TestAssignIgnoresAvailabilityWithWarning(t *testing.T) {
	trips := newMockTrips()
	trips.add("t1", testNow.Add(time.Hour))
	svc := newTestService(trips, standardDrivers(), nil)

	res, err := svc.Assign(context.Background(), admin, "t1", "off")
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if res.Warning == "" {
		t.Fatalf("expected availability warning")
	}
	if trips.driverOf("t1") != "off" {
		t.Fatalf("trip not bound")
	}
}

func TestAssignRejections(t *testing.T) {
	ctx := context.Background()
	trips := newMockTrips()
	trips.add("t1", testNow.Add(time.Hour))
	trips.add("done", testNow.Add(time.Hour))
	trips.trips["done"].Status = trip.StatusCompleted
	svc := newTestService(trips, standardDrivers(), nil)

	cases := []struct {
		name   string
		actor  access.Actor
		trip   types.ID
		driver types.ID
		want   error
	}{
		{"customer", customer, "t1", "free", apperr.ErrPermissionDenied},
		{"missing trip", admin, "nope", "free", apperr.ErrNotFound},
		{"not pending", admin, "done", "free", apperr.ErrInvalidState},
		{"unverified driver", admin, "t1", "new", apperr.ErrDriverNotReady},
		{"missing driver", admin, "t1", "ghost", apperr.ErrNotFound},
	}
	for _, c := range cases {
		if _, err := svc.Assign(ctx, c.actor, c.trip, c.driver); !errors.Is(err, c.want) {
			t.Errorf("%s: expected %v, got %v", c.name, c.want, err)
		}
	}
}

func TestConcurrentAssignOneWinner(t *testing.T) {
	trips := newMockTrips()
	trips.add("t1", testNow.Add(time.Hour))
	drivers := &mockDrivers{}
	for i := 0; i < 6; i++ {
		drivers.drivers = append(drivers.drivers, driver.Driver{ID: types.ID(fmt.Sprintf("d%d", i)), Status: driver.StatusVerified, Available: true})
	}
	svc := newTestService(trips, drivers, nil)

	start := make(chan struct{})
	var wg sync.WaitGroup
	errs := make(chan error, len(drivers.drivers))
	for _, d := range drivers.drivers {
		wg.Add(1)
		go func(id types.ID) {
			defer wg.Done()
			<-start
			_, err := svc.Assign(context.Background(), admin, "t1", id)
			errs <- err
		}(d.ID)
	}
	close(start)
	wg.Wait()
	close(errs)

	wins := 0
	for err := range errs {
		if err == nil {
			wins++
		} else if !errors.Is(err, apperr.ErrConflict) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected one winner, got %d", wins)
	}
}

func TestReassign(t *testing.T) {
	ctx := context.Background()
	trips := newMockTrips()
	trips.add("t1", testNow.Add(time.Hour))
	svc := newTestService(trips, standardDrivers(), nil)

	if _, err := svc.Assign(ctx, admin, "t1", "busy"); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if _, err := svc.Reassign(ctx, admin, "t1", "new"); !errors.Is(err, apperr.ErrDriverNotReady) {
		t.Fatalf("expected ErrDriverNotReady, got %v", err)
	}
	if trips.driverOf("t1") != "busy" {
		t.Fatalf("failed reassignment must keep the previous driver")
	}
	if _, err := svc.Reassign(ctx, admin, "t1", "free"); err != nil {
		t.Fatalf("reassign: %v", err)
	}
	if trips.driverOf("t1") != "free" {
		t.Fatalf("expected free, got %s", trips.driverOf("t1"))
	}
	if _, err := svc.Reassign(ctx, admin, "t1", "free"); err != nil {
		t.Fatalf("reassign to same driver should be a no-op, got %v", err)
	}
}

func TestReassignNeverLeavesTripUnbound(t *testing.T) {
	ctx := context.Background()
	trips := newMockTrips()
	trips.add("t1", testNow.Add(time.Hour))
	svc := newTestService(trips, standardDrivers(), nil)
	if _, err := svc.Assign(ctx, admin, "t1", "busy"); err != nil {
		t.Fatalf("assign: %v", err)
	}

	var raced error
	trips.beforeReplace = func() {
		_, raced = svc.Assign(ctx, admin, "t1", "off")
	}
	if _, err := svc.Reassign(ctx, admin, "t1", "free"); err != nil {
		t.Fatalf("reassign: %v", err)
	}
	if !errors.Is(raced, apperr.ErrConflict) {
		t.Fatalf("concurrent assign should see a bound trip, got %v", raced)
	}
	if got := trips.driverOf("t1"); got != "free" {
		t.Fatalf("expected free, got %q", got)
	}

	trips.beforeReplace = func() {
		trips.mu.Lock()
		d := types.ID("off")
		trips.trips["t1"].DriverID = &d
		trips.mu.Unlock()
	}
	if _, err := svc.Reassign(ctx, admin, "t1", "busy"); !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("expected ErrConflict after a concurrent rebind, got %v", err)
	}
	if got := trips.driverOf("t1"); got != "off" {
		t.Fatalf("the concurrent binding must stay, got %q", got)
	}
}

func TestUnassign(t *testing.T) {
	ctx := context.Background()
	trips := newMockTrips()
	trips.add("t1", testNow.Add(time.Hour))
	svc := newTestService(trips, standardDrivers(), nil)

	if _, err := svc.Unassign(ctx, customer, "t1"); !errors.Is(err, apperr.ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}
	if _, err := svc.Unassign(ctx, admin, "t1"); err != nil {
		t.Fatalf("unassign of an unbound trip should be a no-op, got %v", err)
	}
	if _, err := svc.Assign(ctx, admin, "t1", "free"); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if _, err := svc.Unassign(ctx, admin, "t1"); err != nil {
		t.Fatalf("unassign: %v", err)
	}
	if got := trips.driverOf("t1"); got != "" {
		t.Fatalf("expected unbound trip, got %q", got)
	}
}

func TestAutoAssignRequiresAvailableIdleDriver(t *testing.T) {
	ctx := context.Background()
	trips := newMockTrips()
	trips.add("t1", testNow.Add(time.Hour))
	trips.busy["busy"] = true
	svc := newTestService(trips, standardDrivers(), nil)

	if _, err := svc.AutoAssign(ctx, customer, "t1"); !errors.Is(err, apperr.ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}
	res, err := svc.AutoAssign(ctx, access.System, "t1")
	if err != nil {
		t.Fatalf("auto-assign: %v", err)
	}
	if res.DriverID != "free" {
		t.Fatalf("expected free driver, got %s", res.DriverID)
	}
	if _, err := svc.AutoAssign(ctx, access.System, "t1"); !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("expected ErrConflict on bound trip, got %v", err)
	}

	trips.add("t2", testNow.Add(time.Hour))
	trips.busy["free"] = true
	_, err = svc.AutoAssign(ctx, admin, "t2")
	if !errors.Is(err, ErrNoCandidate) || !errors.Is(err, apperr.ErrDriverNotReady) {
		t.Fatalf("expected ErrNoCandidate, got %v", err)
	}
}

func TestSchedulerTickRespectsRetryWindow(t *testing.T) {
	ctx := context.Background()
	trips := newMockTrips()
	trips.add("soon", testNow.Add(time.Hour))
	trips.add("later", testNow.Add(72*time.Hour))
	attempts := &mockAttempts{last: map[types.ID]time.Time{}}
	drivers := &mockDrivers{}
	svc := newTestService(trips, drivers, attempts)

	svc.tick(ctx)
	if trips.driverOf("soon") != "" {
		t.Fatalf("no drivers yet, trip should stay unbound")
	}
	if _, ok := attempts.last["soon"]; !ok {
		t.Fatalf("expected attempt marker")
	}

	drivers.drivers = []driver.Driver{{ID: "free", Status: driver.StatusVerified, Available: true}}
	svc.tick(ctx)
	if trips.driverOf("soon") != "" {
		t.Fatalf("retry window should suppress a second attempt")
	}

	delete(attempts.last, "soon")
	svc.tick(ctx)
	if trips.driverOf("soon") != "free" {
		t.Fatalf("expected auto-assignment after the window")
	}
	if trips.driverOf("later") != "" {
		t.Fatalf("trips beyond the lookahead must not be assigned")
	}
}

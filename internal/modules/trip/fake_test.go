package trip

import (
	"context"
	"sync"
	"time"

	"shuttle/internal/access"
	"shuttle/internal/apperr"
	"shuttle/internal/clock"
	"shuttle/internal/events"
	"shuttle/internal/realtime"
	"shuttle/internal/types"
)

// memRepo is an in-memory Repository with the same compare-and-swap
// semantics as the Postgres store.
type memRepo struct {
	mu     sync.Mutex
	trips  map[types.ID]Trip
	events []Event
}

func newMemRepo() *memRepo {
	return &memRepo{trips: make(map[types.ID]Trip)}
}

func (m *memRepo) Create(_ context.Context, t *Trip) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trips[t.ID] = *t
	m.events = append(m.events, Event{TripID: t.ID, FromStatus: StatusNone, ToStatus: t.Status, ActorRole: "customer"})
	return nil
}

func (m *memRepo) Get(_ context.Context, id types.ID) (*Trip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trips[id]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	return &t, nil
}

func (m *memRepo) List(_ context.Context, f Filter) ([]Trip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Trip
	for _, t := range m.trips {
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		if f.DriverID != "" && !t.AssignedTo(f.DriverID) {
			continue
		}
		if f.CustomerID != "" && t.CustomerID != f.CustomerID {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func (m *memRepo) Transition(_ context.Context, cur, next *Trip, ev *Event) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.trips[cur.ID]
	if !ok {
		return false, nil
	}
	if row.Status != cur.Status || row.StatusVersion != cur.StatusVersion || !sameDriver(row.DriverID, cur.DriverID) {
		return false, nil
	}
	m.trips[cur.ID] = *next
	e := *ev
	e.ID = int64(len(m.events) + 1)
	m.events = append(m.events, e)
	return true, nil
}

func (m *memRepo) Events(_ context.Context, tripID types.ID) ([]Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Event
	for _, e := range m.events {
		if e.TripID == tripID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memRepo) HasActiveForDriver(_ context.Context, driverID types.ID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.trips {
		if t.AssignedTo(driverID) && t.Status.Active() {
			return true, nil
		}
	}
	return false, nil
}

func sameDriver(a, b *types.ID) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// stubGate treats every driver in verified as assignable.
type stubGate struct {
	mu       sync.Mutex
	verified map[types.ID]bool
}

func (g *stubGate) CheckAssignable(_ context.Context, driverID types.ID) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.verified[driverID] {
		return apperr.ErrDriverNotReady
	}
	return nil
}

var (
	testNow   = time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	admin     = access.Actor{ID: "admin-1", Role: access.RoleAdmin}
	customer  = access.Actor{ID: "cust-1", Role: access.RoleCustomer}
	stranger  = access.Actor{ID: "cust-2", Role: access.RoleCustomer}
	driverOne = access.Actor{ID: "acct-d1", Role: access.RoleDriver, DriverID: "d1"}
	driverTwo = access.Actor{ID: "acct-d2", Role: access.RoleDriver, DriverID: "d2"}
)

type fixture struct {
	svc    *Service
	repo   *memRepo
	gate   *stubGate
	clock  *clock.Manual
	events *events.Recorder
	feed   *realtime.MemoryFeed
}

func newFixture() *fixture {
	f := &fixture{
		repo:   newMemRepo(),
		gate:   &stubGate{verified: map[types.ID]bool{"d1": true, "d2": true}},
		clock:  clock.NewManual(testNow),
		events: &events.Recorder{},
		feed:   realtime.NewMemoryFeed(),
	}
	f.svc = NewService(Deps{Repo: f.repo, Drivers: f.gate, Feed: f.feed, Events: f.events, Clock: f.clock})
	return f
}

func (f *fixture) seed(id types.ID) *Trip {
	t := NewPending(id, customer.ID, "Airport T1", "Hotel Central", testNow.Add(48*time.Hour), types.Cents(15000), testNow)
	_ = f.repo.Create(context.Background(), t)
	return t
}

// seedAt creates a trip and drives it to status with driver d1.
func (f *fixture) seedAt(id types.ID, status Status) *Trip {
	ctx := context.Background()
	f.seed(id)
	if status == StatusPending {
		return mustGet(f, id)
	}
	must(f.svc.AssignDriver(ctx, admin, id, "d1"))
	steps := []Status{StatusAccepted, StatusInProgress, StatusCompleted}
	for _, s := range steps {
		must(f.svc.driverStep(ctx, driverOne, id, s))
		if s == status {
			break
		}
	}
	return mustGet(f, id)
}

func mustGet(f *fixture, id types.ID) *Trip {
	t, err := f.repo.Get(context.Background(), id)
	if err != nil {
		panic(err)
	}
	return t
}

func must(t *Trip, err error) *Trip {
	if err != nil {
		panic(err)
	}
	return t
}

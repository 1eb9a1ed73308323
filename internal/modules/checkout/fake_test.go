package checkout

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"shuttle/internal/access"
	"shuttle/internal/apperr"
	"shuttle/internal/clock"
	"shuttle/internal/events"
	"shuttle/internal/modules/trip"
	"shuttle/internal/retry"
	"shuttle/internal/types"
)

type memRepo struct {
	mu       sync.Mutex
	trips    map[types.ID]trip.Trip
	payments map[types.ID]Payment
	// failures makes the next n Book calls fail with a transient error.
	failures int
	calls    int
}

func newMemRepo() *memRepo {
	return &memRepo{trips: make(map[types.ID]trip.Trip), payments: make(map[types.ID]Payment)}
}

func (r *memRepo) Book(_ context.Context, t *trip.Trip, p *Payment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.failures > 0 {
		r.failures--
		return fmt.Errorf("%w: connection reset", apperr.ErrUnavailable)
	}
	if p.GatewayIntentID != nil {
		for _, existing := range r.payments {
			if existing.GatewayIntentID != nil && *existing.GatewayIntentID == *p.GatewayIntentID {
				return fmt.Errorf("%w: intent already booked", apperr.ErrConflict)
			}
		}
	}
	r.trips[t.ID] = *t
	r.payments[p.ID] = *p
	return nil
}

func (r *memRepo) PaymentByIntent(_ context.Context, intentID string) (*Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.payments {
		if p.GatewayIntentID != nil && *p.GatewayIntentID == intentID {
			cp := p
			return &cp, nil
		}
	}
	return nil, apperr.ErrNotFound
}

func (r *memRepo) PaymentForTrip(_ context.Context, tripID types.ID) (*Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.payments {
		if p.TripID == tripID {
			cp := p
			return &cp, nil
		}
	}
	return nil, apperr.ErrNotFound
}

func (r *memRepo) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.trips), len(r.payments)
}

type fakeGateway struct {
	mu      sync.Mutex
	seq     int
	intents map[string]*Intent
	// outcome is the status Confirm moves an intent to.
	outcome IntentStatus
	// createErrs are returned by the next CreateIntent calls, in order.
	createErrs []error
	creates    int
}

func newFakeGateway(outcome IntentStatus) *fakeGateway {
	return &fakeGateway{intents: make(map[string]*Intent), outcome: outcome}
}

func (g *fakeGateway) CreateIntent(_ context.Context, amount types.Money, metadata map[string]string) (*Intent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.creates++
	if len(g.createErrs) > 0 {
		err := g.createErrs[0]
		g.createErrs = g.createErrs[1:]
		return nil, err
	}
	g.seq++
	id := fmt.Sprintf("pi_%d", g.seq)
	in := &Intent{
		ID:           id,
		ClientSecret: id + "_secret_abc",
		Status:       IntentRequiresPaymentMethod,
		Amount:       amount,
		Metadata:     metadata,
	}
	g.intents[id] = in
	cp := *in
	return &cp, nil
}

func (g *fakeGateway) Confirm(_ context.Context, clientSecret string, _ CardDetails) (*Intent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	in, err := g.lookup(clientSecret)
	if err != nil {
		return nil, err
	}
	in.Status = g.outcome
	cp := *in
	return &cp, nil
}

func (g *fakeGateway) Retrieve(_ context.Context, clientSecret string) (*Intent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	in, err := g.lookup(clientSecret)
	if err != nil {
		return nil, err
	}
	cp := *in
	return &cp, nil
}

func (g *fakeGateway) lookup(secret string) (*Intent, error) {
	id, err := IntentIDFromSecret(secret)
	if err != nil {
		return nil, err
	}
	in, ok := g.intents[id]
	if !ok {
		return nil, &apperr.GatewayError{Op: "lookup", Code: "resource_missing"}
	}
	return in, nil
}

func (g *fakeGateway) settle(id string, status IntentStatus) *Intent {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.intents[id].Status = status
	cp := *g.intents[id]
	return &cp
}

var (
	testNow  = time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	customer = access.Actor{ID: "cust-1", Role: access.RoleCustomer}
	other    = access.Actor{ID: "cust-2", Role: access.RoleCustomer}
)

type fixture struct {
	svc     *Service
	repo    *memRepo
	gateway *fakeGateway
	events  *events.Recorder
}

func newFixture(t *testing.T, outcome IntentStatus) *fixture {
	t.Helper()
	f := &fixture{repo: newMemRepo(), gateway: newFakeGateway(outcome), events: &events.Recorder{}}
	f.svc = NewService(Deps{
		Repo:    f.repo,
		Gateway: f.gateway,
		Events:  f.events,
		Clock:   clock.NewManual(testNow),
		Retry:   retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, Multiplier: 2, MaxDelay: 5 * time.Millisecond},
	})
	return f
}

func draft(cents int64) Draft {
	return Draft{
		Pickup:      "Airport T1",
		Dropoff:     "Hotel Central",
		ScheduledAt: testNow.Add(48 * time.Hour),
		Price:       types.Money{Amount: cents, Currency: "EUR"},
	}
}

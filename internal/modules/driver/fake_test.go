package driver

import (
	"context"
	"sync"
	"time"

	"shuttle/internal/access"
	"shuttle/internal/apperr"
	"shuttle/internal/clock"
	"shuttle/internal/events"
	"shuttle/internal/types"
)

// memRepo mirrors the conditional writes of the Postgres store.
type memRepo struct {
	mu      sync.Mutex
	drivers map[types.ID]Driver
	docs    []Document
	log     []AvailabilityChange
}

func newMemRepo() *memRepo {
	return &memRepo{drivers: make(map[types.ID]Driver)}
}

func (m *memRepo) EnsureProfile(_ context.Context, accountID, newID types.ID) (*Driver, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.drivers {
		if d.AccountID == accountID {
			return &d, nil
		}
	}
	d := Driver{ID: newID, AccountID: accountID, Status: StatusUnverified}
	m.drivers[newID] = d
	return &d, nil
}

func (m *memRepo) Get(_ context.Context, id types.ID) (*Driver, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[id]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	return &d, nil
}

func (m *memRepo) GetByAccount(_ context.Context, accountID types.ID) (*Driver, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.drivers {
		if d.AccountID == accountID {
			return &d, nil
		}
	}
	return nil, apperr.ErrNotFound
}

func (m *memRepo) List(_ context.Context, f Filter) ([]Driver, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Driver
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

func (m *memRepo) UpdateStatus(_ context.Context, cur, next *Driver) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.drivers[cur.ID]
	if !ok || row.Status != cur.Status || row.StatusVersion != cur.StatusVersion {
		return false, nil
	}
	m.drivers[cur.ID] = *next
	return true, nil
}

func (m *memRepo) SetAvailability(_ context.Context, c *AvailabilityChange) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.drivers[c.DriverID]
	if !ok || row.Status != StatusVerified {
		return false, nil
	}
	row.Available = c.Desired
	row.StatusVersion++
	m.drivers[c.DriverID] = row
	m.log = append(m.log, *c)
	return true, nil
}

func (m *memRepo) AvailabilityLog(_ context.Context, driverID types.ID) ([]AvailabilityChange, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []AvailabilityChange
	for _, c := range m.log {
		if c.DriverID == driverID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *memRepo) Documents(_ context.Context, driverID types.ID) ([]Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Document
	for _, d := range m.docs {
		if d.DriverID == driverID && d.Live() {
			out = append(out, d)
		}
	}
	return out, nil
}

func (m *memRepo) ReplaceDocument(_ context.Context, doc *Document) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.docs {
		d := &m.docs[i]
		if d.DriverID == doc.DriverID && d.Type == doc.Type && d.Live() {
			at := doc.UploadedAt
			d.SupersededAt = &at
		}
	}
	m.docs = append(m.docs, *doc)
	return m.demoteLocked(doc.DriverID), nil
}

func (m *memRepo) SetDocumentVerified(_ context.Context, docID types.ID, verified, demoteDriver bool, _ time.Time) (*Document, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.docs {
		d := &m.docs[i]
		if d.ID == docID && d.Live() {
			d.Verified = verified
			demoted := false
			if demoteDriver {
				demoted = m.demoteLocked(d.DriverID)
			}
			out := *d
			return &out, demoted, nil
		}
	}
	return nil, false, apperr.ErrNotFound
}

func (m *memRepo) Demote(_ context.Context, driverID types.ID, _ time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.demoteLocked(driverID), nil
}

func (m *memRepo) demoteLocked(driverID types.ID) bool {
	row, ok := m.drivers[driverID]
	if !ok || row.Status != StatusVerified {
		return false
	}
	row.Status = StatusPending
	row.Available = false
	row.StatusVersion++
	m.drivers[driverID] = row
	return true
}

var (
	testNow  = time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	admin    = access.Actor{ID: "admin-1", Role: access.RoleAdmin}
	customer = access.Actor{ID: "cust-1", Role: access.RoleCustomer}
)

type fixture struct {
	svc    *Service
	repo   *memRepo
	clock  *clock.Manual
	events *events.Recorder
}

func newFixture() *fixture {
	f := &fixture{repo: newMemRepo(), clock: clock.NewManual(testNow), events: &events.Recorder{}}
	f.svc = NewService(Deps{Repo: f.repo, Events: f.events, Clock: f.clock})
	return f
}

// newDriver creates a profile and returns the actor that owns it.
func (f *fixture) newDriver(account types.ID) access.Actor {
	a := access.Actor{ID: account, Role: access.RoleDriver}
	d, err := f.svc.EnsureProfile(context.Background(), a)
	if err != nil {
		panic(err)
	}
	a.DriverID = d.ID
	return a
}

func (f *fixture) uploadAll(a access.Actor) {
	for _, t := range RequiredDocTypes {
		if _, err := f.svc.UploadDocument(context.Background(), a, UploadCommand{DriverID: a.DriverID, Type: t, Location: "s3://docs/" + string(t)}); err != nil {
			panic(err)
		}
	}
}

// verifiedDriver returns a verified, available driver.
func (f *fixture) verifiedDriver(account types.ID) access.Actor {
	ctx := context.Background()
	a := f.newDriver(account)
	f.uploadAll(a)
	if _, err := f.svc.SubmitForReview(ctx, a, a.DriverID); err != nil {
		panic(err)
	}
	if _, err := f.svc.Approve(ctx, admin, a.DriverID); err != nil {
		panic(err)
	}
	if _, err := f.svc.SetAvailability(ctx, a, a.DriverID, true, ""); err != nil {
		panic(err)
	}
	return a
}

func (f *fixture) get(id types.ID) *Driver {
	d, err := f.repo.Get(context.Background(), id)
	if err != nil {
		panic(err)
	}
	return d
}

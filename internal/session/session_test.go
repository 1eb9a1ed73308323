package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"shuttle/internal/apperr"
	"shuttle/internal/cache"
	"shuttle/internal/clock"
	"shuttle/internal/modules/driver"
	"shuttle/internal/retry"
	"shuttle/internal/types"
)

type stubSource struct {
	mu       sync.Mutex
	profiles map[types.ID]types.ID
	err      error
	calls    int
}

func (s *stubSource) ProfileForAccount(_ context.Context, account types.ID) (*driver.Driver, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	id, ok := s.profiles[account]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	return &driver.Driver{ID: id, AccountID: account}, nil
}

func newProfiles(src *stubSource, clk *clock.Manual) *Profiles {
	return NewProfiles(src, cache.Options{
		TTL:      time.Minute,
		Cooldown: 10 * time.Second,
		Retry:    retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond, Multiplier: 2},
		Clock:    clk,
	})
}

func TestProfilesCacheAndInvalidate(t *testing.T) {
	ctx := context.Background()
	src := &stubSource{profiles: map[types.ID]types.ID{}}
	p := newProfiles(src, clock.NewManual(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)))

	id, err := p.DriverID(ctx, "acct-1")
	if err != nil || id != "" {
		t.Fatalf("expected no profile yet, got %q %v", id, err)
	}
	src.profiles["acct-1"] = "d1"
	if id, _ := p.DriverID(ctx, "acct-1"); id != "" {
		t.Fatalf("expected cached empty id, got %q", id)
	}
	p.Invalidate("acct-1")
	if id, _ := p.DriverID(ctx, "acct-1"); id != "d1" {
		t.Fatalf("expected d1 after invalidate, got %q", id)
	}
	if src.calls != 2 {
		t.Fatalf("expected 2 loads, got %d", src.calls)
	}
}

func TestProfilesServeLastKnownGood(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	src := &stubSource{profiles: map[types.ID]types.ID{"acct-1": "d1"}}
	p := newProfiles(src, clk)

	if id, err := p.DriverID(ctx, "acct-1"); err != nil || id != "d1" {
		t.Fatalf("load: %q %v", id, err)
	}
	src.err = errors.New("connection refused")
	clk.Advance(2 * time.Minute)
	id, err := p.DriverID(ctx, "acct-1")
	if err != nil || id != "d1" {
		t.Fatalf("expected last-known-good d1, got %q %v", id, err)
	}

	if _, err := p.DriverID(ctx, "acct-2"); !errors.Is(err, apperr.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable without a cached value, got %v", err)
	}
}

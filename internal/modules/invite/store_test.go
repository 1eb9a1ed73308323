// README: Postgres-backed invite store tests (run with SHUTTLE_TEST_DSN).
package invite

import (
	"context"
	"testing"
	"time"

	"shuttle/internal/access"
	"shuttle/internal/testutil/pgtest"
)

func TestStoreExpiryAndRedemption(t *testing.T) {
	ctx := context.Background()
	store := NewStore(pgtest.Open(t))
	now := time.Now().UTC().Truncate(time.Microsecond)
	past, future := now.Add(-time.Hour), now.Add(time.Hour)

	for _, l := range []Link{
		{Code: "old", Role: access.RoleDriver, CreatedBy: "admin-1", CreatedAt: now, ExpiresAt: &past, Status: StatusActive},
		{Code: "fresh", Role: access.RoleAdmin, CreatedBy: "admin-1", CreatedAt: now, ExpiresAt: &future, Status: StatusActive},
	} {
		l := l
		if err := store.Create(ctx, &l); err != nil {
			t.Fatalf("create %s: %v", l.Code, err)
		}
	}

	if _, ok, err := store.Redeem(ctx, "old", "acct-1", now); err != nil || ok {
		t.Fatalf("lapsed link must not be redeemable: ok=%v err=%v", ok, err)
	}
	n, err := store.MarkExpired(ctx, []string{"old", "fresh-but-not-listed"})
	if err != nil || n != 1 {
		t.Fatalf("mark expired: n=%d err=%v", n, err)
	}

	l, ok, err := store.Redeem(ctx, "fresh", "acct-1", now)
	if err != nil || !ok {
		t.Fatalf("redeem: ok=%v err=%v", ok, err)
	}
	if l.Status != StatusUsed || l.UsedAt == nil || l.UsedBy == nil || *l.UsedBy != "acct-1" {
		t.Fatalf("unexpected link: %+v", l)
	}
	if cur, ok, err := store.Redeem(ctx, "fresh", "acct-2", now); err != nil || ok || cur.Status != StatusUsed {
		t.Fatalf("second redeem: %+v ok=%v err=%v", cur, ok, err)
	}
	if n, err := store.MarkExpired(ctx, []string{"fresh"}); err != nil || n != 0 {
		t.Fatalf("used links must not be expired: n=%d err=%v", n, err)
	}

	active, err := store.List(ctx, []Status{StatusActive}, 0)
	if err != nil || len(active) != 0 {
		t.Fatalf("no link may be active again: %+v %v", active, err)
	}
	used, err := store.List(ctx, []Status{StatusUsed}, 0)
	if err != nil || len(used) != 1 || used[0].Code != "fresh" {
		t.Fatalf("list used: %+v %v", used, err)
	}
}

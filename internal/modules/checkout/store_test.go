// README: Postgres-backed checkout tests (run with SHUTTLE_TEST_DSN).
package checkout

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"shuttle/internal/access"
	"shuttle/internal/apperr"
	"shuttle/internal/clock"
	"shuttle/internal/modules/trip"
	"shuttle/internal/retry"
	"shuttle/internal/testutil/pgtest"
	"shuttle/internal/types"
)

func countRows(t *testing.T, db *pgxpool.Pool, table string) int {
	t.Helper()
	var n int
	if err := db.QueryRow(context.Background(), `SELECT COUNT(*) FROM `+table).Scan(&n); err != nil {
		t.Fatalf("count %s: %v", table, err)
	}
	return n
}

func TestStoreBookRollsBackOnDuplicateIntent(t *testing.T) {
	ctx := context.Background()
	db := pgtest.Open(t)
	store := NewStore(db)
	now := time.Now().UTC().Truncate(time.Microsecond)

	book := func() error {
		tr := trip.NewPending(types.NewID(), "cust-1", "Airport", "Hotel", now.Add(24*time.Hour), types.Cents(15000), now)
		intent := "pi_db_1"
		return store.Book(ctx, tr, &Payment{
			ID:              types.NewID(),
			TripID:          tr.ID,
			Amount:          tr.Price,
			Method:          MethodCard,
			Status:          PaymentCompleted,
			PaidAt:          &now,
			GatewayIntentID: &intent,
			CreatedAt:       now,
		})
	}
	if err := book(); err != nil {
		t.Fatalf("book: %v", err)
	}
	if err := book(); !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("expected ErrConflict for the same intent, got %v", err)
	}
	if n := countRows(t, db, "trips"); n != 1 {
		t.Fatalf("duplicate booking left an orphan trip: %d trips", n)
	}

	p, err := store.PaymentByIntent(ctx, "pi_db_1")
	if err != nil {
		t.Fatalf("payment by intent: %v", err)
	}
	if p.Amount.Amount != 15000 || p.Status != PaymentCompleted || p.PaidAt == nil {
		t.Fatalf("unexpected payment: %+v", p)
	}
	byTrip, err := store.PaymentForTrip(ctx, p.TripID)
	if err != nil || byTrip.ID != p.ID {
		t.Fatalf("payment for trip: %+v %v", byTrip, err)
	}
	if _, err := store.PaymentByIntent(ctx, "pi_missing"); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStoreConcurrentFinalizeBooksOnce(t *testing.T) {
	ctx := context.Background()
	db := pgtest.Open(t)
	now := time.Now().UTC()
	svc := NewService(Deps{
		Repo:  NewStore(db),
		Clock: clock.NewManual(now),
		Retry: retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, Multiplier: 2},
	})
	in := &Intent{
		ID:     "pi_race",
		Status: IntentSucceeded,
		Amount: types.Cents(15000),
		Metadata: draftMetadata(Draft{
			CustomerID:  "cust-1",
			Pickup:      "Airport",
			Dropoff:     "Hotel",
			ScheduledAt: now.Add(24 * time.Hour),
		}),
	}

	const callers = 6
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if _, err := svc.HandleIntentSucceeded(ctx, access.System, in); err != nil {
				t.Errorf("finalize: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	if trips, payments := countRows(t, db, "trips"), countRows(t, db, "payments"); trips != 1 || payments != 1 {
		t.Fatalf("expected one booking, got %d trips %d payments", trips, payments)
	}
}

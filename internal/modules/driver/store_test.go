// README: Postgres-backed driver store tests (run with SHUTTLE_TEST_DSN).
package driver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"shuttle/internal/access"
	"shuttle/internal/apperr"
	"shuttle/internal/testutil/pgtest"
	"shuttle/internal/types"
)

func TestStoreDocumentReplacementAndAvailability(t *testing.T) {
	ctx := context.Background()
	store := NewStore(pgtest.Open(t))
	svc := NewService(Deps{Repo: store})

	a := access.Actor{ID: "acct-db", Role: access.RoleDriver}
	d, err := store.EnsureProfile(ctx, a.ID, types.NewID())
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	again, err := store.EnsureProfile(ctx, a.ID, types.NewID())
	if err != nil || again.ID != d.ID {
		t.Fatalf("second ensure should return the same row: %v", err)
	}
	a.DriverID = d.ID

	if ok, err := store.SetAvailability(ctx, &AvailabilityChange{DriverID: d.ID, Desired: true, ActorRole: "driver", ActorID: a.ID, CreatedAt: time.Now()}); err != nil || ok {
		t.Fatalf("unverified driver must not become available: ok=%v err=%v", ok, err)
	}

	for _, typ := range RequiredDocTypes {
		if _, err := svc.UploadDocument(ctx, a, UploadCommand{DriverID: d.ID, Type: typ, Location: "s3://" + string(typ)}); err != nil {
			t.Fatalf("upload %s: %v", typ, err)
		}
	}
	if _, err := svc.SubmitForReview(ctx, a, d.ID); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := svc.Approve(ctx, access.Actor{ID: "admin", Role: access.RoleAdmin}, d.ID); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if _, err := svc.SetAvailability(ctx, a, d.ID, true, ""); err != nil {
		t.Fatalf("available: %v", err)
	}

	if _, err := svc.UploadDocument(ctx, a, UploadCommand{DriverID: d.ID, Type: DocLicense, Location: "s3://license-v2"}); err != nil {
		t.Fatalf("replace: %v", err)
	}
	got, err := store.Get(ctx, d.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusPending || got.Available {
		t.Fatalf("expected demotion, got %+v", got)
	}
	docs, err := store.Documents(ctx, d.ID)
	if err != nil {
		t.Fatalf("documents: %v", err)
	}
	if len(docs) != 3 {
		t.Fatalf("expected 3 live documents, got %d", len(docs))
	}
	log, err := store.AvailabilityLog(ctx, d.ID)
	if err != nil || len(log) != 1 {
		t.Fatalf("expected one availability change, got %d %v", len(log), err)
	}
}

func TestStoreConcurrentSameTypeUploads(t *testing.T) {
	ctx := context.Background()
	store := NewStore(pgtest.Open(t))
	d, err := store.EnsureProfile(ctx, "acct-race", types.NewID())
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}

	const n = 8
	start := make(chan struct{})
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, err := store.ReplaceDocument(ctx, &Document{
				ID:         types.NewID(),
				DriverID:   d.ID,
				Type:       DocInsurance,
				Location:   fmt.Sprintf("s3://insurance-%d", i),
				UploadedAt: time.Now(),
			})
			errs <- err
		}(i)
	}
	close(start)
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil && !errors.Is(err, apperr.ErrConflict) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	docs, err := store.Documents(ctx, d.ID)
	if err != nil {
		t.Fatalf("documents: %v", err)
	}
	if len(docs) != 1 || docs[0].Type != DocInsurance {
		t.Fatalf("expected exactly one live insurance document, got %+v", docs)
	}
}

package realtime

import (
	"context"
	"testing"
	"time"
)

func TestChannelName(t *testing.T) {
	if got := Channel("trips", "driver_id", "d1"); got != "changes:trips:driver_id=d1" {
		t.Fatalf("unexpected channel %q", got)
	}
}

func TestMemoryFeedDeliversMatchingFilter(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := NewMemoryFeed()

	mine, _ := f.Subscribe(ctx, "trips", "driver_id", "d1")
	other, _ := f.Subscribe(ctx, "trips", "driver_id", "d2")

	_ = f.Publish(ctx, Change{Table: "trips", RowID: "t1", Op: "update", Filters: map[string]string{"driver_id": "d1"}})

	select {
	case c := <-mine:
		if c.RowID != "t1" {
			t.Fatalf("unexpected change %+v", c)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected change for d1")
	}
	select {
	case c := <-other:
		t.Fatalf("d2 should not receive %+v", c)
	default:
	}
}

func TestMemoryFeedClosesOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	f := NewMemoryFeed()
	ch, _ := f.Subscribe(ctx, "trips", "customer_id", "c1")
	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatalf("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatalf("channel not closed after cancel")
	}
}

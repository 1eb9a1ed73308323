// README: Row change notifications keyed by table and filter, fanned out over Redis pub/sub.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type Change struct {
	Table string `json:"table"`
	RowID string `json:"row_id"`
	Op    string `json:"op"`
	// Filters lists the column values subscribers may filter on, e.g. driver_id.
	Filters map[string]string `json:"filters,omitempty"`
	At      time.Time         `json:"at"`
}

type Feed interface {
	Publish(ctx context.Context, c Change) error
	// Subscribe delivers changes on table whose filter key equals value. The
	// channel is closed once ctx is done.
	Subscribe(ctx context.Context, table, key, value string) (<-chan Change, error)
}

func Channel(table, key, value string) string {
	return fmt.Sprintf("changes:%s:%s=%s", table, key, value)
}

type RedisFeed struct {
	rdb *redis.Client
	log *zap.Logger
}

func NewRedisFeed(rdb *redis.Client, log *zap.Logger) *RedisFeed {
	return &RedisFeed{rdb: rdb, log: log}
}

func (f *RedisFeed) Publish(ctx context.Context, c Change) error {
	if c.At.IsZero() {
		c.At = time.Now().UTC()
	}
	body, err := json.Marshal(c)
	if err != nil {
		return err
	}
	for k, v := range c.Filters {
		if v == "" {
			continue
		}
		if err := f.rdb.Publish(ctx, Channel(c.Table, k, v), body).Err(); err != nil {
			return fmt.Errorf("publish change: %w", err)
		}
	}
	return nil
}

func (f *RedisFeed) Subscribe(ctx context.Context, table, key, value string) (<-chan Change, error) {
	sub := f.rdb.Subscribe(ctx, Channel(table, key, value))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}

	out := make(chan Change, 16)
	go func() {
		defer close(out)
		defer sub.Close()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var c Change
				if err := json.Unmarshal([]byte(msg.Payload), &c); err != nil {
					f.log.Warn("drop malformed change", zap.String("channel", msg.Channel), zap.Error(err))
					continue
				}
				select {
				case out <- c:
				default:
					// Slow consumer; changes are only re-fetch hints.
				}
			}
		}
	}()
	return out, nil
}

// MemoryFeed is an in-process Feed for tests and single-node runs.
type MemoryFeed struct {
	mu   sync.Mutex
	subs map[string]map[chan Change]struct{}
}

func NewMemoryFeed() *MemoryFeed {
	return &MemoryFeed{subs: make(map[string]map[chan Change]struct{})}
}

func (f *MemoryFeed) Publish(_ context.Context, c Change) error {
	if c.At.IsZero() {
		c.At = time.Now().UTC()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for k, v := range c.Filters {
		for ch := range f.subs[Channel(c.Table, k, v)] {
			select {
			case ch <- c:
			default:
			}
		}
	}
	return nil
}

func (f *MemoryFeed) Subscribe(ctx context.Context, table, key, value string) (<-chan Change, error) {
	name := Channel(table, key, value)
	ch := make(chan Change, 16)
	f.mu.Lock()
	if f.subs[name] == nil {
		f.subs[name] = make(map[chan Change]struct{})
	}
	f.subs[name][ch] = struct{}{}
	f.mu.Unlock()

	go func() {
		<-ctx.Done()
		f.mu.Lock()
		delete(f.subs[name], ch)
		f.mu.Unlock()
		close(ch)
	}()
	return ch, nil
}

// Nop drops every change.
type Nop struct{}

func (Nop) Publish(context.Context, Change) error { return nil }

func (Nop) Subscribe(ctx context.Context, _, _, _ string) (<-chan Change, error) {
	ch := make(chan Change)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

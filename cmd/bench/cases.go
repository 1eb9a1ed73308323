// README: Smoke checks for the booking and trip lifecycle; includes HTTP, DB, Redis, race and throughput checks.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

type Runner struct {
	cfg   Config
	httpc *http.Client
	db    *pgxpool.Pool
	redis *redis.Client

	// tripID is the booking created by the cash check and walked through the lifecycle.
	tripID string
}

type Result struct {
	Name    string
	Status  string
	Latency time.Duration
	Note    string
}

type TestCase struct {
	Name  string
	Focus string
	Run   func(ctx context.Context, r *Runner) Result
}

func NewRunner(cfg Config) *Runner {
	return &Runner{
		cfg:   cfg,
		httpc: &http.Client{Timeout: 10 * time.Second},
	}
}

func (r *Runner) RunAll(ctx context.Context) []Result {
	if r.cfg.DSN != "" {
		if db, err := pgxpool.New(ctx, r.cfg.DSN); err == nil {
			r.db = db
		}
	}
	if r.cfg.RedisAddr != "" {
		r.redis = redis.NewClient(&redis.Options{Addr: r.cfg.RedisAddr})
	}

	tests := r.cases()
	results := make([]Result, 0, len(tests))

	for _, tc := range tests {
		res := tc.Run(ctx, r)
		res.Name = tc.Name
		results = append(results, res)
		fmt.Printf("%-7s %s", res.Status, tc.Name)
		if res.Latency > 0 {
			fmt.Printf(" (%s)", res.Latency)
		}
		if res.Note != "" {
			fmt.Printf(" - %s", res.Note)
		}
		fmt.Println()
	}

	if r.db != nil {
		r.db.Close()
	}
	if r.redis != nil {
		_ = r.redis.Close()
	}

	return results
}

func (r *Runner) cases() []TestCase {
	return []TestCase{
		{
			Name:  "Env: Postgres connect",
			Focus: "database reachable",
			Run: func(ctx context.Context, r *Runner) Result {
				if r.db == nil {
					return Result{Status: "FAIL", Note: "db not configured"}
				}
				ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
				defer cancel()
				if err := r.db.Ping(ctx); err != nil {
					return Result{Status: "FAIL", Note: err.Error()}
				}
				return Result{Status: "PASS"}
			},
		},
		{
			Name:  "Env: Redis connect",
			Focus: "feed and matcher store reachable",
			Run: func(ctx context.Context, r *Runner) Result {
				if r.redis == nil {
					return Result{Status: "FAIL", Note: "redis not configured"}
				}
				ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
				defer cancel()
				if err := r.redis.Ping(ctx).Err(); err != nil {
					return Result{Status: "FAIL", Note: err.Error()}
				}
				return Result{Status: "PASS"}
			},
		},
		{
			Name:  "Migration: apply (optional)",
			Focus: "apply migration SQL",
			Run: func(ctx context.Context, r *Runner) Result {
				if !r.cfg.ApplyMigration {
					return Result{Status: "SKIP", Note: "apply-migration=false"}
				}
				if r.db == nil {
					return Result{Status: "FAIL", Note: "db not configured"}
				}
				sql, err := os.ReadFile(r.cfg.MigrationPath)
				if err != nil {
					return Result{Status: "FAIL", Note: err.Error()}
				}
				for _, s := range splitSQL(string(sql)) {
					if _, err := r.db.Exec(ctx, s); err != nil {
						return Result{Status: "FAIL", Note: err.Error()}
					}
				}
				return Result{Status: "PASS"}
			},
		},
		{
			Name:  "Migration: tables exist",
			Focus: "every table of the migration is present",
			Run: func(ctx context.Context, r *Runner) Result {
				if r.db == nil {
					return Result{Status: "FAIL", Note: "db not configured"}
				}
				tables, err := extractTables(r.cfg.MigrationPath)
				if err != nil {
					return Result{Status: "FAIL", Note: err.Error()}
				}
				for _, t := range tables {
					var exists bool
					err := r.db.QueryRow(ctx,
						"SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name=$1)",
						t,
					).Scan(&exists)
					if err != nil {
						return Result{Status: "FAIL", Note: err.Error()}
					}
					if !exists {
						return Result{Status: "FAIL", Note: "missing table: " + t}
					}
				}
				return Result{Status: "PASS"}
			},
		},

		expect("API: health", http.MethodGet, "/health", tokenNone, nil, http.StatusOK),
		expect("Auth: missing token -> 401", http.MethodGet, "/api/trips", tokenNone, nil, http.StatusUnauthorized),
		expect("Booking: invalid draft -> 400", http.MethodPost, "/api/checkout/cash", tokenCustomer, map[string]any{}, http.StatusBadRequest),
		{
			Name:  "Booking: cash checkout",
			Focus: "trip and payment committed together",
			Run: func(ctx context.Context, r *Runner) Result {
				if res, ok := r.need(tokenCustomer); !ok {
					return res
				}
				var out struct {
					State  string `json:"state"`
					TripID string `json:"trip_id"`
				}
				code, latency, err := r.call(ctx, http.MethodPost, "/api/checkout/cash", r.token(tokenCustomer), map[string]any{
					"pickup":       "Airport Terminal 1",
					"dropoff":      "Old Town",
					"scheduled_at": time.Now().Add(48 * time.Hour).UTC(),
					"amount_cents": 4500,
					"currency":     "EUR",
				}, &out)
				if err != nil {
					return Result{Status: "FAIL", Note: err.Error()}
				}
				if code != http.StatusCreated || out.TripID == "" {
					return Result{Status: "FAIL", Latency: latency, Note: fmt.Sprintf("status=%d state=%s", code, out.State)}
				}
				r.tripID = out.TripID
				return Result{Status: "PASS", Latency: latency, Note: "trip=" + out.TripID}
			},
		},
		tripStep("Role: customer cannot assign -> 403", http.MethodPost, "/api/admin/trips/%s/assign", tokenCustomer, true, http.StatusForbidden),
		tripStep("Trip: customer reads booking", http.MethodGet, "/api/trips/%s", tokenCustomer, false, http.StatusOK),
		tripStep("Assignment: admin assigns driver", http.MethodPost, "/api/admin/trips/%s/assign", tokenAdmin, true, http.StatusOK),
		{
			Name:  "Concurrency: parallel accept",
			Focus: "exactly one accept wins, the rest conflict",
			Run: func(ctx context.Context, r *Runner) Result {
				if res, ok := r.need(tokenDriver); !ok {
					return res
				}
				if r.tripID == "" {
					return Result{Status: "SKIP", Note: "no booking"}
				}
				return concurrentAccept(ctx, r, "/api/driver/trips/"+r.tripID+"/accept")
			},
		},
		tripStep("Trip: driver starts", http.MethodPost, "/api/driver/trips/%s/start", tokenDriver, false, http.StatusOK),
		tripStep("Trip: driver completes", http.MethodPost, "/api/driver/trips/%s/complete", tokenDriver, false, http.StatusOK),
		tripStep("Trip: completed cannot be cancelled -> 409", http.MethodPost, "/api/trips/%s/cancel", tokenCustomer, false, http.StatusConflict),
		{
			Name:  "Consistency: trip, payment and audit trail",
			Focus: "final status, cash payment and transition log agree",
			Run: func(ctx context.Context, r *Runner) Result {
				if r.db == nil {
					return Result{Status: "FAIL", Note: "db not configured"}
				}
				if r.tripID == "" {
					return Result{Status: "SKIP", Note: "no booking"}
				}
				var status, method string
				var events int
				err := r.db.QueryRow(ctx, `
					SELECT t.status, p.method,
					       (SELECT COUNT(*) FROM trip_events e WHERE e.trip_id = t.id)
					FROM trips t JOIN payments p ON p.trip_id = t.id
					WHERE t.id = $1`, r.tripID).Scan(&status, &method, &events)
				if err != nil {
					return Result{Status: "FAIL", Note: err.Error()}
				}
				if status != "completed" || method != "cash" || events < 3 {
					return Result{Status: "FAIL", Note: fmt.Sprintf("status=%s method=%s events=%d", status, method, events)}
				}
				return Result{Status: "PASS", Note: fmt.Sprintf("events=%d", events)}
			},
		},
		{
			Name:  "Perf: list bookings throughput",
			Focus: "authenticated reads under load",
			Run: func(ctx context.Context, r *Runner) Result {
				if res, ok := r.need(tokenCustomer); !ok {
					return res
				}
				return perfLoad(ctx, r, http.MethodGet, "/api/trips", r.token(tokenCustomer))
			},
		},
	}
}

type tokenKind int

const (
	tokenNone tokenKind = iota
	tokenCustomer
	tokenDriver
	tokenAdmin
)

func (r *Runner) token(k tokenKind) string {
	switch k {
	case tokenCustomer:
		return r.cfg.CustomerToken
	case tokenDriver:
		return r.cfg.DriverToken
	case tokenAdmin:
		return r.cfg.AdminToken
	}
	return ""
}

func (r *Runner) need(k tokenKind) (Result, bool) {
	if k != tokenNone && r.token(k) == "" {
		return Result{Status: "SKIP", Note: "token not configured"}, false
	}
	return Result{}, true
}

func expect(name, method, path string, k tokenKind, body any, want int) TestCase {
	return TestCase{
		Name:  name,
		Focus: "HTTP API",
		Run: func(ctx context.Context, r *Runner) Result {
			if res, ok := r.need(k); !ok {
				return res
			}
			code, latency, err := r.call(ctx, method, path, r.token(k), body, nil)
			return verdict(code, latency, err, want)
		},
	}
}

// tripStep runs a request against the booked trip. withDriver sends the
// configured driver id as the assignment target.
func tripStep(name, method, pathFmt string, k tokenKind, withDriver bool, want int) TestCase {
	return TestCase{
		Name:  name,
		Focus: "trip lifecycle",
		Run: func(ctx context.Context, r *Runner) Result {
			if res, ok := r.need(k); !ok {
				return res
			}
			if r.tripID == "" {
				return Result{Status: "SKIP", Note: "no booking"}
			}
			var body any
			if withDriver {
				if r.cfg.DriverID == "" {
					return Result{Status: "SKIP", Note: "driver-id not configured"}
				}
				body = map[string]string{"driver_id": r.cfg.DriverID}
			}
			code, latency, err := r.call(ctx, method, fmt.Sprintf(pathFmt, r.tripID), r.token(k), body, nil)
			return verdict(code, latency, err, want)
		},
	}
}

func verdict(code int, latency time.Duration, err error, want int) Result {
	if err != nil {
		return Result{Status: "FAIL", Note: err.Error()}
	}
	status := "FAIL"
	if code == want {
		status = "PASS"
	}
	return Result{Status: status, Latency: latency, Note: fmt.Sprintf("status=%d", code)}
}

func (r *Runner) call(ctx context.Context, method, path, token string, body, out any) (int, time.Duration, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, 0, err
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.cfg.BaseURL+path, reader)
	if err != nil {
		return 0, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	start := time.Now()
	resp, err := r.httpc.Do(req)
	if err != nil {
		return 0, 0, err
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
			return resp.StatusCode, time.Since(start), err
		}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, time.Since(start), nil
}

func concurrentAccept(ctx context.Context, r *Runner, path string) Result {
	var wg sync.WaitGroup
	var mu sync.Mutex
	succ, conflicts, other := 0, 0, 0

	start := make(chan struct{})
	for i := 0; i < r.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			code, _, err := r.call(ctx, http.MethodPost, path, r.token(tokenDriver), nil, nil)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				other++
			case code >= 200 && code < 300:
				succ++
			case code == http.StatusConflict:
				conflicts++
			default:
				other++
			}
		}()
	}
	close(start)
	wg.Wait()

	note := fmt.Sprintf("success=%d conflict=%d other=%d", succ, conflicts, other)
	if succ == 1 && other == 0 {
		return Result{Status: "PASS", Note: note}
	}
	return Result{Status: "FAIL", Note: note}
}

func perfLoad(ctx context.Context, r *Runner, method, path, token string) Result {
	end := time.Now().Add(r.cfg.Duration)
	var count, errCount int64
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < r.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for time.Now().Before(end) && ctx.Err() == nil {
				code, _, err := r.call(ctx, method, path, token, nil, nil)
				mu.Lock()
				if err != nil || code >= 500 {
					errCount++
				} else {
					count++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if count == 0 {
		return Result{Status: "FAIL", Note: "no requests completed"}
	}
	rps := float64(count) / r.cfg.Duration.Seconds()
	return Result{Status: "PASS", Note: fmt.Sprintf("rps=%.1f errors=%d", rps, errCount)}
}

func extractTables(path string) ([]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	re := regexp.MustCompile(`(?i)create\s+table\s+if\s+not\s+exists\s+([a-zA-Z0-9_]+)`)
	matches := re.FindAllStringSubmatch(string(b), -1)
	tables := make([]string, 0, len(matches))
	for _, m := range matches {
		tables = append(tables, m[1])
	}
	return tables, nil
}

func splitSQL(sql string) []string {
	lines := strings.Split(sql, "\n")
	filtered := make([]string, 0, len(lines))
	for _, line := range lines {
		l := strings.TrimSpace(line)
		if strings.HasPrefix(l, "--") || l == "" {
			continue
		}
		filtered = append(filtered, line)
	}
	parts := strings.Split(strings.Join(filtered, "\n"), ";")
	stmts := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			stmts = append(stmts, s)
		}
	}
	return stmts
}

// Package loadtest drives concurrent sync engines against a live server.
//
// Each virtual client runs its own engine (replica, mutation gateway, push
// subscription) and issues random adds, updates, toggles and removes against
// the tasks it can see. When all clients are done the run waits for the
// replicas to quiesce and checks that every one of them equals the server's
// list for the scope.
package loadtest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math/rand"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/stratboard/stratboard/internal/client"
	"github.com/stratboard/stratboard/internal/engine"
	"github.com/stratboard/stratboard/internal/live/connstate"
	"github.com/stratboard/stratboard/internal/live/mutation"
	"github.com/stratboard/stratboard/internal/metrics"
	"github.com/stratboard/stratboard/internal/schema"
)

// Options configures a run.
type Options struct {
	BaseURL string
	Token   string
	Scope   string

	// Clients is the number of concurrent engines (default: 10)
	Clients int

	// OpsPerClient is the number of mutations each engine issues (default: 50)
	OpsPerClient int

	// Seed makes the operation mix reproducible (default: 42)
	Seed int64

	// Settle bounds the wait for replicas to converge (default: 10s)
	Settle time.Duration

	// Registry receives the engine collectors, labelled by client index.
	// A private registry is used when nil.
	Registry *prometheus.Registry

	Logger *log.Logger
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() *Options {
	return &Options{
		BaseURL:      "http://localhost:8080",
		Scope:        "loadtest",
		Clients:      10,
		OpsPerClient: 50,
		Seed:         42,
		Settle:       10 * time.Second,
		Logger:       log.New(os.Stderr, "[loadtest] ", log.LstdFlags),
	}
}

// LatencyStats captures mutation round-trip latencies.
type LatencyStats struct {
	Min   time.Duration
	Max   time.Duration
	Mean  time.Duration
	P50   time.Duration // Median
	P95   time.Duration
	P99   time.Duration
	Count int
}

// Report is the outcome of a run.
type Report struct {
	Clients int
	Ops     int

	// Expected outcomes of contention, not failures.
	Conflicts int
	NotFound  int

	// Errors counts every other failed mutation.
	Errors int

	// Taken from the engine collectors.
	Rollbacks int
	Events    int
	Resyncs   int

	Latency *LatencyStats

	ServerTasks int
	Converged   bool

	// Divergent describes each replica that still differs from the server.
	Divergent []string

	Elapsed time.Duration
}

// Run executes the load test.
func Run(ctx context.Context, opts *Options) (*Report, error) {
	if opts == nil {
		opts = DefaultOptions()
	}
	def := DefaultOptions()
	if opts.Clients <= 0 {
		opts.Clients = def.Clients
	}
	if opts.OpsPerClient <= 0 {
		opts.OpsPerClient = def.OpsPerClient
	}
	if opts.Scope == "" {
		opts.Scope = def.Scope
	}
	if opts.Settle <= 0 {
		opts.Settle = def.Settle
	}
	if opts.Logger == nil {
		opts.Logger = def.Logger
	}
	if opts.Registry == nil {
		opts.Registry = prometheus.NewRegistry()
	}

	start := time.Now()
	quiet := log.New(io.Discard, "", 0)

	newTransport := func() (*client.Client, error) {
		return client.New(&client.Config{BaseURL: opts.BaseURL, Token: opts.Token, Logger: quiet})
	}

	runCtx, stopEngines := context.WithCancel(ctx)
	defer stopEngines()

	engines := make([]*engine.Engine, opts.Clients)
	var running sync.WaitGroup
	for i := range engines {
		transport, err := newTransport()
		if err != nil {
			return nil, err
		}
		cfg := engine.DefaultConfig()
		cfg.Scope = opts.Scope
		cfg.Retryer = &connstate.FixedDelayRetryer{Delay: 50 * time.Millisecond, MaxAttempts: 20}
		cfg.Logger = quiet
		cfg.Metrics = metrics.NewSync(prometheus.WrapRegistererWith(prometheus.Labels{"client": strconv.Itoa(i)}, opts.Registry))
		e, err := engine.New(transport, cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create engine %d: %w", i, err)
		}
		engines[i] = e

		running.Add(1)
		go func() {
			defer running.Done()
			_ = e.Run(runCtx)
		}()
	}
	defer running.Wait()

	if err := waitUntil(ctx, opts.Settle, func() bool {
		for _, e := range engines {
			if e.ConnectionState() != connstate.Connected {
				return false
			}
		}
		return true
	}); err != nil {
		return nil, fmt.Errorf("clients did not connect: %w", err)
	}
	opts.Logger.Printf("%d clients connected to %s (scope %s)", opts.Clients, opts.BaseURL, opts.Scope)

	report := &Report{Clients: opts.Clients}
	var mu sync.Mutex
	var durations []time.Duration

	g, gctx := errgroup.WithContext(ctx)
	for i, e := range engines {
		rng := rand.New(rand.NewSource(opts.Seed + int64(i)))
		g.Go(func() error {
			for j := 0; j < opts.OpsPerClient; j++ {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				began := time.Now()
				err := randomOp(gctx, e, rng, i, j)
				elapsed := time.Since(began)

				mu.Lock()
				report.Ops++
				durations = append(durations, elapsed)
				switch {
				case err == nil:
				case errors.Is(err, mutation.ErrConflict):
					report.Conflicts++
				case errors.Is(err, mutation.ErrNotFound), errors.Is(err, mutation.ErrPendingCreate):
					report.NotFound++
				default:
					report.Errors++
				}
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	report.Latency = computeLatencyStats(durations)

	// Wait for quiescence: every replica equals the server list.
	lister, err := newTransport()
	if err != nil {
		return nil, err
	}
	var divergent []string
	waitErr := waitUntil(ctx, opts.Settle, func() bool {
		serverTasks, err := lister.ListTasks(ctx, opts.Scope)
		if err != nil {
			return false
		}
		report.ServerTasks = len(serverTasks)
		divergent = divergent[:0]
		want := fingerprint(serverTasks)
		for i, e := range engines {
			if diff := compare(want, fingerprint(e.All())); diff != "" {
				divergent = append(divergent, fmt.Sprintf("client %d: %s", i, diff))
			}
		}
		return len(divergent) == 0
	})
	report.Converged = waitErr == nil
	report.Rollbacks = sumInt(opts.Registry, "stratboard_sync_rollbacks_total")
	report.Events = sumInt(opts.Registry, "stratboard_sync_events_total")
	report.Resyncs = sumInt(opts.Registry, "stratboard_sync_resyncs_total")
	report.Divergent = append([]string(nil), divergent...)
	report.Elapsed = time.Since(start)

	stopEngines()
	return report, nil
}

// randomOp issues one mutation. Adds dominate while the replica is small.
func randomOp(ctx context.Context, e *engine.Engine, rng *rand.Rand, clientID, seq int) error {
	var ids []string
	for _, t := range e.All() {
		if !schema.IsProvisional(t.ID) {
			ids = append(ids, t.ID)
		}
	}

	roll := rng.Intn(100)
	if len(ids) < 3 || roll < 35 {
		priorities := []int{0, 1, 2, 2, 2, 2, 2, 3, 3, 4}
		_, err := e.Add(ctx, schema.Task{
			Title:    fmt.Sprintf("Task %d-%d", clientID, seq),
			Priority: priorities[rng.Intn(len(priorities))],
			Tags:     []string{"loadtest", fmt.Sprintf("client-%d", clientID)},
		})
		return err
	}

	id := ids[rng.Intn(len(ids))]
	switch {
	case roll < 65:
		_, err := e.Toggle(ctx, id)
		return err
	case roll < 85:
		title := fmt.Sprintf("Task %d-%d (edited)", clientID, seq)
		p := rng.Intn(5)
		_, err := e.Update(ctx, id, schema.TaskPatch{Title: &title, Priority: &p})
		return err
	default:
		return e.Remove(ctx, id)
	}
}

// fingerprint maps id to version.
func fingerprint(tasks []schema.Task) map[string]int64 {
	m := make(map[string]int64, len(tasks))
	for _, t := range tasks {
		m[t.ID] = t.Version
	}
	return m
}

func compare(want, got map[string]int64) string {
	var missing, extra, stale int
	for id, v := range want {
		gv, ok := got[id]
		switch {
		case !ok:
			missing++
		case gv != v:
			stale++
		}
	}
	for id := range got {
		if _, ok := want[id]; !ok {
			extra++
		}
	}
	if missing+extra+stale == 0 {
		return ""
	}
	return fmt.Sprintf("%d missing, %d extra, %d stale", missing, extra, stale)
}

func sumInt(reg *prometheus.Registry, name string) int {
	v, err := metrics.Sum(reg, name)
	if err != nil {
		return 0
	}
	return int(v)
}

func waitUntil(ctx context.Context, timeout time.Duration, cond func() bool) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(25 * time.Millisecond)
	defer ticker.Stop()

	for {
		if cond() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("timed out after %v", timeout)
		case <-ticker.C:
		}
	}
}

// computeLatencyStats calculates statistics from a slice of durations.
func computeLatencyStats(durations []time.Duration) *LatencyStats {
	if len(durations) == 0 {
		return &LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i] < sorted[j]
	})

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	return &LatencyStats{
		Min:   sorted[0],
		Max:   sorted[len(sorted)-1],
		Mean:  sum / time.Duration(len(durations)),
		P50:   sorted[len(sorted)*50/100],
		P95:   sorted[len(sorted)*95/100],
		P99:   sorted[len(sorted)*99/100],
		Count: len(durations),
	}
}

// PrintReport formats and prints a report.
func (r *Report) PrintReport(w io.Writer) {
	fmt.Fprintf(w, "Load test: %d clients, %d mutations in %v\n", r.Clients, r.Ops, r.Elapsed.Round(time.Millisecond))
	fmt.Fprintf(w, "  Conflicts:     %d\n", r.Conflicts)
	fmt.Fprintf(w, "  Not found:     %d\n", r.NotFound)
	fmt.Fprintf(w, "  Errors:        %d\n", r.Errors)
	fmt.Fprintf(w, "  Rollbacks:     %d\n", r.Rollbacks)
	fmt.Fprintf(w, "  Push events:   %d\n", r.Events)
	fmt.Fprintf(w, "  Resyncs:       %d\n", r.Resyncs)
	if r.Latency != nil {
		fmt.Fprintf(w, "  Latency P50:   %v\n", r.Latency.P50)
		fmt.Fprintf(w, "  Latency P95:   %v\n", r.Latency.P95)
		fmt.Fprintf(w, "  Latency P99:   %v\n", r.Latency.P99)
		fmt.Fprintf(w, "  Latency Max:   %v\n", r.Latency.Max)
	}
	fmt.Fprintf(w, "  Server tasks:  %d\n", r.ServerTasks)
	fmt.Fprintf(w, "  Converged:     %v\n", r.Converged)
	for _, d := range r.Divergent {
		fmt.Fprintf(w, "    %s\n", d)
	}
}

package client

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stratboard/stratboard/internal/api"
	"github.com/stratboard/stratboard/internal/db"
	"github.com/stratboard/stratboard/internal/engine"
	"github.com/stratboard/stratboard/internal/live/connstate"
	"github.com/stratboard/stratboard/internal/live/feed"
	"github.com/stratboard/stratboard/internal/live/mutation"
	"github.com/stratboard/stratboard/internal/schema"
)

var quiet = log.New(io.Discard, "", 0)

// setupAPI starts a real server over a temp sqlite database.
func setupAPI(t *testing.T) (*httptest.Server, *Client) {
	t.Helper()

	store, err := db.Open(filepath.Join(t.TempDir(), "client.db"))
	if err != nil {
		t.Fatalf("db.Open() failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	srv := api.NewServer(store, &api.Config{Logger: quiet, Hub: &api.HubConfig{PingInterval: time.Hour}})
	ctx, cancel := context.WithCancel(context.Background())
	go srv.Hub().Run(ctx)

	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		cancel()
		hs.Close()
	})

	return hs, newClient(t, hs.URL)
}

func newClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	c, err := New(&Config{BaseURL: baseURL, MaxRetries: 2, BaseDelay: time.Millisecond, Logger: quiet})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	return c
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(&Config{BaseURL: "ftp://example.com"}); err == nil {
		t.Error("New() with ftp scheme succeeded, want error")
	}
	c, err := New(&Config{BaseURL: "https://tasks.example.com/"})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	if got, want := c.FeedURL("team a"), "wss://tasks.example.com/v1/scopes/team%20a/feed"; got != want {
		t.Errorf("FeedURL() = %q, want %q", got, want)
	}
}

func TestHTTPError_Is(t *testing.T) {
	tests := []struct {
		status       int
		wantNotFound bool
		wantConflict bool
	}{
		{http.StatusNotFound, true, false},
		{http.StatusConflict, false, true},
		{http.StatusInternalServerError, false, false},
	}
	for _, tt := range tests {
		err := error(&HTTPError{StatusCode: tt.status})
		if got := errors.Is(err, mutation.ErrNotFound); got != tt.wantNotFound {
			t.Errorf("%d: Is(ErrNotFound) = %v, want %v", tt.status, got, tt.wantNotFound)
		}
		if got := errors.Is(err, mutation.ErrConflict); got != tt.wantConflict {
			t.Errorf("%d: Is(ErrConflict) = %v, want %v", tt.status, got, tt.wantConflict)
		}
	}
}

func TestTaskRoundTrip(t *testing.T) {
	_, c := setupAPI(t)
	ctx := context.Background()

	created, err := c.CreateTask(ctx, "alice", schema.Task{
		ID:       "temp-local",
		Title:    "Draft proposal",
		Status:   schema.StatusOpen,
		Priority: 1,
		Tags:     []string{"q3"},
		Version:  0,
	}, "tok-1")
	if err != nil {
		t.Fatalf("CreateTask() failed: %v", err)
	}
	if schema.IsProvisional(created.ID) || created.Version != 1 {
		t.Fatalf("created = %+v, want server identity at v1", created)
	}

	updated, err := c.UpdateTask(ctx, "alice", created.ID, schema.StatusPatch(schema.StatusDone, 1), "tok-2")
	if err != nil {
		t.Fatalf("UpdateTask() failed: %v", err)
	}
	if updated.CompletedAt == nil {
		t.Error("CompletedAt = nil, want server-computed value")
	}

	_, err = c.UpdateTask(ctx, "alice", created.ID, schema.StatusPatch(schema.StatusOpen, 1), "tok-3")
	if !errors.Is(err, mutation.ErrConflict) {
		t.Errorf("stale UpdateTask() error = %v, want ErrConflict", err)
	}

	stats, err := c.Stats(ctx, "alice")
	if err != nil {
		t.Fatalf("Stats() failed: %v", err)
	}
	if stats.ByStatus[schema.StatusDone] != 1 {
		t.Errorf("stats = %+v, want one done task", stats)
	}

	if err := c.DeleteTask(ctx, "alice", created.ID, "tok-4"); err != nil {
		t.Fatalf("DeleteTask() failed: %v", err)
	}
	if _, err := c.GetTask(ctx, "alice", created.ID); !IsNotFound(err) {
		t.Errorf("GetTask() after delete error = %v, want not found", err)
	}

	list, err := c.ListTasks(ctx, "alice")
	if err != nil {
		t.Fatalf("ListTasks() failed: %v", err)
	}
	if len(list) != 0 {
		t.Errorf("ListTasks() = %d tasks, want 0", len(list))
	}
}

func TestUpdateTaskClearsTags(t *testing.T) {
	_, c := setupAPI(t)
	ctx := context.Background()

	created, err := c.CreateTask(ctx, "alice", schema.Task{Title: "Tagged", Tags: []string{"q3", "okr"}}, "tok-1")
	if err != nil {
		t.Fatalf("CreateTask() failed: %v", err)
	}

	updated, err := c.UpdateTask(ctx, "alice", created.ID, schema.TaskPatch{Tags: []string{}, BaseVersion: created.Version}, "tok-2")
	if err != nil {
		t.Fatalf("UpdateTask() clearing tags failed: %v", err)
	}
	if len(updated.Tags) != 0 || updated.Version != created.Version+1 {
		t.Errorf("updated = %+v, want no tags at v%d", updated, created.Version+1)
	}

	got, err := c.GetTask(ctx, "alice", created.ID)
	if err != nil {
		t.Fatalf("GetTask() failed: %v", err)
	}
	if len(got.Tags) != 0 {
		t.Errorf("stored tags = %v, want none", got.Tags)
	}
}

func TestRetriesOnlyIdempotentRequests(t *testing.T) {
	var calls atomic.Int32
	hs := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		if r.Method == http.MethodGet && n > 1 {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`[]`))
			return
		}
		w.Header().Set("Retry-After", "0")
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer hs.Close()
	c := newClient(t, hs.URL)

	if _, err := c.ListTasks(context.Background(), "alice"); err != nil {
		t.Fatalf("ListTasks() failed after retry: %v", err)
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("GET calls = %d, want 2", got)
	}

	calls.Store(0)
	_, err := c.CreateTask(context.Background(), "alice", schema.Task{Title: "x"}, "tok")
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("CreateTask() error = %v, want 503 HTTPError", err)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("POST calls = %d, want 1", got)
	}
}

func TestRetryDelay(t *testing.T) {
	c := &Client{config: &Config{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}}
	tests := []struct {
		attempt    int
		retryAfter string
		want       time.Duration
	}{
		{1, "", 100 * time.Millisecond},
		{2, "", 200 * time.Millisecond},
		{4, "", 800 * time.Millisecond},
		{5, "", time.Second},
		{1, "3", time.Second},
	}
	for _, tt := range tests {
		if got := c.retryDelay(tt.attempt, tt.retryAfter); got != tt.want {
			t.Errorf("retryDelay(%d, %q) = %v, want %v", tt.attempt, tt.retryAfter, got, tt.want)
		}
	}
}

func TestCheckProtocol(t *testing.T) {
	tests := []struct {
		server  string
		wantErr bool
	}{
		{schema.ProtocolVersion, false},
		{"v1.0.0", false},
		{"v1.9.3", false},
		{"v2.0.0", true},
		{"", true},
		{"1.2.0", true},
	}
	for _, tt := range tests {
		err := checkProtocol(tt.server)
		if (err != nil) != tt.wantErr {
			t.Errorf("checkProtocol(%q) error = %v, wantErr %v", tt.server, err, tt.wantErr)
		}
		if err != nil && !errors.Is(err, ErrIncompatibleProtocol) {
			t.Errorf("checkProtocol(%q) error = %v, want ErrIncompatibleProtocol", tt.server, err)
		}
	}
}

func TestSubscribeDeliversEvents(t *testing.T) {
	_, c := setupAPI(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var states []connstate.State
	var events []feed.Event[schema.Task]

	unsubscribe, err := c.Subscribe(ctx, "alice",
		func(ev feed.Event[schema.Task]) {
			mu.Lock()
			events = append(events, ev)
			mu.Unlock()
		},
		func(s connstate.State, err error) {
			mu.Lock()
			states = append(states, s)
			mu.Unlock()
		})
	if err != nil {
		t.Fatalf("Subscribe() failed: %v", err)
	}

	waitFor(t, "connected", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(states) > 0 && states[len(states)-1] == connstate.Connected
	})

	created, err := c.CreateTask(ctx, "alice", schema.Task{Title: "Pushed", Status: schema.StatusOpen}, "tok-9")
	if err != nil {
		t.Fatalf("CreateTask() failed: %v", err)
	}

	waitFor(t, "insert event", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 1
	})
	mu.Lock()
	ev := events[0]
	mu.Unlock()
	if ev.Op != feed.OpInsert || ev.ID != created.ID || ev.Origin != "tok-9" || ev.Record == nil {
		t.Errorf("event = %+v, want insert of %s with origin tok-9", ev, created.ID)
	}

	unsubscribe()
	mu.Lock()
	last := states[len(states)-1]
	mu.Unlock()
	if last != connstate.Disconnected {
		t.Errorf("final state = %v, want disconnected", last)
	}
}

func TestSubscribeDialFailure(t *testing.T) {
	c := newClient(t, "http://127.0.0.1:1")
	_, err := c.Subscribe(context.Background(), "alice", func(feed.Event[schema.Task]) {}, func(connstate.State, error) {})
	if err == nil {
		t.Fatal("Subscribe() to closed port succeeded, want error")
	}
}

// TestEnginesConverge drives two engines through the real server: a create
// on one appears on the other through the push feed, reconciled to the same
// server identity.
func TestEnginesConverge(t *testing.T) {
	hs, _ := setupAPI(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	newEngine := func() *engine.Engine {
		cfg := engine.DefaultConfig()
		cfg.Scope = "alice"
		cfg.Retryer = &connstate.FixedDelayRetryer{Delay: 10 * time.Millisecond, MaxAttempts: 5}
		cfg.Logger = quiet
		e, err := engine.New(newClient(t, hs.URL), cfg)
		if err != nil {
			t.Fatalf("engine.New() failed: %v", err)
		}
		go e.Run(ctx)
		waitFor(t, "engine connected", func() bool { return e.ConnectionState() == connstate.Connected })
		return e
	}
	a, b := newEngine(), newEngine()

	created, err := a.Add(ctx, schema.Task{Title: "Draft proposal"})
	if err != nil {
		t.Fatalf("Add() failed: %v", err)
	}
	if schema.IsProvisional(created.ID) {
		t.Fatalf("Add() returned provisional id %q", created.ID)
	}

	waitFor(t, "replica b to see the task", func() bool {
		got, ok := b.Get(created.ID)
		return ok && got.Title == "Draft proposal"
	})
	if n := len(a.All()); n != 1 {
		t.Errorf("replica a holds %d tasks, want 1", n)
	}

	if _, err := b.Toggle(ctx, created.ID); err != nil {
		t.Fatalf("Toggle() failed: %v", err)
	}
	waitFor(t, "replica a to see the toggle", func() bool {
		got, ok := a.Get(created.ID)
		return ok && got.Status == schema.StatusDone && got.CompletedAt != nil
	})

	if err := a.Remove(ctx, created.ID); err != nil {
		t.Fatalf("Remove() failed: %v", err)
	}
	waitFor(t, "replica b to drop the task", func() bool {
		_, ok := b.Get(created.ID)
		return !ok
	})
}

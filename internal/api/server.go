// Package api serves the task collection over REST and streams its changes to
// websocket subscribers.
//
// Every successful mutation is published to the scope's subscribers as a push
// event. The request's X-Correlation-Id header is echoed as the event origin,
// which lets the issuing client recognise the echo of its own create.
package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/stratboard/stratboard/internal/metrics"
	"github.com/stratboard/stratboard/internal/schema"
)

// CorrelationHeader carries the client's correlation token on mutations.
const CorrelationHeader = "X-Correlation-Id"

// Store is the authoritative task store. *db.DB satisfies it.
type Store interface {
	CreateTask(ctx context.Context, scope string, draft schema.Task, now time.Time) (schema.Task, error)
	GetTask(ctx context.Context, scope, id string) (schema.Task, error)
	ListTasks(ctx context.Context, scope string) ([]schema.Task, error)
	UpdateTask(ctx context.Context, scope, id string, patch schema.TaskPatch, now time.Time) (schema.Task, error)
	DeleteTask(ctx context.Context, scope, id string) error
	Stats(ctx context.Context, scope string, now time.Time) (schema.Stats, error)
}

// Config holds server configuration
type Config struct {
	// Addr to listen on (default: ":8080")
	Addr string

	// AuthToken, when set, is required as a bearer token on /v1 routes.
	AuthToken string

	// Hub configures the push hub. Metrics, Now and Logger are inherited
	// from the server when unset.
	Hub *HubConfig

	// Registry exposes /metrics when set.
	Registry *prometheus.Registry
	Metrics  *metrics.Server

	Now    func() time.Time
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Addr:   ":8080",
		Hub:    DefaultHubConfig(),
		Now:    time.Now,
		Logger: log.Default(),
	}
}

// Server is the task API server.
type Server struct {
	config *Config
	store  Store
	hub    *Hub
	router chi.Router

	listener net.Listener
}

// NewServer creates a server over store.
func NewServer(store Store, config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Addr == "" {
		config.Addr = ":8080"
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.Logger == nil {
		config.Logger = log.Default()
	}
	if config.Hub == nil {
		config.Hub = DefaultHubConfig()
	}
	if config.Hub.Metrics == nil {
		config.Hub.Metrics = config.Metrics
	}
	if config.Hub.Now == nil {
		config.Hub.Now = config.Now
	}
	if config.Hub.Logger == nil {
		config.Hub.Logger = config.Logger
	}

	s := &Server{
		config: config,
		store:  store,
		hub:    NewHub(config.Hub),
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.observe)

	r.Get("/health", s.handleHealth)
	if s.config.Registry != nil {
		r.Method(http.MethodGet, "/metrics", metrics.Handler(s.config.Registry))
	}

	r.Route("/v1/scopes/{scope}", func(r chi.Router) {
		r.Use(s.authenticate)

		r.Get("/tasks", s.handleListTasks)
		r.Post("/tasks", s.handleCreateTask)
		r.Get("/tasks/{id}", s.handleGetTask)
		r.Patch("/tasks/{id}", s.handleUpdateTask)
		r.Delete("/tasks/{id}", s.handleDeleteTask)
		r.Get("/stats", s.handleStats)
		r.Get("/feed", s.handleFeed)
	})

	return r
}

// Handler returns the HTTP handler. The hub must be running separately
// (see Hub().Run) when the handler is mounted without ListenAndServe.
func (s *Server) Handler() http.Handler { return s.router }

// Hub returns the push hub, used to publish server-side changes.
func (s *Server) Hub() *Hub { return s.hub }

// ListenAndServe runs the hub and the HTTP server until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Addr, err)
	}
	s.listener = ln

	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	hubCtx, stopHub := context.WithCancel(ctx)
	defer stopHub()
	go s.hub.Run(hubCtx)

	errCh := make(chan error, 1)
	go func() {
		s.config.Logger.Printf("API server listening on %s", ln.Addr())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	s.config.Logger.Println("Stopping API server")
	stopHub()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}
	s.config.Logger.Println("API server stopped")
	return nil
}

// Addr returns the listening address once ListenAndServe has started.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.config.Addr
}

// authenticate enforces the bearer token. Browsers cannot set headers on
// websocket upgrades, so the token is also accepted as ?token=.
func (s *Server) authenticate(next http.Handler) http.Handler {
	if s.config.AuthToken == "" {
		return next
	}
	want := []byte(s.config.AuthToken)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if got == "" {
			got = r.URL.Query().Get("token")
		}
		if subtle.ConstantTimeCompare([]byte(got), want) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// observe records request counts and latencies by route pattern.
func (s *Server) observe(next http.Handler) http.Handler {
	if s.config.Metrics == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.config.Metrics.ObserveRequest(route, r.Method, fmt.Sprint(status), time.Since(start).Seconds())
	})
}

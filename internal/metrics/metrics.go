// Package metrics defines the prometheus collectors for the server and the
// client sync engine.
//
// Collectors are registered on a caller-supplied registry so that several
// servers or engines can live in one process (tests, the load tester).
// All recording methods are safe on a nil receiver.
package metrics

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/stratboard/stratboard/internal/live/connstate"
	"github.com/stratboard/stratboard/internal/live/mutation"
)

const namespace = "stratboard"

// NewRegistry returns a registry with the Go runtime and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler exposes reg in the prometheus text format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

// Sum adds up every counter or gauge series of the family name.
// A family that has not been observed yet sums to zero.
func Sum(g prometheus.Gatherer, name string) (float64, error) {
	families, err := g.Gather()
	if err != nil {
		return 0, fmt.Errorf("failed to gather metrics: %w", err)
	}
	var total float64
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			total += m.GetCounter().GetValue() + m.GetGauge().GetValue()
		}
	}
	return total, nil
}

// Server holds the API server collectors.
type Server struct {
	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	feedClients     *prometheus.GaugeVec
	eventsPublished *prometheus.CounterVec
	slowClients     prometheus.Counter
	inboxImported   *prometheus.CounterVec
}

// NewServer registers the server collectors on reg.
func NewServer(reg prometheus.Registerer) *Server {
	f := promauto.With(reg)
	return &Server{
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route, method and status code",
		}, []string{"route", "method", "code"}),
		requestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}, []string{"route"}),
		feedClients: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "feed_clients",
			Help:      "Connected push feed clients by scope",
		}, []string{"scope"}),
		eventsPublished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feed_events_published_total",
			Help:      "Push events published by type",
		}, []string{"type"}),
		slowClients: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feed_slow_clients_dropped_total",
			Help:      "Feed clients disconnected because their buffer was full",
		}),
		inboxImported: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbox_files_total",
			Help:      "Inbox task files processed by result",
		}, []string{"result"}),
	}
}

// ObserveRequest records one handled HTTP request.
func (s *Server) ObserveRequest(route, method, code string, seconds float64) {
	if s == nil {
		return
	}
	s.requests.WithLabelValues(route, method, code).Inc()
	s.requestDuration.WithLabelValues(route).Observe(seconds)
}

// SetFeedClients sets the number of feed clients for scope.
func (s *Server) SetFeedClients(scope string, n int) {
	if s == nil {
		return
	}
	s.feedClients.WithLabelValues(scope).Set(float64(n))
}

// EventPublished counts a push event of the given type.
func (s *Server) EventPublished(eventType string) {
	if s == nil {
		return
	}
	s.eventsPublished.WithLabelValues(eventType).Inc()
}

// SlowClientDropped counts a client dropped for falling behind.
func (s *Server) SlowClientDropped() {
	if s == nil {
		return
	}
	s.slowClients.Inc()
}

// InboxFile counts a processed inbox file; result is "imported" or "rejected".
func (s *Server) InboxFile(result string) {
	if s == nil {
		return
	}
	s.inboxImported.WithLabelValues(result).Inc()
}

// Sync holds the client engine collectors.
type Sync struct {
	mutations *prometheus.CounterVec
	rollbacks *prometheus.CounterVec
	events    *prometheus.CounterVec
	state     *prometheus.GaugeVec
	resyncs   *prometheus.CounterVec
	records   prometheus.Gauge
}

// NewSync registers the engine collectors on reg.
func NewSync(reg prometheus.Registerer) *Sync {
	f := promauto.With(reg)
	return &Sync{
		mutations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "mutations_total",
			Help:      "Mutations by kind and result",
		}, []string{"kind", "result"}),
		rollbacks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "rollbacks_total",
			Help:      "Optimistic changes rolled back by mutation kind",
		}, []string{"kind"}),
		events: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "events_total",
			Help:      "Push events received by operation",
		}, []string{"op"}),
		state: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "connection_state",
			Help:      "1 for the current connection state, 0 otherwise",
		}, []string{"state"}),
		resyncs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "resyncs_total",
			Help:      "Full list resynchronisations by result",
		}, []string{"result"}),
		records: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "records",
			Help:      "Records in the local replica",
		}),
	}
}

// ObserveMutation counts a finished mutation and its rollback, if any.
func (s *Sync) ObserveMutation(kind mutation.Kind, err error) {
	if s == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
		var mErr *mutation.Error
		if errors.As(err, &mErr) && mErr.RolledBack {
			s.rollbacks.WithLabelValues(kind.String()).Inc()
		}
	}
	s.mutations.WithLabelValues(kind.String(), result).Inc()
}

// EventReceived counts a push event.
func (s *Sync) EventReceived(op string) {
	if s == nil {
		return
	}
	s.events.WithLabelValues(op).Inc()
}

// SetState marks state as the current connection state.
func (s *Sync) SetState(state connstate.State) {
	if s == nil {
		return
	}
	for _, st := range []connstate.State{connstate.Disconnected, connstate.Connecting, connstate.Connected, connstate.Error} {
		v := 0.0
		if st == state {
			v = 1
		}
		s.state.WithLabelValues(st.String()).Set(v)
	}
}

// Resync counts a resynchronisation attempt.
func (s *Sync) Resync(err error) {
	if s == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	s.resyncs.WithLabelValues(result).Inc()
}

// SetRecords sets the replica size.
func (s *Sync) SetRecords(n int) {
	if s == nil {
		return
	}
	s.records.Set(float64(n))
}

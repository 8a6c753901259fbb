package api

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/stratboard/stratboard/internal/metrics"
	"github.com/stratboard/stratboard/internal/schema"
)

// HubConfig holds push hub options.
type HubConfig struct {
	// ClientBuffer is the number of events queued per client before the
	// client is dropped as too slow (default: 64)
	ClientBuffer int

	// PingInterval between keepalive events (default: 30s)
	PingInterval time.Duration

	// WriteTimeout bounds a single websocket write (default: 5s)
	WriteTimeout time.Duration

	Metrics *metrics.Server
	Now     func() time.Time
	Logger  *log.Logger
}

// DefaultHubConfig returns sensible defaults.
func DefaultHubConfig() *HubConfig {
	return &HubConfig{
		ClientBuffer: 64,
		PingInterval: 30 * time.Second,
		WriteTimeout: 5 * time.Second,
		Now:          time.Now,
		Logger:       log.Default(),
	}
}

// feedClient is one websocket subscriber.
type feedClient struct {
	scope string
	conn  *websocket.Conn
	send  chan schema.Event

	// closed once the hub stops delivering to this client
	done        chan struct{}
	doneOnce    sync.Once
	closeCode   websocket.StatusCode
	closeReason string
}

func (c *feedClient) stop(code websocket.StatusCode, reason string) {
	c.doneOnce.Do(func() {
		c.closeCode = code
		c.closeReason = reason
		close(c.done)
	})
}

// Hub fans push events out to the websocket subscribers of each scope.
// Delivery is at most once: a client whose buffer is full is disconnected and
// recovers by resyncing when it reconnects.
type Hub struct {
	config *HubConfig

	mu      sync.RWMutex
	clients map[string]map[*feedClient]struct{}

	broadcast chan schema.Event
}

// NewHub creates a hub. Run must be called for events to be delivered.
func NewHub(config *HubConfig) *Hub {
	if config == nil {
		config = DefaultHubConfig()
	}
	def := DefaultHubConfig()
	if config.ClientBuffer <= 0 {
		config.ClientBuffer = def.ClientBuffer
	}
	if config.PingInterval <= 0 {
		config.PingInterval = def.PingInterval
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = def.WriteTimeout
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.Logger == nil {
		config.Logger = def.Logger
	}

	return &Hub{
		config:    config,
		clients:   make(map[string]map[*feedClient]struct{}),
		broadcast: make(chan schema.Event, 256),
	}
}

// Publish queues ev for the subscribers of ev.Scope.
func (h *Hub) Publish(ev schema.Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = h.config.Now().UTC()
	}
	select {
	case h.broadcast <- ev:
	default:
		h.config.Logger.Printf("Warning: broadcast channel full, dropping %s event for %s", ev.Type, ev.ID)
	}
}

// Run delivers queued events until ctx is cancelled, then disconnects every
// client.
func (h *Hub) Run(ctx context.Context) {
	defer h.closeAll()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-h.broadcast:
			h.deliver(ev)
		}
	}
}

func (h *Hub) deliver(ev schema.Event) {
	h.mu.RLock()
	targets := make([]*feedClient, 0, len(h.clients[ev.Scope]))
	for c := range h.clients[ev.Scope] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		select {
		case c.send <- ev:
		default:
			h.config.Logger.Printf("Dropping slow client in scope %s", c.scope)
			h.config.Metrics.SlowClientDropped()
			c.stop(websocket.StatusPolicyViolation, "client too slow")
			h.remove(c)
		}
	}
	h.config.Metrics.EventPublished(string(ev.Type))
}

// ClientCount returns the number of subscribers of scope.
func (h *Hub) ClientCount(scope string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[scope])
}

// TotalClients returns the number of subscribers across all scopes.
func (h *Hub) TotalClients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, set := range h.clients {
		n += len(set)
	}
	return n
}

// ServeFeed upgrades the request and streams the events of scope to it until
// either side closes the connection.
func (h *Hub) ServeFeed(w http.ResponseWriter, r *http.Request, scope string) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.config.Logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	c := &feedClient{
		scope: scope,
		conn:  conn,
		send:  make(chan schema.Event, h.config.ClientBuffer),
		done:  make(chan struct{}),
	}

	// The hello is queued before registration so it is always the first frame.
	c.send <- schema.Event{
		Type:      schema.EventHello,
		Scope:     scope,
		Protocol:  schema.ProtocolVersion,
		Timestamp: h.config.Now().UTC(),
	}
	h.add(c)
	defer h.remove(c)

	// Subscribers never send; CloseRead handles control frames and cancels
	// ctx when the peer goes away.
	ctx := conn.CloseRead(r.Context())
	h.writeLoop(ctx, c)
}

func (h *Hub) writeLoop(ctx context.Context, c *feedClient) {
	ticker := time.NewTicker(h.config.PingInterval)
	defer ticker.Stop()

	for {
		var ev schema.Event
		select {
		case <-ctx.Done():
			_ = c.conn.Close(websocket.StatusNormalClosure, "")
			return
		case <-c.done:
			_ = c.conn.Close(c.closeCode, c.closeReason)
			return
		case ev = <-c.send:
		case <-ticker.C:
			ev = schema.Event{Type: schema.EventPing, Scope: c.scope, Timestamp: h.config.Now().UTC()}
		}

		wctx, cancel := context.WithTimeout(ctx, h.config.WriteTimeout)
		err := wsjson.Write(wctx, c.conn, ev)
		cancel()
		if err != nil {
			h.config.Logger.Printf("Failed to send to client in scope %s: %v", c.scope, err)
			_ = c.conn.Close(websocket.StatusInternalError, "write failed")
			return
		}
	}
}

func (h *Hub) add(c *feedClient) {
	h.mu.Lock()
	set, ok := h.clients[c.scope]
	if !ok {
		set = make(map[*feedClient]struct{})
		h.clients[c.scope] = set
	}
	set[c] = struct{}{}
	n := len(set)
	h.mu.Unlock()

	h.config.Metrics.SetFeedClients(c.scope, n)
	h.config.Logger.Printf("Client connected to %s (total: %d)", c.scope, n)
}

func (h *Hub) remove(c *feedClient) {
	h.mu.Lock()
	set := h.clients[c.scope]
	if _, ok := set[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(set, c)
	n := len(set)
	if n == 0 {
		delete(h.clients, c.scope)
	}
	h.mu.Unlock()

	c.stop(websocket.StatusNormalClosure, "")
	h.config.Metrics.SetFeedClients(c.scope, n)
	h.config.Logger.Printf("Client disconnected from %s (total: %d)", c.scope, n)
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	var all []*feedClient
	for _, set := range h.clients {
		for c := range set {
			all = append(all, c)
		}
	}
	h.clients = make(map[string]map[*feedClient]struct{})
	h.mu.Unlock()

	for _, c := range all {
		c.stop(websocket.StatusGoingAway, "Server shutting down")
	}
}

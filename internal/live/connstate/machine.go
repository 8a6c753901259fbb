package connstate

import (
	"context"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// Status is a point-in-time view of the machine.
type Status struct {
	State        State     `json:"state"`
	LastError    string    `json:"last_error,omitempty"`
	Attempts     int       `json:"attempts"`
	GaveUp       bool      `json:"gave_up"`
	LastSyncedAt time.Time `json:"last_synced_at,omitempty"`
}

// Change describes one transition.
type Change struct {
	From State
	To   State
	Err  error
	At   time.Time
}

// ConnectFunc opens one subscription and blocks until it ends. It calls ready
// once the subscription is acknowledged. A nil return means the transport was
// closed cleanly.
type ConnectFunc func(ctx context.Context, ready func()) error

// Config holds machine options.
type Config struct {
	Retryer Retryer
	Now     func() time.Time
	Logger  *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Retryer: NewExponentialBackoffRetryer(),
		Now:     time.Now,
		Logger:  log.New(os.Stderr, "[connstate] ", log.LstdFlags),
	}
}

// Machine is the connection state machine.
type Machine struct {
	config *Config

	mu           sync.Mutex
	state        State
	lastErr      error
	attempts     int
	gaveUp       bool
	lastSyncedAt time.Time
	observers    map[int]func(Change)
	nextObserver int

	reconnect chan struct{}
	running   atomic.Bool
}

// New creates a machine in the disconnected state.
func New(config *Config) *Machine {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Retryer == nil {
		config.Retryer = NewExponentialBackoffRetryer()
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.Logger == nil {
		config.Logger = DefaultConfig().Logger
	}
	return &Machine{
		config:    config,
		state:     Disconnected,
		observers: make(map[int]func(Change)),
		reconnect: make(chan struct{}, 1),
	}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// LastSyncedAt returns the time of the last acknowledged subscription or
// merged event. The zero time means never.
func (m *Machine) LastSyncedAt() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastSyncedAt
}

// Status returns a snapshot of the machine.
func (m *Machine) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := Status{
		State:        m.state,
		Attempts:     m.attempts,
		GaveUp:       m.gaveUp,
		LastSyncedAt: m.lastSyncedAt,
	}
	if m.lastErr != nil {
		st.LastError = m.lastErr.Error()
	}
	return st
}

// MarkSynced records a successful sync at the current time.
func (m *Machine) MarkSynced() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastSyncedAt = m.config.Now()
}

// Observe registers fn to be called after every transition and returns a
// function that removes it. Observers run on the goroutine that made the
// transition, outside the machine's lock.
func (m *Machine) Observe(fn func(Change)) (remove func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextObserver
	m.nextObserver++
	m.observers[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.observers, id)
	}
}

// Transition moves the machine to next. err is recorded for the error state.
func (m *Machine) Transition(next State, err error) error {
	m.mu.Lock()
	if vErr := m.state.validateTransitionTo(next); vErr != nil {
		m.mu.Unlock()
		return vErr
	}

	change := Change{From: m.state, To: next, Err: err, At: m.config.Now()}
	m.state = next
	switch next {
	case Connected:
		m.lastErr = nil
		m.attempts = 0
		m.gaveUp = false
		m.lastSyncedAt = change.At
	case Error:
		m.lastErr = err
	}
	observers := make([]func(Change), 0, len(m.observers))
	for _, fn := range m.observers {
		observers = append(observers, fn)
	}
	m.mu.Unlock()

	m.config.Logger.Printf("%v -> %v", change.From, change.To)
	for _, fn := range observers {
		fn(change)
	}
	return nil
}

// Reconnect wakes a Run loop that is waiting out a backoff delay or that gave
// up after exhausting its attempts.
func (m *Machine) Reconnect() {
	select {
	case m.reconnect <- struct{}{}:
	default:
	}
}

// Run keeps a subscription open until ctx is cancelled, reconnecting with the
// configured retryer. When the retryer refuses another attempt the machine
// stays in the error state with GaveUp set until Reconnect is called.
//
// Run returns ctx.Err() on cancellation, and an error if it is already running.
func (m *Machine) Run(ctx context.Context, connect ConnectFunc) error {
	if !m.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer m.running.Store(false)

	attempt := 0
	for {
		if err := m.Transition(Connecting, nil); err != nil {
			return err
		}

		var acknowledged atomic.Bool
		err := connect(ctx, func() {
			acknowledged.Store(true)
			if tErr := m.Transition(Connected, nil); tErr != nil {
				m.config.Logger.Printf("ready: %v", tErr)
			}
			m.config.Retryer.Reset()
		})
		if acknowledged.Load() {
			attempt = 0
		}

		if ctx.Err() != nil {
			m.Transition(Disconnected, nil)
			return ctx.Err()
		}
		if err != nil {
			m.Transition(Error, err)
		} else {
			m.Transition(Disconnected, nil)
		}

		delay, retry := m.config.Retryer.NextDelay(attempt, err)
		attempt++
		m.setAttempts(attempt, !retry)

		if !retry {
			m.config.Logger.Printf("giving up after %d attempts", attempt)
			select {
			case <-ctx.Done():
				m.settle()
				return ctx.Err()
			case <-m.reconnect:
				attempt = 0
				m.setAttempts(0, false)
				continue
			}
		}

		m.config.Logger.Printf("reconnecting in %v (attempt %d)", delay.Round(time.Millisecond), attempt)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			m.settle()
			return ctx.Err()
		case <-timer.C:
		case <-m.reconnect:
			timer.Stop()
		}
	}
}

func (m *Machine) setAttempts(n int, gaveUp bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts = n
	m.gaveUp = gaveUp
}

// settle leaves the machine disconnected after cancellation.
func (m *Machine) settle() {
	if m.State() != Disconnected {
		m.Transition(Disconnected, nil)
	}
}

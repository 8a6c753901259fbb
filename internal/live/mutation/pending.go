package mutation

import "sync"

// Pending tracks creates whose remote call has not resolved yet, keyed by
// correlation token. The feed listener uses it to recognise the push insert
// caused by this client's own create and reconcile it in place.
type Pending struct {
	mu      sync.Mutex
	creates map[string]string // token -> provisional id
	tokens  map[string]string // provisional id -> token
}

// NewPending creates an empty registry.
func NewPending() *Pending {
	return &Pending{
		creates: make(map[string]string),
		tokens:  make(map[string]string),
	}
}

// Begin registers an in-flight create.
func (p *Pending) Begin(token, provisionalID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.creates[token] = provisionalID
	p.tokens[provisionalID] = token
}

// Claim removes and returns the provisional id registered for token.
// Exactly one of the gateway or the feed listener wins the claim.
func (p *Pending) Claim(token string) (string, bool) {
	if token == "" {
		return "", false
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	id, ok := p.creates[token]
	if ok {
		delete(p.creates, token)
		delete(p.tokens, id)
	}
	return id, ok
}

// Has reports whether provisionalID belongs to a create still in flight.
func (p *Pending) Has(provisionalID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.tokens[provisionalID]
	return ok
}

// Len returns the number of unresolved creates.
func (p *Pending) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.creates)
}

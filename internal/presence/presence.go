// Package presence tracks which gateways and relays are currently online.
// Membership is an eventually-consistent join set keyed by identity id: a
// participant re-joining under a new id is a new participant, even if the
// previous id is still tracked for a moment.
package presence

import (
	"sync"
)

// Meta is the per-participant metadata carried in the join set. Exactly one
// of Gateway/Relay is set depending on the scope.
type Meta struct {
	Gateway *GatewayMeta
	Relay   *RelayMeta
}

type GatewayMeta struct {
	SiteID    string
	AccountID string
	PublicKey string
	Version   string
	IPv4      string
	IPv6      string
}

type RelayMeta struct {
	Type   string
	Addr   string
	Secret string
	Lat    *float64
	Lon    *float64
}

// Diff is one batch of membership changes for a scope.
type Diff struct {
	Joins  map[string]Meta
	Leaves []string
}

type subscriber struct {
	scope string
	ch    chan Diff
}

// Registry is the process-local join set. Sessions never touch the
// underlying maps; they either List a snapshot or Subscribe for diffs.
type Registry struct {
	mu     sync.RWMutex
	scopes map[string]map[string]Meta
	subs   []*subscriber
}

func NewRegistry() *Registry {
	return &Registry{scopes: make(map[string]map[string]Meta)}
}

// GatewayScope is the per-account scope gateways register under.
func GatewayScope(accountID string) string { return "gateways:" + accountID }

// RelayScope is the global relay pool scope.
const RelayScope = "relays:global"

// Join registers id under scope. Joining an id that is already tracked
// refreshes its metadata without emitting a leave: liveness alone does not
// make a new participant, identity does.
func (r *Registry) Join(scope, id string, meta Meta) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.scopes[scope]
	if !ok {
		set = make(map[string]Meta)
		r.scopes[scope] = set
	}
	set[id] = meta

	joinsTotal.WithLabelValues(scope).Inc()
	diff := Diff{Joins: map[string]Meta{id: meta}}
	for _, s := range r.subscribersLocked(scope) {
		s.deliver(diff)
	}
}

// Leave removes id from scope. Unknown ids are a no-op; the leave for a
// participant a replica never saw join carries no information.
func (r *Registry) Leave(scope, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.scopes[scope]
	if _, ok := set[id]; !ok {
		return
	}
	delete(set, id)

	leavesTotal.WithLabelValues(scope).Inc()
	diff := Diff{Leaves: []string{id}}
	for _, s := range r.subscribersLocked(scope) {
		s.deliver(diff)
	}
}

// List returns a snapshot of the current membership of scope.
func (r *Registry) List(scope string) map[string]Meta {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Meta, len(r.scopes[scope]))
	for id, meta := range r.scopes[scope] {
		out[id] = meta
	}
	return out
}

// Subscribe returns a diff stream for scope and a cancel function. Delivery
// is non-blocking: a subscriber that stops draining loses diffs (counted)
// rather than blocking every other publisher.
func (r *Registry) Subscribe(scope string) (<-chan Diff, func()) {
	s := &subscriber{scope: scope, ch: make(chan Diff, 64)}
	r.mu.Lock()
	r.subs = append(r.subs, s)
	r.mu.Unlock()

	cancel := func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		for i, sub := range r.subs {
			if sub == s {
				r.subs = append(r.subs[:i], r.subs[i+1:]...)
				close(s.ch)
				return
			}
		}
	}
	return s.ch, cancel
}

func (r *Registry) subscribersLocked(scope string) []*subscriber {
	var out []*subscriber
	for _, s := range r.subs {
		if s.scope == scope {
			out = append(out, s)
		}
	}
	return out
}

func (s *subscriber) deliver(d Diff) {
	select {
	case s.ch <- d:
	default:
		droppedDiffs.WithLabelValues(s.scope).Inc()
	}
}

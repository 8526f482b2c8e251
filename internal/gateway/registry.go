package gateway

import (
	"sync"
	"sync/atomic"
)

// Registry is the instance-local subscription index: channel to
// subscriber sockets, plus agent to sockets for targeted closes. It
// also decides when the bus subscription for a channel must start or
// stop: the first local subscriber turns the topic on, the last one
// off. Those decisions are made under the lock; the bus I/O itself is
// the caller's job and happens outside it.
type Registry struct {
	mu        sync.RWMutex
	byChannel map[string]*atomic.Value // channel id -> []*Client snapshot
	byAgent   map[string]map[*Client]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		byChannel: make(map[string]*atomic.Value),
		byAgent:   make(map[string]map[*Client]struct{}),
	}
}

// Track registers a socket under its agent id. Observers have no
// agent id and are not tracked.
func (r *Registry) Track(c *Client) {
	if c.identity.AgentID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.byAgent[c.identity.AgentID]
	if set == nil {
		set = make(map[*Client]struct{})
		r.byAgent[c.identity.AgentID] = set
	}
	set[c] = struct{}{}
}

// Add subscribes a socket to a channel. The first return reports
// whether this was the channel's first local subscriber, in which
// case the caller must start the bus subscription.
func (r *Registry) Add(channelID string, c *Client) (first bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	slot := r.byChannel[channelID]
	if slot == nil {
		slot = &atomic.Value{}
		r.byChannel[channelID] = slot
	}

	var cur []*Client
	if v := slot.Load(); v != nil {
		cur = v.([]*Client)
	}
	for _, existing := range cur {
		if existing == c {
			return false
		}
	}

	next := make([]*Client, len(cur)+1)
	copy(next, cur)
	next[len(cur)] = c
	slot.Store(next)
	return len(cur) == 0
}

// Remove unsubscribes a socket from a channel. The first return
// reports whether the channel now has no local subscribers, in which
// case the caller must stop the bus subscription.
func (r *Registry) Remove(channelID string, c *Client) (last bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(channelID, c)
}

func (r *Registry) removeLocked(channelID string, c *Client) (last bool) {
	slot := r.byChannel[channelID]
	if slot == nil {
		return false
	}
	v := slot.Load()
	if v == nil {
		return false
	}
	cur := v.([]*Client)
	for i, existing := range cur {
		if existing != c {
			continue
		}
		next := make([]*Client, 0, len(cur)-1)
		next = append(next, cur[:i]...)
		next = append(next, cur[i+1:]...)
		if len(next) == 0 {
			delete(r.byChannel, channelID)
			return true
		}
		slot.Store(next)
		return false
	}
	return false
}

// Drop removes a socket from every channel and from its agent set.
// It returns the channels that lost their last local subscriber so
// the caller can stop their bus subscriptions.
func (r *Registry) Drop(c *Client) (emptied []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for channelID := range r.byChannel {
		if r.removeLocked(channelID, c) {
			emptied = append(emptied, channelID)
		}
	}

	if c.identity.AgentID != "" {
		set := r.byAgent[c.identity.AgentID]
		delete(set, c)
		if len(set) == 0 {
			delete(r.byAgent, c.identity.AgentID)
		}
	}
	return emptied
}

// Subscribers returns the immutable local subscriber snapshot for a
// channel. Callers iterate it but never mutate it.
func (r *Registry) Subscribers(channelID string) []*Client {
	r.mu.RLock()
	slot := r.byChannel[channelID]
	r.mu.RUnlock()

	if slot == nil {
		return nil
	}
	v := slot.Load()
	if v == nil {
		return nil
	}
	return v.([]*Client)
}

// Channels returns every channel the given socket subscribes to; the
// presence engine uses it to broadcast idle transitions.
func (r *Registry) Channels(c *Client) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []string
	for channelID, slot := range r.byChannel {
		v := slot.Load()
		if v == nil {
			continue
		}
		for _, existing := range v.([]*Client) {
			if existing == c {
				out = append(out, channelID)
				break
			}
		}
	}
	return out
}

// AgentSockets returns the sockets a given agent holds on this
// instance; the quarantine sweep uses it to close them.
func (r *Registry) AgentSockets(agentID string) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.byAgent[agentID]
	out := make([]*Client, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	return out
}

// AgentConnected reports whether the agent still holds any socket on
// this instance.
func (r *Registry) AgentConnected(agentID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byAgent[agentID]) > 0
}

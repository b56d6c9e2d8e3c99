// Package server tracks which live connections are subscribed to which
// channels and how many connections each user holds via the Registry type.
package server

import (
	"slices"
	"sync"

	"github.com/Tyrowin/relaychat/internal/channel"
)

// Registry is the session registry. It keeps the channel → connections
// mapping, its inverse, and the per-user connection set consistent under a
// single lock so that every observer sees all three agree.
type Registry struct {
	mu       sync.RWMutex
	channels map[channel.Name]map[*Conn]struct{}
	subs     map[*Conn]map[channel.Name]struct{}
	users    map[string]map[*Conn]struct{}
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		channels: make(map[channel.Name]map[*Conn]struct{}),
		subs:     make(map[*Conn]map[channel.Name]struct{}),
		users:    make(map[string]map[*Conn]struct{}),
	}
}

// Register subscribes c to chans plus its owner's personal channel and
// returns the number of live connections the owner holds afterwards.
// Registering an already registered connection only adds missing channels.
func (r *Registry) Register(c *Conn, chans []channel.Name) int {
	userID := c.UserID()

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.subs[c]; !ok {
		r.subs[c] = make(map[channel.Name]struct{}, len(chans)+1)
	}
	r.subscribeLocked(c, channel.User(userID))
	for _, ch := range chans {
		r.subscribeLocked(c, ch)
	}

	set, ok := r.users[userID]
	if !ok {
		set = make(map[*Conn]struct{})
		r.users[userID] = set
	}
	set[c] = struct{}{}
	return len(set)
}

// Subscribe adds c to ch. It reports false when c is not registered.
func (r *Registry) Subscribe(c *Conn, ch channel.Name) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.subs[c]; !ok {
		return false
	}
	r.subscribeLocked(c, ch)
	return true
}

func (r *Registry) subscribeLocked(c *Conn, ch channel.Name) {
	members, ok := r.channels[ch]
	if !ok {
		members = make(map[*Conn]struct{})
		r.channels[ch] = members
	}
	members[c] = struct{}{}
	r.subs[c][ch] = struct{}{}
}

// Unsubscribe removes c from ch. It reports whether c was subscribed.
func (r *Registry) Unsubscribe(c *Conn, ch channel.Name) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	chans, ok := r.subs[c]
	if !ok {
		return false
	}
	if _, ok := chans[ch]; !ok {
		return false
	}
	delete(chans, ch)
	r.dropMemberLocked(ch, c)
	return true
}

func (r *Registry) dropMemberLocked(ch channel.Name, c *Conn) {
	members := r.channels[ch]
	delete(members, c)
	if len(members) == 0 {
		delete(r.channels, ch)
	}
}

// Deregister removes c from every channel it holds. It is idempotent: removed
// is true only for the call that actually removed c. remaining is the number
// of connections the owner still holds.
func (r *Registry) Deregister(c *Conn) (removed bool, remaining int) {
	userID := c.UserID()

	r.mu.Lock()
	defer r.mu.Unlock()

	chans, ok := r.subs[c]
	if !ok {
		return false, len(r.users[userID])
	}
	for ch := range chans {
		r.dropMemberLocked(ch, c)
	}
	delete(r.subs, c)

	set := r.users[userID]
	delete(set, c)
	remaining = len(set)
	if remaining == 0 {
		delete(r.users, userID)
	}
	return true, remaining
}

// FanoutTargets returns a snapshot of the connections subscribed to any of
// chans, each listed once. The result may be empty.
func (r *Registry) FanoutTargets(chans ...channel.Name) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(chans) == 1 {
		members := r.channels[chans[0]]
		out := make([]*Conn, 0, len(members))
		for c := range members {
			out = append(out, c)
		}
		return out
	}

	seen := make(map[*Conn]struct{})
	var out []*Conn
	for _, ch := range chans {
		for c := range r.channels[ch] {
			if _, dup := seen[c]; dup {
				continue
			}
			seen[c] = struct{}{}
			out = append(out, c)
		}
	}
	return out
}

// Subscriptions returns the channels c is subscribed to, sorted.
func (r *Registry) Subscriptions(c *Conn) []channel.Name {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]channel.Name, 0, len(r.subs[c]))
	for ch := range r.subs[c] {
		out = append(out, ch)
	}
	slices.Sort(out)
	return out
}

// LiveConnections returns the number of registered connections owned by userID.
func (r *Registry) LiveConnections(userID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users[userID])
}

// IsOnline reports whether userID holds at least one registered connection.
func (r *Registry) IsOnline(userID string) bool {
	return r.LiveConnections(userID) > 0
}

// Connections returns a snapshot of every registered connection.
func (r *Registry) Connections() []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Conn, 0, len(r.subs))
	for c := range r.subs {
		out = append(out, c)
	}
	return out
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

// Package server tracks per-user online state and tells friends when a user
// comes online or goes offline.
package server

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/Tyrowin/relaychat/internal/channel"
	"github.com/Tyrowin/relaychat/internal/store"
)

// PresenceMirror receives online and offline edges, for example to publish
// the presence set to Redis. Failures are logged and never affect routing.
type PresenceMirror interface {
	MarkOnline(ctx context.Context, userID string) error
	MarkOffline(ctx context.Context, userID string) error
}

// PresenceTracker derives a user's presence from the registry's live
// connection count. Only the first connect and the last disconnect of a user
// are announced. The per-user edge lock covers the registry update alone;
// friend lookups and mirror writes run afterwards under a separate per-user
// publish lock, and an edge superseded by a newer one is not published.
type PresenceTracker struct {
	registry *Registry
	graph    store.SocialGraph
	mirror   PresenceMirror
	locks    *keyedMutex
	publish  *keyedMutex
	metrics  *Metrics
	log      *zap.Logger

	mu    sync.Mutex
	seq   uint64
	edges map[string]uint64
}

// NewPresenceTracker creates a tracker. mirror may be nil.
func NewPresenceTracker(registry *Registry, graph store.SocialGraph, mirror PresenceMirror, metrics *Metrics, log *zap.Logger) *PresenceTracker {
	return &PresenceTracker{
		registry: registry,
		graph:    graph,
		mirror:   mirror,
		locks:    newKeyedMutex(),
		publish:  newKeyedMutex(),
		metrics:  metrics,
		log:      log,
		edges:    make(map[string]uint64),
	}
}

// Connect registers c on chans and reports whether it is its owner's first
// live connection. In that case the online delta is published before Connect
// returns, unless a later offline edge has already replaced it.
func (p *PresenceTracker) Connect(ctx context.Context, c *Conn, chans []channel.Name) bool {
	userID := c.UserID()
	unlock := p.locks.Lock(userID)
	first := p.registry.Register(c, chans) == 1
	var seq uint64
	if first {
		seq = p.recordEdge(userID)
	}
	unlock()

	if first {
		p.transition(ctx, userID, StatusOnline, seq)
	}
	return first
}

// Disconnect deregisters c and reports whether it was its owner's last live
// connection, publishing the offline delta in that case. Calling it again
// for the same connection does nothing.
func (p *PresenceTracker) Disconnect(ctx context.Context, c *Conn) bool {
	userID := c.UserID()
	unlock := p.locks.Lock(userID)
	removed, remaining := p.registry.Deregister(c)
	last := removed && remaining == 0
	var seq uint64
	if last {
		seq = p.recordEdge(userID)
	}
	unlock()

	if last {
		p.transition(ctx, userID, StatusOffline, seq)
	}
	return last
}

func (p *PresenceTracker) recordEdge(userID string) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	p.edges[userID] = p.seq
	return p.seq
}

// current reports whether seq is still userID's latest edge. The final
// offline edge also drops the user's entry.
func (p *PresenceTracker) current(userID string, seq uint64, done bool) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.edges[userID] != seq {
		return false
	}
	if done {
		delete(p.edges, userID)
	}
	return true
}

// OnlineFriends returns the friends of userID that hold a live connection.
func (p *PresenceTracker) OnlineFriends(ctx context.Context, userID string) ([]string, error) {
	friends, err := p.graph.FriendsOf(ctx, userID)
	if err != nil {
		return nil, err
	}
	online := make([]string, 0, len(friends))
	for _, f := range friends {
		if p.registry.IsOnline(f) {
			online = append(online, f)
		}
	}
	return online, nil
}

// Snapshot encodes the presence_snapshot envelope for userID.
func (p *PresenceTracker) Snapshot(ctx context.Context, userID string) ([]byte, error) {
	online, err := p.OnlineFriends(ctx, userID)
	if err != nil {
		return nil, err
	}
	return mustEncode(presenceSnapshotEnvelope{Type: EnvelopePresenceSnapshot, Online: online}), nil
}

func (p *PresenceTracker) transition(ctx context.Context, userID, status string, seq uint64) {
	unlock := p.publish.Lock(userID)
	defer unlock()

	if !p.current(userID, seq, false) {
		p.log.Debug("Skipping superseded presence edge", zap.String("user_id", userID), zap.String("status", status))
		return
	}

	p.metrics.presence(status)
	p.log.Info("Presence changed", zap.String("user_id", userID), zap.String("status", status))

	if p.mirror != nil {
		var err error
		if status == StatusOnline {
			err = p.mirror.MarkOnline(ctx, userID)
		} else {
			err = p.mirror.MarkOffline(ctx, userID)
		}
		if err != nil {
			p.log.Warn("Presence mirror update failed", zap.String("user_id", userID), zap.Error(err))
		}
	}

	friends, err := p.graph.FriendsOf(ctx, userID)
	if err != nil {
		p.log.Error("Could not load friends for presence delta", zap.String("user_id", userID), zap.Error(err))
	} else if len(friends) > 0 {
		chans := make([]channel.Name, len(friends))
		for i, f := range friends {
			chans[i] = channel.User(f)
		}
		payload := mustEncode(presenceEnvelope{Type: EnvelopePresence, UserID: userID, Status: status})
		fanout(p.registry.FanoutTargets(chans...), payload, nil, p.metrics)
	}

	if status == StatusOffline {
		p.current(userID, seq, true)
	}
}

// fanout enqueues payload on every target not rejected by skip and returns how
// many accepted it. It never blocks on a slow target.
func fanout(targets []*Conn, payload []byte, skip func(*Conn) bool, m *Metrics) int {
	n := 0
	for _, c := range targets {
		if skip != nil && skip(c) {
			continue
		}
		ok := c.enqueue(payload)
		m.delivered(ok)
		if ok {
			n++
		}
	}
	return n
}

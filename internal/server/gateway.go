// Package server drives each connection through its lifecycle and owns the
// components shared by all connections via the Gateway type.
package server

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Tyrowin/relaychat/internal/auth"
	"github.com/Tyrowin/relaychat/internal/channel"
	"github.com/Tyrowin/relaychat/internal/store"
)

// CredentialVerifier resolves a bearer token to an identity.
type CredentialVerifier interface {
	Verify(ctx context.Context, token string) (auth.Identity, error)
}

// Dependencies are the collaborators a Gateway is built from. Friends,
// Presence, Metrics and Logger are optional.
type Dependencies struct {
	Verifier CredentialVerifier
	Users    store.UserStore
	Friends  store.FriendDirectory
	Graph    store.SocialGraph
	Messages store.MessageStore
	Presence PresenceMirror
	Metrics  *Metrics
	Logger   *zap.Logger
}

// Gateway accepts transports, authenticates them, and runs them until they
// close. It is safe for concurrent use.
type Gateway struct {
	cfg      Config
	verifier CredentialVerifier
	registry *Registry
	groups   *MembershipResolver
	router   *Router
	presence *PresenceTracker
	metrics  *Metrics
	log      *zap.Logger
	origins  *originPolicy
	upgrader websocket.Upgrader

	mu      sync.Mutex
	conns   map[*Conn]struct{}
	closing bool
	wg      sync.WaitGroup

	now       func() time.Time
	pingEvery time.Duration
}

// NewGateway wires a Gateway from cfg and deps.
func NewGateway(cfg Config, deps Dependencies) *Gateway {
	cfg = Sanitize(cfg)
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}

	registry := NewRegistry()
	groups := NewMembershipResolver(deps.Graph)
	g := &Gateway{
		cfg:       cfg,
		verifier:  deps.Verifier,
		registry:  registry,
		groups:    groups,
		metrics:   deps.Metrics,
		log:       log,
		conns:     make(map[*Conn]struct{}),
		now:       time.Now,
		pingEvery: pingPeriod,
	}
	g.router = NewRouter(RouterDeps{
		Registry: registry,
		Groups:   groups,
		Graph:    deps.Graph,
		Users:    deps.Users,
		Friends:  deps.Friends,
		Messages: deps.Messages,
		Metrics:  deps.Metrics,
		Logger:   log,
	}, cfg.PersistTimeout)
	g.presence = NewPresenceTracker(registry, deps.Graph, deps.Presence, deps.Metrics, log)
	g.origins = newOriginPolicy(cfg.AllowedOrigins, log)
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     g.origins.check,
	}
	return g
}

// Registry exposes the session registry for inspection.
func (g *Gateway) Registry() *Registry { return g.registry }

// Presence exposes the presence tracker.
func (g *Gateway) Presence() *PresenceTracker { return g.presence }

// Serve runs one connection over t from Handshaking to Closed and returns once
// it is Closed. token is the credential presented at connect time.
func (g *Gateway) Serve(ctx context.Context, t Transport, token, addr string) error {
	c := newConn(t, addr, g.cfg, g.log)

	identity, err := g.verifier.Verify(ctx, token)
	if err != nil {
		c.log.Info("Connection rejected", zap.Error(err))
		g.metrics.connectionOutcome("rejected")
		g.reject(c, CodeAuthRejected, "authentication failed", websocket.ClosePolicyViolation)
		return fmt.Errorf("%w: %w", ErrAuthRejected, err)
	}
	c.authenticate(identity)

	if !g.track(c) {
		g.reject(c, CodeAuthRejected, "server shutting down", websocket.CloseGoingAway)
		return ErrShuttingDown
	}
	defer g.untrack(c)

	chans, err := g.groups.ChannelsFor(ctx, c.UserID())
	if err != nil {
		c.log.Error("Could not resolve channels", zap.Error(err))
		g.metrics.connectionOutcome("failed")
		g.reject(c, CodePersistenceFailure, "could not load memberships", websocket.CloseInternalServerErr)
		return err
	}

	g.presence.Connect(ctx, c, chans)
	c.preamble = g.preamble(ctx, c, chans)
	if !c.activate() {
		g.finish(ctx, c)
		return nil
	}
	g.metrics.connectionOutcome("accepted")
	g.metrics.activeDelta(1)
	defer g.metrics.activeDelta(-1)
	c.log.Info("Connection active", zap.Int("channels", len(chans)))

	if !identity.ExpiresAt.IsZero() {
		timer := time.AfterFunc(identity.ExpiresAt.Sub(g.now()), func() { g.expire(c) })
		defer timer.Stop()
	}

	c.writerStarted.Store(true)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writePump(g.pingEvery)
	}()

	g.readLoop(ctx, c)
	c.close(websocket.CloseNormalClosure, "")
	<-writerDone
	g.finish(ctx, c)
	return nil
}

// preamble returns what a newly Active connection sees before any live
// traffic: recent history, then the online friends.
func (g *Gateway) preamble(ctx context.Context, c *Conn, chans []channel.Name) [][]byte {
	var out [][]byte

	history, err := g.router.History(ctx, chans, g.cfg.HistoryLimit)
	if err != nil {
		c.log.Error("History replay failed", zap.Error(err))
		code, msg := codeOf(err)
		out = append(out, errorPayload(code, msg, ""))
	} else if history != nil {
		out = append(out, history)
	}

	snapshot, err := g.presence.Snapshot(ctx, c.UserID())
	if err != nil {
		c.log.Error("Presence snapshot failed", zap.Error(err))
	} else {
		out = append(out, snapshot)
	}
	return out
}

func (g *Gateway) readLoop(ctx context.Context, c *Conn) {
	for {
		raw, err := c.transport.ReadMessage()
		if err != nil {
			if c.State() == StateActive {
				c.logReadError(err, g.cfg.MaxMessageSize)
			}
			return
		}
		if c.State() != StateActive {
			return
		}
		if c.identity.Expired(g.now()) {
			g.expire(c)
			return
		}
		if !c.limiter.allow() {
			c.log.Debug("Rate limit exceeded; discarding event",
				zap.Int("burst", g.cfg.RateLimit.Burst),
				zap.Duration("refill_interval", g.cfg.RateLimit.RefillInterval))
			g.metrics.event("unknown", string(CodeRateLimited))
			c.sendError(CodeRateLimited, "rate limit exceeded", "")
			continue
		}
		g.router.Handle(ctx, c, raw)
	}
}

func (g *Gateway) expire(c *Conn) {
	if c.State() != StateActive {
		return
	}
	c.log.Info("Session expired")
	c.sendError(CodeSessionExpired, "session expired", "")
	c.close(websocket.ClosePolicyViolation, "session expired")
}

// reject ends a connection that never became Active.
func (g *Gateway) reject(c *Conn, code ErrorCode, msg string, closeCode int) {
	if err := c.transport.WriteMessage(errorPayload(code, msg, "")); err != nil && !isExpectedCloseError(err) {
		c.log.Debug("Error writing rejection", zap.Error(err))
	}
	if err := c.transport.WriteClose(closeCode, msg); err != nil && !isExpectedCloseError(err) {
		c.log.Debug("Error writing close frame", zap.Error(err))
	}
	c.markClosed()
	c.close(closeCode, msg)
}

// finish deregisters c and marks it Closed. It must run after every goroutine
// that enqueues on behalf of c has stopped.
func (g *Gateway) finish(ctx context.Context, c *Conn) {
	g.presence.Disconnect(context.WithoutCancel(ctx), c)
	c.markClosed()
	c.log.Info("Connection closed", zap.Int("registered", g.registry.Len()))
}

func (g *Gateway) track(c *Conn) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closing {
		return false
	}
	g.conns[c] = struct{}{}
	g.wg.Add(1)
	return true
}

func (g *Gateway) untrack(c *Conn) {
	g.mu.Lock()
	delete(g.conns, c)
	g.mu.Unlock()
	g.wg.Done()
}

// Shutdown closes every connection and waits for them to reach Closed, or
// until timeout elapses. New connections are refused from the first call on.
func (g *Gateway) Shutdown(timeout time.Duration) error {
	g.log.Info("Initiating gateway shutdown")

	g.mu.Lock()
	g.closing = true
	conns := make([]*Conn, 0, len(g.conns))
	for c := range g.conns {
		conns = append(conns, c)
	}
	g.mu.Unlock()

	for _, c := range conns {
		c.close(websocket.CloseGoingAway, "server shutting down")
	}

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		g.log.Info("Gateway shutdown completed", zap.Int("closed", len(conns)))
		return nil
	case <-time.After(timeout):
		g.log.Warn("Gateway shutdown timeout reached; some connections may still be open")
		return context.DeadlineExceeded
	}
}

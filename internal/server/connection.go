// Package server manages individual client connections: their lifecycle
// state, outbound queue, and the pump that writes to the transport.
package server

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Tyrowin/relaychat/internal/auth"
)

// State is a connection's position in its lifecycle.
type State int32

const (
	StateHandshaking State = iota
	StateAuthenticated
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateHandshaking:
		return "handshaking"
	case StateAuthenticated:
		return "authenticated"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Conn is one live client connection. Its outbound queue is bounded; a
// connection whose queue overflows is closed rather than allowed to stall
// fan-out to others.
type Conn struct {
	id        string
	addr      string
	transport Transport
	identity  auth.Identity
	limiter   *rateLimiter
	log       *zap.Logger

	state atomic.Int32
	send  chan []byte
	done  chan struct{}

	// preamble is written before anything from send. It is only touched by
	// the goroutine that starts the writer, before starting it.
	preamble [][]byte

	closeOnce     sync.Once
	transportOnce sync.Once
	writerStarted atomic.Bool
	closeCode     int
	closeReason   string
}

func newConn(t Transport, addr string, cfg Config, log *zap.Logger) *Conn {
	id := uuid.NewString()
	return &Conn{
		id:        id,
		addr:      addr,
		transport: t,
		limiter:   newRateLimiter(cfg.RateLimit),
		log:       log.With(zap.String("conn_id", id), zap.String("remote_addr", addr)),
		send:      make(chan []byte, cfg.SendBuffer),
		done:      make(chan struct{}),
	}
}

// ID returns the connection id.
func (c *Conn) ID() string { return c.id }

// UserID returns the id of the authenticated owner, or "" before authentication.
func (c *Conn) UserID() string { return c.identity.UserID() }

// Identity returns the identity the connection authenticated as.
func (c *Conn) Identity() auth.Identity { return c.identity }

// State returns the current lifecycle state.
func (c *Conn) State() State { return State(c.state.Load()) }

// Done is closed once the connection starts closing.
func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) authenticate(id auth.Identity) bool {
	if !c.state.CompareAndSwap(int32(StateHandshaking), int32(StateAuthenticated)) {
		return false
	}
	c.identity = id
	c.log = c.log.With(zap.String("user_id", id.UserID()))
	return true
}

func (c *Conn) activate() bool {
	return c.state.CompareAndSwap(int32(StateAuthenticated), int32(StateActive))
}

func (c *Conn) markClosed() {
	c.state.Store(int32(StateClosed))
}

// enqueue queues payload without blocking. A full queue closes the connection.
func (c *Conn) enqueue(payload []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- payload:
		return true
	case <-c.done:
		return false
	default:
		c.log.Warn("Send buffer full; closing slow connection", zap.Int("buffer", cap(c.send)))
		c.close(websocket.CloseTryAgainLater, "send buffer full")
		return false
	}
}

func (c *Conn) sendError(code ErrorCode, msg string, req EventType) {
	c.enqueue(errorPayload(code, msg, req))
}

// close moves the connection to Closing and wakes the writer, which flushes
// what is queued, sends a close frame with code and reason, and releases the
// transport. Only the first call has any effect.
func (c *Conn) close(code int, reason string) {
	c.closeOnce.Do(func() {
		for {
			s := c.state.Load()
			if s >= int32(StateClosing) || c.state.CompareAndSwap(s, int32(StateClosing)) {
				break
			}
		}
		c.closeCode, c.closeReason = code, reason
		close(c.done)
		if !c.writerStarted.Load() {
			c.releaseTransport()
		}
	})
}

func (c *Conn) releaseTransport() {
	c.transportOnce.Do(func() {
		if err := c.transport.Close(); err != nil && !isExpectedCloseError(err) {
			c.log.Debug("Error closing transport", zap.Error(err))
		}
	})
}

// writePump drains the preamble and then the send queue into the transport,
// pinging the peer every pingPeriod. It returns once the connection is closing.
func (c *Conn) writePump(pingEvery time.Duration) {
	ticker := time.NewTicker(pingEvery)
	defer func() {
		ticker.Stop()
		c.releaseTransport()
	}()

	for _, msg := range c.preamble {
		if !c.write(msg) {
			return
		}
	}
	c.preamble = nil

	for {
		select {
		case msg := <-c.send:
			if !c.write(msg) {
				return
			}
		case <-ticker.C:
			if err := c.transport.WritePing(); err != nil {
				c.log.Debug("Error writing ping", zap.Error(err))
				c.close(websocket.CloseGoingAway, "ping failed")
				return
			}
		case <-c.done:
			c.flush()
			if err := c.transport.WriteClose(c.closeCode, c.closeReason); err != nil && !isExpectedCloseError(err) {
				c.log.Debug("Error writing close frame", zap.Error(err))
			}
			return
		}
	}
}

func (c *Conn) write(msg []byte) bool {
	if err := c.transport.WriteMessage(msg); err != nil {
		if !isExpectedCloseError(err) {
			c.log.Warn("Error writing message", zap.Error(err))
		}
		c.close(websocket.CloseGoingAway, "write failed")
		return false
	}
	return true
}

// flush writes whatever is already queued when the connection starts closing.
func (c *Conn) flush() {
	for n := len(c.send); n > 0; n-- {
		if err := c.transport.WriteMessage(<-c.send); err != nil {
			return
		}
	}
}

// logReadError logs a terminal read error at a level matching its cause.
func (c *Conn) logReadError(err error, maxMessageSize int64) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.log.Warn("Message exceeded maximum size", zap.Int64("max_bytes", maxMessageSize))
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure):
		c.log.Info("Client disconnected", zap.Error(err))
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		c.log.Info("Client connection closed", zap.Error(err))
	case websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseMessageTooBig):
		c.log.Warn("Unexpected WebSocket close", zap.Error(err))
	default:
		c.log.Warn("WebSocket read error", zap.Error(err))
	}
}

package server

import (
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Tyrowin/relaychat/internal/auth"
	"github.com/Tyrowin/relaychat/internal/store"
)

func TestStateString(t *testing.T) {
	assert.Equal(t, "handshaking", StateHandshaking.String())
	assert.Equal(t, "active", StateActive.String())
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "unknown", State(42).String())
}

func TestConnLifecycleTransitions(t *testing.T) {
	c := newConn(newFakeTransport(), "test", DefaultConfig(), zap.NewNop())
	require.Equal(t, StateHandshaking, c.State())

	assert.False(t, c.activate(), "cannot skip authentication")
	require.True(t, c.authenticate(auth.Identity{User: store.User{ID: "alice"}}))
	assert.Equal(t, "alice", c.UserID())
	assert.False(t, c.authenticate(auth.Identity{User: store.User{ID: "mallory"}}))
	assert.Equal(t, "alice", c.UserID())

	require.True(t, c.activate())
	assert.Equal(t, StateActive, c.State())

	c.close(websocket.CloseNormalClosure, "")
	assert.Equal(t, StateClosing, c.State())
	c.markClosed()
	assert.Equal(t, StateClosed, c.State())
}

func TestConnCloseBeforeActivationWins(t *testing.T) {
	c := newConn(newFakeTransport(), "test", DefaultConfig(), zap.NewNop())
	c.authenticate(auth.Identity{User: store.User{ID: "alice"}})

	c.close(websocket.CloseGoingAway, "server shutting down")

	assert.False(t, c.activate())
	assert.Equal(t, StateClosing, c.State())
	assert.True(t, c.transport.(*fakeTransport).isClosed())
}

func TestConnEnqueueOverflowClosesConnection(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SendBuffer = 2
	c := newConn(newFakeTransport(), "test", cfg, zap.NewNop())

	assert.True(t, c.enqueue([]byte("1")))
	assert.True(t, c.enqueue([]byte("2")))
	assert.False(t, c.enqueue([]byte("3")))

	select {
	case <-c.Done():
	default:
		t.Fatal("overflowing connection was not closed")
	}
	assert.Equal(t, StateClosing, c.State())
	assert.False(t, c.enqueue([]byte("4")), "closed connection accepts nothing")
}

func TestWritePumpOrderAndCloseFrame(t *testing.T) {
	ft := newFakeTransport()
	c := newConn(ft, "test", DefaultConfig(), zap.NewNop())
	c.preamble = [][]byte{[]byte(`{"type":"message_history"}`), []byte(`{"type":"presence_snapshot"}`)}
	require.True(t, c.enqueue([]byte(`{"type":"chat_message"}`)))

	c.writerStarted.Store(true)
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.writePump(time.Hour)
	}()

	assert.Equal(t, EnvelopeMessageHistory, ft.next(t)["type"])
	assert.Equal(t, EnvelopePresenceSnapshot, ft.next(t)["type"])
	assert.Equal(t, EnvelopeChatMessage, ft.next(t)["type"])

	require.True(t, c.enqueue([]byte(`{"type":"group_left"}`)))
	c.close(websocket.ClosePolicyViolation, "session expired")

	select {
	case <-done:
	case <-time.After(waitTimeout):
		t.Fatal("writer did not stop")
	}
	assert.True(t, ft.isClosed())
	code, reason := ft.closeFrame()
	assert.Equal(t, websocket.ClosePolicyViolation, code)
	assert.Equal(t, "session expired", reason)
}

func TestFanoutSkipsAndCountsDeliveries(t *testing.T) {
	a, b, closed := testConn("alice"), testConn("bob"), testConn("carol")
	closed.close(websocket.CloseNormalClosure, "")

	n := fanout([]*Conn{a, b, closed}, []byte("x"), func(c *Conn) bool { return c == b }, nil)

	assert.Equal(t, 1, n)
	assert.Len(t, a.send, 1)
	assert.Empty(t, b.send)
}

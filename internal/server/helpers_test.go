package server

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/Tyrowin/relaychat/internal/auth"
	"github.com/Tyrowin/relaychat/internal/channel"
	"github.com/Tyrowin/relaychat/internal/store"
)

const (
	testSecret  = "test-secret"
	waitTimeout = 2 * time.Second
)

var errTransportClosed = errors.New("use of closed network connection")

// fakeTransport is an in-memory Transport. Frames written by the server are
// exposed on out; frames for the server are pushed with push.
type fakeTransport struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}
	once   sync.Once

	mu          sync.Mutex
	closeCode   int
	closeReason string
	closeFrames int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		in:     make(chan []byte, 64),
		out:    make(chan []byte, 1024),
		closed: make(chan struct{}),
	}
}

func (f *fakeTransport) ReadMessage() ([]byte, error) {
	select {
	case m := <-f.in:
		return m, nil
	case <-f.closed:
		return nil, io.EOF
	}
}

func (f *fakeTransport) WriteMessage(data []byte) error {
	select {
	case <-f.closed:
		return errTransportClosed
	default:
	}
	f.out <- data
	return nil
}

func (f *fakeTransport) WritePing() error { return nil }

func (f *fakeTransport) WriteClose(code int, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closeFrames == 0 {
		f.closeCode, f.closeReason = code, reason
	}
	f.closeFrames++
	return nil
}

func (f *fakeTransport) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeTransport) closeFrame() (int, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeCode, f.closeReason
}

func (f *fakeTransport) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

func (f *fakeTransport) push(t *testing.T, v any) {
	t.Helper()
	var raw []byte
	switch v := v.(type) {
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		b, err := json.Marshal(v)
		require.NoError(t, err)
		raw = b
	}
	f.in <- raw
}

// next returns the next envelope written to the client.
func (f *fakeTransport) next(t *testing.T) map[string]any {
	t.Helper()
	select {
	case raw := <-f.out:
		var env map[string]any
		require.NoError(t, json.Unmarshal(raw, &env), "frame %s", raw)
		return env
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for an envelope")
		return nil
	}
}

// nextOfType skips envelopes until one of type typ arrives.
func (f *fakeTransport) nextOfType(t *testing.T, typ string) map[string]any {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case raw := <-f.out:
			var env map[string]any
			require.NoError(t, json.Unmarshal(raw, &env))
			if env["type"] == typ {
				return env
			}
		case <-deadline:
			t.Fatalf("timed out waiting for a %s envelope", typ)
			return nil
		}
	}
}

// expectNone asserts no envelope of type typ arrives within d.
func (f *fakeTransport) expectNone(t *testing.T, typ string, d time.Duration) {
	t.Helper()
	deadline := time.After(d)
	for {
		select {
		case raw := <-f.out:
			var env map[string]any
			require.NoError(t, json.Unmarshal(raw, &env))
			require.NotEqual(t, typ, env["type"], "unexpected envelope %s", raw)
		case <-deadline:
			return
		}
	}
}

// recordingMirror is a PresenceMirror that remembers every edge.
type recordingMirror struct {
	mu     sync.Mutex
	events []string
}

func (m *recordingMirror) MarkOnline(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, "online:"+userID)
	return nil
}

func (m *recordingMirror) MarkOffline(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, "offline:"+userID)
	return nil
}

func (m *recordingMirror) snapshot() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.events...)
}

// failingMessages wraps a MessageStore and fails Persist on demand.
type failingMessages struct {
	store.MessageStore
	mu   sync.Mutex
	fail bool
}

func (f *failingMessages) setFail(v bool) {
	f.mu.Lock()
	f.fail = v
	f.mu.Unlock()
}

func (f *failingMessages) Persist(ctx context.Context, msg store.Message) (string, error) {
	f.mu.Lock()
	fail := f.fail
	f.mu.Unlock()
	if fail {
		return "", errors.New("disk full")
	}
	return f.MessageStore.Persist(ctx, msg)
}

// seedStore returns a memory store with:
//
//	alice <-> bob, alice <-> carol friendships
//	group "g1" with alice, bob and dave
func seedStore(t *testing.T) *store.MemoryStore {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemoryStore()
	for _, u := range []store.User{
		{ID: "alice", FirstName: "Alice", LastName: "Liddell"},
		{ID: "bob", FirstName: "Bob", FriendCode: "482913"},
		{ID: "carol", Email: "carol@example.com"},
		{ID: "dave", FriendCode: "770011"},
	} {
		require.NoError(t, st.AddUser(ctx, u))
	}
	require.NoError(t, st.AddFriendship(ctx, "alice", "bob"))
	require.NoError(t, st.AddFriendship(ctx, "alice", "carol"))
	require.NoError(t, st.AddGroup(ctx, "g1", "Group One", []string{"alice", "bob", "dave"}))
	return st
}

type harness struct {
	t        *testing.T
	store    *store.MemoryStore
	messages *failingMessages
	mirror   *recordingMirror
	issuer   *auth.Issuer
	gw       *Gateway
}

func newHarness(t *testing.T, tweak ...func(*Config)) *harness {
	t.Helper()
	st := seedStore(t)

	cfg := DefaultConfig()
	cfg.JWTSecret = testSecret
	cfg.RateLimit.Burst = 1000
	for _, fn := range tweak {
		fn(&cfg)
	}

	h := &harness{
		t:        t,
		store:    st,
		messages: &failingMessages{MessageStore: st},
		mirror:   &recordingMirror{},
		issuer:   auth.NewIssuer(testSecret),
	}
	h.gw = NewGateway(cfg, Dependencies{
		Verifier: auth.NewVerifier(testSecret, st),
		Users:    st,
		Friends:  st,
		Graph:    st,
		Messages: h.messages,
		Presence: h.mirror,
		Metrics:  NewMetrics(prometheus.NewRegistry()),
		Logger:   zaptest.NewLogger(t),
	})
	t.Cleanup(func() {
		_ = h.gw.Shutdown(waitTimeout)
	})
	return h
}

type testClient struct {
	ft       *fakeTransport
	errCh    chan error
	preamble []map[string]any
}

func (h *harness) token(userID string, ttl time.Duration) string {
	h.t.Helper()
	tok, err := h.issuer.Issue(userID, ttl)
	require.NoError(h.t, err)
	return tok
}

// serve starts Serve for token without waiting for anything.
func (h *harness) serve(token string) *testClient {
	ft := newFakeTransport()
	errCh := make(chan error, 1)
	go func() {
		errCh <- h.gw.Serve(context.Background(), ft, token, "127.0.0.1:0")
	}()
	return &testClient{ft: ft, errCh: errCh}
}

// connect opens an Active connection for userID and consumes its preamble.
func (h *harness) connect(userID string) *testClient {
	h.t.Helper()
	c := h.serve(h.token(userID, time.Hour))
	for {
		env := c.ft.next(h.t)
		c.preamble = append(c.preamble, env)
		if env["type"] == EnvelopePresenceSnapshot {
			return c
		}
	}
}

func (c *testClient) history() []any {
	for _, env := range c.preamble {
		if env["type"] == EnvelopeMessageHistory {
			msgs, _ := env["messages"].([]any)
			return msgs
		}
	}
	return nil
}

// disconnect closes the client side and waits for Serve to return.
func (c *testClient) disconnect(t *testing.T) {
	t.Helper()
	require.NoError(t, c.ft.Close())
	c.wait(t)
}

func (c *testClient) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-c.errCh:
		return err
	case <-time.After(waitTimeout):
		t.Fatal("Serve did not return")
		return nil
	}
}

// testConn builds a registered-able connection without running any pumps.
func testConn(userID string) *Conn {
	cfg := DefaultConfig()
	c := newConn(newFakeTransport(), "test", cfg, zap.NewNop())
	c.identity = auth.Identity{User: store.User{ID: userID}}
	c.state.Store(int32(StateActive))
	return c
}

func names(chans ...string) []channel.Name {
	out := make([]channel.Name, len(chans))
	for i, ch := range chans {
		out[i] = channel.Name(ch)
	}
	return out
}

package server_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Tyrowin/relaychat/internal/auth"
	"github.com/Tyrowin/relaychat/internal/server"
	"github.com/Tyrowin/relaychat/internal/store"
)

const secret = "http-test-secret"

type envelope struct {
	Type    string          `json:"type"`
	Code    string          `json:"code"`
	UserID  string          `json:"user_id"`
	Status  string          `json:"status"`
	Message json.RawMessage `json:"message"`
}

type chatMessage struct {
	Content string `json:"content"`
	Sender  string `json:"sender"`
}

func newTestServer(t *testing.T) (*httptest.Server, *server.Gateway) {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemoryStore()
	require.NoError(t, st.AddUser(ctx, store.User{ID: "alice", FirstName: "Alice"}))
	require.NoError(t, st.AddUser(ctx, store.User{ID: "bob", FirstName: "Bob"}))
	require.NoError(t, st.AddFriendship(ctx, "alice", "bob"))

	cfg := server.DefaultConfig()
	cfg.AllowedOrigins = []string{"http://localhost:8080"}
	cfg.JWTSecret = secret

	reg := prometheus.NewRegistry()
	gw := server.NewGateway(cfg, server.Dependencies{
		Verifier: auth.NewVerifier(secret, st),
		Users:    st,
		Friends:  st,
		Graph:    st,
		Messages: st,
		Metrics:  server.NewMetrics(reg),
		Logger:   zap.NewNop(),
	})

	ts := httptest.NewServer(server.SetupRoutes(gw, promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	t.Cleanup(func() {
		_ = gw.Shutdown(2 * time.Second)
		ts.Close()
	})
	return ts, gw
}

func dial(t *testing.T, ts *httptest.Server, userID string) *websocket.Conn {
	t.Helper()
	token, err := auth.NewIssuer(secret).Issue(userID, time.Hour)
	require.NoError(t, err)

	header := http.Header{}
	header.Set("Origin", "http://localhost:8080")
	header.Set("Authorization", "Bearer "+token)

	conn, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", header)
	if resp != nil {
		_ = resp.Body.Close()
	}
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readUntil(t *testing.T, conn *websocket.Conn, typ string) envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		var env envelope
		require.NoError(t, conn.ReadJSON(&env))
		if env.Type == typ {
			return env
		}
	}
}

func TestWebSocketDirectMessageEndToEnd(t *testing.T) {
	ts, gw := newTestServer(t)

	bob := dial(t, ts, "bob")
	readUntil(t, bob, "presence_snapshot")
	alice := dial(t, ts, "alice")
	readUntil(t, alice, "presence_snapshot")

	online := readUntil(t, bob, "presence")
	assert.Equal(t, "alice", online.UserID)
	assert.Equal(t, "online", online.Status)

	require.NoError(t, alice.WriteJSON(map[string]any{
		"type":      "send_message",
		"to_friend": "bob",
		"content":   "hello over the wire",
	}))

	var msg chatMessage
	require.NoError(t, json.Unmarshal(readUntil(t, bob, "chat_message").Message, &msg))
	assert.Equal(t, "hello over the wire", msg.Content)
	assert.Equal(t, "alice", msg.Sender)
	assert.Equal(t, 2, gw.Registry().Len())

	require.NoError(t, alice.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")))
	offline := readUntil(t, bob, "presence")
	assert.Equal(t, "offline", offline.Status)
}

func TestWebSocketRejectsBadToken(t *testing.T) {
	ts, gw := newTestServer(t)

	header := http.Header{}
	header.Set("Origin", "http://localhost:8080")
	conn, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws?token=garbage", header)
	if resp != nil {
		_ = resp.Body.Close()
	}
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	env := readUntil(t, conn, "error")
	assert.Equal(t, "auth_rejected", env.Code)

	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "got %v", err)
	assert.Zero(t, gw.Registry().Len())
}

func TestWebSocketRejectsDisallowedOrigin(t *testing.T) {
	ts, _ := newTestServer(t)

	header := http.Header{}
	header.Set("Origin", "http://evil.example.com")
	conn, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", header)
	if conn != nil {
		_ = conn.Close()
	}
	require.Error(t, err)
	require.NotNil(t, resp)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestHTTPRoutes(t *testing.T) {
	ts, _ := newTestServer(t)

	tests := []struct {
		name        string
		method      string
		path        string
		status      int
		contentType string
		body        string
	}{
		{"health", http.MethodGet, "/", http.StatusOK, "text/plain", "relaychat server is running!"},
		{"test page", http.MethodGet, "/test", http.StatusOK, "text/html", "relaychat WebSocket Test"},
		{"ws wrong method", http.MethodPost, "/ws", http.StatusMethodNotAllowed, "", "Method not allowed"},
		{"metrics", http.MethodGet, "/metrics", http.StatusOK, "", "relaychat_active_connections"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(tt.method, ts.URL+tt.path, http.NoBody)
			require.NoError(t, err)
			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			defer func() { _ = resp.Body.Close() }()

			assert.Equal(t, tt.status, resp.StatusCode)
			if tt.contentType != "" {
				assert.Equal(t, tt.contentType, resp.Header.Get("Content-Type"))
			}
			body, err := io.ReadAll(resp.Body)
			require.NoError(t, err)
			assert.Contains(t, string(body), tt.body)
		})
	}
}

func TestCreateServerDefaults(t *testing.T) {
	srv := server.CreateServer(":0", http.NewServeMux())
	assert.Equal(t, ":0", srv.Addr)
	assert.Equal(t, 15*time.Second, srv.ReadTimeout)
	assert.Equal(t, 15*time.Second, srv.WriteTimeout)
	assert.Equal(t, 60*time.Second, srv.IdleTimeout)
}

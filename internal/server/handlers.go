// Package server exposes HTTP handlers, including WebSocket upgrades, health
// checks, and the built-in test page.
package server

import (
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// WebSocketHandler upgrades the request and serves the connection until it
// closes. The credential is read from the "token" query parameter or an
// "Authorization: Bearer" header. A missing or invalid credential is reported
// over the upgraded socket before it is closed.
func (g *Gateway) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Warn("WebSocket upgrade failed", zap.String("remote_addr", r.RemoteAddr), zap.Error(err))
		return
	}

	t, err := newWSTransport(conn, g.cfg.MaxMessageSize)
	if err != nil {
		g.log.Warn("Could not configure WebSocket", zap.String("remote_addr", r.RemoteAddr), zap.Error(err))
		_ = conn.Close()
		return
	}

	if err := g.Serve(r.Context(), t, bearerToken(r), r.RemoteAddr); err != nil {
		g.log.Debug("Connection ended with error", zap.String("remote_addr", r.RemoteAddr), zap.Error(err))
	}
}

func bearerToken(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if ok && strings.EqualFold(scheme, "Bearer") {
		return strings.TrimSpace(token)
	}
	return ""
}

// HealthHandler provides a simple health check endpoint that returns server status.
func (g *Gateway) HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "relaychat server is running! connections=%d", g.registry.Len())
}

// TestPageHandler serves an HTML page for exercising the WebSocket endpoint by hand.
func (g *Gateway) TestPageHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	if _, err := fmt.Fprint(w, testPageHTML); err != nil {
		g.log.Warn("Error writing HTML response", zap.Error(err))
	}
}

const testPageHTML = `<!DOCTYPE html>
<html>
<head>
    <title>relaychat WebSocket Test</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 20px; }
        #messages { 
            border: 1px solid #ccc; 
            height: 300px; 
            padding: 10px; 
            overflow-y: scroll; 
            margin: 10px 0;
            background-color: #f9f9f9;
        }
        input[type="text"] {
            width: 220px;
            padding: 5px;
            margin-right: 10px;
        }
        button { 
            padding: 5px 15px; 
            background-color: #007cba; 
            color: white; 
            border: none; 
            cursor: pointer;
        }
        button:hover { background-color: #005a87; }
        .status { 
            margin: 10px 0; 
            padding: 5px; 
            border-radius: 3px;
        }
        .connected { background-color: #d4edda; color: #155724; }
        .disconnected { background-color: #f8d7da; color: #721c24; }
    </style>
</head>
<body>
    <h1>relaychat WebSocket Test</h1>

    <div id="status" class="status disconnected">Disconnected</div>

    <div>
        <input type="text" id="tokenInput" placeholder="Bearer token">
        <button id="connectButton" onclick="toggleConnection()">Connect</button>
    </div>
    <div>
        <input type="text" id="friendInput" placeholder="Friend id">
        <input type="text" id="groupInput" placeholder="or group id">
    </div>
    <div>
        <input type="text" id="messageInput" placeholder="Type a message..." disabled>
        <button id="sendButton" onclick="sendMessage()" disabled>Send</button>
    </div>

    <div id="messages"></div>

    <script>
        let ws = null;
        const seen = new Set();
        const messagesDiv = document.getElementById('messages');
        const messageInput = document.getElementById('messageInput');
        const sendButton = document.getElementById('sendButton');
        const connectButton = document.getElementById('connectButton');
        const statusDiv = document.getElementById('status');

        function addLine(text, color) {
            const el = document.createElement('div');
            el.style.margin = '5px 0';
            el.style.color = color || 'gray';
            el.textContent = text;
            messagesDiv.appendChild(el);
            messagesDiv.scrollTop = messagesDiv.scrollHeight;
        }

        function showMessage(m) {
            if (seen.has(m.id)) {
                return;
            }
            seen.add(m.id);
            const where = m.group ? '#' + m.group : '@' + (m.recipient || '');
            addLine('[' + where + '] ' + m.sender_name + ': ' + m.content, 'green');
        }

        function handle(env) {
            switch (env.type) {
            case 'message_history':
                env.messages.forEach(showMessage);
                break;
            case 'chat_message':
                showMessage(env.message);
                break;
            case 'presence':
                addLine(env.user_id + ' is ' + env.status);
                break;
            case 'presence_snapshot':
                addLine('online friends: ' + (env.online.join(', ') || 'none'));
                break;
            case 'error':
                addLine('error ' + env.code + ': ' + env.message, 'red');
                break;
            default:
                addLine(JSON.stringify(env));
            }
        }

        function updateStatus(connected) {
            statusDiv.textContent = connected ? 'Connected' : 'Disconnected';
            statusDiv.className = 'status ' + (connected ? 'connected' : 'disconnected');
            messageInput.disabled = !connected;
            sendButton.disabled = !connected;
            connectButton.textContent = connected ? 'Disconnect' : 'Connect';
        }

        function connect() {
            const scheme = location.protocol === 'https:' ? 'wss://' : 'ws://';
            const token = encodeURIComponent(document.getElementById('tokenInput').value.trim());
            ws = new WebSocket(scheme + location.host + '/ws?token=' + token);
            ws.onopen = function() {
                addLine('Connected to relaychat server');
                updateStatus(true);
            };
            ws.onmessage = function(event) {
                handle(JSON.parse(event.data));
            };
            ws.onclose = function(event) {
                addLine('Connection closed (' + event.code + ' ' + event.reason + ')');
                updateStatus(false);
                ws = null;
            };
        }

        function toggleConnection() {
            if (ws && ws.readyState === WebSocket.OPEN) {
                ws.close();
            } else {
                connect();
            }
        }

        function sendMessage() {
            const content = messageInput.value.trim();
            if (!content || !ws || ws.readyState !== WebSocket.OPEN) {
                return;
            }
            const event = {type: 'send_message', content: content};
            const friend = document.getElementById('friendInput').value.trim();
            const group = document.getElementById('groupInput').value.trim();
            if (group) {
                event.group_id = group;
            } else {
                event.to_friend = friend;
            }
            ws.send(JSON.stringify(event));
            messageInput.value = '';
        }

        messageInput.addEventListener('keypress', function(e) {
            if (e.key === 'Enter') {
                sendMessage();
            }
        });
    </script>
</body>
</html>`

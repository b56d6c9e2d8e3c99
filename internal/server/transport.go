// Package server adapts gorilla/websocket connections to the Transport
// interface the connection state machine drives.
package server

import (
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Transport is a bidirectional message stream. ReadMessage is called from a
// single goroutine, and the write methods from a single other goroutine,
// except WriteClose and Close which may be called from any goroutine.
type Transport interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	WritePing() error
	WriteClose(code int, reason string) error
	Close() error
}

type wsTransport struct {
	conn *websocket.Conn
}

// newWSTransport configures read limits, deadlines and the pong handler on conn.
func newWSTransport(conn *websocket.Conn, maxMessageSize int64) (*wsTransport, error) {
	conn.SetReadLimit(maxMessageSize)
	if err := conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return nil, err
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	return &wsTransport{conn: conn}, nil
}

func (t *wsTransport) ReadMessage() ([]byte, error) {
	_, data, err := t.conn.ReadMessage()
	return data, err
}

func (t *wsTransport) WriteMessage(data []byte) error {
	if err := t.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) WritePing() error {
	return t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func (t *wsTransport) WriteClose(code int, reason string) error {
	return t.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
}

func (t *wsTransport) Close() error {
	return t.conn.Close()
}

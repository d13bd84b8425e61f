// Package websockettest dials spectator feeds from tests.
package websockettest

import (
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// URL turns an httptest server URL into the ws:// address of path.
func URL(serverURL, path string) string {
	return "ws" + strings.TrimPrefix(serverURL, "http") + path
}

// Dial connects a viewer and bounds every read by timeout.
func Dial(url string, timeout time.Duration) (*websocket.Conn, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, err
	}
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	return conn, nil
}

// DialUnresponsive connects a viewer that swallows pings without answering, so
// the server sees a peer whose network stalled.
func DialUnresponsive(url string, timeout time.Duration) (*websocket.Conn, error) {
	conn, err := Dial(url, timeout)
	if err != nil {
		return nil, err
	}
	conn.SetPingHandler(func(string) error { return nil })
	conn.SetPongHandler(func(string) error { return nil })
	return conn, nil
}

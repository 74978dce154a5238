package xmpp

import (
	"sync"

	"github.com/gorilla/websocket"
)

// SafeConn wraps a websocket connection with automatic write synchronization.
//
// A session's frames are written both by its own handler goroutine and by
// other sessions fanning out presence and messages to it. gorilla/websocket
// forbids concurrent writers, so the write path is serialized here; holding
// the mutex also preserves send order for frames triggered by one caller.
type SafeConn struct {
	conn *websocket.Conn
	mu   sync.Mutex // Protects writes to conn
}

// NewSafeConn wraps a websocket connection with write synchronization.
func NewSafeConn(conn *websocket.Conn) *SafeConn {
	return &SafeConn{conn: conn}
}

// WriteStanza sends one stanza as a single text message. This is the only way
// to write to the connection - the raw conn is private.
func (sc *SafeConn) WriteStanza(data []byte) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.conn.WriteMessage(websocket.TextMessage, data)
}

// ReadStanza reads one raw frame. Reads don't need write synchronization;
// only the owning handler goroutine reads.
func (sc *SafeConn) ReadStanza() ([]byte, error) {
	_, data, err := sc.conn.ReadMessage()
	return data, err
}

// Close closes the underlying connection.
func (sc *SafeConn) Close() error {
	return sc.conn.Close()
}

// RemoteAddr returns the remote network address as a string.
func (sc *SafeConn) RemoteAddr() string {
	return sc.conn.RemoteAddr().String()
}

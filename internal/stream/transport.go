package stream

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
)

const (
	defaultWriteTimeout = 5 * time.Second
	closeGracePeriod    = time.Second
)

// wsTransport adapts a WebSocket connection to registry.Transport. Data
// frames are written only by the connection's drain loop; pings and the
// close frame go through WriteControl, which gorilla allows concurrently.
type wsTransport struct {
	conn         *websocket.Conn
	clock        clockwork.Clock
	writeTimeout time.Duration

	closeOnce   sync.Once
	closeCode   int
	closeReason string
	mu          sync.Mutex
}

func newTransport(conn *websocket.Conn, clock clockwork.Clock, writeTimeout time.Duration) *wsTransport {
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	return &wsTransport{
		conn:         conn,
		clock:        clock,
		writeTimeout: writeTimeout,
		closeCode:    websocket.CloseNormalClosure,
	}
}

func (t *wsTransport) Send(frame []byte) error {
	_ = t.conn.SetWriteDeadline(t.clock.Now().Add(t.writeTimeout))
	return t.conn.WriteMessage(websocket.BinaryMessage, frame)
}

func (t *wsTransport) ping() error {
	return t.conn.WriteControl(websocket.PingMessage, nil, t.clock.Now().Add(t.writeTimeout))
}

// closeWith records the close code sent by the next Close.
func (t *wsTransport) closeWith(code int, reason string) {
	t.mu.Lock()
	t.closeCode, t.closeReason = code, reason
	t.mu.Unlock()
}

// Close sends a close frame and closes the socket. Safe to call more than once.
func (t *wsTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.mu.Lock()
		msg := websocket.FormatCloseMessage(t.closeCode, t.closeReason)
		t.mu.Unlock()
		_ = t.conn.WriteControl(websocket.CloseMessage, msg, t.clock.Now().Add(closeGracePeriod))
		err = t.conn.Close()
	})
	return err
}

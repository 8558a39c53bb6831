package wsw

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// DefaultWriteTimeout bounds a single frame write so a stuck peer cannot hold
// the write mutex forever.
const DefaultWriteTimeout = 5 * time.Second

// WSWrapper is a wrapper around a websocket connection that provides a mutex
// This is necessary to prevent concurrent writes to the websocket connection
type WSWrapper struct {
	*websocket.Conn
	mu sync.Mutex

	writeTimeout time.Duration

	closeOnce sync.Once
	closeErr  error
	closed    chan struct{}
}

// WriteJSONConcurrent is a wrapper around WriteJSON that uses a mutex to prevent concurrent writes
func (ws *WSWrapper) WriteJSONConcurrent(msg any) error {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if ws.isClosed() {
		return websocket.ErrCloseSent
	}
	if ws.writeTimeout > 0 {
		_ = ws.SetWriteDeadline(time.Now().Add(ws.writeTimeout))
	}
	return ws.WriteJSON(msg)
}

// Close sends a best-effort normal close frame and closes the underlying
// connection. Only the first call has any effect; later calls return the
// first result.
func (ws *WSWrapper) Close() error {
	ws.closeOnce.Do(func() {
		ws.mu.Lock()
		close(ws.closed)
		_ = ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		ws.closeErr = ws.Conn.Close()
		ws.mu.Unlock()
	})
	return ws.closeErr
}

// Closed is closed once Close has been called.
func (ws *WSWrapper) Closed() <-chan struct{} {
	return ws.closed
}

func (ws *WSWrapper) isClosed() bool {
	select {
	case <-ws.closed:
		return true
	default:
		return false
	}
}

func NewWSWrapper(c *websocket.Conn) *WSWrapper {
	return &WSWrapper{
		Conn:         c,
		mu:           sync.Mutex{},
		writeTimeout: DefaultWriteTimeout,
		closed:       make(chan struct{}),
	}
}

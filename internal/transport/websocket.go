package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
)

// WebSocketTransport adapts a gorilla/websocket connection to the
// Transport interface. Each wire frame is sent as one binary message,
// relying on websocket's own message framing instead of the length-
// prefixed datagram scheme the teacher's QUIC transport needs —
// websocket already preserves message boundaries natively.
type WebSocketTransport struct {
	conn *websocket.Conn

	writeMu sync.Mutex

	recvMu  sync.Mutex
	recvBuf [][]byte
	recvErr error

	closeOnce sync.Once
}

// DialWebSocket connects to a peer's websocket endpoint and starts a
// background reader pump feeding TryRecv.
func DialWebSocket(ctx context.Context, url string) (*WebSocketTransport, error) {
	dialer := websocket.Dialer{}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", url, err)
	}
	return newWebSocketTransport(conn), nil
}

// NewWebSocketTransport wraps an already-established connection, e.g.
// one accepted by an http.Handler upgrading an inbound request.
func NewWebSocketTransport(conn *websocket.Conn) *WebSocketTransport {
	return newWebSocketTransport(conn)
}

func newWebSocketTransport(conn *websocket.Conn) *WebSocketTransport {
	w := &WebSocketTransport{conn: conn}
	go w.readPump()
	return w
}

func (w *WebSocketTransport) readPump() {
	for {
		_, data, err := w.conn.ReadMessage()
		if err != nil {
			w.recvMu.Lock()
			w.recvErr = err
			w.recvMu.Unlock()
			return
		}
		w.recvMu.Lock()
		w.recvBuf = append(w.recvBuf, data)
		w.recvMu.Unlock()
	}
}

func (w *WebSocketTransport) Send(ctx context.Context, frame []byte) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		w.conn.SetWriteDeadline(deadline)
	}
	return w.conn.WriteMessage(websocket.BinaryMessage, frame)
}

func (w *WebSocketTransport) TryRecv() ([]byte, bool) {
	w.recvMu.Lock()
	defer w.recvMu.Unlock()
	if len(w.recvBuf) == 0 {
		return nil, false
	}
	frame := w.recvBuf[0]
	w.recvBuf = w.recvBuf[1:]
	return frame, true
}

func (w *WebSocketTransport) Close() error {
	var err error
	w.closeOnce.Do(func() {
		err = w.conn.Close()
	})
	return err
}

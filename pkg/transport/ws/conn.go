// Package ws adapts pkg/rpc.Conn to a websocket transport. The stdio
// transport feeds rpc.New an io.Reader/io.Writer pair over a pipe or
// process stdin/stdout; this package gives it the same seam over a
// gorilla/websocket connection, one JSON-RPC message per text frame.
package ws

import (
	"errors"
	"io"
	"sync"

	"github.com/gorilla/websocket"
)

// frameConn turns a *websocket.Conn into the io.Reader/io.Writer pair
// rpc.New expects. Each Write call (rpc.Conn's json.Encoder emits
// exactly one per message, newline included) becomes one text frame;
// each Read drains the next inbound frame, buffering whatever the
// caller's slice couldn't hold.
type frameConn struct {
	ws *websocket.Conn

	writeMu sync.Mutex
	closed  bool

	readMu  sync.Mutex
	pending []byte
}

// newFrameConn wraps ws for use as rpc.New's reader and writer.
func newFrameConn(wsConn *websocket.Conn) *frameConn {
	return &frameConn{ws: wsConn}
}

func (f *frameConn) Write(p []byte) (int, error) {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	if f.closed {
		return 0, errConnClosed
	}
	if err := f.ws.WriteMessage(websocket.TextMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (f *frameConn) Read(p []byte) (int, error) {
	f.readMu.Lock()
	defer f.readMu.Unlock()

	for len(f.pending) == 0 {
		msgType, data, err := f.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return 0, io.EOF
			}
			return 0, err
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		if len(data) == 0 {
			continue
		}
		f.pending = append(data, '\n')
	}

	n := copy(p, f.pending)
	f.pending = f.pending[n:]
	return n, nil
}

// Close marks the frame connection closed and closes the underlying
// websocket. Safe to call once the peer's ReadLoop has exited.
func (f *frameConn) Close() error {
	f.writeMu.Lock()
	f.closed = true
	f.writeMu.Unlock()
	return f.ws.Close()
}

// errConnClosed is returned by Write after Close.
var errConnClosed = errors.New("ws: connection closed")

package ownet

import (
	"io"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketConn presents a gorilla websocket connection as an ordinary
// binary-stream net.Conn. Each Write becomes one binary websocket message;
// Reads drain incoming messages, carrying any remainder over to the next
// call. The ssh session layer runs on top of this.
type WebSocketConn struct {
	// implements net.Conn
	*websocket.Conn
	buff []byte
}

// NewWebSocketConn wraps a websocket connection in a net.Conn. The conn
// becomes the owner of the websocket and closes it when the conn is closed.
func NewWebSocketConn(wsConn *websocket.Conn) *WebSocketConn {
	return &WebSocketConn{
		Conn: wsConn,
	}
}

// Read implements net.Conn.Read over websocket messages
func (c *WebSocketConn) Read(dst []byte) (int, error) {
	ldst := len(dst)
	//use buffered remainder or read a new message
	var src []byte
	if len(c.buff) > 0 {
		src = c.buff
		c.buff = nil
	} else if _, msg, err := c.Conn.ReadMessage(); err == nil {
		src = msg
	} else {
		// an orderly websocket close is EOF to the stream layers above
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			err = io.EOF
		}
		return 0, err
	}
	var n int
	if len(src) > ldst {
		//copy as much as possible of src into dst, keep the remainder
		n = copy(dst, src[:ldst])
		r := src[ldst:]
		c.buff = make([]byte, len(r))
		copy(c.buff, r)
	} else {
		n = copy(dst, src)
	}
	return n, nil
}

// Write implements net.Conn.Write as a single binary websocket message
func (c *WebSocketConn) Write(b []byte) (int, error) {
	if err := c.Conn.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return 0, err
	}
	return len(b), nil
}

// SetDeadline sets both the read and write deadlines of the websocket
func (c *WebSocketConn) SetDeadline(t time.Time) error {
	if err := c.Conn.SetReadDeadline(t); err != nil {
		return err
	}
	return c.Conn.SetWriteDeadline(t)
}

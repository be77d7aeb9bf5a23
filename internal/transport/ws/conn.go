// Package ws provides the WebSocket transport for the relay. Each WebSocket
// message carries exactly one frame.
package ws

import (
	"context"
	"io"

	"github.com/omochice/toy-relay-chat/pkg/protocol"
	"nhooyr.io/websocket"
)

// MaxMessageSize is the largest message read before the connection is closed
// with websocket.StatusMessageTooBig. Messages between protocol.MaxFrameSize
// and MaxMessageSize are drained and reported as protocol.ErrFrameTooLarge.
const MaxMessageSize = 16 * protocol.MaxFrameSize

// Conn adapts a nhooyr.io/websocket connection to chat.Conn.
type Conn struct {
	conn       *websocket.Conn
	remoteAddr string
}

// NewConn wraps conn with an empty remote address.
func NewConn(conn *websocket.Conn) *Conn {
	return NewConnWithAddr(conn, "")
}

// NewConnWithAddr wraps conn, reporting addr as its remote address.
func NewConnWithAddr(conn *websocket.Conn, addr string) *Conn {
	conn.SetReadLimit(MaxMessageSize)
	return &Conn{conn: conn, remoteAddr: addr}
}

// Read implements chat.Conn.
// A close frame from the peer is reported as io.EOF.
func (c *Conn) Read(ctx context.Context) ([]byte, error) {
	_, r, err := c.conn.Reader(ctx)
	if err != nil {
		return nil, mapReadError(err)
	}

	data, err := io.ReadAll(io.LimitReader(r, protocol.MaxFrameSize+1))
	if err != nil {
		return nil, mapReadError(err)
	}
	if len(data) <= protocol.MaxFrameSize {
		return data, nil
	}

	if _, err := io.Copy(io.Discard, r); err != nil {
		return nil, mapReadError(err)
	}
	return nil, protocol.ErrFrameTooLarge
}

func mapReadError(err error) error {
	if websocket.CloseStatus(err) != -1 {
		return io.EOF
	}
	return err
}

// Write implements chat.Conn.
// Frames are sent as text messages.
func (c *Conn) Write(ctx context.Context, data []byte) error {
	return c.conn.Write(ctx, websocket.MessageText, data)
}

// Close implements chat.Conn.
func (c *Conn) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "")
}

// RemoteAddr implements chat.Conn.
func (c *Conn) RemoteAddr() string {
	return c.remoteAddr
}

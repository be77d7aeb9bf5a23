package mux

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/omochice/toy-relay-chat/pkg/protocol"
)

// bufferedConn wraps a net.Conn with a bufio.Reader to preserve peeked data
type bufferedConn struct {
	net.Conn
	reader *bufio.Reader
}

func (bc *bufferedConn) Read(p []byte) (int, error) {
	return bc.reader.Read(p)
}

// wsConn adapts an upgraded connection to chat.Conn using gobwas/ws.
// Each text or binary message is one frame.
type wsConn struct {
	conn   net.Conn
	reader *wsutil.Reader

	readMu    sync.Mutex
	writeMu   sync.Mutex
	closeOnce sync.Once
}

func newWSConn(conn *bufferedConn) *wsConn {
	c := &wsConn{conn: conn}
	c.reader = &wsutil.Reader{
		Source:         conn,
		State:          ws.StateServerSide,
		CheckUTF8:      true,
		OnIntermediate: c.handleControl,
	}
	return c
}

// handleControl answers ping and close frames. The reply is written in one
// piece under writeMu so it never interleaves with a data frame.
func (c *wsConn) handleControl(hdr ws.Header, r io.Reader) error {
	var reply bytes.Buffer
	err := wsutil.ControlFrameHandler(&reply, ws.StateServerSide)(hdr, r)
	if reply.Len() > 0 {
		c.writeMu.Lock()
		_, writeErr := c.conn.Write(reply.Bytes())
		c.writeMu.Unlock()
		if err == nil {
			err = writeErr
		}
	}
	return err
}

// Read implements chat.Conn.
// Messages above protocol.MaxFrameSize are discarded and reported as
// protocol.ErrFrameTooLarge. A close frame from the peer is io.EOF.
func (c *wsConn) Read(ctx context.Context) ([]byte, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	for {
		hdr, err := c.reader.NextFrame()
		if err != nil {
			return nil, mapReadError(err)
		}
		if hdr.OpCode.IsControl() {
			if err := c.handleControl(hdr, c.reader); err != nil {
				return nil, mapReadError(err)
			}
			continue
		}
		if hdr.OpCode != ws.OpText && hdr.OpCode != ws.OpBinary {
			if err := c.reader.Discard(); err != nil {
				return nil, mapReadError(err)
			}
			continue
		}

		data, err := io.ReadAll(io.LimitReader(c.reader, protocol.MaxFrameSize+1))
		if err != nil {
			return nil, mapReadError(err)
		}
		if len(data) > protocol.MaxFrameSize {
			if err := c.reader.Discard(); err != nil {
				return nil, mapReadError(err)
			}
			return nil, protocol.ErrFrameTooLarge
		}
		return data, nil
	}
}

func mapReadError(err error) error {
	var closed wsutil.ClosedError
	if errors.As(err, &closed) {
		return io.EOF
	}
	return err
}

// Write implements chat.Conn.
func (c *wsConn) Write(ctx context.Context, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(deadline)
		defer c.conn.SetWriteDeadline(time.Time{})
	}
	return wsutil.WriteServerMessage(c.conn, ws.OpText, data)
}

// Close implements chat.Conn.
// It sends a normal closure frame before closing the connection.
func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = wsutil.WriteServerMessage(c.conn, ws.OpClose, ws.NewCloseFrameBody(ws.StatusNormalClosure, ""))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}

// RemoteAddr implements chat.Conn.
func (c *wsConn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

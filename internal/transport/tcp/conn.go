// Package tcp provides the raw TCP transport for the relay. Frames are
// records separated by protocol.Delimiter.
package tcp

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/omochice/toy-relay-chat/pkg/protocol"
)

var delimiter = []byte(protocol.Delimiter)

// Conn adapts net.Conn to chat.Conn interface.
type Conn struct {
	conn   net.Conn
	reader *bufio.Reader

	readMu  sync.Mutex
	writeMu sync.Mutex
}

// NewConn wraps a net.Conn.
func NewConn(conn net.Conn) *Conn {
	return NewConnWithReader(conn, bufio.NewReader(conn))
}

// NewConnWithReader wraps a net.Conn whose first bytes were already buffered
// in r, as done by listeners that sniff the protocol.
func NewConnWithReader(conn net.Conn, r *bufio.Reader) *Conn {
	return &Conn{conn: conn, reader: r}
}

// Read implements chat.Conn.
// It returns the next non-empty record without its delimiter. A record longer
// than protocol.MaxFrameSize is skipped up to the next delimiter and reported
// as protocol.ErrFrameTooLarge, so the following record can still be read.
// A partial record at EOF is discarded.
func (c *Conn) Read(ctx context.Context) ([]byte, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	for {
		frame, err := c.readRecord()
		if err != nil {
			return nil, err
		}
		if len(frame) > 0 {
			return frame, nil
		}
	}
}

func (c *Conn) readRecord() ([]byte, error) {
	var (
		frame    []byte
		tooLarge bool
		last     byte
	)
	for {
		chunk, err := c.reader.ReadSlice('\n')
		if err != nil && !errors.Is(err, bufio.ErrBufferFull) {
			return nil, err
		}

		// The delimiter may straddle two chunks when the buffer fills on '\r'.
		complete := err == nil &&
			(bytes.HasSuffix(chunk, delimiter) || (len(chunk) == 1 && last == '\r'))
		if len(chunk) > 0 {
			last = chunk[len(chunk)-1]
		}

		if !tooLarge {
			frame = append(frame, chunk...)
			if len(frame) > protocol.MaxFrameSize+len(delimiter) {
				tooLarge = true
				frame = nil
			}
		}
		if !complete {
			continue
		}
		if tooLarge {
			return nil, protocol.ErrFrameTooLarge
		}
		return frame[:len(frame)-len(delimiter)], nil
	}
}

// Write implements chat.Conn.
// The frame is followed by protocol.Delimiter.
func (c *Conn) Write(ctx context.Context, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(deadline)
		defer c.conn.SetWriteDeadline(time.Time{})
	}

	buf := make([]byte, 0, len(data)+len(delimiter))
	buf = append(buf, data...)
	buf = append(buf, delimiter...)
	_, err := c.conn.Write(buf)
	return err
}

// Close implements chat.Conn.
func (c *Conn) Close() error {
	return c.conn.Close()
}

// RemoteAddr implements chat.Conn.
func (c *Conn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

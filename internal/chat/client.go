package chat

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// DefaultSendQueueSize is used when no queue size is configured.
const DefaultSendQueueSize = 64

// ErrQueueFull is returned by Send when the client's outbound queue is full.
var ErrQueueFull = errors.New("send queue full")

// GenerateClientID returns a new opaque client identifier. It doubles as the
// client's initial nickname.
func GenerateClientID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}

// Client is a live connection with a bounded outbound queue.
// Frames queued with Send are written in order by WriteLoop.
type Client struct {
	ID       string
	Conn     Conn
	outgoing chan []byte
	done     chan struct{}
	once     sync.Once
}

// NewClient creates a Client for conn.
func NewClient(id string, conn Conn, queueSize int) *Client {
	if queueSize <= 0 {
		queueSize = DefaultSendQueueSize
	}
	return &Client{
		ID:       id,
		Conn:     conn,
		outgoing: make(chan []byte, queueSize),
		done:     make(chan struct{}),
	}
}

// Send queues a frame without blocking.
func (c *Client) Send(frame []byte) error {
	select {
	case <-c.done:
		return ErrClientClosed
	default:
	}

	select {
	case c.outgoing <- frame:
		return nil
	case <-c.done:
		return ErrClientClosed
	default:
		return ErrQueueFull
	}
}

// SendWait queues a frame, waiting for room in the queue until ctx is done
// or the client is closed.
func (c *Client) SendWait(ctx context.Context, frame []byte) error {
	select {
	case c.outgoing <- frame:
		return nil
	case <-c.done:
		return ErrClientClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WriteLoop writes queued frames to the connection until the client is
// closed, ctx is done, or a write fails.
func (c *Client) WriteLoop(ctx context.Context) error {
	for {
		select {
		case frame := <-c.outgoing:
			if err := c.Conn.Write(ctx, frame); err != nil {
				return err
			}
		case <-c.done:
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}

// Close stops the client. Frames still queued are discarded.
// The underlying connection is left to its owner.
func (c *Client) Close() {
	c.once.Do(func() { close(c.done) })
}

// Done is closed once the client is closed.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

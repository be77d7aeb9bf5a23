// Package tcp provides a TCP client for the chat server.
package tcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/omochice/toy-relay-chat/internal/client"
	transport "github.com/omochice/toy-relay-chat/internal/transport/tcp"
	"github.com/omochice/toy-relay-chat/pkg/protocol"
)

// Client represents a TCP chat client
type Client struct {
	address  string
	nickname string
	logger   *slog.Logger
	conn     *transport.Conn
	inbox    *client.Inbox
	mu       sync.RWMutex
	wg       sync.WaitGroup
}

var _ client.Client = (*Client)(nil)

// New creates a new Client instance. A non-empty nickname is sent as a
// rename right after connecting.
func New(address, nickname string) *Client {
	return &Client{
		address:  address,
		nickname: nickname,
		logger:   slog.Default(),
		inbox:    client.NewInbox(64),
	}
}

// Connect establishes a connection to the server
func (c *Client) Connect(ctx context.Context) error {
	var d net.Dialer
	raw, err := d.DialContext(ctx, "tcp", c.address)
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	conn := transport.NewConn(raw)

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	c.wg.Add(1)
	go c.receiveMessages(conn)

	if c.nickname != "" {
		if err := c.Rename(c.nickname); err != nil {
			c.Disconnect()
			return err
		}
	}
	return nil
}

// Disconnect closes the connection to the server
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()

	c.inbox.Stop()
	c.wg.Wait()
}

// IsConnected returns whether the client is connected
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil
}

// ID returns the identifier assigned by the server.
func (c *Client) ID() string {
	return c.inbox.ID()
}

// SendMessage sends a chat line to the server
func (c *Client) SendMessage(content string) error {
	return c.send(client.ContentMessage(content))
}

// Rename asks the server to change this client's nickname.
func (c *Client) Rename(nickname string) error {
	msg, err := client.RenameMessage(nickname)
	if err != nil {
		return err
	}
	return c.send(msg)
}

// Messages returns the channel for receiving messages
func (c *Client) Messages() <-chan protocol.Message {
	return c.inbox.Messages()
}

func (c *Client) send(msg protocol.Message) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil {
		return client.ErrNotConnected
	}

	data, err := protocol.Encode(msg)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	if err := conn.Write(context.Background(), data); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

func (c *Client) receiveMessages(conn *transport.Conn) {
	defer c.wg.Done()
	defer c.inbox.Finish()

	for {
		frame, err := conn.Read(context.Background())
		if err != nil {
			if errors.Is(err, protocol.ErrFrameTooLarge) {
				c.logger.Warn("skipped oversize record from server")
				continue
			}
			select {
			case <-c.inbox.Stopped():
			default:
				if !errors.Is(err, io.EOF) {
					c.logger.Warn("error reading from server", slog.String("error", err.Error()))
				}
				c.mu.Lock()
				if c.conn == conn {
					c.conn = nil
				}
				c.mu.Unlock()
				conn.Close()
			}
			return
		}

		ok, err := c.inbox.Deliver(frame)
		if err != nil {
			c.logger.Warn("failed to decode message", slog.String("error", err.Error()))
			continue
		}
		if !ok {
			return
		}
	}
}

// Package ws provides a WebSocket client for the chat server.
package ws

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/omochice/toy-relay-chat/internal/client"
	"github.com/omochice/toy-relay-chat/pkg/protocol"
)

// Client represents a WebSocket chat client.
type Client struct {
	url      string
	nickname string
	logger   *slog.Logger
	conn     *websocket.Conn
	inbox    *client.Inbox
	mu       sync.RWMutex
	writeMu  sync.Mutex
	wg       sync.WaitGroup
}

var _ client.Client = (*Client)(nil)

// New creates a new WebSocket Client instance for a ws:// or wss:// URL.
// A non-empty nickname is sent as a rename right after connecting.
func New(url, nickname string) *Client {
	return &Client{
		url:      url,
		nickname: nickname,
		logger:   slog.Default(),
		inbox:    client.NewInbox(64),
	}
}

// Connect establishes a WebSocket connection to the server.
func (c *Client) Connect(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	conn.SetReadLimit(protocol.MaxFrameSize)

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

// Disconnect closes the WebSocket connection.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.conn != nil {
		c.writeMu.Lock()
		_ = c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()

	c.inbox.Stop()
	c.wg.Wait()
}

// IsConnected returns whether the client is connected.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil
}

// ID returns the identifier assigned by the server.
func (c *Client) ID() string {
	return c.inbox.ID()
}

// SendMessage sends a chat line to the server.
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

// Messages returns the channel for receiving messages.
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

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

func (c *Client) receiveMessages(conn *websocket.Conn) {
	defer c.wg.Done()
	defer c.inbox.Finish()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-c.inbox.Stopped():
			default:
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
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

		ok, err := c.inbox.Deliver(data)
		if err != nil {
			c.logger.Warn("failed to decode message", slog.String("error", err.Error()))
			continue
		}
		if !ok {
			return
		}
	}
}

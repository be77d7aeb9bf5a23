// Package client defines the common interface for chat clients.
package client

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/omochice/toy-relay-chat/pkg/protocol"
)

// ErrNotConnected is returned when sending without a connection.
var ErrNotConnected = errors.New("not connected to server")

// Client defines the interface for chat clients.
// Both TCP and WebSocket implementations satisfy this interface.
type Client interface {
	Connect(ctx context.Context) error
	Disconnect()
	IsConnected() bool

	// ID returns the identifier the server assigned, or "" before it arrives.
	ID() string

	SendMessage(content string) error
	Rename(nickname string) error

	// Messages is closed when the connection ends.
	Messages() <-chan protocol.Message
}

// ContentMessage builds the message sent for a chat line.
func ContentMessage(content string) protocol.Message {
	return protocol.Message{Key: protocol.KeyContent, Content: content}
}

// RenameMessage builds the message that changes the sender's nickname.
func RenameMessage(nickname string) (protocol.Message, error) {
	nickname = strings.TrimSpace(nickname)
	if nickname == "" {
		return protocol.Message{}, fmt.Errorf("nickname must not be blank")
	}
	return protocol.Message{Key: protocol.KeyRename, Nickname: nickname}, nil
}

// Inbox decodes server frames for a client and remembers the assigned ID.
type Inbox struct {
	messages chan protocol.Message
	done     chan struct{}
	stopOnce sync.Once

	mu sync.RWMutex
	id string
}

// NewInbox creates an inbox buffering up to size messages.
func NewInbox(size int) *Inbox {
	return &Inbox{
		messages: make(chan protocol.Message, size),
		done:     make(chan struct{}),
	}
}

// Deliver decodes frame and queues it, waiting while the buffer is full.
// It returns false once the inbox is stopped.
func (in *Inbox) Deliver(frame []byte) (bool, error) {
	msg, err := protocol.Decode(frame)
	if err != nil {
		return true, err
	}
	if msg.Key == protocol.KeyClientID {
		in.mu.Lock()
		in.id = msg.ClientID
		in.mu.Unlock()
	}

	select {
	case in.messages <- msg:
		return true, nil
	case <-in.done:
		return false, nil
	}
}

// ID returns the assigned client ID.
func (in *Inbox) ID() string {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return in.id
}

// Messages returns the channel for receiving messages.
func (in *Inbox) Messages() <-chan protocol.Message {
	return in.messages
}

// Stop makes pending and future Deliver calls return.
func (in *Inbox) Stop() {
	in.stopOnce.Do(func() { close(in.done) })
}

// Stopped is closed once Stop is called.
func (in *Inbox) Stopped() <-chan struct{} {
	return in.done
}

// Finish closes the message channel. Only the goroutine calling Deliver may
// call it, once, after its last Deliver.
func (in *Inbox) Finish() {
	close(in.messages)
}

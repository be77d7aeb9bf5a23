// Package protocol defines the chat message and its wire encoding.
package protocol

import (
	"fmt"
	"strings"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	// Delimiter terminates every record on the raw socket transport.
	Delimiter = "\r\n"

	// MaxFrameSize bounds a single record in bytes.
	MaxFrameSize = 64 * 1024

	// ProtocolTCP labels messages accepted on the raw socket transport.
	ProtocolTCP = "TCP"

	// ProtocolWebSocket labels messages accepted on the WebSocket transport.
	ProtocolWebSocket = "WEBSOCKET"

	// TimestampLayout is the layout of the server-stamped receipt time.
	TimestampLayout = "2006-01-02 15:04:05 -0700"
)

// Key identifies the semantic kind of a message
type Key int

const (
	KeyUnknown Key = iota
	KeyClientID
	KeyNicknameList
	KeyRename
	KeyContent
	KeyError
)

// String returns the string representation of Key
func (k Key) String() string {
	switch k {
	case KeyClientID:
		return "CLIENT_ID"
	case KeyNicknameList:
		return "NICKNAME_LIST"
	case KeyRename:
		return "RENAME"
	case KeyContent:
		return "CONTENT"
	case KeyError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Message is the unit of exchange between clients and the relay.
//
// ClientID carries the assigned identity for KeyClientID messages and the
// sender identity for client-originated messages. Timestamp and Protocol are
// stamped by the server on receipt and never trusted from the wire.
type Message struct {
	Key       Key
	ClientID  string
	Nickname  string
	Nicknames []string
	Content   string
	Error     string
	Timestamp string
	Protocol  string
}

// NewClientIDMessage creates the message that tells a client its identity.
func NewClientIDMessage(id string) Message {
	return Message{Key: KeyClientID, ClientID: id}
}

// NewNicknameListMessage creates a nickname-list push.
func NewNicknameListMessage(names []string) Message {
	return Message{Key: KeyNicknameList, Nicknames: names}
}

// NewErrorMessage creates an error echo for the connection that caused err.
func NewErrorMessage(err error) Message {
	return Message{Key: KeyError, Error: err.Error()}
}

// HasContent reports whether the message carries chat content to relay.
func (m Message) HasContent() bool {
	return m.Content != ""
}

// HasRename reports whether the message asks to change the sender's nickname.
func (m Message) HasRename() bool {
	return m.Key != KeyNicknameList && strings.TrimSpace(m.Nickname) != ""
}

// IsServerInitiated reports whether the message was generated by the server
// rather than sent by a client.
func (m Message) IsServerInitiated() bool {
	switch m.Key {
	case KeyClientID, KeyNicknameList, KeyError:
		return true
	}
	return false
}

// Encode encodes the message as a single-line JSON record
func Encode(m Message) ([]byte, error) {
	data, err := protojson.Marshal(m.toRecord())
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	return data, nil
}

// Decode decodes one complete frame into a message.
// Unknown fields are ignored.
func Decode(frame []byte) (Message, error) {
	if len(frame) > MaxFrameSize {
		return Message{}, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(frame))
	}

	rec := &structpb.Struct{}
	if err := protojson.Unmarshal(frame, rec); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	var m Message
	if err := m.fromRecord(rec); err != nil {
		return Message{}, err
	}
	return m, nil
}

// Package history keeps recently relayed content messages so newly connected
// clients can catch up.
package history

import (
	"context"
	"errors"
	"time"

	"github.com/omochice/toy-relay-chat/pkg/protocol"
)

// DefaultLimit is the number of messages a store keeps when no limit is set.
const DefaultLimit = 100

// ErrStoreClosed is returned by operations on a closed store.
var ErrStoreClosed = errors.New("history store closed")

// Entry is one relayed message and the time the relay accepted it.
type Entry struct {
	Message    protocol.Message
	ReceivedAt time.Time
}

// Store persists the most recent entries.
type Store interface {
	// Append records e, evicting the oldest entry once the limit is reached.
	Append(ctx context.Context, e Entry) error

	// Fetch returns the newest messages received strictly before the given
	// time, oldest first.
	Fetch(ctx context.Context, before time.Time) ([]protocol.Message, error)

	Close() error
}

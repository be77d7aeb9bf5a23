package chat

import (
	"errors"
	"fmt"
)

var (
	// ErrPoolClosed is returned by Serve after the pool has been closed.
	ErrPoolClosed = errors.New("pool closed")

	// ErrClientClosed is returned when writing to a closed client.
	ErrClientClosed = errors.New("client closed")
)

// ConnError wraps a transport error with connection context.
type ConnError struct {
	Op         string // Operation that failed
	Protocol   string // Pool protocol label
	ClientID   string // Assigned client identifier
	RemoteAddr string // Client address
	Err        error  // Underlying error
}

// Error implements the error interface.
func (e *ConnError) Error() string {
	if e.ClientID != "" {
		return fmt.Sprintf("%s %s [%s] %s: %v", e.Protocol, e.Op, e.ClientID, e.RemoteAddr, e.Err)
	}
	return fmt.Sprintf("%s %s %s: %v", e.Protocol, e.Op, e.RemoteAddr, e.Err)
}

// Unwrap returns the underlying error.
func (e *ConnError) Unwrap() error {
	return e.Err
}

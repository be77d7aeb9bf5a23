// Package chat provides the connection registry and relay engine shared by
// all transports.
package chat

import "context"

// Conn abstracts a bidirectional connection for both TCP and WebSocket.
// This interface isolates transport details from chat logic.
type Conn interface {
	// Read reads a single complete frame.
	// Returns io.EOF when connection is closed.
	Read(ctx context.Context) ([]byte, error)

	// Write sends a single frame.
	Write(ctx context.Context, data []byte) error

	// Close closes the connection.
	Close() error

	// RemoteAddr returns the remote address for logging.
	RemoteAddr() string
}

// Handler serves one accepted connection until it closes.
// Transports hand every accepted Conn to a Handler.
type Handler interface {
	Serve(ctx context.Context, conn Conn) error
}

// Package mux serves the raw TCP and WebSocket transports on a single port.
// Each accepted connection is sniffed: HTTP requests are upgraded to
// WebSocket, anything else is a raw TCP client.
package mux

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/omochice/toy-relay-chat/internal/chat"
	"github.com/omochice/toy-relay-chat/internal/transport/tcp"
)

// ErrShutdownTimeout is returned when connection handlers outlive the
// configured shutdown timeout.
var ErrShutdownTimeout = errors.New("shutdown timeout exceeded")

const (
	// DefaultSniffTimeout is how long a silent connection is given before it
	// is treated as a raw TCP client.
	DefaultSniffTimeout = 300 * time.Millisecond

	// DefaultShutdownTimeout is used when Config.ShutdownTimeout is zero.
	DefaultShutdownTimeout = 10 * time.Second

	handshakeTimeout = 10 * time.Second
)

// Config holds the single-port server configuration.
type Config struct {
	// Address is the listen address (host:port)
	Address string

	// Path is the WebSocket upgrade path. Defaults to "/".
	Path string

	// OriginPatterns lists the allowed Origin hosts besides the request's own
	// host. "*" allows every origin.
	OriginPatterns []string

	SniffTimeout    time.Duration
	ShutdownTimeout time.Duration

	Logger *slog.Logger
}

// Server accepts connections on one port and routes them to the TCP or the
// WebSocket handler.
type Server struct {
	config   Config
	tcpPool  chat.Handler
	wsPool   chat.Handler
	listener net.Listener
	wg       sync.WaitGroup
	mu       sync.Mutex
}

// New creates a single-port server.
func New(cfg Config, tcpHandler, wsHandler chat.Handler) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Path == "" {
		cfg.Path = "/"
	}
	if cfg.SniffTimeout == 0 {
		cfg.SniffTimeout = DefaultSniffTimeout
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	return &Server{
		config:  cfg,
		tcpPool: tcpHandler,
		wsPool:  wsHandler,
	}
}

// Listen binds the configured address. It is called by Serve when needed.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return nil
	}
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Address, err)
	}
	s.listener = listener
	return nil
}

// Addr returns the listening address.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// Close releases the listener bound by Listen. It is meant for a server whose
// Serve is never called; a serving server stops when its context ends.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	err := s.listener.Close()
	s.listener = nil
	return err
}

// Serve accepts connections until ctx is cancelled, then cancels live
// connections and waits up to ShutdownTimeout for their handlers to return.
func (s *Server) Serve(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	s.mu.Lock()
	listener := s.listener
	s.mu.Unlock()

	s.config.Logger.Info("unified server started (TCP and WebSocket)",
		slog.String("address", listener.Addr().String()))

	connCtx, connCancel := context.WithCancel(context.Background())
	defer connCancel()

	acceptDone := make(chan struct{})
	go func() {
		defer close(acceptDone)
		for {
			conn, err := listener.Accept()
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
					return
				}
				s.config.Logger.Error("failed to accept connection", slog.String("error", err.Error()))
				continue
			}

			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.handleConnection(connCtx, conn)
			}()
		}
	}()

	<-ctx.Done()
	s.config.Logger.Info("shutdown signal received, closing listener")
	if err := listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		s.config.Logger.Error("error closing listener", slog.String("error", err.Error()))
	}
	<-acceptDone
	connCancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.config.Logger.Info("all connections closed")
		return nil
	case <-time.After(s.config.ShutdownTimeout):
		s.config.Logger.Warn("shutdown timeout exceeded")
		return ErrShutdownTimeout
	}
}

// handleConnection determines whether the connection is HTTP (WebSocket) or TCP
func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	remote := conn.RemoteAddr().String()

	proto, reader, err := detectProtocol(conn, s.config.SniffTimeout)
	if err != nil {
		s.config.Logger.Debug("failed to peek connection",
			slog.String("remote", remote),
			slog.String("error", err.Error()))
		conn.Close()
		return
	}

	var (
		handler chat.Handler
		c       chat.Conn
	)
	switch proto {
	case protocolHTTP:
		buffered := &bufferedConn{Conn: conn, reader: reader}
		if err := s.upgrade(buffered); err != nil {
			s.config.Logger.Debug("failed to upgrade connection",
				slog.String("remote", remote),
				slog.String("error", err.Error()))
			conn.Close()
			return
		}
		handler, c = s.wsPool, newWSConn(buffered)
	default:
		handler, c = s.tcpPool, tcp.NewConnWithReader(conn, reader)
	}

	if err := handler.Serve(ctx, c); err != nil {
		s.config.Logger.Debug("connection handler error",
			slog.String("remote", remote),
			slog.String("error", err.Error()))
	}
}

// upgrade performs the WebSocket handshake on conn, checking the request
// path and Origin header.
func (s *Server) upgrade(conn net.Conn) error {
	var host, origin string
	u := ws.Upgrader{
		OnRequest: func(uri []byte) error {
			parsed, err := url.ParseRequestURI(string(uri))
			if err != nil || parsed.Path != s.config.Path {
				return ws.RejectConnectionError(ws.RejectionStatus(404))
			}
			return nil
		},
		OnHost: func(h []byte) error {
			host = string(h)
			return nil
		},
		OnHeader: func(key, value []byte) error {
			if strings.EqualFold(string(key), "Origin") {
				origin = string(value)
			}
			return nil
		},
		OnBeforeUpgrade: func() (ws.HandshakeHeader, error) {
			if !s.originAllowed(host, origin) {
				return nil, ws.RejectConnectionError(
					ws.RejectionStatus(403),
					ws.RejectionReason("origin not allowed"))
			}
			return nil, nil
		},
	}

	if err := conn.SetDeadline(time.Now().Add(handshakeTimeout)); err != nil {
		return err
	}
	if _, err := u.Upgrade(conn); err != nil {
		return err
	}
	return conn.SetDeadline(time.Time{})
}

// originAllowed accepts requests without an Origin header, same-host
// requests, and origins whose host matches one of the configured patterns.
func (s *Server) originAllowed(host, origin string) bool {
	if origin == "" {
		return true
	}
	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if strings.EqualFold(parsed.Host, host) {
		return true
	}
	for _, pattern := range s.config.OriginPatterns {
		if ok, _ := path.Match(strings.ToLower(pattern), strings.ToLower(parsed.Host)); ok {
			return true
		}
	}
	return false
}

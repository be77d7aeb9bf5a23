package tcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/omochice/toy-relay-chat/internal/chat"
)

// ErrShutdownTimeout is returned when connection handlers outlive the
// configured shutdown timeout.
var ErrShutdownTimeout = errors.New("shutdown timeout exceeded")

// DefaultShutdownTimeout is used when Config.ShutdownTimeout is zero.
const DefaultShutdownTimeout = 10 * time.Second

// Config holds the TCP server configuration.
type Config struct {
	// Address is the listen address (host:port)
	Address string

	// ShutdownTimeout bounds how long Serve waits for connection handlers to
	// return once its context is cancelled.
	ShutdownTimeout time.Duration

	Logger *slog.Logger
}

// Server accepts TCP connections and hands each one to a chat.Handler.
type Server struct {
	config   Config
	handler  chat.Handler
	listener net.Listener
	wg       sync.WaitGroup
	mu       sync.Mutex
}

// New creates a TCP server that serves connections with h.
func New(cfg Config, h chat.Handler) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	return &Server{
		config:  cfg,
		handler: h,
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

// Serve accepts connections until ctx is cancelled. On shutdown the listener
// is closed, live connections are cancelled, and Serve waits up to
// ShutdownTimeout for their handlers to return.
func (s *Server) Serve(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	s.mu.Lock()
	listener := s.listener
	s.mu.Unlock()

	s.config.Logger.Info("TCP server started", slog.String("address", listener.Addr().String()))

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
			s.ServeConn(connCtx, NewConn(conn))
		}
	}()

	<-ctx.Done()
	s.config.Logger.Info("shutdown signal received, closing listener")
	if err := listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		s.config.Logger.Error("error closing listener", slog.String("error", err.Error()))
	}
	<-acceptDone

	connCancel()
	return s.drain()
}

// ServeConn runs the handler for an already accepted connection in its own
// goroutine. Serve waits for it during shutdown.
func (s *Server) ServeConn(ctx context.Context, conn *Conn) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.handler.Serve(ctx, conn); err != nil {
			s.config.Logger.Debug("connection handler error",
				slog.String("remote", conn.RemoteAddr()),
				slog.String("error", err.Error()))
		}
	}()
}

func (s *Server) drain() error {
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

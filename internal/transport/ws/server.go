package ws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/omochice/toy-relay-chat/internal/chat"
	"nhooyr.io/websocket"
)

// ErrShutdownTimeout is returned when connection handlers outlive the
// configured shutdown timeout.
var ErrShutdownTimeout = errors.New("shutdown timeout exceeded")

// DefaultShutdownTimeout is used when Config.ShutdownTimeout is zero.
const DefaultShutdownTimeout = 10 * time.Second

// Config holds the WebSocket server configuration.
type Config struct {
	// Address is the listen address (host:port)
	Address string

	// Path is where the upgrade handler is mounted. Defaults to "/".
	Path string

	// OriginPatterns lists the allowed Origin hosts besides the request's own
	// host. "*" allows every origin.
	OriginPatterns []string

	ShutdownTimeout time.Duration

	Logger *slog.Logger
}

// Server upgrades HTTP requests to WebSocket connections and hands each one
// to a chat.Handler.
type Server struct {
	config   Config
	handler  chat.Handler
	listener net.Listener
	server   *http.Server
	wg       sync.WaitGroup
	mu       sync.Mutex

	connCtx    context.Context
	connCancel context.CancelFunc
}

// New creates a WebSocket server that serves connections with h.
func New(cfg Config, h chat.Handler) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Path == "" {
		cfg.Path = "/"
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}

	s := &Server{
		config:  cfg,
		handler: h,
	}
	s.connCtx, s.connCancel = context.WithCancel(context.Background())

	mux := http.NewServeMux()
	mux.HandleFunc(cfg.Path, s.handleWebSocket)
	s.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the HTTP handler that performs the upgrade.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
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

// Serve accepts connections until ctx is cancelled, then stops the HTTP
// server, cancels live connections, and waits up to ShutdownTimeout for their
// handlers to return.
func (s *Server) Serve(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	s.mu.Lock()
	listener := s.listener
	s.mu.Unlock()

	s.config.Logger.Info("WebSocket server started",
		slog.String("address", listener.Addr().String()),
		slog.String("path", s.config.Path))

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.server.Serve(listener)
	}()

	select {
	case err := <-errCh:
		s.connCancel()
		return fmt.Errorf("websocket server: %w", err)
	case <-ctx.Done():
	}

	s.config.Logger.Info("shutdown signal received, closing listener")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		s.config.Logger.Error("error shutting down http server", slog.String("error", err.Error()))
	}
	s.connCancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.config.Logger.Info("all connections closed")
		return nil
	case <-shutdownCtx.Done():
		s.config.Logger.Warn("shutdown timeout exceeded")
		return ErrShutdownTimeout
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.connCtx.Err() != nil {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}

	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.config.OriginPatterns,
	})
	if err != nil {
		s.config.Logger.Debug("failed to accept WebSocket connection",
			slog.String("remote", r.RemoteAddr),
			slog.String("error", err.Error()))
		return
	}

	s.wg.Add(1)
	defer s.wg.Done()

	conn := NewConnWithAddr(wsConn, r.RemoteAddr)
	if err := s.handler.Serve(s.connCtx, conn); err != nil {
		s.config.Logger.Debug("connection handler error",
			slog.String("remote", r.RemoteAddr),
			slog.String("error", err.Error()))
	}
}

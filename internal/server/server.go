// Package server wires the relay together: one pool per transport kind joined
// by the bridge, the listeners feeding them, history and metrics.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/omochice/toy-relay-chat/internal/bridge"
	"github.com/omochice/toy-relay-chat/internal/chat"
	"github.com/omochice/toy-relay-chat/internal/config"
	"github.com/omochice/toy-relay-chat/internal/history"
	"github.com/omochice/toy-relay-chat/internal/metrics"
	"github.com/omochice/toy-relay-chat/internal/transport/mux"
	"github.com/omochice/toy-relay-chat/internal/transport/tcp"
	"github.com/omochice/toy-relay-chat/internal/transport/ws"
	"github.com/omochice/toy-relay-chat/pkg/protocol"
)

// Server is the relay process.
type Server struct {
	config  config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	bridge   *bridge.Bridge
	store    history.Store
	recorder *history.Recorder
	tcpPool  *chat.Pool
	wsPool   *chat.Pool

	tcp     *tcp.Server
	ws      *ws.Server
	unified *mux.Server

	metricsServer   *http.Server
	metricsListener net.Listener

	mu sync.Mutex
}

// New builds a relay from cfg. Listeners are not bound until Listen or Run.
func New(cfg config.Config, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	store, err := openStore(cfg, logger)
	if err != nil {
		return nil, err
	}

	s := &Server{
		config:  cfg,
		logger:  logger,
		metrics: metrics.New("relay"),
		store:   store,
	}
	s.bridge = bridge.New(bridge.Config{MailboxSize: cfg.BridgeMailbox, Logger: logger})
	s.recorder = history.NewRecorder(store, s.bridge, logger)
	s.tcpPool = s.newPool(protocol.ProtocolTCP)
	s.wsPool = s.newPool(protocol.ProtocolWebSocket)

	if config.Enabled(cfg.TCPAddr) {
		s.tcp = tcp.New(tcp.Config{
			Address:         cfg.TCPAddr,
			ShutdownTimeout: cfg.ShutdownTimeout,
			Logger:          logger.With(slog.String("listener", "tcp")),
		}, s.tcpPool)
	}
	if config.Enabled(cfg.WSAddr) {
		s.ws = ws.New(ws.Config{
			Address:         cfg.WSAddr,
			Path:            cfg.WSPath,
			OriginPatterns:  cfg.WSOrigins,
			ShutdownTimeout: cfg.ShutdownTimeout,
			Logger:          logger.With(slog.String("listener", "websocket")),
		}, s.wsPool)
	}
	if config.Enabled(cfg.UnifiedAddr) {
		s.unified = mux.New(mux.Config{
			Address:         cfg.UnifiedAddr,
			Path:            cfg.WSPath,
			OriginPatterns:  cfg.WSOrigins,
			ShutdownTimeout: cfg.ShutdownTimeout,
			Logger:          logger.With(slog.String("listener", "unified")),
		}, s.tcpPool, s.wsPool)
	}
	if config.Enabled(cfg.MetricsAddr) {
		handler := http.NewServeMux()
		handler.Handle("/metrics", s.metrics.Handler())
		s.metricsServer = &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		}
	}
	return s, nil
}

func openStore(cfg config.Config, logger *slog.Logger) (history.Store, error) {
	if cfg.HistoryDSN == "" {
		return history.NewMemoryStore(cfg.HistoryLimit), nil
	}
	store, err := history.NewSQLiteStore(cfg.HistoryDSN, cfg.HistoryLimit, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open history store: %w", err)
	}
	return store, nil
}

func (s *Server) newPool(label string) *chat.Pool {
	delay := s.config.HistoryDelay
	if delay == 0 {
		delay = -1
	}
	return chat.NewPool(chat.PoolConfig{
		Protocol:      label,
		Bridge:        s.bridge,
		History:       s.store,
		HistoryDelay:  delay,
		SendQueueSize: s.config.SendQueue,
		Logger:        s.logger,
		Metrics:       s.metrics,
	})
}

// Listen binds every configured listener, so their addresses are known
// before Run. When one listener fails, those already bound are released.
func (s *Server) Listen() error {
	if err := s.listen(); err != nil {
		s.closeListeners()
		return err
	}
	return nil
}

func (s *Server) listen() error {
	if s.tcp != nil {
		if err := s.tcp.Listen(); err != nil {
			return err
		}
	}
	if s.ws != nil {
		if err := s.ws.Listen(); err != nil {
			return err
		}
	}
	if s.unified != nil {
		if err := s.unified.Listen(); err != nil {
			return err
		}
	}
	if s.metricsServer == nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.metricsListener == nil {
		listener, err := net.Listen("tcp", s.config.MetricsAddr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", s.config.MetricsAddr, err)
		}
		s.metricsListener = listener
	}
	return nil
}

func (s *Server) closeListeners() {
	closers := []interface{ Close() error }{}
	if s.tcp != nil {
		closers = append(closers, s.tcp)
	}
	if s.ws != nil {
		closers = append(closers, s.ws)
	}
	if s.unified != nil {
		closers = append(closers, s.unified)
	}
	s.mu.Lock()
	if s.metricsListener != nil {
		closers = append(closers, s.metricsListener)
		s.metricsListener = nil
	}
	s.mu.Unlock()

	for _, c := range closers {
		if err := c.Close(); err != nil {
			s.logger.Debug("failed to release listener", slog.String("error", err.Error()))
		}
	}
}

// Run serves every listener until ctx is cancelled or one of them fails,
// then shuts the relay down.
func (s *Server) Run(ctx context.Context) error {
	defer s.close()

	if err := s.Listen(); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	if s.tcp != nil {
		g.Go(func() error { return s.tcp.Serve(ctx) })
	}
	if s.ws != nil {
		g.Go(func() error { return s.ws.Serve(ctx) })
	}
	if s.unified != nil {
		g.Go(func() error { return s.unified.Serve(ctx) })
	}
	if s.metricsServer != nil {
		g.Go(func() error { return s.serveMetrics(ctx) })
	}

	s.logger.Info("relay started",
		slog.String("tcp", s.TCPAddr()),
		slog.String("websocket", s.WSAddr()),
		slog.String("unified", s.UnifiedAddr()),
		slog.String("metrics", s.MetricsAddr()))

	return g.Wait()
}

func (s *Server) serveMetrics(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.metricsServer.Serve(s.metricsListener)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()
	if err := s.metricsServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server shutdown: %w", err)
	}
	return nil
}

func (s *Server) close() {
	s.tcpPool.Close()
	s.wsPool.Close()
	s.recorder.Close()
	s.bridge.Close()
	if err := s.store.Close(); err != nil {
		s.logger.Warn("failed to close history store", slog.String("error", err.Error()))
	}
	s.logger.Info("relay stopped")
}

// TCPAddr returns the raw TCP listener address, or "" when disabled.
func (s *Server) TCPAddr() string {
	if s.tcp == nil {
		return ""
	}
	return s.tcp.Addr()
}

// WSAddr returns the WebSocket listener address, or "" when disabled.
func (s *Server) WSAddr() string {
	if s.ws == nil {
		return ""
	}
	return s.ws.Addr()
}

// UnifiedAddr returns the single-port listener address, or "" when disabled.
func (s *Server) UnifiedAddr() string {
	if s.unified == nil {
		return ""
	}
	return s.unified.Addr()
}

// MetricsAddr returns the metrics listener address, or "" when disabled.
func (s *Server) MetricsAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.metricsListener == nil {
		return ""
	}
	return s.metricsListener.Addr().String()
}

// ClientCount returns the number of connected clients across transports.
func (s *Server) ClientCount() int {
	return s.tcpPool.ClientCount() + s.wsPool.ClientCount()
}

package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/omochice/toy-relay-chat/internal/bridge"
	"github.com/omochice/toy-relay-chat/internal/metrics"
	"github.com/omochice/toy-relay-chat/pkg/protocol"
)

// DefaultHistoryDelay is how long after acceptance a client receives history.
const DefaultHistoryDelay = 3 * time.Second

// HistoryFetcher returns past messages received strictly before the given
// time, oldest first.
type HistoryFetcher interface {
	Fetch(ctx context.Context, before time.Time) ([]protocol.Message, error)
}

// PoolConfig holds the configuration of a transport pool.
type PoolConfig struct {
	// Protocol labels messages accepted by this pool (protocol.ProtocolTCP, ...).
	Protocol string

	// Bridge relays content between pools. Optional.
	Bridge *bridge.Bridge

	// History supplies the deferred history push. Optional.
	History HistoryFetcher

	// HistoryDelay defaults to DefaultHistoryDelay. A negative delay
	// disables the history push.
	HistoryDelay time.Duration

	// SendQueueSize bounds each client's outbound queue.
	SendQueueSize int

	// Now is the clock used to stamp messages. Defaults to time.Now.
	Now func() time.Time

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Pool is the relay engine of one transport kind. It owns the registry of
// the transport's live connections and relays content to them, both directly
// and through the bridge.
type Pool struct {
	config      PoolConfig
	registry    *Registry
	unsubscribe func()

	mu     sync.Mutex
	closed bool
}

var _ Handler = (*Pool)(nil)

// NewPool creates a pool and subscribes it to the bridge.
func NewPool(cfg PoolConfig) *Pool {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.HistoryDelay == 0 {
		cfg.HistoryDelay = DefaultHistoryDelay
	}
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = DefaultSendQueueSize
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	cfg.Logger = cfg.Logger.With(slog.String("protocol", cfg.Protocol))

	p := &Pool{
		config:      cfg,
		registry:    NewRegistry(cfg.Protocol, cfg.Logger, cfg.Metrics),
		unsubscribe: func() {},
	}
	if cfg.Bridge != nil {
		p.unsubscribe = cfg.Bridge.Subscribe(bridge.TopicPublishMessage, cfg.Protocol, p.onBridgeEvent)
	}
	return p
}

// Protocol returns the pool's protocol label.
func (p *Pool) Protocol() string {
	return p.config.Protocol
}

// Registry returns the pool's connection registry.
func (p *Pool) Registry() *Registry {
	return p.registry
}

// ClientCount returns number of connected clients.
func (p *Pool) ClientCount() int {
	return p.registry.Len()
}

// Close detaches the pool from the bridge and refuses new connections.
// Connections already being served end when their context is cancelled.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	p.unsubscribe()
}

// Serve runs one connection from acceptance to close. The client is told its
// ID first, registered, and then every frame it sends is handled in order.
// Serve returns nil when the peer disconnects or ctx is cancelled.
func (p *Pool) Serve(ctx context.Context, conn Conn) error {
	defer conn.Close()

	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return ErrPoolClosed
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	id := GenerateClientID()
	acceptedAt := p.config.Now()
	client := NewClient(id, conn, p.config.SendQueueSize)
	logger := p.config.Logger.With(
		slog.String("client_id", id),
		slog.String("remote", conn.RemoteAddr()))

	if frame, err := protocol.Encode(protocol.NewClientIDMessage(id)); err == nil {
		_ = client.Send(frame)
	}
	p.registry.Add(id, client)
	p.config.Metrics.ConnectionOpened(p.config.Protocol)
	logger.Info("client connected")

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := client.WriteLoop(ctx); err != nil {
			logger.Warn("failed to write to client", slog.String("error", err.Error()))
			cancel()
		}
	}()
	go func() {
		defer wg.Done()
		p.pushHistory(ctx, client, acceptedAt, logger)
	}()

	err := p.readLoop(ctx, client)

	cancel()
	p.registry.Remove(client)
	client.Close()
	wg.Wait()

	p.config.Metrics.ConnectionClosed(p.config.Protocol)
	if err != nil {
		logger.Warn("client connection failed", slog.String("error", err.Error()))
		return err
	}
	logger.Info("client disconnected")
	return nil
}

func (p *Pool) readLoop(ctx context.Context, client *Client) error {
	for {
		frame, err := client.Conn.Read(ctx)
		if err != nil {
			if errors.Is(err, protocol.ErrFrameTooLarge) {
				p.rejectFrame(client, err)
				continue
			}
			if ctx.Err() != nil || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return &ConnError{
				Op:         "read",
				Protocol:   p.config.Protocol,
				ClientID:   client.ID,
				RemoteAddr: client.Conn.RemoteAddr(),
				Err:        err,
			}
		}
		p.HandleFrame(client, frame)
	}
}

// HandleFrame processes one frame received from client. Decode failures are
// echoed to client only. Content is sent to the other clients of this pool
// and published on the bridge for the other pools.
func (p *Pool) HandleFrame(client *Client, frame []byte) {
	msg, err := protocol.Decode(frame)
	if err != nil {
		p.rejectFrame(client, err)
		return
	}
	p.config.Metrics.MessageReceived(p.config.Protocol)

	now := p.config.Now()
	msg = clientOriginated(msg)
	msg.ClientID = client.ID
	msg.Timestamp = now.Format(protocol.TimestampLayout)
	msg.Protocol = p.config.Protocol

	if msg.HasContent() {
		if err := p.checkRelaySize(client, msg); err != nil {
			p.rejectFrame(client, err)
			return
		}
	}

	msg = p.registry.OnReceive(client, msg)
	if !msg.HasContent() {
		return
	}

	sent := p.registry.SendToOthers(msg)
	p.config.Metrics.MessageRelayed(p.config.Protocol, metrics.ScopeLocal, sent)

	if p.config.Bridge != nil {
		p.config.Bridge.Publish(bridge.TopicPublishMessage, bridge.Event{
			Protocol:   p.config.Protocol,
			Message:    msg,
			ReceivedAt: now,
		})
	}
}

// checkRelaySize reports protocol.ErrFrameTooLarge when msg, stamped with
// the nickname it will be relayed under, no longer fits in one frame. The
// frame is then rejected as a whole, rename included.
func (p *Pool) checkRelaySize(client *Client, msg protocol.Message) error {
	if msg.HasRename() {
		msg.Nickname = strings.TrimSpace(msg.Nickname)
	} else if name, ok := p.registry.Nickname(client); ok {
		msg.Nickname = name
	}

	frame, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	if len(frame) > protocol.MaxFrameSize {
		return fmt.Errorf("%w: %d bytes once stamped", protocol.ErrFrameTooLarge, len(frame))
	}
	return nil
}

// clientOriginated drops fields only the server may set and re-derives the
// key of a message sent by a client.
func clientOriginated(msg protocol.Message) protocol.Message {
	msg.Nicknames = nil
	msg.Error = ""
	msg.Key = protocol.KeyUnknown
	switch {
	case msg.Content != "":
		msg.Key = protocol.KeyContent
	case msg.HasRename():
		msg.Key = protocol.KeyRename
	}
	return msg
}

func (p *Pool) rejectFrame(client *Client, err error) {
	reason := "malformed"
	if errors.Is(err, protocol.ErrFrameTooLarge) {
		reason = "too_large"
	}
	p.config.Metrics.DecodeError(p.config.Protocol, reason)
	p.config.Logger.Debug("rejected frame",
		slog.String("client_id", client.ID),
		slog.String("error", err.Error()))

	frame, encErr := protocol.Encode(protocol.NewErrorMessage(err))
	if encErr != nil {
		return
	}
	_ = client.Send(frame)
}

func (p *Pool) onBridgeEvent(ev bridge.Event) {
	if ev.Protocol == p.config.Protocol {
		return
	}
	sent := p.registry.SendToOthers(ev.Message)
	p.config.Metrics.MessageRelayed(p.config.Protocol, metrics.ScopeBridge, sent)
}

// pushHistory waits HistoryDelay and then sends client the messages received
// before it was accepted. It gives up silently when ctx ends first or the
// store fails.
func (p *Pool) pushHistory(ctx context.Context, client *Client, acceptedAt time.Time, logger *slog.Logger) {
	if p.config.History == nil || p.config.HistoryDelay < 0 {
		return
	}

	timer := time.NewTimer(p.config.HistoryDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}

	msgs, err := p.config.History.Fetch(ctx, acceptedAt)
	if err != nil {
		p.config.Metrics.HistoryPushed(p.config.Protocol, "error")
		logger.Debug("failed to fetch history", slog.String("error", err.Error()))
		return
	}

	for _, msg := range msgs {
		frame, err := protocol.Encode(msg)
		if err != nil {
			continue
		}
		if err := client.SendWait(ctx, frame); err != nil {
			return
		}
	}
	p.config.Metrics.HistoryPushed(p.config.Protocol, "ok")
}

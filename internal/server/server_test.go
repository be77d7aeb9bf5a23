package server

import (
	"context"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omochice/toy-relay-chat/internal/client"
	tcpclient "github.com/omochice/toy-relay-chat/internal/client/tcp"
	wsclient "github.com/omochice/toy-relay-chat/internal/client/ws"
	"github.com/omochice/toy-relay-chat/internal/config"
	"github.com/omochice/toy-relay-chat/pkg/protocol"
)

const waitTimeout = 3 * time.Second

// startRelay runs a relay on loopback ports with history pushes disabled
// unless overrides set them.
func startRelay(t *testing.T, overrides map[string]string) *Server {
	t.Helper()

	environ := map[string]string{
		"RELAY_TCP_ADDR":         "127.0.0.1:0",
		"RELAY_WS_ADDR":          "127.0.0.1:0",
		"RELAY_UNIFIED_ADDR":     "127.0.0.1:0",
		"RELAY_METRICS_ADDR":     "127.0.0.1:0",
		"RELAY_HISTORY_DELAY":    "0s",
		"RELAY_SHUTDOWN_TIMEOUT": "2s",
		"RELAY_LOG_LEVEL":        "error",
	}
	for k, v := range overrides {
		environ[k] = v
	}
	cfg, err := config.Parse(environ)
	require.NoError(t, err)

	s, err := New(cfg, cfg.Logger(io.Discard))
	require.NoError(t, err)
	require.NoError(t, s.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("relay did not stop")
		}
	})
	return s
}

func connect(t *testing.T, c client.Client) client.Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	require.NoError(t, c.Connect(ctx))
	t.Cleanup(c.Disconnect)

	msg := next(t, c, func(m protocol.Message) bool { return m.Key == protocol.KeyClientID })
	require.Len(t, msg.ClientID, 32)
	return c
}

// next returns the first message from c matching match, skipping others.
func next(t *testing.T, c client.Client, match func(protocol.Message) bool) protocol.Message {
	t.Helper()
	timeout := time.After(waitTimeout)
	for {
		select {
		case msg, ok := <-c.Messages():
			require.True(t, ok, "connection closed while waiting")
			if match(msg) {
				return msg
			}
		case <-timeout:
			t.Fatal("timed out waiting for message")
		}
	}
}

func nextContent(t *testing.T, c client.Client) protocol.Message {
	t.Helper()
	return next(t, c, protocol.Message.HasContent)
}

func waitNicknames(t *testing.T, c client.Client, want ...string) {
	t.Helper()
	next(t, c, func(m protocol.Message) bool {
		return m.Key == protocol.KeyNicknameList && assert.ObjectsAreEqual(want, m.Nicknames)
	})
}

func TestServer_TCPRelay(t *testing.T) {
	s := startRelay(t, nil)

	aaa := connect(t, tcpclient.New(s.TCPAddr(), "aaa"))
	bbb := connect(t, tcpclient.New(s.TCPAddr(), "bbb"))
	waitNicknames(t, aaa, "aaa", "bbb")

	require.NoError(t, aaa.SendMessage("Hello from aaa"))

	msg := nextContent(t, bbb)
	assert.Equal(t, "Hello from aaa", msg.Content)
	assert.Equal(t, "aaa", msg.Nickname)
	assert.Equal(t, protocol.ProtocolTCP, msg.Protocol)
	assert.NotEmpty(t, msg.Timestamp)

	require.NoError(t, bbb.SendMessage("Hello from bbb"))
	msg = nextContent(t, aaa)
	assert.Equal(t, "Hello from bbb", msg.Content)
	assert.Equal(t, "bbb", msg.Nickname)

	assert.Eventually(t, func() bool { return s.ClientCount() == 2 }, waitTimeout, 10*time.Millisecond)
}

func TestServer_Rename(t *testing.T) {
	s := startRelay(t, nil)

	aaa := connect(t, tcpclient.New(s.TCPAddr(), ""))
	bbb := connect(t, wsclient.New("ws://"+s.WSAddr()+"/", "bbb"))
	waitNicknames(t, bbb, "bbb")

	// Nickname lists are kept per transport.
	require.NoError(t, aaa.Rename("ccc"))
	waitNicknames(t, aaa, "ccc")

	require.NoError(t, aaa.SendMessage("renamed"))
	msg := nextContent(t, bbb)
	assert.Equal(t, "ccc", msg.Nickname)
	assert.Equal(t, protocol.ProtocolTCP, msg.Protocol)
}

func TestServer_CrossTransportExactlyOnce(t *testing.T) {
	s := startRelay(t, nil)

	tcpPeer := connect(t, tcpclient.New(s.TCPAddr(), "tcp-user"))
	wsPeer := connect(t, wsclient.New("ws://"+s.WSAddr()+"/", "ws-user"))
	waitNicknames(t, wsPeer, "ws-user")

	require.NoError(t, tcpPeer.SendMessage("first"))
	require.NoError(t, tcpPeer.SendMessage("second"))

	msg := nextContent(t, wsPeer)
	assert.Equal(t, "first", msg.Content)
	assert.Equal(t, protocol.ProtocolTCP, msg.Protocol)
	msg = nextContent(t, wsPeer)
	assert.Equal(t, "second", msg.Content)

	require.NoError(t, wsPeer.SendMessage("reply"))
	msg = nextContent(t, tcpPeer)
	assert.Equal(t, "reply", msg.Content)
	assert.Equal(t, "ws-user", msg.Nickname)
	assert.Equal(t, protocol.ProtocolWebSocket, msg.Protocol)
}

func TestServer_UnifiedPort(t *testing.T) {
	s := startRelay(t, nil)

	tcpPeer := connect(t, tcpclient.New(s.UnifiedAddr(), "tcp-user"))
	wsPeer := connect(t, wsclient.New("ws://"+s.UnifiedAddr()+"/", "ws-user"))
	dedicated := connect(t, tcpclient.New(s.TCPAddr(), "dedicated"))
	waitNicknames(t, wsPeer, "ws-user")

	require.NoError(t, wsPeer.SendMessage("over one port"))

	for _, c := range []client.Client{tcpPeer, dedicated} {
		msg := nextContent(t, c)
		assert.Equal(t, "over one port", msg.Content)
		assert.Equal(t, protocol.ProtocolWebSocket, msg.Protocol)
	}
}

func TestServer_HistoryPush(t *testing.T) {
	tests := []struct {
		name string
		dsn  func(t *testing.T) string
	}{
		{name: "memory", dsn: func(*testing.T) string { return "" }},
		{name: "sqlite", dsn: func(t *testing.T) string { return filepath.Join(t.TempDir(), "history.db") }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := startRelay(t, map[string]string{
				"RELAY_HISTORY_DELAY": "100ms",
				"RELAY_HISTORY_DSN":   tt.dsn(t),
			})

			early := connect(t, tcpclient.New(s.TCPAddr(), "early"))
			require.NoError(t, early.SendMessage("before you came"))
			require.Eventually(t, func() bool {
				msgs, err := s.store.Fetch(context.Background(), time.Now())
				return err == nil && len(msgs) == 1
			}, waitTimeout, 10*time.Millisecond)

			late := connect(t, wsclient.New("ws://"+s.WSAddr()+"/", "late"))
			msg := nextContent(t, late)
			assert.Equal(t, "before you came", msg.Content)
			assert.Equal(t, "early", msg.Nickname)
			assert.Equal(t, protocol.ProtocolTCP, msg.Protocol)
		})
	}
}

func TestServer_Metrics(t *testing.T) {
	s := startRelay(t, nil)

	aaa := connect(t, tcpclient.New(s.TCPAddr(), "aaa"))
	bbb := connect(t, tcpclient.New(s.TCPAddr(), "bbb"))
	waitNicknames(t, bbb, "aaa", "bbb")
	require.NoError(t, aaa.SendMessage("counted"))
	nextContent(t, bbb)

	resp, err := http.Get("http://" + s.MetricsAddr() + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `relay_connections_total{protocol="TCP"} 2`)
	assert.Contains(t, string(body), `relay_messages_received_total{protocol="TCP"}`)
}

func TestServer_DisabledListeners(t *testing.T) {
	s := startRelay(t, map[string]string{
		"RELAY_WS_ADDR":      config.Disabled,
		"RELAY_UNIFIED_ADDR": config.Disabled,
		"RELAY_METRICS_ADDR": config.Disabled,
	})

	assert.NotEmpty(t, s.TCPAddr())
	assert.Empty(t, s.WSAddr())
	assert.Empty(t, s.UnifiedAddr())
	assert.Empty(t, s.MetricsAddr())

	connect(t, tcpclient.New(s.TCPAddr(), ""))
}

func TestServer_ShutdownDisconnectsClients(t *testing.T) {
	cfg, err := config.Parse(map[string]string{
		"RELAY_TCP_ADDR":     "127.0.0.1:0",
		"RELAY_WS_ADDR":      "127.0.0.1:0",
		"RELAY_METRICS_ADDR": config.Disabled,
		"RELAY_LOG_LEVEL":    "error",
	})
	require.NoError(t, err)
	s, err := New(cfg, cfg.Logger(io.Discard))
	require.NoError(t, err)
	require.NoError(t, s.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	tcpPeer := connect(t, tcpclient.New(s.TCPAddr(), "tcp-user"))
	wsPeer := connect(t, wsclient.New("ws://"+s.WSAddr()+"/", "ws-user"))

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("relay did not stop")
	}

	for _, c := range []client.Client{tcpPeer, wsPeer} {
		assert.Eventually(t, func() bool { return !c.IsConnected() }, waitTimeout, 10*time.Millisecond)
	}
	assert.Zero(t, s.ClientCount())
}

func TestNew_BadHistoryDSN(t *testing.T) {
	cfg, err := config.Parse(map[string]string{
		"RELAY_HISTORY_DSN": filepath.Join(t.TempDir(), "missing", "\x00", "history.db"),
	})
	require.NoError(t, err)

	_, err = New(cfg, nil)
	assert.Error(t, err)
}

func TestServer_ListenFailureReleasesListeners(t *testing.T) {
	free, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	tcpAddr := free.Addr().String()
	require.NoError(t, free.Close())

	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()

	cfg, err := config.Parse(map[string]string{
		"RELAY_TCP_ADDR":     tcpAddr,
		"RELAY_WS_ADDR":      config.Disabled,
		"RELAY_METRICS_ADDR": busy.Addr().String(),
		"RELAY_LOG_LEVEL":    "error",
	})
	require.NoError(t, err)
	s, err := New(cfg, cfg.Logger(io.Discard))
	require.NoError(t, err)

	require.Error(t, s.Listen())
	assert.Empty(t, s.TCPAddr())
	assert.Empty(t, s.MetricsAddr())

	rebound, err := net.Listen("tcp", tcpAddr)
	require.NoError(t, err, "TCP listener was not released")
	rebound.Close()
}

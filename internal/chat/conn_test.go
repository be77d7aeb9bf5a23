package chat_test

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/omochice/toy-relay-chat/internal/chat"
	"github.com/omochice/toy-relay-chat/pkg/protocol"
)

type readResult struct {
	data []byte
	err  error
}

// mockConn is a mock implementation of chat.Conn for testing.
type mockConn struct {
	readCh     chan readResult
	writtenMu  sync.Mutex
	written    [][]byte
	writeErr   error
	closeOnce  sync.Once
	closed     chan struct{}
	remoteAddr string
}

func newMockConn(addr string) *mockConn {
	return &mockConn{
		readCh:     make(chan readResult, 10),
		closed:     make(chan struct{}),
		remoteAddr: addr,
	}
}

func (m *mockConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-m.closed:
		return nil, io.EOF
	case r := <-m.readCh:
		return r.data, r.err
	}
}

func (m *mockConn) Write(ctx context.Context, data []byte) error {
	if m.writeErr != nil {
		return m.writeErr
	}
	m.writtenMu.Lock()
	defer m.writtenMu.Unlock()
	copied := make([]byte, len(data))
	copy(copied, data)
	m.written = append(m.written, copied)
	return nil
}

func (m *mockConn) Close() error {
	m.closeOnce.Do(func() { close(m.closed) })
	return nil
}

func (m *mockConn) RemoteAddr() string {
	return m.remoteAddr
}

// send feeds a frame to the connection's reader.
func (m *mockConn) send(frame string) {
	m.readCh <- readResult{data: []byte(frame)}
}

func (m *mockConn) GetWritten() [][]byte {
	m.writtenMu.Lock()
	defer m.writtenMu.Unlock()
	return append([][]byte(nil), m.written...)
}

// messages decodes everything written to the connection so far.
func (m *mockConn) messages(t *testing.T) []protocol.Message {
	t.Helper()
	var msgs []protocol.Message
	for _, frame := range m.GetWritten() {
		msg, err := protocol.Decode(frame)
		if err != nil {
			t.Fatalf("server wrote an undecodable frame %q: %v", frame, err)
		}
		msgs = append(msgs, msg)
	}
	return msgs
}

// waitFor polls the written messages until one matches.
func (m *mockConn) waitFor(t *testing.T, match func(protocol.Message) bool) protocol.Message {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, msg := range m.messages(t) {
			if match(msg) {
				return msg
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("%s: no matching message among %+v", m.remoteAddr, m.messages(t))
	return protocol.Message{}
}

// count returns how many written messages match.
func (m *mockConn) count(t *testing.T, match func(protocol.Message) bool) int {
	t.Helper()
	n := 0
	for _, msg := range m.messages(t) {
		if match(msg) {
			n++
		}
	}
	return n
}

func isContent(content string) func(protocol.Message) bool {
	return func(m protocol.Message) bool {
		return m.Key == protocol.KeyContent && m.Content == content
	}
}

func isKey(key protocol.Key) func(protocol.Message) bool {
	return func(m protocol.Message) bool { return m.Key == key }
}

// Compile-time check that mockConn implements chat.Conn
var _ chat.Conn = (*mockConn)(nil)

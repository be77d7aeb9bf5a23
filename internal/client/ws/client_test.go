package ws_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/omochice/toy-relay-chat/internal/client"
	ws "github.com/omochice/toy-relay-chat/internal/client/ws"
	"github.com/omochice/toy-relay-chat/pkg/protocol"
	"nhooyr.io/websocket"
)

// startServer runs serve for every accepted connection and returns the
// ws:// URL of the test server.
func startServer(t *testing.T, serve func(c *websocket.Conn)) string {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close(websocket.StatusNormalClosure, "")
		serve(c)
	}))
	t.Cleanup(server.Close)
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

// readAll forwards every message the server reads to received.
func readAll(received chan<- protocol.Message) func(c *websocket.Conn) {
	return func(c *websocket.Conn) {
		for {
			_, data, err := c.Read(context.Background())
			if err != nil {
				return
			}
			msg, err := protocol.Decode(data)
			if err != nil {
				return
			}
			received <- msg
		}
	}
}

func TestClient_ConnectAndDisconnect(t *testing.T) {
	wsURL := startServer(t, func(c *websocket.Conn) {
		// Wait for client to disconnect
		c.Read(context.Background())
	})

	c := ws.New(wsURL, "")

	if c.IsConnected() {
		t.Error("expected IsConnected() to be false before Connect()")
	}

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	if !c.IsConnected() {
		t.Error("expected IsConnected() to be true after Connect()")
	}

	c.Disconnect()

	if c.IsConnected() {
		t.Error("expected IsConnected() to be false after Disconnect()")
	}
	if _, ok := <-c.Messages(); ok {
		t.Error("expected the message channel to be closed after Disconnect()")
	}
}

func TestClient_NicknameSentOnConnect(t *testing.T) {
	received := make(chan protocol.Message, 4)
	wsURL := startServer(t, readAll(received))

	c := ws.New(wsURL, "alice")
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer c.Disconnect()

	select {
	case msg := <-received:
		if msg.Key != protocol.KeyRename || msg.Nickname != "alice" {
			t.Errorf("server received %+v, want a rename to alice", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for rename")
	}
}

func TestClient_SendMessage(t *testing.T) {
	received := make(chan protocol.Message, 4)
	wsURL := startServer(t, readAll(received))

	c := ws.New(wsURL, "")
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer c.Disconnect()

	if err := c.SendMessage("hello"); err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}

	select {
	case msg := <-received:
		if msg.Key != protocol.KeyContent || msg.Content != "hello" {
			t.Errorf("server received %+v", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message")
	}
}

func TestClient_ReceiveMessages(t *testing.T) {
	wsURL := startServer(t, func(c *websocket.Conn) {
		id, _ := protocol.Encode(protocol.NewClientIDMessage("server-id"))
		c.Write(context.Background(), websocket.MessageText, id)

		welcome, _ := protocol.Encode(protocol.Message{Nickname: "server", Content: "welcome"})
		c.Write(context.Background(), websocket.MessageText, welcome)

		// Wait for client to disconnect
		c.Read(context.Background())
	})

	c := ws.New(wsURL, "")
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer c.Disconnect()

	var got []protocol.Message
	for len(got) < 2 {
		select {
		case msg := <-c.Messages():
			got = append(got, msg)
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for message")
		}
	}

	if got[0].Key != protocol.KeyClientID || c.ID() != "server-id" {
		t.Errorf("first message = %+v, ID() = %q", got[0], c.ID())
	}
	if got[1].Content != "welcome" || got[1].Nickname != "server" {
		t.Errorf("second message = %+v", got[1])
	}
}

func TestClient_ServerClose(t *testing.T) {
	wsURL := startServer(t, func(c *websocket.Conn) {
		c.Close(websocket.StatusGoingAway, "shutting down")
	})

	c := ws.New(wsURL, "")
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer c.Disconnect()

	select {
	case _, ok := <-c.Messages():
		if ok {
			t.Error("expected the message channel to be closed")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("message channel was not closed after the server went away")
	}
	if c.IsConnected() {
		t.Error("expected IsConnected() to be false after the server went away")
	}
}

func TestClient_SendMessage_NotConnected(t *testing.T) {
	c := ws.New("ws://localhost:9999", "")

	err := c.SendMessage("hello")
	if !errors.Is(err, client.ErrNotConnected) {
		t.Errorf("SendMessage() error = %v, want %v", err, client.ErrNotConnected)
	}
}

package client

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/floegence/lanshare/handshake"
	"github.com/floegence/lanshare/transport"
	"github.com/floegence/lanshare/wire"
)

type greeting struct {
	Content string `json:"content"`
}

// serveOnce accepts a single connection, runs the server side of the
// handshake, and returns the resulting SecureChannel to recv on.
func serveOnce(t *testing.T, ln net.Listener, selfID string) *transport.SecureChannel {
	t.Helper()
	conn, err := ln.Accept()
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	mgr := handshake.NewManager()
	peerID, session, err := handshake.RunServer(conn, mgr, selfID)
	if err != nil {
		t.Fatalf("RunServer: %v", err)
	}
	ch := transport.New(conn, peerID)
	ch.SetSession(session)
	return ch
}

func TestPoolGetOrDialAndSend(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	serverDone := make(chan greeting, 1)
	serverErr := make(chan error, 1)
	go func() {
		ch := serveOnce(t, ln, "server-1")
		defer ch.Close()
		_, payload, _, err := ch.ReadMessage()
		if err != nil {
			serverErr <- err
			return
		}
		var g greeting
		if err := json.Unmarshal(payload, &g); err != nil {
			serverErr <- err
			return
		}
		serverDone <- g
		serverErr <- nil
	}()

	pool := NewPool("client-1")
	defer pool.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := pool.Send(ctx, "server-1", ln.Addr().String(), wire.MsgTextMessage, greeting{Content: "hi"}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	if err := <-serverErr; err != nil {
		t.Fatalf("server: %v", err)
	}
	got := <-serverDone
	if got.Content != "hi" {
		t.Fatalf("unexpected content: %q", got.Content)
	}
}

func TestPoolSendRetriesOnStaleConnection(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	serverDone := make(chan greeting, 1)
	serverErr := make(chan error, 1)
	go func() {
		// First connection: handshake, then close immediately without reading —
		// simulates a connection that went stale after the pool cached it.
		first := serveOnce(t, ln, "server-1")
		first.Close()

		// Second connection: handshake, then actually read the retried message.
		ch := serveOnce(t, ln, "server-1")
		defer ch.Close()
		_, payload, _, err := ch.ReadMessage()
		if err != nil {
			serverErr <- err
			return
		}
		var g greeting
		if err := json.Unmarshal(payload, &g); err != nil {
			serverErr <- err
			return
		}
		serverDone <- g
		serverErr <- nil
	}()

	pool := NewPool("client-1")
	defer pool.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// Prime the pool with the connection that will be closed out from under it.
	if _, err := pool.GetOrDial(ctx, "server-1", ln.Addr().String()); err != nil {
		t.Fatalf("GetOrDial: %v", err)
	}
	// Give the server goroutine a moment to close its end.
	time.Sleep(50 * time.Millisecond)

	if err := pool.Send(ctx, "server-1", ln.Addr().String(), wire.MsgTextMessage, greeting{Content: "retry"}); err != nil {
		t.Fatalf("Send after stale connection: %v", err)
	}

	if err := <-serverErr; err != nil {
		t.Fatalf("server: %v", err)
	}
	got := <-serverDone
	if got.Content != "retry" {
		t.Fatalf("unexpected content: %q", got.Content)
	}
}

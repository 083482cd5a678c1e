package server

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/floegence/lanshare/client"
	"github.com/floegence/lanshare/wire"
)

func TestServeEncryptedSessionRoutesMessage(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	srv := New("server-1", 8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = srv.Serve(ctx, ln) }()

	pool := client.NewPool("client-1")
	defer pool.Close()

	type chat struct {
		Content string `json:"content"`
	}
	sendCtx, sendCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer sendCancel()
	if err := pool.Send(sendCtx, "server-1", ln.Addr().String(), wire.MsgTextMessage, chat{Content: "hello server"}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	var connected, message bool
	deadline := time.After(2 * time.Second)
	for !connected || !message {
		select {
		case ev := <-srv.Events:
			switch ev.Kind {
			case EventConnected:
				if ev.PeerID != "client-1" {
					t.Fatalf("unexpected peer id on connect: %q", ev.PeerID)
				}
				connected = true
			case EventMessage:
				if ev.Type != wire.MsgTextMessage {
					t.Fatalf("unexpected message type: %v", ev.Type)
				}
				var got chat
				if err := json.Unmarshal(ev.Payload, &got); err != nil {
					t.Fatalf("unmarshal: %v", err)
				}
				if got.Content != "hello server" {
					t.Fatalf("unexpected content: %q", got.Content)
				}
				message = true
			case EventHandshakeFailed:
				t.Fatalf("unexpected handshake failure: %v", ev.Err)
			}
		case <-deadline:
			t.Fatalf("timed out waiting for connected=%v message=%v", connected, message)
		}
	}
}

func TestServeRejectsPlaintextByDefault(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	srv := New("server-1", 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = srv.Serve(ctx, ln) }()

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	body, _ := json.Marshal(struct {
		DeviceID string `json:"device_id"`
	}{DeviceID: "legacy-client"})
	if err := wire.Encode(conn, wire.Frame{Type: wire.MsgHello, Payload: body}); err != nil {
		t.Fatalf("Encode: %v", err)
	}

	select {
	case ev := <-srv.Events:
		if ev.Kind != EventHandshakeFailed {
			t.Fatalf("expected EventHandshakeFailed, got %v", ev.Kind)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for handshake failure event")
	}
}

package transport

import (
	"encoding/json"
	"net"
	"testing"

	"github.com/floegence/lanshare/handshake"
	"github.com/floegence/lanshare/wire"
)

type textMessage struct {
	Content string `json:"content"`
}

func TestSecureChannelEncryptedRoundTrip(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	clientMgr := handshake.NewManager()
	serverMgr := handshake.NewManager()

	clientDone := make(chan *SecureChannel, 1)
	clientErr := make(chan error, 1)
	go func() {
		session, err := handshake.RunClient(clientConn, clientMgr, "client-1", "server-1")
		if err != nil {
			clientErr <- err
			return
		}
		ch := New(clientConn, "server-1")
		ch.SetSession(session)
		clientDone <- ch
		clientErr <- nil
	}()

	_, serverSession, err := handshake.RunServer(serverConn, serverMgr, "server-1")
	if err != nil {
		t.Fatalf("RunServer: %v", err)
	}
	if err := <-clientErr; err != nil {
		t.Fatalf("RunClient: %v", err)
	}
	clientChan := <-clientDone

	serverChan := New(serverConn, "client-1")
	serverChan.SetSession(serverSession)

	sendDone := make(chan error, 1)
	go func() {
		sendDone <- clientChan.SendMessage(wire.MsgTextMessage, textMessage{Content: "hello"})
	}()

	mt, payload, _, err := serverChan.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if err := <-sendDone; err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if mt != wire.MsgTextMessage {
		t.Fatalf("unexpected inner type: %v", mt)
	}
	var got textMessage
	if err := json.Unmarshal(payload, &got); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if got.Content != "hello" {
		t.Fatalf("unexpected content: %q", got.Content)
	}
}

func TestSecureChannelPlaintextPassthrough(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	clientChan := New(clientConn, "")
	serverChan := New(serverConn, "")

	sendDone := make(chan error, 1)
	go func() {
		sendDone <- clientChan.SendMessage(wire.MsgHello, textMessage{Content: "legacy"})
	}()

	mt, payload, _, err := serverChan.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if err := <-sendDone; err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if mt != wire.MsgHello {
		t.Fatalf("unexpected type: %v", mt)
	}
	var got textMessage
	if err := json.Unmarshal(payload, &got); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if got.Content != "legacy" {
		t.Fatalf("unexpected content: %q", got.Content)
	}
}

package handshake

import (
	"net"
	"testing"
)

func TestRunClientServerOverConnRoundTrip(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	clientMgr := NewManager()
	serverMgr := NewManager()

	clientDone := make(chan error, 1)
	var clientMessageKey [32]byte
	go func() {
		session, err := RunClient(clientConn, clientMgr, "client-1", "server-1")
		if err == nil {
			clientMessageKey = session.MessageKey
		}
		clientDone <- err
	}()

	peerID, serverSession, err := RunServer(serverConn, serverMgr, "server-1")
	if err != nil {
		t.Fatalf("RunServer: %v", err)
	}
	if peerID != "client-1" {
		t.Fatalf("unexpected peer id: %q", peerID)
	}

	if err := <-clientDone; err != nil {
		t.Fatalf("RunClient: %v", err)
	}
	if clientMessageKey != serverSession.MessageKey {
		t.Fatalf("message keys diverge between client and server")
	}
}

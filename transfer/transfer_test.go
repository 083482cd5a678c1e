package transfer

import (
	"bytes"
	"crypto/rand"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/floegence/lanshare/crypto/e2ee"
	"github.com/floegence/lanshare/internal/defaults"
	"github.com/floegence/lanshare/transport"
	"github.com/floegence/lanshare/wire"
)

func sessionPair(t *testing.T) (*e2ee.Session, *e2ee.Session) {
	t.Helper()
	a, err := e2ee.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	b, err := e2ee.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	aPub, bPub := a.PublicBytes(), b.PublicBytes()
	sa, err := e2ee.FromECDH(a, bPub)
	if err != nil {
		t.Fatalf("FromECDH: %v", err)
	}
	sb, err := e2ee.FromECDH(b, aPub)
	if err != nil {
		t.Fatalf("FromECDH: %v", err)
	}
	return sa, sb
}

func writeTempFile(t *testing.T, dir string, size int) string {
	t.Helper()
	data := make([]byte, size)
	if _, err := rand.Read(data); err != nil {
		t.Fatalf("rand.Read: %v", err)
	}
	path := filepath.Join(dir, "payload.bin")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestSendReceiveFileRoundTrip(t *testing.T) {
	srcDir := t.TempDir()
	destDir := t.TempDir()
	filePath := writeTempFile(t, srcDir, defaults.FileChunkBytes+defaults.FileChunkBytes/2) // spans multiple chunks

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	senderCh := transport.New(clientConn, "")
	receiverCh := transport.New(serverConn, "")

	senderEngine := NewEngine("")
	receiverEngine := NewEngine(destDir)

	sendDone := make(chan error, 1)
	go func() {
		_, err := senderEngine.Send(senderCh, filePath, "sender-1", "receiver-1")
		sendDone <- err
	}()

	recvErr := make(chan error, 1)
	go func() {
		for {
			mt, payload, _, err := receiverCh.ReadMessage()
			if err != nil {
				recvErr <- err
				return
			}
			if mt == wire.MsgFileRequest {
				var req FileRequestMsg
				if err := json.Unmarshal(payload, &req); err != nil {
					recvErr <- err
					return
				}
				if err := receiverEngine.Dispatch(mt, payload, nil); err != nil {
					recvErr <- err
					return
				}
				if _, err := receiverEngine.AcceptTransfer(req.TransferID); err != nil {
					recvErr <- err
					return
				}
				continue
			}
			if err := receiverEngine.Dispatch(mt, payload, nil); err != nil && mt != wire.MsgFileComplete {
				recvErr <- err
				return
			}
			if mt == wire.MsgFileComplete {
				recvErr <- nil
				return
			}
		}
	}()

	select {
	case err := <-sendDone:
		if err != nil {
			t.Fatalf("Send: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for sender")
	}
	select {
	case err := <-recvErr:
		if err != nil {
			t.Fatalf("receive: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for receiver")
	}

	want, err := os.ReadFile(filePath)
	if err != nil {
		t.Fatalf("ReadFile(source): %v", err)
	}
	got, err := os.ReadFile(filepath.Join(destDir, "payload.bin"))
	if err != nil {
		t.Fatalf("ReadFile(dest): %v", err)
	}
	if !bytes.Equal(want, got) {
		t.Fatalf("received content mismatch")
	}
}

func TestSendReceiveFileRoundTripEncrypted(t *testing.T) {
	srcDir := t.TempDir()
	destDir := t.TempDir()
	filePath := writeTempFile(t, srcDir, defaults.FileChunkBytes+1234)

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	senderSession, receiverSession := sessionPair(t)

	senderCh := transport.New(clientConn, "")
	senderCh.SetSession(senderSession)
	receiverCh := transport.New(serverConn, "")
	receiverCh.SetSession(receiverSession)

	senderEngine := NewEngine("")
	receiverEngine := NewEngine(destDir)

	sendDone := make(chan error, 1)
	go func() {
		_, err := senderEngine.Send(senderCh, filePath, "sender-1", "receiver-1")
		sendDone <- err
	}()

	recvErr := make(chan error, 1)
	go func() {
		var sc *e2ee.StreamCipher
		for {
			mt, payload, _, err := receiverCh.ReadMessage()
			if err != nil {
				recvErr <- err
				return
			}
			if mt == wire.MsgFileStreamInit {
				var init FileStreamInitMsg
				if err := json.Unmarshal(payload, &init); err != nil {
					recvErr <- err
					return
				}
				sc, err = receiverSession.CreateFileDecryptor(init.IV)
				if err != nil {
					recvErr <- err
					return
				}
				continue
			}
			if mt == wire.MsgFileRequest {
				var req FileRequestMsg
				if err := json.Unmarshal(payload, &req); err != nil {
					recvErr <- err
					return
				}
				if err := receiverEngine.Dispatch(mt, payload, nil); err != nil {
					recvErr <- err
					return
				}
				if _, err := receiverEngine.AcceptTransfer(req.TransferID); err != nil {
					recvErr <- err
					return
				}
				continue
			}
			if err := receiverEngine.Dispatch(mt, payload, sc); err != nil && mt != wire.MsgFileComplete {
				recvErr <- err
				return
			}
			if mt == wire.MsgFileComplete {
				recvErr <- nil
				return
			}
		}
	}()

	select {
	case err := <-sendDone:
		if err != nil {
			t.Fatalf("Send: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for sender")
	}
	select {
	case err := <-recvErr:
		if err != nil {
			t.Fatalf("receive: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for receiver")
	}

	want, err := os.ReadFile(filePath)
	if err != nil {
		t.Fatalf("ReadFile(source): %v", err)
	}
	got, err := os.ReadFile(filepath.Join(destDir, "payload.bin"))
	if err != nil {
		t.Fatalf("ReadFile(dest): %v", err)
	}
	if !bytes.Equal(want, got) {
		t.Fatalf("received content mismatch")
	}
}

func TestHandleFileRequestAwaitsAcceptance(t *testing.T) {
	e := NewEngine(t.TempDir())
	t.Cleanup(func() { <-e.Events })

	req := FileRequestMsg{TransferID: "t1", Filename: "report.pdf", Size: 10, Checksum: "abc", From: "sender-1", To: "receiver-1"}
	tr, err := e.HandleFileRequest(req)
	if err != nil {
		t.Fatalf("HandleFileRequest: %v", err)
	}
	if tr.State() != StateAwaitingAcceptance {
		t.Fatalf("state = %s, want AWAITING_ACCEPTANCE", tr.State())
	}

	if err := e.HandleFileData(nil, nil); err == nil {
		t.Fatalf("expected HandleFileData against a malformed payload to fail")
	}

	if _, err := e.AcceptTransfer("t1"); err != nil {
		t.Fatalf("AcceptTransfer: %v", err)
	}
	if tr.State() != StateActive {
		t.Fatalf("state after AcceptTransfer = %s, want ACTIVE", tr.State())
	}
	if _, err := e.AcceptTransfer("t1"); err == nil {
		t.Fatalf("expected a second AcceptTransfer to fail, already ACTIVE")
	}
}

func TestRejectTransferLeavesNoFileOnDisk(t *testing.T) {
	destDir := t.TempDir()
	e := NewEngine(destDir)

	req := FileRequestMsg{TransferID: "t2", Filename: "secret.txt", Size: 4, Checksum: "abc", From: "sender-1", To: "receiver-1"}
	if _, err := e.HandleFileRequest(req); err != nil {
		t.Fatalf("HandleFileRequest: %v", err)
	}
	<-e.Events // file-request-received

	tr, err := e.RejectTransfer("t2")
	if err != nil {
		t.Fatalf("RejectTransfer: %v", err)
	}
	if tr.State() != StateCancelled {
		t.Fatalf("state = %s, want CANCELLED", tr.State())
	}
	ev := <-e.Events
	if ev.Kind != EventFileRejected {
		t.Fatalf("event kind = %s, want file-rejected", ev.Kind)
	}
	if _, err := os.Stat(filepath.Join(destDir, "secret.txt")); !os.IsNotExist(err) {
		t.Fatalf("expected no file written for a rejected transfer, stat err = %v", err)
	}
	if _, err := e.RejectTransfer("t2"); err == nil {
		t.Fatalf("expected a second RejectTransfer to fail, already CANCELLED")
	}
}

func TestHandleFileRejectCancelsSendTransfer(t *testing.T) {
	e := NewEngine("")
	tr := newTransfer("t3", DirectionSend, "payload.bin", 100)
	e.register(tr)
	tr.setState(StateActive)

	if err := e.HandleFileReject(FileRejectMsg{TransferID: "t3", Reason: "no thanks"}); err != nil {
		t.Fatalf("HandleFileReject: %v", err)
	}
	if !tr.cancelled.Load() {
		t.Fatalf("expected the send-side transfer to be marked cancelled")
	}

	if err := e.HandleFileReject(FileRejectMsg{TransferID: "does-not-exist"}); err == nil {
		t.Fatalf("expected HandleFileReject against an unknown transfer id to fail")
	}
}

func TestHandleFileAckRejectCancelsSendTransfer(t *testing.T) {
	e := NewEngine("")
	tr := newTransfer("t4", DirectionSend, "payload.bin", 100)
	e.register(tr)
	tr.setState(StateActive)

	if err := e.HandleFileAck(FileAckMsg{TransferID: "t4", Accept: false}); err != nil {
		t.Fatalf("HandleFileAck: %v", err)
	}
	if !tr.cancelled.Load() {
		t.Fatalf("expected a rejecting FILE_ACK to cancel the send-side transfer")
	}
}

func TestEngineRejectsOverCapacity(t *testing.T) {
	e := NewEngine(t.TempDir())
	var releasers []func()
	for i := 0; i < 3; i++ {
		release, err := e.admit()
		if err != nil {
			t.Fatalf("admit %d: %v", i, err)
		}
		releasers = append(releasers, release)
	}
	if _, err := e.admit(); err == nil {
		t.Fatalf("expected admission cap to reject a 4th concurrent transfer")
	}
	releasers[0]()
	if release, err := e.admit(); err != nil {
		t.Fatalf("expected a freed slot to admit again: %v", err)
	} else {
		release()
	}
	for _, r := range releasers[1:] {
		r()
	}
}

func TestSanitizeDestPathRejectsTraversal(t *testing.T) {
	dir := t.TempDir()
	cases := []string{"../../etc/passwd", "/etc/passwd", "..", ".", "a/b"}
	for _, c := range cases {
		if _, err := SanitizeDestPath(dir, c); err == nil {
			t.Fatalf("expected SanitizeDestPath to reject %q", c)
		}
	}
	got, err := SanitizeDestPath(dir, "report.pdf")
	if err != nil {
		t.Fatalf("SanitizeDestPath(valid name): %v", err)
	}
	if filepath.Dir(got) != filepath.Clean(dir) {
		t.Fatalf("expected sanitized path to stay under dir, got %q", got)
	}
}

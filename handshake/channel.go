package handshake

import (
	"encoding/json"
	"io"

	"github.com/floegence/lanshare/crypto/e2ee"
	"github.com/floegence/lanshare/transporterr"
	"github.com/floegence/lanshare/wire"
)

// RunClient drives the initiator's half of the handshake over rw: it sends
// HELLO_SECURE, reads the peer's HELLO_RESPONSE, and returns the derived
// session.
//
// rw is typically a net.Conn, but any io.ReadWriter works so tests can drive
// the exchange over an in-memory pipe.
func RunClient(rw io.ReadWriter, mgr *Manager, selfDeviceID, peerID string) (*e2ee.Session, error) {
	hello, err := mgr.InitiateHandshake(selfDeviceID, peerID)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(hello)
	if err != nil {
		return nil, transporterr.Wrap(transporterr.StageHandshake, transporterr.CodeBadJSON, err)
	}
	if err := wire.Encode(rw, wire.Frame{Type: wire.MsgHelloSecure, Payload: payload}); err != nil {
		return nil, transporterr.Wrap(transporterr.StagePool, transporterr.CodeSendFailed, err)
	}

	f, err := wire.Decode(rw)
	if err != nil {
		return nil, transporterr.Wrap(transporterr.StagePool, transporterr.CodeReadFailed, err)
	}
	if f.Type != wire.MsgHelloResponse {
		return nil, transporterr.Wrap(transporterr.StageHandshake, transporterr.CodeUnexpectedMessageType, nil)
	}
	var resp HelloResponse
	if err := json.Unmarshal(f.Payload, &resp); err != nil {
		return nil, transporterr.Wrap(transporterr.StageHandshake, transporterr.CodeBadJSON, err)
	}
	if resp.DeviceID != peerID {
		return nil, transporterr.Wrap(transporterr.StageHandshake, transporterr.CodeHandshakeRejected, nil)
	}
	return mgr.CompleteHandshake(resp)
}

// RunServer drives the responder's half of the handshake over rw: it reads
// the peer's HELLO_SECURE, sends back a HELLO_RESPONSE, and returns the
// peer's claimed device id together with the derived session.
func RunServer(rw io.ReadWriter, mgr *Manager, selfDeviceID string) (peerID string, session *e2ee.Session, err error) {
	f, err := wire.Decode(rw)
	if err != nil {
		return "", nil, transporterr.Wrap(transporterr.StagePool, transporterr.CodeReadFailed, err)
	}
	if f.Type != wire.MsgHelloSecure {
		return "", nil, transporterr.Wrap(transporterr.StageHandshake, transporterr.CodeUnexpectedMessageType, nil)
	}
	var hello HelloSecure
	if err := json.Unmarshal(f.Payload, &hello); err != nil {
		return "", nil, transporterr.Wrap(transporterr.StageHandshake, transporterr.CodeBadJSON, err)
	}

	resp, err := mgr.HandleHelloSecure(selfDeviceID, hello)
	if err != nil {
		return "", nil, err
	}
	payload, err := json.Marshal(resp)
	if err != nil {
		return "", nil, transporterr.Wrap(transporterr.StageHandshake, transporterr.CodeBadJSON, err)
	}
	if err := wire.Encode(rw, wire.Frame{Type: wire.MsgHelloResponse, Payload: payload}); err != nil {
		return "", nil, transporterr.Wrap(transporterr.StagePool, transporterr.CodeSendFailed, err)
	}

	session, err = mgr.FinalizeHandshake(hello.DeviceID, hello.PublicKey)
	if err != nil {
		return "", nil, err
	}
	return hello.DeviceID, session, nil
}

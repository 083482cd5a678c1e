// Package transport wraps a raw net.Conn with the wire frame codec and, once
// a handshake has produced a Session, transparent control-message
// encryption. It is the shared plumbing used by both the client pool and the
// server's per-connection state machine.
package transport

import (
	"encoding/json"
	"net"

	"github.com/floegence/lanshare/crypto/e2ee"
	"github.com/floegence/lanshare/transporterr"
	"github.com/floegence/lanshare/wire"
)

// SecureChannel is a connection paired with the session derived for it. Until
// a Session is attached (via SetSession), SendMessage/ReadMessage operate in
// plaintext — this is the PLAINTEXT_LEGACY path.
type SecureChannel struct {
	Conn    net.Conn
	PeerID  string
	session *e2ee.Session
}

// New wraps conn with no session attached yet.
func New(conn net.Conn, peerID string) *SecureChannel {
	return &SecureChannel{Conn: conn, PeerID: peerID}
}

// SetSession attaches the session derived for this channel's peer, switching
// SendMessage/ReadMessage into the ENCRYPTED_SESSION path.
func (c *SecureChannel) SetSession(s *e2ee.Session) { c.session = s }

// Session returns the attached session, or nil if still in plaintext mode.
func (c *SecureChannel) Session() *e2ee.Session { return c.session }

// encryptedEnvelope is the unauthenticated JSON payload of a MsgEncryptedMsg
// frame: the AEAD envelope only. Its msg_type, at this layer, is always the
// implicit MsgEncryptedMsg frame byte — the real message type never travels
// in cleartext alongside it.
type encryptedEnvelope struct {
	Nonce   []byte `json:"nonce"`
	Tag     []byte `json:"tag"`
	Payload []byte `json:"payload"`
}

// encryptedBody is what the AEAD envelope actually seals: the logical
// message type plus its JSON body. It only becomes visible after a
// successful decrypt, so a frame's true type can never be read off the wire
// before authentication.
type encryptedBody struct {
	Type    wire.MessageType `json:"type"`
	Payload json.RawMessage  `json:"payload"`
}

// SendMessage marshals v as JSON and sends it as a frame of type mt.
//
// If a session is attached, mt and the JSON body are both placed inside an
// encryptedBody and sealed together under message_key; the frame actually
// placed on the wire is MsgEncryptedMsg carrying only the opaque AEAD
// envelope, with no message-type field outside it. Without a session, mt
// and the JSON body go straight onto the wire.
func (c *SecureChannel) SendMessage(mt wire.MessageType, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return transporterr.Wrap(transporterr.StageSession, transporterr.CodeBadJSON, err)
	}
	if c.session == nil {
		return wire.Encode(c.Conn, wire.Frame{Type: mt, Payload: body})
	}

	sealed, err := json.Marshal(encryptedBody{Type: mt, Payload: body})
	if err != nil {
		return transporterr.Wrap(transporterr.StageSession, transporterr.CodeBadJSON, err)
	}
	enc, err := c.session.EncryptMessage(sealed)
	if err != nil {
		return transporterr.Wrap(transporterr.StageCrypto, transporterr.CodeAuthFailure, err)
	}
	envelope := encryptedEnvelope{
		Nonce:   enc.Nonce[:],
		Tag:     enc.Tag[:],
		Payload: enc.Payload,
	}
	envJSON, err := json.Marshal(envelope)
	if err != nil {
		return transporterr.Wrap(transporterr.StageSession, transporterr.CodeBadJSON, err)
	}
	if err := wire.Encode(c.Conn, wire.Frame{Type: wire.MsgEncryptedMsg, Payload: envJSON}); err != nil {
		return transporterr.Wrap(transporterr.StagePool, transporterr.CodeSendFailed, err)
	}
	return nil
}

// ReadMessage reads one frame and, if it is MsgEncryptedMsg and a session is
// attached, decrypts it and returns the logical type sealed inside it along
// with its plaintext body. Any other frame type is returned unchanged.
//
// frameType is the raw, wire-level type byte the frame actually carried
// before any decryption — wire.MsgEncryptedMsg for anything that went
// through the AEAD envelope, or the same value as mt otherwise. Callers that
// must enforce a closed set of frame types per connection state (e.g. the
// server's ENCRYPTED_SESSION state) check frameType, not mt, since mt has
// already been unwrapped for dispatch convenience.
func (c *SecureChannel) ReadMessage() (mt wire.MessageType, payload []byte, frameType wire.MessageType, err error) {
	f, err := wire.Decode(c.Conn)
	if err != nil {
		return 0, nil, 0, err
	}
	if f.Type != wire.MsgEncryptedMsg {
		return f.Type, f.Payload, f.Type, nil
	}
	if c.session == nil {
		return 0, nil, f.Type, transporterr.Wrap(transporterr.StageSession, transporterr.CodeUnexpectedMessageType, nil)
	}

	var envelope encryptedEnvelope
	if err := json.Unmarshal(f.Payload, &envelope); err != nil {
		return 0, nil, f.Type, transporterr.Wrap(transporterr.StageCrypto, transporterr.CodeAuthFailure, err)
	}
	enc := &e2ee.EncryptedMessage{Payload: envelope.Payload}
	if len(envelope.Nonce) != 12 || len(envelope.Tag) != 16 {
		return 0, nil, f.Type, transporterr.Wrap(transporterr.StageCrypto, transporterr.CodeAuthFailure, nil)
	}
	copy(enc.Nonce[:], envelope.Nonce)
	copy(enc.Tag[:], envelope.Tag)

	plain, err := c.session.DecryptMessage(enc)
	if err != nil {
		return 0, nil, f.Type, transporterr.Wrap(transporterr.StageCrypto, transporterr.CodeAuthFailure, err)
	}

	var sealed encryptedBody
	if err := json.Unmarshal(plain, &sealed); err != nil {
		return 0, nil, f.Type, transporterr.Wrap(transporterr.StageSession, transporterr.CodeBadJSON, err)
	}
	return sealed.Type, sealed.Payload, f.Type, nil
}

// SendRaw writes payload directly as the body of a frame of type mt, with no
// JSON marshaling and no AEAD envelope.
//
// The file transfer engine uses this for FILE_DATA frames: when a session is
// attached, the chunk inside is already encrypted (not authenticated) by the
// stream cipher keyed off file_key, and it is not wrapped again under the
// control-message AEAD.
func (c *SecureChannel) SendRaw(mt wire.MessageType, payload []byte) error {
	return wire.Encode(c.Conn, wire.Frame{Type: mt, Payload: payload})
}

// Close closes the underlying connection.
func (c *SecureChannel) Close() error { return c.Conn.Close() }

// Package server implements the per-connection accept loop and state
// machine that turns an inbound TCP connection into either an encrypted
// session or a legacy plaintext session, then routes decrypted frames to the
// caller.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"github.com/floegence/lanshare/handshake"
	"github.com/floegence/lanshare/internal/defaults"
	"github.com/floegence/lanshare/observability"
	"github.com/floegence/lanshare/transport"
	"github.com/floegence/lanshare/transporterr"
	"github.com/floegence/lanshare/wire"
)

// State names the per-connection state machine's current state, per design.
type State string

const (
	StateAwaitFirstFrame  State = "AWAIT_FIRST_FRAME"
	StateSecureHandshake  State = "SECURE_HANDSHAKE"
	StateEncryptedSession State = "ENCRYPTED_SESSION"
	StatePlaintextLegacy  State = "PLAINTEXT_LEGACY"
	StateFatal            State = "FATAL"
)

// EventKind classifies an Event sent on Server.Events.
type EventKind string

const (
	EventConnected         EventKind = "connected"
	EventHandshakeFailed   EventKind = "handshake_failed"
	EventPlaintextFallback EventKind = "plaintext_fallback"
	EventMessage           EventKind = "message"
	EventDisconnected      EventKind = "disconnected"

	// Transfer lifecycle kinds, emitted by transfer.Engine and forwarded by
	// the caller (typically cmd/lanshare-peer) alongside connection events.
	EventFileRequestReceived EventKind = "file-request-received"
	EventTransferProgress    EventKind = "transfer-progress"
	EventTransferCompleted   EventKind = "transfer-completed"
	EventTransferFailed      EventKind = "transfer-failed"
	EventFileCancelled       EventKind = "file-cancelled"
	EventFileRejected        EventKind = "file-rejected"

	// Security kinds, distinct from the connection-level events above:
	// EventPlaintextFallback is an expected, configured downgrade, while
	// these two flag a peer doing something the protocol never permits.
	EventSecurityWarning EventKind = "security-warning"
	EventSecurityError   EventKind = "security-error"
)

// Event reports one occurrence on a served connection.
type Event struct {
	Kind    EventKind
	PeerID  string
	Type    wire.MessageType
	Payload []byte
	Err     error

	// Chan is the channel the frame arrived on, set only for EventMessage.
	// A consumer that needs to reply in-band — most notably accepting or
	// rejecting a FILE_REQUEST — sends back on this rather than dialing a
	// new connection.
	Chan *transport.SecureChannel
}

// helloLegacy is the plaintext first frame of a pre-encryption peer.
type helloLegacy struct {
	DeviceID string `json:"device_id"`
}

// Server accepts connections and drives each through the session state
// machine, emitting Events for the caller (typically the transfer engine and
// a UI layer) to consume.
type Server struct {
	SelfDeviceID string
	Handshakes   *handshake.Manager
	IdleTimeout  time.Duration

	// AllowPlaintextLegacy, when true, accepts MsgHello as a valid first
	// frame and serves that connection without encryption. Disabled by
	// default.
	AllowPlaintextLegacy bool

	Observer observability.Observer

	// Logger receives diagnostics the Events channel doesn't otherwise
	// carry (listener-level accept errors). Defaults to a discarding
	// logger, same as cmd/flowersec-proxy-gateway's gateway struct
	// defaults a nil logger.
	Logger *log.Logger

	Events chan Event

	wg sync.WaitGroup
}

// New returns a Server with sane defaults. Events is created with the given
// buffer size (0 is a valid, always-blocking buffer).
func New(selfDeviceID string, eventBuffer int) *Server {
	return &Server{
		SelfDeviceID: selfDeviceID,
		Handshakes:   handshake.NewManager(),
		IdleTimeout:  defaults.IdleTimeout,
		Observer:     observability.Noop,
		Logger:       log.New(io.Discard, "", 0),
		Events:       make(chan Event, eventBuffer),
	}
}

// Serve accepts connections from ln until ctx is canceled or Accept returns
// a permanent error. Each connection is served on its own goroutine; Serve
// returns once the listener is closed and all connections have exited.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			s.wg.Wait()
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.Logger.Printf("accept: %v", err)
			return err
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

func (s *Server) emit(ev Event) {
	select {
	case s.Events <- ev:
	default:
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	state := StateAwaitFirstFrame
	_ = conn.SetReadDeadline(time.Now().Add(s.IdleTimeout))
	f, err := wire.Decode(conn)
	if err != nil {
		s.emit(Event{Kind: EventHandshakeFailed, Err: err})
		return
	}

	var ch *transport.SecureChannel
	var peerID string

	switch f.Type {
	case wire.MsgHelloSecure:
		state = StateSecureHandshake
		hsStart := time.Now()
		var hello handshake.HelloSecure
		if err := json.Unmarshal(f.Payload, &hello); err != nil {
			s.Observer.Handshake(observability.HandshakeResultFailed, time.Since(hsStart))
			s.emit(Event{Kind: EventHandshakeFailed, Err: err})
			return
		}
		resp, err := s.Handshakes.HandleHelloSecure(s.SelfDeviceID, hello)
		if err != nil {
			s.Observer.Handshake(observability.HandshakeResultFailed, time.Since(hsStart))
			s.emit(Event{Kind: EventHandshakeFailed, PeerID: hello.DeviceID, Err: err})
			return
		}
		respJSON, err := json.Marshal(resp)
		if err != nil {
			s.Observer.Handshake(observability.HandshakeResultFailed, time.Since(hsStart))
			s.emit(Event{Kind: EventHandshakeFailed, PeerID: hello.DeviceID, Err: err})
			return
		}
		if err := wire.Encode(conn, wire.Frame{Type: wire.MsgHelloResponse, Payload: respJSON}); err != nil {
			s.Observer.Handshake(observability.HandshakeResultFailed, time.Since(hsStart))
			s.emit(Event{Kind: EventHandshakeFailed, PeerID: hello.DeviceID, Err: err})
			return
		}
		session, err := s.Handshakes.FinalizeHandshake(hello.DeviceID, hello.PublicKey)
		if err != nil {
			s.Observer.Handshake(observability.HandshakeResultFailed, time.Since(hsStart))
			s.emit(Event{Kind: EventHandshakeFailed, PeerID: hello.DeviceID, Err: err})
			return
		}
		s.Observer.Handshake(observability.HandshakeResultOK, time.Since(hsStart))
		peerID = hello.DeviceID
		ch = transport.New(conn, peerID)
		ch.SetSession(session)
		state = StateEncryptedSession

	case wire.MsgHello:
		if !s.AllowPlaintextLegacy {
			s.emit(Event{Kind: EventHandshakeFailed, Err: errUnexpectedPlaintext})
			return
		}
		var hello helloLegacy
		if err := json.Unmarshal(f.Payload, &hello); err != nil {
			s.emit(Event{Kind: EventHandshakeFailed, Err: err})
			return
		}
		peerID = hello.DeviceID
		ch = transport.New(conn, peerID)
		state = StatePlaintextLegacy
		s.emit(Event{Kind: EventPlaintextFallback, PeerID: peerID})

	default:
		state = StateFatal
		s.emit(Event{Kind: EventHandshakeFailed, Err: errUnexpectedFirstFrame})
		return
	}

	s.emit(Event{Kind: EventConnected, PeerID: peerID})
	s.serveSession(conn, ch, peerID, state)
}

func (s *Server) serveSession(conn net.Conn, ch *transport.SecureChannel, peerID string, state State) {
	for {
		_ = conn.SetReadDeadline(time.Now().Add(s.IdleTimeout))
		mt, payload, frameType, err := ch.ReadMessage()
		if err != nil {
			if state == StateEncryptedSession {
				s.Handshakes.RemoveSession(peerID)
				if transporterr.Is(err, transporterr.CodeAuthFailure) {
					s.Observer.AuthFailure()
				}
			}
			if errors.Is(err, io.EOF) {
				s.emit(Event{Kind: EventDisconnected, PeerID: peerID})
			} else {
				s.emit(Event{Kind: EventDisconnected, PeerID: peerID, Err: err})
			}
			return
		}
		if state == StateEncryptedSession && !isEncryptedSessionFrame(frameType) {
			s.Handshakes.RemoveSession(peerID)
			s.Logger.Printf("security-error: peer=%s sent disallowed frame type %d in ENCRYPTED_SESSION", peerID, frameType)
			s.emit(Event{Kind: EventSecurityError, PeerID: peerID, Type: frameType, Err: errFrameNotPermitted})
			s.emit(Event{Kind: EventDisconnected, PeerID: peerID, Err: errFrameNotPermitted})
			return
		}
		s.emit(Event{Kind: EventMessage, PeerID: peerID, Type: mt, Payload: payload, Chan: ch})
	}
}

// isEncryptedSessionFrame reports whether a raw wire-level frame type is
// permitted once a connection has reached ENCRYPTED_SESSION. Per design,
// the closed set there is exactly ENCRYPTED_MESSAGE (every control message
// the session exchanges goes through the AEAD envelope), FILE_STREAM_INIT
// and FILE_DATA (the file-transfer path, keyed off its own per-transfer
// stream cipher rather than the control-message AEAD), and HEARTBEAT. Any
// other frame type reaching this state is a protocol violation, not a
// message this peer is simply unprepared for.
func isEncryptedSessionFrame(frameType wire.MessageType) bool {
	switch frameType {
	case wire.MsgEncryptedMsg, wire.MsgFileStreamInit, wire.MsgFileData, wire.MsgHeartbeat:
		return true
	default:
		return false
	}
}

var (
	errUnexpectedFirstFrame = errors.New("server: unexpected first frame type")
	errUnexpectedPlaintext  = errors.New("server: plaintext legacy hello rejected")
	errFrameNotPermitted    = errors.New("server: frame type not permitted in ENCRYPTED_SESSION")
)

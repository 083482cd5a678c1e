// Package handshake drives the anonymous ECDH key exchange that turns a
// fresh connection into an encrypted session, and owns the registries of
// in-flight and completed exchanges.
package handshake

import (
	"sync"

	"github.com/floegence/lanshare/crypto/e2ee"
	"github.com/floegence/lanshare/transporterr"
)

// Manager holds per-peer handshake state: ephemeral keypairs awaiting a
// response, and derived sessions once a handshake completes.
//
// Both maps live behind one RWMutex. CompleteHandshake and FinalizeHandshake
// remove a peer's pending keypair before installing its session. A new
// InitiateHandshake or HandleHelloSecure for a peer that already has a
// session records a pending keypair next to it, so the same peer id can be
// present in both maps until that handshake completes.
type Manager struct {
	mu       sync.RWMutex
	pending  map[string]*e2ee.Keypair
	sessions map[string]*e2ee.Session
}

// NewManager returns an empty Manager.
func NewManager() *Manager {
	return &Manager{
		pending:  make(map[string]*e2ee.Keypair),
		sessions: make(map[string]*e2ee.Session),
	}
}

// InitiateHandshake generates an ephemeral keypair for peerID, records it as
// pending, and returns the HELLO_SECURE message to send.
//
// Calling it again for the same peerID before completion replaces the
// pending keypair; the previous one is discarded.
func (m *Manager) InitiateHandshake(selfDeviceID, peerID string) (HelloSecure, error) {
	kp, err := e2ee.GenerateKeypair()
	if err != nil {
		return HelloSecure{}, transporterr.Wrap(transporterr.StageHandshake, transporterr.CodeKeyDerivationFailed, err)
	}
	m.mu.Lock()
	m.pending[peerID] = kp
	m.mu.Unlock()
	return HelloSecure{DeviceID: selfDeviceID, PublicKey: kp.PublicBytes()}, nil
}

// HandleHelloSecure is the responder's side of step one: given an incoming
// HELLO_SECURE, it generates its own ephemeral keypair, records it as
// pending under the peer's device id (the session is not derived yet), and
// returns the HELLO_RESPONSE to send back. The peer's public key from hello
// is not consumed here; it is handed back to FinalizeHandshake once the
// response has actually gone out, so a response that never reaches the wire
// never leaves a session installed.
func (m *Manager) HandleHelloSecure(selfDeviceID string, hello HelloSecure) (HelloResponse, error) {
	kp, err := e2ee.GenerateKeypair()
	if err != nil {
		return HelloResponse{}, transporterr.Wrap(transporterr.StageHandshake, transporterr.CodeKeyDerivationFailed, err)
	}
	m.mu.Lock()
	m.pending[hello.DeviceID] = kp
	m.mu.Unlock()
	return HelloResponse{DeviceID: selfDeviceID, PublicKey: kp.PublicBytes(), Accepted: true}, nil
}

// CompleteHandshake is the initiator's side: given the responder's
// HELLO_RESPONSE, it looks up the pending keypair drawn by InitiateHandshake,
// consumes it against the responder's public key, and stores the resulting
// session.
//
// It returns transporterr with CodeNoPendingHandshake if no InitiateHandshake
// call for resp.DeviceID is outstanding (already completed or never started).
// A second InitiateHandshake for the same peer does not cause that error: it
// replaces the pending keypair, and a response to the first one is then
// consumed against the replacement.
func (m *Manager) CompleteHandshake(resp HelloResponse) (*e2ee.Session, error) {
	if !resp.Accepted {
		return nil, transporterr.Wrap(transporterr.StageHandshake, transporterr.CodeHandshakeRejected, nil)
	}
	m.mu.Lock()
	kp, ok := m.pending[resp.DeviceID]
	if ok {
		delete(m.pending, resp.DeviceID)
	}
	m.mu.Unlock()
	if !ok {
		return nil, transporterr.Wrap(transporterr.StageHandshake, transporterr.CodeNoPendingHandshake, nil)
	}

	session, err := e2ee.FromECDH(kp, resp.PublicKey)
	if err != nil {
		return nil, transporterr.Wrap(transporterr.StageHandshake, transporterr.CodeKeyDerivationFailed, err)
	}

	m.mu.Lock()
	m.sessions[resp.DeviceID] = session
	m.mu.Unlock()
	return session, nil
}

// FinalizeHandshake is the responder's side of step two: called once the
// HELLO_RESPONSE built by HandleHelloSecure has actually been sent, it
// consumes the pending keypair recorded for peerID, derives the session
// against peerPublicKey (the initiator's public key, carried on the
// original HELLO_SECURE), and installs it.
//
// It returns transporterr with CodeNoPendingHandshake if no HandleHelloSecure
// call for peerID is outstanding.
func (m *Manager) FinalizeHandshake(peerID string, peerPublicKey []byte) (*e2ee.Session, error) {
	m.mu.Lock()
	kp, ok := m.pending[peerID]
	if ok {
		delete(m.pending, peerID)
	}
	m.mu.Unlock()
	if !ok {
		return nil, transporterr.Wrap(transporterr.StageHandshake, transporterr.CodeNoPendingHandshake, nil)
	}

	session, err := e2ee.FromECDH(kp, peerPublicKey)
	if err != nil {
		return nil, transporterr.Wrap(transporterr.StageHandshake, transporterr.CodeKeyDerivationFailed, err)
	}

	m.mu.Lock()
	m.sessions[peerID] = session
	m.mu.Unlock()
	return session, nil
}

// Session returns the completed session for peerID, if any.
func (m *Manager) Session(peerID string) (*e2ee.Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[peerID]
	return s, ok
}

// HasSession reports whether peerID has a completed session.
func (m *Manager) HasSession(peerID string) bool {
	_, ok := m.Session(peerID)
	return ok
}

// PendingCount returns the number of handshakes awaiting completion.
func (m *Manager) PendingCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.pending)
}

// SessionCount returns the number of completed sessions.
func (m *Manager) SessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// RemoveSession discards any completed session and any pending keypair for
// peerID. Callers must invoke this whenever a message fails to decrypt under
// that peer's session: per design, a single AEAD auth failure invalidates the
// session outright rather than being tolerated as a one-off.
func (m *Manager) RemoveSession(peerID string) {
	m.mu.Lock()
	delete(m.sessions, peerID)
	delete(m.pending, peerID)
	m.mu.Unlock()
}

// ClearAll discards every pending keypair and completed session.
func (m *Manager) ClearAll() {
	m.mu.Lock()
	m.pending = make(map[string]*e2ee.Keypair)
	m.sessions = make(map[string]*e2ee.Session)
	m.mu.Unlock()
}

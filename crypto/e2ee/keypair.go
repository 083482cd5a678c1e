// Package e2ee implements the cryptographic core of the secure channel: the
// ephemeral ECDH handshake primitives, the per-session key schedule, the
// control-message AEAD, and the file-stream cipher.
//
// None of the types here authenticate device identity; the handshake is
// anonymous X25519 ECDH. Impersonation and cross-session replay are out of
// scope by design (see the module's design notes).
package e2ee

import (
	"crypto/ecdh"
	"crypto/rand"
	"errors"
)

// ErrKeyConsumed is returned by ECDH when the keypair's secret has already
// been used to derive a shared secret.
//
// A Keypair's secret is move-only: it is destroyed the instant the ECDH step
// consumes it, so it can never be observed a second time.
var ErrKeyConsumed = errors.New("e2ee: ephemeral secret already consumed")

// Keypair is an ephemeral X25519 keypair created at the start of a handshake
// and destroyed the moment its secret is consumed by ECDH.
type Keypair struct {
	priv *ecdh.PrivateKey
	pub  [32]byte
}

// GenerateKeypair creates a fresh ephemeral X25519 keypair from a
// cryptographic RNG.
func GenerateKeypair() (*Keypair, error) {
	priv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	var pub [32]byte
	copy(pub[:], priv.PublicKey().Bytes())
	return &Keypair{priv: priv, pub: pub}, nil
}

// PublicBytes returns the 32-byte encoding of the keypair's public key.
//
// It remains available after the secret has been consumed.
func (k *Keypair) PublicBytes() []byte {
	out := make([]byte, 32)
	copy(out, k.pub[:])
	return out
}

// ECDH consumes the keypair's secret against peerPublic and returns the
// 32-byte shared secret.
//
// Calling ECDH a second time on the same Keypair returns ErrKeyConsumed: the
// secret is taken out of the Keypair on first use.
func (k *Keypair) ECDH(peerPublic []byte) ([]byte, error) {
	if k.priv == nil {
		return nil, ErrKeyConsumed
	}
	peer, err := ecdh.X25519().NewPublicKey(peerPublic)
	if err != nil {
		return nil, err
	}
	secret, err := k.priv.ECDH(peer)
	if err != nil {
		return nil, err
	}
	k.priv = nil // the secret is never observed again after this point.
	return secret, nil
}

package e2ee

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"

	"github.com/floegence/lanshare/internal/hkdf"
)

var (
	// ErrAuthFailure covers every AEAD decryption failure uniformly: bad
	// base64, wrong nonce/tag length, or a genuine tag mismatch. Callers
	// must not branch on sub-cases.
	ErrAuthFailure = errors.New("e2ee: message authentication failed")
	// ErrMessageTooLarge signals a plaintext over the 1 MiB bound.
	ErrMessageTooLarge = errors.New("e2ee: message too large")
	// ErrBadIVLength signals a stream cipher IV that is not 16 bytes.
	ErrBadIVLength = errors.New("e2ee: bad iv length")
)

const (
	messageNonceSize = 12
	messageTagSize   = 16
	// MaxMessagePlaintext is the cap on a control message's plaintext before encryption.
	MaxMessagePlaintext = 1 << 20
)

// Session is the post-handshake bundle of derived keys authorizing a peer's
// encrypted messages and file streams.
//
// message_key and file_key are distinct by construction (HKDF with distinct
// info strings); keys never leave process memory or touch disk.
type Session struct {
	SharedSecret [32]byte
	MessageKey   [32]byte
	FileKey      [32]byte
}

// FromECDH derives a Session from a consumed ECDH shared secret and a peer's
// public key, per the "msg-key" / "file-key" HKDF-SHA256 expansion with no
// salt.
func FromECDH(ourSecret *Keypair, peerPublic []byte) (*Session, error) {
	shared, err := ourSecret.ECDH(peerPublic)
	if err != nil {
		return nil, err
	}
	return deriveSession(shared)
}

func deriveSession(sharedSecret []byte) (*Session, error) {
	prk := hkdf.ExtractSHA256(nil, sharedSecret)
	msgKey, err := hkdf.ExpandSHA256(prk, []byte("msg-key"), 32)
	if err != nil {
		return nil, err
	}
	fileKey, err := hkdf.ExpandSHA256(prk, []byte("file-key"), 32)
	if err != nil {
		return nil, err
	}
	s := &Session{}
	copy(s.SharedSecret[:], sharedSecret)
	copy(s.MessageKey[:], msgKey)
	copy(s.FileKey[:], fileKey)
	return s, nil
}

// EncryptedMessage is the AEAD-protected envelope for a control message.
//
// Tag travels separately from Payload for protocol clarity, per spec, but
// both are required together to decrypt.
type EncryptedMessage struct {
	Payload []byte
	Nonce   [messageNonceSize]byte
	Tag     [messageTagSize]byte
}

// EncryptMessage seals plaintext under the session's message_key with a
// freshly drawn random nonce.
func (s *Session) EncryptMessage(plaintext []byte) (*EncryptedMessage, error) {
	if len(plaintext) > MaxMessagePlaintext {
		return nil, ErrMessageTooLarge
	}
	aead, err := newAESGCM(s.MessageKey)
	if err != nil {
		return nil, err
	}
	var nonce [messageNonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, err
	}
	sealed := aead.Seal(nil, nonce[:], plaintext, nil)
	if len(sealed) < messageTagSize {
		return nil, ErrAuthFailure
	}
	ct := sealed[:len(sealed)-messageTagSize]
	var tag [messageTagSize]byte
	copy(tag[:], sealed[len(sealed)-messageTagSize:])
	return &EncryptedMessage{Payload: ct, Nonce: nonce, Tag: tag}, nil
}

// DecryptMessage opens an EncryptedMessage under the session's message_key.
//
// Any malformed input (wrong nonce/tag size would be a caller bug; here we
// only see already-sized fields) or AEAD tag failure returns ErrAuthFailure,
// never a more specific error.
func (s *Session) DecryptMessage(m *EncryptedMessage) ([]byte, error) {
	aead, err := newAESGCM(s.MessageKey)
	if err != nil {
		return nil, ErrAuthFailure
	}
	sealed := make([]byte, 0, len(m.Payload)+messageTagSize)
	sealed = append(sealed, m.Payload...)
	sealed = append(sealed, m.Tag[:]...)
	plain, err := aead.Open(nil, m.Nonce[:], sealed, nil)
	if err != nil {
		return nil, ErrAuthFailure
	}
	return plain, nil
}

// CreateFileEncryptor returns a StreamCipher seeded with the session's
// file_key and a freshly drawn IV. The IV must travel to the peer before any
// encrypted data.
func (s *Session) CreateFileEncryptor() (*StreamCipher, []byte, error) {
	iv := make([]byte, streamIVSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, nil, err
	}
	sc, err := newStreamCipher(s.FileKey, iv)
	if err != nil {
		return nil, nil, err
	}
	return sc, iv, nil
}

// CreateFileDecryptor returns a StreamCipher seeded with the session's
// file_key and the peer-supplied IV.
func (s *Session) CreateFileDecryptor(iv []byte) (*StreamCipher, error) {
	return newStreamCipher(s.FileKey, iv)
}

func newAESGCM(key [32]byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Package defaults centralizes the protocol's tunable constants so every
// component (client pool, server, transfer engine) agrees on the same
// timeouts and size limits without importing one another.
package defaults

import "time"

const (
	// ConnectTimeout bounds a single TCP dial attempt.
	ConnectTimeout = 5 * time.Second
	// HandshakeTimeout bounds the client pool's ECDH handshake exchange. The
	// server bounds the wait for a connection's first frame with IdleTimeout.
	HandshakeTimeout = 10 * time.Second
	// IdleTimeout is the maximum gap between frames on an established connection.
	IdleTimeout = 120 * time.Second
	// KeepAlivePeriod is the TCP keep-alive probe interval applied to pooled sockets.
	KeepAlivePeriod = 30 * time.Second

	// SocketBufferBytes is the requested (best-effort) send/receive socket buffer size.
	SocketBufferBytes = 4 << 20 // 4 MiB

	// MaxFramePayloadBytes is the hard cap on a single frame's payload.
	MaxFramePayloadBytes = 100 << 20 // 100 MiB
	// MaxMessagePlaintextBytes is the hard cap on a control message's plaintext before encryption.
	MaxMessagePlaintextBytes = 1 << 20 // 1 MiB
	// MaxHandshakePayloadBytes is a size figure for HELLO_SECURE / HELLO_RESPONSE
	// JSON payloads. The handshake code does not check it; those frames are
	// bounded only by MaxFramePayloadBytes.
	MaxHandshakePayloadBytes = 8 << 10 // 8 KiB

	// FileChunkBytes is the chunk size used by the file transfer engine.
	FileChunkBytes = 256 << 10 // 256 KiB
	// StreamBufferBytes is the recommended buffer size for stream encryption.
	StreamBufferBytes = 256 << 10 // 256 KiB

	// MaxConcurrentTransfers is the admission cap on simultaneously active transfers.
	MaxConcurrentTransfers = 3
)

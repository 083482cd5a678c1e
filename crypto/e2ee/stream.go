package e2ee

import (
	"crypto/aes"
	"crypto/cipher"
)

const streamIVSize = 16

// StreamCipher applies an AES-256-CTR keystream in place.
//
// It is stateful (the counter advances with every call to Apply) and MUST be
// used strictly sequentially for a given stream; concurrent use is undefined.
// Unlike the message AEAD, individual chunks encrypted this way are not
// authenticated — integrity for a file stream is checked once, end to end,
// via a whole-file checksum (see the transfer engine).
type StreamCipher struct {
	stream cipher.Stream
}

func newStreamCipher(key [32]byte, iv []byte) (*StreamCipher, error) {
	if len(iv) != streamIVSize {
		return nil, ErrBadIVLength
	}
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	return &StreamCipher{stream: cipher.NewCTR(block, iv)}, nil
}

// Apply XORs the keystream into buf in place, advancing the cipher's counter.
func (c *StreamCipher) Apply(buf []byte) {
	c.stream.XORKeyStream(buf, buf)
}

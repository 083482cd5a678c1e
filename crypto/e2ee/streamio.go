package e2ee

import "io"

// DefaultStreamBufferSize is the recommended buffer size for StreamEncryptor
// and StreamDecryptor.
const DefaultStreamBufferSize = 256 << 10

// StreamEncryptor repeatedly reads from a plaintext reader, applies the
// stream cipher in place, and writes ciphertext to w.
type StreamEncryptor struct {
	cipher     *StreamCipher
	bufferSize int
}

// NewStreamEncryptor builds a StreamEncryptor from the session's file_key and
// returns it along with the freshly drawn IV that must reach the peer before
// any ciphertext.
func (s *Session) NewStreamEncryptor(bufferSize int) (*StreamEncryptor, []byte, error) {
	sc, iv, err := s.CreateFileEncryptor()
	if err != nil {
		return nil, nil, err
	}
	if bufferSize <= 0 {
		bufferSize = DefaultStreamBufferSize
	}
	return &StreamEncryptor{cipher: sc, bufferSize: bufferSize}, iv, nil
}

// EncryptStream copies r to w, encrypting each chunk in place before writing.
// EOF on r terminates the loop after a final flush of w, when w has a
// Flush() error method.
func (e *StreamEncryptor) EncryptStream(w io.Writer, r io.Reader) error {
	buf := make([]byte, e.bufferSize)
	for {
		n, readErr := r.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			e.cipher.Apply(chunk)
			if _, err := w.Write(chunk); err != nil {
				return err
			}
		}
		if readErr == io.EOF {
			if f, ok := w.(interface{ Flush() error }); ok {
				return f.Flush()
			}
			return nil
		}
		if readErr != nil {
			return readErr
		}
	}
}

// StreamDecryptor mirrors StreamEncryptor for the receive side.
type StreamDecryptor struct {
	cipher     *StreamCipher
	bufferSize int
}

// NewStreamDecryptor builds a StreamDecryptor from the session's file_key and
// the peer-supplied IV.
func (s *Session) NewStreamDecryptor(iv []byte, bufferSize int) (*StreamDecryptor, error) {
	sc, err := s.CreateFileDecryptor(iv)
	if err != nil {
		return nil, err
	}
	if bufferSize <= 0 {
		bufferSize = DefaultStreamBufferSize
	}
	return &StreamDecryptor{cipher: sc, bufferSize: bufferSize}, nil
}

// DecryptStream copies r to w, decrypting each chunk in place before writing.
func (d *StreamDecryptor) DecryptStream(w io.Writer, r io.Reader) error {
	buf := make([]byte, d.bufferSize)
	for {
		n, readErr := r.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			d.cipher.Apply(chunk)
			if _, err := w.Write(chunk); err != nil {
				return err
			}
		}
		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			return readErr
		}
	}
}

// Package wire implements the length-prefixed, typed frame codec that every
// byte leaving or entering the transport passes through.
//
// Wire layout:
//
//	payload length (u32 BE) | msg_type (u8) | payload (length bytes)
package wire

import (
	"errors"
	"io"

	"github.com/floegence/lanshare/internal/bin"
	"github.com/floegence/lanshare/internal/defaults"
)

// MessageType identifies the frame's payload kind. The set is closed; any
// other value fails encoding and decoding with ErrUnknownMessageType.
type MessageType uint8

const (
	MsgHello          MessageType = 0x01 // plaintext legacy, JSON
	MsgTextMessage    MessageType = 0x02 // plaintext legacy, JSON
	MsgFileRequest    MessageType = 0x03 // JSON
	MsgFileData       MessageType = 0x04 // binary header + raw bytes
	MsgFileAck        MessageType = 0x05 // JSON
	MsgFileComplete   MessageType = 0x06 // JSON
	MsgFileCancel     MessageType = 0x07 // JSON
	MsgFileReject     MessageType = 0x08 // JSON
	MsgHeartbeat      MessageType = 0x09 // JSON
	MsgError          MessageType = 0x0A // JSON
	MsgHelloSecure    MessageType = 0x10 // JSON, carries ephemeral public key
	MsgHelloResponse  MessageType = 0x11 // JSON, carries ephemeral public key + accepted
	MsgEncryptedMsg   MessageType = 0x12 // JSON envelope of AEAD ciphertext
	MsgFileStreamInit MessageType = 0x13 // JSON (transfer_id, iv); the file size travels only in FILE_REQUEST
)

// IsKnown reports whether t is a member of the closed message-type set.
func (t MessageType) IsKnown() bool {
	switch t {
	case MsgHello, MsgTextMessage, MsgFileRequest, MsgFileData, MsgFileAck,
		MsgFileComplete, MsgFileCancel, MsgFileReject, MsgHeartbeat, MsgError,
		MsgHelloSecure, MsgHelloResponse, MsgEncryptedMsg, MsgFileStreamInit:
		return true
	default:
		return false
	}
}

const headerLen = 4 + 1 // u32 length + u8 type

var (
	// ErrOversizedFrame signals a payload (or claimed payload) over the 100 MiB bound.
	ErrOversizedFrame = errors.New("wire: oversized frame")
	// ErrUnknownMessageType signals a type byte outside the closed set.
	ErrUnknownMessageType = errors.New("wire: unknown message type")
)

// Frame is the decoded unit of the wire protocol.
type Frame struct {
	Type    MessageType
	Payload []byte
}

// Encode writes f to w as a length-prefixed, typed frame.
//
// It returns ErrUnknownMessageType if f.Type is outside the closed set, or
// ErrOversizedFrame if len(f.Payload) exceeds the protocol bound, without
// writing any bytes.
func Encode(w io.Writer, f Frame) error {
	if !f.Type.IsKnown() {
		return ErrUnknownMessageType
	}
	if len(f.Payload) > defaults.MaxFramePayloadBytes {
		return ErrOversizedFrame
	}
	hdr := make([]byte, headerLen)
	bin.PutU32BE(hdr[:4], uint32(len(f.Payload)))
	hdr[4] = byte(f.Type)
	if _, err := w.Write(hdr); err != nil {
		return err
	}
	if len(f.Payload) == 0 {
		return nil
	}
	_, err := w.Write(f.Payload)
	return err
}

// Decode reads one frame from r.
//
// A short read (including a clean EOF exactly at a frame boundary) surfaces
// the underlying io.ReadFull error unchanged so callers can distinguish a
// graceful disconnect (io.EOF before any header bytes) from a truncated
// frame (io.ErrUnexpectedEOF).
func Decode(r io.Reader) (Frame, error) {
	hdr := make([]byte, headerLen)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return Frame{}, err
	}
	n := bin.U32BE(hdr[:4])
	if n > defaults.MaxFramePayloadBytes {
		return Frame{}, ErrOversizedFrame
	}
	mt := MessageType(hdr[4])
	if !mt.IsKnown() {
		return Frame{}, ErrUnknownMessageType
	}
	payload := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Frame{}, err
		}
	}
	return Frame{Type: mt, Payload: payload}, nil
}

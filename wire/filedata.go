package wire

import (
	"errors"

	"github.com/floegence/lanshare/internal/bin"
)

// ErrBadFileDataHeader signals a FILE_DATA payload too short to contain a header,
// or a transfer_id_len that does not fit in the remaining bytes.
var ErrBadFileDataHeader = errors.New("wire: bad file data header")

// FileDataHeader is the compact binary header prefixed to a FILE_DATA frame's
// payload, before the raw chunk bytes:
//
//	transfer_id_len (u8) | transfer_id (that many UTF-8 bytes) | offset (u64 BE) | chunk_size (u32 BE)
type FileDataHeader struct {
	TransferID string
	Offset     uint64
	ChunkSize  uint32
}

// EncodeFileData builds a FILE_DATA payload from a header and the raw chunk bytes.
func EncodeFileData(h FileDataHeader, chunk []byte) ([]byte, error) {
	if len(h.TransferID) > 255 {
		return nil, ErrBadFileDataHeader
	}
	out := make([]byte, 0, 1+len(h.TransferID)+8+4+len(chunk))
	out = append(out, byte(len(h.TransferID)))
	out = append(out, h.TransferID...)
	var be8 [8]byte
	bin.PutU64BE(be8[:], h.Offset)
	out = append(out, be8[:]...)
	var be4 [4]byte
	bin.PutU32BE(be4[:], h.ChunkSize)
	out = append(out, be4[:]...)
	out = append(out, chunk...)
	return out, nil
}

// DecodeFileData splits a FILE_DATA payload into its header and raw chunk bytes.
//
// The returned chunk aliases payload; callers that retain it past the next
// read must copy it.
func DecodeFileData(payload []byte) (FileDataHeader, []byte, error) {
	if len(payload) < 1 {
		return FileDataHeader{}, nil, ErrBadFileDataHeader
	}
	idLen := int(payload[0])
	need := 1 + idLen + 8 + 4
	if len(payload) < need {
		return FileDataHeader{}, nil, ErrBadFileDataHeader
	}
	id := string(payload[1 : 1+idLen])
	offset := bin.U64BE(payload[1+idLen : 1+idLen+8])
	chunkSize := bin.U32BE(payload[1+idLen+8 : 1+idLen+8+4])
	chunk := payload[need:]
	if uint32(len(chunk)) != chunkSize {
		return FileDataHeader{}, nil, ErrBadFileDataHeader
	}
	return FileDataHeader{TransferID: id, Offset: offset, ChunkSize: chunkSize}, chunk, nil
}

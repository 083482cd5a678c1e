// Package transporterr defines the closed, structured error taxonomy for the
// transport core. Every user-visible failure carries a stable Code so callers
// (the event stream, the command layer) can branch on identity rather than on
// error strings.
package transporterr

import "fmt"

// Stage identifies which layer of the stack raised the error.
type Stage string

const (
	StageFrame     Stage = "frame"
	StageCrypto    Stage = "crypto"
	StageHandshake Stage = "handshake"
	StagePool      Stage = "pool"
	StageSession   Stage = "session"
	StageTransfer  Stage = "transfer"
)

// Code is a stable, programmatic error identifier for user-facing operations.
type Code string

const (
	// Protocol
	CodeOversizedFrame        Code = "oversized_frame"
	CodeUnknownMessageType    Code = "unknown_message_type"
	CodeUnexpectedMessageType Code = "unexpected_message_type"
	CodeBadJSON               Code = "bad_json"
	CodeBadBinaryHeader       Code = "bad_binary_header"

	// Crypto
	CodeHandshakeRejected   Code = "handshake_rejected"
	CodeNoPendingHandshake  Code = "no_pending_handshake"
	CodeKeyDerivationFailed Code = "key_derivation_failed"
	CodeAuthFailure         Code = "auth_failure"
	CodeBadKeyLength        Code = "bad_key_length"

	// Transport
	CodeConnectTimeout Code = "connect_timeout"
	CodeConnectRefused Code = "connect_refused"
	CodeSendFailed     Code = "send_failed"
	CodeReadFailed     Code = "read_failed"
	CodeIdleTimeout    Code = "idle_timeout"

	// Transfer
	CodeFileNotFound          Code = "file_not_found"
	CodeTransferNotFound      Code = "transfer_not_found"
	CodeWrongTransferState    Code = "wrong_transfer_state"
	CodeChecksumMismatch      Code = "checksum_mismatch"
	CodeTooManyActiveTransfer Code = "too_many_active_transfers"

	// Misc / validation
	CodeInvalidInput    Code = "invalid_input"
	CodeMessageTooLarge Code = "message_too_large"
)

// Error is a structured, programmatically identifiable error.
//
// No cryptographic detail (tag bytes, offsets, key material) is ever placed
// in Err or in the formatted message; callers must not branch on anything
// but Code.
type Error struct {
	Stage Stage
	Code  Code
	Err   error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s (%s): %v", e.Stage, e.Code, e.Err)
	}
	return fmt.Sprintf("%s (%s)", e.Stage, e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap builds a structured Error for the given stage/code, preserving err for
// Unwrap-based inspection by tests and callers that need errors.Is/As.
func Wrap(stage Stage, code Code, err error) error {
	return &Error{Stage: stage, Code: code, Err: err}
}

// Is reports whether err is a transporterr.Error with the given code.
func Is(err error, code Code) bool {
	var te *Error
	if e, ok := err.(*Error); ok {
		te = e
	} else {
		return false
	}
	return te.Code == code
}

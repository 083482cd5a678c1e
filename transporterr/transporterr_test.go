package transporterr

import (
	"errors"
	"testing"
)

func TestErrorFormatting(t *testing.T) {
	base := errors.New("boom")
	err := Wrap(StageCrypto, CodeAuthFailure, base)

	if got := err.Error(); got == "" {
		t.Fatalf("expected non-empty error string")
	}
	if !errors.Is(err, base) {
		t.Fatalf("expected Unwrap to expose base error")
	}
	if !Is(err, CodeAuthFailure) {
		t.Fatalf("expected Is to match CodeAuthFailure")
	}
	if Is(err, CodeSendFailed) {
		t.Fatalf("did not expect Is to match unrelated code")
	}
}

func TestErrorWithoutCause(t *testing.T) {
	err := Wrap(StageFrame, CodeOversizedFrame, nil)
	if got := err.Error(); got == "" {
		t.Fatalf("expected non-empty error string")
	}
	var te *Error
	if !errors.As(err, &te) {
		t.Fatalf("expected errors.As to succeed")
	}
	if te.Unwrap() != nil {
		t.Fatalf("expected nil Unwrap for causeless error")
	}
}

func TestNilErrorString(t *testing.T) {
	var err *Error
	if got := err.Error(); got != "<nil>" {
		t.Fatalf("got %q, want <nil>", got)
	}
}

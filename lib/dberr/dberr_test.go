package dberr

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsMatchesByCode(t *testing.T) {
	err := Newf(CodeNotFound, "document %d not found", 7)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected %v to match ErrNotFound", err)
	}
	if errors.Is(err, ErrRevisionMismatch) {
		t.Errorf("did not expect %v to match ErrRevisionMismatch", err)
	}
}

func TestWrappedCauseIsVisible(t *testing.T) {
	cause := New(CodeRevisionMismatch, "stale revision")
	err := Wrap(CodeTransactionAborted, cause, "commit failed")

	if !errors.Is(err, ErrTransactionAborted) {
		t.Error("expected ErrTransactionAborted")
	}
	if !errors.Is(err, ErrRevisionMismatch) {
		t.Error("expected the cause to match ErrRevisionMismatch")
	}

	// wrapping with fmt keeps the chain intact
	outer := fmt.Errorf("request: %w", err)
	if CodeOf(outer) != CodeTransactionAborted {
		t.Errorf("expected code TransactionAborted, got %s", CodeOf(outer))
	}
}

func TestCodeOf(t *testing.T) {
	if CodeOf(nil) != CodeSuccess {
		t.Error("nil error should map to CodeSuccess")
	}
	if CodeOf(errors.New("boom")) != CodeInternal {
		t.Error("foreign errors should map to CodeInternal")
	}
	if Code(999).String() != "Unknown" {
		t.Error("unknown codes should print as Unknown")
	}
}

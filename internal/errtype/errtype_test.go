package errtype

import (
	"errors"
	"testing"
)

func TestWrapAndIs(t *testing.T) {
	base := errors.New("boom")
	err := Wrap(Transient, base, "dial peer")
	if !Is(err, Transient) {
		t.Fatalf("expected Transient classification")
	}
	if Is(err, Fatal) {
		t.Fatalf("did not expect Fatal classification")
	}
	if !errors.Is(err, base) {
		t.Fatalf("expected unwrap chain to reach base error")
	}
}

func TestWrapNil(t *testing.T) {
	if Wrap(Transient, nil, "x") != nil {
		t.Fatalf("expected nil passthrough")
	}
}

func TestAs(t *testing.T) {
	err := New(ProtocolViolation, "bad vote")
	kind, ok := As(err)
	if !ok || kind != ProtocolViolation {
		t.Fatalf("expected ProtocolViolation, got %v ok=%v", kind, ok)
	}
}

package errors

import (
	"context"
	"testing"
)

var errSentinel = New("store: storage fault")

func TestWrap(t *testing.T) {
	err := Wrap(errWrapped, "Hello, Wrapped!")
	if err.Error() != "Hello, Wrapped!, err: disk I/O error" {
		t.Fatalf("error mismatch: %+v", err)
	}
	if !Is(err, errWrapped) {
		t.Fatalf("wrapped error should match cause")
	}
	if Wrap(nil, "nothing") != nil {
		t.Fatalf("wrap nil should stay nil")
	}
}

func TestWrapf(t *testing.T) {
	err := Wrapf(errWrapped, "append %s", "NQU25-CME")
	if err.Error() != "append NQU25-CME, err: disk I/O error" {
		t.Fatalf("error mismatch: %+v", err)
	}
}

func TestMark(t *testing.T) {
	err := Mark(context.DeadlineExceeded, errSentinel)
	if err.Error() != "store: storage fault, err: context deadline exceeded" {
		t.Fatalf("error mismatch: %+v", err)
	}
	if !Is(err, errSentinel) {
		t.Fatalf("marked error should match sentinel")
	}
	if !Is(err, context.DeadlineExceeded) {
		t.Fatalf("marked error should match cause")
	}
	if again := Mark(err, errSentinel); again != err {
		t.Fatalf("marking twice should be a no-op")
	}
}

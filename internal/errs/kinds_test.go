package errs

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestTypedErrors_UnwrapToSentinels(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err  error
		want error
	}{
		{&DeviceCapError{N: 2, Max: 2}, ErrDeviceCap},
		{&LockedError{Until: time.Now()}, ErrLocked},
		{&BadPasswordError{Remaining: 1}, ErrBadPassword},
		{&WeakPasswordError{Rule: "digit"}, ErrWeakPassword},
		{&PolicyDeniedError{Policy: "max_devices"}, ErrPolicyDenied},
		{&TransientError{Op: "get", Err: errors.New("io")}, ErrTransient},
	}
	for _, c := range cases {
		wrapped := fmt.Errorf("ctx: %w", c.err)
		if !errors.Is(wrapped, c.want) {
			t.Fatalf("%T does not unwrap to %v", c.err, c.want)
		}
	}
}

func TestTransient_PassesDomainKindsThrough(t *testing.T) {
	t.Parallel()

	if err := Transient("op", nil); err != nil {
		t.Fatalf("nil must stay nil, got %v", err)
	}
	if err := Transient("op", ErrRevoked); err != ErrRevoked {
		t.Fatalf("domain sentinel must pass through, got %v", err)
	}
	capErr := &DeviceCapError{N: 1, Max: 1}
	if err := Transient("op", fmt.Errorf("x: %w", capErr)); !errors.Is(err, ErrDeviceCap) || IsTransient(err) {
		t.Fatalf("typed domain error must pass through, got %v", err)
	}

	io := errors.New("connection reset")
	err := Transient("licenses.get", io)
	if !IsTransient(err) || !errors.Is(err, io) {
		t.Fatalf("want transient wrapping io error, got %v", err)
	}
	if !IsTransient(context.DeadlineExceeded) {
		t.Fatalf("deadline must be transient")
	}
}

func TestPublicMessage_MergesOracles(t *testing.T) {
	t.Parallel()

	if PublicMessage(ErrMalformedKey) != PublicMessage(ErrUnknownKey) {
		t.Fatalf("malformed and unknown keys must share a message")
	}
	creds := []error{ErrUnknownUser, &BadPasswordError{Remaining: 2}, ErrBad2FA}
	for _, e := range creds {
		if got := PublicMessage(e); got != "Invalid credentials." {
			t.Fatalf("PublicMessage(%v)=%q", e, got)
		}
	}
	if got := PublicMessage(&DeviceCapError{N: 2, Max: 2}); got != "Device limit reached (2 of 2)." {
		t.Fatalf("cap message=%q", got)
	}
	if got := PublicMessage(&WeakPasswordError{Rule: "must contain a digit"}); got != "Password is too weak: must contain a digit." {
		t.Fatalf("weak message=%q", got)
	}
}

func TestKind(t *testing.T) {
	t.Parallel()

	if Kind(&LockedError{}) != "Locked" {
		t.Fatalf("Locked kind")
	}
	if Kind(Transient("x", errors.New("y"))) != "TransientError" {
		t.Fatalf("Transient kind")
	}
	if Kind(errors.New("other")) != "Internal" {
		t.Fatalf("fallback kind")
	}
}

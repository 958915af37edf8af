package repository

import (
	"errors"
	"strings"
	"testing"

	"github.com/dlnk/licensecore/internal/errs"
	"github.com/dlnk/licensecore/internal/hwid"
)

var (
	hwA = strings.Repeat("a", 64)
	hwB = strings.Repeat("b", 64)
)

func TestDecideActivation(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		st   ActivationState
		req  ActivationRequest
		want ActivationDecision
		err  error
	}{
		{"first device binds", ActivationState{MaxDevices: 1}, ActivationRequest{HardwareID: hwA, AllowBind: true}, ActivationDecision{Insert: true, Bind: true}, nil},
		{"bound match touches", ActivationState{MaxDevices: 1, BoundHWID: hwA, Count: 1, Exists: true}, ActivationRequest{HardwareID: hwA}, ActivationDecision{Touch: true}, nil},
		{"legacy short binding at cap touches its row", ActivationState{MaxDevices: 1, BoundHWID: hwid.Short(hwA), Count: 1}, ActivationRequest{HardwareID: hwA}, ActivationDecision{Touch: true, TouchID: hwid.Short(hwA)}, nil},
		{"legacy short binding with free slot inserts", ActivationState{MaxDevices: 1, BoundHWID: hwid.Short(hwA)}, ActivationRequest{HardwareID: hwA}, ActivationDecision{Insert: true}, nil},
		{"issue-time binding inserts", ActivationState{MaxDevices: 1, BoundHWID: hwA}, ActivationRequest{HardwareID: hwA}, ActivationDecision{Insert: true}, nil},
		{"bound mismatch", ActivationState{MaxDevices: 1, BoundHWID: hwA, Count: 1}, ActivationRequest{HardwareID: hwB}, ActivationDecision{}, errs.ErrHardwareMismatch},
		{"unbound single refuses unbindable", ActivationState{MaxDevices: 1}, ActivationRequest{HardwareID: hwA}, ActivationDecision{}, errs.ErrHardwareMismatch},
		{"multi device free slot", ActivationState{MaxDevices: 2, Count: 1}, ActivationRequest{HardwareID: hwB}, ActivationDecision{Insert: true}, nil},
		{"multi device existing", ActivationState{MaxDevices: 2, Count: 2, Exists: true}, ActivationRequest{HardwareID: hwB}, ActivationDecision{Touch: true}, nil},
		{"multi device full", ActivationState{MaxDevices: 2, Count: 2}, ActivationRequest{HardwareID: hwB}, ActivationDecision{}, errs.ErrDeviceCap},
	}
	for _, c := range cases {
		got, err := DecideActivation(c.st, c.req)
		if c.err != nil {
			if !errors.Is(err, c.err) {
				t.Fatalf("%s: want %v, got %v", c.name, c.err, err)
			}
			continue
		}
		if err != nil || got != c.want {
			t.Fatalf("%s: got %+v, %v; want %+v", c.name, got, err, c.want)
		}
	}

	legacy := ActivationRequest{HardwareID: hwA}
	d, _ := DecideActivation(ActivationState{MaxDevices: 1, BoundHWID: hwid.Short(hwA), Count: 1}, legacy)
	if got := d.Target(legacy); got != hwid.Short(hwA) {
		t.Fatalf("legacy touch targets %q, want the stored short id", got)
	}
	if got := (ActivationDecision{Insert: true}).Target(legacy); got != hwA {
		t.Fatalf("insert targets %q, want the requested id", got)
	}

	var capErr *errs.DeviceCapError
	_, err := DecideActivation(ActivationState{MaxDevices: 2, Count: 2}, ActivationRequest{HardwareID: hwA})
	if !errors.As(err, &capErr) || capErr.N != 2 || capErr.Max != 2 {
		t.Fatalf("want DeviceCapError(2,2), got %v", err)
	}
}

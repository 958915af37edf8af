// Package limiter implements progressive login lockout.
//
// The calculator is pure; repositories persist State under a row lock so two
// concurrent failures cannot both decide not to lock.
package limiter

import (
	"time"

	"github.com/dlnk/licensecore/internal/policy"
)

// Policy configures lockout thresholds.
type Policy struct {
	MaxAttempts int
	Base        time.Duration
	Max         time.Duration
}

// FromPolicy extracts the lockout settings from the service policy.
func FromPolicy(p policy.Policy) Policy {
	return Policy{
		MaxAttempts: p.MaxAttempts,
		Base:        time.Duration(p.LockoutBaseMinutes) * time.Minute,
		Max:         time.Duration(p.LockoutMaxMinutes) * time.Minute,
	}
}

// State is the persisted failure envelope of one principal.
type State struct {
	FailedAttempts int
	LockoutCount   int
	LockedUntil    *time.Time
}

// Outcome describes the effect of one failed attempt.
type Outcome struct {
	Locked    bool
	Until     time.Time
	Remaining int
}

// Duration returns the length of the nth consecutive lockout: min(Base·2^(n-1), Max).
func (p Policy) Duration(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := p.Base
	for i := 1; i < n; i++ {
		if p.Max > 0 && d >= p.Max {
			break
		}
		d *= 2
	}
	if p.Max > 0 && d > p.Max {
		d = p.Max
	}
	return d
}

// LockedAt reports whether s is locked at now.
func (p Policy) LockedAt(s State, now time.Time) (time.Time, bool) {
	if s.LockedUntil != nil && now.Before(*s.LockedUntil) {
		return *s.LockedUntil, true
	}
	return time.Time{}, false
}

// Failure applies one failed attempt to s.
// A failure while locked does not count; a failure after a lock expired starts a new window.
func (p Policy) Failure(s State, now time.Time) (State, Outcome) {
	if until, ok := p.LockedAt(s, now); ok {
		return s, Outcome{Locked: true, Until: until}
	}
	if s.LockedUntil != nil {
		s.FailedAttempts = 0
		s.LockedUntil = nil
	}
	s.FailedAttempts++
	if s.FailedAttempts >= p.MaxAttempts {
		s.LockoutCount++
		until := now.Add(p.Duration(s.LockoutCount))
		s.LockedUntil = &until
		return s, Outcome{Locked: true, Until: until}
	}
	return s, Outcome{Remaining: p.MaxAttempts - s.FailedAttempts}
}

// Success returns the reset state.
func (p Policy) Success() State { return State{} }

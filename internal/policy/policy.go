// Package policy holds the table-driven issuance, lockout and session policy.
package policy

import (
	"sort"
	"time"

	"github.com/dlnk/licensecore/internal/model"
)

// Policy is pure data injected into the services at construction.
type Policy struct {
	FeaturesFor     map[model.LicenseType][]string
	DefaultDuration map[model.LicenseType]int // days
	MaxDevicesFor   map[model.LicenseType]int // ceiling for IssueRequest.MaxDevices
	IssuableBy      map[model.Role][]model.LicenseType

	MaxAttempts        int
	LockoutBaseMinutes int
	LockoutMaxMinutes  int

	SessionTTL        time.Duration
	OfflineGraceDays  int
	PasswordMinLength int
	ExpiringSoonDays  int
	ClockSkew         time.Duration
	RetentionDays     int
}

// Features returns a sorted copy of the feature set for t.
func (p Policy) Features(t model.LicenseType) []string {
	f := append([]string(nil), p.FeaturesFor[t]...)
	sort.Strings(f)
	return f
}

// Duration returns the default duration in days for t.
func (p Policy) Duration(t model.LicenseType) (int, bool) {
	d, ok := p.DefaultDuration[t]
	return d, ok
}

// MaxDevices returns the device ceiling for t, at least 1.
func (p Policy) MaxDevices(t model.LicenseType) int {
	if n := p.MaxDevicesFor[t]; n > 0 {
		return n
	}
	return 1
}

// CanIssue reports whether role may issue licenses of type t.
func (p Policy) CanIssue(role model.Role, t model.LicenseType) bool {
	for _, x := range p.IssuableBy[role] {
		if x == t {
			return true
		}
	}
	return false
}

// OfflineGrace returns the offline window as a duration.
func (p Policy) OfflineGrace() time.Duration {
	return time.Duration(p.OfflineGraceDays) * 24 * time.Hour
}

// Clone returns a deep copy so callers can override tables without touching the defaults.
func (p Policy) Clone() Policy {
	c := p
	c.FeaturesFor = make(map[model.LicenseType][]string, len(p.FeaturesFor))
	for k, v := range p.FeaturesFor {
		c.FeaturesFor[k] = append([]string(nil), v...)
	}
	c.DefaultDuration = make(map[model.LicenseType]int, len(p.DefaultDuration))
	for k, v := range p.DefaultDuration {
		c.DefaultDuration[k] = v
	}
	c.MaxDevicesFor = make(map[model.LicenseType]int, len(p.MaxDevicesFor))
	for k, v := range p.MaxDevicesFor {
		c.MaxDevicesFor[k] = v
	}
	c.IssuableBy = make(map[model.Role][]model.LicenseType, len(p.IssuableBy))
	for k, v := range p.IssuableBy {
		c.IssuableBy[k] = append([]model.LicenseType(nil), v...)
	}
	return c
}

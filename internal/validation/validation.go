// Package validation normalizes principals and checks passwords and hardware IDs.
package validation

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/dlnk/licensecore/internal/errs"
)

const (
	// MinUsernameLen is the minimum username length in runes.
	MinUsernameLen = 2
	// MaxUsernameLen is the maximum username length in runes.
	MaxUsernameLen = 64
)

var (
	fullHWID   = regexp.MustCompile(`^[0-9a-f]{64}$`)
	legacyHWID = regexp.MustCompile(`^[0-9A-F]{16}$`)
	emailRe    = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)
)

var folder = cases.Fold()

// Fold returns the NFKC-normalized, case-folded form used for storage and lookup.
func Fold(s string) string {
	return folder.String(norm.NFKC.String(strings.TrimSpace(s)))
}

// IsEmail reports whether a principal should be looked up by email.
func IsEmail(principal string) bool { return strings.Contains(principal, "@") }

// Username folds and validates a username.
func Username(raw string) (string, error) {
	u := Fold(raw)
	n := utf8.RuneCountInString(u)
	if n < MinUsernameLen || n > MaxUsernameLen {
		return "", fmt.Errorf("%w: username must be %d-%d characters", errs.ErrInvalidRequest, MinUsernameLen, MaxUsernameLen)
	}
	for _, r := range u {
		if unicode.IsSpace(r) || unicode.IsControl(r) || r == '@' {
			return "", fmt.Errorf("%w: username contains %q", errs.ErrInvalidRequest, r)
		}
	}
	return u, nil
}

// Email folds and validates an optional email; empty stays empty.
func Email(raw string) (string, error) {
	e := Fold(raw)
	if e == "" {
		return "", nil
	}
	if !emailRe.MatchString(e) {
		return "", fmt.Errorf("%w: malformed email", errs.ErrInvalidRequest)
	}
	return e, nil
}

// Password enforces the strength policy and names the first failing rule.
func Password(pw string, minLen int) error {
	if utf8.RuneCountInString(pw) < minLen {
		return &errs.WeakPasswordError{Rule: fmt.Sprintf("at least %d characters", minLen)}
	}
	var upper, lower, digit bool
	for _, r := range pw {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		}
	}
	switch {
	case !upper:
		return &errs.WeakPasswordError{Rule: "must contain an uppercase letter"}
	case !lower:
		return &errs.WeakPasswordError{Rule: "must contain a lowercase letter"}
	case !digit:
		return &errs.WeakPasswordError{Rule: "must contain a digit"}
	}
	return nil
}

// IsFullHWID reports whether id is a 64-char lowercase hex fingerprint.
func IsFullHWID(id string) bool { return fullHWID.MatchString(id) }

// IsLegacyHWID reports whether id is the 16-char uppercase legacy form.
func IsLegacyHWID(id string) bool { return legacyHWID.MatchString(id) }

// HWID accepts either form and rejects anything else.
func HWID(id string) error {
	if IsFullHWID(id) || IsLegacyHWID(id) {
		return nil
	}
	return fmt.Errorf("%w: hardware id must be 64 lowercase or 16 uppercase hex characters", errs.ErrInvalidRequest)
}

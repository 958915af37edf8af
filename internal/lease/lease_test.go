package lease

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/dlnk/licensecore/internal/model"
)

func testLicense(now time.Time) *model.License {
	return &model.License{
		ID:        uuid.Must(uuid.NewV4()),
		Key:       "DLNK-0A1B-2C3D-4E5F-6071",
		Type:      model.LicensePro,
		Features:  []string{"export", "sync"},
		ExpiresAt: now.Add(30 * 24 * time.Hour),
	}
}

func TestIssueVerify(t *testing.T) {
	t.Parallel()
	master := bytes.Repeat([]byte{7}, 32)
	s, err := NewSigner(master, 7*24*time.Hour)
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	hw := strings.Repeat("ab", 32)
	tok, err := s.Issue(testLicense(now), hw, now)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	c, err := Verify(s.PublicKey(), tok, hw, now.Add(time.Hour))
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if c.LicenseKey != "DLNK-0A1B-2C3D-4E5F-6071" || len(c.Features) != 2 {
		t.Fatalf("claims = %+v", c)
	}

	// client clock a few hours behind the issue time is tolerated
	if _, err := Verify(s.PublicKey(), tok, hw, now.Add(-3*time.Hour)); err != nil {
		t.Fatalf("leeway: %v", err)
	}
	if _, err := Verify(s.PublicKey(), tok, strings.ToUpper(hw[:16]), now); err == nil {
		t.Fatalf("short current ID must not match a full stored ID")
	}
}

func TestVerify_Rejects(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	s, _ := NewSigner(bytes.Repeat([]byte{1}, 32), 24*time.Hour)
	other, _ := NewSigner(bytes.Repeat([]byte{2}, 32), 24*time.Hour)
	hw := strings.Repeat("cd", 32)
	tok, err := s.Issue(testLicense(now), hw, now)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	cases := map[string]struct {
		tok string
		hw  string
		at  time.Time
		pub []byte
	}{
		"wrong key":     {tok, hw, now, other.PublicKey()},
		"expired":       {tok, hw, now.Add(49 * time.Hour), s.PublicKey()},
		"other machine": {tok, strings.Repeat("ef", 32), now, s.PublicKey()},
		"garbage":       {"not.a.jwt", hw, now, s.PublicKey()},
	}
	for name, tc := range cases {
		if _, err := Verify(tc.pub, tc.tok, tc.hw, tc.at); !errors.Is(err, ErrInvalid) {
			t.Errorf("%s: err = %v, want ErrInvalid", name, err)
		}
	}
}

func TestIssue_CappedByLicenseExpiry(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	s, _ := NewSigner(bytes.Repeat([]byte{3}, 32), 30*24*time.Hour)
	l := testLicense(now)
	l.ExpiresAt = now.Add(2 * 24 * time.Hour)
	tok, err := s.Issue(l, "", now)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	c, err := Verify(s.PublicKey(), tok, "", now)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !c.ExpiresAt.Time.Equal(l.ExpiresAt) {
		t.Fatalf("lease expiry %v, want %v", c.ExpiresAt.Time, l.ExpiresAt)
	}
}

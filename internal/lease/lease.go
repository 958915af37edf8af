// Package lease issues and verifies signed offline activation leases.
//
// A lease is an EdDSA JWT binding a stored license to the hardware ID it was
// validated on. Clients verify it with the public key alone while offline.
package lease

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/dlnk/licensecore/internal/crypto"
	"github.com/dlnk/licensecore/internal/hwid"
	"github.com/dlnk/licensecore/internal/model"
)

const (
	issuer = "dlnk"
	// Leeway tolerates client clocks up to a day off.
	Leeway = 24 * time.Hour
)

// ErrInvalid is returned for any lease that fails verification.
var ErrInvalid = errors.New("invalid lease")

// Claims is the lease payload.
type Claims struct {
	LicenseKey     string   `json:"key"`
	LicenseType    string   `json:"typ"`
	HardwareID     string   `json:"hwid,omitempty"`
	Features       []string `json:"features,omitempty"`
	LicenseExpires int64    `json:"lexp"`
	jwt.RegisteredClaims
}

// Signer signs leases with a key derived from the master key.
type Signer struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
	ttl  time.Duration
}

// NewSigner derives the signing key from master. ttl caps every lease; the license expiry caps it further.
func NewSigner(master []byte, ttl time.Duration) (*Signer, error) {
	seed, err := crypto.DeriveKey(master, "lease-signing")
	if err != nil {
		return nil, err
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &Signer{priv: priv, pub: priv.Public().(ed25519.PublicKey), ttl: ttl}, nil
}

// PublicKey returns the verification key to embed in clients.
func (s *Signer) PublicKey() ed25519.PublicKey { return s.pub }

// Issue signs a lease for l validated on hardwareID at now.
func (s *Signer) Issue(l *model.License, hardwareID string, now time.Time) (string, error) {
	exp := now.Add(s.ttl)
	if l.ExpiresAt.Before(exp) {
		exp = l.ExpiresAt
	}
	claims := Claims{
		LicenseKey:     l.Key,
		LicenseType:    string(l.Type),
		HardwareID:     hardwareID,
		Features:       l.Features,
		LicenseExpires: l.ExpiresAt.UnixMilli(),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   l.ID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(s.priv)
}

// Verify checks signature, issuer, validity window (with Leeway) and, when
// hardwareID is non-empty, that the lease belongs to this machine.
func Verify(pub ed25519.PublicKey, token, hardwareID string, now time.Time) (*Claims, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) { return pub, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithLeeway(Leeway),
		jwt.WithTimeFunc(func() time.Time { return now }),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if hardwareID != "" && claims.HardwareID != "" && !hwid.Matches(claims.HardwareID, hardwareID) {
		return nil, fmt.Errorf("%w: hardware mismatch", ErrInvalid)
	}
	return &claims, nil
}

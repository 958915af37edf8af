// Package crypto implements password hashing, authenticated sealing and master key handling.
package crypto

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"strconv"
	"sync/atomic"

	"golang.org/x/crypto/argon2"
)

// SaltLen is the length of per-user password salts.
const SaltLen = 16

// hashLen is the fixed Argon2id output length.
const hashLen uint32 = 32

// KDFParams are the Argon2id cost parameters.
type KDFParams struct {
	Time    uint32
	Memory  uint32 // KiB
	Threads uint8
}

// Build-time overrides, e.g. -ldflags "-X github.com/dlnk/licensecore/internal/crypto.argonMemory=131072".
var (
	argonTime    = "3"
	argonMemory  = "65536"
	argonThreads = "1"
)

// DefaultKDFParams returns the parameters compiled into the binary.
func DefaultKDFParams() KDFParams {
	return KDFParams{
		Time:    parseUint(argonTime, 3),
		Memory:  parseUint(argonMemory, 64*1024),
		Threads: uint8(parseUint(argonThreads, 1)),
	}
}

func parseUint(s string, def uint32) uint32 {
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil || v == 0 {
		return def
	}
	return uint32(v)
}

var params atomic.Pointer[KDFParams]

func init() {
	p := DefaultKDFParams()
	params.Store(&p)
}

// SetKDFParams replaces the active parameters and returns the previous ones.
// Tests use it to keep hashing cheap.
func SetKDFParams(p KDFParams) KDFParams {
	old := params.Swap(&p)
	return *old
}

// RandBytes returns n cryptographically secure random bytes.
func RandBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := rand.Read(b)
	return b, err
}

// RandomToken returns nbytes of randomness as lowercase hex.
func RandomToken(nbytes int) (string, error) {
	b, err := RandBytes(nbytes)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// NewSalt returns a fresh password salt.
func NewSalt() ([]byte, error) { return RandBytes(SaltLen) }

// HashPassword returns Argon2id hash of password using the provided salt.
func HashPassword(password, salt []byte) []byte {
	p := params.Load()
	return argon2.IDKey(password, salt, p.Time, p.Memory, p.Threads, hashLen)
}

// VerifyPassword verifies password against expected Argon2id hash and salt.
func VerifyPassword(password, salt, expected []byte) bool {
	got := HashPassword(password, salt)
	return subtle.ConstantTimeCompare(got, expected) == 1
}

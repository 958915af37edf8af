package licensekey

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"regexp"
	"strings"

	"github.com/dlnk/licensecore/internal/crypto"
	"github.com/dlnk/licensecore/internal/errs"
	"github.com/dlnk/licensecore/internal/model"
)

// Prefix starts every formatted key.
const Prefix = "DLNK"

var formattedRe = regexp.MustCompile(`^DLNK-[0-9A-F]{4}-[0-9A-F]{4}-[0-9A-F]{4}-[0-9A-F]{4}$`)

// NewFormattedKey returns DLNK-XXXX-XXXX-XXXX-XXXX built from 8 fresh random bytes.
func NewFormattedKey() (string, error) {
	b, err := crypto.RandBytes(8)
	if err != nil {
		return "", err
	}
	h := strings.ToUpper(hex.EncodeToString(b))
	return Prefix + "-" + h[0:4] + "-" + h[4:8] + "-" + h[8:12] + "-" + h[12:16], nil
}

// Normalize trims and uppercases a presented key if it looks formatted.
func Normalize(key string) string {
	k := strings.TrimSpace(key)
	if u := strings.ToUpper(k); formattedRe.MatchString(u) {
		return u
	}
	return k
}

// IsFormatted reports whether key matches the formatted key grammar exactly.
func IsFormatted(key string) bool { return formattedRe.MatchString(key) }

// MaskKey hides the middle groups of a formatted key for logs.
func MaskKey(key string) string {
	if IsFormatted(key) {
		return key[:9] + "-****-****" + key[19:]
	}
	if len(key) > 8 {
		return key[:4] + "..." + key[len(key)-4:]
	}
	return "****"
}

// Resolver loads stored licenses by formatted key.
type Resolver interface {
	GetByKey(ctx context.Context, key string) (*model.License, error)
}

// Codec seals records under the master key and decodes presented keys.
type Codec struct {
	master []byte
}

// NewCodec constructs a codec bound to the master key.
func NewCodec(master []byte) *Codec { return &Codec{master: master} }

// Seal returns the sealed key form of l.
func (c *Codec) Seal(l model.License) (string, error) {
	sealed, err := crypto.Seal(c.master, Marshal(l))
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Unseal opens a sealed key into a read-only record. Every failure is ErrMalformedKey.
func (c *Codec) Unseal(key string) (model.License, error) {
	enc := base64.RawURLEncoding.Strict()
	if strings.HasSuffix(key, "=") {
		enc = base64.URLEncoding.Strict()
	}
	// strict decoding rejects non-zero trailing bits
	raw, err := enc.DecodeString(key)
	if err != nil {
		return model.License{}, errs.ErrMalformedKey
	}
	pt, err := crypto.Open(c.master, raw)
	if err != nil {
		return model.License{}, errs.ErrMalformedKey
	}
	l, err := Unmarshal(pt)
	if err != nil {
		return model.License{}, errs.ErrMalformedKey
	}
	l.Status = model.StatusActive
	l.Ephemeral = true
	return l, nil
}

// Decode resolves a presented key: formatted keys through r, everything else by unsealing.
func (c *Codec) Decode(ctx context.Context, key string, r Resolver) (*model.License, error) {
	k := Normalize(key)
	if k == "" {
		return nil, errs.ErrMalformedKey
	}
	if IsFormatted(k) {
		l, err := r.GetByKey(ctx, k)
		if errors.Is(err, errs.ErrNotFound) {
			return nil, errs.ErrUnknownKey
		}
		if err != nil {
			return nil, errs.Transient("licenses.get", err)
		}
		return l, nil
	}
	l, err := c.Unseal(k)
	if err != nil {
		return nil, err
	}
	return &l, nil
}

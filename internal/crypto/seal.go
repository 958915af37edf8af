package crypto

import (
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// KeyLen is the size of the master key and every derived key.
const KeyLen = chacha20poly1305.KeySize

// sealVersion prefixes every sealed payload.
const sealVersion byte = 0x01

// Overhead is the size a sealed payload adds to its plaintext.
const Overhead = 1 + chacha20poly1305.NonceSize + chacha20poly1305.Overhead

// ErrOpen is returned for any sealed payload that fails to authenticate.
var ErrOpen = errors.New("crypto: open failed")

// Seal encrypts plaintext with ChaCha20-Poly1305 under key.
// Output: version(0x01) || nonce(12) || ciphertext || tag(16).
func Seal(key, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	nonce, err := RandBytes(chacha20poly1305.NonceSize)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, Overhead+len(plaintext))
	out = append(out, sealVersion)
	out = append(out, nonce...)
	return aead.Seal(out, nonce, plaintext, []byte{sealVersion}), nil
}

// Open authenticates and decrypts a payload produced by Seal.
// It never returns partial plaintext.
func Open(key, sealed []byte) ([]byte, error) {
	if len(sealed) < Overhead || sealed[0] != sealVersion {
		return nil, ErrOpen
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, ErrOpen
	}
	nonce := sealed[1 : 1+chacha20poly1305.NonceSize]
	ct := sealed[1+chacha20poly1305.NonceSize:]
	pt, err := aead.Open(nil, nonce, ct, sealed[:1])
	if err != nil {
		return nil, ErrOpen
	}
	return pt, nil
}

// DeriveKey derives a purpose-bound subkey via HKDF-SHA256 using info as context.
func DeriveKey(master []byte, info string) ([]byte, error) {
	r := hkdf.New(sha256.New, master, nil, []byte(info))
	key := make([]byte, KeyLen)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}

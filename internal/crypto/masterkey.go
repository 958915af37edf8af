package crypto

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"

	"golang.org/x/crypto/chacha20poly1305"
)

const masterKeyVersion byte = 0x01

// ErrKeyFilePerm is returned when the master key file is readable by group or others.
var ErrKeyFilePerm = errors.New("master key file permissions too broad")

// LoadOrCreateMasterKey reads the master key at path, creating it with 0600 if absent.
// The file holds version(0x01) || key(32).
func LoadOrCreateMasterKey(path string) ([]byte, error) {
	key, err := LoadMasterKey(path)
	if err == nil {
		return key, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	key, err = RandBytes(KeyLen)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".masterkey-*")
	if err != nil {
		return nil, err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return nil, err
	}
	if _, err := tmp.Write(append([]byte{masterKeyVersion}, key...)); err != nil {
		_ = tmp.Close()
		return nil, err
	}
	if err := tmp.Close(); err != nil {
		return nil, err
	}
	// Link fails if another process created the key first; fall back to reading theirs.
	if err := os.Link(tmp.Name(), path); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return LoadMasterKey(path)
		}
		return nil, err
	}
	if err := checkAEAD(key); err != nil {
		return nil, err
	}
	return key, nil
}

// LoadMasterKey reads an existing master key file.
func LoadMasterKey(path string) ([]byte, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if runtime.GOOS != "windows" && fi.Mode().Perm()&0o077 != 0 {
		return nil, fmt.Errorf("%s: %w (%v)", path, ErrKeyFilePerm, fi.Mode().Perm())
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(b) != 1+KeyLen || b[0] != masterKeyVersion {
		return nil, fmt.Errorf("%s: unsupported master key format", path)
	}
	key := append([]byte(nil), b[1:]...)
	if err := checkAEAD(key); err != nil {
		return nil, err
	}
	return key, nil
}

// checkAEAD fails startup if the cipher cannot be constructed; there is no fallback cipher.
func checkAEAD(key []byte) error {
	if _, err := chacha20poly1305.New(key); err != nil {
		return fmt.Errorf("aead init: %w", err)
	}
	return nil
}

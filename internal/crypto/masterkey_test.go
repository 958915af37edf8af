package crypto

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func TestLoadOrCreateMasterKey_CreatesThenReloads(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "keys", "master.key")
	k1, err := LoadOrCreateMasterKey(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(k1) != KeyLen {
		t.Fatalf("key len=%d", len(k1))
	}
	fi, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if runtime.GOOS != "windows" && fi.Mode().Perm() != 0o600 {
		t.Fatalf("perm=%v, want 0600", fi.Mode().Perm())
	}
	if fi.Size() != 1+KeyLen {
		t.Fatalf("file size=%d", fi.Size())
	}

	k2, err := LoadOrCreateMasterKey(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if !bytes.Equal(k1, k2) {
		t.Fatalf("reload returned a different key")
	}
}

func TestLoadMasterKey_RefusesBroadPermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("POSIX permissions only")
	}
	t.Parallel()

	path := filepath.Join(t.TempDir(), "master.key")
	if _, err := LoadOrCreateMasterKey(path); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := os.Chmod(path, 0o644); err != nil {
		t.Fatalf("chmod: %v", err)
	}
	if _, err := LoadMasterKey(path); !errors.Is(err, ErrKeyFilePerm) {
		t.Fatalf("want ErrKeyFilePerm, got %v", err)
	}
}

func TestLoadMasterKey_RejectsUnknownFormat(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "master.key")
	if err := os.WriteFile(path, append([]byte{0x02}, make([]byte, KeyLen)...), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadMasterKey(path); err == nil {
		t.Fatalf("want error for unknown version")
	}
	if err := os.WriteFile(path, []byte{0x01, 0x02}, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadOrCreateMasterKey(path); err == nil {
		t.Fatalf("want error for truncated key")
	}
}

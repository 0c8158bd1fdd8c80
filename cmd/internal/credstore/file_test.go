package credstore

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"modeler/cmd/security/seal"
)

func testSealer(t *testing.T, passphrase string) *seal.Sealer {
	t.Helper()
	cfg := seal.DefaultConfig()
	cfg.Params.MemoryKiB = 8 * 1024
	cfg.Params.Iterations = 1
	cfg.Params.Parallelism = 1

	s, err := seal.NewSealer(passphrase, cfg)
	if err != nil {
		t.Fatalf("NewSealer: %v", err)
	}
	return s
}

func TestFileStore_PersistsAcrossInstances(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "credentials.json")

	s1, err := NewFileStore(path, nil)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	if err := s1.Set(ctx, KeyAccessToken, "tok"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	s2, err := NewFileStore(path, nil)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	v, ok, err := s2.Get(ctx, KeyAccessToken)
	if err != nil || !ok || v != "tok" {
		t.Fatalf("Get=%q ok=%v err=%v", v, ok, err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("expected 0600, got %o", perm)
	}

	if err := s2.Remove(ctx, KeyAccessToken); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, ok, _ := s1.Get(ctx, KeyAccessToken); ok {
		t.Fatalf("expected key removed")
	}
}

func TestFileStore_Sealed(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "credentials.json")

	s, err := NewFileStore(path, testSealer(t, "correct horse battery staple"))
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	if err := s.Set(ctx, KeyRefreshToken, "very-secret-refresh"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !seal.IsSealed(raw) || bytes.Contains(raw, []byte("very-secret-refresh")) {
		t.Fatalf("expected sealed document on disk")
	}

	v, ok, err := s.Get(ctx, KeyRefreshToken)
	if err != nil || !ok || v != "very-secret-refresh" {
		t.Fatalf("Get=%q ok=%v err=%v", v, ok, err)
	}

	noKey, _ := NewFileStore(path, nil)
	if _, _, err := noKey.Get(ctx, KeyRefreshToken); !errors.Is(err, ErrStorageUnavailable) {
		t.Fatalf("expected ErrStorageUnavailable without passphrase, got %v", err)
	}

	wrong, _ := NewFileStore(path, testSealer(t, "a different passphrase"))
	if _, _, err := wrong.Get(ctx, KeyRefreshToken); !errors.Is(err, ErrStorageUnavailable) {
		t.Fatalf("expected ErrStorageUnavailable with wrong passphrase, got %v", err)
	}
}

func TestFileStore_CorruptDocumentReadsAsLoggedOut(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "credentials.json")
	if err := os.WriteFile(path, []byte("{{{"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	s, _ := NewFileStore(path, nil)
	c := NewCredentials(s, quietLogger())
	if _, ok := c.Load(ctx); ok {
		t.Fatalf("expected logged out on corrupt document")
	}

	raw, _ := os.ReadFile(path)
	if string(raw) != "{{{" {
		t.Fatalf("corrupt document must be left in place")
	}
}

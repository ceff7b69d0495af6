package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestAtomicWrite_CreatesFileWithContent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sub", "config.yaml")

	if err := AtomicWrite(path, []byte("log:\n  level: debug\n")); err != nil {
		t.Fatalf("AtomicWrite() error = %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading written file: %v", err)
	}
	if string(got) != "log:\n  level: debug\n" {
		t.Errorf("file content = %q", got)
	}
}

func TestAtomicWrite_PreservesExistingPermissions(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("old"), 0o640); err != nil {
		t.Fatal(err)
	}

	if err := AtomicWrite(path, []byte("new")); err != nil {
		t.Fatalf("AtomicWrite() error = %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o640 {
		t.Errorf("permissions = %v, want 0640", info.Mode().Perm())
	}
}

func TestAtomicWrite_NoPartialFileOnOverwrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := AtomicWrite(path, []byte("first")); err != nil {
		t.Fatal(err)
	}
	if err := AtomicWrite(path, []byte("second")); err != nil {
		t.Fatal(err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("dir entries = %v, want exactly the one target file (no leftover temp file)", entries)
	}
}

func TestCalculateETag_StableForSameContent(t *testing.T) {
	a := CalculateETag([]byte("hello"))
	b := CalculateETag([]byte("hello"))
	if a != b {
		t.Errorf("ETag differs for identical content: %q vs %q", a, b)
	}
	if c := CalculateETag([]byte("world")); c == a {
		t.Error("ETag identical for different content")
	}
}

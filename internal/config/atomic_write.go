package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/renameio/v2"
)

// AtomicWrite writes data to path atomically: a temp file in the same
// directory, fsynced, then renamed over the target, so a crash mid-write
// (or a concurrent config-watcher reload) never observes a truncated
// file. Used for both the config file (`forgepilotctl init`) and the
// Run Executor's summary files.
func AtomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("creating directory for %s: %w", path, err)
	}

	perm := os.FileMode(0o600)
	if info, err := os.Stat(path); err == nil {
		perm = info.Mode().Perm()
	}

	t, err := renameio.TempFile("", path)
	if err != nil {
		return fmt.Errorf("creating temp file for %s: %w", path, err)
	}
	defer t.Cleanup()

	if err := t.Chmod(perm); err != nil {
		return fmt.Errorf("chmod temp file for %s: %w", path, err)
	}
	if _, err := t.Write(data); err != nil {
		return fmt.Errorf("writing temp file for %s: %w", path, err)
	}
	if err := t.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("replacing %s: %w", path, err)
	}
	return nil
}

// CalculateETag returns a quoted strong ETag for content.
func CalculateETag(content []byte) string {
	sum := sha256.Sum256(content)
	return fmt.Sprintf("%q", hex.EncodeToString(sum[:]))
}

package testmedia

import (
	"os"
	"path/filepath"
	"testing"
)

// WriteTemp writes data to name inside a test temporary directory and
// returns the path.
func WriteTemp(tb testing.TB, name string, data []byte) string {
	tb.Helper()
	path := filepath.Join(tb.TempDir(), name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		tb.Fatalf("write %s: %v", path, err)
	}
	return path
}

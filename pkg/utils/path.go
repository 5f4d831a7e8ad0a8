package utils

import (
	"fmt"
	"path/filepath"
)

// CanonicalFileID normalizes path into the byte-exact form file identity
// comparisons rely on: absolute, cleaned, with any trailing separator
// removed. Two different spellings of the same recording path (relative vs
// absolute, a trailing slash, an embedded "./") normalize to the same id.
func CanonicalFileID(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("path cannot be empty")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path: %w", err)
	}
	return filepath.Clean(abs), nil
}

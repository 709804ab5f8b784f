// Package pathutil canonicalizes filesystem paths the way ProjectId
// derivation and Layout both require: clean, absolute, symlink-resolved.
package pathutil

import (
	"fmt"
	"os"
	"path/filepath"
)

// Canonicalize resolves path to its absolute, symlink-resolved form.
//
// If path does not exist, EvalSymlinks necessarily fails; in that case the
// cleaned absolute path is returned as-is rather than as an error, since
// callers (notably project id derivation during bridge handshake) must be
// able to compute a stable id for a project directory that a client has
// named but the daemon has never seen on disk before.
func Canonicalize(path string) (string, error) {
	abs, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return "", fmt.Errorf("resolving absolute path for %q: %w", path, err)
	}

	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return abs, nil
		}
		return "", fmt.Errorf("resolving symlinks for %q: %w", abs, err)
	}
	return resolved, nil
}

// ExpandTilde expands a leading "~" in path to the current user's home
// directory, honoring HOME first and USERPROFILE as the Windows fallback.
func ExpandTilde(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}
	rest := path[1:]
	if rest != "" && rest[0] != '/' && rest[0] != '\\' {
		// "~bob" style expansion is not supported; treat literally.
		return path, nil
	}
	home, err := homeDir()
	if err != nil {
		return "", err
	}
	if rest == "" {
		return home, nil
	}
	return filepath.Join(home, rest[1:]), nil
}

func homeDir() (string, error) {
	if home := os.Getenv("HOME"); home != "" {
		return home, nil
	}
	if profile := os.Getenv("USERPROFILE"); profile != "" {
		return profile, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}
	return home, nil
}

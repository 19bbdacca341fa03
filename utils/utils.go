// Package utils provides small path helpers shared by the CLI.
package utils

import (
	"path/filepath"
	"strings"

	"github.com/mitchellh/go-homedir"
)

// ExpandPath expands a leading tilde and normalizes the path. Paths that
// cannot be expanded are returned unchanged.
func ExpandPath(path string) string {
	if path == "" {
		return path
	}
	if strings.HasPrefix(path, "~") {
		expanded, err := homedir.Expand(path)
		if err == nil {
			path = expanded
		}
	}
	return filepath.Clean(path)
}

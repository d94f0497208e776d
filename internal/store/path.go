package store

import (
	"errors"
	"fmt"
	"strings"
)

const pathSeparator = "/"

// ErrInvalidPath indicates that a store path is empty or contains empty segments.
var ErrInvalidPath = errors.New("store: invalid path")

// Join builds a store path from segments.
func Join(segments ...string) string {
	return strings.Join(segments, pathSeparator)
}

// Base returns the last segment of a path.
func Base(path string) string {
	index := strings.LastIndex(path, pathSeparator)
	if index < 0 {
		return path
	}
	return path[index+1:]
}

func validatePath(path string) error {
	if path == "" {
		return fmt.Errorf("%w: empty", ErrInvalidPath)
	}
	for _, segment := range strings.Split(path, pathSeparator) {
		if strings.TrimSpace(segment) == "" {
			return fmt.Errorf("%w: empty segment in %q", ErrInvalidPath, path)
		}
	}
	return nil
}

// covers reports whether path equals root or sits below it.
func covers(root, path string) bool {
	if path == root {
		return true
	}
	return strings.HasPrefix(path, root+pathSeparator)
}

// isChild reports whether path sits exactly one segment below parent.
func isChild(parent, path string) bool {
	if !strings.HasPrefix(path, parent+pathSeparator) {
		return false
	}
	return !strings.Contains(path[len(parent)+1:], pathSeparator)
}

// Package security guards the output tree against names supplied over the
// control API.
package security

import (
	"fmt"
	"path/filepath"
	"strings"
)

// maxSegmentLen bounds a sanitized path segment.
const maxSegmentLen = 64

// SanitizeSegment turns an operator-supplied name (a test name, for
// instance) into a single safe path segment: ASCII letters, digits, dot,
// underscore and dash are kept, runs of anything else become one underscore.
// Leading and trailing dots and underscores are trimmed, so the result is
// never "." or "..". An empty result becomes fallback.
func SanitizeSegment(s, fallback string) string {
	var b strings.Builder
	lastUnderscore := false
	for _, r := range s {
		if b.Len() >= maxSegmentLen {
			break
		}
		switch {
		case (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'),
			r == '.' || r == '_' || r == '-':
			b.WriteRune(r)
			lastUnderscore = r == '_'
		default:
			if !lastUnderscore {
				b.WriteRune('_')
				lastUnderscore = true
			}
		}
	}
	out := strings.Trim(b.String(), "._")
	if out == "" {
		return fallback
	}
	return out
}

// WithinDirectory reports an error if path, once cleaned, escapes root.
// Symlinks are resolved where they exist.
func WithinDirectory(path, root string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve absolute path: %w", err)
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return fmt.Errorf("failed to resolve root directory: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(absRoot); err == nil {
		absRoot = resolved
	}
	absPath = resolveExistingPrefix(absPath)

	rel, err := filepath.Rel(absRoot, absPath)
	if err != nil {
		return fmt.Errorf("path is outside %s: %w", root, err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return fmt.Errorf("path traversal detected: %s escapes %s", path, root)
	}
	return nil
}

// resolveExistingPrefix resolves symlinks in the longest existing ancestor
// of p and re-attaches the rest.
func resolveExistingPrefix(p string) string {
	for dir := p; ; {
		if resolved, err := filepath.EvalSymlinks(dir); err == nil {
			rest, _ := filepath.Rel(dir, p)
			return filepath.Join(resolved, rest)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return p
		}
		dir = parent
	}
}

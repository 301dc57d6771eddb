package fsutil

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// ErrPathEscape is returned when a joined path would leave the storage root.
var ErrPathEscape = errors.New("path escape")

// Sanitize takes a client path like "", ".", "/a/b", "a//b", "..\\x" and
// returns a slash-based relative path with no leading slash and no "." or ".."
// segments ("" means root). It never fails. Segments are kept byte for byte,
// so names with leading or trailing spaces stay distinct.
//
// Traversal is removed by dropping segments, not by pattern stripping, so
// sequences like "....//" or "..././" cannot reassemble into "..".
func Sanitize(raw string) string {
	raw = strings.ReplaceAll(raw, "\x00", "")
	raw = strings.ReplaceAll(raw, "\\", "/")
	parts := strings.Split(raw, "/")
	kept := parts[:0]
	for _, p := range parts {
		if p == "" || p == "." || p == ".." {
			continue
		}
		kept = append(kept, p)
	}
	return strings.Join(kept, "/")
}

// JoinWithinRoot returns an absolute filesystem path under root for a given rel
// path. The result is re-checked against root after cleaning.
func JoinWithinRoot(rootAbs string, rel string) (string, error) {
	rel = Sanitize(rel)
	rootClean := filepath.Clean(rootAbs)
	if rel == "" {
		return rootClean, nil
	}
	abs := filepath.Clean(filepath.Join(rootClean, filepath.FromSlash(rel)))
	if !Within(rootClean, abs) {
		return "", ErrPathEscape
	}
	return abs, nil
}

// ResolveWithinRoot is JoinWithinRoot plus symlink handling. With
// followSymlinks=false any symlink on the way is rejected; otherwise links are
// allowed only if their target is still under root.
func ResolveWithinRoot(rootAbs, rel string, followSymlinks bool) (string, error) {
	abs, err := JoinWithinRoot(rootAbs, rel)
	if err != nil {
		return "", err
	}
	realRoot, err := filepath.EvalSymlinks(filepath.Clean(rootAbs))
	if err != nil {
		return "", err
	}
	// Targets that do not exist yet (mkdir, upload) are checked through their
	// nearest existing ancestor.
	existing := abs
	real, err := filepath.EvalSymlinks(existing)
	for err != nil && errors.Is(err, os.ErrNotExist) && existing != filepath.Clean(rootAbs) {
		existing = filepath.Dir(existing)
		real, err = filepath.EvalSymlinks(existing)
	}
	if err != nil {
		return "", err
	}
	if !Within(realRoot, real) {
		return "", ErrPathEscape
	}
	if !followSymlinks {
		// Same relative position under both roots means no link was crossed.
		relReal, err1 := filepath.Rel(realRoot, real)
		relAbs, err2 := filepath.Rel(filepath.Clean(rootAbs), existing)
		if err1 != nil || err2 != nil || relReal != relAbs {
			return "", ErrPathEscape
		}
	}
	return abs, nil
}

// Within reports whether abs is root or lies beneath it. Both must be clean.
func Within(root, abs string) bool {
	if abs == root {
		return true
	}
	if !strings.HasSuffix(root, string(filepath.Separator)) {
		root += string(filepath.Separator)
	}
	return strings.HasPrefix(abs, root)
}

// JoinRel appends name to a slash-separated relative parent.
func JoinRel(parent, name string) string {
	if parent == "" {
		return name
	}
	return parent + "/" + name
}

// IsHidden reports whether a basename is dot-prefixed.
func IsHidden(name string) bool {
	return strings.HasPrefix(name, ".")
}

// Package fsutil resolves untrusted client-supplied paths against the
// configured share root. Every path the server or catalog touches goes
// through here; nothing outside the root is ever returned.
package fsutil

import (
	"errors"
	"os"
	"path"
	"path/filepath"
	"strings"
)

var (
	// ErrOutsideRoot means a resolved path escaped the share root.
	ErrOutsideRoot = errors.New("path outside root")
	// ErrInvalid means the input path was malformed.
	ErrInvalid = errors.New("invalid path")
)

// CleanRelPath takes a user path like "", ".", "/a/b", "a//b", and returns a
// safe, slash-based, no-leading-slash relative path ("" means root).
func CleanRelPath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" || p == "." || p == "/" {
		return ""
	}
	p = strings.ReplaceAll(p, "\\", "/")
	p = path.Clean("/" + p) // force absolute for stable cleaning
	p = strings.TrimPrefix(p, "/")
	if p == "." {
		return ""
	}
	return p
}

// JoinWithinRoot returns an absolute filesystem path under root for a given
// rel path. It rejects escapes (..) and NUL bytes.
func JoinWithinRoot(rootAbs string, rel string) (string, error) {
	rel = CleanRelPath(rel)
	if rel == "" {
		return rootAbs, nil
	}
	if strings.Contains(rel, "\x00") {
		return "", ErrInvalid
	}
	abs := filepath.Join(rootAbs, filepath.FromSlash(rel))
	absClean := filepath.Clean(abs)
	rootClean := filepath.Clean(rootAbs)
	if absClean != rootClean && !strings.HasPrefix(absClean, rootClean+string(filepath.Separator)) {
		return "", ErrOutsideRoot
	}
	return absClean, nil
}

// ResolveWithinRoot is JoinWithinRoot plus symlink rejection: any existing
// component of the resolved path that is a symlink fails with ErrOutsideRoot,
// so a link inside the root can never lead resolution out of it.
func ResolveWithinRoot(rootAbs string, rel string) (string, error) {
	abs, err := JoinWithinRoot(rootAbs, rel)
	if err != nil {
		return "", err
	}
	cur := filepath.Clean(rootAbs)
	remainder := strings.TrimPrefix(abs, cur)
	for _, seg := range strings.Split(remainder, string(filepath.Separator)) {
		if seg == "" {
			continue
		}
		cur = filepath.Join(cur, seg)
		st, err := os.Lstat(cur)
		if err != nil {
			// Nonexistent suffix is fine (upload destinations).
			break
		}
		if st.Mode()&os.ModeSymlink != 0 {
			return "", ErrOutsideRoot
		}
	}
	return abs, nil
}

// RelFromRoot converts an absolute path under root back to the slash-based
// relative form ("" for the root itself).
func RelFromRoot(rootAbs, abs string) (string, error) {
	rel, err := filepath.Rel(filepath.Clean(rootAbs), filepath.Clean(abs))
	if err != nil {
		return "", err
	}
	if rel == "." {
		return "", nil
	}
	rel = filepath.ToSlash(rel)
	if rel == ".." || strings.HasPrefix(rel, "../") {
		return "", ErrOutsideRoot
	}
	return rel, nil
}

// ParentRel returns the parent of a slash-based relative path. The second
// result is false when the path is already the root.
func ParentRel(rel string) (string, bool) {
	rel = strings.Trim(rel, "/")
	if rel == "" {
		return "", false
	}
	idx := strings.LastIndexByte(rel, '/')
	if idx < 0 {
		return "", true
	}
	return rel[:idx], true
}

// SecureFilename reduces an upload filename to a safe basename: path
// components are stripped, separators become underscores, and names that
// sanitize to nothing are rejected.
func SecureFilename(name string) (string, error) {
	name = strings.TrimSpace(name)
	name = strings.ReplaceAll(name, "\\", "/")
	name = path.Base(name)
	name = strings.ReplaceAll(name, "\x00", "")
	name = strings.ReplaceAll(name, "/", "_")
	name = strings.Trim(name, ". ")
	if name == "" || name == ".." {
		return "", ErrInvalid
	}
	return name, nil
}

// Ext returns the lower-cased extension of a filename without the leading
// dot; "" when there is none.
func Ext(name string) string {
	return strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))
}

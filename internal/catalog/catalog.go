// Package catalog maps share-root entries to stable identifiers. An entry's
// ID is derived from its path relative to the root, so IDs survive restarts
// and two servers over the same tree agree on every ID.
package catalog

import (
	"encoding/base32"
	"errors"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"

	"golang.org/x/crypto/blake2b"

	"serve/internal/fsutil"
)

// RootID is the well-known identifier of the share root itself. Lookups
// treat it case-insensitively.
const RootID = "root"

// ErrNotFound means no entry under the root has the given ID.
var ErrNotFound = errors.New("catalog: entry not found")

// Crockford base32, the ULID alphabet. 16 hash bytes encode to 26 chars.
var encoding = base32.NewEncoding("0123456789ABCDEFGHJKMNPQRSTVWXYZ").WithPadding(base32.NoPadding)

// IDFor computes the identifier for a slash-based path relative to the
// share root. The empty path (the root itself) yields RootID.
func IDFor(rel string) string {
	rel = fsutil.CleanRelPath(rel)
	if rel == "" {
		return RootID
	}
	sum := blake2b.Sum256([]byte(rel))
	return encoding.EncodeToString(sum[:16])
}

// Entry is one catalog member: a file or directory under the root.
type Entry struct {
	ID    string
	Rel   string // slash-based path relative to the root, "" for the root
	Name  string
	IsDir bool
	Size  int64
	MTime int64 // unix seconds
}

// Catalog resolves IDs by walking the share root. Hide, when set, excludes
// entries by name from listings and lookups.
type Catalog struct {
	Root string // absolute path of the share root
	Hide func(name string) bool
}

func New(rootAbs string) *Catalog {
	return &Catalog{Root: rootAbs}
}

func (c *Catalog) hidden(name string) bool {
	return c.Hide != nil && c.Hide(name)
}

// Resolve walks the tree until it finds the entry whose ID matches. The
// root sentinel short-circuits without touching the filesystem.
func (c *Catalog) Resolve(id string) (Entry, error) {
	if strings.EqualFold(id, RootID) {
		return c.Stat("")
	}
	var found Entry
	err := fs.WalkDir(os.DirFS(c.Root), ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable subtree, keep going
		}
		if p == "." {
			return nil
		}
		if c.hidden(d.Name()) {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.Type()&fs.ModeSymlink != 0 {
			return nil
		}
		if IDFor(p) != id {
			return nil
		}
		info, ierr := d.Info()
		if ierr != nil {
			return ierr
		}
		found = entryFromInfo(p, info)
		return fs.SkipAll
	})
	if err != nil {
		return Entry{}, err
	}
	if found.ID == "" {
		return Entry{}, ErrNotFound
	}
	return found, nil
}

// Stat returns the entry for a known relative path.
func (c *Catalog) Stat(rel string) (Entry, error) {
	rel = fsutil.CleanRelPath(rel)
	abs, err := fsutil.ResolveWithinRoot(c.Root, rel)
	if err != nil {
		return Entry{}, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return Entry{}, ErrNotFound
		}
		return Entry{}, err
	}
	return entryFromInfo(rel, info), nil
}

// List returns the immediate children of a directory entry, directories
// first, then files, each group case-insensitively by name. Symlinks and
// hidden names are skipped.
func (c *Catalog) List(rel string) ([]Entry, error) {
	rel = fsutil.CleanRelPath(rel)
	abs, err := fsutil.ResolveWithinRoot(c.Root, rel)
	if err != nil {
		return nil, err
	}
	dirents, err := os.ReadDir(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	entries := make([]Entry, 0, len(dirents))
	for _, d := range dirents {
		if c.hidden(d.Name()) || d.Type()&fs.ModeSymlink != 0 {
			continue
		}
		info, err := d.Info()
		if err != nil {
			continue
		}
		entries = append(entries, entryFromInfo(path.Join(rel, d.Name()), info))
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].IsDir != entries[j].IsDir {
			return entries[i].IsDir
		}
		return strings.ToLower(entries[i].Name) < strings.ToLower(entries[j].Name)
	})
	return entries, nil
}

func entryFromInfo(rel string, info fs.FileInfo) Entry {
	rel = fsutil.CleanRelPath(rel)
	name := path.Base(rel)
	if rel == "" {
		name = "/"
	}
	return Entry{
		ID:    IDFor(rel),
		Rel:   rel,
		Name:  name,
		IsDir: info.IsDir(),
		Size:  info.Size(),
		MTime: info.ModTime().Unix(),
	}
}

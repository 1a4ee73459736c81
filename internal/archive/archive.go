// Package archive is the primary document storage: one file per document
// under <root>/<YYYY>/<entity folder>/<MM>/<class>/<role>/<key>.xml.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/roach88/fiscalsync/internal/fiscal"
)

const docExt = ".xml"

// Archive writes and enumerates stored documents.
type Archive struct {
	root string
}

// New returns an Archive rooted at root.
func New(root string) *Archive {
	return &Archive{root: root}
}

// Root returns the archive root directory.
func (a *Archive) Root() string {
	return a.root
}

// Dir returns the directory holding documents of one class for an entity
// and period. Role subtrees live beneath it.
func (a *Archive) Dir(entity fiscal.Entity, period fiscal.Period, class fiscal.Class) string {
	return filepath.Join(a.root,
		fmt.Sprintf("%04d", period.Year),
		entity.FolderName(),
		fmt.Sprintf("%02d", int(period.Month)),
		string(class),
	)
}

// Path returns the canonical location of a document.
func (a *Archive) Path(entity fiscal.Entity, period fiscal.Period, class fiscal.Class, role fiscal.Role, key fiscal.DocumentKey) string {
	return filepath.Join(a.Dir(entity, period, class), string(role), string(key)+docExt)
}

// Write stores doc under period. Rewriting identical content is a no-op;
// the file is replaced atomically otherwise. created reports whether the
// document did not exist at that path before.
func (a *Archive) Write(ctx context.Context, entity fiscal.Entity, period fiscal.Period, doc fiscal.Document) (created bool, err error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	path := a.Path(entity, period, doc.Class, doc.Role, doc.Key)

	existing, readErr := os.ReadFile(path)
	if readErr == nil && bytes.Equal(existing, doc.Content) {
		return false, nil
	}

	if err := writeFileAtomic(ctx, path, doc.Content); err != nil {
		return false, fmt.Errorf("archive %s: %w", doc.Key, err)
	}
	return errors.Is(readErr, fs.ErrNotExist), nil
}

// Remove deletes a stored document. A missing file is not an error.
func (a *Archive) Remove(entity fiscal.Entity, period fiscal.Period, class fiscal.Class, role fiscal.Role, key fiscal.DocumentKey) error {
	err := os.Remove(a.Path(entity, period, class, role, key))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", key, err)
	}
	return nil
}

// Read returns a stored document body.
func (a *Archive) Read(entity fiscal.Entity, period fiscal.Period, class fiscal.Class, role fiscal.Role, key fiscal.DocumentKey) ([]byte, error) {
	return os.ReadFile(a.Path(entity, period, class, role, key))
}

// Exists reports whether a document is stored in any role subtree.
func (a *Archive) Exists(entity fiscal.Entity, period fiscal.Period, class fiscal.Class, key fiscal.DocumentKey) bool {
	for _, role := range fiscal.Roles {
		if _, err := os.Stat(a.Path(entity, period, class, role, key)); err == nil {
			return true
		}
	}
	return false
}

// Inventory is the result of scanning one (entity, period, class) scope.
type Inventory struct {
	// Keys are the valid document keys found, sorted and deduplicated.
	Keys []fiscal.DocumentKey

	// Invalid counts document files whose name is not a valid key.
	Invalid int
}

// Scan lists every document stored for (entity, period, class) across all
// role subtrees. A missing directory is an empty inventory.
func (a *Archive) Scan(ctx context.Context, entity fiscal.Entity, period fiscal.Period, class fiscal.Class) (Inventory, error) {
	var inv Inventory
	seen := make(map[fiscal.DocumentKey]struct{})

	root := a.Dir(entity, period, class)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && path == root {
				return fs.SkipDir
			}
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), docExt) {
			return nil
		}
		key := fiscal.DocumentKey(strings.TrimSuffix(d.Name(), docExt))
		if !key.Valid() {
			inv.Invalid++
			return nil
		}
		seen[key] = struct{}{}
		return nil
	})
	if err != nil {
		return Inventory{}, fmt.Errorf("scan %s: %w", root, err)
	}

	inv.Keys = make([]fiscal.DocumentKey, 0, len(seen))
	for k := range seen {
		inv.Keys = append(inv.Keys, k)
	}
	sort.Slice(inv.Keys, func(i, j int) bool { return inv.Keys[i] < inv.Keys[j] })
	return inv, nil
}

// writeFileAtomic writes data to a temp file beside path and renames it
// into place. A context cancelled before the rename leaves path untouched.
func writeFileAtomic(ctx context.Context, path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/roach88/fiscalsync/internal/fiscal"
)

// ErrNotFound is returned by DirSource when a requested document is absent.
var ErrNotFound = errors.New("not found")

// DirSource serves manifests and documents from a directory tree, for
// offline replays of captured upstream data:
//
//	<root>/<tax id>/<MM-YYYY>/<class>/manifest.json
//	<root>/<tax id>/<MM-YYYY>/<class>/<role>/<key>.xml
//
// manifest.json holds {"keys": [...], "message": "..."}.
type DirSource struct {
	root string
}

// NewDirSource returns a source reading from root.
func NewDirSource(root string) *DirSource {
	return &DirSource{root: root}
}

type manifestFile struct {
	Keys    []string `json:"keys"`
	Message string   `json:"message,omitempty"`
}

func (d *DirSource) classDir(taxID string, class fiscal.Class, period fiscal.Period) string {
	return filepath.Join(d.root, taxID, period.Key(), string(class))
}

// FetchManifest implements Source.
func (d *DirSource) FetchManifest(ctx context.Context, taxID string, class fiscal.Class, period fiscal.Period) (Manifest, error) {
	if err := ctx.Err(); err != nil {
		return Manifest{}, err
	}
	raw, err := os.ReadFile(filepath.Join(d.classDir(taxID, class, period), "manifest.json"))
	if err != nil {
		return Manifest{}, fmt.Errorf("read manifest: %w", err)
	}
	var mf manifestFile
	if err := json.Unmarshal(raw, &mf); err != nil {
		return Manifest{}, fmt.Errorf("decode manifest: %w", err)
	}

	m := Manifest{NoData: strings.Contains(mf.Message, NoDataMarker)}
	for _, k := range mf.Keys {
		m.Keys = append(m.Keys, fiscal.DocumentKey(strings.TrimSpace(k)))
	}
	return m, nil
}

// FetchBatch implements Source. Documents of a role are served in key order.
func (d *DirSource) FetchBatch(ctx context.Context, taxID string, class fiscal.Class, role fiscal.Role, period fiscal.Period, offset, limit int) ([]fiscal.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir := filepath.Join(d.classDir(taxID, class, period), string(role))
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".xml") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	if offset >= len(names) {
		return nil, nil
	}
	end := len(names)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}

	docs := make([]fiscal.Document, 0, end-offset)
	for _, name := range names[offset:end] {
		doc, err := readDocument(filepath.Join(dir, name), class, role)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

// FetchSingle implements Source by searching every entity and period.
func (d *DirSource) FetchSingle(ctx context.Context, key fiscal.DocumentKey, class fiscal.Class) (fiscal.Document, error) {
	pattern := filepath.Join(d.root, "*", "*", string(class), "*", string(key)+".xml")
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return fiscal.Document{}, fmt.Errorf("search %s: %w", key, err)
	}
	if err := ctx.Err(); err != nil {
		return fiscal.Document{}, err
	}
	if len(matches) == 0 {
		return fiscal.Document{}, fmt.Errorf("fetch %s: %w", key, ErrNotFound)
	}
	sort.Strings(matches)
	role, err := fiscal.ParseRole(filepath.Base(filepath.Dir(matches[0])))
	if err != nil {
		return fiscal.Document{}, fmt.Errorf("fetch %s: %w", key, err)
	}
	return readDocument(matches[0], class, role)
}

func readDocument(path string, class fiscal.Class, role fiscal.Role) (fiscal.Document, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return fiscal.Document{}, fmt.Errorf("read document: %w", err)
	}
	doc := fiscal.Document{
		Key:     fiscal.DocumentKey(strings.TrimSuffix(filepath.Base(path), ".xml")),
		Class:   class,
		Role:    role,
		Content: content,
	}
	if t, ok := fiscal.IssuedAt(content); ok {
		doc.IssuedAt = t
	}
	return doc, nil
}

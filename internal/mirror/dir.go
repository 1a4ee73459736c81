package mirror

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// DirSink copies documents into a single flat directory watched by the
// downstream importer. Files are named <key>.xml.
type DirSink struct {
	dir string
}

// NewDirSink returns a sink writing into dir, creating it if needed.
func NewDirSink(dir string) (*DirSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create mirror dir: %w", err)
	}
	return &DirSink{dir: dir}, nil
}

// Path returns where a key is delivered.
func (s *DirSink) Path(item Item) string {
	return filepath.Join(s.dir, string(item.Key)+".xml")
}

// Put implements Sink. The file appears atomically so the importer never
// observes a partial document.
func (s *DirSink) Put(ctx context.Context, item Item) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	dest := s.Path(item)
	if _, err := os.Stat(dest); err == nil {
		return false, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return false, fmt.Errorf("mirror %s: %w", item.Key, err)
	}

	tmp, err := os.CreateTemp(s.dir, ".partial-*")
	if err != nil {
		return false, fmt.Errorf("mirror %s: %w", item.Key, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(item.Content); err != nil {
		tmp.Close()
		return false, fmt.Errorf("mirror %s: write: %w", item.Key, err)
	}
	if err := tmp.Close(); err != nil {
		return false, fmt.Errorf("mirror %s: close: %w", item.Key, err)
	}

	// Link fails if another writer got there first, which keeps the
	// existing copy intact.
	if err := os.Link(tmpName, dest); err != nil {
		if errors.Is(err, os.ErrExist) {
			return false, nil
		}
		return false, fmt.Errorf("mirror %s: publish: %w", item.Key, err)
	}
	return true, nil
}

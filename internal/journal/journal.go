// Package journal records in-flight document batches so a crash between
// publishing documents and recording them in the ledger can be repaired on
// the next start.
//
// Layout under the journal directory:
//
//	staging/<id>/<key>.xml       staged document bodies
//	pending/<id>.json            open transaction records
//	completed/<id>.json.zst      finished records, zstd-compressed for audit
//
// A record is written to pending only after every staged body is on disk,
// and each body carries a BLAKE3 digest that is checked before it is
// published again.
package journal

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"

	"github.com/roach88/fiscalsync/internal/fiscal"
)

const (
	stagingDir   = "staging"
	pendingDir   = "pending"
	completedDir = "completed"
)

// ErrDigestMismatch is returned when a staged body no longer matches the
// digest recorded when it was staged.
var ErrDigestMismatch = errors.New("staged content digest mismatch")

// Entry is one staged document.
type Entry struct {
	Key      fiscal.DocumentKey `json:"key"`
	Role     fiscal.Role        `json:"role"`
	IssuedAt time.Time          `json:"issued_at,omitempty"`
	Digest   string             `json:"digest"`
	Size     int                `json:"size"`
}

// Record describes one batch commit.
type Record struct {
	ID         string       `json:"id"`
	CreatedAt  time.Time    `json:"created_at"`
	TaxID      string       `json:"tax_id"`
	EntityName string       `json:"entity_name,omitempty"`
	Period     string       `json:"period"`
	Class      fiscal.Class `json:"class"`
	Role       fiscal.Role  `json:"role,omitempty"`

	// BaseOffset is the cursor value the batch was fetched at.
	BaseOffset int `json:"base_offset"`

	// Advance is how far the cursor moves once the batch is committed.
	Advance int `json:"advance"`

	Entries []Entry `json:"entries"`
}

// Journal manages transaction records in one directory.
type Journal struct {
	dir string
	now func() time.Time

	encOnce sync.Once
	enc     *zstd.Encoder
	encErr  error
}

// Open creates the journal directories if needed.
func Open(dir string) (*Journal, error) {
	for _, sub := range []string{stagingDir, pendingDir, completedDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("create journal dir: %w", err)
		}
	}
	return &Journal{dir: dir, now: time.Now}, nil
}

// SetClock overrides the time source used for CreatedAt.
func (j *Journal) SetClock(now func() time.Time) {
	j.now = now
}

// Digest returns the hex BLAKE3 digest of content.
func Digest(content []byte) string {
	sum := blake3.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// Begin stages docs and writes a pending record. The returned record has
// its ID, CreatedAt and Entries filled in.
func (j *Journal) Begin(rec Record, docs []fiscal.Document) (Record, error) {
	rec.ID = uuid.Must(uuid.NewV7()).String()
	rec.CreatedAt = j.now().UTC()
	rec.Entries = make([]Entry, 0, len(docs))

	stage := filepath.Join(j.dir, stagingDir, rec.ID)
	if err := os.MkdirAll(stage, 0o755); err != nil {
		return Record{}, fmt.Errorf("journal begin: %w", err)
	}

	for _, doc := range docs {
		if err := os.WriteFile(filepath.Join(stage, string(doc.Key)+".xml"), doc.Content, 0o644); err != nil {
			os.RemoveAll(stage)
			return Record{}, fmt.Errorf("journal stage %s: %w", doc.Key, err)
		}
		rec.Entries = append(rec.Entries, Entry{
			Key:      doc.Key,
			Role:     doc.Role,
			IssuedAt: doc.IssuedAt,
			Digest:   Digest(doc.Content),
			Size:     len(doc.Content),
		})
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		os.RemoveAll(stage)
		return Record{}, fmt.Errorf("journal encode: %w", err)
	}
	if err := writeAtomic(j.pendingPath(rec.ID), data); err != nil {
		os.RemoveAll(stage)
		return Record{}, fmt.Errorf("journal write pending: %w", err)
	}
	return rec, nil
}

// Document reads a staged body back and verifies its digest.
func (j *Journal) Document(rec Record, e Entry, class fiscal.Class) (fiscal.Document, error) {
	content, err := os.ReadFile(filepath.Join(j.dir, stagingDir, rec.ID, string(e.Key)+".xml"))
	if err != nil {
		return fiscal.Document{}, fmt.Errorf("journal read %s: %w", e.Key, err)
	}
	if Digest(content) != e.Digest {
		return fiscal.Document{}, fmt.Errorf("journal %s key %s: %w", rec.ID, e.Key, ErrDigestMismatch)
	}
	return fiscal.Document{
		Key:      e.Key,
		Class:    class,
		Role:     e.Role,
		IssuedAt: e.IssuedAt,
		Content:  content,
	}, nil
}

// Complete archives the record as compressed JSON and removes its staged
// bodies.
func (j *Journal) Complete(id string) error {
	data, err := os.ReadFile(j.pendingPath(id))
	if err != nil {
		return fmt.Errorf("journal complete %s: %w", id, err)
	}

	enc, err := j.encoder()
	if err != nil {
		return err
	}
	compressed := enc.EncodeAll(data, nil)

	if err := writeAtomic(filepath.Join(j.dir, completedDir, id+".json.zst"), compressed); err != nil {
		return fmt.Errorf("journal complete %s: %w", id, err)
	}
	if err := os.Remove(j.pendingPath(id)); err != nil {
		return fmt.Errorf("journal complete %s: %w", id, err)
	}
	if err := os.RemoveAll(filepath.Join(j.dir, stagingDir, id)); err != nil {
		return fmt.Errorf("journal complete %s: clear staging: %w", id, err)
	}
	return nil
}

// Abort discards a pending record and its staged bodies. The batch is
// expected to be fetched again from the unchanged cursor.
func (j *Journal) Abort(id string) error {
	if err := os.Remove(j.pendingPath(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("journal abort %s: %w", id, err)
	}
	if err := os.RemoveAll(filepath.Join(j.dir, stagingDir, id)); err != nil {
		return fmt.Errorf("journal abort %s: %w", id, err)
	}
	return nil
}

// Pending lists open records, oldest first.
func (j *Journal) Pending() ([]Record, error) {
	entries, err := os.ReadDir(filepath.Join(j.dir, pendingDir))
	if err != nil {
		return nil, fmt.Errorf("journal list pending: %w", err)
	}

	var out []Record
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(j.dir, pendingDir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("journal read %s: %w", e.Name(), err)
		}
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("journal decode %s: %w", e.Name(), err)
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(a, b int) bool {
		if !out[a].CreatedAt.Equal(out[b].CreatedAt) {
			return out[a].CreatedAt.Before(out[b].CreatedAt)
		}
		return out[a].ID < out[b].ID
	})
	return out, nil
}

// Completed reads an archived record.
func (j *Journal) Completed(id string) (Record, error) {
	compressed, err := os.ReadFile(filepath.Join(j.dir, completedDir, id+".json.zst"))
	if err != nil {
		return Record{}, fmt.Errorf("journal read completed %s: %w", id, err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return Record{}, fmt.Errorf("journal zstd reader: %w", err)
	}
	defer dec.Close()

	data, err := dec.DecodeAll(compressed, nil)
	if err != nil {
		return Record{}, fmt.Errorf("journal decompress %s: %w", id, err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("journal decode %s: %w", id, err)
	}
	return rec, nil
}

// Prune removes completed records older than age and returns how many were
// deleted.
func (j *Journal) Prune(age time.Duration) (int, error) {
	dir := filepath.Join(j.dir, completedDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("journal prune: %w", err)
	}
	cutoff := j.now().Add(-age)
	removed := 0
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(dir, e.Name())); err != nil {
				return removed, fmt.Errorf("journal prune %s: %w", e.Name(), err)
			}
			removed++
		}
	}
	return removed, nil
}

func (j *Journal) encoder() (*zstd.Encoder, error) {
	j.encOnce.Do(func() {
		j.enc, j.encErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	})
	if j.encErr != nil {
		return nil, fmt.Errorf("journal zstd writer: %w", j.encErr)
	}
	return j.enc, nil
}

func (j *Journal) pendingPath(id string) string {
	return filepath.Join(j.dir, pendingDir, id+".json")
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	name := tmp.Name()
	defer os.Remove(name)

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
	return os.Rename(name, path)
}

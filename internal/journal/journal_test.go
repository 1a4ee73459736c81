package journal

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/fiscalsync/internal/fiscal"
)

func testDocs() []fiscal.Document {
	mk := func(n string) fiscal.Document {
		return fiscal.Document{
			Key:     fiscal.DocumentKey(strings.Repeat("6", fiscal.KeyLength-len(n)) + n),
			Class:   fiscal.ClassNFe,
			Role:    fiscal.RoleRecipient,
			Content: []byte("<NFe>" + n + "</NFe>"),
		}
	}
	return []fiscal.Document{mk("1"), mk("2")}
}

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(t.TempDir())
	require.NoError(t, err)
	return j
}

func TestBegin_StagesAndRecords(t *testing.T) {
	j := openTestJournal(t)
	docs := testDocs()

	rec, err := j.Begin(Record{TaxID: "12345678000190", Period: "03-2025", Class: fiscal.ClassNFe, Role: fiscal.RoleRecipient, BaseOffset: 10, Advance: 2}, docs)
	require.NoError(t, err)
	assert.NotEmpty(t, rec.ID)
	require.Len(t, rec.Entries, 2)
	assert.Equal(t, Digest(docs[0].Content), rec.Entries[0].Digest)

	pending, err := j.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, rec.ID, pending[0].ID)
	assert.Equal(t, 10, pending[0].BaseOffset)

	doc, err := j.Document(pending[0], pending[0].Entries[1], fiscal.ClassNFe)
	require.NoError(t, err)
	assert.Equal(t, docs[1].Content, doc.Content)
	assert.Equal(t, fiscal.RoleRecipient, doc.Role)
}

func TestDocument_DetectsTampering(t *testing.T) {
	j := openTestJournal(t)
	rec, err := j.Begin(Record{Class: fiscal.ClassNFe}, testDocs())
	require.NoError(t, err)

	staged := filepath.Join(j.dir, stagingDir, rec.ID, string(rec.Entries[0].Key)+".xml")
	require.NoError(t, os.WriteFile(staged, []byte("truncated"), 0o644))

	_, err = j.Document(rec, rec.Entries[0], fiscal.ClassNFe)
	assert.ErrorIs(t, err, ErrDigestMismatch)
}

func TestComplete_ArchivesCompressed(t *testing.T) {
	j := openTestJournal(t)
	rec, err := j.Begin(Record{TaxID: "12345678000190", Class: fiscal.ClassCTe, Advance: 2}, testDocs())
	require.NoError(t, err)

	require.NoError(t, j.Complete(rec.ID))

	pending, err := j.Pending()
	require.NoError(t, err)
	assert.Empty(t, pending)
	assert.NoDirExists(t, filepath.Join(j.dir, stagingDir, rec.ID))

	got, err := j.Completed(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, 2, got.Advance)
	assert.Len(t, got.Entries, 2)
}

func TestAbort_RemovesEverything(t *testing.T) {
	j := openTestJournal(t)
	rec, err := j.Begin(Record{Class: fiscal.ClassNFe}, testDocs())
	require.NoError(t, err)

	require.NoError(t, j.Abort(rec.ID))
	require.NoError(t, j.Abort(rec.ID))

	pending, err := j.Pending()
	require.NoError(t, err)
	assert.Empty(t, pending)
	assert.NoDirExists(t, filepath.Join(j.dir, stagingDir, rec.ID))
}

func TestPending_OldestFirst(t *testing.T) {
	j := openTestJournal(t)
	base := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

	j.SetClock(func() time.Time { return base.Add(time.Minute) })
	later, err := j.Begin(Record{Class: fiscal.ClassNFe}, nil)
	require.NoError(t, err)
	j.SetClock(func() time.Time { return base })
	earlier, err := j.Begin(Record{Class: fiscal.ClassNFe}, nil)
	require.NoError(t, err)

	pending, err := j.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, earlier.ID, pending[0].ID)
	assert.Equal(t, later.ID, pending[1].ID)
}

func TestPrune(t *testing.T) {
	j := openTestJournal(t)
	rec, err := j.Begin(Record{Class: fiscal.ClassNFe}, nil)
	require.NoError(t, err)
	require.NoError(t, j.Complete(rec.ID))

	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(j.dir, completedDir, rec.ID+".json.zst"), old, old))

	n, err := j.Prune(24 * time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

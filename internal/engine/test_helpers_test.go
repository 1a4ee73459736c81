package engine

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/fiscalsync/internal/archive"
	"github.com/roach88/fiscalsync/internal/fiscal"
	"github.com/roach88/fiscalsync/internal/journal"
	"github.com/roach88/fiscalsync/internal/mirror"
	"github.com/roach88/fiscalsync/internal/state"
	"github.com/roach88/fiscalsync/internal/testutil"
)

var (
	testStart  = time.Date(2025, 4, 2, 9, 0, 0, 0, time.UTC)
	testPeriod = fiscal.MustParsePeriod("03-2025")
	midMarch   = time.Date(2025, 3, 15, 10, 0, 0, 0, time.UTC)

	acme   = fiscal.Entity{TaxID: "12345678000190", Name: "Acme"}
	globex = fiscal.Entity{TaxID: "98765432000110", Name: "Globex"}
)

// fixture is a fully wired engine over temp directories.
type fixture struct {
	t       *testing.T
	dir     string
	store   *state.Store
	src     *testutil.FakeSource
	archive *archive.Archive
	mirror  *mirror.DirSink
	sink    *testutil.RecordingSink
	journal *journal.Journal
	clock   *testutil.FakeClock
	engine  *Engine
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newFixture(t *testing.T, mutate ...func(*Config)) *fixture {
	t.Helper()
	dir := t.TempDir()
	f := &fixture{
		t:     t,
		dir:   dir,
		src:   testutil.NewFakeSource(),
		clock: testutil.NewFakeClock(testStart),
	}
	t.Cleanup(f.src.Release)

	var err error
	f.store, err = state.Open(context.Background(), filepath.Join(dir, "state"), state.WithClock(f.clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { f.store.Close() })

	f.archive = archive.New(filepath.Join(dir, "archive"))
	f.mirror, err = mirror.NewDirSink(filepath.Join(dir, "mirror"))
	require.NoError(t, err)
	f.sink = testutil.NewRecordingSink(f.mirror)
	f.journal, err = journal.Open(filepath.Join(dir, "journal"))
	require.NoError(t, err)

	cfg := DefaultConfig()
	for _, m := range mutate {
		m(&cfg)
	}
	f.engine, err = New(cfg, f.store, f.src, f.archive, f.sink, f.journal,
		WithLogger(quietLogger()),
		WithClock(f.clock.Now),
		WithRunIDs(NewFixedGenerator("run-1", "run-2", "run-3", "run-4", "run-5")),
	)
	require.NoError(t, err)
	return f
}

func (f *fixture) entityState(e fiscal.Entity, p fiscal.Period) *state.EntityState {
	f.t.Helper()
	es, err := f.store.LoadEntity(context.Background(), p, e.TaxID)
	require.NoError(f.t, err)
	return es
}

// seedIssuer serves docs for acme/NFe/Issuer and scripts a manifest
// listing them.
func (f *fixture) seedIssuer(docs []fiscal.Document) {
	keys := make([]fiscal.DocumentKey, len(docs))
	for i, d := range docs {
		keys[i] = d.Key
	}
	f.src.SetDocuments(acme.TaxID, fiscal.ClassNFe, fiscal.RoleIssuer, testPeriod, docs)
	f.src.ScriptManifest(acme.TaxID, fiscal.ClassNFe, testPeriod, testutil.ManifestReply{
		Manifest: manifestOf(keys),
	})
}

func journalRecord(docs []fiscal.Document) journal.Record {
	return journal.Record{
		TaxID:      acme.TaxID,
		EntityName: acme.Name,
		Period:     testPeriod.Key(),
		Class:      fiscal.ClassNFe,
		Role:       fiscal.RoleIssuer,
		BaseOffset: 0,
		Advance:    len(docs),
	}
}

// writeGarbage puts a non-SQLite file where a period unit is expected.
func writeGarbage(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(strings.Repeat("not a database ", 300)), 0o644))
}

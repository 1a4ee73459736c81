package state

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/fiscalsync/internal/fiscal"
)

func TestOpen_AppliesPragmas(t *testing.T) {
	s := createTestStore(t)
	p := fiscal.MustParsePeriod("03-2025")
	u, err := s.unitFor(context.Background(), p)
	require.NoError(t, err)

	var mode string
	require.NoError(t, u.db.QueryRow("PRAGMA journal_mode").Scan(&mode))
	assert.Equal(t, "wal", mode)

	var version int
	require.NoError(t, u.db.QueryRow("PRAGMA user_version").Scan(&version))
	assert.Equal(t, currentPeriodSchemaVersion, version)
}

// TestMigration_V1Pendencies opens a unit written before pendencies carried
// a phase column and checks the processing status is split into a phase.
func TestMigration_V1Pendencies(t *testing.T) {
	dir := t.TempDir()
	p := fiscal.MustParsePeriod("08-2024")
	path := filepath.Join(dir, p.Key(), unitFile)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))

	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	_, err = db.Exec(`
		CREATE TABLE period_info (id INTEGER PRIMARY KEY CHECK (id = 1), period_key TEXT NOT NULL, created_at INTEGER NOT NULL);
		INSERT INTO period_info VALUES (1, '08-2024', 0);
		CREATE TABLE ledger (tax_id TEXT NOT NULL, class TEXT NOT NULL, doc_key TEXT NOT NULL, recorded_at INTEGER NOT NULL, PRIMARY KEY (tax_id, class, doc_key)) WITHOUT ROWID;
		CREATE TABLE cursors (tax_id TEXT NOT NULL, class TEXT NOT NULL, role TEXT NOT NULL, position INTEGER NOT NULL, PRIMARY KEY (tax_id, class, role)) WITHOUT ROWID;
		CREATE TABLE pendencies (tax_id TEXT NOT NULL, class TEXT NOT NULL, status TEXT NOT NULL, attempts INTEGER NOT NULL, last_attempt INTEGER NOT NULL, last_error TEXT NOT NULL DEFAULT '', PRIMARY KEY (tax_id, class)) WITHOUT ROWID;
		INSERT INTO pendencies (tax_id, class, status, attempts, last_attempt) VALUES ('12345678000190', 'NFe', 'pending_processing', 4, 1700000000);
		INSERT INTO pendencies (tax_id, class, status, attempts, last_attempt) VALUES ('12345678000190', 'CTe', 'pending_fetch', 1, 1700000000);
		INSERT INTO ledger VALUES ('12345678000190', 'NFe', '33333333333333333333333333333333333333333331', 0);
		PRAGMA user_version = 1;
	`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	s := openTestStore(t, dir)
	e, err := s.LoadEntity(context.Background(), p, "12345678000190")
	require.NoError(t, err)

	nfe, ok := e.Pendency(fiscal.ClassNFe)
	require.True(t, ok)
	assert.Equal(t, StatusPending, nfe.Status)
	assert.Equal(t, PhaseProcessing, nfe.Phase)
	assert.Equal(t, 4, nfe.Attempts)

	cte, ok := e.Pendency(fiscal.ClassCTe)
	require.True(t, ok)
	assert.Equal(t, StatusPending, cte.Status)
	assert.Equal(t, PhaseFetch, cte.Phase)

	assert.True(t, e.Ledgered(fiscal.ClassNFe, testKey(1)))
}

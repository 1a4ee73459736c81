package state

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/fiscalsync/internal/fiscal"
)

// legacyV1 mixes both month orders and keeps flat root counters, like
// files written before the nested layout existed.
const legacyV1 = `{
  "2025-01": {
    "12345678000190": {"NFe_Emitente": 40, "CTe_Tomador": 5, "unrelated": 9}
  },
  "processed_xml_keys": {
    "12345678000190": {
      "2025-01": {"NFe": ["33333333333333333333333333333333333333333331", "33333333333333333333333333333333333333333332"]},
      "01-2025": {"NFe": ["33333333333333333333333333333333333333333332", "33333333333333333333333333333333333333333333"]}
    }
  },
  "xml_skip_counts": {
    "12345678000190": {
      "2025-01": {"NFe": {"Emitente": 30, "Destinatario": 12}},
      "01-2025": {"NFe": {"Destinatario": 20}}
    }
  },
  "report_pendencies": {
    "12345678000190": {
      "2024-12": {"CTe": {"attempts": 3, "status": "pending_processing", "last_attempt_timestamp": "2025-01-02T10:00:00"}},
      "01-2025": {"NFe": {"attempts": 10, "status": "max_attempts_reached"}}
    }
  },
  "report_download_status": {},
  "_metadata": {"last_seed_run_iso": "2025-01-05T08:30:00.123456"}
}`

func TestMigrateLegacy_ChainAndPartition(t *testing.T) {
	snaps, seed, err := migrateLegacy([]byte(legacyV1))
	require.NoError(t, err)
	assert.False(t, seed.IsZero())

	require.Contains(t, snaps, "01-2025")
	require.Contains(t, snaps, "12-2024")
	assert.Len(t, snaps, 2)

	jan := snaps["01-2025"].Entities["12345678000190"]
	require.NotNil(t, jan)

	// Keys recorded under either month order end up in one ledger.
	assert.Equal(t, []fiscal.DocumentKey{testKey(1), testKey(2), testKey(3)}, jan.LedgerKeys(fiscal.ClassNFe))

	// Flat counter (40) beats nested (30); merged month orders keep the larger value.
	assert.Equal(t, 40, jan.Offset(fiscal.ClassNFe, fiscal.RoleIssuer))
	assert.Equal(t, 20, jan.Offset(fiscal.ClassNFe, fiscal.RoleRecipient))
	assert.Equal(t, 5, jan.Offset(fiscal.ClassCTe, fiscal.RoleIntermediary))

	p, ok := jan.Pendency(fiscal.ClassNFe)
	require.True(t, ok)
	assert.Equal(t, StatusMaxAttempts, p.Status)

	dec := snaps["12-2024"].Entities["12345678000190"]
	require.NotNil(t, dec)
	cp, ok := dec.Pendency(fiscal.ClassCTe)
	require.True(t, ok)
	assert.Equal(t, StatusPending, cp.Status)
	assert.Equal(t, PhaseProcessing, cp.Phase)
	assert.Equal(t, 3, cp.Attempts)
	assert.False(t, cp.LastAttempt.IsZero())
}

func TestMigrateLegacy_Deterministic(t *testing.T) {
	a, _, err := migrateLegacy([]byte(legacyV1))
	require.NoError(t, err)
	b, _, err := migrateLegacy([]byte(legacyV1))
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestMigrateLegacy_Errors(t *testing.T) {
	tests := map[string]string{
		"not json":       "{",
		"future version": `{"schema_version": 7}`,
		"bad month":      `{"schema_version": 2, "xml_skip_counts": {"12345678000190": {"2025-13": {"NFe": {"Emitente": 1}}}}}`,
		"bad class":      `{"schema_version": 2, "processed_xml_keys": {"12345678000190": {"01-2025": {"MDFe": ["x"]}}}}`,
		"bad status":     `{"schema_version": 2, "report_pendencies": {"12345678000190": {"01-2025": {"NFe": {"attempts": 1, "status": "weird"}}}}}`,
	}
	for name, raw := range tests {
		t.Run(name, func(t *testing.T) {
			_, _, err := migrateLegacy([]byte(raw))
			assert.Error(t, err)
		})
	}
}

func TestLiftFlatCounters_IsPure(t *testing.T) {
	in := legacyState{
		Version: 1,
		Skips:   map[string]map[string]map[string]map[string]int{"t": {"2025-01": {"NFe": {"Emitente": 1}}}},
		Flat:    map[string]map[string]map[string]int{"2025-01": {"t": {"NFe_Emitente": 9}}},
	}
	out, err := liftFlatCounters(in)
	require.NoError(t, err)
	assert.Equal(t, 9, out.Skips["t"]["2025-01"]["NFe"]["Emitente"])
	assert.Equal(t, 1, in.Skips["t"]["2025-01"]["NFe"]["Emitente"], "input must not be mutated")
	assert.Nil(t, out.Flat)
	assert.Equal(t, 2, out.Version)
}

func TestOpen_ImportsLegacyFile(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	legacy := filepath.Join(dir, LegacyFile)
	require.NoError(t, os.WriteFile(legacy, []byte(legacyV1), 0o644))

	s := openTestStore(t, dir)

	_, err := os.Stat(legacy)
	assert.True(t, os.IsNotExist(err), "legacy file should be retired")
	assert.FileExists(t, legacy+".migrated")

	e, err := s.LoadEntity(ctx, fiscal.MustParsePeriod("01-2025"), "12345678000190")
	require.NoError(t, err)
	assert.Len(t, e.LedgerKeys(fiscal.ClassNFe), 3)
	assert.Equal(t, 40, e.Offset(fiscal.ClassNFe, fiscal.RoleIssuer))

	seed, ok, err := s.LastSeedRun(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.False(t, seed.IsZero())

	_, ok, err = s.LegacyImportedAt(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestImportLegacy_MergesWithExistingState(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	s := openTestStore(t, dir)

	jan := fiscal.MustParsePeriod("01-2025")
	e := NewEntityState("12345678000190")
	require.NoError(t, e.Advance(fiscal.ClassNFe, fiscal.RoleIssuer, 100))
	e.Record(fiscal.ClassCTe, testKey(77))
	require.NoError(t, s.SaveEntity(ctx, jan, e))

	legacy := filepath.Join(dir, "import.json")
	require.NoError(t, os.WriteFile(legacy, []byte(legacyV1), 0o644))
	report, err := s.ImportLegacy(ctx, legacy)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Periods)
	assert.Equal(t, 1, report.Entities)

	got, err := s.LoadEntity(ctx, jan, "12345678000190")
	require.NoError(t, err)
	assert.Equal(t, 100, got.Offset(fiscal.ClassNFe, fiscal.RoleIssuer), "existing larger cursor kept")
	assert.True(t, got.Ledgered(fiscal.ClassCTe, testKey(77)))
	assert.Len(t, got.LedgerKeys(fiscal.ClassNFe), 3)
}

func TestOpen_BrokenLegacyFileFailsOpen(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, LegacyFile), []byte("{not json"), 0o644))

	_, err := Open(context.Background(), dir)
	require.Error(t, err)
	assert.True(t, IsCorruptState(err))
	assert.FileExists(t, filepath.Join(dir, LegacyFile))
}

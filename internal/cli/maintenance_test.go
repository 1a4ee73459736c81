package cli

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/fiscalsync/internal/fiscal"
	"github.com/roach88/fiscalsync/internal/state"
)

// seedState runs one cycle so the store has a period with two Globex
// pendencies and a breaker entry.
func seedState(t *testing.T) *testEnv {
	t.Helper()
	env := newTestEnv(t)
	env.seedAcme(t)
	_, _ = execute(newRunCommand(newTestRun(env, "seed")), "--roster", env.roster, "--period", "03-2025")
	return env
}

func decodeData(t *testing.T, out string, v any) {
	t.Helper()
	var resp struct {
		Status string          `json:"status"`
		Data   json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp), out)
	require.Equal(t, "ok", resp.Status, out)
	require.NoError(t, json.Unmarshal(resp.Data, v))
}

func TestPendingList(t *testing.T) {
	env := seedState(t)

	out, err := root("--format", "json", "-c", env.config, "pending", "list")
	require.NoError(t, err)
	var report pendingReport
	decodeData(t, out, &report)
	require.Len(t, report.Items, 2)
	for _, it := range report.Items {
		assert.Equal(t, globexID, it.TaxID)
		assert.Equal(t, state.PhaseFetch, it.Phase)
		assert.Equal(t, 1, it.Attempts)
	}

	out, err = root("--format", "json", "-c", env.config, "pending", "list", "--all")
	require.NoError(t, err)
	decodeData(t, out, &report)
	assert.Len(t, report.Items, 3, "acme CTe no-data marker included")
}

func TestPendingList_Text(t *testing.T) {
	env := seedState(t)

	out, err := root("-c", env.config, "pending", "list", "--period", "03-2025")
	require.NoError(t, err)
	assert.Contains(t, out, "PERIOD")
	assert.Contains(t, out, globexID)
}

func TestPendingClear(t *testing.T) {
	env := seedState(t)

	out, err := root("--format", "json", "-c", env.config, "pending", "clear", "98.765.432/0001-10", "03-2025", "NFe")
	require.NoError(t, err)
	var res clearResult
	decodeData(t, out, &res)
	assert.Equal(t, clearResult{TaxID: globexID, Period: "03-2025", Class: "NFe", Previous: "pending"}, res)

	_, err = root("-c", env.config, "pending", "clear", globexID, "03-2025", "NFe")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	_, err = root("-c", env.config, "pending", "clear", globexID, "03-2025", "MDFe")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestBreakerListAndReset(t *testing.T) {
	env := seedState(t)

	out, err := root("--format", "json", "-c", env.config, "breaker", "list")
	require.NoError(t, err)
	var report breakerReport
	decodeData(t, out, &report)
	require.Len(t, report.Entries, 1)
	assert.Equal(t, globexID, report.Entries[0].TaxID)
	assert.Equal(t, 1, report.Entries[0].Failures, "two failed units in one run count once")
	assert.False(t, report.Entries[0].Suppressed)

	_, err = root("-c", env.config, "breaker", "reset", globexID)
	require.NoError(t, err)

	out, err = root("-c", env.config, "breaker", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "no breaker entries")
}

func TestVerify_ReportsAndQuarantinesCorruptUnits(t *testing.T) {
	env := seedState(t)
	stateDir := filepath.Join(env.dir, "state")

	out, err := root("-c", env.config, "verify")
	require.NoError(t, err)
	assert.Contains(t, out, "03-2025  ok")

	bad := fiscal.MustParsePeriod("02-2025")
	unit := filepath.Join(stateDir, bad.Key(), "state.db")
	require.NoError(t, os.MkdirAll(filepath.Dir(unit), 0o755))
	require.NoError(t, os.WriteFile(unit, []byte(strings.Repeat("garbage ", 600)), 0o644))

	out, err = root("--format", "json", "-c", env.config, "verify")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	var report verifyReport
	decodeData(t, out, &report)
	assert.Equal(t, 1, report.Corrupt)
	require.Len(t, report.Periods, 2)
	assert.Equal(t, "02-2025", report.Periods[0].Period, "oldest first")
	assert.False(t, report.Periods[0].OK)

	out, err = root("--format", "json", "-c", env.config, "verify", "--quarantine", "--period", "02-2025")
	require.Error(t, err)
	decodeData(t, out, &report)
	assert.Contains(t, report.Periods[0].Quarantined, "state.db.corrupt-")
	assert.NoFileExists(t, unit)

	_, err = root("-c", env.config, "verify", "--period", "02-2025")
	assert.NoError(t, err, "a quarantined period starts fresh")
}

func TestQuarantine(t *testing.T) {
	env := seedState(t)

	out, err := root("--format", "json", "-c", env.config, "quarantine", "03-2025")
	require.NoError(t, err)
	var res quarantineResult
	decodeData(t, out, &res)
	assert.Equal(t, "03-2025", res.Period)
	assert.FileExists(t, res.MovedTo)

	out, err = root("-c", env.config, "quarantine", "05-2025")
	require.NoError(t, err)
	assert.Contains(t, out, "nothing to do")
}

func TestMigrate_Idempotent(t *testing.T) {
	env := newTestEnv(t)
	legacy := filepath.Join(env.dir, "legacy.json")
	require.NoError(t, os.WriteFile(legacy, []byte(legacyFixture), 0o644))

	out, err := root("--format", "json", "-c", env.config, "migrate", legacy)
	require.NoError(t, err)
	var report migrateResult
	decodeData(t, out, &report)
	assert.Equal(t, 1, report.Periods)
	assert.Equal(t, 1, report.Entities)
	assert.FileExists(t, legacy+".migrated")

	st, err := state.Open(context.Background(), filepath.Join(env.dir, "state"),
		state.WithClock(func() time.Time { return testNow }))
	require.NoError(t, err)
	defer st.Close()
	es, err := st.LoadEntity(context.Background(), testPeriod, acmeID)
	require.NoError(t, err)
	assert.Equal(t, 4, es.Offset(fiscal.ClassNFe, fiscal.RoleIssuer))
}

const legacyFixture = `{
  "schema_version": 2,
  "processed_xml_keys": {"12345678000190": {"03-2025": {"NFe": ["35000000000000000000000000000000000000000001"]}}},
  "xml_skip_counts": {"12345678000190": {"03-2025": {"NFe": {"Emitente": 4}}}}
}`

package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"

	"github.com/roach88/fiscalsync/internal/fiscal"
	"github.com/roach88/fiscalsync/internal/testutil"
)

var (
	testNow    = time.Date(2025, 4, 2, 9, 0, 0, 0, time.UTC)
	testPeriod = fiscal.MustParsePeriod("03-2025")
	midMarch   = time.Date(2025, 3, 15, 10, 0, 0, 0, time.UTC)
)

const (
	acmeID   = "12345678000190"
	globexID = "98765432000110"
)

// testEnv is a config file, roster and source tree under one temp dir.
type testEnv struct {
	dir    string
	config string
	roster string
	source string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	env := &testEnv{
		dir:    dir,
		config: filepath.Join(dir, "fiscalsync.yaml"),
		roster: filepath.Join(dir, "roster.yaml"),
		source: filepath.Join(dir, "source"),
	}

	cfg := fmt.Sprintf(`state_dir: %s
archive_dir: %s
journal_dir: %s
mirror:
  kind: dir
  dir: %s
source:
  dir: %s
  rate_per_second: 0
`, filepath.Join(dir, "state"), filepath.Join(dir, "archive"), filepath.Join(dir, "journal"),
		filepath.Join(dir, "mirror"), env.source)
	require.NoError(t, os.WriteFile(env.config, []byte(cfg), 0o644))

	roster := fmt.Sprintf("- tax_id: %q\n  name: Acme Comércio\n- tax_id: %q\n  name: Globex\n", acmeID, globexID)
	require.NoError(t, os.WriteFile(env.roster, []byte(roster), 0o644))
	return env
}

func (e *testEnv) writeManifest(t *testing.T, taxID string, class fiscal.Class, keys []fiscal.DocumentKey, message string) {
	t.Helper()
	dir := filepath.Join(e.source, taxID, testPeriod.Key(), string(class))
	require.NoError(t, os.MkdirAll(dir, 0o755))
	raw := make([]string, len(keys))
	for i, k := range keys {
		raw[i] = string(k)
	}
	data, err := json.Marshal(map[string]any{"keys": raw, "message": message})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "manifest.json"), data, 0o644))
}

func (e *testEnv) writeDoc(t *testing.T, taxID string, doc fiscal.Document) {
	t.Helper()
	dir := filepath.Join(e.source, taxID, testPeriod.Key(), string(doc.Class), string(doc.Role))
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, string(doc.Key)+".xml"), doc.Content, 0o644))
}

// seedAcme serves three NFe documents for Acme (two Issuer, one Recipient)
// and a no-data answer for CTe. Globex has nothing, so its manifests fail.
func (e *testEnv) seedAcme(t *testing.T) {
	t.Helper()
	e.writeManifest(t, acmeID, fiscal.ClassNFe, testutil.Keys(1, 3), "")
	e.writeDoc(t, acmeID, testutil.Doc(testutil.Key(1), fiscal.ClassNFe, fiscal.RoleIssuer, midMarch))
	e.writeDoc(t, acmeID, testutil.Doc(testutil.Key(2), fiscal.ClassNFe, fiscal.RoleIssuer, midMarch))
	e.writeDoc(t, acmeID, testutil.Doc(testutil.Key(3), fiscal.ClassNFe, fiscal.RoleRecipient, midMarch))
	e.writeManifest(t, acmeID, fiscal.ClassCTe, nil, "EmptyReport: no documents for the period")
}

// execute runs cmd with args, returning stdout. Logs are discarded.
func execute(cmd *cobra.Command, args ...string) (string, error) {
	buf := &bytes.Buffer{}
	cmd.SetOut(buf)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

// root runs the full command tree.
func root(args ...string) (string, error) {
	return execute(NewRootCommand(), args...)
}

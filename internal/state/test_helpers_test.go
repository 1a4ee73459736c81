package state

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/fiscalsync/internal/fiscal"
)

var testNow = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

// createTestStore opens a store in a fresh temp dir with a fixed clock.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	return openTestStore(t, t.TempDir())
}

func openTestStore(t *testing.T, dir string) *Store {
	t.Helper()
	s, err := Open(context.Background(), dir, WithClock(func() time.Time { return testNow }))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// testKey builds a valid 44-digit key ending in n.
func testKey(n int) fiscal.DocumentKey {
	suffix := fmt.Sprintf("%d", n)
	return fiscal.DocumentKey(strings.Repeat("3", fiscal.KeyLength-len(suffix)) + suffix)
}

// writeGarbageUnit writes a non-SQLite file where a period unit is expected.
func writeGarbageUnit(t *testing.T, path string) []byte {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	garbage := []byte(strings.Repeat("not a database ", 300))
	require.NoError(t, os.WriteFile(path, garbage, 0o644))
	return garbage
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/fiscalsync/internal/engine"
	"github.com/roach88/fiscalsync/internal/fiscal"
	"github.com/roach88/fiscalsync/internal/telemetry"
)

func TestDefault_MatchesEngineDefaults(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	ec := cfg.Engine()
	assert.Equal(t, engine.DefaultConfig(), ec)
	assert.Equal(t, 90*time.Second, ec.Deadlines.For(fiscal.ClassNFe))
	assert.Equal(t, 180*time.Second, ec.Deadlines.For(fiscal.ClassCTe))
}

func TestLoad_EmptyPathIsDefault(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_FullFile(t *testing.T) {
	cfg, err := Load(filepath.Join("testdata", "full.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "/srv/fiscal", cfg.ArchiveDir)
	assert.Equal(t, MirrorConfig{Kind: MirrorS3, Bucket: "fiscal-mirror", Region: "sa-east-1", Prefix: "inbound"}, cfg.Mirror)
	assert.Equal(t, SourceConfig{Dir: "/srv/captured", RatePerSecond: 0.5, Burst: 2}, cfg.Source)
	assert.Equal(t, 25, cfg.BatchSize)
	assert.Equal(t, 4, cfg.Workers)

	ec := cfg.Engine()
	assert.Equal(t, 6, ec.AttemptCeiling)
	assert.Equal(t, engine.BreakerPolicy{Threshold: 5, Cooldown: 30 * time.Minute}, ec.Breaker)
	assert.Equal(t, 20*time.Second, ec.Deadlines.Default)
	assert.Equal(t, time.Minute, ec.Deadlines.For(fiscal.ClassNFe))
	assert.Equal(t, 150*time.Second, ec.Deadlines.For(fiscal.ClassCTe))
	assert.Equal(t, 5, ec.ReclassifyDays)
	assert.Equal(t, 0, ec.SingleFetchThreshold)

	assert.Equal(t, telemetry.ProviderConfig{OTLPEndpoint: "collector.internal:4317", Insecure: true, Interval: time.Minute},
		cfg.Telemetry.Provider())
}

func TestParse_PartialKeepsDefaults(t *testing.T) {
	cfg, err := Parse("partial.yaml", []byte("workers: 3\nbreaker:\n  cooldown: 2h\n"))
	require.NoError(t, err)

	want := Default()
	want.Workers = 3
	want.Breaker.Cooldown = 2 * time.Hour
	assert.Equal(t, want, cfg)
}

func TestParse_SchemaRejections(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		line int
	}{
		{"zero ceiling", "batch_size: 10\nattempt_ceiling: 0\n", 2},
		{"unknown key", "workers: 2\nretries: 4\n", 2},
		{"bad duration", "breaker:\n  cooldown: soon\n", 2},
		{"bad mirror kind", "mirror:\n  kind: ftp\n", 2},
		{"negative threshold", "single_fetch_threshold: -1\n", 1},
		{"bad export interval", "telemetry:\n  interval: often\n", 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse("bad.yaml", []byte(tt.yaml))
			require.Error(t, err)
			require.True(t, IsSchemaError(err), "got %v", err)

			var se *SchemaError
			require.ErrorAs(t, err, &se)
			assert.Equal(t, "bad.yaml", se.File)
			if se.Pos.IsValid() {
				assert.Equal(t, tt.line, se.Pos.Line())
			}
		})
	}
}

func TestParse_CrossFieldRules(t *testing.T) {
	_, err := Parse("s3.yaml", []byte("mirror:\n  kind: s3\n"))
	require.Error(t, err)
	assert.False(t, IsSchemaError(err))
	assert.Contains(t, err.Error(), "mirror.bucket is required")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

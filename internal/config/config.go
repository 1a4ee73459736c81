// Package config loads the fiscalsync configuration file.
//
// The file is YAML. Before decoding it is checked against an embedded CUE
// schema, so unknown keys and out-of-range thresholds are reported with the
// line they came from. Keys that are absent keep their defaults.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"
	cueyaml "cuelang.org/go/encoding/yaml"
	"gopkg.in/yaml.v3"

	"github.com/roach88/fiscalsync/internal/engine"
	"github.com/roach88/fiscalsync/internal/fiscal"
	"github.com/roach88/fiscalsync/internal/telemetry"
)

//go:embed schema.cue
var schemaSource string

// Mirror kinds.
const (
	MirrorDir = "dir"
	MirrorS3  = "s3"
)

// Config is the decoded configuration file.
type Config struct {
	StateDir   string `yaml:"state_dir" json:"state_dir"`
	ArchiveDir string `yaml:"archive_dir" json:"archive_dir"`
	JournalDir string `yaml:"journal_dir" json:"journal_dir"`
	Roster     string `yaml:"roster" json:"roster,omitempty"`

	Mirror MirrorConfig `yaml:"mirror" json:"mirror"`
	Source SourceConfig `yaml:"source" json:"source"`

	BatchSize            int            `yaml:"batch_size" json:"batch_size"`
	Workers              int            `yaml:"workers" json:"workers"`
	AttemptCeiling       int            `yaml:"attempt_ceiling" json:"attempt_ceiling"`
	Breaker              BreakerConfig  `yaml:"breaker" json:"breaker"`
	Deadlines            DeadlineConfig `yaml:"deadlines" json:"deadlines"`
	ReclassifyDays       int            `yaml:"reclassify_days" json:"reclassify_days"`
	SingleFetchThreshold int            `yaml:"single_fetch_threshold" json:"single_fetch_threshold"`

	Telemetry TelemetryConfig `yaml:"telemetry" json:"telemetry"`
}

// MirrorConfig selects the downstream mirror.
type MirrorConfig struct {
	Kind     string `yaml:"kind" json:"kind"`
	Dir      string `yaml:"dir" json:"dir,omitempty"`
	Bucket   string `yaml:"bucket" json:"bucket,omitempty"`
	Region   string `yaml:"region" json:"region,omitempty"`
	Endpoint string `yaml:"endpoint" json:"endpoint,omitempty"`
	Prefix   string `yaml:"prefix" json:"prefix,omitempty"`
}

// SourceConfig configures the directory-backed source and its rate limit.
// A zero rate disables limiting.
type SourceConfig struct {
	Dir           string  `yaml:"dir" json:"dir"`
	RatePerSecond float64 `yaml:"rate_per_second" json:"rate_per_second"`
	Burst         int     `yaml:"burst" json:"burst"`
}

// TelemetryConfig points the counters at an OTLP/gRPC collector. Without an
// endpoint the counters stay in process and are logged after each run.
type TelemetryConfig struct {
	OTLPEndpoint string        `yaml:"otlp_endpoint" json:"otlp_endpoint,omitempty"`
	Insecure     bool          `yaml:"insecure" json:"insecure,omitempty"`
	Interval     time.Duration `yaml:"interval" json:"interval"`
}

// Provider converts the section for telemetry.NewProvider.
func (t TelemetryConfig) Provider() telemetry.ProviderConfig {
	return telemetry.ProviderConfig{
		OTLPEndpoint: t.OTLPEndpoint,
		Insecure:     t.Insecure,
		Interval:     t.Interval,
	}
}

type BreakerConfig struct {
	Threshold int           `yaml:"threshold" json:"threshold"`
	Cooldown  time.Duration `yaml:"cooldown" json:"cooldown"`
}

type DeadlineConfig struct {
	Default time.Duration `yaml:"default" json:"default"`
	NFe     time.Duration `yaml:"NFe" json:"NFe"`
	CTe     time.Duration `yaml:"CTe" json:"CTe"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	ec := engine.DefaultConfig()
	return Config{
		StateDir:   "data/state",
		ArchiveDir: "data/archive",
		JournalDir: "data/journal",
		Mirror: MirrorConfig{
			Kind: MirrorDir,
			Dir:  "data/mirror",
		},
		Source: SourceConfig{
			Dir:           "data/source",
			RatePerSecond: 2,
			Burst:         1,
		},
		BatchSize:      ec.BatchSize,
		Workers:        ec.Workers,
		AttemptCeiling: ec.AttemptCeiling,
		Breaker: BreakerConfig{
			Threshold: ec.Breaker.Threshold,
			Cooldown:  ec.Breaker.Cooldown,
		},
		Deadlines: DeadlineConfig{
			Default: ec.Deadlines.Default,
			NFe:     ec.Deadlines.For(fiscal.ClassNFe),
			CTe:     ec.Deadlines.For(fiscal.ClassCTe),
		},
		ReclassifyDays:       ec.ReclassifyDays,
		SingleFetchThreshold: ec.SingleFetchThreshold,
		Telemetry: TelemetryConfig{
			Interval: telemetry.DefaultExportInterval,
		},
	}
}

// SchemaError is a configuration value rejected by the schema.
type SchemaError struct {
	File    string
	Pos     token.Pos
	Message string
}

func (e *SchemaError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s", e.File, e.Pos.Line(), e.Pos.Column(), e.Message)
	}
	return fmt.Sprintf("%s: %s", e.File, e.Message)
}

// IsSchemaError reports whether err is a *SchemaError.
func IsSchemaError(err error) bool {
	var se *SchemaError
	return errors.As(err, &se)
}

// Load reads path. An empty path returns Default().
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(path, data)
}

// Parse validates data against the schema and decodes it over Default().
func Parse(filename string, data []byte) (Config, error) {
	if err := checkSchema(filename, data); err != nil {
		return Config{}, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config %s: %w", filename, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", filename, err)
	}
	return cfg, nil
}

func checkSchema(filename string, data []byte) error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}

	file, err := cueyaml.Extract(filename, data)
	if err != nil {
		return schemaError(filename, err)
	}
	doc := ctx.BuildFile(file)
	if err := doc.Err(); err != nil {
		return schemaError(filename, err)
	}

	unified := schema.LookupPath(cue.ParsePath("#Config")).Unify(doc)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return schemaError(filename, err)
	}
	return nil
}

// schemaError keeps the first CUE error and the position inside the YAML
// file it points at.
func schemaError(filename string, err error) error {
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return &SchemaError{File: filename, Message: err.Error()}
	}
	first := errs[0]
	se := &SchemaError{File: filename, Message: first.Error()}
	for _, pos := range cueerrors.Positions(first) {
		if pos.Filename() == filename {
			se.Pos = pos
			break
		}
	}
	return se
}

// Validate checks the rules the schema cannot express.
func (c Config) Validate() error {
	var errs []error
	switch c.Mirror.Kind {
	case MirrorDir:
		if c.Mirror.Dir == "" {
			errs = append(errs, errors.New("mirror.dir is required for a dir mirror"))
		}
	case MirrorS3:
		if c.Mirror.Bucket == "" {
			errs = append(errs, errors.New("mirror.bucket is required for an s3 mirror"))
		}
	default:
		errs = append(errs, fmt.Errorf("mirror.kind %q: want dir or s3", c.Mirror.Kind))
	}
	if c.Source.Dir == "" {
		errs = append(errs, errors.New("source.dir is required"))
	}
	if err := c.Engine().Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Engine returns the engine tunables.
func (c Config) Engine() engine.Config {
	return engine.Config{
		BatchSize:      c.BatchSize,
		Workers:        c.Workers,
		AttemptCeiling: c.AttemptCeiling,
		Breaker: engine.BreakerPolicy{
			Threshold: c.Breaker.Threshold,
			Cooldown:  c.Breaker.Cooldown,
		},
		Deadlines: engine.Deadlines{
			Default: c.Deadlines.Default,
			PerClass: map[fiscal.Class]time.Duration{
				fiscal.ClassNFe: c.Deadlines.NFe,
				fiscal.ClassCTe: c.Deadlines.CTe,
			},
		},
		ReclassifyDays:       c.ReclassifyDays,
		SingleFetchThreshold: c.SingleFetchThreshold,
	}
}

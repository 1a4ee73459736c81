package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/fiscalsync/internal/archive"
	"github.com/roach88/fiscalsync/internal/fiscal"
	"github.com/roach88/fiscalsync/internal/journal"
	"github.com/roach88/fiscalsync/internal/mirror"
	"github.com/roach88/fiscalsync/internal/source"
	"github.com/roach88/fiscalsync/internal/state"
	"github.com/roach88/fiscalsync/internal/telemetry"
)

const (
	// DefaultBatchSize is how many documents one FetchBatch call asks for.
	DefaultBatchSize = 50

	// DefaultSingleFetchThreshold caps how many missing manifest keys are
	// fetched one by one per class.
	DefaultSingleFetchThreshold = 10
)

// Config holds the engine's tunables. Every threshold is configuration.
type Config struct {
	BatchSize            int
	Workers              int
	AttemptCeiling       int
	Breaker              BreakerPolicy
	Deadlines            Deadlines
	ReclassifyDays       int
	SingleFetchThreshold int
}

// DefaultConfig returns the operational defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:      DefaultBatchSize,
		Workers:        1,
		AttemptCeiling: DefaultAttemptCeiling,
		Breaker: BreakerPolicy{
			Threshold: DefaultBreakerThreshold,
			Cooldown:  DefaultBreakerCooldown,
		},
		Deadlines: Deadlines{
			Default: 45 * time.Second,
			PerClass: map[fiscal.Class]time.Duration{
				fiscal.ClassNFe: 90 * time.Second,
				fiscal.ClassCTe: 180 * time.Second,
			},
		},
		ReclassifyDays:       DefaultReclassifyDays,
		SingleFetchThreshold: DefaultSingleFetchThreshold,
	}
}

// Validate rejects values the engine cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("batch size must be positive, got %d", c.BatchSize))
	}
	if c.Workers <= 0 {
		errs = append(errs, fmt.Errorf("workers must be positive, got %d", c.Workers))
	}
	if c.AttemptCeiling <= 0 {
		errs = append(errs, fmt.Errorf("attempt ceiling must be positive, got %d", c.AttemptCeiling))
	}
	if c.ReclassifyDays < 0 {
		errs = append(errs, fmt.Errorf("reclassify days must not be negative, got %d", c.ReclassifyDays))
	}
	if c.SingleFetchThreshold < 0 {
		errs = append(errs, fmt.Errorf("single fetch threshold must not be negative, got %d", c.SingleFetchThreshold))
	}
	return errors.Join(errs...)
}

// Engine runs synchronization cycles for many entities and periods.
//
// Work for one entity is serialized: a cycle loads the entity's partition,
// mutates it through the committer and the pendency machine, and saves it.
// Different entities run concurrently up to Config.Workers.
type Engine struct {
	cfg        Config
	store      *state.Store
	source     source.Source
	archive    *archive.Archive
	journal    *journal.Journal
	breaker    *Breaker
	committer  *Committer
	reconciler *Reconciler
	logger     *slog.Logger
	now        func() time.Time
	metrics    *telemetry.Metrics
	runIDs     IDGenerator
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithClock overrides the wall clock used for pendency and breaker times.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// WithMetrics records counters on m.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithRunIDs sets the run ID generator. Defaults to UUIDv7Generator.
func WithRunIDs(g IDGenerator) Option {
	return func(e *Engine) {
		e.runIDs = g
	}
}

// New wires an Engine.
func New(cfg Config, st *state.Store, src source.Source, arc *archive.Archive, sink mirror.Sink, jr *journal.Journal, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("engine config: %w", err)
	}
	if st == nil || src == nil || arc == nil || sink == nil || jr == nil {
		return nil, errors.New("engine: store, source, archive, sink and journal are required")
	}

	e := &Engine{
		cfg:     cfg,
		store:   st,
		source:  src,
		archive: arc,
		journal: jr,
		logger:  slog.Default(),
		now:     time.Now,
		runIDs:  UUIDv7Generator{},
	}
	for _, opt := range opts {
		opt(e)
	}

	e.breaker = NewBreaker(st, cfg.Breaker, e.now, e.logger)
	e.committer = NewCommitter(st, arc, sink, jr, cfg.Deadlines.Default, cfg.ReclassifyDays, e.logger, e.metrics)
	e.reconciler = NewReconciler(st, arc, jr, e.logger, e.metrics)
	return e, nil
}

// Breaker returns the engine's circuit breaker.
func (e *Engine) Breaker() *Breaker {
	return e.breaker
}

// IsSuppressed reports whether the circuit breaker is skipping taxID.
func (e *Engine) IsSuppressed(ctx context.Context, taxID string) (bool, error) {
	return e.breaker.IsSuppressed(ctx, taxID)
}

// ListPendingEntities returns the automatically retried pendencies of
// period in priority order.
func (e *Engine) ListPendingEntities(ctx context.Context, period fiscal.Period) ([]PendingItem, error) {
	snap, err := e.store.Load(ctx, period)
	if err != nil {
		return nil, err
	}
	return ListPending(snap), nil
}

// Recover replays journal records left pending by an interrupted run and
// returns how many were completed.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	recs, err := e.journal.Pending()
	if err != nil {
		return 0, err
	}

	var (
		n    int
		errs []error
	)
	for _, rec := range recs {
		res, err := e.committer.Replay(ctx, rec)
		if err != nil {
			errs = append(errs, fmt.Errorf("replay %s: %w", rec.ID, err))
			continue
		}
		n++
		e.logger.InfoContext(ctx, "recovered interrupted batch",
			"tx", rec.ID,
			"tax_id", rec.TaxID,
			"period", rec.Period,
			"class", string(rec.Class),
			"role", string(rec.Role),
			"new_ledger_keys", res.NewLedgerKeys,
			"advanced", res.Advanced,
		)
	}
	return n, errors.Join(errs...)
}

// Summary counts what a cycle or run did.
type Summary struct {
	RunID              string `json:"run_id,omitempty"`
	Units              int    `json:"units"`
	Fetched            int    `json:"fetched"`
	Stored             int    `json:"stored"`
	Mirrored           int    `json:"mirrored"`
	MirrorPresent      int    `json:"mirror_present"`
	AlreadyLedgered    int    `json:"already_ledgered"`
	Rejected           int    `json:"rejected"`
	Reclassified       int    `json:"reclassified"`
	Reconciled         int    `json:"reconciled"`
	SingleFetched      int    `json:"single_fetched"`
	NoData             int    `json:"no_data"`
	PendenciesCreated  int    `json:"pendencies_created"`
	PendenciesResolved int    `json:"pendencies_resolved"`
	PendenciesTerminal int    `json:"pendencies_terminal"`
	Suppressed         int    `json:"suppressed"`
	Failures           int    `json:"failures"`
	Recovered          int    `json:"recovered"`
}

// Add accumulates o into s. RunID is kept.
func (s *Summary) Add(o Summary) {
	s.Units += o.Units
	s.Fetched += o.Fetched
	s.Stored += o.Stored
	s.Mirrored += o.Mirrored
	s.MirrorPresent += o.MirrorPresent
	s.AlreadyLedgered += o.AlreadyLedgered
	s.Rejected += o.Rejected
	s.Reclassified += o.Reclassified
	s.Reconciled += o.Reconciled
	s.SingleFetched += o.SingleFetched
	s.NoData += o.NoData
	s.PendenciesCreated += o.PendenciesCreated
	s.PendenciesResolved += o.PendenciesResolved
	s.PendenciesTerminal += o.PendenciesTerminal
	s.Suppressed += o.Suppressed
	s.Failures += o.Failures
	s.Recovered += o.Recovered
}

func (s *Summary) addCommit(r CommitResult) {
	s.Stored += r.Stored
	s.Mirrored += r.Mirrored
	s.MirrorPresent += r.MirrorPresent
	s.AlreadyLedgered += r.AlreadyLedgered
	s.Rejected += r.Rejected
	s.Reclassified += r.Reclassified
}

// LogValue renders the summary for structured logs.
func (s Summary) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("units", s.Units),
		slog.Int("fetched", s.Fetched),
		slog.Int("mirrored", s.Mirrored),
		slog.Int("already_ledgered", s.AlreadyLedgered),
		slog.Int("reconciled", s.Reconciled),
		slog.Int("pendencies_created", s.PendenciesCreated),
		slog.Int("pendencies_resolved", s.PendenciesResolved),
		slog.Int("suppressed", s.Suppressed),
		slog.Int("failures", s.Failures),
	)
}

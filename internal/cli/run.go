package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/fiscalsync/internal/engine"
	"github.com/roach88/fiscalsync/internal/fiscal"
	"github.com/roach88/fiscalsync/internal/roster"
	"github.com/roach88/fiscalsync/internal/telemetry"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Roster           string
	Periods          []string
	From             string
	To               string
	Seed             bool
	Workers          int
	BatchSize        int
	JournalRetention time.Duration

	// RunIDs allows overriding the run ID generator (for testing).
	// If nil, defaults to UUIDv7Generator.
	RunIDs engine.IDGenerator

	// Now allows overriding the clock (for testing).
	Now func() time.Time
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	return newRunCommand(&RunOptions{RootOptions: rootOpts})
}

func newRunCommand(opts *RunOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one synchronization cycle",
		Long: `Run one synchronization cycle over every roster entity and period.

Interrupted batches from a previous run are recovered first, then open
pendencies are retried, then every remaining (entity, period) is processed.
Without --period or --from/--to the previous and current month are used.

Example:
  fiscalsync run --config fiscalsync.yaml --roster roster.yaml
  fiscalsync run -c fiscalsync.yaml --from 01-2025 --to 03-2025 --seed`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCycle(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Roster, "roster", "", "roster file (overrides config)")
	cmd.Flags().StringSliceVar(&opts.Periods, "period", nil, "period to process, MM-YYYY (repeatable)")
	cmd.Flags().StringVar(&opts.From, "from", "", "first period of a range, MM-YYYY")
	cmd.Flags().StringVar(&opts.To, "to", "", "last period of a range, MM-YYYY")
	cmd.Flags().BoolVar(&opts.Seed, "seed", false, "re-read full history: reset cursors and re-query no-data periods")
	cmd.Flags().IntVar(&opts.Workers, "workers", 0, "entities processed in parallel (overrides config)")
	cmd.Flags().IntVar(&opts.BatchSize, "batch-size", 0, "documents per batch request (overrides config)")
	cmd.Flags().DurationVar(&opts.JournalRetention, "journal-retention", 30*24*time.Hour, "age after which completed journals are pruned (0 keeps them)")

	return cmd
}

func runCycle(opts *RunOptions, cmd *cobra.Command) error {
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	ws, err := openWorkspace(ctx, opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	defer ws.Close()
	out, logger := ws.out, ws.logger

	now := opts.Now
	if now == nil {
		now = time.Now
	}

	cfg := ws.cfg
	if opts.Workers > 0 {
		cfg.Workers = opts.Workers
	}
	if opts.BatchSize > 0 {
		cfg.BatchSize = opts.BatchSize
	}
	if opts.Roster != "" {
		cfg.Roster = opts.Roster
	}
	if cfg.Roster == "" {
		return out.fail(ExitCommandError, ErrCodeConfig, "no roster: set roster in the config or pass --roster", nil)
	}

	r, err := roster.Load(cfg.Roster, logger)
	if err != nil {
		return out.fail(ExitCommandError, ErrCodeConfig, "failed to load roster", err)
	}
	if len(r.Entities) == 0 {
		return out.fail(ExitCommandError, ErrCodeConfig, "roster has no usable entities", nil)
	}

	var periods []fiscal.Period
	if len(opts.Periods) == 0 && opts.From == "" && opts.To == "" {
		current := fiscal.NewPeriod(now())
		periods = []fiscal.Period{current.Prev(), current}
	} else if periods, err = ws.periods(ctx, opts.Periods, opts.From, opts.To); err != nil {
		return out.fail(ExitCommandError, ErrCodeArgs, "invalid periods", err)
	}

	jr, err := ws.journal()
	if err != nil {
		return out.fail(ExitCommandError, ErrCodeState, "failed to open journal", err)
	}
	jr.SetClock(now)
	sink, err := ws.sink(ctx)
	if err != nil {
		return out.fail(ExitCommandError, ErrCodeConfig, "failed to open mirror", err)
	}
	provider, err := telemetry.NewProvider(ctx, cfg.Telemetry.Provider())
	if err != nil {
		return out.fail(ExitCommandError, ErrCodeConfig, "failed to create metrics", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics shutdown failed", "error", err)
		}
	}()

	runIDs := opts.RunIDs
	if runIDs == nil {
		runIDs = engine.UUIDv7Generator{}
	}
	eng, err := engine.New(cfg.Engine(), ws.store, ws.source(), ws.archive(), sink, jr,
		engine.WithLogger(logger),
		engine.WithClock(now),
		engine.WithMetrics(provider.Metrics()),
		engine.WithRunIDs(runIDs),
	)
	if err != nil {
		return out.fail(ExitCommandError, ErrCodeConfig, "invalid engine configuration", err)
	}

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	out.VerboseLog("processing %d entities over %d periods", len(r.Entities), len(periods))
	sum, runErr := eng.Run(ctx, r.Entities, periods, engine.RunOptions{Seed: opts.Seed})

	if opts.JournalRetention > 0 {
		if n, err := jr.Prune(opts.JournalRetention); err != nil {
			logger.Warn("journal prune failed", "error", err)
		} else if n > 0 {
			logger.Info("pruned completed journals", "count", n)
		}
	}

	logTotals(logger, provider, sum.RunID)

	if err := out.SuccessWithRun(sum.RunID, runResult{sum}); err != nil {
		return err
	}
	if runErr != nil {
		if errors.Is(runErr, context.Canceled) {
			return WrapExitError(ExitFailure, "run interrupted", runErr)
		}
		return WrapExitError(ExitFailure, "run failed", runErr)
	}
	if sum.Failures > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d unit failure(s); see log", sum.Failures))
	}
	return nil
}

// logTotals writes the run's counter totals as one log line.
func logTotals(logger *slog.Logger, provider *telemetry.Provider, runID string) {
	totals, err := provider.Totals(context.Background())
	if err != nil {
		logger.Warn("could not read metrics", "error", err)
		return
	}
	attrs := make([]any, 0, 2+2*len(totals))
	attrs = append(attrs, "run_id", runID)
	for _, t := range totals {
		attrs = append(attrs, t.Name, t.Value)
	}
	logger.Info("run metrics", attrs...)
}

// runResult renders a run summary.
type runResult struct {
	engine.Summary
}

func (r runResult) WriteText(w io.Writer) error {
	s := r.Summary
	_, err := fmt.Fprintf(w, `run %s
  units processed     %d
  documents fetched   %d (%d individually)
  stored / mirrored   %d / %d (%d already in mirror, %d already ledgered)
  reconciled          %d
  reclassified        %d
  rejected            %d
  no data             %d
  pendencies          +%d created, %d resolved, %d at ceiling
  suppressed          %d
  failures            %d
  recovered batches   %d
`,
		s.RunID, s.Units, s.Fetched, s.SingleFetched, s.Stored, s.Mirrored, s.MirrorPresent, s.AlreadyLedgered,
		s.Reconciled, s.Reclassified, s.Rejected, s.NoData,
		s.PendenciesCreated, s.PendenciesResolved, s.PendenciesTerminal,
		s.Suppressed, s.Failures, s.Recovered)
	return err
}

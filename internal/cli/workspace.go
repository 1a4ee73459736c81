package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/fiscalsync/internal/archive"
	"github.com/roach88/fiscalsync/internal/config"
	"github.com/roach88/fiscalsync/internal/fiscal"
	"github.com/roach88/fiscalsync/internal/journal"
	"github.com/roach88/fiscalsync/internal/mirror"
	"github.com/roach88/fiscalsync/internal/source"
	"github.com/roach88/fiscalsync/internal/state"
)

// workspace is the configuration plus the local stores a command works on.
type workspace struct {
	cfg    config.Config
	store  *state.Store
	logger *slog.Logger
	out    *OutputFormatter
}

// openWorkspace loads the config and opens the state store. Errors are
// already reported through the formatter.
func openWorkspace(ctx context.Context, opts *RootOptions, cmd *cobra.Command) (*workspace, error) {
	out := opts.formatter(cmd)
	logger := opts.logger(cmd.ErrOrStderr())

	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, out.fail(ExitCommandError, ErrCodeConfig, "invalid configuration", err)
	}
	if opts.StateDir != "" {
		cfg.StateDir = opts.StateDir
	}

	st, err := state.Open(ctx, cfg.StateDir, state.WithLogger(logger))
	if err != nil {
		return nil, out.fail(ExitCommandError, ErrCodeState, "failed to open state", err)
	}
	out.VerboseLog("state directory %s", cfg.StateDir)
	return &workspace{cfg: cfg, store: st, logger: logger, out: out}, nil
}

func (w *workspace) Close() {
	if err := w.store.Close(); err != nil {
		w.logger.Error("error closing state", "error", err)
	}
}

func (w *workspace) archive() *archive.Archive {
	return archive.New(w.cfg.ArchiveDir)
}

func (w *workspace) journal() (*journal.Journal, error) {
	return journal.Open(w.cfg.JournalDir)
}

func (w *workspace) sink(ctx context.Context) (mirror.Sink, error) {
	m := w.cfg.Mirror
	switch m.Kind {
	case config.MirrorS3:
		return mirror.NewS3Sink(ctx, mirror.S3Config{
			Bucket:   m.Bucket,
			Region:   m.Region,
			Endpoint: m.Endpoint,
			Prefix:   m.Prefix,
		})
	default:
		return mirror.NewDirSink(m.Dir)
	}
}

func (w *workspace) source() source.Source {
	var src source.Source = source.NewDirSource(w.cfg.Source.Dir)
	if w.cfg.Source.RatePerSecond > 0 {
		src = source.NewRateLimited(src, w.cfg.Source.RatePerSecond, w.cfg.Source.Burst)
	}
	return src
}

// periods returns the periods to operate on: the explicit list, a from/to
// range, or every period the store knows.
func (w *workspace) periods(ctx context.Context, explicit []string, from, to string) ([]fiscal.Period, error) {
	if len(explicit) > 0 && (from != "" || to != "") {
		return nil, errors.New("--period cannot be combined with --from/--to")
	}
	if len(explicit) > 0 {
		return parsePeriods(explicit)
	}
	if from != "" || to != "" {
		if from == "" || to == "" {
			return nil, errors.New("--from and --to must be given together")
		}
		first, err := fiscal.ParsePeriod(from)
		if err != nil {
			return nil, err
		}
		last, err := fiscal.ParsePeriod(to)
		if err != nil {
			return nil, err
		}
		if last.Before(first) {
			return nil, fmt.Errorf("--to %s is before --from %s", last, first)
		}
		return fiscal.Range(first, last), nil
	}
	return w.store.Periods(ctx)
}

func parsePeriods(raw []string) ([]fiscal.Period, error) {
	seen := make(map[string]bool, len(raw))
	out := make([]fiscal.Period, 0, len(raw))
	for _, r := range raw {
		for _, s := range strings.Split(r, ",") {
			p, err := fiscal.ParsePeriod(strings.TrimSpace(s))
			if err != nil {
				return nil, err
			}
			if seen[p.Key()] {
				continue
			}
			seen[p.Key()] = true
			out = append(out, p)
		}
	}
	return out, nil
}

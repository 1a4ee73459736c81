package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/fiscalsync/internal/fiscal"
	"github.com/roach88/fiscalsync/internal/state"
)

// NewMigrateCommand creates the migrate command.
func NewMigrateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate <legacy-state.json>",
		Short: "Import a legacy JSON state file",
		Long: `Import a legacy single-file JSON state into per-period units.

Existing state is merged, never replaced. On success the file is renamed
with a .migrated suffix, so running the command twice is harmless.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			ws, err := openWorkspace(ctx, rootOpts, cmd)
			if err != nil {
				return err
			}
			defer ws.Close()

			report, err := ws.store.ImportLegacy(ctx, args[0])
			if err != nil {
				return ws.out.fail(ExitCommandError, ErrCodeState, "legacy import failed", err)
			}
			return ws.out.Success(migrateResult(report))
		},
	}
}

type migrateResult state.LegacyReport

func (r migrateResult) String() string {
	return fmt.Sprintf("imported %d periods, %d entities: %d ledger keys, %d cursors, %d pendencies",
		r.Periods, r.Entities, r.LedgerKeys, r.Cursors, r.Pendencies)
}

// NewQuarantineCommand creates the quarantine command.
func NewQuarantineCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "quarantine <MM-YYYY>",
		Short: "Move a period's state aside so the next run starts it fresh",
		Long: `Move the state unit of one period aside (state.db.corrupt-<unix>).

The next run recreates the unit and rebuilds its ledger from the local
archive before fetching, so documents already delivered are not mirrored
again.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			ws, err := openWorkspace(ctx, rootOpts, cmd)
			if err != nil {
				return err
			}
			defer ws.Close()

			period, err := fiscal.ParsePeriod(args[0])
			if err != nil {
				return ws.out.fail(ExitCommandError, ErrCodeArgs, "invalid period", err)
			}
			dest, err := ws.store.Quarantine(period)
			if err != nil {
				return ws.out.fail(ExitCommandError, ErrCodeState, "quarantine failed", err)
			}
			return ws.out.Success(quarantineResult{Period: period.Key(), MovedTo: dest})
		},
	}
}

type quarantineResult struct {
	Period  string `json:"period"`
	MovedTo string `json:"moved_to,omitempty"`
}

func (r quarantineResult) String() string {
	if r.MovedTo == "" {
		return fmt.Sprintf("period %s has no state; nothing to do", r.Period)
	}
	return fmt.Sprintf("period %s moved to %s", r.Period, r.MovedTo)
}

type verifyOptions struct {
	periods    []string
	from       string
	to         string
	quarantine bool
}

// NewVerifyCommand creates the verify command.
func NewVerifyCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &verifyOptions{}
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Integrity-check every period unit",
		Long: `Run an integrity check on the state unit of every known period (or the
given ones). Exits 1 when any unit is corrupt. With --quarantine, corrupt
units are moved aside as the quarantine command does.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVerify(rootOpts, opts, cmd)
		},
	}
	cmd.Flags().StringSliceVar(&opts.periods, "period", nil, "period, MM-YYYY (repeatable)")
	cmd.Flags().StringVar(&opts.from, "from", "", "first period of a range")
	cmd.Flags().StringVar(&opts.to, "to", "", "last period of a range")
	cmd.Flags().BoolVar(&opts.quarantine, "quarantine", false, "move corrupt units aside")
	return cmd
}

type verifyRow struct {
	Period      string `json:"period"`
	OK          bool   `json:"ok"`
	Error       string `json:"error,omitempty"`
	Quarantined string `json:"quarantined_to,omitempty"`
}

type verifyReport struct {
	Periods []verifyRow `json:"periods"`
	Corrupt int         `json:"corrupt"`
}

func (r verifyReport) WriteText(w io.Writer) error {
	for _, row := range r.Periods {
		switch {
		case row.OK:
			fmt.Fprintf(w, "%s  ok\n", row.Period)
		case row.Quarantined != "":
			fmt.Fprintf(w, "%s  CORRUPT (%s), moved to %s\n", row.Period, row.Error, row.Quarantined)
		default:
			fmt.Fprintf(w, "%s  CORRUPT (%s)\n", row.Period, row.Error)
		}
	}
	_, err := fmt.Fprintf(w, "%d period(s) checked, %d corrupt\n", len(r.Periods), r.Corrupt)
	return err
}

func runVerify(rootOpts *RootOptions, opts *verifyOptions, cmd *cobra.Command) error {
	ctx := cmd.Context()
	ws, err := openWorkspace(ctx, rootOpts, cmd)
	if err != nil {
		return err
	}
	defer ws.Close()

	periods, err := ws.periods(ctx, opts.periods, opts.from, opts.to)
	if err != nil {
		return ws.out.fail(ExitCommandError, ErrCodeArgs, "invalid periods", err)
	}

	report := verifyReport{Periods: make([]verifyRow, 0, len(periods))}
	for _, p := range periods {
		row := verifyRow{Period: p.Key(), OK: true}
		if err := ws.store.Check(ctx, p); err != nil {
			if !state.IsCorruptState(err) {
				return ws.out.fail(ExitCommandError, ErrCodeState, "failed to check period "+p.Key(), err)
			}
			row.OK = false
			row.Error = err.Error()
			report.Corrupt++
			if opts.quarantine {
				dest, qerr := ws.store.Quarantine(p)
				if qerr != nil {
					return ws.out.fail(ExitCommandError, ErrCodeState, "quarantine failed", qerr)
				}
				row.Quarantined = dest
			}
		}
		report.Periods = append(report.Periods, row)
	}

	if err := ws.out.Success(report); err != nil {
		return err
	}
	if report.Corrupt > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d corrupt period(s)", report.Corrupt))
	}
	return nil
}

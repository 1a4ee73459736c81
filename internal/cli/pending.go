package cli

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/roach88/fiscalsync/internal/engine"
	"github.com/roach88/fiscalsync/internal/fiscal"
	"github.com/roach88/fiscalsync/internal/state"
)

// NewPendingCommand creates the pending command group.
func NewPendingCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pending",
		Short: "Inspect and clear pendencies",
	}
	cmd.AddCommand(newPendingListCommand(rootOpts))
	cmd.AddCommand(newPendingClearCommand(rootOpts))
	return cmd
}

type pendingListOptions struct {
	periods []string
	from    string
	to      string
	all     bool
}

func newPendingListCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &pendingListOptions{}
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List pendencies in retry order",
		Long: `List pendencies per period in the order the next run retries them:
processing failures first, then fewest attempts.

By default only retryable pendencies are shown; --all adds confirmed no-data
markers and pendencies that reached the attempt ceiling.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPendingList(rootOpts, opts, cmd)
		},
	}
	cmd.Flags().StringSliceVar(&opts.periods, "period", nil, "period, MM-YYYY (repeatable; default: every known period)")
	cmd.Flags().StringVar(&opts.from, "from", "", "first period of a range")
	cmd.Flags().StringVar(&opts.to, "to", "", "last period of a range")
	cmd.Flags().BoolVar(&opts.all, "all", false, "include no-data and terminal entries")
	return cmd
}

type pendingReport struct {
	Items   []engine.PendingItem `json:"items"`
	Corrupt []string             `json:"corrupt_periods,omitempty"`
}

func (r pendingReport) WriteText(w io.Writer) error {
	if len(r.Items) == 0 {
		fmt.Fprintln(w, "no pendencies")
	} else {
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "PERIOD\tTAX ID\tCLASS\tSTATUS\tPHASE\tATTEMPTS\tLAST ERROR")
		for _, it := range r.Items {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
				it.Period, it.TaxID, it.Class, it.Status, it.Phase, it.Attempts, it.LastError)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}
	for _, p := range r.Corrupt {
		fmt.Fprintf(w, "period %s is corrupt; run `fiscalsync quarantine %s`\n", p, p)
	}
	return nil
}

func runPendingList(rootOpts *RootOptions, opts *pendingListOptions, cmd *cobra.Command) error {
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

	report := pendingReport{Items: []engine.PendingItem{}}
	for _, p := range periods {
		snap, err := ws.store.Load(ctx, p)
		if err != nil {
			if state.IsCorruptState(err) {
				report.Corrupt = append(report.Corrupt, p.Key())
				continue
			}
			return ws.out.fail(ExitCommandError, ErrCodeState, "failed to load period "+p.Key(), err)
		}
		if opts.all {
			report.Items = append(report.Items, engine.ListPendencies(snap)...)
		} else {
			report.Items = append(report.Items, engine.ListPending(snap)...)
		}
	}
	return ws.out.Success(report)
}

func newPendingClearCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "clear <tax-id> <MM-YYYY> <class>",
		Short: "Remove a pendency and reset its cursors",
		Long: `Remove the pendency of one (entity, period, class), typically one that
reached the attempt ceiling, so the next run processes it from offset zero.
Already delivered documents are not delivered again.`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPendingClear(rootOpts, args, cmd)
		},
	}
}

type clearResult struct {
	TaxID    string `json:"tax_id"`
	Period   string `json:"period"`
	Class    string `json:"class"`
	Previous string `json:"previous_status"`
}

func (r clearResult) String() string {
	return fmt.Sprintf("cleared %s pendency for %s %s %s; cursors reset", r.Previous, r.TaxID, r.Period, r.Class)
}

func runPendingClear(rootOpts *RootOptions, args []string, cmd *cobra.Command) error {
	ctx := cmd.Context()
	ws, err := openWorkspace(ctx, rootOpts, cmd)
	if err != nil {
		return err
	}
	defer ws.Close()

	taxID, err := fiscal.NormalizeTaxID(args[0])
	if err != nil {
		return ws.out.fail(ExitCommandError, ErrCodeArgs, "invalid tax id", err)
	}
	period, err := fiscal.ParsePeriod(args[1])
	if err != nil {
		return ws.out.fail(ExitCommandError, ErrCodeArgs, "invalid period", err)
	}
	class, err := fiscal.ParseClass(args[2])
	if err != nil {
		return ws.out.fail(ExitCommandError, ErrCodeArgs, "invalid class", err)
	}

	es, err := ws.store.LoadEntity(ctx, period, taxID)
	if err != nil {
		return ws.out.fail(ExitCommandError, stateCode(err), "failed to load entity state", err)
	}
	p, ok := es.Pendency(class)
	if !ok {
		return ws.out.fail(ExitFailure, ErrCodeArgs, fmt.Sprintf("no pendency for %s %s %s", taxID, period, class), nil)
	}

	es.SetPendency(class, nil)
	es.ResetClass(class)
	if err := ws.store.SaveEntity(ctx, period, es); err != nil {
		return ws.out.fail(ExitCommandError, stateCode(err), "failed to save entity state", err)
	}
	ws.logger.Info("pendency cleared", "tax_id", taxID, "period", period.Key(), "class", string(class), "status", string(p.Status))

	return ws.out.Success(clearResult{
		TaxID:    taxID,
		Period:   period.Key(),
		Class:    string(class),
		Previous: string(p.Status),
	})
}

func stateCode(err error) string {
	if state.IsCorruptState(err) {
		return ErrCodeCorrupt
	}
	return ErrCodeState
}

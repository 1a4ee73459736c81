package cli

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/fiscalsync/internal/fiscal"
	"github.com/roach88/fiscalsync/internal/state"
)

// NewBreakerCommand creates the breaker command group.
func NewBreakerCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "breaker",
		Short: "Inspect and reset circuit breaker entries",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List entities with recorded failures or active suppression",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBreakerList(rootOpts, cmd, time.Now)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "reset <tax-id>",
		Short: "Clear the breaker entry of an entity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBreakerReset(rootOpts, args[0], cmd)
		},
	})
	return cmd
}

type breakerRow struct {
	state.BreakerEntry
	Suppressed bool `json:"suppressed"`
}

type breakerReport struct {
	Entries []breakerRow `json:"entries"`
}

func (r breakerReport) WriteText(w io.Writer) error {
	if len(r.Entries) == 0 {
		_, err := fmt.Fprintln(w, "no breaker entries")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TAX ID\tFAILURES\tSUPPRESSED UNTIL\tLAST ERROR")
	for _, e := range r.Entries {
		until := "-"
		if e.Suppressed {
			until = e.SuppressedUntil.Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", e.TaxID, e.Failures, until, e.LastError)
	}
	return tw.Flush()
}

func runBreakerList(rootOpts *RootOptions, cmd *cobra.Command, now func() time.Time) error {
	ctx := cmd.Context()
	ws, err := openWorkspace(ctx, rootOpts, cmd)
	if err != nil {
		return err
	}
	defer ws.Close()

	entries, err := ws.store.Breakers(ctx)
	if err != nil {
		return ws.out.fail(ExitCommandError, ErrCodeState, "failed to read breaker entries", err)
	}
	report := breakerReport{Entries: make([]breakerRow, 0, len(entries))}
	t := now()
	for _, e := range entries {
		report.Entries = append(report.Entries, breakerRow{
			BreakerEntry: e,
			Suppressed:   e.SuppressedUntil.After(t),
		})
	}
	return ws.out.Success(report)
}

func runBreakerReset(rootOpts *RootOptions, raw string, cmd *cobra.Command) error {
	ctx := cmd.Context()
	ws, err := openWorkspace(ctx, rootOpts, cmd)
	if err != nil {
		return err
	}
	defer ws.Close()

	taxID, err := fiscal.NormalizeTaxID(raw)
	if err != nil {
		return ws.out.fail(ExitCommandError, ErrCodeArgs, "invalid tax id", err)
	}
	if err := ws.store.DeleteBreaker(ctx, taxID); err != nil {
		return ws.out.fail(ExitCommandError, ErrCodeState, "failed to reset breaker", err)
	}
	ws.logger.Info("breaker reset", "tax_id", taxID)
	return ws.out.Success(map[string]string{"reset": taxID})
}

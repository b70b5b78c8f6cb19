package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

// NewSweepCommand creates the sweep command.
func NewSweepCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Resume instances whose waits have expired",
		Long: `Run one timeout sweep: every waiting instance past its deadline takes
its timeout path (approvals expire, event waits resume with timed_out).

serve runs this on engine.sweep_interval; use the command for cron-driven
deployments.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := rootOpts.formatter(cmd)

			a, err := rootOpts.openApp(cmd.Context(), cmd)
			if err != nil {
				return formatter.Fail(err)
			}
			defer a.Close()

			report, err := a.Engine.SweepTimeouts(cmd.Context())
			if err != nil {
				return formatter.Fail(err)
			}
			return formatter.Print(report, func(w io.Writer) {
				fmt.Fprintf(w, "scanned %d, resumed %d, stale %d, failed %d\n",
					report.Scanned, report.Resumed, report.Stale, report.Failed)
				for _, id := range report.InstanceIDs {
					fmt.Fprintf(w, "  %s\n", id)
				}
			})
		},
	}
}

// PurgeResult reports a purge run.
type PurgeResult struct {
	Purged int64 `json:"purged"`
}

// NewPurgeCommand creates the purge command.
func NewPurgeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "purge",
		Short:         "Delete finished instances past their retention",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := rootOpts.formatter(cmd)

			a, err := rootOpts.openApp(cmd.Context(), cmd)
			if err != nil {
				return formatter.Fail(err)
			}
			defer a.Close()

			n, err := a.Purge(cmd.Context())
			if err != nil {
				return formatter.Fail(err)
			}
			return formatter.Print(PurgeResult{Purged: n}, func(w io.Writer) {
				fmt.Fprintf(w, "purged %d instance(s)\n", n)
			})
		},
	}
}

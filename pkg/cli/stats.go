package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/getmockd/faultd/pkg/cli/internal/output"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show fault counters per route",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		res, err := NewAdminClient(adminURL).Stats()
		if err != nil {
			return fmt.Errorf("%s", FormatConnectionError(err))
		}
		return printResult(out, res, func() {
			tw := output.Table(out)
			fmt.Fprintln(tw, "ROUTE\tDELAYS\tABORTS\tRATE LIMITED\tOVERFLOW\tACTIVE")
			for _, r := range res.Routes {
				fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%d\n",
					r.Route, r.DelaysInjected, r.AbortsInjected, r.ResponseRateLimited, r.FaultsOverflow, r.ActiveFaults)
			}
			_ = tw.Flush()
		})
	},
}

func init() {
	rootCmd.AddCommand(statsCmd)
}

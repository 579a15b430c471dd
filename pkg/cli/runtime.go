package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/getmockd/faultd/pkg/cli/internal/output"
	"github.com/getmockd/faultd/pkg/fault"
)

var runtimeCluster bool

var runtimeCmd = &cobra.Command{
	Use:   "runtime",
	Short: "Inspect and change runtime overrides of a running faultd",
	Long: `Runtime overrides replace fault percentages, durations and limits without a
restart. Keys look like fault.http.abort.abort_percent; a key scoped to one
downstream caller puts the caller name after fault.http.

Writes go to the instance's admin layer. With --cluster they go to the shared
Redis hash that every instance polls.`,
}

var runtimeListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List effective runtime overrides",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		res, err := NewAdminClient(adminURL).Runtime()
		if err != nil {
			return fmt.Errorf("%s", FormatConnectionError(err))
		}
		return printResult(out, res, func() {
			if len(res.Entries) == 0 {
				fmt.Fprintln(out, "no runtime overrides")
				return
			}
			tw := output.Table(out)
			fmt.Fprintln(tw, "KEY\tVALUE\tLAYER")
			for _, e := range res.Entries {
				fmt.Fprintf(tw, "%s\t%d\t%s\n", e.Key, e.Value, e.Layer)
			}
			_ = tw.Flush()
		})
	},
}

var runtimeSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a runtime override",
	Example: `  faultd runtime set fault.http.abort.abort_percent 25
  faultd runtime set fault.http.frontend.delay.fixed_duration_ms 500
  faultd runtime set fault.http.max_active_faults 10 --cluster`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key := args[0]
		if !fault.IsRuntimeKey(key) {
			return fmt.Errorf("not a fault runtime key: %s", key)
		}
		value, err := strconv.ParseUint(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("%w: %s", ErrInvalidValue, args[1])
		}

		out := cmd.OutOrStdout()
		entry, err := NewAdminClient(adminURL).SetRuntime(key, value, runtimeCluster)
		if err != nil {
			return fmt.Errorf("%s", FormatConnectionError(err))
		}
		return printResult(out, entry, func() {
			fmt.Fprintf(out, "%s = %d (%s layer)\n", entry.Key, entry.Value, entry.Layer)
		})
	},
}

var runtimeUnsetCmd = &cobra.Command{
	Use:     "unset <key>",
	Aliases: []string{"rm"},
	Short:   "Remove a runtime override",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		key := args[0]
		out := cmd.OutOrStdout()
		if err := NewAdminClient(adminURL).UnsetRuntime(key, runtimeCluster); err != nil {
			return fmt.Errorf("%s", FormatConnectionError(err))
		}
		return printResult(out, map[string]string{"removed": key}, func() {
			fmt.Fprintf(out, "removed %s\n", key)
		})
	},
}

func init() {
	runtimeCmd.PersistentFlags().BoolVar(&runtimeCluster, "cluster", false, "Write the shared Redis layer instead of this instance")
	runtimeCmd.AddCommand(runtimeListCmd, runtimeSetCmd, runtimeUnsetCmd)
	rootCmd.AddCommand(runtimeCmd)
}

package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

type healthResult struct {
	Status   string `json:"status"`
	AdminURL string `json:"admin_url"`
	Version  string `json:"version,omitempty"`
	Uptime   int    `json:"uptime_seconds,omitempty"`
	Error    string `json:"error,omitempty"`
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check that a running faultd is healthy and reachable",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		h, err := NewAdminClient(adminURL).Health()
		if err != nil {
			if jsonOutput {
				_ = printResult(out, healthResult{Status: "unhealthy", AdminURL: adminURL, Error: err.Error()}, nil)
			} else {
				fmt.Fprintf(os.Stderr, "unhealthy: %s\n", FormatConnectionError(err))
			}
			return ErrNotHealthy
		}

		res := healthResult{Status: h.Status, AdminURL: adminURL, Version: h.Version, Uptime: h.Uptime}
		return printResult(out, res, func() {
			if h.Version != "" {
				fmt.Fprintf(out, "%s (version %s, up %ds)\n", h.Status, h.Version, h.Uptime)
				return
			}
			fmt.Fprintf(out, "%s (up %ds)\n", h.Status, h.Uptime)
		})
	},
}

func init() {
	rootCmd.AddCommand(healthCmd)
}

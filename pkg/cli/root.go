package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// DefaultAdminURL is the admin API of a local instance started with the
// default configuration.
const DefaultAdminURL = "http://localhost:9901"

// AdminURLEnv overrides DefaultAdminURL.
const AdminURLEnv = "FAULTD_ADMIN_URL"

var (
	// Persistent flags available to all subcommands
	adminURL   string
	jsonOutput bool

	// Version is injected during build
	Version = "dev"
	// Commit is injected during build
	Commit = "none"
	// BuildDate is injected during build
	BuildDate = "unknown"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "faultd",
	Short: "faultd is an HTTP fault injection proxy",
	Long: `faultd sits in front of upstream services and injects delays, aborts and
response bandwidth limits into a configurable share of requests.

Fault percentages and durations can be changed at runtime through the admin
API without restarting the proxy.`,
	SilenceUsage:  true,
	SilenceErrors: true, // We handle errors in Execute()
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func defaultAdminURL() string {
	if u := os.Getenv(AdminURLEnv); u != "" {
		return u
	}
	return DefaultAdminURL
}

func init() {
	rootCmd.PersistentFlags().StringVar(&adminURL, "admin-url", defaultAdminURL(), "Admin API base URL")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output command results in JSON format")
}

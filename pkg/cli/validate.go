package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/getmockd/faultd/pkg/config"
)

var (
	validateConfigFile   string
	validateShowResolved bool
)

// validateResult is the --json output of validate.
type validateResult struct {
	Valid       bool   `json:"valid"`
	File        string `json:"file"`
	Routes      int    `json:"routes"`
	FaultRoutes int    `json:"fault_routes"`
	Error       string `json:"error,omitempty"`
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a faultd configuration file",
	Long: `Validate a faultd configuration file without starting any listeners.

This command checks:
  - YAML or JSON syntax
  - Required fields and value ranges
  - Route references to upstreams
  - Header matchers and runtime keys`,
	Example: `  faultd validate --config faultd.yaml
  faultd validate -c faultd.yaml --show-resolved`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		path := configPath(validateConfigFile)

		cfg, err := loadConfig(validateConfigFile, nil)
		if err != nil {
			if jsonOutput {
				_ = printResult(out, validateResult{File: path, Error: err.Error()}, nil)
			}
			return err
		}

		res := validateResult{Valid: true, File: path, Routes: len(cfg.Routes)}
		for _, r := range cfg.Routes {
			if r.Fault != nil {
				res.FaultRoutes++
			}
		}
		return printResult(out, res, func() {
			fmt.Fprintf(out, "%s is valid (%d routes, %d with faults)\n", path, res.Routes, res.FaultRoutes)
			if validateShowResolved {
				data, err := config.ToYAML(cfg)
				if err != nil {
					fmt.Fprintf(os.Stderr, "cannot render config: %v\n", err)
					return
				}
				fmt.Fprintf(out, "\n%s", data)
			}
		})
	},
}

// configPath resolves the config file from the flag or ConfigEnv.
func configPath(flag string) string {
	if flag != "" {
		return flag
	}
	return os.Getenv(ConfigEnv)
}

// loadConfig reads, defaults and validates the config file. override, if
// set, runs before a second validation so flag values are checked too.
func loadConfig(flag string, override func(*config.Config)) (*config.Config, error) {
	path := configPath(flag)
	if path == "" {
		return nil, ErrNoConfig
	}
	cfg, err := config.LoadFromFile(path)
	if err != nil {
		return nil, err
	}
	if override != nil {
		override(cfg)
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("validation failed: %w", err)
		}
	}
	return cfg, nil
}

func init() {
	validateCmd.Flags().StringVarP(&validateConfigFile, "config", "c", "", "Config file path (default $"+ConfigEnv+")")
	validateCmd.Flags().BoolVar(&validateShowResolved, "show-resolved", false, "Print the config with defaults applied")
	rootCmd.AddCommand(validateCmd)
}

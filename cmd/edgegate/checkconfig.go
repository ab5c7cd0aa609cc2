package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"edgegate/internal/config"
)

var checkConfigCmd = &cobra.Command{
	Use:   "check-config",
	Short: "Validate the environment configuration and exit",
	Long: `check-config loads configuration the way serve does, prints every
finding, and exits non-zero when serve would refuse to start.

Exit codes:
  0 - configuration valid (warnings possible)
  1 - configuration invalid
  2 - configuration could not be loaded at all`,
	Run: func(cmd *cobra.Command, args []string) {
		code := runCheckConfig(cmd)
		if code != 0 {
			os.Exit(code)
		}
	},
}

func init() {
	rootCmd.AddCommand(checkConfigCmd)
}

func runCheckConfig(cmd *cobra.Command) int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "error: %v\n", err)
		return 2
	}

	report := cfg.Validate()
	out := cmd.OutOrStdout()

	for _, msg := range report.Errors {
		fmt.Fprintf(out, "error: %s\n", msg)
	}
	for _, msg := range report.Warnings {
		fmt.Fprintf(out, "warning: %s\n", msg)
	}

	if !report.Valid {
		fmt.Fprintf(out, "configuration invalid: %d error(s)\n", len(report.Errors))
		return 1
	}

	fmt.Fprintf(out, "configuration ok: %s environment, %d warning(s)\n", cfg.Environment, len(report.Warnings))
	return 0
}

package main

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "edgegate",
	Short: "Request admission gateway",
	Long: `edgegate sits in front of a web application and decides, per request,
whether it is admitted: client identity resolution, per-scope rate
budgets, CSRF tokens on mutations, session checks on the admin surface,
and hardening headers on every answer.

Configuration comes from the environment (a .env file is honored). Run
check-config for a dry run of the validation serve performs at startup.`,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

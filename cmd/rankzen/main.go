package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kalambet/rankzen/internal/outreach"
)

var version = "dev"

var noColor bool

var rootCmd = &cobra.Command{
	Use:   "rankzen",
	Short: "Find small business sites with SEO problems, offer fixes and fulfil paid work",
	Long: `rankzen discovers small business websites, audits their on-page SEO,
sends the owner a short report through the site's contact form and, when the
owner replies, walks the paid fix through payment, credentials, implementation
and QA.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", os.Getenv("NO_COLOR") != "", "disable colored output")

	rootCmd.AddCommand(cycleCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(blacklistCmd)
	rootCmd.AddCommand(casesCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

// exitCode is 2 for a cycle that stopped on a persistence failure and 1 for
// everything else.
func exitCode(err error) int {
	if errors.Is(err, outreach.ErrPersistence) {
		return 2
	}
	return 1
}

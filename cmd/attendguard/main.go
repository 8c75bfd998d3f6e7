// AttendGuard - proxy attendance detection for the attendance subsystem
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "attendguard",
	Short: "AttendGuard - proxy attendance detection",
	Long: `AttendGuard checks every attendance mark for signs of proxy attendance
(marks made from outside the campus, shared devices, shared accounts,
impossible travel, or a high external risk score) and keeps the resulting
violation records for review.

Configuration is read from the environment and an optional .env file.`,
	SilenceErrors: true,
	SilenceUsage:  true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("attendguard %s (commit %s, built %s)\n", Version, Commit, BuildTime)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd, serveCmd, migrateCmd, exportCmd, mcpCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

package main

import (
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/attendguard/attendguard/internal/mcpserver"
	"github.com/attendguard/attendguard/internal/security"
)

var mcpFlags mcpserver.Config

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the violation review tools over MCP (stdio)",
	Long: `Expose list_violations, get_violation, violation_stats and
review_violation as MCP tools. Every tool calls the AttendGuard HTTP API,
so a server must be reachable at --api-url.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := security.ValidateServiceURL(mcpFlags.APIURL, true); err != nil {
			return fmt.Errorf("--api-url: %w", err)
		}
		if mcpFlags.Reviewer == "" {
			return fmt.Errorf("--reviewer is required")
		}
		return server.ServeStdio(mcpserver.NewMCPServer(mcpFlags, Version))
	},
}

func init() {
	mcpCmd.Flags().StringVar(&mcpFlags.APIURL, "api-url",
		envOrDefault("ATTENDGUARD_API_URL", "http://localhost:8080"), "AttendGuard API base URL")
	mcpCmd.Flags().StringVar(&mcpFlags.Reviewer, "reviewer",
		envOrDefault("ATTENDGUARD_REVIEWER", "mcp-assistant"), "name recorded on review decisions")
}

func envOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

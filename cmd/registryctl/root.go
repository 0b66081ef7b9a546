package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/dataflow-works/config-registry/pkg/entities"
)

var (
	serverURL string
	outputFmt = outputFormat("table")
	roleName  string
	userName  string
	authToken string
)

var rootCmd = &cobra.Command{
	Use:   "registryctl",
	Short: "CLI for the configuration registry server",
	Long: `registryctl manages configuration documents held by the registry server.

Each document type gets its own subcommand with list, get, create, update,
delete, references, and validate-deletion operations. Identity flows through
the X-Registry-User and X-Registry-Role headers, or a bearer token when the
server runs in JWT mode.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", envOrDefault("REGISTRY_SERVER", "http://localhost:8080"), "Registry server URL")
	rootCmd.PersistentFlags().VarP(&outputFmt, "output", "o", "Output format: table, json, or yaml")
	rootCmd.PersistentFlags().StringVar(&roleName, "role", "operator", "Role sent in the X-Registry-Role header")
	rootCmd.PersistentFlags().StringVar(&userName, "user", "", "User sent in the X-Registry-User header")
	rootCmd.PersistentFlags().StringVar(&authToken, "token", envOrDefault("REGISTRY_TOKEN", ""), "Bearer token for servers in JWT auth mode")

	for _, t := range entities.Types() {
		rootCmd.AddCommand(buildEntityCommand(t))
	}
	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(healthCmd)
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

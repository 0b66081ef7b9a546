package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check server health and readiness",
	RunE:  runHealth,
}

func runHealth(cmd *cobra.Command, args []string) error {
	client := newClient()

	var healthResp map[string]any
	if err := client.getJSON("/healthz", &healthResp); err != nil {
		return fmt.Errorf("server unreachable: %w", err)
	}

	// Readiness carries the component breakdown in the body even on 503,
	// and a failure to fetch it is not fatal; the server might still be
	// starting.
	var readyResp map[string]any
	if _, err := client.getStatusJSON("/readyz", &readyResp); err != nil {
		readyResp = map[string]any{"status": "unknown", "error": err.Error()}
	}

	if outputFmt == "json" || outputFmt == "yaml" {
		return printOutput(map[string]any{
			"health":    healthResp,
			"readiness": readyResp,
		})
	}

	status, _ := healthResp["status"].(string)
	uptime, _ := healthResp["uptime"].(string)
	ready, _ := readyResp["status"].(string)

	rows := [][]string{
		{"Liveness", status},
		{"Uptime", uptime},
		{"Readiness", ready},
	}
	rows = append(rows, componentRows(readyResp)...)

	printTable([]string{"Check", "Status"}, rows)
	return nil
}

// componentRows flattens the readiness components into indented table rows,
// sorted by name for stable output.
func componentRows(readyResp map[string]any) [][]string {
	components, ok := readyResp["components"].(map[string]any)
	if !ok {
		return nil
	}

	names := make([]string, 0, len(components))
	for name := range components {
		names = append(names, name)
	}
	sort.Strings(names)

	rows := make([][]string, 0, len(names))
	for _, name := range names {
		detail, _ := components[name].(map[string]any)
		status, _ := detail["status"].(string)
		if errMsg, ok := detail["error"].(string); ok && errMsg != "" {
			status += ": " + errMsg
		}
		rows = append(rows, []string{"  " + name, status})
	}
	return rows
}

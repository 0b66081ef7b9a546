package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"

	"github.com/spf13/cobra"
)

// auditEvent mirrors the server's audit event response.
type auditEvent struct {
	ID           string          `json:"id"`
	EntityType   string          `json:"entityType"`
	EntityID     string          `json:"entityId"`
	CompositeKey string          `json:"compositeKey"`
	Action       string          `json:"action"`
	Actor        string          `json:"actor"`
	Payload      json.RawMessage `json:"payload"`
	OccurredAt   string          `json:"occurredAt"`
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect the audit trail",
}

func init() {
	auditCmd.AddCommand(buildAuditListCommand())
	auditCmd.AddCommand(buildAuditGetCommand())
}

func buildAuditListCommand() *cobra.Command {
	var (
		entityType string
		entityID   string
		action     string
		actor      string
		pageSize   int
		pageToken  string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List audit events, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()

			params := url.Values{}
			if entityType != "" {
				params.Set("entityType", entityType)
			}
			if entityID != "" {
				params.Set("entityId", entityID)
			}
			if action != "" {
				params.Set("action", action)
			}
			if actor != "" {
				params.Set("actor", actor)
			}
			if pageSize > 0 {
				params.Set("pageSize", strconv.Itoa(pageSize))
			}
			if pageToken != "" {
				params.Set("pageToken", pageToken)
			}

			path := apiPrefix + "/audit/events"
			if encoded := params.Encode(); encoded != "" {
				path += "?" + encoded
			}

			var result struct {
				Events        []auditEvent `json:"events"`
				NextPageToken string       `json:"nextPageToken"`
				TotalSize     int64        `json:"totalSize"`
			}
			if err := client.getJSON(path, &result); err != nil {
				return fmt.Errorf("failed to list audit events: %w", err)
			}

			if outputFmt == "json" || outputFmt == "yaml" {
				return printOutput(result)
			}

			if len(result.Events) == 0 {
				fmt.Println("No audit events found.")
				return nil
			}

			printTable([]string{"Time", "Action", "Type", "Entity", "Actor"}, auditRows(result.Events))

			if result.NextPageToken != "" {
				fmt.Printf("\nMore results available. Use --page-token %s\n", result.NextPageToken)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&entityType, "entity-type", "", "Filter by entity type")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "Filter by entity id")
	cmd.Flags().StringVar(&action, "action", "", "Filter by action: created, updated, or deleted")
	cmd.Flags().StringVar(&actor, "actor", "", "Filter by actor")
	cmd.Flags().IntVar(&pageSize, "page-size", 0, "Number of results per page")
	cmd.Flags().StringVar(&pageToken, "page-token", "", "Pagination token for the next page")

	return cmd
}

func buildAuditGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get [eventId]",
		Short: "Get a single audit event",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()

			var event auditEvent
			if err := client.getJSON(apiPrefix+"/audit/events/"+args[0], &event); err != nil {
				return fmt.Errorf("failed to get audit event %q: %w", args[0], err)
			}

			if outputFmt == "json" || outputFmt == "yaml" {
				return printOutput(event)
			}

			printField("id", event.ID)
			printField("occurredAt", event.OccurredAt)
			printField("action", event.Action)
			printField("entityType", event.EntityType)
			printField("entityId", event.EntityID)
			printField("compositeKey", event.CompositeKey)
			printField("actor", event.Actor)
			if len(event.Payload) > 0 {
				fmt.Printf("%-16s %s\n", "payload:", string(event.Payload))
			}
			return nil
		},
	}
}

func auditRows(events []auditEvent) [][]string {
	rows := make([][]string, 0, len(events))
	for _, e := range events {
		rows = append(rows, []string{
			e.OccurredAt,
			e.Action,
			e.EntityType,
			truncate(e.EntityID, 36),
			e.Actor,
		})
	}
	return rows
}

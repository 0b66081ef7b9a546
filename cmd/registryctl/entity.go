package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/dataflow-works/config-registry/pkg/entities"
)

// referenceInfo mirrors the server's reference inventory response.
type referenceInfo struct {
	ReferencedType string      `json:"referencedType"`
	ReferencedID   string      `json:"referencedId"`
	Breakdown      []typeCount `json:"breakdown"`
}

type typeCount struct {
	Type  string `json:"type"`
	Count int64  `json:"count"`
}

// validationResult mirrors the server's deletion validation response.
type validationResult struct {
	Valid      bool          `json:"valid"`
	Message    string        `json:"message"`
	References referenceInfo `json:"references"`
}

// commandName turns an entity type into its CLI command name.
func commandName(t entities.Type) string {
	return strings.ReplaceAll(string(t), "_", "-")
}

func entityPath(t entities.Type) string {
	return apiPrefix + "/entities/" + string(t)
}

func buildEntityCommand(t entities.Type) *cobra.Command {
	name := commandName(t)
	cmd := &cobra.Command{
		Use:   name,
		Short: fmt.Sprintf("Manage %s documents", name),
	}
	if name != string(t) {
		cmd.Aliases = []string{string(t)}
	}

	cmd.AddCommand(buildListCommand(t))
	cmd.AddCommand(buildGetCommand(t))
	cmd.AddCommand(buildCreateCommand(t))
	cmd.AddCommand(buildUpdateCommand(t))
	cmd.AddCommand(buildDeleteCommand(t))
	cmd.AddCommand(buildReferencesCommand(t))
	cmd.AddCommand(buildValidateDeletionCommand(t))

	return cmd
}

func buildListCommand(t entities.Type) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: fmt.Sprintf("List all %s documents", commandName(t)),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()

			var result struct {
				Items     []map[string]any `json:"items"`
				TotalSize int              `json:"totalSize"`
			}
			if err := client.getJSON(entityPath(t), &result); err != nil {
				return fmt.Errorf("failed to list %s documents: %w", commandName(t), err)
			}

			if outputFmt == "json" || outputFmt == "yaml" {
				return printOutput(result.Items)
			}

			if len(result.Items) == 0 {
				fmt.Printf("No %s documents found.\n", commandName(t))
				return nil
			}

			rows := make([][]string, 0, len(result.Items))
			for _, item := range result.Items {
				rows = append(rows, []string{
					stringValue(item["id"]),
					truncate(stringValue(item["name"]), 40),
					stringValue(item["version"]),
					stringValue(item["updatedAt"]),
					stringValue(item["updatedBy"]),
				})
			}
			printTable([]string{"ID", "Name", "Version", "Updated", "By"}, rows)
			return nil
		},
	}
}

func buildGetCommand(t entities.Type) *cobra.Command {
	var compositeKey string

	cmd := &cobra.Command{
		Use:   "get [id]",
		Short: fmt.Sprintf("Get a %s document by id or composite key", commandName(t)),
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if (len(args) == 0) == (compositeKey == "") {
				return fmt.Errorf("provide exactly one of an id argument or --key")
			}

			client := newClient()
			path := entityPath(t)
			if compositeKey != "" {
				path += "?key=" + url.QueryEscape(compositeKey)
			} else {
				path += "/" + args[0]
			}

			var doc map[string]any
			if err := client.getJSON(path, &doc); err != nil {
				return fmt.Errorf("failed to get %s document: %w", commandName(t), err)
			}
			return printDocument(doc)
		},
	}

	cmd.Flags().StringVar(&compositeKey, "key", "", "Look up by composite key instead of id")
	return cmd
}

func buildCreateCommand(t entities.Type) *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "create -f FILE",
		Short: fmt.Sprintf("Create a %s document from a YAML or JSON file", commandName(t)),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := documentFromFile(file)
			if err != nil {
				return err
			}

			client := newClient()
			var doc map[string]any
			if err := client.postJSON(entityPath(t), payload, &doc); err != nil {
				return fmt.Errorf("failed to create %s document: %w", commandName(t), err)
			}
			return printDocument(doc)
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "Path to the document (YAML or JSON)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func buildUpdateCommand(t entities.Type) *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "update [id] -f FILE",
		Short: fmt.Sprintf("Update a %s document from a YAML or JSON file", commandName(t)),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := documentFromFile(file)
			if err != nil {
				return err
			}

			client := newClient()
			var doc map[string]any
			if err := client.putJSON(entityPath(t)+"/"+args[0], payload, &doc); err != nil {
				return fmt.Errorf("failed to update %s %q: %w", commandName(t), args[0], err)
			}
			return printDocument(doc)
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "Path to the document (YAML or JSON)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func buildDeleteCommand(t entities.Type) *cobra.Command {
	return &cobra.Command{
		Use:   "delete [id]",
		Short: fmt.Sprintf("Delete a %s document", commandName(t)),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()

			var result struct {
				Deleted bool `json:"deleted"`
			}
			if err := client.deleteJSON(entityPath(t)+"/"+args[0], &result); err != nil {
				return fmt.Errorf("failed to delete %s %q: %w", commandName(t), args[0], err)
			}

			if outputFmt == "json" || outputFmt == "yaml" {
				return printOutput(result)
			}

			if result.Deleted {
				fmt.Printf("Deleted %s %s.\n", commandName(t), args[0])
			} else {
				fmt.Printf("No %s with id %s.\n", commandName(t), args[0])
			}
			return nil
		},
	}
}

func buildReferencesCommand(t entities.Type) *cobra.Command {
	return &cobra.Command{
		Use:   "references [id]",
		Short: fmt.Sprintf("Show documents referencing a %s", commandName(t)),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()

			var info referenceInfo
			if err := client.getJSON(entityPath(t)+"/"+args[0]+"/references", &info); err != nil {
				return fmt.Errorf("failed to fetch references for %s %q: %w", commandName(t), args[0], err)
			}

			if outputFmt == "json" || outputFmt == "yaml" {
				return printOutput(info)
			}

			if len(info.Breakdown) == 0 {
				fmt.Printf("No documents reference %s %s.\n", commandName(t), args[0])
				return nil
			}
			printTable([]string{"Referencing Type", "Count"}, breakdownRows(info.Breakdown))
			return nil
		},
	}
}

func buildValidateDeletionCommand(t entities.Type) *cobra.Command {
	return &cobra.Command{
		Use:   "validate-deletion [id]",
		Short: fmt.Sprintf("Check whether a %s document can be deleted", commandName(t)),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()

			var result validationResult
			if err := client.getJSON(entityPath(t)+"/"+args[0]+"/validate-deletion", &result); err != nil {
				return fmt.Errorf("failed to validate deletion of %s %q: %w", commandName(t), args[0], err)
			}

			if outputFmt == "json" || outputFmt == "yaml" {
				return printOutput(result)
			}

			if result.Valid {
				fmt.Printf("Deletion of %s %s is allowed.\n", commandName(t), args[0])
				return nil
			}

			fmt.Printf("Deletion blocked: %s\n", result.Message)
			if len(result.References.Breakdown) > 0 {
				printTable([]string{"Referencing Type", "Count"}, breakdownRows(result.References.Breakdown))
			}
			return nil
		},
	}
}

func breakdownRows(breakdown []typeCount) [][]string {
	rows := make([][]string, 0, len(breakdown))
	for _, tc := range breakdown {
		rows = append(rows, []string{tc.Type, fmt.Sprintf("%d", tc.Count)})
	}
	return rows
}

// documentFromFile reads a document from a YAML or JSON file and returns it
// as JSON ready for the wire.
func documentFromFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read document: %w", err)
	}

	if json.Valid(data) {
		return data, nil
	}

	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse document %s: %w", path, err)
	}
	payload, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	return payload, nil
}

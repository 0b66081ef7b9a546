package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// outputFormat validates -o at parse time instead of after the request.
type outputFormat string

var _ pflag.Value = (*outputFormat)(nil)

func (f *outputFormat) String() string { return string(*f) }

func (f *outputFormat) Set(v string) error {
	switch v {
	case "table", "json", "yaml":
		*f = outputFormat(v)
		return nil
	}
	return fmt.Errorf("must be one of table, json, yaml")
}

func (f *outputFormat) Type() string { return "format" }

func printOutput(v any) error {
	switch outputFmt {
	case "json":
		return printJSON(v)
	case "yaml":
		return printYAML(v)
	default:
		return fmt.Errorf("unsupported output format for structured data: %s (use json or yaml)", outputFmt)
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printYAML(v any) error {
	// Convert through JSON to get consistent keys (json tags).
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var m any
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)
	return enc.Encode(m)
}

func printTable(headers []string, rows [][]string) {
	w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)

	// Print headers in uppercase.
	upperHeaders := make([]string, len(headers))
	for i, h := range headers {
		upperHeaders[i] = strings.ToUpper(h)
	}
	fmt.Fprintln(w, strings.Join(upperHeaders, "\t"))

	// Print rows.
	for _, row := range rows {
		fmt.Fprintln(w, strings.Join(row, "\t"))
	}

	w.Flush()
}

// printDocument renders a single document. Table mode shows the common
// record fields first, type-specific fields in the middle, and the audit
// stamps last.
func printDocument(doc map[string]any) error {
	if outputFmt == "json" || outputFmt == "yaml" {
		return printOutput(doc)
	}

	leading := []string{"id", "name", "version", "description"}
	trailing := []string{"createdAt", "createdBy", "updatedAt", "updatedBy"}

	fixed := make(map[string]bool, len(leading)+len(trailing))
	for _, k := range leading {
		fixed[k] = true
	}
	for _, k := range trailing {
		fixed[k] = true
	}

	var middle []string
	for k := range doc {
		if !fixed[k] {
			middle = append(middle, k)
		}
	}
	sort.Strings(middle)

	for _, k := range leading {
		printField(k, doc[k])
	}
	for _, k := range middle {
		printField(k, doc[k])
	}
	for _, k := range trailing {
		printField(k, doc[k])
	}
	return nil
}

func printField(key string, v any) {
	if v == nil {
		return
	}
	fmt.Printf("%-16s %s\n", key+":", stringValue(v))
}

// stringValue renders a decoded JSON value for table output.
func stringValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(data)
	}
}

// truncate shortens a string to max length, appending "..." if truncated.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}

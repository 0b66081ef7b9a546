package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/dataflow-works/config-registry/pkg/entities"
)

// --- command construction tests ---

func TestCommandName(t *testing.T) {
	tests := []struct {
		in   entities.Type
		want string
	}{
		{entities.TypeProtocol, "protocol"},
		{entities.TypeProcessingChain, "processing-chain"},
		{entities.TypeScheduledTask, "scheduled-task"},
		{entities.TypeScheduledFlow, "scheduled-flow"},
	}

	for _, tt := range tests {
		if got := commandName(tt.in); got != tt.want {
			t.Errorf("commandName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestBuildEntityCommand(t *testing.T) {
	cmd := buildEntityCommand(entities.TypeSource)

	if cmd.Use != "source" {
		t.Errorf("Use = %q, want %q", cmd.Use, "source")
	}

	want := []string{"list", "get", "create", "update", "delete", "references", "validate-deletion"}
	for _, name := range want {
		found := false
		for _, sub := range cmd.Commands() {
			if sub.Name() == name {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("missing subcommand %q", name)
		}
	}
}

func TestBuildEntityCommandAlias(t *testing.T) {
	cmd := buildEntityCommand(entities.TypeProcessingChain)

	if cmd.Use != "processing-chain" {
		t.Errorf("Use = %q, want %q", cmd.Use, "processing-chain")
	}
	if len(cmd.Aliases) != 1 || cmd.Aliases[0] != "processing_chain" {
		t.Errorf("Aliases = %v, want [processing_chain]", cmd.Aliases)
	}

	// Single-word types need no alias.
	if got := buildEntityCommand(entities.TypeFlow).Aliases; len(got) != 0 {
		t.Errorf("flow Aliases = %v, want none", got)
	}
}

func TestEveryTypeGetsACommand(t *testing.T) {
	for _, typ := range entities.Types() {
		found := false
		for _, sub := range rootCmd.Commands() {
			if sub.Name() == commandName(typ) {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("root command is missing %q", commandName(typ))
		}
	}
}

// --- output helper tests ---

func TestStringValue(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want string
	}{
		{"nil", nil, ""},
		{"string", "mqtt", "mqtt"},
		{"bool", true, "true"},
		{"integer float", float64(42), "42"},
		{"fraction float", float64(3.14), "3.14"},
		{"map", map[string]any{"qos": float64(2)}, `{"qos":2}`},
		{"slice", []any{"a", "b"}, `["a","b"]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := stringValue(tt.in); got != tt.want {
				t.Errorf("stringValue(%v) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		max  int
		want string
	}{
		{"short", 10, "short"},
		{"exactly-ten", 11, "exactly-ten"},
		{"this is a longer string", 10, "this is..."},
		{"abc", 3, "abc"},
		{"abcd", 3, "abc"},
	}

	for _, tt := range tests {
		if got := truncate(tt.in, tt.max); got != tt.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.in, tt.max, got, tt.want)
		}
	}
}

func TestComponentRows(t *testing.T) {
	rows := componentRows(map[string]any{
		"status": "not_ready",
		"components": map[string]any{
			"database": map[string]any{"status": "down", "error": "connection refused"},
			"cache":    map[string]any{"status": "enabled"},
		},
	})
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	if rows[0][0] != "  cache" || rows[0][1] != "enabled" {
		t.Errorf("unexpected first row %v", rows[0])
	}
	if rows[1][0] != "  database" || rows[1][1] != "down: connection refused" {
		t.Errorf("unexpected second row %v", rows[1])
	}

	if rows := componentRows(map[string]any{"status": "unknown"}); rows != nil {
		t.Errorf("expected no rows without components, got %v", rows)
	}
}

func TestOutputFormatSet(t *testing.T) {
	var f outputFormat
	for _, v := range []string{"table", "json", "yaml"} {
		if err := f.Set(v); err != nil {
			t.Errorf("Set(%q): %v", v, err)
		}
		if f.String() != v {
			t.Errorf("String() = %q after Set(%q)", f.String(), v)
		}
	}
	if err := f.Set("xml"); err == nil {
		t.Error("expected an error for an unsupported format")
	}
}

func TestBreakdownRows(t *testing.T) {
	rows := breakdownRows([]typeCount{
		{Type: "source", Count: 2},
		{Type: "importer", Count: 1},
	})

	if len(rows) != 2 {
		t.Fatalf("got %d rows, want 2", len(rows))
	}
	if rows[0][0] != "source" || rows[0][1] != "2" {
		t.Errorf("rows[0] = %v, want [source 2]", rows[0])
	}
}

func TestAuditRows(t *testing.T) {
	rows := auditRows([]auditEvent{
		{OccurredAt: "2026-02-11T08:00:00Z", Action: "created", EntityType: "protocol", EntityID: "abc", Actor: "alice"},
	})

	if len(rows) != 1 {
		t.Fatalf("got %d rows, want 1", len(rows))
	}
	want := []string{"2026-02-11T08:00:00Z", "created", "protocol", "abc", "alice"}
	for i, cell := range want {
		if rows[0][i] != cell {
			t.Errorf("rows[0][%d] = %q, want %q", i, rows[0][i], cell)
		}
	}
}

// --- document file tests ---

func TestDocumentFromFileYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "source.yaml")
	content := `name: plant-7
version: "1.0"
address: tcp://plant-7:1883
protocolId: 1.0_mqtt
configuration:
  qos: 2
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	payload, err := documentFromFile(path)
	if err != nil {
		t.Fatalf("documentFromFile failed: %v", err)
	}

	var doc map[string]any
	if err := json.Unmarshal(payload, &doc); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	if doc["name"] != "plant-7" {
		t.Errorf("name = %v, want plant-7", doc["name"])
	}
	if doc["protocolId"] != "1.0_mqtt" {
		t.Errorf("protocolId = %v, want 1.0_mqtt", doc["protocolId"])
	}
	cfg, ok := doc["configuration"].(map[string]any)
	if !ok {
		t.Fatalf("configuration = %T, want map", doc["configuration"])
	}
	if cfg["qos"] != float64(2) {
		t.Errorf("configuration.qos = %v, want 2", cfg["qos"])
	}
}

func TestDocumentFromFileJSONPassthrough(t *testing.T) {
	path := filepath.Join(t.TempDir(), "source.json")
	content := `{"name":"plant-7","version":"1.0"}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	payload, err := documentFromFile(path)
	if err != nil {
		t.Fatalf("documentFromFile failed: %v", err)
	}
	if string(payload) != content {
		t.Errorf("payload = %s, want unchanged JSON", payload)
	}
}

func TestDocumentFromFileMissing(t *testing.T) {
	if _, err := documentFromFile(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestDocumentFromFileMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("name: [unterminated"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := documentFromFile(path); err == nil {
		t.Fatal("expected error for malformed document")
	}
}

// --- HTTP client tests ---

func TestClientSendsAuthHeaders(t *testing.T) {
	var gotRole, gotUser, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotRole = r.Header.Get(roleHeader)
		gotUser = r.Header.Get(userHeader)
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "alive"})
	}))
	defer srv.Close()

	client := &registryClient{
		baseURL: srv.URL,
		http:    srv.Client(),
		role:    "operator",
		user:    "alice",
		token:   "tok123",
	}

	var resp map[string]any
	if err := client.getJSON("/healthz", &resp); err != nil {
		t.Fatalf("getJSON failed: %v", err)
	}

	if gotRole != "operator" {
		t.Errorf("role header = %q, want operator", gotRole)
	}
	if gotUser != "alice" {
		t.Errorf("user header = %q, want alice", gotUser)
	}
	if gotAuth != "Bearer tok123" {
		t.Errorf("authorization header = %q, want Bearer tok123", gotAuth)
	}
}

func TestClientStructuredErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]string{
			"error":   "duplicate_key",
			"message": "protocol with key \"1.0_mqtt\" already exists",
		})
	}))
	defer srv.Close()

	client := &registryClient{baseURL: srv.URL, http: srv.Client()}

	err := client.getJSON("/api/v1alpha1/entities/protocol", nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "duplicate_key") {
		t.Errorf("error %q should name the error kind", err)
	}
	if !strings.Contains(err.Error(), "1.0_mqtt") {
		t.Errorf("error %q should carry the server message", err)
	}
}

func TestClientPlainErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("upstream exploded"))
	}))
	defer srv.Close()

	client := &registryClient{baseURL: srv.URL, http: srv.Client()}

	err := client.getJSON("/healthz", nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "502") {
		t.Errorf("error %q should carry the status code", err)
	}
	if !strings.Contains(err.Error(), "upstream exploded") {
		t.Errorf("error %q should carry the body", err)
	}
}

func TestClientStatusJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"status":"not_ready","components":{"database":{"status":"down"}}}`))
	}))
	defer srv.Close()

	client := &registryClient{baseURL: srv.URL, http: srv.Client()}

	var body map[string]any
	code, err := client.getStatusJSON("/readyz", &body)
	if err != nil {
		t.Fatalf("getStatusJSON: %v", err)
	}
	if code != http.StatusServiceUnavailable {
		t.Errorf("code = %d, want 503", code)
	}
	if body["status"] != "not_ready" {
		t.Errorf("status = %v, want not_ready", body["status"])
	}
	if _, ok := body["components"]; !ok {
		t.Error("expected components decoded from the 503 body")
	}
}

func TestEntityListHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1alpha1/entities/protocol" {
			t.Errorf("unexpected path: %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"items": []map[string]any{
				{"id": "p1", "name": "mqtt", "version": "1.0"},
			},
			"totalSize": 1,
		})
	}))
	defer srv.Close()

	client := &registryClient{baseURL: srv.URL, http: srv.Client()}

	var result struct {
		Items     []map[string]any `json:"items"`
		TotalSize int              `json:"totalSize"`
	}
	if err := client.getJSON(entityPath(entities.TypeProtocol), &result); err != nil {
		t.Fatalf("getJSON failed: %v", err)
	}
	if result.TotalSize != 1 || len(result.Items) != 1 {
		t.Fatalf("got %d items (totalSize %d), want 1", len(result.Items), result.TotalSize)
	}
	if result.Items[0]["name"] != "mqtt" {
		t.Errorf("name = %v, want mqtt", result.Items[0]["name"])
	}
}

func TestEntityDeleteHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			t.Errorf("method = %s, want DELETE", r.Method)
		}
		if r.URL.Path != "/api/v1alpha1/entities/flow/f1" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]bool{"deleted": true})
	}))
	defer srv.Close()

	client := &registryClient{baseURL: srv.URL, http: srv.Client()}

	var result struct {
		Deleted bool `json:"deleted"`
	}
	if err := client.deleteJSON(entityPath(entities.TypeFlow)+"/f1", &result); err != nil {
		t.Fatalf("deleteJSON failed: %v", err)
	}
	if !result.Deleted {
		t.Error("Deleted = false, want true")
	}
}

func TestEntityCreateHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content type = %q, want application/json", ct)
		}
		var doc map[string]any
		if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
			t.Errorf("body decode failed: %v", err)
		}
		doc["id"] = "generated-id"
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(doc)
	}))
	defer srv.Close()

	client := &registryClient{baseURL: srv.URL, http: srv.Client()}

	var created map[string]any
	err := client.postJSON(entityPath(entities.TypeProtocol), []byte(`{"name":"mqtt","version":"1.0"}`), &created)
	if err != nil {
		t.Fatalf("postJSON failed: %v", err)
	}
	if created["id"] != "generated-id" {
		t.Errorf("id = %v, want generated-id", created["id"])
	}
}

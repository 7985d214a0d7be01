package tools

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/pageforge/pageforge/agent-engine/internal/approvals"
	"github.com/pageforge/pageforge/agent-engine/internal/audit"
	"github.com/pageforge/pageforge/agent-engine/internal/store"
	"github.com/pageforge/pageforge/agent-engine/pkg/models"
)

func newTestExecutor(t *testing.T) (*Executor, *store.MemoryStore, string) {
	t.Helper()
	root := t.TempDir()

	if err := os.MkdirAll(filepath.Join(root, "a", "c"), 0o755); err != nil {
		t.Fatal(err)
	}
	mustWrite := func(rel, content string) {
		if err := os.WriteFile(filepath.Join(root, rel), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	mustWrite("README.md", "# Demo Site\nA demo repository.\n")
	mustWrite(filepath.Join("a", "c", "main.go"), "package main\n\nfunc main() {}\n")

	s := store.NewMemoryStore()
	t.Cleanup(func() { s.Close() })

	content := NewMemoryContentSource()
	content.AddContent(&Content{ID: 42, Title: "Hello World", Type: "post", Status: "published", Body: "first post"})

	core := NewCoreTools(root, content, approvals.NewService(s))
	return NewExecutor(audit.NewLogger(s), core), s, root
}

func ident() models.Identity {
	return models.Identity{UserID: 3, Capabilities: []string{"content.edit"}}
}

func TestSanitizeRelPath(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"README.md", "README.md", false},
		{"a//b/../c", "a/c", false},
		{"../../etc/passwd", "etc/passwd", false},
		{"./a/./c", "a/c", false},
		{"/etc/passwd", "", true},
		{"", ".", false},
	}
	for _, tt := range tests {
		got, err := sanitizeRelPath(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("sanitizeRelPath(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("sanitizeRelPath(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestExecute_ReadFile(t *testing.T) {
	e, _, _ := newTestExecutor(t)

	result, err := e.Execute(context.Background(), nil, "read_file",
		map[string]interface{}{"path": "README.md"}, ident())
	if err != nil {
		t.Fatalf("Execute(read_file) error = %v", err)
	}
	if result["content"] != "# Demo Site\nA demo repository.\n" {
		t.Errorf("content = %q", result["content"])
	}
}

func TestExecute_ReadFile_TraversalNeutralized(t *testing.T) {
	e, _, _ := newTestExecutor(t)

	// ".." segments are stripped; the path stays under the root and
	// resolves to a file that does not exist there.
	_, err := e.Execute(context.Background(), nil, "read_file",
		map[string]interface{}{"path": "../../etc/passwd"}, ident())
	if err == nil {
		t.Fatal("traversal path should not resolve to a real file")
	}
}

func TestExecute_ListDirectory(t *testing.T) {
	e, _, _ := newTestExecutor(t)

	result, err := e.Execute(context.Background(), nil, "list_directory",
		map[string]interface{}{"path": ""}, ident())
	if err != nil {
		t.Fatalf("Execute(list_directory) error = %v", err)
	}
	dirs := result["directories"].([]string)
	files := result["files"].([]string)
	if len(dirs) != 1 || dirs[0] != "a" {
		t.Errorf("directories = %v", dirs)
	}
	if len(files) != 1 || files[0] != "README.md" {
		t.Errorf("files = %v", files)
	}
}

func TestExecute_SearchCode(t *testing.T) {
	e, _, _ := newTestExecutor(t)

	result, err := e.Execute(context.Background(), nil, "search_code",
		map[string]interface{}{"pattern": `func main`}, ident())
	if err != nil {
		t.Fatalf("Execute(search_code) error = %v", err)
	}
	matches := result["matches"].([]SearchMatch)
	if len(matches) != 1 {
		t.Fatalf("matches = %d, want 1", len(matches))
	}
	if matches[0].File != "a/c/main.go" || matches[0].Line != 3 {
		t.Errorf("match = %+v", matches[0])
	}
}

func TestExecute_UnknownTool(t *testing.T) {
	e, _, _ := newTestExecutor(t)

	_, err := e.Execute(context.Background(), nil, "launch_missiles", nil, ident())
	te, ok := err.(*ToolError)
	if !ok {
		t.Fatalf("error type = %T, want *ToolError", err)
	}
	if te.Code != CodeUnknownTool {
		t.Errorf("Code = %q, want unknown_tool", te.Code)
	}
}

func TestExecute_InvalidArgs(t *testing.T) {
	e, _, _ := newTestExecutor(t)

	// read_file requires a string path.
	_, err := e.Execute(context.Background(), nil, "read_file",
		map[string]interface{}{"path": 12}, ident())
	te, ok := err.(*ToolError)
	if !ok {
		t.Fatalf("error type = %T, want *ToolError", err)
	}
	if te.Code != CodeInvalidArgs {
		t.Errorf("Code = %q, want invalid_args", te.Code)
	}
}

func TestExecute_AuditBeforeExecution(t *testing.T) {
	e, s, _ := newTestExecutor(t)

	// Even an unknown tool leaves an audit trace.
	e.Execute(context.Background(), nil, "launch_missiles", map[string]interface{}{"x": 1}, ident())

	entries, err := s.ListAuditEntries(context.Background(), models.AuditFilter{Action: models.AuditToolInvoked})
	if err != nil {
		t.Fatalf("ListAuditEntries() error = %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("audit entries = %d, want 1", len(entries))
	}
	if entries[0].TargetID != "launch_missiles" {
		t.Errorf("TargetID = %q", entries[0].TargetID)
	}
}

type fakeAgent struct {
	id      string
	handled map[string]map[string]interface{}
}

func (a *fakeAgent) ID() string                     { return a.id }
func (a *fakeAgent) Name() string                   { return a.id }
func (a *fakeAgent) Description() string            { return "" }
func (a *fakeAgent) SystemPrompt() string           { return "test" }
func (a *fakeAgent) Tools() []models.ToolDefinition { return nil }
func (a *fakeAgent) RequiredCapabilities() []string { return nil }
func (a *fakeAgent) Cleanup(ctx context.Context) error {
	return nil
}
func (a *fakeAgent) ExecuteTool(ctx context.Context, name string, args map[string]interface{}, identity models.Identity) (map[string]interface{}, bool, error) {
	result, ok := a.handled[name]
	return result, ok, nil
}

func TestExecute_AgentHandlerWinsOverCore(t *testing.T) {
	e, _, _ := newTestExecutor(t)

	agent := &fakeAgent{
		id: "custom",
		handled: map[string]map[string]interface{}{
			"read_file": {"content": "agent override"},
		},
	}
	result, err := e.Execute(context.Background(), agent, "read_file",
		map[string]interface{}{"path": "README.md"}, ident())
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if result["content"] != "agent override" {
		t.Errorf("content = %v, want agent override", result["content"])
	}
}

func TestExecute_UpdateDocumentation(t *testing.T) {
	e, _, root := newTestExecutor(t)

	_, err := e.Execute(context.Background(), nil, "update_documentation",
		map[string]interface{}{"path": "docs/guide.md", "content": "# Guide\n"}, ident())
	if err != nil {
		t.Fatalf("Execute(update_documentation) error = %v", err)
	}
	data, err := os.ReadFile(filepath.Join(root, "docs", "guide.md"))
	if err != nil {
		t.Fatalf("written file missing: %v", err)
	}
	if string(data) != "# Guide\n" {
		t.Errorf("written content = %q", data)
	}
}

func TestExecute_UpdateDocumentation_ExtensionDenied(t *testing.T) {
	e, _, root := newTestExecutor(t)

	_, err := e.Execute(context.Background(), nil, "update_documentation",
		map[string]interface{}{"path": "evil.php", "content": "<?php"}, ident())
	te, ok := err.(*ToolError)
	if !ok || te.Code != CodeDenied {
		t.Fatalf("error = %v, want denied ToolError", err)
	}
	if _, statErr := os.Stat(filepath.Join(root, "evil.php")); statErr == nil {
		t.Error("denied write still created the file")
	}
}

func TestExecute_RequestCodeChange_RecordsNeverApplies(t *testing.T) {
	e, s, root := newTestExecutor(t)

	result, err := e.Execute(context.Background(), nil, "request_code_change",
		map[string]interface{}{
			"path":        "a/c/main.go",
			"description": "add logging",
			"diff":        "+ log.Println(\"hi\")",
		}, ident())
	if err != nil {
		t.Fatalf("Execute(request_code_change) error = %v", err)
	}
	if result["status"] != "proposal_recorded" {
		t.Errorf("status = %v", result["status"])
	}
	if result["applied"] != false {
		t.Errorf("applied = %v, want false", result["applied"])
	}

	// The proposal landed in the approval queue.
	items, err := s.ListApprovals(context.Background(), models.ApprovalPending, 0)
	if err != nil {
		t.Fatalf("ListApprovals() error = %v", err)
	}
	if len(items) != 1 || items[0].Action != "code_change" {
		t.Fatalf("approvals = %+v, want one code_change", items)
	}

	// And the file itself is untouched.
	data, _ := os.ReadFile(filepath.Join(root, "a", "c", "main.go"))
	if string(data) != "package main\n\nfunc main() {}\n" {
		t.Error("request_code_change modified the file")
	}
}

func TestExecute_ContentTools(t *testing.T) {
	e, _, _ := newTestExecutor(t)
	ctx := context.Background()

	result, err := e.Execute(ctx, nil, "get_content", map[string]interface{}{"id": 42}, ident())
	if err != nil {
		t.Fatalf("Execute(get_content) error = %v", err)
	}
	c := result["content"].(*Content)
	if c.Title != "Hello World" {
		t.Errorf("Title = %q", c.Title)
	}

	if _, err := e.Execute(ctx, nil, "create_comment",
		map[string]interface{}{"content_id": 42, "text": "nice post"}, ident()); err != nil {
		t.Fatalf("Execute(create_comment) error = %v", err)
	}

	result, err = e.Execute(ctx, nil, "get_comments", map[string]interface{}{"content_id": 42}, ident())
	if err != nil {
		t.Fatalf("Execute(get_comments) error = %v", err)
	}
	if result["count"] != 1 {
		t.Errorf("count = %v, want 1", result["count"])
	}
}

func TestCoreDefinitions_SchemasGenerated(t *testing.T) {
	e, _, _ := newTestExecutor(t)

	defs := e.CoreDefinitions()
	if len(defs) != 8 {
		t.Fatalf("core tools = %d, want 8", len(defs))
	}
	for _, def := range defs {
		if def.Parameters["type"] != "object" {
			t.Errorf("%s schema type = %v, want object", def.Name, def.Parameters["type"])
		}
	}
}

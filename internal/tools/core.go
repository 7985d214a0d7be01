package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/invopop/jsonschema"

	"github.com/pageforge/pageforge/agent-engine/pkg/contracts"
	"github.com/pageforge/pageforge/agent-engine/pkg/models"
)

// search_code budget: whichever limit is reached first ends the walk.
const (
	searchMaxFiles   = 2000
	searchMaxElapsed = 2 * time.Second
	searchMaxResults = 100
)

// docExtensions is the allow-list for update_documentation. Documentation
// edits run without an approval gate; code edits never do.
var docExtensions = map[string]bool{".md": true, ".txt": true, ".rst": true}

// maxReadBytes caps file reads fed back into a conversation.
const maxReadBytes = 64 * 1024

// SearchMatch is one search_code hit.
type SearchMatch struct {
	File string `json:"file"`
	Line int    `json:"line"`
	Text string `json:"text"`
}

// ── Content source ──────────────────────────────────────────

// Content is a CMS content object (post, page, or similar).
type Content struct {
	ID      int64  `json:"id"`
	Title   string `json:"title"`
	Type    string `json:"type"`
	Status  string `json:"status"`
	Body    string `json:"body"`
	Author  string `json:"author"`
	Updated string `json:"updated"`
}

// Comment is a reader comment attached to a content object.
type Comment struct {
	ID        int64  `json:"id"`
	ContentID int64  `json:"content_id"`
	Author    string `json:"author"`
	Text      string `json:"text"`
	CreatedAt string `json:"created_at"`
}

// ContentSource is the boundary to the CMS content layer. The fronting
// application provides the real implementation; MemoryContentSource backs
// tests and standalone deployments.
type ContentSource interface {
	GetContent(ctx context.Context, id int64) (*Content, error)
	ListComments(ctx context.Context, contentID int64) ([]Comment, error)
	CreateComment(ctx context.Context, contentID int64, author, text string) (*Comment, error)
}

// MemoryContentSource is an in-memory ContentSource.
type MemoryContentSource struct {
	contents map[int64]*Content
	comments map[int64][]Comment
	nextID   int64
}

// NewMemoryContentSource creates an empty in-memory content source.
func NewMemoryContentSource() *MemoryContentSource {
	return &MemoryContentSource{
		contents: make(map[int64]*Content),
		comments: make(map[int64][]Comment),
		nextID:   1,
	}
}

// AddContent seeds a content object.
func (m *MemoryContentSource) AddContent(c *Content) {
	m.contents[c.ID] = c
}

func (m *MemoryContentSource) GetContent(ctx context.Context, id int64) (*Content, error) {
	c, ok := m.contents[id]
	if !ok {
		return nil, fmt.Errorf("content %d not found", id)
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryContentSource) ListComments(ctx context.Context, contentID int64) ([]Comment, error) {
	if _, ok := m.contents[contentID]; !ok {
		return nil, fmt.Errorf("content %d not found", contentID)
	}
	return append([]Comment(nil), m.comments[contentID]...), nil
}

func (m *MemoryContentSource) CreateComment(ctx context.Context, contentID int64, author, text string) (*Comment, error) {
	if _, ok := m.contents[contentID]; !ok {
		return nil, fmt.Errorf("content %d not found", contentID)
	}
	c := Comment{
		ID:        m.nextID,
		ContentID: contentID,
		Author:    author,
		Text:      text,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}
	m.nextID++
	m.comments[contentID] = append(m.comments[contentID], c)
	cp := c
	return &cp, nil
}

// ── Core tool set ───────────────────────────────────────────

// CoreTools holds the dependencies of the built-in tool set.
type CoreTools struct {
	repoRoot  string
	content   ContentSource
	approvals contracts.ApprovalService
}

// NewCoreTools creates the core tool set confined to repoRoot.
func NewCoreTools(repoRoot string, content ContentSource, approvals contracts.ApprovalService) *CoreTools {
	return &CoreTools{repoRoot: repoRoot, content: content, approvals: approvals}
}

// Argument structs. Schemas are derived from these, so the jsonschema tags
// are the tool's contract with the model.

type readFileArgs struct {
	Path string `json:"path" jsonschema:"description=Relative path of the file to read"`
}

type listDirectoryArgs struct {
	Path string `json:"path,omitempty" jsonschema:"description=Relative directory path; empty for the repository root"`
}

type searchCodeArgs struct {
	Pattern string `json:"pattern" jsonschema:"description=Regular expression to search for"`
	Glob    string `json:"glob,omitempty" jsonschema:"description=Optional filename suffix filter such as .go or .php"`
}

type getContentArgs struct {
	ID int64 `json:"id" jsonschema:"description=Content object id"`
}

type getCommentsArgs struct {
	ContentID int64 `json:"content_id" jsonschema:"description=Content object id whose comments to list"`
}

type createCommentArgs struct {
	ContentID int64  `json:"content_id" jsonschema:"description=Content object id to comment on"`
	Text      string `json:"text" jsonschema:"description=Comment text"`
}

type updateDocumentationArgs struct {
	Path    string `json:"path" jsonschema:"description=Relative path of the documentation file (.md, .txt or .rst)"`
	Content string `json:"content" jsonschema:"description=Full replacement content"`
}

type requestCodeChangeArgs struct {
	Path        string `json:"path" jsonschema:"description=Relative path of the file to change"`
	Description string `json:"description" jsonschema:"description=What the change does and why"`
	Diff        string `json:"diff" jsonschema:"description=Proposed change as a unified diff or full replacement"`
}

// schemaFor derives a JSON-schema parameter object from an argument struct.
func schemaFor(v interface{}) map[string]interface{} {
	r := jsonschema.Reflector{
		DoNotReference:            true,
		AllowAdditionalProperties: false,
	}
	raw, err := json.Marshal(r.Reflect(v))
	if err != nil {
		return map[string]interface{}{"type": "object"}
	}
	var schema map[string]interface{}
	if err := json.Unmarshal(raw, &schema); err != nil {
		return map[string]interface{}{"type": "object"}
	}
	delete(schema, "$schema")
	delete(schema, "$id")
	return schema
}

// register wires the core tools into the executor.
func (ct *CoreTools) register(e *Executor) {
	e.registerCore(models.ToolDefinition{
		Name:        "read_file",
		Description: "Read a text file from the site repository.",
		Parameters:  schemaFor(&readFileArgs{}),
	}, ct.readFile)

	e.registerCore(models.ToolDefinition{
		Name:        "list_directory",
		Description: "List the entries of a repository directory.",
		Parameters:  schemaFor(&listDirectoryArgs{}),
	}, ct.listDirectory)

	e.registerCore(models.ToolDefinition{
		Name:        "search_code",
		Description: "Search repository files with a regular expression.",
		Parameters:  schemaFor(&searchCodeArgs{}),
	}, ct.searchCode)

	e.registerCore(models.ToolDefinition{
		Name:        "get_content",
		Description: "Fetch a CMS content object by id.",
		Parameters:  schemaFor(&getContentArgs{}),
	}, ct.getContent)

	e.registerCore(models.ToolDefinition{
		Name:        "get_comments",
		Description: "List the comments on a content object.",
		Parameters:  schemaFor(&getCommentsArgs{}),
	}, ct.getComments)

	e.registerCore(models.ToolDefinition{
		Name:        "create_comment",
		Description: "Post a comment on a content object on the agent's behalf.",
		Parameters:  schemaFor(&createCommentArgs{}),
	}, ct.createComment)

	e.registerCore(models.ToolDefinition{
		Name:        "update_documentation",
		Description: "Replace the content of a documentation file (.md, .txt, .rst only).",
		Parameters:  schemaFor(&updateDocumentationArgs{}),
	}, ct.updateDocumentation)

	e.registerCore(models.ToolDefinition{
		Name:        "request_code_change",
		Description: "Propose a code change for human review. Changes are recorded, never applied.",
		Parameters:  schemaFor(&requestCodeChangeArgs{}),
	}, ct.requestCodeChange)
}

// sanitizeRelPath confines a caller-supplied path under the repository
// root: absolute paths are rejected, separators collapsed, and any `..`
// segment surviving normalization is stripped.
func sanitizeRelPath(p string) (string, error) {
	p = strings.TrimSpace(p)
	if p == "" {
		return ".", nil
	}
	p = filepath.ToSlash(p)
	if strings.HasPrefix(p, "/") || filepath.IsAbs(p) || regexp.MustCompile(`^[A-Za-z]:`).MatchString(p) {
		return "", fmt.Errorf("absolute paths are not allowed")
	}

	cleaned := path.Clean(p)
	parts := strings.Split(cleaned, "/")
	kept := parts[:0]
	for _, part := range parts {
		if part == ".." || part == "." || part == "" {
			continue
		}
		kept = append(kept, part)
	}
	if len(kept) == 0 {
		return ".", nil
	}
	return strings.Join(kept, "/"), nil
}

func (ct *CoreTools) resolve(p string) (string, error) {
	rel, err := sanitizeRelPath(p)
	if err != nil {
		return "", err
	}
	return filepath.Join(ct.repoRoot, filepath.FromSlash(rel)), nil
}

func decodeArgs(args map[string]interface{}, into interface{}) error {
	raw, err := json.Marshal(args)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, into)
}

func (ct *CoreTools) readFile(ctx context.Context, args map[string]interface{}, identity models.Identity) (map[string]interface{}, error) {
	var a readFileArgs
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	full, err := ct.resolve(a.Path)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(full)
	if err != nil {
		return nil, fmt.Errorf("file not found: %s", a.Path)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", a.Path)
	}

	data, err := os.ReadFile(full)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", a.Path, err)
	}
	truncated := false
	if len(data) > maxReadBytes {
		data = data[:maxReadBytes]
		truncated = true
	}
	return map[string]interface{}{
		"path":      a.Path,
		"content":   string(data),
		"size":      info.Size(),
		"truncated": truncated,
	}, nil
}

func (ct *CoreTools) listDirectory(ctx context.Context, args map[string]interface{}, identity models.Identity) (map[string]interface{}, error) {
	var a listDirectoryArgs
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	full, err := ct.resolve(a.Path)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(full)
	if err != nil {
		return nil, fmt.Errorf("directory not found: %s", a.Path)
	}

	var files, dirs []string
	for _, entry := range entries {
		if entry.IsDir() {
			dirs = append(dirs, entry.Name())
		} else {
			files = append(files, entry.Name())
		}
	}
	return map[string]interface{}{
		"path":        a.Path,
		"directories": dirs,
		"files":       files,
	}, nil
}

func (ct *CoreTools) searchCode(ctx context.Context, args map[string]interface{}, identity models.Identity) (map[string]interface{}, error) {
	var a searchCodeArgs
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	re, err := regexp.Compile(a.Pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern: %w", err)
	}

	var matches []SearchMatch
	filesScanned := 0
	budgetHit := false
	deadline := time.Now().Add(searchMaxElapsed)

	err = filepath.WalkDir(ct.repoRoot, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			name := d.Name()
			if name == ".git" || name == "node_modules" || name == "vendor" {
				return fs.SkipDir
			}
			return nil
		}
		if filesScanned >= searchMaxFiles || time.Now().After(deadline) {
			budgetHit = true
			return fs.SkipAll
		}
		if a.Glob != "" && !strings.HasSuffix(p, a.Glob) {
			return nil
		}
		filesScanned++

		data, readErr := os.ReadFile(p)
		if readErr != nil {
			return nil
		}
		rel, _ := filepath.Rel(ct.repoRoot, p)
		for i, line := range strings.Split(string(data), "\n") {
			if re.MatchString(line) {
				matches = append(matches, SearchMatch{File: filepath.ToSlash(rel), Line: i + 1, Text: strings.TrimSpace(line)})
				if len(matches) >= searchMaxResults {
					budgetHit = true
					return fs.SkipAll
				}
			}
		}
		return nil
	})
	if err != nil && err != fs.SkipAll {
		return nil, err
	}

	return map[string]interface{}{
		"pattern":       a.Pattern,
		"matches":       matches,
		"files_scanned": filesScanned,
		"truncated":     budgetHit,
	}, nil
}

func (ct *CoreTools) getContent(ctx context.Context, args map[string]interface{}, identity models.Identity) (map[string]interface{}, error) {
	var a getContentArgs
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	c, err := ct.content.GetContent(ctx, a.ID)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"content": c}, nil
}

func (ct *CoreTools) getComments(ctx context.Context, args map[string]interface{}, identity models.Identity) (map[string]interface{}, error) {
	var a getCommentsArgs
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	comments, err := ct.content.ListComments(ctx, a.ContentID)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"comments": comments, "count": len(comments)}, nil
}

func (ct *CoreTools) createComment(ctx context.Context, args map[string]interface{}, identity models.Identity) (map[string]interface{}, error) {
	var a createCommentArgs
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	if strings.TrimSpace(a.Text) == "" {
		return nil, fmt.Errorf("comment text is empty")
	}
	author := fmt.Sprintf("agent (user %d)", identity.UserID)
	comment, err := ct.content.CreateComment(ctx, a.ContentID, author, a.Text)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"comment": comment}, nil
}

func (ct *CoreTools) updateDocumentation(ctx context.Context, args map[string]interface{}, identity models.Identity) (map[string]interface{}, error) {
	var a updateDocumentationArgs
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	rel, err := sanitizeRelPath(a.Path)
	if err != nil {
		return nil, err
	}
	if !docExtensions[strings.ToLower(path.Ext(rel))] {
		return nil, &ToolError{
			Tool: "update_documentation", Code: CodeDenied,
			Message: "only .md, .txt and .rst files may be updated",
		}
	}

	full := filepath.Join(ct.repoRoot, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}
	if err := os.WriteFile(full, []byte(a.Content), 0o644); err != nil {
		return nil, fmt.Errorf("write %s: %w", rel, err)
	}
	return map[string]interface{}{
		"path":    rel,
		"written": len(a.Content),
	}, nil
}

// requestCodeChange records a proposal for human review. The result
// explicitly separates "recorded" from "applied": code is never touched.
func (ct *CoreTools) requestCodeChange(ctx context.Context, args map[string]interface{}, identity models.Identity) (map[string]interface{}, error) {
	var a requestCodeChangeArgs
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	rel, err := sanitizeRelPath(a.Path)
	if err != nil {
		return nil, err
	}

	item, err := ct.approvals.Create(ctx, "", "code_change", map[string]interface{}{
		"path": rel,
		"diff": a.Diff,
	}, a.Description, 0)
	if err != nil {
		return nil, fmt.Errorf("record proposal: %w", err)
	}

	return map[string]interface{}{
		"status":      "proposal_recorded",
		"applied":     false,
		"approval_id": item.ID,
	}, nil
}

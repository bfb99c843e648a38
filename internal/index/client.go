// Package index is the HTTP client for the code parsing and indexing
// collaborator: project metadata, file listings, AST/call-graph context, and
// the rule-based static scanner. The engine itself is external; this package
// only speaks its API.
package index

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	auditerrors "github.com/ctxaudit/auditcore/internal/errors"
	"github.com/ctxaudit/auditcore/internal/models"
)

// Project is the indexer's view of a registered project.
type Project struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Path string `json:"path"`
}

// FileEntry is one entry of a directory listing.
type FileEntry struct {
	Path  string `json:"path"`
	IsDir bool   `json:"is_dir"`
	Size  int64  `json:"size,omitempty"`
}

// ASTContext is the structural context around a code location.
type ASTContext struct {
	Function    string   `json:"function,omitempty"`
	Callers     []string `json:"callers,omitempty"`
	Callees     []string `json:"callees,omitempty"`
	DataSources []string `json:"data_sources,omitempty"`
	Snippet     string   `json:"snippet,omitempty"`
}

// ScanResult is the static scanner's output for a project.
type ScanResult struct {
	Findings     []models.RawFinding `json:"findings"`
	FilesScanned int                 `json:"files_scanned"`
}

// Client talks to the indexing collaborator.
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient creates an indexer client. timeout 0 uses a 30s default.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

// GetProject fetches project metadata.
func (c *Client) GetProject(ctx context.Context, projectID string) (*Project, error) {
	var p Project
	if err := c.getJSON(ctx, "/api/project/"+url.PathEscape(projectID), &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// ListFiles lists the entries of one directory inside the project.
func (c *Client) ListFiles(ctx context.Context, directory string) ([]FileEntry, error) {
	var entries []FileEntry
	path := "/api/files/list?directory=" + url.QueryEscape(directory)
	if err := c.getJSON(ctx, path, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// ReadFile returns the content of one file.
func (c *Client) ReadFile(ctx context.Context, path string) (string, error) {
	var content string
	if err := c.getJSON(ctx, "/api/files/read?path="+url.QueryEscape(path), &content); err != nil {
		return "", err
	}
	return content, nil
}

// GetContext returns AST and call-graph context around a line range.
func (c *Client) GetContext(ctx context.Context, filePath string, startLine, endLine int) (*ASTContext, error) {
	req := map[string]interface{}{
		"file_path":       filePath,
		"line_range":      []int{startLine, endLine},
		"include_callers": true,
		"include_callees": true,
	}
	var astCtx ASTContext
	if err := c.postJSON(ctx, "/api/ast/context", req, &astCtx); err != nil {
		return nil, err
	}
	return &astCtx, nil
}

// ScanProject runs the rule-based static scanner over the project and
// returns raw findings.
func (c *Client) ScanProject(ctx context.Context, projectPath string) (*ScanResult, error) {
	req := map[string]string{"project_path": projectPath}
	var result ScanResult
	if err := c.postJSON(ctx, "/api/scanner/scan", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	return c.do(req, out)
}

func (c *Client) postJSON(ctx context.Context, path string, body, out interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out interface{}) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return auditerrors.New(auditerrors.ErrorTypeConnection, "indexer_request", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return auditerrors.New(auditerrors.ErrorTypeConnection, "indexer_read", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return auditerrors.New(auditerrors.ErrorTypeNotFound, "indexer_request",
			fmt.Errorf("indexer returned 404 for %s", req.URL.Path))
	}
	if resp.StatusCode != http.StatusOK {
		return auditerrors.New(auditerrors.ErrorTypeAPI, "indexer_request",
			fmt.Errorf("indexer returned %d: %s", resp.StatusCode, string(body))).
			WithStatusCode(resp.StatusCode)
	}

	if err := json.Unmarshal(body, out); err != nil {
		return auditerrors.New(auditerrors.ErrorTypeValidation, "indexer_decode",
			fmt.Errorf("failed to decode indexer response: %w", err))
	}
	return nil
}

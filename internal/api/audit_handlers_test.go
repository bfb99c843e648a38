package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ctxaudit/auditcore/internal/config"
	"github.com/ctxaudit/auditcore/internal/events"
	"github.com/ctxaudit/auditcore/internal/index"
	"github.com/ctxaudit/auditcore/internal/llm"
	"github.com/ctxaudit/auditcore/internal/models"
	"github.com/ctxaudit/auditcore/internal/orchestrator"
	"github.com/ctxaudit/auditcore/internal/retrieval"
	"github.com/ctxaudit/auditcore/internal/sandbox"
	"github.com/ctxaudit/auditcore/internal/store"
	"github.com/ctxaudit/auditcore/internal/websocket"
)

type fixedProvider struct {
	content string
	delay   time.Duration
}

func (p *fixedProvider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return &llm.CompletionResponse{Content: p.content, Model: "stub"}, nil
}

func (p *fixedProvider) Name() string { return "stub" }

const testVerdict = `{"is_vulnerability": true, "severity": "high", "confidence": 0.85,
	"description": "user-controlled path reaches os.Open", "remediation": "canonicalize and allowlist"}`

// newTestServer wires the full stack behind an httptest server: real store,
// publisher, manager, and router; fake collaborators and a canned provider.
func newTestServer(t *testing.T, raw []models.RawFinding, provider llm.Provider) (*httptest.Server, *store.Store) {
	t.Helper()

	collab := http.NewServeMux()
	collab.HandleFunc("/api/project/", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(index.Project{ID: "proj-1", Name: "webapp", Path: "/workspace/webapp"})
	})
	collab.HandleFunc("/api/files/list", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]index.FileEntry{{Path: "/workspace/webapp/app.py"}})
	})
	collab.HandleFunc("/api/files/read", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode("flask==2.3.0\n")
	})
	collab.HandleFunc("/api/ast/context", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(index.ASTContext{})
	})
	collab.HandleFunc("/api/scanner/scan", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(index.ScanResult{Findings: raw, FilesScanned: 1})
	})
	collab.HandleFunc("/api/query", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"results": []interface{}{}})
	})
	collab.HandleFunc("/api/execute", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"exit_code": 1, "output": "", "duration_ms": 1})
	})
	collabSrv := httptest.NewServer(collab)
	t.Cleanup(collabSrv.Close)

	cfg := &config.Config{
		ListenHost:          "127.0.0.1",
		ListenPort:          0,
		LLMProvider:         "stub",
		MaxConcurrentAgents: 2,
		SandboxSlots:        1,
		VerifyThreshold:     0.5,
		RetrievalTopK:       3,
		CompletionTimeout:   5 * time.Second,
		SandboxTimeout:      5 * time.Second,
		RetryAttempts:       1,
	}

	st, err := store.New(store.Config{DataDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	pub := events.NewPublisher(st)
	hub := websocket.NewHub()
	go hub.Run()

	mgr := orchestrator.NewManager(cfg, st, pub,
		index.NewClient(collabSrv.URL, 5*time.Second),
		retrieval.NewEngine(collabSrv.URL, 5*time.Second, st),
		sandbox.NewRunner(collabSrv.URL, cfg.SandboxSlots))
	mgr.SetProviderFactory(func(models.SessionConfig) (llm.Provider, error) { return provider, nil })
	t.Cleanup(mgr.Close)

	srv := httptest.NewServer(NewRouter(cfg, mgr, st, pub, hub))
	t.Cleanup(srv.Close)
	return srv, st
}

func testRawFinding() models.RawFinding {
	return models.RawFinding{
		ID:          "r1",
		RuleID:      "path-001",
		VulnType:    "path_traversal",
		Title:       "Path traversal",
		Description: "filename concatenated into open()",
		FilePath:    "app/files.py",
		LineNumber:  17,
		CodeSnippet: `open(base + request.args["name"])`,
		Confidence:  0.7,
	}
}

func postJSON(t *testing.T, url string, body interface{}) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func startAudit(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	resp := postJSON(t, srv.URL+"/api/audit/start", map[string]interface{}{
		"project_id": "proj-1",
		"audit_type": "full",
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var started struct {
		AuditID       string `json:"audit_id"`
		Status        string `json:"status"`
		EstimatedTime int    `json:"estimated_time"`
	}
	decodeBody(t, resp, &started)
	require.NotEmpty(t, started.AuditID)
	assert.Equal(t, "pending", started.Status)
	assert.Greater(t, started.EstimatedTime, 0)
	return started.AuditID
}

func waitForStatus(t *testing.T, srv *httptest.Server, auditID string, want models.SessionStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		resp, err := http.Get(srv.URL + "/api/audit/" + auditID + "/status")
		if err != nil {
			return false
		}
		var report orchestrator.StatusReport
		decodeBody(t, resp, &report)
		return report.Session != nil && report.Session.Status == want
	}, 15*time.Second, 25*time.Millisecond)
}

func TestAuditLifecycleOverHTTP(t *testing.T) {
	srv, _ := newTestServer(t, []models.RawFinding{testRawFinding()}, &fixedProvider{content: testVerdict})

	auditID := startAudit(t, srv)
	waitForStatus(t, srv, auditID, models.SessionCompleted)

	// Result carries the judged finding.
	resp, err := http.Get(srv.URL + "/api/audit/" + auditID + "/result")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var result orchestrator.Result
	decodeBody(t, resp, &result)
	assert.Equal(t, auditID, result.SessionID)
	assert.Equal(t, models.SessionCompleted, result.Status)
	require.Len(t, result.Vulnerabilities, 1)
	assert.Equal(t, models.SeverityHigh, result.Vulnerabilities[0].Severity)
	assert.NotEmpty(t, result.Summary)

	// The persisted event log is gap-free from sequence 1 and ends terminal.
	resp, err = http.Get(srv.URL + "/api/audit/" + auditID + "/events")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var page struct {
		Events  []store.EventRecord `json:"events"`
		NextSeq int64               `json:"next_seq"`
	}
	decodeBody(t, resp, &page)
	require.NotEmpty(t, page.Events)
	for i, rec := range page.Events {
		assert.Equal(t, int64(i+1), rec.Sequence)
	}
	assert.Equal(t, events.TypeComplete, page.Events[len(page.Events)-1].Type)
	assert.Equal(t, page.Events[len(page.Events)-1].Sequence, page.NextSeq)

	// The listing shows the session.
	resp, err = http.Get(srv.URL + "/api/audits")
	require.NoError(t, err)
	var listing struct {
		Audits []models.AuditSession `json:"audits"`
	}
	decodeBody(t, resp, &listing)
	require.Len(t, listing.Audits, 1)
	assert.Equal(t, auditID, listing.Audits[0].ID)
}

func TestEventsPagination(t *testing.T) {
	srv, _ := newTestServer(t, []models.RawFinding{testRawFinding()}, &fixedProvider{content: testVerdict})
	auditID := startAudit(t, srv)
	waitForStatus(t, srv, auditID, models.SessionCompleted)

	resp, err := http.Get(srv.URL + "/api/audit/" + auditID + "/events?limit=2")
	require.NoError(t, err)
	var first struct {
		Events  []store.EventRecord `json:"events"`
		NextSeq int64               `json:"next_seq"`
	}
	decodeBody(t, resp, &first)
	require.Len(t, first.Events, 2)
	assert.Equal(t, int64(2), first.NextSeq)

	resp, err = http.Get(fmt.Sprintf("%s/api/audit/%s/events?from_seq=%d&limit=2", srv.URL, auditID, first.NextSeq))
	require.NoError(t, err)
	var second struct {
		Events []store.EventRecord `json:"events"`
	}
	decodeBody(t, resp, &second)
	require.NotEmpty(t, second.Events)
	assert.Equal(t, int64(3), second.Events[0].Sequence)
}

func TestStreamReplaysHistoryAndEnds(t *testing.T) {
	srv, _ := newTestServer(t, []models.RawFinding{testRawFinding()}, &fixedProvider{content: testVerdict})
	auditID := startAudit(t, srv)
	waitForStatus(t, srv, auditID, models.SessionCompleted)

	resp, err := http.Get(srv.URL + "/api/audit/" + auditID + "/stream")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	assert.Equal(t, "no", resp.Header.Get("X-Accel-Buffering"))

	// The session is settled, so the stream replays everything and closes.
	var sawFirst, sawEnd bool
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "id: 1" {
			sawFirst = true
		}
		if line == "event: end" {
			sawEnd = true
		}
	}
	assert.True(t, sawFirst, "replay must start at sequence 1")
	assert.True(t, sawEnd, "stream must end with the end event")
}

func TestStreamResumesFromSequence(t *testing.T) {
	srv, _ := newTestServer(t, []models.RawFinding{testRawFinding()}, &fixedProvider{content: testVerdict})
	auditID := startAudit(t, srv)
	waitForStatus(t, srv, auditID, models.SessionCompleted)

	resp, err := http.Get(srv.URL + "/api/audit/" + auditID + "/stream?from_seq=2")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	text := string(body)
	assert.NotContains(t, text, "id: 1\n")
	assert.NotContains(t, text, "id: 2\n")
	assert.Contains(t, text, "id: 3\n")
}

func TestStreamValidation(t *testing.T) {
	srv, _ := newTestServer(t, nil, &fixedProvider{content: testVerdict})

	resp, err := http.Get(srv.URL + "/api/audit/no-such-audit/stream")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	auditID := startAudit(t, srv)
	resp, err = http.Get(srv.URL + "/api/audit/" + auditID + "/stream?from_seq=banana")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCancelOverHTTP(t *testing.T) {
	var raw []models.RawFinding
	for i := 0; i < 6; i++ {
		f := testRawFinding()
		f.ID = fmt.Sprintf("r%d", i)
		f.LineNumber = 20 + i
		raw = append(raw, f)
	}
	srv, _ := newTestServer(t, raw, &fixedProvider{content: testVerdict, delay: 150 * time.Millisecond})

	auditID := startAudit(t, srv)
	waitForStatus(t, srv, auditID, models.SessionRunning)

	resp := postJSON(t, srv.URL+"/api/audit/"+auditID+"/cancel", struct{}{})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var ack map[string]bool
	decodeBody(t, resp, &ack)
	assert.True(t, ack["success"])

	waitForStatus(t, srv, auditID, models.SessionCancelled)
}

func TestPauseAndResumeOverHTTP(t *testing.T) {
	var raw []models.RawFinding
	for i := 0; i < 6; i++ {
		f := testRawFinding()
		f.ID = fmt.Sprintf("r%d", i)
		f.LineNumber = 20 + i
		raw = append(raw, f)
	}
	srv, _ := newTestServer(t, raw, &fixedProvider{content: testVerdict, delay: 100 * time.Millisecond})

	auditID := startAudit(t, srv)
	waitForStatus(t, srv, auditID, models.SessionRunning)

	resp := postJSON(t, srv.URL+"/api/audit/"+auditID+"/pause", struct{}{})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
	waitForStatus(t, srv, auditID, models.SessionPaused)

	resp = postJSON(t, srv.URL+"/api/audit/"+auditID+"/resume", struct{}{})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
	waitForStatus(t, srv, auditID, models.SessionCompleted)
}

func TestPauseSettledSessionConflicts(t *testing.T) {
	srv, _ := newTestServer(t, nil, &fixedProvider{content: testVerdict})
	auditID := startAudit(t, srv)
	waitForStatus(t, srv, auditID, models.SessionCompleted)

	resp := postJSON(t, srv.URL+"/api/audit/"+auditID+"/pause", struct{}{})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()
}

func TestStartValidationOverHTTP(t *testing.T) {
	srv, _ := newTestServer(t, nil, &fixedProvider{content: testVerdict})

	resp := postJSON(t, srv.URL+"/api/audit/start", map[string]string{"audit_type": "full"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	var body struct {
		Error string `json:"error"`
	}
	decodeBody(t, resp, &body)
	assert.Contains(t, body.Error, "project_id")

	resp = postJSON(t, srv.URL+"/api/audit/start", map[string]string{
		"project_id": "proj-1", "audit_type": "exhaustive",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	resp, err := http.Post(srv.URL+"/api/audit/start", "application/json", strings.NewReader("{not json"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Get(srv.URL + "/api/audit/start")
	require.NoError(t, err)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	resp.Body.Close()
}

func TestUnknownAuditReturns404(t *testing.T) {
	srv, _ := newTestServer(t, nil, &fixedProvider{content: testVerdict})

	for _, path := range []string{"/status", "/result", "/events"} {
		resp, err := http.Get(srv.URL + "/api/audit/no-such-audit" + path)
		require.NoError(t, err)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, path)
		resp.Body.Close()
	}

	resp := postJSON(t, srv.URL+"/api/audit/no-such-audit/cancel", struct{}{})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	resp, err := http.Get(srv.URL + "/api/audit/some-id/unknown-action")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestControlMethodNotAllowed(t *testing.T) {
	srv, _ := newTestServer(t, nil, &fixedProvider{content: testVerdict})
	auditID := startAudit(t, srv)

	resp, err := http.Get(srv.URL + "/api/audit/" + auditID + "/cancel")
	require.NoError(t, err)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	resp.Body.Close()
}

func TestResultPDF(t *testing.T) {
	srv, _ := newTestServer(t, []models.RawFinding{testRawFinding()}, &fixedProvider{content: testVerdict})
	auditID := startAudit(t, srv)
	waitForStatus(t, srv, auditID, models.SessionCompleted)

	resp, err := http.Get(srv.URL + "/api/audit/" + auditID + "/result/pdf")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/pdf", resp.Header.Get("Content-Type"))
	assert.Contains(t, resp.Header.Get("Content-Disposition"), "audit-"+auditID+".pdf")

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(body, []byte("%PDF")), "response must be a PDF document")
}

func TestHealthAndVersion(t *testing.T) {
	srv, _ := newTestServer(t, nil, &fixedProvider{content: testVerdict})

	resp, err := http.Get(srv.URL + "/api/health")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var health map[string]interface{}
	decodeBody(t, resp, &health)
	assert.Equal(t, "healthy", health["status"])

	resp, err = http.Get(srv.URL + "/api/version")
	require.NoError(t, err)
	var version map[string]string
	decodeBody(t, resp, &version)
	assert.Equal(t, Version, version["version"])
}

func TestAuditPathWithoutActionIs404(t *testing.T) {
	srv, _ := newTestServer(t, nil, &fixedProvider{content: testVerdict})

	resp, err := http.Get(srv.URL + "/api/audit/just-an-id")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

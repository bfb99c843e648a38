// Package models defines the core audit data model shared between the
// orchestrator, the agents, the store, and the API layer.
package models

import (
	"encoding/json"
	"strconv"
	"time"
)

// AuditMode selects how much of the pipeline a session runs.
type AuditMode string

const (
	AuditModeFull     AuditMode = "full"
	AuditModeQuick    AuditMode = "quick"
	AuditModeTargeted AuditMode = "targeted"
)

// Valid reports whether the mode is one of the known values.
func (m AuditMode) Valid() bool {
	switch m {
	case AuditModeFull, AuditModeQuick, AuditModeTargeted:
		return true
	}
	return false
}

// SessionStatus is the externally visible lifecycle of an audit session.
// Transitions are monotonic: pending < running < {completed, failed, cancelled}.
type SessionStatus string

const (
	SessionPending   SessionStatus = "pending"
	SessionRunning   SessionStatus = "running"
	SessionPaused    SessionStatus = "paused"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
	SessionCancelled SessionStatus = "cancelled"
)

// Terminal reports whether no further status transitions are allowed.
func (s SessionStatus) Terminal() bool {
	switch s {
	case SessionCompleted, SessionFailed, SessionCancelled:
		return true
	}
	return false
}

// rank orders statuses for the monotonic-transition guard. Paused sits at
// the running level so pause/resume round-trips are not backward moves.
func (s SessionStatus) rank() int {
	switch s {
	case SessionPending:
		return 0
	case SessionRunning, SessionPaused:
		return 1
	case SessionCompleted, SessionFailed, SessionCancelled:
		return 2
	}
	return -1
}

// CanTransitionTo reports whether moving from s to next respects the
// monotonic ordering. Terminal states accept nothing.
func (s SessionStatus) CanTransitionTo(next SessionStatus) bool {
	if s.Terminal() {
		return false
	}
	return next.rank() >= s.rank()
}

// AgentType identifies which agent produced a record.
type AgentType string

const (
	AgentOrchestrator AgentType = "orchestrator"
	AgentRecon        AgentType = "recon"
	AgentAnalysis     AgentType = "analysis"
	AgentVerification AgentType = "verification"
)

// ExecutionStatus is the lifecycle of one agent invocation.
type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
)

// Severity classifies a finding. Compare with Rank, not string order.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

// Rank returns a sortable weight, highest severity first.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	case SeverityInfo:
		return 0
	}
	return -1
}

// NormalizeSeverity maps arbitrary model output onto a known severity,
// defaulting to medium.
func NormalizeSeverity(s string) Severity {
	switch Severity(s) {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow, SeverityInfo:
		return Severity(s)
	}
	return SeverityMedium
}

// SessionConfig is the per-session configuration captured at start time.
// It is immutable for the lifetime of the session.
type SessionConfig struct {
	LLMProvider          string   `json:"llm_provider,omitempty"`
	LLMModel             string   `json:"llm_model,omitempty"`
	APIKey               string   `json:"-"`
	BaseURL              string   `json:"base_url,omitempty"`
	MaxConcurrentAgents  int      `json:"max_concurrent_agents"`
	EnableRecon          bool     `json:"enable_recon"`
	EnableVerification   bool     `json:"enable_verification"`
	VerifyThreshold      float64  `json:"verify_threshold"`
	RetrievalTopK        int      `json:"retrieval_top_k"`
	TargetTypes          []string `json:"target_types,omitempty"`
	CompletionTimeoutSec int      `json:"completion_timeout_sec"`
	SandboxTimeoutSec    int      `json:"sandbox_timeout_sec"`
	RetryAttempts        int      `json:"retry_attempts"`
}

// AuditSession is one end-to-end audit run.
type AuditSession struct {
	ID          string        `json:"id"`
	ProjectID   string        `json:"project_id"`
	Mode        AuditMode     `json:"audit_type"`
	Status      SessionStatus `json:"status"`
	Config      SessionConfig `json:"config"`
	Error       string        `json:"error,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	StartedAt   *time.Time    `json:"started_at,omitempty"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
}

// AgentExecution records one agent invocation within a session. Rows are
// append-only; the agent recorder is the only writer for its row.
type AgentExecution struct {
	ID          string          `json:"id"`
	SessionID   string          `json:"session_id"`
	Agent       AgentType       `json:"agent"`
	Status      ExecutionStatus `json:"status"`
	Input       json.RawMessage `json:"input,omitempty"`
	Output      json.RawMessage `json:"output,omitempty"`
	Reasoning   string          `json:"reasoning,omitempty"`
	Error       string          `json:"error,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	DurationMS  int64           `json:"duration_ms"`
}

// Reference is a standardized vulnerability classification entry.
type Reference struct {
	Type string `json:"type"` // "cwe" or "owasp"
	ID   string `json:"id"`
	URL  string `json:"url,omitempty"`
}

// Finding is a candidate vulnerability. Created by the analysis agent,
// mutated only by verification, never deleted: false positives keep their
// row with the flag set.
type Finding struct {
	ID              string          `json:"id"`
	SessionID       string          `json:"session_id"`
	Agent           AgentType       `json:"agent_found"`
	RuleID          string          `json:"rule_id,omitempty"`
	VulnType        string          `json:"vulnerability_type"`
	Severity        Severity        `json:"severity"`
	Confidence      float64         `json:"confidence"`
	Title           string          `json:"title"`
	Description     string          `json:"description"`
	FilePath        string          `json:"file_path"`
	LineNumber      int             `json:"line_number"`
	CodeSnippet     string          `json:"code_snippet,omitempty"`
	Remediation     string          `json:"remediation,omitempty"`
	References      []Reference     `json:"references,omitempty"`
	Verified        bool            `json:"verified"`
	IsFalsePositive bool            `json:"is_false_positive"`
	NeedsReview     bool            `json:"needs_review"`
	DuplicateOf     string          `json:"duplicate_of,omitempty"`
	Evidence        json.RawMessage `json:"verification_evidence,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

// RawFinding is a static-scan result before analysis has judged it.
type RawFinding struct {
	ID          string  `json:"id"`
	RuleID      string  `json:"rule_id"`
	VulnType    string  `json:"type"`
	Title       string  `json:"title"`
	Description string  `json:"description"`
	FilePath    string  `json:"file_path"`
	LineNumber  int     `json:"line_number"`
	CodeSnippet string  `json:"code_snippet"`
	Confidence  float64 `json:"confidence"`
}

// DedupKey identifies raw findings that describe the same defect. Only the
// highest-confidence member of a key group is analyzed; the rest become
// duplicates with a back-reference.
func (f RawFinding) DedupKey() string {
	return f.FilePath + "\x00" + strconv.Itoa(f.LineNumber) + "\x00" + f.VulnType
}

// RetrievalQuery is a write-once log row for one retrieval call. Nothing
// reads it back during a run; it exists for audit and debugging.
type RetrievalQuery struct {
	ID        string          `json:"id"`
	SessionID string          `json:"session_id"`
	FindingID string          `json:"finding_id,omitempty"`
	Corpus    string          `json:"corpus"`
	Query     string          `json:"query"`
	Results   json.RawMessage `json:"results,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// EntryPoint is one attack-surface entry discovered by recon.
type EntryPoint struct {
	Kind   string `json:"kind"` // "route", "parameter", "upload"
	Path   string `json:"path"`
	Method string `json:"method,omitempty"`
	Source string `json:"source,omitempty"`
}

// Dependency is one third-party library found in the project.
type Dependency struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
	Source  string `json:"source,omitempty"` // manifest file it came from
}

// ReconResult is the structural and attack-surface summary of a project.
type ReconResult struct {
	Languages    []string     `json:"languages"`
	Frameworks   []string     `json:"frameworks"`
	EntryPoints  []EntryPoint `json:"entry_points"`
	Dependencies []Dependency `json:"dependencies"`
	FileCount    int          `json:"file_count"`
}

// Progress describes how far through the pipeline a session is.
type Progress struct {
	Stage          string  `json:"stage"`
	CompletedSteps int     `json:"completed_steps"`
	TotalSteps     int     `json:"total_steps"`
	Percentage     float64 `json:"percentage"`
}

// SessionStats are the headline counters for the status endpoint.
type SessionStats struct {
	FilesScanned            int `json:"files_scanned"`
	FindingsDetected        int `json:"findings_detected"`
	VerifiedVulnerabilities int `json:"verified_vulnerabilities"`
}

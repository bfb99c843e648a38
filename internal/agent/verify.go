package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ctxaudit/auditcore/internal/events"
	"github.com/ctxaudit/auditcore/internal/llm"
	"github.com/ctxaudit/auditcore/internal/metrics"
	"github.com/ctxaudit/auditcore/internal/models"
	"github.com/ctxaudit/auditcore/internal/sandbox"
)

// confirmMarker is what a generated proof-of-concept prints when it observes
// the expected side effect. Classification keys on it plus the exit code.
const confirmMarker = "VULNERABILITY_CONFIRMED"

const verifySystemPrompt = `You write proof-of-concept scripts that verify a reported
vulnerability against a local code checkout. The script runs in an isolated sandbox
with no network access. It must print "` + confirmMarker + `" and exit 0 only if the
vulnerability is demonstrably exploitable; otherwise print what was observed and exit 1.
Respond with the script body only, no fences, no commentary.`

// VerificationAgent confirms or refutes high-confidence findings by running
// generated proof-of-concept scripts in the sandbox. Findings verify
// concurrently under the shared worker cap; each execution additionally
// holds a sandbox slot.
type VerificationAgent struct {
	deps Deps
	rec  *Recorder
	cfg  models.SessionConfig
}

// NewVerificationAgent creates the verification agent for one session.
func NewVerificationAgent(deps Deps, rec *Recorder, cfg models.SessionConfig) *VerificationAgent {
	return &VerificationAgent{deps: deps, rec: rec, cfg: cfg}
}

func (a *VerificationAgent) Type() models.AgentType {
	return models.AgentVerification
}

// Run verifies every finding at or above the confidence threshold. A PoC
// failure or timeout leaves the finding unverified with evidence attached;
// it is never promoted to confirmed without an observed side effect.
func (a *VerificationAgent) Run(ctx context.Context, in *Input) (*Output, error) {
	threshold := a.cfg.VerifyThreshold
	candidates := make([]models.Finding, 0, len(in.Findings))
	for _, f := range in.Findings {
		if f.DuplicateOf == "" && !f.NeedsReview && f.Confidence >= threshold {
			candidates = append(candidates, f)
		}
	}
	if len(candidates) == 0 {
		return &Output{}, nil
	}

	var verified atomic.Int64
	var warnings []string
	warningCh := make(chan string, len(candidates))
	dispatched := 0

	for _, f := range candidates {
		if ctx.Err() != nil || a.deps.stopRequested() {
			break
		}
		if err := a.deps.Workers.Acquire(ctx, 1); err != nil {
			break
		}
		dispatched++
		go func() {
			defer a.deps.Workers.Release(1)
			confirmed, warning := a.verifyFinding(ctx, in.Session, f)
			if confirmed {
				verified.Add(1)
			}
			warningCh <- warning
		}()
	}
	for i := 0; i < dispatched; i++ {
		if w := <-warningCh; w != "" {
			warnings = append(warnings, w)
		}
	}

	return &Output{Verified: int(verified.Load()), Warnings: warnings}, nil
}

// verifyFinding runs one proof-of-concept cycle. Each finding gets its own
// verification execution record so the evidence trail references the exact
// run that settled it.
func (a *VerificationAgent) verifyFinding(ctx context.Context, sess *models.AuditSession, f models.Finding) (bool, string) {
	exec := a.rec.Begin(models.AgentVerification, "Verifying "+f.Title, map[string]string{
		"finding_id": f.ID,
		"vuln_type":  f.VulnType,
	})

	script, err := a.generatePoC(ctx, f)
	if err != nil {
		exec.Finish(nil, err)
		log.Warn().Err(err).
			Str("session", sess.ID).
			Str("finding", f.ID).
			Msg("PoC generation failed, leaving finding unverified")
		return false, "poc generation failed for " + f.Title
	}
	exec.Think("Generated proof-of-concept, executing in sandbox")

	timeout := time.Duration(a.cfg.SandboxTimeoutSec) * time.Second
	result, err := a.deps.Sandbox.Execute(ctx, script, sandbox.Limits{
		Timeout:       timeout,
		NetworkDenied: true,
	})
	if err != nil {
		exec.Finish(nil, err)
		return false, "sandbox execution failed for " + f.Title
	}
	exec.ToolCall("sandbox_execute", map[string]interface{}{
		"finding_id": f.ID,
		"exit_code":  result.ExitCode,
		"timed_out":  result.TimedOut,
	})

	confirmed, evidence := classify(result)
	falsePositive := !confirmed && !result.TimedOut

	if err := a.deps.Store.MarkVerificationResult(f.ID, exec.ID(), confirmed, falsePositive, evidence); err != nil {
		exec.Finish(nil, err)
		return false, "failed to record verification of " + f.Title
	}

	status := "false_positive"
	if confirmed {
		status = "confirmed"
	} else if result.TimedOut {
		status = "timeout"
	}
	exec.Finish(map[string]interface{}{"finding_id": f.ID, "result": status}, nil)
	metrics.Get().RecordVerification(status)
	a.rec.Publish(models.AgentVerification, events.TypeVerificationResult, f.Title, map[string]interface{}{
		"finding_id":     f.ID,
		"verified":       confirmed,
		"false_positive": falsePositive,
		"result":         status,
	})
	return confirmed, ""
}

// generatePoC asks the completion provider for a script. The provider client
// owns the retry budget for transient failures.
func (a *VerificationAgent) generatePoC(ctx context.Context, f models.Finding) (string, error) {
	timeout := time.Duration(a.cfg.CompletionTimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	req := llm.CompletionRequest{
		System:    verifySystemPrompt,
		Prompt:    composePoCPrompt(f),
		MaxTokens: 2000,
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	resp, err := a.deps.LLM.Complete(callCtx, req)
	if err != nil {
		return "", err
	}
	script := strings.TrimSpace(resp.Content)
	if script == "" {
		return "", fmt.Errorf("empty proof-of-concept script")
	}
	return script, nil
}

func composePoCPrompt(f models.Finding) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Vulnerability: %s (%s)\nLocation: %s:%d\nSeverity: %s\n\n",
		f.Title, f.VulnType, f.FilePath, f.LineNumber, f.Severity)
	fmt.Fprintf(&b, "Description:\n%s\n\n", f.Description)
	if f.CodeSnippet != "" {
		fmt.Fprintf(&b, "Affected code:\n```\n%s\n```\n\n", truncate(f.CodeSnippet, 2000))
	}
	b.WriteString("Write the proof-of-concept script now.")
	return b.String()
}

// classify maps a sandbox result onto the verification outcome plus the
// evidence stored with the finding. A timeout is inconclusive.
func classify(result *sandbox.ExecResult) (bool, json.RawMessage) {
	evidence := map[string]interface{}{
		"exit_code":   result.ExitCode,
		"output":      truncate(result.Output, 4000),
		"duration_ms": result.Duration.Milliseconds(),
	}
	switch {
	case result.TimedOut:
		evidence["status"] = "timeout"
	case result.ExitCode == 0 && strings.Contains(result.Output, confirmMarker):
		evidence["status"] = "confirmed"
	default:
		evidence["status"] = "not_reproduced"
	}
	raw, err := json.Marshal(evidence)
	if err != nil {
		raw = json.RawMessage(`{"status":"error"}`)
	}
	return evidence["status"] == "confirmed", raw
}

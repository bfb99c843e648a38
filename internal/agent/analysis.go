package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"

	"github.com/ctxaudit/auditcore/internal/events"
	"github.com/ctxaudit/auditcore/internal/llm"
	"github.com/ctxaudit/auditcore/internal/metrics"
	"github.com/ctxaudit/auditcore/internal/models"
	"github.com/ctxaudit/auditcore/internal/retrieval"
)

const analysisSystemPrompt = `You are a security analyst reviewing static-scan findings.
Judge whether each finding is a real, exploitable vulnerability in its context.
Respond with a single JSON object and nothing else:
{"is_vulnerability": <bool>, "severity": "critical|high|medium|low|info",
 "confidence": <0.0-1.0 probability that this is a true positive>,
 "description": "<one paragraph>", "remediation": "<concrete fix>",
 "references": [{"type": "cwe|owasp", "id": "<identifier>"}]}`

// verdict is the structured judgment parsed from the completion.
type verdict struct {
	IsVulnerability bool    `json:"is_vulnerability"`
	Severity        string  `json:"severity"`
	Confidence      float64 `json:"confidence"`
	Description     string  `json:"description"`
	Remediation     string  `json:"remediation"`
	References      []struct {
		Type string `json:"type"`
		ID   string `json:"id"`
	} `json:"references"`
}

// analysisUnit is one raw finding plus the duplicates folded into it.
type analysisUnit struct {
	primary    models.RawFinding
	duplicates []models.RawFinding
}

// AnalysisAgent turns raw static-scan findings into judged findings using
// AST context, retrieval, and a completion verdict. Units are independent:
// one failing finding never aborts the batch.
type AnalysisAgent struct {
	deps Deps
	rec  *Recorder
	cfg  models.SessionConfig
}

// NewAnalysisAgent creates the analysis agent for one session.
func NewAnalysisAgent(deps Deps, rec *Recorder, cfg models.SessionConfig) *AnalysisAgent {
	return &AnalysisAgent{deps: deps, rec: rec, cfg: cfg}
}

func (a *AnalysisAgent) Type() models.AgentType {
	return models.AgentAnalysis
}

// Run analyzes all raw findings, fanning out up to the session worker cap.
// Each worker hands back a private result; findings are persisted and
// emitted at the single merge point.
func (a *AnalysisAgent) Run(ctx context.Context, in *Input) (*Output, error) {
	units := dedupRawFindings(in.RawFindings)

	exec := a.rec.Begin(models.AgentAnalysis,
		fmt.Sprintf("Analyzing %d findings (%d after dedup)", len(in.RawFindings), len(units)),
		map[string]int{"raw_findings": len(in.RawFindings), "units": len(units)})

	type unitResult struct {
		findings []models.Finding
		warning  string
	}
	results := make(chan unitResult, len(units))
	dispatched := 0

	for _, unit := range units {
		// Cancellation is cooperative: in-flight units finish, no new ones
		// are dispatched.
		if ctx.Err() != nil || a.deps.stopRequested() {
			break
		}
		if err := a.deps.Workers.Acquire(ctx, 1); err != nil {
			break
		}
		dispatched++
		go func() {
			defer a.deps.Workers.Release(1)
			findings, warning := a.analyzeUnit(ctx, in.Session, unit)
			results <- unitResult{findings: findings, warning: warning}
		}()
	}

	out := &Output{}
	for i := 0; i < dispatched; i++ {
		res := <-results
		if res.warning != "" {
			out.Warnings = append(out.Warnings, res.warning)
		}
		for _, f := range res.findings {
			if err := a.deps.Store.InsertFinding(&f); err != nil {
				log.Error().Err(err).
					Str("session", in.Session.ID).
					Str("finding", f.ID).
					Msg("Failed to persist finding")
				out.Warnings = append(out.Warnings, "persist failed: "+f.Title)
				continue
			}
			out.Findings = append(out.Findings, f)
			metrics.Get().RecordFinding(string(f.Severity))
			a.rec.Publish(models.AgentAnalysis, events.TypeFindingEmitted, f.Title, map[string]interface{}{
				"finding_id":   f.ID,
				"severity":     string(f.Severity),
				"confidence":   f.Confidence,
				"file_path":    f.FilePath,
				"line_number":  f.LineNumber,
				"needs_review": f.NeedsReview,
				"duplicate_of": f.DuplicateOf,
			})
		}
	}

	exec.Think(fmt.Sprintf("Emitted %d findings, %d warnings", len(out.Findings), len(out.Warnings)))
	exec.Finish(map[string]int{"findings": len(out.Findings), "warnings": len(out.Warnings)}, nil)
	return out, nil
}

// analyzeUnit judges one deduplicated finding and materializes its
// duplicates. It never returns zero findings for a unit: a raw finding is
// downgraded, never dropped.
func (a *AnalysisAgent) analyzeUnit(ctx context.Context, sess *models.AuditSession, unit analysisUnit) ([]models.Finding, string) {
	raw := unit.primary
	finding := models.Finding{
		ID:          ulid.Make().String(),
		SessionID:   sess.ID,
		Agent:       models.AgentAnalysis,
		RuleID:      raw.RuleID,
		VulnType:    raw.VulnType,
		Severity:    models.SeverityMedium,
		Title:       raw.Title,
		Description: raw.Description,
		FilePath:    raw.FilePath,
		LineNumber:  raw.LineNumber,
		CodeSnippet: raw.CodeSnippet,
		Confidence:  raw.Confidence,
		CreatedAt:   time.Now(),
	}

	astCtx := a.fetchContext(ctx, raw)
	passages := a.fetchPassages(ctx, sess, raw)

	warning := ""
	v, err := a.judge(ctx, sess, raw, astCtx, passages)
	switch {
	case err != nil:
		// Retry budget exhausted. Keep the finding, flag it for a human.
		finding.Confidence = 0
		finding.NeedsReview = true
		warning = fmt.Sprintf("analysis of %s:%d failed: %v", raw.FilePath, raw.LineNumber, err)
		log.Warn().Err(err).
			Str("session", sess.ID).
			Str("file", raw.FilePath).
			Msg("Completion failed for finding, marking needs_review")
	case v == nil:
		// Unparseable verdict.
		finding.Confidence = 0
		finding.NeedsReview = true
	default:
		finding.Severity = models.NormalizeSeverity(v.Severity)
		finding.Confidence = clamp01(v.Confidence)
		if v.Description != "" {
			finding.Description = v.Description
		}
		finding.Remediation = v.Remediation
		for _, ref := range v.References {
			finding.References = append(finding.References, models.Reference{
				Type: strings.ToLower(ref.Type),
				ID:   ref.ID,
			})
		}
	}

	findings := []models.Finding{finding}
	for _, dup := range unit.duplicates {
		findings = append(findings, models.Finding{
			ID:          ulid.Make().String(),
			SessionID:   sess.ID,
			Agent:       models.AgentAnalysis,
			RuleID:      dup.RuleID,
			VulnType:    dup.VulnType,
			Severity:    finding.Severity,
			Title:       dup.Title,
			Description: dup.Description,
			FilePath:    dup.FilePath,
			LineNumber:  dup.LineNumber,
			CodeSnippet: dup.CodeSnippet,
			Confidence:  clamp01(dup.Confidence),
			DuplicateOf: finding.ID,
			CreatedAt:   time.Now(),
		})
	}
	return findings, warning
}

// fetchContext asks the indexer for AST context around the finding.
// Best-effort: analysis proceeds without context on failure.
func (a *AnalysisAgent) fetchContext(ctx context.Context, raw models.RawFinding) string {
	start := raw.LineNumber - 10
	if start < 1 {
		start = 1
	}
	astCtx, err := a.deps.Index.GetContext(ctx, raw.FilePath, start, raw.LineNumber+10)
	if err != nil {
		log.Debug().Err(err).Str("file", raw.FilePath).Msg("AST context unavailable")
		return ""
	}
	a.rec.Publish(models.AgentAnalysis, events.TypeToolCall, "get_context", map[string]interface{}{
		"file_path": raw.FilePath,
		"function":  astCtx.Function,
	})

	var b strings.Builder
	if astCtx.Function != "" {
		b.WriteString("Function: " + astCtx.Function + "\n")
	}
	if len(astCtx.Callers) > 0 {
		b.WriteString("Called by: " + strings.Join(astCtx.Callers, ", ") + "\n")
	}
	if len(astCtx.Callees) > 0 {
		b.WriteString("Calls: " + strings.Join(astCtx.Callees, ", ") + "\n")
	}
	if len(astCtx.DataSources) > 0 {
		b.WriteString("Data sources: " + strings.Join(astCtx.DataSources, ", ") + "\n")
	}
	if astCtx.Snippet != "" {
		b.WriteString(astCtx.Snippet)
	}
	return b.String()
}

// fetchPassages retrieves similar vulnerability knowledge and code for the
// prompt. An empty result is fine; retrieval never fails a finding.
func (a *AnalysisAgent) fetchPassages(ctx context.Context, sess *models.AuditSession, raw models.RawFinding) []retrieval.Result {
	topK := a.cfg.RetrievalTopK
	if topK <= 0 {
		topK = 5
	}
	query := raw.VulnType + " " + truncate(raw.CodeSnippet, 800)
	results := a.deps.Retrieval.QueryBlended(ctx, sess.ID, "", query,
		[]retrieval.Corpus{retrieval.CorpusVulnKnowledge, retrieval.CorpusCode}, topK)

	a.rec.Publish(models.AgentAnalysis, events.TypeRetrieval, "knowledge lookup", map[string]interface{}{
		"query_type": raw.VulnType,
		"results":    len(results),
	})
	return results
}

// judge asks the completion provider for a verdict. Transient failures are
// retried inside the provider client within the session retry budget; by the
// time an error surfaces here the budget is spent. A nil verdict with nil
// error means the response could not be parsed.
func (a *AnalysisAgent) judge(ctx context.Context, sess *models.AuditSession, raw models.RawFinding, astCtx string, passages []retrieval.Result) (*verdict, error) {
	req := llm.CompletionRequest{
		System:    analysisSystemPrompt,
		Prompt:    composeAnalysisPrompt(raw, astCtx, passages),
		MaxTokens: 1500,
	}

	timeout := time.Duration(a.cfg.CompletionTimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	resp, err := a.deps.LLM.Complete(callCtx, req)
	if err != nil {
		metrics.Get().RecordCompletion(a.deps.LLM.Name(), "error")
		return nil, err
	}
	metrics.Get().RecordCompletion(a.deps.LLM.Name(), "ok")
	return parseVerdict(resp.Content), nil
}

func composeAnalysisPrompt(raw models.RawFinding, astCtx string, passages []retrieval.Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## Finding\nType: %s\nRule: %s\nLocation: %s:%d\nTitle: %s\n%s\n\n",
		raw.VulnType, raw.RuleID, raw.FilePath, raw.LineNumber, raw.Title, raw.Description)
	fmt.Fprintf(&b, "## Code\n```\n%s\n```\n\n", truncate(raw.CodeSnippet, 2000))
	if astCtx != "" {
		fmt.Fprintf(&b, "## Structural context\n%s\n\n", truncate(astCtx, 2000))
	}
	if len(passages) > 0 {
		b.WriteString("## Related knowledge\n")
		for i, p := range passages {
			fmt.Fprintf(&b, "[%d] (%s, score %.2f) %s\n", i+1, p.Corpus, p.Score, truncate(p.Document, 600))
		}
		b.WriteString("\n")
	}
	b.WriteString("Judge this finding now.")
	return b.String()
}

// parseVerdict tries a strict decode of the whole response, then a lenient
// decode of the outermost JSON object. Returns nil when neither works.
func parseVerdict(content string) *verdict {
	var v verdict
	if err := json.Unmarshal([]byte(content), &v); err == nil {
		return &v
	}
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return nil
	}
	if err := json.Unmarshal([]byte(content[start:end+1]), &v); err != nil {
		return nil
	}
	return &v
}

// dedupRawFindings groups raw findings sharing file+line+type, keeping the
// highest-confidence member as the analysis unit.
func dedupRawFindings(raws []models.RawFinding) []analysisUnit {
	groups := make(map[string][]models.RawFinding)
	var order []string
	for _, raw := range raws {
		key := raw.DedupKey()
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], raw)
	}

	units := make([]analysisUnit, 0, len(order))
	for _, key := range order {
		group := groups[key]
		sort.SliceStable(group, func(i, j int) bool {
			return group[i].Confidence > group[j].Confidence
		})
		units = append(units, analysisUnit{primary: group[0], duplicates: group[1:]})
	}
	return units
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

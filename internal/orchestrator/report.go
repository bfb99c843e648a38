package orchestrator

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ctxaudit/auditcore/internal/models"
)

// Result is the assembled outcome of a session: summary text, the judged
// findings, and the agent execution trail. Always reflects the best-known
// partial state, including after a failed or cancelled session.
type Result struct {
	SessionID       string                  `json:"audit_id"`
	Status          models.SessionStatus    `json:"status"`
	Summary         string                  `json:"summary"`
	SeverityCounts  map[models.Severity]int `json:"severity_counts"`
	Stats           models.SessionStats     `json:"stats"`
	Vulnerabilities []models.Finding        `json:"vulnerabilities"`
	AgentLogs       []models.AgentExecution `json:"agent_logs"`
	Error           string                  `json:"error,omitempty"`
}

// Result assembles the report for a session from the store.
func (m *Manager) Result(sessionID string) (*Result, error) {
	sess, err := m.store.GetSession(sessionID)
	if err != nil {
		return nil, err
	}
	findings, err := m.store.ListFindings(sessionID)
	if err != nil {
		return nil, err
	}
	logs, err := m.store.ListExecutions(sessionID)
	if err != nil {
		return nil, err
	}
	hist, err := m.store.SeverityHistogram(sessionID)
	if err != nil {
		return nil, err
	}
	stats, err := m.store.Stats(sessionID)
	if err != nil {
		return nil, err
	}

	// Highest severity first, verified before unverified within a level.
	sort.SliceStable(findings, func(i, j int) bool {
		if findings[i].Severity.Rank() != findings[j].Severity.Rank() {
			return findings[i].Severity.Rank() > findings[j].Severity.Rank()
		}
		if findings[i].Verified != findings[j].Verified {
			return findings[i].Verified
		}
		return findings[i].Confidence > findings[j].Confidence
	})

	return &Result{
		SessionID:       sess.ID,
		Status:          sess.Status,
		Summary:         summarize(sess, stats, hist),
		SeverityCounts:  hist,
		Stats:           stats,
		Vulnerabilities: findings,
		AgentLogs:       logs,
		Error:           sess.Error,
	}, nil
}

func summarize(sess *models.AuditSession, stats models.SessionStats, hist map[models.Severity]int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s audit of project %s: %d findings", sess.Mode, sess.ProjectID, stats.FindingsDetected)
	if stats.VerifiedVulnerabilities > 0 {
		fmt.Fprintf(&b, ", %d verified", stats.VerifiedVulnerabilities)
	}
	var parts []string
	for _, sev := range []models.Severity{models.SeverityCritical, models.SeverityHigh, models.SeverityMedium, models.SeverityLow, models.SeverityInfo} {
		if n := hist[sev]; n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, sev))
		}
	}
	if len(parts) > 0 {
		b.WriteString(" (" + strings.Join(parts, ", ") + ")")
	}
	b.WriteString(".")
	if sess.Status == models.SessionFailed && sess.Error != "" {
		b.WriteString(" Audit failed: " + sess.Error + ". Partial results shown.")
	}
	if sess.Status == models.SessionCancelled {
		b.WriteString(" Audit was cancelled; partial results shown.")
	}
	return b.String()
}

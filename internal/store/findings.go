package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	auditerrors "github.com/ctxaudit/auditcore/internal/errors"
	"github.com/ctxaudit/auditcore/internal/models"
)

// InsertFinding persists a new finding.
func (s *Store) InsertFinding(f *models.Finding) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	refs, err := json.Marshal(f.References)
	if err != nil {
		return fmt.Errorf("failed to marshal references: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO findings (id, session_id, agent, rule_id, vuln_type, severity, confidence,
			title, description, file_path, line_number, code_snippet, remediation, refs,
			verified, is_false_positive, needs_review, duplicate_of, evidence, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.SessionID, string(f.Agent), f.RuleID, f.VulnType, string(f.Severity), f.Confidence,
		f.Title, f.Description, f.FilePath, f.LineNumber, f.CodeSnippet, f.Remediation, string(refs),
		boolToInt(f.Verified), boolToInt(f.IsFalsePositive), boolToInt(f.NeedsReview),
		f.DuplicateOf, nullableJSON(f.Evidence), f.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert finding: %w", err)
	}
	return nil
}

// MarkVerificationResult records the outcome of a verification attempt.
// The referenced execution must exist and be of the verification agent, so a
// finding can never carry verified=true without a verification record. Once a
// finding is verified the row is settled: only repeated no-op updates pass.
func (s *Store) MarkVerificationResult(findingID, executionID string, verified, falsePositive bool, evidence json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ok, err := s.executionExists(executionID, models.AgentVerification)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: verification execution %s not found", auditerrors.ErrInvalidInput, executionID)
	}

	var already int
	if err := s.db.QueryRow(`SELECT verified FROM findings WHERE id = ?`, findingID).Scan(&already); err != nil {
		if err == sql.ErrNoRows {
			return auditerrors.ErrNotFound
		}
		return fmt.Errorf("failed to read finding: %w", err)
	}
	if already == 1 {
		return fmt.Errorf("%w: finding %s already verified", auditerrors.ErrInvalidInput, findingID)
	}

	_, err = s.db.Exec(`
		UPDATE findings SET verified = ?, is_false_positive = ?, evidence = ?, verified_by = ?
		WHERE id = ?`,
		boolToInt(verified), boolToInt(falsePositive), nullableJSON(evidence), executionID, findingID,
	)
	if err != nil {
		return fmt.Errorf("failed to record verification result: %w", err)
	}
	return nil
}

// ListFindings returns all findings of a session ordered by creation time.
func (s *Store) ListFindings(sessionID string) ([]models.Finding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, session_id, agent, rule_id, vuln_type, severity, confidence,
			title, description, file_path, line_number, code_snippet, remediation, refs,
			verified, is_false_positive, needs_review, duplicate_of, evidence, created_at
		FROM findings WHERE session_id = ? ORDER BY created_at, id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query findings: %w", err)
	}
	defer rows.Close()

	var findings []models.Finding
	for rows.Next() {
		var f models.Finding
		var ruleID, description, filePath, snippet, remediation, refs, dupOf, evidence sql.NullString
		var verified, falsePositive, needsReview int
		var created int64

		err := rows.Scan(&f.ID, &f.SessionID, (*string)(&f.Agent), &ruleID, &f.VulnType,
			(*string)(&f.Severity), &f.Confidence, &f.Title, &description, &filePath,
			&f.LineNumber, &snippet, &remediation, &refs,
			&verified, &falsePositive, &needsReview, &dupOf, &evidence, &created)
		if err != nil {
			return nil, fmt.Errorf("failed to scan finding: %w", err)
		}

		f.RuleID = ruleID.String
		f.Description = description.String
		f.FilePath = filePath.String
		f.CodeSnippet = snippet.String
		f.Remediation = remediation.String
		f.DuplicateOf = dupOf.String
		f.Verified = verified == 1
		f.IsFalsePositive = falsePositive == 1
		f.NeedsReview = needsReview == 1
		f.CreatedAt = time.Unix(created, 0)
		if evidence.Valid && evidence.String != "" {
			f.Evidence = json.RawMessage(evidence.String)
		}
		if refs.Valid && refs.String != "" && refs.String != "null" {
			if err := json.Unmarshal([]byte(refs.String), &f.References); err != nil {
				return nil, fmt.Errorf("failed to unmarshal references: %w", err)
			}
		}
		findings = append(findings, f)
	}
	return findings, rows.Err()
}

// VerifierExecutionID returns the verification execution that settled a
// finding, or empty if none did.
func (s *Store) VerifierExecutionID(findingID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var verifiedBy sql.NullString
	err := s.db.QueryRow(`SELECT verified_by FROM findings WHERE id = ?`, findingID).Scan(&verifiedBy)
	if err == sql.ErrNoRows {
		return "", auditerrors.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to read finding: %w", err)
	}
	return verifiedBy.String, nil
}

// SeverityHistogram counts findings per severity, excluding duplicates.
func (s *Store) SeverityHistogram(sessionID string) (map[models.Severity]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT severity, COUNT(*) FROM findings
		WHERE session_id = ? AND duplicate_of = ''
		GROUP BY severity`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query severity histogram: %w", err)
	}
	defer rows.Close()

	hist := map[models.Severity]int{
		models.SeverityCritical: 0,
		models.SeverityHigh:     0,
		models.SeverityMedium:   0,
		models.SeverityLow:      0,
		models.SeverityInfo:     0,
	}
	for rows.Next() {
		var sev string
		var n int
		if err := rows.Scan(&sev, &n); err != nil {
			return nil, fmt.Errorf("failed to scan histogram row: %w", err)
		}
		hist[models.Severity(sev)] = n
	}
	return hist, rows.Err()
}

// Stats returns the headline counters for a session.
func (s *Store) Stats(sessionID string) (models.SessionStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var stats models.SessionStats
	err := s.db.QueryRow(`
		SELECT COUNT(*), COALESCE(SUM(verified), 0)
		FROM findings WHERE session_id = ? AND duplicate_of = ''`, sessionID).
		Scan(&stats.FindingsDetected, &stats.VerifiedVulnerabilities)
	if err != nil {
		return stats, fmt.Errorf("failed to query finding stats: %w", err)
	}
	return stats, nil
}

// AppendRetrievalQuery logs one retrieval call. Write-once.
func (s *Store) AppendRetrievalQuery(q *models.RetrievalQuery) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO retrieval_queries (id, session_id, finding_id, corpus, query, results, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		q.ID, q.SessionID, q.FindingID, q.Corpus, q.Query, nullableJSON(q.Results), q.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert retrieval query: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

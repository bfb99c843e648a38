package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ctxaudit/auditcore/internal/models"
)

func TestParseVerdictStrictJSON(t *testing.T) {
	v := parseVerdict(`{"is_vulnerability": true, "severity": "high", "confidence": 0.85,
		"description": "tainted input reaches the query", "remediation": "use bound parameters",
		"references": [{"type": "cwe", "id": "CWE-89"}]}`)
	require.NotNil(t, v)
	assert.True(t, v.IsVulnerability)
	assert.Equal(t, "high", v.Severity)
	assert.InDelta(t, 0.85, v.Confidence, 1e-9)
	require.Len(t, v.References, 1)
	assert.Equal(t, "CWE-89", v.References[0].ID)
}

func TestParseVerdictLenientExtractsObject(t *testing.T) {
	v := parseVerdict("Sure, here is my judgment:\n```json\n" +
		`{"is_vulnerability": false, "confidence": 0.2}` + "\n```\nLet me know if you need more.")
	require.NotNil(t, v)
	assert.False(t, v.IsVulnerability)
	assert.InDelta(t, 0.2, v.Confidence, 1e-9)
}

func TestParseVerdictGarbageReturnsNil(t *testing.T) {
	assert.Nil(t, parseVerdict("I cannot answer that."))
	assert.Nil(t, parseVerdict("{broken json"))
	assert.Nil(t, parseVerdict(""))
}

func TestDedupRawFindingsGroupsByLocationAndType(t *testing.T) {
	raws := []models.RawFinding{
		{ID: "r1", VulnType: "sql_injection", FilePath: "app/login.py", LineNumber: 42, Confidence: 0.6},
		{ID: "r2", VulnType: "sql_injection", FilePath: "app/login.py", LineNumber: 42, Confidence: 0.9},
		{ID: "r3", VulnType: "xss", FilePath: "app/login.py", LineNumber: 42, Confidence: 0.5},
		{ID: "r4", VulnType: "sql_injection", FilePath: "app/search.py", LineNumber: 42, Confidence: 0.8},
	}

	units := dedupRawFindings(raws)
	require.Len(t, units, 3)

	// Highest-confidence member leads its group; the rest become duplicates.
	assert.Equal(t, "r2", units[0].primary.ID)
	require.Len(t, units[0].duplicates, 1)
	assert.Equal(t, "r1", units[0].duplicates[0].ID)

	// Same-line findings of a different type stay separate.
	assert.Equal(t, "r3", units[1].primary.ID)
	assert.Empty(t, units[1].duplicates)

	assert.Equal(t, "r4", units[2].primary.ID)
}

func TestDedupRawFindingsPreservesFirstSeenOrder(t *testing.T) {
	raws := []models.RawFinding{
		{ID: "a", VulnType: "xss", FilePath: "x.py", LineNumber: 1},
		{ID: "b", VulnType: "xss", FilePath: "y.py", LineNumber: 1},
		{ID: "c", VulnType: "xss", FilePath: "x.py", LineNumber: 1, Confidence: 0.9},
	}
	units := dedupRawFindings(raws)
	require.Len(t, units, 2)
	assert.Equal(t, "c", units[0].primary.ID, "group keeps its first-seen slot even when a later member leads")
	assert.Equal(t, "b", units[1].primary.ID)
}

func TestDedupRawFindingsEmpty(t *testing.T) {
	assert.Empty(t, dedupRawFindings(nil))
}

func TestClamp01(t *testing.T) {
	assert.Equal(t, 0.0, clamp01(-0.3))
	assert.Equal(t, 1.0, clamp01(1.7))
	assert.Equal(t, 0.42, clamp01(0.42))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 10))
	long := truncate("abcdefghij", 5)
	assert.LessOrEqual(t, len(long), 5+len("..."))
	assert.Contains(t, long, "...")
}

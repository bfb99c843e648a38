package agent

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ctxaudit/auditcore/internal/sandbox"
)

func decodeEvidence(t *testing.T, raw json.RawMessage) map[string]interface{} {
	t.Helper()
	var evidence map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &evidence))
	return evidence
}

func TestClassifyConfirmed(t *testing.T) {
	confirmed, raw := classify(&sandbox.ExecResult{
		ExitCode: 0,
		Output:   "payload accepted\nVULNERABILITY_CONFIRMED\n",
		Duration: 1200 * time.Millisecond,
	})
	assert.True(t, confirmed)

	evidence := decodeEvidence(t, raw)
	assert.Equal(t, "confirmed", evidence["status"])
	assert.Equal(t, float64(0), evidence["exit_code"])
	assert.Equal(t, float64(1200), evidence["duration_ms"])
}

func TestClassifyMarkerWithoutExitZeroIsNotConfirmed(t *testing.T) {
	confirmed, raw := classify(&sandbox.ExecResult{
		ExitCode: 1,
		Output:   "VULNERABILITY_CONFIRMED",
	})
	assert.False(t, confirmed)
	assert.Equal(t, "not_reproduced", decodeEvidence(t, raw)["status"])
}

func TestClassifyExitZeroWithoutMarkerIsNotConfirmed(t *testing.T) {
	confirmed, raw := classify(&sandbox.ExecResult{
		ExitCode: 0,
		Output:   "nothing happened",
	})
	assert.False(t, confirmed)
	assert.Equal(t, "not_reproduced", decodeEvidence(t, raw)["status"])
}

func TestClassifyTimeoutIsInconclusive(t *testing.T) {
	confirmed, raw := classify(&sandbox.ExecResult{
		ExitCode: -1,
		TimedOut: true,
		Output:   "partial output before the deadline",
	})
	assert.False(t, confirmed)
	assert.Equal(t, "timeout", decodeEvidence(t, raw)["status"])
}

func TestClassifyTruncatesOutputEvidence(t *testing.T) {
	long := make([]byte, 10000)
	for i := range long {
		long[i] = 'x'
	}
	_, raw := classify(&sandbox.ExecResult{ExitCode: 1, Output: string(long)})
	evidence := decodeEvidence(t, raw)
	assert.LessOrEqual(t, len(evidence["output"].(string)), 4000+len("..."))
}

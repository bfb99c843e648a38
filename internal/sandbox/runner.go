// Package sandbox submits proof-of-concept scripts to the isolated execution
// collaborator. Slot acquisition lives here so every caller shares the same
// concurrency cap regardless of which agent asked.
package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	auditerrors "github.com/ctxaudit/auditcore/internal/errors"
)

// Limits constrain one sandbox execution.
type Limits struct {
	Timeout       time.Duration
	MemoryMB      int
	NetworkDenied bool
}

// ExecResult is the outcome of running a script. TimedOut results still
// carry whatever output the script produced before the deadline.
type ExecResult struct {
	ExitCode int           `json:"exit_code"`
	Output   string        `json:"output"`
	Duration time.Duration `json:"duration"`
	TimedOut bool          `json:"timed_out"`
}

// Runner executes scripts through the sandbox collaborator, capped to a
// fixed number of concurrent slots.
type Runner struct {
	baseURL string
	client  *http.Client
	slots   *semaphore.Weighted
}

// NewRunner creates a runner with the given slot count. The HTTP timeout is
// derived per request from the execution limit, not fixed at construction.
func NewRunner(baseURL string, slots int) *Runner {
	if slots < 1 {
		slots = 1
	}
	return &Runner{
		baseURL: baseURL,
		client:  &http.Client{},
		slots:   semaphore.NewWeighted(int64(slots)),
	}
}

type execRequest struct {
	Script     string `json:"script"`
	TimeoutSec int    `json:"timeout_sec"`
	MemoryMB   int    `json:"memory_mb,omitempty"`
	Network    bool   `json:"network"`
}

type execResponse struct {
	ExitCode   int    `json:"exit_code"`
	Output     string `json:"output"`
	DurationMS int64  `json:"duration_ms"`
	TimedOut   bool   `json:"timed_out"`
}

// Execute runs a script under the given limits. The call blocks until a
// sandbox slot is free or ctx is cancelled. A wall-clock timeout is reported
// as a TimedOut result, not an error; callers classify it downstream.
func (r *Runner) Execute(ctx context.Context, script string, limits Limits) (*ExecResult, error) {
	if err := r.slots.Acquire(ctx, 1); err != nil {
		return nil, auditerrors.New(auditerrors.ErrorTypeTimeout, "sandbox.acquire", err)
	}
	defer r.slots.Release(1)

	if limits.Timeout <= 0 {
		limits.Timeout = 30 * time.Second
	}

	body, err := json.Marshal(execRequest{
		Script:     script,
		TimeoutSec: int(limits.Timeout.Seconds()),
		MemoryMB:   limits.MemoryMB,
		Network:    !limits.NetworkDenied,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal execution request: %w", err)
	}

	// Give the collaborator headroom past the script timeout so the timed-out
	// result comes back over the wire instead of tripping the client deadline.
	reqCtx, cancel := context.WithTimeout(ctx, limits.Timeout+10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, "POST", r.baseURL+"/api/execute", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := r.client.Do(req)
	if err != nil {
		if reqCtx.Err() == context.DeadlineExceeded {
			log.Warn().Dur("timeout", limits.Timeout).Msg("Sandbox execution exceeded deadline")
			return &ExecResult{ExitCode: -1, Duration: time.Since(start), TimedOut: true}, nil
		}
		return nil, auditerrors.New(auditerrors.ErrorTypeConnection, "sandbox.execute", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read sandbox response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, auditerrors.New(auditerrors.ErrorTypeAPI, "sandbox.execute",
			fmt.Errorf("sandbox returned %d: %s", resp.StatusCode, string(respBody)))
	}

	var er execResponse
	if err := json.Unmarshal(respBody, &er); err != nil {
		return nil, fmt.Errorf("failed to decode sandbox response: %w", err)
	}

	return &ExecResult{
		ExitCode: er.ExitCode,
		Output:   er.Output,
		Duration: time.Duration(er.DurationMS) * time.Millisecond,
		TimedOut: er.TimedOut,
	}, nil
}

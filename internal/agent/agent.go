// Package agent implements the recon, analysis, and verification agents plus
// the execution recorder they all report through. Agents are plain structs
// with explicit dependencies; the orchestrator constructs them per session.
package agent

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/ctxaudit/auditcore/internal/events"
	"github.com/ctxaudit/auditcore/internal/index"
	"github.com/ctxaudit/auditcore/internal/llm"
	"github.com/ctxaudit/auditcore/internal/models"
	"github.com/ctxaudit/auditcore/internal/retrieval"
	"github.com/ctxaudit/auditcore/internal/sandbox"
	"github.com/ctxaudit/auditcore/internal/store"
)

// Input carries everything an agent may need for one run. Agents read only
// the fields relevant to their stage.
type Input struct {
	Session     *models.AuditSession
	Recon       *models.ReconResult
	RawFindings []models.RawFinding
	Findings    []models.Finding
}

// Output is an agent's contribution to the workflow state. The orchestrator
// merges outputs at a single point; agents never mutate shared state.
type Output struct {
	Recon    *models.ReconResult
	Findings []models.Finding
	Verified int
	Warnings []string
}

// Agent is one pipeline stage.
type Agent interface {
	Type() models.AgentType
	Run(ctx context.Context, in *Input) (*Output, error)
}

// Deps are the collaborators shared by all agents of one session. Workers is
// the per-session concurrency cap shared by analysis and verification units;
// sandbox slots are a separate, scarcer resource owned by the Runner.
type Deps struct {
	Store     *store.Store
	Publisher *events.Publisher
	Index     *index.Client
	Retrieval *retrieval.Engine
	LLM       llm.Provider
	Sandbox   *sandbox.Runner
	Workers   *semaphore.Weighted

	// Stopped reports a cooperative cancellation request. Dispatch loops
	// check it before starting a new unit; in-flight units finish normally.
	// May be nil.
	Stopped func() bool
}

func (d Deps) stopRequested() bool {
	return d.Stopped != nil && d.Stopped()
}

// Recorder writes AgentExecution rows and the matching lifecycle events for
// one session. One Execution per agent invocation, one writer per row.
type Recorder struct {
	store     *store.Store
	pub       *events.Publisher
	sessionID string
}

// NewRecorder creates a recorder for a session.
func NewRecorder(st *store.Store, pub *events.Publisher, sessionID string) *Recorder {
	return &Recorder{store: st, pub: pub, sessionID: sessionID}
}

// Execution tracks one running agent invocation.
type Execution struct {
	rec       *Recorder
	row       models.AgentExecution
	reasoning strings.Builder
}

// Begin opens an execution record and announces the agent start. A store
// failure is logged, not fatal: the run proceeds without its record rather
// than aborting delegated work.
func (r *Recorder) Begin(agent models.AgentType, message string, input interface{}) *Execution {
	var raw json.RawMessage
	if input != nil {
		if data, err := json.Marshal(input); err == nil {
			raw = data
		}
	}

	e := &Execution{
		rec: r,
		row: models.AgentExecution{
			ID:        uuid.New().String(),
			SessionID: r.sessionID,
			Agent:     agent,
			Status:    models.ExecutionRunning,
			Input:     raw,
			StartedAt: time.Now(),
		},
	}
	if err := r.store.AppendExecution(&e.row); err != nil {
		log.Error().Err(err).
			Str("session", r.sessionID).
			Str("agent", string(agent)).
			Msg("Failed to record agent execution")
	}
	r.publish(events.New(r.sessionID, string(agent), events.TypeAgentStarted, message, nil))
	return e
}

// ID returns the execution row id, used to reference the execution from
// verification evidence.
func (e *Execution) ID() string {
	return e.row.ID
}

// Think appends to the reasoning trace and streams it as an agent_thinking
// event.
func (e *Execution) Think(message string) {
	if e.reasoning.Len() > 0 {
		e.reasoning.WriteByte('\n')
	}
	e.reasoning.WriteString(message)
	e.rec.publish(events.New(e.row.SessionID, string(e.row.Agent), events.TypeAgentThinking, message, nil))
}

// ToolCall records a collaborator invocation in the stream.
func (e *Execution) ToolCall(tool string, data map[string]interface{}) {
	e.rec.publish(events.New(e.row.SessionID, string(e.row.Agent), events.TypeToolCall, tool, data))
}

// Finish closes the execution record with its output or error.
func (e *Execution) Finish(output interface{}, runErr error) {
	now := time.Now()
	e.row.CompletedAt = &now
	e.row.DurationMS = now.Sub(e.row.StartedAt).Milliseconds()
	e.row.Reasoning = e.reasoning.String()

	if runErr != nil {
		e.row.Status = models.ExecutionFailed
		e.row.Error = runErr.Error()
	} else {
		e.row.Status = models.ExecutionCompleted
		if output != nil {
			if data, err := json.Marshal(output); err == nil {
				e.row.Output = data
			}
		}
	}
	if err := e.rec.store.FinishExecution(&e.row); err != nil {
		log.Error().Err(err).
			Str("session", e.row.SessionID).
			Str("agent", string(e.row.Agent)).
			Msg("Failed to finish agent execution")
	}
}

// Publish emits an event for the recorder's session.
func (r *Recorder) Publish(agent models.AgentType, eventType, message string, data map[string]interface{}) {
	r.publish(events.New(r.sessionID, string(agent), eventType, message, data))
}

func (r *Recorder) publish(ev events.Event) {
	if _, err := r.pub.Publish(ev); err != nil {
		log.Error().Err(err).
			Str("session", r.sessionID).
			Str("type", ev.Type).
			Msg("Failed to publish event")
	}
}

// truncate caps collaborator output embedded in prompts and evidence.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

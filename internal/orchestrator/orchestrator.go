package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/ctxaudit/auditcore/internal/agent"
	"github.com/ctxaudit/auditcore/internal/config"
	auditerrors "github.com/ctxaudit/auditcore/internal/errors"
	"github.com/ctxaudit/auditcore/internal/events"
	"github.com/ctxaudit/auditcore/internal/index"
	"github.com/ctxaudit/auditcore/internal/llm"
	"github.com/ctxaudit/auditcore/internal/metrics"
	"github.com/ctxaudit/auditcore/internal/models"
	"github.com/ctxaudit/auditcore/internal/retrieval"
	"github.com/ctxaudit/auditcore/internal/sandbox"
	"github.com/ctxaudit/auditcore/internal/store"
)

// StartRequest is a validated request to begin an audit.
type StartRequest struct {
	ProjectID   string
	Mode        models.AuditMode
	TargetTypes []string
	Overrides   Overrides
}

// Overrides are the per-audit configuration fields a client may set; nil
// fields keep the server default.
type Overrides struct {
	LLMProvider         *string  `json:"llm_provider,omitempty"`
	LLMModel            *string  `json:"llm_model,omitempty"`
	MaxConcurrentAgents *int     `json:"max_concurrent_agents,omitempty"`
	EnableRecon         *bool    `json:"enable_recon,omitempty"`
	EnableVerification  *bool    `json:"enable_verification,omitempty"`
	VerifyThreshold     *float64 `json:"verify_threshold,omitempty"`
	RetrievalTopK       *int     `json:"retrieval_top_k,omitempty"`
	RetryAttempts       *int     `json:"retry_attempts,omitempty"`
}

// StatusReport is the live view of a session for the status endpoint.
type StatusReport struct {
	Session     *models.AuditSession `json:"session"`
	Progress    models.Progress      `json:"progress"`
	AgentStatus map[string]string    `json:"agent_status"`
	Stats       models.SessionStats  `json:"stats"`
}

// Manager owns all running audit sessions. One coordinating goroutine per
// session; agents fan out beneath it under the session worker cap.
type Manager struct {
	cfg       *config.Config
	store     *store.Store
	pub       *events.Publisher
	index     *index.Client
	retrieval *retrieval.Engine
	sandbox   *sandbox.Runner

	// newProvider builds the completion client for a session; replaced with
	// a stub in tests.
	newProvider func(models.SessionConfig) (llm.Provider, error)

	mu   sync.Mutex
	runs map[string]*run
	wg   sync.WaitGroup
}

// run is the in-memory coordination state of one live session.
type run struct {
	cancel context.CancelFunc

	mu           sync.Mutex
	stage        Stage
	stopped      bool
	paused       bool
	resume       chan struct{}
	filesScanned int
	warnings     []string
	agentStatus  map[string]string
}

func (r *run) stopRequested() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopped
}

func (r *run) requestStop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = true
	// A paused session must observe the stop request.
	if r.paused {
		r.paused = false
		close(r.resume)
	}
}

func (r *run) setStage(s Stage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stage = s
	for _, a := range []models.AgentType{models.AgentRecon, models.AgentAnalysis, models.AgentVerification} {
		if _, ok := r.agentStatus[string(a)]; !ok {
			r.agentStatus[string(a)] = "idle"
		}
	}
	switch s {
	case StageReconning:
		r.agentStatus[string(models.AgentRecon)] = "running"
	case StageScanning:
		r.agentStatus[string(models.AgentRecon)] = "done"
	case StageAnalyzing:
		r.agentStatus[string(models.AgentAnalysis)] = "running"
	case StageVerifying:
		r.agentStatus[string(models.AgentAnalysis)] = "done"
		r.agentStatus[string(models.AgentVerification)] = "running"
	case StageReporting:
		r.agentStatus[string(models.AgentAnalysis)] = "done"
		if r.agentStatus[string(models.AgentVerification)] == "running" {
			r.agentStatus[string(models.AgentVerification)] = "done"
		}
	}
}

// gate blocks while the session is paused.
func (r *run) gate(ctx context.Context) {
	for {
		r.mu.Lock()
		if !r.paused {
			r.mu.Unlock()
			return
		}
		resume := r.resume
		r.mu.Unlock()
		select {
		case <-resume:
		case <-ctx.Done():
			return
		}
	}
}

// NewManager creates the session manager.
func NewManager(cfg *config.Config, st *store.Store, pub *events.Publisher, idx *index.Client, ret *retrieval.Engine, sb *sandbox.Runner) *Manager {
	return &Manager{
		cfg:         cfg,
		store:       st,
		pub:         pub,
		index:       idx,
		retrieval:   ret,
		sandbox:     sb,
		newProvider: llm.NewFromConfig,
		runs:        make(map[string]*run),
	}
}

// SetProviderFactory replaces the completion-client factory. Test hook.
func (m *Manager) SetProviderFactory(f func(models.SessionConfig) (llm.Provider, error)) {
	m.newProvider = f
}

// Start validates the request, persists a pending session, and launches its
// coordinating goroutine. Returns the session and a coarse duration estimate.
func (m *Manager) Start(req StartRequest) (*models.AuditSession, time.Duration, error) {
	if req.ProjectID == "" {
		return nil, 0, fmt.Errorf("%w: project_id is required", auditerrors.ErrInvalidInput)
	}
	if !req.Mode.Valid() {
		return nil, 0, fmt.Errorf("%w: unknown audit type %q", auditerrors.ErrInvalidInput, req.Mode)
	}

	cfg := m.cfg.SessionDefaults()
	cfg.TargetTypes = req.TargetTypes
	applyOverrides(&cfg, req.Overrides)

	sess := &models.AuditSession{
		ID:        uuid.New().String(),
		ProjectID: req.ProjectID,
		Mode:      req.Mode,
		Status:    models.SessionPending,
		Config:    cfg,
		CreatedAt: time.Now(),
	}
	if err := m.store.CreateSession(sess); err != nil {
		return nil, 0, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &run{
		cancel:      cancel,
		stage:       StageCreated,
		agentStatus: make(map[string]string),
	}
	m.mu.Lock()
	m.runs[sess.ID] = r
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.runSession(ctx, sess, r)
	}()

	log.Info().
		Str("session", sess.ID).
		Str("project", sess.ProjectID).
		Str("mode", string(sess.Mode)).
		Msg("Audit session started")
	return sess, estimateDuration(sess.Mode, cfg), nil
}

// Status returns the live status report for a session. After a restart the
// in-memory run is gone; the report is then derived from the store alone.
func (m *Manager) Status(sessionID string) (*StatusReport, error) {
	sess, err := m.store.GetSession(sessionID)
	if err != nil {
		return nil, err
	}
	stats, err := m.store.Stats(sessionID)
	if err != nil {
		return nil, err
	}

	conds := conditionsFor(sess)
	plan := stagePlan(conds)

	report := &StatusReport{
		Session:     sess,
		Stats:       stats,
		AgentStatus: map[string]string{},
	}

	m.mu.Lock()
	r := m.runs[sessionID]
	m.mu.Unlock()
	if r != nil {
		r.mu.Lock()
		report.Progress = progressFor(r.stage, plan)
		for k, v := range r.agentStatus {
			report.AgentStatus[k] = v
		}
		report.Stats.FilesScanned = r.filesScanned
		r.mu.Unlock()
		return report, nil
	}

	stage := StageCreated
	switch sess.Status {
	case models.SessionCompleted:
		stage = StageCompleted
	case models.SessionFailed:
		stage = StageFailed
	case models.SessionCancelled:
		stage = StageCancelled
	}
	report.Progress = progressFor(stage, plan)
	return report, nil
}

// Cancel requests cooperative cancellation. In-flight units finish; no new
// units are dispatched. Idempotent: cancelling a terminal or already
// cancelled session succeeds without effect.
func (m *Manager) Cancel(sessionID string) error {
	sess, err := m.store.GetSession(sessionID)
	if err != nil {
		return err
	}
	if sess.Status.Terminal() {
		return nil
	}

	m.mu.Lock()
	r := m.runs[sessionID]
	m.mu.Unlock()
	if r != nil {
		r.requestStop()
		return nil
	}

	// No live run (server restarted mid-session); settle the row directly.
	if err := m.store.UpdateSessionStatus(sessionID, models.SessionCancelled, ""); err != nil {
		return err
	}
	m.publish(events.New(sessionID, string(models.AgentOrchestrator), events.TypeCancelled, "Audit cancelled", nil))
	return nil
}

// Pause suspends dispatch at the next stage boundary.
func (m *Manager) Pause(sessionID string) error {
	sess, err := m.store.GetSession(sessionID)
	if err != nil {
		return err
	}
	if sess.Status.Terminal() {
		return auditerrors.ErrSessionTerminal
	}

	m.mu.Lock()
	r := m.runs[sessionID]
	m.mu.Unlock()
	if r == nil {
		return fmt.Errorf("%w: session %s has no live run", auditerrors.ErrInvalidInput, sessionID)
	}

	r.mu.Lock()
	if !r.paused {
		r.paused = true
		r.resume = make(chan struct{})
	}
	r.mu.Unlock()

	if err := m.store.UpdateSessionStatus(sessionID, models.SessionPaused, ""); err != nil {
		return err
	}
	m.publish(events.New(sessionID, string(models.AgentOrchestrator), events.TypeStatus, "Audit paused",
		map[string]interface{}{"status": string(models.SessionPaused)}))
	return nil
}

// Resume releases a paused session.
func (m *Manager) Resume(sessionID string) error {
	m.mu.Lock()
	r := m.runs[sessionID]
	m.mu.Unlock()
	if r == nil {
		return fmt.Errorf("%w: session %s has no live run", auditerrors.ErrInvalidInput, sessionID)
	}

	r.mu.Lock()
	if r.paused {
		r.paused = false
		close(r.resume)
	}
	r.mu.Unlock()

	if err := m.store.UpdateSessionStatus(sessionID, models.SessionRunning, ""); err != nil {
		return err
	}
	m.publish(events.New(sessionID, string(models.AgentOrchestrator), events.TypeStatus, "Audit resumed",
		map[string]interface{}{"status": string(models.SessionRunning)}))
	return nil
}

// Close stops all live sessions and waits for their goroutines.
func (m *Manager) Close() {
	m.mu.Lock()
	for _, r := range m.runs {
		r.cancel()
	}
	m.mu.Unlock()
	m.wg.Wait()
}

// runSession drives one session through the pipeline. All workflow state is
// private to this goroutine; agent outputs are merged here and nowhere else.
func (m *Manager) runSession(ctx context.Context, sess *models.AuditSession, r *run) {
	defer func() {
		m.mu.Lock()
		delete(m.runs, sess.ID)
		m.mu.Unlock()
	}()

	rec := agent.NewRecorder(m.store, m.pub, sess.ID)
	conds := conditionsFor(sess)
	plan := stagePlan(conds)

	provider, err := m.newProvider(sess.Config)
	if err != nil {
		m.finish(sess.ID, r, StageFailed, plan, "completion provider: "+err.Error())
		return
	}

	workerCap := sess.Config.MaxConcurrentAgents
	if workerCap < 1 {
		workerCap = config.DefaultMaxConcurrentAgents
	}
	deps := agent.Deps{
		Store:     m.store,
		Publisher: m.pub,
		Index:     m.index,
		Retrieval: m.retrieval,
		LLM:       provider,
		Sandbox:   m.sandbox,
		Workers:   semaphore.NewWeighted(int64(workerCap)),
		Stopped:   r.stopRequested,
	}

	if err := m.store.UpdateSessionStatus(sess.ID, models.SessionRunning, ""); err != nil {
		log.Error().Err(err).Str("session", sess.ID).Msg("Failed to mark session running")
		return
	}
	m.publish(events.New(sess.ID, string(models.AgentOrchestrator), events.TypeStatus, "Audit running",
		map[string]interface{}{"status": string(models.SessionRunning)}))

	// Workflow state, owned exclusively by this goroutine.
	var (
		recon    *models.ReconResult
		raw      []models.RawFinding
		findings []models.Finding
		failMsg  string
	)

	stage := StageCreated
	ev := EventStart
	for !stage.Terminal() {
		r.gate(ctx)
		if r.stopRequested() || ctx.Err() != nil {
			ev = EventCancel
		}

		next, err := Transition(stage, ev, conds)
		if err != nil {
			failMsg = err.Error()
			next = StageFailed
		}
		stage = next
		r.setStage(stage)
		m.recordTransition(sess.ID, stage, ev, plan)

		switch stage {
		case StageReconning:
			out, err := agent.NewReconAgent(deps, rec).Run(ctx, &agent.Input{Session: sess})
			if err != nil {
				// Recon is advisory; the scan does not depend on it.
				r.addWarning("recon failed: " + err.Error())
				log.Warn().Err(err).Str("session", sess.ID).Msg("Recon failed, proceeding without it")
			} else {
				recon = out.Recon
			}
			ev = EventReconDone

		case StageScanning:
			scan, err := m.runScan(ctx, sess)
			if err != nil {
				failMsg = "static scan failed: " + err.Error()
				ev = EventFail
				break
			}
			raw = filterTargets(scan.Findings, sess.Config.TargetTypes)
			r.mu.Lock()
			r.filesScanned = scan.FilesScanned
			r.mu.Unlock()
			ev = EventScanDone

		case StageAnalyzing:
			out, err := agent.NewAnalysisAgent(deps, rec, sess.Config).Run(ctx, &agent.Input{
				Session:     sess,
				Recon:       recon,
				RawFindings: raw,
			})
			if err != nil {
				failMsg = "analysis failed: " + err.Error()
				ev = EventFail
				break
			}
			findings = out.Findings
			for _, w := range out.Warnings {
				r.addWarning(w)
			}
			conds.HasVerifyCandidate = hasVerifyCandidate(findings, sess.Config.VerifyThreshold)
			ev = EventAnalysisDone

		case StageVerifying:
			out, err := agent.NewVerificationAgent(deps, rec, sess.Config).Run(ctx, &agent.Input{
				Session:  sess,
				Findings: findings,
			})
			if err != nil {
				failMsg = "verification failed: " + err.Error()
				ev = EventFail
				break
			}
			for _, w := range out.Warnings {
				r.addWarning(w)
			}
			ev = EventVerifyDone

		case StageReporting:
			ev = EventReportDone

		case StageCompleted, StageFailed, StageCancelled:
			m.finish(sess.ID, r, stage, plan, failMsg)
		}
	}
}

// runScan invokes the static scanner with the session retry budget.
func (m *Manager) runScan(ctx context.Context, sess *models.AuditSession) (*index.ScanResult, error) {
	project, err := m.index.GetProject(ctx, sess.ProjectID)
	if err != nil {
		return nil, err
	}

	attempts := sess.Config.RetryAttempts
	if attempts <= 0 {
		attempts = config.DefaultRetryAttempts
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		scan, err := m.index.ScanProject(ctx, project.Path)
		if err == nil {
			return scan, nil
		}
		lastErr = err
		if !auditerrors.IsRetryable(err) || ctx.Err() != nil {
			break
		}
		if attempt < attempts {
			select {
			case <-time.After(time.Duration(attempt) * 2 * time.Second):
			case <-ctx.Done():
			}
		}
	}
	return nil, lastErr
}

// finish settles the session in the store and publishes its terminal event.
func (m *Manager) finish(sessionID string, r *run, stage Stage, plan []Stage, failMsg string) {
	var status models.SessionStatus
	var eventType, message string
	switch stage {
	case StageFailed:
		status, eventType, message = models.SessionFailed, events.TypeError, failMsg
	case StageCancelled:
		status, eventType, message = models.SessionCancelled, events.TypeCancelled, "Audit cancelled"
	default:
		status, eventType, message = models.SessionCompleted, events.TypeComplete, "Audit complete"
	}

	if err := m.store.UpdateSessionStatus(sessionID, status, failMsg); err != nil {
		log.Error().Err(err).
			Str("session", sessionID).
			Str("status", string(status)).
			Msg("Failed to settle session status")
	}

	stats, err := m.store.Stats(sessionID)
	if err != nil {
		log.Error().Err(err).Str("session", sessionID).Msg("Failed to load final stats")
	}
	data := map[string]interface{}{
		"status":                   string(status),
		"findings_detected":        stats.FindingsDetected,
		"verified_vulnerabilities": stats.VerifiedVulnerabilities,
	}
	if warnings := r.copyWarnings(); len(warnings) > 0 {
		data["warnings"] = warnings
	}
	m.publish(events.New(sessionID, string(models.AgentOrchestrator), eventType, message, data))

	if sess, err := m.store.GetSession(sessionID); err == nil {
		var dur time.Duration
		if sess.StartedAt != nil && sess.CompletedAt != nil {
			dur = sess.CompletedAt.Sub(*sess.StartedAt)
		}
		metrics.Get().RecordSession(string(sess.Mode), string(status), dur)
	}

	log.Info().
		Str("session", sessionID).
		Str("status", string(status)).
		Int("findings", stats.FindingsDetected).
		Int("verified", stats.VerifiedVulnerabilities).
		Msg("Audit session finished")
}

// recordTransition writes the orchestrator execution row for a workflow step
// and publishes the matching progress event.
func (m *Manager) recordTransition(sessionID string, stage Stage, ev StageEvent, plan []Stage) {
	now := time.Now()
	input, _ := json.Marshal(map[string]interface{}{"event": ev, "stage": stage, "plan": plan})
	exec := &models.AgentExecution{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Agent:     models.AgentOrchestrator,
		Status:    models.ExecutionCompleted,
		Input:     input,
		StartedAt: now,
	}
	if err := m.store.AppendExecution(exec); err != nil {
		log.Error().Err(err).Str("session", sessionID).Msg("Failed to record workflow transition")
	} else {
		exec.CompletedAt = &now
		if err := m.store.FinishExecution(exec); err != nil {
			log.Error().Err(err).Str("session", sessionID).Msg("Failed to finish workflow transition record")
		}
	}

	progress := progressFor(stage, plan)
	m.publish(events.New(sessionID, string(models.AgentOrchestrator), events.TypeProgress,
		"Entering "+string(stage), map[string]interface{}{
			"stage":           progress.Stage,
			"completed_steps": progress.CompletedSteps,
			"total_steps":     progress.TotalSteps,
			"percentage":      progress.Percentage,
		}))
}

func (m *Manager) publish(ev events.Event) {
	if _, err := m.pub.Publish(ev); err != nil {
		log.Error().Err(err).Str("session", ev.SessionID).Str("type", ev.Type).Msg("Failed to publish event")
	}
}

func (r *run) addWarning(w string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.warnings = append(r.warnings, w)
}

func (r *run) copyWarnings() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.warnings...)
}

func conditionsFor(sess *models.AuditSession) Conditions {
	return Conditions{
		Mode:                sess.Mode,
		ReconEnabled:        sess.Config.EnableRecon,
		VerificationEnabled: sess.Config.EnableVerification,
	}
}

func hasVerifyCandidate(findings []models.Finding, threshold float64) bool {
	for _, f := range findings {
		if f.DuplicateOf == "" && !f.NeedsReview && f.Confidence >= threshold {
			return true
		}
	}
	return false
}

// filterTargets restricts raw findings to the requested vulnerability types.
// An empty target list keeps everything.
func filterTargets(raw []models.RawFinding, targets []string) []models.RawFinding {
	if len(targets) == 0 {
		return raw
	}
	want := make(map[string]struct{}, len(targets))
	for _, t := range targets {
		want[t] = struct{}{}
	}
	var out []models.RawFinding
	for _, f := range raw {
		if _, ok := want[f.VulnType]; ok {
			out = append(out, f)
		}
	}
	return out
}

func applyOverrides(cfg *models.SessionConfig, o Overrides) {
	if o.LLMProvider != nil {
		cfg.LLMProvider = *o.LLMProvider
	}
	if o.LLMModel != nil {
		cfg.LLMModel = *o.LLMModel
	}
	if o.MaxConcurrentAgents != nil && *o.MaxConcurrentAgents >= 1 {
		cfg.MaxConcurrentAgents = *o.MaxConcurrentAgents
	}
	if o.EnableRecon != nil {
		cfg.EnableRecon = *o.EnableRecon
	}
	if o.EnableVerification != nil {
		cfg.EnableVerification = *o.EnableVerification
	}
	if o.VerifyThreshold != nil && *o.VerifyThreshold >= 0 && *o.VerifyThreshold <= 1 {
		cfg.VerifyThreshold = *o.VerifyThreshold
	}
	if o.RetrievalTopK != nil && *o.RetrievalTopK >= 1 {
		cfg.RetrievalTopK = *o.RetrievalTopK
	}
	if o.RetryAttempts != nil && *o.RetryAttempts >= 1 {
		cfg.RetryAttempts = *o.RetryAttempts
	}
}

// estimateDuration gives the coarse wall-clock estimate returned from the
// start endpoint. Deliberately pessimistic; clients treat it as a hint.
func estimateDuration(mode models.AuditMode, cfg models.SessionConfig) time.Duration {
	base := 2 * time.Minute
	if mode == models.AuditModeQuick || mode == models.AuditModeTargeted {
		base = time.Minute
	}
	if cfg.EnableVerification {
		base += time.Minute
	}
	return base
}

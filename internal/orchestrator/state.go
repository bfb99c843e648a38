// Package orchestrator owns the audit workflow: the pipeline state machine,
// per-session coordination, agent dispatch, and result assembly.
package orchestrator

import (
	"fmt"

	"github.com/ctxaudit/auditcore/internal/models"
)

// Stage is one resting state of the audit pipeline.
type Stage string

const (
	StageCreated   Stage = "created"
	StageReconning Stage = "reconning"
	StageScanning  Stage = "scanning"
	StageAnalyzing Stage = "analyzing"
	StageVerifying Stage = "verifying"
	StageReporting Stage = "reporting"
	StageCompleted Stage = "completed"
	StageFailed    Stage = "failed"
	StageCancelled Stage = "cancelled"
)

// Terminal reports whether the pipeline stops at this stage.
func (s Stage) Terminal() bool {
	switch s {
	case StageCompleted, StageFailed, StageCancelled:
		return true
	}
	return false
}

// StageEvent is a pipeline occurrence that may move the workflow forward.
type StageEvent string

const (
	EventStart        StageEvent = "start"
	EventReconDone    StageEvent = "recon_done"
	EventScanDone     StageEvent = "scan_done"
	EventAnalysisDone StageEvent = "analysis_done"
	EventVerifyDone   StageEvent = "verify_done"
	EventReportDone   StageEvent = "report_done"
	EventFail         StageEvent = "fail"
	EventCancel       StageEvent = "cancel"
)

// Conditions carry the branch inputs the transition function needs. Keeping
// them explicit makes the function pure and testable without a scheduler.
type Conditions struct {
	Mode                models.AuditMode
	ReconEnabled        bool
	VerificationEnabled bool
	HasVerifyCandidate  bool // any analyzed finding at or above the threshold
}

// Transition is the pure workflow step function. It returns the next stage
// for (stage, event) under the given conditions, or an error for transitions
// the pipeline does not define. Fail and Cancel are accepted from every
// non-terminal stage; terminal stages accept nothing.
func Transition(stage Stage, ev StageEvent, c Conditions) (Stage, error) {
	if stage.Terminal() {
		return stage, fmt.Errorf("stage %s is terminal, rejecting %s", stage, ev)
	}
	switch ev {
	case EventFail:
		return StageFailed, nil
	case EventCancel:
		return StageCancelled, nil
	}

	switch {
	case stage == StageCreated && ev == EventStart:
		if c.Mode == models.AuditModeTargeted && !c.ReconEnabled {
			return StageScanning, nil
		}
		return StageReconning, nil

	case stage == StageReconning && ev == EventReconDone:
		return StageScanning, nil

	case stage == StageScanning && ev == EventScanDone:
		return StageAnalyzing, nil

	case stage == StageAnalyzing && ev == EventAnalysisDone:
		if c.VerificationEnabled && c.HasVerifyCandidate {
			return StageVerifying, nil
		}
		return StageReporting, nil

	case stage == StageVerifying && ev == EventVerifyDone:
		return StageReporting, nil

	case stage == StageReporting && ev == EventReportDone:
		return StageCompleted, nil
	}

	return stage, fmt.Errorf("no transition from %s on %s", stage, ev)
}

// stagePlan returns the stages a session will pass through, used for the
// progress fraction and the start-time estimate. Verification is included
// optimistically when enabled; the fraction is recomputed if it is skipped.
func stagePlan(c Conditions) []Stage {
	plan := []Stage{StageCreated}
	if !(c.Mode == models.AuditModeTargeted && !c.ReconEnabled) {
		plan = append(plan, StageReconning)
	}
	plan = append(plan, StageScanning, StageAnalyzing)
	if c.VerificationEnabled {
		plan = append(plan, StageVerifying)
	}
	return append(plan, StageReporting, StageCompleted)
}

// progressFor maps a stage onto the progress fraction of its plan.
func progressFor(stage Stage, plan []Stage) models.Progress {
	total := len(plan) - 1 // transitions, not states
	done := 0
	for i, s := range plan {
		if s == stage {
			done = i
			break
		}
	}
	if stage.Terminal() {
		done = total
	}
	pct := 0.0
	if total > 0 {
		pct = float64(done) / float64(total) * 100
	}
	return models.Progress{
		Stage:          string(stage),
		CompletedSteps: done,
		TotalSteps:     total,
		Percentage:     pct,
	}
}

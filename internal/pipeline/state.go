package pipeline

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Phase identifies a pipeline stage.
type Phase string

const (
	PhaseInit       Phase = "init"
	PhaseDiscovery  Phase = "discovery"
	PhaseBackup     Phase = "backup"
	PhaseDatabase   Phase = "database"
	PhaseTransform  Phase = "transform"
	PhaseRecovery   Phase = "recovery"
	PhaseValidation Phase = "validation"
	PhaseRollback   Phase = "rollback"
	PhaseDone       Phase = "done"
)

// phases lists the six counted steps in execution order.
var phases = []Phase{
	PhaseDiscovery,
	PhaseBackup,
	PhaseDatabase,
	PhaseTransform,
	PhaseRecovery,
	PhaseValidation,
}

// TotalSteps is the number of counted pipeline steps.
const TotalSteps = 6

// Status is the overall execution status.
type Status string

const (
	StatusRunning               Status = "running"
	StatusCompleted             Status = "completed"
	StatusCompletedWithWarnings Status = "completed_with_warnings"
	StatusFailed                Status = "failed"
)

// PhaseStatus is the status of a single phase. Transitions are
// monotonic: a phase never re-enters pending after leaving it.
type PhaseStatus string

const (
	PhasePending             PhaseStatus = "pending"
	PhaseRunning             PhaseStatus = "running"
	PhaseCompleted           PhaseStatus = "completed"
	PhaseCompletedWithErrors PhaseStatus = "completed_with_errors"
	PhaseFailed              PhaseStatus = "failed"
	PhaseSkipped             PhaseStatus = "skipped"
)

// PhaseResult records the outcome of one phase.
type PhaseResult struct {
	Name   Phase
	Status PhaseStatus
	Detail string
}

// ExecutionState is the single mutable record of one pipeline run.
// It is created once at process start, mutated only by the
// orchestrator, and frozen once the run reaches a terminal state.
type ExecutionState struct {
	ExecutionID    string
	Phase          Phase
	Status         Status
	CompletedSteps int
	TotalSteps     int
	ErrorCount     int
	WarningCount   int
	StartTime      time.Time

	results  []PhaseResult
	terminal bool
}

// NewExecutionState returns a fresh state in the init phase.
func NewExecutionState() *ExecutionState {
	s := &ExecutionState{
		ExecutionID: uuid.NewString(),
		Phase:       PhaseInit,
		Status:      StatusRunning,
		TotalSteps:  TotalSteps,
		StartTime:   time.Now().UTC(),
	}
	for _, p := range phases {
		s.results = append(s.results, PhaseResult{Name: p, Status: PhasePending})
	}
	return s
}

// EnterPhase marks a phase running and makes it current.
func (s *ExecutionState) EnterPhase(p Phase) error {
	if s.terminal {
		return fmt.Errorf("execution %s is already terminal", s.ExecutionID)
	}
	s.Phase = p
	if r := s.result(p); r != nil {
		r.Status = PhaseRunning
	}
	return nil
}

// FinishPhase records a phase outcome and, for successful or degraded
// outcomes, counts the step. CompletedSteps only increases and never
// exceeds TotalSteps.
func (s *ExecutionState) FinishPhase(p Phase, status PhaseStatus, detail string) error {
	if s.terminal {
		return fmt.Errorf("execution %s is already terminal", s.ExecutionID)
	}
	r := s.result(p)
	if r == nil {
		return fmt.Errorf("unknown phase %q", p)
	}
	r.Status = status
	r.Detail = detail

	switch status {
	case PhaseCompleted, PhaseCompletedWithErrors, PhaseSkipped:
		if s.CompletedSteps < s.TotalSteps {
			s.CompletedSteps++
		}
	}
	if status == PhaseCompletedWithErrors {
		s.ErrorCount++
	}
	return nil
}

// AddWarning bumps the warning counter.
func (s *ExecutionState) AddWarning() {
	if !s.terminal {
		s.WarningCount++
	}
}

// AddError bumps the error counter.
func (s *ExecutionState) AddError() {
	if !s.terminal {
		s.ErrorCount++
	}
}

// Finish moves the state into a terminal phase; it is immutable
// afterwards.
func (s *ExecutionState) Finish(status Status) {
	if s.terminal {
		return
	}
	s.Status = status
	s.Phase = PhaseDone
	s.terminal = true
}

// Results returns a copy of the per-phase results in execution order.
func (s *ExecutionState) Results() []PhaseResult {
	out := make([]PhaseResult, len(s.results))
	copy(out, s.results)
	return out
}

// PhaseStatuses returns phase name to status, for the progress
// document.
func (s *ExecutionState) PhaseStatuses() map[string]string {
	m := make(map[string]string, len(s.results))
	for _, r := range s.results {
		m[string(r.Name)] = string(r.Status)
	}
	return m
}

func (s *ExecutionState) result(p Phase) *PhaseResult {
	for i := range s.results {
		if s.results[i].Name == p {
			return &s.results[i]
		}
	}
	return nil
}

package pipeline

import "testing"

func TestNewExecutionState(t *testing.T) {
	s := NewExecutionState()

	if s.ExecutionID == "" {
		t.Error("ExecutionID not assigned")
	}
	if s.Phase != PhaseInit {
		t.Errorf("Phase = %q; want init", s.Phase)
	}
	if s.Status != StatusRunning {
		t.Errorf("Status = %q; want running", s.Status)
	}
	if s.TotalSteps != TotalSteps {
		t.Errorf("TotalSteps = %d; want %d", s.TotalSteps, TotalSteps)
	}

	statuses := s.PhaseStatuses()
	if len(statuses) != TotalSteps {
		t.Fatalf("PhaseStatuses has %d entries; want %d", len(statuses), TotalSteps)
	}
	for phase, status := range statuses {
		if status != string(PhasePending) {
			t.Errorf("Phase %s starts as %q; want pending", phase, status)
		}
	}
}

func TestPhaseProgression(t *testing.T) {
	s := NewExecutionState()

	if err := s.EnterPhase(PhaseDiscovery); err != nil {
		t.Fatalf("EnterPhase failed: %v", err)
	}
	if s.Phase != PhaseDiscovery {
		t.Errorf("Current phase = %q; want discovery", s.Phase)
	}
	if s.PhaseStatuses()[string(PhaseDiscovery)] != string(PhaseRunning) {
		t.Error("Entered phase not marked running")
	}

	if err := s.FinishPhase(PhaseDiscovery, PhaseCompleted, "2 data stores"); err != nil {
		t.Fatalf("FinishPhase failed: %v", err)
	}
	if s.CompletedSteps != 1 {
		t.Errorf("CompletedSteps = %d; want 1", s.CompletedSteps)
	}

	// Skipped and degraded outcomes still count as steps.
	if err := s.FinishPhase(PhaseBackup, PhaseSkipped, ""); err != nil {
		t.Fatalf("FinishPhase failed: %v", err)
	}
	if err := s.FinishPhase(PhaseDatabase, PhaseCompletedWithErrors, "1/2 stores cleaned"); err != nil {
		t.Fatalf("FinishPhase failed: %v", err)
	}
	if s.CompletedSteps != 3 {
		t.Errorf("CompletedSteps = %d; want 3", s.CompletedSteps)
	}
	if s.ErrorCount != 1 {
		t.Errorf("ErrorCount = %d; want 1", s.ErrorCount)
	}

	// A failed phase does not count.
	if err := s.FinishPhase(PhaseTransform, PhaseFailed, "boom"); err != nil {
		t.Fatalf("FinishPhase failed: %v", err)
	}
	if s.CompletedSteps != 3 {
		t.Errorf("CompletedSteps after failure = %d; want 3", s.CompletedSteps)
	}
}

func TestFinishPhaseUnknown(t *testing.T) {
	s := NewExecutionState()
	if err := s.FinishPhase(Phase("bogus"), PhaseCompleted, ""); err == nil {
		t.Error("Expected error for an unknown phase")
	}
}

func TestTerminalStateIsImmutable(t *testing.T) {
	s := NewExecutionState()
	s.AddWarning()
	s.Finish(StatusCompletedWithWarnings)

	if s.Phase != PhaseDone {
		t.Errorf("Phase = %q; want done", s.Phase)
	}
	if err := s.EnterPhase(PhaseValidation); err == nil {
		t.Error("EnterPhase allowed on a terminal state")
	}
	if err := s.FinishPhase(PhaseValidation, PhaseCompleted, ""); err == nil {
		t.Error("FinishPhase allowed on a terminal state")
	}

	warnings, errs := s.WarningCount, s.ErrorCount
	s.AddWarning()
	s.AddError()
	if s.WarningCount != warnings || s.ErrorCount != errs {
		t.Error("Counters mutated on a terminal state")
	}

	// A second Finish cannot change the terminal status.
	s.Finish(StatusFailed)
	if s.Status != StatusCompletedWithWarnings {
		t.Errorf("Status changed after termination: %q", s.Status)
	}
}

func TestResultsReturnsCopy(t *testing.T) {
	s := NewExecutionState()
	results := s.Results()
	if len(results) != TotalSteps {
		t.Fatalf("Results has %d entries; want %d", len(results), TotalSteps)
	}
	results[0].Status = PhaseFailed
	if s.Results()[0].Status != PhasePending {
		t.Error("Mutating the returned slice changed internal state")
	}
}

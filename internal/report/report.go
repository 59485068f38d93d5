// Package report persists the machine-readable progress document and
// renders the human-readable final report. Documents are write-only
// projections; the pipeline never reads them back.
package report

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"
	"time"
)

const (
	// ProgressFile is rewritten after every phase transition.
	ProgressFile = "progress.json"

	// FinalReportFile holds the human-readable end-of-run summary.
	FinalReportFile = "report.txt"
)

// Progress is the machine-readable progress document.
type Progress struct {
	ExecutionID        string            `json:"execution_id"`
	Timestamp          time.Time         `json:"timestamp"`
	CurrentPhase       string            `json:"current_phase"`
	Status             string            `json:"status"`
	Message            string            `json:"message"`
	CompletedSteps     int               `json:"completed_steps"`
	TotalSteps         int               `json:"total_steps"`
	ProgressPercentage int               `json:"progress_percentage"`
	ErrorsCount        int               `json:"errors_count"`
	WarningsCount      int               `json:"warnings_count"`
	PhaseResults       map[string]string `json:"phase_results"`
}

// AssetLine is one row of the final report's asset inventory.
type AssetLine struct {
	Path         string
	Kind         string
	TargetBefore int
	TargetAfter  int
	Valid        bool
}

// BackupLine is one row of the final report's backup inventory.
type BackupLine struct {
	SourcePath string
	BackupPath string
	SizeBytes  int64
	Verified   bool
}

// PhaseLine is one row of the per-phase status table.
type PhaseLine struct {
	Name   string
	Status string
	Detail string
}

// Final is everything the human-readable report renders.
type Final struct {
	ExecutionID        string
	Status             string
	StartTime          time.Time
	EndTime            time.Time
	DryRun             bool
	Phases             []PhaseLine
	Assets             []AssetLine
	Backups            []BackupLine
	GeneratedIDs       map[string]string
	InsertedIDs        int
	VerifiedIDs        int
	EffectivenessScore int
	Warnings           []string
	Errors             []string
}

// Writer persists documents into a per-execution directory.
type Writer struct {
	Dir string
}

// NewWriter returns a writer rooted at dir, creating it if needed.
func NewWriter(dir string) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create report directory: %w", err)
	}
	return &Writer{Dir: dir}, nil
}

// WriteProgress rewrites the progress document atomically.
func (w *Writer) WriteProgress(p *Progress) error {
	p.Timestamp = time.Now().UTC()
	if p.TotalSteps > 0 {
		p.ProgressPercentage = p.CompletedSteps * 100 / p.TotalSteps
	}

	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal progress: %w", err)
	}

	// Write atomically (write to temp file, then rename)
	path := filepath.Join(w.Dir, ProgressFile)
	tempFile := path + ".tmp"
	if err := os.WriteFile(tempFile, data, 0o644); err != nil {
		return fmt.Errorf("failed to write progress document: %w", err)
	}
	if err := os.Rename(tempFile, path); err != nil {
		return fmt.Errorf("failed to save progress document: %w", err)
	}
	return nil
}

var finalTemplate = template.Must(template.New("final").Parse(`statewipe execution report
==========================

Execution:  {{.ExecutionID}}
Status:     {{.Status}}
Started:    {{.StartTime.Format "2006-01-02 15:04:05 MST"}}
Finished:   {{.EndTime.Format "2006-01-02 15:04:05 MST"}}
Dry run:    {{.DryRun}}
Score:      {{.EffectivenessScore}}/100

Phases
------
{{range .Phases}}  {{printf "%-12s %-22s %s" .Name .Status .Detail}}
{{end}}
Assets
------
{{range .Assets}}  {{printf "%-11s" .Kind}} {{.Path}}{{if eq .Kind "data_store"}} (target records: {{.TargetBefore}} -> {{.TargetAfter}}){{end}}{{if not .Valid}} [invalid]{{end}}
{{end}}
Backups
-------
{{if .Backups}}{{range .Backups}}  {{.SourcePath}} -> {{.BackupPath}} ({{.SizeBytes}} bytes{{if .Verified}}, verified{{else}}, NOT verified{{end}})
{{end}}{{else}}  (none)
{{end}}
Generated identifiers
---------------------
{{range $label, $value := .GeneratedIDs}}  {{$label}}: {{$value}}
{{end}}  inserted {{.InsertedIDs}} identifier rows, verified {{.VerifiedIDs}}

Safety checklist
----------------
  [{{if .Backups}}x{{else}} {{end}}] every mutated store was backed up before its transaction opened
  [x] mutation statements came only from the internal catalog
  [x] no transaction committed after a database-phase failure
  [{{if .Errors}} {{else}}x{{end}}] run completed without errors
{{if .Warnings}}
Warnings
--------
{{range .Warnings}}  - {{.}}
{{end}}{{end}}{{if .Errors}}
Errors
------
{{range .Errors}}  - {{.}}
{{end}}{{end}}`))

// WriteFinal renders and writes the final report.
func (w *Writer) WriteFinal(f *Final) error {
	var sb strings.Builder
	if err := finalTemplate.Execute(&sb, f); err != nil {
		return fmt.Errorf("failed to render final report: %w", err)
	}

	path := filepath.Join(w.Dir, FinalReportFile)
	if err := os.WriteFile(path, []byte(sb.String()), 0o644); err != nil {
		return fmt.Errorf("failed to write final report: %w", err)
	}
	return nil
}

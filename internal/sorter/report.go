package sorter

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

type (
	// Report is the YAML manifest of one run.
	Report struct {
		RunID    string        `yaml:"run_id"`
		Started  time.Time     `yaml:"started"`
		Duration string        `yaml:"duration"`
		Input    string        `yaml:"input"`
		Output   string        `yaml:"output"`
		DryRun   bool          `yaml:"dry_run"`
		Summary  Summary       `yaml:"summary"`
		Images   []ReportEntry `yaml:"images"`
	}

	// ReportEntry is the manifest line of one image.
	ReportEntry struct {
		Image       string  `yaml:"image"`
		Action      string  `yaml:"action"`
		Destination string  `yaml:"destination,omitempty"`
		Backup      string  `yaml:"backup,omitempty"`
		Gender      string  `yaml:"gender,omitempty"`
		Ethnicity   string  `yaml:"ethnicity,omitempty"`
		Age         float64 `yaml:"age,omitempty"`
		Bracket     string  `yaml:"bracket,omitempty"`
		Error       string  `yaml:"error,omitempty"`
	}
)

// NewReport builds the manifest of a finished run.
func NewReport(runID string, started time.Time, opts Options, result Result) Report {
	report := Report{
		RunID:    runID,
		Started:  started.UTC(),
		Duration: time.Since(started).Round(time.Millisecond).String(),
		Input:    opts.InputDir,
		Output:   opts.OutputDir,
		DryRun:   opts.DryRun,
		Summary:  result.Summary,
		Images:   make([]ReportEntry, 0, len(result.Outcomes)),
	}

	for _, o := range result.Outcomes {
		entry := ReportEntry{
			Image:       o.Image,
			Action:      o.Action,
			Destination: o.Destination,
			Backup:      o.Backup,
		}
		if c := o.Classification; c != nil {
			entry.Gender = c.Gender
			entry.Ethnicity = c.Ethnicity
			entry.Age = c.Age
			entry.Bracket = c.Bracket()
		}
		if o.Err != nil {
			entry.Error = o.Err.Error()
		}
		report.Images = append(report.Images, entry)
	}

	return report
}

// WriteFile writes the report as YAML to path, creating parent directories.
func (r Report) WriteFile(path string) error {
	data, err := yaml.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), dirPerm); err != nil {
		return fmt.Errorf("create report dir: %w", err)
	}
	if err := os.WriteFile(path, data, filePerm); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}

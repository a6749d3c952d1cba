package agentjob

import (
	"fmt"
	"os"
	"path/filepath"
)

// exportCSVIfMissing renders job's items to its configured output CSV
// path, skipping the write if a file is already there. The Rust
// source guards the same way (a try_exists check) so a process that
// crashed mid-export and was re-run doesn't clobber a partial or
// already-delivered file.
func exportCSVIfMissing(job Job, store *Store) error {
	if _, err := os.Stat(job.OutputCSVPath); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("agentjob: stat output csv: %w", err)
	}
	return ExportCSV(job, store)
}

// ExportCSV renders job's items unconditionally to its output path.
func ExportCSV(job Job, store *Store) error {
	items := store.ListItems(job.ID, "", 0)
	for i := range items {
		items[i].JobID = job.ID
	}
	content, err := RenderOutputCSV(job.InputHeaders, items)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(job.OutputCSVPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("agentjob: create output dir: %w", err)
		}
	}
	if err := os.WriteFile(job.OutputCSVPath, []byte(content), 0o644); err != nil {
		return fmt.Errorf("agentjob: write output csv: %w", err)
	}
	return nil
}

// DefaultOutputCSVPath mirrors the Rust handler's derived path when the
// caller doesn't supply output_csv_path: "{stem}.agent-job-{first8}.csv"
// next to the input file.
func DefaultOutputCSVPath(inputCSVPath, jobID string) string {
	dir := filepath.Dir(inputCSVPath)
	base := filepath.Base(inputCSVPath)
	ext := filepath.Ext(base)
	stem := base[:len(base)-len(ext)]
	if stem == "" {
		stem = "agent_job_output"
	}
	suffix := jobID
	if len(suffix) > 8 {
		suffix = suffix[:8]
	}
	return filepath.Join(dir, fmt.Sprintf("%s.agent-job-%s.csv", stem, suffix))
}

package runner

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ReportFile is where the latest round summary is written, relative to
// the project root.
const ReportFile = "feedback/last-round.json"

// TaskResult is one task's outcome within a round.
type TaskResult struct {
	TaskID   string `json:"task_id"`
	AgentID  string `json:"agent_id"`
	Session  string `json:"session_state"`
	Verified bool   `json:"verified"`
	Merged   *bool  `json:"merged,omitempty"`
	Final    string `json:"final_status"`
	Reason   string `json:"reason,omitempty"`
}

// RoundReport summarizes one scheduling round for agents and humans.
type RoundReport struct {
	Round      int          `json:"round"`
	Mode       string       `json:"mode"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
	Results    []TaskResult `json:"results"`
	VerifyPass int          `json:"verify_pass"`
	VerifyFail int          `json:"verify_fail"`
	Remaining  int          `json:"remaining"`
}

// Write persists the report to feedback/last-round.json.
func (r *RoundReport) Write(projectDir string) error {
	path := filepath.Join(projectDir, ReportFile)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating feedback dir: %w", err)
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling round report: %w", err)
	}
	data = append(data, '\n')
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing round report: %w", err)
	}
	return nil
}

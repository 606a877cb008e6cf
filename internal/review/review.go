// Package review dispatches a post-round reviewer session. The reviewer
// reads the round's diff and feedback and writes its findings to
// feedback/session-review.md itself; the orchestrator only launches it
// and bounds its runtime. Review failures never fail the round.
package review

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/aristath/forge/internal/backend"
	"github.com/aristath/forge/internal/session"
)

// ReviewFile is where the reviewer writes its findings, relative to the
// project root.
const ReviewFile = "feedback/session-review.md"

// DefaultTimeout bounds the reviewer session.
const DefaultTimeout = 10 * time.Minute

// Dispatcher launches reviewer sessions.
type Dispatcher struct {
	projectDir string
	spawner    *session.Spawner
	timeout    time.Duration
	logger     *slog.Logger
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(projectDir string, spawner *session.Spawner, timeout time.Duration, logger *slog.Logger) *Dispatcher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{projectDir: projectDir, spawner: spawner, timeout: timeout, logger: logger}
}

// Dispatch runs one reviewer session over the round's completed tasks.
// Errors are logged and swallowed: a missing review never blocks
// progress on the task list.
func (d *Dispatcher) Dispatch(ctx context.Context, b backend.Backend, taskIDs []string) {
	if len(taskIDs) == 0 {
		return
	}

	agentID := "reviewer-" + uuid.NewString()[:8]
	outcome, err := d.spawner.Run(ctx, b, session.Request{
		TaskID:  "round-review",
		AgentID: agentID,
		Prompt:  d.prompt(taskIDs),
		WorkDir: d.projectDir,
		Timeout: d.timeout,
	})
	if err != nil {
		d.logger.Warn("review dispatch failed", "error", err)
		return
	}
	if outcome.State != session.StateSuccess {
		d.logger.Warn("review session did not succeed",
			"state", string(outcome.State),
			"exit_code", outcome.ExitCode)
	}
}

func (d *Dispatcher) prompt(taskIDs []string) string {
	return fmt.Sprintf(`You are reviewing work just completed in this repository.

Tasks completed this round: %v

Review the recent commits for correctness, missed edge cases and code
quality. Read feedback/last-verify.json for verification results.
Write your findings to %s. Do not modify any other files.`,
		taskIDs, filepath.ToSlash(ReviewFile))
}

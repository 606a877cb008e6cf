// Package verify runs per-task verification scripts. A script's exit
// code is the only completion signal the orchestrator trusts: agents
// report, verify decides.
package verify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aristath/forge/internal/backend"
	"github.com/aristath/forge/internal/events"
	"github.com/aristath/forge/internal/task"
)

// DefaultTimeout bounds a single verify script run.
const DefaultTimeout = 5 * time.Minute

// ReportFile is where the latest verify report is written, relative to
// the project root.
const ReportFile = "feedback/last-verify.json"

// Result is the outcome of one task's verify script.
type Result struct {
	TaskID   string `json:"task_id"`
	Passed   bool   `json:"passed"`
	ExitCode int    `json:"exit_code"`
	Output   string `json:"output,omitempty"`
}

// Report aggregates one verify run across tasks.
type Report struct {
	Timestamp time.Time `json:"timestamp"`
	Total     int       `json:"total"`
	Pass      int       `json:"pass"`
	Fail      int       `json:"fail"`
	Results   []Result  `json:"results"`
}

// Failures returns the failing results.
func (r *Report) Failures() []Result {
	var out []Result
	for _, res := range r.Results {
		if !res.Passed {
			out = append(out, res)
		}
	}
	return out
}

// Write persists the report to feedback/last-verify.json under the
// project root so agents can read what failed last round.
func (r *Report) Write(projectDir string) error {
	path := filepath.Join(projectDir, ReportFile)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating feedback dir: %w", err)
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling verify report: %w", err)
	}
	data = append(data, '\n')
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing verify report: %w", err)
	}
	return nil
}

// Runner executes verify scripts in the project directory.
type Runner struct {
	projectDir string
	timeout    time.Duration
	bus        *events.Bus
	procs      *backend.ProcessManager
	logger     *slog.Logger
}

// NewRunner creates a Runner. bus and pm may be nil; with a pm, running
// scripts are tracked and killed on shutdown like agent sessions.
func NewRunner(projectDir string, timeout time.Duration, bus *events.Bus, pm *backend.ProcessManager, logger *slog.Logger) *Runner {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{projectDir: projectDir, timeout: timeout, bus: bus, procs: pm, logger: logger}
}

// Verify runs one task's verify script through the shell. A task with
// no verify script fails: unverifiable work is never done.
func (r *Runner) Verify(ctx context.Context, t *task.Task) Result {
	if strings.TrimSpace(t.Verify) == "" {
		return Result{TaskID: t.ID, Passed: false, ExitCode: -1, Output: "no verify script defined"}
	}

	runCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	cmd := backend.NewCommand(runCtx, "bash", "-c", t.Verify)
	cmd.Dir = r.projectDir
	stdout, stderr, err := backend.Execute(runCtx, cmd, r.procs)

	res := Result{TaskID: t.ID, Output: truncate(string(stdout)+string(stderr), 8192)}
	switch {
	case err == nil:
		res.Passed = true
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		res.ExitCode = -1
		res.Output = "verify timed out\n" + res.Output
	default:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		} else {
			res.ExitCode = -1
			res.Output = err.Error()
		}
	}

	if r.bus != nil {
		r.bus.Publish(events.TopicSession, events.VerifyResultEvent{
			ID:        t.ID,
			Passed:    res.Passed,
			ExitCode:  res.ExitCode,
			Timestamp: time.Now(),
		})
	}
	r.logger.Info("verify", "task", t.ID, "passed", res.Passed, "exit_code", res.ExitCode)
	return res
}

// All verifies every done or claimed task concurrently and returns a
// report with results ordered by task ID. Pending and blocked tasks are
// skipped: there is nothing of theirs to check yet.
func (r *Runner) All(ctx context.Context, g *task.Graph) (*Report, error) {
	var targets []*task.Task
	for _, t := range g.Tasks() {
		if t.Status == task.StatusDone || t.Status == task.StatusClaimed {
			targets = append(targets, t)
		}
	}

	var mu sync.Mutex
	results := make([]Result, 0, len(targets))

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(4)
	for _, t := range targets {
		t := t
		eg.Go(func() error {
			res := r.Verify(egCtx, t)
			mu.Lock()
			results = append(results, res)
			mu.Unlock()
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(results, func(i, j int) bool { return results[i].TaskID < results[j].TaskID })

	report := &Report{Timestamp: time.Now(), Total: len(results), Results: results}
	for _, res := range results {
		if res.Passed {
			report.Pass++
		} else {
			report.Fail++
		}
	}
	return report, nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "\n... (truncated)"
}

// Package worktree isolates parallel agent sessions in git worktrees.
// Each claimed task gets its own branch and checkout; after the round's
// sessions finish, branches are merged back sequentially so agents
// never race on the shared work tree.
package worktree

import (
	"bufio"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aristath/forge/internal/events"
)

// BranchPrefix namespaces the per-task branches.
const BranchPrefix = "forge/"

// Assignment binds one claimed task to an isolated worktree.
type Assignment struct {
	Slot     int
	Path     string
	Branch   string
	TaskID   string
	AgentID  string
	Priority int
}

// MergeOutcome reports one branch integration attempt.
type MergeOutcome struct {
	TaskID        string
	Branch        string
	Merged        bool
	ConflictFiles []string
	Err           error
}

// Config configures the worktree manager.
type Config struct {
	RepoPath   string // absolute path to the git repository
	BaseBranch string // branch worktrees fork from and merge into
	Dir        string // worktree directory under the repo, default ".forge/worktrees"
}

// Manager provisions, integrates and disposes worktrees.
type Manager struct {
	cfg     Config
	mergeMu sync.Mutex
	bus     *events.Bus
	logger  *slog.Logger
}

// NewManager creates a Manager. bus may be nil.
func NewManager(cfg Config, bus *events.Bus, logger *slog.Logger) *Manager {
	if cfg.Dir == "" {
		cfg.Dir = filepath.Join(".forge", "worktrees")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{cfg: cfg, bus: bus, logger: logger}
}

func (m *Manager) git(dir string, args ...string) ([]byte, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	output, err := cmd.CombinedOutput()
	if err != nil {
		return output, fmt.Errorf("git %s failed: %w (output: %s)", args[0], err, strings.TrimSpace(string(output)))
	}
	return output, nil
}

// Provision creates a worktree and branch for the task. The branch is
// forked from the base branch, so a session only ever sees work that
// already merged.
func (m *Manager) Provision(slot int, taskID, agentID string, priority int) (*Assignment, error) {
	branch := BranchPrefix + taskID
	path := filepath.Join(m.cfg.RepoPath, m.cfg.Dir, taskID)

	if _, err := m.git(m.cfg.RepoPath, "worktree", "add", "-b", branch, path, m.cfg.BaseBranch); err != nil {
		return nil, fmt.Errorf("provisioning worktree for %s: %w", taskID, err)
	}

	m.logger.Info("worktree provisioned", "task", taskID, "branch", branch, "path", path)
	return &Assignment{
		Slot:     slot,
		Path:     path,
		Branch:   branch,
		TaskID:   taskID,
		AgentID:  agentID,
		Priority: priority,
	}, nil
}

// Integrate merges the round's branches back into the base branch one
// at a time, in priority order (ties by task ID). A conflicted branch
// is skipped and left in place for inspection; the remaining branches
// still merge.
func (m *Manager) Integrate(assignments []*Assignment) []MergeOutcome {
	m.mergeMu.Lock()
	defer m.mergeMu.Unlock()

	ordered := make([]*Assignment, len(assignments))
	copy(ordered, assignments)
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].Priority != ordered[j].Priority {
			return ordered[i].Priority < ordered[j].Priority
		}
		return ordered[i].TaskID < ordered[j].TaskID
	})

	outcomes := make([]MergeOutcome, 0, len(ordered))
	for _, a := range ordered {
		outcome := m.merge(a)
		if m.bus != nil {
			conflict := ""
			if len(outcome.ConflictFiles) > 0 {
				conflict = strings.Join(outcome.ConflictFiles, ", ")
			} else if outcome.Err != nil {
				conflict = outcome.Err.Error()
			}
			m.bus.Publish(events.TopicSession, events.TaskMergedEvent{
				ID:        a.TaskID,
				Branch:    a.Branch,
				Merged:    outcome.Merged,
				Conflict:  conflict,
				Timestamp: time.Now(),
			})
		}
		outcomes = append(outcomes, outcome)
	}
	return outcomes
}

func (m *Manager) merge(a *Assignment) MergeOutcome {
	outcome := MergeOutcome{TaskID: a.TaskID, Branch: a.Branch}

	if _, err := m.git(m.cfg.RepoPath, "checkout", m.cfg.BaseBranch); err != nil {
		outcome.Err = err
		return outcome
	}

	// Dry-run merge first. merge-tree exits nonzero on conflicts and
	// may also exit zero while printing CONFLICT lines.
	detect := exec.Command("git", "merge-tree", "--write-tree", m.cfg.BaseBranch, a.Branch)
	detect.Dir = m.cfg.RepoPath
	detectOut, detectErr := detect.CombinedOutput()
	if detectErr != nil || strings.Contains(string(detectOut), "CONFLICT") {
		outcome.ConflictFiles = parseConflictFiles(string(detectOut))
		outcome.Err = fmt.Errorf("merge conflict on %s", a.Branch)
		m.logger.Warn("merge conflict, branch retained",
			"task", a.TaskID,
			"branch", a.Branch,
			"files", strings.Join(outcome.ConflictFiles, ","))
		return outcome
	}

	if _, err := m.git(m.cfg.RepoPath, "merge", "--no-ff", "--no-edit", a.Branch); err != nil {
		// The preflight can miss; make sure a half-applied merge never
		// leaks into the base branch.
		m.git(m.cfg.RepoPath, "merge", "--abort")
		outcome.Err = err
		return outcome
	}

	outcome.Merged = true
	m.logger.Info("worktree merged", "task", a.TaskID, "branch", a.Branch)
	return outcome
}

// Dispose removes the worktree. The branch is deleted only when it
// merged; a conflicted branch stays so its work is recoverable.
func (m *Manager) Dispose(a *Assignment, merged bool) error {
	var errs []string

	if _, err := m.git(m.cfg.RepoPath, "worktree", "remove", a.Path); err != nil {
		if _, ferr := m.git(m.cfg.RepoPath, "worktree", "remove", "--force", a.Path); ferr != nil {
			errs = append(errs, fmt.Sprintf("worktree remove: %v", ferr))
		}
	}

	if merged {
		if _, err := m.git(m.cfg.RepoPath, "branch", "-d", a.Branch); err != nil {
			if _, ferr := m.git(m.cfg.RepoPath, "branch", "-D", a.Branch); ferr != nil {
				errs = append(errs, fmt.Sprintf("branch delete: %v", ferr))
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("dispose %s: %s", a.TaskID, strings.Join(errs, "; "))
	}
	return nil
}

// Prune cleans up stale worktree metadata from crashed runs.
func (m *Manager) Prune() error {
	if _, err := m.git(m.cfg.RepoPath, "worktree", "prune"); err != nil {
		return err
	}
	return nil
}

// parseConflictFiles extracts conflicting paths from merge-tree output
// lines like "CONFLICT (content): Merge conflict in <file>".
func parseConflictFiles(output string) []string {
	var conflicts []string
	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := scanner.Text()
		if strings.Contains(line, "CONFLICT") && strings.Contains(line, "in ") {
			parts := strings.Split(line, "in ")
			conflicts = append(conflicts, strings.TrimSpace(parts[len(parts)-1]))
		}
	}
	return conflicts
}

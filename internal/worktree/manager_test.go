package worktree

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

// setupRepo creates a git repository with one commit on main. Like a
// scaffolded project, .forge/ is ignored so worktrees under it never
// show up as untracked files.
func setupRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	for _, args := range [][]string{
		{"init", "-b", "main"},
		{"config", "user.name", "Test User"},
		{"config", "user.email", "test@example.com"},
	} {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		if output, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v failed: %v (output: %s)", args, err, string(output))
		}
	}
	if err := os.WriteFile(filepath.Join(dir, ".gitignore"), []byte(".forge/\n"), 0o644); err != nil {
		t.Fatalf("writing .gitignore: %v", err)
	}
	writeAndCommit(t, dir, "README.md", "# test\n", "initial")
	return dir
}

func writeAndCommit(t *testing.T, dir, name, content, message string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("writing %s: %v", name, err)
	}
	for _, args := range [][]string{{"add", "-A"}, {"commit", "-m", message}} {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		if output, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v failed: %v (output: %s)", args, err, string(output))
		}
	}
}

func newTestManager(repo string) *Manager {
	return NewManager(Config{RepoPath: repo, BaseBranch: "main"}, nil, nil)
}

func TestProvisionCreatesWorktreeAndBranch(t *testing.T) {
	repo := setupRepo(t)
	m := newTestManager(repo)

	a, err := m.Provision(0, "t1", "agent-1", 1)
	if err != nil {
		t.Fatalf("Provision failed: %v", err)
	}
	if a.Branch != BranchPrefix+"t1" {
		t.Errorf("expected branch %s, got %s", BranchPrefix+"t1", a.Branch)
	}
	if _, err := os.Stat(a.Path); err != nil {
		t.Errorf("worktree path missing: %v", err)
	}

	// Worktrees use a gitfile, not a .git directory.
	if stat, err := os.Stat(filepath.Join(a.Path, ".git")); err != nil || stat.IsDir() {
		t.Error("expected a .git file in the worktree")
	}
}

func TestIntegrateMergesCleanBranches(t *testing.T) {
	repo := setupRepo(t)
	m := newTestManager(repo)

	a1, err := m.Provision(0, "t1", "agent-1", 1)
	if err != nil {
		t.Fatalf("Provision t1 failed: %v", err)
	}
	a2, err := m.Provision(1, "t2", "agent-2", 2)
	if err != nil {
		t.Fatalf("Provision t2 failed: %v", err)
	}

	// Disjoint files merge cleanly.
	writeAndCommit(t, a1.Path, "one.txt", "from t1\n", "t1 work")
	writeAndCommit(t, a2.Path, "two.txt", "from t2\n", "t2 work")

	outcomes := m.Integrate([]*Assignment{a2, a1})
	if len(outcomes) != 2 {
		t.Fatalf("expected 2 outcomes, got %d", len(outcomes))
	}
	// Priority order: t1 (prio 1) merges before t2 (prio 2).
	if outcomes[0].TaskID != "t1" || outcomes[1].TaskID != "t2" {
		t.Errorf("merge order wrong: %s then %s", outcomes[0].TaskID, outcomes[1].TaskID)
	}
	for _, o := range outcomes {
		if !o.Merged {
			t.Errorf("expected %s merged, got error %v", o.TaskID, o.Err)
		}
	}

	for _, name := range []string{"one.txt", "two.txt"} {
		if _, err := os.Stat(filepath.Join(repo, name)); err != nil {
			t.Errorf("%s missing from base branch after merge", name)
		}
	}

	for _, a := range []*Assignment{a1, a2} {
		if err := m.Dispose(a, true); err != nil {
			t.Errorf("Dispose failed: %v", err)
		}
	}
}

func TestIntegrateConflictRetainsBranch(t *testing.T) {
	repo := setupRepo(t)
	m := newTestManager(repo)

	a1, err := m.Provision(0, "t1", "agent-1", 1)
	if err != nil {
		t.Fatalf("Provision t1 failed: %v", err)
	}
	a2, err := m.Provision(1, "t2", "agent-2", 2)
	if err != nil {
		t.Fatalf("Provision t2 failed: %v", err)
	}

	// Both branches rewrite the same file: first merges, second conflicts.
	writeAndCommit(t, a1.Path, "shared.txt", "version from t1\n", "t1 work")
	writeAndCommit(t, a2.Path, "shared.txt", "version from t2\n", "t2 work")

	outcomes := m.Integrate([]*Assignment{a1, a2})
	if !outcomes[0].Merged {
		t.Fatalf("first branch should merge: %v", outcomes[0].Err)
	}
	if outcomes[1].Merged {
		t.Fatal("second branch should conflict")
	}
	if len(outcomes[1].ConflictFiles) == 0 || outcomes[1].ConflictFiles[0] != "shared.txt" {
		t.Errorf("expected shared.txt in conflict files, got %v", outcomes[1].ConflictFiles)
	}

	// The base branch must be clean (no half-applied merge).
	status := exec.Command("git", "status", "--porcelain")
	status.Dir = repo
	out, err := status.CombinedOutput()
	if err != nil {
		t.Fatalf("git status failed: %v", err)
	}
	if len(out) != 0 {
		t.Errorf("base branch dirty after conflict: %s", string(out))
	}

	// Disposing the conflicted assignment keeps its branch.
	if err := m.Dispose(a2, false); err != nil {
		t.Errorf("Dispose failed: %v", err)
	}
	check := exec.Command("git", "rev-parse", "--verify", a2.Branch)
	check.Dir = repo
	if err := check.Run(); err != nil {
		t.Error("conflicted branch was deleted; it must be retained for inspection")
	}
}

func TestDisposeDeletesMergedBranch(t *testing.T) {
	repo := setupRepo(t)
	m := newTestManager(repo)

	a, err := m.Provision(0, "t1", "agent-1", 1)
	if err != nil {
		t.Fatalf("Provision failed: %v", err)
	}
	writeAndCommit(t, a.Path, "one.txt", "x\n", "t1 work")

	outcomes := m.Integrate([]*Assignment{a})
	if !outcomes[0].Merged {
		t.Fatalf("merge failed: %v", outcomes[0].Err)
	}
	if err := m.Dispose(a, true); err != nil {
		t.Fatalf("Dispose failed: %v", err)
	}

	check := exec.Command("git", "rev-parse", "--verify", a.Branch)
	check.Dir = repo
	if err := check.Run(); err == nil {
		t.Error("merged branch should be deleted after dispose")
	}
	if _, err := os.Stat(a.Path); !os.IsNotExist(err) {
		t.Error("worktree directory should be removed")
	}
}

// Package gitx wraps the git CLI calls the orchestrator depends on.
// It deliberately shells out instead of using a pure-Go implementation:
// worktrees, rebase-autostash pulls and merge --abort must behave exactly
// like the user's own git.
package gitx

import (
	"fmt"
	"os/exec"
	"strings"
)

// run executes a git subcommand in dir and returns its combined output.
func run(dir string, args ...string) ([]byte, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	output, err := cmd.CombinedOutput()
	if err != nil {
		return output, fmt.Errorf("git %s failed: %w (output: %s)", args[0], err, strings.TrimSpace(string(output)))
	}
	return output, nil
}

// IsRepo reports whether dir is inside a git work tree.
func IsRepo(dir string) bool {
	cmd := exec.Command("git", "rev-parse", "--is-inside-work-tree")
	cmd.Dir = dir
	return cmd.Run() == nil
}

// HasRemote reports whether the repo has at least one remote configured.
func HasRemote(dir string) bool {
	cmd := exec.Command("git", "remote")
	cmd.Dir = dir
	output, err := cmd.Output()
	return err == nil && len(strings.TrimSpace(string(output))) > 0
}

// Pull runs pull --rebase --autostash. No-op without a remote.
func Pull(dir string) error {
	if !HasRemote(dir) {
		return nil
	}
	_, err := run(dir, "pull", "--rebase", "--autostash")
	return err
}

// AddCommit stages everything and commits. Returns false if there was
// nothing to commit.
func AddCommit(dir, message string) (bool, error) {
	if _, err := run(dir, "add", "-A"); err != nil {
		return false, err
	}

	// diff --cached --quiet exits 0 when nothing is staged.
	check := exec.Command("git", "diff", "--cached", "--quiet")
	check.Dir = dir
	if check.Run() == nil {
		return false, nil
	}

	if _, err := run(dir, "commit", "-m", message); err != nil {
		return false, err
	}
	return true, nil
}

// Push publishes local commits. Returns false (without error) when the
// remote rejected the push, which is the optimistic-concurrency signal
// that another writer published first. No-op without a remote.
func Push(dir string) (bool, error) {
	if !HasRemote(dir) {
		return true, nil
	}
	cmd := exec.Command("git", "push")
	cmd.Dir = dir
	if err := cmd.Run(); err != nil {
		if _, ok := err.(*exec.ExitError); ok {
			return false, nil
		}
		return false, fmt.Errorf("git push failed: %w", err)
	}
	return true, nil
}

// ResetHard discards local history back to the given revision.
func ResetHard(dir, rev string) error {
	_, err := run(dir, "reset", "--hard", rev)
	return err
}

// Head returns the current HEAD commit hash.
func Head(dir string) (string, error) {
	output, err := run(dir, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(output)), nil
}

// Checkout switches the work tree to the given branch.
func Checkout(dir, branch string) error {
	_, err := run(dir, "checkout", branch)
	return err
}

// CurrentBranch returns the checked-out branch name.
func CurrentBranch(dir string) (string, error) {
	output, err := run(dir, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(output)), nil
}

package runner

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aristath/forge/internal/config"
	"github.com/aristath/forge/internal/task"
)

// buildPrompt assembles the one-shot instruction for an agent session.
// Task state is the orchestrator's job: the prompt tells agents to
// implement and commit, never to edit tasks.json.
func buildPrompt(projectDir string, cfg *config.Config, t *task.Task) string {
	var b strings.Builder

	if cfg.Project.Name != "" {
		fmt.Fprintf(&b, "Project: %s\n", cfg.Project.Name)
	}
	if cfg.Project.Stack != "" {
		fmt.Fprintf(&b, "Stack: %s\n", cfg.Project.Stack)
	}

	fmt.Fprintf(&b, "\nTask %s (%s, scope %s):\n%s\n", t.ID, t.Kind, t.Scope, t.Description)

	if desc, ok := cfg.Scopes[t.Scope]; ok {
		fmt.Fprintf(&b, "\nScope notes: %s\n", desc)
	}
	if ctx := scopeContext(projectDir, t); ctx != "" {
		fmt.Fprintf(&b, "\nContext:\n%s\n", ctx)
	}
	if t.Attempts > 0 {
		fmt.Fprintf(&b, "\nThis task failed verification before (attempt %d). Read feedback/last-verify.json for what went wrong and fix it.\n", t.Attempts+1)
	}

	fmt.Fprintf(&b, "\nYour work is accepted only when this command exits 0:\n  %s\n", t.Verify)
	b.WriteString(`
Rules:
- Implement the task completely, then commit your changes with git.
- Run the verify command yourself before finishing.
- Do not edit tasks.json; task state is managed for you.
- If you are blocked, explain why in your final output and exit nonzero.
`)
	return b.String()
}

// scopeContext loads context/packages/<scope>.md, falling back to the
// task ID, when the project carries per-scope briefs.
func scopeContext(projectDir string, t *task.Task) string {
	for _, name := range []string{t.Scope, t.ID} {
		if name == "" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(projectDir, "context", "packages", name+".md"))
		if err == nil {
			return strings.TrimSpace(string(data))
		}
	}
	return ""
}

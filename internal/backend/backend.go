// Package backend adapts coding-agent CLIs to a common one-shot
// invocation contract. A backend never interprets the agent's work; it
// only knows how to build a headless "run once and exit" command line.
package backend

// Backend builds argv for a non-interactive agent invocation. One
// implementation exists per backend kind, selected by configuration.
type Backend interface {
	// Command returns the executable name and arguments for a single
	// headless session with the given prompt.
	Command(prompt string) (name string, args []string)

	// Type identifies the backend kind (used for circuit breaking).
	Type() string
}

// New selects a backend adapter by type. Unknown types fall through to
// the generic adapter, which treats the type as the executable itself —
// this is also what makes the spawner testable with plain shell tools.
func New(backendType, model string) Backend {
	switch backendType {
	case "claude":
		return &ClaudeBackend{Model: model}
	case "codex":
		return &CodexBackend{Model: model}
	default:
		return &GenericBackend{Executable: backendType}
	}
}

// ClaudeBackend invokes the Claude Code CLI in headless print mode.
type ClaudeBackend struct {
	Model string
}

func (b *ClaudeBackend) Command(prompt string) (string, []string) {
	args := []string{"--print"}
	if b.Model != "" {
		args = append(args, "--model", b.Model)
	}
	args = append(args, "--dangerously-skip-permissions", prompt)
	return "claude", args
}

func (b *ClaudeBackend) Type() string { return "claude" }

// CodexBackend invokes the Codex CLI in exec (full-auto) mode.
type CodexBackend struct {
	Model string
}

func (b *CodexBackend) Command(prompt string) (string, []string) {
	args := []string{"exec"}
	if b.Model != "" {
		args = append(args, "--model", b.Model)
	}
	args = append(args, "--full-auto", prompt)
	return "codex", args
}

func (b *CodexBackend) Type() string { return "codex" }

// GenericBackend runs an arbitrary executable with the prompt as its
// only argument.
type GenericBackend struct {
	Executable string
}

func (b *GenericBackend) Command(prompt string) (string, []string) {
	return b.Executable, []string{prompt}
}

func (b *GenericBackend) Type() string { return b.Executable }

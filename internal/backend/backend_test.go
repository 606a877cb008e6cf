package backend

import (
	"strings"
	"testing"
)

func TestNewSelectsAdapter(t *testing.T) {
	tests := []struct {
		backendType string
		wantType    string
		wantName    string
	}{
		{"claude", "claude", "claude"},
		{"codex", "codex", "codex"},
		{"/bin/true", "/bin/true", "/bin/true"},
	}

	for _, tt := range tests {
		t.Run(tt.backendType, func(t *testing.T) {
			b := New(tt.backendType, "")
			if b.Type() != tt.wantType {
				t.Errorf("expected type %q, got %q", tt.wantType, b.Type())
			}
			name, _ := b.Command("do something")
			if name != tt.wantName {
				t.Errorf("expected executable %q, got %q", tt.wantName, name)
			}
		})
	}
}

func TestClaudeCommand(t *testing.T) {
	b := New("claude", "opus")
	name, args := b.Command("implement the parser")
	if name != "claude" {
		t.Errorf("expected claude, got %s", name)
	}
	joined := strings.Join(args, " ")
	for _, want := range []string{"--print", "--model opus", "--dangerously-skip-permissions"} {
		if !strings.Contains(joined, want) {
			t.Errorf("expected args to contain %q, got %q", want, joined)
		}
	}
	if args[len(args)-1] != "implement the parser" {
		t.Errorf("prompt must be the final argument, got %q", args[len(args)-1])
	}
}

func TestCodexCommandWithoutModel(t *testing.T) {
	b := New("codex", "")
	_, args := b.Command("fix the tests")
	joined := strings.Join(args, " ")
	if strings.Contains(joined, "--model") {
		t.Errorf("empty model must not emit --model, got %q", joined)
	}
	if args[0] != "exec" {
		t.Errorf("expected exec subcommand first, got %q", args[0])
	}
	if !strings.Contains(joined, "--full-auto") {
		t.Errorf("expected --full-auto, got %q", joined)
	}
}

func TestGenericCommand(t *testing.T) {
	b := New("my-agent", "ignored")
	name, args := b.Command("prompt text")
	if name != "my-agent" {
		t.Errorf("expected my-agent, got %s", name)
	}
	if len(args) != 1 || args[0] != "prompt text" {
		t.Errorf("expected prompt as the only argument, got %v", args)
	}
}

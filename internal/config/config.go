// Package config loads the project's forge.toml. Configuration sits
// next to tasks.json at the project root so it travels with the repo.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// FileName is the project config file at the project root.
const FileName = "forge.toml"

// RoleSpec binds one agent role to a backend and model.
type RoleSpec struct {
	Backend string `toml:"backend"`
	Model   string `toml:"model,omitempty"`
}

// Project describes what is being built, for prompt context.
type Project struct {
	Name  string `toml:"name"`
	Stack string `toml:"stack,omitempty"`
}

// Roles maps agent roles to backends. Executor runs implement and poc
// tasks; Reviewer runs review tasks and the post-round review pass.
type Roles struct {
	Executor RoleSpec `toml:"executor"`
	Reviewer RoleSpec `toml:"reviewer"`
}

// Forge holds the orchestration knobs.
type Forge struct {
	MaxAgents      int      `toml:"max_agents"`
	MaxRounds      int      `toml:"max_rounds"`
	AttemptLimit   int      `toml:"attempt_limit"`
	SessionTimeout duration `toml:"session_timeout"`
	VerifyTimeout  duration `toml:"verify_timeout"`
	// BaseBranch is where worktree branches fork from and merge back
	// into. Empty means the currently checked-out branch.
	BaseBranch string `toml:"base_branch,omitempty"`
	Roles      Roles  `toml:"roles"`
}

// Config is the top-level forge.toml structure.
type Config struct {
	Project Project           `toml:"project"`
	Forge   Forge             `toml:"forge"`
	Scopes  map[string]string `toml:"scopes,omitempty"`
}

// duration lets forge.toml use "30m" style values.
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Default returns the configuration used when forge.toml is absent.
func Default() *Config {
	return &Config{
		Forge: Forge{
			MaxAgents:      1,
			MaxRounds:      50,
			AttemptLimit:   3,
			SessionTimeout: duration{30 * time.Minute},
			VerifyTimeout:  duration{5 * time.Minute},
			Roles: Roles{
				Executor: RoleSpec{Backend: "claude"},
				Reviewer: RoleSpec{Backend: "claude"},
			},
		},
	}
}

// Load reads forge.toml from the project directory, filling defaults
// for anything the file leaves out. A missing file yields the defaults.
func Load(projectDir string) (*Config, error) {
	cfg := Default()

	path := filepath.Join(projectDir, FileName)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", FileName, err)
	}

	if cfg.Forge.MaxAgents < 1 {
		cfg.Forge.MaxAgents = 1
	}
	if cfg.Forge.AttemptLimit < 1 {
		cfg.Forge.AttemptLimit = 3
	}
	if cfg.Forge.SessionTimeout.Duration <= 0 {
		cfg.Forge.SessionTimeout = duration{30 * time.Minute}
	}
	if cfg.Forge.VerifyTimeout.Duration <= 0 {
		cfg.Forge.VerifyTimeout = duration{5 * time.Minute}
	}
	if cfg.Forge.Roles.Executor.Backend == "" {
		cfg.Forge.Roles.Executor.Backend = "claude"
	}
	// Defaults pre-fill the struct before decoding, so an unset reviewer
	// is detected through the decode metadata, not an empty field.
	if !md.IsDefined("forge", "roles", "reviewer", "backend") {
		cfg.Forge.Roles.Reviewer = cfg.Forge.Roles.Executor
	}
	return cfg, nil
}

// SessionTimeout returns the session deadline as a plain duration.
func (c *Config) SessionTimeout() time.Duration { return c.Forge.SessionTimeout.Duration }

// VerifyTimeout returns the verify deadline as a plain duration.
func (c *Config) VerifyTimeout() time.Duration { return c.Forge.VerifyTimeout.Duration }

// Save writes the configuration to forge.toml in the project directory.
func Save(projectDir string, cfg *Config) error {
	path := filepath.Join(projectDir, FileName)
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", FileName, err)
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return fmt.Errorf("encoding %s: %w", FileName, err)
	}
	return nil
}

// Scaffold writes the starter layout for a new project: forge.toml,
// an empty task list, and the context and feedback directories agents
// read from and write to.
func Scaffold(projectDir, projectName string) error {
	cfg := Default()
	cfg.Project.Name = projectName

	if _, err := os.Stat(filepath.Join(projectDir, FileName)); err == nil {
		return fmt.Errorf("%s already exists", FileName)
	}
	if err := Save(projectDir, cfg); err != nil {
		return err
	}

	tasksPath := filepath.Join(projectDir, "tasks.json")
	if _, err := os.Stat(tasksPath); os.IsNotExist(err) {
		if err := os.WriteFile(tasksPath, []byte("{\n  \"tasks\": []\n}\n"), 0o644); err != nil {
			return fmt.Errorf("writing tasks.json: %w", err)
		}
	}

	for _, dir := range []string{"context/packages", "feedback", filepath.Join(".forge", "logs")} {
		if err := os.MkdirAll(filepath.Join(projectDir, dir), 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}

	// Logs, history and worktrees must never ride along on claim commits.
	ignorePath := filepath.Join(projectDir, ".gitignore")
	if _, err := os.Stat(ignorePath); os.IsNotExist(err) {
		if err := os.WriteFile(ignorePath, []byte(".forge/\n"), 0o644); err != nil {
			return fmt.Errorf("writing .gitignore: %w", err)
		}
	}
	return nil
}

package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/aristath/forge/internal/backend"
	"github.com/aristath/forge/internal/config"
	"github.com/aristath/forge/internal/events"
	"github.com/aristath/forge/internal/persistence"
	"github.com/aristath/forge/internal/runner"
	"github.com/aristath/forge/internal/task"
	"github.com/aristath/forge/internal/tui"
	"github.com/aristath/forge/internal/verify"
)

var projectDir string

func main() {
	root := &cobra.Command{
		Use:           "forge",
		Short:         "Autonomous coding agent orchestrator",
		Long:          "forge drives coding agents through a dependency-ordered task list.\nTasks are done only when their verify command exits 0.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&projectDir, "project", "p", ".", "project directory")

	root.AddCommand(
		newRunCmd(),
		newVerifyCmd(),
		newStatusCmd(),
		newStopCmd(),
		newLogsCmd(),
		newInitCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// resolveProject turns --project into an absolute path.
func resolveProject() (string, error) {
	abs, err := filepath.Abs(projectDir)
	if err != nil {
		return "", fmt.Errorf("resolving project dir: %w", err)
	}
	return abs, nil
}

// setupLogger writes structured JSON logs to .forge/logs/forge.log.
// In quiet mode (the TUI owns the terminal) logs go only to the file.
func setupLogger(dir string, quiet bool) (*slog.Logger, func(), error) {
	logDir := filepath.Join(dir, ".forge", "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("creating log dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(logDir, "forge.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("opening log file: %w", err)
	}

	var w io.Writer = f
	if !quiet {
		w = io.MultiWriter(os.Stderr, f)
	}
	logger := slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: slog.LevelInfo}))
	return logger, func() { f.Close() }, nil
}

func newRunCmd() *cobra.Command {
	var (
		agents      int
		maxRounds   int
		backendName string
		model       string
		watch       bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the control loop until the task list is done",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := resolveProject()
			if err != nil {
				return err
			}

			logger, closeLog, err := setupLogger(dir, watch)
			if err != nil {
				return err
			}
			defer closeLog()

			cfg, err := config.Load(dir)
			if err != nil {
				return err
			}
			if err := runner.ClearStop(dir); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			pm := backend.NewProcessManager()
			go func() {
				<-ctx.Done()
				if err := pm.KillAll(); err != nil {
					logger.Warn("killing subprocesses failed", "error", err)
				}
			}()

			bus := events.NewBus()
			store, err := persistence.Open(ctx, filepath.Join(dir, persistence.DefaultPath))
			if err != nil {
				logger.Warn("history store unavailable", "error", err)
			} else {
				defer store.Close()
			}

			sched := runner.NewScheduler(dir, cfg, runner.Options{
				Agents:    agents,
				MaxRounds: maxRounds,
				Backend:   backendName,
				Model:     model,
				Bus:       bus,
				Store:     store,
				ProcMgr:   pm,
				Logger:    logger,
			})

			var outcome *runner.Outcome
			if watch {
				p := tea.NewProgram(tui.New(bus), tea.WithAltScreen())
				done := make(chan struct{})
				go func() {
					outcome = sched.Run(ctx)
					bus.Close()
					close(done)
				}()
				if _, err := p.Run(); err != nil {
					logger.Warn("dashboard exited with error", "error", err)
				}
				stop() // a TUI quit also stops the scheduler
				<-done
			} else {
				outcome = sched.Run(ctx)
				bus.Close()
			}

			fmt.Printf("forge finished: %s after %d round(s), %d task(s) remaining\n",
				outcome.Reason, outcome.Rounds, outcome.Remaining)
			if outcome.Err != nil {
				return outcome.Err
			}
			if outcome.Reason == runner.ReasonStalled {
				return fmt.Errorf("%d tasks remain but none are eligible (blocked dependencies?)", outcome.Remaining)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&agents, "agents", 0, "parallel agent sessions per round (default from forge.toml)")
	cmd.Flags().IntVar(&maxRounds, "max-rounds", 0, "round budget (default from forge.toml)")
	cmd.Flags().StringVar(&backendName, "backend", "", "backend override for all roles (claude, codex, ...)")
	cmd.Flags().StringVar(&model, "model", "", "model override, used with --backend")
	cmd.Flags().BoolVar(&watch, "watch", false, "show the live dashboard")
	return cmd
}

func newVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Run verify scripts for all done and claimed tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := resolveProject()
			if err != nil {
				return err
			}
			logger, closeLog, err := setupLogger(dir, true)
			if err != nil {
				return err
			}
			defer closeLog()

			cfg, err := config.Load(dir)
			if err != nil {
				return err
			}
			g, err := task.Load(dir)
			if err != nil {
				return err
			}

			v := verify.NewRunner(dir, cfg.VerifyTimeout(), nil, nil, logger)
			report, err := v.All(cmd.Context(), g)
			if err != nil {
				return err
			}
			if err := report.Write(dir); err != nil {
				return err
			}

			for _, res := range report.Results {
				verdict := "PASS"
				if !res.Passed {
					verdict = fmt.Sprintf("FAIL (exit %d)", res.ExitCode)
				}
				fmt.Printf("%-30s %s\n", res.TaskID, verdict)
			}
			fmt.Printf("\n%d passed, %d failed of %d\n", report.Pass, report.Fail, report.Total)

			// A done task that no longer verifies is reopened.
			reopened := false
			for _, res := range report.Results {
				if res.Passed {
					continue
				}
				if t, ok := g.Get(res.TaskID); ok && t.Status == task.StatusDone {
					if _, err := g.Reopen(res.TaskID); err != nil {
						return err
					}
					fmt.Printf("reopened %s: verification regressed\n", res.TaskID)
					reopened = true
				}
			}
			if reopened {
				if err := task.Save(dir, g); err != nil {
					return err
				}
			}

			if report.Fail > 0 {
				return fmt.Errorf("%d verification(s) failed", report.Fail)
			}
			return nil
		},
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the task list and run history",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := resolveProject()
			if err != nil {
				return err
			}
			g, err := task.Load(dir)
			if err != nil {
				return err
			}

			for _, t := range g.Tasks() {
				line := fmt.Sprintf("%-30s %-8s prio %d", t.ID, t.Status, t.Priority)
				switch {
				case t.Status == task.StatusClaimed:
					line += "  by " + t.ClaimedBy
				case t.Status == task.StatusBlocked:
					line += "  (" + t.BlockedReason + ")"
				case t.Attempts > 0:
					line += fmt.Sprintf("  attempts %d", t.Attempts)
				}
				fmt.Println(line)
			}
			c := g.Counts()
			fmt.Printf("\n%d total: %d done, %d pending, %d claimed, %d blocked\n",
				c.Total, c.Done, c.Pending, c.Claimed, c.Blocked)

			dbPath := filepath.Join(dir, persistence.DefaultPath)
			if _, err := os.Stat(dbPath); err == nil {
				store, err := persistence.Open(cmd.Context(), dbPath)
				if err == nil {
					defer store.Close()
					if sum, err := store.Summarize(cmd.Context()); err == nil && sum.Rounds > 0 {
						fmt.Printf("history: %d rounds, %d sessions (%d ok), verify %d pass / %d fail, last run %s\n",
							sum.Rounds, sum.Sessions, sum.SessionsOK,
							sum.VerifyPassed, sum.VerifyFailed,
							sum.LastRoundTime.Format(time.RFC3339))
					}
				}
			}
			return nil
		},
	}
}

func newStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Ask a running forge to finish its round and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := resolveProject()
			if err != nil {
				return err
			}
			if err := runner.RequestStop(dir); err != nil {
				return err
			}
			fmt.Println("stop requested; the current round will finish first")
			return nil
		},
	}
}

func newLogsCmd() *cobra.Command {
	var (
		agent string
		tail  int
	)
	cmd := &cobra.Command{
		Use:   "logs [agent]",
		Short: "Show orchestrator or per-agent logs",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := resolveProject()
			if err != nil {
				return err
			}
			if len(args) > 0 {
				agent = args[0]
			}
			name := "forge.log"
			if agent != "" {
				name = agent + ".log"
			}
			path := filepath.Join(dir, ".forge", "logs", name)
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("reading %s: %w", name, err)
			}
			lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
			if tail > 0 && len(lines) > tail {
				lines = lines[len(lines)-tail:]
			}
			for _, line := range lines {
				fmt.Println(line)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&agent, "agent", "", "show a specific agent's log")
	cmd.Flags().IntVar(&tail, "tail", 0, "show only the last N lines")
	return cmd
}

func newInitCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "init [name]",
		Short: "Scaffold forge.toml, tasks.json and the project directories",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := resolveProject()
			if err != nil {
				return err
			}
			if len(args) > 0 {
				name = args[0]
			}
			if name == "" {
				name = filepath.Base(dir)
			}
			if err := config.Scaffold(dir, name); err != nil {
				return err
			}
			fmt.Printf("initialized forge project %q in %s\n", name, dir)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "project name (defaults to the directory name)")
	return cmd
}

// Package session spawns one agent subprocess per claimed task and
// reports how it exited. A session's exit status is advisory only; task
// completion is decided by the verify script, never by the agent.
package session

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/aristath/forge/internal/backend"
	"github.com/aristath/forge/internal/events"
)

// State classifies how a session ended.
type State string

const (
	StateSuccess State = "success" // exit code 0
	StateFailed  State = "failed"  // nonzero exit code
	StateTimeout State = "timeout" // killed at the session deadline
	StateCrashed State = "crashed" // terminated by a signal
)

// Outcome describes a finished session.
type Outcome struct {
	TaskID   string
	AgentID  string
	State    State
	ExitCode int
	LogPath  string
	Duration time.Duration
}

// Request describes one session to run.
type Request struct {
	TaskID  string
	AgentID string
	Prompt  string
	WorkDir string
	Timeout time.Duration
}

// Spawner runs agent sessions and streams their output to per-agent
// log files and the event bus.
type Spawner struct {
	logDir   string
	bus      *events.Bus
	breakers *backend.BreakerRegistry
	procMgr  *backend.ProcessManager
	logger   *slog.Logger
}

// NewSpawner creates a Spawner. bus, breakers and procMgr may be nil.
func NewSpawner(logDir string, bus *events.Bus, breakers *backend.BreakerRegistry, procMgr *backend.ProcessManager, logger *slog.Logger) *Spawner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Spawner{
		logDir:   logDir,
		bus:      bus,
		breakers: breakers,
		procMgr:  procMgr,
		logger:   logger,
	}
}

// Run executes one agent session to completion. The returned error is
// non-nil only when the session could not be started at all (missing
// executable, open circuit breaker); an agent that ran and exited
// nonzero is a valid Outcome, not an error.
func (s *Spawner) Run(ctx context.Context, b backend.Backend, req Request) (*Outcome, error) {
	if s.breakers != nil && !s.breakers.Healthy(b.Type()) {
		return nil, fmt.Errorf("%w: %s", backend.ErrBackendUnavailable, b.Type())
	}

	sessionCtx := ctx
	var cancel context.CancelFunc
	if req.Timeout > 0 {
		sessionCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	name, args := b.Command(req.Prompt)
	cmd := backend.NewCommand(sessionCtx, name, args...)
	cmd.Dir = req.WorkDir
	cmd.Env = append(os.Environ(),
		"FORGE_AGENT_ID="+req.AgentID,
		"FORGE_TASK_ID="+req.TaskID,
	)

	logPath, logFile, err := s.openLog(req.AgentID)
	if err != nil {
		return nil, err
	}
	defer logFile.Close()

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	cmd.Stderr = logFile

	start := time.Now()
	spawnErr := s.execute(b.Type(), func() error {
		if err := cmd.Start(); err != nil {
			return fmt.Errorf("failed to start %s: %w", name, err)
		}
		return nil
	})
	if spawnErr != nil {
		return nil, spawnErr
	}
	if s.procMgr != nil {
		s.procMgr.Track(cmd)
		defer s.procMgr.Untrack(cmd)
	}

	s.publish(events.TopicSession, events.SessionStartedEvent{
		ID:        req.TaskID,
		AgentID:   req.AgentID,
		Backend:   b.Type(),
		Timestamp: start,
	})
	s.logger.Info("session started",
		"task", req.TaskID,
		"agent", req.AgentID,
		"backend", b.Type())

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.stream(req, stdout, logFile)
	}()
	wg.Wait()

	waitErr := cmd.Wait()
	duration := time.Since(start)

	outcome := s.classify(req, waitErr, sessionCtx, duration, logPath)
	if s.breakers != nil {
		// Feed the breaker: timeouts and crashes count against the
		// backend, ordinary nonzero exits do not.
		s.breakers.Execute(b.Type(), func() error {
			if outcome.State == StateCrashed || outcome.State == StateTimeout {
				return fmt.Errorf("session %s: %s", req.TaskID, outcome.State)
			}
			return nil
		})
	}

	s.publish(events.TopicSession, events.SessionEndedEvent{
		ID:        req.TaskID,
		AgentID:   req.AgentID,
		State:     string(outcome.State),
		ExitCode:  outcome.ExitCode,
		Duration:  duration,
		Timestamp: time.Now(),
	})
	s.logger.Info("session ended",
		"task", req.TaskID,
		"agent", req.AgentID,
		"state", string(outcome.State),
		"exit_code", outcome.ExitCode,
		"duration", duration.Round(time.Millisecond).String())

	return outcome, nil
}

func (s *Spawner) execute(backendType string, fn func() error) error {
	if s.breakers != nil {
		return s.breakers.Execute(backendType, fn)
	}
	return fn()
}

// stream copies agent stdout line by line into the log file and onto
// the event bus.
func (s *Spawner) stream(req Request, r io.Reader, logFile *os.File) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		fmt.Fprintln(logFile, line)
		s.publish(events.TopicSession, events.SessionOutputEvent{
			ID:        req.TaskID,
			AgentID:   req.AgentID,
			Line:      line,
			Timestamp: time.Now(),
		})
	}
}

func (s *Spawner) classify(req Request, waitErr error, sessionCtx context.Context, duration time.Duration, logPath string) *Outcome {
	outcome := &Outcome{
		TaskID:   req.TaskID,
		AgentID:  req.AgentID,
		LogPath:  logPath,
		Duration: duration,
	}

	switch {
	case waitErr == nil:
		outcome.State = StateSuccess
	case errors.Is(sessionCtx.Err(), context.DeadlineExceeded):
		outcome.State = StateTimeout
		outcome.ExitCode = -1
	default:
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			outcome.ExitCode = exitErr.ExitCode()
			if outcome.ExitCode < 0 {
				outcome.State = StateCrashed
			} else {
				outcome.State = StateFailed
			}
		} else {
			outcome.State = StateCrashed
			outcome.ExitCode = -1
		}
	}
	return outcome
}

// openLog opens the per-agent log file in append mode, creating the log
// directory on first use.
func (s *Spawner) openLog(agentID string) (string, *os.File, error) {
	if err := os.MkdirAll(s.logDir, 0o755); err != nil {
		return "", nil, fmt.Errorf("creating log dir: %w", err)
	}
	logPath := filepath.Join(s.logDir, agentID+".log")
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return "", nil, fmt.Errorf("opening session log: %w", err)
	}
	return logPath, f, nil
}

func (s *Spawner) publish(topic string, event events.Event) {
	if s.bus != nil {
		s.bus.Publish(topic, event)
	}
}

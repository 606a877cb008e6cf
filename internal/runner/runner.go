// Package runner drives the control loop: claim eligible tasks, spawn
// agent sessions, verify results, reconcile the task list, repeat until
// nothing is left to do or something tells it to stop.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/forge/internal/backend"
	"github.com/aristath/forge/internal/claim"
	"github.com/aristath/forge/internal/config"
	"github.com/aristath/forge/internal/events"
	"github.com/aristath/forge/internal/gitx"
	"github.com/aristath/forge/internal/persistence"
	"github.com/aristath/forge/internal/review"
	"github.com/aristath/forge/internal/session"
	"github.com/aristath/forge/internal/task"
	"github.com/aristath/forge/internal/verify"
	"github.com/aristath/forge/internal/worktree"
)

// Reason explains why the scheduler stopped.
type Reason string

const (
	ReasonAllDone   Reason = "all_done"   // every task verified done
	ReasonMaxRounds Reason = "max_rounds" // round budget exhausted
	ReasonStopped   Reason = "stopped"    // stop sentinel or cancelled context
	ReasonStalled   Reason = "stalled"    // tasks remain but none are eligible
	ReasonFatal     Reason = "fatal"      // unrecoverable error
)

// Outcome is the final result of a scheduler run.
type Outcome struct {
	Reason    Reason
	Rounds    int
	Remaining int
	Err       error
}

// Options tunes a Scheduler beyond what forge.toml provides.
type Options struct {
	Agents    int    // parallel sessions per round; overrides config when > 0
	MaxRounds int    // overrides config when > 0
	Backend   string // overrides both role backends when set
	Model     string
	Bus       *events.Bus
	Store     *persistence.Store
	ProcMgr   *backend.ProcessManager
	Logger    *slog.Logger
}

// Scheduler owns one run of the control loop.
type Scheduler struct {
	projectDir   string
	cfg          *config.Config
	agents       int
	maxRounds    int
	attemptLimit int

	executor backend.Backend
	reviewer backend.Backend

	coord      *claim.Coordinator
	spawner    *session.Spawner
	verifier   *verify.Runner
	dispatcher *review.Dispatcher
	bus        *events.Bus
	store      *persistence.Store
	logger     *slog.Logger
}

// participant tracks one task worked during the current round.
type participant struct {
	taskID   string
	agentID  string
	priority int
	outcome  *session.Outcome
	merged   *bool // nil outside worktree mode
}

// NewScheduler wires a Scheduler from config and options.
func NewScheduler(projectDir string, cfg *config.Config, opts Options) *Scheduler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	agents := cfg.Forge.MaxAgents
	if opts.Agents > 0 {
		agents = opts.Agents
	}
	maxRounds := cfg.Forge.MaxRounds
	if opts.MaxRounds > 0 {
		maxRounds = opts.MaxRounds
	}

	execSpec := cfg.Forge.Roles.Executor
	revSpec := cfg.Forge.Roles.Reviewer
	if opts.Backend != "" {
		execSpec = config.RoleSpec{Backend: opts.Backend, Model: opts.Model}
		revSpec = execSpec
	}

	breakers := backend.NewBreakerRegistry(logger)
	spawner := session.NewSpawner(
		filepath.Join(projectDir, ".forge", "logs"),
		opts.Bus, breakers, opts.ProcMgr, logger,
	)

	return &Scheduler{
		projectDir:   projectDir,
		cfg:          cfg,
		agents:       agents,
		maxRounds:    maxRounds,
		attemptLimit: cfg.Forge.AttemptLimit,
		executor:     backend.New(execSpec.Backend, execSpec.Model),
		reviewer:     backend.New(revSpec.Backend, revSpec.Model),
		coord:        claim.New(projectDir),
		spawner:      spawner,
		verifier:     verify.NewRunner(projectDir, cfg.VerifyTimeout(), opts.Bus, opts.ProcMgr, logger),
		dispatcher:   review.NewDispatcher(projectDir, spawner, cfg.VerifyTimeout()*2, logger),
		bus:          opts.Bus,
		store:        opts.Store,
		logger:       logger,
	}
}

// Run executes rounds until a terminal condition. The outcome explains
// which one.
func (s *Scheduler) Run(ctx context.Context) *Outcome {
	for round := 1; round <= s.maxRounds; round++ {
		if ctx.Err() != nil {
			return s.finish(ReasonStopped, round-1, nil)
		}
		if StopRequested(s.projectDir) {
			s.logger.Info("stop sentinel found, halting", "round", round)
			return s.finish(ReasonStopped, round-1, nil)
		}

		// Sync with any other writers before looking at the task list.
		if gitx.IsRepo(s.projectDir) {
			if err := gitx.Pull(s.projectDir); err != nil {
				s.logger.Warn("pre-round pull failed", "error", err)
			}
		}

		g, err := task.Load(s.projectDir)
		if err != nil {
			return s.finish(ReasonFatal, round-1, err)
		}
		if g.AllDone() {
			return s.finish(ReasonAllDone, round-1, nil)
		}

		s.publish(events.TopicRound, events.RoundStartedEvent{
			Round:     round,
			Agents:    s.agents,
			Timestamp: time.Now(),
		})
		s.publishProgress(g)
		s.logger.Info("round started", "round", round, "agents", s.agents, "remaining", g.Remaining())

		var report *RoundReport
		var roundErr error
		if s.agents <= 1 {
			report, roundErr = s.runSingle(ctx, round)
		} else {
			report, roundErr = s.runParallel(ctx, round)
		}

		switch {
		case roundErr == nil:
		case errors.Is(roundErr, claim.ErrNothingEligible):
			g, err := task.Load(s.projectDir)
			if err != nil {
				return s.finish(ReasonFatal, round-1, err)
			}
			if g.AllDone() {
				return s.finish(ReasonAllDone, round-1, nil)
			}
			s.logger.Warn("no eligible tasks remain", "remaining", g.Remaining())
			return s.finish(ReasonStalled, round-1, nil)
		case errors.Is(roundErr, claim.ErrClaimConflict):
			// Another writer keeps winning; yield and retry next round.
			s.logger.Warn("claim conflicts exhausted this round", "round", round)
			continue
		case errors.Is(roundErr, context.Canceled):
			return s.finish(ReasonStopped, round, nil)
		default:
			return s.finish(ReasonFatal, round, roundErr)
		}

		if report != nil {
			s.completeRound(ctx, report)
		}
	}
	return s.finish(ReasonMaxRounds, s.maxRounds, nil)
}

func (s *Scheduler) finish(reason Reason, rounds int, err error) *Outcome {
	remaining := 0
	if g, loadErr := task.Load(s.projectDir); loadErr == nil {
		remaining = g.Remaining()
	}
	out := &Outcome{Reason: reason, Rounds: rounds, Remaining: remaining, Err: err}
	s.logger.Info("run finished",
		"reason", string(reason),
		"rounds", rounds,
		"remaining", remaining)
	return out
}

// runSingle claims and executes one task in the working tree.
func (s *Scheduler) runSingle(ctx context.Context, round int) (*RoundReport, error) {
	agentID := "agent-" + uuid.NewString()[:8]

	lease, err := s.coord.ClaimNext(ctx, agentID, func(g *task.Graph) (string, bool) {
		eligible := g.Eligible()
		if len(eligible) == 0 {
			return "", false
		}
		return eligible[0].ID, true
	})
	if err != nil {
		return nil, err
	}

	g, err := task.Load(s.projectDir)
	if err != nil {
		return nil, err
	}
	t, ok := g.Get(lease.TaskID)
	if !ok {
		return nil, fmt.Errorf("claimed task %s vanished from task list", lease.TaskID)
	}

	started := time.Now()
	outcome, err := s.spawner.Run(ctx, s.roleBackend(t.Kind), session.Request{
		TaskID:  t.ID,
		AgentID: agentID,
		Prompt:  buildPrompt(s.projectDir, s.cfg, t),
		WorkDir: s.projectDir,
		Timeout: s.cfg.SessionTimeout(),
	})
	if err != nil {
		return nil, err
	}

	parts := []*participant{{
		taskID:   t.ID,
		agentID:  agentID,
		priority: t.Priority,
		outcome:  outcome,
	}}
	return s.settle(ctx, round, "single", started, parts)
}

// runParallel claims up to s.agents tasks, runs each in its own
// worktree, then merges the branches back sequentially.
func (s *Scheduler) runParallel(ctx context.Context, round int) (*RoundReport, error) {
	started := time.Now()

	// Worktree branches fork from and merge into the base branch, and
	// the round's claim and result commits must land there too, so the
	// whole round runs on it.
	baseBranch, err := gitx.CurrentBranch(s.projectDir)
	if err != nil {
		return nil, fmt.Errorf("worktree mode requires a git repository: %w", err)
	}
	if cfgBase := s.cfg.Forge.BaseBranch; cfgBase != "" && cfgBase != baseBranch {
		if err := gitx.Checkout(s.projectDir, cfgBase); err != nil {
			return nil, fmt.Errorf("checking out base branch: %w", err)
		}
		baseBranch = cfgBase
	}

	var parts []*participant
	taken := make(map[string]bool)
	for i := 0; i < s.agents; i++ {
		agentID := fmt.Sprintf("agent-%d-%s", i, uuid.NewString()[:8])
		lease, err := s.coord.ClaimNext(ctx, agentID, func(g *task.Graph) (string, bool) {
			for _, t := range g.Eligible() {
				if !taken[t.ID] {
					return t.ID, true
				}
			}
			return "", false
		})
		if err != nil {
			if errors.Is(err, claim.ErrNothingEligible) {
				break
			}
			if len(parts) > 0 {
				// Keep what we already claimed; the conflict loser just
				// means a smaller round.
				s.logger.Warn("claim failed mid-selection", "error", err)
				break
			}
			return nil, err
		}
		taken[lease.TaskID] = true
		parts = append(parts, &participant{taskID: lease.TaskID, agentID: agentID})
	}
	if len(parts) == 0 {
		return nil, claim.ErrNothingEligible
	}

	g, err := task.Load(s.projectDir)
	if err != nil {
		return nil, err
	}

	manager := worktree.NewManager(worktree.Config{
		RepoPath:   s.projectDir,
		BaseBranch: baseBranch,
	}, s.bus, s.logger)
	manager.Prune()

	assignments := make(map[string]*worktree.Assignment, len(parts))
	for i, p := range parts {
		t, ok := g.Get(p.taskID)
		if !ok {
			continue
		}
		p.priority = t.Priority
		a, err := manager.Provision(i, p.taskID, p.agentID, t.Priority)
		if err != nil {
			s.logger.Error("worktree provisioning failed", "task", p.taskID, "error", err)
			failed := false
			p.merged = &failed
			continue
		}
		assignments[p.taskID] = a
	}

	// All sessions run to completion before any merge happens.
	var mu sync.Mutex
	eg, egCtx := errgroup.WithContext(ctx)
	for _, p := range parts {
		p := p
		a, ok := assignments[p.taskID]
		if !ok {
			continue
		}
		t, _ := g.Get(p.taskID)
		eg.Go(func() error {
			outcome, err := s.spawner.Run(egCtx, s.roleBackend(t.Kind), session.Request{
				TaskID:  t.ID,
				AgentID: p.agentID,
				Prompt:  buildPrompt(s.projectDir, s.cfg, t),
				WorkDir: a.Path,
				Timeout: s.cfg.SessionTimeout(),
			})
			if err != nil {
				return err
			}
			mu.Lock()
			p.outcome = outcome
			mu.Unlock()
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		for _, a := range assignments {
			manager.Dispose(a, false)
		}
		return nil, err
	}

	ordered := make([]*worktree.Assignment, 0, len(assignments))
	for _, a := range assignments {
		ordered = append(ordered, a)
	}
	for _, outcome := range manager.Integrate(ordered) {
		for _, p := range parts {
			if p.taskID == outcome.TaskID {
				merged := outcome.Merged
				p.merged = &merged
			}
		}
	}
	for _, p := range parts {
		if a, ok := assignments[p.taskID]; ok {
			merged := p.merged != nil && *p.merged
			if err := manager.Dispose(a, merged); err != nil {
				s.logger.Warn("worktree dispose failed", "task", p.taskID, "error", err)
			}
		}
	}

	return s.settle(ctx, round, "parallel", started, parts)
}

// settle verifies, reconciles and persists the round's results.
func (s *Scheduler) settle(ctx context.Context, round int, mode string, started time.Time, parts []*participant) (*RoundReport, error) {
	g, err := task.Load(s.projectDir)
	if err != nil {
		return nil, err
	}

	vreport, err := s.verifier.All(ctx, g)
	if err != nil {
		return nil, err
	}
	if err := vreport.Write(s.projectDir); err != nil {
		s.logger.Warn("writing verify report failed", "error", err)
	}

	passed := make(map[string]bool, len(vreport.Results))
	verified := make(map[string]bool, len(vreport.Results))
	for _, res := range vreport.Results {
		verified[res.TaskID] = true
		passed[res.TaskID] = res.Passed
	}

	report := &RoundReport{
		Round:      round,
		Mode:       mode,
		StartedAt:  started,
		VerifyPass: vreport.Pass,
		VerifyFail: vreport.Fail,
	}

	for _, p := range parts {
		res := TaskResult{TaskID: p.taskID, AgentID: p.agentID, Merged: p.merged}
		if p.outcome != nil {
			res.Session = string(p.outcome.State)
		}

		current, ok := g.Get(p.taskID)
		if !ok {
			continue
		}
		if current.Status == task.StatusDone {
			// Agents must leave state alone; the verify pass below is
			// what actually decides.
			s.logger.Warn("agent set task status itself", "task", p.taskID, "agent", p.agentID)
		}

		switch {
		case p.merged != nil && !*p.merged:
			s.failTask(g, p.taskID, "merge conflict", &res)
		case passed[p.taskID]:
			if err := g.MarkDone(p.taskID); err != nil {
				return nil, err
			}
			res.Verified = true
			res.Final = string(task.StatusDone)
		default:
			s.failTask(g, p.taskID, "verification failed", &res)
		}
		report.Results = append(report.Results, res)
	}

	// Verify is authoritative for previously done tasks too: a
	// regression reopens them.
	for _, t := range g.Tasks() {
		if t.Status == task.StatusDone && verified[t.ID] && !passed[t.ID] && !isParticipant(parts, t.ID) {
			s.logger.Warn("done task failed verification, reopening", "task", t.ID)
			if _, err := g.Reopen(t.ID); err != nil {
				return nil, err
			}
			report.Results = append(report.Results, TaskResult{
				TaskID: t.ID,
				Final:  string(task.StatusPending),
				Reason: "regression: verify failed",
			})
		}
	}

	if err := task.Save(s.projectDir, g); err != nil {
		return nil, err
	}
	if gitx.IsRepo(s.projectDir) {
		if _, err := gitx.AddCommit(s.projectDir, fmt.Sprintf("forge: round %d results", round)); err != nil {
			s.logger.Warn("committing round results failed", "error", err)
		} else if ok, err := gitx.Push(s.projectDir); err != nil {
			s.logger.Warn("pushing round results failed", "error", err)
		} else if !ok {
			s.logger.Warn("push rejected, syncing", "round", round)
			if err := gitx.Pull(s.projectDir); err != nil {
				s.logger.Warn("post-round pull failed", "error", err)
			}
		}
	}

	report.FinishedAt = time.Now()
	report.Remaining = g.Remaining()
	if err := report.Write(s.projectDir); err != nil {
		s.logger.Warn("writing round report failed", "error", err)
	}
	return report, nil
}

// failTask reopens a task, or blocks it once the attempt limit is hit.
func (s *Scheduler) failTask(g *task.Graph, taskID, reason string, res *TaskResult) {
	attempts, err := g.Reopen(taskID)
	if err != nil {
		s.logger.Error("reopening task failed", "task", taskID, "error", err)
		return
	}
	res.Reason = reason
	if attempts >= s.attemptLimit {
		blockReason := fmt.Sprintf("%s after %d attempts", reason, attempts)
		if err := g.Block(taskID, blockReason); err != nil {
			s.logger.Error("blocking task failed", "task", taskID, "error", err)
			return
		}
		res.Final = string(task.StatusBlocked)
		res.Reason = blockReason
		s.logger.Warn("task blocked", "task", taskID, "reason", blockReason)
		return
	}
	res.Final = string(task.StatusPending)
	s.logger.Info("task reopened", "task", taskID, "attempt", attempts, "reason", reason)
}

// completeRound records history, publishes events and dispatches the
// reviewer over freshly done tasks.
func (s *Scheduler) completeRound(ctx context.Context, report *RoundReport) {
	var done, reopened, blocked int
	var doneIDs []string
	for _, res := range report.Results {
		switch res.Final {
		case string(task.StatusDone):
			done++
			doneIDs = append(doneIDs, res.TaskID)
		case string(task.StatusPending):
			reopened++
		case string(task.StatusBlocked):
			blocked++
		}
	}

	if s.store != nil {
		rec := &persistence.RoundRecord{
			Round:      report.Round,
			Mode:       report.Mode,
			Claimed:    len(report.Results),
			Done:       done,
			Reopened:   reopened,
			Blocked:    blocked,
			StartedAt:  report.StartedAt,
			FinishedAt: report.FinishedAt,
		}
		roundID, err := s.store.SaveRound(ctx, rec)
		if err != nil {
			s.logger.Warn("saving round history failed", "error", err)
		} else {
			for _, res := range report.Results {
				s.store.SaveSession(ctx, &persistence.SessionRecord{
					RoundID: roundID,
					TaskID:  res.TaskID,
					AgentID: res.AgentID,
					Backend: s.executor.Type(),
					State:   res.Session,
				})
			}
			var vrecs []persistence.VerifyRecord
			for _, res := range report.Results {
				vrecs = append(vrecs, persistence.VerifyRecord{
					TaskID: res.TaskID,
					Passed: res.Verified,
				})
			}
			if err := s.store.SaveVerifyResults(ctx, roundID, vrecs); err != nil {
				s.logger.Warn("saving verify history failed", "error", err)
			}
		}
	}

	s.publish(events.TopicRound, events.RoundCompletedEvent{
		Round:     report.Round,
		Done:      done,
		Reopened:  reopened,
		Blocked:   blocked,
		Timestamp: time.Now(),
	})
	if g, err := task.Load(s.projectDir); err == nil {
		s.publishProgress(g)
	}

	if len(doneIDs) > 0 {
		s.dispatcher.Dispatch(ctx, s.reviewer, doneIDs)
	}
}

func (s *Scheduler) roleBackend(kind task.Kind) backend.Backend {
	if kind == task.KindReview {
		return s.reviewer
	}
	return s.executor
}

func (s *Scheduler) publish(topic string, e events.Event) {
	if s.bus != nil {
		s.bus.Publish(topic, e)
	}
}

func (s *Scheduler) publishProgress(g *task.Graph) {
	if s.bus == nil {
		return
	}
	c := g.Counts()
	s.bus.Publish(events.TopicRound, events.ProgressEvent{
		Total:     c.Total,
		Pending:   c.Pending,
		Claimed:   c.Claimed,
		Done:      c.Done,
		Blocked:   c.Blocked,
		Timestamp: time.Now(),
	})
}

func isParticipant(parts []*participant, taskID string) bool {
	for _, p := range parts {
		if p.taskID == taskID {
			return true
		}
	}
	return false
}

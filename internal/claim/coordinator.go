// Package claim implements exclusive task claiming across concurrent
// writers. The task list lives in a git-versioned file shared by
// independently scheduled orchestrator and agent invocations, so claims
// use optimistic concurrency: read the current state, mutate locally,
// attempt to publish, and on a rejected publish re-read and report a
// conflict instead of overwriting the winner.
package claim

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/aristath/forge/internal/gitx"
	"github.com/aristath/forge/internal/task"
)

// DefaultMaxAttempts bounds claim retries within one round. After this
// many conflicts the task is yielded to a later round.
const DefaultMaxAttempts = 3

// ErrClaimConflict is returned when another writer claimed the task or
// published a newer task list first. Callers must re-select against the
// refreshed state rather than assume their first choice is still valid.
var ErrClaimConflict = errors.New("claim conflict")

// ErrNothingEligible is returned by ClaimNext when the selector finds no
// claimable task in the refreshed state.
var ErrNothingEligible = errors.New("no eligible task to claim")

// Lease records a successfully published claim.
type Lease struct {
	TaskID    string
	AgentID   string
	ClaimedAt time.Time
}

// Coordinator serializes claims through the versioned task list.
type Coordinator struct {
	projectDir  string
	maxAttempts int
}

// New creates a Coordinator for the project directory.
func New(projectDir string) *Coordinator {
	return &Coordinator{projectDir: projectDir, maxAttempts: DefaultMaxAttempts}
}

// Claim performs one read-modify-publish cycle for a single task.
// A task already claimed (or otherwise not claimable) in the freshly
// read state reports ErrClaimConflict, as does a rejected publish.
func (c *Coordinator) Claim(ctx context.Context, taskID, agentID string) (*Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	g, err := task.Load(c.projectDir)
	if err != nil {
		return nil, err
	}

	if err := g.Claim(taskID, agentID); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrClaimConflict, err)
	}

	if err := c.publish(g, taskID, agentID); err != nil {
		return nil, err
	}

	return &Lease{TaskID: taskID, AgentID: agentID, ClaimedAt: time.Now()}, nil
}

// publish saves the mutated list and, when the project is a shared git
// repo, commits and pushes it. A rejected push means another writer won:
// the local claim commit is rolled back, the now-current state is pulled
// in, and ErrClaimConflict is reported.
func (c *Coordinator) publish(g *task.Graph, taskID, agentID string) error {
	if !gitx.IsRepo(c.projectDir) {
		// Single-process mode: the atomic file rewrite is the publish.
		return task.Save(c.projectDir, g)
	}

	prevHead, err := gitx.Head(c.projectDir)
	if err != nil {
		return err
	}

	if err := task.Save(c.projectDir, g); err != nil {
		return err
	}
	if _, err := gitx.AddCommit(c.projectDir, fmt.Sprintf("forge: claim %s by %s", taskID, agentID)); err != nil {
		return err
	}

	ok, err := gitx.Push(c.projectDir)
	if err != nil {
		return err
	}
	if !ok {
		// Roll back our claim commit, then fast-forward to the winner's
		// state so the caller re-selects against current truth.
		if err := gitx.ResetHard(c.projectDir, prevHead); err != nil {
			return err
		}
		if err := gitx.Pull(c.projectDir); err != nil {
			return err
		}
		return fmt.Errorf("%w: push rejected, task list changed upstream", ErrClaimConflict)
	}
	return nil
}

// ClaimNext repeatedly selects and claims a task until a claim publishes,
// the selector reports nothing eligible, or the retry bound is exhausted.
// The selector always sees a freshly loaded graph.
func (c *Coordinator) ClaimNext(ctx context.Context, agentID string, pick func(*task.Graph) (string, bool)) (*Lease, error) {
	var lease *Lease

	operation := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}

		g, err := task.Load(c.projectDir)
		if err != nil {
			return backoff.Permanent(err)
		}

		taskID, ok := pick(g)
		if !ok {
			return backoff.Permanent(ErrNothingEligible)
		}

		l, err := c.Claim(ctx, taskID, agentID)
		if err != nil {
			if errors.Is(err, ErrClaimConflict) {
				return err // retry with refreshed state
			}
			return backoff.Permanent(err)
		}
		lease = l
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(c.maxAttempts)),
		ctx,
	)
	if err := backoff.Retry(operation, policy); err != nil {
		return nil, err
	}
	return lease, nil
}

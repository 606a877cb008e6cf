package task

import (
	"fmt"
	"math/rand"
	"strings"
	"testing"
)

func mkTask(id string, deps []string, priority int) *Task {
	return &Task{
		ID:          id,
		Kind:        KindImplement,
		Scope:       "core",
		Description: "test task " + id,
		Verify:      "true",
		DependsOn:   deps,
		Priority:    priority,
		Status:      StatusPending,
	}
}

func TestNewGraphValidation(t *testing.T) {
	tests := []struct {
		name    string
		tasks   []*Task
		wantErr string
	}{
		{
			name:  "valid chain",
			tasks: []*Task{mkTask("a", nil, 1), mkTask("b", []string{"a"}, 1)},
		},
		{
			name:    "duplicate IDs",
			tasks:   []*Task{mkTask("a", nil, 1), mkTask("a", nil, 1)},
			wantErr: "duplicate task ID",
		},
		{
			name:    "dangling dependency",
			tasks:   []*Task{mkTask("a", []string{"ghost"}, 1)},
			wantErr: "non-existent task",
		},
		{
			name:    "two-node cycle",
			tasks:   []*Task{mkTask("a", []string{"b"}, 1), mkTask("b", []string{"a"}, 1)},
			wantErr: "cycle",
		},
		{
			name:    "self cycle",
			tasks:   []*Task{mkTask("a", []string{"a"}, 1)},
			wantErr: "cycle",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewGraph(tt.tasks)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("NewGraph failed: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error containing %q, got nil", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %q", tt.wantErr, err.Error())
			}
		})
	}
}

// TestNewGraphRandomized generates random DAGs (edges only point to
// lower-numbered tasks, so the base graph is always acyclic) and
// injects a cycle or a dangling reference into some of them. Validation
// must fail exactly when a defect was injected.
func TestNewGraphRandomized(t *testing.T) {
	rng := rand.New(rand.NewSource(1))

	for trial := 0; trial < 300; trial++ {
		n := 3 + rng.Intn(10)
		tasks := make([]*Task, n)
		for i := range tasks {
			var deps []string
			for j := 0; j < i; j++ {
				if rng.Intn(4) == 0 {
					deps = append(deps, fmt.Sprintf("t%02d", j))
				}
			}
			tasks[i] = mkTask(fmt.Sprintf("t%02d", i), deps, 1+rng.Intn(3))
		}

		var wantErr string
		switch trial % 3 {
		case 1:
			// A back edge between two tasks closes a two-node cycle.
			from := rng.Intn(n - 1)
			to := from + 1 + rng.Intn(n-from-1)
			tasks[from].DependsOn = append(tasks[from].DependsOn, tasks[to].ID)
			tasks[to].DependsOn = append(tasks[to].DependsOn, tasks[from].ID)
			wantErr = "cycle"
		case 2:
			tasks[rng.Intn(n)].DependsOn = append(tasks[rng.Intn(n)].DependsOn, "ghost")
			wantErr = "non-existent"
		}

		_, err := NewGraph(tasks)
		if wantErr == "" {
			if err != nil {
				t.Fatalf("trial %d: valid graph rejected: %v", trial, err)
			}
			continue
		}
		if err == nil {
			t.Fatalf("trial %d: expected error containing %q, got nil", trial, wantErr)
		}
		if !strings.Contains(err.Error(), wantErr) {
			t.Errorf("trial %d: expected error containing %q, got %q", trial, wantErr, err.Error())
		}
	}
}

func TestEligibleOrdering(t *testing.T) {
	g, err := NewGraph([]*Task{
		mkTask("zeta", nil, 1),
		mkTask("alpha", nil, 2),
		mkTask("beta", nil, 1),
		mkTask("gated", []string{"zeta"}, 0),
	})
	if err != nil {
		t.Fatalf("NewGraph failed: %v", err)
	}
	// gated has priority 0 but an unmet dependency, so it must not appear.

	eligible := g.Eligible()
	got := make([]string, 0, len(eligible))
	for _, e := range eligible {
		got = append(got, e.ID)
	}

	want := []string{"beta", "zeta", "alpha"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("position %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}

func TestSelectNSnapshot(t *testing.T) {
	// b depends on a; both pending. Selecting 2 must not treat a as done
	// for b's sake within the same selection.
	g, err := NewGraph([]*Task{
		mkTask("a", nil, 1),
		mkTask("b", []string{"a"}, 1),
		mkTask("c", nil, 1),
	})
	if err != nil {
		t.Fatalf("NewGraph failed: %v", err)
	}

	selected := g.SelectN(2)
	for _, s := range selected {
		if s.ID == "b" {
			t.Error("selected b while its dependency a is not done")
		}
	}
	if len(selected) != 2 {
		t.Errorf("expected 2 selected tasks, got %d", len(selected))
	}
}

func TestClaimTransitions(t *testing.T) {
	g, err := NewGraph([]*Task{
		mkTask("a", nil, 1),
		mkTask("b", []string{"a"}, 1),
	})
	if err != nil {
		t.Fatalf("NewGraph failed: %v", err)
	}

	if err := g.Claim("b", "agent-1"); err == nil {
		t.Error("expected claim of b to fail while a is pending")
	}
	if err := g.Claim("a", "agent-1"); err != nil {
		t.Fatalf("claiming a failed: %v", err)
	}
	if err := g.Claim("a", "agent-2"); err == nil {
		t.Error("expected second claim of a to fail")
	}

	if err := g.MarkDone("a"); err != nil {
		t.Fatalf("MarkDone failed: %v", err)
	}
	if err := g.Claim("b", "agent-2"); err != nil {
		t.Errorf("claiming b after a is done failed: %v", err)
	}
	if err := g.Claim("missing", "agent-1"); err == nil {
		t.Error("expected claim of unknown task to fail")
	}
}

func TestReopenIncrementsAttempts(t *testing.T) {
	g, err := NewGraph([]*Task{mkTask("a", nil, 1)})
	if err != nil {
		t.Fatalf("NewGraph failed: %v", err)
	}

	if err := g.Claim("a", "agent-1"); err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	attempts, err := g.Reopen("a")
	if err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	if attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", attempts)
	}

	got, _ := g.Get("a")
	if got.Status != StatusPending {
		t.Errorf("expected pending after reopen, got %s", got.Status)
	}
	if got.ClaimedBy != "" {
		t.Errorf("expected claimed_by cleared, got %q", got.ClaimedBy)
	}
}

func TestBlockIsTerminal(t *testing.T) {
	g, err := NewGraph([]*Task{
		mkTask("a", nil, 1),
		mkTask("b", []string{"a"}, 1),
	})
	if err != nil {
		t.Fatalf("NewGraph failed: %v", err)
	}

	if err := g.Block("a", "verification failed after 3 attempts"); err != nil {
		t.Fatalf("Block failed: %v", err)
	}
	got, _ := g.Get("a")
	if got.Status != StatusBlocked {
		t.Errorf("expected blocked, got %s", got.Status)
	}
	if got.BlockedReason == "" {
		t.Error("expected a blocked reason")
	}

	// b can never become eligible through a blocked dependency.
	if len(g.Eligible()) != 0 {
		t.Errorf("expected no eligible tasks, got %d", len(g.Eligible()))
	}
	if err := g.Claim("a", "agent-1"); err == nil {
		t.Error("expected claim of blocked task to fail")
	}
}

func TestCountsAndRemaining(t *testing.T) {
	g, err := NewGraph([]*Task{
		mkTask("a", nil, 1),
		mkTask("b", nil, 1),
		mkTask("c", nil, 1),
	})
	if err != nil {
		t.Fatalf("NewGraph failed: %v", err)
	}
	g.Claim("a", "agent-1")
	g.MarkDone("a")
	g.Block("b", "stuck")

	c := g.Counts()
	if c.Done != 1 || c.Blocked != 1 || c.Pending != 1 {
		t.Errorf("unexpected counts: %+v", c)
	}
	if g.AllDone() {
		t.Error("AllDone should be false")
	}
	if g.Remaining() != 2 {
		t.Errorf("expected 2 remaining, got %d", g.Remaining())
	}
}

func TestGetReturnsCopy(t *testing.T) {
	g, err := NewGraph([]*Task{mkTask("a", nil, 1)})
	if err != nil {
		t.Fatalf("NewGraph failed: %v", err)
	}

	got, _ := g.Get("a")
	got.Status = StatusDone

	again, _ := g.Get("a")
	if again.Status != StatusPending {
		t.Error("mutating a returned task leaked into the graph")
	}
}

package task

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/gammazero/toposort"
)

// Graph holds the full ordered task list plus derived indexes.
// It is the single source of truth for task status within one round;
// only the round scheduler mutates it (via the claim coordinator and
// verify reconciliation).
type Graph struct {
	mu         sync.RWMutex
	order      []string            // task IDs in file order
	tasks      map[string]*Task    // indexed by ID
	dependents map[string][]string // taskID -> tasks that depend on it
}

// NewGraph builds a graph from a task list and validates it.
// Returns an error on duplicate IDs, dangling depends_on references,
// or dependency cycles.
func NewGraph(tasks []*Task) (*Graph, error) {
	g := &Graph{
		tasks:      make(map[string]*Task, len(tasks)),
		dependents: make(map[string][]string),
	}
	for _, t := range tasks {
		if _, exists := g.tasks[t.ID]; exists {
			return nil, fmt.Errorf("duplicate task ID %q", t.ID)
		}
		g.tasks[t.ID] = t.clone()
		g.order = append(g.order, t.ID)
		for _, depID := range t.DependsOn {
			g.dependents[depID] = append(g.dependents[depID], t.ID)
		}
	}
	if _, err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}

// Validate checks reference integrity and acyclicity via topological sort.
// Returns the sorted task IDs on success.
func (g *Graph) Validate() ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	for taskID, t := range g.tasks {
		for _, depID := range t.DependsOn {
			if _, exists := g.tasks[depID]; !exists {
				return nil, fmt.Errorf("task %q depends on non-existent task %q", taskID, depID)
			}
		}
	}

	var edges []toposort.Edge
	for taskID, t := range g.tasks {
		if len(t.DependsOn) == 0 {
			// Root tasks get a nil edge so the sort includes them.
			edges = append(edges, toposort.Edge{nil, taskID})
		} else {
			for _, depID := range t.DependsOn {
				edges = append(edges, toposort.Edge{depID, taskID})
			}
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, fmt.Errorf("task graph contains cycle: %w", err)
	}

	order := make([]string, 0, len(sorted))
	for _, id := range sorted {
		if id != nil {
			order = append(order, id.(string))
		}
	}

	if len(order) != len(g.tasks) {
		missing := []string{}
		found := make(map[string]bool, len(order))
		for _, id := range order {
			found[id] = true
		}
		for taskID := range g.tasks {
			if !found[taskID] {
				missing = append(missing, taskID)
			}
		}
		sort.Strings(missing)
		return nil, fmt.Errorf("topological sort lost %d tasks: %s", len(missing), strings.Join(missing, ", "))
	}

	return order, nil
}

// eligible reports whether t is pending with every dependency done.
// Caller must hold at least the read lock.
func (g *Graph) eligible(t *Task) bool {
	if t.Status != StatusPending {
		return false
	}
	for _, depID := range t.DependsOn {
		dep, exists := g.tasks[depID]
		if !exists || dep.Status != StatusDone {
			return false
		}
	}
	return true
}

// Eligible returns all pending tasks whose dependencies are all done,
// sorted by ascending priority with task ID as the tiebreaker so
// scheduling is deterministic across runs.
func (g *Graph) Eligible() []*Task {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var out []*Task
	for _, id := range g.order {
		if t := g.tasks[id]; g.eligible(t) {
			out = append(out, t.clone())
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// SelectN returns up to n eligible tasks in scheduling order. Eligibility
// is a snapshot: dependencies among the selected tasks are never treated
// as satisfied mid-round.
func (g *Graph) SelectN(n int) []*Task {
	eligible := g.Eligible()
	if len(eligible) > n {
		eligible = eligible[:n]
	}
	return eligible
}

// Claim transitions a pending task to claimed for the given agent.
func (g *Graph) Claim(taskID, agentID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	t, exists := g.tasks[taskID]
	if !exists {
		return fmt.Errorf("task not found: %s", taskID)
	}
	if t.Status == StatusClaimed {
		return fmt.Errorf("task %s already claimed by %s", taskID, t.ClaimedBy)
	}
	if t.Status != StatusPending {
		return fmt.Errorf("task %s is %s, not claimable", taskID, t.Status)
	}
	var unmet []string
	for _, depID := range t.DependsOn {
		if dep, ok := g.tasks[depID]; !ok || dep.Status != StatusDone {
			unmet = append(unmet, depID)
		}
	}
	if len(unmet) > 0 {
		return fmt.Errorf("task %s has unmet dependencies: %s", taskID, strings.Join(unmet, ", "))
	}

	t.Status = StatusClaimed
	t.ClaimedBy = agentID
	return nil
}

// MarkDone transitions a task to done. Done is one-way: the orchestrator
// only calls this after an independent passing verify result.
func (g *Graph) MarkDone(taskID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	t, exists := g.tasks[taskID]
	if !exists {
		return fmt.Errorf("task not found: %s", taskID)
	}
	t.Status = StatusDone
	t.BlockedReason = ""
	return nil
}

// Reopen returns a task to pending after a failed session or verify and
// increments its attempt counter. Returns the new attempt count.
func (g *Graph) Reopen(taskID string) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	t, exists := g.tasks[taskID]
	if !exists {
		return 0, fmt.Errorf("task not found: %s", taskID)
	}
	t.Status = StatusPending
	t.ClaimedBy = ""
	t.BlockedReason = ""
	t.Attempts++
	return t.Attempts, nil
}

// Block transitions a task to blocked with a reason. Blocked is terminal
// for the orchestrator; only external replanning escapes it.
func (g *Graph) Block(taskID, reason string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	t, exists := g.tasks[taskID]
	if !exists {
		return fmt.Errorf("task not found: %s", taskID)
	}
	t.Status = StatusBlocked
	t.ClaimedBy = ""
	t.BlockedReason = reason
	return nil
}

// Get returns a copy of the task with the given ID.
func (g *Graph) Get(taskID string) (*Task, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	t, exists := g.tasks[taskID]
	if !exists {
		return nil, false
	}
	return t.clone(), true
}

// Tasks returns copies of all tasks in file order.
func (g *Graph) Tasks() []*Task {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]*Task, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.tasks[id].clone())
	}
	return out
}

// Dependents returns the IDs of tasks that directly depend on taskID.
func (g *Graph) Dependents(taskID string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]string(nil), g.dependents[taskID]...)
}

// Counts summarizes the graph by status.
func (g *Graph) Counts() StatusCounts {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var c StatusCounts
	for _, t := range g.tasks {
		switch t.Status {
		case StatusPending:
			c.Pending++
		case StatusClaimed:
			c.Claimed++
		case StatusDone:
			c.Done++
		case StatusBlocked:
			c.Blocked++
		}
	}
	c.Total = len(g.tasks)
	return c
}

// AllDone reports whether every task is done.
func (g *Graph) AllDone() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()

	for _, t := range g.tasks {
		if t.Status != StatusDone {
			return false
		}
	}
	return true
}

// Remaining counts tasks that are not done.
func (g *Graph) Remaining() int {
	g.mu.RLock()
	defer g.mu.RUnlock()

	n := 0
	for _, t := range g.tasks {
		if t.Status != StatusDone {
			n++
		}
	}
	return n
}

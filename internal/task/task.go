package task

import (
	"encoding/json"
	"fmt"
)

// Kind determines which role runs a task. It does not affect the state machine.
type Kind string

const (
	KindImplement Kind = "implement"
	KindReview    Kind = "review"
	KindPoc       Kind = "poc"
)

// Status is the task state machine position.
// pending -> claimed -> {done | pending (reopened) | blocked}
type Status string

const (
	StatusPending Status = "pending"
	StatusClaimed Status = "claimed"
	StatusDone    Status = "done"
	StatusBlocked Status = "blocked"
)

// UnmarshalJSON accepts "in_progress" as a legacy alias for "claimed".
func (s *Status) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch raw {
	case "", string(StatusPending):
		*s = StatusPending
	case string(StatusClaimed), "in_progress":
		*s = StatusClaimed
	case string(StatusDone):
		*s = StatusDone
	case string(StatusBlocked):
		*s = StatusBlocked
	default:
		return fmt.Errorf("unknown task status %q", raw)
	}
	return nil
}

// Task is one schedulable unit of work from tasks.json.
type Task struct {
	ID          string   `json:"id"`
	Kind        Kind     `json:"type"`
	Scope       string   `json:"scope"`
	Description string   `json:"description"`
	Verify      string   `json:"verify"`
	DependsOn   []string `json:"depends_on,omitempty"`
	Priority    int      `json:"priority"`
	Status      Status   `json:"status"`

	// ClaimedBy is set only while Status is claimed.
	ClaimedBy string `json:"claimed_by,omitempty"`
	// BlockedReason is set only while Status is blocked.
	BlockedReason string `json:"blocked_reason,omitempty"`
	// Attempts counts failed sessions/verifies. Once it reaches the
	// configured bound the task is blocked instead of reopened.
	Attempts int `json:"attempts,omitempty"`
}

// clone returns a deep copy so callers cannot mutate graph state directly.
func (t *Task) clone() *Task {
	if t == nil {
		return nil
	}
	cp := *t
	if t.DependsOn != nil {
		cp.DependsOn = append([]string(nil), t.DependsOn...)
	}
	return &cp
}

// StatusCounts summarizes a task list by status.
type StatusCounts struct {
	Total   int
	Pending int
	Claimed int
	Done    int
	Blocked int
}

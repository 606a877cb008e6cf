package events

import "time"

// Event is the base interface for all events.
type Event interface {
	EventType() string
	TaskID() string
}

// Topic constants.
const (
	TopicSession = "session"
	TopicRound   = "round"
)

// Event type constants.
const (
	EventTypeRoundStarted   = "round.started"
	EventTypeRoundCompleted = "round.completed"
	EventTypeProgress       = "round.progress"
	EventTypeSessionStarted = "session.started"
	EventTypeSessionOutput  = "session.output"
	EventTypeSessionEnded   = "session.ended"
	EventTypeVerifyResult   = "session.verify"
	EventTypeTaskMerged     = "session.merged"
)

// RoundStartedEvent is published when a scheduling round begins.
type RoundStartedEvent struct {
	Round     int
	Agents    int
	Timestamp time.Time
}

func (e RoundStartedEvent) EventType() string { return EventTypeRoundStarted }
func (e RoundStartedEvent) TaskID() string    { return "" }

// RoundCompletedEvent is published when a round finishes reconciling.
type RoundCompletedEvent struct {
	Round     int
	Done      int
	Reopened  int
	Blocked   int
	Timestamp time.Time
}

func (e RoundCompletedEvent) EventType() string { return EventTypeRoundCompleted }
func (e RoundCompletedEvent) TaskID() string    { return "" }

// ProgressEvent carries the current task status counts.
type ProgressEvent struct {
	Total     int
	Pending   int
	Claimed   int
	Done      int
	Blocked   int
	Timestamp time.Time
}

func (e ProgressEvent) EventType() string { return EventTypeProgress }
func (e ProgressEvent) TaskID() string    { return "" }

// SessionStartedEvent is published when an agent session is spawned.
type SessionStartedEvent struct {
	ID        string
	AgentID   string
	Backend   string
	Timestamp time.Time
}

func (e SessionStartedEvent) EventType() string { return EventTypeSessionStarted }
func (e SessionStartedEvent) TaskID() string    { return e.ID }

// SessionOutputEvent carries one line of agent output.
type SessionOutputEvent struct {
	ID        string
	AgentID   string
	Line      string
	Timestamp time.Time
}

func (e SessionOutputEvent) EventType() string { return EventTypeSessionOutput }
func (e SessionOutputEvent) TaskID() string    { return e.ID }

// SessionEndedEvent is published when an agent session exits.
type SessionEndedEvent struct {
	ID        string
	AgentID   string
	State     string
	ExitCode  int
	Duration  time.Duration
	Timestamp time.Time
}

func (e SessionEndedEvent) EventType() string { return EventTypeSessionEnded }
func (e SessionEndedEvent) TaskID() string    { return e.ID }

// VerifyResultEvent is published per task after a verify run.
type VerifyResultEvent struct {
	ID        string
	Passed    bool
	ExitCode  int
	Timestamp time.Time
}

func (e VerifyResultEvent) EventType() string { return EventTypeVerifyResult }
func (e VerifyResultEvent) TaskID() string    { return e.ID }

// TaskMergedEvent is published after a worktree branch integration
// attempt, merged or not.
type TaskMergedEvent struct {
	ID        string
	Branch    string
	Merged    bool
	Conflict  string
	Timestamp time.Time
}

func (e TaskMergedEvent) EventType() string { return EventTypeTaskMerged }
func (e TaskMergedEvent) TaskID() string    { return e.ID }

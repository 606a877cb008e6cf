package persistence

import (
	"context"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenMemory(context.Background())
	if err != nil {
		t.Fatalf("OpenMemory failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleRound(round int) *RoundRecord {
	now := time.Now().UTC().Truncate(time.Second)
	return &RoundRecord{
		Round:      round,
		Mode:       "single",
		Claimed:    1,
		Done:       1,
		StartedAt:  now.Add(-time.Minute),
		FinishedAt: now,
	}
}

func TestSaveRoundAndRecent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		if _, err := s.SaveRound(ctx, sampleRound(i)); err != nil {
			t.Fatalf("SaveRound %d failed: %v", i, err)
		}
	}

	rounds, err := s.RecentRounds(ctx, 2)
	if err != nil {
		t.Fatalf("RecentRounds failed: %v", err)
	}
	if len(rounds) != 2 {
		t.Fatalf("expected 2 rounds, got %d", len(rounds))
	}
	if rounds[0].Round != 3 || rounds[1].Round != 2 {
		t.Errorf("expected newest first, got rounds %d, %d", rounds[0].Round, rounds[1].Round)
	}
}

func TestSessionsForTask(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	roundID, err := s.SaveRound(ctx, sampleRound(1))
	if err != nil {
		t.Fatalf("SaveRound failed: %v", err)
	}

	rec := &SessionRecord{
		RoundID:  roundID,
		TaskID:   "t1",
		AgentID:  "agent-1",
		Backend:  "claude",
		State:    "success",
		ExitCode: 0,
		Duration: 90 * time.Second,
		LogPath:  "/tmp/agent-1.log",
	}
	if err := s.SaveSession(ctx, rec); err != nil {
		t.Fatalf("SaveSession failed: %v", err)
	}

	sessions, err := s.SessionsForTask(ctx, "t1")
	if err != nil {
		t.Fatalf("SessionsForTask failed: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("expected 1 session, got %d", len(sessions))
	}
	got := sessions[0]
	if got.State != "success" || got.Duration != 90*time.Second || got.Backend != "claude" {
		t.Errorf("session did not round trip: %+v", got)
	}

	none, err := s.SessionsForTask(ctx, "unknown")
	if err != nil {
		t.Fatalf("SessionsForTask for unknown task failed: %v", err)
	}
	if len(none) != 0 {
		t.Errorf("expected no sessions for unknown task, got %d", len(none))
	}
}

func TestSaveVerifyResultsAndSummarize(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	roundID, err := s.SaveRound(ctx, sampleRound(1))
	if err != nil {
		t.Fatalf("SaveRound failed: %v", err)
	}
	if err := s.SaveSession(ctx, &SessionRecord{RoundID: roundID, TaskID: "t1", AgentID: "a", Backend: "claude", State: "success"}); err != nil {
		t.Fatalf("SaveSession failed: %v", err)
	}
	if err := s.SaveVerifyResults(ctx, roundID, []VerifyRecord{
		{TaskID: "t1", Passed: true},
		{TaskID: "t2", Passed: false, ExitCode: 1},
	}); err != nil {
		t.Fatalf("SaveVerifyResults failed: %v", err)
	}

	sum, err := s.Summarize(ctx)
	if err != nil {
		t.Fatalf("Summarize failed: %v", err)
	}
	if sum.Rounds != 1 || sum.Sessions != 1 || sum.SessionsOK != 1 {
		t.Errorf("unexpected summary counts: %+v", sum)
	}
	if sum.VerifyPassed != 1 || sum.VerifyFailed != 1 {
		t.Errorf("unexpected verify counts: %+v", sum)
	}
	if sum.LastRoundTime.IsZero() {
		t.Error("expected LastRoundTime from the saved round, got zero")
	}
}

func TestSummarizeEmptyStore(t *testing.T) {
	s := openTestStore(t)

	sum, err := s.Summarize(context.Background())
	if err != nil {
		t.Fatalf("Summarize failed: %v", err)
	}
	if sum.Rounds != 0 || sum.Sessions != 0 {
		t.Errorf("expected empty summary, got %+v", sum)
	}
	if !sum.LastRoundTime.IsZero() {
		t.Errorf("expected zero LastRoundTime on empty history, got %s", sum.LastRoundTime)
	}
}

package events

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch := bus.Subscribe(TopicSession, 10)
	bus.Publish(TopicSession, SessionStartedEvent{
		ID:        "task-1",
		AgentID:   "agent-1",
		Backend:   "claude",
		Timestamp: time.Now(),
	})

	select {
	case received := <-ch:
		if received.TaskID() != "task-1" {
			t.Errorf("expected task-1, got %s", received.TaskID())
		}
		if received.EventType() != EventTypeSessionStarted {
			t.Errorf("expected %s, got %s", EventTypeSessionStarted, received.EventType())
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for event")
	}
}

func TestTopicIsolation(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	sessionCh := bus.Subscribe(TopicSession, 10)
	roundCh := bus.Subscribe(TopicRound, 10)

	bus.Publish(TopicRound, RoundStartedEvent{Round: 1, Timestamp: time.Now()})

	select {
	case <-roundCh:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("round subscriber did not receive its event")
	}

	select {
	case ev := <-sessionCh:
		t.Errorf("session subscriber received a round event: %s", ev.EventType())
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscribeAllReceivesEveryTopic(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	all := bus.SubscribeAll(10)
	bus.Publish(TopicSession, SessionOutputEvent{ID: "t1", Line: "hello", Timestamp: time.Now()})
	bus.Publish(TopicRound, ProgressEvent{Total: 3, Timestamp: time.Now()})

	got := 0
	for got < 2 {
		select {
		case <-all:
			got++
		case <-time.After(100 * time.Millisecond):
			t.Fatalf("expected 2 events, got %d", got)
		}
	}
}

func TestPublishDropsWhenFull(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch := bus.Subscribe(TopicSession, 1)
	// Second publish must not block even though nobody is reading.
	done := make(chan struct{})
	go func() {
		bus.Publish(TopicSession, SessionOutputEvent{ID: "t1", Line: "one"})
		bus.Publish(TopicSession, SessionOutputEvent{ID: "t1", Line: "two"})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	<-ch
}

func TestCloseIsIdempotentAndClosesChannels(t *testing.T) {
	bus := NewBus()
	ch := bus.Subscribe(TopicSession, 1)
	all := bus.SubscribeAll(1)

	bus.Close()
	bus.Close()

	if _, ok := <-ch; ok {
		t.Error("topic channel should be closed")
	}
	if _, ok := <-all; ok {
		t.Error("firehose channel should be closed")
	}

	// Subscribing after close yields an already-closed channel.
	late := bus.Subscribe(TopicSession, 1)
	if _, ok := <-late; ok {
		t.Error("late subscription should be closed immediately")
	}
}

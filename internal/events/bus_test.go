package events

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var testTime = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestEventBus_Subscribe(t *testing.T) {
	bus := New(10)
	defer bus.Close()

	ch := bus.Subscribe()

	bus.Publish(NewGradientUpdatedEvent("claim-1", 0.7, 2, testTime))

	select {
	case received := <-ch:
		if received.EventType() != TypeGradientUpdated {
			t.Errorf("expected %s, got %s", TypeGradientUpdated, received.EventType())
		}
		if received.Subject() != "claim-1" {
			t.Errorf("expected claim-1, got %s", received.Subject())
		}
		ev, ok := received.(GradientUpdatedEvent)
		if !ok {
			t.Fatalf("unexpected event type %T", received)
		}
		if ev.Gradient != 0.7 || ev.VoteCount != 2 {
			t.Errorf("payload = %+v", ev)
		}
	case <-time.After(100 * time.Millisecond):
		t.Error("timeout waiting for event")
	}
}

func TestEventBus_SubscribeByType(t *testing.T) {
	bus := New(10)
	defer bus.Close()

	agentCh := bus.Subscribe(TypeReputationChanged, TypeTierChanged)
	allCh := bus.Subscribe()

	bus.Publish(NewGradientUpdatedEvent("claim-1", 0.5, 1, testTime))
	bus.Publish(NewReputationChangedEvent("agent-1", 100, 110, 10, "CONSENSUS_ALIGNED", "claim-1", testTime))

	// allCh should receive both
	for i := 0; i < 2; i++ {
		select {
		case <-allCh:
		case <-time.After(100 * time.Millisecond):
			t.Fatalf("allCh missed event %d", i)
		}
	}

	// agentCh should only receive the reputation event
	select {
	case received := <-agentCh:
		if received.EventType() != TypeReputationChanged {
			t.Errorf("expected reputation_changed, got %s", received.EventType())
		}
	case <-time.After(100 * time.Millisecond):
		t.Error("agentCh should receive reputation event")
	}
	select {
	case received := <-agentCh:
		t.Errorf("unexpected event %s", received.EventType())
	default:
	}
}

func TestEventBus_PriorityNeverDrops(t *testing.T) {
	bus := New(5)
	defer bus.Close()

	priorityCh := bus.SubscribePriority()

	for i := 0; i < 100; i++ {
		bus.Publish(NewGradientUpdatedEvent("claim-1", 0.5, i, testTime))
	}

	bus.PublishPriority(NewConsensusReachedEvent("claim-1", 0.85, true, 100, testTime))

	select {
	case received := <-priorityCh:
		if received.EventType() != TypeConsensusReached {
			t.Errorf("expected consensus_reached, got %s", received.EventType())
		}
	case <-time.After(100 * time.Millisecond):
		t.Error("priority event was dropped")
	}
}

func TestEventBus_PriorityFilterByType(t *testing.T) {
	bus := New(5)
	defer bus.Close()

	ch := bus.SubscribePriority(TypeLedgerHalted)

	bus.PublishPriority(NewTierChangedEvent("agent-1", "NEW", "ESTABLISHED", testTime))
	bus.PublishPriority(NewLedgerHaltedEvent("agent-1", 120, 110, testTime))

	select {
	case received := <-ch:
		ev, ok := received.(LedgerHaltedEvent)
		if !ok {
			t.Fatalf("unexpected event %T", received)
		}
		if ev.Projected != 120 || ev.LogSum != 110 {
			t.Errorf("payload = %+v", ev)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for halted event")
	}
}

func TestEventBus_RingBufferDropsOldest(t *testing.T) {
	bus := New(5)
	defer bus.Close()

	ch := bus.Subscribe()

	for i := 0; i < 10; i++ {
		bus.Publish(NewGradientUpdatedEvent("claim-1", 0.5, i, testTime))
	}

	if bus.DroppedCount() == 0 {
		t.Error("expected some events to be dropped")
	}

	var last GradientUpdatedEvent
	received := 0
	for {
		select {
		case ev := <-ch:
			last = ev.(GradientUpdatedEvent)
			received++
			continue
		default:
		}
		break
	}

	if received != 5 {
		t.Errorf("received = %d, want 5", received)
	}
	if last.VoteCount != 9 {
		t.Errorf("newest event should survive, got vote_count %d", last.VoteCount)
	}
}

func TestEventBus_Unsubscribe(t *testing.T) {
	bus := New(10)
	defer bus.Close()

	ch := bus.Subscribe()
	if bus.SubscriberCount() != 1 {
		t.Fatalf("SubscriberCount() = %d", bus.SubscriberCount())
	}
	bus.Unsubscribe(ch)
	if bus.SubscriberCount() != 0 {
		t.Errorf("SubscriberCount() = %d after unsubscribe", bus.SubscriberCount())
	}
	if _, ok := <-ch; ok {
		t.Error("channel should be closed after unsubscribe")
	}
}

func TestEventBus_CloseStopsPublishing(t *testing.T) {
	bus := New(10)
	ch := bus.Subscribe()
	bus.Close()

	// Must not panic on closed channels.
	bus.Publish(NewGradientUpdatedEvent("claim-1", 0.5, 1, testTime))
	bus.PublishPriority(NewConsensusReachedEvent("claim-1", 0.9, true, 1, testTime))
	bus.Close()

	if _, ok := <-ch; ok {
		t.Error("channel should be closed")
	}
}

func TestEventBus_ConcurrentPublish(t *testing.T) {
	bus := New(1000)
	defer bus.Close()

	ch := bus.Subscribe()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				bus.Publish(NewGradientUpdatedEvent(fmt.Sprintf("claim-%d", n), 0.5, j, testTime))
			}
		}(i)
	}
	wg.Wait()

	received := 0
	for {
		select {
		case <-ch:
			received++
			continue
		default:
		}
		break
	}
	if received+int(bus.DroppedCount()) != 500 {
		t.Errorf("received %d + dropped %d != 500", received, bus.DroppedCount())
	}
}

func TestNewBaseEvent_DefaultsTime(t *testing.T) {
	ev := NewBaseEvent(TypeTierChanged, "agent-1", time.Time{})
	if ev.Timestamp().IsZero() {
		t.Error("zero time should default to now")
	}
	if ev.Subject() != "agent-1" {
		t.Errorf("Subject() = %q", ev.Subject())
	}
}

func TestDiscard(t *testing.T) {
	var p Publisher = Discard{}
	p.Publish(NewGradientUpdatedEvent("c", 0.5, 0, testTime))
	p.PublishPriority(NewConsensusReachedEvent("c", 0.9, true, 1, testTime))
}

package service

import (
	"context"
	"sync"
	"time"

	"github.com/hugo-lorenzo-mato/gradient/internal/adapters/state"
	"github.com/hugo-lorenzo-mato/gradient/internal/events"
)

var testEpoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// manualClock is a core.Clock that only moves when told to.
type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: testEpoch}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// recordingPublisher keeps every published event in order.
type recordingPublisher struct {
	mu       sync.Mutex
	events   []events.Event
	priority []events.Event
}

func (p *recordingPublisher) Publish(ev events.Event) {
	p.mu.Lock()
	p.events = append(p.events, ev)
	p.mu.Unlock()
}

func (p *recordingPublisher) PublishPriority(ev events.Event) {
	p.mu.Lock()
	p.events = append(p.events, ev)
	p.priority = append(p.priority, ev)
	p.mu.Unlock()
}

func (p *recordingPublisher) ofType(eventType string) []events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []events.Event
	for _, ev := range p.events {
		if ev.EventType() == eventType {
			out = append(out, ev)
		}
	}
	return out
}

// staticDirectory answers existence from fixed sets.
type staticDirectory struct {
	claims map[string]bool
	agents map[string]bool
}

func (d staticDirectory) ClaimExists(_ context.Context, id string) (bool, error) {
	return d.claims[id], nil
}

func (d staticDirectory) AgentExists(_ context.Context, id string) (bool, error) {
	return d.agents[id], nil
}

func newTestLedger(store *state.MemoryStore, clock *manualClock, pub *recordingPublisher) *ReputationLedger {
	return NewReputationLedger(store, NewTierClassifier(DefaultTierThresholds()), LedgerConfig{
		Clock:     clock,
		Publisher: pub,
		Retry:     fastRetry(),
	})
}

func fastRetry() *RetryPolicy {
	return NewRetryPolicy(WithMaxAttempts(20), WithBaseDelay(time.Microsecond), WithMaxDelay(time.Millisecond))
}

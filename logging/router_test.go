package logging

import (
	"context"
	"io"
	"log"
	"sync"
	"testing"
	"time"
)

type memorySink struct {
	mu     sync.Mutex
	events []Event
}

func (s *memorySink) Write(event Event) error {
	s.mu.Lock()
	s.events = append(s.events, event)
	s.mu.Unlock()
	return nil
}

func (s *memorySink) Close(context.Context) error { return nil }

func (s *memorySink) snapshot() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func TestRouterFiltersBySeverityAndStampsTime(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	sink := &memorySink{}
	router, err := NewRouter(Config{
		EnabledSinks:    []string{"mem"},
		BufferSize:      16,
		MinimumSeverity: SeverityInfo,
	}, ClockFunc(func() time.Time { return now }), quietLogger(), map[string]Sink{"mem": sink})
	if err != nil {
		t.Fatalf("construct router: %v", err)
	}

	ctx := context.Background()
	router.Publish(ctx, Event{Type: "sim.debug_detail", Severity: SeverityDebug})
	router.Publish(ctx, Event{Type: "sim.player_joined", Severity: SeverityInfo})
	router.Publish(ctx, Event{Type: "net.slow_client", Severity: SeverityWarn})
	router.Publish(ctx, Event{}) // empty type is discarded outright

	if err := router.Close(ctx); err != nil {
		t.Fatalf("close router: %v", err)
	}

	events := sink.snapshot()
	if len(events) != 2 {
		t.Fatalf("expected the two events at or above the floor, got %+v", events)
	}
	if events[0].Type != "sim.player_joined" || events[1].Type != "net.slow_client" {
		t.Fatalf("unexpected routing order: %+v", events)
	}
	for _, ev := range events {
		if !ev.Time.Equal(now) {
			t.Fatalf("expected the router to stamp event time, got %v", ev.Time)
		}
	}
	stats := router.Stats()
	if stats.EventsTotal != 2 || stats.DroppedTotal != 0 {
		t.Fatalf("unexpected counters %+v", stats)
	}
}

func TestRouterDropsOnQueueOverflow(t *testing.T) {
	// A router whose dispatcher has stalled: the bounded queue fills and
	// further publishes must drop without blocking the caller.
	r := &Router{
		queue:    make(chan Event, 2),
		clock:    SystemClock{},
		fallback: quietLogger(),
	}

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		r.Publish(ctx, Event{Type: "sim.tick", Severity: SeverityInfo})
	}

	stats := r.Stats()
	if stats.DroppedTotal != 3 {
		t.Fatalf("expected 3 overflow drops, got %+v", stats)
	}
	if stats.EventsTotal != 0 {
		t.Fatalf("stalled dispatcher should not have forwarded anything, got %+v", stats)
	}
}

func TestRouterIgnoresPublishAfterClose(t *testing.T) {
	sink := &memorySink{}
	router, err := NewRouter(Config{
		EnabledSinks: []string{"mem"},
		BufferSize:   8,
	}, SystemClock{}, quietLogger(), map[string]Sink{"mem": sink})
	if err != nil {
		t.Fatalf("construct router: %v", err)
	}

	ctx := context.Background()
	if err := router.Close(ctx); err != nil {
		t.Fatalf("close router: %v", err)
	}
	router.Publish(ctx, Event{Type: "sim.tick", Severity: SeverityInfo})

	if events := sink.snapshot(); len(events) != 0 {
		t.Fatalf("expected no delivery after close, got %+v", events)
	}
	if stats := router.Stats(); stats.DroppedTotal != 0 {
		t.Fatalf("publish after close must be a silent no-op, got %+v", stats)
	}
}

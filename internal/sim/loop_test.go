package sim

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type stubCore struct {
	mu      sync.Mutex
	applied [][]Command
	tick    uint64
}

func (c *stubCore) Deps() Deps { return Deps{} }

func (c *stubCore) Apply(cmds []Command) {
	c.mu.Lock()
	c.applied = append(c.applied, cmds)
	c.mu.Unlock()
}

func (c *stubCore) Step(float64) {
	atomic.AddUint64(&c.tick, 1)
}

func (c *stubCore) Tick() uint64 {
	return atomic.LoadUint64(&c.tick)
}

func TestEnqueueRespectsPerActorLimit(t *testing.T) {
	loop := NewLoop(&stubCore{}, LoopConfig{CommandCapacity: 16, PerActorLimit: 2}, LoopHooks{})

	for i := 0; i < 2; i++ {
		if ok, reason := loop.Enqueue(Command{ActorID: "a", Type: CommandMove}); !ok {
			t.Fatalf("command %d rejected: %s", i, reason)
		}
	}
	ok, reason := loop.Enqueue(Command{ActorID: "a", Type: CommandMove})
	if ok || reason != CommandRejectQueueLimit {
		t.Fatalf("expected queue_limit rejection, got ok=%v reason=%q", ok, reason)
	}
	// Another actor is unaffected.
	if ok, _ := loop.Enqueue(Command{ActorID: "b", Type: CommandMove}); !ok {
		t.Fatalf("expected other actor to be admitted")
	}

	// Draining resets the per-actor window.
	loop.Advance(LoopTickContext{Tick: 1, Now: time.Now(), Delta: 1.0 / 15})
	if ok, reason := loop.Enqueue(Command{ActorID: "a", Type: CommandMove}); !ok {
		t.Fatalf("expected admission after drain, got %s", reason)
	}
}

func TestEnqueueRejectsWhenBufferFull(t *testing.T) {
	loop := NewLoop(&stubCore{}, LoopConfig{CommandCapacity: 2}, LoopHooks{})

	loop.Enqueue(Command{ActorID: "a", Type: CommandMove})
	loop.Enqueue(Command{ActorID: "b", Type: CommandMove})
	ok, reason := loop.Enqueue(Command{ActorID: "c", Type: CommandMove})
	if ok || reason != CommandRejectQueueFull {
		t.Fatalf("expected queue_full rejection, got ok=%v reason=%q", ok, reason)
	}
}

func TestAdvanceAppliesCommandsInOrder(t *testing.T) {
	core := &stubCore{}
	loop := NewLoop(core, LoopConfig{CommandCapacity: 16}, LoopHooks{})

	for seq := uint64(1); seq <= 3; seq++ {
		loop.Enqueue(Command{ActorID: "a", Type: CommandMove, Seq: seq})
	}
	result := loop.Advance(LoopTickContext{Tick: 1, Now: time.Now(), Delta: 1.0 / 15})

	if result.Commands != 3 || result.Tick != 1 {
		t.Fatalf("unexpected step result %+v", result)
	}
	core.mu.Lock()
	defer core.mu.Unlock()
	if len(core.applied) != 1 || len(core.applied[0]) != 3 {
		t.Fatalf("expected one batch of three commands, got %+v", core.applied)
	}
	for i, cmd := range core.applied[0] {
		if cmd.Seq != uint64(i+1) {
			t.Fatalf("commands out of order: %+v", core.applied[0])
		}
	}
	if loop.Pending() != 0 {
		t.Fatalf("expected empty queue after advance, got %d", loop.Pending())
	}
}

func TestCommandDropHookFires(t *testing.T) {
	var dropped []string
	loop := NewLoop(&stubCore{}, LoopConfig{CommandCapacity: 16, PerActorLimit: 1}, LoopHooks{
		OnCommandDrop: func(reason string, cmd Command) {
			dropped = append(dropped, reason)
		},
	})

	loop.Enqueue(Command{ActorID: "a", Type: CommandMove})
	loop.Enqueue(Command{ActorID: "a", Type: CommandMove})
	if len(dropped) != 1 || dropped[0] != CommandRejectQueueLimit {
		t.Fatalf("expected one queue_limit drop, got %v", dropped)
	}
}

func TestQueueWarningHook(t *testing.T) {
	var warned []int
	loop := NewLoop(&stubCore{}, LoopConfig{CommandCapacity: 16, WarningStep: 2}, LoopHooks{
		OnQueueWarning: func(length int) {
			warned = append(warned, length)
		},
	})

	loop.Enqueue(Command{ActorID: "a", Type: CommandMove})
	loop.Enqueue(Command{ActorID: "b", Type: CommandMove})
	if len(warned) != 1 || warned[0] != 2 {
		t.Fatalf("expected warning at depth 2, got %v", warned)
	}
}

func TestRunTicksUntilStopped(t *testing.T) {
	core := &stubCore{}
	var steps atomic.Uint64
	loop := NewLoop(core, LoopConfig{TickRate: 200, CommandCapacity: 16}, LoopHooks{
		AfterStep: func(result LoopStepResult) {
			if result.Delta <= 0 {
				t.Errorf("non-positive delta in step result %+v", result)
			}
			steps.Add(1)
		},
	})

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		loop.Run(stop)
		close(done)
	}()

	time.Sleep(100 * time.Millisecond)
	close(stop)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("loop did not stop")
	}
	if steps.Load() < 5 {
		t.Fatalf("expected several ticks, got %d", steps.Load())
	}
}

func TestCommandBufferWrapsAround(t *testing.T) {
	buffer := NewCommandBuffer(3, nil)

	for seq := uint64(1); seq <= 3; seq++ {
		if !buffer.Push(Command{Seq: seq}) {
			t.Fatalf("push %d failed", seq)
		}
	}
	if buffer.Push(Command{Seq: 4}) {
		t.Fatalf("expected push beyond capacity to fail")
	}
	first := buffer.Drain()
	if len(first) != 3 || first[0].Seq != 1 || first[2].Seq != 3 {
		t.Fatalf("unexpected drain order %+v", first)
	}

	// The ring is reusable after a drain.
	buffer.Push(Command{Seq: 5})
	second := buffer.Drain()
	if len(second) != 1 || second[0].Seq != 5 {
		t.Fatalf("unexpected second drain %+v", second)
	}
	if buffer.Len() != 0 || buffer.Capacity() != 3 {
		t.Fatalf("unexpected buffer state len=%d cap=%d", buffer.Len(), buffer.Capacity())
	}
}

package delta

import (
	"testing"
	"time"

	"stardrift/server/internal/world"
)

type manualClock struct {
	now time.Time
}

func (c *manualClock) Now() time.Time {
	return c.now
}

func newTestTracker() (*Tracker, *manualClock) {
	clock := &manualClock{now: time.Unix(5000, 0)}
	return NewTracker(TrackerConfig{KeyframeInterval: 2, JournalCapacity: 4, JournalMaxAge: time.Minute}, clock), clock
}

func view(players []world.PlayerView, resources []world.ResourceView) world.View {
	return world.View{Players: players, Resources: resources}
}

func TestFirstDeltaIsFullSnapshot(t *testing.T) {
	tr, _ := newTestTracker()

	current := view(
		[]world.PlayerView{{ID: "p1", X: 10, Y: 20}},
		[]world.ResourceView{{ID: "r1", X: 5, Y: 5, Amount: 100}},
	)
	result := tr.GetDelta("client-1", current)
	if !result.Full {
		t.Fatalf("expected first delta to be a full snapshot")
	}
	if !result.HasChanges {
		t.Fatalf("expected full snapshot to report changes")
	}
	if len(result.Delta.Players.Added) != 1 || len(result.Delta.Resources.Added) != 1 {
		t.Fatalf("expected everything in added, got %+v", result.Delta)
	}
	if result.Version != 1 {
		t.Fatalf("expected version 1, got %d", result.Version)
	}
}

func TestSingleFieldChangeYieldsMinimalModified(t *testing.T) {
	tr, _ := newTestTracker()

	base := view([]world.PlayerView{{ID: "p1", X: 10, Y: 20, Hull: 100}}, nil)
	tr.GetDelta("client-1", base)

	moved := view([]world.PlayerView{{ID: "p1", X: 11, Y: 20, Hull: 100}}, nil)
	result := tr.GetDelta("client-1", moved)

	if result.Full {
		t.Fatalf("expected incremental delta")
	}
	if !result.HasChanges {
		t.Fatalf("expected changes")
	}
	mods := result.Delta.Players.Modified
	if len(mods) != 1 {
		t.Fatalf("expected exactly one modified entry, got %d", len(mods))
	}
	entry := mods[0]
	if len(entry) != 2 {
		t.Fatalf("expected only id plus the changed field, got %v", entry)
	}
	if entry["id"] != "p1" || entry["x"] != 11.0 {
		t.Fatalf("unexpected modified entry %v", entry)
	}
}

func TestNoChangeSecondCall(t *testing.T) {
	tr, _ := newTestTracker()

	current := view([]world.PlayerView{{ID: "p1", X: 1}}, []world.ResourceView{{ID: "r1", Amount: 5}})
	tr.GetDelta("client-1", current)
	result := tr.GetDelta("client-1", current)

	if result.HasChanges {
		t.Fatalf("expected hasChanges=false with no intervening change, got %+v", result.Delta)
	}
	if result.Version != 2 {
		t.Fatalf("expected version to advance on every recompute, got %d", result.Version)
	}
}

func TestRemovedIds(t *testing.T) {
	tr, _ := newTestTracker()

	tr.GetDelta("client-1", view(
		[]world.PlayerView{{ID: "p1"}, {ID: "p2"}},
		[]world.ResourceView{{ID: "r1"}},
	))
	result := tr.GetDelta("client-1", view([]world.PlayerView{{ID: "p1"}}, nil))

	if got := result.Delta.Players.Removed; len(got) != 1 || got[0] != "p2" {
		t.Fatalf("expected p2 removed, got %v", got)
	}
	if got := result.Delta.Resources.Removed; len(got) != 1 || got[0] != "r1" {
		t.Fatalf("expected r1 removed, got %v", got)
	}
}

func TestBaselinesAreIndependentPerClient(t *testing.T) {
	tr, _ := newTestTracker()

	shared := view([]world.PlayerView{{ID: "p1", X: 1}}, nil)
	tr.GetDelta("client-1", shared)

	// client-2 has no baseline; the same current state must be a full
	// snapshot for it, not an empty delta computed against client-1's copy.
	result := tr.GetDelta("client-2", shared)
	if !result.Full || len(result.Delta.Players.Added) != 1 {
		t.Fatalf("expected independent full snapshot for client-2, got %+v", result)
	}
}

func TestDropBaselineForcesFullSnapshot(t *testing.T) {
	tr, _ := newTestTracker()

	current := view([]world.PlayerView{{ID: "p1", X: 1}}, nil)
	tr.GetDelta("client-1", current)
	tr.DropBaseline("client-1")

	result := tr.GetDelta("client-1", current)
	if !result.Full {
		t.Fatalf("expected full snapshot after baseline drop")
	}
	if len(result.Delta.Players.Added) != 1 {
		t.Fatalf("expected full content after baseline drop, got %+v", result.Delta)
	}
}

func TestKeyframeJournalWindow(t *testing.T) {
	tr, clock := newTestTracker()

	v := view([]world.PlayerView{{ID: "p1", X: 1}}, nil)
	tr.GetDelta("client-1", v) // version 1, full keyframe
	v.Players[0].X = 2
	tr.GetDelta("client-1", v) // version 2, interval keyframe

	if _, ok := tr.KeyframeByVersion("client-1", 2); !ok {
		t.Fatalf("expected keyframe for version 2")
	}

	clock.now = clock.now.Add(2 * time.Minute)
	if _, ok := tr.KeyframeByVersion("client-1", 2); ok {
		t.Fatalf("expected keyframe to expire by age")
	}
}

func TestForgetRemovesTracking(t *testing.T) {
	tr, _ := newTestTracker()
	tr.GetDelta("client-1", view([]world.PlayerView{{ID: "p1"}}, nil))
	tr.Forget("client-1")
	if stats := tr.Stats(); stats.Clients != 0 {
		t.Fatalf("expected no tracked clients, got %d", stats.Clients)
	}
}

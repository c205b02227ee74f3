package pool

import (
	"errors"
	"testing"
)

func TestAcquireAfterReleaseYieldsResetValue(t *testing.T) {
	m := NewManager(8)

	p := m.Projectiles.Acquire()
	p.ID = "proj-1"
	p.OwnerID = "player-1"
	p.X = 120
	p.Y = 45
	p.VX = 3
	p.VY = -2
	p.TTL = 1.5
	m.Projectiles.Release(p)

	reused := m.Projectiles.Acquire()
	if reused != p {
		t.Fatalf("expected the released instance to be reused")
	}
	if *reused != (Projectile{}) {
		t.Fatalf("expected reset defaults, got %+v", *reused)
	}
}

func TestReleaseBeyondCapDiscards(t *testing.T) {
	p := New("test", 1,
		func() *CollisionResult { return &CollisionResult{} },
		func(v *CollisionResult) { *v = CollisionResult{} })

	a := p.Acquire()
	b := p.Acquire()
	p.Release(a)
	p.Release(b)

	stats := p.Stats()
	if stats.Free != 1 {
		t.Fatalf("expected free list capped at 1, got %d", stats.Free)
	}
	if stats.Discarded != 1 {
		t.Fatalf("expected one discard, got %d", stats.Discarded)
	}
}

func TestHitRateTracksReuse(t *testing.T) {
	m := NewManager(8)

	v := m.Vectors.Acquire()
	m.Vectors.Release(v)
	m.Vectors.Acquire()

	stats, err := m.StatsFor(CategoryVector)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.Acquired != 2 || stats.Reused != 1 {
		t.Fatalf("expected acquired=2 reused=1, got %+v", stats)
	}
	if stats.HitRate != 0.5 {
		t.Fatalf("expected hit rate 0.5, got %v", stats.HitRate)
	}
}

func TestUnknownCategoryLookup(t *testing.T) {
	m := NewManager(8)
	if _, err := m.StatsFor("wormhole"); !errors.Is(err, ErrUnknownCategory) {
		t.Fatalf("expected ErrUnknownCategory, got %v", err)
	}
}

func TestMessagePoolKeepsPayloadCapacity(t *testing.T) {
	m := NewManager(8)

	msg := m.Messages.Acquire()
	msg.Payload = append(msg.Payload, []byte("hello world")...)
	m.Messages.Release(msg)

	reused := m.Messages.Acquire()
	if len(reused.Payload) != 0 {
		t.Fatalf("expected payload reset to zero length, got %d", len(reused.Payload))
	}
	if cap(reused.Payload) == 0 {
		t.Fatalf("expected payload capacity to be retained")
	}
}

func TestStatsCoversAllCategories(t *testing.T) {
	m := NewManager(8)
	all := m.Stats()
	if len(all) != 7 {
		t.Fatalf("expected seven categories, got %d", len(all))
	}
}

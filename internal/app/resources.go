package app

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"stardrift/server/internal/physics"
	"stardrift/server/internal/pool"
	"stardrift/server/internal/sim"
	"stardrift/server/internal/telemetry"
	"stardrift/server/internal/world"
)

var oreKinds = []string{"iron", "gold", "crystal"}

// resourceSpawner is the session-layer half of resource handling: it seeds
// ore nodes into the engine, consumes the engine's collection events, and
// respawns consumed nodes after a cooldown. Node records and respawn timers
// come from the shared pools so steady-state churn allocates nothing.
type resourceSpawner struct {
	engine       *sim.Engine
	pools        *pool.Manager
	logger       telemetry.Logger
	rng          *rand.Rand
	bounds       physics.Bounds
	target       int
	respawnDelay time.Duration

	mu      sync.Mutex
	nextID  uint64
	live    map[string]*pool.ResourceNode
	pending []*pool.ScheduledEvent
}

func newResourceSpawner(engine *sim.Engine, pools *pool.Manager, logger telemetry.Logger, bounds physics.Bounds, target int, respawnDelay time.Duration, seed int64) *resourceSpawner {
	if logger == nil {
		logger = telemetry.LoggerFunc(func(string, ...any) {})
	}
	return &resourceSpawner{
		engine:       engine,
		pools:        pools,
		logger:       logger,
		rng:          rand.New(rand.NewSource(seed)),
		bounds:       bounds,
		target:       target,
		respawnDelay: respawnDelay,
		live:         make(map[string]*pool.ResourceNode),
	}
}

// run drives the spawner until the stop channel closes.
func (s *resourceSpawner) run(stop <-chan struct{}) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			s.tick(now)
		}
	}
}

// tick consumes collection events, releases respawn timers that have come
// due, and tops the world back up to the target node count.
func (s *resourceSpawner) tick(now time.Time) {
	for _, ev := range s.engine.DrainEvents() {
		s.recordCollected(ev, now)
	}

	s.mu.Lock()
	remaining := s.pending[:0]
	for _, timer := range s.pending {
		if deadline, ok := timer.Payload.(time.Time); ok && now.Before(deadline) {
			remaining = append(remaining, timer)
			continue
		}
		s.pools.Events.Release(timer)
	}
	s.pending = remaining
	missing := s.target - len(s.live) - len(s.pending)
	s.mu.Unlock()

	for i := 0; i < missing; i++ {
		s.spawnOne()
	}
}

// recordCollected returns the node to its pool and schedules a replacement.
func (s *resourceSpawner) recordCollected(ev world.CollectionEvent, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	node, ok := s.live[ev.ObjectID]
	if !ok {
		return
	}
	delete(s.live, ev.ObjectID)
	s.pools.Resources.Release(node)

	timer := s.pools.Events.Acquire()
	timer.ID = ev.ObjectID
	timer.Kind = "resource_respawn"
	timer.Payload = now.Add(s.respawnDelay)
	s.pending = append(s.pending, timer)
}

func (s *resourceSpawner) spawnOne() {
	s.mu.Lock()
	node := s.pools.Resources.Acquire()
	s.nextID++
	node.ID = fmt.Sprintf("ore-%d", s.nextID)
	node.X = s.bounds.MinX + s.rng.Float64()*(s.bounds.MaxX-s.bounds.MinX)
	node.Y = s.bounds.MinY + s.rng.Float64()*(s.bounds.MaxY-s.bounds.MinY)
	node.Kind = oreKinds[s.rng.Intn(len(oreKinds))]
	node.Amount = 1 + s.rng.Intn(5)
	s.live[node.ID] = node
	obj := sim.WorldObject{
		Object: world.Object{ID: node.ID, X: node.X, Y: node.Y, Type: world.ObjectResource},
		Kind:   node.Kind,
		Amount: node.Amount,
	}
	s.mu.Unlock()

	s.engine.UpsertObject(obj)
}

// liveCount reports the number of nodes currently in the world.
func (s *resourceSpawner) liveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}

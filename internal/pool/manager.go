package pool

import (
	"errors"
	"fmt"
	"sort"

	"stardrift/server/internal/world"
)

// ErrUnknownCategory is returned when a stats lookup names a category no pool
// was registered under.
var ErrUnknownCategory = errors.New("pool: unknown category")

// Category names for the built-in pools.
const (
	CategoryResource   = "resource"
	CategoryProjectile = "projectile"
	CategoryParticle   = "particle"
	CategoryEvent      = "scheduled_event"
	CategoryMessage    = "outbound_message"
	CategoryCollision  = "collision_result"
	CategoryVector     = "vector"
)

// ResourceNode is a pooled ore node record.
type ResourceNode struct {
	ID     string
	X      float64
	Y      float64
	Kind   string
	Amount int
}

// Projectile is a pooled projectile record.
type Projectile struct {
	ID      string
	OwnerID string
	X       float64
	Y       float64
	VX      float64
	VY      float64
	TTL     float64
}

// Particle is a pooled cosmetic particle record.
type Particle struct {
	X    float64
	Y    float64
	VX   float64
	VY   float64
	Life float64
	Kind string
}

// ScheduledEvent is a pooled deferred-work record.
type ScheduledEvent struct {
	ID      string
	DueTick uint64
	Kind    string
	Payload any
}

// OutboundMessage is a pooled wire message awaiting batching.
type OutboundMessage struct {
	ClientID string
	Type     string
	Payload  []byte
}

// CollisionResult is a pooled collision-check result record.
type CollisionResult struct {
	A        string
	B        string
	Distance float64
}

type statsProvider interface {
	Stats() Stats
}

// Manager owns one pool per value category and aggregates their statistics.
type Manager struct {
	Resources   *Pool[ResourceNode]
	Projectiles *Pool[Projectile]
	Particles   *Pool[Particle]
	Events      *Pool[ScheduledEvent]
	Messages    *Pool[OutboundMessage]
	Collisions  *Pool[CollisionResult]
	Vectors     *Pool[world.Vec2]

	byCategory map[string]statsProvider
}

// NewManager constructs the built-in pools, each capped at maxFree retained
// values.
func NewManager(maxFree int) *Manager {
	if maxFree <= 0 {
		maxFree = 256
	}
	m := &Manager{
		Resources: New(CategoryResource, maxFree,
			func() *ResourceNode { return &ResourceNode{} },
			func(v *ResourceNode) { *v = ResourceNode{} }),
		Projectiles: New(CategoryProjectile, maxFree,
			func() *Projectile { return &Projectile{} },
			func(v *Projectile) { *v = Projectile{} }),
		Particles: New(CategoryParticle, maxFree,
			func() *Particle { return &Particle{} },
			func(v *Particle) { *v = Particle{} }),
		Events: New(CategoryEvent, maxFree,
			func() *ScheduledEvent { return &ScheduledEvent{} },
			func(v *ScheduledEvent) { *v = ScheduledEvent{} }),
		Messages: New(CategoryMessage, maxFree,
			func() *OutboundMessage { return &OutboundMessage{} },
			func(v *OutboundMessage) { v.ClientID = ""; v.Type = ""; v.Payload = v.Payload[:0] }),
		Collisions: New(CategoryCollision, maxFree,
			func() *CollisionResult { return &CollisionResult{} },
			func(v *CollisionResult) { *v = CollisionResult{} }),
		Vectors: New(CategoryVector, maxFree,
			func() *world.Vec2 { return &world.Vec2{} },
			func(v *world.Vec2) { *v = world.Vec2{} }),
	}
	m.byCategory = map[string]statsProvider{
		CategoryResource:   m.Resources,
		CategoryProjectile: m.Projectiles,
		CategoryParticle:   m.Particles,
		CategoryEvent:      m.Events,
		CategoryMessage:    m.Messages,
		CategoryCollision:  m.Collisions,
		CategoryVector:     m.Vectors,
	}
	return m
}

// StatsFor reports the counters of a single category.
func (m *Manager) StatsFor(category string) (Stats, error) {
	if m == nil {
		return Stats{}, ErrUnknownCategory
	}
	provider, ok := m.byCategory[category]
	if !ok {
		return Stats{}, fmt.Errorf("%w: %q", ErrUnknownCategory, category)
	}
	return provider.Stats(), nil
}

// Stats reports the counters of every registered pool, ordered by category.
func (m *Manager) Stats() []Stats {
	if m == nil {
		return nil
	}
	categories := make([]string, 0, len(m.byCategory))
	for category := range m.byCategory {
		categories = append(categories, category)
	}
	sort.Strings(categories)
	all := make([]Stats, 0, len(categories))
	for _, category := range categories {
		all = append(all, m.byCategory[category].Stats())
	}
	return all
}

// Package cull computes the bounded per-client set of visible object ids.
// Visibility range depends on object type and the observing client's sensor
// attributes; when too many objects qualify, the set is truncated by priority
// so players and projectiles are never starved out by ambient clutter.
package cull

import (
	"sort"
	"time"

	"stardrift/server/internal/spatial"
	"stardrift/server/internal/world"
	"stardrift/server/logging"
)

// Config tunes visibility ranges and the per-client object budget.
type Config struct {
	// MaxViewDistance is the full sensor range, applied to player objects.
	MaxViewDistance float64
	// MaxObjectsPerClient caps the visible set size.
	MaxObjectsPerClient int
	// ResourceRangeFraction scales MaxViewDistance for ore nodes before the
	// client's detection multiplier is applied.
	ResourceRangeFraction float64
	// StructureRangeMultiplier extends MaxViewDistance for stations.
	StructureRangeMultiplier float64
	// EffectRange is the short absolute range for transient effects.
	EffectRange float64
	// EffectMaxAge hides effects older than this window.
	EffectMaxAge time.Duration
	// StaleObjectAge is how long an object may go without an update before
	// PurgeStale drops it.
	StaleObjectAge time.Duration
	// CellSize is the pitch of the internal candidate index.
	CellSize float64
}

// DefaultConfig mirrors the ranges used by the stock server.
func DefaultConfig() Config {
	return Config{
		MaxViewDistance:          1200,
		MaxObjectsPerClient:      150,
		ResourceRangeFraction:    0.5,
		StructureRangeMultiplier: 1.5,
		EffectRange:              400,
		EffectMaxAge:             3 * time.Second,
		StaleObjectAge:           30 * time.Second,
		CellSize:                 256,
	}
}

type trackedObject struct {
	id        string
	x         float64
	y         float64
	kind      world.ObjectType
	meta      world.Metadata
	firstSeen time.Time
	updatedAt time.Time
}

type observer struct {
	x         float64
	y         float64
	detection float64
}

// Stats is a point-in-time snapshot of the culling system.
type Stats struct {
	Clients      int           `json:"clients"`
	Objects      int           `json:"objects"`
	Queries      uint64        `json:"queries"`
	Truncations  uint64        `json:"truncations"`
	StalePurged  uint64        `json:"stalePurged"`
	SpatialStats spatial.Stats `json:"spatial"`
}

// System tracks observers and objects and answers per-client visibility. It is
// owned by the tick loop and is not safe for concurrent use.
type System struct {
	cfg     Config
	clock   logging.Clock
	index   *spatial.Index
	objects map[string]*trackedObject
	clients map[string]*observer

	queries     uint64
	truncations uint64
	stalePurged uint64
}

// NewSystem constructs a culling system with the given configuration.
func NewSystem(cfg Config, clock logging.Clock) *System {
	if cfg.MaxViewDistance <= 0 {
		cfg.MaxViewDistance = DefaultConfig().MaxViewDistance
	}
	if cfg.MaxObjectsPerClient <= 0 {
		cfg.MaxObjectsPerClient = DefaultConfig().MaxObjectsPerClient
	}
	if cfg.ResourceRangeFraction <= 0 {
		cfg.ResourceRangeFraction = DefaultConfig().ResourceRangeFraction
	}
	if cfg.StructureRangeMultiplier <= 0 {
		cfg.StructureRangeMultiplier = DefaultConfig().StructureRangeMultiplier
	}
	if cfg.EffectRange <= 0 {
		cfg.EffectRange = DefaultConfig().EffectRange
	}
	if cfg.EffectMaxAge <= 0 {
		cfg.EffectMaxAge = DefaultConfig().EffectMaxAge
	}
	if cfg.StaleObjectAge <= 0 {
		cfg.StaleObjectAge = DefaultConfig().StaleObjectAge
	}
	if clock == nil {
		clock = logging.SystemClock{}
	}
	return &System{
		cfg:     cfg,
		clock:   clock,
		index:   spatial.NewIndex(cfg.CellSize),
		objects: make(map[string]*trackedObject),
		clients: make(map[string]*observer),
	}
}

// UpdatePlayerPosition records an observer's position, creating the observer
// on first sight.
func (s *System) UpdatePlayerPosition(clientID string, x, y float64) {
	if s == nil || clientID == "" {
		return
	}
	obs, ok := s.clients[clientID]
	if !ok {
		obs = &observer{detection: 1}
		s.clients[clientID] = obs
	}
	obs.x = x
	obs.y = y
}

// SetClientDetection stores the client's resource detection multiplier.
func (s *System) SetClientDetection(clientID string, multiplier float64) {
	if s == nil || clientID == "" {
		return
	}
	obs, ok := s.clients[clientID]
	if !ok {
		obs = &observer{}
		s.clients[clientID] = obs
	}
	if multiplier <= 0 {
		multiplier = 1
	}
	obs.detection = multiplier
}

// ForgetClient drops an observer on disconnect.
func (s *System) ForgetClient(clientID string) {
	if s == nil {
		return
	}
	delete(s.clients, clientID)
}

// UpdateObject records an object's position, type, and metadata.
func (s *System) UpdateObject(id string, x, y float64, kind world.ObjectType, meta world.Metadata) {
	if s == nil || id == "" {
		return
	}
	now := s.clock.Now()
	obj, ok := s.objects[id]
	if !ok {
		obj = &trackedObject{id: id, firstSeen: now}
		s.objects[id] = obj
	}
	obj.x = x
	obj.y = y
	obj.kind = kind
	obj.meta = meta
	obj.updatedAt = now
	s.index.Update(id, x, y)
}

// RemoveObject forgets an object. Unknown ids are a no-op.
func (s *System) RemoveObject(id string) {
	if s == nil {
		return
	}
	if _, ok := s.objects[id]; !ok {
		return
	}
	delete(s.objects, id)
	s.index.Remove(id)
}

// VisibleObjects returns at most MaxObjectsPerClient object ids visible to the
// client, ranked by type priority then distance. The client's own object is
// never included.
func (s *System) VisibleObjects(clientID string) []string {
	if s == nil {
		return nil
	}
	obs, ok := s.clients[clientID]
	if !ok {
		return nil
	}
	s.queries++
	now := s.clock.Now()

	type candidate struct {
		id     string
		tier   int
		hint   int
		distSq float64
	}

	maxRange := s.cfg.MaxViewDistance * s.cfg.StructureRangeMultiplier
	if s.cfg.MaxViewDistance > maxRange {
		maxRange = s.cfg.MaxViewDistance
	}

	ids := s.index.QueryRadius(obs.x, obs.y, maxRange)
	candidates := make([]candidate, 0, len(ids))
	for _, id := range ids {
		if id == clientID {
			continue
		}
		obj, tracked := s.objects[id]
		if !tracked {
			continue
		}
		limit := s.rangeFor(obj, obs, now)
		if limit <= 0 {
			continue
		}
		dx := obj.x - obs.x
		dy := obj.y - obs.y
		distSq := dx*dx + dy*dy
		if distSq > limit*limit {
			continue
		}
		candidates = append(candidates, candidate{
			id:     id,
			tier:   typePriority(obj.kind),
			hint:   obj.meta.PriorityHint,
			distSq: distSq,
		})
	}

	// Type tier ranks first; the session-supplied hint only reorders objects
	// within a tier, so no hint can lift ore above a ship.
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].tier != candidates[j].tier {
			return candidates[i].tier > candidates[j].tier
		}
		if candidates[i].hint != candidates[j].hint {
			return candidates[i].hint > candidates[j].hint
		}
		if candidates[i].distSq != candidates[j].distSq {
			return candidates[i].distSq < candidates[j].distSq
		}
		return candidates[i].id < candidates[j].id
	})

	if len(candidates) > s.cfg.MaxObjectsPerClient {
		candidates = candidates[:s.cfg.MaxObjectsPerClient]
		s.truncations++
	}

	visible := make([]string, len(candidates))
	for i, c := range candidates {
		visible[i] = c.id
	}
	return visible
}

// ObjectType reports the tracked type for an id.
func (s *System) ObjectType(id string) (world.ObjectType, bool) {
	if s == nil {
		return "", false
	}
	obj, ok := s.objects[id]
	if !ok {
		return "", false
	}
	return obj.kind, true
}

// PurgeStale drops objects that have not been updated within StaleObjectAge.
// Ids the live callback still vouches for are kept regardless of age: idle
// players and untouched resources stay visible for as long as they remain
// canonical. A nil callback vouches for nothing.
func (s *System) PurgeStale(live func(id string) bool) int {
	if s == nil {
		return 0
	}
	cutoff := s.clock.Now().Add(-s.cfg.StaleObjectAge)
	purged := 0
	for id, obj := range s.objects {
		if !obj.updatedAt.Before(cutoff) {
			continue
		}
		if live != nil && live(id) {
			continue
		}
		delete(s.objects, id)
		s.index.Remove(id)
		purged++
	}
	s.stalePurged += uint64(purged)
	return purged
}

// Stats reports counters and the underlying index snapshot.
func (s *System) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	return Stats{
		Clients:      len(s.clients),
		Objects:      len(s.objects),
		Queries:      s.queries,
		Truncations:  s.truncations,
		StalePurged:  s.stalePurged,
		SpatialStats: s.index.Stats(),
	}
}

// rangeFor resolves the type-dependent visibility range, or 0 when the object
// is categorically hidden (e.g. an expired effect).
func (s *System) rangeFor(obj *trackedObject, obs *observer, now time.Time) float64 {
	switch obj.kind {
	case world.ObjectPlayer, world.ObjectProjectile:
		return s.cfg.MaxViewDistance
	case world.ObjectResource:
		detection := obs.detection
		if detection <= 0 {
			detection = 1
		}
		if obj.meta.DetectionMultiplier > 0 {
			detection *= obj.meta.DetectionMultiplier
		}
		return s.cfg.MaxViewDistance * s.cfg.ResourceRangeFraction * detection
	case world.ObjectStructure:
		return s.cfg.MaxViewDistance * s.cfg.StructureRangeMultiplier
	case world.ObjectEffect:
		if now.Sub(obj.firstSeen) > s.cfg.EffectMaxAge {
			return 0
		}
		return s.cfg.EffectRange
	default:
		return s.cfg.MaxViewDistance
	}
}

func typePriority(kind world.ObjectType) int {
	switch kind {
	case world.ObjectPlayer:
		return 400
	case world.ObjectProjectile:
		return 300
	case world.ObjectStructure:
		return 200
	case world.ObjectResource:
		return 100
	case world.ObjectEffect:
		return 50
	default:
		return 0
	}
}

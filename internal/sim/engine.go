// Package sim owns the authoritative tick. The engine is the single writer of
// canonical world state: connection handlers and the session layer stage their
// intents (commands, joins, object upserts), and the tick drains the staging
// queues, applies physics results from earlier ticks, submits new physics
// batches, and replicates per-client deltas through the outbound pipeline.
package sim

import (
	"context"
	"math"
	"sync"
	"time"

	"stardrift/server/internal/broadcast"
	"stardrift/server/internal/cull"
	"stardrift/server/internal/delta"
	"stardrift/server/internal/outbound"
	"stardrift/server/internal/physics"
	"stardrift/server/internal/spatial"
	"stardrift/server/internal/telemetry"
	"stardrift/server/internal/world"
	"stardrift/server/logging"
)

// A physics result that has not resolved after this many ticks is presumed
// lost to a worker crash and its channel is abandoned.
const staleResultTicks = 120

// Deps bundles the cross-cutting dependencies injected into the engine.
type Deps struct {
	Logger    telemetry.Logger
	Metrics   telemetry.Metrics
	Publisher logging.Publisher
	Clock     logging.Clock
}

func (d Deps) normalized() Deps {
	if d.Logger == nil {
		d.Logger = telemetry.LoggerFunc(func(string, ...any) {})
	}
	if d.Metrics == nil {
		d.Metrics = noopMetrics{}
	}
	if d.Publisher == nil {
		d.Publisher = logging.NopPublisher()
	}
	if d.Clock == nil {
		d.Clock = logging.SystemClock{}
	}
	return d
}

type noopMetrics struct{}

func (noopMetrics) Add(string, uint64)   {}
func (noopMetrics) Store(string, uint64) {}

// Config tunes the engine and its subsystems.
type Config struct {
	// Bounds clamps integrated positions. A zero Bounds means open space.
	Bounds physics.Bounds
	// MoveSpeed is the default player speed in units per second.
	MoveSpeed float64
	// DefaultCollectRange is the collection sweep radius when a collect
	// command does not carry its own.
	DefaultCollectRange float64
	// PlayerRadius is the bounding-circle radius used for ship overlap
	// checks. Zero disables collision batches.
	PlayerRadius float64
	// CellSize is the pitch of the canonical position index.
	CellSize float64
	// HeartbeatTimeout disconnects clients silent for longer than this.
	// Zero disables the sweep.
	HeartbeatTimeout time.Duration
	// PurgeEveryTicks runs the stale-object purge every N ticks.
	PurgeEveryTicks uint64

	Cull      cull.Config
	Delta     delta.TrackerConfig
	Outbound  outbound.Config
	Broadcast broadcast.Config
	Physics   physics.Config
}

// DefaultConfig sizes the engine for a small sector server.
func DefaultConfig() Config {
	return Config{
		Bounds:              physics.Bounds{MinX: 0, MinY: 0, MaxX: 8000, MaxY: 8000},
		MoveSpeed:           180,
		DefaultCollectRange: 120,
		PlayerRadius:        24,
		CellSize:            256,
		HeartbeatTimeout:    15 * time.Second,
		PurgeEveryTicks:     150,
		Cull:                cull.DefaultConfig(),
		Outbound:            outbound.DefaultConfig(),
		Broadcast:           broadcast.DefaultConfig(),
		Physics:             physics.DefaultConfig(),
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.MoveSpeed <= 0 {
		c.MoveSpeed = defaults.MoveSpeed
	}
	if c.DefaultCollectRange <= 0 {
		c.DefaultCollectRange = defaults.DefaultCollectRange
	}
	if c.CellSize <= 0 {
		c.CellSize = defaults.CellSize
	}
	if c.PurgeEveryTicks == 0 {
		c.PurgeEveryTicks = defaults.PurgeEveryTicks
	}
	return c
}

// WorldObject couples a tracked object with its replicated payload. Kind and
// Amount are only meaningful for resource objects.
type WorldObject struct {
	world.Object
	Kind   string
	Amount int
}

type playerState struct {
	id             string
	name           string
	x              float64
	y              float64
	rotation       float64
	hull           float64
	dx             float64
	dy             float64
	speed          float64
	collectPending bool
	collectRange   float64
	lastHeartbeat  time.Time
}

type joinRequest struct {
	id   string
	name string
	x    float64
	y    float64
}

type stagedKind int

const (
	stageJoin stagedKind = iota
	stageLeave
	stageUpsert
	stageRemove
	stageDetection
)

type stagedOp struct {
	kind   stagedKind
	join   joinRequest
	object WorldObject
	id     string
	value  float64
}

type pendingJob struct {
	tick uint64
	ch   <-chan physics.Result
}

// EngineStats is the aggregated snapshot exposed on the stats surface. It is
// recomputed at the end of every tick.
type EngineStats struct {
	Tick        uint64          `json:"tick"`
	Players     int             `json:"players"`
	Objects     int             `json:"objects"`
	PendingJobs int             `json:"pendingJobs"`
	Spatial     spatial.Stats   `json:"spatial"`
	Cull        cull.Stats      `json:"cull"`
	Delta       delta.Stats     `json:"delta"`
	Outbound    outbound.Stats  `json:"outbound"`
	Broadcast   broadcast.Stats `json:"broadcast"`
	Physics     physics.Stats   `json:"physics"`
}

// Engine is the tick-loop core. Canonical state (players, objects, the
// position index, the culling system) is owned by the goroutine driving Step;
// every other entry point only stages work or reads locked snapshots.
type Engine struct {
	cfg  Config
	deps Deps

	registry  *broadcast.Manager
	optimizer *outbound.Optimizer
	physics   *physics.Manager
	culling   *cull.System
	tracker   *delta.Tracker
	index     *spatial.Index

	tick    uint64
	players map[string]*playerState
	ambient map[string]*WorldObject
	pending []pendingJob

	stagedMu sync.Mutex
	staged   []stagedOp

	eventsMu sync.Mutex
	events   []world.CollectionEvent

	statsMu   sync.Mutex
	lastStats EngineStats
}

// NewEngine constructs the engine and its subsystems. The physics pool starts
// immediately; call Close to stop it.
func NewEngine(cfg Config, deps Deps) *Engine {
	cfg = cfg.withDefaults()
	deps = deps.normalized()
	registry := broadcast.NewManager(cfg.Broadcast, deps.Publisher)
	e := &Engine{
		cfg:       cfg,
		deps:      deps,
		registry:  registry,
		optimizer: outbound.NewOptimizer(cfg.Outbound, deps.Clock, registry),
		physics:   physics.NewManager(cfg.Physics, deps.Logger),
		culling:   cull.NewSystem(cfg.Cull, deps.Clock),
		tracker:   delta.NewTracker(cfg.Delta, deps.Clock),
		index:     spatial.NewIndex(cfg.CellSize),
		players:   make(map[string]*playerState),
		ambient:   make(map[string]*WorldObject),
	}
	return e
}

// Deps returns the injected dependencies.
func (e *Engine) Deps() Deps {
	if e == nil {
		return Deps{}
	}
	return e.deps
}

// Tick reports the last completed tick number.
func (e *Engine) Tick() uint64 {
	if e == nil {
		return 0
	}
	return e.tick
}

// Registry exposes the client registry for the connection layer.
func (e *Engine) Registry() *broadcast.Manager {
	if e == nil {
		return nil
	}
	return e.registry
}

// Optimizer exposes the outbound pipeline so its flush timers can be driven.
func (e *Engine) Optimizer() *outbound.Optimizer {
	if e == nil {
		return nil
	}
	return e.optimizer
}

// Physics exposes the worker pool, primarily for shutdown and stats.
func (e *Engine) Physics() *physics.Manager {
	if e == nil {
		return nil
	}
	return e.physics
}

// Connect registers a client's transport and stages its player for the next
// tick. The spawn position is clamped to the world bounds.
func (e *Engine) Connect(clientID, name string, x, y float64, transport broadcast.Transport) {
	if e == nil || clientID == "" {
		return
	}
	if transport != nil {
		e.registry.RegisterClient(clientID, transport)
	}
	e.stagedMu.Lock()
	e.staged = append(e.staged, stagedOp{kind: stageJoin, join: joinRequest{id: clientID, name: name, x: x, y: y}})
	e.stagedMu.Unlock()
}

// Disconnect tears down a client. The transport and replication state go
// immediately; the canonical player is removed on the next tick.
func (e *Engine) Disconnect(clientID string) {
	if e == nil || clientID == "" {
		return
	}
	e.registry.UnregisterClient(clientID)
	e.tracker.Forget(clientID)
	e.optimizer.ForgetClient(clientID)
	e.stagedMu.Lock()
	e.staged = append(e.staged, stagedOp{kind: stageLeave, id: clientID})
	e.stagedMu.Unlock()
}

// SetDetection stages a client's resource detection multiplier for the next
// tick. Values at or below zero reset to the default of 1.
func (e *Engine) SetDetection(clientID string, multiplier float64) {
	if e == nil || clientID == "" {
		return
	}
	e.stagedMu.Lock()
	e.staged = append(e.staged, stagedOp{kind: stageDetection, id: clientID, value: multiplier})
	e.stagedMu.Unlock()
}

// UpsertObject stages a session-layer object (resource, structure, effect)
// for the next tick. Re-upserting an id updates it in place.
func (e *Engine) UpsertObject(obj WorldObject) {
	if e == nil || obj.ID == "" {
		return
	}
	e.stagedMu.Lock()
	e.staged = append(e.staged, stagedOp{kind: stageUpsert, object: obj})
	e.stagedMu.Unlock()
}

// RemoveObject stages an object removal for the next tick.
func (e *Engine) RemoveObject(id string) {
	if e == nil || id == "" {
		return
	}
	e.stagedMu.Lock()
	e.staged = append(e.staged, stagedOp{kind: stageRemove, id: id})
	e.stagedMu.Unlock()
}

// ResyncClient drops the client's replication baseline so its next state
// message is a full snapshot.
func (e *Engine) ResyncClient(clientID string) {
	if e == nil {
		return
	}
	e.tracker.DropBaseline(clientID)
}

// Keyframe returns a recorded full snapshot for the client, if the version is
// still within the journal window.
func (e *Engine) Keyframe(clientID string, version uint64) (world.View, bool) {
	if e == nil {
		return world.View{}, false
	}
	return e.tracker.KeyframeByVersion(clientID, version)
}

// DrainEvents returns the collection events accumulated since the last call.
func (e *Engine) DrainEvents() []world.CollectionEvent {
	if e == nil {
		return nil
	}
	e.eventsMu.Lock()
	events := e.events
	e.events = nil
	e.eventsMu.Unlock()
	return events
}

// PlayerPosition reports a player's canonical position. Only call from the
// tick goroutine.
func (e *Engine) PlayerPosition(clientID string) (float64, float64, bool) {
	if e == nil {
		return 0, 0, false
	}
	p, ok := e.players[clientID]
	if !ok {
		return 0, 0, false
	}
	return p.x, p.y, true
}

// Stats returns the snapshot recorded at the end of the last tick.
func (e *Engine) Stats() EngineStats {
	if e == nil {
		return EngineStats{}
	}
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	return e.lastStats
}

// Close stops the physics pool. The engine itself holds no goroutines.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	e.physics.Stop()
}

// Apply executes staged commands against canonical state. Called by the loop
// on the tick goroutine, immediately before Step.
func (e *Engine) Apply(cmds []Command) {
	if e == nil || len(cmds) == 0 {
		return
	}
	now := e.deps.Clock.Now()
	for _, cmd := range cmds {
		p := e.players[cmd.ActorID]
		if p != nil {
			p.lastHeartbeat = now
		}
		switch cmd.Type {
		case CommandMove:
			if p == nil {
				continue
			}
			p.dx = cmd.DX
			p.dy = cmd.DY
			if cmd.DX != 0 || cmd.DY != 0 {
				p.rotation = math.Atan2(cmd.DY, cmd.DX)
			}
		case CommandCollect:
			if p == nil {
				continue
			}
			p.collectPending = true
			if cmd.Range > 0 {
				p.collectRange = cmd.Range
			}
		case CommandJoinChannel:
			e.registry.JoinChannel(cmd.ActorID, cmd.Channel)
		case CommandLeaveChannel:
			e.registry.LeaveChannel(cmd.ActorID, cmd.Channel)
		case CommandHeartbeat:
			// Liveness refresh already applied above.
		case CommandResync:
			e.tracker.DropBaseline(cmd.ActorID)
		}
	}
}

// Step advances the world by dt seconds. Single caller only.
func (e *Engine) Step(dt float64) {
	if e == nil {
		return
	}
	e.tick++
	now := e.deps.Clock.Now()

	e.applyStaged(now)
	e.applyResults()
	e.sweepHeartbeats(now)
	if e.cfg.PurgeEveryTicks > 0 && e.tick%e.cfg.PurgeEveryTicks == 0 {
		e.culling.PurgeStale(e.objectLive)
	}
	e.submitPhysics(dt)
	e.replicate()
	e.snapshotStats()
}

func (e *Engine) applyStaged(now time.Time) {
	e.stagedMu.Lock()
	staged := e.staged
	e.staged = nil
	e.stagedMu.Unlock()

	for _, op := range staged {
		switch op.kind {
		case stageJoin:
			e.applyJoin(op.join, now)
		case stageLeave:
			e.applyLeave(op.id)
		case stageUpsert:
			obj := op.object
			e.ambient[obj.ID] = &obj
			e.index.Update(obj.ID, obj.X, obj.Y)
			e.culling.UpdateObject(obj.ID, obj.X, obj.Y, obj.Type, obj.Meta)
		case stageRemove:
			e.dropAmbient(op.id)
		case stageDetection:
			if _, ok := e.players[op.id]; ok {
				e.culling.SetClientDetection(op.id, op.value)
			}
		}
	}
}

func (e *Engine) applyJoin(join joinRequest, now time.Time) {
	x, y := join.x, join.y
	if e.cfg.Bounds != (physics.Bounds{}) {
		x = math.Min(math.Max(x, e.cfg.Bounds.MinX), e.cfg.Bounds.MaxX)
		y = math.Min(math.Max(y, e.cfg.Bounds.MinY), e.cfg.Bounds.MaxY)
	}
	p := &playerState{
		id:            join.id,
		name:          join.name,
		x:             x,
		y:             y,
		hull:          100,
		speed:         e.cfg.MoveSpeed,
		collectRange:  e.cfg.DefaultCollectRange,
		lastHeartbeat: now,
	}
	e.players[join.id] = p
	e.placePlayer(p)
	e.deps.Publisher.Publish(context.Background(), logging.Event{
		Type:     "sim.player_joined",
		Tick:     e.tick,
		Subject:  logging.EntityRef{ID: join.id, Kind: logging.EntityKindClient},
		Severity: logging.SeverityInfo,
		Category: logging.CategorySimulation,
	})
}

func (e *Engine) applyLeave(id string) {
	if _, ok := e.players[id]; !ok {
		return
	}
	delete(e.players, id)
	e.index.Remove(id)
	e.culling.ForgetClient(id)
	e.culling.RemoveObject(id)
}

// placePlayer pushes a player's position into every structure that tracks it.
func (e *Engine) placePlayer(p *playerState) {
	e.index.Update(p.id, p.x, p.y)
	e.culling.UpdatePlayerPosition(p.id, p.x, p.y)
	e.culling.UpdateObject(p.id, p.x, p.y, world.ObjectPlayer, world.Metadata{})
	e.registry.UpdateClientPosition(p.id, p.x, p.y)
}

// objectLive reports whether an id is still canonical state. The stale purge
// only discards culling entries that nothing in the engine owns anymore.
func (e *Engine) objectLive(id string) bool {
	if _, ok := e.players[id]; ok {
		return true
	}
	_, ok := e.ambient[id]
	return ok
}

func (e *Engine) dropAmbient(id string) {
	if _, ok := e.ambient[id]; !ok {
		return
	}
	delete(e.ambient, id)
	e.index.Remove(id)
	e.culling.RemoveObject(id)
}

// applyResults drains resolved physics jobs without blocking. Unresolved
// channels are kept until they resolve or age out.
func (e *Engine) applyResults() {
	kept := e.pending[:0]
	for _, job := range e.pending {
		select {
		case res := <-job.ch:
			e.applyResult(res)
		default:
			if e.tick-job.tick < staleResultTicks {
				kept = append(kept, job)
			}
		}
	}
	e.pending = kept
}

func (e *Engine) applyResult(res physics.Result) {
	if res.Err != nil {
		e.deps.Logger.Printf("[sim] physics job %s failed: %v", res.JobID, res.Err)
		return
	}
	switch out := res.Payload.(type) {
	case physics.MovementOutput:
		for _, pos := range out.Positions {
			p, ok := e.players[pos.ID]
			if !ok {
				continue
			}
			p.x = pos.X
			p.y = pos.Y
			e.placePlayer(p)
		}
	case physics.CollectionOutput:
		for _, ev := range out.Events {
			if _, ok := e.players[ev.ClientID]; !ok {
				continue
			}
			if _, ok := e.ambient[ev.ObjectID]; !ok {
				// Claimed by an earlier event or removed by the session
				// layer while the job was in flight.
				continue
			}
			ev.Tick = e.tick
			e.dropAmbient(ev.ObjectID)
			e.eventsMu.Lock()
			e.events = append(e.events, ev)
			e.eventsMu.Unlock()
			e.optimizer.QueueMessage(ev.ClientID, outbound.Message{Type: "collect", Payload: ev}, outbound.PriorityCritical)
		}
	case physics.CollisionOutput:
		for _, pair := range out.Pairs {
			if _, ok := e.players[pair.A]; !ok {
				continue
			}
			if _, ok := e.players[pair.B]; !ok {
				continue
			}
			msg := outbound.Message{Type: "collision", Payload: pair}
			e.optimizer.QueueMessage(pair.A, msg, outbound.PriorityHigh)
			e.optimizer.QueueMessage(pair.B, msg, outbound.PriorityHigh)
		}
	}
}

func (e *Engine) sweepHeartbeats(now time.Time) {
	if e.cfg.HeartbeatTimeout <= 0 {
		return
	}
	cutoff := now.Add(-e.cfg.HeartbeatTimeout)
	var timedOut []string
	for id, p := range e.players {
		if p.lastHeartbeat.Before(cutoff) {
			timedOut = append(timedOut, id)
		}
	}
	for _, id := range timedOut {
		e.applyLeave(id)
		e.registry.UnregisterClient(id)
		e.tracker.Forget(id)
		e.optimizer.ForgetClient(id)
		e.deps.Publisher.Publish(context.Background(), logging.Event{
			Type:     "sim.client_timeout",
			Tick:     e.tick,
			Subject:  logging.EntityRef{ID: id, Kind: logging.EntityKindClient},
			Severity: logging.SeverityInfo,
			Category: logging.CategoryNetwork,
		})
	}
}

// submitPhysics hands this tick's movement and collection batches to the
// worker pool. Results are applied on a later tick.
func (e *Engine) submitPhysics(dt float64) {
	entities := make([]physics.MovementEntity, 0, len(e.players))
	for _, p := range e.players {
		if p.dx == 0 && p.dy == 0 {
			continue
		}
		entities = append(entities, physics.MovementEntity{
			ID: p.id, X: p.x, Y: p.y, DX: p.dx, DY: p.dy, Speed: p.speed,
		})
	}
	if len(entities) > 0 {
		_, ch := e.physics.SubmitJob(physics.JobMovement, physics.MovementInput{
			Entities: entities,
			Dt:       dt,
			Bounds:   e.cfg.Bounds,
		})
		e.pending = append(e.pending, pendingJob{tick: e.tick, ch: ch})
	}

	var collectors []physics.Collector
	targets := make(map[string]physics.Target)
	for _, p := range e.players {
		if !p.collectPending {
			continue
		}
		p.collectPending = false
		if p.collectRange <= 0 {
			continue
		}
		collectors = append(collectors, physics.Collector{ID: p.id, X: p.x, Y: p.y, Range: p.collectRange})
		for _, id := range e.index.QueryRadius(p.x, p.y, p.collectRange) {
			if obj, ok := e.ambient[id]; ok && obj.Type == world.ObjectResource {
				targets[id] = physics.Target{ID: id, X: obj.X, Y: obj.Y}
			}
		}
	}
	if len(collectors) > 0 && len(targets) > 0 {
		input := physics.CollectionInput{Collectors: collectors}
		for _, t := range targets {
			input.Targets = append(input.Targets, t)
		}
		_, ch := e.physics.SubmitJob(physics.JobCollection, input)
		e.pending = append(e.pending, pendingJob{tick: e.tick, ch: ch})
	}

	// Ship overlap checks. Per-sector populations are small enough that one
	// batch over all players beats per-cell batching.
	if e.cfg.PlayerRadius > 0 && len(e.players) > 1 {
		circles := make([]physics.Circle, 0, len(e.players))
		for _, p := range e.players {
			circles = append(circles, physics.Circle{ID: p.id, X: p.x, Y: p.y, Radius: e.cfg.PlayerRadius})
		}
		_, ch := e.physics.SubmitJob(physics.JobCollision, physics.CollisionInput{Circles: circles})
		e.pending = append(e.pending, pendingJob{tick: e.tick, ch: ch})
	}
}

// replicate computes each client's visible view, diffs it against the stored
// baseline, and queues the result. Full snapshots ship immediately so a fresh
// client is never stuck waiting on a flush timer.
func (e *Engine) replicate() {
	for id := range e.players {
		view := e.viewFor(id)
		result := e.tracker.GetDelta(id, view)
		if !result.HasChanges {
			continue
		}
		priority := outbound.PriorityHigh
		if result.Full {
			priority = outbound.PriorityCritical
		}
		e.optimizer.QueueMessage(id, outbound.Message{Type: "state", Payload: result}, priority)
	}
}

// viewFor builds the replicated view for one client: its own player plus
// whatever the culling system admits.
func (e *Engine) viewFor(clientID string) world.View {
	var view world.View
	if self, ok := e.players[clientID]; ok {
		view.Players = append(view.Players, playerView(self))
	}
	for _, id := range e.culling.VisibleObjects(clientID) {
		if p, ok := e.players[id]; ok {
			view.Players = append(view.Players, playerView(p))
			continue
		}
		if obj, ok := e.ambient[id]; ok && obj.Type == world.ObjectResource {
			view.Resources = append(view.Resources, world.ResourceView{
				ID:     obj.ID,
				X:      obj.X,
				Y:      obj.Y,
				Kind:   obj.Kind,
				Amount: obj.Amount,
			})
		}
	}
	return view
}

func playerView(p *playerState) world.PlayerView {
	return world.PlayerView{
		ID:       p.id,
		X:        p.x,
		Y:        p.y,
		Rotation: p.rotation,
		Hull:     p.hull,
		Name:     p.name,
	}
}

func (e *Engine) snapshotStats() {
	stats := EngineStats{
		Tick:        e.tick,
		Players:     len(e.players),
		Objects:     len(e.ambient),
		PendingJobs: len(e.pending),
		Spatial:     e.index.Stats(),
		Cull:        e.culling.Stats(),
		Delta:       e.tracker.Stats(),
		Outbound:    e.optimizer.Stats(),
		Broadcast:   e.registry.Stats(),
		Physics:     e.physics.Stats(),
	}
	e.deps.Metrics.Store("sim_tick", stats.Tick)
	e.deps.Metrics.Store("sim_players", uint64(stats.Players))
	e.deps.Metrics.Store("sim_objects", uint64(stats.Objects))
	e.statsMu.Lock()
	e.lastStats = stats
	e.statsMu.Unlock()
}

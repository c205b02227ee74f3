package sim

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"testing"
	"time"

	"stardrift/server/internal/cull"
	"stardrift/server/internal/delta"
	"stardrift/server/internal/outbound"
	"stardrift/server/internal/physics"
	"stardrift/server/internal/world"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
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

type captureTransport struct {
	mu     sync.Mutex
	frames [][]byte
	closed bool
}

func (t *captureTransport) Send(data []byte, binary bool) error {
	t.mu.Lock()
	t.frames = append(t.frames, append([]byte(nil), data...))
	t.mu.Unlock()
	return nil
}

func (t *captureTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}

type wireFrame struct {
	Type     string          `json:"type"`
	Data     json.RawMessage `json:"data"`
	Messages []wireFrame     `json:"messages"`
}

// framesOfType flattens batch envelopes and returns the payloads of every
// frame with the given type, in delivery order.
func (t *captureTransport) framesOfType(tb testing.TB, msgType string) []json.RawMessage {
	tb.Helper()
	t.mu.Lock()
	frames := append([][]byte(nil), t.frames...)
	t.mu.Unlock()

	var out []json.RawMessage
	for _, raw := range frames {
		var frame wireFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			tb.Fatalf("undecodable frame %s: %v", raw, err)
		}
		if frame.Type == "batch" {
			for _, inner := range frame.Messages {
				if inner.Type == msgType {
					out = append(out, inner.Data)
				}
			}
			continue
		}
		if frame.Type == msgType {
			out = append(out, frame.Data)
		}
	}
	return out
}

func oreNode(id string, x, y float64, amount int) WorldObject {
	return WorldObject{
		Object: world.Object{ID: id, X: x, Y: y, Type: world.ObjectResource},
		Kind:   "iron",
		Amount: amount,
	}
}

const testDt = 1.0 / 15

func TestJoinDeliversFullSnapshot(t *testing.T) {
	clock := newManualClock()
	e := NewEngine(Config{Physics: physics.Config{Workers: 2}}, Deps{Clock: clock})
	defer e.Close()

	tr := &captureTransport{}
	e.Connect("p1", "Ada", 100, 100, tr)
	e.UpsertObject(oreNode("ore-1", 150, 100, 5))
	e.Step(testDt)

	states := tr.framesOfType(t, "state")
	if len(states) != 1 {
		t.Fatalf("expected one state frame, got %d", len(states))
	}
	var res delta.Result
	if err := json.Unmarshal(states[0], &res); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	if !res.Full || res.Version != 1 {
		t.Fatalf("expected full snapshot at version 1, got %+v", res)
	}
	if len(res.Delta.Players.Added) != 1 || res.Delta.Players.Added[0].ID != "p1" {
		t.Fatalf("expected own player in snapshot, got %+v", res.Delta.Players.Added)
	}
	if len(res.Delta.Resources.Added) != 1 || res.Delta.Resources.Added[0].ID != "ore-1" {
		t.Fatalf("expected nearby ore in snapshot, got %+v", res.Delta.Resources.Added)
	}
}

func TestMovementAdvancesPlayer(t *testing.T) {
	e := NewEngine(Config{Physics: physics.Config{Workers: 2}}, Deps{})
	defer e.Close()

	tr := &captureTransport{}
	e.Connect("p1", "", 0, 0, tr)
	e.Step(testDt)
	e.Apply([]Command{{ActorID: "p1", Type: CommandMove, DX: 1, DY: 0}})

	var x, y float64
	moved := false
	for i := 0; i < 200; i++ {
		e.Step(testDt)
		var ok bool
		x, y, ok = e.PlayerPosition("p1")
		if !ok {
			t.Fatalf("player disappeared")
		}
		if x > 0 {
			moved = true
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !moved {
		t.Fatalf("player never moved")
	}
	if y != 0 {
		t.Fatalf("expected straight-line movement, got y=%v", y)
	}
}

func TestMoveZeroVectorStops(t *testing.T) {
	e := NewEngine(Config{Physics: physics.Config{Workers: 2}}, Deps{})
	defer e.Close()

	e.Connect("p1", "", 0, 0, &captureTransport{})
	e.Step(testDt)
	e.Apply([]Command{{ActorID: "p1", Type: CommandMove, DX: 1, DY: 0}})
	for i := 0; i < 200; i++ {
		e.Step(testDt)
		if x, _, _ := e.PlayerPosition("p1"); x > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	e.Apply([]Command{{ActorID: "p1", Type: CommandMove}})
	// Let any in-flight movement result land, then confirm the position
	// holds still.
	for i := 0; i < 20; i++ {
		e.Step(testDt)
		time.Sleep(5 * time.Millisecond)
	}
	x1, _, _ := e.PlayerPosition("p1")
	for i := 0; i < 10; i++ {
		e.Step(testDt)
		time.Sleep(5 * time.Millisecond)
	}
	x2, _, _ := e.PlayerPosition("p1")
	if x1 != x2 {
		t.Fatalf("player still drifting after stop: %v -> %v", x1, x2)
	}
}

func TestCollectionConsumesResource(t *testing.T) {
	e := NewEngine(Config{Physics: physics.Config{Workers: 2}}, Deps{})
	defer e.Close()

	tr := &captureTransport{}
	e.Connect("p1", "", 0, 0, tr)
	e.UpsertObject(oreNode("ore-1", 30, 40, 3))
	e.Step(testDt)
	e.Apply([]Command{{ActorID: "p1", Type: CommandCollect}})

	var events []world.CollectionEvent
	for i := 0; i < 200; i++ {
		e.Step(testDt)
		events = append(events, e.DrainEvents()...)
		if len(events) > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if len(events) != 1 {
		t.Fatalf("expected one collection event, got %+v", events)
	}
	ev := events[0]
	if ev.ClientID != "p1" || ev.ObjectID != "ore-1" {
		t.Fatalf("unexpected event %+v", ev)
	}
	if math.Abs(ev.Distance-50) > 1e-9 {
		t.Fatalf("expected distance 50, got %v", ev.Distance)
	}
	if stats := e.Stats(); stats.Objects != 0 {
		t.Fatalf("expected collected ore to be removed, got %d objects", stats.Objects)
	}
	if collects := tr.framesOfType(t, "collect"); len(collects) != 1 {
		t.Fatalf("expected one collect notification, got %d", len(collects))
	}
}

func TestHeartbeatTimeoutDropsClient(t *testing.T) {
	clock := newManualClock()
	e := NewEngine(Config{
		HeartbeatTimeout: 5 * time.Second,
		Physics:          physics.Config{Workers: 1},
	}, Deps{Clock: clock})
	defer e.Close()

	tr := &captureTransport{}
	e.Connect("p1", "", 0, 0, tr)
	e.Step(testDt)
	if stats := e.Stats(); stats.Players != 1 {
		t.Fatalf("expected one player, got %d", stats.Players)
	}

	clock.Advance(10 * time.Second)
	e.Step(testDt)

	if stats := e.Stats(); stats.Players != 0 {
		t.Fatalf("expected timeout to drop the player, got %d", stats.Players)
	}
	if e.Registry().IsRegistered("p1") {
		t.Fatalf("expected client to be unregistered")
	}
	tr.mu.Lock()
	closed := tr.closed
	tr.mu.Unlock()
	if !closed {
		t.Fatalf("expected transport to be closed")
	}
}

func TestHeartbeatCommandKeepsClientAlive(t *testing.T) {
	clock := newManualClock()
	e := NewEngine(Config{
		HeartbeatTimeout: 5 * time.Second,
		Physics:          physics.Config{Workers: 1},
	}, Deps{Clock: clock})
	defer e.Close()

	e.Connect("p1", "", 0, 0, &captureTransport{})
	e.Step(testDt)
	for i := 0; i < 4; i++ {
		clock.Advance(3 * time.Second)
		e.Apply([]Command{{ActorID: "p1", Type: CommandHeartbeat}})
		e.Step(testDt)
	}
	if stats := e.Stats(); stats.Players != 1 {
		t.Fatalf("expected heartbeats to keep the player, got %d", stats.Players)
	}
}

func TestResyncCommandForcesFullSnapshot(t *testing.T) {
	clock := newManualClock()
	e := NewEngine(Config{Physics: physics.Config{Workers: 1}}, Deps{Clock: clock})
	defer e.Close()

	tr := &captureTransport{}
	e.Connect("p1", "", 0, 0, tr)
	e.Step(testDt)
	e.Step(testDt)
	if states := tr.framesOfType(t, "state"); len(states) != 1 {
		t.Fatalf("expected a single snapshot for an unchanged world, got %d", len(states))
	}

	e.Apply([]Command{{ActorID: "p1", Type: CommandResync}})
	e.Step(testDt)

	states := tr.framesOfType(t, "state")
	if len(states) != 2 {
		t.Fatalf("expected a second snapshot after resync, got %d", len(states))
	}
	var res delta.Result
	if err := json.Unmarshal(states[1], &res); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	if !res.Full || res.Version != 3 {
		t.Fatalf("expected full snapshot at version 3, got %+v", res)
	}
}

func TestChannelCommandsRouteThroughRegistry(t *testing.T) {
	e := NewEngine(Config{Physics: physics.Config{Workers: 1}}, Deps{Clock: newManualClock()})
	defer e.Close()

	a := &captureTransport{}
	b := &captureTransport{}
	e.Connect("a", "", 0, 0, a)
	e.Connect("b", "", 0, 0, b)
	e.Step(testDt)
	e.Apply([]Command{
		{ActorID: "a", Type: CommandJoinChannel, Channel: "sector-chat"},
		{ActorID: "b", Type: CommandJoinChannel, Channel: "sector-chat"},
	})

	delivered := e.Registry().BroadcastToChannel("sector-chat", []byte(`{"type":"chat"}`), false, "a")
	if delivered != 1 {
		t.Fatalf("expected one target after exclusion, got %d", delivered)
	}

	e.Apply([]Command{{ActorID: "b", Type: CommandLeaveChannel, Channel: "sector-chat"}})
	if delivered := e.Registry().BroadcastToChannel("sector-chat", []byte(`{}`), false, ""); delivered != 1 {
		t.Fatalf("expected only the remaining subscriber, got %d", delivered)
	}
}

func TestOverlappingShipsReportCollision(t *testing.T) {
	e := NewEngine(Config{
		PlayerRadius: 24,
		Physics:      physics.Config{Workers: 2},
	}, Deps{})
	defer e.Close()

	a := &captureTransport{}
	b := &captureTransport{}
	e.Connect("a", "", 100, 100, a)
	e.Connect("b", "", 110, 100, b)

	found := false
	for i := 0; i < 200 && !found; i++ {
		e.Step(testDt)
		e.Optimizer().FlushTier(outbound.PriorityHigh)
		found = len(a.framesOfType(t, "collision")) > 0 && len(b.framesOfType(t, "collision")) > 0
		time.Sleep(5 * time.Millisecond)
	}
	if !found {
		t.Fatalf("overlapping ships never reported a collision")
	}
	var pair world.CollisionPair
	if err := json.Unmarshal(a.framesOfType(t, "collision")[0], &pair); err != nil {
		t.Fatalf("decode collision: %v", err)
	}
	if math.Abs(pair.Distance-10) > 1e-9 {
		t.Fatalf("expected distance 10, got %+v", pair)
	}
}

func TestIdlePlayersSurviveStalePurge(t *testing.T) {
	clock := newManualClock()
	e := NewEngine(Config{
		PurgeEveryTicks: 5,
		Cull:            cull.Config{StaleObjectAge: 5 * time.Second},
		Physics:         physics.Config{Workers: 1},
	}, Deps{Clock: clock})
	defer e.Close()

	p1 := &captureTransport{}
	e.Connect("p1", "", 0, 0, p1)
	e.Connect("p2", "", 50, 0, &captureTransport{})
	e.UpsertObject(oreNode("ore-1", 100, 0, 2))
	e.Step(testDt)

	// Nobody moves and nothing is re-upserted while several purge windows
	// elapse.
	clock.Advance(12 * time.Second)
	for i := 0; i < 6; i++ {
		e.Step(testDt)
	}

	view := e.viewFor("p1")
	if len(view.Players) != 2 {
		t.Fatalf("expected the idle neighbor to stay visible, got %+v", view.Players)
	}
	if len(view.Resources) != 1 || view.Resources[0].ID != "ore-1" {
		t.Fatalf("expected the untouched ore to stay visible, got %+v", view.Resources)
	}
	for _, raw := range p1.framesOfType(t, "state") {
		var res delta.Result
		if err := json.Unmarshal(raw, &res); err != nil {
			t.Fatalf("decode state: %v", err)
		}
		if len(res.Delta.Players.Removed)+len(res.Delta.Resources.Removed) != 0 {
			t.Fatalf("idle entities were removed from the replicated view: %+v", res.Delta)
		}
	}
}

func TestDetectionExtendsResourceVisibility(t *testing.T) {
	e := NewEngine(Config{
		Cull:    cull.Config{MaxViewDistance: 1000, ResourceRangeFraction: 0.5},
		Physics: physics.Config{Workers: 1},
	}, Deps{Clock: newManualClock()})
	defer e.Close()

	scout := &captureTransport{}
	hauler := &captureTransport{}
	e.Connect("scout", "", 0, 0, scout)
	e.Connect("hauler", "", 0, 10, hauler)
	e.SetDetection("scout", 2)
	e.UpsertObject(oreNode("ore-far", 700, 0, 1))
	e.Step(testDt)

	snapshot := func(tr *captureTransport) delta.Result {
		t.Helper()
		states := tr.framesOfType(t, "state")
		if len(states) != 1 {
			t.Fatalf("expected one state frame, got %d", len(states))
		}
		var res delta.Result
		if err := json.Unmarshal(states[0], &res); err != nil {
			t.Fatalf("decode state: %v", err)
		}
		return res
	}

	if res := snapshot(scout); len(res.Delta.Resources.Added) != 1 || res.Delta.Resources.Added[0].ID != "ore-far" {
		t.Fatalf("expected boosted sensors to reveal the far ore, got %+v", res.Delta.Resources)
	}
	if res := snapshot(hauler); len(res.Delta.Resources.Added) != 0 {
		t.Fatalf("expected stock sensors to miss the far ore, got %+v", res.Delta.Resources)
	}
}

func TestManyClientsBoundedViews(t *testing.T) {
	const (
		players   = 100
		resources = 500
		viewCap   = 20
	)
	e := NewEngine(Config{
		Bounds: physics.Bounds{MinX: 0, MinY: 0, MaxX: 2000, MaxY: 2000},
		Cull: cull.Config{
			MaxViewDistance:     500,
			MaxObjectsPerClient: viewCap,
			CellSize:            128,
		},
		Physics: physics.Config{Workers: 4},
	}, Deps{})
	defer e.Close()

	rng := rand.New(rand.NewSource(99))
	transports := make(map[string]*captureTransport, players)
	for i := 0; i < players; i++ {
		id := fmt.Sprintf("p-%d", i)
		tr := &captureTransport{}
		transports[id] = tr
		e.Connect(id, "", rng.Float64()*2000, rng.Float64()*2000, tr)
	}
	for i := 0; i < resources; i++ {
		e.UpsertObject(oreNode(fmt.Sprintf("ore-%d", i), rng.Float64()*2000, rng.Float64()*2000, 1))
	}
	e.Step(testDt)

	for id, tr := range transports {
		states := tr.framesOfType(t, "state")
		if len(states) != 1 {
			t.Fatalf("client %s: expected one snapshot, got %d", id, len(states))
		}
		var res delta.Result
		if err := json.Unmarshal(states[0], &res); err != nil {
			t.Fatalf("client %s: decode state: %v", id, err)
		}
		total := len(res.Delta.Players.Added) + len(res.Delta.Resources.Added)
		if total > viewCap+1 {
			t.Fatalf("client %s: snapshot of %d entries exceeds the view cap", id, total)
		}
		if len(res.Delta.Players.Added) == 0 {
			t.Fatalf("client %s: snapshot missing own player", id)
		}
	}

	cmds := make([]Command, 0, 2*players)
	for id := range transports {
		cmds = append(cmds, Command{
			ActorID: id,
			Type:    CommandMove,
			DX:      rng.Float64()*2 - 1,
			DY:      rng.Float64()*2 - 1,
		})
		cmds = append(cmds, Command{ActorID: id, Type: CommandCollect})
	}
	e.Apply(cmds)
	var events []world.CollectionEvent
	for i := 0; i < 10; i++ {
		e.Step(testDt)
		events = append(events, e.DrainEvents()...)
		time.Sleep(5 * time.Millisecond)
	}

	if len(events) == 0 {
		t.Fatalf("expected collection sweeps to hit at least one ore node")
	}
	collected := make(map[string]bool, len(events))
	for _, ev := range events {
		if ev.Distance > 120 {
			t.Fatalf("collection event beyond the configured range: %+v", ev)
		}
		if collected[ev.ObjectID] {
			t.Fatalf("ore node %s collected twice", ev.ObjectID)
		}
		collected[ev.ObjectID] = true
	}

	stats := e.Stats()
	if stats.Tick != 11 || stats.Players != players {
		t.Fatalf("unexpected end state %+v", stats)
	}
	if stats.Objects != resources-len(events) {
		t.Fatalf("expected %d surviving nodes, got %d", resources-len(events), stats.Objects)
	}
	if stats.Physics.Crashed != 0 {
		t.Fatalf("unexpected worker crashes: %+v", stats.Physics)
	}
}

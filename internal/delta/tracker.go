package delta

import (
	"sync"
	"time"

	"stardrift/server/internal/world"
	"stardrift/server/logging"
)

// Result is the outcome of one delta computation.
type Result struct {
	// Version increases by one on every recompute for the client.
	Version uint64 `json:"version"`
	// HasChanges is false when the delta is empty.
	HasChanges bool `json:"hasChanges"`
	// Full marks a delta that is a complete snapshot (fresh or dropped
	// baseline), so the client must replace rather than merge.
	Full  bool  `json:"full"`
	Delta Delta `json:"delta"`
}

type clientEntry struct {
	mu       sync.Mutex
	version  uint64
	hasBase  bool
	baseline world.View
	journal  *Journal
}

// TrackerConfig tunes per-client baseline tracking.
type TrackerConfig struct {
	// KeyframeInterval records a full keyframe every N versions. Zero
	// disables interval keyframes; full snapshots are always recorded.
	KeyframeInterval uint64
	// JournalCapacity bounds the per-client keyframe ring.
	JournalCapacity int
	// JournalMaxAge evicts keyframes older than this.
	JournalMaxAge time.Duration
}

// Stats is a counters snapshot for the stats surface.
type Stats struct {
	Clients       int    `json:"clients"`
	Deltas        uint64 `json:"deltas"`
	FullSnapshots uint64 `json:"fullSnapshots"`
	NoChange      uint64 `json:"noChange"`
}

// Tracker owns every client's last-known snapshot. Each client's baseline is
// guarded by its own lock, so delta computation for different clients can
// proceed concurrently, while one client's state is never touched from two
// call sites at once.
type Tracker struct {
	cfg   TrackerConfig
	clock logging.Clock

	mu      sync.Mutex
	clients map[string]*clientEntry

	deltas        uint64
	fullSnapshots uint64
	noChange      uint64
}

// NewTracker constructs an empty tracker.
func NewTracker(cfg TrackerConfig, clock logging.Clock) *Tracker {
	if cfg.JournalCapacity <= 0 {
		cfg.JournalCapacity = defaultJournalCapacity
	}
	if cfg.JournalMaxAge <= 0 {
		cfg.JournalMaxAge = defaultJournalMaxAge
	}
	if clock == nil {
		clock = logging.SystemClock{}
	}
	return &Tracker{
		cfg:     cfg,
		clock:   clock,
		clients: make(map[string]*clientEntry),
	}
}

// GetDelta computes the difference between the client's stored baseline and
// the provided current view, then stores the view as the new baseline. The
// first call for a client, or the first call after DropBaseline, yields a
// full snapshot.
func (t *Tracker) GetDelta(clientID string, current world.View) Result {
	if t == nil || clientID == "" {
		return Result{}
	}
	entry := t.entryFor(clientID)

	entry.mu.Lock()
	defer entry.mu.Unlock()

	entry.version++
	result := Result{Version: entry.version}

	if !entry.hasBase {
		result.Full = true
		result.Delta = Delta{
			Players:   CategoryDelta[world.PlayerView]{Added: append([]world.PlayerView(nil), current.Players...)},
			Resources: CategoryDelta[world.ResourceView]{Added: append([]world.ResourceView(nil), current.Resources...)},
		}
		result.HasChanges = !result.Delta.Empty()
		entry.baseline = current.Clone()
		entry.hasBase = true
		entry.journal.Record(entry.version, entry.baseline, t.clock.Now())
		t.count(&t.fullSnapshots)
		return result
	}

	result.Delta = Delta{
		Players:   diffPlayers(entry.baseline.Players, current.Players),
		Resources: diffResources(entry.baseline.Resources, current.Resources),
	}
	result.HasChanges = !result.Delta.Empty()
	entry.baseline = current.Clone()

	if t.cfg.KeyframeInterval > 0 && entry.version%t.cfg.KeyframeInterval == 0 {
		entry.journal.Record(entry.version, entry.baseline, t.clock.Now())
	}
	if result.HasChanges {
		t.count(&t.deltas)
	} else {
		t.count(&t.noChange)
	}
	return result
}

// DropBaseline discards the client's stored snapshot so the next delta is a
// full snapshot. Used on reconnect or after a reported desync.
func (t *Tracker) DropBaseline(clientID string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	entry, ok := t.clients[clientID]
	t.mu.Unlock()
	if !ok {
		return
	}
	entry.mu.Lock()
	entry.hasBase = false
	entry.baseline = world.View{}
	entry.mu.Unlock()
}

// Forget removes all tracking for a disconnected client.
func (t *Tracker) Forget(clientID string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	delete(t.clients, clientID)
	t.mu.Unlock()
}

// KeyframeByVersion returns the recorded keyframe for a client, if it is
// still within the journal window.
func (t *Tracker) KeyframeByVersion(clientID string, version uint64) (world.View, bool) {
	if t == nil {
		return world.View{}, false
	}
	t.mu.Lock()
	entry, ok := t.clients[clientID]
	t.mu.Unlock()
	if !ok {
		return world.View{}, false
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.journal.ByVersion(version, t.clock.Now())
}

// Stats reports tracker counters.
func (t *Tracker) Stats() Stats {
	if t == nil {
		return Stats{}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return Stats{
		Clients:       len(t.clients),
		Deltas:        t.deltas,
		FullSnapshots: t.fullSnapshots,
		NoChange:      t.noChange,
	}
}

func (t *Tracker) entryFor(clientID string) *clientEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.clients[clientID]
	if !ok {
		entry = &clientEntry{journal: NewJournal(t.cfg.JournalCapacity, t.cfg.JournalMaxAge)}
		t.clients[clientID] = entry
	}
	return entry
}

func (t *Tracker) count(counter *uint64) {
	t.mu.Lock()
	*counter++
	t.mu.Unlock()
}

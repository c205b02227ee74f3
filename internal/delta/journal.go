package delta

import (
	"time"

	"stardrift/server/internal/world"
)

const (
	defaultJournalCapacity = 8
	defaultJournalMaxAge   = 5 * time.Second
)

type keyframe struct {
	version    uint64
	view       world.View
	recordedAt time.Time
}

// Journal retains a bounded window of full snapshots so a reconnecting client
// can resync from a recent keyframe instead of a blind full retransmit.
// Eviction is by capacity and by age, whichever bites first.
type Journal struct {
	capacity int
	maxAge   time.Duration
	frames   []keyframe
}

// NewJournal constructs an empty journal.
func NewJournal(capacity int, maxAge time.Duration) *Journal {
	if capacity <= 0 {
		capacity = defaultJournalCapacity
	}
	if maxAge <= 0 {
		maxAge = defaultJournalMaxAge
	}
	return &Journal{capacity: capacity, maxAge: maxAge}
}

// Record stores a keyframe, evicting the oldest entries beyond capacity.
func (j *Journal) Record(version uint64, view world.View, now time.Time) {
	if j == nil {
		return
	}
	j.evictExpired(now)
	j.frames = append(j.frames, keyframe{version: version, view: view.Clone(), recordedAt: now})
	if len(j.frames) > j.capacity {
		overflow := len(j.frames) - j.capacity
		j.frames = append(j.frames[:0], j.frames[overflow:]...)
	}
}

// ByVersion returns the keyframe recorded at the given version, if it is
// still within the capacity and age window.
func (j *Journal) ByVersion(version uint64, now time.Time) (world.View, bool) {
	if j == nil {
		return world.View{}, false
	}
	j.evictExpired(now)
	for i := len(j.frames) - 1; i >= 0; i-- {
		if j.frames[i].version == version {
			return j.frames[i].view.Clone(), true
		}
	}
	return world.View{}, false
}

// Window reports the retained frame count and the version bounds.
func (j *Journal) Window() (int, uint64, uint64) {
	if j == nil || len(j.frames) == 0 {
		return 0, 0, 0
	}
	return len(j.frames), j.frames[0].version, j.frames[len(j.frames)-1].version
}

func (j *Journal) evictExpired(now time.Time) {
	if j.maxAge <= 0 || len(j.frames) == 0 {
		return
	}
	cutoff := now.Add(-j.maxAge)
	firstLive := 0
	for firstLive < len(j.frames) && j.frames[firstLive].recordedAt.Before(cutoff) {
		firstLive++
	}
	if firstLive > 0 {
		j.frames = append(j.frames[:0], j.frames[firstLive:]...)
	}
}

// Package spatial provides a grid-bucketed index over object positions.
// Proximity queries enumerate only the cells overlapping the query region, so
// their cost tracks local density rather than total population.
package spatial

import "math"

// DefaultCellSize is the grid pitch used when a caller passes a non-positive
// cell size.
const DefaultCellSize = 64.0

// CellKey addresses one grid cell.
type CellKey struct {
	X int
	Y int
}

type entry struct {
	x    float64
	y    float64
	cell CellKey
}

// Index maps object ids to grid cells. It is not safe for concurrent use; the
// tick loop is its sole writer and reader.
type Index struct {
	cellSize    float64
	invCellSize float64
	cells       map[CellKey]map[string]struct{}
	entries     map[string]entry

	inserts       uint64
	updates       uint64
	removes       uint64
	radiusQueries uint64
	rectQueries   uint64
}

// Stats is a point-in-time snapshot of index occupancy and traffic.
type Stats struct {
	CellSize      float64 `json:"cellSize"`
	Objects       int     `json:"objects"`
	Cells         int     `json:"cells"`
	Inserts       uint64  `json:"inserts"`
	Updates       uint64  `json:"updates"`
	Removes       uint64  `json:"removes"`
	RadiusQueries uint64  `json:"radiusQueries"`
	RectQueries   uint64  `json:"rectQueries"`
}

// NewIndex constructs an empty index with the given cell size.
func NewIndex(cellSize float64) *Index {
	if cellSize <= 0 {
		cellSize = DefaultCellSize
	}
	return &Index{
		cellSize:    cellSize,
		invCellSize: 1.0 / cellSize,
		cells:       make(map[CellKey]map[string]struct{}),
		entries:     make(map[string]entry),
	}
}

// Insert records an object at (x, y). Inserting an id that is already tracked
// behaves exactly like Update.
func (idx *Index) Insert(id string, x, y float64) {
	if idx == nil || id == "" {
		return
	}
	if _, tracked := idx.entries[id]; tracked {
		idx.updates++
		idx.place(id, x, y)
		return
	}
	idx.inserts++
	idx.place(id, x, y)
}

// Update moves a tracked object to (x, y). Updating an unknown id inserts it.
func (idx *Index) Update(id string, x, y float64) {
	idx.Insert(id, x, y)
}

// Remove forgets an object. Removing an untracked id is a no-op.
func (idx *Index) Remove(id string) {
	if idx == nil || id == "" {
		return
	}
	prev, tracked := idx.entries[id]
	if !tracked {
		return
	}
	idx.removes++
	idx.evict(id, prev.cell)
	delete(idx.entries, id)
}

// Contains reports whether the id is tracked.
func (idx *Index) Contains(id string) bool {
	if idx == nil {
		return false
	}
	_, tracked := idx.entries[id]
	return tracked
}

// Position returns the last recorded position for a tracked id.
func (idx *Index) Position(id string) (float64, float64, bool) {
	if idx == nil {
		return 0, 0, false
	}
	prev, tracked := idx.entries[id]
	if !tracked {
		return 0, 0, false
	}
	return prev.x, prev.y, true
}

// QueryRadius returns the ids of all objects within Euclidean distance r of
// (x, y). Candidates come from the cells overlapping the circle's bounding
// box and are confirmed by squared-distance comparison.
func (idx *Index) QueryRadius(x, y, r float64) []string {
	if idx == nil || r < 0 {
		return nil
	}
	idx.radiusQueries++
	minX := idx.cellFor(x - r)
	maxX := idx.cellFor(x + r)
	minY := idx.cellFor(y - r)
	maxY := idx.cellFor(y + r)
	rSq := r * r

	var found []string
	for cy := minY; cy <= maxY; cy++ {
		for cx := minX; cx <= maxX; cx++ {
			bucket, ok := idx.cells[CellKey{X: cx, Y: cy}]
			if !ok {
				continue
			}
			for id := range bucket {
				obj := idx.entries[id]
				dx := obj.x - x
				dy := obj.y - y
				if dx*dx+dy*dy <= rSq {
					found = append(found, id)
				}
			}
		}
	}
	return found
}

// QueryRect returns the ids of all objects inside the axis-aligned rectangle
// spanned by the two corners, bounds inclusive.
func (idx *Index) QueryRect(x1, y1, x2, y2 float64) []string {
	if idx == nil {
		return nil
	}
	idx.rectQueries++
	if x2 < x1 {
		x1, x2 = x2, x1
	}
	if y2 < y1 {
		y1, y2 = y2, y1
	}
	minX := idx.cellFor(x1)
	maxX := idx.cellFor(x2)
	minY := idx.cellFor(y1)
	maxY := idx.cellFor(y2)

	var found []string
	for cy := minY; cy <= maxY; cy++ {
		for cx := minX; cx <= maxX; cx++ {
			bucket, ok := idx.cells[CellKey{X: cx, Y: cy}]
			if !ok {
				continue
			}
			for id := range bucket {
				obj := idx.entries[id]
				if obj.x >= x1 && obj.x <= x2 && obj.y >= y1 && obj.y <= y2 {
					found = append(found, id)
				}
			}
		}
	}
	return found
}

// Stats reports index occupancy and cumulative operation counts.
func (idx *Index) Stats() Stats {
	if idx == nil {
		return Stats{}
	}
	return Stats{
		CellSize:      idx.cellSize,
		Objects:       len(idx.entries),
		Cells:         len(idx.cells),
		Inserts:       idx.inserts,
		Updates:       idx.updates,
		Removes:       idx.removes,
		RadiusQueries: idx.radiusQueries,
		RectQueries:   idx.rectQueries,
	}
}

func (idx *Index) place(id string, x, y float64) {
	cell := CellKey{X: idx.cellFor(x), Y: idx.cellFor(y)}
	if prev, tracked := idx.entries[id]; tracked {
		if prev.cell == cell {
			idx.entries[id] = entry{x: x, y: y, cell: cell}
			return
		}
		idx.evict(id, prev.cell)
	}
	bucket, ok := idx.cells[cell]
	if !ok {
		bucket = make(map[string]struct{})
		idx.cells[cell] = bucket
	}
	bucket[id] = struct{}{}
	idx.entries[id] = entry{x: x, y: y, cell: cell}
}

// evict drops the id from its cell, pruning the cell when it empties.
func (idx *Index) evict(id string, cell CellKey) {
	bucket, ok := idx.cells[cell]
	if !ok {
		return
	}
	delete(bucket, id)
	if len(bucket) == 0 {
		delete(idx.cells, cell)
	}
}

func (idx *Index) cellFor(value float64) int {
	return int(math.Floor(value * idx.invCellSize))
}

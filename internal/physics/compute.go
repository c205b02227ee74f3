package physics

import (
	"fmt"
	"math"

	"stardrift/server/internal/world"
)

// MovementEntity is one entity's integration input.
type MovementEntity struct {
	ID    string
	X     float64
	Y     float64
	DX    float64
	DY    float64
	Speed float64
}

// Bounds clamps integrated positions to the world rectangle. A zero Bounds
// means unbounded space.
type Bounds struct {
	MinX float64
	MinY float64
	MaxX float64
	MaxY float64
}

// MovementInput is the batch payload for JobMovement.
type MovementInput struct {
	Entities []MovementEntity
	Dt       float64
	Bounds   Bounds
}

// MovementOutput carries the integrated positions back to the tick loop.
type MovementOutput struct {
	Positions []world.PositionUpdate
}

// Circle is one collision-check participant.
type Circle struct {
	ID     string
	X      float64
	Y      float64
	Radius float64
}

// CollisionInput is the batch payload for JobCollision. Batches are expected
// to be pre-filtered by the spatial index, so the pairwise check stays small.
type CollisionInput struct {
	Circles []Circle
}

// CollisionOutput lists every overlapping pair in the batch.
type CollisionOutput struct {
	Pairs []world.CollisionPair
}

// Collector is one client's collection probe.
type Collector struct {
	ID    string
	X     float64
	Y     float64
	Range float64
}

// Target is one collectible object position.
type Target struct {
	ID string
	X  float64
	Y  float64
}

// CollectionInput is the batch payload for JobCollection.
type CollectionInput struct {
	Collectors []Collector
	Targets    []Target
}

// CollectionOutput lists every (collector, target) pair within range. The
// tick counter is stamped by the caller when the events are applied.
type CollectionOutput struct {
	Events []world.CollectionEvent
}

// execute runs one job batch. A malformed payload panics via the type
// assertion, which surfaces as a worker crash.
func execute(j *job) Result {
	switch j.kind {
	case JobMovement:
		return Result{JobID: j.id, Type: j.kind, Payload: integrate(j.payload.(MovementInput))}
	case JobCollision:
		return Result{JobID: j.id, Type: j.kind, Payload: collide(j.payload.(CollisionInput))}
	case JobCollection:
		return Result{JobID: j.id, Type: j.kind, Payload: collect(j.payload.(CollectionInput))}
	default:
		return Result{JobID: j.id, Type: j.kind, Err: fmt.Errorf("physics: unknown job type %q", j.kind)}
	}
}

func integrate(input MovementInput) MovementOutput {
	out := MovementOutput{Positions: make([]world.PositionUpdate, 0, len(input.Entities))}
	bounded := input.Bounds != (Bounds{})
	for _, e := range input.Entities {
		x, y := e.X, e.Y
		length := math.Hypot(e.DX, e.DY)
		if length > 0 && e.Speed > 0 && input.Dt > 0 {
			x += e.DX / length * e.Speed * input.Dt
			y += e.DY / length * e.Speed * input.Dt
		}
		if bounded {
			x = math.Min(math.Max(x, input.Bounds.MinX), input.Bounds.MaxX)
			y = math.Min(math.Max(y, input.Bounds.MinY), input.Bounds.MaxY)
		}
		out.Positions = append(out.Positions, world.PositionUpdate{ID: e.ID, X: x, Y: y})
	}
	return out
}

func collide(input CollisionInput) CollisionOutput {
	var out CollisionOutput
	for i := 0; i < len(input.Circles); i++ {
		for k := i + 1; k < len(input.Circles); k++ {
			a, b := input.Circles[i], input.Circles[k]
			dx := a.X - b.X
			dy := a.Y - b.Y
			distSq := dx*dx + dy*dy
			reach := a.Radius + b.Radius
			if distSq <= reach*reach {
				out.Pairs = append(out.Pairs, world.CollisionPair{
					A:        a.ID,
					B:        b.ID,
					Distance: math.Sqrt(distSq),
				})
			}
		}
	}
	return out
}

func collect(input CollectionInput) CollectionOutput {
	var out CollectionOutput
	for _, c := range input.Collectors {
		if c.Range <= 0 {
			continue
		}
		rangeSq := c.Range * c.Range
		for _, t := range input.Targets {
			dx := t.X - c.X
			dy := t.Y - c.Y
			distSq := dx*dx + dy*dy
			if distSq <= rangeSq {
				out.Events = append(out.Events, world.CollectionEvent{
					ClientID: c.ID,
					ObjectID: t.ID,
					Distance: math.Sqrt(distSq),
				})
			}
		}
	}
	return out
}

package world

// ObjectType classifies the entities the distribution core tracks. The session
// layer owns the objects themselves; this core only references them by id.
type ObjectType string

const (
	ObjectPlayer     ObjectType = "player"
	ObjectResource   ObjectType = "resource"
	ObjectProjectile ObjectType = "projectile"
	ObjectStructure  ObjectType = "structure"
	ObjectEffect     ObjectType = "effect"
)

// Vec2 is a plain 2-D vector.
type Vec2 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Metadata carries the per-object hints the culling system consumes.
type Metadata struct {
	// DetectionMultiplier scales the range at which resource-type objects are
	// revealed to the owning client. Zero means "use the default of 1".
	DetectionMultiplier float64 `json:"detectionMultiplier,omitempty"`
	// PriorityHint nudges an object up or down within its type tier when a
	// client's visible set has to be truncated.
	PriorityHint int `json:"priorityHint,omitempty"`
}

// Object is the session layer's view of a tracked entity as supplied to the
// core each tick.
type Object struct {
	ID   string     `json:"id"`
	X    float64    `json:"x"`
	Y    float64    `json:"y"`
	Type ObjectType `json:"type"`
	Meta Metadata   `json:"meta,omitempty"`
}

// PlayerInput is the per-tick movement intent for one connected client.
type PlayerInput struct {
	ClientID     string
	X            float64
	Y            float64
	DX           float64
	DY           float64
	Speed        float64
	CollectRange float64
}

// PositionUpdate is a worker-produced canonical position for one entity.
type PositionUpdate struct {
	ID string
	X  float64
	Y  float64
}

// CollectionEvent reports that a client came within collection range of an
// object. The session layer decides what, if anything, the pickup is worth;
// the core only reports proximity.
type CollectionEvent struct {
	ClientID string  `json:"clientId"`
	ObjectID string  `json:"objectId"`
	Distance float64 `json:"distance"`
	Tick     uint64  `json:"tick"`
}

// CollisionPair reports two entities whose bounding circles overlapped.
type CollisionPair struct {
	A        string  `json:"a"`
	B        string  `json:"b"`
	Distance float64 `json:"distance"`
}

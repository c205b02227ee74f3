package world

// PlayerView is the replicated state of one player as seen by a client. The
// delta tracker compares successive views field by field, so every field here
// must be comparable with ==.
type PlayerView struct {
	ID       string  `json:"id"`
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Rotation float64 `json:"rotation"`
	Hull     float64 `json:"hull"`
	Name     string  `json:"name,omitempty"`
}

// ResourceView is the replicated state of one ore node as seen by a client.
type ResourceView struct {
	ID     string  `json:"id"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Kind   string  `json:"kind,omitempty"`
	Amount int     `json:"amount"`
}

// View is the visibility-filtered world state computed for a single client on
// a single tick. It is the input to the delta tracker.
type View struct {
	Players   []PlayerView
	Resources []ResourceView
}

// Clone returns a deep copy safe to retain as a comparison baseline.
func (v View) Clone() View {
	cloned := View{}
	if len(v.Players) > 0 {
		cloned.Players = append([]PlayerView(nil), v.Players...)
	}
	if len(v.Resources) > 0 {
		cloned.Resources = append([]ResourceView(nil), v.Resources...)
	}
	return cloned
}

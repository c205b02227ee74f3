// Package delta computes minimal per-client state differences so each tick
// retransmits only what changed since the client's own last snapshot.
package delta

import (
	"sort"

	"stardrift/server/internal/world"
)

// CategoryDelta carries the changes for one tracked entity category. Modified
// entries contain only the changed fields plus the entity id.
type CategoryDelta[T any] struct {
	Added    []T              `json:"added,omitempty"`
	Modified []map[string]any `json:"modified,omitempty"`
	Removed  []string         `json:"removed,omitempty"`
}

// Empty reports whether the category carries no changes.
func (d CategoryDelta[T]) Empty() bool {
	return len(d.Added) == 0 && len(d.Modified) == 0 && len(d.Removed) == 0
}

// Delta is the full per-tick difference for one client.
type Delta struct {
	Players   CategoryDelta[world.PlayerView]   `json:"players"`
	Resources CategoryDelta[world.ResourceView] `json:"resources"`
}

// Empty reports whether the delta carries no changes.
func (d Delta) Empty() bool {
	return d.Players.Empty() && d.Resources.Empty()
}

func diffPlayers(prev, cur []world.PlayerView) CategoryDelta[world.PlayerView] {
	prevByID := make(map[string]world.PlayerView, len(prev))
	for _, p := range prev {
		prevByID[p.ID] = p
	}
	var out CategoryDelta[world.PlayerView]
	seen := make(map[string]struct{}, len(cur))
	for _, p := range cur {
		seen[p.ID] = struct{}{}
		old, existed := prevByID[p.ID]
		if !existed {
			out.Added = append(out.Added, p)
			continue
		}
		if fields := changedPlayerFields(old, p); fields != nil {
			out.Modified = append(out.Modified, fields)
		}
	}
	for _, p := range prev {
		if _, still := seen[p.ID]; !still {
			out.Removed = append(out.Removed, p.ID)
		}
	}
	sortCategory(&out, func(v world.PlayerView) string { return v.ID })
	return out
}

func diffResources(prev, cur []world.ResourceView) CategoryDelta[world.ResourceView] {
	prevByID := make(map[string]world.ResourceView, len(prev))
	for _, r := range prev {
		prevByID[r.ID] = r
	}
	var out CategoryDelta[world.ResourceView]
	seen := make(map[string]struct{}, len(cur))
	for _, r := range cur {
		seen[r.ID] = struct{}{}
		old, existed := prevByID[r.ID]
		if !existed {
			out.Added = append(out.Added, r)
			continue
		}
		if fields := changedResourceFields(old, r); fields != nil {
			out.Modified = append(out.Modified, fields)
		}
	}
	for _, r := range prev {
		if _, still := seen[r.ID]; !still {
			out.Removed = append(out.Removed, r.ID)
		}
	}
	sortCategory(&out, func(v world.ResourceView) string { return v.ID })
	return out
}

// changedPlayerFields compares every replicated field and returns nil when the
// two views are structurally equal.
func changedPlayerFields(old, cur world.PlayerView) map[string]any {
	if old == cur {
		return nil
	}
	fields := map[string]any{"id": cur.ID}
	if old.X != cur.X {
		fields["x"] = cur.X
	}
	if old.Y != cur.Y {
		fields["y"] = cur.Y
	}
	if old.Rotation != cur.Rotation {
		fields["rotation"] = cur.Rotation
	}
	if old.Hull != cur.Hull {
		fields["hull"] = cur.Hull
	}
	if old.Name != cur.Name {
		fields["name"] = cur.Name
	}
	return fields
}

func changedResourceFields(old, cur world.ResourceView) map[string]any {
	if old == cur {
		return nil
	}
	fields := map[string]any{"id": cur.ID}
	if old.X != cur.X {
		fields["x"] = cur.X
	}
	if old.Y != cur.Y {
		fields["y"] = cur.Y
	}
	if old.Kind != cur.Kind {
		fields["kind"] = cur.Kind
	}
	if old.Amount != cur.Amount {
		fields["amount"] = cur.Amount
	}
	return fields
}

func sortCategory[T any](d *CategoryDelta[T], id func(T) string) {
	sort.Slice(d.Added, func(i, j int) bool { return id(d.Added[i]) < id(d.Added[j]) })
	sort.Slice(d.Modified, func(i, j int) bool {
		a, _ := d.Modified[i]["id"].(string)
		b, _ := d.Modified[j]["id"].(string)
		return a < b
	})
	sort.Strings(d.Removed)
}

// Package deferdelete removes entities at a fixed point of the tick instead of immediately.
//
// Marking an entity with Deleted keeps it valid for every system that runs before the Deletion phase, so
// indexes and output systems can still see what is about to go away.
package deferdelete

import (
	"github.com/yohamta/donburi"
	"github.com/yohamta/donburi/filter"

	"pkg.world.dev/world-engine/kit/system"
)

// Deleted marks an entity for removal in the next Deletion phase.
var Deleted = donburi.NewTag().SetName("Deleted")

var marked = donburi.NewQuery(filter.Contains(Deleted))

// Mark tags an entity for deferred removal. Marking twice is a no-op.
func Mark(entry *donburi.Entry) {
	if entry == nil || !entry.Valid() || entry.HasComponent(Deleted) {
		return
	}
	entry.AddComponent(Deleted)
}

// MarkEntity is Mark for a bare entity handle. Stale handles are ignored.
func MarkEntity(world donburi.World, e donburi.Entity) {
	if !world.Valid(e) {
		return
	}
	Mark(world.Entry(e))
}

// IsMarked reports whether the entity is waiting for removal.
func IsMarked(world donburi.World, e donburi.Entity) bool {
	return world.Valid(e) && world.Entry(e).HasComponent(Deleted)
}

// Each calls fn for every entity waiting for removal.
func Each(world donburi.World, fn func(e donburi.Entity)) {
	marked.Each(world, func(entry *donburi.Entry) {
		fn(entry.Entity())
	})
}

// DespawnMarked removes every entity tagged Deleted.
func DespawnMarked(ctx system.Context) error {
	world := ctx.World()
	var doomed []donburi.Entity
	Each(world, func(e donburi.Entity) {
		doomed = append(doomed, e)
	})
	for _, e := range doomed {
		world.Remove(e)
	}
	if len(doomed) > 0 {
		ctx.Logger().Debug().Int("count", len(doomed)).Msg("despawned deferred-deleted entities")
	}
	return nil
}

// Register adds DespawnMarked to the Deletion phase.
func Register(b system.Builder) error {
	return b.AddSystems(system.Deletion, DespawnMarked)
}

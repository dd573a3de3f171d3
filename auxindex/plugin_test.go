package auxindex_test

import (
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/yohamta/donburi"

	"pkg.world.dev/world-engine/assert"

	"pkg.world.dev/world-engine/kit/app"
	"pkg.world.dev/world-engine/kit/apptest"
	"pkg.world.dev/world-engine/kit/auxindex"
	"pkg.world.dev/world-engine/kit/deferdelete"
	"pkg.world.dev/world-engine/kit/system"
)

type Name struct {
	Value string
}

var nameComponent = donburi.NewComponentType[Name]()

func TestRegisteredIndexDropsDeferredDeletes(t *testing.T) {
	a := apptest.New(t)
	idx := auxindex.New[SessionID](a.World())
	a.AddPlugin(idx)

	e := a.Spawn(marker).Entity()
	assert.NilError(t, idx.Insert(e, 7))

	var seenInUpdate bool
	a.AddSystems(system.Update, func(ctx system.Context) error {
		_, seenInUpdate = auxindex.Get[SessionID](ctx).LookupByKey(7)
		return nil
	})

	deferdelete.MarkEntity(a.World(), e)
	a.DoTick()

	// Unreachable by key from PostInput on, removed from the world in Deletion.
	assert.Check(t, !seenInUpdate)
	assert.Check(t, !a.World().Valid(e))
	assert.Equal(t, 0, idx.Len())
}

func TestRegisterTwiceFails(t *testing.T) {
	a := apptest.New(t)
	a.AddPlugin(auxindex.New[SessionID](a.World()))
	assert.IsError(t, a.App.AddPlugin(auxindex.New[SessionID](a.World())))
}

func TestTrackIndexesComponent(t *testing.T) {
	a := apptest.New(t)
	idx := auxindex.New[string](a.World())
	a.AddPlugin(idx)
	a.AddPlugin(system.PluginFunc(func(b system.Builder) error {
		return auxindex.Track(b, idx, nameComponent, func(n Name) string { return n.Value })
	}))

	alice := a.Spawn(nameComponent)
	nameComponent.SetValue(alice, Name{Value: "alice"})
	bob := a.Spawn(nameComponent)
	nameComponent.SetValue(bob, Name{Value: "bob"})

	a.DoTick()
	e, ok := idx.LookupByKey("alice")
	assert.Check(t, ok)
	assert.Equal(t, alice.Entity(), e)
	e, ok = idx.LookupByKey("bob")
	assert.Check(t, ok)
	assert.Equal(t, bob.Entity(), e)

	// A renamed entity moves to its new key.
	nameComponent.SetValue(alice, Name{Value: "carol"})
	a.DoTick()
	_, ok = idx.LookupByKey("alice")
	assert.Check(t, !ok)
	k, ok := idx.LookupByEntity(alice.Entity())
	assert.Check(t, ok)
	assert.Equal(t, "carol", k)

	a.World().Remove(bob.Entity())
	_, ok = idx.LookupByKey("bob")
	assert.Check(t, !ok)
}

func TestTrackLogsRejectedConflicts(t *testing.T) {
	var buf strings.Builder
	a := apptest.New(t, app.WithLogger(zerolog.New(&buf)))
	idx := auxindex.New[string](a.World(), auxindex.WithConflictPolicy(auxindex.Reject))
	a.AddPlugin(idx)
	a.AddPlugin(system.PluginFunc(func(b system.Builder) error {
		return auxindex.Track(b, idx, nameComponent, func(n Name) string { return n.Value })
	}))

	first := a.Spawn(nameComponent)
	nameComponent.SetValue(first, Name{Value: "dup"})
	second := a.Spawn(nameComponent)
	nameComponent.SetValue(second, Name{Value: "dup"})

	a.DoTick()
	assert.Equal(t, 1, idx.Len())
	assert.Check(t, strings.Contains(buf.String(), "skipping entity in auxiliary index"))
}

func TestTrackRekeysUnderReject(t *testing.T) {
	var buf strings.Builder
	a := apptest.New(t, app.WithLogger(zerolog.New(&buf)))
	idx := auxindex.New[string](a.World(), auxindex.WithConflictPolicy(auxindex.Reject))
	a.AddPlugin(idx)
	a.AddPlugin(system.PluginFunc(func(b system.Builder) error {
		return auxindex.Track(b, idx, nameComponent, func(n Name) string { return n.Value })
	}))

	alice := a.Spawn(nameComponent)
	nameComponent.SetValue(alice, Name{Value: "alice"})
	bob := a.Spawn(nameComponent)
	nameComponent.SetValue(bob, Name{Value: "bob"})
	a.DoTick()

	// A new value moves the entity to its new key.
	nameComponent.SetValue(alice, Name{Value: "carol"})
	a.DoTick()
	k, ok := idx.LookupByEntity(alice.Entity())
	assert.Check(t, ok)
	assert.Equal(t, "carol", k)
	_, ok = idx.LookupByKey("alice")
	assert.Check(t, !ok)
	assert.Check(t, !strings.Contains(buf.String(), "skipping entity in auxiliary index"))

	// Taking a key that belongs to someone else keeps the old pairing, and is logged once.
	nameComponent.SetValue(alice, Name{Value: "bob"})
	a.DoTick()
	a.DoTick()
	a.DoTick()
	assert.Equal(t, 1, strings.Count(buf.String(), "skipping entity in auxiliary index"))
	k, _ = idx.LookupByEntity(alice.Entity())
	assert.Equal(t, "carol", k)
	e, _ := idx.LookupByKey("bob")
	assert.Equal(t, bob.Entity(), e)

	// Once the key is free, the entity takes it.
	a.World().Remove(bob.Entity())
	a.DoTick()
	k, _ = idx.LookupByEntity(alice.Entity())
	assert.Equal(t, "bob", k)
	assert.Equal(t, 1, idx.Len())
}

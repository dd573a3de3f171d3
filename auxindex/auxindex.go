// Package auxindex maps entities to external keys and back.
//
// An Index is a one-to-one map between a donburi.Entity and a comparable key (a session id, a user id, a
// persona tag). It never keeps an entity alive: entries are dropped when the world removes the entity. An entry
// that outlived its entity anyway is invisible to lookups and is evicted by Prune or by the next Insert of its key.
//
// Lookups, Len and Each only read, so any number of parallel systems may call them while nothing mutates the
// index. Insert, the Remove methods, Prune and entity removal need exclusive access: call them from sequential
// systems only.
package auxindex

import (
	"github.com/rotisserie/eris"
	"github.com/yohamta/donburi"

	"pkg.world.dev/world-engine/kit/deferdelete"
	"pkg.world.dev/world-engine/kit/resource"
	"pkg.world.dev/world-engine/kit/system"
)

// ErrConflict is returned by Insert under the Reject policy when the entity or the key is already paired.
var ErrConflict = eris.New("auxiliary index conflict")

// ConflictPolicy decides what Insert does when the entity or the key already has a partner.
type ConflictPolicy int

const (
	// Replace evicts both stale pairings and stores the new one.
	Replace ConflictPolicy = iota
	// Reject leaves the index untouched and returns ErrConflict.
	Reject
)

func (p ConflictPolicy) String() string {
	switch p {
	case Replace:
		return "replace"
	case Reject:
		return "reject"
	default:
		return "unknown"
	}
}

type Option func(*options)

type options struct {
	policy ConflictPolicy
}

func WithConflictPolicy(policy ConflictPolicy) Option {
	return func(o *options) {
		o.policy = policy
	}
}

type Index[K comparable] struct {
	world    donburi.World
	policy   ConflictPolicy
	byEntity map[donburi.Entity]K
	byKey    map[K]donburi.Entity
}

// New creates an index bound to world and subscribes it to the world's entity removal hook.
func New[K comparable](world donburi.World, opts ...Option) *Index[K] {
	o := options{policy: Replace}
	for _, opt := range opts {
		opt(&o)
	}
	idx := &Index[K]{
		world:    world,
		policy:   o.policy,
		byEntity: make(map[donburi.Entity]K),
		byKey:    make(map[K]donburi.Entity),
	}
	world.OnRemove(func(_ donburi.World, e donburi.Entity) {
		idx.OnEntityDestroyed(e)
	})
	return idx
}

// Insert pairs e with k. Inserting a pair that is already stored is a no-op. Entities that are no longer alive
// are not stored.
func (idx *Index[K]) Insert(e donburi.Entity, k K) error {
	oldKey, hasKey := idx.byEntity[e]
	oldEntity, hasEntity := idx.byKey[k]
	if hasKey && hasEntity && oldKey == k && oldEntity == e {
		return nil
	}
	if !idx.world.Valid(e) {
		return nil
	}

	if idx.policy == Reject {
		if hasKey {
			return eris.Wrapf(ErrConflict, "entity %v is already paired with key %v", e, oldKey)
		}
		// A key whose entity is gone is free.
		if hasEntity && idx.world.Valid(oldEntity) {
			return eris.Wrapf(ErrConflict, "key %v is already paired with entity %v", k, oldEntity)
		}
	}

	if hasKey {
		delete(idx.byKey, oldKey)
	}
	if hasEntity {
		delete(idx.byEntity, oldEntity)
	}
	idx.byEntity[e] = k
	idx.byKey[k] = e
	return nil
}

// LookupByEntity returns the key paired with e.
func (idx *Index[K]) LookupByEntity(e donburi.Entity) (K, bool) {
	k, ok := idx.byEntity[e]
	if !ok || !idx.world.Valid(e) {
		var zero K
		return zero, false
	}
	return k, true
}

// LookupByKey returns the entity paired with k.
func (idx *Index[K]) LookupByKey(k K) (donburi.Entity, bool) {
	e, ok := idx.byKey[k]
	if !ok || !idx.world.Valid(e) {
		return donburi.Null, false
	}
	return e, true
}

// RemoveByEntity drops the pairing of e and returns the key it was paired with.
func (idx *Index[K]) RemoveByEntity(e donburi.Entity) (K, bool) {
	k, ok := idx.byEntity[e]
	if !ok {
		return k, false
	}
	delete(idx.byEntity, e)
	delete(idx.byKey, k)
	return k, true
}

// RemoveByKey drops the pairing of k and returns the entity it was paired with.
func (idx *Index[K]) RemoveByKey(k K) (donburi.Entity, bool) {
	e, ok := idx.byKey[k]
	if !ok {
		return donburi.Null, false
	}
	delete(idx.byKey, k)
	delete(idx.byEntity, e)
	return e, true
}

// OnEntityDestroyed removes whatever is paired with e. It is safe to call any number of times.
func (idx *Index[K]) OnEntityDestroyed(e donburi.Entity) {
	idx.RemoveByEntity(e)
}

// Len returns the number of stored pairs.
func (idx *Index[K]) Len() int {
	return len(idx.byEntity)
}

// Each calls fn for every pair whose entity is alive until fn returns false. fn must not mutate the index.
func (idx *Index[K]) Each(fn func(e donburi.Entity, k K) bool) {
	for e, k := range idx.byEntity {
		if !idx.world.Valid(e) {
			continue
		}
		if !fn(e, k) {
			return
		}
	}
}

// Prune evicts every pair whose entity is no longer alive and returns how many were evicted.
func (idx *Index[K]) Prune() int {
	var stale []donburi.Entity
	for e := range idx.byEntity {
		if !idx.world.Valid(e) {
			stale = append(stale, e)
		}
	}
	for _, e := range stale {
		idx.RemoveByEntity(e)
	}
	return len(stale)
}

// evictDeleted drops the pairs of entities waiting for deferred deletion, so they are unreachable by key
// before the Deletion phase removes them.
func (idx *Index[K]) evictDeleted(ctx system.Context) error {
	deferdelete.Each(ctx.World(), func(e donburi.Entity) {
		idx.RemoveByEntity(e)
	})
	return nil
}

// Register stores the index as a resource and evicts deferred-deleted entities in the PostInput phase.
// Only one index per key type can be registered.
func (idx *Index[K]) Register(b system.Builder) error {
	if resource.Contains[Index[K]](b.Resources()) {
		return eris.Errorf("auxiliary index for %T is already registered", *new(K))
	}
	resource.Insert(b.Resources(), idx)
	return b.AddSystems(system.PostInput, idx.evictDeleted)
}

// Get returns the registered index for key type K.
func Get[K comparable](ctx system.Context) *Index[K] {
	return resource.MustGet[Index[K]](ctx.Resources())
}

// Track keeps idx in sync with a component: every tick in PostInput, each entity carrying ct is paired with
// keyFn of its component value. Entities waiting for deferred deletion are skipped. An entity whose value
// changed moves to its new key under both policies. Under Reject, an entity whose key belongs to another live
// entity keeps its old pairing, and the conflict is logged once until its key changes again.
func Track[K comparable, C any](
	b system.Builder, idx *Index[K], ct *donburi.ComponentType[C], keyFn func(C) K,
) error {
	// rejected holds the key each entity last failed to take.
	rejected := make(map[donburi.Entity]K)
	return b.AddSystems(system.PostInput, func(ctx system.Context) error {
		world := ctx.World()
		for e := range rejected {
			if !world.Valid(e) {
				delete(rejected, e)
			}
		}
		ct.Each(world, func(entry *donburi.Entry) {
			if entry.HasComponent(deferdelete.Deleted) {
				return
			}
			e := entry.Entity()
			k := keyFn(ct.GetValue(entry))
			if cur, ok := idx.byEntity[e]; ok {
				if cur == k {
					delete(rejected, e)
					return
				}
				if owner, taken := idx.LookupByKey(k); !taken || owner == e {
					idx.RemoveByEntity(e)
				}
			}
			if err := idx.Insert(e, k); err != nil {
				if last, ok := rejected[e]; !ok || last != k {
					ctx.Logger().Warn().Err(err).Stringer("policy", idx.policy).
						Msg("skipping entity in auxiliary index")
				}
				rejected[e] = k
				return
			}
			delete(rejected, e)
		})
		return nil
	})
}

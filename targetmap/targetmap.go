// Package targetmap attaches arbitrary data to targets. All sessions of an authenticated user share one entry.
package targetmap

import (
	"pkg.world.dev/world-engine/kit/events"
	"pkg.world.dev/world-engine/kit/resource"
	"pkg.world.dev/world-engine/kit/system"
	"pkg.world.dev/world-engine/kit/wire"
)

// TargetJoined adds Target to the registered TargetMap[T] with Value.
type TargetJoined[T any] struct {
	Target wire.Target
	Value  T
}

// TargetLeft removes Target from the registered TargetMap[T].
type TargetLeft[T any] struct {
	Target wire.Target
}

type TargetMap[T any] struct {
	targets map[wire.Target]T

	joined *events.Reader[TargetJoined[T]]
	left   *events.Reader[TargetLeft[T]]
}

func New[T any]() *TargetMap[T] {
	return &TargetMap[T]{
		targets: make(map[wire.Target]T),
	}
}

func (m *TargetMap[T]) Contains(target wire.Target) bool {
	_, ok := m.targets[target.General()]
	return ok
}

func (m *TargetMap[T]) Get(target wire.Target) (T, bool) {
	v, ok := m.targets[target.General()]
	return v, ok
}

// Insert sets the value of target, replacing the previous one.
func (m *TargetMap[T]) Insert(target wire.Target, value T) {
	m.targets[target.General()] = value
}

func (m *TargetMap[T]) Remove(target wire.Target) {
	delete(m.targets, target.General())
}

func (m *TargetMap[T]) Len() int {
	return len(m.targets)
}

// Each calls fn for every entry until fn returns false. Targets are in their general form.
func (m *TargetMap[T]) Each(fn func(target wire.Target, value T) bool) {
	for target, v := range m.targets {
		if !fn(target, v) {
			return
		}
	}
}

// Register stores the map as a resource and applies TargetJoined and TargetLeft events in PostInput.
func (m *TargetMap[T]) Register(b system.Builder) error {
	if err := events.Register[TargetJoined[T]](b); err != nil {
		return err
	}
	if err := events.Register[TargetLeft[T]](b); err != nil {
		return err
	}
	m.joined = resource.MustGet[events.Channel[TargetJoined[T]]](b.Resources()).ReaderCurrent()
	m.left = resource.MustGet[events.Channel[TargetLeft[T]]](b.Resources()).ReaderCurrent()
	resource.Insert(b.Resources(), m)
	return b.AddSystems(system.PostInput, m.onTargetChange)
}

func (m *TargetMap[T]) onTargetChange(system.Context) error {
	for _, ev := range m.joined.Read() {
		m.Insert(ev.Target, ev.Value)
	}
	for _, ev := range m.left.Read() {
		m.Remove(ev.Target)
	}
	return nil
}

// Get returns the registered TargetMap[T].
func Get[T any](ctx system.Context) *TargetMap[T] {
	return resource.MustGet[TargetMap[T]](ctx.Resources())
}

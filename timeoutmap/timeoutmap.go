// Package timeoutmap emits an event when a target has not been refreshed within its timeout.
//
// Targets are normalized like in targetmap: all sessions of an authenticated user share one timeout.
package timeoutmap

import (
	"fmt"
	"slices"
	"time"

	"github.com/rotisserie/eris"

	"pkg.world.dev/world-engine/kit/events"
	"pkg.world.dev/world-engine/kit/resource"
	"pkg.world.dev/world-engine/kit/system"
	"pkg.world.dev/world-engine/kit/wire"
)

// ExpiredTimeout is sent once for every target whose timeout of kind M has expired.
type ExpiredTimeout[M any] struct {
	Target wire.Target
}

type timeout struct {
	duration time.Duration
	start    time.Time
	// index is the position of the target in the queue of its duration.
	index int
}

// TimeoutMap tracks target timeouts of kind M. M only distinguishes maps of different purposes.
//
// Targets are kept in one queue per duration. Within a queue, targets are ordered by insertion time, so the
// expired ones are always a prefix of the queue.
type TimeoutMap[M any] struct {
	timeouts map[wire.Target]timeout
	queues   map[time.Duration][]wire.Target
	now      func() time.Time
}

type Option[M any] func(*TimeoutMap[M])

// WithClock replaces time.Now.
func WithClock[M any](now func() time.Time) Option[M] {
	return func(m *TimeoutMap[M]) {
		m.now = now
	}
}

func New[M any](opts ...Option[M]) *TimeoutMap[M] {
	m := &TimeoutMap[M]{
		timeouts: make(map[wire.Target]timeout),
		queues:   make(map[time.Duration][]wire.Target),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *TimeoutMap[M]) Contains(target wire.Target) bool {
	_, ok := m.timeouts[target.General()]
	return ok
}

func (m *TimeoutMap[M]) Len() int {
	return len(m.timeouts)
}

// Insert starts the timeout of target. Inserting a target again restarts its timeout with the new duration.
func (m *TimeoutMap[M]) Insert(target wire.Target, d time.Duration) {
	target = target.General()
	if _, ok := m.timeouts[target]; ok {
		m.Remove(target)
	}
	m.timeouts[target] = timeout{duration: d, start: m.now(), index: len(m.queues[d])}
	m.queues[d] = append(m.queues[d], target)
}

func (m *TimeoutMap[M]) InsertMany(targets []wire.Target, d time.Duration) {
	for _, target := range targets {
		m.Insert(target, d)
	}
}

func (m *TimeoutMap[M]) Remove(target wire.Target) {
	target = target.General()
	t, ok := m.timeouts[target]
	if !ok {
		return
	}
	delete(m.timeouts, target)

	queue := slices.Delete(m.queues[t.duration], t.index, t.index+1)
	for _, later := range queue[t.index:] {
		lt := m.timeouts[later]
		lt.index--
		m.timeouts[later] = lt
	}
	if len(queue) == 0 {
		delete(m.queues, t.duration)
		return
	}
	m.queues[t.duration] = queue
}

func (m *TimeoutMap[M]) RemoveMany(targets []wire.Target) {
	for _, target := range targets {
		m.Remove(target)
	}
}

// Expire removes every target that has been in the map for longer than its duration and returns them, shortest
// duration first and in insertion order within a duration.
func (m *TimeoutMap[M]) Expire() []wire.Target {
	now := m.now()
	durations := make([]time.Duration, 0, len(m.queues))
	for d := range m.queues {
		durations = append(durations, d)
	}
	slices.Sort(durations)

	var expired []wire.Target
	for _, d := range durations {
		queue := m.queues[d]
		n := slices.IndexFunc(queue, func(target wire.Target) bool {
			return now.Sub(m.timeouts[target].start) <= d
		})
		if n < 0 {
			n = len(queue)
		}
		if n == 0 {
			continue
		}

		for _, target := range queue[:n] {
			delete(m.timeouts, target)
		}
		expired = append(expired, queue[:n]...)

		queue = slices.Delete(queue, 0, n)
		for _, target := range queue {
			t := m.timeouts[target]
			t.index -= n
			m.timeouts[target] = t
		}
		if len(queue) == 0 {
			delete(m.queues, d)
		} else {
			m.queues[d] = queue
		}
	}
	return expired
}

// CheckInvariants verifies that the lookup table and the queues agree.
func (m *TimeoutMap[M]) CheckInvariants() error {
	seen := make(map[wire.Target]struct{}, len(m.timeouts))
	for d, queue := range m.queues {
		for i, target := range queue {
			if _, dup := seen[target]; dup {
				return eris.Errorf("duplicate target %s in queue %s", target, d)
			}
			seen[target] = struct{}{}

			t, ok := m.timeouts[target]
			if !ok {
				return eris.Errorf("target %s in queue %s is not in the lookup table", target, d)
			}
			if t.duration != d {
				return eris.Errorf("target %s has duration %s but is in queue %s", target, t.duration, d)
			}
			if t.index != i {
				return eris.Errorf("target %s has index %d but is at %d", target, t.index, i)
			}
		}
	}
	if len(seen) != len(m.timeouts) {
		return eris.Errorf("%d timeouts but %d queued targets", len(m.timeouts), len(seen))
	}
	return nil
}

func (m *TimeoutMap[M]) String() string {
	return fmt.Sprintf("TimeoutMap[%T]{timeouts: %d, queues: %d}", *new(M), len(m.timeouts), len(m.queues))
}

// Register stores the map as a resource and sends ExpiredTimeout[M] events in PreUpdate.
func (m *TimeoutMap[M]) Register(b system.Builder) error {
	if err := events.Register[ExpiredTimeout[M]](b); err != nil {
		return err
	}
	resource.Insert(b.Resources(), m)
	return b.AddSystems(system.PreUpdate, m.ProcessTimeouts)
}

// ProcessTimeouts sends an ExpiredTimeout[M] event for every expired target.
func (m *TimeoutMap[M]) ProcessTimeouts(ctx system.Context) error {
	for _, target := range m.Expire() {
		ctx.Logger().Debug().Stringer("target", target).Msg("timeout expired")
		events.Send(ctx, ExpiredTimeout[M]{Target: target})
	}
	return nil
}

// Get returns the registered TimeoutMap[M].
func Get[M any](ctx system.Context) *TimeoutMap[M] {
	return resource.MustGet[TimeoutMap[M]](ctx.Resources())
}

package events

import (
	"github.com/yohamta/donburi"
	donburievents "github.com/yohamta/donburi/features/events"

	"pkg.world.dev/world-engine/kit/parevents"
	"pkg.world.dev/world-engine/kit/resource"
	"pkg.world.dev/world-engine/kit/system"
)

// Channel carries Event[T] values through a donburi event type and keeps every delivered event readable for
// two ticks. Other code can subscribe to Type() to be called back when queued events are delivered.
//
// Channel is meant for sequential systems. Parallel systems should write through parevents instead.
type Channel[T any] struct {
	world donburi.World
	typ   *donburievents.EventType[Event[T]]
	buf   *parevents.Events[Event[T]]
}

func NewChannel[T any](world donburi.World) *Channel[T] {
	c := &Channel[T]{
		world: world,
		typ:   donburievents.NewEventType[Event[T]](),
		buf:   parevents.New[Event[T]](),
	}
	c.typ.Subscribe(world, c.receive)
	return c
}

func (c *Channel[T]) receive(_ donburi.World, ev Event[T]) {
	c.buf.Send(ev)
}

// Type returns the underlying donburi event type.
func (c *Channel[T]) Type() *donburievents.EventType[Event[T]] {
	return c.typ
}

// Send queues v. Queued events become readable the next time the channel is read or updated.
func (c *Channel[T]) Send(v T) {
	c.SendEvent(New(v))
}

func (c *Channel[T]) SendEvent(ev Event[T]) {
	c.typ.Publish(c.world, ev)
}

// Flush delivers queued events to the buffer and to every subscriber.
func (c *Channel[T]) Flush() {
	c.typ.ProcessEvents(c.world)
}

// Update delivers queued events and drops the ones older than two ticks.
func (c *Channel[T]) Update() {
	c.Flush()
	c.buf.Update()
}

// Recent returns every event of the last two ticks in send order.
func (c *Channel[T]) Recent() []T {
	return c.Reader().Read()
}

// Len returns the number of buffered events, not counting queued ones.
func (c *Channel[T]) Len() int {
	return c.buf.Len()
}

// Reader returns a reader that sees every buffered event.
func (c *Channel[T]) Reader() *Reader[T] {
	return &Reader[T]{ch: c, r: c.buf.Reader()}
}

// ReaderCurrent returns a reader that only sees events sent from now on.
func (c *Channel[T]) ReaderCurrent() *Reader[T] {
	c.Flush()
	return &Reader[T]{ch: c, r: c.buf.ReaderCurrent()}
}

type Reader[T any] struct {
	ch *Channel[T]
	r  *parevents.Reader[Event[T]]
}

// Read returns the values this reader has not seen yet.
func (r *Reader[T]) Read() []T {
	return Unwrap(r.ReadEvents())
}

func (r *Reader[T]) ReadEvents() []Event[T] {
	r.ch.Flush()
	return r.r.Read()
}

func (r *Reader[T]) Len() int {
	r.ch.Flush()
	return r.r.Len()
}

// Register stores a Channel[T] resource and updates it at the start of every tick. Registering the same type
// twice is a no-op.
func Register[T any](b system.Builder) error {
	if resource.Contains[Channel[T]](b.Resources()) {
		return nil
	}
	resource.Insert(b.Resources(), NewChannel[T](b.World()))
	return b.AddSystems(system.First, updateSystem[T])
}

func updateSystem[T any](ctx system.Context) error {
	Get[T](ctx).Update()
	return nil
}

// Get returns the registered Channel[T].
func Get[T any](ctx system.Context) *Channel[T] {
	return resource.MustGet[Channel[T]](ctx.Resources())
}

// Send queues v on the registered Channel[T].
func Send[T any](ctx system.Context, v T) {
	Get[T](ctx).Send(v)
}

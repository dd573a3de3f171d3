// Package parevents provides double-buffered event storage that many systems can write to at the same time.
//
// Every Writer owns a slot, so writers of a parallel system set never contend with each other. Take a Writer
// once, when a system is registered, or Release it when done: the slot of a live Writer is never reused. Readers see
// the events in the order they were sent, across all slots. Events stay readable for two calls to Update,
// which is one tick when Register is used.
package parevents

import (
	"cmp"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"

	"pkg.world.dev/world-engine/kit/resource"
	"pkg.world.dev/world-engine/kit/system"
)

// ID identifies an event within one Events storage. IDs increase in send order.
type ID uint64

func (id ID) String() string {
	return "event#" + strconv.FormatUint(uint64(id), 10)
}

// Instance is an event paired with its ID.
type Instance[E any] struct {
	ID    ID
	Event E
}

// defaultSlot is used by sends that do not go through a Writer.
const defaultSlot = 0

// Events stores events of type E in two generations of per-writer slots. Sends from writers take a shared
// lock; reads, updates and slot allocation are exclusive.
type Events[E any] struct {
	mu sync.RWMutex
	// previous holds the events sent before the last Update, current the events sent since.
	previous [][]Instance[E]
	current  [][]Instance[E]
	// free lists released slots, reused by Writer before new ones are added.
	free  []int
	count atomic.Uint64
}

func New[E any]() *Events[E] {
	e := &Events[E]{}
	e.addSlot()
	return e
}

func (e *Events[E]) addSlot() int {
	slot := len(e.current)
	e.previous = append(e.previous, nil)
	e.current = append(e.current, nil)
	return slot
}

// Writer reserves a slot until the Writer is released. A Writer must not be shared between goroutines.
func (e *Events[E]) Writer() *Writer[E] {
	e.mu.Lock()
	defer e.mu.Unlock()
	if n := len(e.free); n > 0 {
		slot := e.free[n-1]
		e.free = e.free[:n-1]
		return &Writer[E]{events: e, slot: slot}
	}
	return &Writer[E]{events: e, slot: e.addSlot()}
}

// Slots returns the number of slots, including the default one.
func (e *Events[E]) Slots() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.current)
}

func (e *Events[E]) push(slot int, events ...E) {
	for _, ev := range events {
		id := ID(e.count.Add(1) - 1)
		e.current[slot] = append(e.current[slot], Instance[E]{ID: id, Event: ev})
	}
}

// Send writes an event to the reserved default slot. It is safe to call from any goroutine.
func (e *Events[E]) Send(event E) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.push(defaultSlot, event)
}

// Update swaps the buffers and drops the oldest events. Call it once per tick.
func (e *Events[E]) Update() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.swap()
}

// UpdateDrain is Update that returns the events it dropped, in send order.
func (e *Events[E]) UpdateDrain() []E {
	e.mu.Lock()
	defer e.mu.Unlock()
	return eventsOf(e.swap())
}

func (e *Events[E]) swap() []Instance[E] {
	dropped := flatten(e.previous)
	e.previous, e.current = e.current, e.previous
	for i := range e.current {
		e.current[i] = e.current[i][:0]
	}
	return dropped
}

// Clear removes all events. Readers do not see cleared events.
func (e *Events[E]) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.clear()
}

func (e *Events[E]) clear() {
	for i := range e.previous {
		e.previous[i] = e.previous[i][:0]
		e.current[i] = e.current[i][:0]
	}
}

// Drain removes all events and returns them in send order.
func (e *Events[E]) Drain() []E {
	e.mu.Lock()
	defer e.mu.Unlock()
	all := e.all()
	e.clear()
	return eventsOf(all)
}

// Len returns the number of buffered events.
func (e *Events[E]) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	n := 0
	for i := range e.previous {
		n += len(e.previous[i]) + len(e.current[i])
	}
	return n
}

func (e *Events[E]) IsEmpty() bool {
	return e.Len() == 0
}

// Reader returns a reader that sees every event still buffered.
func (e *Events[E]) Reader() *Reader[E] {
	return &Reader[E]{events: e}
}

// ReaderCurrent returns a reader that only sees events sent from now on.
func (e *Events[E]) ReaderCurrent() *Reader[E] {
	return &Reader[E]{events: e, cursor: ID(e.count.Load())}
}

// all returns every buffered event sorted by ID. Callers hold the lock.
func (e *Events[E]) all() []Instance[E] {
	out := append(flatten(e.previous), flatten(e.current)...)
	slices.SortFunc(out, byID[E])
	return out
}

func byID[E any](a, b Instance[E]) int {
	return cmp.Compare(a.ID, b.ID)
}

func flatten[E any](slots [][]Instance[E]) []Instance[E] {
	var out []Instance[E]
	for _, s := range slots {
		out = append(out, s...)
	}
	return out
}

func eventsOf[E any](instances []Instance[E]) []E {
	slices.SortFunc(instances, byID[E])
	out := make([]E, len(instances))
	for i, in := range instances {
		out[i] = in.Event
	}
	return out
}

// Writer sends events through its own slot.
type Writer[E any] struct {
	events   *Events[E]
	slot     int
	released bool
}

func (w *Writer[E]) Send(event E) {
	w.events.mu.RLock()
	defer w.events.mu.RUnlock()
	w.events.push(w.slot, event)
}

// SendBatch sends events in order. It is cheaper than calling Send for each of them.
func (w *Writer[E]) SendBatch(events ...E) {
	w.events.mu.RLock()
	defer w.events.mu.RUnlock()
	w.events.push(w.slot, events...)
}

// SendDefault sends the zero value of E, for marker events.
func (w *Writer[E]) SendDefault() {
	var zero E
	w.Send(zero)
}

// Release hands the slot back for the next Writer. Events already sent stay readable. The Writer must not be
// used afterwards. Releasing twice is a no-op.
func (w *Writer[E]) Release() {
	if w.released {
		return
	}
	w.released = true
	w.events.mu.Lock()
	defer w.events.mu.Unlock()
	w.events.free = append(w.events.free, w.slot)
}

// Reader tracks which events it has already returned.
type Reader[E any] struct {
	events *Events[E]
	cursor ID
}

// Read returns the events this reader has not seen yet, in send order.
func (r *Reader[E]) Read() []E {
	return eventsOf(r.ReadWithID())
}

// ReadWithID is Read that also returns the event IDs.
func (r *Reader[E]) ReadWithID() []Instance[E] {
	r.events.mu.Lock()
	defer r.events.mu.Unlock()

	all := r.events.all()
	if len(all) == 0 {
		r.cursor = ID(r.events.count.Load())
		return nil
	}
	unread := r.unread(all)
	if len(unread) > 0 {
		r.cursor = unread[len(unread)-1].ID + 1
	}
	return unread
}

func (r *Reader[E]) unread(all []Instance[E]) []Instance[E] {
	start, _ := slices.BinarySearchFunc(all, r.cursor, func(in Instance[E], target ID) int {
		return cmp.Compare(in.ID, target)
	})
	return all[start:]
}

// Len returns the number of unread events without consuming them.
func (r *Reader[E]) Len() int {
	r.events.mu.Lock()
	defer r.events.mu.Unlock()
	return len(r.unread(r.events.all()))
}

func (r *Reader[E]) IsEmpty() bool {
	return r.Len() == 0
}

// Clear marks every event sent so far as read.
func (r *Reader[E]) Clear() {
	r.cursor = ID(r.events.count.Load())
}

// Register stores an Events[E] resource and updates it at the start of every tick. Registering the same
// event type twice is a no-op.
func Register[E any](b system.Builder) error {
	if resource.Contains[Events[E]](b.Resources()) {
		return nil
	}
	resource.Insert(b.Resources(), New[E]())
	return b.AddSystems(system.First, UpdateSystem[E])
}

// UpdateSystem swaps the buffers of the registered Events[E].
func UpdateSystem[E any](ctx system.Context) error {
	Get[E](ctx).Update()
	return nil
}

// Get returns the registered Events[E].
func Get[E any](ctx system.Context) *Events[E] {
	return resource.MustGet[Events[E]](ctx.Resources())
}

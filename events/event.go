// Package events routes arbitrary values through the world's event pipeline.
package events

import (
	"fmt"

	"github.com/goccy/go-json"
)

// Event wraps a value so any type can travel through an event channel. It encodes to JSON as the value itself.
type Event[T any] struct {
	inner T
}

func New[T any](inner T) Event[T] {
	return Event[T]{inner: inner}
}

// Inner returns the wrapped value.
func (e Event[T]) Inner() T {
	return e.inner
}

// Ptr returns a pointer to the wrapped value for in-place changes.
func (e *Event[T]) Ptr() *T {
	return &e.inner
}

func (e Event[T]) String() string {
	return fmt.Sprint(e.inner)
}

func (e Event[T]) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.inner)
}

func (e *Event[T]) UnmarshalJSON(bz []byte) error {
	return json.Unmarshal(bz, &e.inner)
}

// Unwrap returns the inner values of evs.
func Unwrap[T any](evs []Event[T]) []T {
	out := make([]T, len(evs))
	for i, ev := range evs {
		out[i] = ev.inner
	}
	return out
}

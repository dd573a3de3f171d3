// Package appstage tracks where an app is in its lifecycle. Stages only move forward through Transition:
// Init, Running, ShuttingDown, ShutDown.
package appstage

import (
	"slices"
	"sync/atomic"

	"github.com/rotisserie/eris"
)

type Stage string

const (
	Init         Stage = "Init"         // The default stage of an app
	Running      Stage = "Running"      // App is moved to this stage when the first tick starts
	ShuttingDown Stage = "ShuttingDown" // App is moved to this stage when it received a shutdown signal
	ShutDown     Stage = "ShutDown"     // App is moved to this stage when it has successfully shutdown
)

// lifecycle lists the stages in the order an app goes through them.
var lifecycle = []Stage{Init, Running, ShuttingDown, ShutDown}

var ErrInvalidTransition = eris.New("invalid stage transition")

// position returns the index of s in lifecycle, or -1 for an unknown stage.
func (s Stage) position() int32 {
	return int32(slices.Index(lifecycle, s))
}

// Manager holds the current stage. The zero value is at Init.
type Manager struct {
	current atomic.Int32
}

func NewManager() *Manager {
	return &Manager{}
}

func (m *Manager) Current() Stage {
	return lifecycle[m.current.Load()]
}

// Store sets the stage unconditionally. Unknown stages are ignored.
func (m *Manager) Store(stage Stage) {
	if pos := stage.position(); pos >= 0 {
		m.current.Store(pos)
	}
}

// Transition moves from from to to. It fails if the app is in any other stage than from, or if to does not
// come after from. Of many concurrent transitions out of the same stage, exactly one succeeds.
func (m *Manager) Transition(from, to Stage) error {
	fromPos, toPos := from.position(), to.position()
	if fromPos < 0 || toPos < 0 {
		return eris.Wrapf(ErrInvalidTransition, "unknown stage in %s -> %s", from, to)
	}
	if toPos <= fromPos {
		return eris.Wrapf(ErrInvalidTransition, "cannot go back from %s to %s", from, to)
	}
	if !m.current.CompareAndSwap(fromPos, toPos) {
		return eris.Wrapf(ErrInvalidTransition, "cannot move from %s to %s, app is %s", from, to, m.Current())
	}
	return nil
}

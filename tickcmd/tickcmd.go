// Package tickcmd defers world changes to the end of the tick.
//
// Systems, including systems of a parallel set, collect commands into a Queue and hand it to the Storage.
// All queues are applied in the Last phase, in the order they were appended.
package tickcmd

import (
	"sync"

	"github.com/rotisserie/eris"

	"pkg.world.dev/world-engine/kit/resource"
	"pkg.world.dev/world-engine/kit/system"
)

var ErrInvalidDelay = eris.New("delay must be at least one tick")

// Command is a deferred change to the world.
type Command func(ctx system.Context) error

// Queue is an ordered batch of commands. A Queue is owned by one system and is not safe for concurrent use.
type Queue struct {
	cmds []Command
}

func (q *Queue) Add(cmd Command) {
	q.cmds = append(q.cmds, cmd)
}

func (q *Queue) Len() int {
	return len(q.cmds)
}

// delayed is a command that runs after a number of ticks.
type delayed struct {
	delay int
	cmd   Command
}

// Storage holds queues until they are applied. It is safe for concurrent use.
type Storage struct {
	mu      sync.Mutex
	queues  []*Queue
	delayed []*delayed
}

func NewStorage() *Storage {
	return &Storage{}
}

// Append moves the commands of q into the storage and leaves q empty.
func (s *Storage) Append(q *Queue) {
	if q.Len() == 0 {
		return
	}
	moved := &Queue{cmds: q.cmds}
	q.cmds = nil

	s.mu.Lock()
	defer s.mu.Unlock()
	s.queues = append(s.queues, moved)
}

// Push stores a single command.
func (s *Storage) Push(cmd Command) {
	s.Append(&Queue{cmds: []Command{cmd}})
}

// AddDelayed stores a command that runs after the given number of Apply calls. A delay of one runs in the
// next Last phase.
func (s *Storage) AddDelayed(cmd Command, ticks int) error {
	ticks--
	if ticks < 0 {
		return eris.Wrapf(ErrInvalidDelay, "got %d", ticks+1)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delayed = append(s.delayed, &delayed{delay: ticks, cmd: cmd})
	return nil
}

// Pending returns the number of queued commands, including delayed ones.
func (s *Storage) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.delayed)
	for _, q := range s.queues {
		n += q.Len()
	}
	return n
}

// Clear drops everything that was not applied yet.
func (s *Storage) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queues = nil
	s.delayed = nil
}

// Apply runs all queued commands in order, then counts down the delayed ones and runs those that are due.
// The first failing command stops the run and its error is returned. Commands may push new commands; those
// run on the next Apply.
func (s *Storage) Apply(ctx system.Context) error {
	s.mu.Lock()
	queues := s.queues
	s.queues = nil
	s.mu.Unlock()

	for _, q := range queues {
		for _, cmd := range q.cmds {
			if err := cmd(ctx); err != nil {
				return err
			}
		}
	}
	return s.applyDelayed(ctx)
}

func (s *Storage) applyDelayed(ctx system.Context) error {
	s.mu.Lock()
	var due []Command
	keep := make([]*delayed, 0, len(s.delayed))
	for _, d := range s.delayed {
		if d.delay > 0 {
			d.delay--
			keep = append(keep, d)
		} else {
			due = append(due, d.cmd)
		}
	}
	s.delayed = keep
	s.mu.Unlock()

	for _, cmd := range due {
		if err := cmd(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Register stores a Storage resource and applies it in the Last phase. Registering twice is a no-op.
func Register(b system.Builder) error {
	if resource.Contains[Storage](b.Resources()) {
		return nil
	}
	resource.Insert(b.Resources(), NewStorage())
	return b.AddSystems(system.Last, ApplySystem)
}

// ApplySystem applies the registered Storage.
func ApplySystem(ctx system.Context) error {
	if err := Get(ctx).Apply(ctx); err != nil {
		return eris.Wrap(err, "failed to apply tick-deferred command")
	}
	return nil
}

func Get(ctx system.Context) *Storage {
	return resource.MustGet[Storage](ctx.Resources())
}

// Push defers cmd to the end of the current tick.
func Push(ctx system.Context, cmd Command) {
	Get(ctx).Push(cmd)
}

// Append defers every command of q to the end of the current tick.
func Append(ctx system.Context, q *Queue) {
	Get(ctx).Append(q)
}

// AddDelayed defers cmd by the given number of ticks.
func AddDelayed(ctx system.Context, cmd Command, ticks int) error {
	return Get(ctx).AddDelayed(cmd, ticks)
}

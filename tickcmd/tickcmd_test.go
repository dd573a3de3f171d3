package tickcmd_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"pkg.world.dev/world-engine/assert"

	"pkg.world.dev/world-engine/kit/apptest"
	"pkg.world.dev/world-engine/kit/system"
	"pkg.world.dev/world-engine/kit/tickcmd"
)

func record(mu *sync.Mutex, out *[]string, name string) tickcmd.Command {
	return func(system.Context) error {
		mu.Lock()
		defer mu.Unlock()
		*out = append(*out, name)
		return nil
	}
}

func TestCommandsRunAfterAllSystems(t *testing.T) {
	a := apptest.New(t)
	var mu sync.Mutex
	var order []string

	a.AddSystems(system.Update, func(ctx system.Context) error {
		q := &tickcmd.Queue{}
		q.Add(record(&mu, &order, "cmd-1"))
		q.Add(record(&mu, &order, "cmd-2"))
		tickcmd.Append(ctx, q)
		assert.Equal(t, 0, q.Len())

		tickcmd.Push(ctx, record(&mu, &order, "cmd-3"))
		return nil
	})
	a.AddSystems(system.PostUpdate, func(system.Context) error {
		order = append(order, "post-update")
		return nil
	})

	a.DoTick()
	assert.DeepEqual(t, []string{"post-update", "cmd-1", "cmd-2", "cmd-3"}, order)
	assert.Equal(t, 0, apptest.Res[tickcmd.Storage](a).Pending())
}

func TestParallelSystemsCanQueueCommands(t *testing.T) {
	a := apptest.New(t)
	var mu sync.Mutex
	var ran []string

	for _, name := range []string{"a", "b", "c", "d"} {
		a.AddSystemsToSet("workers", func(ctx system.Context) error {
			q := &tickcmd.Queue{}
			q.Add(record(&mu, &ran, name))
			tickcmd.Append(ctx, q)
			return nil
		})
	}
	assert.NilError(t, a.SetParallel("workers"))

	a.DoTick()
	assert.ElementsMatch(t, []string{"a", "b", "c", "d"}, ran)
}

func TestDelayedCommand(t *testing.T) {
	a := apptest.New(t)
	var mu sync.Mutex
	var ran []string
	var ranAt []uint64

	a.AddSystems(system.Update, func(ctx system.Context) error {
		if ctx.CurrentTick() != 0 {
			return nil
		}
		return tickcmd.AddDelayed(ctx, func(ctx system.Context) error {
			ranAt = append(ranAt, ctx.CurrentTick())
			return record(&mu, &ran, "delayed")(ctx)
		}, 3)
	})

	a.DoTick()
	a.DoTick()
	assert.Len(t, ran, 0)
	a.DoTick()
	assert.DeepEqual(t, []string{"delayed"}, ran)
	assert.DeepEqual(t, []uint64{2}, ranAt)
}

func TestInvalidDelay(t *testing.T) {
	s := tickcmd.NewStorage()
	assert.ErrorIs(t, s.AddDelayed(func(system.Context) error { return nil }, 0), tickcmd.ErrInvalidDelay)
}

func TestFailingCommandAbortsTick(t *testing.T) {
	a := apptest.New(t)
	boom := errors.New("boom")
	a.AddSystems(system.Update, func(ctx system.Context) error {
		tickcmd.Push(ctx, func(system.Context) error { return boom })
		return nil
	})
	assert.ErrorIs(t, a.Update(context.Background()), boom)
}

func TestClear(t *testing.T) {
	s := tickcmd.NewStorage()
	s.Push(func(system.Context) error { return nil })
	assert.NilError(t, s.AddDelayed(func(system.Context) error { return nil }, 2))
	assert.Equal(t, 2, s.Pending())
	s.Clear()
	assert.Equal(t, 0, s.Pending())
}

package app_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"pkg.world.dev/world-engine/assert"

	"pkg.world.dev/world-engine/kit/app"
	"pkg.world.dev/world-engine/kit/appstage"
	"pkg.world.dev/world-engine/kit/config"
	"pkg.world.dev/world-engine/kit/system"
)

type runner struct {
	app    *app.App
	tickCh chan time.Time
	doneCh chan uint64
	errCh  chan error
}

func newRunner(t *testing.T, opts ...app.AppOption) *runner {
	t.Helper()
	r := &runner{
		tickCh: make(chan time.Time),
		doneCh: make(chan uint64),
		errCh:  make(chan error, 1),
	}
	opts = append([]app.AppOption{
		app.WithLogger(zerolog.Nop()),
		app.WithTickChannel(r.tickCh),
		app.WithTickDoneChannel(r.doneCh),
	}, opts...)
	a, err := app.New(opts...)
	assert.NilError(t, err)
	r.app = a
	return r
}

func (r *runner) start(ctx context.Context) {
	go func() {
		r.errCh <- r.app.Run(ctx)
	}()
}

// tick triggers a tick and waits for it to finish.
func (r *runner) tick(t *testing.T) uint64 {
	t.Helper()
	r.tickCh <- time.Now()
	select {
	case n := <-r.doneCh:
		return n
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for tick")
	}
	return 0
}

func (r *runner) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-r.errCh:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for Run to return")
	}
	return nil
}

func TestNewRegistersBuiltinSystems(t *testing.T) {
	a, err := app.New(app.WithLogger(zerolog.Nop()))
	assert.NilError(t, err)

	names := strings.Join(a.SystemNames(), ",")
	assert.Check(t, strings.Contains(names, "DespawnMarked"))
	assert.Check(t, strings.Contains(names, "ApplySystem"))
	assert.Equal(t, appstage.Init, a.Stage())
	assert.Equal(t, system.First, a.Labels()[0])
}

func TestInvalidOptionFails(t *testing.T) {
	_, err := app.New(app.WithLogger(zerolog.Nop()), app.WithTickRate(0))
	assert.IsError(t, err)

	_, err = app.New(app.WithLogger(zerolog.Nop()), app.WithNamespace(""))
	assert.IsError(t, err)
}

func TestConfigOptionFixesInvalidEnv(t *testing.T) {
	t.Setenv("KIT_TICK_RATE", "0")

	_, err := app.New(app.WithLogger(zerolog.Nop()))
	assert.IsError(t, err)

	// An option can repair the environment before the config is validated.
	a, err := app.New(app.WithLogger(zerolog.Nop()), app.WithTickRate(30))
	assert.NilError(t, err)
	assert.Equal(t, 30, a.Config().TickRate)
}

func TestWithConfigIgnoresEnv(t *testing.T) {
	t.Setenv("KIT_TICK_RATE", "0")
	t.Setenv("KIT_NAMESPACE", "from-env")
	t.Setenv("KIT_CONFIG_FILE", "/does/not/exist.toml")

	cfg := config.Default()
	cfg.Namespace = "lobby"
	a, err := app.New(app.WithLogger(zerolog.Nop()), app.WithConfig(cfg))
	assert.NilError(t, err)
	assert.Equal(t, "lobby", a.Config().Namespace)
	assert.Equal(t, config.DefaultTickRate, a.Config().TickRate)
}

func TestNewLogsTelemetryState(t *testing.T) {
	var buf strings.Builder
	_, err := app.New(app.WithLogger(zerolog.New(&buf).Level(zerolog.DebugLevel)))
	assert.NilError(t, err)
	assert.Check(t, strings.Contains(buf.String(), `"statsd is disabled"`), buf.String())
	assert.Check(t, strings.Contains(buf.String(), `"tracing":false`), buf.String())
}

func TestUpdateAdvancesTick(t *testing.T) {
	a, err := app.New(app.WithLogger(zerolog.Nop()))
	assert.NilError(t, err)

	var seen []uint64
	assert.NilError(t, a.AddSystems(system.Update, func(ctx system.Context) error {
		seen = append(seen, ctx.CurrentTick())
		assert.Check(t, ctx.Timestamp() > 0)
		return nil
	}))

	for range 3 {
		assert.NilError(t, a.Update(context.Background()))
	}
	assert.DeepEqual(t, []uint64{0, 1, 2}, seen)
	assert.Equal(t, uint64(3), a.CurrentTick())
}

func TestFailedTickDoesNotAdvance(t *testing.T) {
	a, err := app.New(app.WithLogger(zerolog.Nop()))
	assert.NilError(t, err)
	boom := errors.New("boom")
	assert.NilError(t, a.AddSystems(system.Update, func(system.Context) error { return boom }))

	assert.ErrorIs(t, a.Update(context.Background()), boom)
	assert.Equal(t, uint64(0), a.CurrentTick())
}

func TestRunTicksOnChannel(t *testing.T) {
	r := newRunner(t)
	ctx, cancel := context.WithCancel(context.Background())
	r.start(ctx)

	assert.Equal(t, uint64(0), r.tick(t))
	assert.Equal(t, uint64(1), r.tick(t))
	assert.Equal(t, appstage.Running, r.app.Stage())

	cancel()
	assert.NilError(t, r.wait(t))
	assert.Equal(t, appstage.ShutDown, r.app.Stage())
}

func TestSystemExitStopsRun(t *testing.T) {
	r := newRunner(t)
	assert.NilError(t, r.app.AddSystems(system.Update, func(ctx system.Context) error {
		if ctx.CurrentTick() == 1 {
			ctx.Exit(nil)
		}
		return nil
	}))
	r.start(context.Background())

	r.tick(t)
	r.tick(t)
	assert.NilError(t, r.wait(t))

	exiting, err := r.app.ExitStatus()
	assert.Check(t, exiting)
	assert.NilError(t, err)
}

func TestSystemExitWithError(t *testing.T) {
	r := newRunner(t)
	boom := errors.New("boom")
	assert.NilError(t, r.app.AddSystems(system.Update, func(ctx system.Context) error {
		ctx.Exit(boom)
		// Only the first request counts.
		ctx.Exit(nil)
		return nil
	}))
	r.start(context.Background())

	r.tick(t)
	assert.ErrorIs(t, r.wait(t), boom)
}

func TestSystemErrorStopsRun(t *testing.T) {
	r := newRunner(t)
	boom := errors.New("boom")
	assert.NilError(t, r.app.AddSystems(system.Update, func(system.Context) error { return boom }))
	r.start(context.Background())

	r.tickCh <- time.Now()
	assert.ErrorIs(t, r.wait(t), boom)
}

func TestExternalShutdownSignal(t *testing.T) {
	shutdown := make(chan struct{}, 1)
	r := newRunner(t, app.WithExternalShutdown(shutdown))
	r.start(context.Background())

	r.tick(t)
	shutdown <- struct{}{}
	r.tick(t)
	assert.NilError(t, r.wait(t))
}

func TestExternalShutdownClosed(t *testing.T) {
	shutdown := make(chan struct{})
	r := newRunner(t, app.WithExternalShutdown(shutdown))
	r.start(context.Background())

	close(shutdown)
	r.tick(t)
	assert.ErrorIs(t, r.wait(t), app.ErrAbruptShutdown)
}

func TestCannotChangeRunningApp(t *testing.T) {
	r := newRunner(t)
	ctx, cancel := context.WithCancel(context.Background())
	r.start(ctx)
	r.tick(t)

	noop := func(system.Context) error { return nil }
	assert.ErrorIs(t, r.app.AddSystems(system.Update, noop), app.ErrAlreadyStarted)
	assert.ErrorIs(t, r.app.AddSystemsToSet("set", noop), app.ErrAlreadyStarted)
	assert.ErrorIs(t, r.app.Run(ctx), app.ErrAlreadyStarted)

	cancel()
	assert.NilError(t, r.wait(t))
}

func TestPluginsRegisterInOrder(t *testing.T) {
	var order []string
	plugin := func(name string) system.Plugin {
		return system.PluginFunc(func(b system.Builder) error {
			order = append(order, name)
			return nil
		})
	}
	_, err := app.New(app.WithLogger(zerolog.Nop()), app.WithPlugin(plugin("a")), app.WithPlugin(plugin("b")))
	assert.NilError(t, err)
	assert.DeepEqual(t, []string{"a", "b"}, order)

	failing := system.PluginFunc(func(system.Builder) error { return errors.New("nope") })
	_, err = app.New(app.WithLogger(zerolog.Nop()), app.WithPlugin(failing))
	assert.IsError(t, err)
}

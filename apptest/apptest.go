// Package apptest drives an app.App tick by tick from tests.
package apptest

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"github.com/yohamta/donburi"
	"github.com/yohamta/donburi/filter"

	"pkg.world.dev/world-engine/assert"

	"pkg.world.dev/world-engine/kit/app"
	"pkg.world.dev/world-engine/kit/events"
	"pkg.world.dev/world-engine/kit/parevents"
	"pkg.world.dev/world-engine/kit/resource"
	"pkg.world.dev/world-engine/kit/system"
	"pkg.world.dev/world-engine/kit/wire"
)

// TestApp is a helper struct that manages an app.App instance. Ticks are run synchronously with DoTick and
// Tick instead of a tick channel, so systems and plugins can still be added between ticks.
type TestApp struct {
	testing.TB
	*app.App
}

// New creates a test fixture. Logs are discarded unless an app.WithLogger option is given.
func New(t testing.TB, opts ...app.AppOption) *TestApp {
	t.Helper()
	defaultOpts := []app.AppOption{
		app.WithLogger(zerolog.Nop()),
	}

	// Default options go first so that any user supplied options overwrite the defaults.
	a, err := app.New(append(defaultOpts, opts...)...)
	assert.NilError(t, err)

	return &TestApp{
		TB:  t,
		App: a,
	}
}

// AddPlugin registers p and fails the test on error.
func (a *TestApp) AddPlugin(p system.Plugin) {
	a.Helper()
	assert.NilError(a, a.App.AddPlugin(p))
}

// AddSystems adds systems to a phase and fails the test on error.
func (a *TestApp) AddSystems(label system.Label, systems ...system.System) {
	a.Helper()
	assert.NilError(a, a.App.AddSystems(label, systems...))
}

func (a *TestApp) AddSystemsToSet(set system.Set, systems ...system.System) {
	a.Helper()
	assert.NilError(a, a.App.AddSystemsToSet(set, systems...))
}

func (a *TestApp) AddScheduleAfter(label, after system.Label) {
	a.Helper()
	assert.NilError(a, a.App.AddScheduleAfter(label, after))
}

// DoTick runs one tick and fails the test if a system returns an error.
func (a *TestApp) DoTick() {
	a.Helper()
	assert.NilError(a, a.Update(context.Background()))
}

// Tick runs two ticks, so every event sent before the call has been dropped from the double buffers.
func (a *TestApp) Tick() {
	a.Helper()
	a.DoTick()
	a.DoTick()
}

// QueryMatches returns every entity matched by q.
func (a *TestApp) QueryMatches(q *donburi.Query) []donburi.Entity {
	var out []donburi.Entity
	q.Each(a.World(), func(entry *donburi.Entry) {
		out = append(out, entry.Entity())
	})
	return out
}

// Spawn creates an entity with the given components.
func (a *TestApp) Spawn(components ...donburi.IComponentType) *donburi.Entry {
	return a.World().Entry(a.World().Create(components...))
}

// Events returns the T events of the last two ticks, including the ones queued since the last tick.
func Events[T any](a *TestApp) []T {
	a.Helper()
	ch, err := resource.Get[events.Channel[T]](a.Resources())
	assert.NilError(a, err)
	return ch.Recent()
}

// SendEvent queues v on the registered events.Channel[T]. It is delivered with the next tick.
func SendEvent[T any](a *TestApp, v T) {
	a.Helper()
	ch, err := resource.Get[events.Channel[T]](a.Resources())
	assert.NilError(a, err)
	ch.Send(v)
}

// SendAction queues a wire.Req for action on behalf of target and returns its correlation id. The
// events.Channel of the request type is registered on first use.
func SendAction[A any](a *TestApp, target wire.Target, action A) wire.CorrelationID {
	a.Helper()
	if !resource.Contains[events.Channel[wire.Req[A]]](a.Resources()) {
		assert.NilError(a, a.App.AddPlugin(system.PluginFunc(events.Register[wire.Req[A]])))
	}
	req := wire.NewReq(target, action, wire.NewCorrelationID())
	SendEvent(a, req)
	return req.CorrelationID
}

// ParEvents returns every buffered event of the registered parevents.Events[E].
func ParEvents[E any](a *TestApp) []E {
	a.Helper()
	evs, err := resource.Get[parevents.Events[E]](a.Resources())
	assert.NilError(a, err)
	return evs.Reader().Read()
}

// Res returns the registered resource of type R.
func Res[R any](a *TestApp) *R {
	a.Helper()
	r, err := resource.Get[R](a.Resources())
	assert.NilError(a, err)
	return r
}

// Component returns the value of ct on the only entity that has it. The test fails if there is not exactly one.
func Component[C any](a *TestApp, ct *donburi.ComponentType[C]) *C {
	a.Helper()
	matches := a.QueryMatches(donburi.NewQuery(filter.Contains(ct)))
	assert.Len(a, matches, 1, "expected exactly one entity with %s", ct.Name())
	if len(matches) != 1 {
		a.FailNow()
	}
	return ct.Get(a.World().Entry(matches[0]))
}

// FindOpenPort finds an open local port and returns it as a string.
func FindOpenPort() (string, error) {
	findFn := func() (string, error) {
		// Try to get a random port using the wildcard 0 port
		l, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			return "", eris.Wrap(err, "failed to initialize listener")
		}

		tcpAddr, err := net.ResolveTCPAddr(l.Addr().Network(), l.Addr().String())
		if err != nil {
			return "", eris.Wrap(err, "failed to resolve address")
		}

		if err := l.Close(); err != nil {
			return "", eris.Wrap(err, "failed to close listener")
		}
		return strconv.Itoa(tcpAddr.Port), nil
	}

	for retries := 10; retries > 0; retries-- {
		port, err := findFn()
		if err == nil {
			return port, nil
		}
		time.Sleep(10 * time.Millisecond) //nolint:gomnd // it's fine.
	}

	return "", eris.New("failed to find an open port")
}

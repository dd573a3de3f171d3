package app

import (
	"github.com/rs/zerolog"
	"github.com/yohamta/donburi"

	"pkg.world.dev/world-engine/kit/resource"
	"pkg.world.dev/world-engine/kit/system"
)

var _ system.Context = (*appContext)(nil)

// appContext is the system.Context of a single tick.
type appContext struct {
	app    *App
	logger *zerolog.Logger
}

func newAppContext(a *App) *appContext {
	return &appContext{
		app:    a,
		logger: &a.logger,
	}
}

func (c *appContext) World() donburi.World {
	return c.app.world
}

func (c *appContext) Resources() *resource.Registry {
	return c.app.res
}

func (c *appContext) Logger() *zerolog.Logger {
	return c.logger
}

func (c *appContext) CurrentTick() uint64 {
	return c.app.CurrentTick()
}

func (c *appContext) Timestamp() uint64 {
	return c.app.Timestamp()
}

func (c *appContext) Exit(err error) {
	c.app.requestExit(err)
}

func (c *appContext) WithLogger(logger zerolog.Logger) system.Context {
	return &appContext{
		app:    c.app,
		logger: &logger,
	}
}

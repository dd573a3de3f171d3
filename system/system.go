package system

import (
	"github.com/rs/zerolog"
	"github.com/yohamta/donburi"

	"pkg.world.dev/world-engine/kit/resource"
)

// System is a user-defined function that is executed once per tick in the phase it was added to.
type System func(ctx Context) error

// Context is handed to every system. It is the only way a system reaches the world, so all world access is explicit.
type Context interface {
	World() donburi.World
	Resources() *resource.Registry
	Logger() *zerolog.Logger

	// CurrentTick is the number of the tick being executed, starting at 0.
	CurrentTick() uint64
	// Timestamp is the unix millisecond time at which the current tick started.
	Timestamp() uint64

	// Exit asks the app to stop after the current tick. A nil err is a clean exit.
	Exit(err error)

	// WithLogger returns a copy of the context that logs through logger.
	WithLogger(logger zerolog.Logger) Context
}

// Builder is the registration surface an app exposes to plugins before it starts ticking.
type Builder interface {
	World() donburi.World
	Resources() *resource.Registry
	Logger() *zerolog.Logger

	AddSystems(label Label, systems ...System) error
	AddSystemsToSet(set Set, systems ...System) error
	AddScheduleAfter(label, after Label) error
}

// Plugin bundles resources and systems that are registered together.
type Plugin interface {
	Register(b Builder) error
}

// PluginFunc adapts a function to the Plugin interface.
type PluginFunc func(b Builder) error

func (f PluginFunc) Register(b Builder) error {
	return f(b)
}

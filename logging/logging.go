// Package logging has zerolog helpers for apps and the systems that log outgoing errors and responses.
package logging

import (
	"github.com/rs/zerolog"

	"pkg.world.dev/world-engine/kit/events"
	"pkg.world.dev/world-engine/kit/parevents"
	"pkg.world.dev/world-engine/kit/system"
	"pkg.world.dev/world-engine/kit/wire"
)

// Loggable is anything that can describe its phases and systems.
type Loggable interface {
	Labels() []system.Label
	SystemNames() []string
}

func loadPhasesIntoEvent(zeroLoggerEvent *zerolog.Event, target Loggable) *zerolog.Event {
	arrayLogger := zerolog.Arr()
	for _, label := range target.Labels() {
		arrayLogger = arrayLogger.Str(label.String())
	}
	return zeroLoggerEvent.Array("phases", arrayLogger)
}

func loadSystemsIntoEvent(zeroLoggerEvent *zerolog.Event, target Loggable) *zerolog.Event {
	names := target.SystemNames()
	zeroLoggerEvent.Int("total_systems", len(names))
	arrayLogger := zerolog.Arr()
	for _, sysName := range names {
		arrayLogger = arrayLogger.Str(sysName)
	}
	return zeroLoggerEvent.Array("systems", arrayLogger)
}

// Schedule logs the phase order.
func Schedule(logger *zerolog.Logger, target Loggable, level zerolog.Level) {
	loadPhasesIntoEvent(logger.WithLevel(level), target).Send()
}

// Systems logs every registered system in run order.
func Systems(logger *zerolog.Logger, target Loggable, level zerolog.Level) {
	loadSystemsIntoEvent(logger.WithLevel(level), target).Send()
}

// App logs the phases and the systems.
func App(logger *zerolog.Logger, target Loggable, level zerolog.Level) {
	zeroLoggerEvent := logger.WithLevel(level)
	zeroLoggerEvent = loadPhasesIntoEvent(zeroLoggerEvent, target)
	zeroLoggerEvent = loadSystemsIntoEvent(zeroLoggerEvent, target)
	zeroLoggerEvent.Send()
}

// CreateTraceLogger creates a sub logger with the entry {"trace_id": traceID}. The connection bridge traces
// requests by their correlation id, and Errors logs under the same id, so a failed request can be followed.
func CreateTraceLogger(logger *zerolog.Logger, traceID string) *zerolog.Logger {
	newLogger := logger.With().Str("trace_id", traceID).Logger()
	return &newLogger
}

// Errors returns a system that logs every wire.Error[E] sent through parevents at error level. Place it in a
// phase that does not run in parallel with the writers.
func Errors[E any]() system.System {
	var reader *parevents.Reader[events.Event[wire.Error[E]]]
	return func(ctx system.Context) error {
		if reader == nil {
			reader = parevents.Get[events.Event[wire.Error[E]]](ctx).Reader()
		}
		for _, ev := range reader.Read() {
			e := ev.Inner()
			CreateTraceLogger(ctx.Logger(), e.CorrelationID.String()).Error().
				Stringer("to", e.To).
				Interface("error", e.Err).
				Msg("error sent")
		}
		return nil
	}
}

// Responses returns a system that logs every wire.Res[T] sent through parevents at info level.
func Responses[T any]() system.System {
	var reader *parevents.Reader[events.Event[wire.Res[T]]]
	return func(ctx system.Context) error {
		if reader == nil {
			reader = parevents.Get[events.Event[wire.Res[T]]](ctx).Reader()
		}
		for _, ev := range reader.Read() {
			res := ev.Inner()
			ctx.Logger().Info().
				Interface("targets", res.Targets).
				Interface("event", res.Event).
				Msg("response sent")
		}
		return nil
	}
}

// Register makes sure the parallel event channels exist and logs them in the Output phase.
func Register[T, E any](b system.Builder) error {
	if err := parevents.Register[events.Event[wire.Res[T]]](b); err != nil {
		return err
	}
	if err := parevents.Register[events.Event[wire.Error[E]]](b); err != nil {
		return err
	}
	return b.AddSystems(system.Output, Responses[T](), Errors[E]())
}

// Package app ties a donburi world, the resource registry and the phase scheduler into a ticking application.
package app

import (
	"context"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"github.com/yohamta/donburi"
	"gopkg.in/DataDog/dd-trace-go.v1/ddtrace/tracer"

	"pkg.world.dev/world-engine/kit/appstage"
	"pkg.world.dev/world-engine/kit/config"
	"pkg.world.dev/world-engine/kit/deferdelete"
	"pkg.world.dev/world-engine/kit/logging"
	"pkg.world.dev/world-engine/kit/resource"
	"pkg.world.dev/world-engine/kit/statsd"
	"pkg.world.dev/world-engine/kit/system"
	"pkg.world.dev/world-engine/kit/telemetry"
	"pkg.world.dev/world-engine/kit/tickcmd"
)

var (
	ErrAbruptShutdown    = eris.New("external shutdown channel closed without a signal")
	ErrTickChannelClosed = eris.New("tick channel has been closed")
	ErrAlreadyStarted    = eris.New("app has already been started")
)

var _ system.Builder = (*App)(nil)

type App struct {
	cfg    config.Config
	logger zerolog.Logger

	world   donburi.World
	res     *resource.Registry
	systems *system.Manager
	stage   *appstage.Manager
	plugins []system.Plugin

	tel           *telemetry.Manager
	statsdEnabled bool

	// Tick
	tick            atomic.Uint64
	timestamp       atomic.Uint64
	tickChannel     <-chan time.Time
	tickDoneChannel chan<- uint64

	exitMu   sync.Mutex
	exiting  bool
	exitErr  error
	exitTick uint64
}

// New creates an app from the environment configuration and the given options. The result is validated once,
// after every option is applied. The built-in deferred deletion
// and tick command plugins are registered before any plugin passed with WithPlugin.
func New(opts ...AppOption) (*App, error) {
	configOptions, appOptions := separateOptions(opts)

	cfg := config.Default()
	if !replacesConfig(opts) {
		var err error
		cfg, err = config.Read(config.New())
		if err != nil {
			return nil, eris.Wrap(err, "failed to load config to start app")
		}
	}
	for _, opt := range configOptions {
		opt(&cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, eris.Wrap(err, "invalid app options")
	}

	a := &App{
		cfg:     cfg,
		logger:  newLogger(cfg, os.Stdout),
		world:   donburi.NewWorld(),
		res:     resource.NewRegistry(),
		systems: system.NewManager(),
		stage:   appstage.NewManager(),
	}
	if err := system.AddSchedules(a.systems); err != nil {
		return nil, err
	}

	for _, opt := range appOptions {
		opt(a)
	}

	if cfg.StatsdAddress != "" {
		tags := []string{statsd.Tag("namespace", cfg.Namespace)}
		if err := statsd.Init(cfg.StatsdAddress, tags); err != nil {
			return nil, eris.Wrap(err, "unable to init statsd")
		}
		a.statsdEnabled = true
	} else {
		a.logger.Debug().Msg("statsd is disabled")
	}
	a.tel = telemetry.New(cfg.TraceAddress)
	a.logger.Debug().Bool("tracing", a.tel.Enabled()).Msg("telemetry initialized")

	builtins := []system.Plugin{
		system.PluginFunc(deferdelete.Register),
		system.PluginFunc(tickcmd.Register),
	}
	for _, p := range append(builtins, a.plugins...) {
		if err := a.AddPlugin(p); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// newLogger creates a logger with the configured format and level.
func newLogger(cfg config.Config, out io.Writer) zerolog.Logger {
	var writer io.Writer
	switch config.ParseLogFormat(cfg.LogFormat) {
	case config.LogFormatPretty:
		writer = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: time.RFC3339,
		}
	case config.LogFormatJSON, config.LogFormatUndefined:
		writer = out
	}
	return zerolog.New(writer).
		Level(cfg.Level()).
		With().
		Timestamp().
		Str("namespace", cfg.Namespace).
		Logger()
}

func (a *App) Config() config.Config {
	return a.cfg
}

func (a *App) World() donburi.World {
	return a.world
}

func (a *App) Resources() *resource.Registry {
	return a.res
}

func (a *App) Logger() *zerolog.Logger {
	return &a.logger
}

func (a *App) Stage() appstage.Stage {
	return a.stage.Current()
}

// CurrentTick returns the number of the tick being executed, or of the next tick between ticks.
func (a *App) CurrentTick() uint64 {
	return a.tick.Load()
}

// Timestamp returns the unix millisecond time at which the last tick started.
func (a *App) Timestamp() uint64 {
	return a.timestamp.Load()
}

func (a *App) Labels() []system.Label {
	return a.systems.Labels()
}

func (a *App) SystemNames() []string {
	return a.systems.SystemNames()
}

func (a *App) checkNotStarted() error {
	if s := a.stage.Current(); s != appstage.Init {
		return eris.Wrapf(ErrAlreadyStarted, "app is %s", s)
	}
	return nil
}

// AddPlugin registers p. Plugins can only be added before Run.
func (a *App) AddPlugin(p system.Plugin) error {
	if err := a.checkNotStarted(); err != nil {
		return err
	}
	if err := p.Register(a); err != nil {
		return eris.Wrap(err, "failed to register plugin")
	}
	return nil
}

func (a *App) AddSystems(label system.Label, systems ...system.System) error {
	if err := a.checkNotStarted(); err != nil {
		return err
	}
	return a.systems.AddSystems(label, systems...)
}

func (a *App) AddSystemsToSet(set system.Set, systems ...system.System) error {
	if err := a.checkNotStarted(); err != nil {
		return err
	}
	return a.systems.AddSystemsToSet(set, systems...)
}

func (a *App) AddScheduleAfter(label, after system.Label) error {
	if err := a.checkNotStarted(); err != nil {
		return err
	}
	return a.systems.AddScheduleAfter(label, after)
}

// SetParallel makes the systems of set run concurrently.
func (a *App) SetParallel(set system.Set) error {
	if err := a.checkNotStarted(); err != nil {
		return err
	}
	return a.systems.SetParallel(set)
}

// Update runs every phase once. A system error aborts the tick and is returned; the tick counter only advances
// when the whole tick succeeded.
func (a *App) Update(ctx context.Context) (err error) {
	if s := a.stage.Current(); s == appstage.ShutDown {
		return eris.Errorf("invalid app stage to tick: %s", s)
	}
	startTime := time.Now()

	// This defer is here to catch any panics that occur during the tick. It will log the current tick and the
	// current system that is running.
	defer a.handleTickPanic()

	span, ctx := tracer.StartSpanFromContext(ctx, "kit.span.tick")
	defer func() {
		span.Finish(tracer.WithError(err))
	}()

	a.timestamp.Store(uint64(startTime.UnixMilli()))
	if err := a.systems.Run(ctx, newAppContext(a)); err != nil {
		return eris.Wrapf(err, "tick %d failed", a.CurrentTick())
	}
	a.tick.Add(1)

	statsd.EmitTickStat(startTime, "full_tick")
	return nil
}

// Run ticks the app until ctx is done, a system calls Exit or the external shutdown channel fires. Without
// WithTickChannel the app ticks TickRate times per second.
//
// Run returns nil when ctx is done or on a clean exit, and the error passed to Exit or returned by a system
// otherwise.
func (a *App) Run(ctx context.Context) error {
	if err := a.stage.Transition(appstage.Init, appstage.Running); err != nil {
		return eris.Wrap(ErrAlreadyStarted, err.Error())
	}
	defer a.shutdown()

	if len(a.systems.SystemNames()) == 0 {
		a.logger.Warn().Msg("No systems registered")
	}
	logging.App(&a.logger, a.systems, zerolog.InfoLevel)

	tickChannel := a.tickChannel
	if tickChannel == nil {
		ticker := time.NewTicker(time.Second / time.Duration(a.cfg.TickRate))
		defer ticker.Stop()
		tickChannel = ticker.C
	}

	a.logger.Info().Int("tick_rate", a.cfg.TickRate).Msg("Game loop started")
	for {
		select {
		case <-ctx.Done():
			a.logger.Info().Msg("Context done, stopping game loop.")
			return nil
		case _, ok := <-tickChannel:
			if !ok {
				return eris.Wrap(ErrTickChannelClosed, "tick rate is now unbounded")
			}
			currTick := a.CurrentTick()
			if err := a.Update(ctx); err != nil {
				a.logger.Error().Err(err).Msgf("Tick failed: %s", eris.ToString(err, true))
				return err
			}
			if a.tickDoneChannel != nil {
				select {
				case a.tickDoneChannel <- currTick:
				case <-ctx.Done():
				}
			}
			if exiting, err := a.ExitStatus(); exiting {
				if err != nil {
					a.logger.Error().Err(err).Msg("App exited with an error.")
				}
				return err
			}
		}
	}
}

// ExitStatus reports whether a system asked the app to exit and with which error.
func (a *App) ExitStatus() (bool, error) {
	a.exitMu.Lock()
	defer a.exitMu.Unlock()
	return a.exiting, a.exitErr
}

// requestExit records the first exit request of the app. Later requests are ignored.
func (a *App) requestExit(err error) {
	a.exitMu.Lock()
	defer a.exitMu.Unlock()
	if a.exiting {
		return
	}
	a.exiting = true
	a.exitErr = err
	a.exitTick = a.CurrentTick()
	a.logger.Info().Uint64("tick", a.exitTick).Msg("Exit requested.")
}

func (a *App) shutdown() {
	if err := a.stage.Transition(appstage.Running, appstage.ShuttingDown); err != nil {
		a.logger.Warn().Err(err).Msg("Unexpected stage at shutdown.")
		a.stage.Store(appstage.ShuttingDown)
	}
	a.logger.Info().Msg("Shutting down game loop.")

	if err := a.tel.Shutdown(); err != nil {
		a.logger.Warn().Err(err).Msg("Failed to shut down tracer.")
	}
	if a.statsdEnabled {
		if err := statsd.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("Failed to close statsd client.")
		}
	}

	if err := a.stage.Transition(appstage.ShuttingDown, appstage.ShutDown); err != nil {
		a.logger.Warn().Err(err).Msg("Unexpected stage at shutdown.")
		a.stage.Store(appstage.ShutDown)
	}
	a.logger.Info().Msg("Successfully shut down game loop.")
}

func (a *App) handleTickPanic() {
	if r := recover(); r != nil {
		a.logger.Error().Msgf(
			"Tick: %d, Current running system: %s",
			a.CurrentTick(),
			a.systems.CurrentSystem(),
		)
		panic(r)
	}
}

// shutdownPlugin checks ch at the start of every tick.
func shutdownPlugin(ch <-chan struct{}) system.Plugin {
	return system.PluginFunc(func(b system.Builder) error {
		return b.AddSystems(system.First, func(ctx system.Context) error {
			select {
			case _, ok := <-ch:
				if !ok {
					ctx.Logger().Error().Msg("external shutdown channel closed")
					ctx.Exit(ErrAbruptShutdown)
					return nil
				}
				ctx.Logger().Info().Msg("external shutdown requested")
				ctx.Exit(nil)
			default:
			}
			return nil
		})
	})
}

package app

import (
	"time"

	"github.com/rs/zerolog"

	"pkg.world.dev/world-engine/kit/bridge"
	"pkg.world.dev/world-engine/kit/config"
	"pkg.world.dev/world-engine/kit/conns"
	"pkg.world.dev/world-engine/kit/system"
	"pkg.world.dev/world-engine/kit/wire"
)

// AppOption represents an option that can be used to augment how the App will be run.
type AppOption struct {
	configOption func(*config.Config)
	appOption    func(*App)
	// replacesConfig is set by WithConfig. The environment is not read then.
	replacesConfig bool
}

// WithConfig replaces the configuration loaded from the environment. The environment and KIT_CONFIG_FILE are
// not read at all when this option is given.
func WithConfig(cfg config.Config) AppOption {
	return AppOption{
		replacesConfig: true,
		configOption: func(c *config.Config) {
			*c = cfg
		},
	}
}

// WithNamespace sets the namespace used to tag metrics and logs. The default is "kit".
func WithNamespace(namespace string) AppOption {
	return AppOption{
		configOption: func(c *config.Config) {
			c.Namespace = namespace
		},
	}
}

// WithTickRate sets the number of ticks per second of Run. It has no effect when WithTickChannel is used.
func WithTickRate(rate int) AppOption {
	return AppOption{
		configOption: func(c *config.Config) {
			c.TickRate = rate
		},
	}
}

func WithPrettyLog() AppOption {
	return AppOption{
		configOption: func(c *config.Config) {
			c.LogFormat = config.LogFormatPretty.String()
		},
	}
}

// WithLogger makes the app log through logger instead of one built from the configuration.
func WithLogger(logger zerolog.Logger) AppOption {
	return AppOption{
		appOption: func(a *App) {
			a.logger = logger
		},
	}
}

// WithTickChannel sets the channel that will be used to decide when a tick is executed. If unset, the tick rate
// from the configuration is used. Tests can pass in a channel controlled by the test for fine-grained control
// over when ticks are executed.
func WithTickChannel(ch <-chan time.Time) AppOption {
	return AppOption{
		appOption: func(a *App) {
			a.tickChannel = ch
		},
	}
}

// WithTickDoneChannel sets a channel that will be notified each time a tick completes. The completed tick will be
// pushed to the channel. This option is useful in tests when assertions need to be performed at the end of a tick.
func WithTickDoneChannel(ch chan<- uint64) AppOption {
	return AppOption{
		appOption: func(a *App) {
			a.tickDoneChannel = ch
		},
	}
}

// WithExternalShutdown stops Run once a value arrives on ch. If ch is closed instead, Run stops with
// ErrAbruptShutdown.
func WithExternalShutdown(ch <-chan struct{}) AppOption {
	return AppOption{
		appOption: func(a *App) {
			a.plugins = append(a.plugins, shutdownPlugin(ch))
		},
	}
}

// WithPlugin registers p after the built-in plugins. Plugins are registered in the order they are given.
func WithPlugin(p system.Plugin) AppOption {
	return AppOption{
		appOption: func(a *App) {
			a.plugins = append(a.plugins, p)
		},
	}
}

// WithBridge connects the app to an external system through a pair of channels. Requests arriving on in become
// Req events, and Res and Err events are forwarded to out at the end of every tick.
func WithBridge[Req, Res, Err any](in <-chan Req, out chan<- wire.Result[wire.TimestampedEvent[Res], Err]) AppOption {
	return WithPlugin(bridge.New(in, out))
}

// WithConnsBridge accepts client connections from source, for example the one of a ws.Server.
func WithConnsBridge[Req, Res, Err any](source <-chan conns.Conn[Req, Res, Err]) AppOption {
	return WithPlugin(conns.New(source))
}

func separateOptions(opts []AppOption) (configOptions []func(*config.Config), appOptions []func(*App)) {
	for _, opt := range opts {
		if opt.configOption != nil {
			configOptions = append(configOptions, opt.configOption)
		}
		if opt.appOption != nil {
			appOptions = append(appOptions, opt.appOption)
		}
	}
	return configOptions, appOptions
}

func replacesConfig(opts []AppOption) bool {
	for _, opt := range opts {
		if opt.replacesConfig {
			return true
		}
	}
	return false
}

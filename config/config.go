// Package config loads app settings from KIT_* environment variables and an optional TOML file.
package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

const (
	EnvPrefix = "KIT"

	DefaultNamespace        = "kit"
	DefaultLogLevel         = "info"
	DefaultLogFormat        = "json"
	DefaultTickRate         = 60
	DefaultWebsocketAddress = ":4040"

	keyConfigFile       = "config_file"
	keyNamespace        = "namespace"
	keyLogLevel         = "log_level"
	keyLogFormat        = "log_format"
	keyTickRate         = "tick_rate"
	keyStatsdAddress    = "statsd_address"
	keyTraceAddress     = "trace_address"
	keyWebsocketAddress = "websocket_address"
)

type Config struct {
	// Namespace tags metrics and log lines of this app.
	Namespace string `mapstructure:"namespace"`

	// Log level ("trace", "debug", "info", "warn", "error", "disabled").
	LogLevel string `mapstructure:"log_level"`

	// Log format ("json", "pretty").
	LogFormat string `mapstructure:"log_format"`

	// TickRate is the number of ticks per second of App.Run.
	TickRate int `mapstructure:"tick_rate"`

	// StatsdAddress enables metrics when set.
	StatsdAddress string `mapstructure:"statsd_address"`

	// TraceAddress enables the Datadog tracer when set.
	TraceAddress string `mapstructure:"trace_address"`

	WebsocketAddress string `mapstructure:"websocket_address"`
}

func Default() Config {
	return Config{
		Namespace:        DefaultNamespace,
		LogLevel:         DefaultLogLevel,
		LogFormat:        DefaultLogFormat,
		TickRate:         DefaultTickRate,
		WebsocketAddress: DefaultWebsocketAddress,
	}
}

// New returns a viper instance with defaults set and KIT_* environment variables bound.
func New() *viper.Viper {
	v := viper.New()
	def := Default()
	v.SetDefault(keyNamespace, def.Namespace)
	v.SetDefault(keyLogLevel, def.LogLevel)
	v.SetDefault(keyLogFormat, def.LogFormat)
	v.SetDefault(keyTickRate, def.TickRate)
	v.SetDefault(keyStatsdAddress, "")
	v.SetDefault(keyTraceAddress, "")
	v.SetDefault(keyWebsocketAddress, def.WebsocketAddress)
	v.SetDefault(keyConfigFile, "")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the configuration from the environment and, when KIT_CONFIG_FILE is set, from that TOML file.
// Environment variables win over the file.
func Load() (Config, error) {
	return LoadFrom(New())
}

// LoadFrom is Load for a caller-provided viper instance, for example one with bound command-line flags.
func LoadFrom(v *viper.Viper) (Config, error) {
	cfg, err := Read(v)
	if err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, eris.Wrap(err, "failed to validate config")
	}
	return cfg, nil
}

// Read is LoadFrom without validation, for callers that still change the config before validating it.
func Read(v *viper.Viper) (Config, error) {
	if file := v.GetString(keyConfigFile); file != "" {
		v.SetConfigFile(file)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, eris.Wrapf(err, "failed to read config file %q", file)
		}
	}

	cfg := Config{}
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, eris.Wrap(err, "failed to parse config")
	}
	return cfg, nil
}

// Validate performs validation on the loaded configuration.
func (cfg *Config) Validate() error {
	if _, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel)); err != nil || cfg.LogLevel == "" {
		return eris.Errorf("invalid log level: %q (must be 'trace', 'debug', 'info', 'warn', 'error' or 'disabled')",
			cfg.LogLevel)
	}
	if ParseLogFormat(cfg.LogFormat) == LogFormatUndefined {
		return eris.Errorf("invalid log format: %q (must be 'json' or 'pretty')", cfg.LogFormat)
	}
	if cfg.TickRate <= 0 {
		return eris.Errorf("tick rate must be positive, got %d", cfg.TickRate)
	}
	if cfg.Namespace == "" {
		return eris.New("namespace cannot be empty")
	}
	return nil
}

// Level returns the parsed log level. Call it on a validated config.
func (cfg *Config) Level() zerolog.Level {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil {
		return zerolog.InfoLevel
	}
	return level
}

// LogFormat represents the log output format.
type LogFormat uint8

const (
	LogFormatUndefined LogFormat = iota // Used as the zero value
	LogFormatJSON                       // Outputs structured JSON logs
	LogFormatPretty                     // Outputs human-readable console logs
)

func (f LogFormat) String() string {
	switch f {
	case LogFormatJSON:
		return "json"
	case LogFormatPretty:
		return "pretty"
	case LogFormatUndefined:
		return "undefined"
	default:
		return "undefined"
	}
}

// ParseLogFormat converts a string to LogFormat.
func ParseLogFormat(s string) LogFormat {
	switch strings.ToLower(s) {
	case "json":
		return LogFormatJSON
	case "pretty":
		return LogFormatPretty
	default:
		return LogFormatUndefined
	}
}

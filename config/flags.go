package config

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// flagKeys maps command-line flag names to config keys.
var flagKeys = map[string]string{
	"config":            keyConfigFile,
	"namespace":         keyNamespace,
	"log-level":         keyLogLevel,
	"log-format":        keyLogFormat,
	"tick-rate":         keyTickRate,
	"statsd-address":    keyStatsdAddress,
	"trace-address":     keyTraceAddress,
	"websocket-address": keyWebsocketAddress,
}

// AddFlags declares a flag for every config setting on flags.
func AddFlags(flags *pflag.FlagSet) {
	def := Default()
	flags.String("config", "", "path to a TOML config file")
	flags.String("namespace", def.Namespace, "namespace of metrics and log lines")
	flags.String("log-level", def.LogLevel, "log level (trace, debug, info, warn, error, disabled)")
	flags.String("log-format", def.LogFormat, "log format (json, pretty)")
	flags.Int("tick-rate", def.TickRate, "ticks per second")
	flags.String("statsd-address", "", "statsd agent address, metrics are disabled when empty")
	flags.String("trace-address", "", "datadog trace agent address, tracing is disabled when empty")
	flags.String("websocket-address", def.WebsocketAddress, "websocket listen address")
}

// BindFlags binds the flags declared by AddFlags to v. Flags set on the command line win over the environment.
func BindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	for name, key := range flagKeys {
		flag := flags.Lookup(name)
		if flag == nil {
			continue
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return eris.Wrapf(err, "failed to bind flag %q", name)
		}
	}
	return nil
}

// Package statsd wraps the datadog statsd client used for tick timings.
// Callers only see EmitTickStat / EmitCount so the backing client can be swapped in this file alone.
package statsd

import (
	"time"

	ddstatsd "github.com/DataDog/datadog-go/v5/statsd"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog/log"
)

const namespace = "kit"

var client ddstatsd.ClientInterface = &ddstatsd.NoOpClient{}

func Client() ddstatsd.ClientInterface {
	return client
}

// EmitTickStat reports how long stage took, measured from start.
func EmitTickStat(start time.Time, stage string) {
	duration := time.Since(start)
	err := Client().Timing("tick", duration, []string{"stage:" + stage}, 1)
	if err != nil {
		log.Logger.Warn().Msgf("failed to emit tick stat: %v", err)
	}
}

// EmitCount increments the counter name by value.
func EmitCount(name string, value int64, tags ...string) {
	if err := Client().Count(name, value, tags, 1); err != nil {
		log.Logger.Warn().Msgf("failed to emit count %q: %v", name, err)
	}
}

// Init replaces the no-op client with one sending to address. Tags are attached to every metric.
func Init(address string, tags []string) error {
	if address == "" {
		return eris.New("address must not be empty")
	}
	opts := []ddstatsd.Option{
		ddstatsd.WithNamespace(namespace),
	}
	if len(tags) > 0 {
		opts = append(opts, ddstatsd.WithTags(tags))
	}

	newClient, err := ddstatsd.New(address, opts...)
	if err != nil {
		return eris.Wrap(err, "failed to create statsd client")
	}
	client = newClient
	return nil
}

// Close flushes and closes the active client and restores the no-op client.
func Close() error {
	old := client
	client = &ddstatsd.NoOpClient{}
	return eris.Wrap(old.Close(), "failed to close statsd client")
}

// Tag formats a key:value metric tag.
func Tag(key, value string) string {
	return key + ":" + value
}

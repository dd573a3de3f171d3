package bridge_test

import (
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"pkg.world.dev/world-engine/assert"

	"pkg.world.dev/world-engine/kit/app"
	"pkg.world.dev/world-engine/kit/apptest"
	"pkg.world.dev/world-engine/kit/wire"
)

type Move struct {
	X, Y int
}

type Moved struct {
	X, Y int
}

type MoveError struct {
	Reason string
}

type outbound = wire.Result[wire.TimestampedEvent[Moved], MoveError]

func newBridgeApp(t *testing.T, outSize int, opts ...app.AppOption) (*apptest.TestApp, chan Move, chan outbound) {
	in := make(chan Move, 8)
	out := make(chan outbound, outSize)
	a := apptest.New(t, append(opts, app.WithBridge[Move, Moved, MoveError](in, out))...)
	return a, in, out
}

func TestInboundBecomesEvents(t *testing.T) {
	a, in, _ := newBridgeApp(t, 8)
	in <- Move{X: 1}
	in <- Move{X: 2}

	a.DoTick()
	assert.DeepEqual(t, []Move{{X: 1}, {X: 2}}, apptest.Events[Move](a))
}

func TestResponsesAndErrorsGoOutbound(t *testing.T) {
	a, _, out := newBridgeApp(t, 8)

	apptest.SendEvent(a, Moved{X: 3, Y: 4})
	apptest.SendEvent(a, MoveError{Reason: "blocked"})
	a.DoTick()

	assert.Len(t, out, 2)
	first := <-out
	ev, ok := first.Value()
	assert.Check(t, ok)
	assert.Equal(t, Moved{X: 3, Y: 4}, ev.Event)
	assert.Check(t, ev.Timestamp > 0)

	second := <-out
	moveErr, isErr := second.Err()
	assert.Check(t, isErr)
	assert.Equal(t, "blocked", moveErr.Reason)

	// Already forwarded events are not sent again.
	a.DoTick()
	assert.Len(t, out, 0)
}

func TestClosedInboundIsLoggedOnce(t *testing.T) {
	var buf strings.Builder
	a, in, _ := newBridgeApp(t, 8, app.WithLogger(zerolog.New(&buf)))
	close(in)

	a.DoTick()
	a.DoTick()
	assert.Equal(t, 1, strings.Count(buf.String(), "bridge inbound channel closed"))
}

func TestFullOutboundDropsMessages(t *testing.T) {
	var buf strings.Builder
	a, _, out := newBridgeApp(t, 1, app.WithLogger(zerolog.New(&buf)))

	apptest.SendEvent(a, Moved{X: 1})
	apptest.SendEvent(a, Moved{X: 2})
	a.DoTick()

	assert.Len(t, out, 1)
	assert.Check(t, strings.Contains(buf.String(), "dropping message"))
}

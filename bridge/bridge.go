// Package bridge connects an app to an external system through a pair of Go channels.
//
// Requests read from the inbound channel become events at the start of every tick, and the responses and
// errors sent during the tick are forwarded to the outbound channel at its end.
package bridge

import (
	"pkg.world.dev/world-engine/kit/events"
	"pkg.world.dev/world-engine/kit/resource"
	"pkg.world.dev/world-engine/kit/statsd"
	"pkg.world.dev/world-engine/kit/system"
	"pkg.world.dev/world-engine/kit/wire"
)

type Bridge[Req, Res, Err any] struct {
	in  <-chan Req
	out chan<- wire.Result[wire.TimestampedEvent[Res], Err]

	inClosed bool
	res      *events.Reader[Res]
	errs     *events.Reader[Err]
}

func New[Req, Res, Err any](
	in <-chan Req, out chan<- wire.Result[wire.TimestampedEvent[Res], Err],
) *Bridge[Req, Res, Err] {
	return &Bridge[Req, Res, Err]{
		in:  in,
		out: out,
	}
}

// Register adds the Req, Res and Err event channels, receives in First and sends in Last.
func (br *Bridge[Req, Res, Err]) Register(b system.Builder) error {
	if err := events.Register[Req](b); err != nil {
		return err
	}
	if err := events.Register[Res](b); err != nil {
		return err
	}
	if err := events.Register[Err](b); err != nil {
		return err
	}
	br.res = resource.MustGet[events.Channel[Res]](b.Resources()).ReaderCurrent()
	br.errs = resource.MustGet[events.Channel[Err]](b.Resources()).ReaderCurrent()

	if err := b.AddSystems(system.First, br.receive); err != nil {
		return err
	}
	return b.AddSystems(system.Last, br.send)
}

// receive drains everything that is waiting on the inbound channel without blocking.
func (br *Bridge[Req, Res, Err]) receive(ctx system.Context) error {
	if br.inClosed {
		return nil
	}
	reqs := events.Get[Req](ctx)
	for {
		select {
		case req, ok := <-br.in:
			if !ok {
				br.inClosed = true
				ctx.Logger().Warn().Msg("bridge inbound channel closed")
				return nil
			}
			reqs.Send(req)
		default:
			return nil
		}
	}
}

func (br *Bridge[Req, Res, Err]) send(ctx system.Context) error {
	for _, res := range br.res.Read() {
		br.push(ctx, wire.Ok[wire.TimestampedEvent[Res], Err](wire.NewTimestampedEvent(res)))
	}
	for _, err := range br.errs.Read() {
		br.push(ctx, wire.Fail[wire.TimestampedEvent[Res]](err))
	}
	return nil
}

// push never blocks the tick. A full outbound channel drops the message.
func (br *Bridge[Req, Res, Err]) push(ctx system.Context, msg wire.Result[wire.TimestampedEvent[Res], Err]) {
	select {
	case br.out <- msg:
	default:
		statsd.EmitCount("bridge.dropped", 1)
		ctx.Logger().Warn().Bool("ok", msg.IsOk()).Msg("bridge outbound channel is full, dropping message")
	}
}

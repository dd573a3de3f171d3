package main

import (
	"strconv"
	"time"

	"pkg.world.dev/world-engine/kit/auth"
	"pkg.world.dev/world-engine/kit/conns"
	"pkg.world.dev/world-engine/kit/events"
	"pkg.world.dev/world-engine/kit/logging"
	"pkg.world.dev/world-engine/kit/parevents"
	"pkg.world.dev/world-engine/kit/resource"
	"pkg.world.dev/world-engine/kit/system"
	"pkg.world.dev/world-engine/kit/targetmap"
	"pkg.world.dev/world-engine/kit/timeoutmap"
	"pkg.world.dev/world-engine/kit/wire"
)

const (
	KindChat   = "chat"
	KindPing   = "ping"
	KindPong   = "pong"
	KindWho    = "who"
	KindCount  = "members"
	KindJoined = "joined"
	KindLeft   = "left"
	KindAuthed = "authenticated"

	ErrKindIdle          = "idle"
	ErrKindUnknownAction = "unknown_action"
)

// Action is what clients send.
type Action struct {
	Kind string `json:"kind"`
	Text string `json:"text,omitempty"`
}

// Event is what clients receive.
type Event struct {
	Kind string      `json:"kind"`
	From wire.UserID `json:"from"`
	Text string      `json:"text,omitempty"`
}

type ActionError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func networkError(err wire.NetworkError) ActionError {
	return ActionError{Kind: string(err.Kind), Message: err.Message}
}

// Member is the lobby state of a target.
type Member struct {
	JoinedAt uint64
}

// idle tags the timeout map of inactive members.
type idle struct{}

type lobby struct {
	idleTimeout time.Duration
	members     *targetmap.TargetMap[Member]
	idle        *timeoutmap.TimeoutMap[idle]

	reqs     *events.Reader[wire.Req[Action]]
	first    *events.Reader[wire.FirstConnected]
	again    *events.Reader[wire.Connected]
	gone     *events.Reader[wire.Disconnected]
	authed   *events.Reader[auth.Authenticated]
	expired  *events.Reader[timeoutmap.ExpiredTimeout[idle]]
	joinedCh *events.Channel[targetmap.TargetJoined[Member]]
	leftCh   *events.Channel[targetmap.TargetLeft[Member]]
}

func newLobby(idleTimeout time.Duration, opts ...timeoutmap.Option[idle]) *lobby {
	return &lobby{
		idleTimeout: idleTimeout,
		members:     targetmap.New[Member](),
		idle:        timeoutmap.New[idle](opts...),
	}
}

// Register wires the lobby. The connection bridge must be registered first.
func (l *lobby) Register(b system.Builder) error {
	for _, p := range []system.Plugin{
		l.members,
		l.idle,
		system.PluginFunc(auth.Register),
		system.PluginFunc(logging.Register[Event, ActionError]),
		system.PluginFunc(events.Register[wire.Req[Action]]),
	} {
		if err := p.Register(b); err != nil {
			return err
		}
	}

	res := b.Resources()
	l.reqs = resource.MustGet[events.Channel[wire.Req[Action]]](res).ReaderCurrent()
	l.first = resource.MustGet[events.Channel[wire.FirstConnected]](res).ReaderCurrent()
	l.again = resource.MustGet[events.Channel[wire.Connected]](res).ReaderCurrent()
	l.gone = resource.MustGet[events.Channel[wire.Disconnected]](res).ReaderCurrent()
	l.authed = resource.MustGet[events.Channel[auth.Authenticated]](res).ReaderCurrent()
	l.expired = resource.MustGet[events.Channel[timeoutmap.ExpiredTimeout[idle]]](res).ReaderCurrent()
	l.joinedCh = resource.MustGet[events.Channel[targetmap.TargetJoined[Member]]](res)
	l.leftCh = resource.MustGet[events.Channel[targetmap.TargetLeft[Member]]](res)

	return b.AddSystems(system.Update, l.presence, l.handleActions, l.expire)
}

func (l *lobby) broadcast(ctx system.Context, ev Event) {
	l.respond(ctx, wire.AllTargets(), ev)
}

func (l *lobby) respond(ctx system.Context, targets wire.Targets, ev Event) {
	parevents.Get[events.Event[wire.Res[Event]]](ctx).Send(events.New(wire.NewRes(targets, ev)))
}

func (l *lobby) fail(ctx system.Context, to wire.Target, err ActionError, corrid wire.CorrelationID) {
	parevents.Get[events.Event[wire.Error[ActionError]]](ctx).Send(events.New(wire.NewError(to, err, corrid)))
}

// join admits target unless it already is a member. Membership is tracked by the idle map, which is updated
// right away, while the member map only catches up in the next PostInput.
func (l *lobby) join(ctx system.Context, target wire.Target) {
	if !l.idle.Contains(target) {
		l.joinedCh.Send(targetmap.TargetJoined[Member]{Target: target, Value: Member{JoinedAt: ctx.CurrentTick()}})
		l.broadcast(ctx, Event{Kind: KindJoined, From: target.ID()})
	}
	l.idle.Insert(target, l.idleTimeout)
}

func (l *lobby) leave(ctx system.Context, target wire.Target) {
	if !l.idle.Contains(target) && !l.members.Contains(target) {
		return
	}
	l.idle.Remove(target)
	l.leftCh.Send(targetmap.TargetLeft[Member]{Target: target})
	l.broadcast(ctx, Event{Kind: KindLeft, From: target.ID()})
}

func (l *lobby) presence(ctx system.Context) error {
	for _, ev := range l.first.Read() {
		l.join(ctx, wire.NewTarget(ev.UserID, ev.SessionID))
	}
	for _, ev := range l.again.Read() {
		l.join(ctx, wire.NewTarget(ev.UserID, ev.SessionID))
	}
	for _, ev := range l.authed.Read() {
		anon := wire.AnonTarget(ev.SessionID)
		if l.idle.Contains(anon) {
			l.idle.Remove(anon)
			l.leftCh.Send(targetmap.TargetLeft[Member]{Target: anon})
		}
		l.join(ctx, wire.NewTarget(ev.UserID, ev.SessionID))
		l.respond(ctx, wire.FewTargets(wire.AuthSpecificTarget(ev.UserID, ev.SessionID)),
			Event{Kind: KindAuthed, From: ev.UserID})
	}
	users := conns.Users(ctx)
	for _, ev := range l.gone.Read() {
		if !ev.UserID.IsAnon() && len(users.Get(ev.UserID)) > 0 {
			continue
		}
		l.leave(ctx, wire.NewTarget(ev.UserID, ev.SessionID))
	}
	return nil
}

func (l *lobby) handleActions(ctx system.Context) error {
	for _, req := range l.reqs.Read() {
		if l.idle.Contains(req.Target) {
			l.idle.Insert(req.Target, l.idleTimeout)
		}
		switch req.Action.Kind {
		case KindChat:
			l.broadcast(ctx, Event{Kind: KindChat, From: req.Target.ID(), Text: req.Action.Text})
		case KindPing:
			l.respond(ctx, wire.FewTargets(req.Target), Event{Kind: KindPong, From: req.Target.ID()})
		case KindWho:
			l.respond(ctx, wire.FewTargets(req.Target),
				Event{Kind: KindCount, From: req.Target.ID(), Text: strconv.Itoa(l.members.Len())})
		default:
			l.fail(ctx, req.Target, ActionError{
				Kind:    ErrKindUnknownAction,
				Message: "unknown action " + req.Action.Kind,
			}, req.CorrelationID)
		}
	}
	return nil
}

// expire drops members that have not sent anything within the idle timeout.
func (l *lobby) expire(ctx system.Context) error {
	for _, ev := range l.expired.Read() {
		l.fail(ctx, ev.Target, ActionError{Kind: ErrKindIdle, Message: "no activity, left the lobby"},
			wire.NewCorrelationID())
		l.leftCh.Send(targetmap.TargetLeft[Member]{Target: ev.Target})
		l.broadcast(ctx, Event{Kind: KindLeft, From: ev.Target.ID()})
	}
	return nil
}

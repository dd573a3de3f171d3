// Package conns accepts client connections into the world, one entity per session, independent of the transport
// that carries them.
//
// A transport (see package ws) hands every new session to the app as a Conn. The session entity owns both ends
// of the connection: requests are read in the Input phase and responses are written in the Output phase.
package conns

import (
	"sync/atomic"

	"github.com/yohamta/donburi"

	"pkg.world.dev/world-engine/kit/auth"
	"pkg.world.dev/world-engine/kit/auxindex"
	"pkg.world.dev/world-engine/kit/events"
	"pkg.world.dev/world-engine/kit/logging"
	"pkg.world.dev/world-engine/kit/parevents"
	"pkg.world.dev/world-engine/kit/resource"
	"pkg.world.dev/world-engine/kit/statsd"
	"pkg.world.dev/world-engine/kit/system"
	"pkg.world.dev/world-engine/kit/wire"
)

var (
	// UserIDComponent holds the user a session belongs to. Anonymous sessions hold wire.AnonUserID.
	UserIDComponent = donburi.NewComponentType[wire.UserID]()
	// SessionIDComponent holds the id of a session. Session ids are unique for the lifetime of the app.
	SessionIDComponent = donburi.NewComponentType[wire.SessionID]()
)

// SessionToEntity maps the sessions of connected clients to their entity.
type SessionToEntity = auxindex.Index[wire.SessionID]

// Conn is a new session handed over by a transport. The transport closes In when the client goes away and
// stops reading Out once it is closed.
type Conn[Req, Res, Err any] struct {
	// UserID is the user that opened the connection, wire.AnonUserID until it authenticates.
	UserID wire.UserID
	// Addr is the remote address of the client.
	Addr string

	In  <-chan ExternalReq[Req]
	Out chan<- wire.Result[wire.TimestampedEvent[Res], Err]
}

type ExternalReqKind uint8

const (
	// KindUserAction carries an action of the user.
	KindUserAction ExternalReqKind = iota
	// KindDisconnected means the client went away.
	KindDisconnected
	// KindAuthenticated moves the session to the user in ExternalReq.UserID.
	KindAuthenticated
	// KindUnauthenticated moves the session back to the anonymous user.
	KindUnauthenticated
)

func (k ExternalReqKind) String() string {
	switch k {
	case KindUserAction:
		return "user_action"
	case KindDisconnected:
		return "disconnected"
	case KindAuthenticated:
		return "authenticated"
	case KindUnauthenticated:
		return "unauthenticated"
	default:
		return "unknown"
	}
}

// ExternalReq is a message a transport received for a session.
type ExternalReq[Req any] struct {
	Kind   ExternalReqKind
	Action Req
	UserID wire.UserID
}

func UserAction[Req any](action Req) ExternalReq[Req] {
	return ExternalReq[Req]{Kind: KindUserAction, Action: action}
}

func Disconnected[Req any]() ExternalReq[Req] {
	return ExternalReq[Req]{Kind: KindDisconnected}
}

func Authenticated[Req any](user wire.UserID) ExternalReq[Req] {
	return ExternalReq[Req]{Kind: KindAuthenticated, UserID: user}
}

func Unauthenticated[Req any]() ExternalReq[Req] {
	return ExternalReq[Req]{Kind: KindUnauthenticated}
}

// endpoint is the component holding both ends of a session.
type endpoint[Req, Res, Err any] struct {
	in  <-chan ExternalReq[Req]
	out chan<- wire.Result[wire.TimestampedEvent[Res], Err]
}

// Bridge is the plugin that moves sessions between a transport and the world.
type Bridge[Req, Res, Err any] struct {
	source       <-chan Conn[Req, Res, Err]
	sourceClosed bool
	nextSession  atomic.Uint64

	endpoint *donburi.ComponentType[endpoint[Req, Res, Err]]
	sessions *SessionToEntity
	users    *UserSessions

	res  *parevents.Reader[events.Event[wire.Res[Res]]]
	errs *parevents.Reader[events.Event[wire.Error[Err]]]
}

// New returns the plugin accepting connections from source.
func New[Req, Res, Err any](source <-chan Conn[Req, Res, Err]) *Bridge[Req, Res, Err] {
	return &Bridge[Req, Res, Err]{
		source:   source,
		endpoint: donburi.NewComponentType[endpoint[Req, Res, Err]](),
		users:    NewUserSessions(),
	}
}

// Register adds the session index, the user sessions resource and the event channels, including the auth events.
// It accepts in First, receives in Input and sends in Output.
func (br *Bridge[Req, Res, Err]) Register(b system.Builder) error {
	br.sessions = auxindex.New[wire.SessionID](b.World())
	if err := br.sessions.Register(b); err != nil {
		return err
	}
	resource.Insert(b.Resources(), br.users)

	for _, register := range []func(system.Builder) error{
		events.Register[wire.Req[Req]],
		events.Register[wire.Connected],
		events.Register[wire.FirstConnected],
		events.Register[wire.Disconnected],
		auth.Register,
		parevents.Register[events.Event[wire.Res[Res]]],
		parevents.Register[events.Event[wire.Error[Err]]],
	} {
		if err := register(b); err != nil {
			return err
		}
	}
	br.res = resource.MustGet[parevents.Events[events.Event[wire.Res[Res]]]](b.Resources()).ReaderCurrent()
	br.errs = resource.MustGet[parevents.Events[events.Event[wire.Error[Err]]]](b.Resources()).ReaderCurrent()

	if err := b.AddSystems(system.First, br.accept); err != nil {
		return err
	}
	if err := b.AddSystems(system.Input, br.receive); err != nil {
		return err
	}
	return b.AddSystems(system.Output, br.send)
}

// accept spawns an entity for every connection waiting on the source channel.
func (br *Bridge[Req, Res, Err]) accept(ctx system.Context) error {
	if br.sourceClosed {
		return nil
	}
	for {
		select {
		case conn, ok := <-br.source:
			if !ok {
				br.sourceClosed = true
				ctx.Logger().Error().Msg("connection source closed, shutting down")
				ctx.Exit(nil)
				return nil
			}
			br.spawn(ctx, conn)
		default:
			return nil
		}
	}
}

func (br *Bridge[Req, Res, Err]) spawn(ctx system.Context, conn Conn[Req, Res, Err]) {
	world := ctx.World()
	session := wire.SessionID(br.nextSession.Add(1))

	entry := world.Entry(world.Create(UserIDComponent, SessionIDComponent, br.endpoint))
	UserIDComponent.SetValue(entry, conn.UserID)
	SessionIDComponent.SetValue(entry, session)
	br.endpoint.SetValue(entry, endpoint[Req, Res, Err]{in: conn.In, out: conn.Out})
	if err := br.sessions.Insert(entry.Entity(), session); err != nil {
		ctx.Logger().Warn().Err(err).Msg("failed to index session")
	}

	ctx.Logger().Debug().
		Stringer("user_id", conn.UserID).
		Uint64("session_id", uint64(session)).
		Str("addr", conn.Addr).
		Msg("accepted connection")
	br.join(ctx, conn.UserID, session)
	statsd.EmitCount("conns.accepted", 1)
}

// join adds a session to a user and reports whether it is the first one.
func (br *Bridge[Req, Res, Err]) join(ctx system.Context, user wire.UserID, session wire.SessionID) {
	if n := br.users.Insert(user, session); n > 1 {
		ctx.Logger().Trace().Int("sessions", n).Msg("user now has more sessions active")
		events.Send(ctx, wire.Connected{UserID: user, SessionID: session})
		return
	}
	ctx.Logger().Trace().Msg("user just hopped on")
	events.Send(ctx, wire.FirstConnected{UserID: user, SessionID: session})
}

// receive handles at most one message per session and tick.
func (br *Bridge[Req, Res, Err]) receive(ctx system.Context) error {
	world := ctx.World()

	// Removing entities while iterating moves other entities around, so collect the handles first.
	var sessions []donburi.Entity
	br.endpoint.Each(world, func(entry *donburi.Entry) {
		sessions = append(sessions, entry.Entity())
	})

	for _, e := range sessions {
		if !world.Valid(e) {
			continue
		}
		entry := world.Entry(e)
		ep := br.endpoint.GetValue(entry)
		user := UserIDComponent.GetValue(entry)
		session := SessionIDComponent.GetValue(entry)
		logger := ctx.Logger().With().Stringer("user_id", user).Uint64("session_id", uint64(session)).Logger()

		var msg ExternalReq[Req]
		var ok bool
		select {
		case msg, ok = <-ep.in:
		default:
			continue
		}

		if !ok {
			br.users.Remove(user, session)
			events.Send(ctx, wire.Disconnected{UserID: user, SessionID: session})
			br.despawn(world, entry, ep)
			continue
		}

		switch msg.Kind {
		case KindUserAction:
			corrid := wire.NewCorrelationID()
			logging.CreateTraceLogger(&logger, corrid.String()).Debug().
				Interface("action", msg.Action).Msg("user requested an action")
			target := wire.NewTarget(user, session)
			events.Send(ctx, wire.NewReq(target, msg.Action, corrid))

		case KindDisconnected:
			remaining := br.users.Remove(user, session)
			if remaining == 0 {
				events.Send(ctx, wire.Disconnected{UserID: user, SessionID: session})
				logger.Debug().Msg("user disconnected, no more remaining sessions")
			} else {
				logger.Debug().Int("remaining", remaining).Msg("user disconnected")
			}
			br.despawn(world, entry, ep)

		case KindAuthenticated:
			if user == msg.UserID {
				logger.Trace().Msg("user authenticated on an already authenticated session, skipping")
				continue
			}
			remaining := br.users.Remove(user, session)
			UserIDComponent.SetValue(entry, msg.UserID)
			br.join(ctx, msg.UserID, session)
			events.Send(ctx, auth.Authenticated{UserID: msg.UserID, SessionID: session})
			logger.Debug().Int("remaining", remaining).Stringer("new_user_id", msg.UserID).
				Msg("user is now authenticated")

		case KindUnauthenticated:
			remaining := br.users.Remove(user, session)
			if remaining == 0 {
				events.Send(ctx, wire.Disconnected{UserID: user, SessionID: session})
			}
			UserIDComponent.SetValue(entry, wire.AnonUserID)
			br.users.Insert(wire.AnonUserID, session)
			events.Send(ctx, auth.Unauthenticated{UserID: user, SessionID: session})
			logger.Debug().Int("remaining", remaining).Msg("user is now unauthenticated")
		}
	}
	return nil
}

// despawn removes the session entity and closes its outbound channel, which ends the transport's writer.
func (br *Bridge[Req, Res, Err]) despawn(world donburi.World, entry *donburi.Entry, ep endpoint[Req, Res, Err]) {
	world.Remove(entry.Entity())
	close(ep.out)
	statsd.EmitCount("conns.disconnected", 1)
}

func (br *Bridge[Req, Res, Err]) send(ctx system.Context) error {
	for _, ev := range br.res.Read() {
		res := ev.Inner()
		msg := wire.Ok[wire.TimestampedEvent[Res], Err](wire.NewTimestampedEvent(res.Event))
		br.sendTo(ctx, res.Targets, msg)
	}
	for _, ev := range br.errs.Read() {
		e := ev.Inner()
		msg := wire.Fail[wire.TimestampedEvent[Res]](e.Err)
		br.sendTo(ctx, wire.FewTargets(e.To), msg)
	}
	return nil
}

func (br *Bridge[Req, Res, Err]) sendTo(
	ctx system.Context, targets wire.Targets, msg wire.Result[wire.TimestampedEvent[Res], Err],
) {
	world := ctx.World()
	if targets.All {
		br.endpoint.Each(world, func(entry *donburi.Entry) {
			br.push(ctx, br.endpoint.GetValue(entry), msg)
		})
		return
	}

	for _, target := range targets.Few {
		switch target.Kind {
		case wire.TargetAuthAll:
			for _, session := range br.users.Get(target.User) {
				br.sendToSession(ctx, session, msg)
			}
		case wire.TargetAuthSpecific, wire.TargetAnon:
			br.sendToSession(ctx, target.Session, msg)
		case wire.TargetBot, wire.TargetUndefined:
			ctx.Logger().Trace().Stringer("target", target).Msg("target has no connection, skipping")
		}
	}
}

// sendToSession skips sessions that are gone by now.
func (br *Bridge[Req, Res, Err]) sendToSession(
	ctx system.Context, session wire.SessionID, msg wire.Result[wire.TimestampedEvent[Res], Err],
) {
	e, ok := br.sessions.LookupByKey(session)
	if !ok {
		return
	}
	br.push(ctx, br.endpoint.GetValue(ctx.World().Entry(e)), msg)
}

// push never blocks the tick. A client that does not keep up loses messages.
func (br *Bridge[Req, Res, Err]) push(
	ctx system.Context, ep endpoint[Req, Res, Err], msg wire.Result[wire.TimestampedEvent[Res], Err],
) {
	select {
	case ep.out <- msg:
	default:
		statsd.EmitCount("conns.dropped", 1)
		ctx.Logger().Debug().Msg("client outbound channel is full, dropping message")
	}
}

// Sessions returns the session index of the registered bridge.
func Sessions(ctx system.Context) *SessionToEntity {
	return auxindex.Get[wire.SessionID](ctx)
}

// Users returns the user sessions resource of the registered bridge.
func Users(ctx system.Context) *UserSessions {
	return resource.MustGet[UserSessions](ctx.Resources())
}

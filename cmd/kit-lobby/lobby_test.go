package main

import (
	"testing"
	"time"

	"pkg.world.dev/world-engine/assert"

	"pkg.world.dev/world-engine/kit/app"
	"pkg.world.dev/world-engine/kit/apptest"
	"pkg.world.dev/world-engine/kit/conns"
	"pkg.world.dev/world-engine/kit/targetmap"
	"pkg.world.dev/world-engine/kit/timeoutmap"
	"pkg.world.dev/world-engine/kit/wire"
)

type client struct {
	in  chan conns.ExternalReq[Action]
	out chan wire.Result[wire.TimestampedEvent[Event], ActionError]
}

// drain returns everything the client received so far.
func (c *client) drain() (evs []Event, errs []ActionError) {
	for {
		select {
		case msg := <-c.out:
			if ev, ok := msg.Value(); ok {
				evs = append(evs, ev.Event)
			} else {
				e, _ := msg.Err()
				errs = append(errs, e)
			}
		default:
			return evs, errs
		}
	}
}

type fixture struct {
	*apptest.TestApp
	source chan conns.Conn[Action, Event, ActionError]
	now    time.Time
}

func newFixture(t *testing.T) *fixture {
	f := &fixture{
		source: make(chan conns.Conn[Action, Event, ActionError], 8),
		now:    time.Unix(1_700_000_000, 0),
	}
	clock := timeoutmap.WithClock[idle](func() time.Time { return f.now })
	f.TestApp = apptest.New(t,
		app.WithConnsBridge[Action, Event, ActionError](f.source),
		app.WithPlugin(newLobby(time.Minute, clock)),
	)
	return f
}

func (f *fixture) connect(user wire.UserID) *client {
	c := &client{
		in:  make(chan conns.ExternalReq[Action], 8),
		out: make(chan wire.Result[wire.TimestampedEvent[Event], ActionError], 32),
	}
	f.source <- conns.Conn[Action, Event, ActionError]{UserID: user, In: c.in, Out: c.out}
	return c
}

func kinds(evs []Event) []string {
	out := make([]string, 0, len(evs))
	for _, ev := range evs {
		out = append(out, ev.Kind)
	}
	return out
}

func TestJoinAndChat(t *testing.T) {
	f := newFixture(t)
	alice, bob := wire.NewUserID(), wire.NewUserID()
	a := f.connect(alice)
	f.DoTick()
	b := f.connect(bob)
	f.DoTick()

	evs, _ := a.drain()
	assert.DeepEqual(t, []string{KindJoined, KindJoined}, kinds(evs))
	assert.Equal(t, bob, evs[1].From)
	b.drain()

	a.in <- conns.UserAction(Action{Kind: KindChat, Text: "hello"})
	f.DoTick()
	for _, c := range []*client{a, b} {
		evs, _ := c.drain()
		assert.Len(t, evs, 1)
		assert.Equal(t, Event{Kind: KindChat, From: alice, Text: "hello"}, evs[0])
	}
}

func TestPingWhoAndUnknownAction(t *testing.T) {
	f := newFixture(t)
	user := wire.NewUserID()
	c := f.connect(user)
	other := f.connect(wire.NewUserID())
	f.Tick()
	c.drain()
	other.drain()
	assert.Equal(t, 2, apptest.Res[targetmap.TargetMap[Member]](f.TestApp).Len())

	c.in <- conns.UserAction(Action{Kind: KindPing})
	f.DoTick()
	c.in <- conns.UserAction(Action{Kind: KindWho})
	f.DoTick()
	c.in <- conns.UserAction(Action{Kind: "dance"})
	f.DoTick()

	evs, errs := c.drain()
	assert.DeepEqual(t, []string{KindPong, KindCount}, kinds(evs))
	assert.Equal(t, "2", evs[1].Text)
	assert.Len(t, errs, 1)
	assert.Equal(t, ErrKindUnknownAction, errs[0].Kind)

	evs, _ = other.drain()
	assert.Len(t, evs, 0)
}

func TestIdleMembersAreDropped(t *testing.T) {
	f := newFixture(t)
	quiet, chatty := wire.NewUserID(), wire.NewUserID()
	q := f.connect(quiet)
	c := f.connect(chatty)
	f.Tick()
	q.drain()
	c.drain()

	f.now = f.now.Add(50 * time.Second)
	c.in <- conns.UserAction(Action{Kind: KindPing})
	f.DoTick()

	f.now = f.now.Add(20 * time.Second)
	f.DoTick()
	_, errs := q.drain()
	assert.Len(t, errs, 1)
	assert.Equal(t, ErrKindIdle, errs[0].Kind)

	evs, errs := c.drain()
	assert.Len(t, errs, 0)
	assert.DeepEqual(t, []string{KindPong, KindLeft}, kinds(evs))
	assert.Equal(t, quiet, evs[1].From)

	f.DoTick()
	members := apptest.Res[targetmap.TargetMap[Member]](f.TestApp)
	assert.Check(t, !members.Contains(wire.AuthAllTarget(quiet)))
	assert.Check(t, members.Contains(wire.AuthAllTarget(chatty)))
}

func TestLastSessionLeaving(t *testing.T) {
	f := newFixture(t)
	user := wire.NewUserID()
	first := f.connect(user)
	second := f.connect(user)
	watcher := f.connect(wire.NewUserID())
	f.Tick()
	evs, _ := watcher.drain()
	assert.DeepEqual(t, []string{KindJoined, KindJoined}, kinds(evs))

	close(first.in)
	f.DoTick()
	evs, _ = watcher.drain()
	assert.Len(t, evs, 0)

	close(second.in)
	f.DoTick()

	evs, _ = watcher.drain()
	assert.DeepEqual(t, []string{KindLeft}, kinds(evs))
	assert.Equal(t, user, evs[0].From)
}

func TestAuthenticationMovesMembership(t *testing.T) {
	f := newFixture(t)
	c := f.connect(wire.AnonUserID)
	f.Tick()
	c.drain()

	user := wire.NewUserID()
	c.in <- conns.Authenticated[Action](user)
	f.Tick()

	evs, _ := c.drain()
	assert.DeepEqual(t, []string{KindJoined, KindAuthed}, kinds(evs))
	assert.Equal(t, user, evs[0].From)

	members := apptest.Res[targetmap.TargetMap[Member]](f.TestApp)
	assert.Equal(t, 1, members.Len())
	assert.Check(t, members.Contains(wire.AuthAllTarget(user)))
}

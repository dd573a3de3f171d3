package timeoutmap_test

import (
	"testing"
	"time"

	"pkg.world.dev/world-engine/assert"

	"pkg.world.dev/world-engine/kit/apptest"
	"pkg.world.dev/world-engine/kit/timeoutmap"
	"pkg.world.dev/world-engine/kit/wire"
)

type Idle struct{}

type clock struct {
	now time.Time
}

func (c *clock) Now() time.Time {
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

func newMap() (*timeoutmap.TimeoutMap[Idle], *clock) {
	c := &clock{now: time.Unix(1_700_000_000, 0)}
	return timeoutmap.New(timeoutmap.WithClock[Idle](c.Now)), c
}

func TestExpiresStrictlyAfterDuration(t *testing.T) {
	m, c := newMap()
	m.Insert(wire.AnonTarget(1), time.Second)

	c.Advance(time.Second)
	assert.Len(t, m.Expire(), 0)
	assert.Check(t, m.Contains(wire.AnonTarget(1)))

	c.Advance(time.Millisecond)
	assert.DeepEqual(t, []wire.Target{wire.AnonTarget(1)}, m.Expire())
	assert.Check(t, !m.Contains(wire.AnonTarget(1)))
	assert.NilError(t, m.CheckInvariants())
}

func TestExpiredPrefixPerQueue(t *testing.T) {
	m, c := newMap()
	m.InsertMany([]wire.Target{wire.AnonTarget(1), wire.AnonTarget(2)}, time.Second)
	c.Advance(500 * time.Millisecond)
	m.Insert(wire.AnonTarget(3), time.Second)
	m.Insert(wire.AnonTarget(4), 100*time.Millisecond)
	assert.NilError(t, m.CheckInvariants())

	c.Advance(600 * time.Millisecond)
	// Shortest duration first, then insertion order.
	assert.DeepEqual(t, []wire.Target{wire.AnonTarget(4), wire.AnonTarget(1), wire.AnonTarget(2)}, m.Expire())
	assert.NilError(t, m.CheckInvariants())
	assert.Equal(t, 1, m.Len())
	assert.Check(t, m.Contains(wire.AnonTarget(3)))
}

func TestReinsertRestartsTimeout(t *testing.T) {
	m, c := newMap()
	user := wire.NewUserID()
	m.Insert(wire.AuthSpecificTarget(user, 1), time.Second)
	m.Insert(wire.AnonTarget(9), time.Second)

	c.Advance(900 * time.Millisecond)
	// Another session of the same user refreshes the shared timeout.
	m.Insert(wire.AuthSpecificTarget(user, 2), time.Second)
	assert.Equal(t, 2, m.Len())
	assert.NilError(t, m.CheckInvariants())

	c.Advance(200 * time.Millisecond)
	assert.DeepEqual(t, []wire.Target{wire.AnonTarget(9)}, m.Expire())
	assert.Check(t, m.Contains(wire.AuthAllTarget(user)))
}

func TestRemoveKeepsIndexesInSync(t *testing.T) {
	m, _ := newMap()
	targets := []wire.Target{wire.AnonTarget(1), wire.AnonTarget(2), wire.AnonTarget(3), wire.AnonTarget(4)}
	m.InsertMany(targets, time.Minute)

	m.Remove(wire.AnonTarget(2))
	assert.NilError(t, m.CheckInvariants())
	m.RemoveMany([]wire.Target{wire.AnonTarget(1), wire.AnonTarget(7)})
	assert.NilError(t, m.CheckInvariants())
	assert.Equal(t, 2, m.Len())

	m.RemoveMany([]wire.Target{wire.AnonTarget(3), wire.AnonTarget(4)})
	assert.NilError(t, m.CheckInvariants())
	assert.Equal(t, 0, m.Len())
}

func TestProcessTimeoutsSendsEvents(t *testing.T) {
	m, c := newMap()
	a := apptest.New(t)
	a.AddPlugin(m)

	m.Insert(wire.AnonTarget(5), time.Second)
	a.DoTick()
	assert.Len(t, apptest.Events[timeoutmap.ExpiredTimeout[Idle]](a), 0)

	c.Advance(2 * time.Second)
	a.DoTick()
	assert.DeepEqual(t, []timeoutmap.ExpiredTimeout[Idle]{{Target: wire.AnonTarget(5)}},
		apptest.Events[timeoutmap.ExpiredTimeout[Idle]](a))
	assert.Equal(t, m, apptest.Res[timeoutmap.TimeoutMap[Idle]](a))
}

package events_test

import (
	"testing"

	"github.com/goccy/go-json"
	"github.com/yohamta/donburi"

	"pkg.world.dev/world-engine/assert"

	"pkg.world.dev/world-engine/kit/events"
)

type Foo struct {
	A int    `json:"a"`
	B string `json:"b"`
}

func TestEventEncodesAsInnerValue(t *testing.T) {
	ev := events.New(Foo{A: 42, B: "universe"})
	bz, err := json.Marshal(ev)
	assert.NilError(t, err)
	assert.JSONEq(t, `{"a":42,"b":"universe"}`, string(bz))

	var decoded events.Event[Foo]
	assert.NilError(t, json.Unmarshal(bz, &decoded))
	assert.Equal(t, ev.Inner(), decoded.Inner())
}

func TestEventPtrMutatesInner(t *testing.T) {
	ev := events.New(Foo{A: 1})
	ev.Ptr().A = 2
	assert.Equal(t, 2, ev.Inner().A)
	assert.Equal(t, "{2 }", ev.String())
}

func TestChannelKeepsEventsForTwoUpdates(t *testing.T) {
	ch := events.NewChannel[int](donburi.NewWorld())

	ch.Send(1)
	assert.DeepEqual(t, []int{1}, ch.Recent())

	ch.Update()
	ch.Send(2)
	assert.DeepEqual(t, []int{1, 2}, ch.Recent())

	ch.Update()
	assert.DeepEqual(t, []int{2}, ch.Recent())

	ch.Update()
	assert.Len(t, ch.Recent(), 0)
}

func TestChannelReader(t *testing.T) {
	ch := events.NewChannel[string](donburi.NewWorld())
	reader := ch.Reader()

	ch.Send("a")
	ch.Send("b")
	assert.Equal(t, 2, reader.Len())
	assert.DeepEqual(t, []string{"a", "b"}, reader.Read())
	assert.Len(t, reader.Read(), 0)

	ch.Send("c")
	current := ch.ReaderCurrent()
	ch.Send("d")
	assert.DeepEqual(t, []string{"c", "d"}, reader.Read())
	assert.DeepEqual(t, []string{"d"}, current.Read())
}

func TestChannelNotifiesSubscribers(t *testing.T) {
	world := donburi.NewWorld()
	ch := events.NewChannel[Foo](world)

	var got []Foo
	ch.Type().Subscribe(world, func(_ donburi.World, ev events.Event[Foo]) {
		got = append(got, ev.Inner())
	})

	ch.Send(Foo{A: 1})
	assert.Len(t, got, 0)

	ch.Flush()
	assert.DeepEqual(t, []Foo{{A: 1}}, got)
	assert.Equal(t, 1, ch.Len())
}

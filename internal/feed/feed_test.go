package feed

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gleipnir/internal/num"
)

func TestHandleMessage_ParsesTicks(t *testing.T) {
	f := New(Options{URL: "ws://unused", Symbol: "BTC-USD", QueueSize: 4})

	f.handleMessage([]byte(`{"symbol":"BTC-USD","price":"20123.45","ts":1}`))

	select {
	case p := <-f.Prices():
		assert.True(t, p.Equal(num.MustParse("20123.45")))
	default:
		t.Fatal("expected a price on the queue")
	}
}

func TestHandleMessage_FiltersAndRejects(t *testing.T) {
	f := New(Options{Symbol: "BTC-USD", QueueSize: 4})

	f.handleMessage([]byte(`{"symbol":"ETH-USD","price":"100","ts":1}`)) // other symbol
	f.handleMessage([]byte(`{"symbol":"BTC-USD","price":"-5","ts":1}`))  // non-positive
	f.handleMessage([]byte(`not json`))

	select {
	case <-f.Prices():
		t.Fatal("no price should have been queued")
	default:
	}
}

func TestHandleMessage_ShedsOldestWhenFull(t *testing.T) {
	f := New(Options{Symbol: "", QueueSize: 1})

	f.handleMessage([]byte(`{"symbol":"X","price":"1","ts":1}`))
	f.handleMessage([]byte(`{"symbol":"X","price":"2","ts":2}`))

	p := <-f.Prices()
	assert.True(t, p.Equal(num.MustParse("2")), "newest price wins")
}

func TestStateTransitions(t *testing.T) {
	f := New(Options{})
	require.Equal(t, Connecting, f.State())

	var seen []State
	f.OnStateChange(func(s State) { seen = append(seen, s) })
	f.setState(Connected)
	f.setState(Reconnecting)

	assert.Equal(t, Connected, seen[0])
	assert.Equal(t, Reconnecting, f.State())
}

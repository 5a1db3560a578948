package gateway

import (
	"testing"
	"time"

	"candle-replay/internal/indicator"
	"candle-replay/internal/model"
	"candle-replay/internal/session"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newHubClient registers a client on a hub without a live websocket,
// mirroring what HandleWS does minus the pumps.
func newHubClient(t *testing.T, bars []model.Bar) (*Hub, *Client, *clock.Mock) {
	t.Helper()
	reg := indicator.NewRegistry()
	reg.Register(indicator.SMAPlugin{})

	clk := clock.NewMock()
	h := NewHub(&fakeStore{bars: bars}, reg, clk, session.DefaultConfig(), nil, nil)

	c := &Client{send: make(chan []byte, 64), hub: h}
	c.session = session.New(h.cfg, h.clk, h.store, h.registry, c)
	h.clients[c] = true
	return h, c, clk
}

func TestRemoveClientDuringPlayback(t *testing.T) {
	h, c, clk := newHubClient(t, makeBars(5))

	c.handleMessage([]byte(`{"type":"INIT","payload":{"symbol":"AAPL","timeframe":"1m"}}`))
	c.handleMessage([]byte(`{"type":"PLAY"}`))
	clk.Add(400 * time.Millisecond)

	h.RemoveClient(c)
	assert.Equal(t, 0, h.ClientCount())
	assert.Equal(t, session.StatusDisconnected, c.session.Status())

	// A timer surviving teardown must not reach the closed channel.
	require.NotPanics(t, func() {
		clk.Add(10 * time.Second)
	})
}

func TestEnqueueAfterRemoveIsDropped(t *testing.T) {
	h, c, _ := newHubClient(t, nil)

	h.RemoveClient(c)

	// Late emitters (tick batch, stats broadcast) must be no-ops, not panics.
	require.NotPanics(t, func() {
		c.EmitBar(model.Bar{Symbol: "AAPL", Timestamp: 1000}, nil)
		c.EmitState(session.Snapshot{Status: session.StatusPaused, Speed: 1})
		c.EmitError("too late")
	})

	// The channel is closed and drained so the write pump exits.
	msg, ok := <-c.send
	assert.False(t, ok)
	assert.Nil(t, msg)
}

func TestRemoveClientIsIdempotent(t *testing.T) {
	h, c, _ := newHubClient(t, nil)

	require.NotPanics(t, func() {
		h.RemoveClient(c)
		h.RemoveClient(c)
	})
	assert.Equal(t, 0, h.ClientCount())
}

func TestBroadcastStatsAfterClientRemoval(t *testing.T) {
	h, c1, _ := newHubClient(t, nil)

	c2 := &Client{send: make(chan []byte, 64), hub: h}
	c2.session = session.New(h.cfg, h.clk, h.store, h.registry, c2)
	h.clients[c2] = true

	h.RemoveClient(c1)

	require.NotPanics(t, func() { h.broadcastStats() })

	// The survivor still gets the STATS message.
	msgs := drain(t, c2)
	require.Len(t, msgs, 1)
	assert.Equal(t, "STATS", msgType(t, msgs[0]))
}

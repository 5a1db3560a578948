package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"candle-replay/internal/indicator"
	"candle-replay/internal/model"
	"candle-replay/internal/store"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStore serves a fixed bar slice (or error) and records the last query.
type fakeStore struct {
	mu    sync.Mutex
	bars  []model.Bar
	err   error
	lastQ store.Query
}

func (f *fakeStore) FetchBars(_ context.Context, q store.Query) ([]model.Bar, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastQ = q
	if f.err != nil {
		return nil, f.err
	}
	return f.bars, nil
}

type emittedBar struct {
	bar        model.Bar
	indicators map[string]*float64
}

// captureEmitter records every emission in order.
type captureEmitter struct {
	mu        sync.Mutex
	bars      []emittedBar
	snapshots []Snapshot
	errors    []string
}

func (e *captureEmitter) EmitBar(bar model.Bar, indicators map[string]*float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.bars = append(e.bars, emittedBar{bar: bar, indicators: indicators})
}

func (e *captureEmitter) EmitState(snap Snapshot) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.snapshots = append(e.snapshots, snap)
}

func (e *captureEmitter) EmitError(msg string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.errors = append(e.errors, msg)
}

func (e *captureEmitter) barCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.bars)
}

func (e *captureEmitter) lastSnapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.snapshots) == 0 {
		return Snapshot{}
	}
	return e.snapshots[len(e.snapshots)-1]
}

func makeBars(n int) []model.Bar {
	bars := make([]model.Bar, n)
	for i := range bars {
		bars[i] = model.Bar{
			Symbol:    "AAPL",
			Timeframe: "1m",
			Timestamp: int64(i+1) * 1000,
			Open:      float64(i + 1),
			High:      float64(i+1) + 0.5,
			Low:       float64(i+1) - 0.5,
			Close:     float64(i + 1),
			Volume:    100,
		}
	}
	return bars
}

func newTestSession(t *testing.T, bars []model.Bar) (*Session, *captureEmitter, *clock.Mock, *fakeStore) {
	t.Helper()
	reg := indicator.NewRegistry()
	reg.Register(indicator.SMAPlugin{})
	reg.Register(indicator.EMAPlugin{})
	reg.Register(indicator.RSIPlugin{})

	clk := clock.NewMock()
	st := &fakeStore{bars: bars}
	em := &captureEmitter{}
	s := New(DefaultConfig(), clk, st, reg, em)
	return s, em, clk, st
}

func initSession(t *testing.T, s *Session, p InitParams) {
	t.Helper()
	require.NoError(t, s.Init(context.Background(), p))
}

func TestInitLoadsBarsAndPauses(t *testing.T) {
	s, em, _, st := newTestSession(t, makeBars(5))

	initSession(t, s, InitParams{Symbol: "AAPL", Timeframe: "1m", From: 1000, To: 5000})

	assert.Equal(t, StatusPaused, s.Status())
	assert.Equal(t, 1.0, s.Speed())
	assert.Equal(t, 5000, st.lastQ.Limit)

	snap := em.lastSnapshot()
	assert.Equal(t, StatusPaused, snap.Status)
	require.NotNil(t, snap.Cursor)
	assert.Equal(t, int64(1000), *snap.Cursor)
	assert.Empty(t, em.errors)
}

func TestInitEmptyRangeWarnsAndPauses(t *testing.T) {
	s, em, _, _ := newTestSession(t, nil)

	initSession(t, s, InitParams{Symbol: "AAPL", Timeframe: "1m"})

	assert.Equal(t, StatusPaused, s.Status())
	require.Len(t, em.errors, 1)
	assert.Contains(t, em.errors[0], "no bars found")
	assert.Nil(t, em.lastSnapshot().Cursor)

	assert.ErrorIs(t, s.Play(), ErrEmptyBuffer)
}

func TestInitClampsSpeed(t *testing.T) {
	s, _, _, _ := newTestSession(t, makeBars(3))

	initSession(t, s, InitParams{Symbol: "AAPL", Timeframe: "1m", Speed: 0.01})

	assert.Equal(t, 0.25, s.Speed())
}

func TestPlayEmitsBarsInOrderWithIndicators(t *testing.T) {
	bars := makeBars(5)
	s, em, clk, _ := newTestSession(t, bars)

	initSession(t, s, InitParams{
		Symbol:    "AAPL",
		Timeframe: "1m",
		Indicators: []model.IndicatorSpec{
			{Type: "sma", Params: map[string]float64{"period": 2}},
		},
	})
	require.NoError(t, s.Play())
	assert.Equal(t, StatusPlaying, s.Status())

	// At speed 1 each tick is BaseDelay apart and emits one bar.
	for i := 0; i < 5; i++ {
		clk.Add(400 * time.Millisecond)
	}

	em.mu.Lock()
	defer em.mu.Unlock()
	require.Len(t, em.bars, 5)
	for i, eb := range em.bars {
		assert.Equal(t, bars[i].Timestamp, eb.bar.Timestamp, "bar %d", i)
		require.Contains(t, eb.indicators, "sma-period=2")
	}

	// SMA(2) over closes 1..5: nil, 1.5, 2.5, 3.5, 4.5.
	assert.Nil(t, em.bars[0].indicators["sma-period=2"])
	for i, want := range []float64{1.5, 2.5, 3.5, 4.5} {
		v := em.bars[i+1].indicators["sma-period=2"]
		require.NotNil(t, v)
		assert.InDelta(t, want, *v, 1e-9)
	}

	// End of buffer parks the session paused at the last bar.
	last := em.snapshots[len(em.snapshots)-1]
	assert.Equal(t, StatusPaused, last.Status)
	require.NotNil(t, last.Cursor)
	assert.Equal(t, int64(5000), *last.Cursor)
}

func TestHighSpeedBatchesPerTick(t *testing.T) {
	s, em, clk, _ := newTestSession(t, makeBars(12))

	// 400ms/100 = 4ms per bar, under the 20ms floor: one tick emits
	// ceil(20/4) = 5 bars.
	initSession(t, s, InitParams{Symbol: "AAPL", Timeframe: "1m", Speed: 100})
	require.NoError(t, s.Play())

	clk.Add(20 * time.Millisecond)
	assert.Equal(t, 5, em.barCount())

	clk.Add(20 * time.Millisecond)
	assert.Equal(t, 10, em.barCount())

	// Final partial batch, then pause.
	clk.Add(20 * time.Millisecond)
	assert.Equal(t, 12, em.barCount())
	assert.Equal(t, StatusPaused, s.Status())
}

func TestBatchCap(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxBatch = 3
	reg := indicator.NewRegistry()
	clk := clock.NewMock()
	em := &captureEmitter{}
	s := New(cfg, clk, &fakeStore{bars: makeBars(10)}, reg, em)

	initSession(t, s, InitParams{Symbol: "AAPL", Timeframe: "1m", Speed: 1000})
	require.NoError(t, s.Play())

	clk.Add(cfg.MinTickInterval)
	assert.Equal(t, 3, em.barCount())
}

func TestPauseIsIdempotent(t *testing.T) {
	s, em, clk, _ := newTestSession(t, makeBars(5))

	initSession(t, s, InitParams{Symbol: "AAPL", Timeframe: "1m"})
	require.NoError(t, s.Play())
	clk.Add(400 * time.Millisecond)

	s.Pause()
	emitted := em.barCount()
	s.Pause()
	s.Pause()

	assert.Equal(t, StatusPaused, s.Status())
	assert.Equal(t, emitted, em.barCount())
	// Each PAUSE still acknowledges with a snapshot.
	assert.Equal(t, StatusPaused, em.lastSnapshot().Status)

	// No timer survives the pause.
	clk.Add(10 * time.Second)
	assert.Equal(t, emitted, em.barCount())
}

func TestSeekSemantics(t *testing.T) {
	s, em, _, _ := newTestSession(t, makeBars(5))
	initSession(t, s, InitParams{Symbol: "AAPL", Timeframe: "1m"})

	// Between bars: lands on the first bar at or after the target.
	s.Seek(3500)
	require.NotNil(t, em.lastSnapshot().Cursor)
	assert.Equal(t, int64(4000), *em.lastSnapshot().Cursor)

	// Exact hit.
	s.Seek(2000)
	assert.Equal(t, int64(2000), *em.lastSnapshot().Cursor)

	// Before the first bar.
	s.Seek(-100)
	assert.Equal(t, int64(1000), *em.lastSnapshot().Cursor)

	// Past the end clamps to the last bar.
	s.Seek(999999)
	assert.Equal(t, int64(5000), *em.lastSnapshot().Cursor)

	// Every seek re-emits the bar at the cursor, without indicator values.
	em.mu.Lock()
	defer em.mu.Unlock()
	require.Len(t, em.bars, 4)
	assert.Equal(t, int64(4000), em.bars[0].bar.Timestamp)
	assert.Nil(t, em.bars[0].indicators)
	assert.Equal(t, StatusPaused, em.snapshots[len(em.snapshots)-1].Status)
}

func TestSeekPausesPlayback(t *testing.T) {
	s, em, clk, _ := newTestSession(t, makeBars(5))
	initSession(t, s, InitParams{Symbol: "AAPL", Timeframe: "1m"})
	require.NoError(t, s.Play())

	s.Seek(3000)
	assert.Equal(t, StatusPaused, s.Status())

	n := em.barCount()
	clk.Add(10 * time.Second)
	assert.Equal(t, n, em.barCount())
}

func TestStepClamping(t *testing.T) {
	s, em, _, _ := newTestSession(t, makeBars(5))
	initSession(t, s, InitParams{Symbol: "AAPL", Timeframe: "1m"})

	// Backward from the first bar stays put.
	s.Step(true, 1)
	assert.Equal(t, int64(1000), *em.lastSnapshot().Cursor)

	// Zero size defaults to one.
	s.Step(false, 0)
	assert.Equal(t, int64(2000), *em.lastSnapshot().Cursor)

	// Forward past the end clamps to the last bar.
	s.Step(false, 100)
	assert.Equal(t, int64(5000), *em.lastSnapshot().Cursor)

	s.Step(true, 2)
	assert.Equal(t, int64(3000), *em.lastSnapshot().Cursor)

	em.mu.Lock()
	defer em.mu.Unlock()
	for _, eb := range em.bars {
		assert.Nil(t, eb.indicators)
	}
}

func TestSetSpeedWhilePlayingKeepsPosition(t *testing.T) {
	s, em, clk, _ := newTestSession(t, makeBars(10))
	initSession(t, s, InitParams{Symbol: "AAPL", Timeframe: "1m"})
	require.NoError(t, s.Play())

	clk.Add(400 * time.Millisecond)
	clk.Add(400 * time.Millisecond)
	require.Equal(t, 2, em.barCount())

	s.SetSpeed(4)
	assert.Equal(t, StatusPlaying, s.Status())
	assert.Equal(t, 4.0, s.Speed())

	// Next bar arrives at the new 100ms pace and playback resumes where it was.
	clk.Add(100 * time.Millisecond)
	require.Equal(t, 3, em.barCount())
	em.mu.Lock()
	assert.Equal(t, int64(3000), em.bars[2].bar.Timestamp)
	em.mu.Unlock()
}

func TestSetSpeedClampsToMinimum(t *testing.T) {
	s, em, _, _ := newTestSession(t, makeBars(3))
	initSession(t, s, InitParams{Symbol: "AAPL", Timeframe: "1m"})

	s.SetSpeed(0.0001)
	assert.Equal(t, 0.25, s.Speed())
	assert.Equal(t, 0.25, em.lastSnapshot().Speed)
}

func TestReinitCancelsPendingTick(t *testing.T) {
	s, em, clk, st := newTestSession(t, makeBars(5))
	initSession(t, s, InitParams{Symbol: "AAPL", Timeframe: "1m"})
	require.NoError(t, s.Play())

	st.mu.Lock()
	st.bars = makeBars(2)
	st.mu.Unlock()
	initSession(t, s, InitParams{Symbol: "MSFT", Timeframe: "1m"})

	assert.Equal(t, StatusPaused, s.Status())
	clk.Add(10 * time.Second)
	assert.Equal(t, 0, em.barCount())
}

func TestInitStoreErrorKeepsPriorBuffer(t *testing.T) {
	s, em, clk, st := newTestSession(t, makeBars(5))
	initSession(t, s, InitParams{Symbol: "AAPL", Timeframe: "1m"})

	st.mu.Lock()
	st.err = errors.New("connection refused")
	st.mu.Unlock()

	err := s.Init(context.Background(), InitParams{Symbol: "MSFT", Timeframe: "1m"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fetch bars")

	// The old buffer is still playable.
	require.NoError(t, s.Play())
	clk.Add(400 * time.Millisecond)
	em.mu.Lock()
	defer em.mu.Unlock()
	require.Len(t, em.bars, 1)
	assert.Equal(t, "AAPL", em.bars[0].bar.Symbol)
}

func TestInitUnknownIndicatorKeepsPriorState(t *testing.T) {
	s, _, _, _ := newTestSession(t, makeBars(5))
	initSession(t, s, InitParams{Symbol: "AAPL", Timeframe: "1m"})

	err := s.Init(context.Background(), InitParams{
		Symbol:     "AAPL",
		Timeframe:  "1m",
		Indicators: []model.IndicatorSpec{{Type: "nope"}},
	})
	require.ErrorIs(t, err, indicator.ErrUnknownType)
	require.NoError(t, s.Play())
}

func TestCloseSilencesSession(t *testing.T) {
	s, em, clk, _ := newTestSession(t, makeBars(5))
	initSession(t, s, InitParams{Symbol: "AAPL", Timeframe: "1m"})
	require.NoError(t, s.Play())

	snapshots := len(em.snapshots)
	s.Close()

	assert.Equal(t, StatusDisconnected, s.Status())
	clk.Add(10 * time.Second)
	assert.Equal(t, 0, em.barCount())
	// Close emits nothing.
	em.mu.Lock()
	defer em.mu.Unlock()
	assert.Len(t, em.snapshots, snapshots)
}

// panicPlugin fails its instance after two updates.
type panicPlugin struct{}

func (panicPlugin) Type() string                              { return "flaky" }
func (panicPlugin) Label() string                             { return "Flaky" }
func (panicPlugin) Params() []indicator.ParamSpec             { return nil }
func (panicPlugin) Outputs() []string                         { return []string{"value"} }
func (panicPlugin) Validate(map[string]float64) error         { return nil }
func (panicPlugin) New(map[string]float64) indicator.Instance { return &panicInstance{} }

type panicInstance struct{ count int }

func (p *panicInstance) Warmup() int { return 0 }

func (p *panicInstance) Update(bar model.Bar) map[string]*float64 {
	p.count++
	if p.count > 2 {
		panic("bad math")
	}
	v := bar.Close
	return map[string]*float64{"value": &v}
}

func TestIndicatorPanicIsLatchedOff(t *testing.T) {
	reg := indicator.NewRegistry()
	reg.Register(indicator.SMAPlugin{})
	reg.Register(panicPlugin{})

	clk := clock.NewMock()
	em := &captureEmitter{}
	s := New(DefaultConfig(), clk, &fakeStore{bars: makeBars(5)}, reg, em)

	initSession(t, s, InitParams{
		Symbol:    "AAPL",
		Timeframe: "1m",
		Indicators: []model.IndicatorSpec{
			{Type: "flaky"},
			{Type: "sma", Params: map[string]float64{"period": 2}},
		},
	})
	require.NoError(t, s.Play())

	for i := 0; i < 5; i++ {
		clk.Add(400 * time.Millisecond)
	}

	em.mu.Lock()
	defer em.mu.Unlock()

	// All five bars still arrive.
	require.Len(t, em.bars, 5)

	// flaky works twice, then is disabled with an ERROR and reports nil.
	require.NotNil(t, em.bars[0].indicators["flaky"])
	require.NotNil(t, em.bars[1].indicators["flaky"])
	for i := 2; i < 5; i++ {
		assert.Nil(t, em.bars[i].indicators["flaky"], "bar %d", i)
	}
	require.Len(t, em.errors, 1)
	assert.Contains(t, em.errors[0], "flaky")
	assert.Contains(t, em.errors[0], "disabled")

	// The healthy indicator keeps producing.
	v := em.bars[4].indicators["sma-period=2"]
	require.NotNil(t, v)
	assert.InDelta(t, 4.5, *v, 1e-9)
}

func TestPacing(t *testing.T) {
	s, _, _, _ := newTestSession(t, nil)

	cases := []struct {
		speed    float64
		interval time.Duration
		batch    int
	}{
		{1, 400 * time.Millisecond, 1},
		{2, 200 * time.Millisecond, 1},
		{0.25, 1600 * time.Millisecond, 1},
		{20, 20 * time.Millisecond, 1},    // exactly at the floor
		{40, 20 * time.Millisecond, 2},    // 10ms per bar
		{100, 20 * time.Millisecond, 5},   // 4ms per bar
		{1e6, 20 * time.Millisecond, 200}, // capped at MaxBatch
	}
	for _, tc := range cases {
		s.mu.Lock()
		s.speed = tc.speed
		interval, batch := s.pacingLocked()
		s.mu.Unlock()
		assert.Equal(t, tc.interval, interval, fmt.Sprintf("speed %v interval", tc.speed))
		assert.Equal(t, tc.batch, batch, fmt.Sprintf("speed %v batch", tc.speed))
	}

	// Very low speeds are bounded by the max tick interval.
	s.mu.Lock()
	s.speed = 0.25
	s.cfg.BaseDelay = 10 * time.Second
	interval, _ := s.pacingLocked()
	s.mu.Unlock()
	assert.Equal(t, 5*time.Second, interval)
}

// Package session implements the per-connection playback state machine.
//
// A Session owns a bar buffer loaded at INIT, a cursor, a speed multiplier
// and a set of indicator instances, and drives a recurring scheduler tick
// that emits bars at a simulated pace. One session belongs to exactly one
// transport connection; it is created on connect and closed on disconnect.
package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"candle-replay/internal/indicator"
	"candle-replay/internal/model"
	"candle-replay/internal/store"

	"github.com/benbjohnson/clock"
)

// Status is the session lifecycle state.
type Status string

const (
	StatusIdle         Status = "idle"
	StatusPaused       Status = "paused"
	StatusPlaying      Status = "playing"
	StatusDisconnected Status = "disconnected"
	StatusError        Status = "error"
)

// Snapshot describes the session state after an operation or tick batch.
// Cursor is the timestamp at the playback position (the last buffer entry
// once playback has run past the end), nil while the buffer is empty.
type Snapshot struct {
	Status Status
	Speed  float64
	Cursor *int64
}

// Emitter receives session output events. Calls are made in delivery order
// while the session lock is held: bars always precede the snapshot that
// describes them. Implementations must not call back into the session.
type Emitter interface {
	EmitBar(bar model.Bar, indicators map[string]*float64)
	EmitState(snap Snapshot)
	EmitError(msg string)
}

// Config holds the playback pacing tunables.
type Config struct {
	// BaseDelay is the per-bar emission delay at speed 1.
	BaseDelay time.Duration
	// MinTickInterval bounds how often the scheduler fires; below it the
	// session emits batches instead of ticking faster.
	MinTickInterval time.Duration
	// MaxTickInterval caps the wait at very low speeds.
	MaxTickInterval time.Duration
	// MaxBatch caps bars emitted per tick at high speeds.
	MaxBatch int
	// MinSpeed is the lower clamp for SET_SPEED.
	MinSpeed float64
	// MaxBars caps how many bars one INIT may load.
	MaxBars int
}

// DefaultConfig mirrors the stream tuning defaults (400ms per bar at 1x,
// 5000-bar page cap).
func DefaultConfig() Config {
	return Config{
		BaseDelay:       400 * time.Millisecond,
		MinTickInterval: 20 * time.Millisecond,
		MaxTickInterval: 5 * time.Second,
		MaxBatch:        200,
		MinSpeed:        0.25,
		MaxBars:         5000,
	}
}

// InitParams carries the INIT payload.
type InitParams struct {
	Symbol     string
	Timeframe  string
	DatasetID  string
	From       int64
	To         int64
	Speed      float64
	Indicators []model.IndicatorSpec
}

// activeIndicator is one live instance plus its failure latch: an instance
// that errors mid-playback is skipped for the rest of the session, emitting
// nil, without stopping bar delivery.
type activeIndicator struct {
	key    string
	inst   indicator.Instance
	failed bool
}

// Session is the per-connection playback state machine.
//
// The mutex makes tick callbacks and command handlers mutually exclusive;
// the epoch counter invalidates timers that fire after cancellation.
type Session struct {
	cfg      Config
	clk      clock.Clock
	barStore store.BarStore
	registry *indicator.Registry
	emitter  Emitter

	mu         sync.Mutex
	bars       []model.Bar
	cursor     int
	speed      float64
	status     Status
	indicators []*activeIndicator
	timer      *clock.Timer
	epoch      uint64
}

// New creates an idle session bound to one connection's emitter.
func New(cfg Config, clk clock.Clock, barStore store.BarStore, registry *indicator.Registry, emitter Emitter) *Session {
	return &Session{
		cfg:      cfg,
		clk:      clk,
		barStore: barStore,
		registry: registry,
		emitter:  emitter,
		speed:    1,
		status:   StatusIdle,
	}
}

// Init loads the requested bar window and replaces the session state
// wholesale: fresh buffer, cursor 0, fresh indicator instances, paused.
//
// The fetch is the only real I/O await; any running tick is cancelled before
// it starts, and commands for one connection are dispatched serially, so
// nothing can observe the buffer mid-swap. On store or indicator errors the
// prior buffer is kept (empty on a first INIT) and the session lands paused.
func (s *Session) Init(ctx context.Context, p InitParams) error {
	s.mu.Lock()
	s.stopTickLocked()
	if s.status == StatusIdle || s.status == StatusPlaying {
		s.status = StatusPaused
	}
	s.mu.Unlock()

	limit := s.cfg.MaxBars
	if limit <= 0 {
		limit = DefaultConfig().MaxBars
	}
	bars, err := s.barStore.FetchBars(ctx, store.Query{
		Symbol:    p.Symbol,
		Timeframe: p.Timeframe,
		DatasetID: p.DatasetID,
		From:      p.From,
		To:        p.To,
		Limit:     limit,
	})
	if err != nil {
		return fmt.Errorf("fetch bars: %w", err)
	}

	actives := make([]*activeIndicator, 0, len(p.Indicators))
	for _, spec := range p.Indicators {
		created, err := s.registry.Create(spec)
		if err != nil {
			return err
		}
		actives = append(actives, &activeIndicator{key: created.Key, inst: created.Instance})
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.bars = bars
	s.cursor = 0
	s.indicators = actives
	if p.Speed > 0 {
		s.speed = s.clampSpeed(p.Speed)
	}
	s.status = StatusPaused
	if len(bars) == 0 {
		s.emitter.EmitError("no bars found in the requested range")
	}
	s.emitter.EmitState(s.snapshotLocked())
	return nil
}

// Play starts (or restarts) the recurring tick.
func (s *Session) Play() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.bars) == 0 {
		return ErrEmptyBuffer
	}
	s.stopTickLocked()
	s.status = StatusPlaying
	s.scheduleLocked()
	s.emitter.EmitState(s.snapshotLocked())
	return nil
}

// Pause cancels the recurring tick. Idempotent: pausing an already-paused
// session re-emits the same snapshot and cancels nothing.
func (s *Session) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status == StatusPlaying {
		s.stopTickLocked()
	}
	if s.status != StatusDisconnected && s.status != StatusError {
		s.status = StatusPaused
	}
	s.emitter.EmitState(s.snapshotLocked())
}

// SetSpeed clamps and applies a new speed multiplier. While playing, the
// tick is rescheduled at the new pace without moving the cursor.
func (s *Session) SetSpeed(speed float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.speed = s.clampSpeed(speed)
	if s.status == StatusPlaying {
		s.stopTickLocked()
		s.status = StatusPlaying
		s.scheduleLocked()
	}
	s.emitter.EmitState(s.snapshotLocked())
}

// Seek pauses and moves the cursor to the first bar with timestamp >= target,
// clamped to the last bar when the target is past the end. The bar at the new
// cursor is emitted without indicator values: instances are not rewound, they
// reflect only bars streamed through PLAY ticks.
func (s *Session) Seek(timestamp int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopTickLocked()
	if s.status != StatusDisconnected && s.status != StatusError {
		s.status = StatusPaused
	}

	if len(s.bars) > 0 {
		i := sort.Search(len(s.bars), func(i int) bool {
			return s.bars[i].Timestamp >= timestamp
		})
		if i >= len(s.bars) {
			i = len(s.bars) - 1
		}
		s.cursor = i
		s.emitter.EmitBar(s.bars[i], nil)
	} else {
		s.cursor = 0
	}
	s.emitter.EmitState(s.snapshotLocked())
}

// Step pauses and moves the cursor by ±size bars, clamped to the buffer.
// Like Seek, the emitted bar does not feed indicator instances.
func (s *Session) Step(backward bool, size int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopTickLocked()
	if s.status != StatusDisconnected && s.status != StatusError {
		s.status = StatusPaused
	}

	if size <= 0 {
		size = 1
	}
	if len(s.bars) > 0 {
		c := s.cursor
		if backward {
			c -= size
		} else {
			c += size
		}
		if c < 0 {
			c = 0
		}
		if c > len(s.bars)-1 {
			c = len(s.bars) - 1
		}
		s.cursor = c
		s.emitter.EmitBar(s.bars[c], nil)
	}
	s.emitter.EmitState(s.snapshotLocked())
}

// Close tears the session down when its connection goes away. No events are
// emitted — there is no one left to deliver them to.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopTickLocked()
	s.status = StatusDisconnected
	s.bars = nil
	s.indicators = nil
}

// Status returns the current lifecycle state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Speed returns the current speed multiplier.
func (s *Session) Speed() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.speed
}

// onTick emits the next contiguous batch and reschedules. Late fires from a
// cancelled timer are discarded by the epoch check.
func (s *Session) onTick(epoch uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if epoch != s.epoch || s.status != StatusPlaying {
		return
	}

	_, batch := s.pacingLocked()
	end := s.cursor + batch
	if end > len(s.bars) {
		end = len(s.bars)
	}
	for i := s.cursor; i < end; i++ {
		bar := s.bars[i]
		s.emitter.EmitBar(bar, s.applyIndicatorsLocked(bar))
	}
	s.cursor = end

	if s.cursor >= len(s.bars) {
		// End of stream: a normal terminal condition for this run. The
		// session stays seekable.
		s.stopTickLocked()
		s.status = StatusPaused
	} else {
		s.scheduleLocked()
	}
	s.emitter.EmitState(s.snapshotLocked())
}

// applyIndicatorsLocked feeds one emitted bar through every live instance.
// A panicking instance is latched off and reported; remaining indicators and
// bar delivery continue.
func (s *Session) applyIndicatorsLocked(bar model.Bar) map[string]*float64 {
	if len(s.indicators) == 0 {
		return nil
	}
	out := make(map[string]*float64, len(s.indicators))
	for _, ai := range s.indicators {
		if ai.failed {
			out[ai.key] = nil
			continue
		}
		values, err := safeUpdate(ai.inst, bar)
		if err != nil {
			ai.failed = true
			out[ai.key] = nil
			s.emitter.EmitError(fmt.Sprintf("indicator %s disabled: %v", ai.key, err))
			continue
		}
		for name, v := range values {
			if name == "value" {
				out[ai.key] = v
			} else {
				out[ai.key+"."+name] = v
			}
		}
	}
	return out
}

func safeUpdate(inst indicator.Instance, bar model.Bar) (values map[string]*float64, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("update panic: %v", r)
		}
	}()
	return inst.Update(bar), nil
}

// pacingLocked derives the tick interval and batch size from the speed. The
// per-bar target delay is BaseDelay/speed; once that drops below the minimum
// tick interval the session keeps ticking at the minimum and emits
// ceil(MinTickInterval/delay) bars per tick, capped at MaxBatch.
func (s *Session) pacingLocked() (interval time.Duration, batch int) {
	perBar := time.Duration(float64(s.cfg.BaseDelay) / s.speed)
	if perBar >= s.cfg.MinTickInterval {
		if perBar > s.cfg.MaxTickInterval {
			perBar = s.cfg.MaxTickInterval
		}
		return perBar, 1
	}

	if perBar <= 0 {
		return s.cfg.MinTickInterval, s.cfg.MaxBatch
	}
	batch = int((s.cfg.MinTickInterval + perBar - 1) / perBar)
	if batch > s.cfg.MaxBatch {
		batch = s.cfg.MaxBatch
	}
	if batch < 1 {
		batch = 1
	}
	return s.cfg.MinTickInterval, batch
}

func (s *Session) scheduleLocked() {
	interval, _ := s.pacingLocked()
	epoch := s.epoch
	s.timer = s.clk.AfterFunc(interval, func() { s.onTick(epoch) })
}

// stopTickLocked cancels any pending timer and bumps the epoch so an
// already-fired callback becomes a no-op.
func (s *Session) stopTickLocked() {
	s.epoch++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Session) clampSpeed(speed float64) float64 {
	if speed < s.cfg.MinSpeed {
		return s.cfg.MinSpeed
	}
	return speed
}

func (s *Session) snapshotLocked() Snapshot {
	snap := Snapshot{Status: s.status, Speed: s.speed}
	if len(s.bars) > 0 {
		i := s.cursor
		if i > len(s.bars)-1 {
			i = len(s.bars) - 1
		}
		ts := s.bars[i].Timestamp
		snap.Cursor = &ts
	}
	return snap
}

package sequencer

import (
	"context"
	"fmt"
	"math"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go-perform/bus"
	"go-perform/clock"
	"go-perform/debug"
	"go-perform/metrics"
	"go-perform/midi"
)

// Transport is the play state of the engine.
type Transport int32

const (
	Stopped Transport = iota
	Playing
	Paused
)

func (t Transport) String() string {
	switch t {
	case Playing:
		return "playing"
	case Paused:
		return "paused"
	}
	return "stopped"
}

// Mode selects what decides whether a pattern sounds.
type Mode int32

const (
	ModeLive Mode = iota // armed flags
	ModeSong             // triggers
)

func (m Mode) String() string {
	if m == ModeSong {
		return "song"
	}
	return "live"
}

// Tap tempo limits.
const (
	maxTaps    = 8
	tapTimeout = 5 * time.Second
)

// UI refresh rate for UpdateChan
const uiFPS = 30

// Stats are engine counters. Nothing on the output thread returns an error;
// failures are counted here instead.
type Stats struct {
	Ticks        uint64
	LateTicks    uint64
	RecordErrors uint64
	SubmitErrors uint64
	InputDropped uint64
	Buses        []bus.Stats
}

// Engine owns the pattern table, the clock and the output thread.
type Engine struct {
	cfg    Config
	screen ScreenSet
	clock  *clock.Clock
	bus    *bus.Master
	src    clock.Source
	groups *MuteGroups

	slots []atomic.Pointer[Pattern]

	transport  atomic.Int32
	mode       atomic.Int32
	keepQueue  atomic.Bool
	learn      atomic.Bool
	silenced   atomic.Bool // set by Panic, cleared by Start
	playingSet atomic.Int32
	modified   atomic.Bool

	// tmu serializes transport changes with output ticks. A tick holds it
	// for its whole run, so taking it waits out the tick in progress. Only
	// transport and timing calls take it; pattern edits never do, so the
	// output thread finds it free unless the transport is changing. It also
	// guards cfg's PPQN and time signature.
	tmu       sync.Mutex
	barLen    int64
	lastPulse int64
	nextBar   int64
	lastTick  time.Time
	index     songIndex

	tapMu sync.Mutex
	taps  []time.Time

	snapMu    sync.Mutex
	snapshots [2][]bool

	ticks        atomic.Uint64
	lateTicks    atomic.Uint64
	recordErrors atomic.Uint64
	submitErrors atomic.Uint64

	actions chan func()

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	// Notify TUI of updates
	UpdateChan chan struct{}
}

// Option configures an Engine.
type Option func(*options)

type options struct {
	src     clock.Source
	actions int
}

// WithSource replaces the system clock, for tests and offline rendering.
func WithSource(src clock.Source) Option {
	return func(o *options) { o.src = src }
}

// WithActionQueue sets how many deferred actions may wait for the control
// goroutine.
func WithActionQueue(n int) Option {
	return func(o *options) { o.actions = n }
}

// New creates a stopped engine at pulse 0.
func New(cfg Config, master *bus.Master, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := options{src: clock.System, actions: 64}
	for _, opt := range opts {
		opt(&o)
	}
	src := o.src
	clk, err := clock.New(cfg.PPQN, cfg.BPM, src)
	if err != nil {
		return nil, clockError("new engine", err)
	}
	clk.SetPrecision(cfg.BPMPrecision)

	e := &Engine{
		cfg:        cfg,
		screen:     ScreenSet{Rows: cfg.Rows, Cols: cfg.Cols, Sets: cfg.Sets},
		clock:      clk,
		bus:        master,
		src:        src,
		groups:     NewMuteGroups(cfg.MuteGroups, cfg.Slots()),
		slots:      make([]atomic.Pointer[Pattern], cfg.Slots()),
		barLen:     barPulses(int64(cfg.PPQN), cfg.BeatsPerBar, cfg.BeatWidth),
		lastPulse:  -1,
		index:      songIndex{last: -1},
		actions:    make(chan func(), o.actions),
		UpdateChan: make(chan struct{}, 1),
	}
	e.nextBar = e.barLen
	metrics.Get().Tempo.Set(clk.BPM())
	return e, nil
}

// Config returns the configuration in effect, including resolution and
// time signature changes made since New.
func (e *Engine) Config() Config {
	e.tmu.Lock()
	defer e.tmu.Unlock()
	return e.cfg
}

func (e *Engine) Clock() *clock.Clock     { return e.clock }
func (e *Engine) Bus() *bus.Master        { return e.bus }
func (e *Engine) ScreenSet() ScreenSet    { return e.screen }
func (e *Engine) MuteGroups() *MuteGroups { return e.groups }

func (e *Engine) Transport() Transport { return Transport(e.transport.Load()) }
func (e *Engine) Mode() Mode           { return Mode(e.mode.Load()) }
func (e *Engine) BPM() float64         { return e.clock.BPM() }
func (e *Engine) PPQN() int            { return e.clock.PPQN() }

// Position is the current song pulse.
func (e *Engine) Position() int64 { return e.clock.NowPulses() }

// BarLength is one bar of the global time signature in pulses.
func (e *Engine) BarLength() int64 {
	e.tmu.Lock()
	defer e.tmu.Unlock()
	return e.barLen
}

// Pattern table.

func (e *Engine) slot(op string, id int) (*Pattern, error) {
	if id < 0 || id >= len(e.slots) {
		return nil, newError(KindCapacity, op, "pattern %d outside 0-%d", id, len(e.slots)-1)
	}
	p := e.slots[id].Load()
	if p == nil {
		return nil, newError(KindCapacity, op, "pattern %d is empty", id)
	}
	return p, nil
}

// Pattern returns the pattern in slot id, or nil.
func (e *Engine) Pattern(id int) *Pattern {
	if id < 0 || id >= len(e.slots) {
		return nil
	}
	return e.slots[id].Load()
}

// Patterns returns every active pattern in id order.
func (e *Engine) Patterns() []*Pattern {
	var out []*Pattern
	for i := range e.slots {
		if p := e.slots[i].Load(); p != nil {
			out = append(out, p)
		}
	}
	return out
}

func (e *Engine) checkBus(op string, b int) error {
	if n := e.bus.OutputCount(); b < 0 || b >= n {
		return newError(KindCapacity, op, "bus %d outside 0-%d", b, n-1)
	}
	return nil
}

// NewPattern creates a pattern in an empty slot.
func (e *Engine) NewPattern(id int, spec PatternSpec) (*Pattern, error) {
	const op = "new pattern"
	if id < 0 || id >= len(e.slots) {
		return nil, newError(KindCapacity, op, "pattern %d outside 0-%d", id, len(e.slots)-1)
	}
	if err := e.checkBus(op, spec.Bus); err != nil {
		return nil, err
	}
	if spec.Snap == 0 {
		spec.Snap = e.cfg.Snap
	}
	p, err := newPattern(id, int64(e.clock.PPQN()), spec, e.cfg.UndoDepth)
	if err != nil {
		return nil, err
	}
	if !e.slots[id].CompareAndSwap(nil, p) {
		return nil, newError(KindInvariant, op, "slot %d is occupied", id)
	}
	e.modified.Store(true)
	debug.Log("engine", "pattern %d created: %q length=%d bus=%d", id, spec.Name, p.Length(), spec.Bus)
	return p, nil
}

// ClearPattern empties a slot. Notes it left sounding are released first.
func (e *Engine) ClearPattern(id int) error {
	p, err := e.slot("clear pattern", id)
	if err != nil {
		return err
	}
	e.tmu.Lock()
	defer e.tmu.Unlock()
	e.releaseNotes(p, e.src.Now())
	e.slots[id].Store(nil)
	if e.bus.RecordTarget() == id {
		e.bus.SetRecordTarget(-1)
	}
	e.modified.Store(true)
	e.bus.Flush(e.src.Now())
	return nil
}

// EditPattern runs fn against pattern id. Structural edits inside fn go
// through Pattern methods, which build the new state aside and swap it in.
func (e *Engine) EditPattern(id int, fn func(p *Pattern) error) error {
	p, err := e.slot("edit pattern", id)
	if err != nil {
		return err
	}
	return fn(p)
}

func (e *Engine) SetPatternChannel(id, ch int) error {
	p, err := e.slot("set channel", id)
	if err != nil {
		return err
	}
	return p.SetChannel(ch)
}

func (e *Engine) SetPatternName(id int, name string) error {
	p, err := e.slot("set name", id)
	if err != nil {
		return err
	}
	p.SetName(name)
	return nil
}

func (e *Engine) SetPatternColor(id, color int) error {
	p, err := e.slot("set color", id)
	if err != nil {
		return err
	}
	p.SetColor(color)
	return nil
}

func (e *Engine) SetTransposable(id int, on bool) error {
	p, err := e.slot("set transposable", id)
	if err != nil {
		return err
	}
	p.SetTransposable(on)
	return nil
}

// SetPatternBus routes a pattern to another output bus.
func (e *Engine) SetPatternBus(id, b int) error {
	p, err := e.slot("set bus", id)
	if err != nil {
		return err
	}
	if err := e.checkBus("set bus", b); err != nil {
		return err
	}
	p.setBus(b)
	return nil
}

// Live playback controls. They only flip flags; the output thread acts on
// them at its next tick or bar boundary.

// Toggle arms or mutes a pattern immediately, or queues it when keep-queue
// is on.
func (e *Engine) Toggle(id int) error {
	if e.keepQueue.Load() {
		return e.Queue(id)
	}
	p, err := e.slot("toggle", id)
	if err != nil {
		return err
	}
	p.setFlag(&p.queued, false)
	p.setArmed(!p.Armed())
	return nil
}

// Queue toggles the queued flag: the pattern flips at the next bar.
func (e *Engine) Queue(id int) error {
	p, err := e.slot("queue", id)
	if err != nil {
		return err
	}
	p.setFlag(&p.queued, !p.Queued())
	return nil
}

// OneShot plays a muted pattern for exactly one loop starting at the next
// bar. Armed patterns ignore it.
func (e *Engine) OneShot(id int) error {
	p, err := e.slot("one-shot", id)
	if err != nil {
		return err
	}
	if !p.Armed() {
		p.setFlag(&p.oneShot, true)
	}
	return nil
}

// SnapOff mutes an armed pattern at the next bar.
func (e *Engine) SnapOff(id int) error {
	p, err := e.slot("snap-off", id)
	if err != nil {
		return err
	}
	if p.Armed() {
		p.setFlag(&p.snapOff, true)
	}
	return nil
}

// MuteAll disarms every pattern and cancels pending queue changes.
func (e *Engine) MuteAll() {
	for _, p := range e.Patterns() {
		p.setFlag(&p.queued, false)
		p.setArmed(false)
	}
}

func (e *Engine) SetKeepQueue(on bool) { e.keepQueue.Store(on) }
func (e *Engine) KeepQueue() bool      { return e.keepQueue.Load() }

// Screen sets.

func (e *Engine) PlayingSet() int { return int(e.playingSet.Load()) }

func (e *Engine) SetPlayingSet(set int) error {
	if set < 0 || set >= e.screen.Sets {
		return newError(KindCapacity, "set playing set", "set %d outside 0-%d", set, e.screen.Sets-1)
	}
	e.playingSet.Store(int32(set))
	return nil
}

// SlotID maps an index within the playing set to a pattern id.
func (e *Engine) SlotID(index int) int {
	first, _ := e.screen.Range(e.PlayingSet())
	return first + index
}

// Mute groups.

// ArmedBits returns the armed flag of every slot.
func (e *Engine) ArmedBits() []bool {
	bits := make([]bool, len(e.slots))
	for i := range e.slots {
		if p := e.slots[i].Load(); p != nil {
			bits[i] = p.Armed()
		}
	}
	return bits
}

// LearnMuteGroup stores the current armed set as group id.
func (e *Engine) LearnMuteGroup(id int) error {
	return e.groups.Learn(id, e.ArmedBits())
}

// SetLearn makes the next ApplyMuteGroup learn instead of apply.
func (e *Engine) SetLearn(on bool) { e.learn.Store(on) }
func (e *Engine) Learning() bool   { return e.learn.Load() }

// ApplyMuteGroup brings the armed set to group id. While playing the
// change lands on the next bar; while stopped it is immediate.
func (e *Engine) ApplyMuteGroup(id int) error {
	if e.learn.Swap(false) {
		return e.LearnMuteGroup(id)
	}
	bits, err := e.groups.Get(id)
	if err != nil {
		return err
	}
	e.applyBits(bits)
	return nil
}

func (e *Engine) applyBits(bits []bool) {
	running := e.Transport() == Playing
	for _, p := range e.Patterns() {
		want := p.id < len(bits) && bits[p.id]
		if running {
			p.setFlag(&p.queued, p.Armed() != want)
			continue
		}
		p.setFlag(&p.queued, false)
		p.setArmed(want)
	}
}

// Snapshot saves the armed set on first use and restores it on the next,
// immediately.
func (e *Engine) Snapshot(slot int) error {
	if slot < 0 || slot >= len(e.snapshots) {
		return newError(KindCapacity, "snapshot", "snapshot %d outside 0-%d", slot, len(e.snapshots)-1)
	}
	e.snapMu.Lock()
	saved := e.snapshots[slot]
	if saved == nil {
		e.snapshots[slot] = e.ArmedBits()
		e.snapMu.Unlock()
		return nil
	}
	e.snapshots[slot] = nil
	e.snapMu.Unlock()

	for _, p := range e.Patterns() {
		p.setFlag(&p.queued, false)
		p.setArmed(saved[p.id])
	}
	return nil
}

// Recording.

// ArmRecording routes input to pattern id and records it in mode. Only one
// pattern records at a time.
func (e *Engine) ArmRecording(id int, mode RecordMode, quantized bool) error {
	p, err := e.slot("arm recording", id)
	if err != nil {
		return err
	}
	if mode == RecordOff {
		return e.DisarmRecording(id)
	}
	if prev := e.bus.RecordTarget(); prev != id {
		if q := e.Pattern(prev); q != nil {
			q.disarmRecording()
		}
	}
	p.armRecording(mode, quantized, max(e.clock.NowPulses(), 0))
	e.bus.SetRecordTarget(id)
	debug.Log("engine", "recording pattern %d mode=%s quantized=%v", id, mode, quantized)
	return nil
}

func (e *Engine) DisarmRecording(id int) error {
	p, err := e.slot("disarm recording", id)
	if err != nil {
		return err
	}
	p.disarmRecording()
	if e.bus.RecordTarget() == id && !p.Thru() {
		e.bus.SetRecordTarget(-1)
	}
	return nil
}

// SetThru echoes input to the pattern's bus. Turning it on makes the
// pattern the input target.
func (e *Engine) SetThru(id int, on bool) error {
	p, err := e.slot("set thru", id)
	if err != nil {
		return err
	}
	p.setFlag(&p.thru, on)
	if on {
		e.bus.SetRecordTarget(id)
	} else if e.bus.RecordTarget() == id && p.Recording() == RecordOff {
		e.bus.SetRecordTarget(-1)
	}
	return nil
}

// Tempo.

// SetBPM changes the tempo without a jump in song position. Messages
// already queued keep their deadlines.
func (e *Engine) SetBPM(bpm float64) error {
	if err := e.clock.SetBPM(bpm); err != nil {
		return clockError("set bpm", err)
	}
	metrics.Get().Tempo.Set(e.clock.BPM())
	e.modified.Store(true)
	return nil
}

// TapBPM registers a tap and, from the second tap on, sets the tempo to the
// mean of the last taps. It returns the new tempo or 0.
func (e *Engine) TapBPM() float64 {
	now := e.src.Now()
	e.tapMu.Lock()
	if n := len(e.taps); n > 0 && now.Sub(e.taps[n-1]) > tapTimeout {
		e.taps = e.taps[:0]
	}
	e.taps = append(e.taps, now)
	if len(e.taps) > maxTaps {
		e.taps = e.taps[len(e.taps)-maxTaps:]
	}
	taps := append([]time.Time(nil), e.taps...)
	e.tapMu.Unlock()

	if len(taps) < 2 {
		return 0
	}
	mean := taps[len(taps)-1].Sub(taps[0]).Seconds() / float64(len(taps)-1)
	if mean <= 0 {
		return 0
	}
	bpm := math.Min(math.Max(60/mean, clock.MinBPM), clock.MaxBPM)
	if err := e.SetBPM(bpm); err != nil {
		return 0
	}
	return e.clock.BPM()
}

// SetPPQN changes the resolution while stopped, rescaling every pattern.
func (e *Engine) SetPPQN(ppqn int) error {
	e.tmu.Lock()
	defer e.tmu.Unlock()
	if e.Transport() != Stopped {
		return newError(KindTransport, "set ppqn", "transport is %s", e.Transport())
	}
	if err := e.clock.SetPPQN(ppqn); err != nil {
		return clockError("set ppqn", err)
	}
	for _, p := range e.Patterns() {
		p.rescalePPQN(int64(ppqn))
	}
	e.cfg.PPQN = ppqn
	e.barLen = barPulses(int64(ppqn), e.cfg.BeatsPerBar, e.cfg.BeatWidth)
	e.rewindLocked(0)
	e.modified.Store(true)
	return nil
}

// SetTimeSignature changes the global bar used for queueing.
func (e *Engine) SetTimeSignature(beatsPerBar, beatWidth int) error {
	e.tmu.Lock()
	defer e.tmu.Unlock()
	if err := validateTimeSignature("set time signature", int64(e.clock.PPQN()), beatsPerBar, beatWidth); err != nil {
		return err
	}
	e.cfg.BeatsPerBar, e.cfg.BeatWidth = beatsPerBar, beatWidth
	e.barLen = barPulses(int64(e.clock.PPQN()), beatsPerBar, beatWidth)
	e.nextBar = (floorDiv(e.lastPulse, e.barLen) + 1) * e.barLen
	e.modified.Store(true)
	return nil
}

// Transport. Each call waits for the tick in progress, so when it returns
// the output thread has seen the change.

// Start plays from the current position, or resumes after Pause.
func (e *Engine) Start() error {
	e.tmu.Lock()
	defer e.tmu.Unlock()
	now := e.src.Now()
	e.silenced.Store(false)
	switch e.Transport() {
	case Playing:
		return nil
	case Paused:
		e.clock.Start()
		e.bus.Continue(now)
	default:
		p := e.clock.NowPulses()
		e.rewindLocked(p)
		e.clock.Start()
		e.bus.Start(now, e.songPosition(p))
	}
	e.transport.Store(int32(Playing))
	e.bus.Flush(now)
	debug.Log("engine", "start at pulse %d, %.2f bpm", e.clock.NowPulses(), e.clock.BPM())
	e.notifyUpdate()
	return nil
}

// Stop halts playback, releases sounding notes and rewinds to zero.
func (e *Engine) Stop() error {
	e.tmu.Lock()
	defer e.tmu.Unlock()
	if e.Transport() == Stopped {
		return nil
	}
	now := e.src.Now()
	e.releaseAll(now)
	e.bus.Flush(now)
	e.bus.Stop(now)
	e.clock.Stop()
	e.clock.Reposition(0)
	e.rewindLocked(0)
	e.transport.Store(int32(Stopped))
	debug.Log("engine", "stop")
	e.notifyUpdate()
	return nil
}

// Pause halts playback in place. Start resumes.
func (e *Engine) Pause() error {
	e.tmu.Lock()
	defer e.tmu.Unlock()
	if e.Transport() != Playing {
		return nil
	}
	now := e.src.Now()
	e.releaseAll(now)
	e.bus.Flush(now)
	e.bus.Stop(now)
	e.clock.Stop()
	e.transport.Store(int32(Paused))
	e.notifyUpdate()
	return nil
}

// Reposition moves the song position. While playing, pos buses get a new
// song position pointer.
func (e *Engine) Reposition(pulse int64) error {
	if pulse < 0 {
		return newError(KindConfig, "reposition", "negative pulse %d", pulse)
	}
	e.tmu.Lock()
	defer e.tmu.Unlock()
	now := e.src.Now()
	e.releaseAll(now)
	e.clock.Reposition(pulse)
	e.rewindLocked(pulse)
	if e.Transport() == Playing {
		e.bus.Start(now, e.songPosition(pulse))
	}
	e.bus.Flush(now)
	return nil
}

// Panic stops the transport, drops everything queued and sends
// All-Notes-Off on every channel of every bus. Nothing more is emitted
// until Start.
func (e *Engine) Panic() {
	e.tmu.Lock()
	defer e.tmu.Unlock()
	now := e.src.Now()
	e.silenced.Store(true)
	e.clock.Stop()
	e.transport.Store(int32(Stopped))
	e.bus.Panic(now)
	e.bus.Stop(now)
	for _, p := range e.Patterns() {
		clear(p.play.sounding)
		p.play.oneShotEnd = 0
	}
	debug.Warn("panic: all notes off")
	e.notifyUpdate()
}

// SetMode switches between live and song playback.
func (e *Engine) SetMode(m Mode) {
	e.tmu.Lock()
	defer e.tmu.Unlock()
	if e.Mode() == m {
		return
	}
	now := e.src.Now()
	e.releaseAll(now)
	e.bus.Flush(now)
	e.mode.Store(int32(m))
	for _, p := range e.Patterns() {
		p.setFlag(&p.songActive, false)
	}
}

// SongEnd is the last pulse covered by a trigger, or -1.
func (e *Engine) SongEnd() int64 {
	e.tmu.Lock()
	defer e.tmu.Unlock()
	if e.index.stale(e.slots) {
		e.index.rebuild(e.slots)
	}
	return e.index.end()
}

// songPosition converts pulses to MIDI beats (sixteenth notes).
func (e *Engine) songPosition(p int64) uint16 {
	return uint16(min(p*4/int64(e.clock.PPQN()), math.MaxUint16>>2))
}

// rewindLocked makes the next tick start emitting at pulse p.
func (e *Engine) rewindLocked(p int64) {
	e.lastPulse = p - 1
	e.nextBar = (floorDiv(p, e.barLen) + 1) * e.barLen
	for _, pat := range e.Patterns() {
		pat.play.oneShotEnd = 0
		pat.setFlag(&pat.songActive, false)
	}
}

// Output thread.

// Run starts the output thread and the UI notifier. They stop when ctx is
// cancelled or Close is called.
func (e *Engine) Run(ctx context.Context) {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.cancel != nil {
		return
	}
	ctx, e.cancel = context.WithCancel(ctx)
	e.done = make(chan struct{})
	go e.uiLoop(ctx)
	go e.controlLoop(ctx)
	go e.outputLoop(ctx, e.done)
}

// Defer queues fn for the control goroutine. Input callbacks use it so a
// transport change never runs on a driver thread or the output thread. It
// reports false when the queue is full.
func (e *Engine) Defer(fn func()) bool {
	select {
	case e.actions <- fn:
		return true
	default:
		debug.WarnEvery(10, "control action queue full")
		return false
	}
}

func (e *Engine) controlLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-e.actions:
			fn()
			e.notifyUpdate()
		}
	}
}

// Close stops the output thread and waits for it.
func (e *Engine) Close() error {
	e.runMu.Lock()
	cancel, done := e.cancel, e.done
	e.cancel = nil
	e.runMu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return e.Stop()
}

func (e *Engine) outputLoop(ctx context.Context, done chan struct{}) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(done)

	ticker := time.NewTicker(e.cfg.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.tick(e.src.Now())
		}
	}
}

func (e *Engine) uiLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Second / uiFPS)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if e.Transport() == Playing || e.Dirty() {
				e.notifyUpdate()
			}
		}
	}
}

// notifyUpdate notifies the TUI without blocking
func (e *Engine) notifyUpdate() {
	select {
	case e.UpdateChan <- struct{}{}:
	default:
	}
}

// tick advances playback to now: bar boundaries, pattern events, MIDI
// clock, then input, then a flush of everything due.
func (e *Engine) tick(now time.Time) {
	e.tmu.Lock()
	defer e.tmu.Unlock()
	defer e.recoverTick()

	started := time.Now()
	m := metrics.Get()
	e.ticks.Add(1)
	m.TicksTotal.Inc()
	if !e.lastTick.IsZero() && now.Sub(e.lastTick) > 2*e.cfg.Tick {
		e.lateTicks.Add(1)
		debug.LogEvery(100, "engine", "late tick: %v since the last one", now.Sub(e.lastTick))
	}
	e.lastTick = now

	playing := e.Transport() == Playing && !e.silenced.Load()
	if playing {
		e.advance(now)
	}
	e.drainInput(now, playing)
	e.bus.Flush(now)
	m.TickDuration.Observe(time.Since(started).Seconds())
}

func (e *Engine) recoverTick() {
	if r := recover(); r != nil {
		debug.Error("output tick panicked", "err", fmt.Sprint(r))
	}
}

func (e *Engine) advance(now time.Time) {
	from := e.lastPulse
	to := e.clock.NowPulses()
	if to <= from {
		return
	}
	song := e.Mode() == ModeSong
	for e.nextBar <= to {
		b := e.nextBar
		e.emit(from, b-1, now, song)
		if !song {
			e.barBoundary(b)
		}
		metrics.Get().BarsTotal.Inc()
		from = b - 1
		e.nextBar += e.barLen
	}
	e.emit(from, to, now, song)
	e.emitClocks(e.lastPulse, to)
	e.lastPulse = to
}

func (e *Engine) emit(from, to int64, now time.Time, song bool) {
	if to <= from {
		return
	}
	if song {
		e.emitSong(from, to, now)
		return
	}
	e.emitLive(from, to, now)
}

func (e *Engine) emitLive(from, to int64, now time.Time) {
	for i := range e.slots {
		p := e.slots[i].Load()
		if p == nil {
			continue
		}
		if !p.Armed() {
			if p.play.oneShotEnd > 0 {
				p.play.oneShotEnd = 0
				p.setFlag(&p.oneShot, false)
			}
			e.releaseNotes(p, now)
			continue
		}
		d := p.snapshot()
		anchor, hi := int64(0), to
		end := p.play.oneShotEnd
		switch {
		case end > 0:
			anchor, hi = p.play.oneShotStart, min(to, end-1)
		case p.Recording() == RecordExpand:
			anchor = p.expandAnchor()
		}
		e.emitRange(p, d, from, hi, anchor)
		if end > 0 && to >= end {
			e.releaseNotesAt(p, end)
			p.play.oneShotEnd = 0
			p.setFlag(&p.oneShot, false)
			p.setArmed(false)
		}
	}
}

func (e *Engine) emitSong(from, to int64, now time.Time) {
	if e.index.stale(e.slots) {
		e.index.rebuild(e.slots)
	}
	ids := e.index.patternsIn(from, to)
	for i := range e.slots {
		p := e.slots[i].Load()
		if p == nil {
			continue
		}
		if k := sort.SearchInts(ids, p.id); k == len(ids) || ids[k] != p.id {
			// A trigger removed while it played leaves notes behind.
			e.releaseNotes(p, now)
			p.setFlag(&p.songActive, false)
			continue
		}
		d := p.snapshot()
		active := false
		j := sort.Search(len(d.triggers), func(j int) bool { return d.triggers[j].End > from })
		for ; j < len(d.triggers) && d.triggers[j].Start <= to; j++ {
			t := d.triggers[j]
			e.emitRange(p, d, max(from, t.Start-1), min(to, t.End), t.Start-t.Offset)
			if t.End <= to {
				e.releaseNotesAt(p, t.End)
			} else {
				active = true
			}
		}
		p.setFlag(&p.songActive, active)
	}
}

// barBoundary runs the live-mode state changes due at bar pulse b.
func (e *Engine) barBoundary(b int64) {
	armed := 0
	for i := range e.slots {
		p := e.slots[i].Load()
		if p == nil {
			continue
		}
		was := p.Armed()
		switch {
		case p.Queued():
			p.setFlag(&p.queued, false)
			p.setFlag(&p.snapOff, false)
			p.setArmed(!was)
			if was {
				e.releaseNotesAt(p, b)
			}
		case was && p.SnapOff():
			p.setFlag(&p.snapOff, false)
			p.setArmed(false)
			e.releaseNotesAt(p, b)
		case p.OneShot() && p.play.oneShotEnd == 0:
			if was {
				p.setFlag(&p.oneShot, false)
				break
			}
			p.play.oneShotStart = b
			p.play.oneShotEnd = b + p.Length()
			p.setArmed(true)
		}
		if p.Recording() == RecordExpand {
			bar := p.BarLength()
			for b-p.expandAnchor() >= p.Length() {
				p.grow(bar)
			}
		}
		if p.Armed() {
			armed++
		}
	}
	metrics.Get().ArmedPatterns.Set(float64(armed))
}

// emitRange sends the events of p whose song pulse falls in (from, to],
// with pattern tick 0 at anchor modulo the pattern length.
func (e *Engine) emitRange(p *Pattern, d *patternData, from, to, anchor int64) {
	if to <= from || d.events.Len() == 0 {
		return
	}
	L := d.length
	n := d.events.Len()
	for k := floorDiv(from-anchor, L) - 1; k <= floorDiv(to-anchor, L); k++ {
		base := anchor + k*L
		lo, hi := from-base, to-base
		if hi < 0 || lo >= L {
			continue
		}
		for i := d.events.LowerBound(lo + 1); i < n; i++ {
			ev := d.events.At(i)
			if ev.Tick > hi || ev.Tick > L {
				break
			}
			if ev.Tick == L && !ev.IsNoteOff() {
				continue
			}
			e.send(p, d, ev, base+ev.Tick)
		}
	}
}

// send queues one pattern event. Note-Offs for notes that never went out
// are skipped.
func (e *Engine) send(p *Pattern, d *patternData, ev midi.Event, pulse int64) {
	msg := ev.Message()
	if msg == nil {
		return
	}
	if d.channel != ChannelFree && ev.Status < midi.SysEx {
		msg[0] = ev.Kind() | byte(d.channel)
	}
	if ev.IsNote() {
		k := soundKey{bus: d.bus, channel: msg[0] & 0x0F, key: ev.Key()}
		if ev.IsNoteOn() {
			p.play.sounding[k]++
		} else {
			n := p.play.sounding[k]
			if n == 0 {
				return
			}
			if n == 1 {
				delete(p.play.sounding, k)
			} else {
				p.play.sounding[k] = n - 1
			}
		}
	}
	e.submit(d.bus, e.clock.PulseToWall(pulse), p.id, msg)
}

func (e *Engine) submit(b int, deadline time.Time, pattern int, msg []byte) {
	if err := e.bus.Submit(b, deadline, pattern, msg); err != nil {
		e.submitErrors.Add(1)
		debug.WarnEvery(100, "submit failed", "bus", b, "pattern", pattern, "err", err)
	}
}

func (e *Engine) releaseNotesAt(p *Pattern, pulse int64) {
	e.releaseNotes(p, e.clock.PulseToWall(pulse))
}

// releaseNotes sends a Note-Off for everything p has sounding.
func (e *Engine) releaseNotes(p *Pattern, deadline time.Time) {
	if len(p.play.sounding) == 0 {
		return
	}
	keys := make([]soundKey, 0, len(p.play.sounding))
	for k := range p.play.sounding {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a.bus != b.bus {
			return a.bus < b.bus
		}
		if a.channel != b.channel {
			return a.channel < b.channel
		}
		return a.key < b.key
	})
	for _, k := range keys {
		off := midi.NewNoteOff(0, k.channel, k.key, midi.DefaultOffVelocity)
		e.submit(k.bus, deadline, p.id, off.Message())
	}
	clear(p.play.sounding)
}

func (e *Engine) releaseAll(now time.Time) {
	for _, p := range e.Patterns() {
		e.releaseNotes(p, now)
		p.play.oneShotEnd = 0
	}
}

// emitClocks queues the 24-PPQN clocks falling in (from, to].
func (e *Engine) emitClocks(from, to int64) {
	for n := e.clock.MIDIClockIndex(from) + 1; n <= e.clock.MIDIClockIndex(to); n++ {
		e.bus.Clock(e.clock.PulseToWall(e.clock.MIDIClockPulse(n)))
	}
}

// drainInput routes queued input to the input target: thru first, then
// recording while playing.
func (e *Engine) drainInput(now time.Time, playing bool) {
	for {
		select {
		case in := <-e.bus.Incoming():
			e.route(in, now, playing)
		default:
			return
		}
	}
}

func (e *Engine) route(in bus.Incoming, now time.Time, playing bool) {
	ev, ok := midi.FromMessage(0, in.Msg)
	if !ok {
		return
	}
	p := e.Pattern(e.bus.RecordTarget())
	if p == nil {
		return
	}
	if p.Thru() && !e.silenced.Load() {
		d := p.snapshot()
		msg := ev.Message()
		if msg != nil {
			if d.channel != ChannelFree && ev.Status < midi.SysEx {
				msg[0] = ev.Kind() | byte(d.channel)
			}
			if err := e.bus.SendNow(d.bus, msg, now); err != nil {
				e.submitErrors.Add(1)
			}
		}
	}
	if !playing || p.Recording() == RecordOff {
		return
	}
	if err := p.record(ev, e.clock.WallToPulse(in.At)); err != nil {
		e.recordErrors.Add(1)
		metrics.Get().RecordErrors.Inc()
		debug.WarnEvery(50, "record failed", "pattern", p.id, "err", err)
	}
}

// Stats returns the engine and bus counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Ticks:        e.ticks.Load(),
		LateTicks:    e.lateTicks.Load(),
		RecordErrors: e.recordErrors.Load(),
		SubmitErrors: e.submitErrors.Load(),
		InputDropped: e.bus.InputDropped(),
		Buses:        e.bus.Stats(),
	}
}

// Dirty reports whether any pattern changed since the display last looked.
// It does not clear the per-pattern flags.
func (e *Engine) Dirty() bool {
	for _, p := range e.Patterns() {
		if p.Dirty() {
			return true
		}
	}
	return false
}

// TakeDirty clears every pattern's dirty flag and reports whether any was
// set.
func (e *Engine) TakeDirty() bool {
	dirty := false
	for _, p := range e.Patterns() {
		if p.TakeDirty() {
			dirty = true
		}
	}
	return dirty
}

// Modified reports edits since the last MarkSaved.
func (e *Engine) Modified() bool {
	if e.modified.Load() {
		return true
	}
	for _, p := range e.Patterns() {
		if p.Modified() {
			return true
		}
	}
	return false
}

func (e *Engine) MarkSaved() {
	e.modified.Store(false)
	for _, p := range e.Patterns() {
		p.markSaved()
	}
}

package bus

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	gomidi "gitlab.com/gomidi/midi/v2"

	"go-perform/debug"
	"go-perform/metrics"
)

// DefaultQueueCapacity bounds each output queue.
const DefaultQueueCapacity = 4096

// NoPattern tags messages that do not come from a pattern (clock, panic).
const NoPattern = -1

var ErrNoBus = errors.New("bus: no such bus")

// Incoming is a message heard on an input bus.
type Incoming struct {
	Bus int
	Msg gomidi.Message
	At  time.Time
}

type input struct {
	name    string
	enabled atomic.Bool
	closer  io.Closer
}

// Master fans timestamped messages out to output buses and collects input
// from input buses.
type Master struct {
	mu       sync.RWMutex
	outputs  []*Output
	inputs   []*input
	capacity int

	incoming  chan Incoming
	inDropped atomic.Uint64
	control   atomic.Pointer[func(Incoming) bool]
	recordOn  atomic.Int64
	external  atomic.Bool // another device is clock master
}

// NewMaster creates a master whose output queues hold up to capacity
// messages each (DefaultQueueCapacity when zero).
func NewMaster(capacity int) *Master {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	m := &Master{
		capacity: capacity,
		incoming: make(chan Incoming, 256),
	}
	m.recordOn.Store(-1)
	return m
}

// AddOutput registers an output bus and returns its index.
func (m *Master) AddOutput(name string, out Sender, clock ClockPolicy) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outputs = append(m.outputs, newOutput(name, out, clock, m.capacity))
	return len(m.outputs) - 1
}

// AddInput registers an input bus and returns its index. closer, if not
// nil, is closed with the master.
func (m *Master) AddInput(name string, enabled bool, closer io.Closer) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	in := &input{name: name, closer: closer}
	in.enabled.Store(enabled)
	m.inputs = append(m.inputs, in)
	return len(m.inputs) - 1
}

func (m *Master) OutputCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.outputs)
}

func (m *Master) InputCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.inputs)
}

// Output returns output bus i, or nil.
func (m *Master) Output(i int) *Output {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if i < 0 || i >= len(m.outputs) {
		return nil
	}
	return m.outputs[i]
}

func (m *Master) InputName(i int) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if i < 0 || i >= len(m.inputs) {
		return ""
	}
	return m.inputs[i].name
}

func (m *Master) snapshotOutputs() []*Output {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.outputs
}

// Submit queues msg on a bus for the given deadline. Messages with equal
// deadlines go out in pattern order, then submission order.
func (m *Master) Submit(bus int, deadline time.Time, pattern int, msg gomidi.Message) error {
	o := m.Output(bus)
	if o == nil {
		return fmt.Errorf("%w: %d", ErrNoBus, bus)
	}
	o.submit(deadline, pattern, msg)
	return nil
}

// Flush writes everything due at now on every bus and returns the number
// of messages written.
func (m *Master) Flush(now time.Time) int {
	n := 0
	for _, o := range m.snapshotOutputs() {
		n += o.flush(now)
	}
	return n
}

// Panic discards every queued message and sends All-Notes-Off (CC 123) on
// all 16 channels of every output bus immediately.
func (m *Master) Panic(now time.Time) {
	for _, o := range m.snapshotOutputs() {
		if n := o.clear(); n > 0 {
			debug.Log("bus", "panic: discarded %d queued on %s", n, o.name)
		}
		for ch := uint8(0); ch < 16; ch++ {
			if err := o.sendNow(gomidi.ControlChange(ch, 123, 0), now); err != nil {
				debug.Warn("panic send failed", "bus", o.name, "channel", ch, "err", err)
			}
		}
	}
}

// Real-time messages, routed by each bus's clock policy. They are queued
// like pattern messages so they stay in deadline order.

// Clock queues one 24-PPQN timing clock on every pos bus, and on mod buses
// while another device is clock master.
func (m *Master) Clock(deadline time.Time) {
	for _, o := range m.snapshotOutputs() {
		if o.clock == ClockPos || (o.clock == ClockMod && m.external.Load()) {
			o.submit(deadline, NoPattern, gomidi.TimingClock())
		}
	}
}

// Start announces playback from songPos (in MIDI beats, 1/16 notes) on pos
// buses: Start from zero, otherwise Song Position followed by Continue.
func (m *Master) Start(deadline time.Time, songPos uint16) {
	for _, o := range m.snapshotOutputs() {
		if o.clock != ClockPos {
			continue
		}
		if songPos == 0 {
			o.submit(deadline, NoPattern, gomidi.Start())
			continue
		}
		o.submit(deadline, NoPattern, gomidi.SPP(songPos))
		o.submit(deadline, NoPattern, gomidi.Continue())
	}
}

// Continue resumes pos buses after a pause.
func (m *Master) Continue(deadline time.Time) {
	for _, o := range m.snapshotOutputs() {
		if o.clock == ClockPos {
			o.submit(deadline, NoPattern, gomidi.Continue())
		}
	}
}

// Stop halts pos buses. It bypasses the queue so it is not held behind
// messages that will never be flushed.
func (m *Master) Stop(now time.Time) {
	for _, o := range m.snapshotOutputs() {
		if o.clock == ClockPos {
			_ = o.sendNow(gomidi.Stop(), now)
		}
	}
}

// ClearQueues discards everything queued on every bus.
func (m *Master) ClearQueues() {
	for _, o := range m.snapshotOutputs() {
		o.clear()
	}
}

// SendNow writes msg on a bus immediately, bypassing the queue (thru).
func (m *Master) SendNow(bus int, msg gomidi.Message, now time.Time) error {
	o := m.Output(bus)
	if o == nil {
		return fmt.Errorf("%w: %d", ErrNoBus, bus)
	}
	return o.sendNow(msg, now)
}

// SetInput enables or disables an input bus.
func (m *Master) SetInput(i int, enabled bool) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if i < 0 || i >= len(m.inputs) {
		return fmt.Errorf("%w: input %d", ErrNoBus, i)
	}
	m.inputs[i].enabled.Store(enabled)
	return nil
}

func (m *Master) InputEnabled(i int) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return i >= 0 && i < len(m.inputs) && m.inputs[i].enabled.Load()
}

// SetControlHook installs a filter that sees every input message first.
// Messages it reports as consumed never reach the incoming queue.
func (m *Master) SetControlHook(fn func(Incoming) bool) {
	if fn == nil {
		m.control.Store(nil)
		return
	}
	m.control.Store(&fn)
}

// Deliver is called from an input port's thread. It must not block.
func (m *Master) Deliver(bus int, msg gomidi.Message, at time.Time) {
	if !m.InputEnabled(bus) {
		return
	}
	// Drivers may reuse the buffer.
	msg = append(gomidi.Message(nil), msg...)
	// Real-time input only tells us whether another device runs the clock.
	if len(msg) > 0 && msg[0] >= 0xF8 {
		switch msg[0] {
		case 0xFA, 0xFB: // start, continue
			m.SetExternalMaster(true)
		case 0xFC: // stop
			m.SetExternalMaster(false)
		}
		return
	}
	in := Incoming{Bus: bus, Msg: msg, At: at}
	if fn := m.control.Load(); fn != nil && (*fn)(in) {
		return
	}
	select {
	case m.incoming <- in:
	default:
		m.inDropped.Add(1)
		metrics.Get().EventsDropped.WithLabelValues(m.InputName(bus), "input").Inc()
		debug.WarnEvery(100, "input queue full, message dropped", "bus", m.InputName(bus))
	}
}

// SetExternalMaster records whether another device is running the clock.
// Start and Continue heard on an input set it; Stop clears it.
func (m *Master) SetExternalMaster(on bool) {
	if m.external.Swap(on) != on {
		debug.Info("external clock master", "running", on)
	}
}

func (m *Master) ExternalMaster() bool { return m.external.Load() }

// Incoming is drained by the engine's output thread.
func (m *Master) Incoming() <-chan Incoming {
	return m.incoming
}

// SetRecordTarget selects the pattern incoming notes are routed to
// (-1 for none).
func (m *Master) SetRecordTarget(pattern int) {
	m.recordOn.Store(int64(pattern))
}

func (m *Master) RecordTarget() int {
	return int(m.recordOn.Load())
}

// Stats returns per-output counters.
func (m *Master) Stats() []Stats {
	outs := m.snapshotOutputs()
	st := make([]Stats, len(outs))
	for i, o := range outs {
		st[i] = o.Stats()
	}
	return st
}

// InputDropped counts input messages lost to a full queue.
func (m *Master) InputDropped() uint64 {
	return m.inDropped.Load()
}

// Close releases input ports.
func (m *Master) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var errs []error
	for _, in := range m.inputs {
		if in.closer != nil {
			if err := in.closer.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

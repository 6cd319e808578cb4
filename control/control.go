// Package control maps incoming MIDI control messages onto performance
// actions.
package control

import (
	"errors"
	"fmt"
	"math"
	"sync/atomic"

	"go-perform/bus"
	"go-perform/debug"
)

// Action names a performance action a binding triggers.
type Action string

const (
	ActionToggle    Action = "toggle"   // pattern Index of the playing set
	ActionQueue     Action = "queue"    // pattern Index of the playing set
	ActionOneShot   Action = "one-shot" // pattern Index of the playing set
	ActionBPM       Action = "bpm"      // continuous: value scaled to Min..Max
	ActionBPMUp     Action = "bpm-up"
	ActionBPMDown   Action = "bpm-down"
	ActionScreenSet Action = "screen-set" // continuous: value scaled to Min..Max
	ActionKeepQueue Action = "keep-queue" // held while the value is in range
	ActionSnapshot1 Action = "snapshot-1"
	ActionSnapshot2 Action = "snapshot-2"
	ActionTap       Action = "tap"
	ActionMuteGroup Action = "mute-group" // group Index
	ActionMuteLearn Action = "mute-learn"
	ActionStart     Action = "start"
	ActionStop      Action = "stop"
	ActionPanic     Action = "panic"
)

type actionKind int

const (
	momentary actionKind = iota
	held
	continuous
)

var actions = map[Action]actionKind{
	ActionToggle:    momentary,
	ActionQueue:     momentary,
	ActionOneShot:   momentary,
	ActionBPM:       continuous,
	ActionBPMUp:     momentary,
	ActionBPMDown:   momentary,
	ActionScreenSet: continuous,
	ActionKeepQueue: held,
	ActionSnapshot1: momentary,
	ActionSnapshot2: momentary,
	ActionTap:       momentary,
	ActionMuteGroup: momentary,
	ActionMuteLearn: momentary,
	ActionStart:     momentary,
	ActionStop:      momentary,
	ActionPanic:     momentary,
}

// DefaultBPMStep is the change made by bpm-up and bpm-down.
const DefaultBPMStep = 1.0

var ErrBinding = errors.New("control: invalid binding")

// Input is one control message as heard on an input bus.
type Input struct {
	Bus     int
	Channel uint8
	Status  uint8 // high nibble; Note-On with velocity 0 arrives as Note-Off
	D0, D1  uint8
}

// InputFrom decodes a channel voice message. System messages are not
// control input.
func InputFrom(b int, msg []byte) (Input, bool) {
	if len(msg) < 2 || msg[0] < 0x80 || msg[0] >= 0xF0 {
		return Input{}, false
	}
	in := Input{Bus: b, Status: msg[0] & 0xF0, Channel: msg[0] & 0x0F, D0: msg[1]}
	if len(msg) > 2 {
		in.D1 = msg[2]
	}
	if in.Status == 0x90 && in.D1 == 0 {
		in.Status = 0x80
	}
	return in, true
}

// Binding ties a message pattern to an action. Bus and Channel count from
// 1; zero matches any.
type Binding struct {
	Action  Action `mapstructure:"action" yaml:"action"`
	Index   int    `mapstructure:"index" yaml:"index,omitempty"`
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Bus     int    `mapstructure:"bus" yaml:"bus,omitempty"`
	Channel int    `mapstructure:"channel" yaml:"channel,omitempty"`
	Status  int    `mapstructure:"status" yaml:"status"`
	Data    int    `mapstructure:"data" yaml:"data"`
	Min     int    `mapstructure:"min" yaml:"min"`
	Max     int    `mapstructure:"max" yaml:"max"`
	Inverse bool   `mapstructure:"inverse" yaml:"inverse,omitempty"`
}

func (b Binding) validate() error {
	if _, ok := actions[b.Action]; !ok {
		return fmt.Errorf("%w: unknown action %q", ErrBinding, b.Action)
	}
	if b.Status < 0x80 || b.Status > 0xE0 || b.Status&0x0F != 0 {
		return fmt.Errorf("%w: %s: status %#x is not a channel message kind", ErrBinding, b.Action, b.Status)
	}
	if b.Data < 0 || b.Data > 127 {
		return fmt.Errorf("%w: %s: data %d outside 0-127", ErrBinding, b.Action, b.Data)
	}
	if b.Channel < 0 || b.Channel > 16 || b.Bus < 0 || b.Index < 0 {
		return fmt.Errorf("%w: %s: bad channel, bus or index", ErrBinding, b.Action)
	}
	if actions[b.Action] != continuous && (b.Min < 0 || b.Max > 127 || b.Min > b.Max) {
		return fmt.Errorf("%w: %s: range %d-%d", ErrBinding, b.Action, b.Min, b.Max)
	}
	if actions[b.Action] == continuous && b.Min > b.Max {
		return fmt.Errorf("%w: %s: range %d-%d", ErrBinding, b.Action, b.Min, b.Max)
	}
	return nil
}

func (b Binding) accepts(in Input) bool {
	return b.Enabled &&
		(b.Bus == 0 || b.Bus-1 == in.Bus) &&
		(b.Channel == 0 || b.Channel-1 == int(in.Channel))
}

// inRange reports whether a momentary or held binding is "pressed".
func (b Binding) inRange(v uint8) bool {
	in := int(v) >= b.Min && int(v) <= b.Max
	return in != b.Inverse
}

// scale maps 0-127 onto Min..Max.
func (b Binding) scale(v uint8) float64 {
	x := float64(v) / 127
	if b.Inverse {
		x = 1 - x
	}
	return float64(b.Min) + x*float64(b.Max-b.Min)
}

// Performer is the part of the engine the control map drives.
type Performer interface {
	SlotID(index int) int
	Toggle(id int) error
	Queue(id int) error
	OneShot(id int) error
	BPM() float64
	SetBPM(bpm float64) error
	TapBPM() float64
	SetPlayingSet(set int) error
	SetKeepQueue(on bool)
	Snapshot(slot int) error
	ApplyMuteGroup(id int) error
	SetLearn(on bool)
	Start() error
	Stop() error
	Panic()
}

type key struct{ status, data uint8 }

type table struct {
	bindings []Binding
	byKey    map[key][]int
}

// Map resolves control input against a binding table. The table is
// replaced wholesale by Rebuild; lookups never lock.
type Map struct {
	perf  Performer
	table atomic.Pointer[table]
	step  atomic.Uint64 // math.Float64bits of the bpm step
	exec  func(func()) bool
}

// New builds a map over perf. exec, when not nil, runs actions off the
// caller's goroutine (the engine's Defer); otherwise they run inline.
func New(perf Performer, bindings []Binding, exec func(func()) bool) (*Map, error) {
	m := &Map{perf: perf, exec: exec}
	m.SetBPMStep(DefaultBPMStep)
	if err := m.Rebuild(bindings); err != nil {
		return nil, err
	}
	return m, nil
}

// SetBPMStep sets the change made by bpm-up and bpm-down.
func (m *Map) SetBPMStep(step float64) {
	if step <= 0 {
		step = DefaultBPMStep
	}
	m.step.Store(math.Float64bits(step))
}

func (m *Map) BPMStep() float64 { return math.Float64frombits(m.step.Load()) }

// Rebuild validates bindings and swaps them in. On error the old table
// stays.
func (m *Map) Rebuild(bindings []Binding) error {
	t := &table{
		bindings: append([]Binding(nil), bindings...),
		byKey:    make(map[key][]int),
	}
	for i, b := range t.bindings {
		if err := b.validate(); err != nil {
			return fmt.Errorf("binding %d: %w", i, err)
		}
		k := key{uint8(b.Status), uint8(b.Data)}
		t.byKey[k] = append(t.byKey[k], i)
	}
	m.table.Store(t)
	debug.Log("ctrl", "control map rebuilt: %d bindings", len(bindings))
	return nil
}

// Bindings returns a copy of the current table.
func (m *Map) Bindings() []Binding {
	return append([]Binding(nil), m.table.Load().bindings...)
}

// Resolve returns the enabled bindings matching in.
func (m *Map) Resolve(in Input) []Binding {
	t := m.table.Load()
	var out []Binding
	for _, i := range t.byKey[key{in.Status, in.D0}] {
		if b := t.bindings[i]; b.accepts(in) {
			out = append(out, b)
		}
	}
	return out
}

// Handle performs every binding matching in and reports whether the
// message was a control message. The Note-Off releasing a pad bound as a
// Note-On is consumed too; it only lets go of held actions.
func (m *Map) Handle(in Input) bool {
	matched := m.Resolve(in)
	for _, b := range matched {
		if fn := m.action(b, in.D1); fn != nil {
			m.run(b.Action, fn)
		}
	}
	if len(matched) > 0 || in.Status != 0x80 {
		return len(matched) > 0
	}

	press := in
	press.Status = 0x90
	released := m.Resolve(press)
	for _, b := range released {
		if actions[b.Action] == held {
			m.run(b.Action, m.action(b, 0))
		}
	}
	return len(released) > 0
}

// Hook adapts Handle for bus.Master.SetControlHook.
func (m *Map) Hook() func(bus.Incoming) bool {
	return func(inc bus.Incoming) bool {
		in, ok := InputFrom(inc.Bus, inc.Msg)
		if !ok {
			return false
		}
		return m.Handle(in)
	}
}

func (m *Map) run(a Action, fn func() error) {
	do := func() {
		if err := fn(); err != nil {
			debug.Warn("control action failed", "action", a, "err", err)
		}
	}
	if m.exec == nil {
		do()
		return
	}
	if !m.exec(do) {
		debug.Warn("control action dropped", "action", a)
	}
}

// action returns what binding b does for value v, or nil.
func (m *Map) action(b Binding, v uint8) func() error {
	p := m.perf
	switch actions[b.Action] {
	case continuous:
		x := b.scale(v)
		switch b.Action {
		case ActionBPM:
			return func() error { return p.SetBPM(x) }
		case ActionScreenSet:
			return func() error { return p.SetPlayingSet(int(x + 0.5)) }
		}
		return nil
	case held:
		on := b.inRange(v)
		return func() error { p.SetKeepQueue(on); return nil }
	}

	if !b.inRange(v) {
		return nil
	}
	switch b.Action {
	case ActionToggle:
		return func() error { return p.Toggle(p.SlotID(b.Index)) }
	case ActionQueue:
		return func() error { return p.Queue(p.SlotID(b.Index)) }
	case ActionOneShot:
		return func() error { return p.OneShot(p.SlotID(b.Index)) }
	case ActionBPMUp:
		return func() error { return p.SetBPM(p.BPM() + m.BPMStep()) }
	case ActionBPMDown:
		return func() error { return p.SetBPM(p.BPM() - m.BPMStep()) }
	case ActionSnapshot1:
		return func() error { return p.Snapshot(0) }
	case ActionSnapshot2:
		return func() error { return p.Snapshot(1) }
	case ActionTap:
		return func() error { p.TapBPM(); return nil }
	case ActionMuteGroup:
		return func() error { return p.ApplyMuteGroup(b.Index) }
	case ActionMuteLearn:
		return func() error { p.SetLearn(true); return nil }
	case ActionStart:
		return p.Start
	case ActionStop:
		return p.Stop
	case ActionPanic:
		return func() error { p.Panic(); return nil }
	}
	return nil
}

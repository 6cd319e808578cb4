package sequencer

import (
	"sync"
	"sync/atomic"

	"go-perform/midi"
)

// ChannelFree leaves every event on its own channel.
const ChannelFree = -1

// RecordMode selects how incoming events are written into a pattern.
type RecordMode int32

const (
	RecordOff RecordMode = iota
	RecordMerge
	RecordOverwrite
	RecordExpand
)

func (m RecordMode) String() string {
	switch m {
	case RecordMerge:
		return "merge"
	case RecordOverwrite:
		return "overwrite"
	case RecordExpand:
		return "expand"
	}
	return "off"
}

// PatternSpec is the editorial content of a pattern, as loaded from or
// saved to a song.
type PatternSpec struct {
	Name         string
	Length       int64 // pulses; 0 means one bar
	BeatsPerBar  int
	BeatWidth    int
	Bus          int
	Channel      int
	Color        int
	Transposable bool
	Snap         int64 // quantize grid; 0 means a sixteenth
	Events       []midi.Event
	Triggers     []Trigger
}

// patternData is the published, read-only view of a pattern. The output
// thread reads it without locking; editors build a new one and swap it in.
type patternData struct {
	events       *midi.EventList
	triggers     []Trigger
	length       int64
	beatsPerBar  int
	beatWidth    int
	bus          int
	channel      int
	name         string
	color        int
	transposable bool
	snap         int64
}

// Pattern is one loopable track.
//
// Editorial state lives behind mu and is only changed through methods that
// finish by publishing a fresh patternData. Playback flags are atomics so
// the UI can flip them while the output thread reads them.
type Pattern struct {
	id   int
	ppqn int64

	mu       sync.Mutex
	events   *midi.EventList
	triggers *TriggerList
	meta     patternData // scalar fields; events/triggers unused here
	rec      recordState

	data atomic.Pointer[patternData]

	armed   atomic.Bool
	queued  atomic.Bool
	oneShot atomic.Bool
	snapOff atomic.Bool

	recMode   atomic.Int32
	quantized atomic.Bool
	thru      atomic.Bool

	songActive atomic.Bool
	recAnchor  atomic.Int64 // expand mode: song pulse of local tick 0

	dirty    atomic.Bool // redraw needed
	modified atomic.Bool // unsaved edits

	// Output-thread-only playback state.
	play playState
}

// soundKey identifies a note as it went out on the wire.
type soundKey struct {
	bus          int
	channel, key byte
}

type playState struct {
	sounding     map[soundKey]int
	oneShotStart int64 // first pulse of a running one-shot
	oneShotEnd   int64 // pulse at which it stops; 0 = none
}

func newPattern(id int, ppqn int64, spec PatternSpec, undoDepth int) (*Pattern, error) {
	if spec.BeatsPerBar == 0 {
		spec.BeatsPerBar = 4
	}
	if spec.BeatWidth == 0 {
		spec.BeatWidth = 4
	}
	if err := validateTimeSignature("new pattern", ppqn, spec.BeatsPerBar, spec.BeatWidth); err != nil {
		return nil, err
	}
	if spec.Length == 0 {
		spec.Length = barPulses(ppqn, spec.BeatsPerBar, spec.BeatWidth)
	}
	if err := validateLength("new pattern", ppqn, spec.Length, spec.BeatWidth); err != nil {
		return nil, err
	}
	if err := validateChannel("new pattern", spec.Channel); err != nil {
		return nil, err
	}
	if spec.Snap < 0 {
		return nil, newError(KindConfig, "new pattern", "snap %d must be positive", spec.Snap)
	}
	if spec.Snap == 0 {
		spec.Snap = ppqn / 4
	}

	p := &Pattern{
		id:       id,
		ppqn:     ppqn,
		events:   &midi.EventList{},
		triggers: NewTriggerList(spec.Length, undoDepth),
		meta: patternData{
			length:       spec.Length,
			beatsPerBar:  spec.BeatsPerBar,
			beatWidth:    spec.BeatWidth,
			bus:          spec.Bus,
			channel:      spec.Channel,
			name:         spec.Name,
			color:        spec.Color,
			transposable: spec.Transposable,
			snap:         spec.Snap,
		},
		play: playState{sounding: make(map[soundKey]int)},
	}
	for _, e := range spec.Events {
		if e.Valid() {
			p.events.Insert(e)
		}
	}
	if hasLinks(spec.Events) {
		if err := p.events.Verify(); err != nil {
			p.events.LinkNotes(spec.Length, false)
		}
	} else {
		p.events.LinkNotes(spec.Length, false)
	}
	p.triggers = NewTriggerListFrom(spec.Triggers, spec.Length, undoDepth)
	if err := p.triggers.Verify(); err != nil {
		// Overlapping input: let later triggers carve earlier ones.
		p.triggers = NewTriggerList(spec.Length, undoDepth)
		for _, t := range spec.Triggers {
			if _, err := p.triggers.Add(t.Start, t.End, t.Offset); err != nil {
				return nil, err
			}
		}
		p.triggers = NewTriggerListFrom(p.triggers.Triggers(), spec.Length, undoDepth)
	}
	for i := range p.triggers.triggers {
		p.triggers.triggers[i].Offset = p.triggers.wrap(p.triggers.triggers[i].Offset)
		p.triggers.triggers[i].Selected = false
	}
	p.publishLocked()
	return p, nil
}

// NewTriggerListFrom builds a list with no history.
func NewTriggerListFrom(triggers []Trigger, length int64, undoDepth int) *TriggerList {
	tl := NewTriggerList(length, undoDepth)
	tl.triggers = append([]Trigger(nil), triggers...)
	return tl
}

func hasLinks(events []midi.Event) bool {
	for _, e := range events {
		if e.Link != 0 {
			return true
		}
	}
	return false
}

func barPulses(ppqn int64, beatsPerBar, beatWidth int) int64 {
	return int64(beatsPerBar) * 4 * ppqn / int64(beatWidth)
}

func validateTimeSignature(op string, ppqn int64, beatsPerBar, beatWidth int) error {
	if beatsPerBar < 1 || beatsPerBar > 16 {
		return newError(KindConfig, op, "beats per bar %d outside 1-16", beatsPerBar)
	}
	switch beatWidth {
	case 1, 2, 4, 8, 16, 32:
	default:
		return newError(KindConfig, op, "beat width %d not a power of two up to 32", beatWidth)
	}
	if (4*ppqn)%int64(beatWidth) != 0 {
		return newError(KindConfig, op, "beat width %d does not divide %d pulses", beatWidth, 4*ppqn)
	}
	return nil
}

// validateLength requires a positive whole number of beats.
func validateLength(op string, ppqn, length int64, beatWidth int) error {
	beat := 4 * ppqn / int64(beatWidth)
	if length <= 0 || length%beat != 0 {
		return newError(KindConfig, op, "length %d is not a positive multiple of %d", length, beat)
	}
	return nil
}

func validateChannel(op string, ch int) error {
	if ch != ChannelFree && (ch < 0 || ch > 15) {
		return newError(KindCapacity, op, "channel %d outside 0-15", ch)
	}
	return nil
}

// publishLocked swaps in a new snapshot. Caller holds mu (or owns p
// exclusively during construction).
func (p *Pattern) publishLocked() {
	d := p.meta
	d.events = p.events.Clone()
	d.triggers = p.triggers.Triggers()
	p.data.Store(&d)
	p.dirty.Store(true)
	p.modified.Store(true)
}

func (p *Pattern) snapshot() *patternData {
	return p.data.Load()
}

// edit runs fn under the pattern lock and publishes the result if fn
// succeeds. fn must leave state untouched when it fails.
func (p *Pattern) edit(fn func() error) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := fn(); err != nil {
		return err
	}
	p.publishLocked()
	return nil
}

func (p *Pattern) ID() int { return p.id }

func (p *Pattern) Name() string       { return p.snapshot().name }
func (p *Pattern) Length() int64      { return p.snapshot().length }
func (p *Pattern) Bus() int           { return p.snapshot().bus }
func (p *Pattern) Channel() int       { return p.snapshot().channel }
func (p *Pattern) Color() int         { return p.snapshot().color }
func (p *Pattern) Transposable() bool { return p.snapshot().transposable }
func (p *Pattern) Snap() int64        { return p.snapshot().snap }

func (p *Pattern) TimeSignature() (beatsPerBar, beatWidth int) {
	d := p.snapshot()
	return d.beatsPerBar, d.beatWidth
}

// BarLength is one bar in the pattern's own time signature.
func (p *Pattern) BarLength() int64 {
	d := p.snapshot()
	return barPulses(p.ppqn, d.beatsPerBar, d.beatWidth)
}

// Events returns a copy of the pattern's events.
func (p *Pattern) Events() []midi.Event { return p.snapshot().events.Events() }

func (p *Pattern) EventCount() int { return p.snapshot().events.Len() }

// Triggers returns a copy of the pattern's song triggers.
func (p *Pattern) Triggers() []Trigger {
	return append([]Trigger(nil), p.snapshot().triggers...)
}

// Spec exports the editorial content.
func (p *Pattern) Spec() PatternSpec {
	d := p.snapshot()
	return PatternSpec{
		Name:         d.name,
		Length:       d.length,
		BeatsPerBar:  d.beatsPerBar,
		BeatWidth:    d.beatWidth,
		Bus:          d.bus,
		Channel:      d.channel,
		Color:        d.color,
		Transposable: d.transposable,
		Snap:         d.snap,
		Events:       d.events.Events(),
		Triggers:     append([]Trigger(nil), d.triggers...),
	}
}

func (p *Pattern) SetName(name string) {
	_ = p.edit(func() error { p.meta.name = name; return nil })
}

func (p *Pattern) SetColor(color int) {
	_ = p.edit(func() error { p.meta.color = color; return nil })
}

func (p *Pattern) SetTransposable(on bool) {
	_ = p.edit(func() error { p.meta.transposable = on; return nil })
}

// SetChannel sets the output channel: 0-15 or ChannelFree.
func (p *Pattern) SetChannel(ch int) error {
	if err := validateChannel("set channel", ch); err != nil {
		return err
	}
	return p.edit(func() error { p.meta.channel = ch; return nil })
}

// setBus is range-checked by the engine, which knows the bus count.
func (p *Pattern) setBus(bus int) {
	_ = p.edit(func() error { p.meta.bus = bus; return nil })
}

// SetSnap sets the grid used for quantized recording and overwrite.
func (p *Pattern) SetSnap(snap int64) error {
	if snap <= 0 {
		return newError(KindConfig, "set snap", "snap %d must be positive", snap)
	}
	return p.edit(func() error { p.meta.snap = snap; return nil })
}

func (p *Pattern) SetTimeSignature(beatsPerBar, beatWidth int) error {
	if err := validateTimeSignature("set time signature", p.ppqn, beatsPerBar, beatWidth); err != nil {
		return err
	}
	return p.edit(func() error {
		if err := validateLength("set time signature", p.ppqn, p.meta.length, beatWidth); err != nil {
			return err
		}
		p.meta.beatsPerBar, p.meta.beatWidth = beatsPerBar, beatWidth
		return nil
	})
}

// AddEvent inserts an event. Events with a status a pattern cannot hold
// are dropped silently; the return value says whether it was kept.
func (p *Pattern) AddEvent(e midi.Event) bool {
	if !e.Valid() || e.Tick < 0 {
		return false
	}
	e.ID, e.Link = 0, 0
	_ = p.edit(func() error {
		p.events.Insert(e)
		return nil
	})
	return true
}

// AddNote inserts a linked Note-On/Note-Off pair. A note running past the
// end of the loop wraps.
func (p *Pattern) AddNote(tick, length int64, channel, key, velocity uint8) error {
	if tick < 0 || length <= 0 || key > 127 || velocity == 0 || velocity > 127 || channel > 15 {
		return newError(KindInvariant, "add note", "bad note at %d", tick)
	}
	return p.edit(func() error {
		L := p.meta.length
		off := tick + length
		if off > L {
			off = floorMod(off, L)
		}
		p.events.InsertNote(midi.NewNoteOn(tick, channel, key, velocity), midi.NewNoteOff(off, channel, key, midi.DefaultOffVelocity))
		return nil
	})
}

// Edit applies a structural change to a private copy of the events and
// publishes it. The output thread keeps reading the previous snapshot until
// the swap; the old one is collected once nothing references it.
func (p *Pattern) Edit(fn func(l *midi.EventList)) {
	_ = p.edit(func() error {
		next := p.events.Clone()
		fn(next)
		p.events = next
		return nil
	})
}

func (p *Pattern) SelectRange(t0, t1 int64, mask byte) int {
	n := 0
	_ = p.edit(func() error { n = p.events.SelectRange(t0, t1, mask); return nil })
	return n
}

func (p *Pattern) UnselectAll() {
	_ = p.edit(func() error { p.events.UnselectAll(); return nil })
}

func (p *Pattern) RemoveSelected() int {
	n := 0
	_ = p.edit(func() error { n = p.events.RemoveSelected(); return nil })
	return n
}

// LinkNotes re-pairs notes; wrap lets a note cross the loop point.
func (p *Pattern) LinkNotes(wrap bool) {
	_ = p.edit(func() error { p.events.LinkNotes(p.meta.length, wrap); return nil })
}

// Transpose shifts every Note-On and its linked Note-Off. Notes that would
// leave 0-127 stay where they are. Non-transposable patterns refuse.
func (p *Pattern) Transpose(semitones int) error {
	return p.edit(func() error {
		if !p.meta.transposable {
			return newError(KindInvariant, "transpose", "pattern %d is not transposable", p.id)
		}
		keys := make(map[uint32]byte)
		for _, e := range p.events.Events() {
			if !e.IsNoteOn() {
				continue
			}
			k := int(e.Key()) + semitones
			if k < 0 || k > 127 {
				continue
			}
			keys[e.ID] = byte(k)
			if e.Link != 0 {
				keys[e.Link] = byte(k)
			}
		}
		p.events.Transform(func(e *midi.Event) bool {
			if k, ok := keys[e.ID]; ok {
				e.Data[0] = k
			}
			return true
		})
		return nil
	})
}

// Quantize moves events matching mask towards the snap grid: strength 1
// snaps, strength 2 goes half-way. A Note-On's linked Note-Off moves by the
// same amount so durations are kept.
func (p *Pattern) Quantize(mask byte, snap int64, strength int) error {
	if snap <= 0 {
		return newError(KindInvariant, "quantize", "snap %d must be positive", snap)
	}
	if strength != 1 && strength != 2 {
		return newError(KindInvariant, "quantize", "strength %d must be 1 or 2", strength)
	}
	return p.edit(func() error {
		L := p.meta.length
		deltas := make(map[uint32]int64)
		for _, e := range p.events.Events() {
			if !e.Matches(mask) {
				continue
			}
			if e.IsNoteOff() && e.Link != 0 {
				continue // follows its Note-On
			}
			d := nearest(e.Tick, snap) - e.Tick
			if strength == 2 {
				d /= 2
			}
			if d == 0 {
				continue
			}
			deltas[e.ID] = d
			if e.IsNoteOn() && e.Link != 0 {
				deltas[e.Link] = d
			}
		}
		p.events.Transform(func(e *midi.Event) bool {
			d, ok := deltas[e.ID]
			if !ok {
				return true
			}
			t := e.Tick + d
			switch {
			case t < 0:
				t += L
			case e.IsNoteOff() && t > L:
				t -= L
			case !e.IsNoteOff() && t >= L:
				t -= L
			}
			e.Tick = t
			return true
		})
		return nil
	})
}

func nearest(t, snap int64) int64 {
	return floorDiv(t+snap/2, snap) * snap
}

// SetLength changes the loop length, dropping events past the new end.
func (p *Pattern) SetLength(length int64) error {
	return p.edit(func() error {
		return p.resizeLocked("set length", length, false, false)
	})
}

// ApplyLength sets the length in bars. Trigger offsets are rescaled;
// notes are rescaled too when scaleNotes is set, otherwise anything past
// the new end is dropped.
func (p *Pattern) ApplyLength(bars int, scaleNotes bool) error {
	if bars < 1 {
		return newError(KindConfig, "apply length", "bars %d must be positive", bars)
	}
	return p.edit(func() error {
		length := int64(bars) * barPulses(p.ppqn, p.meta.beatsPerBar, p.meta.beatWidth)
		return p.resizeLocked("apply length", length, scaleNotes, true)
	})
}

func (p *Pattern) resizeLocked(op string, length int64, scaleNotes, rescaleTriggers bool) error {
	if err := validateLength(op, p.ppqn, length, p.meta.beatWidth); err != nil {
		return err
	}
	old := p.meta.length
	if length == old {
		return nil
	}
	next := p.events.Clone()
	next.Transform(func(e *midi.Event) bool {
		if scaleNotes {
			e.Tick = e.Tick * length / old
			return true
		}
		if e.IsNoteOff() {
			return e.Tick <= length
		}
		return e.Tick < length
	})
	next.LinkNotes(length, false)
	p.events = next
	p.meta.length = length
	if rescaleTriggers {
		p.triggers.Rescale(length)
	} else {
		p.triggers.SetLength(length)
	}
	return nil
}

// grow extends the loop by delta pulses without touching events. Used by
// expand recording on the output thread.
func (p *Pattern) grow(delta int64) {
	_ = p.edit(func() error {
		p.meta.length += delta
		p.triggers.SetLength(p.meta.length)
		return nil
	})
}

// Trigger editing. Each call is one undo step.

func (p *Pattern) AddTrigger(start, end, offset int64) (int, error) {
	id := -1
	err := p.edit(func() error {
		var err error
		id, err = p.triggers.Add(start, end, offset)
		return err
	})
	return id, err
}

func (p *Pattern) SplitTrigger(at int64) error {
	return p.edit(func() error { return p.triggers.SplitAt(at) })
}

func (p *Pattern) GrowTrigger(id int, delta int64) error {
	return p.edit(func() error { return p.triggers.Grow(id, delta) })
}

func (p *Pattern) MoveTrigger(id int, delta int64) error {
	return p.edit(func() error { return p.triggers.Move(id, delta) })
}

func (p *Pattern) CopyTrigger(id int) error {
	return p.edit(func() error { return p.triggers.Copy(id) })
}

func (p *Pattern) PasteTrigger(at int64) (int, error) {
	id := -1
	err := p.edit(func() error {
		var err error
		id, err = p.triggers.PasteAt(at)
		return err
	})
	return id, err
}

func (p *Pattern) SelectTrigger(id int, on bool) error {
	return p.edit(func() error { return p.triggers.Select(id, on) })
}

func (p *Pattern) DeleteSelectedTriggers() int {
	n := 0
	_ = p.edit(func() error { n = p.triggers.DeleteSelected(); return nil })
	return n
}

func (p *Pattern) MergeTrigger(id int) error {
	return p.edit(func() error { return p.triggers.Merge(id) })
}

func (p *Pattern) UndoTriggers() bool {
	ok := false
	_ = p.edit(func() error { ok = p.triggers.Undo(); return nil })
	return ok
}

func (p *Pattern) RedoTriggers() bool {
	ok := false
	_ = p.edit(func() error { ok = p.triggers.Redo(); return nil })
	return ok
}

// TriggerAt reports the trigger covering song pulse t and the pattern
// position heard there.
func (p *Pattern) TriggerAt(t int64) (Trigger, int64, bool) {
	d := p.snapshot()
	return triggerAt(d.triggers, d.length, t)
}

// Playback flags.

func (p *Pattern) Armed() bool   { return p.armed.Load() }
func (p *Pattern) Queued() bool  { return p.queued.Load() }
func (p *Pattern) OneShot() bool { return p.oneShot.Load() }
func (p *Pattern) SnapOff() bool { return p.snapOff.Load() }

func (p *Pattern) Recording() RecordMode { return RecordMode(p.recMode.Load()) }
func (p *Pattern) Quantized() bool       { return p.quantized.Load() }
func (p *Pattern) Thru() bool            { return p.thru.Load() }

func (p *Pattern) setArmed(on bool) {
	if p.armed.Swap(on) != on {
		p.dirty.Store(true)
	}
}

func (p *Pattern) setFlag(f *atomic.Bool, on bool) {
	if f.Swap(on) != on {
		p.dirty.Store(true)
	}
}

// SongActive reports whether a song trigger is playing the pattern.
func (p *Pattern) SongActive() bool { return p.songActive.Load() }

// Dirty reports a change the display has not picked up yet.
func (p *Pattern) Dirty() bool { return p.dirty.Load() }

// TakeDirty returns and clears the dirty flag.
func (p *Pattern) TakeDirty() bool { return p.dirty.Swap(false) }

// Modified reports edits made since the last save.
func (p *Pattern) Modified() bool { return p.modified.Load() }

func (p *Pattern) markSaved() { p.modified.Store(false) }

// rescalePPQN converts every position to a new resolution. Lengths are
// rounded to whole beats.
func (p *Pattern) rescalePPQN(ppqn int64) {
	_ = p.edit(func() error {
		old := p.ppqn
		if old == ppqn {
			return nil
		}
		beat := 4 * ppqn / int64(p.meta.beatWidth)
		length := p.meta.length * ppqn / old
		length = max(beat, (length+beat/2)/beat*beat)

		next := p.events.Clone()
		next.Transform(func(e *midi.Event) bool {
			e.Tick = e.Tick * ppqn / old
			if e.IsNoteOff() {
				return e.Tick <= length
			}
			return e.Tick < length
		})
		next.LinkNotes(length, true)
		p.events = next
		p.triggers.rescaleTime(ppqn, old)
		p.triggers.SetLength(length)

		p.ppqn = ppqn
		p.meta.length = length
		p.meta.snap = ppqn / 4
		return nil
	})
}

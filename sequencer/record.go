package sequencer

import (
	"go-perform/midi"
)

// recordState is guarded by Pattern.mu.
type recordState struct {
	pending map[[2]byte]openNote // by (channel, key)
	anchor  int64                // expand mode: song pulse of local tick 0
}

// openNote is a recorded Note-On still waiting for its Note-Off. shift is
// how far quantizing moved it; the Off moves by the same amount so the
// played duration is kept.
type openNote struct {
	id    uint32
	shift int64
}

// armRecording switches recording on. pulse is the current song position,
// used by expand mode to anchor the loop it grows from.
func (p *Pattern) armRecording(mode RecordMode, quantized bool, pulse int64) {
	p.mu.Lock()
	L := p.meta.length
	p.rec.pending = make(map[[2]byte]openNote)
	p.rec.anchor = floorDiv(pulse, L) * L
	p.recAnchor.Store(p.rec.anchor)
	p.mu.Unlock()

	p.quantized.Store(quantized)
	p.recMode.Store(int32(mode))
	p.dirty.Store(true)
}

// disarmRecording stops recording and closes any notes still held.
func (p *Pattern) disarmRecording() {
	if RecordMode(p.recMode.Swap(int32(RecordOff))) == RecordOff {
		return
	}
	_ = p.edit(func() error {
		if len(p.rec.pending) > 0 {
			p.events.LinkNotes(p.meta.length, true)
		}
		p.rec.pending = nil
		return nil
	})
}

// expandAnchor is the song pulse local tick 0 maps to while expanding.
func (p *Pattern) expandAnchor() int64 {
	return p.recAnchor.Load()
}

// record writes an incoming event heard at song pulse into the pattern
// according to the recording mode. It runs on the output thread.
func (p *Pattern) record(e midi.Event, pulse int64) error {
	mode := p.Recording()
	if mode == RecordOff {
		return nil
	}
	if pulse < 0 {
		return newError(KindConfig, "record", "event at negative pulse %d", pulse)
	}
	if !e.Valid() || e.Status == midi.Meta {
		return nil
	}

	return p.edit(func() error {
		L := p.meta.length
		snap := p.meta.snap

		var tick int64
		if mode == RecordExpand {
			tick = pulse - p.rec.anchor
			if tick < 0 {
				return newError(KindConfig, "record", "event at %d precedes the expand anchor %d", pulse, p.rec.anchor)
			}
		} else {
			tick = floorMod(pulse, L)
		}
		key := [2]byte{e.Channel(), e.Key()}
		var shift int64
		switch {
		case !p.Quantized():
		case e.IsNoteOff():
			if open, ok := p.rec.pending[key]; ok {
				tick += open.shift
			}
		default:
			shift = nearest(tick, snap) - tick
			tick += shift
		}
		if mode != RecordExpand {
			tick = floorMod(tick, L)
		}
		if mode == RecordExpand {
			bar := barPulses(p.ppqn, p.meta.beatsPerBar, p.meta.beatWidth)
			for tick >= p.meta.length {
				p.meta.length += bar
			}
			p.triggers.SetLength(p.meta.length)
		}
		e.Tick = tick
		e.ID, e.Link = 0, 0

		switch {
		case e.IsNoteOn():
			if mode == RecordOverwrite {
				p.overwriteLocked(e, snap)
			}
			if open, ok := p.rec.pending[key]; ok {
				p.closeNoteLocked(open.id, tick)
			}
			p.rec.pending[key] = openNote{id: p.events.Insert(e), shift: shift}
		case e.IsNoteOff():
			open, ok := p.rec.pending[key]
			if !ok {
				return nil // nothing of ours to close
			}
			p.closeNoteLocked(open.id, tick)
			delete(p.rec.pending, key)
		default:
			if mode == RecordOverwrite {
				p.overwriteLocked(e, snap)
			}
			p.events.Insert(e)
		}
		return nil
	})
}

// closeNoteLocked inserts the Note-Off for a recorded Note-On.
func (p *Pattern) closeNoteLocked(onID uint32, tick int64) {
	on, ok := p.events.Get(onID)
	if !ok {
		return
	}
	if tick == on.Tick {
		tick++
	}
	off := on.OffFor(tick)
	offID := p.events.Insert(off)
	p.events.Pair(onID, offID)
}

// overwriteLocked removes events of the same kind and first data byte
// within one snap either side of e.
func (p *Pattern) overwriteLocked(e midi.Event, snap int64) {
	p.events.RemoveIf(func(o midi.Event) bool {
		if o.Tick <= e.Tick-snap || o.Tick >= e.Tick+snap {
			return false
		}
		if e.IsNoteOn() {
			return o.IsNoteOn() && o.Status == e.Status && o.Key() == e.Key()
		}
		return o.Status == e.Status && o.Data[0] == e.Data[0]
	})
}

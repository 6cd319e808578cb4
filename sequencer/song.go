package sequencer

import (
	"sort"

	"go-perform/clock"
	"go-perform/debug"
)

// Song is everything a song file holds, independent of its format.
type Song struct {
	PPQN        int
	BPM         float64
	BeatsPerBar int
	BeatWidth   int
	Patterns    map[int]PatternSpec
	MuteGroups  map[int][]int // group -> armed pattern ids
}

// Song exports the pattern table, tempo and mute groups.
func (e *Engine) Song() Song {
	s := Song{
		PPQN:       e.clock.PPQN(),
		BPM:        e.clock.BPM(),
		Patterns:   make(map[int]PatternSpec),
		MuteGroups: make(map[int][]int),
	}
	cfg := e.Config()
	s.BeatsPerBar, s.BeatWidth = cfg.BeatsPerBar, cfg.BeatWidth

	for _, p := range e.Patterns() {
		s.Patterns[p.id] = p.Spec()
	}
	for g := 0; g < e.groups.Count(); g++ {
		bits, _ := e.groups.Get(g)
		var ids []int
		for id, on := range bits {
			if on {
				ids = append(ids, id)
			}
		}
		if len(ids) > 0 {
			s.MuteGroups[g] = ids
		}
	}
	return s
}

// LoadSong replaces the pattern table. It is refused while the transport
// runs, and nothing changes unless the whole song is valid.
func (e *Engine) LoadSong(s Song) error {
	const op = "load song"
	if e.Transport() != Stopped {
		return newError(KindTransport, op, "transport is %s", e.Transport())
	}
	if s.PPQN == 0 {
		s.PPQN = e.clock.PPQN()
	}
	if s.BPM == 0 {
		s.BPM = e.clock.BPM()
	}
	if s.BeatsPerBar == 0 {
		cfg := e.Config()
		s.BeatsPerBar, s.BeatWidth = cfg.BeatsPerBar, cfg.BeatWidth
	}
	if s.PPQN < clock.MinPPQN || s.PPQN > clock.MaxPPQN {
		return newError(KindConfig, op, "ppqn %d outside %d-%d", s.PPQN, clock.MinPPQN, clock.MaxPPQN)
	}
	if s.BPM < clock.MinBPM || s.BPM > clock.MaxBPM {
		return newError(KindConfig, op, "bpm %v outside %v-%v", s.BPM, clock.MinBPM, clock.MaxBPM)
	}
	if err := validateTimeSignature(op, int64(s.PPQN), s.BeatsPerBar, s.BeatWidth); err != nil {
		return err
	}

	buses := e.bus.OutputCount()
	ids := make([]int, 0, len(s.Patterns))
	for id := range s.Patterns {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	built := make(map[int]*Pattern, len(ids))
	for _, id := range ids {
		if id < 0 || id >= len(e.slots) {
			return newError(KindCapacity, op, "pattern %d outside 0-%d", id, len(e.slots)-1)
		}
		spec := s.Patterns[id]
		if spec.Bus < 0 || spec.Bus >= buses {
			if buses == 0 {
				return newError(KindCapacity, op, "pattern %d: no output bus", id)
			}
			debug.Warn("song bus not available, using bus 0", "pattern", id, "bus", spec.Bus)
			spec.Bus = 0
		}
		if spec.Snap == 0 {
			spec.Snap = e.cfg.Snap
		}
		p, err := newPattern(id, int64(s.PPQN), spec, e.cfg.UndoDepth)
		if err != nil {
			return err
		}
		built[id] = p
	}
	for g, members := range s.MuteGroups {
		if g < 0 || g >= e.groups.Count() {
			return newError(KindCapacity, op, "mute group %d outside 0-%d", g, e.groups.Count()-1)
		}
		for _, id := range members {
			if id < 0 || id >= len(e.slots) {
				return newError(KindCapacity, op, "mute group %d names pattern %d", g, id)
			}
		}
	}

	e.tmu.Lock()
	defer e.tmu.Unlock()
	if e.Transport() != Stopped {
		return newError(KindTransport, op, "transport is %s", e.Transport())
	}
	if err := e.clock.SetPPQN(s.PPQN); err != nil {
		return clockError(op, err)
	}
	if err := e.clock.SetBPM(s.BPM); err != nil {
		return clockError(op, err)
	}
	e.cfg.PPQN = s.PPQN
	e.cfg.BeatsPerBar, e.cfg.BeatWidth = s.BeatsPerBar, s.BeatWidth
	e.barLen = barPulses(int64(s.PPQN), s.BeatsPerBar, s.BeatWidth)
	for i := range e.slots {
		e.slots[i].Store(built[i])
	}
	e.groups.ClearAll()
	for g, members := range s.MuteGroups {
		bits := make([]bool, len(e.slots))
		for _, id := range members {
			bits[id] = true
		}
		_ = e.groups.Learn(g, bits)
	}
	e.bus.SetRecordTarget(-1)
	e.clock.Reposition(0)
	e.rewindLocked(0)
	e.MarkSaved()
	debug.Info("song loaded", "patterns", len(built), "ppqn", s.PPQN, "bpm", s.BPM)
	return nil
}

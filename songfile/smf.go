package songfile

import (
	"fmt"
	"io"
	"math"
	"os"

	gomidi "gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/smf"

	"go-perform/clock"
	"go-perform/debug"
	"go-perform/midi"
	"go-perform/sequencer"
)

// ImportOptions shapes an SMF import.
type ImportOptions struct {
	PPQN         int // engine resolution; 0 means clock.DefaultPPQN
	FirstSlot    int
	Bus          int
	WithTriggers bool // one trigger spanning each pattern
}

// ImportSMFFile imports the Standard MIDI File at path.
func ImportSMFFile(path string, opt ImportOptions) (sequencer.Song, error) {
	f, err := os.Open(path)
	if err != nil {
		return sequencer.Song{}, err
	}
	defer f.Close()
	s, err := ImportSMF(f, opt)
	if err != nil {
		return sequencer.Song{}, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

// ImportSMF turns every track holding channel events into a pattern. Ticks
// are rescaled to opt.PPQN and lengths rounded up to whole bars. The first
// tempo and time signature found become the song's.
func ImportSMF(r io.Reader, opt ImportOptions) (s sequencer.Song, err error) {
	// The reader panics on some malformed files.
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%w: %v", ErrFormat, rec)
		}
	}()

	if opt.PPQN == 0 {
		opt.PPQN = clock.DefaultPPQN
	}
	file, err := smf.ReadFrom(r)
	if err != nil {
		return sequencer.Song{}, fmt.Errorf("%w: %w", ErrFormat, err)
	}
	tpq, ok := file.TimeFormat.(smf.MetricTicks)
	if !ok || tpq == 0 {
		return sequencer.Song{}, fmt.Errorf("%w: only metric time is supported", ErrFormat)
	}
	fileTicks, ppqn := int64(tpq), int64(opt.PPQN)
	scale := func(t int64) int64 { return (t*ppqn + fileTicks/2) / fileTicks }

	s = sequencer.Song{
		PPQN:        opt.PPQN,
		BPM:         clock.DefaultBPM,
		BeatsPerBar: 4,
		BeatWidth:   4,
		Patterns:    make(map[int]sequencer.PatternSpec),
	}

	type track struct {
		name     string
		events   []midi.Event
		channels map[uint8]bool
	}
	var tracks []track
	haveTempo, haveMeter := false, false
	for i, tr := range file.Tracks {
		t := track{name: fmt.Sprintf("track %d", i+1), channels: make(map[uint8]bool)}
		named := false
		var abs int64
		for _, ev := range tr {
			abs += int64(ev.Delta)

			var bpm float64
			if ev.Message.GetMetaTempo(&bpm) {
				if !haveTempo {
					s.BPM, haveTempo = math.Round(bpm*100)/100, true
				}
				continue
			}
			var num, denomPow, clocks, notes uint8
			if ev.Message.GetMetaTimeSig(&num, &denomPow, &clocks, &notes) {
				if !haveMeter {
					haveMeter = true
					if meterOK(int(num), 1<<denomPow, opt.PPQN) {
						s.BeatsPerBar, s.BeatWidth = int(num), 1<<denomPow
					} else {
						debug.Warn("smf time signature not usable, keeping 4/4", "num", num, "denom", 1<<denomPow)
					}
				}
				continue
			}
			var text string
			if ev.Message.GetMetaTrackName(&text) {
				if !named && text != "" {
					t.name, named = text, true
				}
				continue
			}

			e, ok := midi.FromMessage(scale(abs), gomidi.Message(ev.Message))
			if !ok || e.Status == midi.Meta {
				continue
			}
			t.events = append(t.events, e)
			t.channels[e.Channel()] = true
		}
		if len(t.events) > 0 {
			tracks = append(tracks, t)
		}
	}

	bar := int64(s.BeatsPerBar) * 4 * ppqn / int64(s.BeatWidth)
	for n, t := range tracks {
		var last int64
		for _, e := range t.events {
			need := e.Tick + 1
			if e.IsNoteOff() {
				need = e.Tick // an Off may sit on the loop end
			}
			last = max(last, need)
		}
		length := max(1, (last+bar-1)/bar) * bar

		ch := sequencer.ChannelFree
		if len(t.channels) == 1 {
			for c := range t.channels {
				ch = int(c)
			}
		}
		spec := sequencer.PatternSpec{
			Name:        t.name,
			Length:      length,
			BeatsPerBar: s.BeatsPerBar,
			BeatWidth:   s.BeatWidth,
			Bus:         opt.Bus,
			Channel:     ch,
			Events:      t.events,
		}
		if opt.WithTriggers {
			spec.Triggers = []sequencer.Trigger{{Start: 0, End: length - 1}}
		}
		s.Patterns[opt.FirstSlot+n] = spec
	}
	debug.Log("song", "smf import: %d tracks -> %d patterns, %d ticks/quarter -> %d", len(file.Tracks), len(tracks), fileTicks, ppqn)
	return s, nil
}

func meterOK(num, denom, ppqn int) bool {
	switch denom {
	case 1, 2, 4, 8, 16, 32:
	default:
		return false
	}
	return num >= 1 && num <= 16 && (4*ppqn)%denom == 0
}

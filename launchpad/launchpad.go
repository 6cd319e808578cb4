// Package launchpad drives a Novation Launchpad X as a pattern grid: pads
// show the playing screen-set and toggle patterns, the side column applies
// mute groups, and the top row changes set and transport.
package launchpad

import (
	"context"
	"sync"
	"time"

	gomidi "gitlab.com/gomidi/midi/v2"

	"go-perform/bus"
	"go-perform/debug"
	"go-perform/sequencer"
	"go-perform/theme"
)

// RefreshRate is how often Run redraws the LEDs.
var RefreshRate = 40 * time.Millisecond

// SysEx bodies (without F0/F7) for the Launchpad X.
var (
	sysexProgrammer = []byte{0x00, 0x20, 0x29, 0x02, 0x0C, 0x00, 0x7F}
	sysexBrightness = []byte{0x00, 0x20, 0x29, 0x02, 0x0C, 0x08, 0x7F}
	sysexFeedback   = []byte{0x00, 0x20, 0x29, 0x02, 0x0C, 0x0A, 0x01, 0x01}
	sysexSession    = []byte{0x00, 0x20, 0x29, 0x02, 0x0C, 0x00, 0x00}
)

type led struct {
	color, mode uint8
}

// Surface mirrors the engine on a Launchpad. Sends go straight to the
// device's port; they are not timed like pattern output.
type Surface struct {
	engine *sequencer.Engine
	theme  *theme.Theme
	send   func(gomidi.Message) error
	input  int // bus carrying pad presses, -1 when output only

	mu   sync.Mutex
	leds map[uint8]led // last state sent, by note
	sent uint64
}

func New(e *sequencer.Engine, th *theme.Theme, send func(gomidi.Message) error, inputBus int) *Surface {
	if th == nil {
		th = theme.Default()
	}
	return &Surface{
		engine: e,
		theme:  th,
		send:   send,
		input:  inputBus,
		leds:   make(map[uint8]led),
	}
}

// Init switches the device to programmer mode and clears it.
func (s *Surface) Init() error {
	for _, body := range [][]byte{sysexProgrammer, sysexBrightness, sysexFeedback} {
		if err := s.send(gomidi.SysEx(body)); err != nil {
			return err
		}
	}
	s.Clear()
	return nil
}

// Clear turns every LED off and forgets what was shown.
func (s *Surface) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for row := 0; row <= topRow; row++ {
		for col := 0; col <= sideCol; col++ {
			if row == topRow && col == sideCol {
				continue // no LED there
			}
			s.write(padNote(row, col), led{})
		}
	}
	clear(s.leds)
}

// Close clears the LEDs and returns the device to its session layout.
func (s *Surface) Close() error {
	s.Clear()
	return s.send(gomidi.SysEx(sysexSession))
}

// Run redraws at RefreshRate until ctx is done, then closes the surface.
func (s *Surface) Run(ctx context.Context) {
	tick := time.NewTicker(RefreshRate)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			if err := s.Close(); err != nil {
				debug.Warn("launchpad close", "err", err)
			}
			return
		case <-tick.C:
			s.Refresh()
		}
	}
}

// Refresh sends the LEDs whose state changed and reports how many.
func (s *Surface) Refresh() int {
	want := s.frame()

	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for note, l := range want {
		if prev, ok := s.leds[note]; ok && prev == l {
			continue
		}
		s.write(note, l)
		s.leds[note] = l
		n++
	}
	if n > 0 {
		debug.LogEvery(100, "launchpad", "refresh sent=%d total=%d", n, s.sent)
	}
	return n
}

func (s *Surface) write(note uint8, l led) {
	var msg gomidi.Message
	if note >= ccUp && note <= ccLast {
		msg = gomidi.ControlChange(l.mode, note, l.color)
	} else {
		msg = gomidi.NoteOn(l.mode, note, l.color)
	}
	if err := s.send(msg); err != nil {
		debug.WarnEvery(100, "launchpad send failed", "err", err)
		return
	}
	s.sent++
}

// frame computes the wanted state of every LED.
func (s *Surface) frame() map[uint8]led {
	e := s.engine
	ss := e.ScreenSet()
	set := e.PlayingSet()
	out := make(map[uint8]led, 100)

	for r := 0; r < GridSize; r++ {
		for c := 0; c < GridSize; c++ {
			l := led{}
			if r < ss.Rows && c < ss.Cols {
				id, _ := ss.ID(set, r, c)
				l = s.padLED(e.Pattern(id))
			}
			out[padNote(GridSize-1-r, c)] = l
		}
	}

	groups := e.MuteGroups()
	for r := 0; r < GridSize; r++ {
		l := led{}
		switch {
		case r >= groups.Count():
		case e.Learning():
			l = led{colorRed, modePulse}
		case !groups.Empty(r):
			l = led{colorWhite, modeStatic}
		}
		out[padNote(GridSize-1-r, sideCol)] = l
	}

	out[padNote(topRow, 0)] = led{colorDim, modeStatic}
	out[padNote(topRow, 1)] = led{colorDim, modeStatic}
	play := led{colorDim, modeStatic}
	if e.Transport() == sequencer.Playing {
		play = led{colorGreen, modeStatic}
	}
	out[padNote(topRow, 2)] = play
	return out
}

func (s *Surface) padLED(p *sequencer.Pattern) led {
	if p == nil {
		return led{}
	}
	color := colorDim
	if c := p.Color(); c >= 0 {
		color = paletteIndex(s.theme.Patterns.Index(c))
	}
	switch {
	case p.Recording() != sequencer.RecordOff:
		return led{colorRed, modePulse}
	case p.Queued(), p.OneShot(), p.SnapOff():
		return led{color, modeFlash}
	case p.Armed() || p.SongActive():
		return led{color, modeStatic}
	}
	return led{colorDim, modeStatic}
}

// Hook consumes everything heard on the surface's input bus and turns
// presses into engine calls on the control goroutine.
func (s *Surface) Hook() func(bus.Incoming) bool {
	return func(in bus.Incoming) bool {
		if s.input < 0 || in.Bus != s.input {
			return false
		}
		if fn := s.press(in.Msg); fn != nil {
			if !s.engine.Defer(func() {
				if err := fn(); err != nil {
					debug.Warn("launchpad action failed", "err", err)
				}
			}) {
				debug.Warn("launchpad action dropped")
			}
		}
		return true
	}
}

// press maps a message from the device to an action, or nil.
func (s *Surface) press(msg gomidi.Message) func() error {
	e := s.engine
	var ch, key, vel uint8
	switch {
	case msg.GetNoteOn(&ch, &key, &vel) && vel > 0:
		row, col, ok := padAt(key)
		if !ok {
			return nil
		}
		if col == sideCol {
			group := GridSize - 1 - row
			return func() error { return e.ApplyMuteGroup(group) }
		}
		r := GridSize - 1 - row
		id, err := e.ScreenSet().ID(e.PlayingSet(), r, col)
		if err != nil {
			return nil
		}
		return func() error { return e.Toggle(id) }

	case msg.GetControlChange(&ch, &key, &vel) && vel > 0:
		switch key {
		case ccUp:
			return func() error { return e.SetPlayingSet(max(0, e.PlayingSet()-1)) }
		case ccDown:
			return func() error { return e.SetPlayingSet(min(e.ScreenSet().Sets-1, e.PlayingSet()+1)) }
		case ccPlay:
			return func() error {
				if e.Transport() == sequencer.Playing {
					return e.Stop()
				}
				return e.Start()
			}
		}
	}
	return nil
}

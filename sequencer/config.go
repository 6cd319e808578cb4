package sequencer

import (
	"time"

	"go-perform/clock"
)

// Config is everything the engine needs at construction.
type Config struct {
	PPQN         int
	BPM          float64
	BPMPrecision int // fractional digits kept: 0, 1 or 2
	BeatsPerBar  int
	BeatWidth    int
	Tick         time.Duration // output thread period, 1-10 ms
	UndoDepth    int
	Snap         int64 // default pattern snap; 0 means PPQN/4

	Rows, Cols, Sets int // screen-set geometry; slots = Rows*Cols*Sets
	MuteGroups       int
}

// DefaultConfig matches the defaults in the configuration file.
func DefaultConfig() Config {
	return Config{
		PPQN:         clock.DefaultPPQN,
		BPM:          clock.DefaultBPM,
		BPMPrecision: 0,
		BeatsPerBar:  4,
		BeatWidth:    4,
		Tick:         time.Millisecond,
		UndoDepth:    DefaultUndoDepth,
		Rows:         4,
		Cols:         8,
		Sets:         32,
		MuteGroups:   32,
	}
}

// Validate checks ranges and returns a configuration error.
func (c Config) Validate() error {
	const op = "config"
	if c.PPQN < clock.MinPPQN || c.PPQN > clock.MaxPPQN {
		return newError(KindConfig, op, "ppqn %d outside %d-%d", c.PPQN, clock.MinPPQN, clock.MaxPPQN)
	}
	if c.BPM < clock.MinBPM || c.BPM > clock.MaxBPM {
		return newError(KindConfig, op, "bpm %v outside %v-%v", c.BPM, clock.MinBPM, clock.MaxBPM)
	}
	if c.BPMPrecision < 0 || c.BPMPrecision > 2 {
		return newError(KindConfig, op, "bpm precision %d outside 0-2", c.BPMPrecision)
	}
	if err := validateTimeSignature(op, int64(c.PPQN), c.BeatsPerBar, c.BeatWidth); err != nil {
		return err
	}
	if c.Tick < time.Millisecond || c.Tick > 10*time.Millisecond {
		return newError(KindConfig, op, "tick %v outside 1-10ms", c.Tick)
	}
	if c.Snap < 0 {
		return newError(KindConfig, op, "snap %d must not be negative", c.Snap)
	}
	if c.Rows < 1 || c.Cols < 1 || c.Sets < 1 {
		return newError(KindConfig, op, "screen-set geometry %dx%dx%d", c.Rows, c.Cols, c.Sets)
	}
	if c.MuteGroups < 1 {
		return newError(KindConfig, op, "mute group count %d", c.MuteGroups)
	}
	return nil
}

// Slots is the pattern table capacity.
func (c Config) Slots() int {
	return c.Rows * c.Cols * c.Sets
}

package clock

import (
	"errors"
	"math"
	"math/bits"
	"sync"
	"time"
)

// Ranges accepted by the clock.
const (
	MinPPQN     = 96
	MaxPPQN     = 19200
	DefaultPPQN = 192

	MinBPM     = 2.0
	MaxBPM     = 500.0
	DefaultBPM = 120.0

	// MIDIClockPPQN is the resolution of the MIDI real-time clock.
	MIDIClockPPQN = 24
)

// BPM is held in hundredths so that conversions stay in integer arithmetic.
const (
	bpmScale   = 100
	nanosScale = uint64(60 * time.Second / time.Nanosecond * bpmScale) // ns per minute * bpmScale
)

var (
	ErrRange   = errors.New("clock: value out of range")
	ErrRunning = errors.New("clock: running")
)

// Source provides wall-clock readings.
type Source interface {
	Now() time.Time
}

type systemSource struct{}

func (systemSource) Now() time.Time { return time.Now() }

// System reads the process wall clock.
var System Source = systemSource{}

// Clock converts between wall time and musical pulses for a given PPQN and
// BPM. The mapping is anchored at (startWall, startPulse) and re-anchored on
// every tempo change so the current pulse never jumps.
type Clock struct {
	mu sync.Mutex

	src       Source
	ppqn      int64
	centiBPM  int64
	precision int

	startWall  time.Time
	startPulse int64
	running    bool
	last       int64 // last pulse handed out by NowPulses
}

// New creates a stopped clock at pulse 0.
func New(ppqn int, bpm float64, src Source) (*Clock, error) {
	if ppqn < MinPPQN || ppqn > MaxPPQN {
		return nil, ErrRange
	}
	if bpm < MinBPM || bpm > MaxBPM {
		return nil, ErrRange
	}
	if src == nil {
		src = System
	}
	c := &Clock{
		src:       src,
		ppqn:      int64(ppqn),
		precision: 2,
		startWall: src.Now(),
	}
	c.centiBPM = c.roundBPM(bpm)
	return c, nil
}

// SetPrecision sets how many fractional BPM digits (0, 1 or 2) are kept.
func (c *Clock) SetPrecision(digits int) {
	if digits < 0 {
		digits = 0
	}
	if digits > 2 {
		digits = 2
	}
	c.mu.Lock()
	c.precision = digits
	c.mu.Unlock()
}

func (c *Clock) roundBPM(bpm float64) int64 {
	step := math.Pow10(2 - c.precision)
	return int64(math.Round(bpm*bpmScale/step) * step)
}

// PPQN returns the pulse resolution.
func (c *Clock) PPQN() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return int(c.ppqn)
}

// BPM returns the current tempo.
func (c *Clock) BPM() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return float64(c.centiBPM) / bpmScale
}

// Running reports whether pulses are advancing.
func (c *Clock) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Source returns the wall-clock source.
func (c *Clock) Source() Source {
	return c.src
}

// NowPulses returns the current pulse. It never returns a value lower than
// a previous call, even if the wall clock steps backwards.
func (c *Clock) NowPulses() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nowLocked(c.src.Now())
}

func (c *Clock) nowLocked(now time.Time) int64 {
	if !c.running {
		return c.startPulse
	}
	p := c.startPulse + nanosToPulses(int64(now.Sub(c.startWall)), c.rate())
	if p < c.last {
		return c.last
	}
	c.last = p
	return p
}

// PulseToWall returns the wall time at which pulse p starts.
func (c *Clock) PulseToWall(p int64) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.wallLocked(p)
}

func (c *Clock) wallLocked(p int64) time.Time {
	return c.startWall.Add(time.Duration(pulsesToNanos(p-c.startPulse, c.rate())))
}

// WallToPulse returns the pulse in progress at wall time t.
func (c *Clock) WallToPulse(t time.Time) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.startPulse + nanosToPulses(int64(t.Sub(c.startWall)), c.rate())
}

// PulseDuration is the length of one pulse at the current tempo.
func (c *Clock) PulseDuration() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Duration(pulsesToNanos(1, c.rate()))
}

// SetBPM changes the tempo. The mapping is re-anchored at the current
// instant, carrying the fraction of the pulse in progress, so NowPulses
// is continuous across the change.
func (c *Clock) SetBPM(bpm float64) error {
	if bpm < MinBPM || bpm > MaxBPM {
		return ErrRange
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	next := c.roundBPM(bpm)
	if next == c.centiBPM {
		return nil
	}
	if c.running {
		now := c.src.Now()
		p := c.nowLocked(now)
		delta := int64(now.Sub(c.wallLocked(p)))
		oldRate := c.rate()
		c.centiBPM = next
		adj := mulDiv(delta, oldRate, c.rate(), false)
		c.startWall = now.Add(-time.Duration(adj))
		c.startPulse = p
		return nil
	}
	c.centiBPM = next
	return nil
}

// SetPPQN changes the resolution. Only allowed while stopped.
func (c *Clock) SetPPQN(ppqn int) error {
	if ppqn < MinPPQN || ppqn > MaxPPQN {
		return ErrRange
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return ErrRunning
	}
	c.ppqn = int64(ppqn)
	return nil
}

// Start resumes pulse flow from the current position.
func (c *Clock) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return
	}
	c.startWall = c.src.Now()
	c.last = c.startPulse
	c.running = true
}

// Stop freezes the clock at the current pulse.
func (c *Clock) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return
	}
	c.startPulse = c.nowLocked(c.src.Now())
	c.last = c.startPulse
	c.running = false
}

// Reposition moves the clock to pulse p.
func (c *Clock) Reposition(p int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.startWall = c.src.Now()
	c.startPulse = p
	c.last = p
}

// MIDIClockIndex returns how many 24-PPQN clocks have elapsed at pulse p.
// Clock n falls on pulse ceil(n*PPQN/24).
func (c *Clock) MIDIClockIndex(p int64) int64 {
	c.mu.Lock()
	ppqn := c.ppqn
	c.mu.Unlock()
	return floorDiv(p*MIDIClockPPQN, ppqn)
}

// MIDIClockPulse returns the pulse on which the n-th MIDI clock falls.
func (c *Clock) MIDIClockPulse(n int64) int64 {
	c.mu.Lock()
	ppqn := c.ppqn
	c.mu.Unlock()
	return -floorDiv(-n*ppqn, MIDIClockPPQN)
}

// rate is pulses per minute scaled by bpmScale.
func (c *Clock) rate() uint64 {
	return uint64(c.centiBPM) * uint64(c.ppqn)
}

// pulsesToNanos rounds up so that nanosToPulses(pulsesToNanos(k)) == k: one
// pulse is always longer than a nanosecond.
func pulsesToNanos(k int64, rate uint64) int64 {
	return mulDiv(k, nanosScale, rate, true)
}

func nanosToPulses(n int64, rate uint64) int64 {
	return mulDiv(n, rate, nanosScale, false)
}

// mulDiv computes a*b/c rounded towards -inf (or +inf when ceil is set)
// using a 128-bit intermediate. Results that do not fit are saturated.
func mulDiv(a int64, b, c uint64, ceil bool) int64 {
	neg := a < 0
	ua := uint64(a)
	if neg {
		ua = uint64(-a)
	}
	hi, lo := bits.Mul64(ua, b)
	if hi >= c {
		if neg {
			return math.MinInt64
		}
		return math.MaxInt64
	}
	q, r := bits.Div64(hi, lo, c)
	if q > math.MaxInt64-1 {
		q = math.MaxInt64 - 1
	}
	switch {
	case !neg && ceil && r != 0:
		q++
	case neg && !ceil && r != 0:
		q++
	}
	if neg {
		return -int64(q)
	}
	return int64(q)
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

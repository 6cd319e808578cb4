package clock

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func newTestClock(t *testing.T, ppqn int, bpm float64) (*Clock, *Manual) {
	t.Helper()
	src := NewManual(epoch)
	c, err := New(ppqn, bpm, src)
	require.NoError(t, err)
	return c, src
}

func TestNewRejectsOutOfRange(t *testing.T) {
	_, err := New(48, 120, nil)
	assert.ErrorIs(t, err, ErrRange)
	_, err = New(192, 1, nil)
	assert.ErrorIs(t, err, ErrRange)
	_, err = New(192, 501, nil)
	assert.ErrorIs(t, err, ErrRange)
}

func TestPulsesAdvanceAtTempo(t *testing.T) {
	c, src := newTestClock(t, 192, 120)
	c.Start()

	assert.Equal(t, int64(0), c.NowPulses())
	src.Advance(time.Second)
	assert.Equal(t, int64(384), c.NowPulses())
	src.Advance(500 * time.Millisecond)
	assert.Equal(t, int64(576), c.NowPulses())
}

func TestRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for _, ppqn := range []int{96, 192, 960, 19200} {
		for _, bpm := range []float64{2, 33.33, 120, 174.5, 500} {
			c, src := newTestClock(t, ppqn, bpm)
			c.Start()
			src.Advance(time.Duration(rng.Int63n(int64(time.Hour))))
			require.NoError(t, c.SetBPM(bpm*0.9+1))
			for i := 0; i < 200; i++ {
				p := rng.Int63n(1<<32) - 1<<31
				w := c.PulseToWall(p)
				require.Equal(t, p, c.WallToPulse(w), "ppqn=%d bpm=%v p=%d", ppqn, bpm, p)
				require.True(t, w.Equal(c.PulseToWall(c.WallToPulse(w))))
			}
		}
	}
}

func TestWallBeforePulseBoundaryIsPreviousPulse(t *testing.T) {
	c, _ := newTestClock(t, 192, 120)
	w := c.PulseToWall(100)
	assert.Equal(t, int64(99), c.WallToPulse(w.Add(-time.Nanosecond)))
}

func TestTempoChangeMidPlay(t *testing.T) {
	c, src := newTestClock(t, 192, 120)
	c.Start()

	src.Advance(time.Second)
	require.Equal(t, int64(384), c.NowPulses())
	require.NoError(t, c.SetBPM(240))

	assert.WithinDuration(t, epoch.Add(1750*time.Millisecond), c.PulseToWall(960), 0)
	src.Advance(750 * time.Millisecond)
	assert.Equal(t, int64(960), c.NowPulses())
}

func TestTempoChangeIsContinuous(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	c, src := newTestClock(t, 192, 120)
	c.Start()
	for i := 0; i < 1000; i++ {
		src.Advance(time.Duration(rng.Int63n(int64(50 * time.Millisecond))))
		before := c.NowPulses()
		require.NoError(t, c.SetBPM(2+rng.Float64()*498))
		after := c.NowPulses()
		require.Equal(t, before, after)
	}
}

func TestNowPulsesIsMonotonic(t *testing.T) {
	c, src := newTestClock(t, 192, 120)
	c.Start()
	src.Advance(time.Second)
	p := c.NowPulses()
	src.Set(epoch.Add(500 * time.Millisecond))
	assert.Equal(t, p, c.NowPulses())
}

func TestStopFreezesAndStartResumes(t *testing.T) {
	c, src := newTestClock(t, 192, 120)
	c.Start()
	src.Advance(time.Second)
	c.Stop()
	src.Advance(time.Hour)
	assert.Equal(t, int64(384), c.NowPulses())

	c.Start()
	src.Advance(time.Second)
	assert.Equal(t, int64(768), c.NowPulses())
}

func TestSetPPQNOnlyWhileStopped(t *testing.T) {
	c, _ := newTestClock(t, 192, 120)
	require.NoError(t, c.SetPPQN(960))
	assert.Equal(t, 960, c.PPQN())

	c.Start()
	assert.ErrorIs(t, c.SetPPQN(192), ErrRunning)
	assert.ErrorIs(t, c.SetPPQN(10), ErrRange)
}

func TestBPMPrecision(t *testing.T) {
	c, _ := newTestClock(t, 192, 120)
	c.SetPrecision(0)
	require.NoError(t, c.SetBPM(133.7))
	assert.Equal(t, 134.0, c.BPM())

	c.SetPrecision(1)
	require.NoError(t, c.SetBPM(133.74))
	assert.InDelta(t, 133.7, c.BPM(), 1e-9)
}

func TestMIDIClockPulses(t *testing.T) {
	c, _ := newTestClock(t, 192, 120)
	assert.Equal(t, int64(0), c.MIDIClockPulse(0))
	assert.Equal(t, int64(8), c.MIDIClockPulse(1))
	assert.Equal(t, int64(1), c.MIDIClockIndex(8))
	assert.Equal(t, int64(0), c.MIDIClockIndex(7))

	require.NoError(t, c.SetPPQN(100))
	// 100/24 is not integral; clock 1 falls on ceil(4.17).
	assert.Equal(t, int64(5), c.MIDIClockPulse(1))
	assert.Equal(t, int64(0), c.MIDIClockIndex(4))
	assert.Equal(t, int64(1), c.MIDIClockIndex(5))
}

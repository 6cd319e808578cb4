package bus

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gomidi "gitlab.com/gomidi/midi/v2"

	"go-perform/clock"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func newTestMaster(t *testing.T, capacity int, policy ClockPolicy) (*Master, *Recorder, *clock.Manual) {
	t.Helper()
	src := clock.NewManual(t0)
	rec := NewRecorder(src)
	m := NewMaster(capacity)
	require.Equal(t, 0, m.AddOutput("synth", rec, policy))
	return m, rec, src
}

func bytesOf(sent []Sent) [][]byte {
	out := make([][]byte, len(sent))
	for i, s := range sent {
		out[i] = []byte(s.Msg)
	}
	return out
}

func TestFlushSendsDueInDeadlineOrder(t *testing.T) {
	m, rec, _ := newTestMaster(t, 0, ClockOff)

	require.NoError(t, m.Submit(0, t0.Add(2*time.Millisecond), 0, gomidi.NoteOn(0, 62, 100)))
	require.NoError(t, m.Submit(0, t0.Add(time.Millisecond), 0, gomidi.NoteOn(0, 61, 100)))
	require.NoError(t, m.Submit(0, t0.Add(5*time.Millisecond), 0, gomidi.NoteOn(0, 63, 100)))

	assert.Equal(t, 2, m.Flush(t0.Add(2*time.Millisecond)))
	assert.Equal(t, [][]byte{{0x90, 61, 100}, {0x90, 62, 100}}, bytesOf(rec.Sent()))
	assert.Equal(t, 1, m.Output(0).Len())
}

func TestEqualDeadlinesGoInPatternOrder(t *testing.T) {
	m, rec, _ := newTestMaster(t, 0, ClockOff)
	at := t0.Add(time.Millisecond)

	require.NoError(t, m.Submit(0, at, 3, gomidi.NoteOn(0, 3, 100)))
	require.NoError(t, m.Submit(0, at, 1, gomidi.NoteOn(0, 1, 100)))
	require.NoError(t, m.Submit(0, at, 1, gomidi.NoteOn(0, 2, 100)))
	m.Flush(at)

	assert.Equal(t, [][]byte{{0x90, 1, 100}, {0x90, 2, 100}, {0x90, 3, 100}}, bytesOf(rec.Sent()))
}

func TestOverrunPrefersNoteOffs(t *testing.T) {
	m, rec, _ := newTestMaster(t, 2, ClockOff)
	at := t0

	require.NoError(t, m.Submit(0, at, 0, gomidi.NoteOn(0, 60, 100)))
	require.NoError(t, m.Submit(0, at.Add(time.Millisecond), 0, gomidi.NoteOn(0, 61, 100)))
	// Full: a Note-On is dropped, a Note-Off evicts the latest Note-On.
	require.NoError(t, m.Submit(0, at, 0, gomidi.NoteOn(0, 62, 100)))
	require.NoError(t, m.Submit(0, at.Add(2*time.Millisecond), 0, gomidi.NoteOff(0, 60)))

	st := m.Output(0).Stats()
	assert.Equal(t, uint64(1), st.Dropped)
	assert.Equal(t, uint64(1), st.Evicted)

	m.Flush(at.Add(time.Second))
	assert.Equal(t, [][]byte{{0x90, 60, 100}, {0x80, 60, 0}}, bytesOf(rec.Sent()))
}

func TestSendErrorsAreCounted(t *testing.T) {
	m, rec, _ := newTestMaster(t, 0, ClockOff)
	rec.FailWith(errors.New("unplugged"))
	require.NoError(t, m.Submit(0, t0, 0, gomidi.NoteOn(0, 60, 100)))
	assert.Equal(t, 0, m.Flush(t0))
	assert.Equal(t, uint64(1), m.Output(0).Stats().Dropped)
}

func TestSubmitToUnknownBus(t *testing.T) {
	m, _, _ := newTestMaster(t, 0, ClockOff)
	assert.ErrorIs(t, m.Submit(4, t0, 0, gomidi.NoteOn(0, 60, 100)), ErrNoBus)
}

func TestPanicClearsAndSendsAllNotesOff(t *testing.T) {
	m, rec, _ := newTestMaster(t, 0, ClockOff)
	second := NewRecorder(nil)
	m.AddOutput("drums", second, ClockOff)
	require.NoError(t, m.Submit(0, t0.Add(time.Second), 0, gomidi.NoteOn(0, 60, 100)))

	m.Panic(t0)
	m.Flush(t0.Add(time.Hour))

	for _, r := range []*Recorder{rec, second} {
		sent := r.Sent()
		require.Len(t, sent, 16)
		for ch, s := range sent {
			assert.Equal(t, []byte{0xB0 | byte(ch), 123, 0}, []byte(s.Msg))
		}
	}
}

func TestClockPolicies(t *testing.T) {
	m := NewMaster(0)
	off, pos, mod := NewRecorder(nil), NewRecorder(nil), NewRecorder(nil)
	m.AddOutput("off", off, ClockOff)
	m.AddOutput("pos", pos, ClockPos)
	m.AddOutput("mod", mod, ClockMod)

	m.Start(t0, 0)
	m.Clock(t0)
	m.Flush(t0)
	m.Stop(t0)

	assert.Empty(t, off.Sent())
	assert.Equal(t, [][]byte{{0xFA}, {0xF8}, {0xFC}}, bytesOf(pos.Sent()))
	assert.Empty(t, mod.Sent(), "no other master yet")

	in := m.AddInput("link", true, nil)
	m.Deliver(in, []byte{0xFA}, t0)
	assert.True(t, m.ExternalMaster())
	assert.Zero(t, len(m.Incoming()), "real-time input is not queued")
	m.Clock(t0)
	m.Flush(t0)
	assert.Equal(t, [][]byte{{0xF8}}, bytesOf(mod.Sent()))

	m.Deliver(in, []byte{0xFC}, t0)
	assert.False(t, m.ExternalMaster())
	mod.Reset()
	m.Clock(t0)
	m.Flush(t0)
	assert.Empty(t, mod.Sent())

	pos.Reset()
	m.Start(t0, 16)
	m.Flush(t0)
	require.Len(t, pos.Sent(), 2)
	assert.Equal(t, byte(0xF2), pos.Sent()[0].Msg[0])
	assert.Equal(t, []byte{0xFB}, []byte(pos.Sent()[1].Msg))
}

func TestDeliverRoutesInput(t *testing.T) {
	m := NewMaster(0)
	in := m.AddInput("keys", true, nil)

	var seen []Incoming
	m.SetControlHook(func(i Incoming) bool {
		seen = append(seen, i)
		return i.Msg[0]&0xF0 == 0xB0
	})

	buf := []byte{0x90, 60, 100}
	m.Deliver(in, buf, t0)
	buf[1] = 0 // driver reuses its buffer
	m.Deliver(in, []byte{0xB0, 1, 2}, t0)

	require.Len(t, seen, 2)
	select {
	case got := <-m.Incoming():
		assert.Equal(t, []byte{0x90, 60, 100}, []byte(got.Msg))
	default:
		t.Fatal("note was not queued")
	}
	select {
	case got := <-m.Incoming():
		t.Fatalf("control message leaked: %v", got)
	default:
	}

	require.NoError(t, m.SetInput(in, false))
	m.Deliver(in, []byte{0x90, 61, 100}, t0)
	assert.Len(t, seen, 2)
	assert.ErrorIs(t, m.SetInput(9, true), ErrNoBus)
}

func TestParseClockPolicy(t *testing.T) {
	p, err := ParseClockPolicy("POS")
	require.NoError(t, err)
	assert.Equal(t, ClockPos, p)
	_, err = ParseClockPolicy("master")
	assert.Error(t, err)
}

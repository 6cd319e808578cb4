package songfile

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gomidi "gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/smf"

	"go-perform/bus"
	"go-perform/clock"
	"go-perform/midi"
	"go-perform/sequencer"
)

func testSong() sequencer.Song {
	on := midi.NewNoteOn(0, 0, 60, 100)
	off := midi.NewNoteOff(96, 0, 60, 64)
	on.ID, off.ID = 7, 9
	on.Link, off.Link = 9, 7
	return sequencer.Song{
		PPQN:        192,
		BPM:         128,
		BeatsPerBar: 4,
		BeatWidth:   4,
		Patterns: map[int]sequencer.PatternSpec{
			3: {
				Name:         "bass",
				Length:       768,
				BeatsPerBar:  4,
				BeatWidth:    4,
				Bus:          1,
				Channel:      2,
				Color:        5,
				Transposable: true,
				Snap:         48,
				Events:       []midi.Event{on, off, midi.NewCC(384, 0, 74, 30)},
				Triggers:     []sequencer.Trigger{{Start: 0, End: 1535, Offset: 0, Transposable: true}},
			},
			0: {Name: "drums", Length: 384, BeatsPerBar: 4, BeatWidth: 4, Channel: sequencer.ChannelFree},
		},
		MuteGroups: map[int][]int{1: {3, 0}},
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, testSong()))
	text := buf.String()
	assert.Contains(t, text, "version: 1")
	assert.Contains(t, text, "- [0, 144, 60, 100, 2]", "events are flow rows linked by row number")

	got, err := Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, 192, got.PPQN)
	assert.Equal(t, 128.0, got.BPM)
	assert.Equal(t, []int{0, 3}, got.MuteGroups[1])

	bass := got.Patterns[3]
	assert.Equal(t, "bass", bass.Name)
	assert.Equal(t, 2, bass.Channel)
	assert.Equal(t, 1, bass.Bus)
	assert.Equal(t, int64(48), bass.Snap)
	assert.True(t, bass.Transposable)
	require.Len(t, bass.Events, 3)
	assert.Equal(t, bass.Events[1].ID, bass.Events[0].Link)
	assert.Equal(t, bass.Events[0].ID, bass.Events[1].Link)
	assert.Zero(t, bass.Events[2].Link)
	assert.Equal(t, []sequencer.Trigger{{Start: 0, End: 1535, Transposable: true}}, bass.Triggers)
	assert.Equal(t, sequencer.ChannelFree, got.Patterns[0].Channel)
}

func TestDecodeRejectsBadFiles(t *testing.T) {
	cases := map[string]string{
		"empty":         "",
		"version":       "version: 9\nengine: {ppqn: 192}\n",
		"no version":    "engine: {ppqn: 192}\n",
		"unknown field": "version: 1\ntempo: 3\n",
		"short event":   "version: 1\npatterns:\n  - slot: 0\n    events:\n      - [5]\n",
		"event byte":    "version: 1\npatterns:\n  - slot: 0\n    events:\n      - [0, 300, 1, 1]\n",
		"duplicate":     "version: 1\npatterns:\n  - slot: 2\n  - slot: 2\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(strings.NewReader(body))
			assert.ErrorIs(t, err, ErrFormat)
		})
	}
}

func TestDecodeFillsShortEvents(t *testing.T) {
	s, err := Decode(strings.NewReader("version: 1\npatterns:\n  - slot: 0\n    length: 768\n    events:\n      - [10, 192, 5]\n"))
	require.NoError(t, err)
	ev := s.Patterns[0].Events
	require.Len(t, ev, 1)
	assert.Equal(t, midi.Event{Tick: 10, Status: 0xC0, Data: [2]byte{5, 0}, ID: 1}, ev[0])
}

func TestSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "songs", "set.yaml")
	require.NoError(t, Save(path, testSong()))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temporary file left behind")

	s, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, s.Patterns, 2)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestSavedSongLoadsIntoEngine(t *testing.T) {
	bm := bus.NewMaster(0)
	bm.AddOutput("a", bus.NewRecorder(clock.System), bus.ClockOff)
	bm.AddOutput("b", bus.NewRecorder(clock.System), bus.ClockOff)
	e, err := sequencer.New(sequencer.DefaultConfig(), bm)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, testSong()))
	s, err := Decode(&buf)
	require.NoError(t, err)
	require.NoError(t, e.LoadSong(s))

	p := e.Pattern(3)
	require.NotNil(t, p)
	assert.Equal(t, 3, p.EventCount())
	assert.Equal(t, 128.0, e.BPM())

	out := e.Song()
	assert.Equal(t, []int{0, 3}, out.MuteGroups[1])
	assert.Equal(t, int64(96), out.Patterns[3].Events[1].Tick)
}

func buildSMF(t *testing.T) []byte {
	t.Helper()
	s := smf.New()
	s.TimeFormat = smf.MetricTicks(480)

	var meta smf.Track
	meta.Add(0, smf.MetaTempo(100))
	meta.Add(0, smf.MetaTimeSig(3, 2, 24, 8))
	meta.Close(0)
	require.NoError(t, s.Add(meta))

	var bass smf.Track
	bass.Add(0, smf.MetaTrackSequenceName("bass"))
	bass.Add(0, gomidi.NoteOn(2, 36, 100))
	bass.Add(240, gomidi.NoteOff(2, 36))
	bass.Add(1200, gomidi.NoteOn(2, 38, 90))
	bass.Add(240, gomidi.NoteOff(2, 38))
	bass.Close(0)
	require.NoError(t, s.Add(bass))

	var keys smf.Track
	keys.Add(0, gomidi.NoteOn(0, 60, 100))
	keys.Add(0, gomidi.NoteOn(1, 64, 100))
	keys.Add(480, gomidi.NoteOff(0, 60))
	keys.Add(0, gomidi.NoteOff(1, 64))
	keys.Close(0)
	require.NoError(t, s.Add(keys))

	var buf bytes.Buffer
	_, err := s.WriteTo(&buf)
	require.NoError(t, err)
	return buf.Bytes()
}

func TestImportSMF(t *testing.T) {
	s, err := ImportSMF(bytes.NewReader(buildSMF(t)), ImportOptions{PPQN: 192, FirstSlot: 4, WithTriggers: true})
	require.NoError(t, err)

	assert.Equal(t, 192, s.PPQN)
	assert.Equal(t, 100.0, s.BPM)
	assert.Equal(t, 3, s.BeatsPerBar)
	assert.Equal(t, 4, s.BeatWidth)
	require.Len(t, s.Patterns, 2, "the tempo track has no channel events")

	bass := s.Patterns[4]
	assert.Equal(t, "bass", bass.Name)
	assert.Equal(t, 2, bass.Channel)
	assert.Equal(t, int64(1152), bass.Length, "two bars of 3/4")
	var ticks []int64
	for _, e := range bass.Events {
		ticks = append(ticks, e.Tick)
	}
	assert.Equal(t, []int64{0, 96, 576, 672}, ticks)
	assert.Equal(t, []sequencer.Trigger{{Start: 0, End: 1151}}, bass.Triggers)

	keys := s.Patterns[5]
	assert.Equal(t, "track 3", keys.Name)
	assert.Equal(t, sequencer.ChannelFree, keys.Channel)
	assert.Equal(t, int64(576), keys.Length)
}

func TestImportSMFRejectsGarbage(t *testing.T) {
	_, err := ImportSMF(strings.NewReader("not a midi file"), ImportOptions{})
	assert.ErrorIs(t, err, ErrFormat)
}

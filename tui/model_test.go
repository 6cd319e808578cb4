package tui

import (
	"path/filepath"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-perform/bus"
	"go-perform/clock"
	"go-perform/sequencer"
	"go-perform/songfile"
)

func newTestModel(t *testing.T, songPath string) Model {
	t.Helper()
	m := bus.NewMaster(0)
	m.AddOutput("synth", bus.NewRecorder(clock.System), bus.ClockOff)
	cfg := sequencer.DefaultConfig()
	cfg.Rows, cfg.Cols, cfg.Sets = 2, 4, 2
	e, err := sequencer.New(cfg, m)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return NewModel(e, nil, nil, songPath)
}

func press(t *testing.T, m Model, keys ...tea.KeyMsg) Model {
	t.Helper()
	for _, k := range keys {
		next, _ := m.Update(k)
		m = next.(Model)
	}
	return m
}

func runes(s string) tea.KeyMsg { return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)} }

func TestCursorMovesWithinGrid(t *testing.T) {
	m := newTestModel(t, "")
	m = press(t, m, runes("k"), runes("h"))
	assert.Equal(t, 0, m.cursorID(), "clamped at the top left")

	m = press(t, m, runes("l"), runes("l"), runes("j"), tea.KeyMsg{Type: tea.KeyDown}, tea.KeyMsg{Type: tea.KeyRight})
	assert.Equal(t, 1, m.row)
	assert.Equal(t, 3, m.col)
	assert.Equal(t, 7, m.cursorID())
}

func TestToggleCreatedPattern(t *testing.T) {
	m := newTestModel(t, "")
	m = press(t, m, runes("l"), runes("n"))
	p := m.Engine.Pattern(1)
	require.NotNil(t, p)
	assert.False(t, p.Armed())

	m = press(t, m, tea.KeyMsg{Type: tea.KeySpace})
	assert.True(t, p.Armed())
	assert.Empty(t, m.status)

	m = press(t, m, runes("d"))
	assert.Nil(t, m.Engine.Pattern(1))
}

func TestErrorsGoToStatusLine(t *testing.T) {
	m := newTestModel(t, "")
	m = press(t, m, tea.KeyMsg{Type: tea.KeySpace})
	assert.NotEmpty(t, m.status, "toggling an empty slot fails")
	assert.Contains(t, m.View(), m.status)

	m = press(t, m, runes("h"))
	assert.Empty(t, m.status, "the next key clears it")
}

func TestPlayingSetFollowsKeys(t *testing.T) {
	m := newTestModel(t, "")
	m = press(t, m, runes("]"))
	assert.Equal(t, 1, m.Engine.PlayingSet())
	assert.Equal(t, 8, m.cursorID())

	m = press(t, m, runes("]"))
	assert.Equal(t, 1, m.Engine.PlayingSet(), "clamped at the last set")
	m = press(t, m, runes("["), runes("["))
	assert.Equal(t, 0, m.Engine.PlayingSet())
}

func TestTempoAndModeKeys(t *testing.T) {
	m := newTestModel(t, "")
	bpm := m.Engine.BPM()
	m = press(t, m, runes("+"), runes("+"), runes("-"))
	assert.Equal(t, bpm+1, m.Engine.BPM())

	m = press(t, m, runes("m"))
	assert.Equal(t, sequencer.ModeSong, m.Engine.Mode())
	m = press(t, m, runes("K"))
	assert.True(t, m.Engine.KeepQueue())
	assert.Contains(t, m.View(), "KEEP")
}

func TestRecordCycle(t *testing.T) {
	m := newTestModel(t, "")
	m = press(t, m, runes("n"))
	p := m.Engine.Pattern(0)
	require.NotNil(t, p)

	for _, want := range []sequencer.RecordMode{
		sequencer.RecordMerge, sequencer.RecordOverwrite, sequencer.RecordExpand, sequencer.RecordOff,
	} {
		m = press(t, m, runes("r"))
		assert.Equal(t, want, p.Recording())
	}
}

func TestViewShowsPatterns(t *testing.T) {
	m := newTestModel(t, "")
	_, err := m.Engine.NewPattern(2, sequencer.PatternSpec{Name: "kick"})
	require.NoError(t, err)

	view := m.View()
	assert.Contains(t, view, "go-perform")
	assert.Contains(t, view, "kick")
	assert.Contains(t, view, "set 1/2")

	m = press(t, m, runes("?"))
	assert.Contains(t, m.View(), "Transport")
}

func TestSaveWritesSong(t *testing.T) {
	m := newTestModel(t, "")
	m = press(t, m, tea.KeyMsg{Type: tea.KeyCtrlS})
	assert.Contains(t, m.status, "no song file")

	path := filepath.Join(t.TempDir(), "live.yaml")
	m = newTestModel(t, path)
	_, err := m.Engine.NewPattern(0, sequencer.PatternSpec{Name: "kick"})
	require.NoError(t, err)
	require.True(t, m.Engine.Modified())

	m = press(t, m, tea.KeyMsg{Type: tea.KeyCtrlS})
	assert.Equal(t, "saved "+path, m.status)
	assert.False(t, m.Engine.Modified())

	s, err := songfile.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "kick", s.Patterns[0].Name)
}

func TestQuitStops(t *testing.T) {
	m := newTestModel(t, "")
	next, cmd := m.Update(runes("q"))
	assert.NotNil(t, cmd)
	assert.Empty(t, next.View())
}

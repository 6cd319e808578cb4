package tui

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"go-perform/midi"
	"go-perform/sequencer"
	"go-perform/songfile"
	"go-perform/theme"
	"go-perform/widgets"
)

const cellWidth = 10

type Model struct {
	Engine   *sequencer.Engine
	Ports    *midi.PortWatcher // may be nil
	Theme    *theme.Theme
	SongPath string

	row, col int
	showHelp bool
	status   string
	quitting bool
}

type UpdateMsg struct{}

type PortEventMsg midi.PortEvent

func NewModel(e *sequencer.Engine, ports *midi.PortWatcher, th *theme.Theme, songPath string) Model {
	if th == nil {
		th = theme.Default()
	}
	return Model{Engine: e, Ports: ports, Theme: th, SongPath: songPath}
}

func ListenForUpdates(e *sequencer.Engine) tea.Cmd {
	return func() tea.Msg {
		<-e.UpdateChan
		return UpdateMsg{}
	}
}

func ListenForPorts(w *midi.PortWatcher) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-w.Events()
		if !ok {
			return nil
		}
		return PortEventMsg(ev)
	}
}

func (m Model) Init() tea.Cmd {
	cmds := []tea.Cmd{ListenForUpdates(m.Engine)}
	if m.Ports != nil {
		cmds = append(cmds, ListenForPorts(m.Ports))
	}
	return tea.Batch(cmds...)
}

// cursorID is the pattern slot under the cursor.
func (m Model) cursorID() int {
	id, err := m.Engine.ScreenSet().ID(m.Engine.PlayingSet(), m.row, m.col)
	if err != nil {
		return -1
	}
	return id
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "q" || msg.String() == "ctrl+c" {
			m.quitting = true
			_ = m.Engine.Stop()
			return m, tea.Quit
		}
		m.status = ""
		if err := m.handleKey(msg.String()); err != nil {
			m.status = err.Error()
		}

	case UpdateMsg:
		m.Engine.TakeDirty()
		return m, ListenForUpdates(m.Engine)

	case PortEventMsg:
		io := "input"
		if msg.Output {
			io = "output"
		}
		m.status = fmt.Sprintf("%s port %s: %s", io, msg.Type, msg.Name)
		return m, ListenForPorts(m.Ports)
	}

	return m, nil
}

func (m *Model) handleKey(key string) error {
	e := m.Engine
	ss := e.ScreenSet()
	id := m.cursorID()

	switch key {
	case "up", "k":
		m.row = max(0, m.row-1)
	case "down", "j":
		m.row = min(ss.Rows-1, m.row+1)
	case "left", "h":
		m.col = max(0, m.col-1)
	case "right", "l":
		m.col = min(ss.Cols-1, m.col+1)

	case " ", "enter":
		return e.Toggle(id)
	case "u":
		return e.Queue(id)
	case "o":
		return e.OneShot(id)
	case "x":
		return e.SnapOff(id)
	case "n":
		_, err := e.NewPattern(id, sequencer.PatternSpec{Name: fmt.Sprintf("pattern %d", id), Color: id})
		return err
	case "d":
		return e.ClearPattern(id)
	case "r":
		return m.cycleRecording(id)

	case "p":
		if e.Transport() == sequencer.Playing {
			return e.Stop()
		}
		return e.Start()
	case ".":
		return e.Pause()
	case "!":
		e.Panic()
		m.status = "panic: all notes off"
	case "m":
		if e.Mode() == sequencer.ModeLive {
			e.SetMode(sequencer.ModeSong)
		} else {
			e.SetMode(sequencer.ModeLive)
		}

	case "+", "=":
		return e.SetBPM(e.BPM() + 1)
	case "-", "_":
		return e.SetBPM(e.BPM() - 1)
	case "t":
		if bpm := e.TapBPM(); bpm > 0 {
			m.status = fmt.Sprintf("tap: %.2f bpm", bpm)
		}

	case "[":
		return e.SetPlayingSet(max(0, e.PlayingSet()-1))
	case "]":
		return e.SetPlayingSet(min(ss.Sets-1, e.PlayingSet()+1))
	case "K":
		e.SetKeepQueue(!e.KeepQueue())
	case "s":
		return e.Snapshot(0)
	case "S":
		return e.Snapshot(1)
	case "L":
		e.SetLearn(!e.Learning())
	case "1", "2", "3", "4", "5", "6", "7", "8", "9":
		return e.ApplyMuteGroup(int(key[0] - '1'))

	case "ctrl+s":
		return m.save()
	case "?":
		m.showHelp = !m.showHelp
	}
	return nil
}

// cycleRecording steps off, merge, overwrite, expand, off.
func (m *Model) cycleRecording(id int) error {
	p := m.Engine.Pattern(id)
	if p == nil {
		return fmt.Errorf("slot %d is empty", id)
	}
	next := map[sequencer.RecordMode]sequencer.RecordMode{
		sequencer.RecordOff:       sequencer.RecordMerge,
		sequencer.RecordMerge:     sequencer.RecordOverwrite,
		sequencer.RecordOverwrite: sequencer.RecordExpand,
	}
	mode, ok := next[p.Recording()]
	if !ok {
		return m.Engine.DisarmRecording(id)
	}
	return m.Engine.ArmRecording(id, mode, false)
}

func (m *Model) save() error {
	if m.SongPath == "" {
		return fmt.Errorf("no song file; start with --song")
	}
	if err := songfile.Save(m.SongPath, m.Engine.Song()); err != nil {
		return err
	}
	m.Engine.MarkSaved()
	m.status = "saved " + m.SongPath
	return nil
}

func (m Model) pad(id int, cursor bool) widgets.Pad {
	sym := m.Theme.Symbols
	p := m.Engine.Pattern(id)
	if p == nil {
		return widgets.Pad{Symbol: sym.Empty, Color: m.Theme.Muted(), Cursor: cursor}
	}
	pad := widgets.Pad{Symbol: sym.Muted, Label: p.Name(), Color: m.Theme.PatternColor(p.Color()), Cursor: cursor}
	switch {
	case p.Recording() != sequencer.RecordOff:
		pad.Symbol = sym.Recording
	case p.OneShot():
		pad.Symbol = sym.OneShot
	case p.SnapOff():
		pad.Symbol = sym.SnapOff
	case p.Queued():
		pad.Symbol = sym.Queued
	case p.Armed() || p.SongActive():
		pad.Symbol = sym.Armed
	}
	return pad
}

func (m Model) View() string {
	if m.quitting {
		return ""
	}
	e := m.Engine
	ss := e.ScreenSet()

	headerStyle := lipgloss.NewStyle().Foreground(m.Theme.Accent())
	dimStyle := lipgloss.NewStyle().Foreground(m.Theme.Muted())
	warnStyle := lipgloss.NewStyle().Foreground(m.Theme.Warning())

	pos := e.Position()
	bar := e.BarLength()
	beat := int64(e.PPQN())
	flags := ""
	if e.KeepQueue() {
		flags += " KEEP"
	}
	if e.Learning() {
		flags += " LEARN"
	}
	if e.Modified() {
		flags += " *"
	}
	header := headerStyle.Render(fmt.Sprintf("go-perform  %-7s %s  %6.2fbpm  %3d.%d  set %d/%d%s",
		strings.ToUpper(e.Transport().String()), strings.ToUpper(e.Mode().String()), e.BPM(),
		pos/bar+1, (pos%bar)/beat+1, e.PlayingSet()+1, ss.Sets, flags))

	grid := make([][]widgets.Pad, ss.Rows)
	for r := range grid {
		grid[r] = make([]widgets.Pad, ss.Cols)
		for c := range grid[r] {
			id, _ := ss.ID(e.PlayingSet(), r, c)
			grid[r][c] = m.pad(id, r == m.row && c == m.col)
		}
	}
	gridView := widgets.RenderPadGrid(grid, cellWidth, m.Theme.Cursor())

	st := e.Stats()
	stats := fmt.Sprintf("late %d  record errors %d  input dropped %d", st.LateTicks, st.RecordErrors, st.InputDropped)
	for _, b := range st.Buses {
		if b.Dropped+b.Evicted > 0 {
			stats += fmt.Sprintf("  %s dropped %d", b.Name, b.Dropped+b.Evicted)
		}
	}

	var out strings.Builder
	out.WriteString("\n")
	out.WriteString(header)
	out.WriteString("\n\n")
	out.WriteString(gridView)
	out.WriteString("\n\n")
	out.WriteString(dimStyle.Render(stats))
	if m.status != "" {
		out.WriteString("\n")
		out.WriteString(warnStyle.Render(m.status))
	}
	out.WriteString("\n\n")
	if m.showHelp {
		out.WriteString(widgets.RenderKeyHelp(keyHelp))
	} else {
		out.WriteString(dimStyle.Render("space:toggle  p:play/stop  hjkl:move  [ ]:set  +/-:tempo  ?:help  q:quit"))
	}
	return out.String()
}

var keyHelp = []widgets.KeySection{
	{Title: "Patterns", Keys: []widgets.KeyBinding{
		{Key: "space", Desc: "toggle (queued when keep-queue is on)"},
		{Key: "u", Desc: "queue for the next bar"},
		{Key: "o", Desc: "one-shot"},
		{Key: "x", Desc: "snap off at the next bar"},
		{Key: "n / d", Desc: "new / clear pattern"},
		{Key: "r", Desc: "record: merge, overwrite, expand, off"},
	}},
	{Title: "Transport", Keys: []widgets.KeyBinding{
		{Key: "p / .", Desc: "play-stop / pause"},
		{Key: "m", Desc: "live or song mode"},
		{Key: "+ - t", Desc: "tempo up, down, tap"},
		{Key: "!", Desc: "panic"},
	}},
	{Title: "Sets", Keys: []widgets.KeyBinding{
		{Key: "[ ]", Desc: "previous / next screen-set"},
		{Key: "1-9 / L", Desc: "mute group / learn"},
		{Key: "s / S", Desc: "snapshot 1 / 2"},
		{Key: "K", Desc: "keep queue"},
		{Key: "ctrl+s", Desc: "save song"},
	}},
}

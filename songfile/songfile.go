// Package songfile reads and writes songs as YAML and imports Standard
// MIDI Files.
package songfile

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"go-perform/midi"
	"go-perform/sequencer"
)

// Version is written to every file; Load refuses newer ones.
const Version = 1

var ErrFormat = errors.New("songfile: bad format")

type songFile struct {
	Version    int           `yaml:"version"`
	Engine     engineFile    `yaml:"engine"`
	Patterns   []patternFile `yaml:"patterns"`
	MuteGroups []muteGroup   `yaml:"mute_groups,omitempty"`
}

type engineFile struct {
	PPQN        int     `yaml:"ppqn"`
	BPM         float64 `yaml:"bpm"`
	BeatsPerBar int     `yaml:"beats_per_bar"`
	BeatWidth   int     `yaml:"beat_width"`
}

type patternFile struct {
	Slot         int                 `yaml:"slot"`
	Name         string              `yaml:"name,omitempty"`
	Length       int64               `yaml:"length"`
	BeatsPerBar  int                 `yaml:"beats_per_bar"`
	BeatWidth    int                 `yaml:"beat_width"`
	Bus          int                 `yaml:"bus"`
	Channel      int                 `yaml:"channel"` // -1 keeps each event's channel
	Color        int                 `yaml:"color,omitempty"`
	Transposable bool                `yaml:"transposable,omitempty"`
	Snap         int64               `yaml:"snap,omitempty"`
	Events       []eventRow          `yaml:"events,omitempty"`
	Triggers     []sequencer.Trigger `yaml:"triggers,omitempty"`
}

type muteGroup struct {
	Group    int   `yaml:"group"`
	Patterns []int `yaml:"patterns,flow"`
}

// eventRow is one event written as [tick, status, d0, d1, link], link
// being the 1-based row of the linked partner (0 for none).
type eventRow struct {
	Tick   int64
	Status byte
	Data   [2]byte
	Link   int
}

func (r eventRow) MarshalYAML() (any, error) {
	n := &yaml.Node{Kind: yaml.SequenceNode, Style: yaml.FlowStyle}
	for _, v := range []int64{r.Tick, int64(r.Status), int64(r.Data[0]), int64(r.Data[1]), int64(r.Link)} {
		n.Content = append(n.Content, &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!int", Value: fmt.Sprint(v)})
	}
	return n, nil
}

func (r *eventRow) UnmarshalYAML(n *yaml.Node) error {
	var v []int64
	if err := n.Decode(&v); err != nil {
		return err
	}
	if len(v) < 2 || len(v) > 5 {
		return fmt.Errorf("%w: line %d: event needs 2-5 fields", ErrFormat, n.Line)
	}
	for len(v) < 5 {
		v = append(v, 0)
	}
	for _, b := range v[1:4] {
		if b < 0 || b > 255 {
			return fmt.Errorf("%w: line %d: byte %d out of range", ErrFormat, n.Line, b)
		}
	}
	*r = eventRow{Tick: v[0], Status: byte(v[1]), Data: [2]byte{byte(v[2]), byte(v[3])}, Link: int(v[4])}
	return nil
}

func rowsFrom(events []midi.Event) []eventRow {
	row := make(map[uint32]int, len(events))
	for i, e := range events {
		if e.ID != 0 {
			row[e.ID] = i + 1
		}
	}
	rows := make([]eventRow, len(events))
	for i, e := range events {
		rows[i] = eventRow{Tick: e.Tick, Status: e.Status, Data: e.Data}
		if e.Link != 0 {
			rows[i].Link = row[e.Link]
		}
	}
	return rows
}

func eventsFrom(rows []eventRow) []midi.Event {
	events := make([]midi.Event, len(rows))
	for i, r := range rows {
		events[i] = midi.Event{Tick: r.Tick, Status: r.Status, Data: r.Data, ID: uint32(i + 1)}
		if r.Link > 0 && r.Link <= len(rows) && r.Link != i+1 {
			events[i].Link = uint32(r.Link)
		}
	}
	return events
}

// Encode writes s as YAML.
func Encode(w io.Writer, s sequencer.Song) error {
	f := songFile{
		Version: Version,
		Engine: engineFile{
			PPQN:        s.PPQN,
			BPM:         s.BPM,
			BeatsPerBar: s.BeatsPerBar,
			BeatWidth:   s.BeatWidth,
		},
	}
	ids := make([]int, 0, len(s.Patterns))
	for id := range s.Patterns {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		p := s.Patterns[id]
		f.Patterns = append(f.Patterns, patternFile{
			Slot:         id,
			Name:         p.Name,
			Length:       p.Length,
			BeatsPerBar:  p.BeatsPerBar,
			BeatWidth:    p.BeatWidth,
			Bus:          p.Bus,
			Channel:      p.Channel,
			Color:        p.Color,
			Transposable: p.Transposable,
			Snap:         p.Snap,
			Events:       rowsFrom(p.Events),
			Triggers:     p.Triggers,
		})
	}
	groups := make([]int, 0, len(s.MuteGroups))
	for g := range s.MuteGroups {
		groups = append(groups, g)
	}
	sort.Ints(groups)
	for _, g := range groups {
		members := append([]int(nil), s.MuteGroups[g]...)
		sort.Ints(members)
		f.MuteGroups = append(f.MuteGroups, muteGroup{Group: g, Patterns: members})
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(&f); err != nil {
		return err
	}
	return enc.Close()
}

// Decode reads a YAML song. Range checks beyond the file's own structure
// are left to Engine.LoadSong.
func Decode(r io.Reader) (sequencer.Song, error) {
	var f songFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return sequencer.Song{}, fmt.Errorf("%w: empty file", ErrFormat)
		}
		return sequencer.Song{}, fmt.Errorf("%w: %w", ErrFormat, err)
	}
	if f.Version < 1 || f.Version > Version {
		return sequencer.Song{}, fmt.Errorf("%w: version %d not supported", ErrFormat, f.Version)
	}

	s := sequencer.Song{
		PPQN:        f.Engine.PPQN,
		BPM:         f.Engine.BPM,
		BeatsPerBar: f.Engine.BeatsPerBar,
		BeatWidth:   f.Engine.BeatWidth,
		Patterns:    make(map[int]sequencer.PatternSpec, len(f.Patterns)),
		MuteGroups:  make(map[int][]int, len(f.MuteGroups)),
	}
	for _, p := range f.Patterns {
		if _, dup := s.Patterns[p.Slot]; dup {
			return sequencer.Song{}, fmt.Errorf("%w: slot %d appears twice", ErrFormat, p.Slot)
		}
		s.Patterns[p.Slot] = sequencer.PatternSpec{
			Name:         p.Name,
			Length:       p.Length,
			BeatsPerBar:  p.BeatsPerBar,
			BeatWidth:    p.BeatWidth,
			Bus:          p.Bus,
			Channel:      p.Channel,
			Color:        p.Color,
			Transposable: p.Transposable,
			Snap:         p.Snap,
			Events:       eventsFrom(p.Events),
			Triggers:     p.Triggers,
		}
	}
	for _, g := range f.MuteGroups {
		s.MuteGroups[g.Group] = append(s.MuteGroups[g.Group], g.Patterns...)
	}
	return s, nil
}

// Load reads the song at path.
func Load(path string) (sequencer.Song, error) {
	f, err := os.Open(path)
	if err != nil {
		return sequencer.Song{}, err
	}
	defer f.Close()
	s, err := Decode(f)
	if err != nil {
		return sequencer.Song{}, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

// Save writes s to path through a temporary file so a failed write never
// leaves a truncated song behind.
func Save(path string, s sequencer.Song) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".song-*.yaml")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if err := Encode(tmp, s); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

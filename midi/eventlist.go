package midi

import (
	"fmt"
	"sort"
)

// EventList keeps events sorted by Less. Insertion is stable: an event
// lands after every existing event it does not sort before.
//
// Every mutation that moves events bumps the generation so that cursors
// taken earlier know to re-seek.
type EventList struct {
	events []Event
	nextID uint32
	gen    uint64
}

func (l *EventList) Len() int       { return len(l.events) }
func (l *EventList) At(i int) Event { return l.events[i] }
func (l *EventList) Gen() uint64    { return l.gen }

// Events returns a copy of the events in order.
func (l *EventList) Events() []Event {
	out := make([]Event, len(l.events))
	copy(out, l.events)
	return out
}

// Clone returns an independent copy that keeps IDs and the generation.
func (l *EventList) Clone() *EventList {
	return &EventList{events: l.Events(), nextID: l.nextID, gen: l.gen}
}

func (l *EventList) assignID(e *Event) {
	switch {
	case e.ID == 0:
		l.nextID++
		e.ID = l.nextID
	case e.ID > l.nextID:
		l.nextID = e.ID
	}
}

// Insert adds e in order and returns its ID. A zero ID is assigned; a
// non-zero ID is kept (used when loading linked events).
func (l *EventList) Insert(e Event) uint32 {
	l.assignID(&e)
	i := l.upperBound(e)
	l.events = append(l.events, Event{})
	copy(l.events[i+1:], l.events[i:])
	l.events[i] = e
	l.gen++
	return e.ID
}

// InsertNote inserts a linked Note-On/Note-Off pair.
func (l *EventList) InsertNote(on, off Event) (uint32, uint32) {
	on.ID, off.ID = 0, 0
	l.assignID(&on)
	l.assignID(&off)
	on.Link, off.Link = off.ID, on.ID
	l.Insert(on)
	l.Insert(off)
	return on.ID, off.ID
}

func (l *EventList) upperBound(e Event) int {
	return sort.Search(len(l.events), func(i int) bool { return Less(e, l.events[i]) })
}

// LowerBound returns the index of the first event at or after tick.
func (l *EventList) LowerBound(tick int64) int {
	return sort.Search(len(l.events), func(i int) bool { return l.events[i].Tick >= tick })
}

// Find returns the index of the event with the given ID, or -1.
func (l *EventList) Find(id uint32) int {
	if id == 0 {
		return -1
	}
	for i := range l.events {
		if l.events[i].ID == id {
			return i
		}
	}
	return -1
}

// Get returns the event with the given ID.
func (l *EventList) Get(id uint32) (Event, bool) {
	i := l.Find(id)
	if i < 0 {
		return Event{}, false
	}
	return l.events[i], true
}

// Pair links two events as Note-On/Note-Off partners.
func (l *EventList) Pair(a, b uint32) bool {
	i, j := l.Find(a), l.Find(b)
	if i < 0 || j < 0 {
		return false
	}
	l.events[i].Link = b
	l.events[j].Link = a
	return true
}

// Remove deletes an event and its linked partner.
func (l *EventList) Remove(id uint32) bool {
	i := l.Find(id)
	if i < 0 {
		return false
	}
	link := l.events[i].Link
	l.removeIf(func(e Event) bool { return e.ID == id || (link != 0 && e.ID == link) })
	return true
}

// RemoveIf deletes every event for which fn returns true, together with the
// partners of removed notes. It returns the number removed.
func (l *EventList) RemoveIf(fn func(Event) bool) int {
	return l.removeIf(fn)
}

func (l *EventList) removeIf(fn func(Event) bool) int {
	doomed := make(map[uint32]bool)
	for _, e := range l.events {
		if fn(e) {
			doomed[e.ID] = true
			if e.Link != 0 {
				doomed[e.Link] = true
			}
		}
	}
	if len(doomed) == 0 {
		return 0
	}
	kept := l.events[:0]
	for _, e := range l.events {
		if !doomed[e.ID] {
			kept = append(kept, e)
		}
	}
	n := len(l.events) - len(kept)
	l.events = kept
	l.gen++
	return n
}

// RemoveSelected deletes selected events and their partners.
func (l *EventList) RemoveSelected() int {
	return l.removeIf(func(e Event) bool { return e.Selected })
}

func (l *EventList) SelectAll() {
	for i := range l.events {
		l.events[i].Selected = true
	}
}

func (l *EventList) UnselectAll() {
	for i := range l.events {
		l.events[i].Selected = false
	}
}

// SelectRange selects events with t0 <= Tick < t1 that match mask and
// returns how many were newly selected.
func (l *EventList) SelectRange(t0, t1 int64, mask byte) int {
	n := 0
	for i := l.LowerBound(t0); i < len(l.events) && l.events[i].Tick < t1; i++ {
		if l.events[i].Matches(mask) && !l.events[i].Selected {
			l.events[i].Selected = true
			n++
		}
	}
	return n
}

func (l *EventList) CountSelected() int {
	n := 0
	for _, e := range l.events {
		if e.Selected {
			n++
		}
	}
	return n
}

// Update changes an event in place. fn must not change Tick, ID or Link;
// use Transform for that.
func (l *EventList) Update(id uint32, fn func(e *Event)) bool {
	i := l.Find(id)
	if i < 0 {
		return false
	}
	tick, eid, link := l.events[i].Tick, l.events[i].ID, l.events[i].Link
	fn(&l.events[i])
	l.events[i].Tick, l.events[i].ID, l.events[i].Link = tick, eid, link
	return true
}

// Transform applies fn to every event, dropping those for which it returns
// false, and restores order. Links pointing at dropped events are cleared.
func (l *EventList) Transform(fn func(e *Event) bool) {
	kept := make([]Event, 0, len(l.events))
	alive := make(map[uint32]bool, len(l.events))
	for _, e := range l.events {
		if fn(&e) {
			kept = append(kept, e)
			alive[e.ID] = true
		}
	}
	for i := range kept {
		if kept[i].Link != 0 && !alive[kept[i].Link] {
			kept[i].Link = 0
		}
	}
	sort.SliceStable(kept, func(i, j int) bool { return Less(kept[i], kept[j]) })
	l.events = kept
	l.gen++
}

// Shift moves one event by delta pulses.
func (l *EventList) Shift(id uint32, delta int64) bool {
	i := l.Find(id)
	if i < 0 {
		return false
	}
	e := l.events[i]
	l.events = append(l.events[:i], l.events[i+1:]...)
	e.Tick += delta
	j := l.upperBound(e)
	l.events = append(l.events, Event{})
	copy(l.events[j+1:], l.events[j:])
	l.events[j] = e
	l.gen++
	return true
}

type noteKey struct {
	channel uint8
	key     uint8
}

// LinkNotes pairs every Note-On with the next Note-Off of the same channel
// and key. With wrap set, an On left over at the end is paired with an
// unmatched Off earlier in the loop. Anything still unmatched gets a
// synthesized Off at length, or at 0 when wrap is set. Orphan Offs stay.
func (l *EventList) LinkNotes(length int64, wrap bool) {
	for i := range l.events {
		l.events[i].Link = 0
	}

	pending := make(map[noteKey][]int)
	orphanOffs := make(map[noteKey][]int)
	for i, e := range l.events {
		k := noteKey{e.Channel(), e.Key()}
		switch {
		case e.IsNoteOn():
			pending[k] = append(pending[k], i)
		case e.IsNoteOff():
			if q := pending[k]; len(q) > 0 {
				on := q[0]
				pending[k] = q[1:]
				l.events[on].Link = e.ID
				l.events[i].Link = l.events[on].ID
			} else {
				orphanOffs[k] = append(orphanOffs[k], i)
			}
		}
	}

	var synth []Event
	for i := range l.events {
		e := l.events[i]
		if !e.IsNoteOn() || e.Link != 0 {
			continue
		}
		k := noteKey{e.Channel(), e.Key()}
		if wrap {
			if q := orphanOffs[k]; len(q) > 0 && l.events[q[0]].Tick <= e.Tick {
				off := q[0]
				orphanOffs[k] = q[1:]
				l.events[i].Link = l.events[off].ID
				l.events[off].Link = e.ID
				continue
			}
		}
		at := length
		if wrap {
			at = 0
		}
		off := e.OffFor(at)
		l.assignID(&off)
		off.Link = e.ID
		l.events[i].Link = off.ID
		synth = append(synth, off)
	}
	for _, off := range synth {
		j := l.upperBound(off)
		l.events = append(l.events, Event{})
		copy(l.events[j+1:], l.events[j:])
		l.events[j] = off
	}
	l.gen++
}

// Verify checks ordering and linkage.
func (l *EventList) Verify() error {
	byID := make(map[uint32]int, len(l.events))
	for i, e := range l.events {
		if i > 0 && Less(e, l.events[i-1]) {
			return fmt.Errorf("event %d (%v) sorts before event %d (%v)", i, e, i-1, l.events[i-1])
		}
		if e.ID == 0 {
			return fmt.Errorf("event %d has no id", i)
		}
		if _, dup := byID[e.ID]; dup {
			return fmt.Errorf("duplicate id %d", e.ID)
		}
		byID[e.ID] = i
	}
	for _, e := range l.events {
		if e.Link == 0 {
			continue
		}
		j, ok := byID[e.Link]
		if !ok {
			return fmt.Errorf("event %v links to missing id %d", e, e.Link)
		}
		p := l.events[j]
		if p.Link != e.ID {
			return fmt.Errorf("event %v link is not mutual", e)
		}
		if !e.IsNote() || !p.IsNote() || !e.SameNote(p) || e.IsNoteOn() == p.IsNoteOn() {
			return fmt.Errorf("event %v linked to mismatched %v", e, p)
		}
	}
	return nil
}

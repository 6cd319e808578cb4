package sequencer

import (
	"sort"
)

// DefaultUndoDepth bounds trigger undo history.
const DefaultUndoDepth = 32

// Trigger is an interval [Start, End] on the song timeline during which a
// pattern plays. Offset is the position inside the pattern heard at Start.
type Trigger struct {
	Start        int64 `yaml:"start"`
	End          int64 `yaml:"end"`
	Offset       int64 `yaml:"offset"`
	Transposable bool  `yaml:"transposable,omitempty"`
	Selected     bool  `yaml:"-"`
}

// Len is the trigger's span in pulses.
func (t Trigger) Len() int64 { return t.End - t.Start + 1 }

func (t Trigger) Contains(p int64) bool { return p >= t.Start && p <= t.End }

// TriggerList keeps a pattern's triggers sorted by Start and disjoint.
// Triggers are addressed by their index in that order.
type TriggerList struct {
	triggers []Trigger
	length   int64

	undo, redo [][]Trigger
	depth      int
	clipboard  *Trigger
}

// NewTriggerList creates an empty list for a pattern of the given length.
func NewTriggerList(length int64, undoDepth int) *TriggerList {
	if undoDepth <= 0 {
		undoDepth = DefaultUndoDepth
	}
	return &TriggerList{length: length, depth: undoDepth}
}

func (tl *TriggerList) Len() int { return len(tl.triggers) }

// Triggers returns a copy of the triggers in order.
func (tl *TriggerList) Triggers() []Trigger {
	out := make([]Trigger, len(tl.triggers))
	copy(out, tl.triggers)
	return out
}

// Clone copies the list, history included.
func (tl *TriggerList) Clone() *TriggerList {
	c := &TriggerList{
		triggers: tl.Triggers(),
		length:   tl.length,
		depth:    tl.depth,
		undo:     append([][]Trigger(nil), tl.undo...),
		redo:     append([][]Trigger(nil), tl.redo...),
	}
	if tl.clipboard != nil {
		clip := *tl.clipboard
		c.clipboard = &clip
	}
	return c
}

func (tl *TriggerList) wrap(offset int64) int64 {
	if tl.length <= 0 {
		return offset
	}
	return floorMod(offset, tl.length)
}

func (tl *TriggerList) pushUndo() {
	tl.undo = append(tl.undo, tl.Triggers())
	if len(tl.undo) > tl.depth {
		tl.undo = tl.undo[len(tl.undo)-tl.depth:]
	}
	tl.redo = nil
}

// Undo restores the list as it was before the last edit.
func (tl *TriggerList) Undo() bool {
	if len(tl.undo) == 0 {
		return false
	}
	tl.redo = append(tl.redo, tl.Triggers())
	tl.triggers = append([]Trigger(nil), tl.undo[len(tl.undo)-1]...)
	tl.undo = tl.undo[:len(tl.undo)-1]
	return true
}

func (tl *TriggerList) Redo() bool {
	if len(tl.redo) == 0 {
		return false
	}
	tl.undo = append(tl.undo, tl.Triggers())
	tl.triggers = append([]Trigger(nil), tl.redo[len(tl.redo)-1]...)
	tl.redo = tl.redo[:len(tl.redo)-1]
	return true
}

func (tl *TriggerList) UndoDepth() int { return len(tl.undo) }

func (tl *TriggerList) get(op string, id int) (Trigger, error) {
	if id < 0 || id >= len(tl.triggers) {
		return Trigger{}, newError(KindCapacity, op, "no trigger %d", id)
	}
	return tl.triggers[id], nil
}

// carve removes [s, e] from every trigger overlapping it, keeping the
// remainders playing the same pattern positions as before.
func (tl *TriggerList) carve(s, e int64) {
	out := tl.triggers[:0:0]
	for _, t := range tl.triggers {
		if t.End < s || t.Start > e {
			out = append(out, t)
			continue
		}
		if t.Start < s {
			left := t
			left.End = s - 1
			out = append(out, left)
		}
		if t.End > e {
			right := t
			right.Start = e + 1
			right.Offset = tl.wrap(t.Offset + (e + 1 - t.Start))
			out = append(out, right)
		}
	}
	tl.triggers = out
}

func (tl *TriggerList) insert(t Trigger) int {
	i := sort.Search(len(tl.triggers), func(i int) bool { return tl.triggers[i].Start > t.Start })
	tl.triggers = append(tl.triggers, Trigger{})
	copy(tl.triggers[i+1:], tl.triggers[i:])
	tl.triggers[i] = t
	return i
}

// Add inserts a trigger, carving away whatever it overlaps, and returns its
// index.
func (tl *TriggerList) Add(start, end, offset int64) (int, error) {
	if start < 0 || end < start {
		return -1, newError(KindInvariant, "add trigger", "bad interval [%d, %d]", start, end)
	}
	tl.pushUndo()
	tl.carve(start, end)
	return tl.insert(Trigger{Start: start, End: end, Offset: tl.wrap(offset)}), nil
}

// SplitAt splits the trigger covering t into [Start, t-1] and [t, End].
// The second half keeps playing seamlessly.
func (tl *TriggerList) SplitAt(t int64) error {
	for i, tr := range tl.triggers {
		if tr.Start < t && t <= tr.End {
			tl.pushUndo()
			right := tr
			right.Start = t
			right.Offset = tl.wrap(tr.Offset + (t - tr.Start))
			right.Selected = false
			tl.triggers[i].End = t - 1
			tl.triggers = append(tl.triggers, Trigger{})
			copy(tl.triggers[i+2:], tl.triggers[i+1:])
			tl.triggers[i+1] = right
			return nil
		}
	}
	return newError(KindInvariant, "split trigger", "no trigger strictly contains %d", t)
}

func (tl *TriggerList) fits(skip int, s, e int64) bool {
	if s < 0 || e < s {
		return false
	}
	for i, t := range tl.triggers {
		if i != skip && t.Start <= e && s <= t.End {
			return false
		}
	}
	return true
}

// Grow moves the end of a trigger by delta. It fails rather than overlap
// the next trigger or invert the interval.
func (tl *TriggerList) Grow(id int, delta int64) error {
	t, err := tl.get("grow trigger", id)
	if err != nil {
		return err
	}
	if !tl.fits(id, t.Start, t.End+delta) {
		return newError(KindInvariant, "grow trigger", "trigger %d cannot grow by %d", id, delta)
	}
	tl.pushUndo()
	tl.triggers[id].End += delta
	return nil
}

// Move shifts a trigger by delta, keeping its offset.
func (tl *TriggerList) Move(id int, delta int64) error {
	t, err := tl.get("move trigger", id)
	if err != nil {
		return err
	}
	if !tl.fits(id, t.Start+delta, t.End+delta) {
		return newError(KindInvariant, "move trigger", "trigger %d cannot move by %d", id, delta)
	}
	tl.pushUndo()
	tl.triggers = append(tl.triggers[:id], tl.triggers[id+1:]...)
	t.Start += delta
	t.End += delta
	tl.insert(t)
	return nil
}

// Copy puts a trigger on the list's clipboard.
func (tl *TriggerList) Copy(id int) error {
	t, err := tl.get("copy trigger", id)
	if err != nil {
		return err
	}
	t.Selected = false
	tl.clipboard = &t
	return nil
}

// PasteAt adds the clipboard trigger starting at t.
func (tl *TriggerList) PasteAt(t int64) (int, error) {
	if tl.clipboard == nil {
		return -1, newError(KindInvariant, "paste trigger", "clipboard is empty")
	}
	c := *tl.clipboard
	return tl.Add(t, t+c.Len()-1, c.Offset)
}

func (tl *TriggerList) Select(id int, on bool) error {
	if _, err := tl.get("select trigger", id); err != nil {
		return err
	}
	tl.triggers[id].Selected = on
	return nil
}

func (tl *TriggerList) UnselectAll() {
	for i := range tl.triggers {
		tl.triggers[i].Selected = false
	}
}

func (tl *TriggerList) SetTransposable(id int, on bool) error {
	if _, err := tl.get("transposable trigger", id); err != nil {
		return err
	}
	tl.pushUndo()
	tl.triggers[id].Transposable = on
	return nil
}

// DeleteSelected removes selected triggers and returns how many went.
func (tl *TriggerList) DeleteSelected() int {
	n := 0
	for _, t := range tl.triggers {
		if t.Selected {
			n++
		}
	}
	if n == 0 {
		return 0
	}
	tl.pushUndo()
	kept := tl.triggers[:0:0]
	for _, t := range tl.triggers {
		if !t.Selected {
			kept = append(kept, t)
		}
	}
	tl.triggers = kept
	return n
}

// Merge joins a trigger with the next one when they are adjacent. The
// merged trigger keeps the first one's offset.
func (tl *TriggerList) Merge(id int) error {
	t, err := tl.get("merge trigger", id)
	if err != nil {
		return err
	}
	if id+1 >= len(tl.triggers) || tl.triggers[id+1].Start != t.End+1 {
		return newError(KindInvariant, "merge trigger", "trigger %d has no adjacent successor", id)
	}
	tl.pushUndo()
	tl.triggers[id].End = tl.triggers[id+1].End
	tl.triggers = append(tl.triggers[:id+1], tl.triggers[id+2:]...)
	return nil
}

// StateAt returns the trigger covering song pulse p and the position inside
// the pattern that sounds at p.
func (tl *TriggerList) StateAt(p int64) (Trigger, int64, bool) {
	return triggerAt(tl.triggers, tl.length, p)
}

func triggerAt(triggers []Trigger, length int64, p int64) (Trigger, int64, bool) {
	i := sort.Search(len(triggers), func(i int) bool { return triggers[i].End >= p })
	if i == len(triggers) || !triggers[i].Contains(p) {
		return Trigger{}, 0, false
	}
	t := triggers[i]
	pos := p - t.Start + t.Offset
	if length > 0 {
		pos = floorMod(pos, length)
	}
	return t, pos, true
}

// Rescale adapts offsets to a new pattern length. Trigger spans are kept.
func (tl *TriggerList) Rescale(newLength int64) {
	old := tl.length
	tl.length = newLength
	if old <= 0 || newLength <= 0 || old == newLength {
		return
	}
	tl.pushUndo()
	for i := range tl.triggers {
		tl.triggers[i].Offset = tl.wrap(tl.triggers[i].Offset * newLength / old)
	}
}

// rescaleTime multiplies every position by num/den, keeping triggers
// disjoint. At a coarser resolution a trigger keeps at least one pulse and
// triggers that land on each other are merged into the earlier one.
// History is dropped since old entries are in the old units.
func (tl *TriggerList) rescaleTime(num, den int64) {
	out := make([]Trigger, 0, len(tl.triggers))
	for _, t := range tl.triggers {
		t.Start = t.Start * num / den
		t.End = max((t.End+1)*num/den-1, t.Start)
		t.Offset = t.Offset * num / den
		if n := len(out); n > 0 && t.Start <= out[n-1].End {
			out[n-1].End = max(out[n-1].End, t.End)
			continue
		}
		out = append(out, t)
	}
	tl.triggers = out
	tl.undo, tl.redo = nil, nil
}

// SetLength changes the pattern length used to wrap offsets.
func (tl *TriggerList) SetLength(length int64) {
	tl.length = length
}

// Verify checks ordering and disjointness.
func (tl *TriggerList) Verify() error {
	for i, t := range tl.triggers {
		if t.End < t.Start {
			return newError(KindInvariant, "verify triggers", "trigger %d is inverted", i)
		}
		if i > 0 && t.Start <= tl.triggers[i-1].End {
			return newError(KindInvariant, "verify triggers", "triggers %d and %d overlap", i-1, i)
		}
	}
	return nil
}

func floorMod(a, b int64) int64 {
	m := a % b
	if m < 0 {
		m += b
	}
	return m
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}

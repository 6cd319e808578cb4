package sequencer

// ScreenSet maps the flat pattern table onto pages of rows x cols, the way
// a grid controller or the TUI shows them.
type ScreenSet struct {
	Rows, Cols, Sets int
}

// Size is the number of slots on one page.
func (s ScreenSet) Size() int { return s.Rows * s.Cols }

// Slots is the table capacity.
func (s ScreenSet) Slots() int { return s.Size() * s.Sets }

// ID returns the flat pattern id at (set, row, col).
func (s ScreenSet) ID(set, row, col int) (int, error) {
	if set < 0 || set >= s.Sets || row < 0 || row >= s.Rows || col < 0 || col >= s.Cols {
		return -1, newError(KindCapacity, "screen-set", "position %d/%d/%d outside %dx%dx%d", set, row, col, s.Sets, s.Rows, s.Cols)
	}
	return set*s.Size() + row*s.Cols + col, nil
}

// Position is the inverse of ID.
func (s ScreenSet) Position(id int) (set, row, col int, err error) {
	if id < 0 || id >= s.Slots() {
		return 0, 0, 0, newError(KindCapacity, "screen-set", "pattern %d outside 0-%d", id, s.Slots()-1)
	}
	set = id / s.Size()
	rest := id % s.Size()
	return set, rest / s.Cols, rest % s.Cols, nil
}

// Range returns the first id of a set and the id one past its last.
func (s ScreenSet) Range(set int) (first, end int) {
	first = set * s.Size()
	return first, first + s.Size()
}

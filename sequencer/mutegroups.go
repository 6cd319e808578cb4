package sequencer

import "sync"

// MuteGroups is a groups x patterns matrix of armed bits.
type MuteGroups struct {
	mu       sync.Mutex
	bits     [][]bool
	patterns int
}

func NewMuteGroups(groups, patterns int) *MuteGroups {
	g := &MuteGroups{bits: make([][]bool, groups), patterns: patterns}
	for i := range g.bits {
		g.bits[i] = make([]bool, patterns)
	}
	return g
}

func (g *MuteGroups) Count() int { return len(g.bits) }

func (g *MuteGroups) check(op string, id int) error {
	if id < 0 || id >= len(g.bits) {
		return newError(KindCapacity, op, "mute group %d outside 0-%d", id, len(g.bits)-1)
	}
	return nil
}

// Learn stores armed as group id.
func (g *MuteGroups) Learn(id int, armed []bool) error {
	if err := g.check("learn mute group", id); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	row := make([]bool, g.patterns)
	copy(row, armed)
	g.bits[id] = row
	return nil
}

// Get returns a copy of group id.
func (g *MuteGroups) Get(id int) ([]bool, error) {
	if err := g.check("mute group", id); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]bool(nil), g.bits[id]...), nil
}

// Empty reports whether a group has no armed bit.
func (g *MuteGroups) Empty(id int) bool {
	bits, err := g.Get(id)
	if err != nil {
		return true
	}
	for _, b := range bits {
		if b {
			return false
		}
	}
	return true
}

func (g *MuteGroups) ClearAll() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i := range g.bits {
		g.bits[i] = make([]bool, g.patterns)
	}
}

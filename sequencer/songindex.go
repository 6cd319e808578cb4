package sequencer

import (
	"sort"
	"sync/atomic"
)

type songSpan struct {
	start, end int64 // inclusive
	pattern    int
}

// songIndex is a merged, start-ordered view of every pattern's triggers.
// It is owned by the output thread and rebuilt whenever a pattern publishes
// a new snapshot.
type songIndex struct {
	spans []songSpan
	seen  map[int]*patternData
	last  int64
}

// stale reports whether any pattern changed since the last rebuild.
func (ix *songIndex) stale(slots []atomic.Pointer[Pattern]) bool {
	n := 0
	for i := range slots {
		p := slots[i].Load()
		if p == nil {
			continue
		}
		n++
		if ix.seen[p.id] != p.snapshot() {
			return true
		}
	}
	return n != len(ix.seen)
}

func (ix *songIndex) rebuild(slots []atomic.Pointer[Pattern]) {
	ix.spans = ix.spans[:0]
	ix.seen = make(map[int]*patternData, len(ix.seen))
	ix.last = -1
	for i := range slots {
		p := slots[i].Load()
		if p == nil {
			continue
		}
		d := p.snapshot()
		ix.seen[p.id] = d
		for _, t := range d.triggers {
			ix.spans = append(ix.spans, songSpan{t.Start, t.End, p.id})
			ix.last = max(ix.last, t.End)
		}
	}
	sort.Slice(ix.spans, func(i, j int) bool {
		if ix.spans[i].start != ix.spans[j].start {
			return ix.spans[i].start < ix.spans[j].start
		}
		return ix.spans[i].pattern < ix.spans[j].pattern
	})
}

// patternsIn returns, in id order, the patterns with a trigger overlapping
// song pulses (from, to].
func (ix *songIndex) patternsIn(from, to int64) []int {
	var ids []int
	seen := make(map[int]bool)
	for _, s := range ix.spans {
		if s.start > to {
			break
		}
		if s.end <= from || seen[s.pattern] {
			continue
		}
		seen[s.pattern] = true
		ids = append(ids, s.pattern)
	}
	sort.Ints(ids)
	return ids
}

// end is the last pulse covered by any trigger, or -1.
func (ix *songIndex) end() int64 { return ix.last }

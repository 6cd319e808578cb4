package midi

// Cursor is a position in an EventList that survives edits: it remembers
// the list generation it was taken at and, when the list has changed since,
// re-seeks by tick instead of trusting its index.
type Cursor struct {
	gen  uint64
	pos  int
	tick int64 // resume point
	skip int   // events already returned at tick
}

// Seek returns a cursor positioned at the first event at or after tick.
func (l *EventList) Seek(tick int64) Cursor {
	return Cursor{gen: l.gen, pos: l.LowerBound(tick), tick: tick}
}

// Next returns the next event matching mask and advances the cursor.
func (l *EventList) Next(c *Cursor, mask byte) (Event, bool) {
	if c.gen != l.gen {
		lo := l.LowerBound(c.tick)
		hi := l.LowerBound(c.tick + 1)
		c.pos = min(lo+c.skip, hi)
		c.gen = l.gen
	}
	for c.pos < len(l.events) {
		e := l.events[c.pos]
		c.pos++
		if e.Tick != c.tick {
			c.tick, c.skip = e.Tick, 0
		}
		c.skip++
		if e.Matches(mask) {
			return e, true
		}
	}
	return Event{}, false
}

// Until is Next limited to events with Tick < end. The cursor does not
// move past end.
func (l *EventList) Until(c *Cursor, mask byte, end int64) (Event, bool) {
	saved := *c
	e, ok := l.Next(c, mask)
	if !ok || e.Tick >= end {
		*c = saved
		return Event{}, false
	}
	return e, true
}

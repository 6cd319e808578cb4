package bus

import (
	"container/heap"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	gomidi "gitlab.com/gomidi/midi/v2"

	"go-perform/debug"
	"go-perform/metrics"
)

// ClockPolicy decides which real-time messages a bus receives.
type ClockPolicy int

const (
	ClockOff ClockPolicy = iota // never send clock or transport
	ClockPos                    // start/stop/continue/song position plus 24 PPQN clock
	ClockMod                    // clock pulses only, while another device is master
)

func (c ClockPolicy) String() string {
	switch c {
	case ClockPos:
		return "pos"
	case ClockMod:
		return "mod"
	}
	return "off"
}

// ParseClockPolicy reads "off", "pos" or "mod".
func ParseClockPolicy(s string) (ClockPolicy, error) {
	switch strings.ToLower(s) {
	case "", "off":
		return ClockOff, nil
	case "pos":
		return ClockPos, nil
	case "mod":
		return ClockMod, nil
	}
	return ClockOff, fmt.Errorf("unknown clock policy %q", s)
}

// Sender writes a message to a device. deadline is when it was meant to
// sound; real ports ignore it.
type Sender interface {
	Send(msg gomidi.Message, deadline time.Time) error
}

// SendFunc adapts a plain send function, such as one from gomidi.SendTo.
type SendFunc func(gomidi.Message) error

func (f SendFunc) Send(msg gomidi.Message, _ time.Time) error { return f(msg) }

// LateThreshold is how far past its deadline a message may go out before
// it is counted late.
var LateThreshold = 5 * time.Millisecond

// Output is one output bus with its own deadline-ordered queue.
type Output struct {
	name  string
	out   Sender
	clock ClockPolicy

	mu       sync.Mutex
	queue    msgQueue
	seq      uint64
	capacity int

	sent    atomic.Uint64
	dropped atomic.Uint64
	evicted atomic.Uint64
	late    atomic.Uint64
}

func newOutput(name string, out Sender, clock ClockPolicy, capacity int) *Output {
	return &Output{name: name, out: out, clock: clock, capacity: capacity}
}

func (o *Output) Name() string             { return o.name }
func (o *Output) ClockPolicy() ClockPolicy { return o.clock }

// Len is the number of queued messages.
func (o *Output) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.queue)
}

type queued struct {
	deadline time.Time
	pattern  int
	seq      uint64
	msg      gomidi.Message
	noteOff  bool
}

func (a *queued) before(b *queued) bool {
	if !a.deadline.Equal(b.deadline) {
		return a.deadline.Before(b.deadline)
	}
	if a.pattern != b.pattern {
		return a.pattern < b.pattern
	}
	return a.seq < b.seq
}

type msgQueue []*queued

func (q msgQueue) Len() int           { return len(q) }
func (q msgQueue) Less(i, j int) bool { return q[i].before(q[j]) }
func (q msgQueue) Swap(i, j int)      { q[i], q[j] = q[j], q[i] }
func (q *msgQueue) Push(x any)        { *q = append(*q, x.(*queued)) }
func (q *msgQueue) Pop() any {
	old := *q
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return it
}

func isNoteOff(msg gomidi.Message) bool {
	if len(msg) < 3 {
		return false
	}
	k := msg[0] & 0xF0
	return k == 0x80 || (k == 0x90 && msg[2] == 0)
}

// submit queues msg. When the queue is full a Note-Off evicts the latest
// queued message that is not a Note-Off; anything else is dropped.
func (o *Output) submit(deadline time.Time, pattern int, msg gomidi.Message) bool {
	m := metrics.Get()
	it := &queued{deadline: deadline, pattern: pattern, msg: msg, noteOff: isNoteOff(msg)}

	o.mu.Lock()
	o.seq++
	it.seq = o.seq
	if o.capacity > 0 && len(o.queue) >= o.capacity {
		victim := -1
		if it.noteOff {
			for i, q := range o.queue {
				if !q.noteOff && (victim < 0 || o.queue[victim].before(q)) {
					victim = i
				}
			}
		}
		if victim < 0 {
			o.mu.Unlock()
			o.dropped.Add(1)
			m.EventsDropped.WithLabelValues(o.name, "overrun").Inc()
			debug.WarnEvery(100, "bus overrun, message dropped", "bus", o.name)
			return false
		}
		heap.Remove(&o.queue, victim)
		o.evicted.Add(1)
		m.EventsDropped.WithLabelValues(o.name, "evicted").Inc()
		debug.WarnEvery(100, "bus overrun, note-off evicted a queued message", "bus", o.name)
	}
	heap.Push(&o.queue, it)
	o.mu.Unlock()
	return true
}

// flush writes every message due at now, in order.
func (o *Output) flush(now time.Time) int {
	m := metrics.Get()
	n := 0
	for {
		o.mu.Lock()
		if len(o.queue) == 0 || o.queue[0].deadline.After(now) {
			depth := len(o.queue)
			o.mu.Unlock()
			m.QueueDepth.WithLabelValues(o.name).Set(float64(depth))
			return n
		}
		it := heap.Pop(&o.queue).(*queued)
		o.mu.Unlock()

		if err := o.out.Send(it.msg, it.deadline); err != nil {
			o.dropped.Add(1)
			m.EventsDropped.WithLabelValues(o.name, "send").Inc()
			debug.WarnEvery(100, "bus send failed", "bus", o.name, "err", err)
			continue
		}
		if now.Sub(it.deadline) > LateThreshold {
			o.late.Add(1)
			m.EventsLate.WithLabelValues(o.name).Inc()
		}
		o.sent.Add(1)
		m.EventsEmitted.WithLabelValues(o.name).Inc()
		n++
	}
}

// clear empties the queue and returns how many messages were discarded.
func (o *Output) clear() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := len(o.queue)
	o.queue = nil
	return n
}

// sendNow bypasses the queue.
func (o *Output) sendNow(msg gomidi.Message, at time.Time) error {
	err := o.out.Send(msg, at)
	if err != nil {
		o.dropped.Add(1)
		metrics.Get().EventsDropped.WithLabelValues(o.name, "send").Inc()
		return err
	}
	o.sent.Add(1)
	metrics.Get().EventsEmitted.WithLabelValues(o.name).Inc()
	return nil
}

// Stats are latched per-bus counters.
type Stats struct {
	Name    string
	Sent    uint64
	Dropped uint64
	Evicted uint64
	Late    uint64
	Queued  int
}

func (o *Output) Stats() Stats {
	return Stats{
		Name:    o.name,
		Sent:    o.sent.Load(),
		Dropped: o.dropped.Load(),
		Evicted: o.evicted.Load(),
		Late:    o.late.Load(),
		Queued:  o.Len(),
	}
}

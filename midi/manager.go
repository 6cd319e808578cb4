package midi

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	gomidi "gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/drivers"
	_ "gitlab.com/gomidi/midi/v2/drivers/rtmididrv" // Register MIDI driver

	"go-perform/debug"
)

// ScanTimeout bounds a port scan. CoreMIDI can hang when the MIDI server is
// wedged (fix: sudo killall coreaudiod midiserver).
var ScanTimeout = 3 * time.Second

var (
	ErrScanTimeout = errors.New("midi: port scan timed out")
	ErrNoPort      = errors.New("midi: no such port")
)

// Ports is one snapshot of the driver's ports.
type Ports struct {
	In  []drivers.In
	Out []drivers.Out
}

// Scan lists the driver's ports, giving up after ScanTimeout.
func Scan() (Ports, error) {
	ch := make(chan Ports, 1)
	go func() {
		ch <- Ports{In: gomidi.GetInPorts(), Out: gomidi.GetOutPorts()}
	}()

	select {
	case p := <-ch:
		return p, nil
	case <-time.After(ScanTimeout):
		return Ports{}, ErrScanTimeout
	}
}

func (p Ports) InNames() []string {
	names := make([]string, len(p.In))
	for i, in := range p.In {
		names[i] = in.String()
	}
	return names
}

func (p Ports) OutNames() []string {
	names := make([]string, len(p.Out))
	for i, out := range p.Out {
		names[i] = out.String()
	}
	return names
}

// FindIn returns the input port matching name: an exact name first, then a
// case-insensitive substring.
func (p Ports) FindIn(name string) (drivers.In, error) {
	i := matchPort(p.InNames(), name)
	if i < 0 {
		return nil, fmt.Errorf("%w: input %q", ErrNoPort, name)
	}
	return p.In[i], nil
}

// FindOut returns the output port matching name.
func (p Ports) FindOut(name string) (drivers.Out, error) {
	i := matchPort(p.OutNames(), name)
	if i < 0 {
		return nil, fmt.Errorf("%w: output %q", ErrNoPort, name)
	}
	return p.Out[i], nil
}

func matchPort(names []string, want string) int {
	for i, n := range names {
		if n == want {
			return i
		}
	}
	want = strings.ToLower(want)
	if want == "" {
		return -1
	}
	for i, n := range names {
		if strings.Contains(strings.ToLower(n), want) {
			return i
		}
	}
	return -1
}

// PortEvent is emitted when ports appear or disappear.
type PortEvent struct {
	Type   PortEventType
	Output bool
	Name   string
}

type PortEventType int

const (
	PortAdded PortEventType = iota
	PortRemoved
)

func (t PortEventType) String() string {
	if t == PortAdded {
		return "added"
	}
	return "removed"
}

// PortWatcher polls the driver and reports hot-plugged ports.
type PortWatcher struct {
	known    map[portKey]bool
	mu       sync.RWMutex
	events   chan PortEvent
	pollRate time.Duration

	scan func() (ins, outs []string, err error)
}

type portKey struct {
	output bool
	name   string
}

// NewPortWatcher creates a watcher backed by the MIDI driver.
func NewPortWatcher() *PortWatcher {
	return &PortWatcher{
		known:    make(map[portKey]bool),
		events:   make(chan PortEvent, 16),
		pollRate: time.Second,
		scan: func() ([]string, []string, error) {
			p, err := Scan()
			if err != nil {
				return nil, nil, err
			}
			return p.InNames(), p.OutNames(), nil
		},
	}
}

// Events returns port add/remove notifications.
func (w *PortWatcher) Events() <-chan PortEvent {
	return w.events
}

// Known returns the port names seen by the last scan.
func (w *PortWatcher) Known() (ins, outs []string) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	for k := range w.known {
		if k.output {
			outs = append(outs, k.name)
		} else {
			ins = append(ins, k.name)
		}
	}
	sort.Strings(ins)
	sort.Strings(outs)
	return ins, outs
}

// Run polls until ctx is done (blocking - run in goroutine).
func (w *PortWatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.pollRate)
	defer ticker.Stop()

	w.poll()

	for {
		select {
		case <-ctx.Done():
			close(w.events)
			return
		case <-ticker.C:
			w.poll()
		}
	}
}

func (w *PortWatcher) poll() {
	ins, outs, err := w.scan()
	if err != nil {
		// Skip this round, the next one may succeed.
		debug.LogEvery(30, "midi", "port scan: %v", err)
		return
	}

	seen := make(map[portKey]bool, len(ins)+len(outs))
	for _, n := range ins {
		seen[portKey{false, n}] = true
	}
	for _, n := range outs {
		seen[portKey{true, n}] = true
	}

	var changes []PortEvent
	w.mu.Lock()
	for k := range seen {
		if !w.known[k] {
			changes = append(changes, PortEvent{Type: PortAdded, Output: k.output, Name: k.name})
		}
	}
	for k := range w.known {
		if !seen[k] {
			changes = append(changes, PortEvent{Type: PortRemoved, Output: k.output, Name: k.name})
		}
	}
	w.known = seen
	w.mu.Unlock()

	sort.Slice(changes, func(i, j int) bool {
		if changes[i].Type != changes[j].Type {
			return changes[i].Type < changes[j].Type
		}
		return changes[i].Name < changes[j].Name
	})
	for _, ev := range changes {
		select {
		case w.events <- ev:
		default:
			debug.Log("midi", "port event dropped: %s %s", ev.Type, ev.Name)
		}
	}
}

// CloseDriver releases the MIDI driver.
func CloseDriver() {
	gomidi.CloseDriver()
}

package midi

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatchPort(t *testing.T) {
	names := []string{"Midi Through Port-0", "USB MIDI Interface MIDI 1", "Launchpad X LPX MIDI"}
	assert.Equal(t, 1, matchPort(names, "USB MIDI Interface MIDI 1"))
	assert.Equal(t, 2, matchPort(names, "launchpad"))
	assert.Equal(t, -1, matchPort(names, "digitakt"))
	assert.Equal(t, -1, matchPort(names, ""))
}

func drain(w *PortWatcher) []PortEvent {
	var out []PortEvent
	for {
		select {
		case ev := <-w.events:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestPortWatcherReportsChanges(t *testing.T) {
	w := NewPortWatcher()
	ins, outs := []string{"keys"}, []string{"synth"}
	var scanErr error
	w.scan = func() ([]string, []string, error) { return ins, outs, scanErr }

	w.poll()
	assert.Equal(t, []PortEvent{
		{Type: PortAdded, Output: false, Name: "keys"},
		{Type: PortAdded, Output: true, Name: "synth"},
	}, drain(w))

	outs = []string{"drums"}
	w.poll()
	assert.Equal(t, []PortEvent{
		{Type: PortAdded, Output: true, Name: "drums"},
		{Type: PortRemoved, Output: true, Name: "synth"},
	}, drain(w))

	// A hung scan changes nothing.
	scanErr = errors.New("hung")
	w.poll()
	require.Empty(t, drain(w))
	gotIns, gotOuts := w.Known()
	assert.Equal(t, []string{"keys"}, gotIns)
	assert.Equal(t, []string{"drums"}, gotOuts)
}

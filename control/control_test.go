package control

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-perform/bus"
	"go-perform/sequencer"
)

var _ Performer = (*sequencer.Engine)(nil)

type fakePerformer struct {
	calls    []string
	bpm      float64
	set      int
	keep     bool
	toggled  []int
	startErr error
}

func (f *fakePerformer) SlotID(index int) int        { return 100 + index }
func (f *fakePerformer) Toggle(id int) error         { f.toggled = append(f.toggled, id); return nil }
func (f *fakePerformer) Queue(id int) error          { f.calls = append(f.calls, "queue"); return nil }
func (f *fakePerformer) OneShot(id int) error        { f.calls = append(f.calls, "one-shot"); return nil }
func (f *fakePerformer) BPM() float64                { return f.bpm }
func (f *fakePerformer) SetBPM(bpm float64) error    { f.bpm = bpm; return nil }
func (f *fakePerformer) TapBPM() float64             { f.calls = append(f.calls, "tap"); return f.bpm }
func (f *fakePerformer) SetPlayingSet(set int) error { f.set = set; return nil }
func (f *fakePerformer) SetKeepQueue(on bool)        { f.keep = on }
func (f *fakePerformer) Snapshot(slot int) error {
	f.calls = append(f.calls, "snapshot")
	return nil
}
func (f *fakePerformer) ApplyMuteGroup(id int) error {
	f.calls = append(f.calls, "mute-group")
	return nil
}
func (f *fakePerformer) SetLearn(on bool) { f.calls = append(f.calls, "learn") }
func (f *fakePerformer) Start() error     { f.calls = append(f.calls, "start"); return f.startErr }
func (f *fakePerformer) Stop() error      { f.calls = append(f.calls, "stop"); return nil }
func (f *fakePerformer) Panic()           { f.calls = append(f.calls, "panic") }

func note(index, key int) Binding {
	return Binding{Action: ActionToggle, Index: index, Enabled: true, Status: 0x90, Data: key, Min: 1, Max: 127}
}

func TestInputFrom(t *testing.T) {
	in, ok := InputFrom(2, []byte{0x93, 36, 0})
	require.True(t, ok)
	assert.Equal(t, Input{Bus: 2, Channel: 3, Status: 0x80, D0: 36}, in)

	in, ok = InputFrom(0, []byte{0xC1, 5})
	require.True(t, ok)
	assert.Equal(t, uint8(0xC0), in.Status)

	_, ok = InputFrom(0, []byte{0xF8})
	assert.False(t, ok)
	_, ok = InputFrom(0, []byte{0x40, 1, 2})
	assert.False(t, ok)
}

func TestToggleFiresOnPressOnly(t *testing.T) {
	f := &fakePerformer{}
	m, err := New(f, []Binding{note(3, 36)}, nil)
	require.NoError(t, err)

	assert.True(t, m.Handle(Input{Status: 0x90, D0: 36, D1: 100}))
	// The release still counts as control input but does nothing.
	assert.True(t, m.Handle(Input{Status: 0x80, D0: 36}))
	assert.False(t, m.Handle(Input{Status: 0x90, D0: 37, D1: 100}))
	assert.Equal(t, []int{103}, f.toggled)
}

func TestBindingFilters(t *testing.T) {
	f := &fakePerformer{}
	b := note(0, 36)
	b.Bus, b.Channel = 2, 10
	disabled := note(1, 40)
	disabled.Enabled = false
	m, err := New(f, []Binding{b, disabled}, nil)
	require.NoError(t, err)

	assert.False(t, m.Handle(Input{Bus: 0, Channel: 9, Status: 0x90, D0: 36, D1: 1}))
	assert.False(t, m.Handle(Input{Bus: 1, Channel: 8, Status: 0x90, D0: 36, D1: 1}))
	assert.False(t, m.Handle(Input{Status: 0x90, D0: 40, D1: 1}))
	assert.True(t, m.Handle(Input{Bus: 1, Channel: 9, Status: 0x90, D0: 36, D1: 1}))
	assert.Equal(t, []int{100}, f.toggled)
}

func TestContinuousActions(t *testing.T) {
	f := &fakePerformer{}
	m, err := New(f, []Binding{
		{Action: ActionBPM, Enabled: true, Status: 0xB0, Data: 20, Min: 60, Max: 187},
		{Action: ActionScreenSet, Enabled: true, Status: 0xB0, Data: 21, Min: 0, Max: 7, Inverse: true},
	}, nil)
	require.NoError(t, err)

	m.Handle(Input{Status: 0xB0, D0: 20, D1: 127})
	assert.InDelta(t, 187, f.bpm, 1e-9)
	m.Handle(Input{Status: 0xB0, D0: 20, D1: 0})
	assert.InDelta(t, 60, f.bpm, 1e-9)

	m.Handle(Input{Status: 0xB0, D0: 21, D1: 127})
	assert.Equal(t, 0, f.set)
	m.Handle(Input{Status: 0xB0, D0: 21, D1: 0})
	assert.Equal(t, 7, f.set)
}

func TestKeepQueueFollowsHold(t *testing.T) {
	f := &fakePerformer{}
	m, err := New(f, []Binding{{Action: ActionKeepQueue, Enabled: true, Status: 0xB0, Data: 64, Min: 64, Max: 127}}, nil)
	require.NoError(t, err)

	m.Handle(Input{Status: 0xB0, D0: 64, D1: 127})
	assert.True(t, f.keep)
	m.Handle(Input{Status: 0xB0, D0: 64, D1: 0})
	assert.False(t, f.keep)
}

func TestKeepQueuePadRelease(t *testing.T) {
	f := &fakePerformer{}
	m, err := New(f, []Binding{
		{Action: ActionKeepQueue, Enabled: true, Status: 0x90, Data: 50, Min: 1, Max: 127},
		note(0, 36),
	}, nil)
	require.NoError(t, err)

	assert.True(t, m.Handle(Input{Status: 0x90, D0: 50, D1: 90}))
	assert.True(t, f.keep)
	assert.True(t, m.Handle(Input{Status: 0x80, D0: 50, D1: 64}))
	assert.False(t, f.keep, "letting go of the pad ends the hold")

	assert.True(t, m.Handle(Input{Status: 0x80, D0: 36}))
	assert.Empty(t, f.toggled, "a release never toggles")
	assert.False(t, m.Handle(Input{Status: 0x80, D0: 37}))
}

func TestBPMSteps(t *testing.T) {
	f := &fakePerformer{bpm: 120}
	m, err := New(f, []Binding{
		{Action: ActionBPMUp, Enabled: true, Status: 0x90, Data: 1, Min: 1, Max: 127},
		{Action: ActionBPMDown, Enabled: true, Status: 0x90, Data: 2, Min: 1, Max: 127},
	}, nil)
	require.NoError(t, err)

	m.Handle(Input{Status: 0x90, D0: 1, D1: 100})
	assert.InDelta(t, 121, f.bpm, 1e-9)
	m.SetBPMStep(0.5)
	m.Handle(Input{Status: 0x90, D0: 2, D1: 100})
	assert.InDelta(t, 120.5, f.bpm, 1e-9)
}

func TestMomentaryActionsRouteThroughExecutor(t *testing.T) {
	f := &fakePerformer{startErr: errors.New("no clock")}
	var pending []func()
	exec := func(fn func()) bool { pending = append(pending, fn); return true }

	var bindings []Binding
	for i, a := range []Action{ActionStart, ActionStop, ActionPanic, ActionTap, ActionSnapshot1, ActionMuteGroup, ActionMuteLearn, ActionQueue, ActionOneShot} {
		bindings = append(bindings, Binding{Action: a, Enabled: true, Status: 0x90, Data: i, Min: 1, Max: 127})
	}
	m, err := New(f, bindings, exec)
	require.NoError(t, err)

	for i := range bindings {
		m.Handle(Input{Status: 0x90, D0: uint8(i), D1: 127})
	}
	assert.Empty(t, f.calls, "nothing runs on the input goroutine")
	for _, fn := range pending {
		fn()
	}
	assert.Equal(t, []string{"start", "stop", "panic", "tap", "snapshot", "mute-group", "learn", "queue", "one-shot"}, f.calls)
}

func TestRebuildValidates(t *testing.T) {
	f := &fakePerformer{}
	m, err := New(f, []Binding{note(0, 36)}, nil)
	require.NoError(t, err)

	bad := []Binding{
		{Action: "explode", Status: 0x90},
		{Action: ActionToggle, Status: 0xF0},
		{Action: ActionToggle, Status: 0x91},
		{Action: ActionToggle, Status: 0x90, Data: 128},
		{Action: ActionToggle, Status: 0x90, Channel: 17},
		{Action: ActionToggle, Status: 0x90, Min: 10, Max: 5},
		{Action: ActionBPM, Status: 0xB0, Min: 200, Max: 20},
	}
	for _, b := range bad {
		assert.ErrorIs(t, m.Rebuild([]Binding{b}), ErrBinding, "%+v", b)
	}
	assert.Equal(t, []Binding{note(0, 36)}, m.Bindings(), "failed rebuild keeps the old table")

	require.NoError(t, m.Rebuild([]Binding{note(1, 38)}))
	assert.False(t, m.Handle(Input{Status: 0x90, D0: 36, D1: 1}))
	assert.True(t, m.Handle(Input{Status: 0x90, D0: 38, D1: 1}))
}

func TestHookConsumesControlInput(t *testing.T) {
	f := &fakePerformer{}
	m, err := New(f, []Binding{note(0, 36)}, nil)
	require.NoError(t, err)

	master := bus.NewMaster(16)
	master.AddInput("pads", true, nil)
	master.SetControlHook(m.Hook())

	master.Deliver(0, []byte{0x90, 36, 100}, time.Now())
	master.Deliver(0, []byte{0x80, 36, 64}, time.Now())
	master.Deliver(0, []byte{0x90, 36, 0}, time.Now())
	master.Deliver(0, []byte{0x90, 60, 100}, time.Now())

	select {
	case in := <-master.Incoming():
		assert.Equal(t, []byte{0x90, 60, 100}, []byte(in.Msg))
	default:
		t.Fatal("non-control input should reach the engine")
	}
	select {
	case in := <-master.Incoming():
		t.Fatalf("control input leaked: %v", in.Msg)
	default:
	}
	assert.Equal(t, []int{100}, f.toggled)
}

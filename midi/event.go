package midi

import (
	"fmt"

	gomidi "gitlab.com/gomidi/midi/v2"
)

// MIDI status bytes (channel messages carry the channel in the low nibble)
const (
	NoteOff         byte = 0x80
	NoteOn          byte = 0x90
	Aftertouch      byte = 0xA0
	CC              byte = 0xB0
	ProgramChange   byte = 0xC0
	ChannelPressure byte = 0xD0
	PitchBend       byte = 0xE0
	SysEx           byte = 0xF0
	Meta            byte = 0xFF
)

// Status masks for selection and iteration. Any channel status nibble is
// also a valid mask.
const (
	MaskAll   byte = 0x00
	MaskNotes byte = 0x01
)

// DefaultOffVelocity is used for synthesized Note-Offs.
const DefaultOffVelocity byte = 0x40

// Event is a single timestamped MIDI message inside a pattern. Tick is in
// pulses relative to the start of the pattern.
type Event struct {
	Tick     int64
	Status   byte
	Data     [2]byte
	Selected bool
	Painted  bool

	// ID identifies the event within its EventList; Link holds the ID of the
	// partner Note-On/Note-Off (0 = unlinked).
	ID   uint32
	Link uint32
}

// NewNoteOn builds a Note-On event.
func NewNoteOn(tick int64, channel, key, velocity uint8) Event {
	return Event{Tick: tick, Status: NoteOn | channel&0x0F, Data: [2]byte{key & 0x7F, velocity & 0x7F}}
}

// NewNoteOff builds a Note-Off event.
func NewNoteOff(tick int64, channel, key, velocity uint8) Event {
	return Event{Tick: tick, Status: NoteOff | channel&0x0F, Data: [2]byte{key & 0x7F, velocity & 0x7F}}
}

// NewCC builds a control change event.
func NewCC(tick int64, channel, controller, value uint8) Event {
	return Event{Tick: tick, Status: CC | channel&0x0F, Data: [2]byte{controller & 0x7F, value & 0x7F}}
}

// Kind returns the status with the channel stripped.
func (e Event) Kind() byte {
	if e.Status >= SysEx {
		return e.Status
	}
	return e.Status & 0xF0
}

func (e Event) Channel() uint8 { return e.Status & 0x0F }
func (e Event) Key() uint8     { return e.Data[0] }
func (e Event) Velocity() uint8 {
	return e.Data[1]
}

// IsNoteOn reports a Note-On with non-zero velocity.
func (e Event) IsNoteOn() bool {
	return e.Kind() == NoteOn && e.Data[1] > 0
}

// IsNoteOff reports a Note-Off or a Note-On with zero velocity.
func (e Event) IsNoteOff() bool {
	k := e.Kind()
	return k == NoteOff || (k == NoteOn && e.Data[1] == 0)
}

func (e Event) IsNote() bool {
	k := e.Kind()
	return k == NoteOn || k == NoteOff
}

// Matches reports whether the event passes a status mask.
func (e Event) Matches(mask byte) bool {
	switch mask {
	case MaskAll:
		return true
	case MaskNotes:
		return e.IsNote()
	}
	if mask >= SysEx {
		return e.Status == mask
	}
	return e.Kind() == mask&0xF0
}

// SameNote reports whether two note events share channel and key.
func (e Event) SameNote(o Event) bool {
	return e.Channel() == o.Channel() && e.Key() == o.Key()
}

// OffFor returns a Note-Off event matching this Note-On at the given tick.
func (e Event) OffFor(tick int64) Event {
	return NewNoteOff(tick, e.Channel(), e.Key(), DefaultOffVelocity)
}

// rank orders events sharing a tick: meta before sysex before note-offs
// before other channel messages before note-ons.
func (e Event) rank() int {
	switch {
	case e.Status == Meta:
		return 0
	case e.Status >= SysEx:
		return 1
	case e.IsNoteOff():
		return 2
	case e.IsNoteOn():
		return 4
	}
	return 3
}

// Less is the EventList total order.
func Less(a, b Event) bool {
	if a.Tick != b.Tick {
		return a.Tick < b.Tick
	}
	return a.rank() < b.rank()
}

// DataLen is the number of data bytes for a status, or -1 when the status
// is not something a pattern can hold.
func DataLen(status byte) int {
	switch {
	case status < 0x80:
		return -1
	case status == Meta:
		return 2
	case status >= SysEx:
		return -1
	}
	switch status & 0xF0 {
	case ProgramChange, ChannelPressure:
		return 1
	}
	return 2
}

// Valid reports whether the event's status is one a pattern can store.
func (e Event) Valid() bool {
	return DataLen(e.Status) >= 0
}

// Message encodes the event as a wire message. Meta events have no wire
// form and return nil.
func (e Event) Message() gomidi.Message {
	ch := e.Channel()
	switch e.Kind() {
	case NoteOn:
		return gomidi.NoteOn(ch, e.Data[0], e.Data[1])
	case NoteOff:
		return gomidi.NoteOffVelocity(ch, e.Data[0], e.Data[1])
	case CC:
		return gomidi.ControlChange(ch, e.Data[0], e.Data[1])
	case ProgramChange:
		return gomidi.ProgramChange(ch, e.Data[0])
	case Aftertouch, ChannelPressure, PitchBend:
		n := DataLen(e.Status)
		msg := make(gomidi.Message, 1+n)
		msg[0] = e.Status
		copy(msg[1:], e.Data[:n])
		return msg
	}
	return nil
}

// FromMessage decodes a channel voice message. Running status and system
// messages are not accepted.
func FromMessage(tick int64, msg gomidi.Message) (Event, bool) {
	if len(msg) == 0 {
		return Event{}, false
	}
	status := msg[0]
	if status >= SysEx {
		return Event{}, false
	}
	n := DataLen(status)
	if n < 0 || len(msg) < 1+n {
		return Event{}, false
	}
	e := Event{Tick: tick, Status: status}
	copy(e.Data[:n], msg[1:1+n])
	return e, true
}

func (e Event) String() string {
	return fmt.Sprintf("%d:%02X %02X %02X", e.Tick, e.Status, e.Data[0], e.Data[1])
}

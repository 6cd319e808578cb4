package bus

import (
	"sync"
	"time"

	gomidi "gitlab.com/gomidi/midi/v2"

	"go-perform/clock"
)

// Sent is one message captured by a Recorder.
type Sent struct {
	Msg      gomidi.Message
	Deadline time.Time // when it was scheduled for
	At       time.Time // when it was handed to the bus
}

// Recorder is a Sender that keeps what it is given. It backs tests and dry
// runs where no MIDI port is open.
type Recorder struct {
	mu   sync.Mutex
	src  clock.Source
	sent []Sent
	err  error
}

// NewRecorder stamps sends with src (the system clock when nil).
func NewRecorder(src clock.Source) *Recorder {
	if src == nil {
		src = clock.System
	}
	return &Recorder{src: src}
}

func (r *Recorder) Send(msg gomidi.Message, deadline time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.sent = append(r.sent, Sent{
		Msg:      append(gomidi.Message(nil), msg...),
		Deadline: deadline,
		At:       r.src.Now(),
	})
	return nil
}

// FailWith makes every following Send return err (nil to recover).
func (r *Recorder) FailWith(err error) {
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
}

// Sent returns a copy of everything captured so far.
func (r *Recorder) Sent() []Sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Sent(nil), r.sent...)
}

// Matching returns the captured messages whose status byte, with the
// channel stripped for channel messages, equals kind.
func (r *Recorder) Matching(kind byte) []Sent {
	var out []Sent
	for _, s := range r.Sent() {
		if len(s.Msg) == 0 {
			continue
		}
		st := s.Msg[0]
		if st < 0xF0 {
			st &= 0xF0
		}
		if st == kind {
			out = append(out, s)
		}
	}
	return out
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	r.sent = nil
	r.mu.Unlock()
}

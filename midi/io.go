package midi

import (
	"fmt"
	"time"

	gomidi "gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/drivers"
)

// SendFunc writes one message to a port.
type SendFunc func(gomidi.Message) error

// OpenOutput opens an output port for sending.
func OpenOutput(out drivers.Out) (SendFunc, error) {
	send, err := gomidi.SendTo(out)
	if err != nil {
		return nil, fmt.Errorf("open output %s: %w", out.String(), err)
	}
	return SendFunc(send), nil
}

// Listener is an open input port.
type Listener struct {
	name string
	stop func()
}

// Listen opens an input port and calls fn for every message, stamped with
// its arrival time. fn runs on the driver's thread and must not block.
func Listen(in drivers.In, fn func(msg gomidi.Message, at time.Time)) (*Listener, error) {
	stop, err := gomidi.ListenTo(in, func(msg gomidi.Message, timestampms int32) {
		fn(msg, time.Now())
	})
	if err != nil {
		return nil, fmt.Errorf("open input %s: %w", in.String(), err)
	}
	return &Listener{name: in.String(), stop: stop}, nil
}

func (l *Listener) Name() string { return l.name }

func (l *Listener) Close() error {
	if l.stop != nil {
		l.stop()
		l.stop = nil
	}
	return nil
}

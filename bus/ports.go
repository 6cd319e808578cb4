package bus

import (
	"time"

	gomidi "gitlab.com/gomidi/midi/v2"

	"go-perform/midi"
)

// OpenOutputPort opens the named driver port and adds it as an output bus.
func (m *Master) OpenOutputPort(ports midi.Ports, name, port string, clock ClockPolicy) (int, error) {
	out, err := ports.FindOut(port)
	if err != nil {
		return -1, err
	}
	send, err := midi.OpenOutput(out)
	if err != nil {
		return -1, err
	}
	return m.AddOutput(name, SendFunc(send), clock), nil
}

// OpenInputPort opens the named driver port and adds it as an input bus
// feeding Deliver.
func (m *Master) OpenInputPort(ports midi.Ports, name, port string, enabled bool) (int, error) {
	in, err := ports.FindIn(port)
	if err != nil {
		return -1, err
	}

	m.mu.Lock()
	idx := len(m.inputs)
	rec := &input{name: name}
	rec.enabled.Store(enabled)
	m.inputs = append(m.inputs, rec)
	m.mu.Unlock()

	l, err := midi.Listen(in, func(msg gomidi.Message, at time.Time) {
		m.Deliver(idx, msg, at)
	})
	if err != nil {
		rec.enabled.Store(false)
		return -1, err
	}
	m.mu.Lock()
	rec.closer = l
	m.mu.Unlock()
	return idx, nil
}

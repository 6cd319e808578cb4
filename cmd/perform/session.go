package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"time"

	gomidi "gitlab.com/gomidi/midi/v2"

	"go-perform/bus"
	"go-perform/config"
	"go-perform/control"
	"go-perform/debug"
	"go-perform/launchpad"
	"go-perform/midi"
	"go-perform/sequencer"
	"go-perform/songfile"
	"go-perform/theme"
)

// session is everything one run of the sequencer owns.
type session struct {
	cfg      *config.Config
	master   *bus.Master
	engine   *sequencer.Engine
	controls *control.Map
	surface  *launchpad.Surface // nil without a Launchpad
	hardware bool               // driver ports were opened

	surfaceDone chan struct{}
}

// loadConfig reads the config file and sets up logging. When toFile is set
// logging always goes to a file, since the TUI owns the terminal.
func loadConfig(toFile bool) (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if cfg.Log.File != "" || toFile {
		if err := debug.Enable(cfg.Log.File); err != nil {
			return nil, fmt.Errorf("open log: %w", err)
		}
	}
	if err := debug.SetLevel(cfg.Log.Level); err != nil {
		return nil, err
	}
	if cfg.Path != "" {
		debug.Info("config loaded", "path", cfg.Path)
	}
	return cfg, nil
}

// openSession opens the configured buses and builds the engine on them.
// With no outputs configured a single discarding bus is used, so songs can
// be loaded and played without hardware.
func openSession(cfg *config.Config, th *theme.Theme, scan func() (midi.Ports, error), opts ...sequencer.Option) (*session, error) {
	master := bus.NewMaster(cfg.Bus.QueueCapacity)
	hardware := false
	var (
		padSend  midi.SendFunc
		padInput = -1
	)

	if len(cfg.Bus.Outputs) == 0 {
		master.AddOutput("dry-run", bus.SendFunc(func(gomidi.Message) error { return nil }), bus.ClockOff)
		debug.Warn("no outputs configured, playing to a discarding bus")
	}
	if len(cfg.Bus.Outputs)+len(cfg.Bus.Inputs) > 0 || cfg.Launchpad.Port != "" {
		ports, err := scan()
		if err != nil {
			return nil, err
		}
		hardware = true
		for _, o := range cfg.Bus.Outputs {
			policy, err := bus.ParseClockPolicy(o.Clock)
			if err != nil {
				return nil, err
			}
			if _, err := master.OpenOutputPort(ports, o.BusName(), o.Port, policy); err != nil {
				master.Close()
				return nil, fmt.Errorf("output %s: %w", o.BusName(), err)
			}
		}
		for _, in := range cfg.Bus.Inputs {
			if _, err := master.OpenInputPort(ports, in.BusName(), in.Port, in.Enabled); err != nil {
				// A missing controller should not stop the show.
				debug.Warn("input not opened", "bus", in.BusName(), "err", err)
			}
		}
		if cfg.Launchpad.Port != "" {
			padSend, padInput = openLaunchpad(master, ports, cfg.Launchpad.Port)
		}
	}

	engine, err := sequencer.New(cfg.Sequencer(), master, opts...)
	if err != nil {
		master.Close()
		return nil, err
	}

	controls, err := control.New(engine, cfg.Controls, engine.Defer)
	if err != nil {
		master.Close()
		return nil, err
	}
	controls.SetBPMStep(cfg.Engine.BPMStep)

	s := &session{cfg: cfg, master: master, engine: engine, controls: controls, hardware: hardware}
	hooks := []func(bus.Incoming) bool{controls.Hook()}
	if padSend != nil {
		s.surface = launchpad.New(engine, th, padSend, padInput)
		if err := s.surface.Init(); err != nil {
			debug.Warn("launchpad init failed", "err", err)
			s.surface = nil
		} else {
			hooks = append([]func(bus.Incoming) bool{s.surface.Hook()}, hooks...)
		}
	}
	master.SetControlHook(func(in bus.Incoming) bool {
		for _, h := range hooks {
			if h(in) {
				return true
			}
		}
		return false
	})
	return s, nil
}

// openLaunchpad opens both directions of the Launchpad's port. Failures are
// logged and leave the surface off.
func openLaunchpad(master *bus.Master, ports midi.Ports, port string) (midi.SendFunc, int) {
	out, err := ports.FindOut(port)
	if err != nil {
		debug.Warn("launchpad not found", "port", port, "err", err)
		return nil, -1
	}
	send, err := midi.OpenOutput(out)
	if err != nil {
		debug.Warn("launchpad output", "err", err)
		return nil, -1
	}
	in, err := master.OpenInputPort(ports, config.LaunchpadBus, port, true)
	if err != nil {
		debug.Warn("launchpad input, LEDs only", "err", err)
		in = -1
	}
	return send, in
}

// start runs the engine and the Launchpad until ctx is done.
func (s *session) start(ctx context.Context) {
	s.engine.Run(ctx)
	if s.surface != nil {
		s.surfaceDone = make(chan struct{})
		go func() {
			defer close(s.surfaceDone)
			s.surface.Run(ctx)
		}()
	}
}

// loadSong loads path into the engine. A missing file is fine when
// mustExist is false: the song starts empty and is saved there later.
func (s *session) loadSong(path string, mustExist bool) error {
	if path == "" {
		return nil
	}
	song, err := songfile.Load(path)
	if errors.Is(err, fs.ErrNotExist) && !mustExist {
		debug.Info("new song", "path", path)
		return nil
	}
	if err != nil {
		return err
	}
	if err := s.engine.LoadSong(song); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	s.engine.MarkSaved()
	debug.Info("song loaded", "path", path, "patterns", len(song.Patterns))
	return nil
}

// halt silences every bus and stops the transport, for any way out of a
// performance.
func (s *session) halt() error {
	s.engine.Panic()
	return s.engine.Stop()
}

// Close stops everything start began. The context given to start must be
// done first when a Launchpad is attached.
func (s *session) Close() {
	if s.surfaceDone != nil {
		<-s.surfaceDone
	}
	if err := s.engine.Close(); err != nil {
		debug.Error("engine close", "err", err)
	}
	// Give the last note-offs a moment to leave the driver.
	time.Sleep(10 * time.Millisecond)
	if err := s.master.Close(); err != nil {
		debug.Error("bus close", "err", err)
	}
	if s.hardware {
		midi.CloseDriver()
	}
}

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"go-perform/bus"
	"go-perform/control"
	"go-perform/sequencer"
)

// EngineConfig holds tempo, timing and editing defaults.
type EngineConfig struct {
	PPQN         int     `mapstructure:"ppqn"`
	BPM          float64 `mapstructure:"bpm"`
	BeatsPerBar  int     `mapstructure:"beats_per_bar"`
	BeatWidth    int     `mapstructure:"beat_width"`
	TickMS       int     `mapstructure:"tick_ms"`
	BPMStep      float64 `mapstructure:"bpm_step"`
	BPMPrecision int     `mapstructure:"bpm_precision"`
	UndoDepth    int     `mapstructure:"undo_depth"`
	Snap         int     `mapstructure:"snap"` // 0 derives PPQN/4
}

type ScreenSetConfig struct {
	Rows int `mapstructure:"rows"`
	Cols int `mapstructure:"cols"`
	Sets int `mapstructure:"sets"`
}

type MuteGroupsConfig struct {
	Count int `mapstructure:"count"`
}

// OutputConfig names a driver port to open as an output bus.
type OutputConfig struct {
	Name  string `mapstructure:"name"`
	Port  string `mapstructure:"port"`
	Clock string `mapstructure:"clock"` // off, pos or mod
}

// InputConfig names a driver port to open as an input bus.
type InputConfig struct {
	Name    string `mapstructure:"name"`
	Port    string `mapstructure:"port"`
	Enabled bool   `mapstructure:"enabled"`
}

type BusConfig struct {
	QueueCapacity int            `mapstructure:"queue_capacity"`
	Outputs       []OutputConfig `mapstructure:"outputs"`
	Inputs        []InputConfig  `mapstructure:"inputs"`
}

// LaunchpadConfig names a Launchpad X to use as a pattern grid. Empty
// Port disables it. Use the device's MIDI port, not its DAW port.
type LaunchpadConfig struct {
	Port string `mapstructure:"port"`
}

type LogConfig struct {
	File  string `mapstructure:"file"`
	Level string `mapstructure:"level"`
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// Config is the main configuration structure
type Config struct {
	Engine     EngineConfig      `mapstructure:"engine"`
	ScreenSet  ScreenSetConfig   `mapstructure:"screenset"`
	MuteGroups MuteGroupsConfig  `mapstructure:"mutegroups"`
	Bus        BusConfig         `mapstructure:"bus"`
	Controls   []control.Binding `mapstructure:"controls"`
	Launchpad  LaunchpadConfig   `mapstructure:"launchpad"`
	Log        LogConfig         `mapstructure:"log"`
	Metrics    MetricsConfig     `mapstructure:"metrics"`

	// Path is the file the config was read from, empty when none existed.
	Path string `mapstructure:"-"`
}

var ErrInvalid = errors.New("config: invalid")

// LaunchpadBus is the input bus name the Launchpad's presses arrive on.
const LaunchpadBus = "launchpad"

// ConfigDir returns the config directory path
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "go-perform"), nil
}

// ConfigPath returns the full path to config.yaml
func ConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

func setDefaults(v *viper.Viper) {
	d := sequencer.DefaultConfig()
	v.SetDefault("engine.ppqn", d.PPQN)
	v.SetDefault("engine.bpm", d.BPM)
	v.SetDefault("engine.beats_per_bar", d.BeatsPerBar)
	v.SetDefault("engine.beat_width", d.BeatWidth)
	v.SetDefault("engine.tick_ms", int(d.Tick/time.Millisecond))
	v.SetDefault("engine.bpm_step", control.DefaultBPMStep)
	v.SetDefault("engine.bpm_precision", d.BPMPrecision)
	v.SetDefault("engine.undo_depth", d.UndoDepth)
	v.SetDefault("engine.snap", 0)

	v.SetDefault("screenset.rows", d.Rows)
	v.SetDefault("screenset.cols", d.Cols)
	v.SetDefault("screenset.sets", d.Sets)
	v.SetDefault("mutegroups.count", d.MuteGroups)

	v.SetDefault("bus.queue_capacity", bus.DefaultQueueCapacity)
	v.SetDefault("bus.outputs", []map[string]any{})
	v.SetDefault("bus.inputs", []map[string]any{})
	v.SetDefault("controls", []map[string]any{})
	v.SetDefault("launchpad.port", "")

	v.SetDefault("log.level", "warn")
	v.SetDefault("log.file", "")
	v.SetDefault("metrics.addr", "")
}

// Load reads path, or the default location when path is empty, over the
// built-in defaults. PERFORM_* environment variables override both. A
// missing default file is not an error; a missing explicit one is.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("PERFORM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	explicit := path != ""
	if !explicit {
		p, err := ConfigPath()
		if err == nil {
			path = p
		}
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			missing := errors.Is(err, fs.ErrNotExist) || errors.As(err, &notFound)
			if explicit || !missing {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
			path = ""
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Path = path
	cfg.Log.File = expandPath(cfg.Log.File)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the built-in configuration without reading any file.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// expandPath expands ~ to home directory
func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}

// Sequencer converts the engine and layout sections for sequencer.New.
func (c *Config) Sequencer() sequencer.Config {
	return sequencer.Config{
		PPQN:         c.Engine.PPQN,
		BPM:          c.Engine.BPM,
		BPMPrecision: c.Engine.BPMPrecision,
		BeatsPerBar:  c.Engine.BeatsPerBar,
		BeatWidth:    c.Engine.BeatWidth,
		Tick:         time.Duration(c.Engine.TickMS) * time.Millisecond,
		UndoDepth:    c.Engine.UndoDepth,
		Snap:         int64(c.Engine.Snap),
		Rows:         c.ScreenSet.Rows,
		Cols:         c.ScreenSet.Cols,
		Sets:         c.ScreenSet.Sets,
		MuteGroups:   c.MuteGroups.Count,
	}
}

// Validate checks every section. Errors wrap ErrInvalid, and sequencer
// range errors also match sequencer.ErrConfig.
func (c *Config) Validate() error {
	if err := c.Sequencer().Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if c.Engine.BPMStep <= 0 {
		return fmt.Errorf("%w: engine.bpm_step %v must be positive", ErrInvalid, c.Engine.BPMStep)
	}
	if c.Bus.QueueCapacity < 1 {
		return fmt.Errorf("%w: bus.queue_capacity %d", ErrInvalid, c.Bus.QueueCapacity)
	}
	seen := make(map[string]bool)
	for i, o := range c.Bus.Outputs {
		if o.Port == "" {
			return fmt.Errorf("%w: bus.outputs[%d]: port is required", ErrInvalid, i)
		}
		if _, err := bus.ParseClockPolicy(o.Clock); err != nil {
			return fmt.Errorf("%w: bus.outputs[%d]: %w", ErrInvalid, i, err)
		}
		name := o.BusName()
		if seen[name] {
			return fmt.Errorf("%w: bus.outputs[%d]: duplicate name %q", ErrInvalid, i, name)
		}
		seen[name] = true
	}
	for i, in := range c.Bus.Inputs {
		if in.Port == "" {
			return fmt.Errorf("%w: bus.inputs[%d]: port is required", ErrInvalid, i)
		}
		if in.BusName() == LaunchpadBus {
			return fmt.Errorf("%w: bus.inputs[%d]: name %q is reserved", ErrInvalid, i, LaunchpadBus)
		}
	}
	if _, err := control.New(nopPerformer{}, c.Controls, nil); err != nil {
		return fmt.Errorf("%w: controls: %w", ErrInvalid, err)
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%w: log.level %q", ErrInvalid, c.Log.Level)
	}
	return nil
}

// BusName is the display name, the port name when none is given.
func (o OutputConfig) BusName() string {
	if o.Name != "" {
		return o.Name
	}
	return o.Port
}

func (in InputConfig) BusName() string {
	if in.Name != "" {
		return in.Name
	}
	return in.Port
}

// nopPerformer lets Validate build a control map without an engine.
type nopPerformer struct{}

func (nopPerformer) SlotID(int) int           { return 0 }
func (nopPerformer) Toggle(int) error         { return nil }
func (nopPerformer) Queue(int) error          { return nil }
func (nopPerformer) OneShot(int) error        { return nil }
func (nopPerformer) BPM() float64             { return 0 }
func (nopPerformer) SetBPM(float64) error     { return nil }
func (nopPerformer) TapBPM() float64          { return 0 }
func (nopPerformer) SetPlayingSet(int) error  { return nil }
func (nopPerformer) SetKeepQueue(bool)        {}
func (nopPerformer) Snapshot(int) error       { return nil }
func (nopPerformer) ApplyMuteGroup(int) error { return nil }
func (nopPerformer) SetLearn(bool)            {}
func (nopPerformer) Start() error             { return nil }
func (nopPerformer) Stop() error              { return nil }
func (nopPerformer) Panic()                   {}

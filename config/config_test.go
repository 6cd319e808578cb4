package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-perform/control"
	"go-perform/sequencer"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestDefaults(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	sc := cfg.Sequencer()
	assert.Equal(t, 192, sc.PPQN)
	assert.Equal(t, 120.0, sc.BPM)
	assert.Equal(t, time.Millisecond, sc.Tick)
	assert.Equal(t, 4*8*32, sc.Slots())
	assert.Equal(t, 32, sc.MuteGroups)
	assert.Equal(t, int64(0), sc.Snap)
	assert.Equal(t, 1.0, cfg.Engine.BPMStep)
	assert.Equal(t, 4096, cfg.Bus.QueueCapacity)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Empty(t, cfg.Bus.Outputs)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
engine:
  ppqn: 96
  bpm: 98.5
  bpm_precision: 1
  tick_ms: 2
screenset:
  rows: 2
  cols: 4
  sets: 8
bus:
  outputs:
    - name: synth
      port: "IAC Driver Bus 1"
      clock: pos
  inputs:
    - port: "Launchpad X"
      enabled: true
controls:
  - action: toggle
    index: 3
    enabled: true
    status: 0x90
    data: 36
    min: 1
    max: 127
launchpad:
  port: "LPX MIDI"
log:
  level: debug
  file: ~/perform.log
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, path, cfg.Path)

	sc := cfg.Sequencer()
	assert.Equal(t, 96, sc.PPQN)
	assert.Equal(t, 98.5, sc.BPM)
	assert.Equal(t, 2*time.Millisecond, sc.Tick)
	assert.Equal(t, 64, sc.Slots())
	assert.Equal(t, 4, sc.BeatsPerBar, "unset keys keep defaults")

	require.Len(t, cfg.Bus.Outputs, 1)
	assert.Equal(t, "synth", cfg.Bus.Outputs[0].BusName())
	assert.Equal(t, "pos", cfg.Bus.Outputs[0].Clock)
	require.Len(t, cfg.Bus.Inputs, 1)
	assert.Equal(t, "Launchpad X", cfg.Bus.Inputs[0].BusName())

	require.Len(t, cfg.Controls, 1)
	assert.Equal(t, control.Binding{
		Action: control.ActionToggle, Index: 3, Enabled: true,
		Status: 0x90, Data: 36, Min: 1, Max: 127,
	}, cfg.Controls[0])

	assert.Equal(t, "LPX MIDI", cfg.Launchpad.Port)

	home, _ := os.UserHomeDir()
	assert.Equal(t, filepath.Join(home, "perform.log"), cfg.Log.File)
}

func TestEnvironmentOverrides(t *testing.T) {
	path := writeConfig(t, "engine:\n  bpm: 100\n")
	t.Setenv("PERFORM_ENGINE_BPM", "140")
	t.Setenv("PERFORM_METRICS_ADDR", ":9100")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 140.0, cfg.Engine.BPM)
	assert.Equal(t, ":9100", cfg.Metrics.Addr)
}

func TestExplicitMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestMissingDefaultFileUsesDefaults(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Empty(t, cfg.Path)
	assert.Equal(t, 192, cfg.Engine.PPQN)
}

func TestValidate(t *testing.T) {
	cases := map[string]string{
		"ppqn":        "engine:\n  ppqn: 7\n",
		"bpm":         "engine:\n  bpm: 900\n",
		"tick":        "engine:\n  tick_ms: 20\n",
		"step":        "engine:\n  bpm_step: 0\n",
		"geometry":    "screenset:\n  rows: 0\n",
		"queue":       "bus:\n  queue_capacity: 0\n",
		"clock":       "bus:\n  outputs:\n    - port: a\n      clock: sometimes\n",
		"no port":     "bus:\n  outputs:\n    - name: a\n",
		"duplicate":   "bus:\n  outputs:\n    - port: a\n    - port: a\n",
		"input port":  "bus:\n  inputs:\n    - name: pads\n",
		"binding":     "controls:\n  - action: fly\n    status: 0x90\n",
		"log level":   "log:\n  level: loud\n",
		"signature":   "engine:\n  beat_width: 3\n",
		"negative sn": "engine:\n  snap: -1\n",
		"reserved":    "bus:\n  inputs:\n    - name: launchpad\n      port: x\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}

	_, err := Load(writeConfig(t, "engine:\n  ppqn: 7\n"))
	assert.ErrorIs(t, err, sequencer.ErrConfig)
}

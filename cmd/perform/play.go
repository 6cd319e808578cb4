package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"go-perform/debug"
	"go-perform/metrics"
	"go-perform/midi"
	"go-perform/sequencer"
	"go-perform/theme"
)

var (
	playMode        string
	playMetricsAddr string
	playArm         []int
)

func init() {
	playCmd.Flags().StringVar(&playMode, "mode", "song", "song (follow triggers, stop at the end) or live (play armed patterns until interrupted)")
	playCmd.Flags().StringVar(&playMetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (overrides metrics.addr)")
	playCmd.Flags().IntSliceVar(&playArm, "arm", nil, "patterns to arm in live mode")
	rootCmd.AddCommand(playCmd)
}

var playCmd = &cobra.Command{
	Use:   "play SONG",
	Short: "Play a song without the terminal grid",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(false)
		if err != nil {
			return err
		}
		defer debug.Disable()

		var mode sequencer.Mode
		switch playMode {
		case "song":
			mode = sequencer.ModeSong
		case "live":
			mode = sequencer.ModeLive
		default:
			return fmt.Errorf("unknown mode %q (want song or live)", playMode)
		}

		s, err := openSession(cfg, theme.Default(), midi.Scan)
		if err != nil {
			return err
		}
		defer s.Close()
		if err := s.loadSong(args[0], true); err != nil {
			return err
		}
		for _, id := range playArm {
			if err := s.engine.Toggle(id); err != nil {
				return err
			}
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		addr := cfg.Metrics.Addr
		if playMetricsAddr != "" {
			addr = playMetricsAddr
		}
		if addr != "" {
			metrics.Initialize()
			go func() {
				if err := metrics.Serve(ctx, addr); err != nil {
					debug.Error("metrics server", "addr", addr, "err", err)
				}
			}()
		}

		return play(ctx, s, mode)
	},
}

// play runs the engine until ctx is done or, in song mode, the last
// trigger has played.
func play(ctx context.Context, s *session, mode sequencer.Mode) error {
	e := s.engine
	e.SetMode(mode)
	end := int64(-1)
	if mode == sequencer.ModeSong {
		if end = e.SongEnd(); end < 0 {
			return fmt.Errorf("song has no triggers; use --mode live")
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.start(runCtx)
	if err := e.Start(); err != nil {
		return err
	}
	debug.Info("playing", "mode", mode, "bpm", e.BPM(), "end", end)

	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return s.halt()
		case <-tick.C:
			if end >= 0 && e.Position() > end {
				return e.Stop()
			}
		}
	}
}

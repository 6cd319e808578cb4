package main

import (
	"errors"
	"os"
	"os/signal"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"go-perform/debug"
	"go-perform/midi"
	"go-perform/theme"
	"go-perform/tui"
)

var (
	runSong    string
	runPalette string
)

func init() {
	runCmd.Flags().StringVarP(&runSong, "song", "s", "", "song file to load and save (created on first save)")
	runCmd.Flags().StringVar(&runPalette, "palette", "", "GIMP palette (.gpl) for pattern colours")
	rootCmd.AddCommand(runCmd)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Perform with the terminal grid",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(true)
		if err != nil {
			return err
		}
		defer debug.Disable()

		th := theme.Default()
		if runPalette != "" {
			p, err := theme.LoadGPL(runPalette)
			if err != nil {
				return err
			}
			th = theme.New(nil, p)
		}

		s, err := openSession(cfg, th, midi.Scan)
		if err != nil {
			return err
		}
		defer s.Close()
		if err := s.loadSong(runSong, false); err != nil {
			return err
		}

		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		s.start(ctx)

		// Hot-plug notices for the status line
		watcher := midi.NewPortWatcher()
		go watcher.Run(ctx)
		s.hardware = true

		m := tui.NewModel(s.engine, watcher, th, runSong)
		p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx))
		_, err = p.Run()
		if herr := s.halt(); herr != nil {
			debug.Warn("stop on exit", "err", herr)
		}
		if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
			return nil // signalled
		}
		return err
	},
}

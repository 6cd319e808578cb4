package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"go-perform/midi"
)

var portsWatch bool

func init() {
	portsCmd.Flags().BoolVarP(&portsWatch, "watch", "w", false, "keep running and report ports as they come and go")
	rootCmd.AddCommand(portsCmd)
}

var portsCmd = &cobra.Command{
	Use:   "ports",
	Short: "List MIDI ports, for the bus section of the config",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		defer midi.CloseDriver()
		out := cmd.OutOrStdout()
		if portsWatch {
			return watchPorts(cmd, out)
		}

		ports, err := midi.Scan()
		if err != nil {
			return fmt.Errorf("%w (on macOS: sudo killall coreaudiod midiserver)", err)
		}
		fmt.Fprintln(out, "=== MIDI Input Ports ===")
		for i, name := range ports.InNames() {
			fmt.Fprintf(out, "  %d: %s\n", i, name)
		}
		fmt.Fprintln(out, "\n=== MIDI Output Ports ===")
		for i, name := range ports.OutNames() {
			fmt.Fprintf(out, "  %d: %s\n", i, name)
		}
		return nil
	},
}

func watchPorts(cmd *cobra.Command, out io.Writer) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	fmt.Fprintln(out, "Watching MIDI ports. Ctrl+C to exit.")
	w := midi.NewPortWatcher()
	go w.Run(ctx)
	for ev := range w.Events() {
		dir := "in "
		if ev.Output {
			dir = "out"
		}
		fmt.Fprintf(out, "[%s] %s %s %s\n", time.Now().Format("15:04:05"), ev.Type, dir, ev.Name)
	}
	return nil
}

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"go-perform/config"
	"go-perform/songfile"
)

var (
	importFirstSlot int
	importBus       int
	importTriggers  bool
)

func init() {
	importCmd.Flags().IntVar(&importFirstSlot, "slot", 0, "slot of the first imported track")
	importCmd.Flags().IntVar(&importBus, "bus", 0, "output bus for the imported patterns")
	importCmd.Flags().BoolVar(&importTriggers, "triggers", true, "add a song trigger covering each pattern")
	rootCmd.AddCommand(importCmd)
}

var importCmd = &cobra.Command{
	Use:   "import IN.mid OUT.yaml",
	Short: "Convert a Standard MIDI File to a song, one pattern per track",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		song, err := songfile.ImportSMFFile(args[0], songfile.ImportOptions{
			PPQN:         cfg.Engine.PPQN,
			FirstSlot:    importFirstSlot,
			Bus:          importBus,
			WithTriggers: importTriggers,
		})
		if err != nil {
			return err
		}
		if err := songfile.Save(args[1], song); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %d patterns, %.2f bpm, %d/%d\n",
			args[1], len(song.Patterns), song.BPM, song.BeatsPerBar, song.BeatWidth)
		return nil
	},
}

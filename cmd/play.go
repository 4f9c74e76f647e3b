package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/audiolibrelab/micsession/internal/play"
	"github.com/audiolibrelab/micsession/internal/service"
)

var playCmd = &cobra.Command{
	Use:   "play <name>",
	Short: "Play a saved recording",
	Long: `Play a recording saved by 'micsession record' from the output directory.
Uses pw-play if available, otherwise ffplay or aplay.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := args[0]
		if filepath.Ext(path) != ".pcm" {
			path = service.RecordingFile(cfg.Output.Directory, args[0])
		}

		if err := play.New(cfg.Capture).Play(path); err != nil {
			return fmt.Errorf("playback failed: %w", err)
		}
		return nil
	},
}

package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/audiolibrelab/micsession/internal/config"
)

var (
	cfg          *config.Config
	cfgFile      string
	verboseLevel int

	logFile *lumberjack.Logger
)

var rootCmd = &cobra.Command{
	Use:   "micsession",
	Short: "Microphone recording sessions from the command line",
	Long: `micsession records audio from a microphone with start, pause, resume and
stop controls, remembers the microphone permission and the selected input
device between runs, and saves each finished recording to disk.

Sessions can be driven from the terminal or from the built-in web server.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Configure slog based on verbose level
		setupLogging(verboseLevel, nil)

		// Use default config path if not specified
		if cfgFile == "" {
			cfgFile = config.DefaultPath()
		}

		// config init writes the file that would otherwise be loaded
		if cmd.Name() == "init" {
			return nil
		}

		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		if cfg.Log.File != "" {
			setupLogging(verboseLevel, &cfg.Log)
		}

		slog.Debug("Configuration loaded", "file", cfgFile, "backend", cfg.Capture.Backend)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logFile != nil {
			logFile.Close()
		}
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/micsession.yaml)")
	rootCmd.PersistentFlags().IntVarP(&verboseLevel, "verbose", "v", 0, "verbose level: 0=info, 1=debug, 2=backend tracing")

	rootCmd.AddCommand(recordCmd)
	rootCmd.AddCommand(devicesCmd)
	rootCmd.AddCommand(selectCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(playCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(configCmd)
}

// setupLogging configures slog based on the verbose level. With a log config
// the output is also written to a rotating file.
func setupLogging(level int, logCfg *config.LogConfig) {
	var slogLevel slog.Level
	switch level {
	case 0:
		slogLevel = slog.LevelInfo
	case 1, 2:
		slogLevel = slog.LevelDebug
	default:
		slogLevel = slog.LevelInfo
	}

	var out io.Writer = os.Stderr
	if logCfg != nil && logCfg.File != "" {
		if logFile != nil {
			logFile.Close()
		}
		logFile = &lumberjack.Logger{
			Filename:   logCfg.File,
			MaxSize:    logCfg.MaxSizeMB,
			MaxBackups: logCfg.MaxBackups,
			MaxAge:     logCfg.MaxAgeDays,
		}
		out = io.MultiWriter(os.Stderr, logFile)
	}

	// Configure text handler for clean terminal output
	opts := &slog.HandlerOptions{
		Level: slogLevel,
	}
	handler := slog.NewTextHandler(out, opts)
	slog.SetDefault(slog.New(handler))

	// Level 2 also enables PipeWire client tracing
	if level >= 2 {
		os.Setenv("PIPEWIRE_DEBUG", "3")
	}
}

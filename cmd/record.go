package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/audiolibrelab/micsession/internal/play"
	"github.com/audiolibrelab/micsession/internal/service"
)

const finalizeTimeout = 10 * time.Second

var recordCmd = &cobra.Command{
	Use:   "record [name]",
	Short: "Record from the selected microphone",
	Long: `Record from the selected input device until Ctrl+C (or --duration).
Press Enter to pause or resume. The recording is saved as raw 16-bit PCM
in the output directory; without a name one is derived from the start time.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := ""
		if len(args) == 1 {
			name = args[0]
		}
		monitorEnabled, _ := cmd.Flags().GetBool("monitor")
		duration, _ := cmd.Flags().GetDuration("duration")

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		var monitor io.WriteCloser
		if monitorEnabled {
			m, err := play.NewMonitor(cfg.Capture)
			if err != nil {
				return fmt.Errorf("failed to start monitor: %w", err)
			}
			monitor = m
		}

		slog.Debug("Creating service instance")
		svc, err := service.New(ctx, cfg, monitor)
		if err != nil {
			if monitor != nil {
				monitor.Close()
			}
			return fmt.Errorf("failed to create service: %w", err)
		}
		defer svc.Close()

		if err := svc.Start(ctx); err != nil {
			status := svc.Status()
			if status.PermissionDenied {
				return fmt.Errorf("microphone not available (%s): %w", status.LastError, err)
			}
			return err
		}

		status := svc.Status()
		slog.Info("Recording - press Enter to pause/resume, Ctrl+C to stop",
			"device", status.SelectedDeviceID, "session", status.SessionID)

		go togglePauseOnEnter(ctx, svc, os.Stdin)

		var timeout <-chan time.Time
		if duration > 0 {
			timeout = time.After(duration)
		}

		select {
		case <-ctx.Done():
		case <-timeout:
			slog.Debug("Recording duration reached", "duration", duration)
		}

		elapsed := svc.Status().ElapsedSeconds
		slog.Info("Stopping recording...", "elapsed", formatElapsed(elapsed))
		if err := svc.Stop(); err != nil {
			return fmt.Errorf("failed to stop recording: %w", err)
		}

		saveCtx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
		defer cancel()

		path, err := svc.SaveRecording(saveCtx, name)
		if err != nil {
			return fmt.Errorf("failed to save recording: %w", err)
		}

		rec, _ := svc.LastRecording()
		fmt.Printf("Saved %s (%s, %s)\n", path, service.FormatBytes(int64(rec.Bytes)), rec.Blob.MIMEType)
		return nil
	},
}

// togglePauseOnEnter toggles pause for every line read from in
func togglePauseOnEnter(ctx context.Context, svc service.Service, in io.Reader) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		if err := svc.TogglePauseResume(); err != nil {
			slog.Warn("Pause toggle failed", "error", err)
			continue
		}
		status := svc.Status()
		if status.IsPaused {
			slog.Info("Paused", "elapsed", formatElapsed(status.ElapsedSeconds))
		} else {
			slog.Info("Resumed", "elapsed", formatElapsed(status.ElapsedSeconds))
		}
	}
}

// formatElapsed renders seconds as MM:SS
func formatElapsed(seconds int) string {
	return fmt.Sprintf("%02d:%02d", seconds/60, seconds%60)
}

func init() {
	recordCmd.Flags().Bool("monitor", false, "play captured audio live through pw-play, ffplay or aplay")
	recordCmd.Flags().Duration("duration", 0, "stop automatically after this duration (e.g. 30s)")
}

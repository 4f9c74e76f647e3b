package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/audiolibrelab/micsession/internal/audio"
	"github.com/audiolibrelab/micsession/internal/service"
	"github.com/audiolibrelab/micsession/internal/session"
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List audio input devices",
	Long: `List the input devices of the configured capture backend.
Devices are only enumerated once microphone access has been granted by a
successful recording.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := service.New(cmd.Context(), cfg, nil)
		if err != nil {
			return fmt.Errorf("failed to create service: %w", err)
		}
		defer svc.Close()

		status := svc.Status()
		fmt.Printf("Audio input devices (%s backend)\n", status.Backend)
		fmt.Printf("═══════════════════════════════════════\n\n")

		if status.Permission != session.PermissionGranted {
			fmt.Printf("Microphone access not granted yet (%s).\n", status.Permission)
			fmt.Printf("Run 'micsession record' once to grant access; until then %q is used.\n", audio.DefaultDeviceID)
			return nil
		}

		if len(status.Devices) == 0 {
			fmt.Println("No input devices found.")
		}
		for i, d := range status.Devices {
			marker := " "
			if d.ID == status.SelectedDeviceID {
				marker = "*"
			}
			fmt.Printf(" %s %d. %s\n      id: %s\n", marker, i+1, d.Label, d.ID)
		}

		if status.SelectedDeviceID == audio.DefaultDeviceID {
			fmt.Printf("\n * %s (platform default)\n", audio.DefaultDeviceID)
		}
		fmt.Printf("\nSelect with: micsession select <id>\n")
		return nil
	},
}

var selectCmd = &cobra.Command{
	Use:   "select <device-id>",
	Short: "Select the input device for the next recording",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := service.New(cmd.Context(), cfg, nil)
		if err != nil {
			return fmt.Errorf("failed to create service: %w", err)
		}
		defer svc.Close()

		if err := svc.SelectDevice(args[0]); err != nil {
			return fmt.Errorf("%w (see 'micsession devices')", err)
		}

		fmt.Printf("Selected input device: %s\n", args[0])
		return nil
	},
}

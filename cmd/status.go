package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/audiolibrelab/micsession/internal/audio"
	"github.com/audiolibrelab/micsession/internal/service"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show cached permission, selected device and backends",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := service.New(cmd.Context(), cfg, nil)
		if err != nil {
			return fmt.Errorf("failed to create service: %w", err)
		}
		defer svc.Close()

		status := svc.Status()
		fmt.Printf("Backend:            %s\n", status.Backend)
		fmt.Printf("Available backends: %v\n", audio.GetAvailableBackends())
		fmt.Printf("Permission:         %s\n", status.Permission)
		fmt.Printf("Selected device:    %s\n", status.SelectedDeviceID)
		fmt.Printf("Known devices:      %d\n", len(status.Devices))
		fmt.Printf("Store:              %s\n", storeLocation())
		fmt.Printf("Output directory:   %s\n", cfg.Output.Directory)
		return nil
	},
}

func storeLocation() string {
	if cfg.Store.InMemory {
		return "in-memory"
	}
	return cfg.Store.Directory
}

package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"uci-fleet/internal/orchestrator"
	"uci-fleet/internal/shared/model"
)

var deviceFilter struct {
	group string
	env   string
	state string
}

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List registered devices",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		devices, err := fleet.registry.ListDevices(cmd.Context(), model.DeviceFilter{
			Group:       deviceFilter.group,
			Environment: deviceFilter.env,
			State:       model.DeviceState(deviceFilter.state),
		})
		if err != nil {
			return err
		}
		return emit(devices, func(w io.Writer) { printDevices(w, devices) })
	},
}

var devicesImportCmd = &cobra.Command{
	Use:   "import <inventory.yaml>",
	Short: "Register devices and groups from an inventory file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		inv, err := orchestrator.LoadInventory(args[0])
		if err != nil {
			return err
		}
		if err := fleet.registry.Import(cmd.Context(), inv); err != nil {
			return err
		}
		fmt.Printf("Imported %d devices, %d groups\n", len(inv.Devices), len(inv.Groups))
		return nil
	},
}

var devicesRemoveCmd = &cobra.Command{
	Use:   "remove <device-id>...",
	Short: "Remove devices from the registry",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, id := range args {
			if err := fleet.registry.RemoveDevice(cmd.Context(), id); err != nil {
				return fmt.Errorf("remove %s: %w", id, err)
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(devicesCmd)
	devicesCmd.AddCommand(devicesImportCmd, devicesRemoveCmd)
	devicesCmd.Flags().StringVar(&deviceFilter.group, "group", "", "only devices in this group")
	devicesCmd.Flags().StringVar(&deviceFilter.env, "env", "", "only devices in this environment")
	devicesCmd.Flags().StringVar(&deviceFilter.state, "state", "", "only devices in this state")
}

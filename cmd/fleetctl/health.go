package main

import (
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"uci-fleet/internal/shared/model"
)

var healthCmd = &cobra.Command{
	Use:   "health <device-id>",
	Short: "Run a network health check on one device",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dev, err := fleet.registry.GetDevice(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		status, err := fleet.orch.DeviceHealth(cmd.Context(), dev)
		if err != nil {
			return fmt.Errorf("device %s unreachable: %w", dev.ID, err)
		}
		if err := emit(status, func(w io.Writer) { printHealth(w, status) }); err != nil {
			return err
		}
		if !status.OverallState.Acceptable() {
			return result(model.ResultManualIntervention)
		}
		return nil
	},
}

var fleetHealthCmd = &cobra.Command{
	Use:   "fleet-health",
	Short: "Check every registered device and rate the fleet",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		fh, err := fleet.orch.CheckFleetHealth(cmd.Context())
		if err != nil {
			return err
		}
		err = emit(fh, func(w io.Writer) {
			fmt.Fprintf(w, "Rating:\t%s (%.1f%% healthy)\n", fh.Rating, fh.HealthyPercent)
			fmt.Fprintf(w, "Devices:\t%d total, %d healthy, %d degraded, %d failed, %d unreachable\n",
				fh.Total, fh.Healthy, fh.Degraded, fh.Failed, fh.Unreachable)
			ids := make([]string, 0, len(fh.Devices))
			for id := range fh.Devices {
				ids = append(ids, id)
			}
			slices.Sort(ids)
			fmt.Fprintln(w)
			fmt.Fprintln(w, "DEVICE\tSTATE\tFAILED TESTS")
			for _, id := range ids {
				status := fh.Devices[id]
				if status == nil {
					fmt.Fprintf(w, "%s\tunreachable\t-\n", id)
					continue
				}
				failed := status.FailedTests()
				slices.Sort(failed)
				fmt.Fprintf(w, "%s\t%s\t%s\n", id, status.OverallState, dash(strings.Join(failed, ",")))
			}
		})
		if err != nil {
			return err
		}
		if fh.Rating == model.FleetCritical {
			return result(model.ResultManualIntervention)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(healthCmd, fleetHealthCmd)
}

package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"uci-fleet/internal/shared/model"
)

var deployFlags struct {
	name          string
	source        string
	devices       []string
	groups        []string
	exclude       []string
	strategy      string
	parallel      int
	canaryPercent float64
	canarySoak    time.Duration
	healthCheck   bool
	noRollback    bool
	preflight     []string
	deviceTimeout time.Duration
	timeout       time.Duration
	dryRun        bool
}

var deployCmd = &cobra.Command{
	Use:   "deploy",
	Short: "Roll out a UCI configuration to the selected devices",
	Long: `Roll out a UCI batch file to the devices selected by --device and --group,
minus --exclude. The exit code is the deployment result code.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		f := deployFlags
		defaults := fleet.cfg.Deployment
		req := model.DeploymentConfig{
			Name:              f.name,
			DeviceIDs:         f.devices,
			Groups:            f.groups,
			Exclude:           f.exclude,
			Strategy:          model.Strategy(f.strategy),
			Source:            f.source,
			ParallelLimit:     f.parallel,
			CanaryPercentage:  f.canaryPercent,
			CanarySoak:        f.canarySoak,
			HealthCheck:       defaults.HealthCheckRequired,
			RollbackOnFailure: defaults.RollbackOnFailure && !f.noRollback,
			PreflightChecks:   f.preflight,
			DeviceTimeout:     f.deviceTimeout,
			Timeout:           f.timeout,
			DryRun:            f.dryRun,
		}
		if cmd.Flags().Changed("health-check") {
			req.HealthCheck = f.healthCheck
		}
		if len(req.DeviceIDs) == 0 && len(req.Groups) == 0 {
			return fmt.Errorf("select targets with --device or --group")
		}

		id, err := fleet.orch.CreateDeployment(cmd.Context(), req)
		if err != nil {
			return err
		}
		res, err := fleet.orch.ExecuteDeployment(cmd.Context(), id)
		if err != nil {
			return err
		}
		if err := emit(res, func(w io.Writer) { printDeploymentResult(w, res) }); err != nil {
			return err
		}
		return result(res.ResultCode)
	},
}

var deploymentsLimit int

var deploymentsCmd = &cobra.Command{
	Use:   "deployments [id]",
	Short: "Show deployment history, or one deployment in detail",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 1 {
			d, err := fleet.orch.GetDeployment(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return emit(d, func(w io.Writer) {
				fmt.Fprintf(w, "Deployment:\t%s %s\n", d.ID, d.Name)
				fmt.Fprintf(w, "Strategy:\t%s\n", d.Strategy)
				fmt.Fprintf(w, "Source:\t%s\n", d.Config.Source)
				fmt.Fprintf(w, "Phase:\t%s\n", d.Phase)
				fmt.Fprintf(w, "Result:\t%s (%d)\n", d.ResultCode, d.ResultCode)
				if d.Error != "" {
					fmt.Fprintf(w, "Error:\t%s\n", d.Error)
				}
				fmt.Fprintln(w)
				printDeviceResults(w, d.Results, d.Rollbacks)
			})
		}

		list, err := fleet.orch.ListDeployments(cmd.Context(), deploymentsLimit)
		if err != nil {
			return err
		}
		return emit(list, func(w io.Writer) {
			fmt.Fprintln(w, "ID\tNAME\tSTRATEGY\tPHASE\tRESULT\tDEVICES\tCREATED")
			for _, d := range list {
				ok, failed, _ := d.Counts()
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d/%d ok, %d failed\t%s\n",
					d.ID, dash(d.Name), d.Strategy, d.Phase, d.ResultCode, ok, d.TotalDevices, failed,
					d.CreatedAt.Format(time.RFC3339))
			}
		})
	},
}

func init() {
	rootCmd.AddCommand(deployCmd, deploymentsCmd)

	f := deployCmd.Flags()
	f.StringVar(&deployFlags.name, "name", "", "deployment name")
	f.StringVarP(&deployFlags.source, "source", "s", "", "UCI batch file to deploy")
	f.StringSliceVarP(&deployFlags.devices, "device", "d", nil, "target device id (repeatable)")
	f.StringSliceVarP(&deployFlags.groups, "group", "g", nil, "target group (repeatable)")
	f.StringSliceVar(&deployFlags.exclude, "exclude", nil, "device id to leave out (repeatable)")
	f.StringVar(&deployFlags.strategy, "strategy", "", "rolling, canary, parallel or blue_green")
	f.IntVar(&deployFlags.parallel, "parallel", 0, "maximum devices in flight")
	f.Float64Var(&deployFlags.canaryPercent, "canary-percent", 0, "share of devices in the canary set")
	f.DurationVar(&deployFlags.canarySoak, "canary-soak", 0, "wait before checking canary health")
	f.BoolVar(&deployFlags.healthCheck, "health-check", true, "run network health checks after each device")
	f.BoolVar(&deployFlags.noRollback, "no-rollback", false, "keep succeeded devices on the new config when the rollout fails")
	f.StringSliceVar(&deployFlags.preflight, "preflight", nil, "preflight checks to run (connectivity, config, resources, backup)")
	f.DurationVar(&deployFlags.deviceTimeout, "device-timeout", 0, "time limit per device")
	f.DurationVar(&deployFlags.timeout, "timeout", 0, "time limit for the whole deployment")
	f.BoolVar(&deployFlags.dryRun, "dry-run", false, "validate on each device without applying")
	deployCmd.MarkFlagRequired("source")

	deploymentsCmd.Flags().IntVar(&deploymentsLimit, "limit", 20, "number of deployments to list")
}

package main

import (
	"fmt"
	"io"
	"os"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"uci-fleet/internal/drift"
	"uci-fleet/internal/shared/model"
)

func scopeArg(args []string) string {
	if len(args) == 0 {
		return drift.LocalScope
	}
	return args[0]
}

var driftCmd = &cobra.Command{
	Use:   "drift [device-id]",
	Short: "Compare a device's /etc/config with its baseline",
	Long: `Compare the configuration of a device (or of this host when no device is
given) against its captured baseline. Exit code 4 means drift below the
severity floor, 5 means drift that needs remediation.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		report, err := fleet.drift.Detect(cmd.Context(), scopeArg(args))
		if err != nil {
			return err
		}
		if err := emit(report, func(w io.Writer) { printDriftReport(w, report) }); err != nil {
			return err
		}
		return result(drift.ResultCode(report))
	},
}

var remediateApprove bool

var remediateCmd = &cobra.Command{
	Use:   "remediate [device-id]",
	Short: "Restore drifted files from the baseline",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		t, release, err := fleet.drift.Open(ctx, scopeArg(args))
		if err != nil {
			return err
		}
		defer release()

		report, err := t.DetectDrift(ctx)
		if err != nil {
			return err
		}
		plan := t.CreateRemediationPlan(report)
		if plan.ApprovalRequired && !plan.Approved {
			if !remediateApprove {
				if err := emit(plan, func(w io.Writer) { printPlan(w, plan) }); err != nil {
					return err
				}
				fmt.Fprintln(os.Stderr, "Plan requires approval, rerun with --approve")
				return result(model.ResultManualIntervention)
			}
			drift.Approve(plan)
		}

		out, err := t.ExecuteRemediation(ctx, plan)
		if err != nil {
			return err
		}
		err = emit(out, func(w io.Writer) {
			fmt.Fprintf(w, "Status:\t%s\n", out.Status)
			fmt.Fprintf(w, "Steps:\t%d executed, %d failed\n", out.StepsExecuted, out.StepsFailed)
			fmt.Fprintf(w, "Rolled back:\t%t\n", out.RolledBack)
			if out.Message != "" {
				fmt.Fprintf(w, "Message:\t%s\n", out.Message)
			}
		})
		if err != nil {
			return err
		}
		if out.Status == model.SyncDrifted {
			return result(model.ResultDriftAboveThreshold)
		}
		return nil
	},
}

var baselineMessage string

var baselineCmd = &cobra.Command{
	Use:   "baseline [device-id]",
	Short: "Accept the current configuration as the new baseline",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		b, err := fleet.drift.Rebaseline(cmd.Context(), scopeArg(args), baselineMessage)
		if err != nil {
			return err
		}
		return emit(b, func(w io.Writer) {
			fmt.Fprintf(w, "Scope:\t%s\n", b.Scope)
			fmt.Fprintf(w, "Revision:\t%s\n", b.Revision)
			fmt.Fprintf(w, "Files:\t%d\n", len(b.Files))
		})
	},
}

var baselineHistoryLimit int

var baselineHistoryCmd = &cobra.Command{
	Use:   "history [device-id]",
	Short: "List earlier baselines",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		hist, err := fleet.store.ListBaselineHistory(cmd.Context(), scopeArg(args), baselineHistoryLimit)
		if err != nil {
			return err
		}
		return emit(hist, func(w io.Writer) {
			fmt.Fprintln(w, "REVISION\tFILES\tCAPTURED\tMESSAGE")
			for _, b := range hist {
				fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", b.Revision, len(b.Files), b.CapturedAt.Format(time.RFC3339), dash(b.Message))
			}
		})
	},
}

func printDriftReport(w io.Writer, r *model.DriftReport) {
	fmt.Fprintf(w, "Scope:\t%s\n", r.Scope)
	fmt.Fprintf(w, "Baseline:\t%s\n", r.BaselineRevision)
	fmt.Fprintf(w, "Status:\t%s\n", r.Status)
	if !r.DriftDetected {
		return
	}
	fmt.Fprintf(w, "Severity:\t%s\n", r.Severity)
	fmt.Fprintf(w, "Remediation:\t%t\n", r.RemediationRequired)
	files := make([]string, 0, len(r.Analysis))
	for f := range r.Analysis {
		files = append(files, f)
	}
	slices.Sort(files)
	fmt.Fprintln(w)
	fmt.Fprintln(w, "FILE\tCHANGE\tSEVERITY\tSECTIONS +/-/~")
	for _, f := range files {
		a := r.Analysis[f]
		sev := string(a.Severity)
		if a.Escalated {
			sev += " (escalated)"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d/%d\n", f, a.Change, sev,
			len(a.Diff.SectionsAdded), len(a.Diff.SectionsRemoved), len(a.Diff.SectionsModified))
	}
}

func printPlan(w io.Writer, p *model.RemediationPlan) {
	fmt.Fprintf(w, "Plan:\t%s\n", p.ID)
	fmt.Fprintf(w, "Severity:\t%s\n", p.Severity)
	fmt.Fprintln(w)
	fmt.Fprintln(w, "#\tACTION\tFILE\tCRITICAL\tDESCRIPTION")
	for _, s := range p.Steps {
		fmt.Fprintf(w, "%d\t%s\t%s\t%t\t%s\n", s.Order, s.Action, dash(s.File), s.Critical, s.Description)
	}
}

func init() {
	rootCmd.AddCommand(driftCmd, remediateCmd, baselineCmd)
	baselineCmd.AddCommand(baselineHistoryCmd)
	remediateCmd.Flags().BoolVar(&remediateApprove, "approve", false, "approve a plan that requires operator approval")
	baselineCmd.Flags().StringVarP(&baselineMessage, "message", "m", "accepted by operator", "baseline commit message")
	baselineHistoryCmd.Flags().IntVar(&baselineHistoryLimit, "limit", 10, "number of baselines to list")
}

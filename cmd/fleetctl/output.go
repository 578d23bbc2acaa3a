package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"uci-fleet/internal/shared/model"
)

// emit json 输出时编码 v，否则调用 text
func emit(v any, text func(w io.Writer)) error {
	if outputFmt == "json" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	text(tw)
	return tw.Flush()
}

func since(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return time.Since(*t).Truncate(time.Second).String() + " ago"
}

func printDevices(w io.Writer, devices []*model.Device) {
	fmt.Fprintln(w, "ID\tADDRESS\tGROUPS\tORDER\tSTATE\tOK/FAIL\tLAST SEEN")
	for _, d := range devices {
		fmt.Fprintf(w, "%s\t%s:%d\t%s\t%d\t%s\t%d/%d\t%s\n",
			d.ID, d.Address, d.Port, strings.Join(d.Groups, ","), d.DeploymentOrder, d.State,
			d.Stats.SuccessfulDeployments, d.Stats.FailedDeployments, since(d.LastSeen))
	}
}

func printDeploymentResult(w io.Writer, res *model.DeploymentResult) {
	fmt.Fprintf(w, "Deployment:\t%s\n", res.DeploymentID)
	fmt.Fprintf(w, "Phase:\t%s\n", res.Phase)
	fmt.Fprintf(w, "Result:\t%s (%d)\n", res.ResultCode, res.ResultCode)
	fmt.Fprintf(w, "Devices:\t%d succeeded, %d failed, %d pending\n", res.Succeeded, res.Failed, res.Pending)
	fmt.Fprintf(w, "Duration:\t%s\n", res.Duration.Truncate(time.Millisecond))
	if res.Error != "" {
		fmt.Fprintf(w, "Error:\t%s\n", res.Error)
	}
	fmt.Fprintln(w)
	printDeviceResults(w, res.Results, res.Rollbacks)
}

func printDeviceResults(w io.Writer, results map[string]*model.DeviceDeployResult, rollbacks map[string]model.StepResult) {
	ids := make([]string, 0, len(results))
	for id := range results {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	fmt.Fprintln(w, "DEVICE\tSTATUS\tFAILED STEP\tRECOVERED\tMANUAL\tROLLBACK")
	for _, id := range ids {
		r := results[id]
		rb := "-"
		if sr, ok := rollbacks[id]; ok {
			rb = "ok"
			if !sr.Success {
				rb = "failed: " + sr.Error
			}
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%t\t%s\n",
			id, r.Status, dash(r.FailedStep()), r.Recovered, r.ManualIntervention, rb)
	}
}

func printHealth(w io.Writer, status *model.HealthStatus) {
	fmt.Fprintf(w, "Device:\t%s\n", status.DeviceID)
	fmt.Fprintf(w, "State:\t%s\n", status.OverallState)
	fmt.Fprintf(w, "Tests:\t%d passed, %d failed (%d critical)\n", status.Passed, status.Failed, status.CriticalFailed)
	names := make([]string, 0, len(status.Tests))
	for name := range status.Tests {
		names = append(names, name)
	}
	slices.Sort(names)
	fmt.Fprintln(w)
	fmt.Fprintln(w, "TEST\tOK\tCRITICAL\tERROR")
	for _, name := range names {
		t := status.Tests[name]
		fmt.Fprintf(w, "%s\t%t\t%t\t%s\n", name, t.Success, t.Critical, dash(t.Error))
	}
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

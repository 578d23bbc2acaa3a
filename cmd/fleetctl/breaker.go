package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

var breakersCmd = &cobra.Command{
	Use:   "breakers",
	Short: "Show circuit breaker state per error type",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		status := fleet.engine.BreakerStatus()
		return emit(status, func(w io.Writer) {
			fmt.Fprintln(w, "ERROR TYPE\tTOTAL\tCURRENT\tOPEN")
			for _, s := range status {
				fmt.Fprintf(w, "%s\t%d\t%d\t%t\n", s.Type, s.Total, s.Current, s.Open)
			}
		})
	},
}

var resetAll bool

var breakerResetCmd = &cobra.Command{
	Use:   "breaker-reset [error-type]",
	Short: "Close a tripped circuit breaker so recovery runs again",
	Args: func(cmd *cobra.Command, args []string) error {
		if resetAll == (len(args) == 1) {
			return fmt.Errorf("give one error type or --all")
		}
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		if resetAll {
			if err := fleet.engine.ResetAll(cmd.Context()); err != nil {
				return err
			}
			fmt.Println("All circuit breakers reset")
			return nil
		}
		if err := fleet.engine.ResetBreaker(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("Circuit breaker %s reset\n", args[0])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(breakersCmd, breakerResetCmd)
	breakerResetCmd.Flags().BoolVar(&resetAll, "all", false, "reset every breaker")
}

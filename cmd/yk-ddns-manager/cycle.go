package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/yuriy-kovalchuk/yk-ddns-manager/internal/reconcile"
)

func newCycleCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cycle",
		Short: "Run exactly one reconciliation cycle",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(opts.configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			sched, err := a.scheduler()
			if err != nil {
				return err
			}
			summary, err := sched.RunOnce(cmd.Context())
			if err != nil {
				return err
			}
			printSummary(cmd.OutOrStdout(), summary)
			if summary.Failed() > 0 {
				return fmt.Errorf("%d record operations failed", summary.Failed())
			}
			return nil
		},
	}
}

func printSummary(out io.Writer, s reconcile.Summary) {
	fmt.Fprintf(out, "Cycle %s finished in %s\n", s.CycleID, s.Duration.Round(time.Millisecond))
	switch {
	case s.IPError != "":
		fmt.Fprintf(out, "Public IP: unavailable (%s)\n", s.IPError)
	case s.PublicIP != "":
		fmt.Fprintf(out, "Public IP: %s\n", s.PublicIP)
	}
	if len(s.Outcomes) == 0 {
		fmt.Fprintln(out, "No records to reconcile.")
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "HOSTNAME\tPASS\tNAME\tPROVIDER\tACTION\tIP\tRESULT")
	fmt.Fprintln(w, "--------\t----\t----\t--------\t------\t--\t------")
	for _, o := range s.Outcomes {
		result := "ok"
		if !o.Success {
			result = string(o.Kind)
			if o.Detail != "" {
				result += ": " + o.Detail
			}
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			o.Hostname, o.Pass, o.Name, o.Provider, o.Action, dash(o.IP), result)
	}
	w.Flush()
	fmt.Fprintln(out, s.String())
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

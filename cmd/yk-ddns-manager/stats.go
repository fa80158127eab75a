package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/yuriy-kovalchuk/yk-ddns-manager/internal/dns"
)

func newStatsCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show or reset per-record counters",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List counters of every record",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(opts.configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			all, err := a.stats.List(cmd.Context())
			if err != nil {
				return err
			}
			if len(all) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No stats recorded yet.")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
			fmt.Fprintln(w, "HOSTNAME\tCHECKS\tUPDATES\tFAILURES\tLAST CHECKED\tLAST UPDATED")
			fmt.Fprintln(w, "--------\t------\t-------\t--------\t------------\t------------")
			for _, st := range all {
				fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%s\t%s\n",
					st.Hostname, st.Checks, st.Updates, st.Failures, when(st.LastChecked), when(st.LastUpdated))
			}
			w.Flush()
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "reset <fqdn>",
		Short: "Reset the counters of a record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(opts.configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			name, err := dns.NormalizeHostname(args[0])
			if err != nil {
				return err
			}
			if err := a.stats.Reset(cmd.Context(), name); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Counters of %s reset.\n", name)
			return nil
		},
	})
	return cmd
}

func when(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.Local().Format(time.DateTime)
}

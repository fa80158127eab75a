package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/yuriy-kovalchuk/yk-ddns-manager/internal/auditlog"
)

func newAuditCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect the audit log of past cycles",
	}
	cmd.AddCommand(newAuditListCommand(opts))
	cmd.AddCommand(newAuditPruneCommand(opts))
	return cmd
}

func newAuditListCommand(opts *rootOptions) *cobra.Command {
	var (
		host  string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent audit entries, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(opts.configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			var entries []auditlog.Entry
			if host != "" {
				entries, err = a.audit.ListByHostname(cmd.Context(), host, limit)
			} else {
				entries, err = a.audit.List(cmd.Context(), limit)
			}
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No audit entries found.")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
			fmt.Fprintln(w, "TIME\tCYCLE\tHOSTNAME\tPASS\tPROVIDER\tACTION\tRESULT\tDETAIL")
			fmt.Fprintln(w, "----\t-----\t--------\t----\t--------\t------\t------\t------")
			for _, e := range entries {
				result := "ok"
				if !e.Success {
					result = string(e.Kind)
				}
				cycle := e.CycleID
				if len(cycle) > 8 {
					cycle = cycle[:8]
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					e.Timestamp.Local().Format(time.DateTime),
					cycle,
					dash(e.Hostname),
					e.Pass,
					dash(e.Provider),
					e.Action,
					result,
					e.Detail,
				)
			}
			w.Flush()
			return nil
		},
	}
	cmd.Flags().StringVar(&host, "host", "", "only show entries of this hostname")
	cmd.Flags().IntVar(&limit, "limit", auditlog.DefaultLimit, "maximum number of entries")
	return cmd
}

func newAuditPruneCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Delete audit entries older than the retention window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(opts.configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			n, err := a.audit.Prune(cmd.Context(), time.Now().Add(-a.cfg.AuditRetention))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %d audit entries older than %s.\n", n, a.cfg.AuditRetention)
			return nil
		},
	}
}

package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/yuriy-kovalchuk/yk-ddns-manager/internal/dns"
	"github.com/yuriy-kovalchuk/yk-ddns-manager/internal/reconcile"
)

func newRecordCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "record",
		Short: "Manage the records kept in sync",
	}
	cmd.AddCommand(newRecordAddCommand(opts))
	cmd.AddCommand(newRecordSetCommand(opts))
	cmd.AddCommand(newRecordListCommand(opts))
	cmd.AddCommand(newRecordRemoveCommand(opts))
	return cmd
}

// recordFlags maps command line flags onto a RecordConfig.
type recordFlags struct {
	primary     bool
	mode        string
	staticIP    string
	secondary   bool
	secondaryIP string
	companion   bool
	companionIP string
}

func (f *recordFlags) bind(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&f.primary, "primary", true, "manage the record at the primary provider")
	cmd.Flags().StringVar(&f.mode, "mode", string(reconcile.IPModeDynamic), "primary address source: dynamic or static")
	cmd.Flags().StringVar(&f.staticIP, "static-ip", "", "address used in static mode")
	cmd.Flags().BoolVar(&f.secondary, "secondary", false, "manage the same name at the internal provider")
	cmd.Flags().StringVar(&f.secondaryIP, "secondary-ip", "", "internal address of the name (implies --secondary)")
	cmd.Flags().BoolVar(&f.companion, "companion", false, "manage the .local companion name at the internal provider")
	cmd.Flags().StringVar(&f.companionIP, "companion-ip", "", "address of the companion name (implies --companion)")
}

// apply copies the flags the user set onto rc. With all set, every flag is
// copied.
func (f *recordFlags) apply(cmd *cobra.Command, rc *reconcile.RecordConfig, all bool) {
	changed := func(name string) bool { return all || cmd.Flags().Changed(name) }
	if changed("primary") {
		rc.PrimaryEnabled = f.primary
	}
	if changed("mode") {
		rc.IPMode = reconcile.IPMode(f.mode)
	}
	if changed("static-ip") {
		rc.StaticIP = f.staticIP
	}
	if changed("secondary") {
		rc.SecondaryEnabled = f.secondary
	}
	if changed("secondary-ip") {
		rc.SecondaryIP = f.secondaryIP
		if cmd.Flags().Changed("secondary-ip") && !cmd.Flags().Changed("secondary") {
			rc.SecondaryEnabled = f.secondaryIP != "" || rc.SecondaryEnabled
		}
	}
	if changed("companion") {
		rc.CompanionEnabled = f.companion
	}
	if changed("companion-ip") {
		rc.CompanionIP = f.companionIP
		if cmd.Flags().Changed("companion-ip") && !cmd.Flags().Changed("companion") {
			rc.CompanionEnabled = f.companionIP != "" || rc.CompanionEnabled
		}
	}
}

func newRecordAddCommand(opts *rootOptions) *cobra.Command {
	var flags recordFlags
	cmd := &cobra.Command{
		Use:   "add <fqdn>",
		Short: "Add or replace a record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(opts.configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			rc := reconcile.RecordConfig{FQDN: args[0]}
			flags.apply(cmd, &rc, true)
			stored, err := a.records.Upsert(cmd.Context(), rc)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Record %s saved; it is reconciled on the next cycle.\n", stored.FQDN)
			return nil
		},
	}
	flags.bind(cmd)
	return cmd
}

func newRecordSetCommand(opts *rootOptions) *cobra.Command {
	var flags recordFlags
	cmd := &cobra.Command{
		Use:   "set <fqdn>",
		Short: "Change settings of an existing record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(opts.configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			rec, err := a.records.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			rc := rec.RecordConfig
			flags.apply(cmd, &rc, false)
			stored, err := a.records.Upsert(cmd.Context(), rc)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Record %s updated.\n", stored.FQDN)
			return nil
		},
	}
	flags.bind(cmd)
	return cmd
}

func newRecordListCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(opts.configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			all, err := a.records.List(cmd.Context())
			if err != nil {
				return err
			}
			if len(all) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No records found.")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
			fmt.Fprintln(w, "FQDN\tPRIMARY\tMODE\tSTATIC IP\tSECONDARY\tCOMPANION\tSTATE")
			fmt.Fprintln(w, "----\t-------\t----\t---------\t---------\t---------\t-----")
			for _, r := range all {
				state := "active"
				if r.Retiring {
					state = "retiring"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					r.FQDN,
					onOff(r.PrimaryEnabled, ""),
					r.IPMode,
					dash(r.StaticIP),
					onOff(r.SecondaryEnabled, r.SecondaryIP),
					onOff(r.CompanionEnabled, r.CompanionIP),
					state,
				)
			}
			w.Flush()
			return nil
		},
	}
}

func onOff(enabled bool, ip string) string {
	switch {
	case !enabled:
		return "off"
	case ip != "":
		return "on (" + ip + ")"
	default:
		return "on"
	}
}

func newRecordRemoveCommand(opts *rootOptions) *cobra.Command {
	var now bool
	cmd := &cobra.Command{
		Use:   "remove <fqdn>",
		Short: "Retire a record and clean it up at the providers",
		Long: `Retire a record. The next cycle deletes whatever the providers still
hold for it and then drops the row. With --now a cycle runs right away;
names that another record still wants are left in place.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(opts.configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.records.Retire(cmd.Context(), args[0]); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if !now {
				fmt.Fprintf(out, "Record %s retired; it is removed after the next successful cycle.\n", args[0])
				return nil
			}

			sched, err := a.scheduler()
			if err != nil {
				return err
			}
			name, err := dns.NormalizeHostname(args[0])
			if err != nil {
				return err
			}
			summary, removed, err := sched.Decommission(cmd.Context(), name)
			if err != nil {
				return err
			}
			if len(summary.Outcomes) > 0 {
				printSummary(out, summary)
			}
			if !removed {
				return fmt.Errorf("record %s could not be removed from every provider; it stays retired and is retried on the next cycle", args[0])
			}
			fmt.Fprintf(out, "Record %s removed.\n", args[0])
			return nil
		},
	}
	cmd.Flags().BoolVar(&now, "now", false, "clean up at the providers right away")
	return cmd
}

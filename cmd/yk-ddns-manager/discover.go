package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/yuriy-kovalchuk/yk-ddns-manager/internal/discovery"
)

func newDiscoverCommand(opts *rootOptions) *cobra.Command {
	var namespace string
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "List hostnames published by Ingress and HTTPRoute objects",
		Long: `List hostnames found in Kubernetes Ingress rules and Gateway API HTTPRoutes
and show whether they are already tracked. Nothing is added automatically;
use 'record add' for the ones you want.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(opts.configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			restConfig, err := ctrl.GetConfig()
			if err != nil {
				return fmt.Errorf("unable to load kubeconfig: %w", err)
			}
			reader, err := client.New(restConfig, client.Options{Scheme: discovery.NewScheme()})
			if err != nil {
				return fmt.Errorf("unable to create kubernetes client: %w", err)
			}
			if !cmd.Flags().Changed("namespace") {
				namespace = a.cfg.Discovery.Namespace
			}

			d := discovery.New(ctrl.Log.WithName("discovery"), reader, namespace, a.cfg.Discovery.CacheTTL)
			candidates, err := d.Candidates(cmd.Context())
			if err != nil {
				return err
			}
			if len(candidates) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No hostnames found.")
				return nil
			}

			all, err := a.records.List(cmd.Context())
			if err != nil {
				return err
			}
			tracked := make(map[string]bool, len(all))
			for _, r := range all {
				tracked[r.FQDN] = true
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
			fmt.Fprintln(w, "HOSTNAME\tTRACKED\tSOURCES")
			fmt.Fprintln(w, "--------\t-------\t-------")
			for _, c := range candidates {
				fmt.Fprintf(w, "%s\t%s\t%s\n", c.Hostname, yesNo(tracked[c.Hostname]), strings.Join(c.Sources, ", "))
			}
			w.Flush()
			return nil
		},
	}
	cmd.Flags().StringVarP(&namespace, "namespace", "n", "", "only search this namespace (default from config, empty = all)")
	return cmd
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

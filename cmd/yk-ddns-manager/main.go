package main

import (
	"flag"
	"os"

	"github.com/spf13/cobra"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
)

var Version = "dev"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

// rootOptions are the flags shared by every command.
type rootOptions struct {
	configPath string
	zap        zap.Options
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{zap: zap.Options{Development: true}}

	cmd := &cobra.Command{
		Use:   "yk-ddns-manager",
		Short: "Keep DNS records in sync with the public IP of this network",
		Long: `yk-ddns-manager points records at an external DNS provider to the current
public IP, and mirrors them with fixed internal addresses at a local DNS
server (UniFi or OPNsense).

Quick start:
  yk-ddns-manager record add app.example.com --secondary-ip 10.0.0.5
  yk-ddns-manager cycle            # run one reconciliation cycle
  yk-ddns-manager serve            # run cycles on an interval`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			ctrl.SetLogger(zap.New(zap.UseFlagOptions(&opts.zap), zap.WriteTo(cmd.ErrOrStderr())))
		},
	}

	goFlags := flag.NewFlagSet("zap", flag.ContinueOnError)
	opts.zap.BindFlags(goFlags)
	cmd.PersistentFlags().AddGoFlagSet(goFlags)
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to the config file (default $DDNS_CONFIG_PATH or configs/ddns.yaml)")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newCycleCommand(opts))
	cmd.AddCommand(newRecordCommand(opts))
	cmd.AddCommand(newAuditCommand(opts))
	cmd.AddCommand(newStatsCommand(opts))
	cmd.AddCommand(newDiscoverCommand(opts))
	return cmd
}

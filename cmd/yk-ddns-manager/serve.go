package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/yuriy-kovalchuk/yk-ddns-manager/internal/metrics"
)

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run reconciliation cycles on an interval",
		Long: `Run one cycle right away and then one per configured interval until
SIGINT or SIGTERM. Metrics are served on /metrics, health checks on /healthz and
/readyz.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(ctrl.SetupSignalHandler(), opts)
		},
	}
}

func serve(ctx context.Context, opts *rootOptions) error {
	log := ctrl.Log.WithName("setup")
	log.Info("starting yk-ddns-manager", "version", Version)

	a, err := openApp(opts.configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	recorder := metrics.NewRecorder()
	sched, err := a.scheduler(recorder)
	if err != nil {
		return err
	}
	if sched.Targets.Primary == nil && sched.Targets.Internal == nil {
		return fmt.Errorf("no DNS provider configured: add a 'primary' or 'internal' block")
	}

	srv := &http.Server{
		Addr:              a.cfg.MetricsAddr,
		Handler:           recorder.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("serving metrics and health checks", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return sched.Run(ctx)
	})
	return g.Wait()
}

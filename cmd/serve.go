package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/lacehq/lace/internal/gateway"
	"github.com/lacehq/lace/internal/maintenance"
	"github.com/lacehq/lace/internal/tracing"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the activity-feed gateway and background maintenance",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, false)
	if err != nil {
		return err
	}
	defer a.Close()

	shutdownTracing, err := tracing.Init(ctx, a.cfg.Telemetry)
	if err != nil {
		a.log.Warn("telemetry init failed, continuing without traces", "error", err)
	} else {
		defer shutdownTracing(context.Background())
	}

	g, ctx := errgroup.WithContext(ctx)

	if a.cfg.Gateway.Enabled {
		srv := gateway.NewServer(a.cfg.Gateway, a.activity, a.log)
		g.Go(func() error { return srv.Start(ctx) })
	}

	if a.cfg.Maintenance.Enabled {
		runner := maintenance.NewRunner(maintenance.Options{
			ShadowCleanupSchedule: a.cfg.Maintenance.ShadowCleanupSchedule,
			KeepShadows:           a.cfg.Maintenance.KeepShadows,
			ArchiveSchedule:       a.cfg.Maintenance.ArchiveSchedule,
			ArchiveAfter:          a.cfg.Maintenance.ArchiveAfter,
		}, a.store, a.threads, a.sessions, a.log)
		g.Go(func() error { runner.Run(ctx); return nil })
	}

	a.log.Info("lace serving", "gateway", a.cfg.Gateway.Enabled, "maintenance", a.cfg.Maintenance.Enabled)
	return g.Wait()
}

package main

import (
	"context"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/spf13/cobra"

	"github.com/kubeadapt/gpu-broker/internal/config"
	"github.com/kubeadapt/gpu-broker/internal/monitor"
	"github.com/kubeadapt/gpu-broker/internal/server"
)

func newServeCmd(flags *globalFlags) *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the broker API with the job queue and usage monitor",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(flags)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("port") {
				a.cfg.ServerPort = port
			}
			return a.serve(cmd.Context())
		},
	}
	cmd.Flags().IntVar(&port, "port", 8080, "listen port (overrides GPUBROKER_SERVER_PORT)")
	return cmd
}

func (a *app) serve(ctx context.Context) error {
	slog.Info("gpubroker starting",
		"version", version,
		"port", a.cfg.ServerPort,
		"team", a.cfg.Team,
		"degraded", a.caps.Degraded(),
		"max_concurrent_jobs", a.cfg.MaxConcurrentJobs,
	)

	// 1. Core services.
	q := a.newQueue()
	mon := a.newMonitor()

	// 2. Optional manifest: alerts are registered, jobs queued.
	if a.cfg.ManifestPath != "" {
		manifest, err := config.LoadManifest(a.cfg.ManifestPath)
		if err != nil {
			return err
		}
		if err := addAlerts(mon, manifest.Alerts); err != nil {
			return err
		}
		for _, spec := range manifest.Jobs {
			job := q.Enqueue(spec)
			slog.Info("job queued from manifest", "id", job.ID, "name", job.Name)
		}
	}

	// 3. HTTP server.
	srv := server.NewServer(a.cfg.ServerPort, server.Deps{
		Resources: a.broker,
		Pods:      a.pods,
		Jobs:      q,
		Usage:     mon,
		Readiness: mon,
		Errors:    a.errors,
		Metrics:   a.metrics,
	}, a.cfg.DebugEndpoints)
	if err := srv.Start(); err != nil {
		return err
	}

	// 4. Background loops.
	memGuard := monitor.NewMemoryGuard(0.8, 30*time.Second, debug.FreeOSMemory, nil, a.metrics)
	memGuard.Start()
	mon.Start(ctx)

	queueDone := make(chan error, 1)
	go func() {
		queueDone <- q.Serve(ctx)
	}()

	// 5. Block until shutdown.
	<-ctx.Done()
	slog.Info("shutting down")

	mon.Stop()
	memGuard.Stop()
	<-queueDone

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		slog.Error("api server shutdown failed", "error", err)
	}

	slog.Info("gpubroker stopped")
	return nil
}

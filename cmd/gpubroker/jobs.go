package main

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/kubeadapt/gpu-broker/internal/config"
	"github.com/kubeadapt/gpu-broker/pkg/model"
)

func newJobsCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Run scripted jobs on rented pods",
	}

	var manifestPath string
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run every job in a manifest and wait for completion",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(flags)
			if err != nil {
				return err
			}
			if manifestPath == "" {
				manifestPath = a.cfg.ManifestPath
			}
			if manifestPath == "" {
				return errors.New("no manifest given: pass --manifest or set GPUBROKER_MANIFEST")
			}
			manifest, err := config.LoadManifest(manifestPath)
			if err != nil {
				return err
			}
			if len(manifest.Jobs) == 0 {
				return fmt.Errorf("manifest %s has no jobs", manifestPath)
			}

			ctx := cmd.Context()
			if len(manifest.Alerts) > 0 {
				mon := a.newMonitor()
				if err := addAlerts(mon, manifest.Alerts); err != nil {
					return err
				}
				mon.Start(ctx)
				defer mon.Stop()
			}

			q := a.newQueue()
			for _, spec := range manifest.Jobs {
				job := q.Enqueue(spec)
				slog.Info("job queued", "id", job.ID, "name", job.Name, "gpu_type", job.Requirements.GPUType)
			}
			if err := q.RunAll(ctx); err != nil {
				return err
			}

			jobs := q.List()
			failed := 0
			for _, j := range jobs {
				if j.Status != model.JobCompleted {
					failed++
				}
			}
			if err := printJSON(map[string]any{"jobs": jobs, "count": len(jobs)}); err != nil {
				return err
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d jobs did not complete", failed, len(jobs))
			}
			return nil
		},
	}
	runCmd.Flags().StringVar(&manifestPath, "manifest", "", "YAML manifest of jobs and alerts")

	cmd.AddCommand(runCmd)
	return cmd
}

package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"k8s.io/utils/ptr"

	brokererrors "github.com/kubeadapt/gpu-broker/internal/errors"
	"github.com/kubeadapt/gpu-broker/internal/pods"
	"github.com/kubeadapt/gpu-broker/internal/registry"
	"github.com/kubeadapt/gpu-broker/pkg/model"
)

const component = "cli"

func newPodsCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pods",
		Short: "Manage rented GPU pods",
	}
	cmd.AddCommand(
		newPodsCreateCmd(flags),
		newPodsListCmd(flags),
		newPodsStatusCmd(flags),
		newPodsTerminateCmd(flags),
		newPodsSSHCmd(flags),
		newPodsLogsCmd(flags),
		newPodsUseCmd(flags),
		newPodsRegistryCmd(flags),
	)
	return cmd
}

func newPodsCreateCmd(flags *globalFlags) *cobra.Command {
	var (
		req     pods.CreateRequest
		gpuType string
		maxCost float64
		dryRun  bool
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Rent the cheapest pod matching the requirements",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := parseGPUType(gpuType)
			if err != nil {
				return err
			}
			req.GPUType = t
			if cmd.Flags().Changed("max-cost") {
				req.MaxCostPerHour = ptr.To(maxCost)
			}

			a, err := newApp(flags)
			if err != nil {
				return err
			}
			if dryRun {
				offer, err := a.pods.Plan(cmd.Context(), req)
				if err != nil {
					return err
				}
				return printJSON(map[string]any{"offer": offer, "degraded": a.broker.Degraded()})
			}
			pod, err := a.pods.Create(cmd.Context(), req)
			if err != nil {
				return err
			}
			return printJSON(pod)
		},
	}
	fs := cmd.Flags()
	fs.StringVar(&gpuType, "gpu-type", "", "GPU type")
	fs.IntVar(&req.GPUCount, "gpu-count", 1, "number of GPUs")
	fs.StringVar(&req.Name, "name", "", "pod name (generated when empty)")
	fs.Float64Var(&maxCost, "max-cost", 0, "maximum hourly cost")
	fs.StringSliceVar(&req.Regions, "region", nil, "region substring, repeatable")
	fs.StringVar(&req.Provider, "provider", "", "provider substring")
	fs.StringVar(&req.Image, "image", "", "container image")
	fs.IntVar(&req.DiskSizeGB, "disk-size", 0, "disk size in GB")
	fs.IntVar(&req.VCPUs, "vcpus", 0, "vCPU count")
	fs.IntVar(&req.MemoryGB, "memory", 0, "memory in GB")
	fs.StringToStringVar(&req.Env, "env", nil, "environment variables, KEY=VALUE")
	fs.BoolVar(&dryRun, "dry-run", false, "print the selected offer without renting it")
	_ = cmd.MarkFlagRequired("gpu-type")
	return cmd
}

func newPodsListCmd(flags *globalFlags) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List pods",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(flags)
			if err != nil {
				return err
			}
			list, err := a.pods.List(cmd.Context(), !all)
			if err != nil {
				return err
			}
			return printJSON(map[string]any{"pods": list, "count": len(list)})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include stopped and failed pods")
	return cmd
}

func newPodsStatusCmd(flags *globalFlags) *cobra.Command {
	var register string
	cmd := &cobra.Command{
		Use:   "status [POD_ID]",
		Short: "Refresh a pod's status (the active pod when no id is given)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(flags)
			if err != nil {
				return err
			}
			reg, err := a.openRegistry()
			if err != nil {
				return err
			}
			defer reg.Close()

			id, entryName, err := resolvePodID(cmd.Context(), reg, args)
			if err != nil {
				return err
			}
			pod, err := a.pods.Status(cmd.Context(), id)
			if err != nil {
				return err
			}
			if entryName != "" {
				if err := reg.UpdateStatus(cmd.Context(), entryName, string(pod.Status), pod.ID); err != nil {
					return err
				}
			}
			if register != "" {
				if _, err := reg.Add(cmd.Context(), entryFromPod(register, pod)); err != nil {
					return err
				}
			}
			return printJSON(pod)
		},
	}
	cmd.Flags().StringVar(&register, "register", "", "add the pod to the local registry under this name")
	return cmd
}

func newPodsTerminateCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "terminate POD_ID",
		Short: "Terminate a pod",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(flags)
			if err != nil {
				return err
			}
			pod, err := a.pods.Terminate(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(pod)
		},
	}
}

func newPodsSSHCmd(flags *globalFlags) *cobra.Command {
	var printOnly bool
	cmd := &cobra.Command{
		Use:   "ssh [POD_ID]",
		Short: "Open an ssh session on a running pod (the active pod when no id is given)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(flags)
			if err != nil {
				return err
			}
			reg, err := a.openRegistry()
			if err != nil {
				return err
			}
			defer reg.Close()

			id, _, err := resolvePodID(cmd.Context(), reg, args)
			if err != nil {
				return err
			}
			if _, err := a.pods.Status(cmd.Context(), id); err != nil {
				return err
			}
			session, err := a.pods.SSH(cmd.Context(), id, !printOnly)
			if err != nil {
				return err
			}
			return printJSON(session)
		},
	}
	cmd.Flags().BoolVar(&printOnly, "print", false, "print the connection instead of connecting")
	return cmd
}

func newPodsLogsCmd(flags *globalFlags) *cobra.Command {
	var lines int
	cmd := &cobra.Command{
		Use:   "logs POD_ID",
		Short: "Fetch the tail of a pod's logs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if lines <= 0 {
				return fmt.Errorf("--lines must be positive, got %d", lines)
			}
			a, err := newApp(flags)
			if err != nil {
				return err
			}
			logs, err := a.pods.Logs(cmd.Context(), args[0], lines)
			if err != nil {
				return err
			}
			return printJSON(map[string]string{"pod_id": args[0], "logs": logs})
		},
	}
	cmd.Flags().IntVar(&lines, "lines", 100, "number of lines")
	return cmd
}

func newPodsUseCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "use NAME",
		Short: "Make a registered pod the active one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRegistry(flags, func(reg *registry.Registry) error {
				if err := reg.SetActive(cmd.Context(), args[0]); err != nil {
					return err
				}
				e, err := reg.Get(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(e)
			})
		},
	}
}

func newPodsRegistryCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "registry",
		Short: "List the locally registered pods",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRegistry(flags, func(reg *registry.Registry) error {
				entries, err := reg.List(cmd.Context())
				if err != nil {
					return err
				}
				active, _, err := reg.Active(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(map[string]any{"pods": entries, "active": active.Name})
			})
		},
	}

	var e registry.Entry
	addCmd := &cobra.Command{
		Use:   "add NAME",
		Short: "Register a pod reachable over ssh",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e.Name = args[0]
			return withRegistry(flags, func(reg *registry.Registry) error {
				added, err := reg.Add(cmd.Context(), e)
				if err != nil {
					return err
				}
				return printJSON(added)
			})
		},
	}
	fs := addCmd.Flags()
	fs.StringVar(&e.SSHCommand, "ssh", "", "ssh command, e.g. \"ssh root@10.0.0.1 -p 22\"")
	fs.StringVar(&e.PodID, "pod-id", "", "marketplace pod id")
	fs.StringVar(&e.Provider, "provider", "", "provider")
	fs.StringVar(&e.Region, "region", "", "region")
	fs.StringVar(&e.GPUType, "gpu-type", "", "GPU type")
	fs.IntVar(&e.GPUCount, "gpu-count", 1, "number of GPUs")
	fs.Float64Var(&e.CostPerHour, "cost", 0, "hourly cost")
	fs.StringVar(&e.SetupScript, "setup-script", "", "script to run after connecting")
	fs.StringToStringVar(&e.Metadata, "meta", nil, "metadata, KEY=VALUE")
	_ = addCmd.MarkFlagRequired("ssh")

	removeCmd := &cobra.Command{
		Use:   "remove NAME",
		Short: "Remove a registered pod",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRegistry(flags, func(reg *registry.Registry) error {
				if err := reg.Remove(cmd.Context(), args[0]); err != nil {
					return err
				}
				active, _, err := reg.Active(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(map[string]string{"removed": args[0], "active": active.Name})
			})
		},
	}

	cmd.AddCommand(addCmd, removeCmd)
	return cmd
}

// withRegistry runs fn against the pod registry without building the
// marketplace clients.
func withRegistry(flags *globalFlags, fn func(reg *registry.Registry) error) error {
	cfg, err := loadConfig(flags)
	if err != nil {
		return err
	}
	a := &app{cfg: cfg}
	reg, err := a.openRegistry()
	if err != nil {
		return err
	}
	defer reg.Close()
	return fn(reg)
}

// resolvePodID returns the pod id from args, or the active registry entry's
// pod id and name when args is empty.
func resolvePodID(ctx context.Context, reg *registry.Registry, args []string) (id, entryName string, err error) {
	if len(args) > 0 {
		return args[0], "", nil
	}
	e, ok, err := reg.Active(ctx)
	if err != nil {
		return "", "", err
	}
	if !ok {
		return "", "", brokererrors.New(brokererrors.ErrMissingIdentifier, component,
			"no pod id given and no active pod registered")
	}
	if e.PodID == "" {
		return "", "", brokererrors.New(brokererrors.ErrMissingIdentifier, component,
			"active pod %q has no marketplace pod id", e.Name)
	}
	return e.PodID, e.Name, nil
}

func entryFromPod(name string, pod model.Pod) registry.Entry {
	return registry.Entry{
		Name:        name,
		PodID:       pod.ID,
		SSHCommand:  pod.SSHConnection,
		Provider:    pod.Provider,
		Region:      pod.Region,
		GPUType:     string(pod.GPUType),
		GPUCount:    pod.GPUCount,
		CostPerHour: pod.CostPerHour,
		Status:      string(pod.Status),
		Metadata:    pod.Metadata,
	}
}

package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"k8s.io/utils/ptr"

	"github.com/kubeadapt/gpu-broker/internal/discovery"
	"github.com/kubeadapt/gpu-broker/internal/normalize"
	"github.com/kubeadapt/gpu-broker/pkg/model"
)

type filterFlags struct {
	gpuType      string
	gpuCount     int
	provider     string
	regions      []string
	minCost      float64
	maxCost      float64
	minAvailable int
	includeFree  bool
	sortBy       string
	desc         bool
	limit        int
}

func (f *filterFlags) register(cmd *cobra.Command, withType bool) {
	fs := cmd.Flags()
	if withType {
		fs.StringVar(&f.gpuType, "gpu-type", "", "GPU type, e.g. H100_80GB or \"A100 80GB\"")
	}
	fs.IntVar(&f.gpuCount, "gpu-count", 0, "GPUs per pod")
	fs.StringVar(&f.provider, "provider", "", "provider substring")
	fs.StringSliceVar(&f.regions, "region", nil, "region substring, repeatable")
	fs.Float64Var(&f.minCost, "min-cost", 0, "minimum hourly cost")
	fs.Float64Var(&f.maxCost, "max-cost", 0, "maximum hourly cost")
	fs.IntVar(&f.minAvailable, "min-available", 0, "minimum available GPUs")
	fs.BoolVar(&f.includeFree, "include-free", false, "keep zero-cost offers")
	fs.StringVar(&f.sortBy, "sort-by", "cost", "cost, availability, utilization, gpu_type or provider")
	fs.BoolVar(&f.desc, "desc", false, "sort descending")
	fs.IntVar(&f.limit, "limit", 0, "maximum number of results")
}

func (f *filterFlags) filter(cmd *cobra.Command) (discovery.Filter, error) {
	sortBy, err := discovery.ParseSortKey(f.sortBy)
	if err != nil {
		return discovery.Filter{}, err
	}
	out := discovery.Filter{
		GPUCount:     f.gpuCount,
		Provider:     f.provider,
		Regions:      f.regions,
		MinAvailable: f.minAvailable,
		IncludeFree:  f.includeFree,
		SortBy:       sortBy,
		Descending:   f.desc,
		Limit:        f.limit,
	}
	if f.gpuType != "" {
		if out.GPUType, err = parseGPUType(f.gpuType); err != nil {
			return discovery.Filter{}, err
		}
	}
	if cmd.Flags().Changed("min-cost") {
		out.MinCost = ptr.To(f.minCost)
	}
	if cmd.Flags().Changed("max-cost") {
		out.MaxCost = ptr.To(f.maxCost)
	}
	return out, nil
}

func parseGPUType(s string) (model.GPUType, error) {
	t := normalize.ParseGPUType(s)
	if t == model.GPUUnknown {
		return "", fmt.Errorf("unknown gpu type %q", s)
	}
	return t, nil
}

func newResourcesCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resources",
		Short: "Discover GPU offers across providers",
	}

	var listFlags filterFlags
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List matching GPU offers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(flags)
			if err != nil {
				return err
			}
			f, err := listFlags.filter(cmd)
			if err != nil {
				return err
			}
			resources, err := a.broker.Discover(cmd.Context(), f)
			if err != nil {
				return err
			}
			return printJSON(map[string]any{
				"resources": resources,
				"count":     len(resources),
				"degraded":  a.broker.Degraded(),
			})
		},
	}
	listFlags.register(listCmd, true)

	var compareFlags filterFlags
	compareCmd := &cobra.Command{
		Use:   "compare GPU_TYPE [GPU_TYPE...]",
		Short: "Show the cheapest offer for each GPU type",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			types := make([]model.GPUType, 0, len(args))
			for _, arg := range args {
				t, err := parseGPUType(arg)
				if err != nil {
					return err
				}
				types = append(types, t)
			}
			a, err := newApp(flags)
			if err != nil {
				return err
			}
			f, err := compareFlags.filter(cmd)
			if err != nil {
				return err
			}
			best, err := a.broker.Compare(cmd.Context(), types, f)
			if err != nil {
				return err
			}
			return printJSON(map[string]any{
				"best":     best,
				"degraded": a.broker.Degraded(),
			})
		},
	}
	compareFlags.register(compareCmd, false)

	cmd.AddCommand(listCmd, compareCmd)
	return cmd
}

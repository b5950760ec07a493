package inventory

import (
	"context"

	"github.com/kubeadapt/gpu-broker/pkg/model"
)

// Query narrows an availability lookup. Zero fields are unconstrained.
type Query struct {
	GPUType  model.GPUType
	GPUCount int
	Regions  []string
}

// CreateOptions are passed through to pod provisioning.
type CreateOptions struct {
	Name       string
	Image      string
	GPUCount   int
	DiskSizeGB int
	VCPUs      int
	MemoryGB   int
	Env        map[string]string
}

// StructuredSource returns availability in the structured API shape.
type StructuredSource interface {
	Availability(ctx context.Context, q Query) (model.AvailabilityPayload, error)
}

// TableSource returns availability as the CLI's box-drawing table.
type TableSource interface {
	AvailabilityTable(ctx context.Context, q Query) (string, error)
}

// PodSource drives pods through the provisioning backend. All results are
// raw text for the normalize package to interpret.
type PodSource interface {
	PodsTable(ctx context.Context) (string, error)
	PodStatus(ctx context.Context, id string) (string, error)
	CreatePod(ctx context.Context, configID string, opts CreateOptions) (string, error)
	TerminatePod(ctx context.Context, id string) error
	PodLogs(ctx context.Context, id string, lines int) (string, error)
}

// Source is the full text-based inventory source.
type Source interface {
	TableSource
	PodSource
}

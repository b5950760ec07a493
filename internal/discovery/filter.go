package discovery

import (
	"fmt"
	"sort"
	"strings"

	"github.com/kubeadapt/gpu-broker/pkg/model"
)

// SortKey selects the ordering of discovery results.
type SortKey string

// Supported sort keys. SortByCost is the default.
const (
	SortByCost         SortKey = "cost"
	SortByAvailability SortKey = "availability"
	SortByUtilization  SortKey = "utilization"
	SortByGPUType      SortKey = "gpu_type"
	SortByProvider     SortKey = "provider"
)

// ParseSortKey validates a user-supplied sort key. Empty means cost.
func ParseSortKey(s string) (SortKey, error) {
	switch k := SortKey(strings.ToLower(strings.TrimSpace(s))); k {
	case "":
		return SortByCost, nil
	case SortByCost, SortByAvailability, SortByUtilization, SortByGPUType, SortByProvider:
		return k, nil
	}
	return "", fmt.Errorf("discovery: unknown sort key %q", s)
}

// Filter narrows and orders discovery results. All constraints are
// optional and combine with AND.
type Filter struct {
	GPUType model.GPUType
	// GPUCount is forwarded to the sources as a sizing hint.
	GPUCount int
	// Provider matches as a case-insensitive substring.
	Provider string
	// Regions match as case-insensitive substrings; any one suffices.
	Regions      []string
	MinCost      *float64
	MaxCost      *float64
	MinAvailable int
	// IncludeFree keeps zero-cost placeholder offers.
	IncludeFree bool

	SortBy     SortKey
	Descending bool
	// Limit caps the result after filtering and sorting. Zero is unlimited.
	Limit int
}

// Apply filters, stably sorts and truncates resources. The input is not
// modified.
func (f Filter) Apply(resources []model.Resource) []model.Resource {
	out := make([]model.Resource, 0, len(resources))
	for _, r := range resources {
		if f.matches(r) {
			out = append(out, r)
		}
	}

	less := f.less()
	sort.SliceStable(out, func(i, j int) bool {
		if f.Descending {
			return less(out[j], out[i])
		}
		return less(out[i], out[j])
	})

	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

func (f Filter) matches(r model.Resource) bool {
	if f.GPUType != "" && r.GPUType != f.GPUType {
		return false
	}
	if f.Provider != "" && !containsFold(r.Provider, f.Provider) {
		return false
	}
	if len(f.Regions) > 0 && !anyContainsFold(r.Region, f.Regions) {
		return false
	}
	if f.MinCost != nil && r.CostPerHour < *f.MinCost {
		return false
	}
	if f.MaxCost != nil && r.CostPerHour > *f.MaxCost {
		return false
	}
	if r.AvailableCount < f.MinAvailable {
		return false
	}
	if !f.IncludeFree && r.CostPerHour <= 0 {
		return false
	}
	return true
}

func (f Filter) less() func(a, b model.Resource) bool {
	switch f.SortBy {
	case SortByAvailability:
		return func(a, b model.Resource) bool { return a.AvailableCount < b.AvailableCount }
	case SortByUtilization:
		return func(a, b model.Resource) bool { return a.Utilization() < b.Utilization() }
	case SortByGPUType:
		return func(a, b model.Resource) bool { return a.GPUType < b.GPUType }
	case SortByProvider:
		return func(a, b model.Resource) bool {
			return strings.ToLower(a.Provider) < strings.ToLower(b.Provider)
		}
	default:
		return func(a, b model.Resource) bool { return a.CostPerHour < b.CostPerHour }
	}
}

func containsFold(s, sub string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(sub))
}

func anyContainsFold(s string, subs []string) bool {
	for _, sub := range subs {
		if containsFold(s, sub) {
			return true
		}
	}
	return false
}

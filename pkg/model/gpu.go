package model

// GPUType is the normalized accelerator category of an inventory offer.
type GPUType string

// Known GPU categories. GPUUnknown is the catch-all for anything the
// normalizer could not resolve.
const (
	GPUH100_80GB GPUType = "H100_80GB"
	GPUH100_40GB GPUType = "H100_40GB"
	GPUA100_80GB GPUType = "A100_80GB"
	GPUA100_40GB GPUType = "A100_40GB"
	GPUV100_32GB GPUType = "V100_32GB"
	GPUV100_16GB GPUType = "V100_16GB"
	GPURTXA6000  GPUType = "RTX_A6000"
	GPURTXA5000  GPUType = "RTX_A5000"
	GPURTXA4000  GPUType = "RTX_A4000"
	GPUL40S      GPUType = "L40S"
	GPUL40       GPUType = "L40"
	GPUL4        GPUType = "L4"
	GPURTX4090   GPUType = "RTX_4090"
	GPURTX4080   GPUType = "RTX_4080"
	GPURTX3090   GPUType = "RTX_3090"
	GPUT4        GPUType = "T4"
	GPUCPU       GPUType = "CPU"
	GPUUnknown   GPUType = "UNKNOWN"
)

var knownGPUTypes = []GPUType{
	GPUH100_80GB, GPUH100_40GB,
	GPUA100_80GB, GPUA100_40GB,
	GPUV100_32GB, GPUV100_16GB,
	GPURTXA6000, GPURTXA5000, GPURTXA4000,
	GPUL40S, GPUL40, GPUL4,
	GPURTX4090, GPURTX4080, GPURTX3090,
	GPUT4, GPUCPU, GPUUnknown,
}

// KnownGPUTypes returns every category, UNKNOWN last.
func KnownGPUTypes() []GPUType {
	out := make([]GPUType, len(knownGPUTypes))
	copy(out, knownGPUTypes)
	return out
}

// Valid reports whether g is one of the known categories.
func (g GPUType) Valid() bool {
	for _, k := range knownGPUTypes {
		if g == k {
			return true
		}
	}
	return false
}

// Resource is a normalized GPU inventory offer. It is built fresh on every
// discovery call and never mutated afterwards.
type Resource struct {
	GPUType        GPUType `json:"gpu_type"`
	AvailableCount int     `json:"available_count"`
	TotalCount     int     `json:"total_count"`
	CostPerHour    float64 `json:"cost_per_hour"`
	Provider       string  `json:"provider"`
	Region         string  `json:"region"`

	// ConfigID is the provider-assigned configuration identifier required
	// to create a pod from this offer. Empty means absent.
	ConfigID string `json:"config_id,omitempty"`

	Socket      string  `json:"socket,omitempty"`
	Security    string  `json:"security,omitempty"`
	StockStatus string  `json:"stock_status,omitempty"`
	VCPUs       float64 `json:"vcpus,omitempty"`
	MemoryGB    float64 `json:"memory_gb,omitempty"`
	DiskGB      float64 `json:"disk_gb,omitempty"`
}

// Utilization is the fraction of the offer's GPUs that are not available.
// Upstream data may report more available than total GPUs, so the result is
// clamped to [0, 1].
func (r Resource) Utilization() float64 {
	if r.TotalCount <= 0 {
		return 0
	}
	u := 1 - float64(r.AvailableCount)/float64(r.TotalCount)
	if u < 0 {
		return 0
	}
	if u > 1 {
		return 1
	}
	return u
}

// HasConfigID reports whether the offer can be used to create a pod.
func (r Resource) HasConfigID() bool { return r.ConfigID != "" }

package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/kubeadapt/gpu-broker/internal/monitor"
	"github.com/kubeadapt/gpu-broker/internal/normalize"
	"github.com/kubeadapt/gpu-broker/internal/queue"
	"github.com/kubeadapt/gpu-broker/pkg/model"
)

// AlertSpec declares an alert in a manifest.
type AlertSpec struct {
	Name      string `yaml:"name"`
	Condition string `yaml:"condition"`
	Action    string `yaml:"action"`
	Recipient string `yaml:"recipient"`
}

// Manifest is a declarative set of alerts and batch jobs.
//
//	alerts:
//	  - name: budget
//	    condition: cost_per_hour > 50
//	    action: webhook
//	    recipient: https://hooks.example.com/gpu
//	jobs:
//	  - name: train
//	    script: ./train.py
//	    args: {epochs: "3"}
//	    requirements: {gpu_type: H100_80GB, gpu_count: 2}
type Manifest struct {
	Alerts []AlertSpec  `yaml:"alerts"`
	Jobs   []queue.Spec `yaml:"jobs"`
}

// LoadManifest reads and validates a YAML manifest. GPU type names are
// normalized, so "h100" and "H100 80GB" both resolve.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read manifest: %w", err)
	}
	return ParseManifest(data)
}

// ParseManifest decodes and validates manifest YAML.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("config: parse manifest: %w", err)
	}

	for i, a := range m.Alerts {
		if a.Name == "" {
			return nil, fmt.Errorf("config: alerts[%d]: name is required", i)
		}
		if _, err := monitor.Compile(a.Condition); err != nil {
			return nil, fmt.Errorf("config: alerts[%d] %q: %w", i, a.Name, err)
		}
		if m.Alerts[i].Action == "" {
			m.Alerts[i].Action = "log"
		}
	}

	for i := range m.Jobs {
		j := &m.Jobs[i]
		if j.ScriptPath == "" {
			return nil, fmt.Errorf("config: jobs[%d]: script is required", i)
		}
		if err := j.Validate(); err != nil {
			return nil, fmt.Errorf("config: jobs[%d]: %w", i, err)
		}
		if j.Requirements.GPUCount < 0 {
			return nil, fmt.Errorf("config: jobs[%d]: gpu_count must be >= 0, got %d", i, j.Requirements.GPUCount)
		}
		if raw := j.Requirements.GPUType; raw != "" {
			gt := normalize.ParseGPUType(string(raw))
			if gt == model.GPUUnknown {
				return nil, fmt.Errorf("config: jobs[%d]: unknown gpu_type %q", i, raw)
			}
			j.Requirements.GPUType = gt
		}
	}
	return &m, nil
}

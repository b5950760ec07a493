package model

import (
	"maps"
	"time"
)

// PodStatus is the lifecycle state of a pod.
type PodStatus string

// Pod lifecycle states. Stopped and failed are terminal.
const (
	PodCreating PodStatus = "creating"
	PodRunning  PodStatus = "running"
	PodStopped  PodStatus = "stopped"
	PodFailed   PodStatus = "failed"
)

// Active reports whether a pod in this state still holds resources.
func (s PodStatus) Active() bool {
	return s == PodCreating || s == PodRunning
}

// Terminal reports whether no further transition is possible.
func (s PodStatus) Terminal() bool {
	return s == PodStopped || s == PodFailed
}

// Pod is a provisioned compute instance.
type Pod struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	Status        PodStatus         `json:"status"`
	GPUType       GPUType           `json:"gpu_type"`
	GPUCount      int               `json:"gpu_count"`
	CostPerHour   float64           `json:"cost_per_hour"`
	CreatedAt     time.Time         `json:"created_at"`
	StartedAt     *time.Time        `json:"started_at,omitempty"`
	StoppedAt     *time.Time        `json:"stopped_at,omitempty"`
	SSHConnection string            `json:"ssh_connection,omitempty"`
	Provider      string            `json:"provider,omitempty"`
	Region        string            `json:"region,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// Runtime is the time between start and stop (or now while still running).
// It is zero until the pod has started.
func (p Pod) Runtime(now time.Time) time.Duration {
	if p.StartedAt == nil {
		return 0
	}
	end := now
	if p.StoppedAt != nil {
		end = *p.StoppedAt
	}
	if end.Before(*p.StartedAt) {
		return 0
	}
	return end.Sub(*p.StartedAt)
}

// TotalCost is runtime hours times the hourly price.
func (p Pod) TotalCost(now time.Time) float64 {
	return p.Runtime(now).Hours() * p.CostPerHour
}

// Clone returns a copy that shares no mutable state with p.
func (p Pod) Clone() Pod {
	out := p
	if p.StartedAt != nil {
		t := *p.StartedAt
		out.StartedAt = &t
	}
	if p.StoppedAt != nil {
		t := *p.StoppedAt
		out.StoppedAt = &t
	}
	out.Metadata = maps.Clone(p.Metadata)
	return out
}

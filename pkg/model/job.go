package model

import (
	"maps"
	"time"
)

// JobStatus is the lifecycle state of a scheduled job.
type JobStatus string

// Job lifecycle states.
const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Terminal reports whether the job has finished in any way.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// GPURequirement is the pod shape a job asks for.
type GPURequirement struct {
	GPUType  GPUType `json:"gpu_type" yaml:"gpu_type"`
	GPUCount int     `json:"gpu_count" yaml:"gpu_count"`
}

// Job is a unit of scripted work bound at runtime to a pod.
type Job struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	Status       JobStatus         `json:"status"`
	PodID        string            `json:"pod_id,omitempty"`
	ScriptPath   string            `json:"script_path"`
	Args         map[string]string `json:"args,omitempty"`
	Env          map[string]string `json:"env,omitempty"`
	Requirements GPURequirement    `json:"requirements"`
	CreatedAt    time.Time         `json:"created_at"`
	StartedAt    *time.Time        `json:"started_at,omitempty"`
	CompletedAt  *time.Time        `json:"completed_at,omitempty"`
	Error        string            `json:"error,omitempty"`
	OutputPath   string            `json:"output_path,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Runtime is the time from start to completion, or to now while running.
func (j Job) Runtime(now time.Time) time.Duration {
	if j.StartedAt == nil {
		return 0
	}
	end := now
	if j.CompletedAt != nil {
		end = *j.CompletedAt
	}
	return end.Sub(*j.StartedAt)
}

// Clone returns a deep copy of j.
func (j Job) Clone() Job {
	out := j
	if j.StartedAt != nil {
		t := *j.StartedAt
		out.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		out.CompletedAt = &t
	}
	out.Args = maps.Clone(j.Args)
	out.Env = maps.Clone(j.Env)
	out.Metadata = maps.Clone(j.Metadata)
	return out
}

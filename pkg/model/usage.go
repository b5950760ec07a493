package model

import "time"

// TeamUsage is a point-in-time aggregate of a team's active pods.
type TeamUsage struct {
	Team        string    `json:"team"`
	ActivePods  int       `json:"active_pods"`
	TotalGPUs   int       `json:"total_gpus"`
	CostPerHour float64   `json:"cost_per_hour"`
	CostToday   float64   `json:"cost_today"`
	Pods        []Pod     `json:"pods"`
	Timestamp   time.Time `json:"timestamp"`
}

// Alert fires an action when its condition holds against a usage snapshot.
type Alert struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	Condition     string     `json:"condition"`
	Action        string     `json:"action"`
	Recipient     string     `json:"recipient"`
	Active        bool       `json:"active"`
	LastTriggered *time.Time `json:"last_triggered,omitempty"`
}

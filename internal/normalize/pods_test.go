package normalize

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubeadapt/gpu-broker/pkg/model"
)

const podsTable = `┏━━━━━━━━━━┳━━━━━━━━━━━┳━━━━━━━━━━━━━━━━┳━━━━━━━━━┳━━━━━━━━━━━━━━━━━━━━━┓
┃ ID       ┃ Name      ┃ GPU            ┃ Status  ┃ Created             ┃
┡━━━━━━━━━━╇━━━━━━━━━━━╇━━━━━━━━━━━━━━━━╇━━━━━━━━━╇━━━━━━━━━━━━━━━━━━━━━┩
│ pod-1    │ trainer   │ H100_80GB x 2  │ ACTIVE  │ 2026-03-01 10:00:00 │
│ pod-2    │ eval-long │ 1x RTX 4090    │ PENDING │ 2026-03-01T11:00:00Z│
│          │ -name     │                │         │                     │
│ pod-3    │ old       │ A100           │ ???     │ yesterday           │
└──────────┴───────────┴────────────────┴─────────┴─────────────────────┘`

func TestParsePodsTable(t *testing.T) {
	rows := ParsePodsTable(podsTable)
	require.Len(t, rows, 3)

	assert.Equal(t, "pod-1", rows[0].ID)
	assert.Equal(t, "trainer", rows[0].Name)
	assert.Equal(t, "ACTIVE", rows[0].Status)
	assert.Equal(t, time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC), rows[0].CreatedAt)

	assert.Equal(t, "eval-long -name", rows[1].Name)
	assert.Equal(t, time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC), rows[1].CreatedAt.UTC())

	assert.True(t, rows[2].CreatedAt.IsZero())
}

func TestParsePodDetails(t *testing.T) {
	text := `Pod Details
┏━━━━━━━━━━━━━━━━┳━━━━━━━━━━━━━━━━━━━━━━━━━┓
┃ Field          ┃ Value                   ┃
┡━━━━━━━━━━━━━━━━╇━━━━━━━━━━━━━━━━━━━━━━━━━┩
│ ID             │ pod-1                   │
│ Name           │ trainer                 │
│ Status         │ RUNNING                 │
│ GPU Type       │ H100_80GB               │
│ GPU Count      │ 2                       │
│ Price          │ $5.90/hr                │
│ Provider       │ datacrunch              │
│ Location       │ FI                      │
│ SSH            │ ssh root@10.0.0.1 -p 22 │
└────────────────┴─────────────────────────┘
Created: 2026-03-01 10:00:00`

	d := ParsePodDetails(text)
	assert.Equal(t, "pod-1", d.ID)
	assert.Equal(t, "trainer", d.Name)
	assert.Equal(t, "RUNNING", d.Status)
	assert.Equal(t, model.GPUH100_80GB, d.GPUType)
	assert.Equal(t, 2, d.GPUCount)
	assert.InDelta(t, 5.9, d.CostPerHour, 1e-9)
	assert.Equal(t, "Datacrunch", d.Provider)
	assert.Equal(t, "FI", d.Region)
	assert.Equal(t, "ssh root@10.0.0.1 -p 22", d.SSHConnection)
	assert.Equal(t, time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC), d.CreatedAt)
}

func TestParsePodDetails_Empty(t *testing.T) {
	assert.Equal(t, PodDetails{}, ParsePodDetails("no pod here"))
}

func TestParsePodStatus(t *testing.T) {
	tests := []struct {
		text string
		want model.PodStatus
		ok   bool
	}{
		{"RUNNING", model.PodRunning, true},
		{"active", model.PodRunning, true},
		{"PROVISIONING", model.PodCreating, true},
		{"pending", model.PodCreating, true},
		{"TERMINATED", model.PodStopped, true},
		{"inactive", model.PodStopped, true},
		{"ERROR", model.PodFailed, true},
		{"???", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := ParsePodStatus(tt.text)
		assert.Equal(t, tt.ok, ok, tt.text)
		assert.Equal(t, tt.want, got, tt.text)
	}
}

func TestParseGPUInfo(t *testing.T) {
	gt, n := ParseGPUInfo("H100_80GB x 2")
	assert.Equal(t, model.GPUH100_80GB, gt)
	assert.Equal(t, 2, n)

	gt, n = ParseGPUInfo("1x RTX 4090")
	assert.Equal(t, model.GPURTX4090, gt)
	assert.Equal(t, 1, n)

	gt, n = ParseGPUInfo("A100")
	assert.Equal(t, model.GPUA100_80GB, gt)
	assert.Equal(t, 1, n)

	gt, n = ParseGPUInfo("")
	assert.Equal(t, model.GPUUnknown, gt)
	assert.Zero(t, n)
}

func TestParseCreatedPodID(t *testing.T) {
	assert.Equal(t, "abc123", ParseCreatedPodID(`{"id": "abc123", "status": "PROVISIONING"}`))
	assert.Equal(t, "pod-9f", ParseCreatedPodID("Pod created successfully!\nPod ID: pod-9f\n"))
	assert.Equal(t, "xyz", ParseCreatedPodID("id=xyz"))
	assert.Empty(t, ParseCreatedPodID("Created."))
}

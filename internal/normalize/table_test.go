package normalize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubeadapt/gpu-broker/pkg/model"
)

const availabilityTable = `                                  Available GPU Resources
┏━━━━━━━━━━┳━━━━━━━━━━━┳━━━━━┳━━━━━━━━┳━━━━━━━━━━┳━━━━━━━━━┳━━━━━━━━━━━┳━━━━━━━━┳━━━━━━━━━━┳━━━━━━━┳━━━━━━━━┳━━━━━━━━┓
┃ ID       ┃ GPU Type  ┃ GPUs┃ Socket ┃ Provider ┃ Location┃ Stock     ┃ Price  ┃ Security ┃ vCPUs ┃ RAM    ┃ Disk   ┃
┡━━━━━━━━━━╇━━━━━━━━━━━╇━━━━━╇━━━━━━━━╇━━━━━━━━━━╇━━━━━━━━━╇━━━━━━━━━━━╇━━━━━━━━╇━━━━━━━━━━╇━━━━━━━╇━━━━━━━━╇━━━━━━━━┩
│ cfg-a1   │ H100_80GB │ 2   │ SXM5   │ datacru… │ FI      │ Available │ $2.95  │ secure   │ 8-64  │ 160    │ 1000   │
│ cfg-b2   │ A1…       │ 8   │ PCIe   │ hypers…  │ CA      │ Medium    │ $1.20  │ secure   │ 32    │ 512    │ 2000   │
│          │ 00_40GB   │     │        │          │         │           │        │          │       │        │        │
│ cfg-c3   │ RTX_4090  │ 1   │ PCIe   │ vast     │ US      │ Low       │ $0.40  │ community│ 4     │ 32     │ 100    │
│ cfg-d4   │ mystery   │ n/a │ PCIe   │ runpod   │ US      │ Available │ free   │ secure   │       │        │        │
│ broken   │ row       │
└──────────┴───────────┴─────┴────────┴──────────┴─────────┴───────────┴────────┴──────────┴───────┴────────┴────────┘
`

func TestParseAvailabilityTable(t *testing.T) {
	got := ParseAvailabilityTable(availabilityTable)
	require.Len(t, got, 4, "short row must be skipped")

	first := got[0]
	assert.Equal(t, "cfg-a1", first.ConfigID)
	assert.Equal(t, model.GPUH100_80GB, first.GPUType)
	assert.Equal(t, 2, first.TotalCount)
	assert.Equal(t, 2, first.AvailableCount)
	assert.InDelta(t, 2.95, first.CostPerHour, 1e-9)
	assert.Equal(t, "Datacrunch", first.Provider)
	assert.Equal(t, "FI", first.Region)
	assert.InDelta(t, 8, first.VCPUs, 1e-9, "ranges parse to their minimum")

	second := got[1]
	assert.Equal(t, model.GPUA100_40GB, second.GPUType, "continuation line extends the GPU type")
	assert.Equal(t, 8, second.AvailableCount, "medium counts as available in the table view")
	assert.Equal(t, "Hyperstack", second.Provider)

	third := got[2]
	assert.Equal(t, 0, third.AvailableCount)
	assert.Equal(t, 1, third.TotalCount)
	assert.Equal(t, "vast", third.Provider, "unknown providers pass through")

	fourth := got[3]
	assert.Equal(t, model.GPUUnknown, fourth.GPUType)
	assert.Zero(t, fourth.TotalCount)
	assert.Zero(t, fourth.CostPerHour)
	assert.Equal(t, "RunPod", fourth.Provider)
}

func TestParseAvailabilityTable_Garbage(t *testing.T) {
	assert.Empty(t, ParseAvailabilityTable(""))
	assert.Empty(t, ParseAvailabilityTable("Error: not logged in"))
	assert.Empty(t, ParseAvailabilityTable("┡━━┩\n│ │\n└──┘"))
}

func TestParseAvailabilityTable_NoHeaderRule(t *testing.T) {
	text := "│ ID    │ GPU Type  │ GPUs │ Provider │\n" +
		"│ cfg-1 │ H100_80GB │ 8    │ runpod   │\n" +
		"└───────┴───────────┴──────┴──────────┘"
	assert.Empty(t, ParseAvailabilityTable(text))
	assert.Empty(t, ParsePodsTable(text))
}

func TestParseRange(t *testing.T) {
	assert.InDelta(t, 8, ParseRange("8-64"), 1e-9)
	assert.InDelta(t, 2.95, ParseRange("$2.95/hr"), 1e-9)
	assert.InDelta(t, 0, ParseRange("n/a"), 1e-9)
	assert.InDelta(t, 0, ParseRange(""), 1e-9)
}

package normalize

import (
	"slices"
	"strings"

	"github.com/kubeadapt/gpu-broker/pkg/model"
)

// FromPayload flattens a structured availability payload. Keys are visited
// in sorted order so repeated calls yield the same sequence.
func FromPayload(payload model.AvailabilityPayload) []model.Resource {
	keys := make([]string, 0, len(payload))
	for k := range payload {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	var out []model.Resource
	for _, k := range keys {
		for _, offer := range payload[k] {
			out = append(out, fromOffer(k, offer))
		}
	}
	return out
}

func fromOffer(key string, o model.Offer) model.Resource {
	gpuText := o.GPUType
	if gpuText == "" {
		gpuText = key
	}

	count := int(o.GPUCount)
	if count < 0 {
		count = 0
	}

	region := strings.TrimSpace(o.Country)
	if region == "" {
		region = strings.TrimSpace(o.DataCenter)
	}

	return model.Resource{
		GPUType:        ParseGPUType(gpuText),
		AvailableCount: AvailableFromStock(o.StockStatus, count),
		TotalCount:     count,
		CostPerHour:    offerPrice(o.Prices),
		Provider:       strings.TrimSpace(o.Provider),
		Region:         region,
		ConfigID:       strings.TrimSpace(o.CloudID),
		Socket:         o.Socket,
		Security:       o.Security,
		StockStatus:    o.StockStatus,
	}
}

// offerPrice prefers the community price, then on-demand, then zero.
func offerPrice(p *model.OfferPrices) float64 {
	if p == nil {
		return 0
	}
	if p.CommunityPrice != nil && *p.CommunityPrice > 0 {
		return float64(*p.CommunityPrice)
	}
	if p.OnDemand != nil && *p.OnDemand > 0 {
		return float64(*p.OnDemand)
	}
	return 0
}

// AvailableFromStock derives an available GPU count from a stock-status
// label: available/high means all, medium half, low a quarter, anything
// else none. Medium and low never round a non-empty offer down to zero.
func AvailableFromStock(status string, count int) int {
	if count <= 0 {
		return 0
	}
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "available", "high":
		return count
	case "medium":
		return max(count/2, 1)
	case "low":
		return max(count/4, 1)
	}
	return 0
}

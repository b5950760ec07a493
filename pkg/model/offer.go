package model

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

// AvailabilityPayload is the structured availability response: GPU type
// name to the offers for that type.
type AvailabilityPayload map[string][]Offer

// Offer is a single structured availability record.
type Offer struct {
	CloudID     string       `json:"cloudId"`
	GPUType     string       `json:"gpuType"`
	Socket      string       `json:"socket"`
	Provider    string       `json:"provider"`
	DataCenter  string       `json:"dataCenter"`
	Country     string       `json:"country"`
	GPUCount    FlexInt      `json:"gpuCount"`
	GPUMemory   FlexInt      `json:"gpuMemory"`
	Security    string       `json:"security"`
	StockStatus string       `json:"stockStatus"`
	Prices      *OfferPrices `json:"prices"`
}

// OfferPrices holds the pricing block of an offer. Nil means the price was
// not reported.
type OfferPrices struct {
	OnDemand       *FlexFloat `json:"onDemand"`
	CommunityPrice *FlexFloat `json:"communityPrice"`
	Currency       string     `json:"currency"`
}

// FlexFloat decodes a JSON number, numeric string, or anything else. Values
// that are not numeric decode to zero instead of failing the whole payload.
type FlexFloat float64

// UnmarshalJSON implements json.Unmarshaler.
func (f *FlexFloat) UnmarshalJSON(data []byte) error {
	*f = FlexFloat(parseFlex(data))
	return nil
}

// FlexInt is the integer counterpart of FlexFloat. Fractions truncate.
type FlexInt int

// UnmarshalJSON implements json.Unmarshaler.
func (i *FlexInt) UnmarshalJSON(data []byte) error {
	*i = FlexInt(int(parseFlex(data)))
	return nil
}

func parseFlex(data []byte) float64 {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return 0
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return 0
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return 0
		}
		return v
	}
	v, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return 0
	}
	return v
}
